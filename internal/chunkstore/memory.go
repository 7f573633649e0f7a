// internal/chunkstore/memory.go
// In-memory ObjectStore for tests and single-node development.
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrObjectNotFound is returned by Get when no blob exists at a key.
var ErrObjectNotFound = errors.New("object not found")

// MemoryObjects is a map-backed ObjectStore.
type MemoryObjects struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryObjects creates an empty in-memory object store.
func NewMemoryObjects() *MemoryObjects {
	return &MemoryObjects{objects: make(map[string][]byte)}
}

// Put stores a copy of body at key, overwriting any previous content.
func (m *MemoryObjects) Put(ctx context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(body))
	copy(stored, body)
	m.objects[key] = stored
	return nil
}

// Get returns a copy of the blob at key.
func (m *MemoryObjects) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	body, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
	}
	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}

// Delete removes the blob at key. Deleting a missing key is not an error.
func (m *MemoryObjects) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Exists reports whether a blob is present at key.
func (m *MemoryObjects) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

// PresignDownload returns a synthetic URL. Good enough for development;
// nothing dereferences these outside of a device talking to real S3.
func (m *MemoryObjects) PresignDownload(ctx context.Context, key string, expires time.Duration) (string, error) {
	return "memory://" + key, nil
}
