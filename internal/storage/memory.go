// internal/storage/memory.go
// In-memory Store implementation, intended for development and testing.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/skymanuals/skymanuals-efb-go/internal/model"
)

// chunkKey identifies one device-cached chunk record.
type chunkKey struct {
	deviceID string
	bundleID string
	index    int
}

// manifestKey identifies one device cache manifest.
type manifestKey struct {
	deviceID string
	bundleID string
}

// memory implements the Store interface using in-memory storage.
type memory struct {
	mu           sync.RWMutex                         // Protects concurrent access to maps
	devices      map[string]*model.Device             // Map of device ID to device
	manuals      map[string]*model.Manual             // Map of manual ID to manual (with nested structure)
	manualOrder  map[string][]string                  // Map of org ID to manual IDs in insertion order
	bundleManual map[string]string                    // Map of bundle ID to owning manual ID
	retired      map[string]*model.ReaderBundle       // Superseded bundles, kept for manifest attribution
	manifests    map[manifestKey]*model.CacheManifest // Device cache manifests
	cacheChunks  map[chunkKey]*model.CacheChunk       // Device cache chunk records
	entities     map[string]*model.EntityRecord       // Entity records keyed by entity ID
	reviews      []*model.PendingReview               // Pending reviews in creation order
	idempotency  map[string]*IdempotentResponse       // Map of key hash to idempotent responses
}

// NewMemory creates a new in-memory storage implementation.
// Returns a Store interface that can be used for testing or development.
func NewMemory() Store {
	return &memory{
		devices:      make(map[string]*model.Device),
		manuals:      make(map[string]*model.Manual),
		manualOrder:  make(map[string][]string),
		bundleManual: make(map[string]string),
		retired:      make(map[string]*model.ReaderBundle),
		manifests:    make(map[manifestKey]*model.CacheManifest),
		cacheChunks:  make(map[chunkKey]*model.CacheChunk),
		entities:     make(map[string]*model.EntityRecord),
		idempotency:  make(map[string]*IdempotentResponse),
	}
}

func (m *memory) RegisterDevice(ctx context.Context, device model.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[device.ID]; exists {
		return ErrConflict
	}

	deviceCopy := device
	m.devices[device.ID] = &deviceCopy
	return nil
}

func (m *memory) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, exists := m.devices[deviceID]
	if !exists {
		return nil, ErrNotFound
	}
	deviceCopy := *device
	return &deviceCopy, nil
}

func (m *memory) TouchDevice(ctx context.Context, deviceID string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	device, exists := m.devices[deviceID]
	if !exists {
		return ErrNotFound
	}
	device.LastSeenAt = seenAt
	return nil
}

// copyManual deep-copies a manual so callers never share nested slices
// with the store.
func copyManual(manual *model.Manual) model.Manual {
	out := *manual
	out.Chapters = make([]model.Chapter, len(manual.Chapters))
	for i, ch := range manual.Chapters {
		chCopy := ch
		chCopy.Sections = append([]model.Section(nil), ch.Sections...)
		out.Chapters[i] = chCopy
	}
	if manual.Bundle != nil {
		bundleCopy := *manual.Bundle
		bundleCopy.Chunks = append([]model.BundleChunk(nil), manual.Bundle.Chunks...)
		out.Bundle = &bundleCopy
	}
	return out
}

func (m *memory) GetReleasedManuals(ctx context.Context, orgID string) ([]model.Manual, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	released := make([]model.Manual, 0)
	for _, id := range m.manualOrder[orgID] {
		manual, exists := m.manuals[id]
		if !exists || manual.Status != "RELEASED" {
			continue
		}
		released = append(released, copyManual(manual))
	}
	return released, nil
}

func (m *memory) GetReaderBundle(ctx context.Context, bundleID string) (*model.ReaderBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bundle := m.findBundle(bundleID)
	if bundle == nil {
		bundle = m.retired[bundleID]
	}
	if bundle == nil {
		return nil, ErrNotFound
	}
	bundleCopy := *bundle
	bundleCopy.Chunks = append([]model.BundleChunk(nil), bundle.Chunks...)
	return &bundleCopy, nil
}

// findBundle returns the live bundle pointer for bundleID. Caller must hold the lock.
func (m *memory) findBundle(bundleID string) *model.ReaderBundle {
	manualID, exists := m.bundleManual[bundleID]
	if !exists {
		return nil
	}
	manual, exists := m.manuals[manualID]
	if !exists || manual.Bundle == nil || manual.Bundle.ID != bundleID {
		return nil
	}
	return manual.Bundle
}

func (m *memory) PutManual(ctx context.Context, manual model.Manual) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.manuals[manual.ID]
	if !exists {
		m.manualOrder[manual.OrgID] = append(m.manualOrder[manual.OrgID], manual.ID)
	}
	manualCopy := copyManual(&manual)
	if exists && existing.Bundle != nil && (manualCopy.Bundle == nil || manualCopy.Bundle.ID != existing.Bundle.ID) {
		// A replaced bundle stays resolvable so manifests devices still
		// report against it can be attributed to the manual.
		old := *existing.Bundle
		old.Active = false
		old.Chunks = append([]model.BundleChunk(nil), existing.Bundle.Chunks...)
		m.retired[old.ID] = &old
	}
	m.manuals[manual.ID] = &manualCopy
	if manualCopy.Bundle != nil {
		m.bundleManual[manualCopy.Bundle.ID] = manual.ID
	}
	return nil
}

func (m *memory) UpsertBundleChunk(ctx context.Context, chunk model.BundleChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bundle := m.findBundle(chunk.ReaderBundleID)
	if bundle == nil {
		return ErrNotFound
	}
	for i := range bundle.Chunks {
		if bundle.Chunks[i].ChunkIndex == chunk.ChunkIndex {
			bundle.Chunks[i] = chunk
			return nil
		}
	}
	bundle.Chunks = append(bundle.Chunks, chunk)
	sort.Slice(bundle.Chunks, func(i, j int) bool {
		return bundle.Chunks[i].ChunkIndex < bundle.Chunks[j].ChunkIndex
	})
	return nil
}

func (m *memory) ListBundleChunks(ctx context.Context, bundleID string) ([]model.BundleChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bundle := m.findBundle(bundleID)
	if bundle == nil {
		return nil, ErrNotFound
	}
	return append([]model.BundleChunk(nil), bundle.Chunks...), nil
}

func (m *memory) UpdateBundleManifest(ctx context.Context, bundleID string, chunkCount int, totalSizeBytes int64, checksum string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bundle := m.findBundle(bundleID)
	if bundle == nil {
		return ErrNotFound
	}
	bundle.ChunkCount = chunkCount
	bundle.TotalSizeBytes = totalSizeBytes
	bundle.Checksum = checksum
	return nil
}

func (m *memory) UpsertCacheManifest(ctx context.Context, manifest model.CacheManifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	manifestCopy := manifest
	m.manifests[manifestKey{manifest.DeviceID, manifest.ReaderBundleID}] = &manifestCopy
	return nil
}

func (m *memory) GetCacheManifest(ctx context.Context, deviceID, bundleID string) (*model.CacheManifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	manifest, exists := m.manifests[manifestKey{deviceID, bundleID}]
	if !exists {
		return nil, ErrNotFound
	}
	manifestCopy := *manifest
	return &manifestCopy, nil
}

func (m *memory) ListCacheManifests(ctx context.Context, deviceID string) ([]model.CacheManifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	manifests := make([]model.CacheManifest, 0)
	for key, manifest := range m.manifests {
		if key.deviceID == deviceID {
			manifests = append(manifests, *manifest)
		}
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].ReaderBundleID < manifests[j].ReaderBundleID
	})
	return manifests, nil
}

func (m *memory) UpsertCacheChunk(ctx context.Context, chunk model.CacheChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chunkCopy := chunk
	m.cacheChunks[chunkKey{chunk.DeviceID, chunk.ReaderBundleID, chunk.ChunkIndex}] = &chunkCopy
	return nil
}

func (m *memory) GetCacheChunk(ctx context.Context, deviceID, bundleID string, chunkIndex int) (*model.CacheChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chunk, exists := m.cacheChunks[chunkKey{deviceID, bundleID, chunkIndex}]
	if !exists {
		return nil, ErrNotFound
	}
	chunkCopy := *chunk
	return &chunkCopy, nil
}

func (m *memory) DeleteCacheChunk(ctx context.Context, deviceID, bundleID string, chunkIndex int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := chunkKey{deviceID, bundleID, chunkIndex}
	if _, exists := m.cacheChunks[key]; !exists {
		return false, nil
	}
	delete(m.cacheChunks, key)
	return true, nil
}

func (m *memory) DeleteExpiredChunks(ctx context.Context, now time.Time) ([]model.CacheChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := make([]model.CacheChunk, 0)
	for key, chunk := range m.cacheChunks {
		if chunk.ExpiresAt.Before(now) {
			expired = append(expired, *chunk)
			delete(m.cacheChunks, key)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].DeviceID != expired[j].DeviceID {
			return expired[i].DeviceID < expired[j].DeviceID
		}
		if expired[i].ReaderBundleID != expired[j].ReaderBundleID {
			return expired[i].ReaderBundleID < expired[j].ReaderBundleID
		}
		return expired[i].ChunkIndex < expired[j].ChunkIndex
	})
	return expired, nil
}

func (m *memory) GetEntityRecord(ctx context.Context, entityID string) (*model.EntityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, exists := m.entities[entityID]
	if !exists {
		return nil, ErrNotFound
	}
	recordCopy := *record
	recordCopy.Metadata = copyMetadata(record.Metadata)
	return &recordCopy, nil
}

func (m *memory) PutEntityRecord(ctx context.Context, record model.EntityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	recordCopy := record
	recordCopy.Metadata = copyMetadata(record.Metadata)
	m.entities[record.EntityID] = &recordCopy
	return nil
}

// copyMetadata shallow-copies an entity metadata map.
func copyMetadata(metadata map[string]interface{}) map[string]interface{} {
	if metadata == nil {
		return nil
	}
	out := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

func (m *memory) CreatePendingReview(ctx context.Context, review model.PendingReview) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reviewCopy := review
	m.reviews = append(m.reviews, &reviewCopy)
	return nil
}

func (m *memory) ListPendingReviews(ctx context.Context, status string) ([]model.PendingReview, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reviews := make([]model.PendingReview, 0)
	for _, review := range m.reviews {
		if status == "" || review.Status == status {
			reviews = append(reviews, *review)
		}
	}
	return reviews, nil
}

// StoreIdempotentResponse stores an idempotent response in memory
func (m *memory) StoreIdempotentResponse(ctx context.Context, keyHash, requestHash string, responseBody []byte, statusCode int, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.idempotency[keyHash]; exists && existing.RequestHash != requestHash {
		return ErrConflict
	}

	responseCopy := make([]byte, len(responseBody))
	copy(responseCopy, responseBody)

	m.idempotency[keyHash] = &IdempotentResponse{
		RequestHash:  requestHash,
		ResponseBody: responseCopy,
		StatusCode:   statusCode,
		ExpiresAt:    expiresAt,
	}
	return nil
}

// GetIdempotentResponse retrieves a cached idempotent response from memory.
// Returns ErrConflict when the key exists with a different request hash.
func (m *memory) GetIdempotentResponse(ctx context.Context, keyHash, requestHash string) ([]byte, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	response, exists := m.idempotency[keyHash]
	if !exists {
		return nil, 0, ErrNotFound
	}

	// Check if the response has expired
	if time.Now().UTC().After(response.ExpiresAt) {
		// Remove expired entry
		delete(m.idempotency, keyHash)
		return nil, 0, ErrNotFound
	}

	if response.RequestHash != requestHash {
		return nil, 0, ErrConflict
	}

	responseCopy := make([]byte, len(response.ResponseBody))
	copy(responseCopy, response.ResponseBody)

	return responseCopy, response.StatusCode, nil
}

func (m *memory) Ping(ctx context.Context) error {
	return nil
}
