// internal/chunkstore/chunkstore.go
// Package chunkstore provides checksum-verified, compressed blob storage for
// bundle chunks. Every stored chunk is gzip-compressed with a SHA-256
// checksum of the uncompressed payload; every read re-verifies that checksum
// before returning data. The catalog record, not the blob, is the source of
// truth for a chunk's existence.
package chunkstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/skymanuals/skymanuals-efb-go/internal/metrics"
	"github.com/skymanuals/skymanuals-efb-go/internal/model"
	"github.com/skymanuals/skymanuals-efb-go/internal/storage"
)

// ErrIntegrity is returned when a chunk's content no longer matches its
// recorded checksum. Unverified data is never returned to a caller.
var ErrIntegrity = errors.New("chunk checksum mismatch")

// signExpiry bounds presigned download URLs.
const signExpiry = 15 * time.Minute

// ObjectStore is the blob backend. S3 in production, in-memory in tests.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	PresignDownload(ctx context.Context, key string, expires time.Duration) (string, error)
}

// DeviceChunkKey maps a device cache chunk to its one deterministic storage
// key. Retrieval recomputes the key from identifiers alone.
func DeviceChunkKey(deviceID, bundleID string, chunkIndex int) string {
	return fmt.Sprintf("devices/%s/bundles/%s/chunks/%06d.gz", deviceID, bundleID, chunkIndex)
}

// BundleChunkKey maps a canonical bundle chunk to its storage key.
func BundleChunkKey(bundleID string, chunkIndex int) string {
	return fmt.Sprintf("bundles/%s/chunks/%06d.gz", bundleID, chunkIndex)
}

// keyLocks serializes writes per storage key. Writes to different keys
// proceed in parallel.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (kl *keyLocks) lock(key string) func() {
	kl.mu.Lock()
	m, ok := kl.locks[key]
	if !ok {
		m = &sync.Mutex{}
		kl.locks[key] = m
	}
	kl.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Store is the chunk store. Writes for a given key are serialized
// (last-writer-wins); reads verify integrity on every call.
type Store struct {
	objects ObjectStore
	records storage.Store
	ttl     time.Duration
	locks   keyLocks
	metrics *metrics.Metrics
}

// New creates a chunk store. ttl is how long device cache chunks live
// before the janitor evicts them.
func New(objects ObjectStore, records storage.Store, ttl time.Duration) *Store {
	return &Store{
		objects: objects,
		records: records,
		ttl:     ttl,
		locks:   keyLocks{locks: make(map[string]*sync.Mutex)},
		metrics: metrics.NewMetrics(),
	}
}

// StoreChunk compresses and persists one device cache chunk. Re-uploading
// the same (device, bundle, index) overwrites the previous content. The
// blob is written first; if the record write fails the blob is removed so
// readers never observe an unrecorded chunk.
func (s *Store) StoreChunk(ctx context.Context, deviceID, bundleID string, chunkIndex int, payload []byte) (*model.ChunkUploadResult, error) {
	key := DeviceChunkKey(deviceID, bundleID, chunkIndex)
	unlock := s.locks.lock(key)
	defer unlock()

	checksum := checksumOf(payload)
	compressed, err := compress(payload)
	if err != nil {
		s.metrics.ChunkOperationTotal.WithLabelValues("store", "error").Inc()
		return nil, fmt.Errorf("compress chunk: %w", err)
	}

	if err := s.objects.Put(ctx, key, compressed); err != nil {
		s.metrics.ChunkOperationTotal.WithLabelValues("store", "error").Inc()
		return nil, fmt.Errorf("store chunk blob: %w", err)
	}

	now := time.Now().UTC()
	record := model.CacheChunk{
		DeviceID:       deviceID,
		ReaderBundleID: bundleID,
		ChunkIndex:     chunkIndex,
		ChunkPath:      key,
		ChunkChecksum:  checksum,
		ChunkSizeBytes: int64(len(payload)),
		Status:         model.ChunkCompleted,
		DownloadedAt:   now,
		ExpiresAt:      now.Add(s.ttl),
	}
	if err := s.records.UpsertCacheChunk(ctx, record); err != nil {
		// Without its record the chunk does not exist; remove the blob so
		// nothing partial stays visible.
		if delErr := s.objects.Delete(ctx, key); delErr != nil {
			slog.Warn("orphan chunk blob cleanup failed", "key", key, "error", delErr)
		}
		s.metrics.ChunkOperationTotal.WithLabelValues("store", "error").Inc()
		return nil, fmt.Errorf("store chunk record: %w", err)
	}

	s.metrics.ChunkOperationTotal.WithLabelValues("store", "ok").Inc()
	s.metrics.ChunkBytes.WithLabelValues("store").Observe(float64(len(payload)))

	return &model.ChunkUploadResult{
		Checksum:   checksum,
		SizeBytes:  int64(len(payload)),
		StorageKey: key,
	}, nil
}

// RetrieveChunk reads one device cache chunk, decompresses it, and verifies
// its checksum. Returns the payload and its checksum, storage.ErrNotFound
// when no record exists, or ErrIntegrity when the content does not match.
func (s *Store) RetrieveChunk(ctx context.Context, deviceID, bundleID string, chunkIndex int) ([]byte, string, error) {
	record, err := s.records.GetCacheChunk(ctx, deviceID, bundleID, chunkIndex)
	if err != nil {
		return nil, "", err
	}

	compressed, err := s.objects.Get(ctx, record.ChunkPath)
	if err != nil {
		s.metrics.ChunkOperationTotal.WithLabelValues("retrieve", "error").Inc()
		return nil, "", fmt.Errorf("read chunk blob: %w", err)
	}

	payload, err := decompress(compressed)
	if err != nil {
		// An unreadable gzip stream means the stored blob is corrupt.
		s.metrics.ChunkIntegrityFails.Inc()
		s.metrics.ChunkOperationTotal.WithLabelValues("retrieve", "integrity_error").Inc()
		return nil, "", fmt.Errorf("chunk %s: %w", record.ChunkPath, ErrIntegrity)
	}

	checksum := checksumOf(payload)
	if checksum != record.ChunkChecksum {
		s.metrics.ChunkIntegrityFails.Inc()
		s.metrics.ChunkOperationTotal.WithLabelValues("retrieve", "integrity_error").Inc()
		return nil, "", fmt.Errorf("chunk %s: %w", record.ChunkPath, ErrIntegrity)
	}

	s.metrics.ChunkOperationTotal.WithLabelValues("retrieve", "ok").Inc()
	s.metrics.ChunkBytes.WithLabelValues("retrieve").Observe(float64(len(payload)))

	return payload, checksum, nil
}

// DeleteChunk removes one device cache chunk. The record is removed first;
// once it is gone the chunk is invisible and blob cleanup is best effort.
// Returns false when no chunk existed.
func (s *Store) DeleteChunk(ctx context.Context, deviceID, bundleID string, chunkIndex int) (bool, error) {
	key := DeviceChunkKey(deviceID, bundleID, chunkIndex)
	unlock := s.locks.lock(key)
	defer unlock()

	existed, err := s.records.DeleteCacheChunk(ctx, deviceID, bundleID, chunkIndex)
	if err != nil {
		s.metrics.ChunkOperationTotal.WithLabelValues("delete", "error").Inc()
		return false, fmt.Errorf("delete chunk record: %w", err)
	}
	if !existed {
		return false, nil
	}

	if err := s.objects.Delete(ctx, key); err != nil {
		slog.Warn("chunk blob delete failed", "key", key, "error", err)
	}

	s.metrics.ChunkOperationTotal.WithLabelValues("delete", "ok").Inc()
	return true, nil
}

// ChunkExists reports whether a device cache chunk record exists.
func (s *Store) ChunkExists(ctx context.Context, deviceID, bundleID string, chunkIndex int) (bool, error) {
	_, err := s.records.GetCacheChunk(ctx, deviceID, bundleID, chunkIndex)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// StageBundleChunk persists one canonical bundle chunk and refreshes the
// bundle's derived manifest (chunk count, total size, manifest checksum).
// Staged chunks are what sync jobs order devices to download. Returns
// storage.ErrNotFound for unknown bundles.
func (s *Store) StageBundleChunk(ctx context.Context, bundleID string, chunkIndex int, payload []byte) (*model.ChunkUploadResult, error) {
	key := BundleChunkKey(bundleID, chunkIndex)
	unlock := s.locks.lock(key)
	defer unlock()

	checksum := checksumOf(payload)
	compressed, err := compress(payload)
	if err != nil {
		s.metrics.ChunkOperationTotal.WithLabelValues("stage", "error").Inc()
		return nil, fmt.Errorf("compress chunk: %w", err)
	}

	if err := s.objects.Put(ctx, key, compressed); err != nil {
		s.metrics.ChunkOperationTotal.WithLabelValues("stage", "error").Inc()
		return nil, fmt.Errorf("stage chunk blob: %w", err)
	}

	record := model.BundleChunk{
		ReaderBundleID: bundleID,
		ChunkIndex:     chunkIndex,
		Checksum:       checksum,
		SizeBytes:      int64(len(payload)),
		StorageKey:     key,
	}
	if err := s.records.UpsertBundleChunk(ctx, record); err != nil {
		if delErr := s.objects.Delete(ctx, key); delErr != nil {
			slog.Warn("orphan chunk blob cleanup failed", "key", key, "error", delErr)
		}
		s.metrics.ChunkOperationTotal.WithLabelValues("stage", "error").Inc()
		return nil, fmt.Errorf("stage chunk record: %w", err)
	}

	if err := s.refreshBundleManifest(ctx, bundleID); err != nil {
		s.metrics.ChunkOperationTotal.WithLabelValues("stage", "error").Inc()
		return nil, fmt.Errorf("refresh bundle manifest: %w", err)
	}

	s.metrics.ChunkOperationTotal.WithLabelValues("stage", "ok").Inc()
	s.metrics.ChunkBytes.WithLabelValues("stage").Observe(float64(len(payload)))

	return &model.ChunkUploadResult{
		Checksum:   checksum,
		SizeBytes:  int64(len(payload)),
		StorageKey: key,
	}, nil
}

// refreshBundleManifest recomputes the bundle's chunk aggregates. The
// manifest checksum is the SHA-256 of the newline-joined chunk checksums in
// index order; devices compute the same value over their cached set.
func (s *Store) refreshBundleManifest(ctx context.Context, bundleID string) error {
	chunks, err := s.records.ListBundleChunks(ctx, bundleID)
	if err != nil {
		return err
	}

	var total int64
	sums := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		total += chunk.SizeBytes
		sums = append(sums, chunk.Checksum)
	}
	manifest := checksumOf([]byte(strings.Join(sums, "\n")))

	return s.records.UpdateBundleManifest(ctx, bundleID, len(chunks), total, manifest)
}

// ManifestChecksum computes the manifest checksum for an ordered chunk
// checksum list. Exported so clients and tests can mirror the server's
// computation.
func ManifestChecksum(checksums []string) string {
	return checksumOf([]byte(strings.Join(checksums, "\n")))
}

// PresignDownload mints a time-limited download URL for a storage key.
func (s *Store) PresignDownload(ctx context.Context, storageKey string) (string, error) {
	return s.objects.PresignDownload(ctx, storageKey, signExpiry)
}

func checksumOf(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(compressed []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
