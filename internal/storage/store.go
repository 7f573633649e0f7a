// internal/storage/store.go
// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/skymanuals/skymanuals-efb-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a record is not found
	ErrConflict = errors.New("conflict")  // Returned when a record already exists or a key is reused
)

// Store defines the storage operations required by the EFB sync service.
// This interface is implemented by both in-memory and PostgreSQL storage backends.
type Store interface {
	// Device registry operations
	RegisterDevice(ctx context.Context, device model.Device) error            // Register a new device
	GetDevice(ctx context.Context, deviceID string) (*model.Device, error)    // Get a device by ID
	TouchDevice(ctx context.Context, deviceID string, seenAt time.Time) error // Refresh last_seen_at

	// Content catalog operations (read-only to the sync core)
	GetReleasedManuals(ctx context.Context, orgID string) ([]model.Manual, error) // Released manuals with chapters, sections, active bundle
	GetReaderBundle(ctx context.Context, bundleID string) (*model.ReaderBundle, error)

	// Catalog population, used by the publishing pipeline and test seeding
	PutManual(ctx context.Context, manual model.Manual) error

	// Canonical bundle chunk records (persisted by chunk staging)
	UpsertBundleChunk(ctx context.Context, chunk model.BundleChunk) error
	ListBundleChunks(ctx context.Context, bundleID string) ([]model.BundleChunk, error)
	UpdateBundleManifest(ctx context.Context, bundleID string, chunkCount int, totalSizeBytes int64, checksum string) error

	// Device cache manifests, upserted when a device completes a sync
	UpsertCacheManifest(ctx context.Context, manifest model.CacheManifest) error
	GetCacheManifest(ctx context.Context, deviceID, bundleID string) (*model.CacheManifest, error)
	ListCacheManifests(ctx context.Context, deviceID string) ([]model.CacheManifest, error)

	// Device cache chunk records (source of truth for stored blobs)
	UpsertCacheChunk(ctx context.Context, chunk model.CacheChunk) error
	GetCacheChunk(ctx context.Context, deviceID, bundleID string, chunkIndex int) (*model.CacheChunk, error)
	DeleteCacheChunk(ctx context.Context, deviceID, bundleID string, chunkIndex int) (bool, error)
	DeleteExpiredChunks(ctx context.Context, now time.Time) ([]model.CacheChunk, error) // Returns the evicted records so blobs can be deleted

	// Server-canonical highlight/note/annotation records. Lookup is by ID
	// alone so a type mismatch between client and server stays detectable.
	GetEntityRecord(ctx context.Context, entityID string) (*model.EntityRecord, error)
	PutEntityRecord(ctx context.Context, record model.EntityRecord) error // Upsert the winning payload

	// Durable MANUAL_MERGE reviews (at-least-once)
	CreatePendingReview(ctx context.Context, review model.PendingReview) error
	ListPendingReviews(ctx context.Context, status string) ([]model.PendingReview, error)

	// Idempotency operations for retried conflict submissions.
	// Get returns ErrConflict when the key exists with a different request hash.
	StoreIdempotentResponse(ctx context.Context, keyHash, requestHash string, responseBody []byte, statusCode int, expiresAt time.Time) error
	GetIdempotentResponse(ctx context.Context, keyHash, requestHash string) ([]byte, int, error)

	// Ping verifies the backend is reachable (readiness checks)
	Ping(ctx context.Context) error
}

// IdempotentResponse represents a cached idempotent response
type IdempotentResponse struct {
	RequestHash  string    // Hash of the request payload for reuse detection
	ResponseBody []byte    // Cached response body
	StatusCode   int       // HTTP status code
	ExpiresAt    time.Time // When the entry expires
}
