// internal/model/wire.go
// Request and response bodies for the device-facing HTTP API.
package model

import (
	"time"
)

// RegisterDeviceRequest registers an EFB tablet with the sync service.
// DeviceID may be omitted; the service generates one.
type RegisterDeviceRequest struct {
	DeviceID string `json:"deviceId,omitempty"` // Client-supplied identifier, optional
	OrgID    string `json:"orgId"`              // Owning organization
	Model    string `json:"model"`              // Hardware model
	Platform string `json:"platform"`           // OS platform
}

// ClientManifest is one device-reported cache manifest inside a sync check.
type ClientManifest struct {
	ReaderBundleID   string    `json:"readerBundleId"`   // Bundle the device holds
	BundleVersion    string    `json:"bundleVersion"`    // Version the device holds
	ManifestChecksum string    `json:"manifestChecksum"` // Checksum over the device's chunk set
	ChunkChecksums   []string  `json:"chunkChecksums"`   // Per-chunk checksums in index order
	LastModified     time.Time `json:"lastModified"`     // Device-side completion time
}

// DeviceStatus is the device-reported runtime state attached to a sync
// check. Informational for job sizing; never a skip condition.
type DeviceStatus struct {
	NetworkStatus      NetworkStatus `json:"networkStatus"`                // WIFI, CELLULAR, or OFFLINE
	BatteryLevel       *int          `json:"batteryLevel,omitempty"`       // Percent, when reported
	AvailableStorageMB *int64        `json:"availableStorageMB,omitempty"` // Free space, when reported
}

// SyncCheckRequest is the device-facing delta-detection request.
type SyncCheckRequest struct {
	DeviceID        string           `json:"deviceId"`        // Requesting device
	CachedManifests []ClientManifest `json:"cachedManifests,omitempty"` // What the device currently holds
	Status          DeviceStatus     `json:"status"`          // Device runtime state
}

// ChunkDownload is one chunk a device must fetch, carrying the server-side
// catalog checksum (never a client-reported one).
type ChunkDownload struct {
	ChunkIndex     int    `json:"chunkIndex"`     // 0-based canonical index
	ChunkURL       string `json:"chunkUrl"`       // Presigned download URL; empty if presigning failed
	ChunkChecksum  string `json:"chunkChecksum"`  // SHA-256 of uncompressed content
	ChunkSizeBytes int64  `json:"chunkSizeBytes"` // Uncompressed size
}

// SyncJob is the per-bundle work order inside a sync-check response.
type SyncJob struct {
	ReaderBundleID   string          `json:"readerBundleId"`   // Bundle to sync
	BundleVersion    string          `json:"bundleVersion"`    // Version the device should end up on
	Operation        SyncOperation   `json:"operation"`        // NEW or UPDATE
	ChunksToDownload []ChunkDownload `json:"chunksToDownload"` // Chunks to fetch
	ChunksToDelete   []int           `json:"chunksToDelete"`   // Device chunk indexes to evict
	Priority         SyncPriority    `json:"priority"`         // Manual's classified priority
	EstimatedSizeMB  int64           `json:"estimatedSizeMB"`  // ceil of download bytes in MB
}

// SyncCheckResponse aggregates the delta-detection outcome with the
// device's applicable policies and feature flags.
type SyncCheckResponse struct {
	NeedsSync    bool          `json:"needsSync"`    // len(SyncJobs) > 0
	SyncJobs     []SyncJob     `json:"syncJobs"`     // Per-bundle work orders
	Policies     []Policy      `json:"policies"`     // Currently applicable device policies
	FeatureFlags []FeatureFlag `json:"featureFlags"` // Currently applicable feature flags
}

// PlanRequest asks the planner for a prioritized sync plan.
type PlanRequest struct {
	DeviceID string       `json:"deviceId"` // Target device
	Scenario SyncScenario `json:"scenario"` // Operational situation
}

// ManifestReport is the body of a post-sync manifest upsert.
type ManifestReport struct {
	DeviceID       string    `json:"deviceId"`       // Reporting device
	ReaderBundleID string    `json:"readerBundleId"` // Bundle the manifest describes
	BundleVersion  string    `json:"bundleVersion"`  // Version the device now holds
	ChunkCount     int       `json:"chunkCount"`     // Chunks the device holds
	TotalSizeBytes int64     `json:"totalSizeBytes"` // Bytes on device
	Checksum       string    `json:"checksum"`       // Checksum over the device's chunk set
	LastModified   time.Time `json:"lastModified"`   // Device-side completion time
}

// ChunkUploadResult is returned from chunk upload and staging so the
// client can verify what was persisted.
type ChunkUploadResult struct {
	Checksum   string `json:"checksum"`   // SHA-256 of the uncompressed payload
	SizeBytes  int64  `json:"sizeBytes"`  // Uncompressed payload size
	StorageKey string `json:"storageKey"` // Deterministic object-store key
}

// ClientRecord is the client-side entity payload inside a conflict
// submission. The entity type it claims lives on the enclosing request.
type ClientRecord struct {
	Content   string                 `json:"content"`            // User-visible payload
	Metadata  map[string]interface{} `json:"metadata,omitempty"` // Positioning, color, page refs
	IsPrivate bool                   `json:"isPrivate"`          // Privacy flag
	UpdatedAt time.Time              `json:"updatedAt"`          // Client edit time
}

// ConflictSubmitRequest submits an offline client edit for reconciliation
// against the server record.
type ConflictSubmitRequest struct {
	EntityType   ContentType  `json:"entityType"`   // Kind of entity submitted
	EntityID     string       `json:"entityId"`     // Entity identifier
	DeviceID     string       `json:"deviceId"`     // Submitting device
	ClientRecord ClientRecord `json:"clientRecord"` // The client's version
}

// ConflictResolveResponse reports the settlement of one submission. For
// MANUAL_MERGE the state is explicitly provisional: Resolved is false,
// Data holds the provisional server payload, and PendingReviewID names the
// durable review record.
type ConflictResolveResponse struct {
	Resolved             bool               `json:"resolved"`                  // False only for MANUAL_MERGE
	ConflictDetected     bool               `json:"conflictDetected"`          // False when records already agree
	ConflictType         ConflictType       `json:"conflictType,omitempty"`    // Detected conflict class
	Strategy             ResolutionStrategy `json:"strategy,omitempty"`        // Rule applied
	Reason               string             `json:"reason,omitempty"`          // Human-readable explanation
	RequiresManualReview bool               `json:"requiresManualReview"`      // True only for MANUAL_MERGE
	Data                 *EntityRecord      `json:"data,omitempty"`            // Winning (or provisional) payload
	Provisional          string             `json:"provisional,omitempty"`     // "server" while review is pending
	PendingReviewID      string             `json:"pendingReviewId,omitempty"` // Durable review record id
}
