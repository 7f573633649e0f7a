// internal/model/efb.go
// Package model defines the data structures used throughout the EFB sync service.
// These structures represent the core domain objects for the content catalog,
// device cache state, sync planning, and conflict resolution.
package model

import (
	"time"
)

// SyncPriority ranks how safety-critical a piece of content is.
// Lower values are more urgent; 1 is reserved for content a crew must
// never be without.
type SyncPriority int

const (
	PriorityCriticalSafety SyncPriority = 1 // AFM, QRH, emergency procedures
	PriorityHighSafety     SyncPriority = 2 // SOPs, checklists, safety content
	PriorityOperational    SyncPriority = 3 // charts, navigation, performance
	PriorityRoutine        SyncPriority = 4 // general operations content
	PriorityReference      SyncPriority = 5 // reference material
	PriorityHistorical     SyncPriority = 6 // superseded revisions
)

// String returns the wire name for the priority level.
func (p SyncPriority) String() string {
	switch p {
	case PriorityCriticalSafety:
		return "CRITICAL_SAFETY"
	case PriorityHighSafety:
		return "HIGH_SAFETY"
	case PriorityOperational:
		return "OPERATIONAL"
	case PriorityRoutine:
		return "ROUTINE"
	case PriorityReference:
		return "REFERENCE"
	case PriorityHistorical:
		return "HISTORICAL"
	default:
		return "UNKNOWN"
	}
}

// SyncUrgency ranks how soon an item must be on the device.
// Computed from (scenario, priority); lower values download first.
type SyncUrgency int

const (
	UrgencyEmergency  SyncUrgency = 1 // needed now
	UrgencyPreFlight  SyncUrgency = 2 // needed before departure
	UrgencyMidFlight  SyncUrgency = 3 // needed during this flight
	UrgencyBackground SyncUrgency = 4 // opportunistic
	UrgencyScheduled  SyncUrgency = 5 // next maintenance window
)

// String returns the wire name for the urgency level.
func (u SyncUrgency) String() string {
	switch u {
	case UrgencyEmergency:
		return "EMERGENCY"
	case UrgencyPreFlight:
		return "PRE_FLIGHT"
	case UrgencyMidFlight:
		return "MID_FLIGHT"
	case UrgencyBackground:
		return "BACKGROUND"
	case UrgencyScheduled:
		return "SCHEDULED"
	default:
		return "UNKNOWN"
	}
}

// SyncScenario is the operational situation a plan is built for.
type SyncScenario string

const (
	ScenarioEmergency       SyncScenario = "EMERGENCY"
	ScenarioPreFlight       SyncScenario = "PRE_FLIGHT"
	ScenarioMidFlight       SyncScenario = "MID_FLIGHT"
	ScenarioExtendedOffline SyncScenario = "EXTENDED_OFFLINE"
	ScenarioRoutine         SyncScenario = "ROUTINE"
)

// Valid reports whether s is a known scenario.
func (s SyncScenario) Valid() bool {
	switch s {
	case ScenarioEmergency, ScenarioPreFlight, ScenarioMidFlight, ScenarioExtendedOffline, ScenarioRoutine:
		return true
	}
	return false
}

// ContentType identifies the granularity or kind of a syncable unit.
type ContentType string

const (
	ContentManual     ContentType = "MANUAL"
	ContentChapter    ContentType = "CHAPTER"
	ContentSection    ContentType = "SECTION"
	ContentBlock      ContentType = "BLOCK"
	ContentAnnotation ContentType = "ANNOTATION"
	ContentHighlight  ContentType = "HIGHLIGHT"
	ContentNote       ContentType = "NOTE"
)

// ComplianceStatus is the regulatory assessment attached to a sync plan.
type ComplianceStatus string

const (
	ComplianceCompliant      ComplianceStatus = "COMPLIANT"
	ComplianceNonCompliant   ComplianceStatus = "NON_COMPLIANT"
	ComplianceRequiresReview ComplianceStatus = "REQUIRES_REVIEW"
)

// SyncOperation distinguishes first-time downloads from incremental updates.
type SyncOperation string

const (
	OperationNew    SyncOperation = "NEW"
	OperationUpdate SyncOperation = "UPDATE"
)

// ChunkStatus records the outcome of a device chunk download.
type ChunkStatus string

const (
	ChunkCompleted ChunkStatus = "COMPLETED"
	ChunkError     ChunkStatus = "ERROR"
)

// ConflictType classifies how a client edit diverges from the server record.
type ConflictType string

const (
	ConflictSemantic ConflictType = "SEMANTIC" // type or privacy flag differs
	ConflictContent  ConflictType = "CONTENT"  // payload or metadata differs
	ConflictTemporal ConflictType = "TEMPORAL" // only timestamps differ
)

// ResolutionStrategy is the rule chosen to settle a conflict.
type ResolutionStrategy string

const (
	StrategyServerWins    ResolutionStrategy = "SERVER_WINS"
	StrategyClientWins    ResolutionStrategy = "CLIENT_WINS"
	StrategyTimestampWins ResolutionStrategy = "TIMESTAMP_WINS"
	StrategyManualMerge   ResolutionStrategy = "MANUAL_MERGE"
)

// NetworkStatus is the device-reported connectivity state. Informational
// only; the server never skips work because a device reports OFFLINE.
type NetworkStatus string

const (
	NetworkWifi     NetworkStatus = "WIFI"
	NetworkCellular NetworkStatus = "CELLULAR"
	NetworkOffline  NetworkStatus = "OFFLINE"
)

// Manual is one released operations manual with its nested structure and
// the latest active reader bundle. Catalog data; read-only to this service.
type Manual struct {
	ID        string        `json:"id" db:"id"`                // Unique manual identifier
	OrgID     string        `json:"orgId" db:"org_id"`         // Owning organization
	Title     string        `json:"title" db:"title"`          // Display title (drives keyword classification)
	Status    string        `json:"status" db:"status"`        // Lifecycle status; only RELEASED manuals are planned
	Version   string        `json:"version" db:"version"`      // Published version string
	UpdatedAt time.Time     `json:"updatedAt" db:"updated_at"` // Last publish time
	Chapters  []Chapter     `json:"chapters"`                  // Nested chapters in document order
	Bundle    *ReaderBundle `json:"bundle,omitempty"`          // Latest active reader bundle, if built
}

// Chapter is one chapter within a manual.
type Chapter struct {
	ID       string    `json:"id" db:"id"`       // Unique chapter identifier
	Title    string    `json:"title" db:"title"` // Display title (drives keyword overrides)
	Sections []Section `json:"sections"`         // Nested sections in document order
}

// Section is one section within a chapter.
type Section struct {
	ID         string `json:"id" db:"id"`                  // Unique section identifier
	Title      string `json:"title" db:"title"`            // Display title (drives keyword overrides)
	BlockCount int    `json:"blockCount" db:"block_count"` // Number of content blocks (sizing input)
}

// ReaderBundle is the packaged, chunked form of a manual that devices sync.
// Carries the canonical chunk set the delta detector diffs against.
type ReaderBundle struct {
	ID             string        `json:"id" db:"id"`                            // Unique bundle identifier
	ManualID       string        `json:"manualId" db:"manual_id"`               // Source manual
	Version        string        `json:"version" db:"version"`                  // Bundle version string
	Checksum       string        `json:"checksum" db:"checksum"`                // Manifest checksum over the chunk set
	ChunkCount     int           `json:"chunkCount" db:"chunk_count"`           // Number of canonical chunks
	TotalSizeBytes int64         `json:"totalSizeBytes" db:"total_size_bytes"`  // Sum of uncompressed chunk sizes
	Active         bool          `json:"active" db:"active"`                    // Whether this is the bundle devices should hold
	Chunks         []BundleChunk `json:"chunks,omitempty"`                      // Canonical chunk records in index order
}

// BundleChunk is the catalog record for one canonical bundle chunk.
// Persisted by chunk staging; source of truth for delta detection.
type BundleChunk struct {
	ReaderBundleID string `json:"readerBundleId" db:"reader_bundle_id"` // Owning bundle
	ChunkIndex     int    `json:"chunkIndex" db:"chunk_index"`          // 0-based, contiguous
	Checksum       string `json:"checksum" db:"checksum"`               // SHA-256 of uncompressed content
	SizeBytes      int64  `json:"sizeBytes" db:"size_bytes"`            // Uncompressed size
	StorageKey     string `json:"storageKey" db:"storage_key"`          // Object-store key of the compressed blob
}

// Device is one registered EFB tablet.
// This corresponds to the devices table in storage.
type Device struct {
	ID           string    `json:"deviceId" db:"id"`                   // Unique device identifier
	OrgID        string    `json:"orgId" db:"org_id"`                  // Owning organization
	Model        string    `json:"model" db:"model"`                   // Hardware model (policy matching)
	Platform     string    `json:"platform" db:"platform"`             // OS platform (policy matching)
	RegisteredAt time.Time `json:"registeredAt" db:"registered_at"`    // First registration time
	LastSeenAt   time.Time `json:"lastSeenAt" db:"last_seen_at"`       // Refreshed on every sync check
}

// SyncItem is one unit of content eligible for device sync. Items are
// created fresh on every planning pass and are immutable once emitted
// into a SyncPlan.
type SyncItem struct {
	ID             string       `json:"id"`                  // Opaque item identifier (ULID)
	DeviceID       string       `json:"deviceId"`            // Target device
	ManualID       string       `json:"manualId"`            // Source manual
	ChapterID      string       `json:"chapterId,omitempty"` // Set for CHAPTER/SECTION items
	SectionID      string       `json:"sectionId,omitempty"` // Set for SECTION items
	BlockID        string       `json:"blockId,omitempty"`   // Reserved for BLOCK items
	Priority       SyncPriority `json:"priority"`            // 1 (most critical) .. 6
	Urgency        SyncUrgency  `json:"urgency"`             // 1 (most urgent) .. 5
	ContentType    ContentType  `json:"contentType"`         // Granularity of this item
	SizeBytes      int64        `json:"sizeBytes"`           // Heuristic size estimate
	Checksum       string       `json:"checksum,omitempty"`  // Bundle checksum when known
	Version        string       `json:"version"`             // Content version
	LastModified   time.Time    `json:"lastModified"`        // Content update time
	TimeoutSeconds int          `json:"timeoutSeconds"`      // Download timeout, derived from priority
	RetryCount     int          `json:"retryCount"`          // Always zero at planning time
	MaxRetries     int          `json:"maxRetries"`          // Retry budget, derived from priority
}

// SyncQueue is the ordered download queue inside a plan. Items are sorted
// ascending by (priority, urgency, sizeBytes) so the smallest, most urgent
// items land first under constrained bandwidth.
type SyncQueue struct {
	Items                []SyncItem `json:"items"`                // Ordered sync items
	TotalSizeBytes       int64      `json:"totalSizeBytes"`       // Sum of item size estimates
	EstimatedTimeMinutes int        `json:"estimatedTimeMinutes"` // ceil(totalMB / scenario bandwidth)
	AviationCompliant    bool       `json:"aviationCompliant"`    // ComplianceStatus == COMPLIANT
	EmergencyProtocols   bool       `json:"emergencyProtocols"`   // Plan carries CRITICAL_SAFETY content
}

// SyncPlan is the immutable output of one planning pass.
type SyncPlan struct {
	ID                string           `json:"id"`                // Opaque plan identifier (ULID)
	DeviceID          string           `json:"deviceId"`          // Target device
	Scenario          SyncScenario     `json:"scenario"`          // Scenario the plan was built for
	Queue             SyncQueue        `json:"queue"`             // Ordered download queue
	TotalItems        int              `json:"totalItems"`        // len(Queue.Items)
	CriticalItems     int              `json:"criticalItems"`     // Items at CRITICAL_SAFETY
	HighPriorityItems int              `json:"highPriorityItems"` // Items at HIGH_SAFETY
	BandwidthMBps     float64          `json:"bandwidthMBps"`     // Assumed bandwidth for the scenario
	ComplianceStatus  ComplianceStatus `json:"complianceStatus"`  // Regulatory assessment
	Warnings          []string         `json:"warnings"`          // Non-fatal planning warnings
	Recommendations   []string         `json:"recommendations"`   // Operator hints (non-normative)
	GeneratedAt       time.Time        `json:"generatedAt"`       // Planning time
}

// CacheManifest is the device-reported cache state for one bundle.
// Upserted whenever the device completes a sync.
// This corresponds to the cache_manifests table in storage.
type CacheManifest struct {
	DeviceID       string    `json:"deviceId" db:"device_id"`               // Reporting device
	ReaderBundleID string    `json:"readerBundleId" db:"reader_bundle_id"`  // Bundle the manifest describes
	BundleVersion  string    `json:"bundleVersion" db:"bundle_version"`     // Version the device holds
	ChunkCount     int       `json:"chunkCount" db:"chunk_count"`           // Chunks the device holds
	TotalSizeBytes int64     `json:"totalSizeBytes" db:"total_size_bytes"`  // Bytes on device
	Checksum       string    `json:"checksum" db:"checksum"`                // Checksum over the device's chunk set
	LastModified   time.Time `json:"lastModified" db:"last_modified"`       // Device-side completion time
}

// CacheChunk is the record of one device-cached chunk blob.
// This corresponds to the cache_chunks table in storage.
type CacheChunk struct {
	DeviceID       string      `json:"deviceId" db:"device_id"`              // Owning device
	ReaderBundleID string      `json:"readerBundleId" db:"reader_bundle_id"` // Owning bundle
	ChunkIndex     int         `json:"chunkIndex" db:"chunk_index"`          // 0-based, contiguous
	ChunkPath      string      `json:"chunkPath" db:"chunk_path"`            // Object-store key of the compressed blob
	ChunkChecksum  string      `json:"chunkChecksum" db:"chunk_checksum"`    // SHA-256 of uncompressed content
	ChunkSizeBytes int64       `json:"chunkSizeBytes" db:"chunk_size_bytes"` // Uncompressed size
	Status         ChunkStatus `json:"status" db:"status"`                   // COMPLETED or ERROR
	DownloadedAt   time.Time   `json:"downloadedAt" db:"downloaded_at"`      // When the device stored it
	ExpiresAt      time.Time   `json:"expiresAt" db:"expires_at"`            // Janitor eviction deadline
}

// EntityRecord is the server-canonical state of one highlight, note, or
// annotation. Conflict detection compares a client submission against this.
// This corresponds to the entity_records table in storage.
type EntityRecord struct {
	EntityType ContentType            `json:"entityType" db:"entity_type"` // HIGHLIGHT, NOTE, or ANNOTATION
	EntityID   string                 `json:"entityId" db:"entity_id"`     // Unique entity identifier
	DeviceID   string                 `json:"deviceId" db:"device_id"`     // Device that authored the entity
	Content    string                 `json:"content" db:"content"`        // User-visible payload
	Metadata   map[string]interface{} `json:"metadata" db:"metadata"`      // Positioning, color, page refs
	IsPrivate  bool                   `json:"isPrivate" db:"is_private"`   // Privacy flag (semantic field)
	UpdatedAt  time.Time              `json:"updatedAt" db:"updated_at"`   // Last write time
	Version    int                    `json:"version" db:"version"`        // Incremented on every accepted write
}

// ConflictResolution is the chosen settlement for one conflict.
type ConflictResolution struct {
	Strategy             ResolutionStrategy `json:"strategy"`             // Rule applied
	RequiresManualReview bool               `json:"requiresManualReview"` // True only for MANUAL_MERGE
	Reason               string             `json:"reason"`               // Human-readable explanation
}

// SyncConflict describes one detected divergence between a client
// submission and the server record. Ephemeral unless resolved by
// MANUAL_MERGE, in which case a PendingReview is persisted.
type SyncConflict struct {
	EntityType      ContentType        `json:"entityType"`      // Kind of entity in conflict
	EntityID        string             `json:"entityId"`        // Entity identifier
	ConflictType    ConflictType       `json:"conflictType"`    // SEMANTIC, CONTENT, or TEMPORAL
	ServerTimestamp time.Time          `json:"serverTimestamp"` // Server record update time
	ClientTimestamp time.Time          `json:"clientTimestamp"` // Client edit time
	ServerData      EntityRecord       `json:"serverData"`      // Server payload at detection time
	ClientData      EntityRecord       `json:"clientData"`      // Client-submitted payload
	Resolution      ConflictResolution `json:"resolution"`      // Filled by the resolver
}

// PendingReview is the durable record persisted for MANUAL_MERGE outcomes.
// Persistence is at-least-once: duplicates are tolerable, losses are not.
// This corresponds to the pending_reviews table in storage.
type PendingReview struct {
	ID              string       `json:"id" db:"id"`                            // Opaque review identifier (ULID)
	EntityType      ContentType  `json:"entityType" db:"entity_type"`           // Kind of entity in conflict
	EntityID        string       `json:"entityId" db:"entity_id"`               // Entity identifier
	DeviceID        string       `json:"deviceId" db:"device_id"`               // Submitting device
	ConflictType    ConflictType `json:"conflictType" db:"conflict_type"`       // Detected conflict class
	ServerData      EntityRecord `json:"serverData" db:"server_data"`           // Server payload snapshot
	ClientData      EntityRecord `json:"clientData" db:"client_data"`           // Client payload snapshot
	ServerTimestamp time.Time    `json:"serverTimestamp" db:"server_timestamp"` // Server record update time
	ClientTimestamp time.Time    `json:"clientTimestamp" db:"client_timestamp"` // Client edit time
	Status          string       `json:"status" db:"status"`                    // Always PENDING_REVIEW at creation
	CreatedAt       time.Time    `json:"createdAt" db:"created_at"`             // Persistence time
}

// PendingReviewStatus is the only status a review carries at creation.
const PendingReviewStatus = "PENDING_REVIEW"

// Policy is one device-management policy applicable to a device.
// Served by the platform's policy API; opaque to this service.
type Policy struct {
	ID          string                 `json:"id"`          // Policy identifier
	Name        string                 `json:"name"`        // Display name
	Platform    string                 `json:"platform"`    // Platform the policy targets, or ALL
	DeviceModel string                 `json:"deviceModel"` // Model the policy targets, or ALL
	Rules       map[string]interface{} `json:"rules"`       // Policy payload (opaque)
}

// FeatureFlag is one feature toggle applicable to a device.
type FeatureFlag struct {
	Key     string `json:"key"`     // Flag name
	Enabled bool   `json:"enabled"` // Current state for the device
}

// AuditEvent is the structured record emitted to the audit collaborator,
// one per plan or resolve call.
type AuditEvent struct {
	Action             string                 `json:"action"`               // What happened (e.g. sync.planned)
	ResourceType       string                 `json:"resourceType"`         // Kind of resource acted on
	ResourceID         string                 `json:"resourceId"`           // Resource identifier
	BeforeData         map[string]interface{} `json:"beforeData,omitempty"` // State before, when meaningful
	AfterData          map[string]interface{} `json:"afterData,omitempty"`  // State after, when meaningful
	ComplianceMetadata map[string]interface{} `json:"complianceMetadata"`   // Regulatory annotations
	Tags               []string               `json:"tags"`                 // Free-form classification tags
}
