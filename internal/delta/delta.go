// internal/delta/delta.go
// Package delta computes the minimal chunk-level work a device must perform
// to bring its cached bundles up to the server's canonical state. Detection
// diffs device-reported manifests against the catalog's chunk records.
package delta

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/skymanuals/skymanuals-efb-go/internal/classify"
	"github.com/skymanuals/skymanuals-efb-go/internal/metrics"
	"github.com/skymanuals/skymanuals-efb-go/internal/model"
	"github.com/skymanuals/skymanuals-efb-go/internal/storage"
)

// URLSigner mints time-limited download URLs for canonical chunk objects.
type URLSigner interface {
	PresignDownload(ctx context.Context, storageKey string) (string, error)
}

// PolicyProvider serves the device-management policies and feature flags
// attached to sync-check responses.
type PolicyProvider interface {
	ApplicablePolicies(ctx context.Context, orgID, deviceModel, platform string) ([]model.Policy, error)
	FeatureFlags(ctx context.Context, deviceID string, policies []model.Policy) ([]model.FeatureFlag, error)
}

// Detector compares device cache state against the catalog. Safe for
// concurrent use across devices.
type Detector struct {
	store      storage.Store
	signer     URLSigner
	policies   PolicyProvider
	classifier classify.ContentClassifier
	metrics    *metrics.Metrics
}

// New creates a Detector over the given collaborators.
func New(store storage.Store, signer URLSigner, policies PolicyProvider, classifier classify.ContentClassifier) *Detector {
	return &Detector{
		store:      store,
		signer:     signer,
		policies:   policies,
		classifier: classifier,
		metrics:    metrics.NewMetrics(),
	}
}

// CheckSync computes per-bundle sync jobs for one device. The device's
// reported network status is informational only; an OFFLINE device gets the
// same jobs, to execute once connectivity returns. Returns
// storage.ErrNotFound for unknown devices.
func (d *Detector) CheckSync(ctx context.Context, req model.SyncCheckRequest) (*model.SyncCheckResponse, error) {
	start := time.Now()

	device, err := d.store.GetDevice(ctx, req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("device lookup: %w", err)
	}

	// Sync checks are the device heartbeat. A failed touch never fails
	// the check itself.
	if err := d.store.TouchDevice(ctx, device.ID, time.Now().UTC()); err != nil {
		slog.Warn("device touch failed", "deviceId", device.ID, "error", err)
	}

	manuals, err := d.store.GetReleasedManuals(ctx, device.OrgID)
	if err != nil {
		return nil, fmt.Errorf("catalog read: %w", err)
	}

	manifests := make(map[string]*model.ClientManifest, len(req.CachedManifests))
	for i := range req.CachedManifests {
		manifests[req.CachedManifests[i].ReaderBundleID] = &req.CachedManifests[i]
	}

	stale := d.supersededManifests(ctx, manuals, manifests)

	jobs := []model.SyncJob{}
	for _, manual := range manuals {
		bundle := manual.Bundle
		if bundle == nil || !bundle.Active {
			continue
		}
		manifest := manifests[bundle.ID]
		superseded := false
		if manifest == nil {
			if manifest = stale[manual.ID]; manifest != nil {
				superseded = true
			}
		}
		if job := d.buildJob(ctx, manual, bundle, manifest, superseded); job != nil {
			jobs = append(jobs, *job)
		}
	}

	policies, err := d.policies.ApplicablePolicies(ctx, device.OrgID, device.Model, device.Platform)
	if err != nil {
		return nil, fmt.Errorf("policy lookup: %w", err)
	}
	flags, err := d.policies.FeatureFlags(ctx, device.ID, policies)
	if err != nil {
		return nil, fmt.Errorf("feature flag lookup: %w", err)
	}

	resp := &model.SyncCheckResponse{
		NeedsSync:    len(jobs) > 0,
		SyncJobs:     jobs,
		Policies:     policies,
		FeatureFlags: flags,
	}

	needsSync := strconv.FormatBool(resp.NeedsSync)
	d.metrics.SyncCheckTotal.WithLabelValues(needsSync).Inc()
	d.metrics.SyncCheckDuration.WithLabelValues(needsSync).Observe(time.Since(start).Seconds())

	slog.Info("sync check completed",
		"deviceId", device.ID,
		"needsSync", resp.NeedsSync,
		"jobs", len(jobs),
		"reportedManifests", len(req.CachedManifests),
		"networkStatus", req.Status.NetworkStatus)

	return resp, nil
}

// supersededManifests maps manual IDs to manifests the device reported
// against bundles the catalog has since replaced. A device holding a retired
// bundle gets an update diffed against what it actually has, not a full
// re-download.
func (d *Detector) supersededManifests(ctx context.Context, manuals []model.Manual, manifests map[string]*model.ClientManifest) map[string]*model.ClientManifest {
	active := make(map[string]struct{}, len(manuals))
	for _, manual := range manuals {
		if manual.Bundle != nil {
			active[manual.Bundle.ID] = struct{}{}
		}
	}

	stale := make(map[string]*model.ClientManifest)
	for bundleID, manifest := range manifests {
		if _, ok := active[bundleID]; ok {
			continue
		}
		retired, err := d.store.GetReaderBundle(ctx, bundleID)
		if err != nil {
			continue // unknown bundle, nothing to attribute it to
		}
		stale[retired.ManualID] = manifest
	}
	return stale
}

// buildJob decides what one bundle needs. Returns nil when the device's
// reported state already matches the catalog.
func (d *Detector) buildJob(ctx context.Context, manual model.Manual, bundle *model.ReaderBundle, manifest *model.ClientManifest, superseded bool) *model.SyncJob {
	var (
		operation  model.SyncOperation
		toDownload []model.BundleChunk
		toDelete   []int
	)

	switch {
	case manifest == nil:
		// Device has never synced this bundle.
		operation = model.OperationNew
		toDownload = bundle.Chunks
		toDelete = []int{}
	case superseded || manifest.BundleVersion != bundle.Version:
		operation = model.OperationUpdate
		toDownload, toDelete = diffChunks(bundle.Chunks, manifest.ChunkChecksums)
	default:
		// Same version: any checksum divergence means a corrupt or stale
		// chunk. It is always re-queued, never kept.
		toDownload, toDelete = diffChunks(bundle.Chunks, manifest.ChunkChecksums)
		if len(toDownload) == 0 && len(toDelete) == 0 {
			return nil
		}
		operation = model.OperationUpdate
	}

	priority, _ := d.classifier.ClassifyManual(manual, model.ScenarioRoutine)
	downloads := d.downloadEntries(ctx, bundle, toDownload)

	return &model.SyncJob{
		ReaderBundleID:   bundle.ID,
		BundleVersion:    bundle.Version,
		Operation:        operation,
		ChunksToDownload: downloads,
		ChunksToDelete:   toDelete,
		Priority:         priority,
		EstimatedSizeMB:  estimatedMB(downloads),
	}
}

// diffChunks compares the catalog's chunk records against the checksums a
// device reported, in index order. Chunks missing or mismatched on the
// device are downloaded; device indexes the catalog no longer carries are
// deleted.
func diffChunks(server []model.BundleChunk, clientChecksums []string) ([]model.BundleChunk, []int) {
	var download []model.BundleChunk
	serverIndexes := make(map[int]struct{}, len(server))
	for _, chunk := range server {
		serverIndexes[chunk.ChunkIndex] = struct{}{}
		if chunk.ChunkIndex >= len(clientChecksums) || clientChecksums[chunk.ChunkIndex] != chunk.Checksum {
			download = append(download, chunk)
		}
	}

	deletes := []int{}
	for i := range clientChecksums {
		if _, ok := serverIndexes[i]; !ok {
			deletes = append(deletes, i)
		}
	}
	return download, deletes
}

// downloadEntries turns catalog chunk records into download orders. Entries
// always carry the catalog checksum, never a client-reported one, so a
// corrupt device-side checksum cannot propagate into a job. Presign failures
// degrade to an empty URL rather than failing the check; the client re-checks
// before fetching.
func (d *Detector) downloadEntries(ctx context.Context, bundle *model.ReaderBundle, chunks []model.BundleChunk) []model.ChunkDownload {
	entries := make([]model.ChunkDownload, 0, len(chunks))
	for _, chunk := range chunks {
		url, err := d.signer.PresignDownload(ctx, chunk.StorageKey)
		if err != nil {
			slog.Warn("chunk presign failed",
				"bundleId", bundle.ID,
				"chunkIndex", chunk.ChunkIndex,
				"error", err)
			url = ""
		}
		entries = append(entries, model.ChunkDownload{
			ChunkIndex:     chunk.ChunkIndex,
			ChunkURL:       url,
			ChunkChecksum:  chunk.Checksum,
			ChunkSizeBytes: chunk.SizeBytes,
		})
	}
	return entries
}

// estimatedMB rounds the download volume up to whole megabytes.
func estimatedMB(chunks []model.ChunkDownload) int64 {
	var total int64
	for _, chunk := range chunks {
		total += chunk.ChunkSizeBytes
	}
	if total == 0 {
		return 0
	}
	return int64(math.Ceil(float64(total) / (1024 * 1024)))
}
