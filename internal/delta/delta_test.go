// internal/delta/delta_test.go
package delta

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/skymanuals/skymanuals-efb-go/internal/classify"
	"github.com/skymanuals/skymanuals-efb-go/internal/model"
	"github.com/skymanuals/skymanuals-efb-go/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSigner struct {
	err error
}

func (s stubSigner) PresignDownload(ctx context.Context, storageKey string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "https://cdn.test/" + storageKey + "?sig=abc", nil
}

type stubPolicies struct {
	policies []model.Policy
	flags    []model.FeatureFlag
	err      error
}

func (s stubPolicies) ApplicablePolicies(ctx context.Context, orgID, deviceModel, platform string) ([]model.Policy, error) {
	return s.policies, s.err
}

func (s stubPolicies) FeatureFlags(ctx context.Context, deviceID string, policies []model.Policy) ([]model.FeatureFlag, error) {
	return s.flags, s.err
}

func newTestDetector(t *testing.T, signer URLSigner, policies PolicyProvider) (*Detector, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	d := New(store, signer, policies, classify.NewKeywordClassifier(classify.DefaultTables()))
	return d, store
}

func seedDevice(t *testing.T, store storage.Store, deviceID, orgID string, lastSeen time.Time) {
	t.Helper()
	err := store.RegisterDevice(context.Background(), model.Device{
		ID:           deviceID,
		OrgID:        orgID,
		Model:        "iPad Pro",
		Platform:     "iOS",
		RegisteredAt: lastSeen,
		LastSeenAt:   lastSeen,
	})
	require.NoError(t, err)
}

// seedBundledManual stores a RELEASED manual whose active bundle carries one
// 512 KiB chunk per checksum, in index order.
func seedBundledManual(t *testing.T, store storage.Store, manualID, bundleID, version string, checksums ...string) {
	t.Helper()
	bundle := &model.ReaderBundle{
		ID:       bundleID,
		ManualID: manualID,
		Version:  version,
		Checksum: "manifest-" + version,
		Active:   true,
	}
	for i, sum := range checksums {
		bundle.Chunks = append(bundle.Chunks, model.BundleChunk{
			ReaderBundleID: bundleID,
			ChunkIndex:     i,
			Checksum:       sum,
			SizeBytes:      512 * 1024,
			StorageKey:     fmt.Sprintf("bundles/%s/chunks/%06d.gz", bundleID, i),
		})
		bundle.TotalSizeBytes += 512 * 1024
	}
	bundle.ChunkCount = len(checksums)

	err := store.PutManual(context.Background(), model.Manual{
		ID:        manualID,
		OrgID:     "org-1",
		Title:     "Navigation Supplement",
		Status:    "RELEASED",
		Version:   version,
		UpdatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Bundle:    bundle,
	})
	require.NoError(t, err)
}

func checkReq(deviceID string, manifests ...model.ClientManifest) model.SyncCheckRequest {
	return model.SyncCheckRequest{
		DeviceID:        deviceID,
		CachedManifests: manifests,
		Status:          model.DeviceStatus{NetworkStatus: model.NetworkWifi},
	}
}

func TestCheckSyncUnknownDevice(t *testing.T) {
	d, _ := newTestDetector(t, stubSigner{}, stubPolicies{})

	_, err := d.CheckSync(context.Background(), checkReq("ghost"))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCheckSyncNewBundle(t *testing.T) {
	d, store := newTestDetector(t, stubSigner{}, stubPolicies{})
	seedDevice(t, store, "dev-1", "org-1", time.Now().UTC())
	seedBundledManual(t, store, "man-1", "bundle-1", "1.0.0", "sha-a", "sha-b", "sha-c")

	resp, err := d.CheckSync(context.Background(), checkReq("dev-1"))
	require.NoError(t, err)

	require.True(t, resp.NeedsSync)
	require.Len(t, resp.SyncJobs, 1)
	job := resp.SyncJobs[0]
	assert.Equal(t, model.OperationNew, job.Operation)
	assert.Equal(t, "bundle-1", job.ReaderBundleID)
	assert.Equal(t, "1.0.0", job.BundleVersion)
	require.Len(t, job.ChunksToDownload, 3)
	assert.Empty(t, job.ChunksToDelete)
	// 3 x 512 KiB rounds up to 2 MB.
	assert.Equal(t, int64(2), job.EstimatedSizeMB)
	for i, dl := range job.ChunksToDownload {
		assert.Equal(t, i, dl.ChunkIndex)
		assert.NotEmpty(t, dl.ChunkURL)
		assert.NotEmpty(t, dl.ChunkChecksum)
	}
}

func TestCheckSyncInSync(t *testing.T) {
	d, store := newTestDetector(t, stubSigner{}, stubPolicies{})
	seedDevice(t, store, "dev-1", "org-1", time.Now().UTC())
	seedBundledManual(t, store, "man-1", "bundle-1", "1.0.0", "sha-a", "sha-b", "sha-c")

	resp, err := d.CheckSync(context.Background(), checkReq("dev-1", model.ClientManifest{
		ReaderBundleID: "bundle-1",
		BundleVersion:  "1.0.0",
		ChunkChecksums: []string{"sha-a", "sha-b", "sha-c"},
	}))
	require.NoError(t, err)

	assert.False(t, resp.NeedsSync)
	assert.Empty(t, resp.SyncJobs)
}

func TestCheckSyncVersionUpdateDiffsChunks(t *testing.T) {
	d, store := newTestDetector(t, stubSigner{}, stubPolicies{})
	seedDevice(t, store, "dev-1", "org-1", time.Now().UTC())
	// v2 changed chunk 0 and appended chunk 3.
	seedBundledManual(t, store, "man-1", "bundle-1", "2.0.0", "sha-a2", "sha-b", "sha-c", "sha-d")

	resp, err := d.CheckSync(context.Background(), checkReq("dev-1", model.ClientManifest{
		ReaderBundleID: "bundle-1",
		BundleVersion:  "1.0.0",
		ChunkChecksums: []string{"sha-a", "sha-b", "sha-c"},
	}))
	require.NoError(t, err)

	require.True(t, resp.NeedsSync)
	require.Len(t, resp.SyncJobs, 1)
	job := resp.SyncJobs[0]
	assert.Equal(t, model.OperationUpdate, job.Operation)
	assert.Equal(t, "2.0.0", job.BundleVersion)

	indexes := []int{}
	for _, dl := range job.ChunksToDownload {
		indexes = append(indexes, dl.ChunkIndex)
	}
	assert.Equal(t, []int{0, 3}, indexes)
	assert.Empty(t, job.ChunksToDelete)
}

func TestCheckSyncSupersededBundleBecomesUpdate(t *testing.T) {
	d, store := newTestDetector(t, stubSigner{}, stubPolicies{})
	seedDevice(t, store, "dev-1", "org-1", time.Now().UTC())
	seedBundledManual(t, store, "man-1", "bundle-old", "1.0.0", "sha-a", "sha-b")
	// Republishing the manual replaces the bundle outright.
	seedBundledManual(t, store, "man-1", "bundle-new", "2.0.0", "sha-a", "sha-b2")

	resp, err := d.CheckSync(context.Background(), checkReq("dev-1", model.ClientManifest{
		ReaderBundleID: "bundle-old",
		BundleVersion:  "1.0.0",
		ChunkChecksums: []string{"sha-a", "sha-b"},
	}))
	require.NoError(t, err)

	require.Len(t, resp.SyncJobs, 1)
	job := resp.SyncJobs[0]
	// The manifest for the retired bundle is attributed back to the manual
	// and diffed, not treated as a cold start.
	assert.Equal(t, model.OperationUpdate, job.Operation)
	assert.Equal(t, "bundle-new", job.ReaderBundleID)
	require.Len(t, job.ChunksToDownload, 1)
	assert.Equal(t, 1, job.ChunksToDownload[0].ChunkIndex)
	assert.Equal(t, "sha-b2", job.ChunksToDownload[0].ChunkChecksum)
}

func TestCheckSyncCorruptChunkRequeued(t *testing.T) {
	d, store := newTestDetector(t, stubSigner{}, stubPolicies{})
	seedDevice(t, store, "dev-1", "org-1", time.Now().UTC())
	seedBundledManual(t, store, "man-1", "bundle-1", "1.0.0", "sha-a", "sha-b", "sha-c")

	// Same version, one diverging checksum: the chunk is corrupt or stale.
	resp, err := d.CheckSync(context.Background(), checkReq("dev-1", model.ClientManifest{
		ReaderBundleID: "bundle-1",
		BundleVersion:  "1.0.0",
		ChunkChecksums: []string{"sha-a", "deadbeef", "sha-c"},
	}))
	require.NoError(t, err)

	require.True(t, resp.NeedsSync)
	require.Len(t, resp.SyncJobs, 1)
	job := resp.SyncJobs[0]
	assert.Equal(t, model.OperationUpdate, job.Operation)
	require.Len(t, job.ChunksToDownload, 1)
	assert.Equal(t, 1, job.ChunksToDownload[0].ChunkIndex)
	// The job must order the catalog's chunk, never echo the corrupt one.
	assert.Equal(t, "sha-b", job.ChunksToDownload[0].ChunkChecksum)
}

func TestCheckSyncEvictsExtraChunks(t *testing.T) {
	d, store := newTestDetector(t, stubSigner{}, stubPolicies{})
	seedDevice(t, store, "dev-1", "org-1", time.Now().UTC())
	seedBundledManual(t, store, "man-1", "bundle-1", "2.0.0", "sha-a", "sha-b", "sha-c")

	resp, err := d.CheckSync(context.Background(), checkReq("dev-1", model.ClientManifest{
		ReaderBundleID: "bundle-1",
		BundleVersion:  "1.0.0",
		ChunkChecksums: []string{"sha-a", "sha-b", "sha-c", "sha-d", "sha-e"},
	}))
	require.NoError(t, err)

	require.Len(t, resp.SyncJobs, 1)
	job := resp.SyncJobs[0]
	assert.Empty(t, job.ChunksToDownload)
	assert.Equal(t, []int{3, 4}, job.ChunksToDelete)
	assert.Equal(t, int64(0), job.EstimatedSizeMB)
}

func TestCheckSyncVersionBumpWithIdenticalChunks(t *testing.T) {
	d, store := newTestDetector(t, stubSigner{}, stubPolicies{})
	seedDevice(t, store, "dev-1", "org-1", time.Now().UTC())
	seedBundledManual(t, store, "man-1", "bundle-1", "1.0.1", "sha-a", "sha-b")

	resp, err := d.CheckSync(context.Background(), checkReq("dev-1", model.ClientManifest{
		ReaderBundleID: "bundle-1",
		BundleVersion:  "1.0.0",
		ChunkChecksums: []string{"sha-a", "sha-b"},
	}))
	require.NoError(t, err)

	// The device must still adopt the new version metadata even though no
	// chunk content changed.
	require.True(t, resp.NeedsSync)
	require.Len(t, resp.SyncJobs, 1)
	job := resp.SyncJobs[0]
	assert.Equal(t, model.OperationUpdate, job.Operation)
	assert.Empty(t, job.ChunksToDownload)
	assert.Empty(t, job.ChunksToDelete)
}

func TestCheckSyncSkipsUnbundledManuals(t *testing.T) {
	d, store := newTestDetector(t, stubSigner{}, stubPolicies{})
	seedDevice(t, store, "dev-1", "org-1", time.Now().UTC())
	require.NoError(t, store.PutManual(context.Background(), model.Manual{
		ID:      "man-1",
		OrgID:   "org-1",
		Title:   "Navigation Supplement",
		Status:  "RELEASED",
		Version: "1.0.0",
	}))

	resp, err := d.CheckSync(context.Background(), checkReq("dev-1"))
	require.NoError(t, err)
	assert.False(t, resp.NeedsSync)
	assert.Empty(t, resp.SyncJobs)
}

func TestCheckSyncOfflineDeviceStillGetsJobs(t *testing.T) {
	d, store := newTestDetector(t, stubSigner{}, stubPolicies{})
	seedDevice(t, store, "dev-1", "org-1", time.Now().UTC())
	seedBundledManual(t, store, "man-1", "bundle-1", "1.0.0", "sha-a")

	req := checkReq("dev-1")
	req.Status.NetworkStatus = model.NetworkOffline

	resp, err := d.CheckSync(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.NeedsSync, "offline status is informational, never a skip condition")
	assert.Len(t, resp.SyncJobs, 1)
}

func TestCheckSyncTouchesDevice(t *testing.T) {
	d, store := newTestDetector(t, stubSigner{}, stubPolicies{})
	registered := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedDevice(t, store, "dev-1", "org-1", registered)

	_, err := d.CheckSync(context.Background(), checkReq("dev-1"))
	require.NoError(t, err)

	device, err := store.GetDevice(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.True(t, device.LastSeenAt.After(registered))
}

func TestCheckSyncPresignFailureDegrades(t *testing.T) {
	d, store := newTestDetector(t, stubSigner{err: errors.New("s3 down")}, stubPolicies{})
	seedDevice(t, store, "dev-1", "org-1", time.Now().UTC())
	seedBundledManual(t, store, "man-1", "bundle-1", "1.0.0", "sha-a")

	resp, err := d.CheckSync(context.Background(), checkReq("dev-1"))
	require.NoError(t, err, "presign failures degrade, they do not fail the check")

	require.Len(t, resp.SyncJobs, 1)
	require.Len(t, resp.SyncJobs[0].ChunksToDownload, 1)
	assert.Empty(t, resp.SyncJobs[0].ChunksToDownload[0].ChunkURL)
	assert.Equal(t, "sha-a", resp.SyncJobs[0].ChunksToDownload[0].ChunkChecksum)
}

func TestCheckSyncReturnsPoliciesAndFlags(t *testing.T) {
	policies := stubPolicies{
		policies: []model.Policy{{ID: "pol-1", Name: "EFB Baseline", Platform: "ALL", DeviceModel: "ALL"}},
		flags:    []model.FeatureFlag{{Key: "offline_annotations", Enabled: true}},
	}
	d, store := newTestDetector(t, stubSigner{}, policies)
	seedDevice(t, store, "dev-1", "org-1", time.Now().UTC())

	resp, err := d.CheckSync(context.Background(), checkReq("dev-1"))
	require.NoError(t, err)
	require.Len(t, resp.Policies, 1)
	assert.Equal(t, "pol-1", resp.Policies[0].ID)
	require.Len(t, resp.FeatureFlags, 1)
	assert.True(t, resp.FeatureFlags[0].Enabled)
}

func TestCheckSyncPolicyOutagePropagates(t *testing.T) {
	d, store := newTestDetector(t, stubSigner{}, stubPolicies{err: errors.New("policy api unreachable")})
	seedDevice(t, store, "dev-1", "org-1", time.Now().UTC())

	_, err := d.CheckSync(context.Background(), checkReq("dev-1"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrNotFound)
}
