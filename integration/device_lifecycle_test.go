// Package integration provides end-to-end tests for the EFB sync service,
// driving a full device lifecycle over the HTTP surface: registration,
// bundle staging, delta check, chunk transfer, manifest reporting, and
// convergence to an up-to-date cache.
package integration

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/skymanuals/skymanuals-efb-go/conformance"
	"github.com/skymanuals/skymanuals-efb-go/internal/chunkstore"
	"github.com/skymanuals/skymanuals-efb-go/internal/model"
)

// TestDeviceLifecycle walks one tablet through a complete sync cycle and
// verifies the device converges to needsSync=false.
func TestDeviceLifecycle(t *testing.T) {
	h, err := conformance.NewHarness(conformance.Config{})
	if err != nil {
		t.Fatalf("failed to create harness: %v", err)
	}
	defer h.Close()

	// The operator publishes a safety-critical manual with a chunked bundle
	h.SeedManual(t, model.Manual{
		ID:      "manual-afm",
		OrgID:   "org-lifecycle",
		Title:   "Aircraft Flight Manual",
		Status:  "RELEASED",
		Version: "5.2.0",
		Chapters: []model.Chapter{
			{ID: "ch-limits", Title: "Limitations", Sections: []model.Section{
				{ID: "sec-speeds", Title: "Airspeed Limitations", BlockCount: 9},
			}},
			{ID: "ch-emerg", Title: "Emergency Procedures", Sections: []model.Section{
				{ID: "sec-fire", Title: "Engine Fire Memory Items", BlockCount: 14},
			}},
		},
		Bundle: &model.ReaderBundle{
			ID:       "bundle-afm",
			ManualID: "manual-afm",
			Version:  "5.2.0",
			Active:   true,
		},
	})

	pipeline := h.Token("publishing-pipeline")
	chunkPayloads := [][]byte{
		bytes.Repeat([]byte("limitations "), 1024),
		bytes.Repeat([]byte("emergency procedures "), 2048),
		bytes.Repeat([]byte("performance tables "), 512),
	}
	staged := make([]model.ChunkUploadResult, len(chunkPayloads))
	for i, payload := range chunkPayloads {
		staged[i] = h.StageChunk(t, pipeline, "bundle-afm", i, payload)
	}

	// The tablet enrolls and asks what it needs
	token := h.RegisterDevice(t, "tablet-001", "org-lifecycle")

	var check model.SyncCheckResponse
	resp := h.PostJSON(t, "/v1/efb/sync/check", token, model.SyncCheckRequest{
		DeviceID: "tablet-001",
		Status:   model.DeviceStatus{NetworkStatus: model.NetworkWifi},
	}, &check)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initial sync check returned status %d", resp.StatusCode)
	}
	if !check.NeedsSync || len(check.SyncJobs) != 1 {
		t.Fatalf("initial check: needsSync=%v jobs=%d, want true/1", check.NeedsSync, len(check.SyncJobs))
	}
	job := check.SyncJobs[0]
	if job.Operation != model.OperationNew {
		t.Errorf("initial job operation = %s, want NEW", job.Operation)
	}
	if len(job.ChunksToDownload) != len(chunkPayloads) {
		t.Fatalf("initial job downloads = %d chunks, want %d", len(job.ChunksToDownload), len(chunkPayloads))
	}
	if job.Priority != model.PriorityCriticalSafety {
		t.Errorf("AFM bundle job priority = %d, want CRITICAL_SAFETY", job.Priority)
	}

	// The device also asks for a pre-flight plan; an AFM in the catalog
	// makes the plan compliant at full granularity
	var plan model.SyncPlan
	resp = h.PostJSON(t, "/v1/efb/sync/plan", token, model.PlanRequest{
		DeviceID: "tablet-001",
		Scenario: model.ScenarioPreFlight,
	}, &plan)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("plan returned status %d", resp.StatusCode)
	}
	if plan.CriticalItems == 0 {
		t.Error("pre-flight plan carries no critical items despite the AFM")
	}

	// The device executes the job: it mirrors each canonical chunk into its
	// device cache and verifies the round trip
	var totalBytes int64
	checksums := make([]string, len(chunkPayloads))
	for i, payload := range chunkPayloads {
		resp := h.Do(t, http.MethodPost, "/v1/efb/chunks", token, payload, map[string]string{
			"X-EFB-Device-Id":   "tablet-001",
			"X-EFB-Bundle-Id":   "bundle-afm",
			"X-EFB-Chunk-Index": fmt.Sprintf("%d", i),
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("chunk %d upload returned status %d", i, resp.StatusCode)
		}
		resp.Body.Close()

		resp = h.Do(t, http.MethodGet, fmt.Sprintf("/v1/efb/chunks/tablet-001/bundle-afm/%d", i), token, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("chunk %d download returned status %d", i, resp.StatusCode)
		}
		got, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("failed to read chunk %d: %v", i, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("chunk %d round trip lost data", i)
		}

		checksums[i] = staged[i].Checksum
		totalBytes += int64(len(payload))
	}

	// The device reports its completed cache manifest
	resp = h.PostJSON(t, "/v1/efb/manifests", token, model.ManifestReport{
		DeviceID:       "tablet-001",
		ReaderBundleID: "bundle-afm",
		BundleVersion:  "5.2.0",
		ChunkCount:     len(chunkPayloads),
		TotalSizeBytes: totalBytes,
		Checksum:       chunkstore.ManifestChecksum(checksums),
		LastModified:   time.Now().UTC(),
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("manifest report returned status %d", resp.StatusCode)
	}

	// A second check with the completed cache converges to nothing to do
	resp = h.PostJSON(t, "/v1/efb/sync/check", token, model.SyncCheckRequest{
		DeviceID: "tablet-001",
		CachedManifests: []model.ClientManifest{{
			ReaderBundleID:   "bundle-afm",
			BundleVersion:    "5.2.0",
			ManifestChecksum: chunkstore.ManifestChecksum(checksums),
			ChunkChecksums:   checksums,
			LastModified:     time.Now().UTC(),
		}},
		Status: model.DeviceStatus{NetworkStatus: model.NetworkWifi},
	}, &check)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("final sync check returned status %d", resp.StatusCode)
	}
	if check.NeedsSync || len(check.SyncJobs) != 0 {
		t.Errorf("final check: needsSync=%v jobs=%d, want false/0", check.NeedsSync, len(check.SyncJobs))
	}
}

// TestBundleRepublishTriggersUpdate verifies that staging a new bundle
// version turns a converged device back into one with work to do.
func TestBundleRepublishTriggersUpdate(t *testing.T) {
	h, err := conformance.NewHarness(conformance.Config{})
	if err != nil {
		t.Fatalf("failed to create harness: %v", err)
	}
	defer h.Close()

	h.SeedManual(t, model.Manual{
		ID:      "manual-charts",
		OrgID:   "org-republish",
		Title:   "Navigation Charts",
		Status:  "RELEASED",
		Version: "1.0.0",
		Chapters: []model.Chapter{
			{ID: "ch-charts", Title: "Arrival Charts", Sections: []model.Section{
				{ID: "sec-charts", Title: "Arrivals", BlockCount: 4},
			}},
		},
		Bundle: &model.ReaderBundle{
			ID:       "bundle-charts-v1",
			ManualID: "manual-charts",
			Version:  "1.0.0",
			Active:   true,
		},
	})

	pipeline := h.Token("publishing-pipeline")
	first := h.StageChunk(t, pipeline, "bundle-charts-v1", 0, []byte("arrival charts rev A"))

	token := h.RegisterDevice(t, "tablet-002", "org-republish")

	converged := model.SyncCheckRequest{
		DeviceID: "tablet-002",
		CachedManifests: []model.ClientManifest{{
			ReaderBundleID:   "bundle-charts-v1",
			BundleVersion:    "1.0.0",
			ManifestChecksum: chunkstore.ManifestChecksum([]string{first.Checksum}),
			ChunkChecksums:   []string{first.Checksum},
			LastModified:     time.Now().UTC(),
		}},
		Status: model.DeviceStatus{NetworkStatus: model.NetworkWifi},
	}

	var check model.SyncCheckResponse
	resp := h.PostJSON(t, "/v1/efb/sync/check", token, converged, &check)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync check returned status %d", resp.StatusCode)
	}
	if check.NeedsSync {
		t.Fatal("device should be converged before the republish")
	}

	// A chart revision replaces the canonical chunk content in place
	revised := h.StageChunk(t, pipeline, "bundle-charts-v1", 0, []byte("arrival charts rev B"))
	if revised.Checksum == first.Checksum {
		t.Fatal("revised chunk should carry a different checksum")
	}

	resp = h.PostJSON(t, "/v1/efb/sync/check", token, converged, &check)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync check returned status %d", resp.StatusCode)
	}
	if !check.NeedsSync || len(check.SyncJobs) != 1 {
		t.Fatalf("post-republish check: needsSync=%v jobs=%d, want true/1", check.NeedsSync, len(check.SyncJobs))
	}
	downloads := check.SyncJobs[0].ChunksToDownload
	if len(downloads) != 1 || downloads[0].ChunkChecksum != revised.Checksum {
		t.Errorf("post-republish job downloads = %+v, want the revised chunk", downloads)
	}
}
