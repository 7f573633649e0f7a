// Package conformance provides a black-box test harness for verifying an
// EFB sync service implementation over its HTTP surface. The harness runs
// the full mux on in-memory backends and drives the same flows a device
// fleet would: registration, delta checks, planning, chunk transfer, and
// conflict settlement.
package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/skymanuals/skymanuals-efb-go/internal/chunkstore"
	"github.com/skymanuals/skymanuals-efb-go/internal/classify"
	"github.com/skymanuals/skymanuals-efb-go/internal/conflict"
	"github.com/skymanuals/skymanuals-efb-go/internal/delta"
	"github.com/skymanuals/skymanuals-efb-go/internal/event"
	"github.com/skymanuals/skymanuals-efb-go/internal/jwks"
	"github.com/skymanuals/skymanuals-efb-go/internal/model"
	"github.com/skymanuals/skymanuals-efb-go/internal/planner"
	"github.com/skymanuals/skymanuals-efb-go/internal/policy"
	"github.com/skymanuals/skymanuals-efb-go/internal/server"
	"github.com/skymanuals/skymanuals-efb-go/internal/storage"
)

// Harness hosts one service instance for conformance testing.
type Harness struct {
	server *httptest.Server
	store  storage.Store
	pub    event.Publisher

	issuer   string
	audience string
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// JWTIssuer is the expected JWT issuer; defaults to "conformance-issuer"
	JWTIssuer string

	// JWTAudience is the expected JWT audience; defaults to "efb-sync-service"
	JWTAudience string

	// MaxChunkBytes bounds chunk payloads; defaults to 10 MiB
	MaxChunkBytes int64

	// SchemaURL is an optional schema index URL for version resolution
	SchemaURL string

	// RejectDeprecatedSchemas determines whether to reject deprecated schemas
	RejectDeprecatedSchemas bool
}

// NewHarness assembles a service over in-memory storage, an in-memory
// object store, a no-op audit publisher, a static policy provider, and a
// JWKS test client that accepts harness-minted tokens.
func NewHarness(cfg Config) (*Harness, error) {
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = "conformance-issuer"
	}
	if cfg.JWTAudience == "" {
		cfg.JWTAudience = "efb-sync-service"
	}
	if cfg.MaxChunkBytes == 0 {
		cfg.MaxChunkBytes = 10 * 1024 * 1024
	}

	store := storage.NewMemory()
	pub := event.NewPublisher("")
	auditor := event.NewAuditor(pub)
	classifier := classify.NewKeywordClassifier(classify.DefaultTables())
	chunks := chunkstore.New(chunkstore.NewMemoryObjects(), store, 720*time.Hour)
	pl := planner.New(store, classifier, auditor, planner.DefaultConfig())
	det := delta.New(store, chunks, policy.NewStatic(nil, nil), classifier)
	res := conflict.New(store, auditor)

	mux := server.NewMux(store, pl, det, chunks, res, cfg.JWTIssuer, cfg.JWTAudience, cfg.MaxChunkBytes, jwks.NewTestClient(), cfg.SchemaURL, cfg.RejectDeprecatedSchemas)

	return &Harness{
		server:   httptest.NewServer(mux),
		store:    store,
		pub:      pub,
		issuer:   cfg.JWTIssuer,
		audience: cfg.JWTAudience,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Store exposes the backing store so callers can seed catalog fixtures.
func (h *Harness) Store() storage.Store {
	return h.store
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.pub.Close()
}

// Token mints a bearer token for the given subject. The test JWKS client
// only checks issuer and audience claims, so any signing key works.
func (h *Harness) Token(subject string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"iss": h.issuer,
		"aud": h.audience,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, _ := token.SignedString([]byte("conformance-secret"))
	return "Bearer " + signed
}

// Do executes one HTTP request against the harness.
func (h *Harness) Do(t *testing.T, method, path, token string, body []byte, headers map[string]string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, h.URL()+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build %s %s: %v", method, path, err)
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// PostJSON executes a JSON POST. When the request succeeds and out is
// non-nil, the "data" envelope is decoded into out and the body is closed.
func (h *Harness) PostJSON(t *testing.T, path, token string, body interface{}, out interface{}) *http.Response {
	t.Helper()

	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request body: %v", err)
	}

	resp := h.Do(t, http.MethodPost, path, token, payload, map[string]string{"Content-Type": "application/json"})
	if out != nil && resp.StatusCode == http.StatusOK {
		decodeData(t, resp, out)
	}
	return resp
}

// decodeData drains a success envelope into out and closes the body.
func decodeData(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("failed to decode envelope: %v (body %q)", err, raw)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		t.Fatalf("failed to decode data: %v (body %q)", err, raw)
	}
}

// SeedManual registers a released manual in the catalog. Manual, chapter,
// and section titles drive keyword classification, so fixtures choose
// titles to land specific priorities.
func (h *Harness) SeedManual(t *testing.T, manual model.Manual) {
	t.Helper()
	if err := h.store.PutManual(context.Background(), manual); err != nil {
		t.Fatalf("failed to seed manual %s: %v", manual.ID, err)
	}
}

// RegisterDevice registers one device over the API and returns its token.
func (h *Harness) RegisterDevice(t *testing.T, deviceID, orgID string) string {
	t.Helper()

	token := h.Token(deviceID)
	var device model.Device
	resp := h.PostJSON(t, "/v1/efb/devices", token, model.RegisterDeviceRequest{
		DeviceID: deviceID,
		OrgID:    orgID,
		Model:    "iPad Pro 13",
		Platform: "iOS",
	}, &device)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("device registration returned status %d", resp.StatusCode)
	}
	if device.ID != deviceID {
		t.Fatalf("registered device ID = %q, want %q", device.ID, deviceID)
	}
	return token
}

// StageChunk stages one canonical bundle chunk through the pipeline
// endpoint and returns the upload result.
func (h *Harness) StageChunk(t *testing.T, token, bundleID string, index int, payload []byte) model.ChunkUploadResult {
	t.Helper()

	resp := h.Do(t, http.MethodPost, fmt.Sprintf("/v1/efb/bundles/%s/chunks", bundleID), token, payload, map[string]string{
		"X-EFB-Chunk-Index": fmt.Sprintf("%d", index),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chunk staging returned status %d", resp.StatusCode)
	}
	var result model.ChunkUploadResult
	decodeData(t, resp, &result)
	return result
}

// RunConformanceTests runs all conformance tests against the implementation.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("DeviceRegistration", h.testDeviceRegistration)
	t.Run("SyncPlanning", h.testSyncPlanning)
	t.Run("DeltaDetection", h.testDeltaDetection)
	t.Run("ChunkRoundTrip", h.testChunkRoundTrip)
	t.Run("ConflictResolution", h.testConflictResolution)
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testDeviceRegistration tests registration, fetch, and auth enforcement.
func (h *Harness) testDeviceRegistration(t *testing.T) {
	token := h.RegisterDevice(t, "conf-reg-device", "org-conformance")

	resp := h.Do(t, http.MethodGet, "/v1/efb/devices/conf-reg-device", token, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("device fetch returned status %d", resp.StatusCode)
	}
	var device model.Device
	decodeData(t, resp, &device)
	if device.OrgID != "org-conformance" {
		t.Errorf("device org = %q, want org-conformance", device.OrgID)
	}

	// No token, no access
	resp = h.Do(t, http.MethodGet, "/v1/efb/devices/conf-reg-device", "", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated fetch returned status %d, want 401", resp.StatusCode)
	}

	// A device cannot read another device's registration
	resp = h.Do(t, http.MethodGet, "/v1/efb/devices/conf-reg-device", h.Token("other-device"), nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("cross-device fetch returned status %d, want 403", resp.StatusCode)
	}
}

// testSyncPlanning tests scenario-driven planning over a seeded catalog.
func (h *Harness) testSyncPlanning(t *testing.T) {
	h.SeedManual(t, model.Manual{
		ID:      "conf-manual-qrh",
		OrgID:   "org-planning",
		Title:   "QRH Quick Reference Handbook",
		Status:  "RELEASED",
		Version: "3.1.0",
		Chapters: []model.Chapter{
			{ID: "ch-1", Title: "Emergency Procedures", Sections: []model.Section{
				{ID: "sec-1", Title: "Engine Fire Memory Items", BlockCount: 12},
				{ID: "sec-2", Title: "Rapid Depressurization", BlockCount: 8},
			}},
		},
	})
	h.SeedManual(t, model.Manual{
		ID:      "conf-manual-catering",
		OrgID:   "org-planning",
		Title:   "Catering Supplier Directory",
		Status:  "RELEASED",
		Version: "1.0.0",
		Chapters: []model.Chapter{
			{ID: "ch-2", Title: "Vendors", Sections: []model.Section{
				{ID: "sec-3", Title: "Contacts", BlockCount: 30},
			}},
		},
	})

	token := h.RegisterDevice(t, "conf-plan-device", "org-planning")

	var plan model.SyncPlan
	resp := h.PostJSON(t, "/v1/efb/sync/plan", token, model.PlanRequest{
		DeviceID: "conf-plan-device",
		Scenario: model.ScenarioPreFlight,
	}, &plan)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("plan returned status %d", resp.StatusCode)
	}

	// The QRH is CRITICAL_SAFETY: full granularity (manual + chapter +
	// sections). The catering directory is ROUTINE: one manual-level item.
	wantItems := 1 + 1 + 2 + 1
	if plan.TotalItems != wantItems {
		t.Errorf("plan items = %d, want %d", plan.TotalItems, wantItems)
	}
	if plan.CriticalItems == 0 {
		t.Error("plan has no critical items despite a QRH in the catalog")
	}
	if !plan.Queue.EmergencyProtocols {
		t.Error("plan should carry emergency protocols with CRITICAL_SAFETY content")
	}
	for i := 1; i < len(plan.Queue.Items); i++ {
		if plan.Queue.Items[i-1].Priority > plan.Queue.Items[i].Priority {
			t.Errorf("queue not sorted by priority at position %d", i)
		}
	}

	// Unknown devices must be refused, not planned for
	resp = h.PostJSON(t, "/v1/efb/sync/plan", h.Token("ghost-device"), model.PlanRequest{
		DeviceID: "ghost-device",
		Scenario: model.ScenarioRoutine,
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("plan for unknown device returned status %d, want 404", resp.StatusCode)
	}
}

// testDeltaDetection tests sync checks against a staged bundle.
func (h *Harness) testDeltaDetection(t *testing.T) {
	h.SeedManual(t, model.Manual{
		ID:      "conf-manual-sop",
		OrgID:   "org-delta",
		Title:   "Standard Operating Procedures",
		Status:  "RELEASED",
		Version: "2.0.0",
		Chapters: []model.Chapter{
			{ID: "ch-3", Title: "Normal Procedures", Sections: []model.Section{
				{ID: "sec-4", Title: "Before Start", BlockCount: 5},
			}},
		},
		Bundle: &model.ReaderBundle{
			ID:       "conf-bundle-sop",
			ManualID: "conf-manual-sop",
			Version:  "2.0.0",
			Active:   true,
		},
	})

	pipeline := h.Token("publishing-pipeline")
	first := h.StageChunk(t, pipeline, "conf-bundle-sop", 0, []byte("sop chunk zero"))
	second := h.StageChunk(t, pipeline, "conf-bundle-sop", 1, []byte("sop chunk one"))

	token := h.RegisterDevice(t, "conf-delta-device", "org-delta")

	// An empty cache must produce a NEW job covering every chunk
	var check model.SyncCheckResponse
	resp := h.PostJSON(t, "/v1/efb/sync/check", token, model.SyncCheckRequest{
		DeviceID: "conf-delta-device",
		Status:   model.DeviceStatus{NetworkStatus: model.NetworkWifi},
	}, &check)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync check returned status %d", resp.StatusCode)
	}
	if !check.NeedsSync || len(check.SyncJobs) != 1 {
		t.Fatalf("empty-cache check: needsSync=%v jobs=%d, want true/1", check.NeedsSync, len(check.SyncJobs))
	}
	job := check.SyncJobs[0]
	if job.Operation != model.OperationNew || len(job.ChunksToDownload) != 2 {
		t.Errorf("empty-cache job: op=%s downloads=%d, want NEW/2", job.Operation, len(job.ChunksToDownload))
	}

	// A cache matching the canonical chunk set needs nothing
	resp = h.PostJSON(t, "/v1/efb/sync/check", token, model.SyncCheckRequest{
		DeviceID: "conf-delta-device",
		CachedManifests: []model.ClientManifest{{
			ReaderBundleID:   "conf-bundle-sop",
			BundleVersion:    "2.0.0",
			ManifestChecksum: chunkstore.ManifestChecksum([]string{first.Checksum, second.Checksum}),
			ChunkChecksums:   []string{first.Checksum, second.Checksum},
			LastModified:     time.Now().UTC(),
		}},
		Status: model.DeviceStatus{NetworkStatus: model.NetworkWifi},
	}, &check)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync check returned status %d", resp.StatusCode)
	}
	if check.NeedsSync || len(check.SyncJobs) != 0 {
		t.Errorf("up-to-date check: needsSync=%v jobs=%d, want false/0", check.NeedsSync, len(check.SyncJobs))
	}

	// A corrupt chunk checksum must be re-queued with the server checksum.
	// OFFLINE status does not suppress the job.
	resp = h.PostJSON(t, "/v1/efb/sync/check", token, model.SyncCheckRequest{
		DeviceID: "conf-delta-device",
		CachedManifests: []model.ClientManifest{{
			ReaderBundleID: "conf-bundle-sop",
			BundleVersion:  "2.0.0",
			ChunkChecksums: []string{first.Checksum, "deadbeef"},
			LastModified:   time.Now().UTC(),
		}},
		Status: model.DeviceStatus{NetworkStatus: model.NetworkOffline},
	}, &check)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync check returned status %d", resp.StatusCode)
	}
	if !check.NeedsSync || len(check.SyncJobs) != 1 {
		t.Fatalf("corrupt-chunk check: needsSync=%v jobs=%d, want true/1", check.NeedsSync, len(check.SyncJobs))
	}
	job = check.SyncJobs[0]
	if len(job.ChunksToDownload) != 1 || job.ChunksToDownload[0].ChunkIndex != 1 {
		t.Fatalf("corrupt-chunk job downloads = %+v, want index 1 only", job.ChunksToDownload)
	}
	if job.ChunksToDownload[0].ChunkChecksum != second.Checksum {
		t.Errorf("re-queued chunk carries checksum %q, want server checksum %q", job.ChunksToDownload[0].ChunkChecksum, second.Checksum)
	}
}

// testChunkRoundTrip tests device chunk upload, download, probe, and delete.
func (h *Harness) testChunkRoundTrip(t *testing.T) {
	token := h.RegisterDevice(t, "conf-chunk-device", "org-chunks")
	payload := bytes.Repeat([]byte("weather charts "), 4096)

	resp := h.Do(t, http.MethodPost, "/v1/efb/chunks", token, payload, map[string]string{
		"X-EFB-Device-Id":   "conf-chunk-device",
		"X-EFB-Bundle-Id":   "conf-bundle-charts",
		"X-EFB-Chunk-Index": "0",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chunk upload returned status %d", resp.StatusCode)
	}
	var result model.ChunkUploadResult
	decodeData(t, resp, &result)
	if result.SizeBytes != int64(len(payload)) {
		t.Errorf("upload size = %d, want %d", result.SizeBytes, len(payload))
	}

	resp = h.Do(t, http.MethodHead, "/v1/efb/chunks/conf-chunk-device/conf-bundle-charts/0", token, nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("chunk probe returned status %d, want 200", resp.StatusCode)
	}

	resp = h.Do(t, http.MethodGet, "/v1/efb/chunks/conf-chunk-device/conf-bundle-charts/0", token, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chunk download returned status %d", resp.StatusCode)
	}
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("failed to read chunk body: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("downloaded chunk differs from uploaded payload")
	}
	if resp.Header.Get("X-EFB-Checksum") != result.Checksum {
		t.Errorf("download checksum header = %q, want %q", resp.Header.Get("X-EFB-Checksum"), result.Checksum)
	}

	resp = h.Do(t, http.MethodDelete, "/v1/efb/chunks/conf-chunk-device/conf-bundle-charts/0", token, nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("chunk delete returned status %d, want 200", resp.StatusCode)
	}

	resp = h.Do(t, http.MethodHead, "/v1/efb/chunks/conf-chunk-device/conf-bundle-charts/0", token, nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("probe after delete returned status %d, want 404", resp.StatusCode)
	}
}

// testConflictResolution tests settlement of an offline edit, including
// idempotent replay.
func (h *Harness) testConflictResolution(t *testing.T) {
	token := h.RegisterDevice(t, "conf-conflict-device", "org-conflicts")

	serverTime := time.Now().UTC().Add(-2 * time.Hour)
	if err := h.store.PutEntityRecord(context.Background(), model.EntityRecord{
		EntityType: model.ContentHighlight,
		EntityID:   "conf-highlight-1",
		DeviceID:   "conf-conflict-device",
		Content:    "server highlight",
		UpdatedAt:  serverTime,
		Version:    1,
	}); err != nil {
		t.Fatalf("failed to seed entity record: %v", err)
	}

	payload, _ := json.Marshal(model.ConflictSubmitRequest{
		EntityType: model.ContentHighlight,
		EntityID:   "conf-highlight-1",
		DeviceID:   "conf-conflict-device",
		ClientRecord: model.ClientRecord{
			Content:   "client highlight",
			UpdatedAt: serverTime.Add(time.Hour),
		},
	})

	// The client edit is newer and within 24h, so the client wins
	resp := h.Do(t, http.MethodPost, "/v1/efb/conflicts/resolve", token, payload, map[string]string{
		"Content-Type":    "application/json",
		"Idempotency-Key": "conf-key-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("conflict submit returned status %d", resp.StatusCode)
	}
	var settle model.ConflictResolveResponse
	decodeData(t, resp, &settle)
	if !settle.ConflictDetected || settle.ConflictType != model.ConflictContent {
		t.Fatalf("settlement: detected=%v type=%s, want true/CONTENT", settle.ConflictDetected, settle.ConflictType)
	}
	if settle.Strategy != model.StrategyClientWins || settle.Data == nil || settle.Data.Content != "client highlight" {
		t.Errorf("settlement strategy = %s, want CLIENT_WINS with client payload", settle.Strategy)
	}

	// Same key, same body: the recorded settlement replays
	resp = h.Do(t, http.MethodPost, "/v1/efb/conflicts/resolve", token, payload, map[string]string{
		"Content-Type":    "application/json",
		"Idempotency-Key": "conf-key-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("conflict replay returned status %d", resp.StatusCode)
	}
	var replay model.ConflictResolveResponse
	decodeData(t, resp, &replay)
	if replay.Strategy != settle.Strategy {
		t.Errorf("replayed strategy = %s, want %s", replay.Strategy, settle.Strategy)
	}

	// Same key, different body: conflict error
	altered, _ := json.Marshal(model.ConflictSubmitRequest{
		EntityType: model.ContentHighlight,
		EntityID:   "conf-highlight-1",
		DeviceID:   "conf-conflict-device",
		ClientRecord: model.ClientRecord{
			Content:   "a different edit",
			UpdatedAt: time.Now().UTC(),
		},
	})
	resp = h.Do(t, http.MethodPost, "/v1/efb/conflicts/resolve", token, altered, map[string]string{
		"Content-Type":    "application/json",
		"Idempotency-Key": "conf-key-1",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("key reuse with different body returned status %d, want 409", resp.StatusCode)
	}
}
