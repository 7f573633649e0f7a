package schema

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	require.NoError(t, err)
	return v
}

func TestValidateAcceptsWellFormedRequests(t *testing.T) {
	v := newTestValidator(t)

	payloads := map[string]string{
		KindDeviceRegister: `{"orgId":"org-pacific","model":"iPad Pro 11","platform":"ios"}`,
		KindSyncCheck:      `{"deviceId":"ipad-001","cachedManifests":[{"readerBundleId":"bundle-a320-qrh","bundleVersion":"2.3.0","manifestChecksum":"abc","chunkChecksums":["c0","c1"]}],"status":{"networkStatus":"WIFI","batteryLevel":82,"availableStorageMB":2048}}`,
		KindSyncPlan:       `{"deviceId":"ipad-001","scenario":"PRE_FLIGHT"}`,
		KindManifestReport: `{"deviceId":"ipad-001","readerBundleId":"bundle-a320-qrh","bundleVersion":"2.3.0","chunkCount":12,"totalSizeBytes":48000000,"checksum":"deadbeef"}`,
		KindConflictSubmit: `{"entityType":"HIGHLIGHT","entityId":"hl-001","deviceId":"ipad-001","clientRecord":{"content":"Engine fire memory items","isPrivate":true,"updatedAt":"2025-03-10T12:00:00Z"}}`,
	}

	for kind, payload := range payloads {
		version, err := v.Validate(kind, []byte(payload))
		require.NoError(t, err, "kind %s", kind)
		assert.Equal(t, "1.0.0", version)
	}
}

func TestValidateRejectsMalformedRequests(t *testing.T) {
	v := newTestValidator(t)

	cases := []struct {
		name    string
		kind    string
		payload string
		wantErr string
	}{
		{
			name:    "register missing org",
			kind:    KindDeviceRegister,
			payload: `{"model":"iPad Pro 11","platform":"ios"}`,
			wantErr: "orgId",
		},
		{
			name:    "plan with unknown scenario",
			kind:    KindSyncPlan,
			payload: `{"deviceId":"ipad-001","scenario":"PANIC"}`,
			wantErr: "scenario",
		},
		{
			name:    "plan missing device",
			kind:    KindSyncPlan,
			payload: `{"scenario":"EMERGENCY"}`,
			wantErr: "deviceId",
		},
		{
			name:    "check with battery out of range",
			kind:    KindSyncCheck,
			payload: `{"deviceId":"ipad-001","status":{"batteryLevel":140}}`,
			wantErr: "batteryLevel",
		},
		{
			name:    "conflict with unknown entity type",
			kind:    KindConflictSubmit,
			payload: `{"entityType":"BOOKMARK","entityId":"bm-1","deviceId":"ipad-001","clientRecord":{"content":"x","updatedAt":"2025-03-10T12:00:00Z"}}`,
			wantErr: "entityType",
		},
		{
			name:    "conflict record missing timestamp",
			kind:    KindConflictSubmit,
			payload: `{"entityType":"NOTE","entityId":"n-1","deviceId":"ipad-001","clientRecord":{"content":"x"}}`,
			wantErr: "updatedAt",
		},
		{
			name:    "manifest with negative chunk count",
			kind:    KindManifestReport,
			payload: `{"deviceId":"ipad-001","readerBundleId":"b","bundleVersion":"1","chunkCount":-1,"totalSizeBytes":0,"checksum":"c"}`,
			wantErr: "chunkCount",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Validate(tc.kind, []byte(tc.payload))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateRejectsUnknownKind(t *testing.T) {
	v := newTestValidator(t)

	_, err := v.Validate("com.skymanuals.efb.unknown", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported request kind")
}

func TestResolverResolvesFromIndex(t *testing.T) {
	index := SchemaIndex{
		GeneratedAt: time.Now().UTC(),
		Schemas: []SchemaInfo{
			{Kind: KindSyncPlan, Versions: []string{"1.0.0", "1.1.0"}, LatestStable: "1.1.0", Status: "stable"},
			{Kind: KindSyncCheck, Versions: []string{"1.0.0"}, LatestStable: "1.0.0", Status: "deprecated"},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/SCHEMA_INDEX.json", r.URL.Path)
		require.NoError(t, json.NewEncoder(w).Encode(index))
	}))
	defer srv.Close()

	r := NewResolver(srv.URL, t.TempDir())

	version, deprecated, err := r.ResolveSchemaVersion(KindSyncPlan)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", version)
	assert.False(t, deprecated)

	version, deprecated, err = r.ResolveSchemaVersion(KindSyncCheck)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", version)
	assert.True(t, deprecated)

	// Kinds absent from the index fall back to the static table.
	version, deprecated, err = r.ResolveSchemaVersion(KindConflictSubmit)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersions[KindConflictSubmit], version)
	assert.False(t, deprecated)
}

func TestResolverUsesDiskCacheWhenRemoteUnreachable(t *testing.T) {
	cacheDir := t.TempDir()
	index := SchemaIndex{
		GeneratedAt: time.Now().UTC(),
		Schemas: []SchemaInfo{
			{Kind: KindDeviceRegister, LatestStable: "1.2.0", Status: "stable"},
		},
	}
	data, err := json.Marshal(index)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "SCHEMA_INDEX.json"), data, 0644))

	// Point at a server that is already closed so any fetch attempt fails.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	r := NewResolver(srv.URL, cacheDir)

	version, deprecated, err := r.ResolveSchemaVersion(KindDeviceRegister)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", version)
	assert.False(t, deprecated)
}

func TestValidatorMarksDeprecatedVersions(t *testing.T) {
	index := SchemaIndex{
		GeneratedAt: time.Now().UTC(),
		Schemas: []SchemaInfo{
			{Kind: KindSyncPlan, LatestStable: "1.0.0", Status: "deprecated"},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(index))
	}))
	defer srv.Close()

	v := newTestValidator(t)
	v.SetResolver(NewResolver(srv.URL, t.TempDir()))

	version, err := v.Validate(KindSyncPlan, []byte(`{"deviceId":"ipad-001","scenario":"ROUTINE"}`))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0:deprecated", version)
}

func TestValidatorFallsBackWhenResolverFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	v := newTestValidator(t)
	v.SetResolver(NewResolver(srv.URL, t.TempDir()))

	version, err := v.Validate(KindSyncPlan, []byte(`{"deviceId":"ipad-001","scenario":"ROUTINE"}`))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", version)
}

func TestResolverRejectsUnknownKind(t *testing.T) {
	r := NewResolver("http://127.0.0.1:0", t.TempDir())
	_, _, err := r.ResolveSchemaVersion("com.skymanuals.efb.bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("unsupported request kind: %s", "com.skymanuals.efb.bogus"))
}
