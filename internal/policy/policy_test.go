package policy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skymanuals/skymanuals-efb-go/internal/model"
)

func TestClientApplicablePolicies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/policies", r.URL.Path)
		assert.Equal(t, "org-1", r.URL.Query().Get("orgId"))
		assert.Equal(t, "iPad Pro", r.URL.Query().Get("deviceModel"))
		assert.Equal(t, "ios", r.URL.Query().Get("platform"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"policies":[{"id":"pol-1","name":"Cabin iPads","platform":"ios","deviceModel":"ALL","rules":{"maxCacheMB":2048}}]}`))
	}))
	defer srv.Close()

	client := New(srv.URL)
	policies, err := client.ApplicablePolicies(context.Background(), "org-1", "iPad Pro", "ios")
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, "pol-1", policies[0].ID)
	assert.Equal(t, float64(2048), policies[0].Rules["maxCacheMB"])
}

func TestClientPoliciesNotFoundIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := New(srv.URL)
	policies, err := client.ApplicablePolicies(context.Background(), "org-unknown", "iPad", "ios")
	require.NoError(t, err)
	assert.Empty(t, policies)
}

func TestClientPoliciesServerErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New(srv.URL)
	_, err := client.ApplicablePolicies(context.Background(), "org-1", "iPad", "ios")
	require.Error(t, err)
}

func TestClientFeatureFlags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/feature-flags", r.URL.Path)
		assert.Equal(t, "dev-1", r.URL.Query().Get("deviceId"))
		assert.Equal(t, []string{"pol-1", "pol-2"}, r.URL.Query()["policyId"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"flags":[{"key":"offline-charts","enabled":true},{"key":"beta-reader","enabled":false}]}`))
	}))
	defer srv.Close()

	client := New(srv.URL)
	flags, err := client.FeatureFlags(context.Background(), "dev-1", []model.Policy{{ID: "pol-1"}, {ID: "pol-2"}})
	require.NoError(t, err)
	require.Len(t, flags, 2)
	assert.Equal(t, "offline-charts", flags[0].Key)
	assert.True(t, flags[0].Enabled)
}

func TestStaticFiltersByTarget(t *testing.T) {
	static := NewStatic([]model.Policy{
		{ID: "all", Platform: "ALL", DeviceModel: "ALL"},
		{ID: "ios-only", Platform: "ios", DeviceModel: "ALL"},
		{ID: "android-only", Platform: "android", DeviceModel: "ALL"},
		{ID: "ipad-pro", Platform: "ios", DeviceModel: "iPad Pro"},
		{ID: "untargeted"},
	}, []model.FeatureFlag{{Key: "offline-charts", Enabled: true}})

	policies, err := static.ApplicablePolicies(context.Background(), "org-1", "iPad Pro", "ios")
	require.NoError(t, err)

	ids := make([]string, 0, len(policies))
	for _, p := range policies {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"all", "ios-only", "ipad-pro", "untargeted"}, ids)

	flags, err := static.FeatureFlags(context.Background(), "dev-1", policies)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.True(t, flags[0].Enabled)
}
