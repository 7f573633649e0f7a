// internal/policy/client.go
// Package policy fetches device-management policies and feature flags from
// the platform's policy API. Sync checks attach the results to their
// responses so devices pick up operator configuration without a second
// round trip.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/skymanuals/skymanuals-efb-go/internal/model"
)

// Client calls the platform policy API.
type Client struct {
	base string       // Base URL of the policy API
	hc   *http.Client // HTTP client with custom configuration
}

// New creates a policy client with the specified base URL.
// It configures appropriate timeouts for policy API requests.
func New(baseURL string) *Client {
	// Configure HTTP transport with connection timeouts
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}

	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 3 * time.Second},
	}
}

// ApplicablePolicies returns the policies targeting one device's platform
// and model. Organizations unknown to the policy API have no policies; that
// is not an error.
func (c *Client) ApplicablePolicies(ctx context.Context, orgID, deviceModel, platform string) ([]model.Policy, error) {
	u, _ := url.Parse(c.base)
	u.Path = "/v1/policies"
	q := u.Query()
	q.Set("orgId", orgID)
	q.Set("deviceModel", deviceModel)
	q.Set("platform", platform)
	u.RawQuery = q.Encode()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			Policies []model.Policy `json:"policies"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, err
		}
		return body.Policies, nil
	case http.StatusNotFound:
		return []model.Policy{}, nil
	default:
		return nil, fmt.Errorf("policy lookup failed: %s", resp.Status)
	}
}

// FeatureFlags returns the feature toggles for one device under the given
// policies.
func (c *Client) FeatureFlags(ctx context.Context, deviceID string, policies []model.Policy) ([]model.FeatureFlag, error) {
	u, _ := url.Parse(c.base)
	u.Path = "/v1/feature-flags"
	q := u.Query()
	q.Set("deviceId", deviceID)
	for _, p := range policies {
		q.Add("policyId", p.ID)
	}
	u.RawQuery = q.Encode()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			Flags []model.FeatureFlag `json:"flags"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, err
		}
		return body.Flags, nil
	case http.StatusNotFound:
		return []model.FeatureFlag{}, nil
	default:
		return nil, fmt.Errorf("feature flag lookup failed: %s", resp.Status)
	}
}
