// internal/policy/static.go
package policy

import (
	"context"
	"strings"

	"github.com/skymanuals/skymanuals-efb-go/internal/model"
)

// Static serves a fixed policy and flag set without a policy API. Used by
// deployments that do not run device management, and by tests.
type Static struct {
	policies []model.Policy
	flags    []model.FeatureFlag
}

// NewStatic creates a provider over fixed policies and flags. Both may be
// nil.
func NewStatic(policies []model.Policy, flags []model.FeatureFlag) *Static {
	return &Static{policies: policies, flags: flags}
}

// ApplicablePolicies filters the configured policies by platform and model.
// A policy targets a device when each targeting field is empty, ALL, or an
// exact match.
func (s *Static) ApplicablePolicies(ctx context.Context, orgID, deviceModel, platform string) ([]model.Policy, error) {
	out := make([]model.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		if targets(p.Platform, platform) && targets(p.DeviceModel, deviceModel) {
			out = append(out, p)
		}
	}
	return out, nil
}

// FeatureFlags returns the configured flags unconditionally.
func (s *Static) FeatureFlags(ctx context.Context, deviceID string, policies []model.Policy) ([]model.FeatureFlag, error) {
	return append([]model.FeatureFlag(nil), s.flags...), nil
}

func targets(target, actual string) bool {
	return target == "" || target == "ALL" || strings.EqualFold(target, actual)
}
