// internal/schema/validator.go
// Package schema provides JSON schema validation for EFB API request bodies.
// Every mutating request is validated against its schema before it is decoded,
// so malformed payloads are rejected with field-level detail instead of
// surfacing as zero values deep inside the sync engine.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Request kinds understood by the validator. Handlers pass one of these
// when validating an incoming body.
const (
	KindDeviceRegister = "com.skymanuals.efb.device.register"
	KindSyncCheck      = "com.skymanuals.efb.sync.check"
	KindSyncPlan       = "com.skymanuals.efb.sync.plan"
	KindManifestReport = "com.skymanuals.efb.manifest.report"
	KindConflictSubmit = "com.skymanuals.efb.conflict.submit"
)

// SupportedKinds lists all request kinds that are supported for schema
// validation. Only payloads belonging to these kinds can be validated.
var SupportedKinds = map[string]bool{
	KindDeviceRegister: true,
	KindSyncCheck:      true,
	KindSyncPlan:       true,
	KindManifestReport: true,
	KindConflictSubmit: true,
}

// SchemaVersions maps request kinds to their current schema versions.
// These are the static fallbacks used when no resolver is configured;
// a resolver backed by the schema index overrides them at runtime.
var SchemaVersions = map[string]string{
	KindDeviceRegister: "1.0.0",
	KindSyncCheck:      "1.0.0",
	KindSyncPlan:       "1.0.0",
	KindManifestReport: "1.0.0",
	KindConflictSubmit: "1.0.0",
}

// Validator validates request payloads against JSON schemas.
type Validator struct {
	schemas  map[string]*gojsonschema.Schema
	resolver *Resolver
}

// NewValidator creates a validator with all supported schemas compiled.
// Version resolution is static until SetResolver wires in a schema index.
func NewValidator() (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]*gojsonschema.Schema),
	}

	if err := v.loadSchemas(); err != nil {
		return nil, fmt.Errorf("failed to load schemas: %w", err)
	}

	return v, nil
}

// SetResolver sets the schema resolver for dynamic version resolution.
func (v *Validator) SetResolver(resolver *Resolver) {
	v.resolver = resolver
}

// loadSchemas compiles the JSON schemas for all supported request kinds.
// The schemas mirror the wire types in internal/model and are kept inline
// so the binary validates without network access.
func (v *Validator) loadSchemas() error {
	// Device registration. The device ID is optional; when omitted the
	// service derives it from the token subject.
	registerSchema := `{"type":"object","required":["orgId","model","platform"],"properties":{"deviceId":{"type":"string","maxLength":128},"orgId":{"type":"string","minLength":1,"maxLength":128},"model":{"type":"string","minLength":1,"maxLength":128},"platform":{"type":"string","minLength":1,"maxLength":64}}}`
	if err := v.loadSchema(KindDeviceRegister, registerSchema); err != nil {
		return fmt.Errorf("failed to load device register schema: %w", err)
	}

	// Sync check. Cached manifests describe what the device already holds;
	// the status block is informational telemetry.
	checkSchema := `{"type":"object","required":["deviceId"],"properties":{"deviceId":{"type":"string","minLength":1},"cachedManifests":{"type":"array","items":{"type":"object","required":["readerBundleId","bundleVersion"],"properties":{"readerBundleId":{"type":"string","minLength":1},"bundleVersion":{"type":"string","minLength":1},"manifestChecksum":{"type":"string"},"chunkChecksums":{"type":"array","items":{"type":"string"}},"lastModified":{"type":"string","format":"date-time"}}}},"status":{"type":"object","properties":{"networkStatus":{"type":"string","enum":["WIFI","CELLULAR","OFFLINE"]},"batteryLevel":{"type":"integer","minimum":0,"maximum":100},"availableStorageMB":{"type":"integer","minimum":0}}}}}`
	if err := v.loadSchema(KindSyncCheck, checkSchema); err != nil {
		return fmt.Errorf("failed to load sync check schema: %w", err)
	}

	// Sync plan. Scenario drives urgency, bandwidth, and compliance rules,
	// so an unknown value is rejected here rather than defaulted.
	planSchema := `{"type":"object","required":["deviceId","scenario"],"properties":{"deviceId":{"type":"string","minLength":1},"scenario":{"type":"string","enum":["EMERGENCY","PRE_FLIGHT","MID_FLIGHT","EXTENDED_OFFLINE","ROUTINE"]}}}`
	if err := v.loadSchema(KindSyncPlan, planSchema); err != nil {
		return fmt.Errorf("failed to load sync plan schema: %w", err)
	}

	// Manifest report. Devices post these after finishing a download so the
	// server-side view of the cache stays current.
	manifestSchema := `{"type":"object","required":["deviceId","readerBundleId","bundleVersion","chunkCount","totalSizeBytes","checksum"],"properties":{"deviceId":{"type":"string","minLength":1},"readerBundleId":{"type":"string","minLength":1},"bundleVersion":{"type":"string","minLength":1},"chunkCount":{"type":"integer","minimum":0},"totalSizeBytes":{"type":"integer","minimum":0},"checksum":{"type":"string"},"lastModified":{"type":"string","format":"date-time"}}}`
	if err := v.loadSchema(KindManifestReport, manifestSchema); err != nil {
		return fmt.Errorf("failed to load manifest report schema: %w", err)
	}

	// Conflict submission. The client record carries the device's local copy
	// of a user-content entity for comparison against the server record.
	conflictSchema := `{"type":"object","required":["entityType","entityId","deviceId","clientRecord"],"properties":{"entityType":{"type":"string","enum":["HIGHLIGHT","NOTE","ANNOTATION"]},"entityId":{"type":"string","minLength":1,"maxLength":128},"deviceId":{"type":"string","minLength":1},"clientRecord":{"type":"object","required":["content","updatedAt"],"properties":{"content":{"type":"string","maxLength":65536},"metadata":{"type":"object"},"isPrivate":{"type":"boolean"},"updatedAt":{"type":"string","format":"date-time"}}}}}`
	if err := v.loadSchema(KindConflictSubmit, conflictSchema); err != nil {
		return fmt.Errorf("failed to load conflict submit schema: %w", err)
	}

	return nil
}

// loadSchema compiles a single schema and stores it under its kind.
func (v *Validator) loadSchema(kind, schemaJSON string) error {
	loader := gojsonschema.NewStringLoader(schemaJSON)

	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", kind, err)
	}

	v.schemas[kind] = schema
	return nil
}

// Validate validates a raw request payload against the schema for its kind.
// Returns the schema version used for validation; a version carrying the
// ":deprecated" suffix signals that the schema index has marked the kind
// deprecated, which callers may reject or log depending on policy.
func (v *Validator) Validate(kind string, payload []byte) (string, error) {
	if !SupportedKinds[kind] {
		return "", fmt.Errorf("unsupported request kind: %s", kind)
	}

	schema, exists := v.schemas[kind]
	if !exists {
		return "", fmt.Errorf("schema not found for kind: %s", kind)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return "", fmt.Errorf("validation error: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return "", fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}

	return v.schemaVersion(kind), nil
}

// schemaVersion resolves the version for a kind, preferring the resolver's
// index over the static table. Resolution failures fall back to the static
// version; validation already passed, so a stale index is not fatal.
func (v *Validator) schemaVersion(kind string) string {
	if v.resolver != nil {
		if version, deprecated, err := v.resolver.ResolveSchemaVersion(kind); err == nil {
			if deprecated {
				return version + ":deprecated"
			}
			return version
		}
	}

	if version, exists := SchemaVersions[kind]; exists {
		return version
	}
	return "1.0.0"
}

// ResolveSchemaVersion resolves a request kind to its latest stable version.
func (v *Validator) ResolveSchemaVersion(kind string) (string, bool, error) {
	if v.resolver == nil {
		version, exists := SchemaVersions[kind]
		if !exists {
			return "", false, fmt.Errorf("unsupported request kind: %s", kind)
		}
		return version, false, nil
	}
	return v.resolver.ResolveSchemaVersion(kind)
}
