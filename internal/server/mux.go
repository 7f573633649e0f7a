// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the EFB sync
// service. It provides endpoints for device registration, delta sync checks,
// priority-based sync planning, chunk transfer, manifest reporting, and
// conflict resolution, with JWT authentication and schema validation.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/skymanuals/skymanuals-efb-go/internal/chunkstore"
	"github.com/skymanuals/skymanuals-efb-go/internal/conflict"
	"github.com/skymanuals/skymanuals-efb-go/internal/delta"
	errordefs "github.com/skymanuals/skymanuals-efb-go/internal/errors"
	"github.com/skymanuals/skymanuals-efb-go/internal/jwks"
	"github.com/skymanuals/skymanuals-efb-go/internal/metrics"
	"github.com/skymanuals/skymanuals-efb-go/internal/model"
	"github.com/skymanuals/skymanuals-efb-go/internal/planner"
	"github.com/skymanuals/skymanuals-efb-go/internal/schema"
	"github.com/skymanuals/skymanuals-efb-go/internal/storage"
	"github.com/skymanuals/skymanuals-efb-go/internal/telemetry"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// Context keys for storing request-scoped values
	ContextKeySubject       ContextKey = "subject"       // JWT subject (device or service account)
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	// maxJSONBody caps JSON request bodies. EFB request payloads are small;
	// anything near this size is malformed or hostile.
	maxJSONBody = 1 << 20
)

// Mux handles HTTP requests for the EFB sync service. It wires the sync
// engine components behind the HTTP surface and owns cross-cutting request
// concerns such as auth, correlation IDs, and schema validation.
type Mux struct {
	mux       *http.ServeMux     // HTTP request multiplexer
	s         storage.Store      // Storage interface for devices, catalog, and manifests
	planner   *planner.Planner   // Priority-based sync planner
	delta     *delta.Detector    // Delta sync detection
	chunks    *chunkstore.Store  // Compressed chunk storage
	conflicts *conflict.Resolver // Offline edit conflict resolution

	jwksClient  *jwks.Client      // JWKS client for JWT validation
	jwtIssuer   string            // Expected JWT issuer for validation
	jwtAudience string            // Expected JWT audience for validation
	validator   *schema.Validator // Request body schema validation
	metrics     *metrics.Metrics  // Metrics for monitoring

	// Upload limits
	maxChunkBytes int64 // Maximum chunk payload size in bytes

	// Schema policy
	rejectDeprecatedSchemas bool // Whether to reject requests against deprecated schemas

	// CORS configuration
	corsAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// NewMux creates a new HTTP mux with all EFB sync endpoints.
// Parameters:
//   - s: Storage interface for data persistence
//   - pl: Sync planner for scenario-driven download plans
//   - det: Delta detector for sync checks
//   - chunks: Chunk store for compressed content transfer
//   - conflicts: Resolver for offline edit conflicts
//   - jwtIssuer: Expected JWT issuer for validation
//   - jwtAudience: Expected JWT audience for validation
//   - maxChunkBytes: Upper bound for chunk payloads
//   - jwksClient: JWKS client, or nil to discover keys from the issuer
//   - schemaURL: Schema index URL for version resolution, empty for static versions
//   - rejectDeprecatedSchemas: Whether to reject requests against deprecated schemas
func NewMux(s storage.Store, pl *planner.Planner, det *delta.Detector, chunks *chunkstore.Store, conflicts *conflict.Resolver, jwtIssuer, jwtAudience string, maxChunkBytes int64, jwksClient *jwks.Client, schemaURL string, rejectDeprecatedSchemas bool) *http.ServeMux {
	validator, err := schema.NewValidator()
	if err != nil {
		slog.Error("failed to initialize schema validator", "error", err)
		os.Exit(1)
	}

	// Use provided JWKS client or discover keys from the issuer
	if jwksClient == nil {
		jwksClient = jwks.NewClient(fmt.Sprintf("%s/.well-known/jwks.json", jwtIssuer))
	}

	// Dynamic schema version resolution is optional; without an index URL
	// the validator falls back to its static version table.
	if schemaURL != "" {
		validator.SetResolver(schema.NewResolver(schemaURL, "/tmp/skymanuals-efb-schema-cache"))
	}

	m := &Mux{
		mux:                     http.NewServeMux(),
		s:                       s,
		planner:                 pl,
		delta:                   det,
		chunks:                  chunks,
		conflicts:               conflicts,
		jwksClient:              jwksClient,
		jwtIssuer:               jwtIssuer,
		jwtAudience:             jwtAudience,
		validator:               validator,
		metrics:                 metrics.NewMetrics(),
		maxChunkBytes:           maxChunkBytes,
		rejectDeprecatedSchemas: rejectDeprecatedSchemas,
	}

	// Register health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// Device lifecycle
	m.mux.HandleFunc("/v1/efb/devices", m.method("POST", m.withMiddleware(m.handleRegisterDevice)))
	m.mux.HandleFunc("/v1/efb/devices/", m.method("GET", m.withMiddleware(m.handleGetDevice)))

	// Sync engine
	m.mux.HandleFunc("/v1/efb/sync/check", m.method("POST", m.withMiddleware(m.handleSyncCheck)))
	m.mux.HandleFunc("/v1/efb/sync/plan", m.method("POST", m.withMiddleware(m.handleSyncPlan)))
	m.mux.HandleFunc("/v1/efb/manifests", m.method("POST", m.withMiddleware(m.handleManifestReport)))

	// Chunk transfer. The prefix route serves GET, HEAD, and DELETE on
	// /v1/efb/chunks/{deviceId}/{bundleId}/{chunkIndex}.
	m.mux.HandleFunc("/v1/efb/chunks", m.method("POST", m.withMiddleware(m.handleUploadChunk)))
	m.mux.HandleFunc("/v1/efb/chunks/", m.withMiddleware(m.handleDeviceChunk))

	// Canonical bundle staging, used by the publishing pipeline
	m.mux.HandleFunc("/v1/efb/bundles/", m.method("POST", m.withMiddleware(m.handleStageBundleChunk)))

	// Conflict resolution
	m.mux.HandleFunc("/v1/efb/conflicts/resolve", m.method("POST", m.withMiddleware(m.handleResolveConflict)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			err := errordefs.New(errordefs.EFB_BAD_REQUEST, "method not allowed", "")
			m.writeErrorDef(w, err)
			return
		}
		h(w, r)
	}
}

// withMiddleware applies common middleware to handlers
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Handle CORS preflight requests
		if r.Method == "OPTIONS" {
			if len(m.corsAllowedOrigins) > 0 {
				origin := r.Header.Get("Origin")
				if origin != "" && m.originAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id, Idempotency-Key, X-EFB-Device-Id, X-EFB-Bundle-Id, X-EFB-Chunk-Index")
					w.Header().Set("Access-Control-Max-Age", "86400")
				}
			}
			w.WriteHeader(http.StatusOK)
			return
		}

		// Set CORS headers for regular requests
		if len(m.corsAllowedOrigins) > 0 {
			origin := r.Header.Get("Origin")
			if origin != "" && m.originAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		// Every EFB endpoint requires a token from the fleet identity
		// provider. The subject is the device ID for device tokens or a
		// service-account name for the publishing pipeline.
		if strings.HasPrefix(r.URL.Path, "/v1/efb/") {
			subject, err := m.validateJWT(r)
			if err != nil {
				var errorDef *errordefs.Error
				if e, ok := err.(*errordefs.Error); ok {
					errorDef = e
					errorDef.CorrelationID = correlationID
				} else {
					errorDef = errordefs.New(errordefs.EFB_AUTHZ, err.Error(), correlationID)
				}
				m.writeErrorDef(w, errorDef)
				m.logRequest(r, errorDef.HTTPStatus, time.Since(start), correlationID, err)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), ContextKeySubject, subject))
		}

		h(w, r)
	}
}

// originAllowed reports whether a CORS origin is in the allow list.
func (m *Mux) originAllowed(origin string) bool {
	for _, allowed := range m.corsAllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// validateJWT validates a JWT and extracts the subject using JWKS
func (m *Mux) validateJWT(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errordefs.New(errordefs.EFB_AUTHN, "missing Authorization header", "")
	}

	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", errordefs.New(errordefs.EFB_AUTHN, "invalid Authorization header format", "")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")

	claims, err := m.jwksClient.ValidateJWT(r.Context(), tokenString, m.jwtIssuer, m.jwtAudience)
	if err != nil {
		// Map specific JWT validation errors to appropriate error codes
		errStr := err.Error()
		switch {
		case strings.Contains(errStr, "expired"):
			return "", errordefs.New(errordefs.EFB_JWT_EXPIRED, "JWT token expired", "")
		case strings.Contains(errStr, "invalid issuer"):
			return "", errordefs.New(errordefs.EFB_JWT_INVALID, "invalid JWT issuer", "")
		case strings.Contains(errStr, "invalid audience"):
			return "", errordefs.New(errordefs.EFB_JWT_INVALID, "invalid JWT audience", "")
		case strings.Contains(errStr, "kid"):
			return "", errordefs.New(errordefs.EFB_JWT_MALFORMED, "missing or invalid kid in JWT header", "")
		case strings.Contains(errStr, "key"):
			return "", errordefs.New(errordefs.EFB_JWT_INVALID, "failed to get key for JWT validation", "")
		case strings.Contains(errStr, "signature"), strings.Contains(errStr, "verify"):
			return "", errordefs.New(errordefs.EFB_JWT_INVALID, "invalid JWT signature", "")
		default:
			return "", errordefs.New(errordefs.EFB_JWT_INVALID, fmt.Sprintf("failed to validate JWT: %v", err), "")
		}
	}

	subject, ok := claims["sub"].(string)
	if !ok || subject == "" {
		return "", errordefs.New(errordefs.EFB_JWT_INVALID, "missing or invalid sub claim", "")
	}

	return subject, nil
}

// requireDeviceMatch enforces that a request acts only on the device named
// in its own token. Returns a ready-to-write error on mismatch.
func (m *Mux) requireDeviceMatch(ctx context.Context, deviceID string) *errordefs.Error {
	subject, _ := ctx.Value(ContextKeySubject).(string)
	if deviceID != subject {
		correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)
		return errordefs.New(errordefs.EFB_DEVICE_MISMATCH, "device ID must match token subject", correlationID)
	}
	return nil
}

// decodeValidated reads a JSON request body, validates it against the schema
// for kind, enforces the deprecation policy, and unmarshals into dst.
// The raw payload is returned for callers that hash it.
func (m *Mux) decodeValidated(r *http.Request, kind string, dst interface{}, correlationID string) ([]byte, *errordefs.Error) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
	if err != nil {
		return nil, errordefs.New(errordefs.EFB_VALIDATION, "failed to read request body", correlationID)
	}
	if len(payload) == 0 {
		return nil, errordefs.New(errordefs.EFB_VALIDATION, "request body is required", correlationID)
	}
	if !json.Valid(payload) {
		return nil, errordefs.New(errordefs.EFB_VALIDATION, "invalid JSON", correlationID)
	}

	schemaVersion, err := m.validator.Validate(kind, payload)
	if err != nil {
		return nil, errordefs.NewWithDetails(errordefs.EFB_SCHEMA_REJECT, fmt.Sprintf("schema validation failed: %v", err), correlationID, err.Error())
	}

	if strings.HasSuffix(schemaVersion, ":deprecated") {
		version := strings.TrimSuffix(schemaVersion, ":deprecated")
		if m.rejectDeprecatedSchemas {
			return nil, errordefs.New(errordefs.EFB_SCHEMA_REJECT, fmt.Sprintf("schema version %s for %s is deprecated", version, kind), correlationID)
		}
		slog.Warn("request validated against deprecated schema", "kind", kind, "version", version)
	}

	if err := json.Unmarshal(payload, dst); err != nil {
		return nil, errordefs.New(errordefs.EFB_VALIDATION, "invalid JSON", correlationID)
	}
	return payload, nil
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeError writes an error response following the EFB error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"error": map[string]interface{}{
			"code":          code,
			"message":       message,
			"correlationId": correlationID,
		},
	}

	if details != nil {
		response["error"].(map[string]interface{})["details"] = details
	}

	_ = json.NewEncoder(w).Encode(response)
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// logRequest logs request details and records the HTTP metrics
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	route := routeLabel(r.URL.Path)
	m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(duration.Seconds())

	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}

	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}

	if subject, ok := r.Context().Value(ContextKeySubject).(string); ok && subject != "" {
		attrs = append(attrs, slog.String("subject", subject))
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	} else {
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// routeLabel collapses path parameters so metric label cardinality stays
// bounded by the number of routes, not devices.
func routeLabel(path string) string {
	for _, prefix := range []string{"/v1/efb/chunks/", "/v1/efb/devices/", "/v1/efb/bundles/"} {
		if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
			return prefix
		}
	}
	return path
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// The service is ready when its storage backend answers
	if err := m.s.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleRegisterDevice handles POST /v1/efb/devices
func (m *Mux) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleRegisterDevice")
	defer span.End()
	defer r.Body.Close()
	start := time.Now()
	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	var req model.RegisterDeviceRequest
	if _, errDef := m.decodeValidated(r, schema.KindDeviceRegister, &req, correlationID); errDef != nil {
		span.SetStatus(codes.Error, errDef.Message)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}

	span.SetAttributes(
		attribute.String("org_id", req.OrgID),
		attribute.String("device_model", req.Model),
		attribute.String("platform", req.Platform),
	)

	// Device tokens carry the device ID as subject. A missing deviceId in
	// the body means the device is enrolling under its token identity.
	subject, _ := ctx.Value(ContextKeySubject).(string)
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = subject
	}
	if errDef := m.requireDeviceMatch(ctx, deviceID); errDef != nil {
		span.SetStatus(codes.Error, "device mismatch")
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}

	now := time.Now().UTC()
	device := model.Device{
		ID:           deviceID,
		OrgID:        req.OrgID,
		Model:        req.Model,
		Platform:     req.Platform,
		RegisteredAt: now,
		LastSeenAt:   now,
	}

	if err := m.s.RegisterDevice(ctx, device); err != nil {
		span.SetStatus(codes.Error, "failed to register device")
		if errors.Is(err, storage.ErrConflict) {
			errDef := errordefs.New(errordefs.EFB_CONFLICT, "device already registered", correlationID)
			m.writeErrorDef(w, errDef)
			m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
			return
		}
		errDef := errordefs.New(errordefs.EFB_INTERNAL, "failed to register device", correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	m.writeSuccess(w, http.StatusOK, device)
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleGetDevice handles GET /v1/efb/devices/{deviceId}
func (m *Mux) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleGetDevice")
	defer span.End()
	start := time.Now()
	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	deviceID := strings.TrimPrefix(r.URL.Path, "/v1/efb/devices/")
	if deviceID == "" || strings.Contains(deviceID, "/") {
		span.SetStatus(codes.Error, "deviceId is required")
		errDef := errordefs.New(errordefs.EFB_VALIDATION, "deviceId is required", correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}

	span.SetAttributes(attribute.String("device_id", deviceID))

	if errDef := m.requireDeviceMatch(ctx, deviceID); errDef != nil {
		span.SetStatus(codes.Error, "device mismatch")
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}

	device, err := m.s.GetDevice(ctx, deviceID)
	if err != nil {
		span.SetStatus(codes.Error, "failed to get device")
		if errors.Is(err, storage.ErrNotFound) {
			errDef := errordefs.New(errordefs.EFB_NOT_FOUND, "device not found", correlationID)
			m.writeErrorDef(w, errDef)
			m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
			return
		}
		errDef := errordefs.New(errordefs.EFB_INTERNAL, "failed to get device", correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	m.writeSuccess(w, http.StatusOK, device)
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleSyncCheck handles POST /v1/efb/sync/check
func (m *Mux) handleSyncCheck(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleSyncCheck")
	defer span.End()
	defer r.Body.Close()
	start := time.Now()
	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	var req model.SyncCheckRequest
	if _, errDef := m.decodeValidated(r, schema.KindSyncCheck, &req, correlationID); errDef != nil {
		span.SetStatus(codes.Error, errDef.Message)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}

	span.SetAttributes(
		attribute.String("device_id", req.DeviceID),
		attribute.Int("cached_manifests", len(req.CachedManifests)),
		attribute.String("network_status", string(req.Status.NetworkStatus)),
	)

	if errDef := m.requireDeviceMatch(ctx, req.DeviceID); errDef != nil {
		span.SetStatus(codes.Error, "device mismatch")
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}

	resp, err := m.delta.CheckSync(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, "sync check failed")
		var errDef *errordefs.Error
		switch {
		case errors.Is(err, storage.ErrNotFound):
			errDef = errordefs.New(errordefs.EFB_NOT_FOUND, "device not registered", correlationID)
		case strings.Contains(err.Error(), "policy lookup"), strings.Contains(err.Error(), "feature flag lookup"):
			errDef = errordefs.New(errordefs.EFB_UPSTREAM_UNAVAILABLE, "device management policies unavailable", correlationID)
		default:
			errDef = errordefs.New(errordefs.EFB_INTERNAL, "failed to check sync state", correlationID)
		}
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	span.SetAttributes(
		attribute.Bool("needs_sync", resp.NeedsSync),
		attribute.Int("sync_jobs", len(resp.SyncJobs)),
	)

	m.writeSuccess(w, http.StatusOK, resp)
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleSyncPlan handles POST /v1/efb/sync/plan
func (m *Mux) handleSyncPlan(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleSyncPlan")
	defer span.End()
	defer r.Body.Close()
	start := time.Now()
	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	var req model.PlanRequest
	if _, errDef := m.decodeValidated(r, schema.KindSyncPlan, &req, correlationID); errDef != nil {
		span.SetStatus(codes.Error, errDef.Message)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}

	span.SetAttributes(
		attribute.String("device_id", req.DeviceID),
		attribute.String("scenario", string(req.Scenario)),
	)

	if errDef := m.requireDeviceMatch(ctx, req.DeviceID); errDef != nil {
		span.SetStatus(codes.Error, "device mismatch")
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}

	plan, err := m.planner.Plan(ctx, req.DeviceID, req.Scenario)
	if err != nil {
		span.SetStatus(codes.Error, "planning failed")
		var errDef *errordefs.Error
		if errors.Is(err, storage.ErrNotFound) {
			errDef = errordefs.New(errordefs.EFB_NOT_FOUND, "device not registered", correlationID)
		} else {
			errDef = errordefs.New(errordefs.EFB_INTERNAL, "failed to build sync plan", correlationID)
		}
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	span.SetAttributes(
		attribute.Int("items", plan.TotalItems),
		attribute.String("compliance", string(plan.ComplianceStatus)),
	)

	m.writeSuccess(w, http.StatusOK, plan)
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleManifestReport handles POST /v1/efb/manifests
func (m *Mux) handleManifestReport(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleManifestReport")
	defer span.End()
	defer r.Body.Close()
	start := time.Now()
	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	var req model.ManifestReport
	if _, errDef := m.decodeValidated(r, schema.KindManifestReport, &req, correlationID); errDef != nil {
		span.SetStatus(codes.Error, errDef.Message)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}

	span.SetAttributes(
		attribute.String("device_id", req.DeviceID),
		attribute.String("bundle_id", req.ReaderBundleID),
		attribute.String("bundle_version", req.BundleVersion),
		attribute.Int("chunk_count", req.ChunkCount),
	)

	if errDef := m.requireDeviceMatch(ctx, req.DeviceID); errDef != nil {
		span.SetStatus(codes.Error, "device mismatch")
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}

	// Manifests are only accepted from registered devices
	if _, err := m.s.GetDevice(ctx, req.DeviceID); err != nil {
		span.SetStatus(codes.Error, "failed to get device")
		var errDef *errordefs.Error
		if errors.Is(err, storage.ErrNotFound) {
			errDef = errordefs.New(errordefs.EFB_NOT_FOUND, "device not registered", correlationID)
		} else {
			errDef = errordefs.New(errordefs.EFB_INTERNAL, "failed to get device", correlationID)
		}
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	manifest := model.CacheManifest{
		DeviceID:       req.DeviceID,
		ReaderBundleID: req.ReaderBundleID,
		BundleVersion:  req.BundleVersion,
		ChunkCount:     req.ChunkCount,
		TotalSizeBytes: req.TotalSizeBytes,
		Checksum:       req.Checksum,
		LastModified:   req.LastModified,
	}
	if manifest.LastModified.IsZero() {
		manifest.LastModified = time.Now().UTC()
	}

	if err := m.s.UpsertCacheManifest(ctx, manifest); err != nil {
		span.SetStatus(codes.Error, "failed to store manifest")
		errDef := errordefs.New(errordefs.EFB_INTERNAL, "failed to store manifest", correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	m.writeSuccess(w, http.StatusOK, manifest)
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleUploadChunk handles POST /v1/efb/chunks. The chunk payload is the
// raw request body; device, bundle, and index arrive in headers so the body
// needs no framing.
func (m *Mux) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleUploadChunk")
	defer span.End()
	defer r.Body.Close()
	start := time.Now()
	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	deviceID := r.Header.Get("X-EFB-Device-Id")
	bundleID := r.Header.Get("X-EFB-Bundle-Id")
	indexStr := r.Header.Get("X-EFB-Chunk-Index")
	if deviceID == "" || bundleID == "" || indexStr == "" {
		span.SetStatus(codes.Error, "missing chunk headers")
		errDef := errordefs.New(errordefs.EFB_VALIDATION, "X-EFB-Device-Id, X-EFB-Bundle-Id, and X-EFB-Chunk-Index headers are required", correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}

	chunkIndex, err := strconv.Atoi(indexStr)
	if err != nil || chunkIndex < 0 {
		span.SetStatus(codes.Error, "invalid chunk index")
		errDef := errordefs.New(errordefs.EFB_VALIDATION, "X-EFB-Chunk-Index must be a non-negative integer", correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}

	span.SetAttributes(
		attribute.String("device_id", deviceID),
		attribute.String("bundle_id", bundleID),
		attribute.Int("chunk_index", chunkIndex),
	)

	if errDef := m.requireDeviceMatch(ctx, deviceID); errDef != nil {
		span.SetStatus(codes.Error, "device mismatch")
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}

	// Read one byte past the limit so oversize payloads are detectable
	// without buffering them whole.
	payload, err := io.ReadAll(io.LimitReader(r.Body, m.maxChunkBytes+1))
	if err != nil {
		span.SetStatus(codes.Error, "failed to read chunk payload")
		errDef := errordefs.New(errordefs.EFB_VALIDATION, "failed to read chunk payload", correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}
	if int64(len(payload)) > m.maxChunkBytes {
		span.SetStatus(codes.Error, "chunk too large")
		errDef := errordefs.New(errordefs.EFB_CHUNK_SIZE, fmt.Sprintf("chunk size exceeds limit of %d bytes", m.maxChunkBytes), correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}
	if len(payload) == 0 {
		span.SetStatus(codes.Error, "empty chunk payload")
		errDef := errordefs.New(errordefs.EFB_VALIDATION, "chunk payload is required", correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}

	result, err := m.chunks.StoreChunk(ctx, deviceID, bundleID, chunkIndex, payload)
	if err != nil {
		span.SetStatus(codes.Error, "failed to store chunk")
		errDef := errordefs.New(errordefs.EFB_INTERNAL, "failed to store chunk", correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	m.writeSuccess(w, http.StatusOK, result)
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleDeviceChunk handles GET, HEAD, and DELETE on
// /v1/efb/chunks/{deviceId}/{bundleId}/{chunkIndex}
func (m *Mux) handleDeviceChunk(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleDeviceChunk")
	defer span.End()
	start := time.Now()
	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/efb/chunks/"), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		span.SetStatus(codes.Error, "invalid chunk path")
		errDef := errordefs.New(errordefs.EFB_VALIDATION, "path must be /v1/efb/chunks/{deviceId}/{bundleId}/{chunkIndex}", correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}

	deviceID, bundleID := parts[0], parts[1]
	chunkIndex, err := strconv.Atoi(parts[2])
	if err != nil || chunkIndex < 0 {
		span.SetStatus(codes.Error, "invalid chunk index")
		errDef := errordefs.New(errordefs.EFB_VALIDATION, "chunk index must be a non-negative integer", correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}

	span.SetAttributes(
		attribute.String("device_id", deviceID),
		attribute.String("bundle_id", bundleID),
		attribute.Int("chunk_index", chunkIndex),
		attribute.String("operation", r.Method),
	)

	if errDef := m.requireDeviceMatch(ctx, deviceID); errDef != nil {
		span.SetStatus(codes.Error, "device mismatch")
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}

	switch r.Method {
	case http.MethodGet:
		payload, checksum, err := m.chunks.RetrieveChunk(ctx, deviceID, bundleID, chunkIndex)
		if err != nil {
			span.SetStatus(codes.Error, "failed to retrieve chunk")
			var errDef *errordefs.Error
			switch {
			case errors.Is(err, storage.ErrNotFound):
				errDef = errordefs.New(errordefs.EFB_NOT_FOUND, "chunk not found", correlationID)
			case errors.Is(err, chunkstore.ErrIntegrity):
				errDef = errordefs.New(errordefs.EFB_INTEGRITY, "chunk failed integrity verification", correlationID)
			default:
				errDef = errordefs.New(errordefs.EFB_INTERNAL, "failed to retrieve chunk", correlationID)
			}
			m.writeErrorDef(w, errDef)
			m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-EFB-Checksum", checksum)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
		m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)

	case http.MethodHead:
		exists, err := m.chunks.ChunkExists(ctx, deviceID, bundleID, chunkIndex)
		if err != nil {
			span.SetStatus(codes.Error, "failed to probe chunk")
			w.WriteHeader(http.StatusInternalServerError)
			m.logRequest(r, http.StatusInternalServerError, time.Since(start), correlationID, err)
			return
		}
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			m.logRequest(r, http.StatusNotFound, time.Since(start), correlationID, nil)
			return
		}
		w.WriteHeader(http.StatusOK)
		m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)

	case http.MethodDelete:
		deleted, err := m.chunks.DeleteChunk(ctx, deviceID, bundleID, chunkIndex)
		if err != nil {
			span.SetStatus(codes.Error, "failed to delete chunk")
			errDef := errordefs.New(errordefs.EFB_INTERNAL, "failed to delete chunk", correlationID)
			m.writeErrorDef(w, errDef)
			m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
			return
		}
		if !deleted {
			errDef := errordefs.New(errordefs.EFB_NOT_FOUND, "chunk not found", correlationID)
			m.writeErrorDef(w, errDef)
			m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
			return
		}
		m.writeSuccess(w, http.StatusOK, map[string]interface{}{"deleted": true})
		m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)

	default:
		errDef := errordefs.New(errordefs.EFB_BAD_REQUEST, "method not allowed", correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
	}
}

// handleStageBundleChunk handles POST /v1/efb/bundles/{bundleId}/chunks.
// The publishing pipeline stages canonical bundle chunks here; the bundle
// manifest is recomputed after every staged chunk.
func (m *Mux) handleStageBundleChunk(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleStageBundleChunk")
	defer span.End()
	defer r.Body.Close()
	start := time.Now()
	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	path := strings.TrimPrefix(r.URL.Path, "/v1/efb/bundles/")
	bundleID := strings.TrimSuffix(path, "/chunks")
	if bundleID == "" || bundleID == path || strings.Contains(bundleID, "/") {
		span.SetStatus(codes.Error, "invalid staging path")
		errDef := errordefs.New(errordefs.EFB_VALIDATION, "path must be /v1/efb/bundles/{bundleId}/chunks", correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}

	indexStr := r.Header.Get("X-EFB-Chunk-Index")
	chunkIndex, err := strconv.Atoi(indexStr)
	if indexStr == "" || err != nil || chunkIndex < 0 {
		span.SetStatus(codes.Error, "invalid chunk index")
		errDef := errordefs.New(errordefs.EFB_VALIDATION, "X-EFB-Chunk-Index must be a non-negative integer", correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}

	span.SetAttributes(
		attribute.String("bundle_id", bundleID),
		attribute.Int("chunk_index", chunkIndex),
	)

	payload, err := io.ReadAll(io.LimitReader(r.Body, m.maxChunkBytes+1))
	if err != nil {
		span.SetStatus(codes.Error, "failed to read chunk payload")
		errDef := errordefs.New(errordefs.EFB_VALIDATION, "failed to read chunk payload", correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}
	if int64(len(payload)) > m.maxChunkBytes {
		span.SetStatus(codes.Error, "chunk too large")
		errDef := errordefs.New(errordefs.EFB_CHUNK_SIZE, fmt.Sprintf("chunk size exceeds limit of %d bytes", m.maxChunkBytes), correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}
	if len(payload) == 0 {
		span.SetStatus(codes.Error, "empty chunk payload")
		errDef := errordefs.New(errordefs.EFB_VALIDATION, "chunk payload is required", correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}

	result, err := m.chunks.StageBundleChunk(ctx, bundleID, chunkIndex, payload)
	if err != nil {
		span.SetStatus(codes.Error, "failed to stage chunk")
		var errDef *errordefs.Error
		if errors.Is(err, storage.ErrNotFound) {
			errDef = errordefs.New(errordefs.EFB_NOT_FOUND, "bundle not found", correlationID)
		} else {
			errDef = errordefs.New(errordefs.EFB_INTERNAL, "failed to stage chunk", correlationID)
		}
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	m.writeSuccess(w, http.StatusOK, result)
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleResolveConflict handles POST /v1/efb/conflicts/resolve with
// idempotency support. Devices retry conflict submissions after connectivity
// drops, so an Idempotency-Key header replays the original settlement
// instead of resolving twice.
func (m *Mux) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleResolveConflict")
	defer span.End()
	defer r.Body.Close()
	start := time.Now()
	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	var req model.ConflictSubmitRequest
	payload, errDef := m.decodeValidated(r, schema.KindConflictSubmit, &req, correlationID)
	if errDef != nil {
		span.SetStatus(codes.Error, errDef.Message)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}

	span.SetAttributes(
		attribute.String("entity_type", string(req.EntityType)),
		attribute.String("entity_id", req.EntityID),
		attribute.String("device_id", req.DeviceID),
		attribute.Bool("has_idempotency_key", r.Header.Get("Idempotency-Key") != ""),
	)

	if errDef := m.requireDeviceMatch(ctx, req.DeviceID); errDef != nil {
		span.SetStatus(codes.Error, "device mismatch")
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, errDef)
		return
	}

	// Replay a cached settlement when the same key and payload come back
	idemKey := r.Header.Get("Idempotency-Key")
	var keyHash, requestHash string
	if idemKey != "" {
		keyHash = fmt.Sprintf("%x", sha256.Sum256([]byte(idemKey)))
		requestHash = fmt.Sprintf("%x", sha256.Sum256(payload))

		responseBody, statusCode, err := m.s.GetIdempotentResponse(ctx, keyHash, requestHash)
		if err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(statusCode)
			_, _ = w.Write(responseBody)
			m.logRequest(r, statusCode, time.Since(start), correlationID, nil)
			return
		}
		if errors.Is(err, storage.ErrConflict) {
			span.SetStatus(codes.Error, "idempotency key conflict")
			errDef := errordefs.New(errordefs.EFB_CONFLICT, "idempotency key conflict: different payload for same key", correlationID)
			m.writeErrorDef(w, errDef)
			m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
			return
		}
	}

	resp, err := m.conflicts.Submit(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, "conflict resolution failed")
		errDef := errordefs.New(errordefs.EFB_INTERNAL, "failed to resolve conflict", correlationID)
		m.writeErrorDef(w, errDef)
		m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	span.SetAttributes(
		attribute.Bool("conflict_detected", resp.ConflictDetected),
		attribute.Bool("resolved", resp.Resolved),
		attribute.String("strategy", string(resp.Strategy)),
	)

	if idemKey != "" {
		responseBody, _ := json.Marshal(map[string]interface{}{"data": resp})
		// json.NewEncoder in writeSuccess appends a newline; the stored
		// replay body must be byte-identical to the original response.
		responseBody = append(responseBody, '\n')
		expiresAt := time.Now().UTC().Add(24 * time.Hour)
		if err := m.s.StoreIdempotentResponse(ctx, keyHash, requestHash, responseBody, http.StatusOK, expiresAt); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				span.SetStatus(codes.Error, "idempotency key conflict")
				errDef := errordefs.New(errordefs.EFB_CONFLICT, "idempotency key conflict: different payload for same key", correlationID)
				m.writeErrorDef(w, errDef)
				m.logRequest(r, errDef.HTTPStatus, time.Since(start), correlationID, err)
				return
			}
			// The settlement itself succeeded; a failed cache write only
			// costs replay protection on the next retry.
			slog.Warn("failed to store idempotent response", "error", err)
		}
	}

	m.writeSuccess(w, http.StatusOK, resp)
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}
