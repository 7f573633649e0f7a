// internal/event/nats.go
// Package event provides NATS JetStream implementation for audit event publishing.
// It streams sync-planning and conflict-resolution events for regulatory traceability.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/skymanuals/skymanuals-efb-go/internal/model"
)

// Publisher interface defines the audit publishing operations required by the
// EFB sync service. Every planning pass and every conflict resolution emits
// exactly one event; duplicates are acceptable, losses are not.
type Publisher interface {
	// Sync planning events
	PublishSyncPlanned(ctx context.Context, event model.AuditEvent) error

	// Conflict resolution events
	PublishConflictResolved(ctx context.Context, event model.AuditEvent) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
// It implements all Publisher methods but does nothing, allowing the service
// to function without event streaming when NATS is not available.
type noop struct{}

// Close implements Publisher
// It does nothing and always returns nil.
func (n *noop) Close() error { return nil }

// PublishSyncPlanned implements Publisher
// It does nothing and always returns nil.
func (n *noop) PublishSyncPlanned(ctx context.Context, event model.AuditEvent) error {
	return nil
}

// PublishConflictResolved implements Publisher
// It does nothing and always returns nil.
func (n *noop) PublishConflictResolved(ctx context.Context, event model.AuditEvent) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
// It connects to a NATS server and publishes events to the audit stream.
type natsPub struct {
	nc *nats.Conn            // NATS connection
	js nats.JetStreamContext // JetStream context for stream operations
}

// NewPublisher creates a publisher for the given NATS URL.
// If the URL is empty or the connection fails, it returns a no-op publisher
// so the service keeps running without event streaming.
// Returns:
//   - Publisher: Either a NATS publisher or a no-op publisher
func NewPublisher(url string) Publisher {
	if url == "" {
		return &noop{}
	}

	// Connect to NATS server
	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	// Create JetStream context for stream operations
	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	// Initialize the audit stream
	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{nc: nc, js: js}
}

// initStreams initializes the required NATS streams.
// It creates the EFB_AUDIT stream holding planning and conflict-resolution
// events consumed by the compliance pipeline.
func initStreams(js nats.JetStreamContext) error {
	// Create EFB_AUDIT stream for regulatory audit events
	// Retention is generous: downstream consumers archive into the
	// compliance store, this stream is the transport buffer.
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      "EFB_AUDIT",               // Stream name
		Subjects:  []string{"efb.audit.*.*"}, // Subjects pattern for audit events
		Retention: nats.LimitsPolicy,         // Retention policy
		MaxAge:    30 * 24 * time.Hour,       // Keep events for 30 days
		Discard:   nats.DiscardOld,           // Discard old messages when limits reached
		Storage:   nats.FileStorage,          // Use file storage for persistence
	})
	if err != nil {
		return fmt.Errorf("failed to create EFB_AUDIT stream: %w", err)
	}

	return nil
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`       // Event-specific data
}

// Close closes the NATS connection.
// It gracefully closes the connection to the NATS server.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// publish wraps an audit event in the standard envelope and publishes it.
func (p *natsPub) publish(subject string, event model.AuditEvent) error {
	envelope := EventEnvelope{
		Type:          subject,             // Event type mirrors the subject
		Version:       "1.0.0",             // Event schema version
		OccurredAt:    time.Now().UTC(),    // Event timestamp
		CorrelationID: uuid.New().String(), // Unique correlation ID
		Payload:       event,               // The audit event data
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	_, err = p.js.Publish(subject, b)
	return err
}

// PublishSyncPlanned publishes one audit event for a completed planning pass.
// Parameters:
//   - ctx: Context for the operation
//   - event: The audit event describing the plan
// Returns:
//   - error: Any error that occurred during publishing
func (p *natsPub) PublishSyncPlanned(ctx context.Context, event model.AuditEvent) error {
	return p.publish("efb.audit.sync.planned", event)
}

// PublishConflictResolved publishes one audit event for a conflict resolution.
// Parameters:
//   - ctx: Context for the operation
//   - event: The audit event describing the resolution
// Returns:
//   - error: Any error that occurred during publishing
func (p *natsPub) PublishConflictResolved(ctx context.Context, event model.AuditEvent) error {
	return p.publish("efb.audit.conflict.resolved", event)
}
