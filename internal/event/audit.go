// internal/event/audit.go
// Fire-and-forget audit emission on top of the Publisher.
package event

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/skymanuals/skymanuals-efb-go/internal/metrics"
	"github.com/skymanuals/skymanuals-efb-go/internal/model"
)

// publishTimeout bounds each detached audit publish.
const publishTimeout = 5 * time.Second

// Auditor delivers audit events without ever failing the caller. Planning
// and conflict resolution must not block on, or fail because of, audit
// delivery; failures are logged and counted for operational visibility.
type Auditor struct {
	pub     Publisher
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

// NewAuditor wraps a Publisher in fire-and-forget delivery semantics.
func NewAuditor(pub Publisher) *Auditor {
	return &Auditor{pub: pub, metrics: metrics.NewMetrics()}
}

// SyncPlanned emits one planning audit event asynchronously.
func (a *Auditor) SyncPlanned(event model.AuditEvent) {
	a.emit("sync_planned", event, a.pub.PublishSyncPlanned)
}

// ConflictResolved emits one conflict-resolution audit event asynchronously.
func (a *Auditor) ConflictResolved(event model.AuditEvent) {
	a.emit("conflict_resolved", event, a.pub.PublishConflictResolved)
}

// emit dispatches the publish on its own goroutine with a detached context,
// so request cancellation never drops an audit event that the caller already
// committed to.
func (a *Auditor) emit(eventType string, event model.AuditEvent, publish func(context.Context, model.AuditEvent) error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if err := publish(ctx, event); err != nil {
			a.metrics.AuditPublishTotal.WithLabelValues(eventType, "error").Inc()
			a.metrics.AuditPublishFailures.Inc()
			slog.Warn("audit publish failed",
				"eventType", eventType,
				"action", event.Action,
				"resourceId", event.ResourceID,
				"error", err)
			return
		}
		a.metrics.AuditPublishTotal.WithLabelValues(eventType, "ok").Inc()
	}()
}

// Flush waits for all in-flight publishes. Called on shutdown, before the
// underlying publisher is closed, and by tests that assert on delivery.
func (a *Auditor) Flush() {
	a.wg.Wait()
}
