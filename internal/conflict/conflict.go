// internal/conflict/conflict.go
// Package conflict reconciles offline client edits against server-canonical
// entity records. Detection classifies a divergence as semantic, content, or
// temporal; resolution applies fixed auditable rules, and anything requiring
// human judgment lands in a durable review queue instead of being guessed at.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/skymanuals/skymanuals-efb-go/internal/event"
	"github.com/skymanuals/skymanuals-efb-go/internal/metrics"
	"github.com/skymanuals/skymanuals-efb-go/internal/model"
	"github.com/skymanuals/skymanuals-efb-go/internal/storage"
)

// temporalSlack is how far two timestamps may drift before otherwise
// identical records count as a temporal conflict. Device clocks are not
// trusted to the millisecond.
const temporalSlack = time.Second

// staleWindow separates recent concurrent edits from edits made on a device
// that was offline for a long stretch. Beyond it the server record wins
// outright.
const staleWindow = 24 * time.Hour

// Resolver reconciles client submissions. Safe for concurrent use.
type Resolver struct {
	store   storage.Store
	auditor *event.Auditor
	metrics *metrics.Metrics
}

// New creates a Resolver over the given collaborators.
func New(store storage.Store, auditor *event.Auditor) *Resolver {
	return &Resolver{
		store:   store,
		auditor: auditor,
		metrics: metrics.NewMetrics(),
	}
}

// Detect classifies the divergence between the server record and a client
// submission. Exactly one class applies: a semantic mismatch (entity type or
// privacy flag) outranks a content mismatch (payload or metadata), which
// outranks a temporal mismatch (timestamps more than a second apart on
// otherwise identical records). Returns nil when the records agree.
func Detect(server, client model.EntityRecord) *model.SyncConflict {
	conflict := &model.SyncConflict{
		EntityType:      server.EntityType,
		EntityID:        server.EntityID,
		ServerTimestamp: server.UpdatedAt,
		ClientTimestamp: client.UpdatedAt,
		ServerData:      server,
		ClientData:      client,
	}

	switch {
	case server.EntityType != client.EntityType || server.IsPrivate != client.IsPrivate:
		conflict.ConflictType = model.ConflictSemantic
	case server.Content != client.Content || !metadataEqual(server.Metadata, client.Metadata):
		conflict.ConflictType = model.ConflictContent
	case absDuration(server.UpdatedAt.Sub(client.UpdatedAt)) > temporalSlack:
		conflict.ConflictType = model.ConflictTemporal
	default:
		return nil
	}
	return conflict
}

// Submit reconciles one client submission against the server record,
// persisting whichever payload wins. Every resolved conflict emits exactly
// one audit event; submissions that agree with the server emit none.
func (r *Resolver) Submit(ctx context.Context, req model.ConflictSubmitRequest) (*model.ConflictResolveResponse, error) {
	server, err := r.store.GetEntityRecord(ctx, req.EntityID)
	if errors.Is(err, storage.ErrNotFound) {
		return r.acceptFirstWrite(ctx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("entity lookup: %w", err)
	}

	conflict := Detect(*server, clientRecord(req))
	if conflict == nil {
		slog.Debug("conflict check found records in agreement",
			"entityId", req.EntityID,
			"deviceId", req.DeviceID)
		return &model.ConflictResolveResponse{
			Resolved:         true,
			ConflictDetected: false,
			Data:             server,
		}, nil
	}

	conflict.Resolution = resolutionFor(conflict)

	resp, err := r.apply(ctx, conflict)
	if err != nil {
		return nil, err
	}

	r.audit(conflict, resp)
	r.metrics.ConflictResolvedTotal.WithLabelValues(string(conflict.Resolution.Strategy)).Inc()

	slog.Info("conflict resolved",
		"entityId", conflict.EntityID,
		"entityType", conflict.EntityType,
		"deviceId", req.DeviceID,
		"conflictType", conflict.ConflictType,
		"strategy", conflict.Resolution.Strategy,
		"resolved", resp.Resolved)

	return resp, nil
}

// resolutionFor picks the settlement rule for a detected conflict.
func resolutionFor(conflict *model.SyncConflict) model.ConflictResolution {
	switch conflict.ConflictType {
	case model.ConflictSemantic:
		return model.ConflictResolution{
			Strategy:             model.StrategyManualMerge,
			RequiresManualReview: true,
			Reason:               "entity type or privacy flag diverged, requires human review",
		}
	case model.ConflictContent:
		if conflict.ServerData.EntityType == model.ContentAnnotation {
			return model.ConflictResolution{
				Strategy: model.StrategyServerWins,
				Reason:   "annotations are company-managed, server record is authoritative",
			}
		}
		if absDuration(conflict.ServerTimestamp.Sub(conflict.ClientTimestamp)) > staleWindow {
			return model.ConflictResolution{
				Strategy: model.StrategyServerWins,
				Reason:   "timestamp gap exceeds 24 hours, keeping the server record",
			}
		}
		if conflict.ClientTimestamp.After(conflict.ServerTimestamp) {
			return model.ConflictResolution{
				Strategy: model.StrategyClientWins,
				Reason:   "client edit is newer within the 24 hour window",
			}
		}
		return model.ConflictResolution{
			Strategy: model.StrategyServerWins,
			Reason:   "server record is at least as new within the 24 hour window",
		}
	default:
		return model.ConflictResolution{
			Strategy: model.StrategyTimestampWins,
			Reason:   "records carry identical content, adopting the later timestamp",
		}
	}
}

// apply executes the chosen strategy and builds the response. Winning client
// payloads are written back with an incremented version; MANUAL_MERGE leaves
// the server record untouched and persists a durable review instead.
func (r *Resolver) apply(ctx context.Context, conflict *model.SyncConflict) (*model.ConflictResolveResponse, error) {
	resolution := conflict.Resolution
	resp := &model.ConflictResolveResponse{
		Resolved:             true,
		ConflictDetected:     true,
		ConflictType:         conflict.ConflictType,
		Strategy:             resolution.Strategy,
		Reason:               resolution.Reason,
		RequiresManualReview: resolution.RequiresManualReview,
	}

	switch resolution.Strategy {
	case model.StrategyManualMerge:
		review := model.PendingReview{
			ID:              ulid.Make().String(),
			EntityType:      conflict.EntityType,
			EntityID:        conflict.EntityID,
			DeviceID:        conflict.ClientData.DeviceID,
			ConflictType:    conflict.ConflictType,
			ServerData:      conflict.ServerData,
			ClientData:      conflict.ClientData,
			ServerTimestamp: conflict.ServerTimestamp,
			ClientTimestamp: conflict.ClientTimestamp,
			Status:          model.PendingReviewStatus,
			CreatedAt:       time.Now().UTC(),
		}
		// The review is the only durable trace of the client payload. If it
		// cannot be persisted the submission fails so the client retries;
		// duplicates are tolerable, losses are not.
		if err := r.store.CreatePendingReview(ctx, review); err != nil {
			return nil, fmt.Errorf("persist pending review: %w", err)
		}
		server := conflict.ServerData
		resp.Resolved = false
		resp.Data = &server
		resp.Provisional = "server"
		resp.PendingReviewID = review.ID

	case model.StrategyClientWins:
		winner, err := r.acceptClient(ctx, conflict)
		if err != nil {
			return nil, err
		}
		resp.Data = winner

	case model.StrategyTimestampWins:
		if conflict.ClientTimestamp.After(conflict.ServerTimestamp) {
			winner, err := r.acceptClient(ctx, conflict)
			if err != nil {
				return nil, err
			}
			resp.Data = winner
		} else {
			server := conflict.ServerData
			resp.Data = &server
		}

	default:
		server := conflict.ServerData
		resp.Data = &server
	}

	return resp, nil
}

// acceptFirstWrite stores a submission for an entity the server has never
// seen. There is nothing to reconcile against, so no conflict and no audit.
func (r *Resolver) acceptFirstWrite(ctx context.Context, req model.ConflictSubmitRequest) (*model.ConflictResolveResponse, error) {
	record := clientRecord(req)
	record.Version = 1
	if err := r.store.PutEntityRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("store first write: %w", err)
	}

	slog.Info("entity first write accepted",
		"entityId", req.EntityID,
		"entityType", req.EntityType,
		"deviceId", req.DeviceID)

	return &model.ConflictResolveResponse{
		Resolved:         true,
		ConflictDetected: false,
		Data:             &record,
	}, nil
}

// acceptClient writes the client payload back as the new canonical record.
func (r *Resolver) acceptClient(ctx context.Context, conflict *model.SyncConflict) (*model.EntityRecord, error) {
	winner := conflict.ClientData
	winner.Version = conflict.ServerData.Version + 1
	if err := r.store.PutEntityRecord(ctx, winner); err != nil {
		return nil, fmt.Errorf("store winning record: %w", err)
	}
	return &winner, nil
}

// audit emits the single audit event for one resolution.
func (r *Resolver) audit(conflict *model.SyncConflict, resp *model.ConflictResolveResponse) {
	evt := model.AuditEvent{
		Action:       "conflict.resolved",
		ResourceType: "entity_record",
		ResourceID:   conflict.EntityID,
		BeforeData: map[string]interface{}{
			"entityType": string(conflict.ServerData.EntityType),
			"content":    conflict.ServerData.Content,
			"isPrivate":  conflict.ServerData.IsPrivate,
			"version":    conflict.ServerData.Version,
			"updatedAt":  conflict.ServerTimestamp,
		},
		ComplianceMetadata: map[string]interface{}{
			"deviceId":             conflict.ClientData.DeviceID,
			"conflictType":         string(conflict.ConflictType),
			"strategy":             string(conflict.Resolution.Strategy),
			"requiresManualReview": conflict.Resolution.RequiresManualReview,
			"reason":               conflict.Resolution.Reason,
		},
		Tags: []string{"efb", "conflict", string(conflict.ConflictType)},
	}
	if resp.Resolved && resp.Data != nil {
		evt.AfterData = map[string]interface{}{
			"entityType": string(resp.Data.EntityType),
			"content":    resp.Data.Content,
			"isPrivate":  resp.Data.IsPrivate,
			"version":    resp.Data.Version,
			"updatedAt":  resp.Data.UpdatedAt,
		}
	}
	if resp.PendingReviewID != "" {
		evt.ComplianceMetadata["pendingReviewId"] = resp.PendingReviewID
	}
	r.auditor.ConflictResolved(evt)
}

// clientRecord reshapes a submission into the record form detection compares.
func clientRecord(req model.ConflictSubmitRequest) model.EntityRecord {
	return model.EntityRecord{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		DeviceID:   req.DeviceID,
		Content:    req.ClientRecord.Content,
		Metadata:   req.ClientRecord.Metadata,
		IsPrivate:  req.ClientRecord.IsPrivate,
		UpdatedAt:  req.ClientRecord.UpdatedAt,
	}
}

// metadataEqual compares metadata maps, treating nil and empty as the same
// so a client that serializes an absent map as {} does not trip a content
// conflict.
func metadataEqual(a, b map[string]interface{}) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
