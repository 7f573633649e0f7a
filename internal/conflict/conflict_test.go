package conflict

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skymanuals/skymanuals-efb-go/internal/event"
	"github.com/skymanuals/skymanuals-efb-go/internal/model"
	"github.com/skymanuals/skymanuals-efb-go/internal/storage"
)

var baseTime = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// capturePublisher records conflict audit events for assertions.
type capturePublisher struct {
	mu       sync.Mutex
	resolved []model.AuditEvent
}

func (c *capturePublisher) PublishSyncPlanned(ctx context.Context, evt model.AuditEvent) error {
	return nil
}

func (c *capturePublisher) PublishConflictResolved(ctx context.Context, evt model.AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved = append(c.resolved, evt)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func (c *capturePublisher) events() []model.AuditEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.AuditEvent(nil), c.resolved...)
}

func newTestResolver(t *testing.T) (*Resolver, storage.Store, *capturePublisher, *event.Auditor) {
	t.Helper()
	store := storage.NewMemory()
	pub := &capturePublisher{}
	auditor := event.NewAuditor(pub)
	return New(store, auditor), store, pub, auditor
}

// serverHighlight is the canonical record most tests diverge from.
func serverHighlight() model.EntityRecord {
	return model.EntityRecord{
		EntityType: model.ContentHighlight,
		EntityID:   "hl-001",
		DeviceID:   "ipad-001",
		Content:    "Highlighted engine fire procedure",
		Metadata:   map[string]interface{}{"color": "yellow", "page": float64(12)},
		IsPrivate:  false,
		UpdatedAt:  baseTime,
		Version:    3,
	}
}

func seedEntity(t *testing.T, store storage.Store, record model.EntityRecord) {
	t.Helper()
	require.NoError(t, store.PutEntityRecord(context.Background(), record))
}

func submitFrom(record model.EntityRecord) model.ConflictSubmitRequest {
	return model.ConflictSubmitRequest{
		EntityType: record.EntityType,
		EntityID:   record.EntityID,
		DeviceID:   record.DeviceID,
		ClientRecord: model.ClientRecord{
			Content:   record.Content,
			Metadata:  record.Metadata,
			IsPrivate: record.IsPrivate,
			UpdatedAt: record.UpdatedAt,
		},
	}
}

func TestDetectClassification(t *testing.T) {
	server := serverHighlight()

	tests := []struct {
		name   string
		mutate func(*model.EntityRecord)
		want   model.ConflictType
		none   bool
	}{
		{
			name:   "identical records agree",
			mutate: func(c *model.EntityRecord) {},
			none:   true,
		},
		{
			name: "sub second drift is not a conflict",
			mutate: func(c *model.EntityRecord) {
				c.UpdatedAt = server.UpdatedAt.Add(800 * time.Millisecond)
			},
			none: true,
		},
		{
			name: "type mismatch is semantic",
			mutate: func(c *model.EntityRecord) {
				c.EntityType = model.ContentNote
			},
			want: model.ConflictSemantic,
		},
		{
			name: "privacy flip is semantic",
			mutate: func(c *model.EntityRecord) {
				c.IsPrivate = true
			},
			want: model.ConflictSemantic,
		},
		{
			name: "type mismatch outranks content mismatch",
			mutate: func(c *model.EntityRecord) {
				c.EntityType = model.ContentNote
				c.Content = "completely different"
				c.UpdatedAt = server.UpdatedAt.Add(2 * time.Hour)
			},
			want: model.ConflictSemantic,
		},
		{
			name: "content divergence is content",
			mutate: func(c *model.EntityRecord) {
				c.Content = "Highlighted APU fire procedure"
			},
			want: model.ConflictContent,
		},
		{
			name: "metadata divergence is content",
			mutate: func(c *model.EntityRecord) {
				c.Metadata = map[string]interface{}{"color": "red", "page": float64(12)}
			},
			want: model.ConflictContent,
		},
		{
			name: "content mismatch outranks temporal mismatch",
			mutate: func(c *model.EntityRecord) {
				c.Content = "something else"
				c.UpdatedAt = server.UpdatedAt.Add(3 * time.Hour)
			},
			want: model.ConflictContent,
		},
		{
			name: "timestamp drift on identical records is temporal",
			mutate: func(c *model.EntityRecord) {
				c.UpdatedAt = server.UpdatedAt.Add(2 * time.Hour)
			},
			want: model.ConflictTemporal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := serverHighlight()
			tt.mutate(&client)

			conflict := Detect(server, client)
			if tt.none {
				assert.Nil(t, conflict)
				return
			}
			require.NotNil(t, conflict)
			assert.Equal(t, tt.want, conflict.ConflictType)
			assert.Equal(t, server.EntityID, conflict.EntityID)
		})
	}
}

func TestDetectTreatsNilAndEmptyMetadataAsEqual(t *testing.T) {
	server := serverHighlight()
	server.Metadata = nil

	client := serverHighlight()
	client.Metadata = map[string]interface{}{}

	assert.Nil(t, Detect(server, client))
}

func TestSubmitFirstWrite(t *testing.T) {
	resolver, store, pub, auditor := newTestResolver(t)

	record := serverHighlight()
	resp, err := resolver.Submit(context.Background(), submitFrom(record))
	require.NoError(t, err)

	assert.True(t, resp.Resolved)
	assert.False(t, resp.ConflictDetected)
	require.NotNil(t, resp.Data)
	assert.Equal(t, 1, resp.Data.Version)

	stored, err := store.GetEntityRecord(context.Background(), record.EntityID)
	require.NoError(t, err)
	assert.Equal(t, record.Content, stored.Content)
	assert.Equal(t, 1, stored.Version)

	auditor.Flush()
	assert.Empty(t, pub.events(), "a first write is not a conflict resolution")
}

func TestSubmitInAgreement(t *testing.T) {
	resolver, store, pub, auditor := newTestResolver(t)

	server := serverHighlight()
	seedEntity(t, store, server)

	resp, err := resolver.Submit(context.Background(), submitFrom(server))
	require.NoError(t, err)

	assert.True(t, resp.Resolved)
	assert.False(t, resp.ConflictDetected)
	require.NotNil(t, resp.Data)
	assert.Equal(t, server.Version, resp.Data.Version)

	auditor.Flush()
	assert.Empty(t, pub.events())
}

func TestSubmitAnnotationServerAuthority(t *testing.T) {
	resolver, store, _, _ := newTestResolver(t)

	server := serverHighlight()
	server.EntityType = model.ContentAnnotation
	server.EntityID = "ann-001"
	server.Content = "Company note: use revised takeoff speeds"
	seedEntity(t, store, server)

	// The client edit is newer, but annotation content still defers to the
	// server.
	client := server
	client.Content = "My own edit to the company note"
	client.UpdatedAt = server.UpdatedAt.Add(2 * time.Hour)

	resp, err := resolver.Submit(context.Background(), submitFrom(client))
	require.NoError(t, err)

	assert.True(t, resp.Resolved)
	assert.True(t, resp.ConflictDetected)
	assert.Equal(t, model.ConflictContent, resp.ConflictType)
	assert.Equal(t, model.StrategyServerWins, resp.Strategy)
	require.NotNil(t, resp.Data)
	assert.Equal(t, server.Content, resp.Data.Content)

	stored, err := store.GetEntityRecord(context.Background(), server.EntityID)
	require.NoError(t, err)
	assert.Equal(t, server.Content, stored.Content)
	assert.Equal(t, server.Version, stored.Version)
}

func TestSubmitStaleEditLosesBeyondWindow(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration
	}{
		{name: "client far older", offset: -25 * time.Hour},
		{name: "client far newer", offset: 25 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver, store, _, _ := newTestResolver(t)

			server := serverHighlight()
			seedEntity(t, store, server)

			client := server
			client.Content = "edited while offline for days"
			client.UpdatedAt = server.UpdatedAt.Add(tt.offset)

			resp, err := resolver.Submit(context.Background(), submitFrom(client))
			require.NoError(t, err)

			assert.Equal(t, model.StrategyServerWins, resp.Strategy)
			require.NotNil(t, resp.Data)
			assert.Equal(t, server.Content, resp.Data.Content)
		})
	}
}

func TestSubmitNewerClientWinsWithinWindow(t *testing.T) {
	resolver, store, _, _ := newTestResolver(t)

	server := serverHighlight()
	seedEntity(t, store, server)

	client := server
	client.DeviceID = "ipad-002"
	client.Content = "Highlighted engine fire procedure, added memory items"
	client.UpdatedAt = server.UpdatedAt.Add(2 * time.Hour)

	resp, err := resolver.Submit(context.Background(), submitFrom(client))
	require.NoError(t, err)

	assert.True(t, resp.Resolved)
	assert.Equal(t, model.ConflictContent, resp.ConflictType)
	assert.Equal(t, model.StrategyClientWins, resp.Strategy)
	require.NotNil(t, resp.Data)
	assert.Equal(t, client.Content, resp.Data.Content)
	assert.Equal(t, server.Version+1, resp.Data.Version)

	stored, err := store.GetEntityRecord(context.Background(), server.EntityID)
	require.NoError(t, err)
	assert.Equal(t, client.Content, stored.Content)
	assert.Equal(t, server.Version+1, stored.Version)
	assert.Equal(t, client.UpdatedAt, stored.UpdatedAt)
}

func TestSubmitOlderClientLosesWithinWindow(t *testing.T) {
	resolver, store, _, _ := newTestResolver(t)

	server := serverHighlight()
	seedEntity(t, store, server)

	client := server
	client.Content = "an edit made before the server's latest"
	client.UpdatedAt = server.UpdatedAt.Add(-2 * time.Hour)

	resp, err := resolver.Submit(context.Background(), submitFrom(client))
	require.NoError(t, err)

	assert.Equal(t, model.StrategyServerWins, resp.Strategy)
	require.NotNil(t, resp.Data)
	assert.Equal(t, server.Content, resp.Data.Content)

	stored, err := store.GetEntityRecord(context.Background(), server.EntityID)
	require.NoError(t, err)
	assert.Equal(t, server.Version, stored.Version)
}

func TestSubmitTimestampTieKeepsServer(t *testing.T) {
	resolver, store, _, _ := newTestResolver(t)

	server := serverHighlight()
	seedEntity(t, store, server)

	client := server
	client.Content = "simultaneous divergent edit"

	resp, err := resolver.Submit(context.Background(), submitFrom(client))
	require.NoError(t, err)

	assert.Equal(t, model.ConflictContent, resp.ConflictType)
	assert.Equal(t, model.StrategyServerWins, resp.Strategy)
	require.NotNil(t, resp.Data)
	assert.Equal(t, server.Content, resp.Data.Content)
}

func TestSubmitTemporalAdoptsLaterTimestamp(t *testing.T) {
	t.Run("client newer", func(t *testing.T) {
		resolver, store, _, _ := newTestResolver(t)

		server := serverHighlight()
		seedEntity(t, store, server)

		client := server
		client.UpdatedAt = server.UpdatedAt.Add(90 * time.Minute)

		resp, err := resolver.Submit(context.Background(), submitFrom(client))
		require.NoError(t, err)

		assert.Equal(t, model.ConflictTemporal, resp.ConflictType)
		assert.Equal(t, model.StrategyTimestampWins, resp.Strategy)
		require.NotNil(t, resp.Data)
		assert.Equal(t, client.UpdatedAt, resp.Data.UpdatedAt)
		assert.Equal(t, server.Version+1, resp.Data.Version)

		stored, err := store.GetEntityRecord(context.Background(), server.EntityID)
		require.NoError(t, err)
		assert.Equal(t, client.UpdatedAt, stored.UpdatedAt)
	})

	t.Run("server newer", func(t *testing.T) {
		resolver, store, _, _ := newTestResolver(t)

		server := serverHighlight()
		seedEntity(t, store, server)

		client := server
		client.UpdatedAt = server.UpdatedAt.Add(-90 * time.Minute)

		resp, err := resolver.Submit(context.Background(), submitFrom(client))
		require.NoError(t, err)

		assert.Equal(t, model.StrategyTimestampWins, resp.Strategy)
		require.NotNil(t, resp.Data)
		assert.Equal(t, server.UpdatedAt, resp.Data.UpdatedAt)

		stored, err := store.GetEntityRecord(context.Background(), server.EntityID)
		require.NoError(t, err)
		assert.Equal(t, server.Version, stored.Version, "server-side win writes nothing back")
	})
}

func TestSubmitSemanticRoutesToManualReview(t *testing.T) {
	resolver, store, _, _ := newTestResolver(t)

	server := serverHighlight()
	seedEntity(t, store, server)

	client := server
	client.EntityType = model.ContentNote
	client.Content = "reclassified as a note with new text"
	client.UpdatedAt = server.UpdatedAt.Add(time.Hour)

	resp, err := resolver.Submit(context.Background(), submitFrom(client))
	require.NoError(t, err)

	assert.False(t, resp.Resolved)
	assert.True(t, resp.ConflictDetected)
	assert.Equal(t, model.ConflictSemantic, resp.ConflictType)
	assert.Equal(t, model.StrategyManualMerge, resp.Strategy)
	assert.True(t, resp.RequiresManualReview)
	assert.Equal(t, "server", resp.Provisional)
	assert.NotEmpty(t, resp.PendingReviewID)
	require.NotNil(t, resp.Data)
	assert.Equal(t, server.Content, resp.Data.Content, "provisional payload is the server record")

	reviews, err := store.ListPendingReviews(context.Background(), model.PendingReviewStatus)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, resp.PendingReviewID, reviews[0].ID)
	assert.Equal(t, server.EntityID, reviews[0].EntityID)
	assert.Equal(t, model.ConflictSemantic, reviews[0].ConflictType)
	assert.Equal(t, server.Content, reviews[0].ServerData.Content)
	assert.Equal(t, client.Content, reviews[0].ClientData.Content)

	stored, err := store.GetEntityRecord(context.Background(), server.EntityID)
	require.NoError(t, err)
	assert.Equal(t, server.Content, stored.Content, "canonical record is untouched while review is pending")
	assert.Equal(t, server.Version, stored.Version)
}

func TestSubmitPrivacyFlipRoutesToManualReview(t *testing.T) {
	resolver, store, _, _ := newTestResolver(t)

	server := serverHighlight()
	seedEntity(t, store, server)

	client := server
	client.IsPrivate = true

	resp, err := resolver.Submit(context.Background(), submitFrom(client))
	require.NoError(t, err)

	assert.Equal(t, model.ConflictSemantic, resp.ConflictType)
	assert.Equal(t, model.StrategyManualMerge, resp.Strategy)
	assert.False(t, resp.Resolved)
}

// failingReviews wraps the memory store to reject review writes.
type failingReviews struct {
	storage.Store
}

func (f *failingReviews) CreatePendingReview(ctx context.Context, review model.PendingReview) error {
	return errors.New("db down")
}

func TestSubmitReviewPersistFailurePropagates(t *testing.T) {
	store := &failingReviews{Store: storage.NewMemory()}
	pub := &capturePublisher{}
	auditor := event.NewAuditor(pub)
	resolver := New(store, auditor)

	server := serverHighlight()
	seedEntity(t, store, server)

	client := server
	client.EntityType = model.ContentNote

	_, err := resolver.Submit(context.Background(), submitFrom(client))
	require.Error(t, err)

	auditor.Flush()
	assert.Empty(t, pub.events(), "a failed resolution emits no audit event")
}

func TestSubmitEmitsOneAuditEventPerResolution(t *testing.T) {
	resolver, store, pub, auditor := newTestResolver(t)

	server := serverHighlight()
	seedEntity(t, store, server)

	client := server
	client.Content = "divergent edit"
	client.UpdatedAt = server.UpdatedAt.Add(time.Hour)

	_, err := resolver.Submit(context.Background(), submitFrom(client))
	require.NoError(t, err)

	auditor.Flush()
	events := pub.events()
	require.Len(t, events, 1)
	assert.Equal(t, "conflict.resolved", events[0].Action)
	assert.Equal(t, "entity_record", events[0].ResourceType)
	assert.Equal(t, server.EntityID, events[0].ResourceID)
	assert.Equal(t, string(model.ConflictContent), events[0].ComplianceMetadata["conflictType"])
	assert.Equal(t, string(model.StrategyClientWins), events[0].ComplianceMetadata["strategy"])
	assert.Contains(t, events[0].Tags, "conflict")
}
