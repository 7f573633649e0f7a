// internal/planner/planner_test.go
package planner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/skymanuals/skymanuals-efb-go/internal/classify"
	"github.com/skymanuals/skymanuals-efb-go/internal/event"
	"github.com/skymanuals/skymanuals-efb-go/internal/model"
	"github.com/skymanuals/skymanuals-efb-go/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturePublisher records audit publishes for assertions.
type capturePublisher struct {
	mu      sync.Mutex
	planned []model.AuditEvent
}

func (c *capturePublisher) PublishSyncPlanned(ctx context.Context, e model.AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.planned = append(c.planned, e)
	return nil
}

func (c *capturePublisher) PublishConflictResolved(ctx context.Context, e model.AuditEvent) error {
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func newTestPlanner(t *testing.T, cfg Config) (*Planner, storage.Store, *capturePublisher, *event.Auditor) {
	t.Helper()
	store := storage.NewMemory()
	pub := &capturePublisher{}
	auditor := event.NewAuditor(pub)
	p := New(store, classify.NewKeywordClassifier(classify.DefaultTables()), auditor, cfg)
	return p, store, pub, auditor
}

func seedDevice(t *testing.T, store storage.Store, deviceID, orgID string) {
	t.Helper()
	now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	err := store.RegisterDevice(context.Background(), model.Device{
		ID:           deviceID,
		OrgID:        orgID,
		Model:        "iPad Pro",
		Platform:     "iOS",
		RegisteredAt: now,
		LastSeenAt:   now,
	})
	require.NoError(t, err)
}

// manualFixture builds a RELEASED manual whose chapter and section titles
// deliberately avoid every classification keyword.
func manualFixture(id, title string, chapters, sections int) model.Manual {
	manual := model.Manual{
		ID:        id,
		OrgID:     "org-1",
		Title:     title,
		Status:    "RELEASED",
		Version:   "1.0.0",
		UpdatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	for c := 0; c < chapters; c++ {
		chapter := model.Chapter{
			ID:    fmt.Sprintf("%s-ch%d", id, c),
			Title: fmt.Sprintf("Systems Overview %d", c+1),
		}
		for s := 0; s < sections; s++ {
			chapter.Sections = append(chapter.Sections, model.Section{
				ID:         fmt.Sprintf("%s-ch%d-s%d", id, c, s),
				Title:      fmt.Sprintf("General Description %d", s+1),
				BlockCount: 4,
			})
		}
		manual.Chapters = append(manual.Chapters, chapter)
	}
	return manual
}

func seedManuals(t *testing.T, store storage.Store, manuals ...model.Manual) {
	t.Helper()
	for _, manual := range manuals {
		require.NoError(t, store.PutManual(context.Background(), manual))
	}
}

func countItems(plan *model.SyncPlan, manualID string, contentType model.ContentType) int {
	n := 0
	for _, item := range plan.Queue.Items {
		if item.ManualID == manualID && item.ContentType == contentType {
			n++
		}
	}
	return n
}

func TestPlanUnknownDevice(t *testing.T) {
	p, _, _, _ := newTestPlanner(t, DefaultConfig())

	_, err := p.Plan(context.Background(), "ghost", model.ScenarioRoutine)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPlanGranularityRefinement(t *testing.T) {
	p, store, _, _ := newTestPlanner(t, DefaultConfig())
	seedDevice(t, store, "dev-1", "org-1")
	seedManuals(t, store,
		manualFixture("man-critical", "Boeing 737 QRH", 2, 2),
		manualFixture("man-high", "Standard Operating Procedures", 2, 2),
		manualFixture("man-ops", "Route Charts Volume 1", 2, 2),
		manualFixture("man-routine", "Company Newsletter Archive", 2, 2),
	)

	plan, err := p.Plan(context.Background(), "dev-1", model.ScenarioRoutine)
	require.NoError(t, err)

	// CRITICAL_SAFETY: full granularity.
	assert.Equal(t, 1, countItems(plan, "man-critical", model.ContentManual))
	assert.Equal(t, 2, countItems(plan, "man-critical", model.ContentChapter))
	assert.Equal(t, 4, countItems(plan, "man-critical", model.ContentSection))

	// HIGH_SAFETY: manual plus chapters, no sections.
	assert.Equal(t, 1, countItems(plan, "man-high", model.ContentManual))
	assert.Equal(t, 2, countItems(plan, "man-high", model.ContentChapter))
	assert.Equal(t, 0, countItems(plan, "man-high", model.ContentSection))

	// OPERATIONAL and below: manual item only.
	for _, id := range []string{"man-ops", "man-routine"} {
		assert.Equal(t, 1, countItems(plan, id, model.ContentManual))
		assert.Equal(t, 0, countItems(plan, id, model.ContentChapter))
		assert.Equal(t, 0, countItems(plan, id, model.ContentSection))
	}

	assert.Equal(t, 7+3+1+1, plan.TotalItems)
}

// itemKey projects a sync item onto its deterministic fields. Item IDs are
// freshly generated every pass and excluded on purpose.
type itemKey struct {
	ManualID    string
	ChapterID   string
	SectionID   string
	ContentType model.ContentType
	Priority    model.SyncPriority
	Urgency     model.SyncUrgency
	SizeBytes   int64
}

func project(plan *model.SyncPlan) []itemKey {
	keys := make([]itemKey, 0, len(plan.Queue.Items))
	for _, item := range plan.Queue.Items {
		keys = append(keys, itemKey{
			ManualID:    item.ManualID,
			ChapterID:   item.ChapterID,
			SectionID:   item.SectionID,
			ContentType: item.ContentType,
			Priority:    item.Priority,
			Urgency:     item.Urgency,
			SizeBytes:   item.SizeBytes,
		})
	}
	return keys
}

func TestPlanReproducibleOrdering(t *testing.T) {
	p, store, _, _ := newTestPlanner(t, DefaultConfig())
	seedDevice(t, store, "dev-1", "org-1")
	seedManuals(t, store,
		manualFixture("man-a", "Boeing 737 QRH", 3, 3),
		manualFixture("man-b", "Cabin Safety Handbook", 2, 4),
		manualFixture("man-c", "Navigation Supplement", 1, 1),
	)

	first, err := p.Plan(context.Background(), "dev-1", model.ScenarioPreFlight)
	require.NoError(t, err)
	second, err := p.Plan(context.Background(), "dev-1", model.ScenarioPreFlight)
	require.NoError(t, err)

	require.Equal(t, project(first), project(second))
}

func TestPlanQueueOrdering(t *testing.T) {
	p, store, _, _ := newTestPlanner(t, DefaultConfig())
	seedDevice(t, store, "dev-1", "org-1")
	seedManuals(t, store,
		manualFixture("man-a", "Boeing 737 QRH", 3, 3),
		manualFixture("man-b", "Standard Operating Procedures", 2, 4),
		manualFixture("man-c", "Route Charts Volume 1", 2, 2),
		manualFixture("man-d", "Company Newsletter Archive", 1, 1),
	)

	plan, err := p.Plan(context.Background(), "dev-1", model.ScenarioMidFlight)
	require.NoError(t, err)
	require.NotEmpty(t, plan.Queue.Items)

	items := plan.Queue.Items
	for i := 1; i < len(items); i++ {
		a, b := items[i-1], items[i]
		ordered := a.Priority < b.Priority ||
			(a.Priority == b.Priority && a.Urgency < b.Urgency) ||
			(a.Priority == b.Priority && a.Urgency == b.Urgency && a.SizeBytes <= b.SizeBytes)
		assert.True(t, ordered, "items %d and %d out of order: %+v then %+v", i-1, i, a, b)
	}
}

func TestPlanCompliance(t *testing.T) {
	tests := []struct {
		name     string
		scenario model.SyncScenario
		manuals  []model.Manual
		want     model.ComplianceStatus
	}{
		{
			name:     "emergency without critical content",
			scenario: model.ScenarioEmergency,
			manuals:  []model.Manual{manualFixture("man-1", "Crew Scheduling Guide", 1, 1)},
			want:     model.ComplianceNonCompliant,
		},
		{
			name:     "emergency with critical content",
			scenario: model.ScenarioEmergency,
			manuals:  []model.Manual{manualFixture("man-1", "Boeing 737 QRH", 0, 0)},
			want:     model.ComplianceCompliant,
		},
		{
			name:     "pre-flight with critical only",
			scenario: model.ScenarioPreFlight,
			manuals:  []model.Manual{manualFixture("man-1", "Boeing 737 QRH", 0, 0)},
			want:     model.ComplianceRequiresReview,
		},
		{
			name:     "pre-flight with high only",
			scenario: model.ScenarioPreFlight,
			manuals:  []model.Manual{manualFixture("man-1", "Cabin Safety Handbook", 0, 0)},
			want:     model.ComplianceRequiresReview,
		},
		{
			name:     "pre-flight with both",
			scenario: model.ScenarioPreFlight,
			manuals: []model.Manual{
				manualFixture("man-1", "Boeing 737 QRH", 0, 0),
				manualFixture("man-2", "Cabin Safety Handbook", 0, 0),
			},
			want: model.ComplianceCompliant,
		},
		{
			name:     "pre-flight with neither",
			scenario: model.ScenarioPreFlight,
			manuals:  []model.Manual{manualFixture("man-1", "Crew Scheduling Guide", 1, 1)},
			want:     model.ComplianceNonCompliant,
		},
		{
			name:     "routine never requires safety content",
			scenario: model.ScenarioRoutine,
			manuals:  []model.Manual{manualFixture("man-1", "Crew Scheduling Guide", 1, 1)},
			want:     model.ComplianceCompliant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, store, _, _ := newTestPlanner(t, DefaultConfig())
			seedDevice(t, store, "dev-1", "org-1")
			seedManuals(t, store, tt.manuals...)

			plan, err := p.Plan(context.Background(), "dev-1", tt.scenario)
			require.NoError(t, err)
			assert.Equal(t, tt.want, plan.ComplianceStatus)
			assert.Equal(t, tt.want == model.ComplianceCompliant, plan.Queue.AviationCompliant)
		})
	}
}

func TestPlanMissingCriticalContentWarning(t *testing.T) {
	p, store, _, _ := newTestPlanner(t, DefaultConfig())
	seedDevice(t, store, "dev-1", "org-1")
	seedManuals(t, store, manualFixture("man-1", "Crew Scheduling Guide", 1, 1))

	plan, err := p.Plan(context.Background(), "dev-1", model.ScenarioEmergency)
	require.NoError(t, err)
	require.Len(t, plan.Warnings, 1)
	assert.Contains(t, plan.Warnings[0], "no critical safety content")
}

func TestPlanTimeEstimate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Estimator.ManualBaseBytes = 10 * 1024 * 1024

	p, store, _, _ := newTestPlanner(t, cfg)
	seedDevice(t, store, "dev-1", "org-1")
	seedManuals(t, store, manualFixture("man-1", "Crew Scheduling Guide", 0, 0))

	// 10 MB over the ROUTINE 3 MB/s assumption rounds up.
	plan, err := p.Plan(context.Background(), "dev-1", model.ScenarioRoutine)
	require.NoError(t, err)
	assert.Equal(t, 4, plan.Queue.EstimatedTimeMinutes)
	assert.Equal(t, float64(3), plan.BandwidthMBps)
	assert.Equal(t, int64(10*1024*1024), plan.Queue.TotalSizeBytes)
}

func TestPlanOversizeWarning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Estimator.ManualBaseBytes = 1200 * 1024 * 1024

	p, store, _, _ := newTestPlanner(t, cfg)
	seedDevice(t, store, "dev-1", "org-1")
	seedManuals(t, store, manualFixture("man-1", "Crew Scheduling Guide", 0, 0))

	plan, err := p.Plan(context.Background(), "dev-1", model.ScenarioRoutine)
	require.NoError(t, err)
	require.Len(t, plan.Warnings, 1)
	assert.Contains(t, plan.Warnings[0], "exceeds")
	assert.NotEmpty(t, plan.Recommendations)
}

func TestPlanUsesBundleSizeAndChecksum(t *testing.T) {
	p, store, _, _ := newTestPlanner(t, DefaultConfig())
	seedDevice(t, store, "dev-1", "org-1")

	manual := manualFixture("man-1", "Crew Scheduling Guide", 0, 0)
	manual.Bundle = &model.ReaderBundle{
		ID:             "bundle-1",
		ManualID:       "man-1",
		Version:        "1.0.0",
		Checksum:       "abc123",
		ChunkCount:     5,
		TotalSizeBytes: 5 * 1024 * 1024,
		Active:         true,
	}
	seedManuals(t, store, manual)

	plan, err := p.Plan(context.Background(), "dev-1", model.ScenarioRoutine)
	require.NoError(t, err)
	require.Len(t, plan.Queue.Items, 1)
	assert.Equal(t, int64(5*1024*1024), plan.Queue.Items[0].SizeBytes)
	assert.Equal(t, "abc123", plan.Queue.Items[0].Checksum)
}

func TestPlanRetryBudgets(t *testing.T) {
	p, store, _, _ := newTestPlanner(t, DefaultConfig())
	seedDevice(t, store, "dev-1", "org-1")
	seedManuals(t, store, manualFixture("man-1", "Boeing 737 QRH", 0, 0))

	plan, err := p.Plan(context.Background(), "dev-1", model.ScenarioRoutine)
	require.NoError(t, err)
	require.Len(t, plan.Queue.Items, 1)

	item := plan.Queue.Items[0]
	assert.Equal(t, 30, item.TimeoutSeconds)
	assert.Equal(t, 5, item.MaxRetries)
	assert.Equal(t, 0, item.RetryCount)
}

func TestPlanWorkedExample(t *testing.T) {
	p, store, _, _ := newTestPlanner(t, DefaultConfig())
	seedDevice(t, store, "dev-1", "org-1")

	manual := model.Manual{
		ID:        "man-evac",
		OrgID:     "org-1",
		Title:     "Emergency Evacuation Checklist",
		Status:    "RELEASED",
		Version:   "2.1.0",
		UpdatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Chapters: []model.Chapter{{
			ID:    "ch-1",
			Title: "Cabin Evacuation",
			Sections: []model.Section{{
				ID:         "sec-1",
				Title:      "Immediate Actions",
				BlockCount: 6,
			}},
		}},
	}
	seedManuals(t, store, manual)

	plan, err := p.Plan(context.Background(), "dev-1", model.ScenarioPreFlight)
	require.NoError(t, err)

	// Keyword match forces CRITICAL_SAFETY, which unlocks full granularity.
	require.Equal(t, 3, plan.TotalItems)
	for _, item := range plan.Queue.Items {
		assert.Equal(t, model.PriorityCriticalSafety, item.Priority)
		assert.Equal(t, model.UrgencyPreFlight, item.Urgency)
	}
	assert.True(t, plan.Queue.EmergencyProtocols)
}

func TestPlanEmptyCatalog(t *testing.T) {
	p, store, _, _ := newTestPlanner(t, DefaultConfig())
	seedDevice(t, store, "dev-1", "org-1")

	plan, err := p.Plan(context.Background(), "dev-1", model.ScenarioRoutine)
	require.NoError(t, err)
	assert.Equal(t, 0, plan.TotalItems)
	assert.Equal(t, 0, plan.Queue.EstimatedTimeMinutes)
	assert.Equal(t, model.ComplianceCompliant, plan.ComplianceStatus)
	assert.Empty(t, plan.Warnings)
}

func TestPlanEmitsOneAuditEvent(t *testing.T) {
	p, store, pub, auditor := newTestPlanner(t, DefaultConfig())
	seedDevice(t, store, "dev-1", "org-1")
	seedManuals(t, store, manualFixture("man-1", "Boeing 737 QRH", 1, 1))

	plan, err := p.Plan(context.Background(), "dev-1", model.ScenarioPreFlight)
	require.NoError(t, err)
	auditor.Flush()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.planned, 1)
	got := pub.planned[0]
	assert.Equal(t, "sync.planned", got.Action)
	assert.Equal(t, "sync_plan", got.ResourceType)
	assert.Equal(t, plan.ID, got.ResourceID)
	assert.Equal(t, string(model.ScenarioPreFlight), got.ComplianceMetadata["scenario"])
}
