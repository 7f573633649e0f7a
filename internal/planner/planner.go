// internal/planner/planner.go
// Package planner builds priority-ordered sync plans for EFB devices.
// A plan walks every RELEASED manual in the device's organization, classifies
// each syncable unit, refines granularity by priority, and emits an ordered
// download queue with compliance assessment and time estimates.
package planner

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/skymanuals/skymanuals-efb-go/internal/classify"
	"github.com/skymanuals/skymanuals-efb-go/internal/event"
	"github.com/skymanuals/skymanuals-efb-go/internal/metrics"
	"github.com/skymanuals/skymanuals-efb-go/internal/model"
	"github.com/skymanuals/skymanuals-efb-go/internal/storage"
)

// Planner builds sync plans. Safe for concurrent use across devices; a
// planning pass holds no state beyond its own inputs and outputs.
type Planner struct {
	store      storage.Store
	classifier classify.ContentClassifier
	auditor    *event.Auditor
	cfg        Config
	metrics    *metrics.Metrics
}

// New creates a Planner over the given collaborators.
func New(store storage.Store, classifier classify.ContentClassifier, auditor *event.Auditor, cfg Config) *Planner {
	return &Planner{
		store:      store,
		classifier: classifier,
		auditor:    auditor,
		cfg:        cfg,
		metrics:    metrics.NewMetrics(),
	}
}

// Plan produces an immutable sync plan for one device under one scenario.
// Returns storage.ErrNotFound when the device is unknown; any other storage
// failure propagates so callers can surface it as an upstream outage.
func (p *Planner) Plan(ctx context.Context, deviceID string, scenario model.SyncScenario) (*model.SyncPlan, error) {
	start := time.Now()

	device, err := p.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("device lookup: %w", err)
	}

	manuals, err := p.store.GetReleasedManuals(ctx, device.OrgID)
	if err != nil {
		return nil, fmt.Errorf("catalog read: %w", err)
	}

	items := p.buildItems(device.ID, manuals, scenario)

	// Smallest, most urgent items first. The sort must be stable so plans
	// are reproducible over a fixed catalog.
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority < items[j].Priority
		}
		if items[i].Urgency != items[j].Urgency {
			return items[i].Urgency < items[j].Urgency
		}
		return items[i].SizeBytes < items[j].SizeBytes
	})

	var totalSize int64
	critical, high := 0, 0
	for _, item := range items {
		totalSize += item.SizeBytes
		switch item.Priority {
		case model.PriorityCriticalSafety:
			critical++
		case model.PriorityHighSafety:
			high++
		}
	}

	bandwidth := p.cfg.BandwidthFor(scenario)
	totalMB := float64(totalSize) / (1024 * 1024)
	estimatedMinutes := 0
	if totalSize > 0 {
		estimatedMinutes = int(math.Ceil(totalMB / bandwidth))
	}

	status := complianceFor(scenario, critical, high)

	plan := &model.SyncPlan{
		ID:       ulid.Make().String(),
		DeviceID: device.ID,
		Scenario: scenario,
		Queue: model.SyncQueue{
			Items:                items,
			TotalSizeBytes:       totalSize,
			EstimatedTimeMinutes: estimatedMinutes,
			AviationCompliant:    status == model.ComplianceCompliant,
			EmergencyProtocols:   critical > 0,
		},
		TotalItems:        len(items),
		CriticalItems:     critical,
		HighPriorityItems: high,
		BandwidthMBps:     bandwidth,
		ComplianceStatus:  status,
		Warnings:          p.warnings(scenario, critical, totalMB),
		Recommendations:   p.recommendations(scenario, critical, totalMB),
		GeneratedAt:       time.Now().UTC(),
	}

	p.auditor.SyncPlanned(model.AuditEvent{
		Action:       "sync.planned",
		ResourceType: "sync_plan",
		ResourceID:   plan.ID,
		ComplianceMetadata: map[string]interface{}{
			"deviceId":             device.ID,
			"scenario":             string(scenario),
			"totalItems":           plan.TotalItems,
			"criticalItems":        plan.CriticalItems,
			"highPriorityItems":    plan.HighPriorityItems,
			"complianceStatus":     string(status),
			"totalSizeBytes":       totalSize,
			"estimatedTimeMinutes": estimatedMinutes,
		},
		Tags: []string{"efb", "sync", string(scenario)},
	})

	p.metrics.SyncPlanTotal.WithLabelValues(string(scenario), string(status)).Inc()
	p.metrics.SyncPlanDuration.WithLabelValues(string(scenario)).Observe(time.Since(start).Seconds())
	p.metrics.SyncPlanItems.WithLabelValues(string(scenario)).Observe(float64(len(items)))

	slog.Info("sync plan generated",
		"planId", plan.ID,
		"deviceId", device.ID,
		"scenario", scenario,
		"totalItems", plan.TotalItems,
		"criticalItems", critical,
		"compliance", status,
		"estimatedTimeMinutes", estimatedMinutes)

	return plan, nil
}

// buildItems walks the catalog and emits one item per syncable unit under
// the refinement rule: every manual gets a MANUAL item; manuals at
// HIGH_SAFETY or better also get CHAPTER items; CRITICAL_SAFETY manuals
// additionally get SECTION items. Finer granularity is reserved for content
// a crew cannot be without, bounding item counts for low-priority material.
func (p *Planner) buildItems(deviceID string, manuals []model.Manual, scenario model.SyncScenario) []model.SyncItem {
	items := []model.SyncItem{}

	for _, manual := range manuals {
		manualPriority, manualUrgency := p.classifier.ClassifyManual(manual, scenario)

		manualItem := model.SyncItem{
			ID:           ulid.Make().String(),
			DeviceID:     deviceID,
			ManualID:     manual.ID,
			Priority:     manualPriority,
			Urgency:      manualUrgency,
			ContentType:  model.ContentManual,
			SizeBytes:    p.manualSize(manual),
			Version:      manual.Version,
			LastModified: manual.UpdatedAt,
		}
		if manual.Bundle != nil {
			manualItem.Checksum = manual.Bundle.Checksum
		}
		p.applyRetryPolicy(&manualItem)
		items = append(items, manualItem)

		if manualPriority > model.PriorityHighSafety {
			continue
		}

		for _, chapter := range manual.Chapters {
			chapterPriority, chapterUrgency := p.classifier.ClassifyChapter(chapter, manualPriority, scenario)

			chapterItem := model.SyncItem{
				ID:           ulid.Make().String(),
				DeviceID:     deviceID,
				ManualID:     manual.ID,
				ChapterID:    chapter.ID,
				Priority:     chapterPriority,
				Urgency:      chapterUrgency,
				ContentType:  model.ContentChapter,
				SizeBytes:    p.cfg.Estimator.ChapterBytes(chapter),
				Version:      manual.Version,
				LastModified: manual.UpdatedAt,
			}
			p.applyRetryPolicy(&chapterItem)
			items = append(items, chapterItem)

			if manualPriority != model.PriorityCriticalSafety {
				continue
			}

			for _, section := range chapter.Sections {
				sectionPriority, sectionUrgency := p.classifier.ClassifySection(section, chapterPriority, scenario)

				sectionItem := model.SyncItem{
					ID:           ulid.Make().String(),
					DeviceID:     deviceID,
					ManualID:     manual.ID,
					ChapterID:    chapter.ID,
					SectionID:    section.ID,
					Priority:     sectionPriority,
					Urgency:      sectionUrgency,
					ContentType:  model.ContentSection,
					SizeBytes:    p.cfg.Estimator.SectionBytes(section),
					Version:      manual.Version,
					LastModified: manual.UpdatedAt,
				}
				p.applyRetryPolicy(&sectionItem)
				items = append(items, sectionItem)
			}
		}
	}

	return items
}

// manualSize prefers the active bundle's measured size over the heuristic
// estimate when one exists.
func (p *Planner) manualSize(manual model.Manual) int64 {
	if manual.Bundle != nil && manual.Bundle.TotalSizeBytes > 0 {
		return manual.Bundle.TotalSizeBytes
	}
	return p.cfg.Estimator.ManualBytes(manual)
}

// applyRetryPolicy stamps the download budget derived from item priority.
func (p *Planner) applyRetryPolicy(item *model.SyncItem) {
	policy := p.cfg.RetryFor(item.Priority)
	item.TimeoutSeconds = policy.TimeoutSeconds
	item.MaxRetries = policy.MaxRetries
}

// complianceFor assesses a plan against scenario safety requirements.
// EMERGENCY plans must carry critical content; PRE_FLIGHT plans must carry
// both critical and high-safety content; all other scenarios have no
// safety-content requirement.
func complianceFor(scenario model.SyncScenario, critical, high int) model.ComplianceStatus {
	switch scenario {
	case model.ScenarioEmergency:
		if critical > 0 {
			return model.ComplianceCompliant
		}
		return model.ComplianceNonCompliant
	case model.ScenarioPreFlight:
		switch {
		case critical > 0 && high > 0:
			return model.ComplianceCompliant
		case critical > 0 || high > 0:
			return model.ComplianceRequiresReview
		default:
			return model.ComplianceNonCompliant
		}
	default:
		return model.ComplianceCompliant
	}
}

// warnings collects non-fatal planning concerns.
func (p *Planner) warnings(scenario model.SyncScenario, critical int, totalMB float64) []string {
	warnings := []string{}
	if (scenario == model.ScenarioEmergency || scenario == model.ScenarioPreFlight) && critical == 0 {
		warnings = append(warnings, fmt.Sprintf("no critical safety content available for %s scenario", scenario))
	}
	if totalMB > p.cfg.WarnPlanSizeMB {
		warnings = append(warnings, fmt.Sprintf("plan size %.0f MB exceeds %.0f MB, expect long sync times on constrained links", totalMB, p.cfg.WarnPlanSizeMB))
	}
	return warnings
}

// recommendations collects operator hints. Non-normative; clients may
// display or ignore them.
func (p *Planner) recommendations(scenario model.SyncScenario, critical int, totalMB float64) []string {
	recommendations := []string{}
	if scenario == model.ScenarioExtendedOffline {
		recommendations = append(recommendations, "complete this sync on ground WiFi before extended offline operations")
	}
	if totalMB > p.cfg.WarnPlanSizeMB {
		recommendations = append(recommendations, "sync critical and high priority content first and defer reference material")
	}
	if scenario == model.ScenarioEmergency && critical > 0 {
		recommendations = append(recommendations, "verify critical safety content opens on the device after download")
	}
	return recommendations
}
