// internal/classify/classify.go
// Package classify assigns sync priorities and urgencies to catalog content.
// Classification is keyword-driven over content titles; the keyword lists and
// the scenario/priority urgency table are injected so deployments can tune
// them without code changes.
package classify

import (
	"strings"

	"github.com/skymanuals/skymanuals-efb-go/internal/model"
)

// ContentClassifier assigns a sync priority and urgency to each syncable
// unit. Implementations must be pure functions of their inputs so planning
// stays reproducible and testable.
type ContentClassifier interface {
	// ClassifyManual ranks a manual from its title and the active scenario.
	ClassifyManual(manual model.Manual, scenario model.SyncScenario) (model.SyncPriority, model.SyncUrgency)
	// ClassifyChapter ranks a chapter, inheriting from its manual's priority
	// unless the chapter title forces an override.
	ClassifyChapter(chapter model.Chapter, manualPriority model.SyncPriority, scenario model.SyncScenario) (model.SyncPriority, model.SyncUrgency)
	// ClassifySection ranks a section, inheriting its chapter's priority
	// unless the section title forces an override.
	ClassifySection(section model.Section, chapterPriority model.SyncPriority, scenario model.SyncScenario) (model.SyncPriority, model.SyncUrgency)
}

// Tables holds the classification keyword lists and the urgency decision
// table. Treat a constructed Tables value as immutable; share it freely
// across goroutines.
type Tables struct {
	// Manual title keywords, checked most-critical first.
	ManualCritical    []string // force CRITICAL_SAFETY
	ManualHigh        []string // force HIGH_SAFETY
	ManualOperational []string // force OPERATIONAL

	// EmergencyPromotion keywords force-promote a manual to CRITICAL_SAFETY
	// when the scenario is EMERGENCY, regardless of base classification.
	EmergencyPromotion []string

	// Chapter title overrides. A chapter with no match is one notch less
	// urgent than its manual.
	ChapterCritical []string // force CRITICAL_SAFETY
	ChapterHigh     []string // force HIGH_SAFETY

	// Section title overrides. A section with no match inherits its chapter.
	SectionCritical []string // force CRITICAL_SAFETY

	// Urgency maps (scenario, priority) to the urgency rank items download
	// under. Missing entries fall back to SCHEDULED.
	Urgency map[model.SyncScenario]map[model.SyncPriority]model.SyncUrgency
}

// DefaultTables returns the stock aviation keyword lists and urgency table.
func DefaultTables() Tables {
	return Tables{
		ManualCritical:     []string{"afm", "aircraft flight manual", "qrh", "quick reference", "emergency", "evacuation"},
		ManualHigh:         []string{"sop", "standard operating", "checklist", "safety"},
		ManualOperational:  []string{"chart", "navigation", "performance", "loading"},
		EmergencyPromotion: []string{"safety", "emergency", "checklist"},
		ChapterCritical:    []string{"emergency", "evacuation", "fire", "ditching"},
		ChapterHigh:        []string{"procedure", "abnormal", "non-normal", "checklist"},
		SectionCritical:    []string{"immediate action", "memory items", "emergency", "evacuation"},
		Urgency: map[model.SyncScenario]map[model.SyncPriority]model.SyncUrgency{
			model.ScenarioEmergency: {
				model.PriorityCriticalSafety: model.UrgencyEmergency,
				model.PriorityHighSafety:     model.UrgencyEmergency,
				model.PriorityOperational:    model.UrgencyPreFlight,
				model.PriorityRoutine:        model.UrgencyMidFlight,
				model.PriorityReference:      model.UrgencyBackground,
				model.PriorityHistorical:     model.UrgencyScheduled,
			},
			model.ScenarioPreFlight: {
				model.PriorityCriticalSafety: model.UrgencyPreFlight,
				model.PriorityHighSafety:     model.UrgencyPreFlight,
				model.PriorityOperational:    model.UrgencyMidFlight,
				model.PriorityRoutine:        model.UrgencyBackground,
				model.PriorityReference:      model.UrgencyScheduled,
				model.PriorityHistorical:     model.UrgencyScheduled,
			},
			model.ScenarioMidFlight: {
				model.PriorityCriticalSafety: model.UrgencyEmergency,
				model.PriorityHighSafety:     model.UrgencyMidFlight,
				model.PriorityOperational:    model.UrgencyMidFlight,
				model.PriorityRoutine:        model.UrgencyBackground,
				model.PriorityReference:      model.UrgencyScheduled,
				model.PriorityHistorical:     model.UrgencyScheduled,
			},
			model.ScenarioExtendedOffline: {
				model.PriorityCriticalSafety: model.UrgencyPreFlight,
				model.PriorityHighSafety:     model.UrgencyMidFlight,
				model.PriorityOperational:    model.UrgencyMidFlight,
				model.PriorityRoutine:        model.UrgencyBackground,
				model.PriorityReference:      model.UrgencyBackground,
				model.PriorityHistorical:     model.UrgencyScheduled,
			},
			model.ScenarioRoutine: {
				model.PriorityCriticalSafety: model.UrgencyMidFlight,
				model.PriorityHighSafety:     model.UrgencyBackground,
				model.PriorityOperational:    model.UrgencyBackground,
				model.PriorityRoutine:        model.UrgencyScheduled,
				model.PriorityReference:      model.UrgencyScheduled,
				model.PriorityHistorical:     model.UrgencyScheduled,
			},
		},
	}
}

// UrgencyFor looks up the urgency for a (scenario, priority) pair.
// Unknown pairs default to SCHEDULED.
func (t Tables) UrgencyFor(scenario model.SyncScenario, priority model.SyncPriority) model.SyncUrgency {
	if byPriority, ok := t.Urgency[scenario]; ok {
		if urgency, ok := byPriority[priority]; ok {
			return urgency
		}
	}
	return model.UrgencyScheduled
}

// KeywordClassifier is the stock ContentClassifier. It matches lowercased
// content titles against the configured keyword lists by substring.
type KeywordClassifier struct {
	tables Tables
}

// NewKeywordClassifier creates a classifier over the given tables.
func NewKeywordClassifier(tables Tables) *KeywordClassifier {
	return &KeywordClassifier{tables: tables}
}

// ClassifyManual ranks a manual by its title. Under the EMERGENCY scenario,
// titles matching the promotion list are forced to CRITICAL_SAFETY.
func (c *KeywordClassifier) ClassifyManual(manual model.Manual, scenario model.SyncScenario) (model.SyncPriority, model.SyncUrgency) {
	title := strings.ToLower(manual.Title)

	priority := model.PriorityRoutine
	switch {
	case containsAny(title, c.tables.ManualCritical):
		priority = model.PriorityCriticalSafety
	case containsAny(title, c.tables.ManualHigh):
		priority = model.PriorityHighSafety
	case containsAny(title, c.tables.ManualOperational):
		priority = model.PriorityOperational
	}

	if scenario == model.ScenarioEmergency && containsAny(title, c.tables.EmergencyPromotion) {
		priority = model.PriorityCriticalSafety
	}

	return priority, c.tables.UrgencyFor(scenario, priority)
}

// ClassifyChapter ranks a chapter. Emergency and procedure keywords override;
// otherwise the chapter sits one notch below its manual, capped at HISTORICAL.
func (c *KeywordClassifier) ClassifyChapter(chapter model.Chapter, manualPriority model.SyncPriority, scenario model.SyncScenario) (model.SyncPriority, model.SyncUrgency) {
	title := strings.ToLower(chapter.Title)

	var priority model.SyncPriority
	switch {
	case containsAny(title, c.tables.ChapterCritical):
		priority = model.PriorityCriticalSafety
	case containsAny(title, c.tables.ChapterHigh):
		priority = model.PriorityHighSafety
	default:
		priority = manualPriority + 1
		if priority > model.PriorityHistorical {
			priority = model.PriorityHistorical
		}
	}

	return priority, c.tables.UrgencyFor(scenario, priority)
}

// ClassifySection ranks a section. Immediate-action keywords force
// CRITICAL_SAFETY; everything else inherits the chapter's priority.
func (c *KeywordClassifier) ClassifySection(section model.Section, chapterPriority model.SyncPriority, scenario model.SyncScenario) (model.SyncPriority, model.SyncUrgency) {
	title := strings.ToLower(section.Title)

	priority := chapterPriority
	if containsAny(title, c.tables.SectionCritical) {
		priority = model.PriorityCriticalSafety
	}

	return priority, c.tables.UrgencyFor(scenario, priority)
}

// containsAny reports whether title contains any of the given keywords.
// Callers pass an already-lowercased title.
func containsAny(title string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(title, keyword) {
			return true
		}
	}
	return false
}
