// internal/classify/classify_test.go
package classify

import (
	"testing"

	"github.com/skymanuals/skymanuals-efb-go/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyManualKeywords(t *testing.T) {
	classifier := NewKeywordClassifier(DefaultTables())

	tests := []struct {
		title    string
		priority model.SyncPriority
	}{
		{"Boeing 737 AFM", model.PriorityCriticalSafety},
		{"Aircraft Flight Manual Rev 12", model.PriorityCriticalSafety},
		{"QRH Quick Reference Handbook", model.PriorityCriticalSafety},
		{"Emergency Evacuation Checklist", model.PriorityCriticalSafety},
		{"Standard Operating Procedures", model.PriorityHighSafety},
		{"Cabin Safety Handbook", model.PriorityHighSafety},
		{"Normal Checklist Booklet", model.PriorityHighSafety},
		{"Route Charts Volume 1", model.PriorityOperational},
		{"Navigation Supplement", model.PriorityOperational},
		{"Weight and Loading Data", model.PriorityOperational},
		{"Company Newsletter Archive", model.PriorityRoutine},
		{"Crew Scheduling Guide", model.PriorityRoutine},
	}

	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			priority, _ := classifier.ClassifyManual(model.Manual{Title: tt.title}, model.ScenarioRoutine)
			assert.Equal(t, tt.priority, priority)
		})
	}
}

func TestClassifyManualEmergencyPromotion(t *testing.T) {
	classifier := NewKeywordClassifier(DefaultTables())

	// HIGH_SAFETY under a routine scenario, promoted under EMERGENCY.
	manual := model.Manual{Title: "Cabin Safety Handbook"}
	priority, _ := classifier.ClassifyManual(manual, model.ScenarioRoutine)
	require.Equal(t, model.PriorityHighSafety, priority)

	priority, urgency := classifier.ClassifyManual(manual, model.ScenarioEmergency)
	assert.Equal(t, model.PriorityCriticalSafety, priority)
	assert.Equal(t, model.UrgencyEmergency, urgency)

	// No promotion keyword: EMERGENCY scenario leaves the base class alone.
	priority, _ = classifier.ClassifyManual(model.Manual{Title: "Route Charts Volume 1"}, model.ScenarioEmergency)
	assert.Equal(t, model.PriorityOperational, priority)
}

func TestClassifyManualWorkedExample(t *testing.T) {
	classifier := NewKeywordClassifier(DefaultTables())

	priority, urgency := classifier.ClassifyManual(
		model.Manual{Title: "Emergency Evacuation Checklist"}, model.ScenarioPreFlight)
	assert.Equal(t, model.PriorityCriticalSafety, priority)
	assert.Equal(t, model.UrgencyPreFlight, urgency)
}

func TestClassifyChapter(t *testing.T) {
	classifier := NewKeywordClassifier(DefaultTables())

	tests := []struct {
		name           string
		title          string
		manualPriority model.SyncPriority
		want           model.SyncPriority
	}{
		{"critical override", "Engine Fire", model.PriorityRoutine, model.PriorityCriticalSafety},
		{"critical beats high keywords", "Emergency Procedures", model.PriorityRoutine, model.PriorityCriticalSafety},
		{"high override", "Abnormal Operations", model.PriorityRoutine, model.PriorityHighSafety},
		{"one notch below manual", "Fuel System", model.PriorityOperational, model.PriorityRoutine},
		{"capped at historical", "Appendix C", model.PriorityHistorical, model.PriorityHistorical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			priority, _ := classifier.ClassifyChapter(model.Chapter{Title: tt.title}, tt.manualPriority, model.ScenarioRoutine)
			assert.Equal(t, tt.want, priority)
		})
	}
}

func TestClassifySection(t *testing.T) {
	classifier := NewKeywordClassifier(DefaultTables())

	priority, _ := classifier.ClassifySection(model.Section{Title: "Memory Items"}, model.PriorityRoutine, model.ScenarioRoutine)
	assert.Equal(t, model.PriorityCriticalSafety, priority)

	priority, _ = classifier.ClassifySection(model.Section{Title: "Normal Takeoff"}, model.PriorityHighSafety, model.ScenarioRoutine)
	assert.Equal(t, model.PriorityHighSafety, priority, "sections without overrides inherit the chapter priority")
}

func TestUrgencyMonotonicAcrossScenarios(t *testing.T) {
	tables := DefaultTables()
	scenarios := []model.SyncScenario{
		model.ScenarioEmergency,
		model.ScenarioPreFlight,
		model.ScenarioMidFlight,
		model.ScenarioExtendedOffline,
		model.ScenarioRoutine,
	}

	// CRITICAL_SAFETY content must never be less urgent than ROUTINE
	// content under the same scenario.
	for _, scenario := range scenarios {
		critical := tables.UrgencyFor(scenario, model.PriorityCriticalSafety)
		routine := tables.UrgencyFor(scenario, model.PriorityRoutine)
		assert.LessOrEqual(t, critical, routine, "scenario %s", scenario)
	}
}

func TestUrgencyUnknownScenarioDefaults(t *testing.T) {
	tables := DefaultTables()
	assert.Equal(t, model.UrgencyScheduled, tables.UrgencyFor(model.SyncScenario("DIVERSION"), model.PriorityCriticalSafety))
}
