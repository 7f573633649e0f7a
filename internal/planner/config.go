// internal/planner/config.go
// Injectable planning tables: bandwidth assumptions, retry budgets, and the
// size estimator. Deployments tune these without code changes; tests inject
// fixed values.
package planner

import (
	"github.com/skymanuals/skymanuals-efb-go/internal/model"
)

// RetryPolicy is the download budget derived from an item's priority.
type RetryPolicy struct {
	TimeoutSeconds int // per-attempt download timeout
	MaxRetries     int // attempts after the first failure
}

// Estimator holds the fixed byte multipliers used to approximate content
// sizes at planning time. Estimates are planning inputs, not measurements.
type Estimator struct {
	ManualBaseBytes  int64 // fixed overhead per manual
	ChapterBaseBytes int64 // fixed overhead per chapter
	SectionBaseBytes int64 // fixed overhead per section
	BlockBytes       int64 // per content block within a section
}

// SectionBytes estimates one section.
func (e Estimator) SectionBytes(section model.Section) int64 {
	return e.SectionBaseBytes + int64(section.BlockCount)*e.BlockBytes
}

// ChapterBytes estimates one chapter including its sections.
func (e Estimator) ChapterBytes(chapter model.Chapter) int64 {
	total := e.ChapterBaseBytes
	for _, section := range chapter.Sections {
		total += e.SectionBytes(section)
	}
	return total
}

// ManualBytes estimates one manual including its full structure.
func (e Estimator) ManualBytes(manual model.Manual) int64 {
	total := e.ManualBaseBytes
	for _, chapter := range manual.Chapters {
		total += e.ChapterBytes(chapter)
	}
	return total
}

// Config carries the planner's decision tables. Treat a constructed Config
// as immutable; share it freely across goroutines.
type Config struct {
	// Bandwidth is the assumed link speed per scenario in MB/s.
	Bandwidth map[model.SyncScenario]float64
	// Retry maps priority to its download budget.
	Retry map[model.SyncPriority]RetryPolicy
	// Estimator approximates content sizes.
	Estimator Estimator
	// WarnPlanSizeMB is the plan size above which a warning is attached.
	WarnPlanSizeMB float64
}

// DefaultConfig returns the stock planning tables.
func DefaultConfig() Config {
	return Config{
		Bandwidth: map[model.SyncScenario]float64{
			model.ScenarioEmergency:       10,
			model.ScenarioPreFlight:       5,
			model.ScenarioMidFlight:       2,
			model.ScenarioExtendedOffline: 1,
			model.ScenarioRoutine:         3,
		},
		Retry: map[model.SyncPriority]RetryPolicy{
			model.PriorityCriticalSafety: {TimeoutSeconds: 30, MaxRetries: 5},
			model.PriorityHighSafety:     {TimeoutSeconds: 60, MaxRetries: 4},
			model.PriorityOperational:    {TimeoutSeconds: 120, MaxRetries: 3},
			model.PriorityRoutine:        {TimeoutSeconds: 300, MaxRetries: 2},
			model.PriorityReference:      {TimeoutSeconds: 600, MaxRetries: 1},
			model.PriorityHistorical:     {TimeoutSeconds: 900, MaxRetries: 1},
		},
		Estimator: Estimator{
			ManualBaseBytes:  1024 * 1024,
			ChapterBaseBytes: 200 * 1024,
			SectionBaseBytes: 50 * 1024,
			BlockBytes:       2 * 1024,
		},
		WarnPlanSizeMB: 1000,
	}
}

// BandwidthFor returns the assumed bandwidth for a scenario. Unknown or
// non-positive entries fall back to the most conservative assumption.
func (c Config) BandwidthFor(scenario model.SyncScenario) float64 {
	if mbps, ok := c.Bandwidth[scenario]; ok && mbps > 0 {
		return mbps
	}
	return 1
}

// RetryFor returns the download budget for a priority. Unknown entries get
// the slowest budget.
func (c Config) RetryFor(priority model.SyncPriority) RetryPolicy {
	if policy, ok := c.Retry[priority]; ok {
		return policy
	}
	return RetryPolicy{TimeoutSeconds: 900, MaxRetries: 1}
}
