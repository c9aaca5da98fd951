package scheduler

import (
	"github.com/warp/expense-engine/engine"
)

const maxBatchSize = 50

// Load thresholds for the context analysis (0 idle .. 1 saturated).
const (
	loadNoImmediateRetry = 0.5
	loadSequential       = 0.8
)

// LoadProbe reports current system load between 0 and 1.
type LoadProbe func() float64

// RunContext is the outcome of the pre-pass context analysis.
type RunContext struct {
	Date           engine.Date `json:"-"`
	Day            string      `json:"date"`
	Weekend        bool        `json:"weekend"`
	Holiday        bool        `json:"holiday"`
	MonthBoundary  bool        `json:"month_boundary"`
	Load           float64     `json:"load"`
	BatchSize      int         `json:"batch_size"`
	Parallel       bool        `json:"parallel"`
	ImmediateRetry bool        `json:"immediate_retry"`
	Reasons        []string    `json:"reasons,omitempty"`
}

// Analyze tunes the next pass for today.
//
//	month boundary (first two / last two days): payment days cluster, double the batch
//	weekend or holiday: little competing traffic, batch +50%
//	load >= 0.5: no immediate retry
//	load >= 0.8: sequential, half batch
func Analyze(today engine.Date, baseBatch int, retryEnabled bool, holidays engine.HolidayCalendar, load float64) RunContext {
	if baseBatch < 1 {
		baseBatch = engine.DefaultBatchSize
	}
	rc := RunContext{
		Date:           today,
		Day:            today.String(),
		Weekend:        today.IsWeekend(),
		Holiday:        holidays != nil && holidays.IsHoliday(today),
		MonthBoundary:  today.Day <= 2 || today.Day >= today.DaysInMonth()-1,
		Load:           load,
		BatchSize:      baseBatch,
		Parallel:       true,
		ImmediateRetry: retryEnabled,
	}

	if rc.MonthBoundary {
		rc.BatchSize *= 2
		rc.Reasons = append(rc.Reasons, "month boundary")
	}
	if rc.Weekend || rc.Holiday {
		rc.BatchSize += rc.BatchSize / 2
		rc.Reasons = append(rc.Reasons, "off-peak day")
	}
	if load >= loadNoImmediateRetry {
		rc.ImmediateRetry = false
		rc.Reasons = append(rc.Reasons, "elevated load")
	}
	if load >= loadSequential {
		rc.Parallel = false
		rc.BatchSize /= 2
		rc.Reasons = append(rc.Reasons, "high load")
	}

	rc.BatchSize = min(max(rc.BatchSize, 1), maxBatchSize)
	return rc
}
