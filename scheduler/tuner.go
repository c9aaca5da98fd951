package scheduler

import (
	"fmt"
	"time"

	"github.com/warp/expense-engine/logging"
)

const (
	// failureThreshold consecutive failed passes trigger backoff.
	failureThreshold = 3

	minRunsForRate   = 5
	lowSuccessRate   = 0.7
	recoveredRate    = 0.9
	narrowRate       = 0.99
	minRunsForNarrow = 10
)

// widen multiplies cur by the backoff multiplier, capped at MaxInterval.
func widen(cur time.Duration, cfg Config) time.Duration {
	next := time.Duration(float64(cur) * cfg.BackoffMultiplier)
	return min(next, cfg.MaxInterval)
}

// narrow divides cur by the backoff multiplier, floored at MinInterval.
func narrow(cur time.Duration, cfg Config) time.Duration {
	next := time.Duration(float64(cur) / cfg.BackoffMultiplier)
	return max(next, cfg.MinInterval)
}

// NextInterval decides the main pass interval from the rolling metrics.
// An empty reason means no change.
func NextInterval(cur, baseline time.Duration, m Metrics, cfg Config) (time.Duration, string) {
	rate := m.SuccessRate()
	switch {
	case m.ConsecutiveFailures >= failureThreshold:
		return widen(cur, cfg), "consecutive failures"
	case m.TotalRuns >= minRunsForRate && rate < lowSuccessRate:
		return widen(cur, cfg), "low success rate"
	case cur > baseline && m.ConsecutiveFailures == 0 && rate > recoveredRate:
		return baseline, "recovered"
	case cur <= baseline && m.ConsecutiveFailures == 0 && m.TotalRuns >= minRunsForNarrow && rate >= narrowRate:
		if next := narrow(cur, cfg); next < cur {
			return next, "stable"
		}
	}
	return cur, ""
}

// Tune applies NextInterval. Reports whether the interval changed.
func (s *Scheduler) Tune() bool {
	if !s.cfg.AdaptiveScheduling {
		return false
	}
	cur := s.Interval()
	m := s.metrics.snapshot()
	next, reason := NextInterval(cur, s.baseline, m, s.cfg)
	if reason == "" || next == cur {
		return false
	}
	if next > cur {
		return s.backoff(m.TotalRuns, reason)
	}
	s.setInterval(next, reason)
	return true
}

func (s *Scheduler) tunerJob() { s.Tune() }

// CheckHealth returns the current health warnings and logs each one.
func (s *Scheduler) CheckHealth() []string {
	m := s.metrics.snapshot()
	var warnings []string

	if m.TotalRuns >= minRunsForRate && m.SuccessRate() < lowSuccessRate {
		warnings = append(warnings, fmt.Sprintf("success rate %.0f%% over %d runs", m.SuccessRate()*100, m.TotalRuns))
	}
	if avg := m.AverageExecutionTime(); m.TotalRuns > 0 && avg > s.cfg.LatencyCeiling {
		warnings = append(warnings, fmt.Sprintf("average pass time %s exceeds %s", avg.Round(time.Millisecond), s.cfg.LatencyCeiling))
	}
	if n := s.retries.Len(); n > s.cfg.QueueWarnSize {
		warnings = append(warnings, fmt.Sprintf("retry queue holds %d items", n))
	}

	for _, w := range warnings {
		s.logger.Warn("Scheduler health warning", logging.F(logging.FieldReason, w))
	}

	s.mu.Lock()
	s.warnings = warnings
	s.mu.Unlock()
	return warnings
}

func (s *Scheduler) monitorJob() { s.CheckHealth() }

// Maintain prunes stale retry items and resets metrics after a long idle
// period.
func (s *Scheduler) Maintain() {
	now := s.clock.Now()
	if n := s.retries.PruneOlderThan(now.Add(-s.cfg.RetryMaxAge)); n > 0 {
		s.logger.Info("Pruned stale retry items", logging.F(logging.FieldCount, n))
		s.prom.retryDepth.Set(float64(s.retries.Len()))
	}

	m := s.metrics.snapshot()
	if m.LastRunAt != nil && now.Sub(*m.LastRunAt) >= s.cfg.IdleReset {
		s.metrics.reset()
		s.mu.Lock()
		s.widenedAt = 0
		s.mu.Unlock()
		s.logger.Info("Reset scheduler metrics after idle period",
			logging.F("last_run_at", m.LastRunAt.Format(time.RFC3339)))
	}
}

func (s *Scheduler) maintenanceJob() { s.Maintain() }
