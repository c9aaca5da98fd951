package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/expense-engine/engine"
)

var errStoreDown = &engine.PassError{Kind: engine.KindAutomaticDebit, Err: fmt.Errorf("%w: connection refused", engine.ErrTransientStorage)}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	gen := &fakeGenerator{}

	_, err := New(gen, Config{Schedule: "every tuesday"})
	assert.Error(t, err)

	_, err = New(gen, Config{RetrySchedule: "*/99 * * *"})
	assert.Error(t, err)

	_, err = New(gen, Config{MinInterval: 5 * time.Hour, MaxInterval: time.Hour})
	assert.Error(t, err)
}

func TestNew_BaselineFromSchedule(t *testing.T) {
	s, _, _ := newScheduler(t, &fakeGenerator{}, DefaultConfig())
	assert.Equal(t, 6*time.Hour, s.BaselineInterval())
	assert.Equal(t, 6*time.Hour, s.Interval())

	daily, _, _ := newScheduler(t, &fakeGenerator{}, Config{Schedule: "0 2 * * *"})
	assert.Equal(t, 24*time.Hour, daily.BaselineInterval())
}

// =============================================================================
// MAIN PASS
// =============================================================================

func TestRunManualPass_BacksOffAfterConsecutiveFailures(t *testing.T) {
	// GIVEN: a store that is down for every pass
	gen := &fakeGenerator{passErr: errStoreDown}
	s, _, logger := newScheduler(t, gen, DefaultConfig())

	// WHEN: two passes fail the interval holds
	for i := 0; i < 2; i++ {
		_, err := s.RunManualPass(context.Background())
		require.ErrorIs(t, err, engine.ErrWholePass)
	}
	assert.Equal(t, 6*time.Hour, s.Interval())

	// THEN: the third doubles it, and it is capped at the maximum
	_, _ = s.RunManualPass(context.Background())
	assert.Equal(t, 12*time.Hour, s.Interval())
	_, _ = s.RunManualPass(context.Background())
	assert.Equal(t, 24*time.Hour, s.Interval())
	_, _ = s.RunManualPass(context.Background())
	assert.Equal(t, 24*time.Hour, s.Interval())

	m := s.GetStatus().Metrics
	assert.Equal(t, 5, m.FailedRuns)
	assert.Equal(t, 5, m.ConsecutiveFailures)
	assert.NotEmpty(t, m.LastError)
	assert.True(t, logger.HasEntry("ERROR", "Generation pass failed"))

	items := s.Retries().Snapshot()
	require.Len(t, items, 1, "whole-pass retries collapse into one item")
	assert.Equal(t, RetryFullGeneration, items[0].Kind)
}

func TestRunManualPass_NoBackoffWhenAdaptiveDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdaptiveScheduling = false
	s, _, _ := newScheduler(t, &fakeGenerator{passErr: errStoreDown}, cfg)

	for i := 0; i < 4; i++ {
		_, _ = s.RunManualPass(context.Background())
	}

	assert.Equal(t, 6*time.Hour, s.Interval())
	assert.False(t, s.Tune())
}

func TestRunManualPass_QueuesOnlyRetryableFailures(t *testing.T) {
	// GIVEN: one transient and one validation failure, under load
	res := resultWith(
		failureOf("rec-1", fmt.Errorf("%w: database is locked", engine.ErrTransientStorage)),
		failureOf("rec-2", &engine.ValidationError{ObligationID: "rec-2", Missing: []string{"category_id"}}),
	)
	res.Success = append(res.Success, engine.Success{Kind: engine.KindRecurring, ObligationID: "rec-3", AmountARS: decimal.NewFromInt(100)})
	gen := &fakeGenerator{passResult: res}
	s, _, _ := newScheduler(t, gen, DefaultConfig(), WithLoadProbe(func() float64 { return 0.6 }))

	// WHEN: the pass runs
	got, err := s.RunManualPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, got.Generated())

	// THEN: only the transient failure is queued and nothing retried inline
	items := s.Retries().Snapshot()
	require.Len(t, items, 1)
	assert.Equal(t, RetryObligation, items[0].Kind)
	assert.EqualValues(t, "rec-1", items[0].ObligationID)
	assert.Equal(t, engine.KindRecurring, items[0].ObligationKind)
	assert.Empty(t, gen.singleCalls())

	m := s.GetStatus().Metrics
	assert.Equal(t, 1, m.SuccessfulRuns)
	assert.Equal(t, 1, m.EntriesGenerated)
	assert.Equal(t, 2, m.ItemFailures)

	// AND: the next drain clears it
	assert.Equal(t, 1, s.DrainRetries(context.Background()))
	assert.Zero(t, s.Retries().Len())
	assert.Equal(t, []engine.ObligationID{"rec-1"}, gen.singleCalls())
}

func TestRunManualPass_ImmediateRetry(t *testing.T) {
	gen := &fakeGenerator{passResult: resultWith(failureOf("rec-1", engine.ErrTransientStorage))}
	s, _, logger := newScheduler(t, gen, DefaultConfig())

	_, err := s.RunManualPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []engine.ObligationID{"rec-1"}, gen.singleCalls())
	assert.Zero(t, s.Retries().Len())
	assert.True(t, logger.HasEntry("INFO", "Immediate retry succeeded"))
}

func TestRunManualPass_AppliesContextTuning(t *testing.T) {
	gen := &fakeGenerator{}
	s, _, _ := newScheduler(t, gen, DefaultConfig(), WithLoadProbe(func() float64 { return 0.9 }))

	_, err := s.RunManualPass(context.Background())
	require.NoError(t, err)

	batch, parallel := gen.Tuning()
	assert.Equal(t, 5, batch)
	assert.False(t, parallel)

	dm := s.GetDetailedMetrics()
	require.NotNil(t, dm.LastContext)
	assert.Equal(t, "2025-03-12", dm.LastContext.Day)
	assert.Equal(t, 5, dm.BatchSize)
}

func TestRunManualPass_RejectsConcurrentPass(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	gen := &fakeGenerator{onPass: func() {
		close(started)
		<-release
	}}
	s, _, _ := newScheduler(t, gen, DefaultConfig())

	done := make(chan error, 1)
	go func() {
		_, err := s.RunManualPass(context.Background())
		done <- err
	}()
	<-started

	_, err := s.RunManualPass(context.Background())
	assert.ErrorIs(t, err, ErrPassInProgress)
	assert.True(t, s.GetStatus().PassInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, s.GetStatus().PassInProgress)
}

func TestExclusive_SharesPassGuard(t *testing.T) {
	// GIVEN: an ad-hoc pass holds the guard
	s, _, _ := newScheduler(t, &fakeGenerator{}, DefaultConfig())
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := s.Exclusive(context.Background(), func(context.Context) (*engine.Result, error) {
			close(started)
			<-release
			return engine.NewResult(), nil
		})
		done <- err
	}()
	<-started

	// WHEN: the main pass or another ad-hoc pass is requested
	_, err := s.RunManualPass(context.Background())
	assert.ErrorIs(t, err, ErrPassInProgress)
	_, err = s.Exclusive(context.Background(), func(context.Context) (*engine.Result, error) {
		t.Fatal("must not run while another pass holds the guard")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrPassInProgress)

	// THEN: both run again once the guard is released
	close(release)
	require.NoError(t, <-done)
	_, err = s.RunManualPass(context.Background())
	assert.NoError(t, err)
}

// =============================================================================
// RETRY DRAIN
// =============================================================================

func TestDrainRetries_ExhaustsAttempts(t *testing.T) {
	locked := fmt.Errorf("%w: database is locked", engine.ErrTransientStorage)
	gen := &fakeGenerator{
		passResult: resultWith(failureOf("rec-1", locked)),
		single: func(id engine.ObligationID) (*engine.Result, error) {
			return resultWith(failureOf(id, locked)), nil
		},
	}
	s, _, logger := newScheduler(t, gen, DefaultConfig(), WithLoadProbe(func() float64 { return 0.6 }))
	_, err := s.RunManualPass(context.Background())
	require.NoError(t, err)

	assert.Zero(t, s.DrainRetries(context.Background()))
	require.Equal(t, 1, s.Retries().Len())
	assert.Equal(t, 1, s.Retries().Snapshot()[0].Attempts)

	s.DrainRetries(context.Background())
	s.DrainRetries(context.Background())

	assert.Zero(t, s.Retries().Len())
	assert.True(t, logger.HasEntry("ERROR", "Retry attempts exhausted"))
	assert.Len(t, gen.singleCalls(), 3)
}

func TestDrainRetries_DropsMissingObligation(t *testing.T) {
	gen := &fakeGenerator{
		passResult: resultWith(failureOf("rec-1", engine.ErrTransientStorage)),
		single: func(id engine.ObligationID) (*engine.Result, error) {
			return nil, fmt.Errorf("load obligation %s: %w", id, engine.ErrObligationNotFound)
		},
	}
	s, _, logger := newScheduler(t, gen, DefaultConfig(), WithLoadProbe(func() float64 { return 0.6 }))
	_, _ = s.RunManualPass(context.Background())

	assert.Zero(t, s.DrainRetries(context.Background()))
	assert.Zero(t, s.Retries().Len())
	assert.True(t, logger.HasEntry("WARN", "Dropping retry item, error is not retryable"))
}

func TestDrainRetries_FullGenerationRerunsPass(t *testing.T) {
	gen := &fakeGenerator{passErr: errStoreDown}
	s, _, _ := newScheduler(t, gen, DefaultConfig())
	_, _ = s.RunManualPass(context.Background())
	require.Equal(t, 1, s.Retries().Len())

	gen.setPassErr(nil)

	assert.Equal(t, 1, s.DrainRetries(context.Background()))
	assert.Zero(t, s.Retries().Len())
	m := s.GetStatus().Metrics
	assert.Equal(t, 2, m.TotalRuns)
	assert.Zero(t, m.ConsecutiveFailures)
}

func TestDrainRetries_StopsOnCanceledContext(t *testing.T) {
	gen := &fakeGenerator{passErr: errors.New("boom")}
	s, _, _ := newScheduler(t, gen, DefaultConfig())
	_, _ = s.RunManualPass(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Zero(t, s.DrainRetries(ctx))
	assert.Equal(t, 1, s.Retries().Len())
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestStartStop(t *testing.T) {
	s, _, logger := newScheduler(t, &fakeGenerator{}, DefaultConfig())
	assert.Equal(t, StateStopped, s.State())

	require.NoError(t, s.Start())
	defer s.Stop()
	assert.Equal(t, StateRunning, s.State())

	require.NoError(t, s.Start())
	assert.True(t, logger.HasEntry("WARN", "Scheduler already running"))

	st := s.GetStatus()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, "0 */6 * * *", st.Schedule)
	assert.Equal(t, "UTC", st.Timezone)
	require.NotNil(t, st.NextRun)
	assert.True(t, st.NextRun.After(time.Now()))

	s.Stop()
	assert.Equal(t, StateStopped, s.State())
	assert.Nil(t, s.GetStatus().NextRun)

	s.Stop()
	assert.True(t, logger.HasEntry("WARN", "Scheduler not running"))
}

func TestBackoffReschedulesRunningTrigger(t *testing.T) {
	s, _, _ := newScheduler(t, &fakeGenerator{passErr: errStoreDown}, DefaultConfig())
	require.NoError(t, s.Start())
	defer s.Stop()

	for i := 0; i < 3; i++ {
		_, _ = s.RunManualPass(context.Background())
	}

	st := s.GetStatus()
	assert.Equal(t, "12h0m0s", st.Interval)
	require.NotNil(t, st.NextRun)
	assert.True(t, st.NextRun.After(time.Now().Add(11*time.Hour)))
}

// =============================================================================
// PROMETHEUS
// =============================================================================

func TestRegistryCollectsPassMetrics(t *testing.T) {
	res := resultWith(failureOf("rec-1", engine.ErrTransientStorage))
	res.Success = append(res.Success, engine.Success{Kind: engine.KindInstallment, ObligationID: "ins-1"})
	s, _, _ := newScheduler(t, &fakeGenerator{passResult: res}, DefaultConfig(), WithLoadProbe(func() float64 { return 0.6 }))

	_, err := s.RunManualPass(context.Background())
	require.NoError(t, err)

	families, err := s.Registry().Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, 1.0, values["expenses_scheduler_runs_total"])
	assert.Equal(t, 1.0, values["expenses_engine_entries_generated_total"])
	assert.Equal(t, 1.0, values["expenses_engine_item_failures_total"])
	assert.Equal(t, 1.0, values["expenses_scheduler_retry_queue_depth"])
	assert.Equal(t, (6 * time.Hour).Seconds(), values["expenses_scheduler_interval_seconds"])
}
