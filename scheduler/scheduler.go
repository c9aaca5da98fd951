/*
scheduler.go - Cron-driven generation scheduler

PURPOSE:
  Runs the scheduled generation pass on a cron trigger, retries failures
  from a bounded queue and adapts the pass interval to recent health.

TRIGGERS (robfig/cron, configured timezone):
  main pass      configured expression, or a constant delay while backed off
  retry drain    every 15 minutes
  monitor        hourly, logs health warnings
  tuner          every 4 hours, widens/narrows/resets the interval
  maintenance    daily, prunes stale retries and idle metrics

SEE ALSO:
  - engine/orchestrator.go: the passes being scheduled
  - tuner.go: interval arithmetic and health checks
*/
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/warp/expense-engine/engine"
	"github.com/warp/expense-engine/logging"
)

// ErrPassInProgress is returned when a pass is requested while one runs.
var ErrPassInProgress = errors.New("generation pass already in progress")

// Generator is the part of the orchestrator the scheduler drives.
type Generator interface {
	RunScheduledPass(ctx context.Context, owner engine.OwnerID) (*engine.Result, error)
	GenerateObligation(ctx context.Context, id engine.ObligationID) (*engine.Result, error)
	SetTuning(batchSize int, parallel bool)
	Tuning() (batchSize int, parallel bool)
}

// State of the scheduler triggers.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

// Config holds the scheduler settings. Zero fields take DefaultConfig values.
type Config struct {
	Schedule            string
	Location            *time.Location
	RunOnStartup        bool
	RetryEnabled        bool
	AdaptiveScheduling  bool
	RetrySchedule       string
	MonitorSchedule     string
	TunerSchedule       string
	MaintenanceSchedule string
	MaxAttempts         int
	RetryQueueSize      int
	RetryMaxAge         time.Duration
	BackoffMultiplier   float64
	MinInterval         time.Duration
	MaxInterval         time.Duration
	LatencyCeiling      time.Duration
	QueueWarnSize       int
	IdleReset           time.Duration
	BatchSize           int
	Holidays            engine.HolidayCalendar
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Schedule:            "0 */6 * * *",
		Location:            time.UTC,
		RetryEnabled:        true,
		AdaptiveScheduling:  true,
		RetrySchedule:       "*/15 * * * *",
		MonitorSchedule:     "0 * * * *",
		TunerSchedule:       "0 */4 * * *",
		MaintenanceSchedule: "30 3 * * *",
		MaxAttempts:         3,
		RetryQueueSize:      1000,
		RetryMaxAge:         24 * time.Hour,
		BackoffMultiplier:   2,
		MinInterval:         time.Hour,
		MaxInterval:         24 * time.Hour,
		LatencyCeiling:      30 * time.Second,
		QueueWarnSize:       50,
		IdleReset:           7 * 24 * time.Hour,
		BatchSize:           engine.DefaultBatchSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Schedule == "" {
		c.Schedule = d.Schedule
	}
	if c.Location == nil {
		c.Location = d.Location
	}
	if c.RetrySchedule == "" {
		c.RetrySchedule = d.RetrySchedule
	}
	if c.MonitorSchedule == "" {
		c.MonitorSchedule = d.MonitorSchedule
	}
	if c.TunerSchedule == "" {
		c.TunerSchedule = d.TunerSchedule
	}
	if c.MaintenanceSchedule == "" {
		c.MaintenanceSchedule = d.MaintenanceSchedule
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryQueueSize < 1 {
		c.RetryQueueSize = d.RetryQueueSize
	}
	if c.RetryMaxAge <= 0 {
		c.RetryMaxAge = d.RetryMaxAge
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.LatencyCeiling <= 0 {
		c.LatencyCeiling = d.LatencyCeiling
	}
	if c.QueueWarnSize < 1 {
		c.QueueWarnSize = d.QueueWarnSize
	}
	if c.IdleReset <= 0 {
		c.IdleReset = d.IdleReset
	}
	if c.BatchSize < 1 {
		c.BatchSize = d.BatchSize
	}
	return c
}

// Scheduler triggers generation passes and manages retries.
type Scheduler struct {
	cfg      Config
	gen      Generator
	clock    engine.Clock
	logger   logging.Logger
	load     LoadProbe
	retries  *RetryQueue
	metrics  metricsTracker
	prom     *promMetrics
	schedule cron.Schedule
	baseline time.Duration

	mu          sync.Mutex
	state       State
	cron        *cron.Cron
	mainID      cron.EntryID
	mainJob     cron.Job
	interval    time.Duration
	lastContext *RunContext
	widenedAt   int // metrics TotalRuns when the interval was last widened
	warnings    []string

	inFlight atomic.Bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithClock(c engine.Clock) Option { return func(s *Scheduler) { s.clock = c } }
func WithLogger(l logging.Logger) Option { return func(s *Scheduler) { s.logger = l } }
func WithLoadProbe(p LoadProbe) Option { return func(s *Scheduler) { s.load = p } }

// New validates cfg and returns a stopped scheduler.
func New(gen Generator, cfg Config, opts ...Option) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if cfg.MinInterval > cfg.MaxInterval {
		return nil, fmt.Errorf("min interval %s exceeds max interval %s", cfg.MinInterval, cfg.MaxInterval)
	}

	main, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", cfg.Schedule, err)
	}
	for _, expr := range []string{cfg.RetrySchedule, cfg.MonitorSchedule, cfg.TunerSchedule, cfg.MaintenanceSchedule} {
		if _, err := cron.ParseStandard(expr); err != nil {
			return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
		}
	}

	s := &Scheduler{
		cfg:      cfg,
		gen:      gen,
		clock:    engine.SystemClock{},
		retries:  NewRetryQueue(cfg.RetryQueueSize, cfg.MaxAttempts),
		prom:     newPromMetrics(),
		schedule: main,
		state:    StateStopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewLogrusAdapter("info", "text")
	}
	s.logger = s.logger.WithField(logging.FieldComponent, "scheduler")
	if s.load == nil {
		s.load = s.queueLoad
	}

	s.baseline = scheduleInterval(main, s.clock.Now().In(cfg.Location))
	s.interval = s.baseline
	s.prom.interval.Set(s.interval.Seconds())
	return s, nil
}

// scheduleInterval is the gap between the next two firings of sched.
func scheduleInterval(sched cron.Schedule, from time.Time) time.Duration {
	first := sched.Next(from)
	return sched.Next(first).Sub(first)
}

// Registry exposes the scheduler's Prometheus collectors.
func (s *Scheduler) Registry() *prometheus.Registry { return s.prom.registry }

// Retries exposes the retry queue for inspection.
func (s *Scheduler) Retries() *RetryQueue { return s.retries }

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start registers the triggers. Calling it while running only logs a warning.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning {
		s.logger.Warn("Scheduler already running")
		return nil
	}

	recoverer := cron.Recover(cronLogger{s.logger})
	c := cron.New(cron.WithLocation(s.cfg.Location), cron.WithChain(recoverer))
	s.cron = c
	// Schedule bypasses the cron chain, so the main job is wrapped here.
	s.mainJob = cron.NewChain(recoverer).Then(cron.FuncJob(s.scheduledPass))
	s.mainID = c.Schedule(s.mainScheduleLocked(), s.mainJob)

	jobs := []struct {
		expr string
		fn   func()
		on   bool
	}{
		{s.cfg.RetrySchedule, s.drainJob, s.cfg.RetryEnabled},
		{s.cfg.MonitorSchedule, s.monitorJob, true},
		{s.cfg.TunerSchedule, s.tunerJob, s.cfg.AdaptiveScheduling},
		{s.cfg.MaintenanceSchedule, s.maintenanceJob, true},
	}
	for _, j := range jobs {
		if !j.on {
			continue
		}
		if _, err := c.AddFunc(j.expr, j.fn); err != nil {
			s.cron = nil
			return fmt.Errorf("register %q: %w", j.expr, err)
		}
	}

	c.Start()
	s.state = StateRunning
	s.logger.Info("Scheduler started",
		logging.F(logging.FieldSchedule, s.cfg.Schedule),
		logging.F("timezone", s.cfg.Location.String()),
		logging.F(logging.FieldInterval, s.interval.String()))

	if s.cfg.RunOnStartup {
		go s.scheduledPass()
	}
	return nil
}

// Stop removes the triggers. A pass already running is left to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		s.logger.Warn("Scheduler not running")
		return
	}
	s.cron.Stop()
	s.cron = nil
	s.state = StateStopped
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// =============================================================================
// MAIN PASS
// =============================================================================

// RunManualPass runs the main pass now, outside the cron trigger.
func (s *Scheduler) RunManualPass(ctx context.Context) (*engine.Result, error) {
	return s.runPass(ctx, "manual")
}

// Exclusive runs fn under the pass guard shared with the cron and manual
// passes. Returns ErrPassInProgress when another pass holds it.
func (s *Scheduler) Exclusive(ctx context.Context, fn func(context.Context) (*engine.Result, error)) (*engine.Result, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil, ErrPassInProgress
	}
	defer s.inFlight.Store(false)
	return fn(ctx)
}

func (s *Scheduler) scheduledPass() {
	if _, err := s.runPass(context.Background(), "cron"); errors.Is(err, ErrPassInProgress) {
		s.logger.Warn("Skipping scheduled pass, previous pass still running")
	}
}

func (s *Scheduler) runPass(ctx context.Context, trigger string) (*engine.Result, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil, ErrPassInProgress
	}
	defer s.inFlight.Store(false)

	rc := s.analyze()
	s.gen.SetTuning(rc.BatchSize, rc.Parallel)
	log := s.logger.WithFields(
		logging.F("trigger", trigger),
		logging.F(logging.FieldBatchSize, rc.BatchSize),
		logging.F("parallel", rc.Parallel))
	log.Debug("Starting generation pass", logging.F("reasons", rc.Reasons))

	started := s.clock.Now()
	res, err := s.gen.RunScheduledPass(ctx, "")
	elapsed := s.clock.Now().Sub(started)

	m := s.metrics.record(started, elapsed, res, err)
	s.prom.observePass(trigger, elapsed, res, err)

	if err != nil {
		log.WithError(err).Error("Generation pass failed",
			logging.F(logging.FieldDuration, elapsed.Milliseconds()),
			logging.F("consecutive_failures", m.ConsecutiveFailures))
		if s.cfg.RetryEnabled {
			s.enqueue(RetryItem{Kind: RetryFullGeneration, LastError: err.Error()})
		}
		if s.cfg.AdaptiveScheduling && m.ConsecutiveFailures >= failureThreshold {
			s.backoff(m.TotalRuns, "consecutive failures")
		}
		return res, err
	}

	log.Info("Generation pass completed",
		logging.F("generated", res.Generated()),
		logging.F("failed", res.Failed()),
		logging.F(logging.FieldDuration, elapsed.Milliseconds()))

	pending := res.RetryableFailures()
	if rc.ImmediateRetry && len(pending) > 0 {
		pending = s.retryNow(ctx, pending)
	}
	if s.cfg.RetryEnabled {
		for _, f := range pending {
			s.enqueue(RetryItem{
				Kind:           RetryObligation,
				ObligationID:   f.ObligationID,
				ObligationKind: f.Kind,
				LastError:      f.Error,
			})
		}
	}
	return res, nil
}

// analyze runs the context analysis and applies the chosen tuning.
func (s *Scheduler) analyze() RunContext {
	today := engine.DateIn(s.clock.Now(), s.cfg.Location)
	rc := Analyze(today, s.cfg.BatchSize, s.cfg.RetryEnabled, s.cfg.Holidays, s.load())
	s.prom.batchSize.Set(float64(rc.BatchSize))

	s.mu.Lock()
	s.lastContext = &rc
	s.mu.Unlock()
	return rc
}

// retryNow retries each failure once and returns those still failing.
func (s *Scheduler) retryNow(ctx context.Context, failures []engine.Failure) []engine.Failure {
	var still []engine.Failure
	for _, f := range failures {
		if err := s.generateOne(ctx, f.ObligationID); err != nil {
			if engine.IsRetryable(err) {
				f.Err, f.Error = err, err.Error()
				still = append(still, f)
			}
			continue
		}
		s.logger.Info("Immediate retry succeeded",
			logging.F(logging.FieldObligationID, f.ObligationID),
			logging.F(logging.FieldKind, f.Kind))
	}
	return still
}

// generateOne runs a single obligation and folds its failure into err.
func (s *Scheduler) generateOne(ctx context.Context, id engine.ObligationID) error {
	res, err := s.gen.GenerateObligation(ctx, id)
	if err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		f := res.Errors[0]
		if f.Err != nil {
			return f.Err
		}
		return errors.New(f.Error)
	}
	return nil
}

// =============================================================================
// RETRY QUEUE
// =============================================================================

func (s *Scheduler) enqueue(item RetryItem) {
	item.EnqueuedAt = s.clock.Now()
	added, evicted := s.retries.Push(item)
	if evicted != nil {
		s.logger.Warn("Retry queue full, dropped oldest item",
			logging.F("retry_id", evicted.ID),
			logging.F(logging.FieldObligationID, evicted.ObligationID))
	}
	if added {
		s.logger.Debug("Queued for retry",
			logging.F("retry_kind", item.Kind),
			logging.F(logging.FieldObligationID, item.ObligationID))
	}
	s.prom.retryDepth.Set(float64(s.retries.Len()))
}

// DrainRetries processes every pending retry item once and returns how
// many succeeded.
func (s *Scheduler) DrainRetries(ctx context.Context) int {
	succeeded := 0
	for _, item := range s.retries.Pending() {
		if ctx.Err() != nil {
			break
		}
		err := s.retryItem(ctx, item)
		switch {
		case err == nil:
			s.retries.Succeed(item.ID)
			succeeded++
		case errors.Is(err, ErrPassInProgress):
			// a pass is running; picked up by the next drain
		case !engine.IsRetryable(err):
			s.retries.Drop(item.ID)
			s.logger.WithError(err).Warn("Dropping retry item, error is not retryable",
				logging.F(logging.FieldObligationID, item.ObligationID))
		default:
			attempts, exhausted := s.retries.Fail(item.ID, err, s.clock.Now())
			if exhausted {
				s.logger.WithError(err).Error("Retry attempts exhausted",
					logging.F("retry_kind", item.Kind),
					logging.F(logging.FieldObligationID, item.ObligationID),
					logging.F(logging.FieldAttempts, attempts))
			}
		}
	}
	s.prom.retryDepth.Set(float64(s.retries.Len()))
	return succeeded
}

func (s *Scheduler) retryItem(ctx context.Context, item RetryItem) error {
	switch item.Kind {
	case RetryFullGeneration:
		_, err := s.runPass(ctx, "retry")
		return err
	default:
		return s.generateOne(ctx, item.ObligationID)
	}
}

func (s *Scheduler) drainJob() {
	if n := s.DrainRetries(context.Background()); n > 0 {
		s.logger.Info("Retry drain completed", logging.F(logging.FieldCount, n))
	}
}

// queueLoad is the default load probe: retry queue fill ratio.
func (s *Scheduler) queueLoad() float64 {
	return float64(s.retries.Len()) / float64(s.retries.Capacity())
}

// =============================================================================
// INTERVAL
// =============================================================================

// Interval is the current main pass interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// BaselineInterval is the interval implied by the configured schedule.
func (s *Scheduler) BaselineInterval() time.Duration { return s.baseline }

func (s *Scheduler) setInterval(d time.Duration, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d == s.interval {
		return
	}
	prev := s.interval
	s.interval = d
	if s.cron != nil {
		s.cron.Remove(s.mainID)
		s.mainID = s.cron.Schedule(s.mainScheduleLocked(), s.mainJob)
	}
	s.prom.interval.Set(d.Seconds())
	s.logger.Info("Adjusted pass interval",
		logging.F("previous", prev.String()),
		logging.F(logging.FieldInterval, d.String()),
		logging.F(logging.FieldReason, reason))
}

// backoff widens the interval once per recorded run. A failure streak that
// already widened the interval at runs does not widen it again.
func (s *Scheduler) backoff(runs int, reason string) bool {
	s.mu.Lock()
	if runs <= s.widenedAt {
		s.mu.Unlock()
		return false
	}
	s.widenedAt = runs
	cur := s.interval
	s.mu.Unlock()

	next := widen(cur, s.cfg)
	if next == cur {
		return false
	}
	s.setInterval(next, reason)
	return true
}

// mainScheduleLocked is the configured expression at baseline and a
// constant delay otherwise.
func (s *Scheduler) mainScheduleLocked() cron.Schedule {
	if s.interval == s.baseline {
		return s.schedule
	}
	return cron.Every(s.interval)
}

// =============================================================================
// STATUS
// =============================================================================

// Status is the summary returned by GetStatus.
type Status struct {
	State          State      `json:"state"`
	PassInProgress bool       `json:"pass_in_progress"`
	Schedule       string     `json:"schedule"`
	Timezone       string     `json:"timezone"`
	Interval       string     `json:"interval"`
	NextRun        *time.Time `json:"next_run,omitempty"`
	RetryQueueSize int        `json:"retry_queue_size"`
	Metrics        Metrics    `json:"metrics"`
}

// DetailedMetrics is the extended view returned by GetDetailedMetrics.
type DetailedMetrics struct {
	Metrics          Metrics     `json:"metrics"`
	SuccessRate      float64     `json:"success_rate"`
	Interval         string      `json:"interval"`
	BaselineInterval string      `json:"baseline_interval"`
	BatchSize        int         `json:"batch_size"`
	Parallel         bool        `json:"parallel"`
	LastContext      *RunContext `json:"last_context,omitempty"`
	RetryQueue       []RetryItem `json:"retry_queue"`
	Warnings         []string    `json:"warnings,omitempty"`
}

func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	st := Status{
		State:    s.state,
		Schedule: s.cfg.Schedule,
		Timezone: s.cfg.Location.String(),
		Interval: s.interval.String(),
	}
	if s.cron != nil {
		if next := s.cron.Entry(s.mainID).Next; !next.IsZero() {
			st.NextRun = &next
		}
	}
	s.mu.Unlock()

	st.PassInProgress = s.inFlight.Load()
	st.RetryQueueSize = s.retries.Len()
	st.Metrics = s.metrics.snapshot()
	return st
}

func (s *Scheduler) GetDetailedMetrics() DetailedMetrics {
	m := s.metrics.snapshot()
	batch, parallel := s.gen.Tuning()

	s.mu.Lock()
	defer s.mu.Unlock()
	return DetailedMetrics{
		Metrics:          m,
		SuccessRate:      m.SuccessRate(),
		Interval:         s.interval.String(),
		BaselineInterval: s.baseline.String(),
		BatchSize:        batch,
		Parallel:         parallel,
		LastContext:      s.lastContext,
		RetryQueue:       s.retries.Snapshot(),
		Warnings:         append([]string(nil), s.warnings...),
	}
}

// =============================================================================
// CRON LOGGER
// =============================================================================

// cronLogger adapts logging.Logger to cron.Logger.
type cronLogger struct{ l logging.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.WithError(err).Error(msg, kvFields(keysAndValues)...)
}

func kvFields(kv []interface{}) []logging.Field {
	fields := make([]logging.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logging.F(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
