/*
orchestrator.go - The generation pass

PURPOSE:
  Runs the strategies over every candidate obligation and reports what
  happened. It is the only caller of Strategy.Generate.

FLOW (per kind, in ScheduledKinds order):
  1. FindReadyObligations: storage pre-filter
  2. ShouldGenerate: re-validate with the strategy
  3. ValidateForeignKeys: installments only, explicit missing references
  4. UnitOfWork: Generate inside a transaction scoped to the obligation
  5. Record success / skip / failure

ISOLATION:
  A failing or panicking obligation is recorded in Result.Errors and never
  aborts its siblings. Only a storage failure while loading candidates
  aborts the pass (PassError).

BATCHING:
  Obligations are processed in batches of BatchSize. Items of a batch run
  concurrently (bounded by the batch size) unless parallelism is off, in
  which case they run one by one. Results are slotted by position so the
  report order is the storage fetch order either way.

SEE ALSO:
  - strategy.go: per-kind rules
  - scheduler/scheduler.go: periodic triggers and retries
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/warp/expense-engine/logging"
)

const DefaultBatchSize = 10

// Orchestrator runs generation passes.
type Orchestrator struct {
	store      TxStore
	uow        *UnitOfWork
	strategies Strategies
	clock      Clock
	location   *time.Location
	logger     logging.Logger

	mu        sync.RWMutex
	batchSize int
	parallel  bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithClock(c Clock) Option { return func(o *Orchestrator) { o.clock = c } }
func WithLocation(loc *time.Location) Option { return func(o *Orchestrator) { o.location = loc } }
func WithLogger(l logging.Logger) Option { return func(o *Orchestrator) { o.logger = l } }
func WithStrategies(s Strategies) Option { return func(o *Orchestrator) { o.strategies = s } }
func WithBatchSize(n int) Option { return func(o *Orchestrator) { o.batchSize = n } }
func WithParallel(enabled bool) Option { return func(o *Orchestrator) { o.parallel = enabled } }

// NewOrchestrator creates an orchestrator over store. The converter feeds
// the default strategies; it is ignored when WithStrategies is given.
func NewOrchestrator(store TxStore, converter Converter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		uow:       NewUnitOfWork(store),
		clock:     SystemClock{},
		location:  time.UTC,
		batchSize: DefaultBatchSize,
		parallel:  true,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.NewLogrusAdapter("info", "text")
	}
	if o.batchSize < 1 {
		o.batchSize = DefaultBatchSize
	}
	if o.strategies == nil {
		o.strategies = NewStrategies(Deps{
			Converter: converter,
			Logger:    o.logger,
			Now:       o.clock.Now,
		})
	}
	o.logger = o.logger.WithField(logging.FieldComponent, "orchestrator")
	return o
}

// Today is the current calendar day in the reference timezone.
func (o *Orchestrator) Today() Date {
	return DateIn(o.clock.Now(), o.location)
}

// SetTuning adjusts batch size and parallelism for subsequent batches.
func (o *Orchestrator) SetTuning(batchSize int, parallel bool) {
	if batchSize < 1 {
		batchSize = 1
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batchSize = batchSize
	o.parallel = parallel
}

// Tuning returns the current batch size and parallelism.
func (o *Orchestrator) Tuning() (batchSize int, parallel bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.batchSize, o.parallel
}

// =============================================================================
// PASSES
// =============================================================================

// RunScheduledPass generates automatic debits, recurring expenses and
// installments due today. owner may be empty for all owners.
func (o *Orchestrator) RunScheduledPass(ctx context.Context, owner OwnerID) (*Result, error) {
	started := time.Now()
	today := o.Today()
	res := NewResult()
	res.Summary.Date = today

	for _, kind := range ScheduledKinds {
		if err := o.runKind(ctx, kind, owner, today, res); err != nil {
			res.finish(started)
			o.logger.WithError(err).Error("scheduled pass aborted", logging.F(logging.FieldKind, kind))
			return res, err
		}
	}
	res.finish(started)
	o.logSummary("scheduled pass completed", res)
	return res, nil
}

// RunPendingOneTime generates every unprocessed one-time expense.
func (o *Orchestrator) RunPendingOneTime(ctx context.Context, owner OwnerID) (*Result, error) {
	started := time.Now()
	today := o.Today()
	res := NewResult()
	res.Summary.Date = today

	err := o.runKind(ctx, KindOneTime, owner, today, res)
	res.finish(started)
	if err != nil {
		o.logger.WithError(err).Error("one-time pass aborted")
		return res, err
	}
	o.logSummary("one-time pass completed", res)
	return res, nil
}

// RunFullPass runs RunPendingOneTime then RunScheduledPass and merges them.
func (o *Orchestrator) RunFullPass(ctx context.Context, owner OwnerID) (*Result, error) {
	res, err := o.RunPendingOneTime(ctx, owner)
	if err != nil {
		return res, err
	}
	scheduled, err := o.RunScheduledPass(ctx, owner)
	res.Merge(scheduled)
	return res, err
}

// GenerateObligation runs the matching strategy for a single obligation,
// e.g. right after a one-time expense is created or from the retry queue.
// The returned error is only set when the obligation cannot be loaded;
// generation failures are reported in Result.Errors.
func (o *Orchestrator) GenerateObligation(ctx context.Context, id ObligationID) (*Result, error) {
	started := time.Now()
	ob, err := o.store.GetObligation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load obligation %s: %w", id, err)
	}
	st, err := o.strategies.For(ob.Kind)
	if err != nil {
		return nil, err
	}

	today := o.Today()
	res := NewResult()
	res.Summary.Date = today
	res.Stats(ob.Kind).Processed++
	res.record(ob, o.processOne(ctx, st, ob, today))
	res.finish(started)
	return res, nil
}

// ValidateForeignKeys lists the mandatory references of ob that are absent
// or point at nothing. The card reference is checked only when set.
func (o *Orchestrator) ValidateForeignKeys(ctx context.Context, ob *Obligation) ([]string, error) {
	missing := MissingReferences(ob.Refs)
	checks := []struct {
		name string
		ref  RefType
		id   string
	}{
		{"category_id", RefCategory, ob.Refs.CategoryID},
		{"importance_id", RefImportance, ob.Refs.ImportanceID},
		{"payment_method_id", RefPaymentMethod, ob.Refs.PaymentMethodID},
		{"card_id", RefCard, ob.Refs.CardID},
	}
	for _, c := range checks {
		if c.id == "" {
			continue
		}
		ok, err := o.store.ReferenceExists(ctx, c.ref, c.id)
		if err != nil {
			return nil, fmt.Errorf("check %s %s: %w", c.ref, c.id, err)
		}
		if !ok {
			missing = append(missing, c.name)
		}
	}
	return missing, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

type outcomeStatus int

const (
	outcomeSkipped outcomeStatus = iota
	outcomeGenerated
	outcomeFailed
)

type outcome struct {
	status outcomeStatus
	entry  *LedgerEntry
	err    error
}

func (o *Orchestrator) runKind(ctx context.Context, kind Kind, owner OwnerID, today Date, res *Result) error {
	st, err := o.strategies.For(kind)
	if err != nil {
		return &PassError{Kind: kind, Err: err}
	}
	obligations, err := o.store.FindReadyObligations(ctx, kind, owner, today)
	if err != nil {
		return &PassError{Kind: kind, Err: err}
	}
	res.Stats(kind).Processed += len(obligations)

	for start := 0; start < len(obligations); {
		if err := ctx.Err(); err != nil {
			return &PassError{Kind: kind, Err: err}
		}
		batchSize, parallel := o.Tuning()
		end := min(start+batchSize, len(obligations))
		batch := obligations[start:end]

		outcomes := o.runBatch(ctx, st, batch, today, parallel)
		for i := range batch {
			res.record(&batch[i], outcomes[i])
		}
		start = end
	}
	return nil
}

func (o *Orchestrator) runBatch(ctx context.Context, st Strategy, batch []Obligation, today Date, parallel bool) []outcome {
	outcomes := make([]outcome, len(batch))
	if !parallel || len(batch) == 1 {
		for i := range batch {
			outcomes[i] = o.processOne(ctx, st, &batch[i], today)
		}
		return outcomes
	}

	var g errgroup.Group
	g.SetLimit(len(batch))
	for i := range batch {
		g.Go(func() error {
			outcomes[i] = o.processOne(ctx, st, &batch[i], today)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) processOne(ctx context.Context, st Strategy, ob *Obligation, today Date) (out outcome) {
	defer func() {
		if p := recover(); p != nil {
			out = outcome{status: outcomeFailed, err: &StrategyError{
				Kind: st.Kind(), ObligationID: ob.ID, Err: fmt.Errorf("%v", p), Panicked: true,
			}}
		}
		if out.status == outcomeFailed {
			o.logger.WithError(out.err).Error("generation failed",
				logging.F(logging.FieldKind, st.Kind()),
				logging.F(logging.FieldObligationID, ob.ID),
				logging.F(logging.FieldErrorClass, Classify(out.err)))
		}
	}()

	ok, err := st.ShouldGenerate(ctx, o.store, ob, today)
	if err != nil {
		return failed(st.Kind(), ob.ID, err)
	}
	if !ok {
		return outcome{status: outcomeSkipped}
	}

	if ob.Kind == KindInstallment {
		missing, err := o.ValidateForeignKeys(ctx, ob)
		if err != nil {
			return failed(st.Kind(), ob.ID, err)
		}
		if len(missing) > 0 {
			return failed(st.Kind(), ob.ID, &ValidationError{ObligationID: ob.ID, Missing: missing})
		}
	}

	var entry *LedgerEntry
	err = o.uow.Do(ctx, func(ctx context.Context, tx Store) error {
		e, err := st.Generate(ctx, tx, ob, today)
		entry = e
		return err
	})
	switch {
	case errors.Is(err, ErrDuplicateEntry):
		// Another pass won the race for this period.
		return outcome{status: outcomeSkipped}
	case err != nil:
		return failed(st.Kind(), ob.ID, err)
	case entry == nil:
		return outcome{status: outcomeSkipped}
	}

	o.logger.Debug("ledger entry generated",
		logging.F(logging.FieldKind, st.Kind()),
		logging.F(logging.FieldObligationID, ob.ID),
		logging.F(logging.FieldEntryID, entry.ID),
		logging.F(logging.FieldPeriod, entry.Period))
	return outcome{status: outcomeGenerated, entry: entry}
}

// failed classifies err: validation and transient errors pass through,
// everything else becomes a StrategyError.
func failed(kind Kind, id ObligationID, err error) outcome {
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		err = &StrategyError{Kind: kind, ObligationID: id, Err: err, Panicked: true}
	case Classify(err) == ClassStrategy && !errors.Is(err, ErrStrategy):
		err = &StrategyError{Kind: kind, ObligationID: id, Err: err}
	}
	return outcome{status: outcomeFailed, err: err}
}

func (r *Result) record(ob *Obligation, out outcome) {
	stats := r.Stats(ob.Kind)
	switch out.status {
	case outcomeGenerated:
		stats.Generated++
		r.Success = append(r.Success, Success{
			Kind:              ob.Kind,
			ObligationID:      ob.ID,
			OwnerID:           ob.OwnerID,
			EntryID:           out.entry.ID,
			Period:            out.entry.Period,
			AmountARS:         out.entry.AmountARS,
			AmountUSD:         out.entry.AmountUSD,
			InstallmentNumber: out.entry.InstallmentNumber,
		})
	case outcomeFailed:
		stats.Failed++
		r.Errors = append(r.Errors, Failure{
			Kind:         ob.Kind,
			ObligationID: ob.ID,
			OwnerID:      ob.OwnerID,
			Error:        out.err.Error(),
			Class:        Classify(out.err),
			Retryable:    IsRetryable(out.err),
			Err:          out.err,
		})
	default:
		stats.Skipped++
	}
}

func (o *Orchestrator) logSummary(msg string, res *Result) {
	fields := []logging.Field{
		logging.F(logging.FieldCount, res.Summary.TotalProcessed),
		logging.F("generated", res.Generated()),
		logging.F("failed", res.Failed()),
		logging.F(logging.FieldDuration, res.Summary.ProcessingTimeMs),
	}
	if res.Failed() > 0 {
		o.logger.Warn(msg, fields...)
		return
	}
	o.logger.Info(msg, fields...)
}
