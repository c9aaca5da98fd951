package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/expense-engine/engine"
	"github.com/warp/expense-engine/logging"
)

// fakeClock is a settable engine.Clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeGenerator scripts pass and single-obligation outcomes.
type fakeGenerator struct {
	mu         sync.Mutex
	passErr    error
	passResult *engine.Result
	onPass     func()
	single     func(id engine.ObligationID) (*engine.Result, error)
	passes     int
	singles    []engine.ObligationID
	batch      int
	parallel   bool
}

func (g *fakeGenerator) RunScheduledPass(_ context.Context, _ engine.OwnerID) (*engine.Result, error) {
	g.mu.Lock()
	g.passes++
	onPass, err, res := g.onPass, g.passErr, g.passResult
	g.mu.Unlock()

	if onPass != nil {
		onPass()
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = engine.NewResult()
	}
	return res, nil
}

func (g *fakeGenerator) GenerateObligation(_ context.Context, id engine.ObligationID) (*engine.Result, error) {
	g.mu.Lock()
	g.singles = append(g.singles, id)
	single := g.single
	g.mu.Unlock()

	if single == nil {
		return engine.NewResult(), nil
	}
	return single(id)
}

func (g *fakeGenerator) SetTuning(batchSize int, parallel bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.batch, g.parallel = batchSize, parallel
}

func (g *fakeGenerator) Tuning() (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.batch, g.parallel
}

func (g *fakeGenerator) setPassErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.passErr = err
}

func (g *fakeGenerator) singleCalls() []engine.ObligationID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]engine.ObligationID(nil), g.singles...)
}

// wednesday noon UTC, away from weekends and month boundaries.
var noon = time.Date(2025, time.March, 12, 12, 0, 0, 0, time.UTC)

func newScheduler(t *testing.T, gen Generator, cfg Config, opts ...Option) (*Scheduler, *fakeClock, *logging.MockLogger) {
	t.Helper()
	clock := newFakeClock(noon)
	logger := logging.NewMockLogger()
	opts = append([]Option{WithClock(clock), WithLogger(logger), WithLoadProbe(func() float64 { return 0 })}, opts...)
	s, err := New(gen, cfg, opts...)
	require.NoError(t, err)
	return s, clock, logger
}

func failureOf(id engine.ObligationID, err error) engine.Failure {
	return engine.Failure{
		Kind:         engine.KindRecurring,
		ObligationID: id,
		Error:        err.Error(),
		Class:        engine.Classify(err),
		Retryable:    engine.IsRetryable(err),
		Err:          err,
	}
}

func resultWith(failures ...engine.Failure) *engine.Result {
	res := engine.NewResult()
	res.Errors = append(res.Errors, failures...)
	return res
}
