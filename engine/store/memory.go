// Package store provides an in-memory engine.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/expense-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	state *state
	fault FaultFunc
}

// FaultFunc lets tests inject storage failures. It is called with the
// operation name ("find", "get", "create_entry", "update_state", ...) and
// the obligation involved, if any. A non-nil error is returned verbatim.
type FaultFunc func(op string, id engine.ObligationID) error

type periodKey struct {
	kind   engine.Kind
	id     engine.ObligationID
	period string
}

type state struct {
	obligations map[engine.ObligationID]engine.Obligation
	order       []engine.ObligationID
	cards       map[string]engine.CreditCard
	refs        map[engine.RefType]map[string]bool
	entries     []engine.LedgerEntry
	periods     map[periodKey]engine.EntryID
	installs    map[engine.ObligationID]int
}

func newState() *state {
	return &state{
		obligations: make(map[engine.ObligationID]engine.Obligation),
		cards:       make(map[string]engine.CreditCard),
		refs:        make(map[engine.RefType]map[string]bool),
		periods:     make(map[periodKey]engine.EntryID),
		installs:    make(map[engine.ObligationID]int),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

// SetFault installs (or clears, with nil) a fault injector.
func (m *Memory) SetFault(f FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = f
}

func (m *Memory) inject(op string, id engine.ObligationID) error {
	if m.fault == nil {
		return nil
	}
	return m.fault(op, id)
}

// =============================================================================
// SEEDING - Obligations, cards and references are owned by other services;
// these methods exist to load them.
// =============================================================================

// SaveObligation inserts or replaces an obligation.
func (m *Memory) SaveObligation(_ context.Context, o engine.Obligation) error {
	if !o.Kind.Valid() {
		return fmt.Errorf("%w: %q", engine.ErrUnknownKind, o.Kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.obligations[o.ID]; !ok {
		m.state.order = append(m.state.order, o.ID)
	}
	m.state.obligations[o.ID] = cloneObligation(o)
	return nil
}

func (m *Memory) SaveCard(_ context.Context, c engine.CreditCard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.cards[c.ID] = c
	m.state.addRef(engine.RefCard, c.ID)
	return nil
}

// SaveReference registers a category, importance or payment method id.
func (m *Memory) SaveReference(_ context.Context, ref engine.RefType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.addRef(ref, id)
	return nil
}

// ListLedgerEntries returns the entries of owner (all owners when empty)
// in creation order.
func (m *Memory) ListLedgerEntries(_ context.Context, owner engine.OwnerID) ([]engine.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.LedgerEntry
	for _, e := range m.state.entries {
		if owner == "" || e.OwnerID == owner {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// READER
// =============================================================================

func (m *Memory) FindReadyObligations(_ context.Context, kind engine.Kind, owner engine.OwnerID, today engine.Date) ([]engine.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.inject("find", ""); err != nil {
		return nil, err
	}
	return m.state.findReady(kind, owner, today), nil
}

func (m *Memory) GetObligation(_ context.Context, id engine.ObligationID) (*engine.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.inject("get", id); err != nil {
		return nil, err
	}
	return m.state.get(id)
}

func (m *Memory) GetCard(_ context.Context, id string) (*engine.CreditCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.card(id)
}

func (m *Memory) ReferenceExists(_ context.Context, ref engine.RefType, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.refs[ref][id], nil
}

func (m *Memory) CountGeneratedInstallments(_ context.Context, id engine.ObligationID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.inject("count", id); err != nil {
		return 0, err
	}
	return m.state.installs[id], nil
}

func (m *Memory) EntryExists(_ context.Context, kind engine.Kind, id engine.ObligationID, period string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.state.periods[periodKey{kind, id, period}]
	return ok, nil
}

// =============================================================================
// WRITES - outside WithTx each call is its own transaction
// =============================================================================

func (m *Memory) UpdateGenerationState(ctx context.Context, id engine.ObligationID, patch engine.GenerationPatch) error {
	return m.WithTx(ctx, func(tx engine.Store) error {
		return tx.UpdateGenerationState(ctx, id, patch)
	})
}

func (m *Memory) CreateLedgerEntry(ctx context.Context, entry engine.LedgerEntry) (engine.LedgerEntry, error) {
	var created engine.LedgerEntry
	err := m.WithTx(ctx, func(tx engine.Store) error {
		var err error
		created, err = tx.CreateLedgerEntry(ctx, entry)
		return err
	})
	return created, err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error
// or panic. Transactions are serialized.
func (m *Memory) WithTx(ctx context.Context, fn func(engine.Store) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	defer func() {
		if p := recover(); p != nil {
			m.state = snapshot
			panic(p)
		}
		if err != nil {
			m.state = snapshot
		}
	}()

	return fn(&txView{m: m})
}

// txView is the Store handed to WithTx callbacks. The parent lock is
// already held, so it reads and writes the state directly.
type txView struct {
	m *Memory
}

func (tv *txView) FindReadyObligations(_ context.Context, kind engine.Kind, owner engine.OwnerID, today engine.Date) ([]engine.Obligation, error) {
	if err := tv.m.inject("find", ""); err != nil {
		return nil, err
	}
	return tv.m.state.findReady(kind, owner, today), nil
}

func (tv *txView) GetObligation(_ context.Context, id engine.ObligationID) (*engine.Obligation, error) {
	if err := tv.m.inject("get", id); err != nil {
		return nil, err
	}
	return tv.m.state.get(id)
}

func (tv *txView) GetCard(_ context.Context, id string) (*engine.CreditCard, error) {
	return tv.m.state.card(id)
}

func (tv *txView) ReferenceExists(_ context.Context, ref engine.RefType, id string) (bool, error) {
	return tv.m.state.refs[ref][id], nil
}

func (tv *txView) CountGeneratedInstallments(_ context.Context, id engine.ObligationID) (int, error) {
	if err := tv.m.inject("count", id); err != nil {
		return 0, err
	}
	return tv.m.state.installs[id], nil
}

func (tv *txView) EntryExists(_ context.Context, kind engine.Kind, id engine.ObligationID, period string) (bool, error) {
	_, ok := tv.m.state.periods[periodKey{kind, id, period}]
	return ok, nil
}

func (tv *txView) UpdateGenerationState(_ context.Context, id engine.ObligationID, patch engine.GenerationPatch) error {
	if err := tv.m.inject("update_state", id); err != nil {
		return err
	}
	o, ok := tv.m.state.obligations[id]
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrObligationNotFound, id)
	}
	patch.Apply(&o)
	tv.m.state.obligations[id] = o
	return nil
}

func (tv *txView) CreateLedgerEntry(_ context.Context, entry engine.LedgerEntry) (engine.LedgerEntry, error) {
	if err := tv.m.inject("create_entry", entry.OriginID); err != nil {
		return engine.LedgerEntry{}, err
	}
	k := periodKey{entry.OriginKind, entry.OriginID, entry.Period}
	if _, dup := tv.m.state.periods[k]; dup {
		return engine.LedgerEntry{}, fmt.Errorf("%w: %s %s %s", engine.ErrDuplicateEntry, entry.OriginKind, entry.OriginID, entry.Period)
	}
	tv.m.state.entries = append(tv.m.state.entries, entry)
	tv.m.state.periods[k] = entry.ID
	if entry.OriginKind == engine.KindInstallment {
		tv.m.state.installs[entry.OriginID]++
	}
	return entry, nil
}

// =============================================================================
// STATE
// =============================================================================

func (s *state) addRef(ref engine.RefType, id string) {
	if s.refs[ref] == nil {
		s.refs[ref] = make(map[string]bool)
	}
	s.refs[ref][id] = true
}

func (s *state) get(id engine.ObligationID) (*engine.Obligation, error) {
	o, ok := s.obligations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrObligationNotFound, id)
	}
	c := cloneObligation(o)
	return &c, nil
}

func (s *state) card(id string) (*engine.CreditCard, error) {
	c, ok := s.cards[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrCardNotFound, id)
	}
	return &c, nil
}

// findReady applies the structural pre-filter in insertion order.
func (s *state) findReady(kind engine.Kind, owner engine.OwnerID, today engine.Date) []engine.Obligation {
	var out []engine.Obligation
	for _, id := range s.order {
		o := s.obligations[id]
		if o.Kind != kind || (owner != "" && o.OwnerID != owner) {
			continue
		}
		if ready(o, today) {
			out = append(out, cloneObligation(o))
		}
	}
	return out
}

func ready(o engine.Obligation, today engine.Date) bool {
	switch o.Kind {
	case engine.KindOneTime:
		return !o.Processed
	case engine.KindRecurring, engine.KindAutomaticDebit:
		last := o.Schedule.LastGenerated
		return o.Schedule.Active && (last == nil || !last.Equal(today))
	case engine.KindInstallment:
		return o.Plan.Pending
	}
	return false
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.obligations {
		c.obligations[k] = cloneObligation(v)
	}
	c.order = append([]engine.ObligationID(nil), s.order...)
	for k, v := range s.cards {
		c.cards[k] = v
	}
	for ref, ids := range s.refs {
		for id := range ids {
			c.addRef(ref, id)
		}
	}
	c.entries = append([]engine.LedgerEntry(nil), s.entries...)
	for k, v := range s.periods {
		c.periods[k] = v
	}
	for k, v := range s.installs {
		c.installs[k] = v
	}
	return c
}

func cloneObligation(o engine.Obligation) engine.Obligation {
	if o.Converted != nil {
		c := *o.Converted
		o.Converted = &c
	}
	o.Schedule.StartDate = cloneDate(o.Schedule.StartDate)
	o.Schedule.EndDate = cloneDate(o.Schedule.EndDate)
	o.Schedule.LastGenerated = cloneDate(o.Schedule.LastGenerated)
	o.Plan.LastInstallment = cloneDate(o.Plan.LastInstallment)
	return o
}

func cloneDate(d *engine.Date) *engine.Date {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// Obligations returns a copy of every stored obligation, sorted by id.
func (m *Memory) Obligations() []engine.Obligation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.Obligation, 0, len(m.state.obligations))
	for _, o := range m.state.obligations {
		out = append(out, cloneObligation(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
