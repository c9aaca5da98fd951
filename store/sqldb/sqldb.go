/*
Package sqldb provides a SQL-backed engine.TxStore for SQLite and PostgreSQL.

PURPOSE:
  Persists obligations, credit cards, reference ids and ledger entries.
  Obligations, cards and references are owned by other services; the Save*
  methods exist so they can be loaded. The engine itself only appends ledger
  entries and patches generation-state columns.

DRIVERS:
  sqlite3:  github.com/mattn/go-sqlite3 (default, single connection)
  postgres: github.com/lib/pq
  Queries are written with ? placeholders and rebound per driver by sqlx.

KEY TABLES:
  obligations:    one row per obligation, all kinds
  cards:          credit/debit card billing configuration
  refs:           category / importance / payment method ids
  ledger_entries: append-only output of the engine

IDEMPOTENCY:
  idx_ledger_entries_origin_period is UNIQUE(origin_kind, origin_id, period).
  A violation surfaces as engine.ErrDuplicateEntry, so two racing passes
  cannot both write the same period.

ERRORS:
  Lock contention (sqlite BUSY/LOCKED, postgres 40001/40P01/55P03) maps to
  engine.ErrTransientStorage. Unique violations map to
  engine.ErrDuplicateEntry.

MIGRATION:
  Schema is auto-migrated on Open(). The DDL is portable between both
  drivers: money is TEXT (decimal strings), dates are TEXT (2006-01-02),
  flags are INTEGER 0/1.

SEE ALSO:
  - engine/store.go: interface definitions
  - engine/store/memory.go: in-memory implementation for tests
*/
package sqldb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/expense-engine/engine"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Options tune the connection pool. Zero values keep the defaults.
type Options struct {
	MaxOpenConns int
	MaxIdleConns int
	MaxIdleTime  time.Duration
}

// DB implements engine.TxStore.
type DB struct {
	conn
	db *sqlx.DB
}

// conn runs queries against either the pool or an open transaction.
type conn struct {
	q sqlx.ExtContext
}

// Open connects and migrates the schema.
// For SQLite use ":memory:" or a file path as dsn.
func Open(ctx context.Context, driverName, dsn string, opts Options) (*DB, error) {
	switch driverName {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_busy_timeout=5000&_journal_mode=WAL"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driverName)
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driverName == DriverSQLite {
		// One connection: serializes writers and keeps :memory: alive.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			db.SetMaxIdleConns(opts.MaxIdleConns)
		}
		if opts.MaxIdleTime > 0 {
			db.SetConnMaxIdleTime(opts.MaxIdleTime)
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &DB{conn: conn{q: db}, db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

// Ping checks connectivity; used by the health endpoint.
func (s *DB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *DB) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS refs (
		ref_type TEXT NOT NULL,
		id TEXT NOT NULL,
		PRIMARY KEY (ref_type, id)
	);

	CREATE TABLE IF NOT EXISTS cards (
		id TEXT PRIMARY KEY,
		card_type TEXT NOT NULL,
		closing_day INTEGER NOT NULL DEFAULT 0,
		due_day INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS obligations (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		category_id TEXT,
		importance_id TEXT,
		payment_method_id TEXT,
		card_id TEXT,
		converted_ars TEXT,
		converted_usd TEXT,
		converted_rate TEXT,
		processed INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 0,
		frequency TEXT NOT NULL DEFAULT '',
		payment_day INTEGER NOT NULL DEFAULT 0,
		payment_month INTEGER NOT NULL DEFAULT 0,
		start_date TEXT,
		end_date TEXT,
		last_generated TEXT,
		installment_count INTEGER NOT NULL DEFAULT 0,
		purchase_date TEXT,
		pending INTEGER NOT NULL DEFAULT 0,
		last_installment TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_obligations_kind_owner
		ON obligations(kind, owner_id);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		entry_date TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		amount_ars TEXT NOT NULL,
		amount_usd TEXT NOT NULL,
		rate TEXT NOT NULL,
		original_amount TEXT NOT NULL,
		origin_currency TEXT NOT NULL,
		origin_kind TEXT NOT NULL,
		origin_id TEXT NOT NULL,
		period TEXT NOT NULL,
		installment_number INTEGER NOT NULL DEFAULT 0,
		category_id TEXT,
		importance_id TEXT,
		payment_method_id TEXT,
		card_id TEXT,
		created_at TEXT NOT NULL
	);

	-- One entry per obligation per billing period
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_origin_period
		ON ledger_entries(origin_kind, origin_id, period);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_owner
		ON ledger_entries(owner_id, entry_date);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONS (engine.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction. The transaction is
// rolled back when fn returns an error or panics.
func (s *DB) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&conn{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// =============================================================================
// READER
// =============================================================================

const obligationColumns = `id, owner_id, kind, description, amount, currency,
	category_id, importance_id, payment_method_id, card_id,
	converted_ars, converted_usd, converted_rate,
	processed, active, frequency, payment_day, payment_month,
	start_date, end_date, last_generated,
	installment_count, purchase_date, pending, last_installment`

func (c *conn) FindReadyObligations(ctx context.Context, kind engine.Kind, owner engine.OwnerID, today engine.Date) ([]engine.Obligation, error) {
	query := "SELECT " + obligationColumns + " FROM obligations WHERE kind = ?"
	args := []any{string(kind)}

	switch kind {
	case engine.KindOneTime:
		query += " AND processed = 0"
	case engine.KindRecurring, engine.KindAutomaticDebit:
		query += " AND active = 1 AND (last_generated IS NULL OR last_generated <> ?)"
		args = append(args, today.String())
	case engine.KindInstallment:
		query += " AND pending = 1"
	default:
		return nil, fmt.Errorf("%w: %q", engine.ErrUnknownKind, kind)
	}
	if owner != "" {
		query += " AND owner_id = ?"
		args = append(args, string(owner))
	}
	query += " ORDER BY id"

	var rows []obligationRow
	if err := sqlx.SelectContext(ctx, c.q, &rows, c.q.Rebind(query), args...); err != nil {
		return nil, mapError(fmt.Errorf("failed to query %s obligations: %w", kind, err))
	}

	out := make([]engine.Obligation, 0, len(rows))
	for _, r := range rows {
		o, err := r.toObligation()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (c *conn) GetObligation(ctx context.Context, id engine.ObligationID) (*engine.Obligation, error) {
	var r obligationRow
	query := c.q.Rebind("SELECT " + obligationColumns + " FROM obligations WHERE id = ?")
	if err := sqlx.GetContext(ctx, c.q, &r, query, string(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", engine.ErrObligationNotFound, id)
		}
		return nil, mapError(fmt.Errorf("failed to get obligation %s: %w", id, err))
	}
	o, err := r.toObligation()
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (c *conn) GetCard(ctx context.Context, id string) (*engine.CreditCard, error) {
	var r cardRow
	query := c.q.Rebind("SELECT id, card_type, closing_day, due_day FROM cards WHERE id = ?")
	if err := sqlx.GetContext(ctx, c.q, &r, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", engine.ErrCardNotFound, id)
		}
		return nil, mapError(fmt.Errorf("failed to get card %s: %w", id, err))
	}
	return &engine.CreditCard{ID: r.ID, Type: engine.CardType(r.Type), ClosingDay: r.ClosingDay, DueDay: r.DueDay}, nil
}

func (c *conn) ReferenceExists(ctx context.Context, ref engine.RefType, id string) (bool, error) {
	var (
		query string
		args  []any
	)
	if ref == engine.RefCard {
		query, args = "SELECT COUNT(*) FROM cards WHERE id = ?", []any{id}
	} else {
		query, args = "SELECT COUNT(*) FROM refs WHERE ref_type = ? AND id = ?", []any{string(ref), id}
	}
	var n int
	if err := sqlx.GetContext(ctx, c.q, &n, c.q.Rebind(query), args...); err != nil {
		return false, mapError(fmt.Errorf("failed to check %s %s: %w", ref, id, err))
	}
	return n > 0, nil
}

func (c *conn) CountGeneratedInstallments(ctx context.Context, id engine.ObligationID) (int, error) {
	var n int
	query := c.q.Rebind("SELECT COUNT(*) FROM ledger_entries WHERE origin_kind = ? AND origin_id = ?")
	if err := sqlx.GetContext(ctx, c.q, &n, query, string(engine.KindInstallment), string(id)); err != nil {
		return 0, mapError(fmt.Errorf("failed to count installments of %s: %w", id, err))
	}
	return n, nil
}

func (c *conn) EntryExists(ctx context.Context, kind engine.Kind, id engine.ObligationID, period string) (bool, error) {
	var n int
	query := c.q.Rebind("SELECT COUNT(*) FROM ledger_entries WHERE origin_kind = ? AND origin_id = ? AND period = ?")
	if err := sqlx.GetContext(ctx, c.q, &n, query, string(kind), string(id), period); err != nil {
		return false, mapError(fmt.Errorf("failed to check entry of %s: %w", id, err))
	}
	return n > 0, nil
}

// =============================================================================
// WRITES
// =============================================================================

func (c *conn) UpdateGenerationState(ctx context.Context, id engine.ObligationID, patch engine.GenerationPatch) error {
	var (
		sets []string
		args []any
	)
	if patch.Processed != nil {
		sets = append(sets, "processed = ?")
		args = append(args, flag(*patch.Processed))
	}
	if patch.LastGenerated != nil {
		sets = append(sets, "last_generated = ?")
		args = append(args, patch.LastGenerated.String())
	}
	if patch.LastInstallment != nil {
		sets = append(sets, "last_installment = ?")
		args = append(args, patch.LastInstallment.String())
	}
	if patch.Pending != nil {
		sets = append(sets, "pending = ?")
		args = append(args, flag(*patch.Pending))
	}
	if len(sets) == 0 {
		_, err := c.GetObligation(ctx, id)
		return err
	}

	query := c.q.Rebind("UPDATE obligations SET " + strings.Join(sets, ", ") + " WHERE id = ?")
	res, err := c.q.ExecContext(ctx, query, append(args, string(id))...)
	if err != nil {
		return mapError(fmt.Errorf("failed to update generation state of %s: %w", id, err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", engine.ErrObligationNotFound, id)
	}
	return nil
}

func (c *conn) CreateLedgerEntry(ctx context.Context, e engine.LedgerEntry) (engine.LedgerEntry, error) {
	query := `
		INSERT INTO ledger_entries
		(id, owner_id, entry_date, description, amount_ars, amount_usd, rate,
		 original_amount, origin_currency, origin_kind, origin_id, period,
		 installment_number, category_id, importance_id, payment_method_id,
		 card_id, created_at)
		VALUES (:id, :owner_id, :entry_date, :description, :amount_ars, :amount_usd, :rate,
		 :original_amount, :origin_currency, :origin_kind, :origin_id, :period,
		 :installment_number, :category_id, :importance_id, :payment_method_id,
		 :card_id, :created_at)
	`
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if _, err := sqlx.NamedExecContext(ctx, c.q, query, entryRowFrom(e)); err != nil {
		return engine.LedgerEntry{}, mapError(fmt.Errorf("failed to insert ledger entry for %s: %w", e.OriginID, err))
	}
	return e, nil
}

// =============================================================================
// SEEDING
// =============================================================================

// SaveObligation inserts or replaces an obligation.
func (c *conn) SaveObligation(ctx context.Context, o engine.Obligation) error {
	if !o.Kind.Valid() {
		return fmt.Errorf("%w: %q", engine.ErrUnknownKind, o.Kind)
	}
	cols := strings.Split(strings.Join(strings.Fields(obligationColumns), ""), ",")
	named := make([]string, len(cols))
	updates := make([]string, 0, len(cols)-1)
	for i, col := range cols {
		named[i] = ":" + col
		if col != "id" {
			updates = append(updates, col+" = excluded."+col)
		}
	}
	query := "INSERT INTO obligations (" + strings.Join(cols, ", ") + ") VALUES (" +
		strings.Join(named, ", ") + ") ON CONFLICT (id) DO UPDATE SET " + strings.Join(updates, ", ")

	if _, err := sqlx.NamedExecContext(ctx, c.q, query, obligationRowFrom(o)); err != nil {
		return mapError(fmt.Errorf("failed to save obligation %s: %w", o.ID, err))
	}
	return nil
}

func (c *conn) SaveCard(ctx context.Context, card engine.CreditCard) error {
	query := c.q.Rebind(`
		INSERT INTO cards (id, card_type, closing_day, due_day) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			card_type = excluded.card_type,
			closing_day = excluded.closing_day,
			due_day = excluded.due_day
	`)
	if _, err := c.q.ExecContext(ctx, query, card.ID, string(card.Type), card.ClosingDay, card.DueDay); err != nil {
		return mapError(fmt.Errorf("failed to save card %s: %w", card.ID, err))
	}
	return nil
}

// SaveReference registers a category, importance or payment method id.
func (c *conn) SaveReference(ctx context.Context, ref engine.RefType, id string) error {
	query := c.q.Rebind("INSERT INTO refs (ref_type, id) VALUES (?, ?) ON CONFLICT (ref_type, id) DO NOTHING")
	if _, err := c.q.ExecContext(ctx, query, string(ref), id); err != nil {
		return mapError(fmt.Errorf("failed to save %s %s: %w", ref, id, err))
	}
	return nil
}

// ListLedgerEntries returns the entries of owner (all owners when empty),
// oldest first.
func (c *conn) ListLedgerEntries(ctx context.Context, owner engine.OwnerID) ([]engine.LedgerEntry, error) {
	query := `SELECT id, owner_id, entry_date, description, amount_ars, amount_usd, rate,
		original_amount, origin_currency, origin_kind, origin_id, period,
		installment_number, category_id, importance_id, payment_method_id,
		card_id, created_at FROM ledger_entries`
	var args []any
	if owner != "" {
		query += " WHERE owner_id = ?"
		args = append(args, string(owner))
	}
	query += " ORDER BY entry_date, created_at, id"

	var rows []entryRow
	if err := sqlx.SelectContext(ctx, c.q, &rows, c.q.Rebind(query), args...); err != nil {
		return nil, mapError(fmt.Errorf("failed to list ledger entries: %w", err))
	}
	out := make([]engine.LedgerEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEntry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// mapError tags driver errors with the engine's sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.ExtendedCode == sqlite3.ErrConstraintUnique, se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %w", engine.ErrDuplicateEntry, err)
		case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%w: %w", engine.ErrTransientStorage, err)
		}
		return err
	}

	var pe *pq.Error
	if errors.As(err, &pe) {
		switch pe.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %w", engine.ErrDuplicateEntry, err)
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return fmt.Errorf("%w: %w", engine.ErrTransientStorage, err)
		}
		return err
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", engine.ErrTransientStorage, err)
	}
	return err
}

// =============================================================================
// ROWS
// =============================================================================

type cardRow struct {
	ID         string `db:"id"`
	Type       string `db:"card_type"`
	ClosingDay int    `db:"closing_day"`
	DueDay     int    `db:"due_day"`
}

type obligationRow struct {
	ID               string              `db:"id"`
	OwnerID          string              `db:"owner_id"`
	Kind             string              `db:"kind"`
	Description      string              `db:"description"`
	Amount           decimal.Decimal     `db:"amount"`
	Currency         string              `db:"currency"`
	CategoryID       sql.NullString      `db:"category_id"`
	ImportanceID     sql.NullString      `db:"importance_id"`
	PaymentMethodID  sql.NullString      `db:"payment_method_id"`
	CardID           sql.NullString      `db:"card_id"`
	ConvertedARS     decimal.NullDecimal `db:"converted_ars"`
	ConvertedUSD     decimal.NullDecimal `db:"converted_usd"`
	ConvertedRate    decimal.NullDecimal `db:"converted_rate"`
	Processed        int                 `db:"processed"`
	Active           int                 `db:"active"`
	Frequency        string              `db:"frequency"`
	PaymentDay       int                 `db:"payment_day"`
	PaymentMonth     int                 `db:"payment_month"`
	StartDate        sql.NullString      `db:"start_date"`
	EndDate          sql.NullString      `db:"end_date"`
	LastGenerated    sql.NullString      `db:"last_generated"`
	InstallmentCount int                 `db:"installment_count"`
	PurchaseDate     sql.NullString      `db:"purchase_date"`
	Pending          int                 `db:"pending"`
	LastInstallment  sql.NullString      `db:"last_installment"`
}

func obligationRowFrom(o engine.Obligation) obligationRow {
	r := obligationRow{
		ID:               string(o.ID),
		OwnerID:          string(o.OwnerID),
		Kind:             string(o.Kind),
		Description:      o.Description,
		Amount:           o.Amount,
		Currency:         string(o.Currency),
		CategoryID:       nullString(o.Refs.CategoryID),
		ImportanceID:     nullString(o.Refs.ImportanceID),
		PaymentMethodID:  nullString(o.Refs.PaymentMethodID),
		CardID:           nullString(o.Refs.CardID),
		Processed:        flag(o.Processed),
		Active:           flag(o.Schedule.Active),
		Frequency:        string(o.Schedule.Frequency),
		PaymentDay:       o.Schedule.PaymentDay,
		PaymentMonth:     int(o.Schedule.PaymentMonth),
		StartDate:        nullDate(o.Schedule.StartDate),
		EndDate:          nullDate(o.Schedule.EndDate),
		LastGenerated:    nullDate(o.Schedule.LastGenerated),
		InstallmentCount: o.Plan.Count,
		Pending:          flag(o.Plan.Pending),
		LastInstallment:  nullDate(o.Plan.LastInstallment),
	}
	if !o.Plan.PurchaseDate.IsZero() {
		r.PurchaseDate = nullString(o.Plan.PurchaseDate.String())
	}
	if o.Converted != nil {
		r.ConvertedARS = decimal.NewNullDecimal(o.Converted.ARS)
		r.ConvertedUSD = decimal.NewNullDecimal(o.Converted.USD)
		r.ConvertedRate = decimal.NewNullDecimal(o.Converted.Rate)
	}
	return r
}

func (r obligationRow) toObligation() (engine.Obligation, error) {
	o := engine.Obligation{
		ID:          engine.ObligationID(r.ID),
		OwnerID:     engine.OwnerID(r.OwnerID),
		Kind:        engine.Kind(r.Kind),
		Description: r.Description,
		Amount:      r.Amount,
		Currency:    engine.Currency(r.Currency),
		Refs: engine.References{
			CategoryID:      r.CategoryID.String,
			ImportanceID:    r.ImportanceID.String,
			PaymentMethodID: r.PaymentMethodID.String,
			CardID:          r.CardID.String,
		},
		Processed: r.Processed != 0,
		Schedule: engine.Schedule{
			Active:       r.Active != 0,
			Frequency:    engine.Frequency(r.Frequency),
			PaymentDay:   r.PaymentDay,
			PaymentMonth: time.Month(r.PaymentMonth),
		},
		Plan: engine.InstallmentPlan{
			Count:   r.InstallmentCount,
			Pending: r.Pending != 0,
		},
	}
	if r.ConvertedARS.Valid || r.ConvertedUSD.Valid {
		o.Converted = &engine.Conversion{ARS: r.ConvertedARS.Decimal, USD: r.ConvertedUSD.Decimal, Rate: r.ConvertedRate.Decimal}
	}

	var err error
	dates := []struct {
		src sql.NullString
		dst **engine.Date
	}{
		{r.StartDate, &o.Schedule.StartDate},
		{r.EndDate, &o.Schedule.EndDate},
		{r.LastGenerated, &o.Schedule.LastGenerated},
		{r.LastInstallment, &o.Plan.LastInstallment},
	}
	for _, d := range dates {
		if *d.dst, err = parseNullDate(d.src); err != nil {
			return o, fmt.Errorf("obligation %s: %w", r.ID, err)
		}
	}
	if r.PurchaseDate.Valid {
		if o.Plan.PurchaseDate, err = engine.ParseDate(r.PurchaseDate.String); err != nil {
			return o, fmt.Errorf("obligation %s: %w", r.ID, err)
		}
	}
	return o, nil
}

type entryRow struct {
	ID                string          `db:"id"`
	OwnerID           string          `db:"owner_id"`
	EntryDate         string          `db:"entry_date"`
	Description       string          `db:"description"`
	AmountARS         decimal.Decimal `db:"amount_ars"`
	AmountUSD         decimal.Decimal `db:"amount_usd"`
	Rate              decimal.Decimal `db:"rate"`
	OriginalAmount    decimal.Decimal `db:"original_amount"`
	OriginCurrency    string          `db:"origin_currency"`
	OriginKind        string          `db:"origin_kind"`
	OriginID          string          `db:"origin_id"`
	Period            string          `db:"period"`
	InstallmentNumber int             `db:"installment_number"`
	CategoryID        sql.NullString  `db:"category_id"`
	ImportanceID      sql.NullString  `db:"importance_id"`
	PaymentMethodID   sql.NullString  `db:"payment_method_id"`
	CardID            sql.NullString  `db:"card_id"`
	CreatedAt         string          `db:"created_at"`
}

func entryRowFrom(e engine.LedgerEntry) entryRow {
	return entryRow{
		ID:                string(e.ID),
		OwnerID:           string(e.OwnerID),
		EntryDate:         e.Date.String(),
		Description:       e.Description,
		AmountARS:         e.AmountARS,
		AmountUSD:         e.AmountUSD,
		Rate:              e.Rate,
		OriginalAmount:    e.OriginalAmount,
		OriginCurrency:    string(e.OriginCurrency),
		OriginKind:        string(e.OriginKind),
		OriginID:          string(e.OriginID),
		Period:            e.Period,
		InstallmentNumber: e.InstallmentNumber,
		CategoryID:        nullString(e.Refs.CategoryID),
		ImportanceID:      nullString(e.Refs.ImportanceID),
		PaymentMethodID:   nullString(e.Refs.PaymentMethodID),
		CardID:            nullString(e.Refs.CardID),
		CreatedAt:         e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (r entryRow) toEntry() (engine.LedgerEntry, error) {
	date, err := engine.ParseDate(r.EntryDate)
	if err != nil {
		return engine.LedgerEntry{}, fmt.Errorf("ledger entry %s: %w", r.ID, err)
	}
	created, _ := time.Parse(time.RFC3339Nano, r.CreatedAt)
	return engine.LedgerEntry{
		ID:                engine.EntryID(r.ID),
		OwnerID:           engine.OwnerID(r.OwnerID),
		Date:              date,
		Description:       r.Description,
		AmountARS:         r.AmountARS,
		AmountUSD:         r.AmountUSD,
		Rate:              r.Rate,
		OriginalAmount:    r.OriginalAmount,
		OriginCurrency:    engine.Currency(r.OriginCurrency),
		OriginKind:        engine.Kind(r.OriginKind),
		OriginID:          engine.ObligationID(r.OriginID),
		Period:            r.Period,
		InstallmentNumber: r.InstallmentNumber,
		Refs: engine.References{
			CategoryID:      r.CategoryID.String,
			ImportanceID:    r.ImportanceID.String,
			PaymentMethodID: r.PaymentMethodID.String,
			CardID:          r.CardID.String,
		},
		CreatedAt: created,
	}, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDate(d *engine.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return nullString(d.String())
}

func parseNullDate(s sql.NullString) (*engine.Date, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	d, err := engine.ParseDate(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}
