package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS credit_balances (
		org_id     TEXT PRIMARY KEY,
		balance    NUMERIC(24, 8) NOT NULL DEFAULT 0,
		reserved   NUMERIC(24, 8) NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS usage_records (
		id              UUID PRIMARY KEY,
		run_id          TEXT NOT NULL,
		step_id         TEXT NOT NULL,
		agent_id        TEXT,
		task_id         TEXT,
		org_id          TEXT NOT NULL,
		input_units     BIGINT NOT NULL CHECK (input_units >= 0),
		output_units    BIGINT NOT NULL CHECK (output_units >= 0),
		total_units     BIGINT NOT NULL,
		model           TEXT NOT NULL,
		cost            NUMERIC(24, 8) NOT NULL CHECK (cost >= 0),
		base_cost       NUMERIC(24, 8) NOT NULL,
		surcharge_cost  NUMERIC(24, 8) NOT NULL,
		pricing_source  TEXT NOT NULL,
		idempotency_key TEXT,
		metadata        JSONB,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS usage_records_idempotency_key
		ON usage_records (idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS usage_records_org_created
		ON usage_records (org_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS balance_history (
		id             UUID PRIMARY KEY,
		org_id         TEXT NOT NULL,
		record_id      UUID NOT NULL REFERENCES usage_records (id),
		balance_before NUMERIC(24, 8) NOT NULL,
		balance_after  NUMERIC(24, 8) NOT NULL,
		reserved       NUMERIC(24, 8) NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id         UUID PRIMARY KEY,
		org_id     TEXT NOT NULL,
		record_id  UUID NOT NULL REFERENCES usage_records (id),
		entry_type TEXT NOT NULL,
		amount     NUMERIC(24, 8) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS usage_aggregates (
		scope         TEXT NOT NULL,
		scope_id      TEXT NOT NULL,
		units_used    BIGINT NOT NULL DEFAULT 0,
		cost_incurred NUMERIC(24, 8) NOT NULL DEFAULT 0,
		call_count    BIGINT NOT NULL DEFAULT 0,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (scope, scope_id)
	)`,
}

const recordColumns = `id::text, run_id, step_id, COALESCE(agent_id, ''), COALESCE(task_id, ''), org_id,
		input_units, output_units, total_units, model, cost::text, base_cost::text, surcharge_cost::text,
		pricing_source, COALESCE(idempotency_key, ''), COALESCE(metadata::text, ''), created_at`

type PostgresStore struct {
	db          DB
	lockTimeout time.Duration
	now         func() time.Time
}

func NewPostgresStore(db DB, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: lockTimeout, now: time.Now}
}

// EnsureSchema creates the ledger tables when they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply ledger schema: %w", err)
		}
	}
	return nil
}

// translateError maps lock and serialization failures to the ledger sentinels.
func translateError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "55P03":
		return fmt.Errorf("%w: %s", ErrLockTimeout, pgErr.Message)
	case "40P01", "40001":
		return fmt.Errorf("%w: %s", ErrDeadlock, pgErr.Message)
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*UsageRecord, error) {
	var r UsageRecord
	var metadata string
	err := row.Scan(
		&r.ID, &r.RunID, &r.StepID, &r.AgentID, &r.TaskID, &r.OrgID,
		&r.InputUnits, &r.OutputUnits, &r.TotalUnits, &r.Model, &r.Cost, &r.BaseCost, &r.SurchargeCost,
		&r.PricingSource, &r.IdempotencyKey, &metadata, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of record %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, key string) (*UsageRecord, error) {
	return findByKey(ctx, s.db, key)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findByKey(ctx context.Context, q rowQuerier, key string) (*UsageRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM usage_records WHERE idempotency_key = $1`
	rec, err := scanRecord(q.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find usage record by idempotency key: %w", translateError(err))
	}
	return rec, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, orgID string) (Balance, error) {
	query := `SELECT balance::text, reserved::text, updated_at FROM credit_balances WHERE org_id = $1`
	b := Balance{OrgID: orgID}
	err := s.db.QueryRow(ctx, query, orgID).Scan(&b.Amount, &b.Reserved, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return Balance{}, fmt.Errorf("failed to get balance: %w", err)
	}
	return b, nil
}

// SetBalance overwrites an organization's balance. Top-ups happen outside the
// engine; this exists for seeding.
func (s *PostgresStore) SetBalance(ctx context.Context, orgID string, amount decimal.Decimal) error {
	query := `
		INSERT INTO credit_balances (org_id, balance, updated_at)
		VALUES ($1, $2::numeric, $3)
		ON CONFLICT (org_id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.Exec(ctx, query, orgID, amount.String(), s.now()); err != nil {
		return fmt.Errorf("failed to set balance: %w", err)
	}
	return nil
}

func (s *PostgresStore) WithOrgLock(ctx context.Context, orgID string, fn func(ctx context.Context, tx Tx) error) error {
	pgTx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", translateError(err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = pgTx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if s.lockTimeout > 0 {
		timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
		if _, err := pgTx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", translateError(err))
		}
	}

	if _, err := pgTx.Exec(ctx,
		`INSERT INTO credit_balances (org_id) VALUES ($1) ON CONFLICT (org_id) DO NOTHING`, orgID,
	); err != nil {
		return fmt.Errorf("failed to create balance row: %w", translateError(err))
	}

	tx := &postgresTx{tx: pgTx, now: s.now, balance: Balance{OrgID: orgID}}
	err = pgTx.QueryRow(ctx,
		`SELECT balance::text, reserved::text, updated_at FROM credit_balances WHERE org_id = $1 FOR UPDATE`, orgID,
	).Scan(&tx.balance.Amount, &tx.balance.Reserved, &tx.balance.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to lock balance: %w", translateError(err))
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", translateError(err))
	}
	committed = true
	return nil
}

func (s *PostgresStore) UsageByOrg(ctx context.Context, orgID string, from, to time.Time) ([]*UsageRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM usage_records
		WHERE org_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, orgID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}

	return records, nil
}

func (s *PostgresStore) TotalCostByOrg(ctx context.Context, orgID string, from, to time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(cost), 0)::text
		FROM usage_records
		WHERE org_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var total decimal.Decimal
	err := s.db.QueryRow(ctx, query, orgID, from, to).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get total cost: %w", err)
	}

	return total, nil
}

// Close releases the underlying pool when the store owns one.
func (s *PostgresStore) Close() error {
	if c, ok := s.db.(interface{ Close() }); ok {
		c.Close()
	}
	return nil
}

type postgresTx struct {
	tx      pgx.Tx
	now     func() time.Time
	balance Balance
}

func (t *postgresTx) Balance() Balance { return t.balance }

func (t *postgresTx) InsertRecord(ctx context.Context, rec *UsageRecord) (*UsageRecord, error) {
	var metadata []byte
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = b
	}

	query := `
		INSERT INTO usage_records (id, run_id, step_id, agent_id, task_id, org_id,
			input_units, output_units, total_units, model, cost, base_cost, surcharge_cost,
			pricing_source, idempotency_key, metadata, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10,
			$11::numeric, $12::numeric, $13::numeric, $14, NULLIF($15, ''), $16, $17)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING id::text
	`
	var id string
	err := t.tx.QueryRow(ctx, query,
		rec.ID, rec.RunID, rec.StepID, rec.AgentID, rec.TaskID, rec.OrgID,
		rec.InputUnits, rec.OutputUnits, rec.TotalUnits, rec.Model,
		rec.Cost.String(), rec.BaseCost.String(), rec.SurchargeCost.String(),
		rec.PricingSource, rec.IdempotencyKey, metadata, rec.CreatedAt,
	).Scan(&id)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to insert usage record: %w", translateError(err))
	}

	// The key was taken by a transaction that committed while we waited.
	existing, err := findByKey(ctx, t.tx, rec.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	return existing, nil
}

func (t *postgresTx) Debit(ctx context.Context, rec *UsageRecord) (Balance, error) {
	now := t.now()
	before := t.balance
	after := Balance{OrgID: before.OrgID}

	err := t.tx.QueryRow(ctx, `
		UPDATE credit_balances SET balance = balance - $2::numeric, updated_at = $3
		WHERE org_id = $1
		RETURNING balance::text, reserved::text, updated_at
	`, before.OrgID, rec.Cost.String(), now).Scan(&after.Amount, &after.Reserved, &after.UpdatedAt)
	if err != nil {
		return Balance{}, fmt.Errorf("failed to debit balance: %w", translateError(err))
	}

	if _, err := t.tx.Exec(ctx, `
		INSERT INTO balance_history (id, org_id, record_id, balance_before, balance_after, reserved, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7)
	`, uuid.NewString(), before.OrgID, rec.ID, before.Amount.String(), after.Amount.String(), before.Reserved.String(), now,
	); err != nil {
		return Balance{}, fmt.Errorf("failed to append balance history: %w", translateError(err))
	}

	if _, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, org_id, record_id, entry_type, amount, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6)
	`, uuid.NewString(), before.OrgID, rec.ID, string(EntryDebit), rec.Cost.String(), now,
	); err != nil {
		return Balance{}, fmt.Errorf("failed to append ledger entry: %w", translateError(err))
	}

	t.balance = after
	return after, nil
}

func (t *postgresTx) IncrementAggregates(ctx context.Context, rec *UsageRecord) error {
	query := `
		INSERT INTO usage_aggregates (scope, scope_id, units_used, cost_incurred, call_count, updated_at)
		VALUES ($1, $2, $3, $4::numeric, 1, $5)
		ON CONFLICT (scope, scope_id) DO UPDATE SET
			units_used = usage_aggregates.units_used + EXCLUDED.units_used,
			cost_incurred = usage_aggregates.cost_incurred + EXCLUDED.cost_incurred,
			call_count = usage_aggregates.call_count + 1,
			updated_at = EXCLUDED.updated_at
	`
	now := t.now()
	for _, a := range rec.Scopes() {
		if _, err := t.tx.Exec(ctx, query, string(a.Scope), a.ScopeID, rec.TotalUnits, rec.Cost.String(), now); err != nil {
			return fmt.Errorf("failed to update %s aggregate: %w", a.Scope, translateError(err))
		}
	}
	return nil
}
