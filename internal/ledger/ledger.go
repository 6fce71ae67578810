// Package ledger owns the persisted side of billing: immutable usage records,
// per-organization credit balances, the balance history and ledger entries,
// the idempotency index, and run/step/agent/task aggregates.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound    = errors.New("ledger: not found")
	ErrLockTimeout = errors.New("ledger: lock wait timed out")
	ErrDeadlock    = errors.New("ledger: deadlock detected")
)

// UsageRecord is never updated once inserted. Corrections are new records.
type UsageRecord struct {
	ID             string          `json:"id"`
	RunID          string          `json:"run_id"`
	StepID         string          `json:"step_id"`
	AgentID        string          `json:"agent_id,omitempty"`
	TaskID         string          `json:"task_id,omitempty"`
	OrgID          string          `json:"org_id"`
	InputUnits     int64           `json:"input_units"`
	OutputUnits    int64           `json:"output_units"`
	TotalUnits     int64           `json:"total_units"`
	Model          string          `json:"model"`
	Cost           decimal.Decimal `json:"cost"`
	BaseCost       decimal.Decimal `json:"base_cost"`
	SurchargeCost  decimal.Decimal `json:"surcharge_cost"`
	PricingSource  string          `json:"pricing_source"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Balance struct {
	OrgID     string          `json:"org_id"`
	Amount    decimal.Decimal `json:"balance"`
	Reserved  decimal.Decimal `json:"reserved"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Available is derived and never stored.
func (b Balance) Available() decimal.Decimal {
	return b.Amount.Sub(b.Reserved)
}

// HistoryEntry is the before/after snapshot appended on every debit.
type HistoryEntry struct {
	ID        string
	OrgID     string
	RecordID  string
	Before    decimal.Decimal
	After     decimal.Decimal
	Reserved  decimal.Decimal
	CreatedAt time.Time
}

type EntryType string

const EntryDebit EntryType = "debit"

type Entry struct {
	ID        string
	OrgID     string
	RecordID  string
	Type      EntryType
	Amount    decimal.Decimal
	CreatedAt time.Time
}

type AggregateScope string

const (
	ScopeRun   AggregateScope = "run"
	ScopeStep  AggregateScope = "step"
	ScopeAgent AggregateScope = "agent"
	ScopeTask  AggregateScope = "task"
)

type Aggregate struct {
	Scope        AggregateScope
	ScopeID      string
	UnitsUsed    int64
	CostIncurred decimal.Decimal
	CallCount    int64
}

// Scopes lists the aggregate keys a record contributes to.
func (r *UsageRecord) Scopes() []Aggregate {
	keys := []Aggregate{
		{Scope: ScopeRun, ScopeID: r.RunID},
		{Scope: ScopeStep, ScopeID: r.StepID},
	}
	if r.AgentID != "" {
		keys = append(keys, Aggregate{Scope: ScopeAgent, ScopeID: r.AgentID})
	}
	if r.TaskID != "" {
		keys = append(keys, Aggregate{Scope: ScopeTask, ScopeID: r.TaskID})
	}
	return keys
}

type Store interface {
	// FindByIdempotencyKey returns ErrNotFound when the key is unused.
	FindByIdempotencyKey(ctx context.Context, key string) (*UsageRecord, error)

	// GetBalance reads the live balance. An organization without a row has a
	// zero balance; no row is created.
	GetBalance(ctx context.Context, orgID string) (Balance, error)

	// WithOrgLock runs fn while holding the exclusive lock on orgID's balance
	// row, creating the row at zero if needed. Everything fn writes through tx
	// commits when fn returns nil and is discarded otherwise.
	WithOrgLock(ctx context.Context, orgID string, fn func(ctx context.Context, tx Tx) error) error

	UsageByOrg(ctx context.Context, orgID string, from, to time.Time) ([]*UsageRecord, error)
	TotalCostByOrg(ctx context.Context, orgID string, from, to time.Time) (decimal.Decimal, error)

	Close() error
}

// Tx is only valid inside WithOrgLock.
type Tx interface {
	// Balance is the locked balance as of lock acquisition plus any debits
	// already applied through this Tx.
	Balance() Balance

	// InsertRecord inserts rec, or returns the record that already owns
	// rec.IdempotencyKey and inserts nothing. Uniqueness is enforced by the
	// store itself.
	InsertRecord(ctx context.Context, rec *UsageRecord) (existing *UsageRecord, err error)

	// Debit subtracts rec.Cost from the locked balance and appends the history
	// snapshot and ledger entry. It returns the balance after the debit.
	Debit(ctx context.Context, rec *UsageRecord) (Balance, error)

	IncrementAggregates(ctx context.Context, rec *UsageRecord) error
}

// IsRetryable reports whether err is a transient storage failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrDeadlock)
}
