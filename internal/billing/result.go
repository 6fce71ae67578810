// Package billing is the entry point for metered usage: it turns one billable
// call into a priced, recorded, balance-deducting event, exactly once, and
// reports the outcome as a tagged Result.
package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/usage-ledger/internal/ledger"
	"github.com/vnmchuo/usage-ledger/internal/pricing"
)

// Request describes one billable call. Agent, task, idempotency key and
// metadata are optional.
type Request struct {
	RunID          string
	StepID         string
	OrgID          string
	InputUnits     int64
	OutputUnits    int64
	Model          string
	AgentID        string
	TaskID         string
	IdempotencyKey string
	Metadata       map[string]any
}

type Status string

const (
	StatusSuccess             Status = "success"
	StatusIdempotent          Status = "idempotent"
	StatusRateLimited         Status = "rate_limited"
	StatusInsufficientCredits Status = "insufficient_credits"
	StatusRejected            Status = "rejected"
)

// ErrorKind qualifies a rejected result. Callers branch on it, so values are
// stable.
type ErrorKind string

const (
	KindMissingIdentifier   ErrorKind = "missing_identifier"
	KindInvalidInputUnits   ErrorKind = "invalid_input_units"
	KindInvalidOutputUnits  ErrorKind = "invalid_output_units"
	KindMissingModel        ErrorKind = "missing_model"
	KindUnitsExceedLimit    ErrorKind = "units_exceed_limit"
	KindUnknownOrg          ErrorKind = "unknown_organization"
	KindUnknownRun          ErrorKind = "unknown_run"
	KindUnknownStep         ErrorKind = "unknown_step"
	KindUnknownAgent        ErrorKind = "unknown_agent"
	KindUnknownTask         ErrorKind = "unknown_task"
	KindExcessiveCost       ErrorKind = "excessive_cost"
	KindIdempotencyConflict ErrorKind = "idempotency_conflict"
	KindLockTimeout         ErrorKind = "lock_timeout"
	KindDeadlock            ErrorKind = "deadlock_detected"
	KindTimeout             ErrorKind = "timeout"
	KindUnexpected          ErrorKind = "unexpected"
)

// Result is the outcome of RecordUsage. Which fields are meaningful depends on
// Status:
//
//	success, idempotent    Record, TotalUnits, Cost, PricingSource, BalanceRemaining
//	rate_limited           RetryAfter
//	insufficient_credits   Available, Required, Shortfall
//	rejected               Kind, Message
type Result struct {
	Status Status

	Record           *ledger.UsageRecord
	TotalUnits       int64
	Cost             decimal.Decimal
	PricingSource    pricing.Source
	PricingDegraded  bool
	BalanceRemaining decimal.Decimal

	RetryAfter time.Duration

	Available decimal.Decimal
	Required  decimal.Decimal
	Shortfall decimal.Decimal

	Kind    ErrorKind
	Message string
}

// Retryable reports whether the caller may retry the same call later.
func (r *Result) Retryable() bool {
	if r.Status == StatusRateLimited {
		return true
	}
	return r.Status == StatusRejected && (r.Kind == KindLockTimeout || r.Kind == KindDeadlock)
}

// OK reports whether the call was billed, now or by an earlier attempt.
func (r *Result) OK() bool {
	return r.Status == StatusSuccess || r.Status == StatusIdempotent
}

func recorded(status Status, rec *ledger.UsageRecord, remaining decimal.Decimal) *Result {
	src := pricing.Source(rec.PricingSource)
	return &Result{
		Status:           status,
		Record:           rec,
		TotalUnits:       rec.TotalUnits,
		Cost:             rec.Cost,
		PricingSource:    src,
		PricingDegraded:  src == pricing.SourceFallback,
		BalanceRemaining: remaining,
	}
}

func rejected(kind ErrorKind, msg string) *Result {
	return &Result{Status: StatusRejected, Kind: kind, Message: msg}
}

func rateLimited(retryAfter time.Duration) *Result {
	return &Result{Status: StatusRateLimited, RetryAfter: retryAfter}
}

func insufficient(available, required decimal.Decimal) *Result {
	return &Result{
		Status:    StatusInsufficientCredits,
		Available: available,
		Required:  required,
		Shortfall: required.Sub(available),
	}
}
