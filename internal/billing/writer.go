package billing

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/usage-ledger/internal/ledger"
)

// errInsufficientCredits aborts the unit of work; it never leaves this file.
var errInsufficientCredits = errors.New("insufficient credits")

type writeOutcome struct {
	// existing is set when the idempotency key was taken by another call.
	existing *ledger.UsageRecord

	// insufficient is set when the balance check failed.
	insufficient bool
	available    decimal.Decimal

	before ledger.Balance
	after  ledger.Balance
}

// writeRecord runs the locked part of a call: insert the record (or find the
// one that owns its idempotency key), check the balance, debit, and bump the
// aggregates. Everything commits together or not at all.
//
// The insert precedes the balance check: a key owned by another call resolves
// to that call's record whatever the balance is now. A failed check rolls the
// insert back.
func writeRecord(ctx context.Context, store ledger.Store, rec *ledger.UsageRecord) (writeOutcome, error) {
	var out writeOutcome
	err := store.WithOrgLock(ctx, rec.OrgID, func(ctx context.Context, tx ledger.Tx) error {
		existing, err := tx.InsertRecord(ctx, rec)
		if err != nil {
			return err
		}
		if existing != nil {
			out.existing = existing
			return nil
		}

		out.before = tx.Balance()
		available := out.before.Available()
		if available.LessThan(rec.Cost) {
			out.insufficient = true
			out.available = available
			return errInsufficientCredits
		}

		after, err := tx.Debit(ctx, rec)
		if err != nil {
			return err
		}
		out.after = after

		return tx.IncrementAggregates(ctx, rec)
	})
	if errors.Is(err, errInsufficientCredits) {
		return out, nil
	}
	return out, err
}
