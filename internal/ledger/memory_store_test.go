package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newRecord(org, key string, cost string, at time.Time) *UsageRecord {
	return &UsageRecord{
		ID:             uuid.NewString(),
		RunID:          "run-1",
		StepID:         "step-1",
		AgentID:        "agent-1",
		OrgID:          org,
		InputUnits:     100,
		OutputUnits:    50,
		TotalUnits:     150,
		Model:          "gpt-4",
		Cost:           dec(cost),
		BaseCost:       dec(cost),
		SurchargeCost:  decimal.Zero,
		PricingSource:  "exact",
		IdempotencyKey: key,
		CreatedAt:      at,
	}
}

// charge runs the insert, debit, aggregate sequence the engine uses.
func charge(ctx context.Context, s Store, rec *UsageRecord) (*UsageRecord, error) {
	var existing *UsageRecord
	err := s.WithOrgLock(ctx, rec.OrgID, func(ctx context.Context, tx Tx) error {
		var err error
		existing, err = tx.InsertRecord(ctx, rec)
		if err != nil || existing != nil {
			return err
		}
		if _, err := tx.Debit(ctx, rec); err != nil {
			return err
		}
		return tx.IncrementAggregates(ctx, rec)
	})
	return existing, err
}

func TestMemoryStore_ChargeCommits(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Second)
	require.NoError(t, s.SetBalance(ctx, "org-1", dec("10")))

	rec := newRecord("org-1", "k1", "0.0011", time.Now())
	existing, err := charge(ctx, s, rec)
	require.NoError(t, err)
	assert.Nil(t, existing)

	b, err := s.GetBalance(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, dec("9.9989").Equal(b.Amount), "got %s", b.Amount)

	history := s.History("org-1")
	require.Len(t, history, 1)
	assert.True(t, dec("10").Equal(history[0].Before))
	assert.True(t, dec("9.9989").Equal(history[0].After))
	assert.Equal(t, rec.ID, history[0].RecordID)

	entries := s.Entries("org-1")
	require.Len(t, entries, 1)
	assert.Equal(t, EntryDebit, entries[0].Type)
	assert.True(t, dec("0.0011").Equal(entries[0].Amount))

	for _, scope := range []struct {
		kind AggregateScope
		id   string
	}{{ScopeRun, "run-1"}, {ScopeStep, "step-1"}, {ScopeAgent, "agent-1"}} {
		a, ok := s.Aggregate(scope.kind, scope.id)
		require.True(t, ok, scope.kind)
		assert.Equal(t, int64(150), a.UnitsUsed)
		assert.Equal(t, int64(1), a.CallCount)
		assert.True(t, dec("0.0011").Equal(a.CostIncurred))
	}
	_, ok := s.Aggregate(ScopeTask, "")
	assert.False(t, ok, "records without a task do not touch task aggregates")

	found, err := s.FindByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, found.ID)
}

func TestMemoryStore_ErrorDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Second)
	require.NoError(t, s.SetBalance(ctx, "org-1", dec("5")))

	boom := errors.New("boom")
	err := s.WithOrgLock(ctx, "org-1", func(ctx context.Context, tx Tx) error {
		rec := newRecord("org-1", "k1", "1", time.Now())
		if _, err := tx.InsertRecord(ctx, rec); err != nil {
			return err
		}
		if _, err := tx.Debit(ctx, rec); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	b, _ := s.GetBalance(ctx, "org-1")
	assert.True(t, dec("5").Equal(b.Amount))
	assert.Zero(t, s.RecordCount())
	assert.Empty(t, s.History("org-1"))
	_, err = s.FindByIdempotencyKey(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_TxSeesOwnDebits(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Second)
	require.NoError(t, s.SetBalance(ctx, "org-1", dec("3")))
	s.SetReserved("org-1", dec("1"))

	err := s.WithOrgLock(ctx, "org-1", func(ctx context.Context, tx Tx) error {
		assert.True(t, dec("2").Equal(tx.Balance().Available()))
		_, err := tx.Debit(ctx, newRecord("org-1", "", "0.5", time.Now()))
		require.NoError(t, err)
		assert.True(t, dec("2.5").Equal(tx.Balance().Amount))
		assert.True(t, dec("1").Equal(tx.Balance().Reserved))
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_CommitKeepsOutsideBalanceChanges(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Second)
	require.NoError(t, s.SetBalance(ctx, "org-1", dec("10")))

	err := s.WithOrgLock(ctx, "org-1", func(ctx context.Context, tx Tx) error {
		// Reservations and top-ups happen outside the engine and do not take
		// the org lock.
		s.SetReserved("org-1", dec("4"))
		require.NoError(t, s.SetBalance(ctx, "org-1", dec("15")))

		rec := newRecord("org-1", "", "1", time.Now())
		if _, err := tx.InsertRecord(ctx, rec); err != nil {
			return err
		}
		_, err := tx.Debit(ctx, rec)
		return err
	})
	require.NoError(t, err)

	b, err := s.GetBalance(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, dec("14").Equal(b.Amount), "got %s", b.Amount)
	assert.True(t, dec("4").Equal(b.Reserved), "got %s", b.Reserved)
}

func TestMemoryStore_LockTableIsReleased(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(20 * time.Millisecond)
	require.NoError(t, s.SetBalance(ctx, "org-1", dec("10")))

	for i := 0; i < 50; i++ {
		_, err := charge(ctx, s, newRecord("org-1", uuid.NewString(), "0.01", time.Now()))
		require.NoError(t, err)
	}
	assert.Zero(t, s.keyLocks.size())
	assert.Zero(t, s.orgLocks.size())

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.WithOrgLock(ctx, "org-1", func(context.Context, Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	err := s.WithOrgLock(ctx, "org-1", func(context.Context, Tx) error { return nil })
	require.ErrorIs(t, err, ErrLockTimeout)
	close(release)
	<-done

	assert.Zero(t, s.orgLocks.size(), "timed-out waiters release their slot")
}

func TestMemoryStore_LockTimeout(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(30 * time.Millisecond)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithOrgLock(ctx, "org-1", func(context.Context, Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	err := s.WithOrgLock(ctx, "org-1", func(context.Context, Tx) error { return nil })
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.True(t, IsRetryable(err))

	// Other organizations are not blocked.
	err = s.WithOrgLock(ctx, "org-2", func(context.Context, Tx) error { return nil })
	assert.NoError(t, err)
}

func TestMemoryStore_LockHonorsContext(t *testing.T) {
	s := NewMemoryStore(0)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithOrgLock(context.Background(), "org-1", func(context.Context, Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.WithOrgLock(ctx, "org-1", func(context.Context, Tx) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryStore_DuplicateKeyReturnsExisting(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Second)
	require.NoError(t, s.SetBalance(ctx, "org-1", dec("10")))

	first := newRecord("org-1", "dup", "1", time.Now())
	_, err := charge(ctx, s, first)
	require.NoError(t, err)

	second := newRecord("org-1", "dup", "1", time.Now())
	existing, err := charge(ctx, s, second)
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, first.ID, existing.ID)

	b, _ := s.GetBalance(ctx, "org-1")
	assert.True(t, dec("9").Equal(b.Amount), "the duplicate is not debited")
	assert.Equal(t, 1, s.RecordCount())
}

func TestMemoryStore_KeyBlocksUntilOwnerCommits(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Second)

	inserted := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	first := newRecord("org-a", "shared", "1", time.Now())
	go func() {
		firstDone <- s.WithOrgLock(ctx, "org-a", func(ctx context.Context, tx Tx) error {
			if _, err := tx.InsertRecord(ctx, first); err != nil {
				return err
			}
			close(inserted)
			<-release
			return nil
		})
	}()
	<-inserted

	secondDone := make(chan *UsageRecord, 1)
	go func() {
		existing, _ := charge(ctx, s, newRecord("org-b", "shared", "1", time.Now()))
		secondDone <- existing
	}()

	select {
	case <-secondDone:
		t.Fatal("second insert must wait for the key owner")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-firstDone)
	existing := <-secondDone
	require.NotNil(t, existing)
	assert.Equal(t, first.ID, existing.ID)
	assert.Equal(t, 1, s.RecordCount())
}

func TestMemoryStore_GetBalanceUnknownOrg(t *testing.T) {
	s := NewMemoryStore(time.Second)
	b, err := s.GetBalance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.True(t, b.Amount.IsZero())
	assert.Equal(t, "nobody", b.OrgID)
}

func TestMemoryStore_UsageQueries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Second)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, cost := range []string{"1", "2", "4"} {
		_, err := charge(ctx, s, newRecord("org-1", "", cost, base.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}
	_, err := charge(ctx, s, newRecord("org-2", "", "100", base))
	require.NoError(t, err)

	recs, err := s.UsageByOrg(ctx, "org-1", base, base.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].CreatedAt.After(recs[1].CreatedAt), "newest first")

	total, err := s.TotalCostByOrg(ctx, "org-1", base, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, dec("7").Equal(total))

	b, _ := s.GetBalance(ctx, "org-1")
	assert.True(t, dec("-7").Equal(b.Amount))
}
