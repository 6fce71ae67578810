package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// keyedMutex hands out one exclusive lock per key, with a bounded wait. A
// key's slot is dropped once nobody holds or waits for it.
type keyedMutex struct {
	mu    sync.Mutex
	slots map[string]*keySlot
}

type keySlot struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{slots: make(map[string]*keySlot)}
}

func (k *keyedMutex) lock(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	k.mu.Lock()
	slot, ok := k.slots[key]
	if !ok {
		slot = &keySlot{ch: make(chan struct{}, 1)}
		k.slots[key] = slot
	}
	slot.refs++
	k.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case slot.ch <- struct{}{}:
		return func() {
			<-slot.ch
			k.release(key, slot)
		}, nil
	case <-expired:
		k.release(key, slot)
		return nil, ErrLockTimeout
	case <-ctx.Done():
		k.release(key, slot)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) release(key string, slot *keySlot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(k.slots, key)
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}

// MemoryStore keeps the ledger in process memory. Balances are serialized by a
// per-organization lock; idempotency keys by a per-key lock held until the
// owning unit of work ends, which gives the same blocking behavior as a
// unique index.
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[string]*UsageRecord
	byKey      map[string]string
	balances   map[string]*Balance
	history    []HistoryEntry
	entries    []Entry
	aggregates map[string]*Aggregate

	orgLocks    *keyedMutex
	keyLocks    *keyedMutex
	lockTimeout time.Duration
	now         func() time.Time
}

func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]*UsageRecord),
		byKey:       make(map[string]string),
		balances:    make(map[string]*Balance),
		aggregates:  make(map[string]*Aggregate),
		orgLocks:    newKeyedMutex(),
		keyLocks:    newKeyedMutex(),
		lockTimeout: lockTimeout,
		now:         time.Now,
	}
}

func aggregateKey(scope AggregateScope, id string) string {
	return string(scope) + "/" + id
}

func (s *MemoryStore) FindByIdempotencyKey(_ context.Context, key string) (*UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findByKeyLocked(key)
}

func (s *MemoryStore) findByKeyLocked(key string) (*UsageRecord, error) {
	id, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	rec := *s.records[id]
	return &rec, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, orgID string) (Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.balances[orgID]; ok {
		return *b, nil
	}
	return Balance{OrgID: orgID}, nil
}

// SetBalance overwrites an organization's balance. Top-ups happen outside the
// engine; this exists for seeding and tests.
func (s *MemoryStore) SetBalance(_ context.Context, orgID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.ensureBalanceLocked(orgID)
	b.Amount = amount
	b.UpdatedAt = s.now()
	return nil
}

// SetReserved sets the externally held reservation on an organization.
func (s *MemoryStore) SetReserved(orgID string, reserved decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureBalanceLocked(orgID).Reserved = reserved
}

func (s *MemoryStore) ensureBalanceLocked(orgID string) *Balance {
	b, ok := s.balances[orgID]
	if !ok {
		b = &Balance{OrgID: orgID, UpdatedAt: s.now()}
		s.balances[orgID] = b
	}
	return b
}

func (s *MemoryStore) WithOrgLock(ctx context.Context, orgID string, fn func(ctx context.Context, tx Tx) error) error {
	unlock, err := s.orgLocks.lock(ctx, orgID, s.lockTimeout)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	bal := *s.ensureBalanceLocked(orgID)
	s.mu.Unlock()

	tx := &memoryTx{store: s, balance: bal}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memoryTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range tx.records {
		s.records[rec.ID] = rec
		if rec.IdempotencyKey != "" {
			s.byKey[rec.IdempotencyKey] = rec.ID
		}
	}
	// Debits apply to the live row; reservations and top-ups made while the
	// lock was held are kept.
	if tx.debited {
		cur := s.ensureBalanceLocked(tx.balance.OrgID)
		cur.Amount = cur.Amount.Sub(tx.debitedTotal)
		cur.UpdatedAt = tx.balance.UpdatedAt
	}
	s.history = append(s.history, tx.history...)
	s.entries = append(s.entries, tx.entries...)
	for _, a := range tx.aggregates {
		key := aggregateKey(a.Scope, a.ScopeID)
		cur, ok := s.aggregates[key]
		if !ok {
			cur = &Aggregate{Scope: a.Scope, ScopeID: a.ScopeID}
			s.aggregates[key] = cur
		}
		cur.UnitsUsed += a.UnitsUsed
		cur.CostIncurred = cur.CostIncurred.Add(a.CostIncurred)
		cur.CallCount += a.CallCount
	}
}

func (s *MemoryStore) UsageByOrg(_ context.Context, orgID string, from, to time.Time) ([]*UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*UsageRecord
	for _, rec := range s.records {
		if rec.OrgID != orgID || rec.CreatedAt.Before(from) || rec.CreatedAt.After(to) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) TotalCostByOrg(ctx context.Context, orgID string, from, to time.Time) (decimal.Decimal, error) {
	recs, err := s.UsageByOrg(ctx, orgID, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range recs {
		total = total.Add(r.Cost)
	}
	return total, nil
}

// RecordCount returns the number of committed usage records.
func (s *MemoryStore) RecordCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// History returns the committed balance snapshots for orgID, oldest first.
func (s *MemoryStore) History(orgID string) []HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []HistoryEntry
	for _, h := range s.history {
		if h.OrgID == orgID {
			out = append(out, h)
		}
	}
	return out
}

// Entries returns the committed ledger entries for orgID, oldest first.
func (s *MemoryStore) Entries(orgID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.OrgID == orgID {
			out = append(out, e)
		}
	}
	return out
}

func (s *MemoryStore) Aggregate(scope AggregateScope, id string) (Aggregate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.aggregates[aggregateKey(scope, id)]
	if !ok {
		return Aggregate{}, false
	}
	return *a, true
}

func (s *MemoryStore) Close() error { return nil }

// memoryTx buffers writes until WithOrgLock commits them.
type memoryTx struct {
	store        *MemoryStore
	balance      Balance
	debited      bool
	debitedTotal decimal.Decimal
	records      []*UsageRecord
	history      []HistoryEntry
	entries      []Entry
	aggregates   []Aggregate
	unlocks      []func()
}

func (tx *memoryTx) release() {
	for i := len(tx.unlocks) - 1; i >= 0; i-- {
		tx.unlocks[i]()
	}
	tx.unlocks = nil
}

func (tx *memoryTx) Balance() Balance { return tx.balance }

func (tx *memoryTx) InsertRecord(ctx context.Context, rec *UsageRecord) (*UsageRecord, error) {
	if rec.IdempotencyKey != "" {
		unlock, err := tx.store.keyLocks.lock(ctx, rec.IdempotencyKey, tx.store.lockTimeout)
		if err != nil {
			return nil, err
		}
		tx.unlocks = append(tx.unlocks, unlock)

		tx.store.mu.RLock()
		existing, err := tx.store.findByKeyLocked(rec.IdempotencyKey)
		tx.store.mu.RUnlock()
		if err == nil {
			return existing, nil
		}
	}
	cp := *rec
	tx.records = append(tx.records, &cp)
	return nil, nil
}

func (tx *memoryTx) Debit(_ context.Context, rec *UsageRecord) (Balance, error) {
	now := tx.store.now()
	before := tx.balance
	after := before
	after.Amount = before.Amount.Sub(rec.Cost)
	after.UpdatedAt = now

	tx.history = append(tx.history, HistoryEntry{
		ID:        uuid.NewString(),
		OrgID:     before.OrgID,
		RecordID:  rec.ID,
		Before:    before.Amount,
		After:     after.Amount,
		Reserved:  before.Reserved,
		CreatedAt: now,
	})
	tx.entries = append(tx.entries, Entry{
		ID:        uuid.NewString(),
		OrgID:     before.OrgID,
		RecordID:  rec.ID,
		Type:      EntryDebit,
		Amount:    rec.Cost,
		CreatedAt: now,
	})
	tx.balance = after
	tx.debited = true
	tx.debitedTotal = tx.debitedTotal.Add(rec.Cost)
	return after, nil
}

func (tx *memoryTx) IncrementAggregates(_ context.Context, rec *UsageRecord) error {
	for _, a := range rec.Scopes() {
		a.UnitsUsed = rec.TotalUnits
		a.CostIncurred = rec.Cost
		a.CallCount = 1
		tx.aggregates = append(tx.aggregates, a)
	}
	return nil
}
