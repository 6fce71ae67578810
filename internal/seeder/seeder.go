// Package seeder creates the development fixtures the local stack bills
// against: one organization with a run and step, and a starting balance.
package seeder

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-ledger/internal/auth"
	"github.com/vnmchuo/usage-ledger/internal/identity"
)

const (
	TestOrgID   = "00000000-0000-0000-0000-000000000001"
	TestRunID   = "00000000-0000-0000-0000-0000000000a1"
	TestStepID  = "00000000-0000-0000-0000-0000000000b1"
	TestAgentID = "00000000-0000-0000-0000-0000000000c1"

	TestAPIKey = "ul-test-key-12345"
)

// Registrar is implemented by identity.MemoryDirectory and PostgresDirectory.
type Registrar interface {
	Register(ctx context.Context, kind identity.Kind, id string) error
}

// BalanceSetter is implemented by ledger.MemoryStore and PostgresStore.
type BalanceSetter interface {
	SetBalance(ctx context.Context, orgID string, amount decimal.Decimal) error
}

type Fixture struct {
	OrgID   string
	RunID   string
	StepID  string
	AgentID string
	Balance decimal.Decimal
}

func DefaultFixture() Fixture {
	return Fixture{
		OrgID:   TestOrgID,
		RunID:   TestRunID,
		StepID:  TestStepID,
		AgentID: TestAgentID,
		Balance: decimal.NewFromInt(100),
	}
}

// Seed registers the fixture's identities and overwrites the org balance.
// Re-running it is safe.
func Seed(ctx context.Context, dir Registrar, balances BalanceSetter, f Fixture, logger *zap.Logger) error {
	for _, id := range []struct {
		kind identity.Kind
		id   string
	}{
		{identity.Organization, f.OrgID},
		{identity.Run, f.RunID},
		{identity.Step, f.StepID},
		{identity.Agent, f.AgentID},
	} {
		if id.id == "" {
			continue
		}
		if err := dir.Register(ctx, id.kind, id.id); err != nil {
			return fmt.Errorf("seeding %s %s: %w", id.kind, id.id, err)
		}
	}

	if err := balances.SetBalance(ctx, f.OrgID, f.Balance); err != nil {
		return fmt.Errorf("seeding balance for %s: %w", f.OrgID, err)
	}

	logger.Info("seeded development fixtures",
		zap.String("org_id", f.OrgID),
		zap.String("run_id", f.RunID),
		zap.String("step_id", f.StepID),
		zap.String("agent_id", f.AgentID),
		zap.String("balance", f.Balance.String()),
	)
	return nil
}

// SeedAPIKey stores key scoped to orgID. An existing key is left alone.
func SeedAPIKey(ctx context.Context, store auth.Store, orgID, key string, logger *zap.Logger) error {
	err := store.Create(ctx, &auth.APIKey{
		OrgID:   orgID,
		KeyHash: auth.HashKey(key),
		Active:  true,
	})
	if errors.Is(err, auth.ErrKeyExists) {
		logger.Info("API key already exists, skipping", zap.String("org_id", orgID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("seeding api key for %s: %w", orgID, err)
	}
	logger.Info("seeded API key", zap.String("org_id", orgID), zap.String("key", key))
	return nil
}
