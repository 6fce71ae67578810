package cost

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/usage-ledger/internal/catalog"
)

// AppliedSurcharge records one surcharge that contributed to a call's cost.
type AppliedSurcharge struct {
	Name   string
	Kind   catalog.SurchargeKind
	Amount decimal.Decimal
}

// ApplySurcharges returns the surcharge total for a call. Percentages apply
// first, then fixed-per-unit, then at most one volume tier: the matching tier
// with the highest threshold not above totalUnits.
func ApplySurcharges(surcharges []catalog.Surcharge, orgID, model string, totalUnits int64, baseCost decimal.Decimal, at time.Time) (decimal.Decimal, []AppliedSurcharge) {
	total := decimal.Zero
	var applied []AppliedSurcharge
	add := func(s catalog.Surcharge, amount decimal.Decimal) {
		total = total.Add(amount)
		applied = append(applied, AppliedSurcharge{Name: s.Name, Kind: s.Kind, Amount: amount})
	}

	units := decimal.NewFromInt(totalUnits)
	var tier *catalog.Surcharge

	for _, s := range surcharges {
		if s.Kind != catalog.SurchargePercentage || !s.Applies(orgID, model, at) {
			continue
		}
		add(s, round(baseCost.Mul(s.Value)))
	}
	for _, s := range surcharges {
		if s.Kind != catalog.SurchargeFixedPerUnit || !s.Applies(orgID, model, at) {
			continue
		}
		add(s, round(units.Mul(s.Value)))
	}
	for i := range surcharges {
		s := &surcharges[i]
		if s.Kind != catalog.SurchargeTieredVolume || !s.Applies(orgID, model, at) || s.Threshold > totalUnits {
			continue
		}
		if tier == nil || s.Threshold > tier.Threshold {
			tier = s
		}
	}
	if tier != nil {
		add(*tier, round(baseCost.Mul(tier.Value)))
	}

	return total, applied
}
