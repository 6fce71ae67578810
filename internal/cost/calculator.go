// Package cost turns unit counts and a resolved price into an exact
// fixed-point charge.
package cost

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/usage-ledger/internal/catalog"
	"github.com/vnmchuo/usage-ledger/internal/pricing"
)

// Scale is the number of fractional digits kept on every amount.
const Scale = 8

var ErrExcessiveCost = errors.New("cost: exceeds per-call ceiling")

// MinCharge is the smallest representable positive amount.
var MinCharge = decimal.New(1, -Scale)

func round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

type Input struct {
	OrgID       string
	Model       string
	InputUnits  int64
	OutputUnits int64
	Price       pricing.Price
	At          time.Time
}

func (in Input) TotalUnits() int64 {
	return in.InputUnits + in.OutputUnits
}

type Breakdown struct {
	BaseCost      decimal.Decimal
	SurchargeCost decimal.Decimal
	TotalCost     decimal.Decimal
	Surcharges    []AppliedSurcharge
	Floored       bool
}

type Calculator struct {
	maxCost decimal.Decimal
}

// NewCalculator builds a calculator that rejects any call costing more than
// maxCost. A zero maxCost disables the ceiling.
func NewCalculator(maxCost decimal.Decimal) *Calculator {
	return &Calculator{maxCost: maxCost}
}

func (c *Calculator) Calculate(in Input, surcharges []catalog.Surcharge) (Breakdown, error) {
	base := BaseCost(in.InputUnits, in.OutputUnits, in.Price)
	surcharge, applied := ApplySurcharges(surcharges, in.OrgID, in.Model, in.TotalUnits(), base, in.At)

	b := Breakdown{
		BaseCost:      base,
		SurchargeCost: surcharge,
		TotalCost:     base.Add(surcharge),
		Surcharges:    applied,
	}

	if b.TotalCost.IsZero() && in.TotalUnits() > 0 {
		// Nonzero usage is never free. The floor is booked as surcharge so
		// that total = base + surcharge still holds on the record.
		b.SurchargeCost = b.SurchargeCost.Add(MinCharge.Sub(b.TotalCost))
		b.TotalCost = MinCharge
		b.Floored = true
	}

	if c.maxCost.IsPositive() && b.TotalCost.GreaterThan(c.maxCost) {
		return b, fmt.Errorf("%w: %s > %s", ErrExcessiveCost, b.TotalCost.StringFixed(Scale), c.maxCost.StringFixed(Scale))
	}
	return b, nil
}

// BaseCost = round(in/1000*inPrice + out/1000*outPrice, Scale).
func BaseCost(inputUnits, outputUnits int64, price pricing.Price) decimal.Decimal {
	in := decimal.NewFromInt(inputUnits).Shift(-3).Mul(price.InputPer1K)
	out := decimal.NewFromInt(outputUnits).Shift(-3).Mul(price.OutputPer1K)
	return round(in.Add(out))
}
