// Package catalog holds the reference data the billing engine reads but never
// writes: pricing rules, surcharges and rate-limit thresholds.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var ErrInvalidCatalog = errors.New("catalog: invalid")

type SurchargeKind string

const (
	SurchargePercentage   SurchargeKind = "percentage"
	SurchargeFixedPerUnit SurchargeKind = "fixed_per_unit"
	SurchargeTieredVolume SurchargeKind = "tiered_volume"
)

// PricingRule prices a model (or model family) per 1k units.
type PricingRule struct {
	Pattern          string          `yaml:"pattern"`
	InputPricePer1K  decimal.Decimal `yaml:"input_price_per_1k"`
	OutputPricePer1K decimal.Decimal `yaml:"output_price_per_1k"`
	EffectiveDate    time.Time       `yaml:"effective_date"`
	ExpirationDate   *time.Time      `yaml:"expiration_date,omitempty"`
}

// ActiveAt reports whether the rule is effective and not yet expired at t.
func (r PricingRule) ActiveAt(t time.Time) bool {
	if r.EffectiveDate.After(t) {
		return false
	}
	return r.ExpirationDate == nil || t.Before(*r.ExpirationDate)
}

type Surcharge struct {
	Name           string          `yaml:"name"`
	Kind           SurchargeKind   `yaml:"kind"`
	Value          decimal.Decimal `yaml:"value"`
	Model          string          `yaml:"model,omitempty"`
	OrgID          string          `yaml:"org_id,omitempty"`
	Threshold      int64           `yaml:"threshold,omitempty"`
	EffectiveFrom  time.Time       `yaml:"effective_from"`
	EffectiveUntil *time.Time      `yaml:"effective_until,omitempty"`
}

// Applies reports whether the surcharge is in effect at t for the given
// organization and model. Model scope is a case-insensitive prefix match.
func (s Surcharge) Applies(orgID, model string, t time.Time) bool {
	if s.EffectiveFrom.After(t) {
		return false
	}
	if s.EffectiveUntil != nil && !t.Before(*s.EffectiveUntil) {
		return false
	}
	if s.OrgID != "" && s.OrgID != orgID {
		return false
	}
	if s.Model != "" && !strings.HasPrefix(strings.ToLower(model), strings.ToLower(s.Model)) {
		return false
	}
	return true
}

type RateLimit struct {
	CallsPerWindow int64 `yaml:"calls_per_window"`
	UnitsPerWindow int64 `yaml:"units_per_window"`
}

func (l RateLimit) IsZero() bool {
	return l.CallsPerWindow == 0 && l.UnitsPerWindow == 0
}

type RateLimits struct {
	Default RateLimit            `yaml:"default"`
	Orgs    map[string]RateLimit `yaml:"orgs,omitempty"`
}

// Catalog is an immutable snapshot. Callers must not modify it after Parse.
type Catalog struct {
	Pricing    []PricingRule `yaml:"pricing"`
	Surcharges []Surcharge   `yaml:"surcharges"`
	RateLimits RateLimits    `yaml:"rate_limits"`

	LoadedAt time.Time `yaml:"-"`
}

// RateLimitFor returns the org override, then the catalog default, then fallback.
func (c *Catalog) RateLimitFor(orgID string, fallback RateLimit) RateLimit {
	if c == nil {
		return fallback
	}
	if l, ok := c.RateLimits.Orgs[orgID]; ok && !l.IsZero() {
		return l
	}
	if !c.RateLimits.Default.IsZero() {
		return c.RateLimits.Default
	}
	return fallback
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.LoadedAt = time.Now()
	return &c, nil
}

// LoadFile reads and parses the catalog at path.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

func (c *Catalog) Validate() error {
	var errs []error
	for i, r := range c.Pricing {
		if strings.TrimSpace(r.Pattern) == "" {
			errs = append(errs, fmt.Errorf("pricing[%d]: pattern is required", i))
		}
		if r.InputPricePer1K.IsNegative() || r.OutputPricePer1K.IsNegative() {
			errs = append(errs, fmt.Errorf("pricing[%d] %q: prices must be non-negative", i, r.Pattern))
		}
		if r.ExpirationDate != nil && !r.ExpirationDate.After(r.EffectiveDate) {
			errs = append(errs, fmt.Errorf("pricing[%d] %q: expiration must follow effective date", i, r.Pattern))
		}
	}
	for i, s := range c.Surcharges {
		switch s.Kind {
		case SurchargePercentage, SurchargeFixedPerUnit:
		case SurchargeTieredVolume:
			if s.Threshold <= 0 {
				errs = append(errs, fmt.Errorf("surcharges[%d] %q: tiered threshold must be positive", i, s.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("surcharges[%d] %q: unknown kind %q", i, s.Name, s.Kind))
		}
		if s.Value.IsNegative() {
			errs = append(errs, fmt.Errorf("surcharges[%d] %q: value must be non-negative", i, s.Name))
		}
		if s.EffectiveUntil != nil && !s.EffectiveUntil.After(s.EffectiveFrom) {
			errs = append(errs, fmt.Errorf("surcharges[%d] %q: effective_until must follow effective_from", i, s.Name))
		}
	}
	checkLimit := func(name string, l RateLimit) {
		if l.CallsPerWindow < 0 || l.UnitsPerWindow < 0 {
			errs = append(errs, fmt.Errorf("rate_limits %s: limits must be non-negative", name))
		}
	}
	checkLimit("default", c.RateLimits.Default)
	for org, l := range c.RateLimits.Orgs {
		checkLimit(org, l)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidCatalog, errors.Join(errs...))
	}
	return nil
}
