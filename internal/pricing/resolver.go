// Package pricing maps a model identifier to a per-1k-unit price pair.
package pricing

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-ledger/internal/catalog"
)

// Source records how a price was found. It is stored on every usage record
// and is the signal used to monitor catalog completeness.
type Source string

const (
	SourceExact      Source = "exact"
	SourceNormalized Source = "normalized"
	SourceFamily     Source = "family"
	SourceFallback   Source = "fallback"
)

type Price struct {
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal
}

type Resolution struct {
	Price   Price
	Source  Source
	Pattern string // matched rule pattern, empty for fallback
}

// dateSuffix matches trailing version stamps such as -20240229, -2024-08-06,
// @20240229 or -0613.
var dateSuffix = regexp.MustCompile(`(?:[-_@:](?:\d{4}-\d{2}-\d{2}|\d{8}|\d{6}|\d{4}))+$`)

// Normalize strips trailing date-like version suffixes and lowercases.
func Normalize(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	stripped := dateSuffix.ReplaceAllString(m, "")
	if stripped == "" {
		return m
	}
	return stripped
}

type Resolver struct {
	fallback Price
	logger   *zap.Logger
}

func NewResolver(fallback Price, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{fallback: fallback, logger: logger}
}

// Resolve never fails. Order: exact, normalized, longest prefix, fallback.
func (r *Resolver) Resolve(rules []catalog.PricingRule, model string, at time.Time) Resolution {
	name := strings.ToLower(strings.TrimSpace(model))

	if rule, ok := pickExact(rules, name, at); ok {
		return resolved(rule, SourceExact)
	}

	if norm := Normalize(name); norm != name {
		if rule, ok := pickExact(rules, norm, at); ok {
			return resolved(rule, SourceNormalized)
		}
	}

	if rule, ok := pickFamily(rules, name, at); ok {
		return resolved(rule, SourceFamily)
	}

	r.logger.Warn("no pricing rule matched, using fallback price",
		zap.String("model", model),
		zap.String("input_price_per_1k", r.fallback.InputPer1K.String()),
		zap.String("output_price_per_1k", r.fallback.OutputPer1K.String()),
	)
	return Resolution{Price: r.fallback, Source: SourceFallback}
}

func resolved(rule catalog.PricingRule, src Source) Resolution {
	return Resolution{
		Price: Price{
			InputPer1K:  rule.InputPricePer1K,
			OutputPer1K: rule.OutputPricePer1K,
		},
		Source:  src,
		Pattern: rule.Pattern,
	}
}

func pickExact(rules []catalog.PricingRule, name string, at time.Time) (catalog.PricingRule, bool) {
	var best catalog.PricingRule
	found := false
	for _, rule := range rules {
		if !rule.ActiveAt(at) || strings.ToLower(rule.Pattern) != name {
			continue
		}
		if !found || rule.EffectiveDate.After(best.EffectiveDate) {
			best, found = rule, true
		}
	}
	return best, found
}

func pickFamily(rules []catalog.PricingRule, name string, at time.Time) (catalog.PricingRule, bool) {
	var best catalog.PricingRule
	found := false
	for _, rule := range rules {
		pattern := strings.ToLower(rule.Pattern)
		if pattern == "" || !rule.ActiveAt(at) || !strings.HasPrefix(name, pattern) {
			continue
		}
		switch {
		case !found:
			best, found = rule, true
		case len(pattern) > len(best.Pattern):
			best = rule
		case len(pattern) == len(best.Pattern) && rule.EffectiveDate.After(best.EffectiveDate):
			best = rule
		}
	}
	return best, found
}
