// Package metrics holds the Prometheus instruments the billing engine updates.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

const namespace = "usage_ledger"

type Metrics struct {
	Calls                *prometheus.CounterVec
	PricingResolutions   *prometheus.CounterVec
	Units                prometheus.Counter
	Cost                 prometheus.Counter
	CallDuration         prometheus.Histogram
	NotificationsDropped prometheus.Counter
}

// New registers the instruments on reg. Pass prometheus.NewRegistry() in
// tests so runs do not collide on the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Billing calls by outcome status and rejection kind.",
		}, []string{"status", "kind"}),
		PricingResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pricing_resolutions_total",
			Help:      "Price lookups by resolution source.",
		}, []string{"source"}),
		Units: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Units billed on accepted calls.",
		}),
		Cost: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_total",
			Help:      "Credits debited on accepted calls.",
		}),
		CallDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "End to end latency of RecordUsage.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		NotificationsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Billing notifications dropped before delivery.",
		}),
	}
}

func (m *Metrics) ObserveCall(status, kind string, seconds float64) {
	m.Calls.WithLabelValues(status, kind).Inc()
	m.CallDuration.Observe(seconds)
}

func (m *Metrics) ObservePricing(source string) {
	m.PricingResolutions.WithLabelValues(source).Inc()
}

// ObserveCharge records an accepted call. Prometheus counters are float64, so
// the cost here is an approximation of the exact ledger amount.
func (m *Metrics) ObserveCharge(units int64, cost decimal.Decimal) {
	m.Units.Add(float64(units))
	m.Cost.Add(cost.InexactFloat64())
}
