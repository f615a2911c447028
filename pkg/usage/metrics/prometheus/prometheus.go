package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gotenant/pkg/usage"
)

// Metrics implements usage.Metrics using Prometheus.
type Metrics struct {
	eventsTotal          *prometheus.CounterVec
	tokensTotal          *prometheus.CounterVec
	aggregationRuns      *prometheus.CounterVec
	aggregationDuration  prometheus.Histogram
	ledgerWritesTotal    prometheus.Counter
	organizationFailures prometheus.Counter
	unpricedTotal        *prometheus.CounterVec
}

var _ usage.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics implementation for usage capture and aggregation.
// Ledger writes are not labelled by organization to keep cardinality bounded.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "events_total",
			Help:      "Total number of usage events captured.",
		}, []string{"provider", "model"}),

		tokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "tokens_total",
			Help:      "Total number of tokens captured.",
		}, []string{"provider", "model", "type"}),

		aggregationRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "aggregation_runs_total",
			Help:      "Total number of aggregation passes by status.",
		}, []string{"status"}),

		aggregationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "aggregation_duration_seconds",
			Help:      "Duration of aggregation passes in seconds.",
			Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300},
		}),

		ledgerWritesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "ledger_writes_total",
			Help:      "Total number of ledger rows upserted.",
		}),

		organizationFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "organization_failures_total",
			Help:      "Total number of organizations whose aggregation failed.",
		}),

		unpricedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "unpriced_usage_total",
			Help:      "Total number of ledger rows containing usage without a rate.",
		}, []string{"provider", "model"}),
	}
}

func (m *Metrics) RecordUsageEvent(provider, model string, promptTokens, completionTokens int64) {
	m.eventsTotal.WithLabelValues(provider, model).Inc()
	m.tokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	m.tokensTotal.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

func (m *Metrics) RecordAggregationRun(status string, duration time.Duration) {
	m.aggregationRuns.WithLabelValues(status).Inc()
	m.aggregationDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordLedgerWrite(_ string) {
	m.ledgerWritesTotal.Inc()
}

func (m *Metrics) RecordOrganizationFailure() {
	m.organizationFailures.Inc()
}

func (m *Metrics) RecordUnpricedUsage(provider, model string) {
	m.unpricedTotal.WithLabelValues(provider, model).Inc()
}
