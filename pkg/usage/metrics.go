package usage

import "time"

// Metrics defines the interface for tracking usage capture and aggregation.
type Metrics interface {
	// RecordUsageEvent records one captured usage event.
	RecordUsageEvent(provider, model string, promptTokens, completionTokens int64)

	// RecordAggregationRun records one aggregation pass.
	// status: "success" or "partial" when some organizations failed
	RecordAggregationRun(status string, duration time.Duration)

	// RecordLedgerWrite records one ledger upsert.
	RecordLedgerWrite(organizationID string)

	// RecordOrganizationFailure records an organization whose aggregation failed.
	RecordOrganizationFailure()

	// RecordUnpricedUsage records usage whose (provider, model) has no rate.
	RecordUnpricedUsage(provider, model string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordUsageEvent(_, _ string, _, _ int64)       {}
func (n *NoopMetrics) RecordAggregationRun(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordLedgerWrite(_ string)                     {}
func (n *NoopMetrics) RecordOrganizationFailure()                     {}
func (n *NoopMetrics) RecordUnpricedUsage(_, _ string)                {}
