package tenancy

import "time"

// Resolution outcomes reported to Metrics
const (
	OutcomeCustom    = "custom"
	OutcomeSubdomain = "subdomain"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
)

// Metrics defines the interface for tracking routing and storage operations.
type Metrics interface {
	// RecordResolution records the outcome and latency of one host resolution.
	RecordResolution(outcome string, duration time.Duration)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCacheHit records a lookup served by the hot tier.
	// lookup: "mapping" or "tenant"
	RecordCacheHit(lookup string)

	// RecordCacheMiss records a lookup that fell through to the cold tier.
	RecordCacheMiss(lookup string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordResolution(outcome string, duration time.Duration)                    {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCacheHit(lookup string)                                               {}
func (n *NoopMetrics) RecordCacheMiss(lookup string)                                              {}
