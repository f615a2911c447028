package billing

import "time"

// Metrics defines the interface for tracking webhook processing.
// All methods are optional - use NoopMetrics when metrics are not needed.
type Metrics interface {
	// RecordWebhookEvent records one processed delivery.
	// status: "applied", "unchanged", "duplicate", "ignored" or "error"
	RecordWebhookEvent(provider, kind, status string)

	// RecordWebhookProcessingDuration records how long it took to process a delivery.
	RecordWebhookProcessingDuration(provider, kind string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "not_found", "transient", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordPlanChange records when a subscription's plan changes.
	RecordPlanChange(provider, fromPlan, toPlan string)

	// RecordStaleUpdate records an event whose period end was older than the stored one.
	RecordStaleUpdate(provider, kind string)

	// RecordSubscriptionSync records a subscription pulled from the provider API.
	// status: "success" or "error"
	RecordSubscriptionSync(provider, status string)

	// RecordAPICall records an API call to the billing provider.
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordPlanChange(_, _, _ string)                              {}
func (n *NoopMetrics) RecordStaleUpdate(_, _ string)                                {}
func (n *NoopMetrics) RecordSubscriptionSync(_, _ string)                           {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
