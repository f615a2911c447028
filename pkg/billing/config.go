package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

const (
	defaultStorageTimeout = 5 * time.Second

	// DefaultSignatureHeader is the header Stripe sends its webhook signature in
	DefaultSignatureHeader = "Stripe-Signature"

	// DefaultMaxBodyBytes bounds a webhook body
	DefaultMaxBodyBytes = 256 * 1024
)

// SubscriptionChange describes a committed subscription transition.
// It is passed to the ChangeCallback after storage has been updated.
type SubscriptionChange struct {
	OrganizationID string

	// Previous is nil when the event created the subscription
	Previous *tenancy.Subscription

	Current *tenancy.Subscription

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventID and EventType identify the provider event
	EventID   string
	EventType string

	// EventTimestamp is when the provider created the event
	EventTimestamp time.Time

	// StalePeriodEnd is true when the event's period end was dropped
	StalePeriodEnd bool

	// Metadata contains provider-specific additional data
	Metadata map[string]string
}

// ChangeCallback is invoked after a subscription transition has been committed.
// Errors are logged and do not fail the delivery.
type ChangeCallback func(ctx context.Context, change SubscriptionChange) error

// Config holds the collaborators of a Processor
type Config struct {
	// Verifier authenticates and decodes deliveries (required)
	Verifier Verifier

	// Store applies events atomically (required)
	Store SubscriptionStore

	// StorageTimeout bounds each ApplyEvent call (default: 5s)
	StorageTimeout time.Duration

	// OnChange is an optional hook called after each applied transition
	OnChange ChangeCallback

	// Logger is used for structured logging (default: NoopLogger)
	Logger tenancy.Logger

	// Metrics is an optional metrics collector (default: NoopMetrics)
	// Use billing/metrics/prometheus.NewMetrics for Prometheus metrics.
	Metrics Metrics

	// Now returns the current time (default: time.Now in UTC)
	Now func() time.Time
}

// HandlerConfig configures the webhook HTTP boundary
type HandlerConfig struct {
	// SignatureHeader is the request header carrying the signature (default: Stripe-Signature)
	SignatureHeader string

	// MaxBodyBytes bounds the request body (default: 256 KiB)
	MaxBodyBytes int64

	// RateLimit is the maximum number of requests per IP per RateWindow (0 disables)
	RateLimit int

	// RateWindow is the rate limit window (default: 1m)
	RateWindow time.Duration
}

// DefaultHandlerConfig returns a HandlerConfig with sensible defaults
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		SignatureHeader: DefaultSignatureHeader,
		MaxBodyBytes:    DefaultMaxBodyBytes,
		RateLimit:       100,
		RateWindow:      time.Minute,
	}
}
