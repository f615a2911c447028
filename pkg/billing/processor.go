package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

// ResultStatus is what a delivery did to storage
type ResultStatus string

const (
	// ResultApplied means the subscription snapshot changed
	ResultApplied ResultStatus = "applied"
	// ResultUnchanged means the event was recorded but changed nothing
	ResultUnchanged ResultStatus = "unchanged"
	// ResultDuplicate means the event id had already been applied
	ResultDuplicate ResultStatus = "duplicate"
	// ResultIgnored means the provider event type carries no subscription state
	ResultIgnored ResultStatus = "ignored"
)

// Result describes one successfully handled delivery
type Result struct {
	EventID string
	Kind    EventKind
	Status  ResultStatus

	// StalePeriodEnd is true when the event's period end was older than the stored one
	StalePeriodEnd bool

	// Subscription is the snapshot after the event (nil for ignored and duplicate deliveries)
	Subscription *tenancy.Subscription
}

// Processor verifies webhook deliveries and applies them to subscription storage
type Processor struct {
	verifier Verifier
	store    SubscriptionStore
	timeout  time.Duration
	onChange ChangeCallback
	logger   tenancy.Logger
	metrics  Metrics
	now      func() time.Time
}

// NewProcessor creates a Processor
func NewProcessor(config Config) (*Processor, error) {
	if config.Verifier == nil {
		return nil, fmt.Errorf("%w: verifier is required", ErrProviderNotConfigured)
	}
	if config.Store == nil {
		return nil, fmt.Errorf("subscription store is required")
	}
	if config.StorageTimeout <= 0 {
		config.StorageTimeout = defaultStorageTimeout
	}
	if config.Logger == nil {
		config.Logger = &tenancy.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Processor{
		verifier: config.Verifier,
		store:    config.Store,
		timeout:  config.StorageTimeout,
		onChange: config.OnChange,
		logger:   config.Logger,
		metrics:  config.Metrics,
		now:      config.Now,
	}, nil
}

// Provider returns the name of the configured provider
func (p *Processor) Provider() string {
	return p.verifier.Name()
}

// Process verifies a raw delivery and applies it.
//
// Authentication failures wrap ErrAuthentication and change nothing. A replayed
// event id reports ResultDuplicate. Routine events for a subscription that is
// not stored fail with ErrSubscriptionNotFound; storage failures wrap
// tenancy.ErrTransientStorage.
func (p *Processor) Process(ctx context.Context, d Delivery) (*Result, error) {
	provider := p.verifier.Name()
	start := time.Now()

	ev, err := p.verifier.Verify(d.Payload, d.Signature)
	switch {
	case err == nil:
	case errors.Is(err, ErrIgnoredEvent):
		p.metrics.RecordWebhookEvent(provider, "ignored", string(ResultIgnored))
		return &Result{Status: ResultIgnored}, nil
	case errors.Is(err, ErrAuthentication):
		p.metrics.RecordWebhookError(provider, "auth_failed")
		p.logger.Warn("webhook signature rejected", tenancy.F("provider", provider))
		return nil, err
	default:
		p.metrics.RecordWebhookError(provider, "invalid_payload")
		p.logger.Warn("webhook payload rejected", tenancy.F("provider", provider), tenancy.F("error", err))
		return nil, err
	}

	res, err := p.Apply(ctx, ev)
	p.metrics.RecordWebhookProcessingDuration(provider, ev.Kind.String(), time.Since(start))
	return res, err
}

// Apply applies an already verified event. It is used by Process and by
// reconciliation paths that build events from the provider API.
func (p *Processor) Apply(ctx context.Context, ev *Event) (*Result, error) {
	provider := ev.Provider
	if provider == "" {
		provider = p.verifier.Name()
		ev.Provider = provider
	}
	if ev.ID == "" {
		return nil, fmt.Errorf("%w: event id is required", ErrInvalidPayload)
	}
	kind := ev.Kind.String()
	appliedAt := p.now()

	req := ApplyRequest{
		Event:     ev,
		AppliedAt: appliedAt,
		Transition: func(current *tenancy.Subscription) (Outcome, error) {
			out, err := Transition(current, ev)
			if err != nil {
				return out, err
			}
			if out.Applied {
				if out.Next.ID == "" {
					out.Next.ID = uuid.NewString()
				}
				out.Next.LastEventID = ev.ID
				out.Next.UpdatedAt = appliedAt
			}
			return out, nil
		},
	}

	applied, err := tenancy.CallWithTimeout(ctx, p.timeout, func(ctx context.Context) (*ApplyResult, error) {
		return p.store.ApplyEvent(ctx, req)
	})
	if err != nil {
		p.recordFailure(ev, err)
		return nil, err
	}

	if applied.Duplicate {
		p.metrics.RecordWebhookEvent(provider, kind, string(ResultDuplicate))
		p.logger.Debug("duplicate webhook event", tenancy.F("event_id", ev.ID), tenancy.F("kind", kind))
		return &Result{EventID: ev.ID, Kind: ev.Kind, Status: ResultDuplicate}, nil
	}

	out := applied.Outcome
	if out.StalePeriodEnd {
		p.metrics.RecordStaleUpdate(provider, kind)
		p.logger.Warn("stale period end dropped",
			tenancy.F("event_id", ev.ID),
			tenancy.F("kind", kind),
			tenancy.F("organization_id", out.Next.OrganizationID),
			tenancy.F("event_period_end", ev.PeriodEnd),
			tenancy.F("stored_period_end", out.Next.CurrentPeriodEnd))
	}

	status := ResultUnchanged
	if out.Applied {
		status = ResultApplied
		p.afterApply(ctx, ev, applied)
	}
	p.metrics.RecordWebhookEvent(provider, kind, string(status))

	return &Result{
		EventID:        ev.ID,
		Kind:           ev.Kind,
		Status:         status,
		StalePeriodEnd: out.StalePeriodEnd,
		Subscription:   out.Next,
	}, nil
}

func (p *Processor) afterApply(ctx context.Context, ev *Event, applied *ApplyResult) {
	next := applied.Outcome.Next
	from := "none"
	if applied.Previous != nil {
		from = applied.Previous.Plan.String()
	}
	if to := next.Plan.String(); from != to {
		p.metrics.RecordPlanChange(ev.Provider, from, to)
	}

	p.logger.Info("subscription updated",
		tenancy.F("event_id", ev.ID),
		tenancy.F("kind", ev.Kind.String()),
		tenancy.F("organization_id", next.OrganizationID),
		tenancy.F("plan", next.Plan.String()),
		tenancy.F("status", next.Status.String()),
		tenancy.F("created", applied.Created))

	if p.onChange == nil {
		return
	}
	change := SubscriptionChange{
		OrganizationID: next.OrganizationID,
		Previous:       applied.Previous.Clone(),
		Current:        next.Clone(),
		Provider:       ev.Provider,
		EventID:        ev.ID,
		EventType:      ev.ProviderType,
		EventTimestamp: ev.CreatedAt,
		StalePeriodEnd: applied.Outcome.StalePeriodEnd,
		Metadata:       ev.Metadata,
	}
	if err := p.onChange(ctx, change); err != nil {
		p.logger.Error("subscription change callback failed",
			tenancy.F("event_id", ev.ID), tenancy.F("organization_id", next.OrganizationID), tenancy.F("error", err))
	}
}

func (p *Processor) recordFailure(ev *Event, err error) {
	fields := []tenancy.Field{
		tenancy.F("provider", ev.Provider),
		tenancy.F("event_id", ev.ID),
		tenancy.F("kind", ev.Kind.String()),
		tenancy.F("subscription_ref", ev.SubscriptionRef),
		tenancy.F("customer_ref", ev.CustomerRef),
		tenancy.F("error", err),
	}
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		p.metrics.RecordWebhookError(ev.Provider, "not_found")
		p.logger.Error("webhook event references unknown subscription; reconcile manually", fields...)
	case tenancy.IsTransient(err):
		p.metrics.RecordWebhookError(ev.Provider, "transient")
		p.logger.Warn("webhook event not applied; storage unavailable", fields...)
	default:
		p.metrics.RecordWebhookError(ev.Provider, "processing_error")
		p.logger.Error("webhook event failed", fields...)
	}
	p.metrics.RecordWebhookEvent(ev.Provider, ev.Kind.String(), "error")
}

// Subscription returns the stored subscription of an organization
func (p *Processor) Subscription(ctx context.Context, organizationID string) (*tenancy.Subscription, error) {
	return tenancy.CallWithTimeout(ctx, p.timeout, func(ctx context.Context) (*tenancy.Subscription, error) {
		return p.store.GetSubscriptionByOrganization(ctx, organizationID)
	})
}
