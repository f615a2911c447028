// Package stripe verifies and decodes Stripe webhooks into billing events and
// talks to the Stripe API for checkout and subscription reconciliation.
package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gotenant/pkg/billing"
	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

const providerName = "stripe"

// Config holds Stripe settings shared by the Verifier, Checkout and Syncer
type Config struct {
	// WebhookSecret is the endpoint signing secret (whsec_...)
	WebhookSecret string

	// APIKey is used for outbound API calls (checkout sessions, subscription sync)
	APIKey string

	// PlanMapping maps Stripe price ids to plan names ("free", "pro", "team").
	// Keys are matched case-insensitively.
	PlanMapping map[string]string

	// Tolerance is the maximum signature age (default: 5m, the stripe-go default)
	Tolerance time.Duration

	// Logger is used for structured logging (default: NoopLogger)
	Logger tenancy.Logger

	// Metrics is an optional metrics collector (default: NoopMetrics)
	Metrics billing.Metrics
}

// Verifier implements billing.Verifier for Stripe webhooks
type Verifier struct {
	secret    string
	plans     map[string]tenancy.Plan
	tolerance time.Duration
	logger    tenancy.Logger
}

var _ billing.Verifier = (*Verifier)(nil)

// NewVerifier creates a Stripe webhook verifier
func NewVerifier(config Config) (*Verifier, error) {
	secret := strings.TrimSpace(config.WebhookSecret)
	if secret == "" {
		return nil, fmt.Errorf("%w: webhook secret is required", billing.ErrProviderNotConfigured)
	}
	plans, err := parsePlanMapping(config.PlanMapping)
	if err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = &tenancy.NoopLogger{}
	}
	return &Verifier{
		secret:    secret,
		plans:     plans,
		tolerance: config.Tolerance,
		logger:    config.Logger,
	}, nil
}

func parsePlanMapping(m map[string]string) (map[string]tenancy.Plan, error) {
	plans := make(map[string]tenancy.Plan, len(m))
	for priceID, name := range m {
		plan, err := tenancy.ParsePlan(name)
		if err != nil {
			return nil, fmt.Errorf("plan mapping for price %q: %w", priceID, err)
		}
		plans[strings.ToLower(priceID)] = plan
	}
	return plans, nil
}

// Name returns "stripe"
func (v *Verifier) Name() string { return providerName }

// Verify checks the Stripe-Signature header value against the raw payload and
// decodes the event
func (v *Verifier) Verify(payload []byte, signature string) (*billing.Event, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, fmt.Errorf("%w: missing signature", billing.ErrAuthentication)
	}

	opts := webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true}
	if v.tolerance > 0 {
		opts.Tolerance = v.tolerance
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, opts)
	if err != nil {
		if isSignatureError(err) {
			return nil, fmt.Errorf("%w: %w", billing.ErrAuthentication, err)
		}
		return nil, fmt.Errorf("%w: %w", billing.ErrInvalidPayload, err)
	}
	if event.ID == "" || event.Data == nil {
		return nil, fmt.Errorf("%w: event without id or data", billing.ErrInvalidPayload)
	}

	ev := &billing.Event{
		ID:           event.ID,
		Provider:     providerName,
		ProviderType: string(event.Type),
		CreatedAt:    unixOrZero(event.Created),
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		err = v.decodeSubscription(event.Data.Raw, ev, billing.KindSubscriptionUpdated)
	case "customer.subscription.deleted":
		err = v.decodeSubscription(event.Data.Raw, ev, billing.KindSubscriptionDeleted)
	case "invoice.payment_succeeded", "invoice.paid":
		err = decodeInvoice(event.Data.Raw, ev)
	case "checkout.session.completed":
		err = v.decodeCheckout(event.Data.Raw, ev)
	default:
		return nil, fmt.Errorf("%w: %s", billing.ErrIgnoredEvent, event.Type)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

func (v *Verifier) decodeSubscription(raw json.RawMessage, ev *billing.Event, kind billing.EventKind) error {
	var sub subscriptionObject
	if err := json.Unmarshal(raw, &sub); err != nil {
		return fmt.Errorf("%w: decode subscription: %w", billing.ErrInvalidPayload, err)
	}
	if sub.ID == "" {
		return fmt.Errorf("%w: subscription without id", billing.ErrInvalidPayload)
	}
	v.fillFromSubscription(ev, &sub, kind)
	return nil
}

// fillFromSubscription copies a subscription snapshot into ev
func (v *Verifier) fillFromSubscription(ev *billing.Event, sub *subscriptionObject, kind billing.EventKind) {
	ev.Kind = kind
	ev.SubscriptionRef = sub.ID
	ev.CustomerRef = string(sub.Customer)
	ev.Metadata = sub.Metadata
	if kind == billing.KindSubscriptionDeleted {
		return
	}
	ev.Status = mapStatus(sub.Status)
	ev.Plan = v.planFor(sub.priceIDs(), sub.Metadata)
	ev.PeriodEnd = sub.periodEnd()
	if ev.Status == 0 {
		v.logger.Warn("unmapped stripe subscription status",
			tenancy.F("event_id", ev.ID), tenancy.F("status", sub.Status))
	}
}

func decodeInvoice(raw json.RawMessage, ev *billing.Event) error {
	var inv invoiceObject
	if err := json.Unmarshal(raw, &inv); err != nil {
		return fmt.Errorf("%w: decode invoice: %w", billing.ErrInvalidPayload, err)
	}
	ref := inv.subscriptionRef()
	if ref == "" {
		// One-off invoices carry no subscription state
		return fmt.Errorf("%w: invoice %s has no subscription", billing.ErrIgnoredEvent, inv.ID)
	}
	ev.Kind = billing.KindPaymentSucceeded
	ev.SubscriptionRef = ref
	ev.CustomerRef = string(inv.Customer)
	ev.PeriodEnd = inv.periodEnd()
	ev.Metadata = inv.Parent.SubscriptionDetails.Metadata
	return nil
}

func (v *Verifier) decodeCheckout(raw json.RawMessage, ev *billing.Event) error {
	var session checkoutSessionObject
	if err := json.Unmarshal(raw, &session); err != nil {
		return fmt.Errorf("%w: decode checkout session: %w", billing.ErrInvalidPayload, err)
	}
	if session.Mode != "subscription" {
		return fmt.Errorf("%w: checkout mode %q", billing.ErrIgnoredEvent, session.Mode)
	}
	org := session.organizationID()
	if org == "" {
		return fmt.Errorf("%w: checkout session %s has no organization", billing.ErrInvalidPayload, session.ID)
	}

	ev.Kind = billing.KindCheckoutCompleted
	ev.OrganizationID = org
	ev.CustomerRef = string(session.Customer)
	ev.SubscriptionRef = string(session.Subscription)
	ev.Status = tenancy.SubscriptionActive
	ev.Plan = v.planFor(nil, session.Metadata)
	ev.BillingAdminUserID = strings.TrimSpace(session.Metadata[MetadataBillingAdminUserID])
	ev.Metadata = session.Metadata
	return nil
}

// planFor maps the first known price id to a plan, falling back to the plan metadata key
func (v *Verifier) planFor(priceIDs []string, metadata map[string]string) tenancy.Plan {
	for _, id := range priceIDs {
		if plan, ok := v.plans[strings.ToLower(id)]; ok {
			return plan
		}
	}
	if name := metadata[MetadataPlan]; name != "" {
		if plan, err := tenancy.ParsePlan(name); err == nil {
			return plan
		}
	}
	var unknown tenancy.Plan
	return unknown
}
