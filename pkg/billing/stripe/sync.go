package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gotenant/pkg/billing"
	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

type subscriptionAPI interface {
	Retrieve(ctx context.Context, id string, params *stripe.SubscriptionRetrieveParams) (*stripe.Subscription, error)
}

// EventApplier applies a trusted event. *billing.Processor implements it.
type EventApplier interface {
	Apply(ctx context.Context, ev *billing.Event) (*billing.Result, error)
}

// Syncer pulls a subscription from the Stripe API and applies it as a checkout
// completion. Operators use it to reconcile subscriptions whose webhooks
// failed with billing.ErrSubscriptionNotFound.
type Syncer struct {
	subscriptions subscriptionAPI
	verifier      *Verifier
	applier       EventApplier
	metrics       billing.Metrics
	now           func() time.Time
}

// NewSyncer creates a Syncer backed by the Stripe API
func NewSyncer(config Config, applier EventApplier) (*Syncer, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: api key is required", billing.ErrProviderNotConfigured)
	}
	client := stripe.NewClient(apiKey)
	return newSyncer(client.V1Subscriptions, config, applier)
}

func newSyncer(subs subscriptionAPI, config Config, applier EventApplier) (*Syncer, error) {
	if applier == nil {
		return nil, fmt.Errorf("event applier is required")
	}
	plans, err := parsePlanMapping(config.PlanMapping)
	if err != nil {
		return nil, err
	}
	if config.Metrics == nil {
		config.Metrics = &billing.NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &tenancy.NoopLogger{}
	}
	v := &Verifier{plans: plans, logger: config.Logger}
	return &Syncer{
		subscriptions: subs,
		verifier:      v,
		applier:       applier,
		metrics:       config.Metrics,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// SyncSubscription fetches subscriptionRef and writes its current state for organizationID
func (s *Syncer) SyncSubscription(ctx context.Context, organizationID, subscriptionRef string) (*billing.Result, error) {
	const endpoint = "/v1/subscriptions/{id}"
	start := time.Now()

	if organizationID == "" || subscriptionRef == "" {
		return nil, fmt.Errorf("organization id and subscription reference are required")
	}

	sub, err := s.subscriptions.Retrieve(ctx, subscriptionRef, nil)
	s.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	if err != nil {
		s.metrics.RecordAPICall(providerName, endpoint, "error")
		s.metrics.RecordSubscriptionSync(providerName, "error")
		return nil, fmt.Errorf("retrieve subscription %s: %w", subscriptionRef, err)
	}
	s.metrics.RecordAPICall(providerName, endpoint, "success")

	obj, err := decodeAPISubscription(sub)
	if err != nil {
		s.metrics.RecordSubscriptionSync(providerName, "error")
		return nil, err
	}

	now := s.now()
	ev := &billing.Event{
		ID:           fmt.Sprintf("sync_%s_%d", obj.ID, now.UnixNano()),
		Provider:     providerName,
		ProviderType: "subscription.sync",
		CreatedAt:    now,
	}
	s.verifier.fillFromSubscription(ev, obj, billing.KindSubscriptionUpdated)
	ev.Kind = billing.KindCheckoutCompleted
	ev.OrganizationID = organizationID
	ev.BillingAdminUserID = obj.Metadata[MetadataBillingAdminUserID]

	res, err := s.applier.Apply(ctx, ev)
	if err != nil {
		s.metrics.RecordSubscriptionSync(providerName, "error")
		return nil, err
	}
	s.metrics.RecordSubscriptionSync(providerName, "success")
	return res, nil
}

// decodeAPISubscription reads the raw API response so period ends are found
// wherever the account's API version puts them
func decodeAPISubscription(sub *stripe.Subscription) (*subscriptionObject, error) {
	raw := []byte(nil)
	if sub.LastResponse != nil {
		raw = sub.LastResponse.RawJSON
	}
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(sub); err != nil {
			return nil, fmt.Errorf("encode subscription: %w", err)
		}
	}
	var obj subscriptionObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: decode subscription: %w", billing.ErrInvalidPayload, err)
	}
	if obj.ID == "" {
		return nil, fmt.Errorf("%w: subscription without id", billing.ErrInvalidPayload)
	}
	return &obj, nil
}
