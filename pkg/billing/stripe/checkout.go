package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gotenant/pkg/billing"
	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

type checkoutSessionAPI interface {
	Create(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
}

// CheckoutRequest describes a subscription checkout for one organization
type CheckoutRequest struct {
	OrganizationID string
	Plan           tenancy.Plan

	// BillingAdminUserID is recorded on the subscription once checkout completes
	BillingAdminUserID string

	// CustomerRef attaches an existing Stripe customer. Empty creates one.
	CustomerRef string

	SuccessURL string
	CancelURL  string
}

// Checkout creates Stripe Checkout sessions whose completion webhook starts a subscription row
type Checkout struct {
	sessions checkoutSessionAPI
	prices   map[tenancy.Plan]string
	metrics  billing.Metrics
}

// NewCheckout creates a Checkout client from the API key and plan mapping
func NewCheckout(config Config) (*Checkout, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: api key is required", billing.ErrProviderNotConfigured)
	}
	client := stripe.NewClient(apiKey)
	return newCheckout(client.V1CheckoutSessions, config)
}

func newCheckout(sessions checkoutSessionAPI, config Config) (*Checkout, error) {
	plans, err := parsePlanMapping(config.PlanMapping)
	if err != nil {
		return nil, err
	}
	prices := make(map[tenancy.Plan]string, len(plans))
	for priceID, plan := range plans {
		// Lowest price id wins when several map to one plan, so the choice is stable
		if existing, ok := prices[plan]; !ok || priceID < existing {
			prices[plan] = priceID
		}
	}
	if config.Metrics == nil {
		config.Metrics = &billing.NoopMetrics{}
	}
	return &Checkout{sessions: sessions, prices: prices, metrics: config.Metrics}, nil
}

// SessionURL creates a Checkout session and returns its URL.
// The organization, plan and billing admin are written to the session and
// subscription metadata so the completion webhook can create the row.
func (c *Checkout) SessionURL(ctx context.Context, req CheckoutRequest) (string, error) {
	start := time.Now()
	const endpoint = "/v1/checkout/sessions"

	if strings.TrimSpace(req.OrganizationID) == "" {
		return "", fmt.Errorf("organization id is required")
	}
	priceID, ok := c.prices[req.Plan]
	if !ok {
		c.metrics.RecordAPICall(providerName, endpoint, "plan_not_mapped")
		return "", fmt.Errorf("%w: no price for plan %s", billing.ErrProviderNotConfigured, req.Plan)
	}

	metadata := map[string]string{
		MetadataOrganizationID: req.OrganizationID,
		MetadataPlan:           req.Plan.String(),
	}
	if req.BillingAdminUserID != "" {
		metadata[MetadataBillingAdminUserID] = req.BillingAdminUserID
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.OrganizationID),
		Metadata:          metadata,
		SubscriptionData:  &stripe.CheckoutSessionCreateSubscriptionDataParams{},
	}
	for k, v := range metadata {
		params.SubscriptionData.AddMetadata(k, v)
	}
	if req.CustomerRef != "" {
		params.Customer = stripe.String(req.CustomerRef)
	}

	session, err := c.sessions.Create(ctx, params)
	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	if err != nil {
		c.metrics.RecordAPICall(providerName, endpoint, "error")
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	c.metrics.RecordAPICall(providerName, endpoint, "success")
	return session.URL, nil
}
