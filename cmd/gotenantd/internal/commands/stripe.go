package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mihaimyh/gotenant/pkg/billing"
	"github.com/mihaimyh/gotenant/pkg/billing/stripe"
	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

type SyncSubscriptionCmd struct {
	Organization string `arg:"" help:"organization id the subscription belongs to"`
	Subscription string `arg:"" help:"Stripe subscription id (sub_...)"`

	StorageTimeout time.Duration `help:"timeout of each storage call" default:"5s" env:"GOTENANT_STORAGE_TIMEOUT"`
	Stripe         StripeFlags   `embed:"" prefix:"stripe-"`
	Store          StoreFlags    `embed:""`
}

func (c *SyncSubscriptionCmd) Run(globals *Globals) error {
	log, appLog := globals.logger()
	ctx := context.Background()

	st, err := openStores(ctx, c.Store, log, appLog, nil)
	if err != nil {
		return err
	}
	defer st.Close(log)

	cfg := stripe.Config{
		WebhookSecret: c.Stripe.WebhookSecret,
		APIKey:        c.Stripe.APIKey,
		PlanMapping:   c.Stripe.PlanMapping,
		Logger:        appLog.With("stripe"),
	}
	verifier, err := stripe.NewVerifier(cfg)
	if err != nil {
		return err
	}
	processor, err := billing.NewProcessor(billing.Config{
		Verifier:       verifier,
		Store:          st.subscriptions,
		StorageTimeout: c.StorageTimeout,
		OnChange:       logChange(log),
		Logger:         appLog.With("billing"),
	})
	if err != nil {
		return err
	}
	syncer, err := stripe.NewSyncer(cfg, processor)
	if err != nil {
		return err
	}

	res, err := syncer.SyncSubscription(ctx, c.Organization, c.Subscription)
	if err != nil {
		return fmt.Errorf("sync %s: %w", c.Subscription, err)
	}
	event := log.Info().
		Str("organization_id", c.Organization).
		Str("status", string(res.Status))
	if res.Subscription != nil {
		event = event.
			Str("plan", res.Subscription.Plan.String()).
			Str("subscription_status", res.Subscription.Status.String())
	}
	event.Msg("Subscription synced")
	return nil
}

type CheckoutCmd struct {
	Organization string `arg:"" help:"organization id"`
	Plan         string `arg:"" help:"plan to subscribe to" enum:"pro,team"`

	BillingAdmin string `help:"user id recorded as the billing admin once checkout completes"`
	Customer     string `help:"existing Stripe customer id"`
	SuccessURL   string `help:"redirect after a completed checkout" required:"" env:"GOTENANT_CHECKOUT_SUCCESS_URL"`
	CancelURL    string `help:"redirect after an abandoned checkout" required:"" env:"GOTENANT_CHECKOUT_CANCEL_URL"`

	Stripe StripeFlags `embed:"" prefix:"stripe-"`
}

func (c *CheckoutCmd) Run(_ *Globals) error {
	plan, err := tenancy.ParsePlan(c.Plan)
	if err != nil {
		return err
	}
	checkout, err := stripe.NewCheckout(stripe.Config{
		APIKey:      c.Stripe.APIKey,
		PlanMapping: c.Stripe.PlanMapping,
	})
	if err != nil {
		return err
	}

	url, err := checkout.SessionURL(context.Background(), stripe.CheckoutRequest{
		OrganizationID:     c.Organization,
		Plan:               plan,
		BillingAdminUserID: c.BillingAdmin,
		CustomerRef:        c.Customer,
		SuccessURL:         c.SuccessURL,
		CancelURL:          c.CancelURL,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, url)
	return err
}
