package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/mihaimyh/gotenant/pkg/billing"
	"github.com/mihaimyh/gotenant/pkg/billing/stripe"
	"github.com/mihaimyh/gotenant/pkg/tenancy"
	"github.com/mihaimyh/gotenant/storage/memory"
)

func main() {
	// 1. Create subscription storage
	storage := memory.New()

	// 2. Create the Stripe verifier
	stripeConfig := stripe.Config{
		WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		APIKey:        os.Getenv("STRIPE_API_KEY"),
		PlanMapping: map[string]string{
			"price_pro_monthly":  "pro",
			"price_pro_annual":   "pro",
			"price_team_monthly": "team",
		},
	}
	verifier, err := stripe.NewVerifier(stripeConfig)
	if err != nil {
		log.Fatal(err)
	}

	// 3. Create the processor; OnChange runs after each committed transition
	processor, err := billing.NewProcessor(billing.Config{
		Verifier: verifier,
		Store:    storage,
		OnChange: func(_ context.Context, change billing.SubscriptionChange) error {
			log.Printf("organization %s: %s/%s (event %s)",
				change.OrganizationID, change.Current.Plan, change.Current.Status, change.EventID)
			return nil
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	// 4. Register webhook endpoint
	// Stripe will send webhook events to this endpoint
	http.Handle("/webhooks/stripe", billing.NewHandler(processor, billing.DefaultHandlerConfig(), nil))

	// 5. Register sync endpoint
	// Operators call this to pull a subscription whose webhooks failed
	syncer, err := stripe.NewSyncer(stripeConfig, processor)
	if err != nil {
		log.Fatal(err)
	}
	http.HandleFunc("/sync-subscription", func(w http.ResponseWriter, r *http.Request) {
		orgID := r.URL.Query().Get("organization_id")
		subID := r.URL.Query().Get("subscription_id")
		if orgID == "" || subID == "" {
			http.Error(w, "organization_id and subscription_id required", http.StatusBadRequest)
			return
		}

		res, err := syncer.SyncSubscription(r.Context(), orgID, subID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"organization_id": orgID,
			"status":          string(res.Status),
		})
	})

	// 6. Example: Check plan
	http.HandleFunc("/api/plan", func(w http.ResponseWriter, r *http.Request) {
		orgID := r.URL.Query().Get("organization_id")
		if orgID == "" {
			http.Error(w, "organization_id required", http.StatusBadRequest)
			return
		}

		resp := map[string]string{"organization_id": orgID, "plan": tenancy.PlanFree.String()}
		sub, err := processor.Subscription(r.Context(), orgID)
		switch {
		case err == nil:
			resp["plan"] = sub.Plan.String()
			resp["status"] = sub.Status.String()
		case errors.Is(err, billing.ErrSubscriptionNotFound):
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	// 7. Start server
	log.Println("Server starting on :8080")
	log.Println("Webhook endpoint: http://localhost:8080/webhooks/stripe")
	log.Println("Sync subscription: http://localhost:8080/sync-subscription?organization_id=ORG&subscription_id=sub_...")
	log.Fatal(http.ListenAndServe(":8080", nil))
}
