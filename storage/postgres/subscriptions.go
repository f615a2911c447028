package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/gotenant/pkg/billing"
	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

const subscriptionColumns = `id, organization_id, customer_ref, subscription_ref, plan, status,
	current_period_end, billing_admin_user_id, last_event_id, updated_at`

// ApplyEvent implements billing.SubscriptionStore.
// The dedup insert, the locked read, the transition and the upsert share one transaction.
func (s *Storage) ApplyEvent(ctx context.Context, req billing.ApplyRequest) (*billing.ApplyResult, error) {
	if req.Event == nil || req.Transition == nil {
		return nil, fmt.Errorf("invalid apply request")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// 1. Claim the event id. A concurrent delivery of the same id blocks on
	// the primary key until this transaction ends.
	tag, err := tx.Exec(ctx,
		`INSERT INTO processed_events (dedup_key, applied_at) VALUES ($1, $2)
			ON CONFLICT (dedup_key) DO NOTHING`,
		billing.DedupKey(req.Event), req.AppliedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record event: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return &billing.ApplyResult{Duplicate: true}, nil
	}

	// 2. Lock the targeted row
	current, err := lockSubscription(ctx, tx, billing.KeyFor(req.Event))
	if err != nil {
		return nil, err
	}

	// 3. Transition; a failure rolls back the dedup record too
	out, err := req.Transition(current.Clone())
	if err != nil {
		return nil, err
	}

	res := &billing.ApplyResult{Previous: current, Outcome: out}
	if out.Applied {
		if current == nil {
			err = insertSubscription(ctx, tx, out.Next)
		} else {
			err = updateSubscription(ctx, tx, current.ID, out.Next)
		}
		if err != nil {
			return nil, err
		}
		res.Created = current == nil
	}

	// 4. Commit
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit event: %w", mapError(err))
	}
	return res, nil
}

// lockSubscription finds the row by subscription ref, then customer ref, then
// organization, and locks it for the rest of the transaction
func lockSubscription(ctx context.Context, tx pgx.Tx, k billing.LookupKey) (*tenancy.Subscription, error) {
	lookups := []struct {
		column string
		value  string
	}{
		{"subscription_ref", k.SubscriptionRef},
		{"customer_ref", k.CustomerRef},
		{"organization_id", k.OrganizationID},
	}
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		row := tx.QueryRow(ctx,
			`SELECT `+subscriptionColumns+` FROM subscriptions
				WHERE `+l.column+` = $1
				ORDER BY updated_at DESC
				LIMIT 1
				FOR UPDATE`, l.value)
		sub, err := scanSubscription(row)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock subscription: %w", mapError(err))
		}
		return sub, nil
	}
	return nil, nil
}

func insertSubscription(ctx context.Context, tx pgx.Tx, sub *tenancy.Subscription) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sub.ID, sub.OrganizationID, sub.CustomerRef, sub.SubscriptionRef,
		sub.Plan.String(), sub.Status.String(), nullTime(sub.CurrentPeriodEnd),
		sub.BillingAdminUserID, sub.LastEventID, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", mapError(err))
	}
	return nil
}

func updateSubscription(ctx context.Context, tx pgx.Tx, id string, sub *tenancy.Subscription) error {
	_, err := tx.Exec(ctx,
		`UPDATE subscriptions SET
				organization_id = $2,
				customer_ref = $3,
				subscription_ref = $4,
				plan = $5,
				status = $6,
				current_period_end = $7,
				billing_admin_user_id = $8,
				last_event_id = $9,
				updated_at = $10
			WHERE id = $1`,
		id, sub.OrganizationID, sub.CustomerRef, sub.SubscriptionRef,
		sub.Plan.String(), sub.Status.String(), nullTime(sub.CurrentPeriodEnd),
		sub.BillingAdminUserID, sub.LastEventID, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", mapError(err))
	}
	return nil
}

// GetSubscriptionByOrganization implements billing.SubscriptionStore
func (s *Storage) GetSubscriptionByOrganization(ctx context.Context, organizationID string) (*tenancy.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE organization_id = $1`, organizationID)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", mapError(err))
	}
	return sub, nil
}

// PurgeProcessedEvents drops dedup records applied before cutoff and returns how many were removed
func (s *Storage) PurgeProcessedEvents(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM processed_events WHERE applied_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge processed events: %w", mapError(err))
	}
	return int(tag.RowsAffected()), nil
}

func scanSubscription(row pgx.Row) (*tenancy.Subscription, error) {
	var (
		sub          tenancy.Subscription
		plan, status string
		periodEnd    *time.Time
	)
	err := row.Scan(&sub.ID, &sub.OrganizationID, &sub.CustomerRef, &sub.SubscriptionRef,
		&plan, &status, &periodEnd, &sub.BillingAdminUserID, &sub.LastEventID, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if sub.Plan, err = tenancy.ParsePlan(plan); err != nil {
		return nil, err
	}
	if sub.Status, err = tenancy.ParseSubscriptionStatus(status); err != nil {
		return nil, err
	}
	if periodEnd != nil {
		sub.CurrentPeriodEnd = periodEnd.UTC()
	}
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

// nullTime stores the zero time as NULL
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
