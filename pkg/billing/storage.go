package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

// ApplyRequest is one verified event to be applied atomically by a SubscriptionStore
type ApplyRequest struct {
	Event *Event

	// AppliedAt is the processing time recorded with the dedup record
	AppliedAt time.Time

	// Transition computes the next snapshot from the current one (nil if absent).
	// A store may call it more than once when it re-reads after a conflict.
	Transition func(current *tenancy.Subscription) (Outcome, error)
}

// ApplyResult reports what a SubscriptionStore did with an ApplyRequest
type ApplyResult struct {
	// Duplicate is true when the event id was already recorded; nothing was written
	Duplicate bool

	// Created is true when a new subscription row was inserted
	Created bool

	// Previous is the snapshot before the event (nil if absent or Duplicate)
	Previous *tenancy.Subscription

	Outcome Outcome
}

// SubscriptionStore persists subscription snapshots and the dedup record of
// applied event ids.
//
// ApplyEvent performs the dedup check, the subscription lookup (see LookupKey),
// the transition and both writes as one atomic unit. If Transition fails,
// nothing is written, including the dedup record. When the Outcome is not
// Applied only the dedup record is written.
type SubscriptionStore interface {
	ApplyEvent(ctx context.Context, req ApplyRequest) (*ApplyResult, error)

	// GetSubscriptionByOrganization returns ErrSubscriptionNotFound when the
	// organization has no row
	GetSubscriptionByOrganization(ctx context.Context, organizationID string) (*tenancy.Subscription, error)
}

// LookupKey is the ordered set of references a store resolves an event's subscription by
type LookupKey struct {
	SubscriptionRef string
	CustomerRef     string

	// OrganizationID is only set for checkout completions
	OrganizationID string
}

// KeyFor returns the references used to find the subscription an event targets.
// Stores try SubscriptionRef, then CustomerRef, then OrganizationID.
func KeyFor(ev *Event) LookupKey {
	k := LookupKey{
		SubscriptionRef: ev.SubscriptionRef,
		CustomerRef:     ev.CustomerRef,
	}
	if ev.Kind == KindCheckoutCompleted {
		k.OrganizationID = ev.OrganizationID
	}
	return k
}

// DedupKey scopes an event id to its provider
func DedupKey(ev *Event) string {
	return ev.Provider + ":" + ev.ID
}
