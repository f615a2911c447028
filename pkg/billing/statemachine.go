package billing

import (
	"fmt"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

// Outcome is the result of applying one event to a subscription snapshot
type Outcome struct {
	// Next is the snapshot after the event. It is nil only when Transition fails.
	Next *tenancy.Subscription

	// Applied reports whether Next differs from the current snapshot
	Applied bool

	// StalePeriodEnd reports that the event carried a period end older than the
	// stored one and that part of the update was dropped
	StalePeriodEnd bool
}

// Transition applies ev to current and returns the next snapshot.
//
// It is a pure function: current is never modified and no storage is touched.
// A nil current means the organization has no subscription row; only
// KindCheckoutCompleted may start one, every other kind fails with
// ErrSubscriptionNotFound. Stored period ends never move backward.
func Transition(current *tenancy.Subscription, ev *Event) (Outcome, error) {
	if ev == nil {
		return Outcome{}, fmt.Errorf("%w: nil event", ErrInvalidPayload)
	}

	if current == nil {
		if ev.Kind != KindCheckoutCompleted {
			if _, ok := eventKindNames[ev.Kind]; !ok {
				return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownEventKind, ev.Kind)
			}
			return Outcome{}, fmt.Errorf("%w: %s for subscription %q customer %q",
				ErrSubscriptionNotFound, ev.Kind, ev.SubscriptionRef, ev.CustomerRef)
		}
		return startSubscription(ev)
	}

	next := current.Clone()
	var stale bool

	switch ev.Kind {
	case KindPaymentSucceeded:
		next.Status = tenancy.SubscriptionActive
		stale = extendPeriodEnd(next, ev)

	case KindSubscriptionUpdated:
		replacePlanAndStatus(next, ev)
		stale = extendPeriodEnd(next, ev)

	case KindSubscriptionDeleted:
		next.Status = tenancy.SubscriptionCanceled

	case KindCheckoutCompleted:
		refreshRefs(next, ev)
		replacePlanAndStatus(next, ev)
		stale = extendPeriodEnd(next, ev)

	default:
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownEventKind, ev.Kind)
	}

	return Outcome{
		Next:           next,
		Applied:        !sameState(current, next),
		StalePeriodEnd: stale,
	}, nil
}

func startSubscription(ev *Event) (Outcome, error) {
	if ev.OrganizationID == "" {
		return Outcome{}, fmt.Errorf("%w: checkout without organization id", ErrInvalidPayload)
	}
	plan := ev.Plan
	if plan == 0 {
		return Outcome{}, fmt.Errorf("%w: checkout without plan", ErrInvalidPayload)
	}
	status := ev.Status
	if status == 0 {
		status = tenancy.SubscriptionActive
	}

	next := &tenancy.Subscription{
		OrganizationID:   ev.OrganizationID,
		CustomerRef:      ev.CustomerRef,
		SubscriptionRef:  ev.SubscriptionRef,
		Plan:             plan,
		Status:           status,
		CurrentPeriodEnd: ev.PeriodEnd,
	}
	if ev.BillingAdminUserID != "" {
		admin := ev.BillingAdminUserID
		next.BillingAdminUserID = &admin
	}
	return Outcome{Next: next, Applied: true}, nil
}

// extendPeriodEnd moves the period end forward to the event's value.
// It reports true when the event carried an older period end.
func extendPeriodEnd(next *tenancy.Subscription, ev *Event) bool {
	if ev.PeriodEnd.IsZero() {
		return false
	}
	if ev.PeriodEnd.Before(next.CurrentPeriodEnd) {
		return true
	}
	next.CurrentPeriodEnd = ev.PeriodEnd
	return false
}

func replacePlanAndStatus(next *tenancy.Subscription, ev *Event) {
	if ev.Status != 0 {
		next.Status = ev.Status
	}
	if ev.Plan != 0 {
		next.Plan = ev.Plan
	}
}

func refreshRefs(next *tenancy.Subscription, ev *Event) {
	if ev.CustomerRef != "" {
		next.CustomerRef = ev.CustomerRef
	}
	if ev.SubscriptionRef != "" {
		next.SubscriptionRef = ev.SubscriptionRef
	}
	if ev.BillingAdminUserID != "" {
		admin := ev.BillingAdminUserID
		next.BillingAdminUserID = &admin
	}
}

// sameState compares the fields a transition can change
func sameState(a, b *tenancy.Subscription) bool {
	if a.Plan != b.Plan ||
		a.Status != b.Status ||
		!a.CurrentPeriodEnd.Equal(b.CurrentPeriodEnd) ||
		a.CustomerRef != b.CustomerRef ||
		a.SubscriptionRef != b.SubscriptionRef {
		return false
	}
	switch {
	case a.BillingAdminUserID == nil && b.BillingAdminUserID == nil:
		return true
	case a.BillingAdminUserID == nil || b.BillingAdminUserID == nil:
		return false
	default:
		return *a.BillingAdminUserID == *b.BillingAdminUserID
	}
}
