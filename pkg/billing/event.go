package billing

import (
	"fmt"
	"time"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

// EventKind is the provider-neutral kind of a billing event
type EventKind uint8

const (
	eventKindUnknown EventKind = iota
	// KindPaymentSucceeded marks a paid invoice
	KindPaymentSucceeded
	// KindSubscriptionUpdated carries a full plan/status/period-end snapshot
	KindSubscriptionUpdated
	// KindSubscriptionDeleted marks a subscription as ended
	KindSubscriptionDeleted
	// KindCheckoutCompleted is the only kind allowed to create a subscription row
	KindCheckoutCompleted
)

var eventKindNames = map[EventKind]string{
	KindPaymentSucceeded:    "payment_succeeded",
	KindSubscriptionUpdated: "subscription_updated",
	KindSubscriptionDeleted: "subscription_deleted",
	KindCheckoutCompleted:   "checkout_completed",
}

// ParseEventKind parses the canonical name of an EventKind
func ParseEventKind(s string) (EventKind, error) {
	for k, name := range eventKindNames {
		if name == s {
			return k, nil
		}
	}
	return eventKindUnknown, fmt.Errorf("%w: %q", ErrUnknownEventKind, s)
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is a verified, provider-neutral billing event
type Event struct {
	// ID is the provider-assigned event identifier used for deduplication
	ID string

	Kind EventKind

	// Provider is the name of the billing provider (e.g. "stripe")
	Provider string

	// ProviderType is the raw provider event type (e.g. "customer.subscription.updated")
	ProviderType string

	// CreatedAt is when the provider created the event
	CreatedAt time.Time

	// OrganizationID is only carried by checkout completions
	OrganizationID string

	CustomerRef     string
	SubscriptionRef string

	// Plan and Status are zero when the event does not carry them
	Plan   tenancy.Plan
	Status tenancy.SubscriptionStatus

	// PeriodEnd is zero when the event does not carry one
	PeriodEnd time.Time

	BillingAdminUserID string

	Metadata map[string]string
}

// Delivery is one raw webhook call as received over HTTP
type Delivery struct {
	Payload   []byte
	Signature string
}

// Verifier authenticates a raw delivery and decodes it into an Event.
//
// Verify returns an error wrapping ErrAuthentication when the signature does not
// match, ErrIgnoredEvent for provider event types that carry no subscription
// state, and ErrInvalidPayload when the body cannot be decoded.
type Verifier interface {
	// Name returns the provider name (e.g. "stripe")
	Name() string

	Verify(payload []byte, signature string) (*Event, error)
}
