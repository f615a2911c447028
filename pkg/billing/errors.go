package billing

import "errors"

var (
	// ErrAuthentication is returned when a webhook signature does not verify
	ErrAuthentication = errors.New("webhook authentication failed")

	// ErrInvalidPayload is returned when a webhook payload cannot be decoded
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrIgnoredEvent is returned by a Verifier for event types with no subscription state
	ErrIgnoredEvent = errors.New("event type ignored")

	// ErrUnknownEventKind is returned for an event kind the state machine does not handle
	ErrUnknownEventKind = errors.New("unknown event kind")

	// ErrSubscriptionNotFound is returned when a routine event references a subscription
	// that is not in storage. It needs operator reconciliation.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrConcurrentUpdate is returned when an optimistic store lost every compare-and-swap attempt
	ErrConcurrentUpdate = errors.New("concurrent subscription update")

	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")
)
