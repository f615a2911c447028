package tenancy

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrRoutingRejected is returned for any host that does not resolve to a tenant.
	// Callers must not distinguish the underlying reason.
	ErrRoutingRejected = errors.New("routing rejected")

	// ErrTransientStorage is returned when storage timed out or is unavailable
	ErrTransientStorage = errors.New("transient storage failure")

	// ErrTenantNotFound is returned when a tenant lookup has no match
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrMappingNotFound is returned when a domain mapping lookup has no match
	ErrMappingNotFound = errors.New("domain mapping not found")

	// ErrInvalidSlug is returned for labels that are not DNS-label safe
	ErrInvalidSlug = errors.New("invalid slug")

	// ErrReservedSlug is returned for labels in the reserved set
	ErrReservedSlug = errors.New("reserved slug")

	// ErrSlugTaken is returned when another tenant already owns the slug
	ErrSlugTaken = errors.New("slug already taken")

	// ErrHostnameTaken is returned when another mapping already owns the hostname
	ErrHostnameTaken = errors.New("hostname already mapped")

	// ErrOrganizationHasTenant is returned when the organization already owns a tenant
	ErrOrganizationHasTenant = errors.New("organization already has a tenant")

	// ErrInvalidHostname is returned for hostnames that cannot be mapped
	ErrInvalidHostname = errors.New("invalid hostname")

	// ErrUnknownVariant is returned when parsing an unknown enumerated value
	ErrUnknownVariant = errors.New("unknown variant")

	// ErrInvalidTransition is returned for a mapping status change the lifecycle does not allow
	ErrInvalidTransition = errors.New("invalid status transition")
)

// IsTransient reports whether err should be surfaced as a retryable storage failure
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStorage) ||
		errors.Is(err, context.DeadlineExceeded)
}

// MarkTransient wraps deadline errors with ErrTransientStorage.
// Other errors are returned unchanged.
func MarkTransient(err error) error {
	if err == nil || errors.Is(err, ErrTransientStorage) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTransientStorage, err)
	}
	return err
}
