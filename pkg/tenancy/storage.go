package tenancy

import (
	"context"
	"time"
)

// DomainMappingStore looks up exact-hostname mappings
type DomainMappingStore interface {
	// GetMappingByHostname returns the mapping for a normalized hostname.
	// Returns ErrMappingNotFound when no row exists.
	GetMappingByHostname(ctx context.Context, hostname string) (*DomainMapping, error)
}

// TenantDirectory looks up tenants by their canonical slug
type TenantDirectory interface {
	// GetTenantBySlug returns ErrTenantNotFound when no tenant owns the slug
	GetTenantBySlug(ctx context.Context, slug string) (*Tenant, error)
}

// TenantRepository is the full persistence contract for tenants and their mappings.
// Ownership cascades are explicit: DeleteTenantCascading removes the tenant and every mapping it owns.
type TenantRepository interface {
	DomainMappingStore
	TenantDirectory

	// CreateTenant stores a new tenant.
	// Returns ErrSlugTaken or ErrOrganizationHasTenant on uniqueness conflicts.
	CreateTenant(ctx context.Context, t *Tenant) error

	// GetTenant returns ErrTenantNotFound when absent
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)

	// GetTenantByOrganization returns ErrTenantNotFound when absent
	GetTenantByOrganization(ctx context.Context, organizationID string) (*Tenant, error)

	// CreateMapping stores a new mapping.
	// Returns ErrHostnameTaken if the hostname is mapped, ErrTenantNotFound if the owner is gone.
	CreateMapping(ctx context.Context, m *DomainMapping) error

	// UpdateMappingStatus moves the mapping for hostname to status and returns the updated row.
	// The lifecycle check (CheckTransition) and the write are one atomic step.
	// Returns ErrMappingNotFound or ErrInvalidTransition.
	UpdateMappingStatus(ctx context.Context, hostname string, status MappingStatus, at time.Time) (*DomainMapping, error)

	// ListMappingsForTenant returns all mappings owned by the tenant, ordered by hostname
	ListMappingsForTenant(ctx context.Context, tenantID string) ([]*DomainMapping, error)

	// DeleteTenantCascading removes the tenant and all of its mappings atomically
	DeleteTenantCascading(ctx context.Context, tenantID string) error
}

// CallWithTimeout runs fn under a bounded context.
// A deadline hit inside fn is reported as ErrTransientStorage.
func CallWithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	v, err := fn(ctx)
	if err != nil {
		err = MarkTransient(err)
	}
	return v, err
}
