package breaker

import (
	"context"
	"time"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
)

var _ tenancy.TenantRepository = (*Storage)(nil)

// Config configures the circuit breaker wrapper
type Config struct {
	// FailureThreshold is the number of consecutive transient failures that opens the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a trial call is let through (default: 30s)
	ResetTimeout time.Duration

	// OnStateChange is called on every state transition
	OnStateChange func(state State)

	// Metrics records the duration and outcome of every wrapped call (default: NoopMetrics)
	Metrics tenancy.Metrics
}

// Storage wraps a TenantRepository with circuit breaker protection.
type Storage struct {
	repo    tenancy.TenantRepository
	cb      *CircuitBreaker
	metrics tenancy.Metrics
}

// New creates a new repository wrapper with circuit breaker.
func New(repo tenancy.TenantRepository, config Config) *Storage {
	if config.Metrics == nil {
		config.Metrics = &tenancy.NoopMetrics{}
	}
	return &Storage{
		repo:    repo,
		cb:      NewCircuitBreaker(config.FailureThreshold, config.ResetTimeout, config.OnStateChange),
		metrics: config.Metrics,
	}
}

// State returns the current circuit state
func (s *Storage) State() State {
	return s.cb.State()
}

func call[T any](s *Storage, op string, fn func() (T, error)) (T, error) {
	var v T
	start := time.Now()
	err := s.cb.Execute(func() error {
		var e error
		v, e = fn()
		return e
	})
	s.metrics.RecordStorageOperation(op, time.Since(start), err)
	return v, err
}

func (s *Storage) GetMappingByHostname(ctx context.Context, hostname string) (*tenancy.DomainMapping, error) {
	return call(s, "get_mapping", func() (*tenancy.DomainMapping, error) {
		return s.repo.GetMappingByHostname(ctx, hostname)
	})
}

func (s *Storage) GetTenantBySlug(ctx context.Context, slug string) (*tenancy.Tenant, error) {
	return call(s, "get_tenant_by_slug", func() (*tenancy.Tenant, error) {
		return s.repo.GetTenantBySlug(ctx, slug)
	})
}

func (s *Storage) CreateTenant(ctx context.Context, t *tenancy.Tenant) error {
	_, err := call(s, "create_tenant", func() (struct{}, error) {
		return struct{}{}, s.repo.CreateTenant(ctx, t)
	})
	return err
}

func (s *Storage) GetTenant(ctx context.Context, tenantID string) (*tenancy.Tenant, error) {
	return call(s, "get_tenant", func() (*tenancy.Tenant, error) {
		return s.repo.GetTenant(ctx, tenantID)
	})
}

func (s *Storage) GetTenantByOrganization(ctx context.Context, organizationID string) (*tenancy.Tenant, error) {
	return call(s, "get_tenant_by_organization", func() (*tenancy.Tenant, error) {
		return s.repo.GetTenantByOrganization(ctx, organizationID)
	})
}

func (s *Storage) CreateMapping(ctx context.Context, m *tenancy.DomainMapping) error {
	_, err := call(s, "create_mapping", func() (struct{}, error) {
		return struct{}{}, s.repo.CreateMapping(ctx, m)
	})
	return err
}

func (s *Storage) UpdateMappingStatus(
	ctx context.Context, hostname string, status tenancy.MappingStatus, at time.Time,
) (*tenancy.DomainMapping, error) {
	return call(s, "update_mapping_status", func() (*tenancy.DomainMapping, error) {
		return s.repo.UpdateMappingStatus(ctx, hostname, status, at)
	})
}

func (s *Storage) ListMappingsForTenant(ctx context.Context, tenantID string) ([]*tenancy.DomainMapping, error) {
	return call(s, "list_mappings", func() ([]*tenancy.DomainMapping, error) {
		return s.repo.ListMappingsForTenant(ctx, tenantID)
	})
}

func (s *Storage) DeleteTenantCascading(ctx context.Context, tenantID string) error {
	_, err := call(s, "delete_tenant", func() (struct{}, error) {
		return struct{}{}, s.repo.DeleteTenantCascading(ctx, tenantID)
	})
	return err
}
