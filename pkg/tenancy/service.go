package tenancy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultStorageTimeout = 5 * time.Second

// ServiceConfig holds the collaborators of a tenant lifecycle Service
type ServiceConfig struct {
	// Routing is the same RoutingConfig handed to the Resolver (required)
	Routing RoutingConfig

	// Repository persists tenants and mappings (required)
	Repository TenantRepository

	// StorageTimeout bounds every repository call (default: 5s)
	StorageTimeout time.Duration

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Now returns the current time (default: time.Now in UTC)
	Now func() time.Time
}

// Service manages tenant and domain-mapping lifecycles.
// Slugs are validated with the same rules the Resolver routes with.
type Service struct {
	cfg     RoutingConfig
	repo    TenantRepository
	timeout time.Duration
	logger  Logger
	now     func() time.Time
}

// NewService creates a tenant lifecycle Service
func NewService(config ServiceConfig) (*Service, error) {
	if config.Repository == nil {
		return nil, fmt.Errorf("tenant repository is required")
	}
	if config.Routing.BaseDomain() == "" {
		return nil, fmt.Errorf("routing config is required")
	}
	if config.StorageTimeout <= 0 {
		config.StorageTimeout = defaultStorageTimeout
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		cfg:     config.Routing,
		repo:    config.Repository,
		timeout: config.StorageTimeout,
		logger:  config.Logger,
		now:     config.Now,
	}, nil
}

// CreateTenant creates the tenant of an organization under slug.
// The slug is lowercased first, matching how the Resolver reads host labels.
func (s *Service) CreateTenant(ctx context.Context, organizationID, slug string) (*Tenant, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, fmt.Errorf("organization id is required")
	}
	slug = strings.ToLower(strings.TrimSpace(slug))
	if err := ValidateSlug(s.cfg, slug); err != nil {
		return nil, fmt.Errorf("slug %q: %w", slug, err)
	}

	t := &Tenant{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		Slug:           slug,
		CreatedAt:      s.now(),
	}
	if _, err := CallWithTimeout(ctx, s.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.repo.CreateTenant(ctx, t)
	}); err != nil {
		return nil, err
	}

	s.logger.Info("tenant created", F("tenant_id", t.ID), F("organization_id", organizationID), F("slug", slug))
	return t, nil
}

// AddCustomDomain registers a customer-owned hostname for a tenant in pending status
func (s *Service) AddCustomDomain(ctx context.Context, tenantID, hostname string) (*DomainMapping, error) {
	host := NormalizeHost(hostname)
	if err := ValidateHostname(host); err != nil {
		return nil, fmt.Errorf("hostname %q: %w", hostname, err)
	}
	base := s.cfg.BaseDomain()
	if host == base || strings.HasSuffix(host, "."+base) {
		return nil, fmt.Errorf("hostname %q is under the platform domain: %w", hostname, ErrInvalidHostname)
	}
	return s.createMapping(ctx, tenantID, host, KindCustom, StatusPending)
}

// AddSubdomainMapping writes an explicit, active <slug>.<base-domain> row for a tenant.
// Routing does not require it; it exists so the subdomain shows up in ListMappings.
func (s *Service) AddSubdomainMapping(ctx context.Context, tenantID string) (*DomainMapping, error) {
	t, err := CallWithTimeout(ctx, s.timeout, func(ctx context.Context) (*Tenant, error) {
		return s.repo.GetTenant(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return s.createMapping(ctx, tenantID, s.cfg.SubdomainHost(t.Slug), KindSubdomain, StatusActive)
}

func (s *Service) createMapping(
	ctx context.Context, tenantID, host string, kind MappingKind, status MappingStatus,
) (*DomainMapping, error) {
	now := s.now()
	m := &DomainMapping{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Hostname:  host,
		Kind:      kind,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := CallWithTimeout(ctx, s.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.repo.CreateMapping(ctx, m)
	}); err != nil {
		return nil, err
	}
	s.logger.Info("domain mapping created",
		F("tenant_id", tenantID), F("hostname", host), F("kind", kind.String()))
	return m, nil
}

// mappingTransitions is the verification lifecycle of a DomainMapping
var mappingTransitions = map[MappingStatus][]MappingStatus{
	StatusPending:  {StatusVerified, StatusError},
	StatusVerified: {StatusActive, StatusError},
	StatusActive:   {StatusError},
	StatusError:    {StatusPending},
}

// CanTransition reports whether a mapping may move from one status to another
func CanTransition(from, to MappingStatus) bool {
	for _, allowed := range mappingTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an error wrapping ErrInvalidTransition unless from may move to to
func CheckTransition(from, to MappingStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// TransitionSources returns every status a mapping may move to status from
func TransitionSources(status MappingStatus) []MappingStatus {
	var out []MappingStatus
	for _, from := range []MappingStatus{StatusPending, StatusVerified, StatusActive, StatusError} {
		if CanTransition(from, status) {
			out = append(out, from)
		}
	}
	return out
}

// SetMappingStatus moves the mapping for hostname through its verification lifecycle.
// The repository checks the transition against the stored row, never a cached copy.
func (s *Service) SetMappingStatus(ctx context.Context, hostname string, status MappingStatus) (*DomainMapping, error) {
	host := NormalizeHost(hostname)
	updated, err := CallWithTimeout(ctx, s.timeout, func(ctx context.Context) (*DomainMapping, error) {
		return s.repo.UpdateMappingStatus(ctx, host, status, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("domain mapping status changed", F("hostname", host), F("to", status.String()))
	return updated, nil
}

// ListMappings returns every mapping a tenant owns
func (s *Service) ListMappings(ctx context.Context, tenantID string) ([]*DomainMapping, error) {
	return CallWithTimeout(ctx, s.timeout, func(ctx context.Context) ([]*DomainMapping, error) {
		return s.repo.ListMappingsForTenant(ctx, tenantID)
	})
}

// DeleteTenant removes a tenant together with all of its mappings
func (s *Service) DeleteTenant(ctx context.Context, tenantID string) error {
	_, err := CallWithTimeout(ctx, s.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.repo.DeleteTenantCascading(ctx, tenantID)
	})
	if err != nil {
		return err
	}
	s.logger.Info("tenant deleted", F("tenant_id", tenantID))
	return nil
}
