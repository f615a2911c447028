package tenancy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Resolution is a successful routing decision
type Resolution struct {
	TenantID string
	// Source is OutcomeCustom or OutcomeSubdomain. Internal use only.
	Source string
}

// ResolverConfig holds the collaborators of a Resolver
type ResolverConfig struct {
	// Routing is the immutable routing configuration (required)
	Routing RoutingConfig

	// Mappings resolves exact hostnames (required)
	Mappings DomainMappingStore

	// Tenants resolves slugs (required)
	Tenants TenantDirectory

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking resolutions (default: NoopMetrics)
	Metrics Metrics
}

// Resolver maps a request host to a tenant.
// It holds no mutable state and is safe for concurrent use.
type Resolver struct {
	cfg      RoutingConfig
	mappings DomainMappingStore
	tenants  TenantDirectory
	logger   Logger
	metrics  Metrics
}

// NewResolver creates a Resolver
func NewResolver(config ResolverConfig) (*Resolver, error) {
	if config.Routing.BaseDomain() == "" {
		return nil, fmt.Errorf("routing config is required")
	}
	if config.Mappings == nil || config.Tenants == nil {
		return nil, fmt.Errorf("mapping store and tenant directory are required")
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	return &Resolver{
		cfg:      config.Routing,
		mappings: config.Mappings,
		tenants:  config.Tenants,
		logger:   config.Logger,
		metrics:  config.Metrics,
	}, nil
}

// Resolve returns the tenant a request addressed to rawHost belongs to.
//
// Custom domains win over subdomain interpretation. Every rejection, whether
// reserved, malformed or unknown, returns ErrRoutingRejected. Storage timeouts
// and outages return an error wrapping ErrTransientStorage.
func (r *Resolver) Resolve(ctx context.Context, rawHost string) (Resolution, error) {
	start := time.Now()
	res, reason, err := r.resolve(ctx, rawHost)

	switch {
	case err == nil:
		r.metrics.RecordResolution(res.Source, time.Since(start))
	case errors.Is(err, ErrRoutingRejected):
		r.metrics.RecordResolution(OutcomeRejected, time.Since(start))
		r.logger.Debug("host rejected", F("host", rawHost), F("reason", reason))
	default:
		r.metrics.RecordResolution(OutcomeError, time.Since(start))
		r.logger.Error("host resolution failed", F("host", rawHost), F("error", err))
	}
	return res, err
}

func (r *Resolver) resolve(ctx context.Context, rawHost string) (Resolution, string, error) {
	host := NormalizeHost(rawHost)
	if host == "" {
		return Resolution{}, "empty host", ErrRoutingRejected
	}

	mapping, err := r.lookupMapping(ctx, host)
	if err != nil {
		return Resolution{}, "", err
	}
	if mapping != nil && mapping.Kind == KindCustom && mapping.Routable() {
		return Resolution{TenantID: mapping.TenantID, Source: OutcomeCustom}, "", nil
	}

	suffix := "." + r.cfg.BaseDomain()
	if !strings.HasSuffix(host, suffix) {
		return Resolution{}, "no mapping", ErrRoutingRejected
	}
	label := strings.TrimSuffix(host, suffix)
	if strings.Contains(label, ".") {
		return Resolution{}, "nested subdomain", ErrRoutingRejected
	}

	switch class := ClassifySlug(r.cfg, label); class {
	case SlugCandidate:
	case SlugReserved, SlugInvalid:
		return Resolution{}, class.String(), ErrRoutingRejected
	default:
		return Resolution{}, "", fmt.Errorf("unhandled slug class %d", class)
	}

	// An explicit subdomain row takes precedence over the derived slug lookup
	if mapping != nil && mapping.Kind == KindSubdomain && mapping.Routable() {
		return Resolution{TenantID: mapping.TenantID, Source: OutcomeSubdomain}, "", nil
	}

	tenant, err := CallWithTimeout(ctx, r.cfg.LookupTimeout(), func(ctx context.Context) (*Tenant, error) {
		return r.tenants.GetTenantBySlug(ctx, label)
	})
	if errors.Is(err, ErrTenantNotFound) {
		return Resolution{}, "unknown slug", ErrRoutingRejected
	}
	if err != nil {
		return Resolution{}, "", asTransient(err)
	}
	return Resolution{TenantID: tenant.ID, Source: OutcomeSubdomain}, "", nil
}

func (r *Resolver) lookupMapping(ctx context.Context, host string) (*DomainMapping, error) {
	m, err := CallWithTimeout(ctx, r.cfg.LookupTimeout(), func(ctx context.Context) (*DomainMapping, error) {
		return r.mappings.GetMappingByHostname(ctx, host)
	})
	if errors.Is(err, ErrMappingNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, asTransient(err)
	}
	return m, nil
}

// asTransient reports any failed lookup as a storage failure
func asTransient(err error) error {
	if errors.Is(err, ErrTransientStorage) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientStorage, err)
}
