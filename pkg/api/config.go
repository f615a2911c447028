package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
	"github.com/mihaimyh/gotenant/pkg/usage"
)

const defaultMaxBodyBytes = 64 * 1024

// UsageRecorder appends usage events. *usage.Recorder implements it.
type UsageRecorder interface {
	Record(ctx context.Context, in usage.RecordInput) (*tenancy.UsageEvent, error)
}

// LedgerLister answers ledger window queries. *usage.Ledgers implements it.
type LedgerLister interface {
	List(ctx context.Context, organizationID string, from, to time.Time) ([]*tenancy.UsageLedger, error)
}

// SubscriptionReader reads an organization's subscription. *billing.Processor implements it.
type SubscriptionReader interface {
	Subscription(ctx context.Context, organizationID string) (*tenancy.Subscription, error)
}

// TenantLookup loads a tenant by id
type TenantLookup interface {
	GetTenant(ctx context.Context, tenantID string) (*tenancy.Tenant, error)
}

// Config holds configuration for the usage API handler
type Config struct {
	// Recorder stores usage events (required)
	Recorder UsageRecorder

	// Ledgers serves ledger queries (required)
	Ledgers LedgerLister

	// Subscriptions serves the subscription endpoint (optional; the endpoint
	// returns 404 when nil)
	Subscriptions SubscriptionReader

	// GetOrganizationID extracts the caller's organization from the request (required).
	// Use FromTenantContext behind the host-resolution middleware.
	GetOrganizationID func(*http.Request) (string, error)

	// MaxBodyBytes bounds request bodies (default: 64 KiB)
	MaxBodyBytes int64

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for structured logging (default: NoopLogger)
	Logger tenancy.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Recorder == nil {
		return fmt.Errorf("recorder is required")
	}
	if c.Ledgers == nil {
		return fmt.Errorf("ledgers are required")
	}
	if c.GetOrganizationID == nil {
		return fmt.Errorf("getOrganizationID is required")
	}
	return nil
}

// NewHandler creates a new usage API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.Logger == nil {
		config.Logger = &tenancy.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common organization extraction patterns

// FromHeader returns a GetOrganizationID function that reads a header.
// Only use it behind a trusted proxy.
func FromHeader(headerName string) func(*http.Request) (string, error) {
	return func(r *http.Request) (string, error) {
		return strings.TrimSpace(r.Header.Get(headerName)), nil
	}
}

// FromTenantContext returns a GetOrganizationID function that loads the
// organization owning the tenant the request was routed to
func FromTenantContext(tenants TenantLookup) func(*http.Request) (string, error) {
	return func(r *http.Request) (string, error) {
		tenantID, ok := tenancy.TenantIDFromContext(r.Context())
		if !ok {
			return "", nil
		}
		t, err := tenants.GetTenant(r.Context(), tenantID)
		if err != nil {
			return "", err
		}
		return t.OrganizationID, nil
	}
}
