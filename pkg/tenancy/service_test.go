package tenancy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
	"github.com/mihaimyh/gotenant/storage/memory"
)

func newService(t *testing.T) (*tenancy.Service, *memory.Storage) {
	t.Helper()
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, err := tenancy.NewService(tenancy.ServiceConfig{
		Routing:    routing(t),
		Repository: store,
		Now:        func() time.Time { return now },
	})
	require.NoError(t, err)
	return svc, store
}

func TestService_CreateTenant(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	tn, err := svc.CreateTenant(ctx, "org1", "team-a")
	require.NoError(t, err)
	assert.NotEmpty(t, tn.ID)

	got, err := store.GetTenantBySlug(ctx, "team-a")
	require.NoError(t, err)
	assert.Equal(t, tn.ID, got.ID)

	_, err = svc.CreateTenant(ctx, "org2", "team-a")
	assert.ErrorIs(t, err, tenancy.ErrSlugTaken)
	_, err = svc.CreateTenant(ctx, "org1", "team-b")
	assert.ErrorIs(t, err, tenancy.ErrOrganizationHasTenant)
}

func TestService_CreateTenantUsesRoutingRules(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateTenant(ctx, "org1", "admin")
	assert.ErrorIs(t, err, tenancy.ErrReservedSlug)
	_, err = svc.CreateTenant(ctx, "org1", " Admin ")
	assert.ErrorIs(t, err, tenancy.ErrReservedSlug)
	_, err = svc.CreateTenant(ctx, "org1", "a--b")
	assert.ErrorIs(t, err, tenancy.ErrInvalidSlug)
	_, err = svc.CreateTenant(ctx, " ", "team-a")
	assert.Error(t, err)
}

func TestService_CreateTenantLowercasesSlug(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	tn, err := svc.CreateTenant(ctx, "org1", "Team-A")
	require.NoError(t, err)
	assert.Equal(t, "team-a", tn.Slug)

	got, err := store.GetTenantBySlug(ctx, "team-a")
	require.NoError(t, err)
	assert.Equal(t, tn.ID, got.ID)

	resolver, err := tenancy.NewResolver(tenancy.ResolverConfig{Routing: routing(t), Mappings: store, Tenants: store})
	require.NoError(t, err)
	res, err := resolver.Resolve(ctx, "Team-A.Emperor.Gallery")
	require.NoError(t, err)
	assert.Equal(t, tn.ID, res.TenantID, "the created slug is reachable from its subdomain")

	_, err = svc.CreateTenant(ctx, "org2", " TEAM-A ")
	assert.ErrorIs(t, err, tenancy.ErrSlugTaken)
}

func TestService_CustomDomainLifecycle(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	tn, err := svc.CreateTenant(ctx, "org1", "team-a")
	require.NoError(t, err)

	m, err := svc.AddCustomDomain(ctx, tn.ID, "Shop.Example.com")
	require.NoError(t, err)
	assert.Equal(t, "shop.example.com", m.Hostname)
	assert.Equal(t, tenancy.StatusPending, m.Status)

	_, err = svc.SetMappingStatus(ctx, "shop.example.com", tenancy.StatusActive)
	assert.ErrorIs(t, err, tenancy.ErrInvalidTransition, "pending cannot skip verification")

	m, err = svc.SetMappingStatus(ctx, "shop.example.com", tenancy.StatusVerified)
	require.NoError(t, err)
	assert.Equal(t, tenancy.StatusVerified, m.Status)

	m, err = svc.SetMappingStatus(ctx, "shop.example.com", tenancy.StatusActive)
	require.NoError(t, err)
	assert.True(t, m.Routable())

	_, err = svc.AddCustomDomain(ctx, tn.ID, "shop.example.com")
	assert.ErrorIs(t, err, tenancy.ErrHostnameTaken)
}

func TestService_AddCustomDomainValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	tn, err := svc.CreateTenant(ctx, "org1", "team-a")
	require.NoError(t, err)

	for _, host := range []string{"team-b.emperor.gallery", "emperor.gallery", "localhost", "bad_host.com"} {
		_, err := svc.AddCustomDomain(ctx, tn.ID, host)
		assert.ErrorIs(t, err, tenancy.ErrInvalidHostname, host)
	}

	_, err = svc.AddCustomDomain(ctx, "ghost", "shop.example.com")
	assert.ErrorIs(t, err, tenancy.ErrTenantNotFound)
}

func TestService_SubdomainMappingAndCascade(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	tn, err := svc.CreateTenant(ctx, "org1", "team-a")
	require.NoError(t, err)

	sub, err := svc.AddSubdomainMapping(ctx, tn.ID)
	require.NoError(t, err)
	assert.Equal(t, "team-a.emperor.gallery", sub.Hostname)
	assert.Equal(t, tenancy.KindSubdomain, sub.Kind)
	_, err = svc.AddCustomDomain(ctx, tn.ID, "shop.example.com")
	require.NoError(t, err)

	list, err := svc.ListMappings(ctx, tn.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, svc.DeleteTenant(ctx, tn.ID))
	_, err = store.GetMappingByHostname(ctx, "shop.example.com")
	assert.ErrorIs(t, err, tenancy.ErrMappingNotFound)
	_, err = store.GetTenant(ctx, tn.ID)
	assert.ErrorIs(t, err, tenancy.ErrTenantNotFound)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, tenancy.CanTransition(tenancy.StatusPending, tenancy.StatusVerified))
	assert.True(t, tenancy.CanTransition(tenancy.StatusActive, tenancy.StatusError))
	assert.True(t, tenancy.CanTransition(tenancy.StatusError, tenancy.StatusPending))
	assert.False(t, tenancy.CanTransition(tenancy.StatusActive, tenancy.StatusPending))
	assert.False(t, tenancy.CanTransition(tenancy.StatusVerified, tenancy.StatusPending))
}

func TestNewService_Validation(t *testing.T) {
	_, err := tenancy.NewService(tenancy.ServiceConfig{Routing: routing(t)})
	assert.Error(t, err)
	_, err = tenancy.NewService(tenancy.ServiceConfig{Repository: memory.New()})
	assert.Error(t, err)
}
