package tiered

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
	"github.com/mihaimyh/gotenant/storage/memory"
)

var t0 = time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

type cacheMetrics struct {
	tenancy.NoopMetrics
	mu     sync.Mutex
	hits   map[string]int
	misses map[string]int
}

func newCacheMetrics() *cacheMetrics {
	return &cacheMetrics{hits: map[string]int{}, misses: map[string]int{}}
}

func (m *cacheMetrics) RecordCacheHit(lookup string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits[lookup]++
}

func (m *cacheMetrics) RecordCacheMiss(lookup string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses[lookup]++
}

// brokenHot fails every call
type brokenHot struct{}

var errHotDown = errors.New("hot tier down")

func (brokenHot) GetMappingByHostname(context.Context, string) (*tenancy.DomainMapping, error) {
	return nil, errHotDown
}
func (brokenHot) GetTenantBySlug(context.Context, string) (*tenancy.Tenant, error) {
	return nil, errHotDown
}
func (brokenHot) PutTenant(context.Context, *tenancy.Tenant) error         { return errHotDown }
func (brokenHot) PutMapping(context.Context, *tenancy.DomainMapping) error { return errHotDown }
func (brokenHot) EvictMapping(context.Context, string) error               { return errHotDown }
func (brokenHot) EvictTenant(context.Context, *tenancy.Tenant) error       { return errHotDown }

func seed(t *testing.T, cold *memory.Storage) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, cold.CreateTenant(ctx, &tenancy.Tenant{ID: "t1", OrganizationID: "org1", Slug: "shop", CreatedAt: t0}))
	require.NoError(t, cold.CreateMapping(ctx, &tenancy.DomainMapping{
		ID: "m1", TenantID: "t1", Hostname: "shop.example.com",
		Kind: tenancy.KindCustom, Status: tenancy.StatusActive, CreatedAt: t0, UpdatedAt: t0,
	}))
}

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		assert.NoError(t, err)
		assert.NotNil(t, storage)
		assert.NoError(t, storage.Close())
	})

	t.Run("nil hot storage", func(t *testing.T) {
		storage, err := New(Config{Cold: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
		assert.Contains(t, err.Error(), "hot and cold storage are required")
	})

	t.Run("nil cold storage", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
	})

	t.Run("default sync buffer size", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New(), AsyncHotFill: true})
		require.NoError(t, err)
		defer storage.Close()
		assert.Equal(t, 1000, cap(storage.syncQueue))
	})

	t.Run("close twice", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New(), AsyncHotFill: true})
		require.NoError(t, err)
		assert.NoError(t, storage.Close())
		assert.NoError(t, storage.Close())
	})
}

// --- Read-Through Strategy Tests ---

func TestStorage_ReadThrough(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	seed(t, cold)
	metrics := newCacheMetrics()
	storage, err := New(Config{Hot: hot, Cold: cold, Metrics: metrics})
	require.NoError(t, err)
	defer storage.Close()
	ctx := context.Background()

	m, err := storage.GetMappingByHostname(ctx, "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, "t1", m.TenantID)

	// Filled on miss
	cached, err := hot.GetMappingByHostname(ctx, "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, "m1", cached.ID)

	_, err = storage.GetMappingByHostname(ctx, "shop.example.com")
	require.NoError(t, err)

	tenant, err := storage.GetTenantBySlug(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, "t1", tenant.ID)
	_, err = hot.GetTenantBySlug(ctx, "shop")
	assert.NoError(t, err)

	assert.Equal(t, 1, metrics.hits[lookupMapping])
	assert.Equal(t, 1, metrics.misses[lookupMapping])
	assert.Equal(t, 1, metrics.misses[lookupTenant])
}

func TestStorage_ReadThroughNotFound(t *testing.T) {
	storage, err := New(Config{Hot: memory.New(), Cold: memory.New()})
	require.NoError(t, err)
	defer storage.Close()
	ctx := context.Background()

	_, err = storage.GetMappingByHostname(ctx, "nope.example.com")
	assert.ErrorIs(t, err, tenancy.ErrMappingNotFound)
	_, err = storage.GetTenantBySlug(ctx, "nope")
	assert.ErrorIs(t, err, tenancy.ErrTenantNotFound)
}

func TestStorage_HotFailureFallsBackToCold(t *testing.T) {
	cold := memory.New()
	seed(t, cold)

	var mu sync.Mutex
	var reported []error
	storage, err := New(Config{
		Hot:  brokenHot{},
		Cold: cold,
		AsyncErrorHandler: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, err)
		},
	})
	require.NoError(t, err)
	defer storage.Close()
	ctx := context.Background()

	m, err := storage.GetMappingByHostname(ctx, "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, "t1", m.TenantID)

	// Writes succeed on Cold even when Hot is down
	require.NoError(t, storage.CreateTenant(ctx, &tenancy.Tenant{ID: "t2", OrganizationID: "org2", Slug: "cafe"}))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, reported)
	assert.ErrorIs(t, reported[0], errHotDown)
}

func TestStorage_AsyncHotFill(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	seed(t, cold)
	storage, err := New(Config{Hot: hot, Cold: cold, AsyncHotFill: true})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = storage.GetMappingByHostname(ctx, "shop.example.com")
	require.NoError(t, err)

	// Close drains pending fills
	require.NoError(t, storage.Close())
	_, err = hot.GetMappingByHostname(ctx, "shop.example.com")
	assert.NoError(t, err)
}

func TestStorage_FillQueueFull(t *testing.T) {
	cold := memory.New()
	seed(t, cold)

	var dropped int
	storage := &Storage{
		hot:       memory.New(),
		cold:      cold,
		metrics:   &tenancy.NoopMetrics{},
		syncQueue: make(chan func(context.Context) error), // unbuffered, no worker
		shutdown:  make(chan struct{}),
		conf: Config{
			AsyncHotFill:      true,
			AsyncErrorHandler: func(error) { dropped++ },
		},
	}

	_, err := storage.GetMappingByHostname(context.Background(), "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
}

// --- Write-Through Strategy Tests ---

func TestStorage_WriteThrough(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	defer storage.Close()
	ctx := context.Background()

	require.NoError(t, storage.CreateTenant(ctx, &tenancy.Tenant{ID: "t1", OrganizationID: "org1", Slug: "shop"}))
	require.NoError(t, storage.CreateMapping(ctx, &tenancy.DomainMapping{
		ID: "m1", TenantID: "t1", Hostname: "shop.example.com",
		Kind: tenancy.KindCustom, Status: tenancy.StatusPending,
	}))

	_, err = cold.GetTenant(ctx, "t1")
	assert.NoError(t, err)
	cached, err := hot.GetMappingByHostname(ctx, "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, tenancy.StatusPending, cached.Status)

	_, err = storage.UpdateMappingStatus(ctx, "shop.example.com", tenancy.StatusVerified, t0)
	require.NoError(t, err)
	cached, err = hot.GetMappingByHostname(ctx, "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, tenancy.StatusVerified, cached.Status, "hot copy is refreshed after an update")

	// Cold rejects; nothing reaches Hot
	err = storage.CreateTenant(ctx, &tenancy.Tenant{ID: "t2", OrganizationID: "org2", Slug: "shop"})
	assert.ErrorIs(t, err, tenancy.ErrSlugTaken)
	cachedTenant, err := hot.GetTenantBySlug(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, "t1", cachedTenant.ID)
}

func TestStorage_DeleteTenantCascadingEvicts(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	seed(t, cold)
	storage, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	defer storage.Close()
	ctx := context.Background()

	// Warm the cache
	_, err = storage.GetMappingByHostname(ctx, "shop.example.com")
	require.NoError(t, err)
	_, err = storage.GetTenantBySlug(ctx, "shop")
	require.NoError(t, err)

	require.NoError(t, storage.DeleteTenantCascading(ctx, "t1"))

	_, err = hot.GetMappingByHostname(ctx, "shop.example.com")
	assert.ErrorIs(t, err, tenancy.ErrMappingNotFound)
	_, err = hot.GetTenantBySlug(ctx, "shop")
	assert.ErrorIs(t, err, tenancy.ErrTenantNotFound)
	_, err = storage.GetMappingByHostname(ctx, "shop.example.com")
	assert.ErrorIs(t, err, tenancy.ErrMappingNotFound)

	assert.ErrorIs(t, storage.DeleteTenantCascading(ctx, "t1"), tenancy.ErrTenantNotFound)
}

func TestStorage_ResolverOverTiers(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	seed(t, cold)
	storage, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	defer storage.Close()

	routing, err := tenancy.NewRoutingConfig(tenancy.RoutingOptions{BaseDomain: "emperor.gallery"})
	require.NoError(t, err)
	resolver, err := tenancy.NewResolver(tenancy.ResolverConfig{Routing: routing, Mappings: storage, Tenants: storage})
	require.NoError(t, err)

	for _, host := range []string{"shop.example.com", "shop.emperor.gallery", "SHOP.emperor.gallery:443"} {
		res, err := resolver.Resolve(context.Background(), host)
		require.NoError(t, err, host)
		assert.Equal(t, "t1", res.TenantID, host)
	}
}

// racingCold runs a concurrent write after the first Cold lookup returns and
// before the caller fills Hot with what it read
type racingCold struct {
	*memory.Storage
	mappingOnce sync.Once
	tenantOnce  sync.Once
	onMapping   func()
	onTenant    func()
}

func (r *racingCold) GetMappingByHostname(ctx context.Context, hostname string) (*tenancy.DomainMapping, error) {
	m, err := r.Storage.GetMappingByHostname(ctx, hostname)
	if r.onMapping != nil {
		r.mappingOnce.Do(r.onMapping)
	}
	return m, err
}

func (r *racingCold) GetTenantBySlug(ctx context.Context, slug string) (*tenancy.Tenant, error) {
	t, err := r.Storage.GetTenantBySlug(ctx, slug)
	if r.onTenant != nil {
		r.tenantOnce.Do(r.onTenant)
	}
	return t, err
}

func TestStorage_FillRacingStatusChange(t *testing.T) {
	for _, async := range []bool{false, true} {
		t.Run(map[bool]string{false: "inline fill", true: "async fill"}[async], func(t *testing.T) {
			hot, cold := memory.New(), &racingCold{Storage: memory.New()}
			seed(t, cold.Storage)
			storage, err := New(Config{Hot: hot, Cold: cold, AsyncHotFill: async})
			require.NoError(t, err)
			ctx := context.Background()

			cold.onMapping = func() {
				_, err := storage.UpdateMappingStatus(ctx, "shop.example.com", tenancy.StatusError, t0.Add(time.Minute))
				require.NoError(t, err)
			}

			m, err := storage.GetMappingByHostname(ctx, "shop.example.com")
			require.NoError(t, err)
			assert.Equal(t, tenancy.StatusActive, m.Status, "the lookup returns what it read")
			require.NoError(t, storage.Close())

			if cached, err := hot.GetMappingByHostname(ctx, "shop.example.com"); err == nil {
				assert.Equal(t, tenancy.StatusError, cached.Status, "hot must not keep the pre-update row")
			} else {
				assert.ErrorIs(t, err, tenancy.ErrMappingNotFound)
			}

			m, err = storage.GetMappingByHostname(ctx, "shop.example.com")
			require.NoError(t, err)
			assert.Equal(t, tenancy.StatusError, m.Status)
		})
	}
}

func TestStorage_FillRacingDelete(t *testing.T) {
	hot, cold := memory.New(), &racingCold{Storage: memory.New()}
	seed(t, cold.Storage)
	storage, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	defer storage.Close()
	ctx := context.Background()

	cold.onTenant = func() {
		require.NoError(t, storage.DeleteTenantCascading(ctx, "t1"))
	}

	_, err = storage.GetTenantBySlug(ctx, "shop")
	require.NoError(t, err)

	_, err = hot.GetTenantBySlug(ctx, "shop")
	assert.ErrorIs(t, err, tenancy.ErrTenantNotFound, "a deleted tenant is not put back into hot")
	_, err = storage.GetTenantBySlug(ctx, "shop")
	assert.ErrorIs(t, err, tenancy.ErrTenantNotFound)
}

func TestStorage_StatusChangeChecksColdRow(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	ctx := context.Background()
	require.NoError(t, cold.CreateTenant(ctx, &tenancy.Tenant{ID: "t1", OrganizationID: "org1", Slug: "shop", CreatedAt: t0}))
	pending := &tenancy.DomainMapping{
		ID: "m1", TenantID: "t1", Hostname: "shop.example.com",
		Kind: tenancy.KindCustom, Status: tenancy.StatusPending, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, cold.CreateMapping(ctx, pending))
	stale := *pending
	stale.Status = tenancy.StatusVerified
	require.NoError(t, hot.PutMapping(ctx, &stale))

	storage, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	defer storage.Close()

	routing, err := tenancy.NewRoutingConfig(tenancy.DefaultRoutingOptions())
	require.NoError(t, err)
	svc, err := tenancy.NewService(tenancy.ServiceConfig{Routing: routing, Repository: storage})
	require.NoError(t, err)

	_, err = svc.SetMappingStatus(ctx, "shop.example.com", tenancy.StatusActive)
	assert.ErrorIs(t, err, tenancy.ErrInvalidTransition, "the stored row is still pending")

	stored, err := cold.GetMappingByHostname(ctx, "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, tenancy.StatusPending, stored.Status)
	_, err = hot.GetMappingByHostname(ctx, "shop.example.com")
	assert.ErrorIs(t, err, tenancy.ErrMappingNotFound, "the disagreeing hot copy is evicted")
}
