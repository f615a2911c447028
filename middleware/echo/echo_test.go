package echo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
	"github.com/mihaimyh/gotenant/storage/memory"
)

type blockingStore struct{}

func (blockingStore) GetMappingByHostname(ctx context.Context, _ string) (*tenancy.DomainMapping, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingStore) GetTenantBySlug(ctx context.Context, _ string) (*tenancy.Tenant, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type routingStore interface {
	tenancy.DomainMappingStore
	tenancy.TenantDirectory
}

func setupServer(t *testing.T, store routingStore, cfg Config) *echo.Echo {
	t.Helper()
	routing, err := tenancy.NewRoutingConfig(tenancy.RoutingOptions{
		BaseDomain:    "emperor.gallery",
		LookupTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	cfg.Resolver, err = tenancy.NewResolver(tenancy.ResolverConfig{Routing: routing, Mappings: store, Tenants: store})
	require.NoError(t, err)

	e := echo.New()
	e.Use(Middleware(cfg))
	e.GET("/", func(c echo.Context) error {
		fromCtx, _ := TenantID(c)
		return c.JSON(http.StatusOK, map[string]any{"key": c.Get(TenantIDKey), "ctx": fromCtx})
	})
	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	return e
}

func seeded(t *testing.T) *memory.Storage {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.CreateTenant(ctx, &tenancy.Tenant{ID: "t1", OrganizationID: "org1", Slug: "shop"}))
	require.NoError(t, s.CreateMapping(ctx, &tenancy.DomainMapping{
		ID: "m1", TenantID: "t1", Hostname: "gallery.shop.com",
		Kind: tenancy.KindCustom, Status: tenancy.StatusActive,
	}))
	return s
}

func do(e *echo.Echo, path, host string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	req.Host = host
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	return w
}

func TestMiddleware_Resolves(t *testing.T) {
	e := setupServer(t, seeded(t), Config{})

	for _, host := range []string{"shop.emperor.gallery", "gallery.shop.com"} {
		w := do(e, "/", host)
		assert.Equal(t, http.StatusOK, w.Code, host)
		assert.JSONEq(t, `{"key":"t1","ctx":"t1"}`, w.Body.String())
	}
}

func TestMiddleware_Rejects(t *testing.T) {
	e := setupServer(t, seeded(t), Config{})

	w := do(e, "/", "api.emperor.gallery")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"Not Found"}`, w.Body.String())
}

func TestMiddleware_Transient(t *testing.T) {
	e := setupServer(t, blockingStore{}, Config{})

	w := do(e, "/", "shop.emperor.gallery")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestMiddleware_Skipper(t *testing.T) {
	e := setupServer(t, blockingStore{}, Config{
		Skipper: func(c echo.Context) bool { return c.Path() == "/healthz" },
	})

	w := do(e, "/healthz", "anything")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	e := setupServer(t, seeded(t), Config{
		OnRejected: func(c echo.Context) error { return c.NoContent(http.StatusGone) },
	})
	assert.Equal(t, http.StatusGone, do(e, "/", "ghost.emperor.gallery").Code)

	e = setupServer(t, blockingStore{}, Config{
		OnError: func(c echo.Context, _ error) error { return c.NoContent(http.StatusBadGateway) },
	})
	assert.Equal(t, http.StatusBadGateway, do(e, "/", "shop.emperor.gallery").Code)
}

func TestFromHeader(t *testing.T) {
	e := setupServer(t, seeded(t), Config{GetHost: FromHeader("X-Forwarded-Host")})

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Host = "10.0.0.1"
	req.Header.Set("X-Forwarded-Host", "gallery.shop.com")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_RequiresResolver(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{}) })
}
