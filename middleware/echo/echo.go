// Package echo provides Echo middleware that resolves the request host to a tenant
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

// TenantIDKey is the echo.Context key the resolved tenant id is stored under
const TenantIDKey = "tenant_id"

// HostExtractor returns the raw host value to resolve
type HostExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Resolver maps hosts to tenants (required)
	Resolver *tenancy.Resolver

	// GetHost extracts the host to resolve
	// Default: the request's Host header
	GetHost HostExtractor

	// Skipper bypasses resolution for matching requests
	Skipper func(c echo.Context) bool

	// OnRejected is called when the host belongs to no tenant
	// If nil, returns 404 JSON
	OnRejected func(c echo.Context) error

	// OnError is called when resolution failed for any other reason
	// If nil, returns 503 JSON for transient storage failures and 500 otherwise
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that resolves the tenant of every request.
// The tenant id is stored both under TenantIDKey and in the request context.
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Resolver == nil {
		panic("gotenant/echo: Config.Resolver is required")
	}
	if cfg.GetHost == nil {
		cfg.GetHost = func(c echo.Context) string { return c.Request().Host }
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			req := c.Request()
			res, err := cfg.Resolver.Resolve(req.Context(), cfg.GetHost(c))
			if err != nil {
				switch {
				case errors.Is(err, tenancy.ErrRoutingRejected) && cfg.OnRejected != nil:
					return cfg.OnRejected(c)
				case errors.Is(err, tenancy.ErrRoutingRejected):
					return c.JSON(http.StatusNotFound, map[string]string{"error": "Not Found"})
				case cfg.OnError != nil:
					return cfg.OnError(c, err)
				default:
					return defaultError(c, err)
				}
			}

			c.Set(TenantIDKey, res.TenantID)
			c.SetRequest(req.WithContext(tenancy.WithTenantID(req.Context(), res.TenantID)))
			return next(c)
		}
	}
}

func defaultError(c echo.Context, err error) error {
	if tenancy.IsTransient(err) {
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Service Unavailable"})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// TenantID returns the tenant id stored by Middleware
func TenantID(c echo.Context) (string, bool) {
	return tenancy.TenantIDFromContext(c.Request().Context())
}

// FromHeader returns a HostExtractor that reads a header such as X-Forwarded-Host.
// Only use it behind a proxy that overwrites the header.
func FromHeader(headerName string) HostExtractor {
	return func(c echo.Context) string {
		if h := c.Request().Header.Get(headerName); h != "" {
			return h
		}
		return c.Request().Host
	}
}
