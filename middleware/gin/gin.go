// Package gin provides Gin middleware that resolves the request host to a tenant
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

// TenantIDKey is the gin.Context key the resolved tenant id is stored under
const TenantIDKey = "tenant_id"

// HostExtractor returns the raw host value to resolve
type HostExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Resolver maps hosts to tenants (required)
	Resolver *tenancy.Resolver

	// GetHost extracts the host to resolve
	// Default: the request's Host header
	GetHost HostExtractor

	// OnRejected is called when the host belongs to no tenant
	// If nil, returns 404 JSON
	OnRejected func(c *gongin.Context)

	// OnError is called when resolution failed for any other reason
	// If nil, returns 503 JSON for transient storage failures and 500 otherwise
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that resolves the tenant of every request.
// The tenant id is stored both under TenantIDKey and in the request context.
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Resolver == nil {
		panic("gotenant/gin: Config.Resolver is required")
	}
	if cfg.GetHost == nil {
		cfg.GetHost = func(c *gongin.Context) string { return c.Request.Host }
	}

	return func(c *gongin.Context) {
		res, err := cfg.Resolver.Resolve(c.Request.Context(), cfg.GetHost(c))
		if err != nil {
			switch {
			case errors.Is(err, tenancy.ErrRoutingRejected) && cfg.OnRejected != nil:
				cfg.OnRejected(c)
			case errors.Is(err, tenancy.ErrRoutingRejected):
				c.JSON(http.StatusNotFound, gongin.H{"error": "Not Found"})
			case cfg.OnError != nil:
				cfg.OnError(c, err)
			default:
				defaultError(c, err)
			}
			c.Abort()
			return
		}

		c.Set(TenantIDKey, res.TenantID)
		c.Request = c.Request.WithContext(tenancy.WithTenantID(c.Request.Context(), res.TenantID))
		c.Next()
	}
}

func defaultError(c *gongin.Context, err error) {
	if tenancy.IsTransient(err) {
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "Service Unavailable"})
		return
	}
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// TenantID returns the tenant id stored by Middleware
func TenantID(c *gongin.Context) (string, bool) {
	return tenancy.TenantIDFromContext(c.Request.Context())
}

// FromHeader returns a HostExtractor that reads a header such as X-Forwarded-Host.
// Only use it behind a proxy that overwrites the header.
func FromHeader(headerName string) HostExtractor {
	return func(c *gongin.Context) string {
		if h := c.GetHeader(headerName); h != "" {
			return h
		}
		return c.Request.Host
	}
}
