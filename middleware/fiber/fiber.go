// Package fiber provides Fiber middleware that resolves the request host to a tenant
package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

// TenantIDKey is the Locals key the resolved tenant id is stored under
const TenantIDKey = "tenant_id"

// HostExtractor returns the raw host value to resolve
type HostExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Resolver maps hosts to tenants (required)
	Resolver *tenancy.Resolver

	// GetHost extracts the host to resolve
	// Default: the Host header
	GetHost HostExtractor

	// Next bypasses resolution when it returns true
	Next func(c *fiber.Ctx) bool

	// OnRejected is called when the host belongs to no tenant
	// If nil, returns 404 JSON
	OnRejected func(c *fiber.Ctx) error

	// OnError is called when resolution failed for any other reason
	// If nil, returns 503 JSON for transient storage failures and 500 otherwise
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that resolves the tenant of every request.
// The tenant id is stored both in Locals under TenantIDKey and in the user context.
func Middleware(cfg Config) fiber.Handler {
	if cfg.Resolver == nil {
		panic("gotenant/fiber: Config.Resolver is required")
	}
	if cfg.GetHost == nil {
		// Fiber v2 reuses the underlying buffer, so copy before it escapes the handler
		cfg.GetHost = func(c *fiber.Ctx) string { return string(c.Request().Host()) }
	}

	return func(c *fiber.Ctx) error {
		if cfg.Next != nil && cfg.Next(c) {
			return c.Next()
		}

		res, err := cfg.Resolver.Resolve(c.UserContext(), cfg.GetHost(c))
		if err != nil {
			switch {
			case errors.Is(err, tenancy.ErrRoutingRejected) && cfg.OnRejected != nil:
				return cfg.OnRejected(c)
			case errors.Is(err, tenancy.ErrRoutingRejected):
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Not Found"})
			case cfg.OnError != nil:
				return cfg.OnError(c, err)
			default:
				return defaultError(c, err)
			}
		}

		c.Locals(TenantIDKey, res.TenantID)
		c.SetUserContext(tenancy.WithTenantID(c.UserContext(), res.TenantID))
		return c.Next()
	}
}

func defaultError(c *fiber.Ctx, err error) error {
	if tenancy.IsTransient(err) {
		c.Set(fiber.HeaderRetryAfter, "1")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Service Unavailable"})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// TenantID returns the tenant id stored by Middleware
func TenantID(c *fiber.Ctx) (string, bool) {
	return tenancy.TenantIDFromContext(c.UserContext())
}

// FromHeader returns a HostExtractor that reads a header such as X-Forwarded-Host.
// Only use it behind a proxy that overwrites the header.
// Fiber v2 uses c.Get() for headers
func FromHeader(headerName string) HostExtractor {
	return func(c *fiber.Ctx) string {
		if h := c.Get(headerName); h != "" {
			return string([]byte(h))
		}
		return string(c.Request().Host())
	}
}
