// Package http provides net/http middleware that resolves the request host to a tenant
package http

import (
	"errors"
	"net/http"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

// HostExtractor returns the raw host value to resolve
type HostExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Resolver maps hosts to tenants (required)
	Resolver *tenancy.Resolver

	// GetHost extracts the host to resolve.
	// Default: the request's Host header
	GetHost HostExtractor

	// Skip bypasses resolution for matching requests (health checks, webhooks)
	Skip func(r *http.Request) bool

	// OnRejected is called when the host belongs to no tenant
	// If nil, returns 404 Not Found
	OnRejected func(w http.ResponseWriter, r *http.Request)

	// OnError is called when resolution failed for any other reason
	// If nil, returns 503 for transient storage failures and 500 otherwise
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that stores the resolved tenant id in
// the request context. Read it with tenancy.TenantIDFromContext.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Resolver == nil {
		panic("gotenant/http: Config.Resolver is required")
	}
	if config.GetHost == nil {
		config.GetHost = FromHost()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.Skip != nil && config.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			res, err := config.Resolver.Resolve(r.Context(), config.GetHost(r))
			if err != nil {
				switch {
				case errors.Is(err, tenancy.ErrRoutingRejected) && config.OnRejected != nil:
					config.OnRejected(w, r)
				case errors.Is(err, tenancy.ErrRoutingRejected):
					http.Error(w, "Not Found", http.StatusNotFound)
				case config.OnError != nil:
					config.OnError(w, r, err)
				default:
					writeError(w, err)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(tenancy.WithTenantID(r.Context(), res.TenantID)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that resolves tenants (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	if tenancy.IsTransient(err) {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

// Common extractors for convenience

// FromHost returns a HostExtractor that reads the request's Host header
func FromHost() HostExtractor {
	return func(r *http.Request) string {
		return r.Host
	}
}

// FromHeader returns a HostExtractor that reads a header such as X-Forwarded-Host.
// Only use it behind a proxy that overwrites the header.
func FromHeader(headerName string) HostExtractor {
	return func(r *http.Request) string {
		if h := r.Header.Get(headerName); h != "" {
			return h
		}
		return r.Host
	}
}
