package tenancy

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultLookupTimeout = 2 * time.Second
	defaultBaseDomain    = "emperor.gallery"
)

// DefaultReservedWords are labels that can never be a tenant slug
var DefaultReservedWords = []string{
	"www",
	"admin",
	"api",
	"app",
	"static",
	"assets",
	"emperor",
}

// RoutingConfig is the process-wide routing configuration.
// Build it once with NewRoutingConfig; its accessors never expose mutable state.
type RoutingConfig struct {
	baseDomain    string
	reserved      map[string]struct{}
	lookupTimeout time.Duration
}

// RoutingOptions are the raw inputs of a RoutingConfig
type RoutingOptions struct {
	// BaseDomain is the platform domain tenants get subdomains under (e.g. "emperor.gallery")
	BaseDomain string

	// ReservedWords are rejected as slugs. Defaults to DefaultReservedWords.
	ReservedWords []string

	// LookupTimeout bounds every storage lookup made while resolving a host (default: 2s)
	LookupTimeout time.Duration
}

// DefaultRoutingOptions returns RoutingOptions with sensible defaults
func DefaultRoutingOptions() RoutingOptions {
	return RoutingOptions{
		BaseDomain:    defaultBaseDomain,
		ReservedWords: DefaultReservedWords,
		LookupTimeout: defaultLookupTimeout,
	}
}

// NewRoutingConfig validates opts and returns an immutable RoutingConfig
func NewRoutingConfig(opts RoutingOptions) (RoutingConfig, error) {
	base := strings.Trim(strings.ToLower(strings.TrimSpace(opts.BaseDomain)), ".")
	if base == "" {
		return RoutingConfig{}, fmt.Errorf("base domain is required")
	}
	for _, label := range strings.Split(base, ".") {
		if !hostLabelPattern.MatchString(label) {
			return RoutingConfig{}, fmt.Errorf("%w: base domain %q", ErrInvalidHostname, opts.BaseDomain)
		}
	}

	words := opts.ReservedWords
	if words == nil {
		words = DefaultReservedWords
	}
	reserved := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			reserved[w] = struct{}{}
		}
	}

	timeout := opts.LookupTimeout
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}

	return RoutingConfig{
		baseDomain:    base,
		reserved:      reserved,
		lookupTimeout: timeout,
	}, nil
}

// BaseDomain returns the normalized base domain
func (c RoutingConfig) BaseDomain() string { return c.baseDomain }

// LookupTimeout returns the per-lookup storage timeout
func (c RoutingConfig) LookupTimeout() time.Duration { return c.lookupTimeout }

// IsReserved reports whether label is in the reserved set. Case-insensitive.
func (c RoutingConfig) IsReserved(label string) bool {
	_, ok := c.reserved[strings.ToLower(label)]
	return ok
}

// SubdomainHost returns the derivable <slug>.<base-domain> hostname
func (c RoutingConfig) SubdomainHost(slug string) string {
	return slug + "." + c.baseDomain
}
