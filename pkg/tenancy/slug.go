package tenancy

import (
	"regexp"
	"strings"
)

// maxLabelLength is the DNS limit for a single label
const maxLabelLength = 63

var (
	slugPattern      = regexp.MustCompile(`^[a-z0-9]([a-z0-9]|-[a-z0-9])*$`)
	hostLabelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
)

// SlugClass is the classification of a candidate hostname label
type SlugClass uint8

const (
	// SlugInvalid labels are empty or not DNS-label safe
	SlugInvalid SlugClass = iota
	// SlugReserved labels are in the reserved set
	SlugReserved
	// SlugCandidate labels are eligible for tenant lookup
	SlugCandidate
)

func (c SlugClass) String() string {
	switch c {
	case SlugReserved:
		return "reserved"
	case SlugCandidate:
		return "candidate"
	default:
		return "invalid"
	}
}

// NormalizeHost strips any :port suffix and trailing dot and lowercases the host
func NormalizeHost(raw string) string {
	h := strings.TrimSpace(raw)
	if strings.HasPrefix(h, "[") {
		// Bracketed IPv6 literal, with or without a port
		if end := strings.IndexByte(h, ']'); end > 0 {
			h = h[1:end]
		}
	} else if strings.Count(h, ":") == 1 {
		h = h[:strings.IndexByte(h, ':')]
	}
	h = strings.TrimSuffix(h, ".")
	return strings.ToLower(h)
}

// LeadingLabel returns everything before the first '.' of a normalized host
func LeadingLabel(host string) string {
	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[:i]
	}
	return host
}

// ClassifySlug classifies a bare label. The label is lowercased first.
func ClassifySlug(cfg RoutingConfig, label string) SlugClass {
	label = strings.ToLower(label)
	if label == "" || len(label) > maxLabelLength || !slugPattern.MatchString(label) {
		return SlugInvalid
	}
	if cfg.IsReserved(label) {
		return SlugReserved
	}
	return SlugCandidate
}

// ClassifyHost classifies the leading label of a raw Host header value
func ClassifyHost(cfg RoutingConfig, rawHost string) SlugClass {
	return ClassifySlug(cfg, LeadingLabel(NormalizeHost(rawHost)))
}

// ValidateSlug returns nil when slug may be assigned to a tenant.
// It applies the same classification as request routing.
func ValidateSlug(cfg RoutingConfig, slug string) error {
	if slug != strings.ToLower(slug) {
		return ErrInvalidSlug
	}
	switch ClassifySlug(cfg, slug) {
	case SlugCandidate:
		return nil
	case SlugReserved:
		return ErrReservedSlug
	default:
		return ErrInvalidSlug
	}
}

// ValidateHostname checks a custom hostname: normalized, at least two labels, each DNS-label safe
func ValidateHostname(host string) error {
	if host == "" || host != NormalizeHost(host) {
		return ErrInvalidHostname
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return ErrInvalidHostname
	}
	for _, l := range labels {
		if len(l) > maxLabelLength || !hostLabelPattern.MatchString(l) {
			return ErrInvalidHostname
		}
	}
	return nil
}
