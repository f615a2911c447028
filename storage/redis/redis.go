// Package redis provides a Redis implementation of the routing read model and
// of the subscription store.
//
// Routing entries are plain JSON values with an optional TTL, suitable as the
// hot tier in front of a durable TenantRepository. Subscription events are
// applied with WATCH/MULTI optimistic transactions and retried on conflict.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gotenant/pkg/billing"
	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

var _ billing.SubscriptionStore = (*Storage)(nil)

// Storage implements the routing read model and billing.SubscriptionStore using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gotenant:")
	KeyPrefix string

	// RoutingTTL is the TTL for cached tenants and mappings (0 = no expiration)
	RoutingTTL time.Duration

	// DedupTTL is how long processed event ids are remembered (default: 30 days)
	DedupTTL time.Duration

	// MaxRetries is the maximum number of optimistic transaction attempts (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "gotenant:",
		RoutingTTL: 10 * time.Minute,
		DedupTTL:   30 * 24 * time.Hour,
		MaxRetries: 3,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "gotenant:"
	}
	if config.DedupTTL <= 0 {
		config.DedupTTL = 30 * 24 * time.Hour
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}

	return &Storage{client: client, config: config}, nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return unavailable("ping", s.client.Ping(ctx).Err())
}

// --- Routing read model ---

// GetMappingByHostname implements tenancy.DomainMappingStore
func (s *Storage) GetMappingByHostname(ctx context.Context, hostname string) (*tenancy.DomainMapping, error) {
	var m tenancy.DomainMapping
	if err := s.getJSON(ctx, s.mappingKey(hostname), &m); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, tenancy.ErrMappingNotFound
		}
		return nil, err
	}
	return &m, nil
}

// GetTenantBySlug implements tenancy.TenantDirectory
func (s *Storage) GetTenantBySlug(ctx context.Context, slug string) (*tenancy.Tenant, error) {
	var t tenancy.Tenant
	if err := s.getJSON(ctx, s.tenantKey(slug), &t); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, tenancy.ErrTenantNotFound
		}
		return nil, err
	}
	return &t, nil
}

// PutTenant caches a tenant under its slug
func (s *Storage) PutTenant(ctx context.Context, t *tenancy.Tenant) error {
	if t == nil || t.Slug == "" {
		return fmt.Errorf("invalid tenant")
	}
	return s.setJSON(ctx, s.tenantKey(t.Slug), t, s.config.RoutingTTL)
}

// PutMapping caches a mapping under its hostname
func (s *Storage) PutMapping(ctx context.Context, m *tenancy.DomainMapping) error {
	if m == nil || m.Hostname == "" {
		return fmt.Errorf("invalid domain mapping")
	}
	return s.setJSON(ctx, s.mappingKey(m.Hostname), m, s.config.RoutingTTL)
}

// EvictMapping removes a cached mapping
func (s *Storage) EvictMapping(ctx context.Context, hostname string) error {
	return unavailable("evict mapping", s.client.Del(ctx, s.mappingKey(hostname)).Err())
}

// EvictTenant removes a cached tenant
func (s *Storage) EvictTenant(ctx context.Context, t *tenancy.Tenant) error {
	return unavailable("evict tenant", s.client.Del(ctx, s.tenantKey(t.Slug)).Err())
}

// --- Subscriptions ---

// ApplyEvent implements billing.SubscriptionStore.
//
// The dedup key, the reference indexes and the snapshot are watched; the
// writes commit in one MULTI block. A lost race re-reads and calls Transition
// again, up to MaxRetries times.
func (s *Storage) ApplyEvent(ctx context.Context, req billing.ApplyRequest) (*billing.ApplyResult, error) {
	if req.Event == nil || req.Transition == nil {
		return nil, fmt.Errorf("invalid apply request")
	}

	key := billing.KeyFor(req.Event)
	dedupKey := s.eventKey(billing.DedupKey(req.Event))
	watched := []string{dedupKey}
	if key.SubscriptionRef != "" {
		watched = append(watched, s.subscriptionRefKey(key.SubscriptionRef))
	}
	if key.CustomerRef != "" {
		watched = append(watched, s.customerRefKey(key.CustomerRef))
	}
	if key.OrganizationID != "" {
		watched = append(watched, s.subscriptionKey(key.OrganizationID))
	}

	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		var res *billing.ApplyResult
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			var err error
			res, err = s.applyInTx(ctx, tx, req, key, dedupKey)
			return err
		}, watched...)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	}
	return nil, fmt.Errorf("%w: %w after %d attempts",
		tenancy.ErrTransientStorage, billing.ErrConcurrentUpdate, s.config.MaxRetries)
}

func (s *Storage) applyInTx(
	ctx context.Context, tx *redis.Tx, req billing.ApplyRequest, key billing.LookupKey, dedupKey string,
) (*billing.ApplyResult, error) {
	exists, err := tx.Exists(ctx, dedupKey).Result()
	if err != nil {
		return nil, unavailable("check event", err)
	}
	if exists > 0 {
		return &billing.ApplyResult{Duplicate: true}, nil
	}

	org, err := s.resolveOrganization(ctx, tx, key)
	if err != nil {
		return nil, err
	}

	var current *tenancy.Subscription
	if org != "" {
		if err := tx.Watch(ctx, s.subscriptionKey(org)).Err(); err != nil {
			return nil, unavailable("watch subscription", err)
		}
		var sub tenancy.Subscription
		err := getJSON(ctx, tx, s.subscriptionKey(org), &sub)
		switch {
		case err == nil:
			current = &sub
		case !errors.Is(err, redis.Nil):
			return nil, err
		}
	}

	out, err := req.Transition(current.Clone())
	if err != nil {
		return nil, err
	}

	var snapshot []byte
	if out.Applied {
		if snapshot, err = json.Marshal(out.Next); err != nil {
			return nil, fmt.Errorf("failed to marshal subscription: %w", err)
		}
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, dedupKey, req.AppliedAt.UTC().Format(time.RFC3339Nano), s.config.DedupTTL)
		if !out.Applied {
			return nil
		}
		next := out.Next
		if current != nil && current.OrganizationID != next.OrganizationID {
			pipe.Del(ctx, s.subscriptionKey(current.OrganizationID))
		}
		pipe.Set(ctx, s.subscriptionKey(next.OrganizationID), snapshot, 0)
		if current != nil && current.SubscriptionRef != "" && current.SubscriptionRef != next.SubscriptionRef {
			pipe.Del(ctx, s.subscriptionRefKey(current.SubscriptionRef))
		}
		if current != nil && current.CustomerRef != "" && current.CustomerRef != next.CustomerRef {
			pipe.Del(ctx, s.customerRefKey(current.CustomerRef))
		}
		if next.SubscriptionRef != "" {
			pipe.Set(ctx, s.subscriptionRefKey(next.SubscriptionRef), next.OrganizationID, 0)
		}
		if next.CustomerRef != "" {
			pipe.Set(ctx, s.customerRefKey(next.CustomerRef), next.OrganizationID, 0)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		return nil, unavailable("apply event", err)
	}

	return &billing.ApplyResult{
		Created:  out.Applied && current == nil,
		Previous: current,
		Outcome:  out,
	}, nil
}

// resolveOrganization follows the reference indexes in lookup order
func (s *Storage) resolveOrganization(ctx context.Context, tx *redis.Tx, key billing.LookupKey) (string, error) {
	for _, k := range []string{
		refOrEmpty(key.SubscriptionRef, s.subscriptionRefKey),
		refOrEmpty(key.CustomerRef, s.customerRefKey),
	} {
		if k == "" {
			continue
		}
		org, err := tx.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", unavailable("resolve subscription", err)
		}
		return org, nil
	}
	return key.OrganizationID, nil
}

// GetSubscriptionByOrganization implements billing.SubscriptionStore
func (s *Storage) GetSubscriptionByOrganization(ctx context.Context, organizationID string) (*tenancy.Subscription, error) {
	var sub tenancy.Subscription
	if err := s.getJSON(ctx, s.subscriptionKey(organizationID), &sub); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// --- Helpers ---

func (s *Storage) getJSON(ctx context.Context, key string, v any) error {
	return getJSON(ctx, s.client, key, v)
}

func getJSON(ctx context.Context, c redis.Cmdable, key string, v any) error {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return redis.Nil
	}
	if err != nil {
		return unavailable("get "+key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *Storage) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return unavailable("set "+key, s.client.Set(ctx, key, data, ttl).Err())
}

// unavailable marks Redis command failures as transient
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: redis %s: %w", tenancy.ErrTransientStorage, op, err)
}

func refOrEmpty(ref string, key func(string) string) string {
	if ref == "" {
		return ""
	}
	return key(ref)
}

func (s *Storage) mappingKey(hostname string) string {
	return fmt.Sprintf("%smapping:%s", s.config.KeyPrefix, hostname)
}

func (s *Storage) tenantKey(slug string) string {
	return fmt.Sprintf("%stenant:slug:%s", s.config.KeyPrefix, slug)
}

func (s *Storage) subscriptionKey(organizationID string) string {
	return fmt.Sprintf("%ssubscription:org:%s", s.config.KeyPrefix, organizationID)
}

func (s *Storage) subscriptionRefKey(ref string) string {
	return fmt.Sprintf("%ssubscription:ref:%s", s.config.KeyPrefix, ref)
}

func (s *Storage) customerRefKey(ref string) string {
	return fmt.Sprintf("%ssubscription:customer:%s", s.config.KeyPrefix, ref)
}

func (s *Storage) eventKey(dedupKey string) string {
	return fmt.Sprintf("%sevent:%s", s.config.KeyPrefix, dedupKey)
}
