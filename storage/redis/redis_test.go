package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gotenant/pkg/billing"
	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}
	return client
}

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(setupTestRedis(t), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	s, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{})
	require.NoError(t, err)
	assert.Equal(t, "gotenant:", s.config.KeyPrefix)
	assert.Equal(t, 3, s.config.MaxRetries)
	assert.Equal(t, 30*24*time.Hour, s.config.DedupTTL)
}

func TestKeys(t *testing.T) {
	s, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{KeyPrefix: "t:"})
	require.NoError(t, err)

	assert.Equal(t, "t:mapping:shop.example.com", s.mappingKey("shop.example.com"))
	assert.Equal(t, "t:tenant:slug:shop", s.tenantKey("shop"))
	assert.Equal(t, "t:subscription:org:org1", s.subscriptionKey("org1"))
	assert.Equal(t, "t:event:stripe:evt_1", s.eventKey("stripe:evt_1"))
}

func TestStorage_RoutingReadModel(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	_, err := s.GetMappingByHostname(ctx, "shop.example.com")
	assert.ErrorIs(t, err, tenancy.ErrMappingNotFound)
	_, err = s.GetTenantBySlug(ctx, "shop")
	assert.ErrorIs(t, err, tenancy.ErrTenantNotFound)

	tenant := &tenancy.Tenant{ID: "t1", OrganizationID: "org1", Slug: "shop"}
	mapping := &tenancy.DomainMapping{
		ID: "m1", TenantID: "t1", Hostname: "shop.example.com",
		Kind: tenancy.KindCustom, Status: tenancy.StatusActive,
	}
	require.NoError(t, s.PutTenant(ctx, tenant))
	require.NoError(t, s.PutMapping(ctx, mapping))

	gotTenant, err := s.GetTenantBySlug(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, "t1", gotTenant.ID)

	gotMapping, err := s.GetMappingByHostname(ctx, "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, tenancy.KindCustom, gotMapping.Kind)
	assert.True(t, gotMapping.Routable())

	ttl, err := s.client.TTL(ctx, s.mappingKey("shop.example.com")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, s.EvictMapping(ctx, "shop.example.com"))
	require.NoError(t, s.EvictTenant(ctx, tenant))
	_, err = s.GetMappingByHostname(ctx, "shop.example.com")
	assert.ErrorIs(t, err, tenancy.ErrMappingNotFound)
	_, err = s.GetTenantBySlug(ctx, "shop")
	assert.ErrorIs(t, err, tenancy.ErrTenantNotFound)
}

func request(ev *billing.Event) billing.ApplyRequest {
	return billing.ApplyRequest{
		Event:     ev,
		AppliedAt: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
		Transition: func(current *tenancy.Subscription) (billing.Outcome, error) {
			out, err := billing.Transition(current, ev)
			if err == nil && out.Applied {
				if current == nil {
					out.Next.ID = "s1"
				}
				out.Next.LastEventID = ev.ID
			}
			return out, err
		},
	}
}

func checkout(id string) *billing.Event {
	return &billing.Event{
		ID:              id,
		Provider:        "stripe",
		Kind:            billing.KindCheckoutCompleted,
		OrganizationID:  "org1",
		CustomerRef:     "cus_1",
		SubscriptionRef: "sub_1",
		Plan:            tenancy.PlanPro,
		Status:          tenancy.SubscriptionActive,
		PeriodEnd:       time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC),
	}
}

func TestStorage_ApplyEvent(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	res, err := s.ApplyEvent(ctx, request(checkout("evt_1")))
	require.NoError(t, err)
	assert.True(t, res.Created)

	res, err = s.ApplyEvent(ctx, request(checkout("evt_1")))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	// Routine events find the row through the customer index
	paid := &billing.Event{
		ID: "evt_2", Provider: "stripe", Kind: billing.KindSubscriptionUpdated,
		CustomerRef: "cus_1", Plan: tenancy.PlanTeam, Status: tenancy.SubscriptionActive,
	}
	res, err = s.ApplyEvent(ctx, request(paid))
	require.NoError(t, err)
	assert.False(t, res.Created)
	require.NotNil(t, res.Previous)
	assert.Equal(t, tenancy.PlanPro, res.Previous.Plan)

	sub, err := s.GetSubscriptionByOrganization(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, tenancy.PlanTeam, sub.Plan)
	assert.Equal(t, "evt_2", sub.LastEventID)
	assert.True(t, sub.CurrentPeriodEnd.Equal(time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)))

	_, err = s.GetSubscriptionByOrganization(ctx, "org2")
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
}

func TestStorage_ApplyEventUnknownSubscription(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	ev := &billing.Event{ID: "evt_x", Provider: "stripe", Kind: billing.KindPaymentSucceeded, SubscriptionRef: "sub_x"}
	_, err := s.ApplyEvent(ctx, request(ev))
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)

	n, err := s.client.Exists(ctx, s.eventKey("stripe:evt_x")).Result()
	require.NoError(t, err)
	assert.Zero(t, n, "failed events must not be marked processed")
}

func TestStorage_ApplyEventConcurrentReplays(t *testing.T) {
	s := setupTestStorage(t)
	s.config.MaxRetries = 20
	ctx := context.Background()

	const workers = 10
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		created    int
		duplicates int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.ApplyEvent(ctx, request(checkout("evt_same")))
			if err != nil {
				t.Errorf("ApplyEvent failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case res.Duplicate:
				duplicates++
			case res.Created:
				created++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, duplicates)
}

func TestUnavailable(t *testing.T) {
	assert.NoError(t, unavailable("get", nil))
	err := unavailable("get", redis.ErrClosed)
	assert.ErrorIs(t, err, tenancy.ErrTransientStorage)
	assert.ErrorIs(t, err, redis.ErrClosed)
}
