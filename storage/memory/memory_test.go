package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gotenant/pkg/billing"
	"github.com/mihaimyh/gotenant/pkg/tenancy"
	"github.com/mihaimyh/gotenant/pkg/usage"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func seedTenant(t *testing.T, s *Storage, id, org, slug string) *tenancy.Tenant {
	t.Helper()
	tn := &tenancy.Tenant{ID: id, OrganizationID: org, Slug: slug, CreatedAt: t0}
	require.NoError(t, s.CreateTenant(context.Background(), tn))
	return tn
}

func TestStorage_TenantUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedTenant(t, s, "t1", "org1", "team-a")

	err := s.CreateTenant(ctx, &tenancy.Tenant{ID: "t2", OrganizationID: "org2", Slug: "team-a"})
	assert.ErrorIs(t, err, tenancy.ErrSlugTaken)

	err = s.CreateTenant(ctx, &tenancy.Tenant{ID: "t3", OrganizationID: "org1", Slug: "team-b"})
	assert.ErrorIs(t, err, tenancy.ErrOrganizationHasTenant)

	got, err := s.GetTenantBySlug(ctx, "team-a")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)

	_, err = s.GetTenantBySlug(ctx, "missing")
	assert.ErrorIs(t, err, tenancy.ErrTenantNotFound)

	got, err = s.GetTenantByOrganization(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, "team-a", got.Slug)
}

func TestStorage_MappingsAndCascade(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedTenant(t, s, "t1", "org1", "team-a")
	seedTenant(t, s, "t2", "org2", "team-b")

	for _, host := range []string{"b.example.com", "a.example.com"} {
		require.NoError(t, s.CreateMapping(ctx, &tenancy.DomainMapping{
			ID: host, TenantID: "t1", Hostname: host, Kind: tenancy.KindCustom, Status: tenancy.StatusPending,
		}))
	}
	require.NoError(t, s.CreateMapping(ctx, &tenancy.DomainMapping{
		ID: "m3", TenantID: "t2", Hostname: "other.example.com", Kind: tenancy.KindCustom, Status: tenancy.StatusActive,
	}))

	err := s.CreateMapping(ctx, &tenancy.DomainMapping{TenantID: "t2", Hostname: "a.example.com"})
	assert.ErrorIs(t, err, tenancy.ErrHostnameTaken)
	err = s.CreateMapping(ctx, &tenancy.DomainMapping{TenantID: "ghost", Hostname: "c.example.com"})
	assert.ErrorIs(t, err, tenancy.ErrTenantNotFound)

	updated, err := s.UpdateMappingStatus(ctx, "a.example.com", tenancy.StatusVerified, t0)
	require.NoError(t, err)
	assert.Equal(t, tenancy.StatusVerified, updated.Status)
	assert.Equal(t, t0, updated.UpdatedAt)

	_, err = s.UpdateMappingStatus(ctx, "a.example.com", tenancy.StatusPending, t0)
	assert.ErrorIs(t, err, tenancy.ErrInvalidTransition)
	_, err = s.UpdateMappingStatus(ctx, "missing.example.com", tenancy.StatusVerified, t0)
	assert.ErrorIs(t, err, tenancy.ErrMappingNotFound)

	list, err := s.ListMappingsForTenant(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a.example.com", list[0].Hostname)

	require.NoError(t, s.DeleteTenantCascading(ctx, "t1"))
	_, err = s.GetMappingByHostname(ctx, "a.example.com")
	assert.ErrorIs(t, err, tenancy.ErrMappingNotFound)
	_, err = s.GetTenantBySlug(ctx, "team-a")
	assert.ErrorIs(t, err, tenancy.ErrTenantNotFound)
	_, err = s.GetMappingByHostname(ctx, "other.example.com")
	assert.NoError(t, err, "other tenants keep their mappings")

	assert.ErrorIs(t, s.DeleteTenantCascading(ctx, "t1"), tenancy.ErrTenantNotFound)
}

func TestStorage_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedTenant(t, s, "t1", "org1", "team-a")

	got, err := s.GetTenant(ctx, "t1")
	require.NoError(t, err)
	got.Slug = "mutated"

	again, err := s.GetTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "team-a", again.Slug)
}

func TestStorage_CancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.GetMappingByHostname(ctx, "a.example.com")
	assert.ErrorIs(t, err, context.Canceled)
}

func checkoutRequest(id string, at time.Time) billing.ApplyRequest {
	ev := &billing.Event{
		ID:              id,
		Provider:        "stripe",
		Kind:            billing.KindCheckoutCompleted,
		OrganizationID:  "org1",
		CustomerRef:     "cus_1",
		SubscriptionRef: "sub_1",
		Plan:            tenancy.PlanPro,
		Status:          tenancy.SubscriptionActive,
	}
	return billing.ApplyRequest{
		Event:     ev,
		AppliedAt: at,
		Transition: func(current *tenancy.Subscription) (billing.Outcome, error) {
			out, err := billing.Transition(current, ev)
			if err == nil && out.Applied {
				out.Next.ID = "s1"
				out.Next.LastEventID = ev.ID
			}
			return out, err
		},
	}
}

func TestStorage_ApplyEventDedup(t *testing.T) {
	s := New()
	ctx := context.Background()

	res, err := s.ApplyEvent(ctx, checkoutRequest("evt_1", t0))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.False(t, res.Duplicate)
	assert.Nil(t, res.Previous)

	res, err = s.ApplyEvent(ctx, checkoutRequest("evt_1", t0))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	sub, err := s.GetSubscriptionByOrganization(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, tenancy.PlanPro, sub.Plan)
	assert.Equal(t, "evt_1", sub.LastEventID)
}

func TestStorage_ApplyEventFailureWritesNothing(t *testing.T) {
	s := New()
	ctx := context.Background()

	ev := &billing.Event{ID: "evt_x", Provider: "stripe", Kind: billing.KindPaymentSucceeded, SubscriptionRef: "sub_404"}
	req := billing.ApplyRequest{
		Event: ev,
		Transition: func(current *tenancy.Subscription) (billing.Outcome, error) {
			return billing.Transition(current, ev)
		},
	}
	_, err := s.ApplyEvent(ctx, req)
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)

	n, err := s.PurgeProcessedEvents(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "a failed transition must not record the event id")
}

func TestStorage_ApplyEventConcurrentReplays(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan *billing.ApplyResult, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.ApplyEvent(ctx, checkoutRequest("evt_same", t0))
			if err == nil {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)

	created := 0
	duplicates := 0
	for res := range results {
		if res.Duplicate {
			duplicates++
		} else if res.Created {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 9, duplicates)
}

func TestStorage_PurgeProcessedEvents(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.ApplyEvent(ctx, checkoutRequest("evt_old", t0))
	require.NoError(t, err)

	n, err := s.PurgeProcessedEvents(ctx, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStorage_UsageSummaryAndLedgers(t *testing.T) {
	s := New()
	ctx := context.Background()
	step := "step-1"

	events := []tenancy.UsageEvent{
		{ID: "e1", OrganizationID: "org1", RunID: "r1", Provider: "openai", Model: "gpt-4o", PromptTokens: 100, CompletionTokens: 10, CreatedAt: t0.Add(time.Hour)},
		{ID: "e2", OrganizationID: "org1", RunID: "r1", StepID: &step, Provider: "openai", Model: "gpt-4o", PromptTokens: 50, CompletionTokens: 5, CreatedAt: t0.Add(2 * time.Hour)},
		{ID: "e3", OrganizationID: "org1", RunID: "r2", Provider: "anthropic", Model: "claude", PromptTokens: 7, CompletionTokens: 3, CreatedAt: t0.Add(3 * time.Hour)},
		{ID: "e4", OrganizationID: "org1", RunID: "r3", Provider: "openai", Model: "gpt-4o", PromptTokens: 1, CompletionTokens: 1, CreatedAt: t0.AddDate(0, 1, 0)},
		{ID: "e5", OrganizationID: "org2", RunID: "r9", Provider: "openai", Model: "gpt-4o", PromptTokens: 1, CompletionTokens: 1, CreatedAt: t0},
	}
	for i := range events {
		require.NoError(t, s.AppendUsageEvent(ctx, &events[i]))
	}

	orgs, err := s.ListUsageOrganizations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"org1", "org2"}, orgs)

	first, err := s.FirstEventAt(ctx, "org1", t0.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Hour), first)
	_, err = s.FirstEventAt(ctx, "org1", t0.AddDate(1, 0, 0))
	assert.ErrorIs(t, err, usage.ErrNoEvents)

	march := tenancy.Period{Start: t0, End: t0.AddDate(0, 1, 0)}
	sum, err := s.SummarizeUsage(ctx, "org1", march)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Runs)
	prompt, completion := sum.Tokens()
	assert.Equal(t, int64(157), prompt)
	assert.Equal(t, int64(18), completion)
	require.Len(t, sum.ByModel, 2)
	assert.Equal(t, "anthropic", sum.ByModel[0].Provider)

	first1, err := s.UpsertLedger(ctx, &tenancy.UsageLedger{
		ID: "l1", OrganizationID: "org1", PeriodStart: march.Start, PeriodEnd: march.End, Runs: 2,
		EstimatedCost: decimal.RequireFromString("1.5"),
	})
	require.NoError(t, err)
	second, err := s.UpsertLedger(ctx, &tenancy.UsageLedger{
		ID: "l2", OrganizationID: "org1", PeriodStart: march.Start, PeriodEnd: march.End, Runs: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, "l1", second.ID, "upsert keeps the existing row id")
	assert.Equal(t, first1.CreatedAt, second.CreatedAt)
	assert.Equal(t, int64(3), second.Runs)

	list, err := s.ListLedgers(ctx, "org1", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = s.ListLedgers(ctx, "org1", march.End, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, list, "a period ending at from does not overlap")
}
