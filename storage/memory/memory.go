// Package memory provides an in-memory implementation of the tenant, subscription
// and usage stores. It is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/gotenant/pkg/billing"
	"github.com/mihaimyh/gotenant/pkg/tenancy"
	"github.com/mihaimyh/gotenant/pkg/usage"
)

var (
	_ tenancy.TenantRepository  = (*Storage)(nil)
	_ billing.SubscriptionStore = (*Storage)(nil)
	_ usage.Store               = (*Storage)(nil)
)

// Storage keeps every record in maps guarded by one mutex
type Storage struct {
	mu sync.RWMutex

	tenants       map[string]*tenancy.Tenant        // by id
	tenantsBySlug map[string]string                 // slug -> tenant id
	tenantsByOrg  map[string]string                 // organization id -> tenant id
	mappings      map[string]*tenancy.DomainMapping // by hostname
	subscriptions map[string]*tenancy.Subscription  // by organization id
	processed     map[string]time.Time              // dedup key -> applied at
	events        []*tenancy.UsageEvent
	ledgers       map[ledgerKey]*tenancy.UsageLedger
}

type ledgerKey struct {
	org   string
	start int64
}

// New creates a new in-memory storage adapter
func New() *Storage {
	s := &Storage{}
	s.reset()
	return s
}

func (s *Storage) reset() {
	s.tenants = make(map[string]*tenancy.Tenant)
	s.tenantsBySlug = make(map[string]string)
	s.tenantsByOrg = make(map[string]string)
	s.mappings = make(map[string]*tenancy.DomainMapping)
	s.subscriptions = make(map[string]*tenancy.Subscription)
	s.processed = make(map[string]time.Time)
	s.events = nil
	s.ledgers = make(map[ledgerKey]*tenancy.UsageLedger)
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// --- Tenants and domain mappings ---

// GetMappingByHostname implements tenancy.DomainMappingStore
func (s *Storage) GetMappingByHostname(ctx context.Context, hostname string) (*tenancy.DomainMapping, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mappings[hostname]
	if !ok {
		return nil, tenancy.ErrMappingNotFound
	}
	c := *m
	return &c, nil
}

// GetTenantBySlug implements tenancy.TenantDirectory
func (s *Storage) GetTenantBySlug(ctx context.Context, slug string) (*tenancy.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tenantsBySlug[slug]
	if !ok {
		return nil, tenancy.ErrTenantNotFound
	}
	c := *s.tenants[id]
	return &c, nil
}

// CreateTenant implements tenancy.TenantRepository
func (s *Storage) CreateTenant(ctx context.Context, t *tenancy.Tenant) error {
	if t == nil || t.ID == "" || t.Slug == "" || t.OrganizationID == "" {
		return fmt.Errorf("invalid tenant")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenantsBySlug[t.Slug]; ok {
		return tenancy.ErrSlugTaken
	}
	if _, ok := s.tenantsByOrg[t.OrganizationID]; ok {
		return tenancy.ErrOrganizationHasTenant
	}
	c := *t
	s.tenants[t.ID] = &c
	s.tenantsBySlug[t.Slug] = t.ID
	s.tenantsByOrg[t.OrganizationID] = t.ID
	return nil
}

// GetTenant implements tenancy.TenantRepository
func (s *Storage) GetTenant(ctx context.Context, tenantID string) (*tenancy.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, tenancy.ErrTenantNotFound
	}
	c := *t
	return &c, nil
}

// GetTenantByOrganization implements tenancy.TenantRepository
func (s *Storage) GetTenantByOrganization(ctx context.Context, organizationID string) (*tenancy.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tenantsByOrg[organizationID]
	if !ok {
		return nil, tenancy.ErrTenantNotFound
	}
	c := *s.tenants[id]
	return &c, nil
}

// CreateMapping implements tenancy.TenantRepository
func (s *Storage) CreateMapping(ctx context.Context, m *tenancy.DomainMapping) error {
	if m == nil || m.Hostname == "" {
		return fmt.Errorf("invalid domain mapping")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[m.TenantID]; !ok {
		return tenancy.ErrTenantNotFound
	}
	if _, ok := s.mappings[m.Hostname]; ok {
		return tenancy.ErrHostnameTaken
	}
	c := *m
	s.mappings[m.Hostname] = &c
	return nil
}

// UpdateMappingStatus implements tenancy.TenantRepository
func (s *Storage) UpdateMappingStatus(
	ctx context.Context, hostname string, status tenancy.MappingStatus, at time.Time,
) (*tenancy.DomainMapping, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mappings[hostname]
	if !ok {
		return nil, tenancy.ErrMappingNotFound
	}
	if err := tenancy.CheckTransition(m.Status, status); err != nil {
		return nil, err
	}
	m.Status = status
	m.UpdatedAt = at
	c := *m
	return &c, nil
}

// ListMappingsForTenant implements tenancy.TenantRepository
func (s *Storage) ListMappingsForTenant(ctx context.Context, tenantID string) ([]*tenancy.DomainMapping, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*tenancy.DomainMapping
	for _, m := range s.mappings {
		if m.TenantID == tenantID {
			c := *m
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

// DeleteTenantCascading implements tenancy.TenantRepository
func (s *Storage) DeleteTenantCascading(ctx context.Context, tenantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return tenancy.ErrTenantNotFound
	}
	for host, m := range s.mappings {
		if m.TenantID == tenantID {
			delete(s.mappings, host)
		}
	}
	delete(s.tenantsBySlug, t.Slug)
	delete(s.tenantsByOrg, t.OrganizationID)
	delete(s.tenants, tenantID)
	return nil
}

// --- Routing read model (hot tier) ---

// PutTenant upserts a tenant without uniqueness checks
func (s *Storage) PutTenant(ctx context.Context, t *tenancy.Tenant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.tenants[t.ID]; ok && old.Slug != t.Slug {
		delete(s.tenantsBySlug, old.Slug)
	}
	c := *t
	s.tenants[t.ID] = &c
	s.tenantsBySlug[t.Slug] = t.ID
	s.tenantsByOrg[t.OrganizationID] = t.ID
	return nil
}

// PutMapping upserts a mapping without ownership checks
func (s *Storage) PutMapping(ctx context.Context, m *tenancy.DomainMapping) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *m
	s.mappings[m.Hostname] = &c
	return nil
}

// EvictMapping removes a cached mapping
func (s *Storage) EvictMapping(ctx context.Context, hostname string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mappings, hostname)
	return nil
}

// EvictTenant removes a cached tenant and its slug entry
func (s *Storage) EvictTenant(ctx context.Context, t *tenancy.Tenant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.tenantsBySlug[t.Slug]; ok && id == t.ID {
		delete(s.tenantsBySlug, t.Slug)
	}
	if id, ok := s.tenantsByOrg[t.OrganizationID]; ok && id == t.ID {
		delete(s.tenantsByOrg, t.OrganizationID)
	}
	delete(s.tenants, t.ID)
	return nil
}

// --- Subscriptions ---

// ApplyEvent implements billing.SubscriptionStore. The whole unit runs under the write lock.
func (s *Storage) ApplyEvent(ctx context.Context, req billing.ApplyRequest) (*billing.ApplyResult, error) {
	if req.Event == nil || req.Transition == nil {
		return nil, fmt.Errorf("invalid apply request")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := billing.DedupKey(req.Event)
	if _, ok := s.processed[key]; ok {
		return &billing.ApplyResult{Duplicate: true}, nil
	}

	current := s.findSubscription(billing.KeyFor(req.Event))
	out, err := req.Transition(current.Clone())
	if err != nil {
		return nil, err
	}

	res := &billing.ApplyResult{Previous: current.Clone(), Outcome: out}
	if out.Applied {
		if current != nil && current.OrganizationID != out.Next.OrganizationID {
			delete(s.subscriptions, current.OrganizationID)
		}
		s.subscriptions[out.Next.OrganizationID] = out.Next.Clone()
		res.Created = current == nil
	}
	s.processed[key] = req.AppliedAt
	return res, nil
}

func (s *Storage) findSubscription(k billing.LookupKey) *tenancy.Subscription {
	if k.SubscriptionRef != "" {
		for _, sub := range s.subscriptions {
			if sub.SubscriptionRef == k.SubscriptionRef {
				return sub
			}
		}
	}
	if k.CustomerRef != "" {
		for _, sub := range s.subscriptions {
			if sub.CustomerRef == k.CustomerRef {
				return sub
			}
		}
	}
	if k.OrganizationID != "" {
		return s.subscriptions[k.OrganizationID]
	}
	return nil
}

// GetSubscriptionByOrganization implements billing.SubscriptionStore
func (s *Storage) GetSubscriptionByOrganization(ctx context.Context, organizationID string) (*tenancy.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[organizationID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// PurgeProcessedEvents drops dedup records applied before cutoff and returns how many were removed
func (s *Storage) PurgeProcessedEvents(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, at := range s.processed {
		if at.Before(cutoff) {
			delete(s.processed, key)
			n++
		}
	}
	return n, nil
}

// --- Usage ---

// AppendUsageEvent implements usage.EventStore
func (s *Storage) AppendUsageEvent(ctx context.Context, ev *tenancy.UsageEvent) error {
	if ev == nil || ev.OrganizationID == "" {
		return fmt.Errorf("invalid usage event")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *ev
	s.events = append(s.events, &c)
	return nil
}

// ListUsageOrganizations implements usage.Store
func (s *Storage) ListUsageOrganizations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var orgs []string
	for _, ev := range s.events {
		if _, ok := seen[ev.OrganizationID]; !ok {
			seen[ev.OrganizationID] = struct{}{}
			orgs = append(orgs, ev.OrganizationID)
		}
	}
	sort.Strings(orgs)
	return orgs, nil
}

// FirstEventAt implements usage.Store
func (s *Storage) FirstEventAt(ctx context.Context, organizationID string, from time.Time) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var first time.Time
	for _, ev := range s.events {
		if ev.OrganizationID != organizationID || ev.CreatedAt.Before(from) {
			continue
		}
		if first.IsZero() || ev.CreatedAt.Before(first) {
			first = ev.CreatedAt
		}
	}
	if first.IsZero() {
		return time.Time{}, usage.ErrNoEvents
	}
	return first, nil
}

// SummarizeUsage implements usage.Store
func (s *Storage) SummarizeUsage(ctx context.Context, organizationID string, period tenancy.Period) (*usage.Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	type modelKey struct{ provider, model string }
	byModel := make(map[modelKey]*usage.ModelUsage)
	runs := make(map[string]struct{})
	for _, ev := range s.events {
		if ev.OrganizationID != organizationID || !period.Contains(ev.CreatedAt) {
			continue
		}
		runs[ev.RunID] = struct{}{}
		k := modelKey{ev.Provider, ev.Model}
		m, ok := byModel[k]
		if !ok {
			m = &usage.ModelUsage{Provider: ev.Provider, Model: ev.Model}
			byModel[k] = m
		}
		m.Events++
		m.PromptTokens += ev.PromptTokens
		m.CompletionTokens += ev.CompletionTokens
	}

	sum := &usage.Summary{Runs: int64(len(runs))}
	for _, m := range byModel {
		sum.ByModel = append(sum.ByModel, *m)
	}
	sort.Slice(sum.ByModel, func(i, j int) bool {
		if sum.ByModel[i].Provider != sum.ByModel[j].Provider {
			return sum.ByModel[i].Provider < sum.ByModel[j].Provider
		}
		return sum.ByModel[i].Model < sum.ByModel[j].Model
	})
	return sum, nil
}

// UpsertLedger implements usage.Store
func (s *Storage) UpsertLedger(ctx context.Context, l *tenancy.UsageLedger) (*tenancy.UsageLedger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := ledgerKey{org: l.OrganizationID, start: l.PeriodStart.UnixNano()}
	c := *l
	if existing, ok := s.ledgers[key]; ok {
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.ledgers[key] = &c
	out := c
	return &out, nil
}

// ListLedgers implements usage.LedgerReader
func (s *Storage) ListLedgers(ctx context.Context, organizationID string, from, to time.Time) ([]*tenancy.UsageLedger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*tenancy.UsageLedger
	for k, l := range s.ledgers {
		if k.org != organizationID {
			continue
		}
		if !from.IsZero() && !l.PeriodEnd.After(from) {
			continue
		}
		if !to.IsZero() && !l.PeriodStart.Before(to) {
			continue
		}
		c := *l
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	return out, nil
}
