// Package tiered provides a Hot/Cold tenant repository that serves routing
// lookups from a fast cache (Hot) in front of durable storage (Cold).
//
// Strategies per operation:
//   - Read-Through: hostname and slug lookups (Hot → Cold → populate Hot → re-check Cold)
//   - Write-Through: tenant and mapping writes (Cold → refresh or evict Hot)
//   - Cold-Only: lookups by id or organization, mapping listings
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

const (
	lookupMapping = "mapping"
	lookupTenant  = "tenant"
)

// Hot is the routing read model used as the cache tier.
// *memory.Storage and *redis.Storage implement it.
type Hot interface {
	tenancy.DomainMappingStore
	tenancy.TenantDirectory

	PutTenant(ctx context.Context, t *tenancy.Tenant) error
	PutMapping(ctx context.Context, m *tenancy.DomainMapping) error
	EvictMapping(ctx context.Context, hostname string) error
	EvictTenant(ctx context.Context, t *tenancy.Tenant) error
}

var _ tenancy.TenantRepository = (*Storage)(nil)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 cache (e.g., Redis, Memory) serving host resolution
	Hot Hot

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold tenancy.TenantRepository

	// AsyncHotFill moves cache fills after a Hot miss onto a background worker,
	// keeping the Hot write out of the request path.
	AsyncHotFill bool

	// SyncBufferSize is the size of the buffered channel for async fills.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot write fails or the fill queue is full.
	// Essential for monitoring cache drift.
	AsyncErrorHandler func(error)

	// Metrics records cache hits and misses (default: NoopMetrics)
	Metrics tenancy.Metrics
}

// Storage implements tenancy.TenantRepository over a Hot/Cold pair
type Storage struct {
	hot     Hot
	cold    tenancy.TenantRepository
	conf    Config
	metrics tenancy.Metrics

	// Channel for async cache fills
	syncQueue chan func(context.Context) error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}
	if config.Metrics == nil {
		config.Metrics = &tenancy.NoopMetrics{}
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		metrics:   config.Metrics,
		syncQueue: make(chan func(context.Context) error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}
	if config.AsyncHotFill {
		s.startWorker()
	}
	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		close(s.shutdown)
		s.wg.Wait()
	})
	return nil
}

// startWorker runs the background fill loop
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job(context.Background()))
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						_ = job(context.Background()) //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered storage: hot tier: %w", err))
	}
}

// fill populates Hot after a miss, inline or on the worker
func (s *Storage) fill(ctx context.Context, job func(context.Context) error) {
	if !s.conf.AsyncHotFill {
		s.report(job(ctx))
		return
	}
	select {
	case s.syncQueue <- job:
	default:
		if s.conf.AsyncErrorHandler != nil {
			s.conf.AsyncErrorHandler(errors.New("tiered storage: fill queue full, dropping hot write"))
		}
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetMappingByHostname implements tenancy.DomainMappingStore with read-through strategy.
// A Hot failure falls back to Cold; only Cold errors are returned.
func (s *Storage) GetMappingByHostname(ctx context.Context, hostname string) (*tenancy.DomainMapping, error) {
	m, err := s.hot.GetMappingByHostname(ctx, hostname)
	if err == nil {
		s.metrics.RecordCacheHit(lookupMapping)
		return m, nil
	}
	s.metrics.RecordCacheMiss(lookupMapping)
	if !errors.Is(err, tenancy.ErrMappingNotFound) {
		s.report(err)
	}

	m, err = s.cold.GetMappingByHostname(ctx, hostname)
	if err != nil {
		return nil, err
	}
	fill := *m
	s.fill(ctx, func(ctx context.Context) error { return s.fillMapping(ctx, &fill) })
	return m, nil
}

// GetTenantBySlug implements tenancy.TenantDirectory with read-through strategy.
func (s *Storage) GetTenantBySlug(ctx context.Context, slug string) (*tenancy.Tenant, error) {
	t, err := s.hot.GetTenantBySlug(ctx, slug)
	if err == nil {
		s.metrics.RecordCacheHit(lookupTenant)
		return t, nil
	}
	s.metrics.RecordCacheMiss(lookupTenant)
	if !errors.Is(err, tenancy.ErrTenantNotFound) {
		s.report(err)
	}

	t, err = s.cold.GetTenantBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	fill := *t
	s.fill(ctx, func(ctx context.Context) error { return s.fillTenant(ctx, &fill) })
	return t, nil
}

// fillMapping caches m, then re-reads Cold and evicts the entry unless it still
// matches. A fill racing a status change or a delete, in this process or another
// one sharing Hot, cannot leave the older row cached.
func (s *Storage) fillMapping(ctx context.Context, m *tenancy.DomainMapping) error {
	if err := s.hot.PutMapping(ctx, m); err != nil {
		return err
	}
	current, err := s.cold.GetMappingByHostname(ctx, m.Hostname)
	if err == nil && sameMapping(current, m) {
		return nil
	}
	if evictErr := s.hot.EvictMapping(ctx, m.Hostname); evictErr != nil {
		return evictErr
	}
	if err != nil && !errors.Is(err, tenancy.ErrMappingNotFound) {
		return err
	}
	return nil
}

// fillTenant is fillMapping for slug lookups
func (s *Storage) fillTenant(ctx context.Context, t *tenancy.Tenant) error {
	if err := s.hot.PutTenant(ctx, t); err != nil {
		return err
	}
	current, err := s.cold.GetTenantBySlug(ctx, t.Slug)
	if err == nil && current.ID == t.ID {
		return nil
	}
	if evictErr := s.hot.EvictTenant(ctx, t); evictErr != nil {
		return evictErr
	}
	if err != nil && !errors.Is(err, tenancy.ErrTenantNotFound) {
		return err
	}
	return nil
}

func sameMapping(a, b *tenancy.DomainMapping) bool {
	return a.ID == b.ID &&
		a.TenantID == b.TenantID &&
		a.Kind == b.Kind &&
		a.Status == b.Status &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}

// --- Strategy: Cold-Only ---

// GetTenant implements tenancy.TenantRepository
func (s *Storage) GetTenant(ctx context.Context, tenantID string) (*tenancy.Tenant, error) {
	return s.cold.GetTenant(ctx, tenantID)
}

// GetTenantByOrganization implements tenancy.TenantRepository
func (s *Storage) GetTenantByOrganization(ctx context.Context, organizationID string) (*tenancy.Tenant, error) {
	return s.cold.GetTenantByOrganization(ctx, organizationID)
}

// ListMappingsForTenant implements tenancy.TenantRepository
func (s *Storage) ListMappingsForTenant(ctx context.Context, tenantID string) ([]*tenancy.DomainMapping, error) {
	return s.cold.ListMappingsForTenant(ctx, tenantID)
}

// --- Strategy: Write-Through (Cold → Hot) ---
// Durable first; Hot failures are reported but never fail the operation.

// CreateTenant implements tenancy.TenantRepository with write-through strategy.
func (s *Storage) CreateTenant(ctx context.Context, t *tenancy.Tenant) error {
	if err := s.cold.CreateTenant(ctx, t); err != nil {
		return err
	}
	s.report(s.hot.PutTenant(ctx, t))
	return nil
}

// CreateMapping implements tenancy.TenantRepository with write-through strategy.
func (s *Storage) CreateMapping(ctx context.Context, m *tenancy.DomainMapping) error {
	if err := s.cold.CreateMapping(ctx, m); err != nil {
		return err
	}
	s.report(s.hot.PutMapping(ctx, m))
	return nil
}

// UpdateMappingStatus implements tenancy.TenantRepository with write-through strategy.
// A failed Hot refresh evicts the entry so a stale status cannot keep routing.
// A transition Cold rejects means the cached status may disagree, so it is evicted too.
func (s *Storage) UpdateMappingStatus(
	ctx context.Context, hostname string, status tenancy.MappingStatus, at time.Time,
) (*tenancy.DomainMapping, error) {
	m, err := s.cold.UpdateMappingStatus(ctx, hostname, status, at)
	if errors.Is(err, tenancy.ErrInvalidTransition) {
		s.report(s.hot.EvictMapping(ctx, hostname))
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if err := s.hot.PutMapping(ctx, m); err != nil {
		s.report(err)
		s.report(s.hot.EvictMapping(ctx, hostname))
	}
	return m, nil
}

// DeleteTenantCascading implements tenancy.TenantRepository with write-through strategy.
// Cached mappings and the tenant are evicted after the durable delete.
func (s *Storage) DeleteTenantCascading(ctx context.Context, tenantID string) error {
	t, err := s.cold.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	mappings, err := s.cold.ListMappingsForTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := s.cold.DeleteTenantCascading(ctx, tenantID); err != nil {
		return err
	}

	for _, m := range mappings {
		s.report(s.hot.EvictMapping(ctx, m.Hostname))
	}
	s.report(s.hot.EvictTenant(ctx, t))
	return nil
}
