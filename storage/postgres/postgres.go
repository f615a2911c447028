// Package postgres provides a PostgreSQL implementation of the tenant,
// subscription and usage stores.
// Subscription events are applied in one transaction that takes a row lock
// with SELECT FOR UPDATE, so concurrent deliveries for the same subscription
// serialize in the database.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gotenant/pkg/billing"
	"github.com/mihaimyh/gotenant/pkg/tenancy"
	"github.com/mihaimyh/gotenant/pkg/usage"
)

var (
	_ tenancy.TenantRepository  = (*Storage)(nil)
	_ billing.SubscriptionStore = (*Storage)(nil)
	_ usage.Store               = (*Storage)(nil)
)

// Storage implements the tenancy, billing and usage stores on PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
	cleanupDone chan struct{}
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// RunMigrations applies the embedded schema on startup
	RunMigrations bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to purge dedup records
	DedupRetention  time.Duration // How long processed event ids are kept

	// Logger is used for migration and cleanup logging (default: NoopLogger)
	Logger tenancy.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		RunMigrations:   true,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		DedupRetention:  30 * 24 * time.Hour, // providers redeliver for a few days at most
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &tenancy.NoopLogger{}
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}
	if config.DedupRetention <= 0 {
		config.DedupRetention = 30 * 24 * time.Hour
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", mapError(err))
	}

	if config.RunMigrations {
		if err := runMigrations(ctx, pool, config.Logger); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
		cleanupDone: make(chan struct{}),
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	} else {
		close(s.cleanupDone)
	}
	return s, nil
}

// Close stops background cleanup and closes the connection pool
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
		<-s.cleanupDone
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return mapError(s.pool.Ping(ctx))
}

// startCleanup periodically purges dedup records older than DedupRetention
func (s *Storage) startCleanup(ctx context.Context) {
	defer close(s.cleanupDone)
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.config.DedupRetention)
			n, err := s.PurgeProcessedEvents(ctx, cutoff)
			if err != nil {
				s.config.Logger.Warn("processed event cleanup failed", tenancy.F("error", err))
				continue
			}
			if n > 0 {
				s.config.Logger.Debug("processed events purged", tenancy.F("count", n))
			}
		}
	}
}
