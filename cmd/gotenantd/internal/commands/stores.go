package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gotenant/pkg/billing"
	"github.com/mihaimyh/gotenant/pkg/tenancy"
	"github.com/mihaimyh/gotenant/pkg/usage"
	"github.com/mihaimyh/gotenant/storage/breaker"
	fsstore "github.com/mihaimyh/gotenant/storage/firestore"
	"github.com/mihaimyh/gotenant/storage/memory"
	pgstore "github.com/mihaimyh/gotenant/storage/postgres"
	redisstore "github.com/mihaimyh/gotenant/storage/redis"
	"github.com/mihaimyh/gotenant/storage/tiered"
)

// StoreFlags select and configure the persistence backends
type StoreFlags struct {
	StoreType string         `name:"store" help:"primary store (memory, postgres or firestore)" default:"memory" env:"GOTENANT_STORE_TYPE" enum:"memory,postgres,firestore"`
	Postgres  PostgresFlags  `embed:"" prefix:"postgres-"`
	Firestore FirestoreFlags `embed:"" prefix:"firestore-"`
	Redis     RedisFlags     `embed:"" prefix:"redis-"`
	Breaker   BreakerFlags   `embed:"" prefix:"breaker-"`
}

type PostgresFlags struct {
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32         `help:"maximum number of connections in pool" default:"10"`
	MinConns        int32         `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`

	AutoMigrate    bool          `help:"run database migrations on startup" default:"false" env:"GOTENANT_POSTGRES_AUTO_MIGRATE"`
	DedupRetention time.Duration `help:"how long processed webhook event ids are kept (0 keeps them forever)" default:"720h" env:"GOTENANT_DEDUP_RETENTION"`
}

func (f *PostgresFlags) Validate() error {
	if f.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

type FirestoreFlags struct {
	ProjectID string `help:"Google Cloud project holding the Firestore database" env:"GOTENANT_FIRESTORE_PROJECT"`
}

func (f *FirestoreFlags) Validate() error {
	if f.ProjectID == "" {
		return errors.New("Firestore project is required (--firestore-project-id or GOTENANT_FIRESTORE_PROJECT)")
	}
	return nil
}

type RedisFlags struct {
	Addr          string        `help:"Redis address of the routing cache (empty disables it)" env:"GOTENANT_REDIS_ADDR"`
	Password      string        `help:"Redis password" env:"GOTENANT_REDIS_PASSWORD"`
	DB            int           `help:"Redis database" default:"0"`
	RoutingTTL    time.Duration `help:"TTL of cached tenants and mappings" default:"10m"`
	Subscriptions bool          `help:"apply billing events in Redis instead of the primary store" default:"false" env:"GOTENANT_REDIS_SUBSCRIPTIONS"`
}

type BreakerFlags struct {
	Threshold int           `help:"consecutive storage failures that open the circuit (0 disables it)" default:"5" env:"GOTENANT_BREAKER_THRESHOLD"`
	Reset     time.Duration `help:"how long the circuit stays open before probing the store again" default:"30s" env:"GOTENANT_BREAKER_RESET"`
}

// stores holds the backends selected by StoreFlags
type stores struct {
	tenants       tenancy.TenantRepository
	subscriptions billing.SubscriptionStore
	usage         usage.Store
	closers       []func() error
}

func (s *stores) Close(log zerolog.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Error().Err(err).Msg("Failed to close store")
		}
	}
}

func (s *stores) closeWith(fn func() error) {
	s.closers = append(s.closers, fn)
}

// storeSubscriptions reads subscriptions straight from the store for period anchoring
type storeSubscriptions struct {
	store billing.SubscriptionStore
}

func (s storeSubscriptions) Subscription(ctx context.Context, organizationID string) (*tenancy.Subscription, error) {
	return s.store.GetSubscriptionByOrganization(ctx, organizationID)
}

func openStores(ctx context.Context, flags StoreFlags, log zerolog.Logger, appLog tenancy.Logger, metrics tenancy.Metrics) (*stores, error) {
	s := &stores{}
	fail := func(err error) (*stores, error) {
		s.Close(log)
		return nil, err
	}

	switch flags.StoreType {
	case "postgres":
		pg, err := openPostgres(ctx, flags.Postgres, appLog)
		if err != nil {
			return nil, err
		}
		s.closeWith(func() error { pg.Close(); return nil })
		s.tenants, s.subscriptions, s.usage = pg, pg, pg
		log.Info().Msg("Using PostgreSQL store")

	case "firestore":
		if err := flags.Firestore.Validate(); err != nil {
			return nil, err
		}
		// Firestore holds tenants and subscriptions; usage events stay relational
		pg, err := openPostgres(ctx, flags.Postgres, appLog)
		if err != nil {
			return nil, fmt.Errorf("usage store: %w", err)
		}
		s.closeWith(func() error { pg.Close(); return nil })

		client, err := gcfirestore.NewClient(ctx, flags.Firestore.ProjectID)
		if err != nil {
			return fail(fmt.Errorf("failed to create firestore client: %w", err))
		}
		s.closeWith(client.Close)
		fs, err := fsstore.New(client, fsstore.Config{})
		if err != nil {
			return fail(err)
		}
		s.tenants, s.subscriptions, s.usage = fs, fs, pg
		log.Info().Str("project", flags.Firestore.ProjectID).Msg("Using Firestore store with PostgreSQL usage store")

	default:
		m := memory.New()
		s.tenants, s.subscriptions, s.usage = m, m, m
		log.Warn().Msg("Using in-memory store, data is lost on exit")
	}

	if flags.StoreType != "memory" && flags.Breaker.Threshold > 0 {
		s.tenants = breaker.New(s.tenants, breaker.Config{
			FailureThreshold: flags.Breaker.Threshold,
			ResetTimeout:     flags.Breaker.Reset,
			OnStateChange: func(state breaker.State) {
				log.Warn().Str("state", string(state)).Msg("Tenant store circuit breaker state changed")
			},
			Metrics: metrics,
		})
	}

	if flags.Redis.Addr == "" {
		return s, nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     flags.Redis.Addr,
		Password: flags.Redis.Password,
		DB:       flags.Redis.DB,
	})
	cfg := redisstore.DefaultConfig()
	cfg.RoutingTTL = flags.Redis.RoutingTTL
	rs, err := redisstore.New(client, cfg)
	if err != nil {
		return fail(err)
	}
	s.closeWith(rs.Close)
	if err := rs.Ping(ctx); err != nil {
		return fail(fmt.Errorf("failed to reach redis at %s: %w", flags.Redis.Addr, err))
	}

	hotCold, err := tiered.New(tiered.Config{
		Hot:          rs,
		Cold:         s.tenants,
		AsyncHotFill: true,
		AsyncErrorHandler: func(err error) {
			log.Warn().Err(err).Msg("Routing cache drift")
		},
		Metrics: metrics,
	})
	if err != nil {
		return fail(err)
	}
	s.closeWith(hotCold.Close)
	s.tenants = hotCold

	if flags.Redis.Subscriptions {
		s.subscriptions = rs
	}
	log.Info().
		Str("addr", flags.Redis.Addr).
		Bool("subscriptions", flags.Redis.Subscriptions).
		Msg("Using Redis routing cache")
	return s, nil
}

func openPostgres(ctx context.Context, flags PostgresFlags, appLog tenancy.Logger) (*pgstore.Storage, error) {
	if err := flags.Validate(); err != nil {
		return nil, err
	}
	cfg := pgstore.DefaultConfig()
	cfg.ConnectionString = flags.ConnString
	cfg.MaxConns = flags.MaxConns
	cfg.MinConns = flags.MinConns
	cfg.MaxConnLifetime = flags.MaxConnLifetime
	cfg.MaxConnIdleTime = flags.MaxConnIdleTime
	cfg.RunMigrations = flags.AutoMigrate
	cfg.DedupRetention = flags.DedupRetention
	cfg.CleanupEnabled = flags.DedupRetention > 0
	cfg.Logger = appLog

	pg, err := pgstore.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres store: %w", err)
	}
	return pg, nil
}
