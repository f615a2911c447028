package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gotenant/internal/logger"
	hostmw "github.com/mihaimyh/gotenant/middleware/http"
	"github.com/mihaimyh/gotenant/pkg/api"
	"github.com/mihaimyh/gotenant/pkg/billing"
	billingprom "github.com/mihaimyh/gotenant/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/gotenant/pkg/billing/stripe"
	"github.com/mihaimyh/gotenant/pkg/tenancy"
	tenancyprom "github.com/mihaimyh/gotenant/pkg/tenancy/metrics/prometheus"
	"github.com/mihaimyh/gotenant/pkg/usage"
	usageprom "github.com/mihaimyh/gotenant/pkg/usage/metrics/prometheus"
)

const (
	metricsNamespace = "gotenant"
	webhookPath      = "/webhooks/stripe"
)

type ServeCmd struct {
	Listen         string        `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"GOTENANT_LISTEN"`
	ForwardedHost  string        `help:"header carrying the original host when behind a proxy (e.g. X-Forwarded-Host)" default:"" env:"GOTENANT_FORWARDED_HOST_HEADER"`
	StorageTimeout time.Duration `help:"timeout of each storage call" default:"5s" env:"GOTENANT_STORAGE_TIMEOUT"`

	WebhookRateLimit  int           `help:"webhook requests per client IP per window (0 disables)" default:"100" env:"GOTENANT_WEBHOOK_RATE_LIMIT"`
	WebhookRateWindow time.Duration `help:"webhook rate limit window" default:"1m"`

	Routing RoutingFlags `embed:""`
	Stripe  StripeFlags  `embed:"" prefix:"stripe-"`
	Store   StoreFlags   `embed:""`
}

func (c *ServeCmd) Run(globals *Globals) error {
	log, appLog := globals.logger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	routing, err := c.Routing.config()
	if err != nil {
		return fmt.Errorf("invalid routing configuration: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	routingMetrics := tenancyprom.NewMetrics(reg, metricsNamespace)
	billingMetrics := billingprom.NewMetrics(reg, metricsNamespace)
	usageMetrics := usageprom.NewMetrics(reg, metricsNamespace)

	st, err := openStores(ctx, c.Store, log, appLog, routingMetrics)
	if err != nil {
		return err
	}
	defer st.Close(log)

	resolver, err := tenancy.NewResolver(tenancy.ResolverConfig{
		Routing:  routing,
		Mappings: st.tenants,
		Tenants:  st.tenants,
		Logger:   appLog.With("routing"),
		Metrics:  routingMetrics,
	})
	if err != nil {
		return err
	}

	verifier, err := stripe.NewVerifier(stripe.Config{
		WebhookSecret: c.Stripe.WebhookSecret,
		PlanMapping:   c.Stripe.PlanMapping,
		Tolerance:     c.Stripe.Tolerance,
		Logger:        appLog.With("stripe"),
		Metrics:       billingMetrics,
	})
	if err != nil {
		return err
	}
	processor, err := billing.NewProcessor(billing.Config{
		Verifier:       verifier,
		Store:          st.subscriptions,
		StorageTimeout: c.StorageTimeout,
		OnChange:       logChange(log),
		Logger:         appLog.With("billing"),
		Metrics:        billingMetrics,
	})
	if err != nil {
		return err
	}

	recorder, err := usage.NewRecorder(usage.RecorderConfig{
		Store:          st.usage,
		StorageTimeout: c.StorageTimeout,
		Logger:         appLog.With("usage"),
		Metrics:        usageMetrics,
	})
	if err != nil {
		return err
	}
	usageAPI, err := api.NewHandler(api.Config{
		Recorder:          recorder,
		Ledgers:           usage.NewLedgers(st.usage, c.StorageTimeout),
		Subscriptions:     processor,
		GetOrganizationID: api.FromTenantContext(st.tenants),
		Logger:            appLog.With("api"),
	})
	if err != nil {
		return err
	}

	hostCfg := hostmw.Config{Resolver: resolver}
	if c.ForwardedHost != "" {
		hostCfg.GetHost = hostmw.FromHeader(c.ForwardedHost)
	}

	webhookCfg := billing.DefaultHandlerConfig()
	webhookCfg.RateLimit = c.WebhookRateLimit
	webhookCfg.RateWindow = c.WebhookRateWindow

	router := newRouter(routerConfig{
		Log:      log,
		Host:     hostCfg,
		Webhook:  billing.NewHandler(processor, webhookCfg, appLog.With("webhook")),
		API:      usageAPI,
		Gatherer: reg,
	})

	srv := configureHTTPServer(c.Listen, router)
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Str("base_domain", routing.BaseDomain()).Msg("Listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

type routerConfig struct {
	Log      zerolog.Logger
	Host     hostmw.Config
	Webhook  http.Handler
	API      *api.Handler
	Gatherer prometheus.Gatherer
}

// newRouter mounts the operational endpoints and the webhook outside host
// resolution and everything under /v1 behind it
func newRouter(cfg routerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logger.Requests(cfg.Log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	r.Method(http.MethodPost, webhookPath, cfg.Webhook)

	r.Route("/v1", func(r chi.Router) {
		r.Use(hostmw.Middleware(cfg.Host))
		r.Post("/usage", cfg.API.RecordUsage)
		r.Get("/ledgers", cfg.API.GetLedgers)
		r.Get("/subscription", cfg.API.GetSubscription)
	})
	return r
}

func logChange(log zerolog.Logger) billing.ChangeCallback {
	return func(_ context.Context, change billing.SubscriptionChange) error {
		event := log.Info().
			Str("organization_id", change.OrganizationID).
			Str("event_id", change.EventID).
			Str("event_type", change.EventType).
			Str("plan", change.Current.Plan.String()).
			Str("status", change.Current.Status.String())
		if change.Previous != nil {
			event = event.
				Str("previous_plan", change.Previous.Plan.String()).
				Str("previous_status", change.Previous.Status.String())
		}
		event.Bool("stale_period_end", change.StalePeriodEnd).Msg("Subscription changed")
		return nil
	}
}
