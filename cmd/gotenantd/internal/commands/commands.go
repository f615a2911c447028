package commands

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/gotenant/internal/logger"
	"github.com/mihaimyh/gotenant/pkg/tenancy"
	zerologadapter "github.com/mihaimyh/gotenant/pkg/tenancy/logger/zerolog"
)

type Globals struct {
	Debug   bool
	Version string
}

func (g *Globals) logger() (zerolog.Logger, *zerologadapter.Logger) {
	log := logger.Setup(g.Debug)
	return log, zerologadapter.NewLogger(log)
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}
}

// RoutingFlags configure host resolution
type RoutingFlags struct {
	BaseDomain    string        `help:"platform domain tenants get subdomains under" default:"emperor.gallery" env:"GOTENANT_BASE_DOMAIN"`
	ReservedWords []string      `help:"labels that can never be a tenant slug" default:"www,admin,api,app,static,assets,emperor" env:"GOTENANT_RESERVED_WORDS"`
	LookupTimeout time.Duration `help:"timeout of each storage lookup during host resolution" default:"2s" env:"GOTENANT_LOOKUP_TIMEOUT"`
}

func (f RoutingFlags) config() (tenancy.RoutingConfig, error) {
	return tenancy.NewRoutingConfig(tenancy.RoutingOptions{
		BaseDomain:    f.BaseDomain,
		ReservedWords: f.ReservedWords,
		LookupTimeout: f.LookupTimeout,
	})
}

// StripeFlags configure the Stripe integration
type StripeFlags struct {
	WebhookSecret string            `help:"Stripe webhook signing secret" env:"STRIPE_WEBHOOK_SECRET"`
	APIKey        string            `help:"Stripe secret API key" env:"STRIPE_API_KEY"`
	PlanMapping   map[string]string `help:"Stripe price id to plan (free, pro or team)" env:"GOTENANT_STRIPE_PLAN_MAPPING"`
	Tolerance     time.Duration     `help:"accepted webhook timestamp skew" default:"5m" env:"GOTENANT_STRIPE_TOLERANCE"`
}
