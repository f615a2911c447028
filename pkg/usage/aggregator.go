package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

const (
	defaultConcurrency = 4
	costPlaces         = 6
)

// AggregatorConfig holds the collaborators of an Aggregator
type AggregatorConfig struct {
	// Store reads events and writes ledgers (required)
	Store Store

	// Rates prices token usage (required)
	Rates *RateTable

	// Policy decides period boundaries (default: CalendarMonth)
	Policy PeriodPolicy

	// Concurrency is the number of organizations aggregated in parallel (default: 4)
	Concurrency int

	// StorageTimeout bounds every storage call (default: 5s)
	StorageTimeout time.Duration

	// Logger is used for structured logging (default: NoopLogger)
	Logger tenancy.Logger

	// Metrics is an optional metrics collector (default: NoopMetrics)
	Metrics Metrics

	// Now returns the current time; Reconcile uses it to tell open periods apart (default: time.Now in UTC)
	Now func() time.Time
}

// RunReport summarizes one aggregation pass
type RunReport struct {
	// Organizations is the number of organizations examined
	Organizations int

	// LedgersWritten is the number of ledger rows upserted
	LedgersWritten int

	// Failures maps organization id to the error that stopped its aggregation
	Failures map[string]error
}

// Err joins every per-organization failure, or returns nil
func (r *RunReport) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.Failures))
	for id := range r.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	errs := make([]error, 0, len(ids))
	for _, id := range ids {
		errs = append(errs, fmt.Errorf("organization %s: %w", id, r.Failures[id]))
	}
	return errors.Join(errs...)
}

// Aggregator rolls usage events up into one ledger row per closed period
type Aggregator struct {
	store       Store
	rates       *RateTable
	policy      PeriodPolicy
	concurrency int
	timeout     time.Duration
	logger      tenancy.Logger
	metrics     Metrics
	now         func() time.Time
}

// NewAggregator creates an Aggregator
func NewAggregator(config AggregatorConfig) (*Aggregator, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("usage store is required")
	}
	if config.Rates == nil {
		return nil, fmt.Errorf("rate table is required")
	}
	if config.Policy == nil {
		config.Policy = CalendarMonth{}
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaultConcurrency
	}
	if config.StorageTimeout <= 0 {
		config.StorageTimeout = defaultStorageTimeout
	}
	if config.Logger == nil {
		config.Logger = &tenancy.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Aggregator{
		store:       config.Store,
		rates:       config.Rates,
		policy:      config.Policy,
		concurrency: config.Concurrency,
		timeout:     config.StorageTimeout,
		logger:      config.Logger,
		metrics:     config.Metrics,
		now:         config.Now,
	}, nil
}

// Run aggregates every organization with usage newer than its latest final ledger.
//
// Only closed periods (End <= now) are written, and each is marked final. A failing organization is
// recorded in the report and does not stop the others. The returned error is
// non-nil only when the organization list itself cannot be read.
func (a *Aggregator) Run(ctx context.Context, now time.Time) (*RunReport, error) {
	start := time.Now()

	orgs, err := tenancy.CallWithTimeout(ctx, a.timeout, func(ctx context.Context) ([]string, error) {
		return a.store.ListUsageOrganizations(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("list usage organizations: %w", err)
	}

	report := &RunReport{Organizations: len(orgs), Failures: make(map[string]error)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, org := range orgs {
		g.Go(func() error {
			written, err := a.aggregateOrganization(gctx, org, now)
			mu.Lock()
			defer mu.Unlock()
			report.LedgersWritten += written
			if err != nil {
				report.Failures[org] = err
				a.metrics.RecordOrganizationFailure()
				a.logger.Error("usage aggregation failed",
					tenancy.F("organization_id", org), tenancy.F("error", err))
			}
			// Failures stay isolated per organization
			return nil
		})
	}
	_ = g.Wait()

	status := "success"
	if len(report.Failures) > 0 {
		status = "partial"
	}
	a.metrics.RecordAggregationRun(status, time.Since(start))
	a.logger.Info("usage aggregation finished",
		tenancy.F("organizations", report.Organizations),
		tenancy.F("ledgers_written", report.LedgersWritten),
		tenancy.F("failures", len(report.Failures)))
	return report, nil
}

func (a *Aggregator) aggregateOrganization(ctx context.Context, org string, now time.Time) (int, error) {
	ledgers, err := tenancy.CallWithTimeout(ctx, a.timeout, func(ctx context.Context) ([]*tenancy.UsageLedger, error) {
		return a.store.ListLedgers(ctx, org, time.Time{}, time.Time{})
	})
	if err != nil {
		return 0, fmt.Errorf("list ledgers: %w", err)
	}

	written := 0
	// Rows written before their period closed (by Reconcile) are recomputed once it has
	for i, l := range ledgers {
		if l.Final || l.PeriodEnd.After(now) {
			continue
		}
		stored, err := a.writeLedger(ctx, org, l.Period(), true)
		if err != nil {
			return written, err
		}
		ledgers[i] = stored
		written++
	}

	var cursor time.Time
	for _, l := range ledgers {
		if l.Final && l.PeriodEnd.After(cursor) {
			cursor = l.PeriodEnd
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		first, err := tenancy.CallWithTimeout(ctx, a.timeout, func(ctx context.Context) (time.Time, error) {
			return a.store.FirstEventAt(ctx, org, cursor)
		})
		if errors.Is(err, ErrNoEvents) {
			return written, nil
		}
		if err != nil {
			return written, fmt.Errorf("next usage event: %w", err)
		}

		policy, err := a.policy.PeriodContaining(ctx, org, first)
		if err != nil {
			return written, err
		}
		period := ledgerPeriod(policy, first, ledgers)
		if period.End.After(now) {
			return written, nil
		}

		stored, err := a.writeLedger(ctx, org, period, true)
		if err != nil {
			return written, err
		}
		ledgers = append(ledgers, stored)
		written++
		cursor = period.End
	}
}

// Reconcile recomputes the period containing at and overwrites its ledger row.
// An existing ledger containing at is recomputed with its own bounds; otherwise
// the policy period is trimmed so it overlaps no other ledger. Periods that are
// still open are written too and recomputed by Run once they close.
func (a *Aggregator) Reconcile(ctx context.Context, organizationID string, at time.Time) (*tenancy.UsageLedger, error) {
	policy, err := a.policy.PeriodContaining(ctx, organizationID, at)
	if err != nil {
		return nil, err
	}
	ledgers, err := tenancy.CallWithTimeout(ctx, a.timeout, func(ctx context.Context) ([]*tenancy.UsageLedger, error) {
		return a.store.ListLedgers(ctx, organizationID, policy.Start, policy.End)
	})
	if err != nil {
		return nil, fmt.Errorf("list ledgers: %w", err)
	}
	period := ledgerPeriod(policy, at, ledgers)
	return a.writeLedger(ctx, organizationID, period, !period.End.After(a.now()))
}

// ledgerPeriod returns the period a ledger for at covers: the bounds of the
// existing ledger containing at, or the policy period trimmed to its neighbours.
func ledgerPeriod(policy tenancy.Period, at time.Time, ledgers []*tenancy.UsageLedger) tenancy.Period {
	for _, l := range ledgers {
		if l.Period().Contains(at) {
			return l.Period()
		}
	}
	p := policy
	for _, l := range ledgers {
		if !l.PeriodEnd.After(at) && l.PeriodEnd.After(p.Start) {
			p.Start = l.PeriodEnd
		}
		if l.PeriodStart.After(at) && l.PeriodStart.Before(p.End) {
			p.End = l.PeriodStart
		}
	}
	return p
}

func (a *Aggregator) writeLedger(ctx context.Context, org string, period tenancy.Period, final bool) (*tenancy.UsageLedger, error) {
	summary, err := tenancy.CallWithTimeout(ctx, a.timeout, func(ctx context.Context) (*Summary, error) {
		return a.store.SummarizeUsage(ctx, org, period)
	})
	if err != nil {
		return nil, fmt.Errorf("summarize %s..%s: %w", period.Start.Format(time.RFC3339), period.End.Format(time.RFC3339), err)
	}

	prompt, completion := summary.Tokens()
	ledger := &tenancy.UsageLedger{
		ID:               uuid.NewString(),
		OrganizationID:   org,
		PeriodStart:      period.Start,
		PeriodEnd:        period.End,
		Runs:             summary.Runs,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		EstimatedCost:    a.estimateCost(org, summary),
		Final:            final,
	}

	stored, err := tenancy.CallWithTimeout(ctx, a.timeout, func(ctx context.Context) (*tenancy.UsageLedger, error) {
		return a.store.UpsertLedger(ctx, ledger)
	})
	if err != nil {
		return nil, fmt.Errorf("upsert ledger: %w", err)
	}
	a.metrics.RecordLedgerWrite(org)
	a.logger.Debug("usage ledger written",
		tenancy.F("organization_id", org),
		tenancy.F("period_start", period.Start),
		tenancy.F("runs", stored.Runs),
		tenancy.F("final", final),
		tenancy.F("estimated_cost", stored.EstimatedCost.String()))
	return stored, nil
}

func (a *Aggregator) estimateCost(org string, s *Summary) decimal.Decimal {
	total := decimal.Zero
	for _, m := range s.ByModel {
		cost, ok := a.rates.Cost(m.Provider, m.Model, m.PromptTokens, m.CompletionTokens)
		if !ok {
			a.metrics.RecordUnpricedUsage(m.Provider, m.Model)
			a.logger.Warn("no rate for usage; costed at zero",
				tenancy.F("organization_id", org), tenancy.F("provider", m.Provider), tenancy.F("model", m.Model))
			continue
		}
		total = total.Add(cost)
	}
	return total.Round(costPlaces)
}
