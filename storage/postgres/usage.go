package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
	"github.com/mihaimyh/gotenant/pkg/usage"
)

const ledgerColumns = `id, organization_id, period_start, period_end, runs, prompt_tokens,
	completion_tokens, estimated_cost::text, final, created_at, updated_at`

// AppendUsageEvent implements usage.EventStore
func (s *Storage) AppendUsageEvent(ctx context.Context, ev *tenancy.UsageEvent) error {
	if ev == nil || ev.OrganizationID == "" {
		return fmt.Errorf("invalid usage event")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_events (
				id, organization_id, run_id, step_id, provider, model,
				prompt_tokens, completion_tokens, duration_ms, result_size, created_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.ID, ev.OrganizationID, ev.RunID, ev.StepID, ev.Provider, ev.Model,
		ev.PromptTokens, ev.CompletionTokens, ev.Duration.Milliseconds(), ev.ResultSize, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append usage event: %w", mapError(err))
	}
	return nil
}

// ListUsageOrganizations implements usage.Store
func (s *Storage) ListUsageOrganizations(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT organization_id FROM usage_events ORDER BY organization_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage organizations: %w", mapError(err))
	}
	orgs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list usage organizations: %w", mapError(err))
	}
	return orgs, nil
}

// FirstEventAt implements usage.Store
func (s *Storage) FirstEventAt(ctx context.Context, organizationID string, from time.Time) (time.Time, error) {
	var first *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MIN(created_at) FROM usage_events WHERE organization_id = $1 AND created_at >= $2`,
		organizationID, from).Scan(&first)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to find first event: %w", mapError(err))
	}
	if first == nil {
		return time.Time{}, usage.ErrNoEvents
	}
	return first.UTC(), nil
}

// SummarizeUsage implements usage.Store
func (s *Storage) SummarizeUsage(ctx context.Context, organizationID string, period tenancy.Period) (*usage.Summary, error) {
	sum := &usage.Summary{}
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT run_id) FROM usage_events
			WHERE organization_id = $1 AND created_at >= $2 AND created_at < $3`,
		organizationID, period.Start, period.End).Scan(&sum.Runs)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", mapError(err))
	}

	rows, err := s.pool.Query(ctx,
		`SELECT provider, model, COUNT(*),
				COALESCE(SUM(prompt_tokens), 0)::BIGINT,
				COALESCE(SUM(completion_tokens), 0)::BIGINT
			FROM usage_events
			WHERE organization_id = $1 AND created_at >= $2 AND created_at < $3
			GROUP BY provider, model
			ORDER BY provider, model`,
		organizationID, period.Start, period.End)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", mapError(err))
	}
	defer rows.Close()

	for rows.Next() {
		var m usage.ModelUsage
		if err := rows.Scan(&m.Provider, &m.Model, &m.Events, &m.PromptTokens, &m.CompletionTokens); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		sum.ByModel = append(sum.ByModel, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", mapError(err))
	}
	return sum, nil
}

// UpsertLedger implements usage.Store
func (s *Storage) UpsertLedger(ctx context.Context, l *tenancy.UsageLedger) (*tenancy.UsageLedger, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO usage_ledgers (
				id, organization_id, period_start, period_end, runs, prompt_tokens,
				completion_tokens, estimated_cost, final, created_at, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9, NOW(), NOW())
			ON CONFLICT (organization_id, period_start)
			DO UPDATE SET
				period_end = EXCLUDED.period_end,
				runs = EXCLUDED.runs,
				prompt_tokens = EXCLUDED.prompt_tokens,
				completion_tokens = EXCLUDED.completion_tokens,
				estimated_cost = EXCLUDED.estimated_cost,
				final = EXCLUDED.final,
				updated_at = NOW()
			RETURNING `+ledgerColumns,
		l.ID, l.OrganizationID, l.PeriodStart, l.PeriodEnd, l.Runs, l.PromptTokens,
		l.CompletionTokens, l.EstimatedCost.String(), l.Final)
	out, err := scanLedger(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert ledger: %w", mapError(err))
	}
	return out, nil
}

// ListLedgers implements usage.LedgerReader
func (s *Storage) ListLedgers(ctx context.Context, organizationID string, from, to time.Time) ([]*tenancy.UsageLedger, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM usage_ledgers
			WHERE organization_id = $1
				AND ($2::TIMESTAMPTZ IS NULL OR period_end > $2)
				AND ($3::TIMESTAMPTZ IS NULL OR period_start < $3)
			ORDER BY period_start`,
		organizationID, nullTime(from), nullTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list ledgers: %w", mapError(err))
	}
	defer rows.Close()

	var out []*tenancy.UsageLedger
	for rows.Next() {
		l, err := scanLedger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list ledgers: %w", mapError(err))
	}
	return out, nil
}

func scanLedger(row pgx.Row) (*tenancy.UsageLedger, error) {
	var (
		l    tenancy.UsageLedger
		cost string
	)
	err := row.Scan(&l.ID, &l.OrganizationID, &l.PeriodStart, &l.PeriodEnd, &l.Runs,
		&l.PromptTokens, &l.CompletionTokens, &cost, &l.Final, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if l.EstimatedCost, err = decimal.NewFromString(cost); err != nil {
		return nil, fmt.Errorf("invalid estimated cost %q: %w", cost, err)
	}
	l.PeriodStart = l.PeriodStart.UTC()
	l.PeriodEnd = l.PeriodEnd.UTC()
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}
