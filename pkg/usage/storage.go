package usage

import (
	"context"
	"time"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

// EventStore durably appends usage events
type EventStore interface {
	AppendUsageEvent(ctx context.Context, ev *tenancy.UsageEvent) error
}

// LedgerReader reads ledger rows for dashboards and billing alerts
type LedgerReader interface {
	// ListLedgers returns the organization's ledgers whose period overlaps
	// [from, to), ordered by period start. A zero bound is open.
	ListLedgers(ctx context.Context, organizationID string, from, to time.Time) ([]*tenancy.UsageLedger, error)
}

// Store is everything the aggregator needs from storage
type Store interface {
	EventStore
	LedgerReader

	// ListUsageOrganizations returns every organization with at least one usage event
	ListUsageOrganizations(ctx context.Context) ([]string, error)

	// FirstEventAt returns the creation time of the earliest event at or after
	// from, or ErrNoEvents
	FirstEventAt(ctx context.Context, organizationID string, from time.Time) (time.Time, error)

	// SummarizeUsage groups the events created in [period.Start, period.End) by provider and model
	SummarizeUsage(ctx context.Context, organizationID string, period tenancy.Period) (*Summary, error)

	// UpsertLedger writes l keyed on (organization, period start). An existing
	// row keeps its ID and CreatedAt and has its aggregates overwritten.
	UpsertLedger(ctx context.Context, l *tenancy.UsageLedger) (*tenancy.UsageLedger, error)
}

// ModelUsage is the usage of one (provider, model) pair within a period
type ModelUsage struct {
	Provider         string
	Model            string
	Events           int64
	PromptTokens     int64
	CompletionTokens int64
}

// Summary is the raw aggregate of a period's events
type Summary struct {
	// Runs is the number of distinct run ids
	Runs    int64
	ByModel []ModelUsage
}

// Tokens returns the prompt and completion totals over all models
func (s *Summary) Tokens() (prompt, completion int64) {
	for _, m := range s.ByModel {
		prompt += m.PromptTokens
		completion += m.CompletionTokens
	}
	return prompt, completion
}

// Empty reports whether the summary covers no events
func (s *Summary) Empty() bool {
	for _, m := range s.ByModel {
		if m.Events > 0 {
			return false
		}
	}
	return true
}
