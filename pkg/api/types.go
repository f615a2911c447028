package api

import (
	"time"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

// RecordRequest is the body of POST /usage. The organization comes from the
// request context, never from the body.
type RecordRequest struct {
	RunID            string  `json:"run_id"`
	StepID           *string `json:"step_id,omitempty"`
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	DurationMS       int64   `json:"duration_ms"`
	ResultSize       int64   `json:"result_size"`
}

// RecordResponse acknowledges a stored usage event
type RecordResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// LedgersResponse lists the ledgers overlapping the requested window
type LedgersResponse struct {
	OrganizationID string                 `json:"organization_id"`
	From           *time.Time             `json:"from,omitempty"`
	To             *time.Time             `json:"to,omitempty"`
	Ledgers        []*tenancy.UsageLedger `json:"ledgers"`
}

// SubscriptionResponse is the billing standing of an organization
type SubscriptionResponse struct {
	OrganizationID   string     `json:"organization_id"`
	Plan             string     `json:"plan"`
	Status           string     `json:"status"` // "active", "past_due", "canceled", "incomplete", "default"
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
}
