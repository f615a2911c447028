package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

const defaultStorageTimeout = 5 * time.Second

// RecordInput is one completed run or step, as reported by the runner
type RecordInput struct {
	OrganizationID   string        `json:"organization_id"`
	RunID            string        `json:"run_id"`
	StepID           *string       `json:"step_id,omitempty"`
	Provider         string        `json:"provider"`
	Model            string        `json:"model"`
	PromptTokens     int64         `json:"prompt_tokens"`
	CompletionTokens int64         `json:"completion_tokens"`
	Duration         time.Duration `json:"duration"`
	ResultSize       int64         `json:"result_size"`
}

// Validate checks required fields and non-negative counters
func (in RecordInput) Validate() error {
	switch {
	case strings.TrimSpace(in.OrganizationID) == "":
		return fmt.Errorf("%w: organization id is required", ErrInvalidUsage)
	case strings.TrimSpace(in.RunID) == "":
		return fmt.Errorf("%w: run id is required", ErrInvalidUsage)
	case strings.TrimSpace(in.Provider) == "" || strings.TrimSpace(in.Model) == "":
		return fmt.Errorf("%w: provider and model are required", ErrInvalidUsage)
	case in.PromptTokens < 0 || in.CompletionTokens < 0:
		return fmt.Errorf("%w: token counts must not be negative", ErrInvalidUsage)
	case in.Duration < 0 || in.ResultSize < 0:
		return fmt.Errorf("%w: duration and result size must not be negative", ErrInvalidUsage)
	}
	return nil
}

// RecorderConfig holds the collaborators of a Recorder
type RecorderConfig struct {
	// Store persists events (required)
	Store EventStore

	// StorageTimeout bounds each append (default: 5s)
	StorageTimeout time.Duration

	// Logger is used for structured logging (default: NoopLogger)
	Logger tenancy.Logger

	// Metrics is an optional metrics collector (default: NoopMetrics)
	Metrics Metrics

	// Now returns the current time (default: time.Now in UTC)
	Now func() time.Time
}

// Recorder appends immutable usage events
type Recorder struct {
	store   EventStore
	timeout time.Duration
	logger  tenancy.Logger
	metrics Metrics
	now     func() time.Time
}

// NewRecorder creates a Recorder
func NewRecorder(config RecorderConfig) (*Recorder, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("usage event store is required")
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
	return &Recorder{
		store:   config.Store,
		timeout: config.StorageTimeout,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     config.Now,
	}, nil
}

// Record validates and durably stores one usage event
func (r *Recorder) Record(ctx context.Context, in RecordInput) (*tenancy.UsageEvent, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	ev := &tenancy.UsageEvent{
		ID:               uuid.NewString(),
		OrganizationID:   strings.TrimSpace(in.OrganizationID),
		RunID:            in.RunID,
		StepID:           in.StepID,
		Provider:         in.Provider,
		Model:            in.Model,
		PromptTokens:     in.PromptTokens,
		CompletionTokens: in.CompletionTokens,
		Duration:         in.Duration,
		ResultSize:       in.ResultSize,
		CreatedAt:        r.now(),
	}
	if _, err := tenancy.CallWithTimeout(ctx, r.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.store.AppendUsageEvent(ctx, ev)
	}); err != nil {
		r.logger.Error("usage event not stored",
			tenancy.F("organization_id", ev.OrganizationID), tenancy.F("run_id", ev.RunID), tenancy.F("error", err))
		return nil, err
	}

	r.metrics.RecordUsageEvent(ev.Provider, ev.Model, ev.PromptTokens, ev.CompletionTokens)
	return ev, nil
}
