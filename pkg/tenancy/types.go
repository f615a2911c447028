package tenancy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MappingKind tells how a DomainMapping hostname relates to the platform
type MappingKind uint8

const (
	mappingKindUnknown MappingKind = iota
	// KindSubdomain is a <slug>.<base-domain> hostname
	KindSubdomain
	// KindCustom is a customer-owned hostname
	KindCustom
)

var mappingKindNames = map[MappingKind]string{
	KindSubdomain: "subdomain",
	KindCustom:    "custom",
}

// ParseMappingKind parses the canonical name of a MappingKind
func ParseMappingKind(s string) (MappingKind, error) {
	for k, name := range mappingKindNames {
		if name == s {
			return k, nil
		}
	}
	return mappingKindUnknown, fmt.Errorf("%w: mapping kind %q", ErrUnknownVariant, s)
}

func (k MappingKind) String() string { return variantName(mappingKindNames, k) }

// MarshalText implements encoding.TextMarshaler
func (k MappingKind) MarshalText() ([]byte, error) { return marshalVariant(mappingKindNames, k) }

// UnmarshalText implements encoding.TextUnmarshaler
func (k *MappingKind) UnmarshalText(b []byte) error {
	v, err := ParseMappingKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// MappingStatus is the verification lifecycle of a DomainMapping
type MappingStatus uint8

const (
	mappingStatusUnknown MappingStatus = iota
	StatusPending
	StatusVerified
	StatusActive
	StatusError
)

var mappingStatusNames = map[MappingStatus]string{
	StatusPending:  "pending",
	StatusVerified: "verified",
	StatusActive:   "active",
	StatusError:    "error",
}

// ParseMappingStatus parses the canonical name of a MappingStatus
func ParseMappingStatus(s string) (MappingStatus, error) {
	for k, name := range mappingStatusNames {
		if name == s {
			return k, nil
		}
	}
	return mappingStatusUnknown, fmt.Errorf("%w: mapping status %q", ErrUnknownVariant, s)
}

func (s MappingStatus) String() string { return variantName(mappingStatusNames, s) }

// MarshalText implements encoding.TextMarshaler
func (s MappingStatus) MarshalText() ([]byte, error) { return marshalVariant(mappingStatusNames, s) }

// UnmarshalText implements encoding.TextUnmarshaler
func (s *MappingStatus) UnmarshalText(b []byte) error {
	v, err := ParseMappingStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Plan is the billing plan of an organization
type Plan uint8

const (
	planUnknown Plan = iota
	PlanFree
	PlanPro
	PlanTeam
)

var planNames = map[Plan]string{
	PlanFree: "free",
	PlanPro:  "pro",
	PlanTeam: "team",
}

// ParsePlan parses the canonical name of a Plan
func ParsePlan(s string) (Plan, error) {
	for k, name := range planNames {
		if name == s {
			return k, nil
		}
	}
	return planUnknown, fmt.Errorf("%w: plan %q", ErrUnknownVariant, s)
}

func (p Plan) String() string { return variantName(planNames, p) }

// MarshalText implements encoding.TextMarshaler
func (p Plan) MarshalText() ([]byte, error) { return marshalVariant(planNames, p) }

// UnmarshalText implements encoding.TextUnmarshaler
func (p *Plan) UnmarshalText(b []byte) error {
	v, err := ParsePlan(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// SubscriptionStatus is the provider-synchronized status of a Subscription
type SubscriptionStatus uint8

const (
	subscriptionStatusUnknown SubscriptionStatus = iota
	SubscriptionActive
	SubscriptionPastDue
	SubscriptionCanceled
	SubscriptionIncomplete
)

var subscriptionStatusNames = map[SubscriptionStatus]string{
	SubscriptionActive:     "active",
	SubscriptionPastDue:    "past_due",
	SubscriptionCanceled:   "canceled",
	SubscriptionIncomplete: "incomplete",
}

// ParseSubscriptionStatus parses the canonical name of a SubscriptionStatus
func ParseSubscriptionStatus(s string) (SubscriptionStatus, error) {
	for k, name := range subscriptionStatusNames {
		if name == s {
			return k, nil
		}
	}
	return subscriptionStatusUnknown, fmt.Errorf("%w: subscription status %q", ErrUnknownVariant, s)
}

func (s SubscriptionStatus) String() string { return variantName(subscriptionStatusNames, s) }

// MarshalText implements encoding.TextMarshaler
func (s SubscriptionStatus) MarshalText() ([]byte, error) {
	return marshalVariant(subscriptionStatusNames, s)
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *SubscriptionStatus) UnmarshalText(b []byte) error {
	v, err := ParseSubscriptionStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func variantName[K comparable](names map[K]string, k K) string {
	if name, ok := names[k]; ok {
		return name
	}
	return "unknown"
}

func marshalVariant[K comparable](names map[K]string, k K) ([]byte, error) {
	name, ok := names[k]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownVariant, k)
	}
	return []byte(name), nil
}

// Tenant is a routable unit owned by exactly one organization
type Tenant struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Slug           string    `json:"slug"`
	CreatedAt      time.Time `json:"created_at"`
}

// DomainMapping binds one exact hostname to one tenant
type DomainMapping struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"tenant_id"`
	Hostname  string        `json:"hostname"`
	Kind      MappingKind   `json:"kind"`
	Status    MappingStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Routable reports whether the mapping may be used to resolve requests
func (m *DomainMapping) Routable() bool {
	return m != nil && m.Status == StatusActive
}

// Subscription is the billing state of one organization.
// Organizations without a row are implicitly on PlanFree.
type Subscription struct {
	ID                 string             `json:"id"`
	OrganizationID     string             `json:"organization_id"`
	CustomerRef        string             `json:"customer_ref"`
	SubscriptionRef    string             `json:"subscription_ref"`
	Plan               Plan               `json:"plan"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	BillingAdminUserID *string            `json:"billing_admin_user_id,omitempty"`
	LastEventID        string             `json:"last_event_id,omitempty"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Clone returns a deep copy of the subscription
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.BillingAdminUserID != nil {
		admin := *s.BillingAdminUserID
		c.BillingAdminUserID = &admin
	}
	return &c
}

// UsageEvent is one immutable record of consumption for a run or step
type UsageEvent struct {
	ID               string        `json:"id"`
	OrganizationID   string        `json:"organization_id"`
	RunID            string        `json:"run_id"`
	StepID           *string       `json:"step_id,omitempty"`
	Provider         string        `json:"provider"`
	Model            string        `json:"model"`
	PromptTokens     int64         `json:"prompt_tokens"`
	CompletionTokens int64         `json:"completion_tokens"`
	Duration         time.Duration `json:"duration"`
	ResultSize       int64         `json:"result_size"`
	CreatedAt        time.Time     `json:"created_at"`
}

// Period is a half-open [Start, End) interval
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the period
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// UsageLedger aggregates the usage of one organization over one period.
// Final is set when the row was computed after its period closed.
type UsageLedger struct {
	ID               string          `json:"id"`
	OrganizationID   string          `json:"organization_id"`
	PeriodStart      time.Time       `json:"period_start"`
	PeriodEnd        time.Time       `json:"period_end"`
	Runs             int64           `json:"runs"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	EstimatedCost    decimal.Decimal `json:"estimated_cost"`
	Final            bool            `json:"final"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Period returns the ledger's billing period
func (l *UsageLedger) Period() Period {
	return Period{Start: l.PeriodStart, End: l.PeriodEnd}
}
