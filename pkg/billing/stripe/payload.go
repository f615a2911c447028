package stripe

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

// Metadata keys written on checkout sessions and subscriptions
const (
	MetadataOrganizationID     = "organization_id"
	MetadataPlan               = "plan"
	MetadataBillingAdminUserID = "billing_admin_user_id"
)

// expandableID decodes a Stripe reference that is either an id string or an expanded object
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

// subscriptionObject is the subset of a Stripe subscription this package reads
type subscriptionObject struct {
	ID       string            `json:"id"`
	Customer expandableID      `json:"customer"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`

	// Present on API versions before current_period_end moved to items
	CurrentPeriodEnd int64 `json:"current_period_end"`

	Items struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (s *subscriptionObject) periodEnd() time.Time {
	end := s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	return unixOrZero(end)
}

func (s *subscriptionObject) priceIDs() []string {
	ids := make([]string, 0, len(s.Items.Data))
	for _, item := range s.Items.Data {
		if item.Price.ID != "" {
			ids = append(ids, item.Price.ID)
		}
	}
	return ids
}

// invoiceObject is the subset of a Stripe invoice this package reads
type invoiceObject struct {
	ID           string       `json:"id"`
	Customer     expandableID `json:"customer"`
	Subscription expandableID `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription expandableID      `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (i *invoiceObject) subscriptionRef() string {
	if ref := string(i.Parent.SubscriptionDetails.Subscription); ref != "" {
		return ref
	}
	return string(i.Subscription)
}

func (i *invoiceObject) periodEnd() time.Time {
	var end int64
	for _, line := range i.Lines.Data {
		if line.Period.End > end {
			end = line.Period.End
		}
	}
	return unixOrZero(end)
}

// checkoutSessionObject is the subset of a Stripe checkout session this package reads
type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          expandableID      `json:"customer"`
	Subscription      expandableID      `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

func (c *checkoutSessionObject) organizationID() string {
	if org := strings.TrimSpace(c.Metadata[MetadataOrganizationID]); org != "" {
		return org
	}
	return strings.TrimSpace(c.ClientReferenceID)
}

// mapStatus folds Stripe's subscription statuses onto the four stored states
func mapStatus(s string) tenancy.SubscriptionStatus {
	switch s {
	case "active", "trialing":
		return tenancy.SubscriptionActive
	case "past_due", "unpaid", "paused":
		return tenancy.SubscriptionPastDue
	case "canceled", "incomplete_expired":
		return tenancy.SubscriptionCanceled
	case "incomplete":
		return tenancy.SubscriptionIncomplete
	default:
		var unknown tenancy.SubscriptionStatus
		return unknown
	}
}

func unixOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
