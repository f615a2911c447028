package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/gotenant/pkg/billing"
	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

// PeriodPolicy decides the billing period boundaries of an organization
type PeriodPolicy interface {
	// PeriodContaining returns the period that contains at
	PeriodContaining(ctx context.Context, organizationID string, at time.Time) (tenancy.Period, error)
}

// CalendarMonth bills by calendar month in UTC
type CalendarMonth struct{}

// PeriodContaining implements PeriodPolicy
func (CalendarMonth) PeriodContaining(_ context.Context, _ string, at time.Time) (tenancy.Period, error) {
	return calendarMonth(at), nil
}

func calendarMonth(at time.Time) tenancy.Period {
	t := at.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return tenancy.Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// SubscriptionReader reads the subscription an anchored period is derived from.
// *billing.Processor implements it.
type SubscriptionReader interface {
	Subscription(ctx context.Context, organizationID string) (*tenancy.Subscription, error)
}

// SubscriptionAnchored bills in monthly cycles anchored to the subscription's
// current period end, keeping the anniversary day and clamping to month ends
// (Jan 31, Feb 28, Mar 31, ...). Organizations without a subscription or
// without a known period end fall back to calendar months.
type SubscriptionAnchored struct {
	Subscriptions SubscriptionReader
}

// PeriodContaining implements PeriodPolicy
func (p SubscriptionAnchored) PeriodContaining(ctx context.Context, organizationID string, at time.Time) (tenancy.Period, error) {
	if p.Subscriptions == nil {
		return calendarMonth(at), nil
	}
	sub, err := p.Subscriptions.Subscription(ctx, organizationID)
	if errors.Is(err, billing.ErrSubscriptionNotFound) {
		return calendarMonth(at), nil
	}
	if err != nil {
		return tenancy.Period{}, fmt.Errorf("load subscription anchor: %w", err)
	}
	if sub.CurrentPeriodEnd.IsZero() {
		return calendarMonth(at), nil
	}
	start, end := cycleContaining(sub.CurrentPeriodEnd, at)
	return tenancy.Period{Start: start, End: end}, nil
}

// cycleContaining returns the monthly cycle around at whose boundaries fall on
// the anchor's day-of-month and time of day. The anchor itself is a boundary.
func cycleContaining(anchor, at time.Time) (start, end time.Time) {
	a := anchor.UTC()
	t := at.UTC()
	day := a.Day()

	months := (t.Year()-a.Year())*12 + int(t.Month()-a.Month())
	start = addMonthsWithDay(a, months, day)
	if start.After(t) {
		months--
		start = addMonthsWithDay(a, months, day)
	}
	end = addMonthsWithDay(a, months+1, day)
	return start, end
}

// addMonthsWithDay adds months to base and lands on targetDay, or on the last
// day of the month when targetDay does not exist there
func addMonthsWithDay(base time.Time, months, targetDay int) time.Time {
	first := time.Date(base.Year(), base.Month()+time.Month(months), 1,
		base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), time.UTC)
	lastDay := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
	day := targetDay
	if day > lastDay {
		day = lastDay
	}
	return time.Date(first.Year(), first.Month(), day,
		base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), time.UTC)
}
