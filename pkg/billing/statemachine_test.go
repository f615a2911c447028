package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

var (
	march = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	april = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	may   = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
)

func storedSubscription() *tenancy.Subscription {
	return &tenancy.Subscription{
		ID:               "sub-row",
		OrganizationID:   "org1",
		CustomerRef:      "cus_1",
		SubscriptionRef:  "sub_1",
		Plan:             tenancy.PlanPro,
		Status:           tenancy.SubscriptionActive,
		CurrentPeriodEnd: april,
	}
}

func TestTransition_NilEvent(t *testing.T) {
	_, err := Transition(storedSubscription(), nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestTransition_MissingSubscription(t *testing.T) {
	kinds := []EventKind{KindPaymentSucceeded, KindSubscriptionUpdated, KindSubscriptionDeleted}
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			_, err := Transition(nil, &Event{ID: "evt", Kind: kind, SubscriptionRef: "sub_404"})
			assert.ErrorIs(t, err, ErrSubscriptionNotFound)
		})
	}

	_, err := Transition(nil, &Event{ID: "evt"})
	assert.ErrorIs(t, err, ErrUnknownEventKind)
}

func TestTransition_CheckoutStartsSubscription(t *testing.T) {
	out, err := Transition(nil, &Event{
		Kind:               KindCheckoutCompleted,
		OrganizationID:     "org1",
		CustomerRef:        "cus_1",
		SubscriptionRef:    "sub_1",
		Plan:               tenancy.PlanTeam,
		PeriodEnd:          april,
		BillingAdminUserID: "user_1",
	})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, tenancy.PlanTeam, out.Next.Plan)
	assert.Equal(t, tenancy.SubscriptionActive, out.Next.Status)
	assert.Equal(t, april, out.Next.CurrentPeriodEnd)
	require.NotNil(t, out.Next.BillingAdminUserID)
	assert.Equal(t, "user_1", *out.Next.BillingAdminUserID)
}

func TestTransition_CheckoutRequiresOrganizationAndPlan(t *testing.T) {
	_, err := Transition(nil, &Event{Kind: KindCheckoutCompleted, Plan: tenancy.PlanPro})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = Transition(nil, &Event{Kind: KindCheckoutCompleted, OrganizationID: "org1"})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestTransition_PaymentSucceeded(t *testing.T) {
	current := storedSubscription()
	current.Status = tenancy.SubscriptionPastDue

	out, err := Transition(current, &Event{Kind: KindPaymentSucceeded, PeriodEnd: may})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, tenancy.SubscriptionActive, out.Next.Status)
	assert.Equal(t, may, out.Next.CurrentPeriodEnd)

	assert.Equal(t, tenancy.SubscriptionPastDue, current.Status, "input snapshot is not modified")
	assert.Equal(t, april, current.CurrentPeriodEnd)
}

func TestTransition_StalePeriodEndNeverMovesBackward(t *testing.T) {
	out, err := Transition(storedSubscription(), &Event{
		Kind:      KindSubscriptionUpdated,
		Plan:      tenancy.PlanTeam,
		PeriodEnd: march,
	})
	require.NoError(t, err)
	assert.True(t, out.StalePeriodEnd)
	assert.True(t, out.Applied, "plan change still applies")
	assert.Equal(t, tenancy.PlanTeam, out.Next.Plan)
	assert.Equal(t, april, out.Next.CurrentPeriodEnd)
}

func TestTransition_OutOfOrderDeliveries(t *testing.T) {
	later := &Event{Kind: KindSubscriptionUpdated, Plan: tenancy.PlanTeam, PeriodEnd: may}
	earlier := &Event{Kind: KindPaymentSucceeded, PeriodEnd: april}

	out, err := Transition(storedSubscription(), later)
	require.NoError(t, err)
	out, err = Transition(out.Next, earlier)
	require.NoError(t, err)

	assert.True(t, out.StalePeriodEnd)
	assert.Equal(t, may, out.Next.CurrentPeriodEnd)
	assert.Equal(t, tenancy.PlanTeam, out.Next.Plan)
}

func TestTransition_UpdateKeepsZeroFields(t *testing.T) {
	out, err := Transition(storedSubscription(), &Event{Kind: KindSubscriptionUpdated})
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, tenancy.PlanPro, out.Next.Plan)
	assert.Equal(t, tenancy.SubscriptionActive, out.Next.Status)
}

func TestTransition_Deleted(t *testing.T) {
	out, err := Transition(storedSubscription(), &Event{Kind: KindSubscriptionDeleted, PeriodEnd: may})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, tenancy.SubscriptionCanceled, out.Next.Status)
	assert.Equal(t, tenancy.PlanPro, out.Next.Plan)
	assert.Equal(t, april, out.Next.CurrentPeriodEnd)

	out, err = Transition(out.Next, &Event{Kind: KindSubscriptionDeleted})
	require.NoError(t, err)
	assert.False(t, out.Applied)
}

func TestTransition_CheckoutOnExistingRow(t *testing.T) {
	out, err := Transition(storedSubscription(), &Event{
		Kind:               KindCheckoutCompleted,
		OrganizationID:     "org1",
		CustomerRef:        "cus_2",
		SubscriptionRef:    "sub_2",
		Plan:               tenancy.PlanTeam,
		BillingAdminUserID: "user_2",
	})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, "sub-row", out.Next.ID)
	assert.Equal(t, "cus_2", out.Next.CustomerRef)
	assert.Equal(t, "sub_2", out.Next.SubscriptionRef)
	assert.Equal(t, tenancy.PlanTeam, out.Next.Plan)
	assert.Equal(t, "user_2", *out.Next.BillingAdminUserID)
}

func TestTransition_UnknownKindOnExistingRow(t *testing.T) {
	_, err := Transition(storedSubscription(), &Event{Kind: EventKind(42)})
	assert.ErrorIs(t, err, ErrUnknownEventKind)
}

func TestParseEventKind(t *testing.T) {
	for kind, name := range eventKindNames {
		got, err := ParseEventKind(name)
		require.NoError(t, err)
		assert.Equal(t, kind, got)
	}
	_, err := ParseEventKind("invoice.created")
	assert.ErrorIs(t, err, ErrUnknownEventKind)
}
