package billing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing"
)

func TestStateOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		sub  *billing.Subscription
		want billing.State
	}{
		{sub: nil, want: billing.StateNone},
		{sub: &billing.Subscription{Status: billing.StatusPendingAuthorization}, want: billing.StatePendingAuthorization},
		{sub: &billing.Subscription{Status: billing.StatusActive}, want: billing.StateActive},
		{sub: &billing.Subscription{Status: billing.StatusPastDue}, want: billing.StatePastDue},
		{sub: &billing.Subscription{Status: billing.StatusActive, CancelAtPeriodEnd: true}, want: billing.StateCancelling},
		{sub: &billing.Subscription{Status: billing.StatusPastDue, CancelAtPeriodEnd: true}, want: billing.StateCancelling},
		{sub: &billing.Subscription{Status: billing.StatusCancelled, CancelAtPeriodEnd: true}, want: billing.StateCancelled},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, billing.StateOf(tt.sub))
	}
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	active := &billing.Subscription{Status: billing.StatusActive}
	pastDue := &billing.Subscription{Status: billing.StatusPastDue}
	cancellingActive := &billing.Subscription{Status: billing.StatusActive, CancelAtPeriodEnd: true}
	cancellingPastDue := &billing.Subscription{Status: billing.StatusPastDue, CancelAtPeriodEnd: true}
	cancelled := &billing.Subscription{Status: billing.StatusCancelled}
	pending := &billing.Subscription{Status: billing.StatusPendingAuthorization}

	tests := []struct {
		name  string
		sub   *billing.Subscription
		event billing.Event
		want  billing.State
		ok    bool
	}{
		{"create pending", nil, billing.EventAuthorizationPending, billing.StatePendingAuthorization, true},
		{"create approved", nil, billing.EventAuthorizationApproved, billing.StateActive, true},
		{"upgrade active", active, billing.EventUpgrade, billing.StateActive, true},
		{"upgrade past due", pastDue, billing.EventUpgrade, "", false},
		{"upgrade cancelling", cancellingActive, billing.EventUpgrade, "", false},
		{"downgrade past due", pastDue, billing.EventDowngrade, "", false},
		{"schedule cancel from past due", pastDue, billing.EventScheduleCancel, billing.StateCancelling, true},
		{"reactivate active cancelling", cancellingActive, billing.EventReactivate, billing.StateActive, true},
		{"reactivate past due cancelling", cancellingPastDue, billing.EventReactivate, "", false},
		{"reactivate active", active, billing.EventReactivate, "", false},
		{"immediate cancel", active, billing.EventCancelImmediately, billing.StateCancelled, true},
		{"payment failure", active, billing.EventPaymentFailed, billing.StatePastDue, true},
		{"recovery", pastDue, billing.EventPaymentRecovered, billing.StateActive, true},
		{"grace expiry active", active, billing.EventGraceExpired, "", false},
		{"grace expiry past due", pastDue, billing.EventGraceExpired, billing.StateCancelled, true},
		{"cancelled is terminal", cancelled, billing.EventReactivate, "", false},
		{"revoke cancelled", cancelled, billing.EventAuthorizationRevoked, "", false},
		{"pending authorization expires", pending, billing.EventAuthorizationExpired, billing.StateCancelled, true},
		{"active authorization does not expire", active, billing.EventAuthorizationExpired, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			next, err := billing.Lifecycle.Fire(ctx, billing.StateOf(tt.sub), tt.event, tt.sub)
			if !tt.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, next)
		})
	}
}
