package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/statemachine"
)

// State is a lifecycle state. StateCancelling is derived, never stored.
type State = statemachine.StringState

const (
	StateNone                 State = "none"
	StatePendingAuthorization State = "pending_authorization"
	StateActive               State = "active"
	StatePastDue              State = "past_due"
	StateCancelling           State = "cancelling"
	StateCancelled            State = "cancelled"
)

type Event = statemachine.StringEvent

const (
	EventAuthorizationPending   Event = "authorization_pending"
	EventAuthorizationApproved  Event = "authorization_approved"
	EventAuthorizationConfirmed Event = "authorization_confirmed"
	EventAuthorizationRevoked   Event = "authorization_revoked"
	EventUpgrade                Event = "upgrade"
	EventDowngrade              Event = "downgrade"
	EventScheduleCancel         Event = "schedule_cancel"
	EventCancelImmediately      Event = "cancel_immediately"
	EventReactivate             Event = "reactivate"
	EventPaymentFailed          Event = "payment_failed"
	EventPaymentRecovered       Event = "payment_recovered"
	EventRenew                  Event = "renew"
	EventApplyPendingChange     Event = "apply_pending_change"
	EventPeriodEndCancel        Event = "period_end_cancel"
	EventGraceExpired           Event = "grace_expired"
	EventAuthorizationExpired   Event = "authorization_expired"
)

// StateOf derives the lifecycle state of a subscription; nil is StateNone.
func StateOf(sub *Subscription) State {
	if sub == nil {
		return StateNone
	}
	switch sub.Status {
	case StatusPendingAuthorization:
		return StatePendingAuthorization
	case StatusCancelled:
		return StateCancelled
	case StatusActive, StatusPastDue:
		if sub.CancelAtPeriodEnd {
			return StateCancelling
		}
		if sub.Status == StatusPastDue {
			return StatePastDue
		}
		return StateActive
	default:
		return State(sub.Status)
	}
}

func underlyingActive(_ context.Context, _ statemachine.State, _ statemachine.Event, data any) bool {
	sub, ok := data.(*Subscription)
	return ok && sub.Status == StatusActive
}

func underlyingPastDue(_ context.Context, _ statemachine.State, _ statemachine.Event, data any) bool {
	sub, ok := data.(*Subscription)
	return ok && sub.Status == StatusPastDue
}

// Lifecycle is the subscription transition table.
var Lifecycle = statemachine.MustNew(
	statemachine.WithTransition(StateNone, StatePendingAuthorization, EventAuthorizationPending),
	statemachine.WithTransition(StateNone, StateActive, EventAuthorizationApproved),
	statemachine.WithTransition(StatePendingAuthorization, StateActive, EventAuthorizationConfirmed),
	statemachine.WithTransition(StatePendingAuthorization, StateCancelled, EventAuthorizationExpired),

	statemachine.WithTransition(StateActive, StateActive, EventUpgrade),
	statemachine.WithTransition(StateActive, StateActive, EventDowngrade),
	statemachine.WithTransition(StateActive, StateActive, EventRenew),
	statemachine.WithTransition(StateActive, StateActive, EventApplyPendingChange),

	statemachine.WithTransitions([]statemachine.State{StateActive, StatePastDue, StateCancelling}, StateCancelling, EventScheduleCancel),
	statemachine.WithTransition(StateCancelling, StateActive, EventReactivate, statemachine.WithGuard(underlyingActive)),

	statemachine.WithTransition(StateActive, StatePastDue, EventPaymentFailed),
	statemachine.WithTransition(StatePastDue, StatePastDue, EventPaymentFailed),
	statemachine.WithTransition(StateCancelling, StateCancelling, EventPaymentFailed),
	statemachine.WithTransition(StatePastDue, StateActive, EventPaymentRecovered),
	statemachine.WithTransition(StateCancelling, StateCancelling, EventPaymentRecovered, statemachine.WithGuard(underlyingPastDue)),

	statemachine.WithTransitions([]statemachine.State{StateActive, StatePastDue, StateCancelling}, StateCancelled, EventCancelImmediately),
	statemachine.WithTransitions([]statemachine.State{StateActive, StatePastDue, StateCancelling}, StateCancelled, EventPeriodEndCancel),
	statemachine.WithTransitions([]statemachine.State{StatePastDue, StateCancelling}, StateCancelled, EventGraceExpired),
	statemachine.WithTransitions(
		[]statemachine.State{StatePendingAuthorization, StateActive, StatePastDue, StateCancelling},
		StateCancelled, EventAuthorizationRevoked,
	),
)

// transition checks that event is allowed for sub and returns the target.
// A refused transition is reported as errInvalid, or ErrInvalidState when
// errInvalid is nil.
func transition(ctx context.Context, sub *Subscription, event Event, errInvalid error) (State, error) {
	from := StateOf(sub)
	next, err := Lifecycle.Fire(ctx, from, event, sub)
	if err != nil {
		if errInvalid == nil {
			errInvalid = ErrInvalidState
		}
		return "", errors.Join(errInvalid, fmt.Errorf("%s from %s: %w", event, from, err))
	}
	return next.(State), nil
}
