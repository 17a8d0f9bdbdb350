package billing

import (
	"context"
	"errors"
)

var (
	ErrPlanNotFound          = errors.New("plan not found")
	ErrInvalidCatalog        = errors.New("invalid plan catalog")
	ErrInvalidBillingCycle   = errors.New("invalid billing cycle")
	ErrInvalidPlanTransition = errors.New("invalid plan transition")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInvalidPolicy         = errors.New("invalid billing policy")

	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrAuthorizationNotFound = errors.New("authorization not found")
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrPendingChangeNotFound = errors.New("pending plan change not found")
	ErrGracePeriodNotFound   = errors.New("grace period not found")

	ErrSubscriptionExists  = errors.New("user already has a live subscription")
	ErrInvalidState        = errors.New("operation not allowed in the current subscription state")
	ErrNothingToReactivate = errors.New("subscription is not scheduled for cancellation")
	ErrDuplicatePayment    = errors.New("payment already recorded")
	ErrGracePeriodExists   = errors.New("active grace period already exists")

	ErrAuthorizationDenied = errors.New("authorization denied by gateway")
	ErrPaymentFailed       = errors.New("payment failed")

	ErrGatewayUnavailable     = errors.New("payment gateway unavailable")
	ErrConcurrentModification = errors.New("subscription is being modified concurrently")

	ErrSignatureVerification = errors.New("webhook signature verification failed")
	ErrInvalidEvent          = errors.New("invalid webhook event")
)

// Kind classifies errors for propagation decisions.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindPayment    Kind = "payment"
	KindTransient  Kind = "transient"
	KindIntegrity  Kind = "integrity"
	KindInternal   Kind = "internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrSignatureVerification, KindIntegrity},
	{ErrInvalidEvent, KindIntegrity},
	{ErrAuthorizationDenied, KindPayment},
	{ErrPaymentFailed, KindPayment},
	{ErrGatewayUnavailable, KindTransient},
	{ErrConcurrentModification, KindTransient},
	{context.DeadlineExceeded, KindTransient},
	{ErrSubscriptionExists, KindConflict},
	{ErrInvalidState, KindConflict},
	{ErrNothingToReactivate, KindConflict},
	{ErrSubscriptionNotFound, KindNotFound},
	{ErrPlanNotFound, KindValidation},
	{ErrInvalidBillingCycle, KindValidation},
	{ErrInvalidPlanTransition, KindValidation},
	{ErrInvalidRequest, KindValidation},
}

// KindOf returns the first matching kind, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// UserMessage returns a message with an actionable next step, never a raw
// gateway code.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrAuthorizationDenied):
		return "Your payment method was declined. Please update your payment method and try again."
	case errors.Is(err, ErrPaymentFailed):
		return "We could not charge your payment method. Please update your payment method and retry the change."
	case errors.Is(err, ErrSubscriptionExists):
		return "You already have a subscription. Manage it from your billing page instead of creating a new one."
	case errors.Is(err, ErrNothingToReactivate):
		return "This subscription is not scheduled for cancellation, so there is nothing to reactivate."
	case errors.Is(err, ErrInvalidPlanTransition):
		return "That plan change is not available. Choose a higher plan to upgrade or a lower plan to downgrade."
	case errors.Is(err, ErrInvalidState):
		return "This subscription cannot be changed right now. Resolve any outstanding payment or pending cancellation first."
	case errors.Is(err, ErrPlanNotFound), errors.Is(err, ErrInvalidBillingCycle), errors.Is(err, ErrInvalidRequest):
		return "The request is invalid. Check the plan and billing cycle and try again."
	case errors.Is(err, ErrSubscriptionNotFound):
		return "Subscription not found."
	case KindOf(err) == KindTransient:
		return "Billing is temporarily unavailable. Please try again in a few minutes."
	case KindOf(err) == KindIntegrity:
		return "The request could not be verified."
	default:
		return "Something went wrong. Please try again later or contact support."
	}
}
