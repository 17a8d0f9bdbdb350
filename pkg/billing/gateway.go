package billing

import (
	"context"
	"time"
)

// AuthorizationOutcome is the gateway's answer to an authorization request.
type AuthorizationOutcome string

const (
	AuthorizationApproved AuthorizationOutcome = "approved"
	// AuthorizationAwaiting means the gateway confirms later via webhook.
	AuthorizationAwaiting AuthorizationOutcome = "pending"
	AuthorizationDenied   AuthorizationOutcome = "denied"
)

type AuthorizeRequest struct {
	UserID         string
	SubscriptionID string
	PlanID         string
	Cycle          BillingCycle
	Amount         int64
	Currency       string
	IdempotencyKey string
}

type AuthorizationResult struct {
	Outcome                 AuthorizationOutcome
	ExternalMemberReference string
	// TransactionID is set when the first cycle was charged on approval.
	TransactionID string
	NextPayDate   *time.Time
	DeclineReason string
}

// RecurringAmountRequest replaces the amount the gateway bills on each cycle.
type RecurringAmountRequest struct {
	ExternalMemberReference string
	Amount                  int64
	Currency                string
	IdempotencyKey          string
}

type ChargeOutcome string

const (
	ChargeSucceeded ChargeOutcome = "succeeded"
	ChargeDeclined  ChargeOutcome = "declined"
)

type ChargeRequest struct {
	ExternalMemberReference string
	Amount                  int64
	Currency                string
	Description             string
	IdempotencyKey          string
}

type ChargeResult struct {
	Outcome       ChargeOutcome
	TransactionID string
	DeclineReason string
}

// Gateway is the payment gateway port. Business rejections are results.
// A returned error means the outcome is unknown (timeout, 5xx, network) and
// the caller may retry with the same idempotency key.
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizationResult, error)
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	CancelAuthorization(ctx context.Context, externalMemberReference string) error
	UpdateRecurringAmount(ctx context.Context, req RecurringAmountRequest) error
}
