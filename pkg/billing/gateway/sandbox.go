package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing"
)

// Sandbox is an in-process gateway for development. Every authorization is
// approved and every charge succeeds unless configured otherwise. Requests
// with a known idempotency key replay the first result.
type Sandbox struct {
	mu sync.Mutex

	authorizeOutcome billing.AuthorizationOutcome
	declineMembers   map[string]bool

	authorizations map[string]billing.AuthorizationResult
	charges        map[string]billing.ChargeResult
	cancelled      map[string]bool
	amounts        map[string]int64
}

var _ billing.Gateway = (*Sandbox)(nil)

type SandboxOption func(*Sandbox)

// WithAuthorizeOutcome makes every authorization end with outcome.
func WithAuthorizeOutcome(outcome billing.AuthorizationOutcome) SandboxOption {
	return func(s *Sandbox) { s.authorizeOutcome = outcome }
}

// WithDeclinedMembers makes charges against the given member references fail.
func WithDeclinedMembers(refs ...string) SandboxOption {
	return func(s *Sandbox) {
		for _, ref := range refs {
			s.declineMembers[ref] = true
		}
	}
}

func NewSandbox(opts ...SandboxOption) *Sandbox {
	s := &Sandbox{
		authorizeOutcome: billing.AuthorizationApproved,
		declineMembers:   map[string]bool{},
		authorizations:   map[string]billing.AuthorizationResult{},
		charges:          map[string]billing.ChargeResult{},
		cancelled:        map[string]bool{},
		amounts:          map[string]int64{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MemberReference is the reference the sandbox assigns to a subscription.
func MemberReference(subscriptionID string) string {
	return "sbx_" + subscriptionID
}

func (s *Sandbox) Authorize(ctx context.Context, req billing.AuthorizeRequest) (billing.AuthorizationResult, error) {
	if err := ctx.Err(); err != nil {
		return billing.AuthorizationResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.authorizations[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return res, nil
	}
	res := billing.AuthorizationResult{
		Outcome:                 s.authorizeOutcome,
		ExternalMemberReference: MemberReference(req.SubscriptionID),
	}
	switch res.Outcome {
	case billing.AuthorizationApproved:
		res.TransactionID = "sbx_txn_" + uuid.NewString()
	case billing.AuthorizationDenied:
		res.DeclineReason = "sandbox_denied"
	}
	s.authorizations[req.IdempotencyKey] = res
	return res, nil
}

func (s *Sandbox) Charge(ctx context.Context, req billing.ChargeRequest) (billing.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return billing.ChargeResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.charges[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return res, nil
	}
	res := billing.ChargeResult{Outcome: billing.ChargeSucceeded, TransactionID: "sbx_txn_" + uuid.NewString()}
	switch {
	case s.cancelled[req.ExternalMemberReference]:
		res = billing.ChargeResult{Outcome: billing.ChargeDeclined, DeclineReason: "authorization_cancelled"}
	case s.declineMembers[req.ExternalMemberReference]:
		res = billing.ChargeResult{Outcome: billing.ChargeDeclined, DeclineReason: "sandbox_declined"}
	}
	s.charges[req.IdempotencyKey] = res
	return res, nil
}

func (s *Sandbox) CancelAuthorization(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[ref] = true
	return nil
}

func (s *Sandbox) UpdateRecurringAmount(ctx context.Context, req billing.RecurringAmountRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled[req.ExternalMemberReference] {
		return fmt.Errorf("%w: authorization %s is cancelled", ErrRequestRejected, req.ExternalMemberReference)
	}
	s.amounts[req.ExternalMemberReference] = req.Amount
	return nil
}

// Cancelled reports whether ref was cancelled.
func (s *Sandbox) Cancelled(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[ref]
}

// RecurringAmount returns the last amount pushed for ref.
func (s *Sandbox) RecurringAmount(ref string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	amount, ok := s.amounts[ref]
	return amount, ok
}
