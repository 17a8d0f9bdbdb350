package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/logger"
)

// upgradeKeyPrefix starts the idempotency key of every proration charge.
const upgradeKeyPrefix = "upgrade:"

type CreateRequest struct {
	UserID string
	PlanID string
	Cycle  BillingCycle
	// Email receives billing notifications. Optional.
	Email string
}

// Create authorizes the user at the gateway and persists the subscription:
// active when the gateway approves immediately, pending_authorization when it
// confirms later. A denial persists nothing.
func (s *Service) Create(ctx context.Context, req CreateRequest) (_ *Summary, err error) {
	ctx, span := s.startSpan(ctx, "create", attribute.String("user_id", req.UserID), attribute.String("plan_id", req.PlanID))
	defer func() { s.finish(ctx, span, "create", err, logger.UserID(req.UserID)) }()

	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if !req.Cycle.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBillingCycle, req.Cycle)
	}
	plan, err := s.catalog.Get(req.PlanID)
	if err != nil {
		return nil, err
	}
	if plan.Free() {
		return nil, fmt.Errorf("%w: the free plan needs no subscription", ErrInvalidPlanTransition)
	}

	if err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return ensureNoLiveSubscription(ctx, tx, req.UserID)
	}); err != nil {
		return nil, err
	}

	subID := s.newID()
	amount := plan.Amount(req.Cycle)

	var res AuthorizationResult
	if err := s.callGateway(ctx, "authorize", func(ctx context.Context) error {
		var err error
		res, err = s.gateway.Authorize(ctx, AuthorizeRequest{
			UserID:         req.UserID,
			SubscriptionID: subID,
			PlanID:         plan.ID,
			Cycle:          req.Cycle,
			Amount:         amount,
			Currency:       plan.Currency,
			IdempotencyKey: "authorize:" + subID,
		})
		return err
	}); err != nil {
		return nil, err
	}

	var event Event
	switch res.Outcome {
	case AuthorizationApproved:
		event = EventAuthorizationApproved
	case AuthorizationAwaiting:
		event = EventAuthorizationPending
	case AuthorizationDenied:
		return nil, fmt.Errorf("%w: %s", ErrAuthorizationDenied, res.DeclineReason)
	default:
		return nil, fmt.Errorf("%w: unexpected authorization outcome %q", ErrGatewayUnavailable, res.Outcome)
	}
	if res.ExternalMemberReference == "" {
		return nil, fmt.Errorf("%w: authorization without member reference", ErrGatewayUnavailable)
	}

	var out *Summary
	err = s.commit(ctx, func(ctx context.Context, tx Tx, fx *effects) error {
		if err := tx.LockUser(ctx, req.UserID); err != nil {
			return err
		}
		if err := ensureNoLiveSubscription(ctx, tx, req.UserID); err != nil {
			return err
		}
		next, err := transition(ctx, nil, event, nil)
		if err != nil {
			return err
		}

		now := s.clock()
		sub := &Subscription{
			ID:              subID,
			UserID:          req.UserID,
			PlanID:          plan.ID,
			BillingCycle:    req.Cycle,
			Amount:          amount,
			Currency:        plan.Currency,
			Status:          Status(next),
			AuthorizationID: s.newID(),
			ContactEmail:    req.Email,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		auth := &Authorization{
			ID:                      sub.AuthorizationID,
			UserID:                  req.UserID,
			SubscriptionID:          sub.ID,
			ExternalMemberReference: res.ExternalMemberReference,
			Status:                  AuthorizationPending,
			NextPayDate:             res.NextPayDate,
			RecurringAmount:         amount,
			Currency:                plan.Currency,
			AmountSynced:            true,
			CreatedAt:               now,
			UpdatedAt:               now,
		}
		if sub.Status == StatusActive {
			activate(sub, auth, now)
		}

		if err := tx.InsertSubscription(ctx, sub); err != nil {
			return err
		}
		if sub.Status == StatusActive && res.TransactionID != "" {
			auth.ExecutionCount = 1
			if err := ignoreDuplicate(tx.InsertPayment(ctx, &Payment{
				ID:                    s.newID(),
				SubscriptionID:        sub.ID,
				ExternalTransactionID: res.TransactionID,
				IdempotencyKey:        "authorize:" + sub.ID,
				Kind:                  PaymentInitial,
				Amount:                amount,
				Currency:              plan.Currency,
				Status:                PaymentSuccess,
				PeriodStart:           sub.CurrentPeriodStart,
				PeriodEnd:             sub.CurrentPeriodEnd,
				ProcessedAt:           now,
			})); err != nil {
				return err
			}
		}
		if err := tx.InsertAuthorization(ctx, auth); err != nil {
			return err
		}

		if sub.Status == StatusActive {
			fx.notify(Notification{
				Kind: NotifySubscriptionActivated, UserID: sub.UserID, Email: sub.ContactEmail,
				SubscriptionID: sub.ID, PlanID: sub.PlanID, Amount: sub.Amount, Currency: sub.Currency,
				EffectiveDate: now,
			})
		}
		out, err = s.summary(ctx, tx, sub)
		return err
	})
	if err != nil {
		s.compensateAuthorization(ctx, res.ExternalMemberReference, err)
		return nil, err
	}
	return out, nil
}

// activate starts the first billing period.
func activate(sub *Subscription, auth *Authorization, at time.Time) {
	sub.Status = StatusActive
	sub.CurrentPeriodStart = at
	sub.CurrentPeriodEnd = sub.BillingCycle.AddTo(at)
	sub.UpdatedAt = at
	end := sub.CurrentPeriodEnd
	auth.Status = AuthorizationActive
	auth.NextPayDate = &end
	auth.UpdatedAt = at
}

func ensureNoLiveSubscription(ctx context.Context, tx Tx, userID string) error {
	_, err := tx.LiveSubscriptionForUser(ctx, userID)
	switch {
	case err == nil:
		return ErrSubscriptionExists
	case errors.Is(err, ErrSubscriptionNotFound):
		return nil
	default:
		return err
	}
}

// compensateAuthorization cancels an authorization that was granted but
// could not be persisted.
func (s *Service) compensateAuthorization(ctx context.Context, ref string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := s.callGateway(ctx, "cancel_authorization", func(ctx context.Context) error {
		return s.gateway.CancelAuthorization(ctx, ref)
	}); err != nil {
		s.logger.ErrorContext(ctx, "failed to cancel orphaned authorization",
			slog.String("external_member_reference", ref),
			slog.String("cause", cause.Error()),
			logger.Error(err))
	}
}

type PlanChangeRequest struct {
	UserID         string
	SubscriptionID string
	PlanID         string
	// Cycle defaults to the current billing cycle when empty.
	Cycle BillingCycle
}

type UpgradeResult struct {
	Summary        *Summary
	ProratedCharge int64
	EffectiveDate  time.Time
	Payment        *Payment
}

// Upgrade moves an active subscription to a higher-ranked plan immediately,
// charging the prorated difference for the rest of the period first. A failed
// or timed-out charge aborts the upgrade with nothing changed. A timed-out
// charge leaves a pending proration payment that the gateway webhook or a
// repeated upgrade settles.
func (s *Service) Upgrade(ctx context.Context, req PlanChangeRequest) (_ *UpgradeResult, err error) {
	ctx, span := s.startSpan(ctx, "upgrade", attribute.String("subscription_id", req.SubscriptionID), attribute.String("plan_id", req.PlanID))
	defer func() { s.finish(ctx, span, "upgrade", err, logger.SubscriptionID(req.SubscriptionID)) }()

	plan, err := s.catalog.Get(req.PlanID)
	if err != nil {
		return nil, err
	}

	var (
		out       *UpgradeResult
		ambiguous *Payment
	)
	err = s.commit(ctx, func(ctx context.Context, tx Tx, fx *effects) error {
		ambiguous = nil
		sub, err := s.lockOwned(ctx, tx, req.UserID, req.SubscriptionID)
		if err != nil {
			return err
		}
		if _, err := transition(ctx, sub, EventUpgrade, nil); err != nil {
			return err
		}
		cycle, err := s.resolveCycle(req.Cycle, sub.BillingCycle)
		if err != nil {
			return err
		}
		order, err := s.catalog.Compare(plan.ID, sub.PlanID)
		if err != nil {
			return err
		}
		if order <= 0 {
			return fmt.Errorf("%w: %s is not above %s", ErrInvalidPlanTransition, plan.ID, sub.PlanID)
		}

		auth, err := tx.GetAuthorization(ctx, sub.AuthorizationID)
		if err != nil {
			return err
		}

		now := s.clock()
		proration := Prorate(ProrationInput{
			OldAmount:   sub.Amount,
			NewAmount:   plan.Amount(sub.BillingCycle),
			PeriodStart: sub.CurrentPeriodStart,
			PeriodEnd:   sub.CurrentPeriodEnd,
			Today:       now,
		})
		out = &UpgradeResult{ProratedCharge: proration.NetCharge, EffectiveDate: now}

		if proration.NetCharge > 0 {
			key := fmt.Sprintf("%s%s:%s:%s:%d", upgradeKeyPrefix, sub.ID, sub.PlanID, plan.ID, sub.CurrentPeriodStart.Unix())
			charge := &Payment{
				ID:             s.newID(),
				SubscriptionID: sub.ID,
				IdempotencyKey: key,
				Kind:           PaymentProration,
				Amount:         proration.NetCharge,
				Currency:       sub.Currency,
				Status:         PaymentPending,
				PeriodStart:    now,
				PeriodEnd:      sub.CurrentPeriodEnd,
				ProcessedAt:    now,
			}
			var res ChargeResult
			if err := s.callGateway(ctx, "charge", func(ctx context.Context) error {
				var err error
				res, err = s.gateway.Charge(ctx, ChargeRequest{
					ExternalMemberReference: auth.ExternalMemberReference,
					Amount:                  proration.NetCharge,
					Currency:                sub.Currency,
					Description:             fmt.Sprintf("Upgrade to %s (prorated)", plan.Name),
					IdempotencyKey:          key,
				})
				return err
			}); err != nil {
				ambiguous = charge
				return errors.Join(ErrPaymentFailed, err)
			}
			if res.Outcome != ChargeSucceeded {
				return fmt.Errorf("%w: %s", ErrPaymentFailed, res.DeclineReason)
			}

			charge.ExternalTransactionID = res.TransactionID
			charge.Status = PaymentSuccess
			if out.Payment, err = settleCharge(ctx, tx, charge); err != nil {
				return err
			}
		}

		sub.PlanID = plan.ID
		sub.BillingCycle = cycle
		sub.Amount = plan.Amount(cycle)
		sub.UpdatedAt = now
		if err := tx.DeletePendingChange(ctx, sub.ID); err != nil && !errors.Is(err, ErrPendingChangeNotFound) {
			return err
		}
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}

		auth.SetRecurringAmount(sub.Amount, now)
		if err := tx.UpdateAuthorization(ctx, auth); err != nil {
			return err
		}
		fx.syncAmount = append(fx.syncAmount, auth.ID)

		fx.notify(Notification{
			Kind: NotifySubscriptionUpgraded, UserID: sub.UserID, Email: sub.ContactEmail,
			SubscriptionID: sub.ID, PlanID: sub.PlanID, Amount: proration.NetCharge, Currency: sub.Currency,
			EffectiveDate: now,
		})
		out.Summary, err = s.summary(ctx, tx, sub)
		return err
	})
	if err != nil {
		if ambiguous != nil {
			s.recordAmbiguousCharge(ctx, ambiguous)
		}
		return nil, err
	}
	return out, nil
}

// settleCharge records a successful charge. A pending or refund_due entry
// under the same key, left by an earlier attempt whose outcome was unknown,
// is completed instead.
func settleCharge(ctx context.Context, tx Tx, charge *Payment) (*Payment, error) {
	existing, err := tx.PaymentByIdempotencyKey(ctx, charge.IdempotencyKey)
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		return charge, ignoreDuplicate(tx.InsertPayment(ctx, charge))
	case err != nil:
		return nil, err
	case existing.Status == PaymentSuccess:
		return existing, nil
	}
	existing.Status = PaymentSuccess
	existing.FailureReason = ""
	existing.ProcessedAt = charge.ProcessedAt
	if charge.ExternalTransactionID != "" {
		existing.ExternalTransactionID = charge.ExternalTransactionID
	}
	return existing, tx.UpdatePayment(ctx, existing)
}

// recordAmbiguousCharge keeps a pending ledger entry for a charge whose
// outcome is unknown, so the gateway webhook can resolve it.
func (s *Service) recordAmbiguousCharge(ctx context.Context, p *Payment) {
	ctx = context.WithoutCancel(ctx)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return ignoreDuplicate(tx.InsertPayment(ctx, p))
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record ambiguous charge",
			logger.SubscriptionID(p.SubscriptionID), slog.String("idempotency_key", p.IdempotencyKey), logger.Error(err))
		return
	}
	s.logger.WarnContext(ctx, "charge outcome unknown, awaiting gateway confirmation",
		logger.SubscriptionID(p.SubscriptionID), slog.String("idempotency_key", p.IdempotencyKey))
}

type DowngradeResult struct {
	Summary       *Summary
	EffectiveDate time.Time
}

// Downgrade schedules a move to a lower-ranked plan at period end, replacing
// any previously scheduled change. Nothing is charged or refunded.
func (s *Service) Downgrade(ctx context.Context, req PlanChangeRequest) (_ *DowngradeResult, err error) {
	ctx, span := s.startSpan(ctx, "downgrade", attribute.String("subscription_id", req.SubscriptionID), attribute.String("plan_id", req.PlanID))
	defer func() { s.finish(ctx, span, "downgrade", err, logger.SubscriptionID(req.SubscriptionID)) }()

	plan, err := s.catalog.Get(req.PlanID)
	if err != nil {
		return nil, err
	}

	var out *DowngradeResult
	err = s.commit(ctx, func(ctx context.Context, tx Tx, fx *effects) error {
		sub, err := s.lockOwned(ctx, tx, req.UserID, req.SubscriptionID)
		if err != nil {
			return err
		}
		if _, err := transition(ctx, sub, EventDowngrade, nil); err != nil {
			return err
		}
		cycle, err := s.resolveCycle(req.Cycle, sub.BillingCycle)
		if err != nil {
			return err
		}
		order, err := s.catalog.Compare(plan.ID, sub.PlanID)
		if err != nil {
			return err
		}
		if order >= 0 {
			return fmt.Errorf("%w: %s is not below %s", ErrInvalidPlanTransition, plan.ID, sub.PlanID)
		}

		now := s.clock()
		pc := &PendingPlanChange{
			SubscriptionID:  sub.ID,
			NewPlanID:       plan.ID,
			NewBillingCycle: cycle,
			NewAmount:       plan.Amount(cycle),
			EffectiveDate:   sub.CurrentPeriodEnd,
			CreatedAt:       now,
		}
		if err := tx.UpsertPendingChange(ctx, pc); err != nil {
			return err
		}

		fx.notify(Notification{
			Kind: NotifyDowngradeScheduled, UserID: sub.UserID, Email: sub.ContactEmail,
			SubscriptionID: sub.ID, PlanID: plan.ID, Amount: pc.NewAmount, Currency: sub.Currency,
			EffectiveDate: pc.EffectiveDate,
		})

		summary, err := s.summary(ctx, tx, sub)
		if err != nil {
			return err
		}
		out = &DowngradeResult{Summary: summary, EffectiveDate: pc.EffectiveDate}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type CancelRequest struct {
	UserID         string
	SubscriptionID string
	Immediate      bool
	Reason         string
}

type CancelResult struct {
	Summary       *Summary
	CancelledAt   *time.Time
	EffectiveDate time.Time
	// RefundAmount is the unused-period credit, set for immediate cancels.
	RefundAmount *int64
}

const defaultCancelReason = "user_requested"

// Cancel ends the subscription now (Immediate) or at period end.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (_ *CancelResult, err error) {
	ctx, span := s.startSpan(ctx, "cancel", attribute.String("subscription_id", req.SubscriptionID), attribute.Bool("immediate", req.Immediate))
	defer func() { s.finish(ctx, span, "cancel", err, logger.SubscriptionID(req.SubscriptionID)) }()

	reason := req.Reason
	if reason == "" {
		reason = defaultCancelReason
	}

	var out *CancelResult
	err = s.commit(ctx, func(ctx context.Context, tx Tx, fx *effects) error {
		sub, err := s.lockOwned(ctx, tx, req.UserID, req.SubscriptionID)
		if err != nil {
			return err
		}
		now := s.clock()
		out = &CancelResult{}

		if req.Immediate {
			if _, err := transition(ctx, sub, EventCancelImmediately, nil); err != nil {
				return err
			}
			var refund int64
			if sub.Status == StatusActive {
				refund = UnusedValue(sub.Amount, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
			}
			if err := s.finalizeCancellation(ctx, tx, fx, sub, reason, false); err != nil {
				return err
			}
			out.CancelledAt = sub.CancelledAt
			out.EffectiveDate = now
			out.RefundAmount = &refund
		} else {
			if _, err := transition(ctx, sub, EventScheduleCancel, nil); err != nil {
				return err
			}
			sub.CancelAtPeriodEnd = true
			sub.CancellationReason = reason
			sub.UpdatedAt = now
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return err
			}
			out.EffectiveDate = sub.CurrentPeriodEnd
			fx.notify(Notification{
				Kind: NotifyCancellationScheduled, UserID: sub.UserID, Email: sub.ContactEmail,
				SubscriptionID: sub.ID, PlanID: sub.PlanID, Reason: reason, EffectiveDate: sub.CurrentPeriodEnd,
			})
		}

		out.Summary, err = s.summary(ctx, tx, sub)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type ReactivateResult struct {
	Summary         *Summary
	NextPaymentDate time.Time
}

// Reactivate withdraws a scheduled cancellation on an active subscription.
func (s *Service) Reactivate(ctx context.Context, userID, subscriptionID string) (_ *ReactivateResult, err error) {
	ctx, span := s.startSpan(ctx, "reactivate", attribute.String("subscription_id", subscriptionID))
	defer func() { s.finish(ctx, span, "reactivate", err, logger.SubscriptionID(subscriptionID)) }()

	var out *ReactivateResult
	err = s.commit(ctx, func(ctx context.Context, tx Tx, _ *effects) error {
		sub, err := s.lockOwned(ctx, tx, userID, subscriptionID)
		if err != nil {
			return err
		}
		if _, err := transition(ctx, sub, EventReactivate, ErrNothingToReactivate); err != nil {
			return err
		}
		now := s.clock()
		if !now.Before(sub.CurrentPeriodEnd) {
			return fmt.Errorf("%w: the billing period already ended", ErrNothingToReactivate)
		}

		sub.CancelAtPeriodEnd = false
		sub.CancellationReason = ""
		sub.UpdatedAt = now
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}

		summary, err := s.summary(ctx, tx, sub)
		if err != nil {
			return err
		}
		out = &ReactivateResult{Summary: summary, NextPaymentDate: sub.CurrentPeriodEnd}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the summary of a subscription owned by userID.
func (s *Service) Get(ctx context.Context, userID, subscriptionID string) (*Summary, error) {
	var out *Summary
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		sub, err := tx.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.UserID != userID {
			return ErrSubscriptionNotFound
		}
		out, err = s.summary(ctx, tx, sub)
		return err
	})
	return out, err
}

// Current returns the user's live subscription, or the most recent one.
func (s *Service) Current(ctx context.Context, userID string) (*Summary, error) {
	var out *Summary
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		sub, err := tx.LiveSubscriptionForUser(ctx, userID)
		if errors.Is(err, ErrSubscriptionNotFound) {
			sub, err = tx.LatestSubscriptionForUser(ctx, userID)
		}
		if err != nil {
			return err
		}
		out, err = s.summary(ctx, tx, sub)
		return err
	})
	return out, err
}

// BillingHistory lists payments of a subscription, newest first.
func (s *Service) BillingHistory(ctx context.Context, userID, subscriptionID string, page Page) (*PaymentPage, error) {
	page = page.normalize()
	out := &PaymentPage{Limit: page.Limit, Offset: page.Offset}
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		sub, err := tx.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.UserID != userID {
			return ErrSubscriptionNotFound
		}
		out.Items, out.Total, err = tx.ListPayments(ctx, subscriptionID, page)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
