package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/logger"
)

// SweepReport counts what a sweep did.
type SweepReport struct {
	Scanned   int
	Processed int
	Skipped   int
	Failed    int
}

func (r *SweepReport) add(o SweepReport) {
	r.Scanned += o.Scanned
	r.Processed += o.Processed
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

func (r SweepReport) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("scanned", r.Scanned),
		slog.Int("processed", r.Processed),
		slog.Int("skipped", r.Skipped),
		slog.Int("failed", r.Failed),
	)
}

const (
	sweepPeriodEnd  = "period_end"
	sweepRetry      = "retry"
	sweepGrace      = "grace"
	sweepSync       = "sync"
	sweepAuthExpiry = "authorization_expiry"

	reasonPeriodEnd        = "cancelled_at_period_end"
	reasonPastDueAtEnd     = "past_due_at_period_end"
	reasonDowngradedToFree = "downgraded_to_free"
	reasonPaymentFailed    = "payment_failed"
	reasonAuthExpired      = "authorization_expired"
)

var errNotDue = errors.New("not due")

// sweep applies fn to each candidate. A failing item is logged and counted;
// the sweep continues with the next one.
func (s *Service) sweep(ctx context.Context, name string, ids []string, fn func(ctx context.Context, id string) error) SweepReport {
	var report SweepReport
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++
		err := fn(ctx, id)
		switch {
		case err == nil:
			report.Processed++
			s.metrics.sweepItem(name, "processed")
		case errors.Is(err, errNotDue):
			report.Skipped++
			s.metrics.sweepItem(name, "skipped")
		default:
			report.Failed++
			s.metrics.sweepItem(name, "failed")
			s.logger.ErrorContext(ctx, "sweep item failed",
				slog.String("sweep", name), slog.String("id", id), logger.Error(err))
		}
	}
	return report
}

func (s *Service) candidates(ctx context.Context, query func(ctx context.Context, tx Tx) ([]string, error)) ([]string, error) {
	var ids []string
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		ids, err = query(ctx, tx)
		return err
	})
	return ids, err
}

// ApplyPeriodEndSweep finalizes scheduled cancellations, applies pending plan
// changes and rolls billing periods for every subscription whose period has
// ended. Running it again is a no-op.
func (s *Service) ApplyPeriodEndSweep(ctx context.Context) (SweepReport, error) {
	now := s.clock()
	ids, err := s.candidates(ctx, func(ctx context.Context, tx Tx) ([]string, error) {
		return tx.DuePeriodEnds(ctx, now, s.policy.SweepBatchSize)
	})
	if err != nil {
		return SweepReport{}, fmt.Errorf("failed to list due period ends: %w", err)
	}
	report := s.sweep(ctx, sweepPeriodEnd, ids, s.applyPeriodEnd)
	s.logger.InfoContext(ctx, "period end sweep finished", slog.Any("report", report))
	return report, nil
}

func (s *Service) applyPeriodEnd(ctx context.Context, id string) error {
	return s.commit(ctx, func(ctx context.Context, tx Tx, fx *effects) error {
		sub, err := tx.LockSubscription(ctx, id)
		if err != nil {
			return err
		}
		now := s.clock()
		if !sub.Status.Live() || sub.Status == StatusPendingAuthorization || sub.CurrentPeriodEnd.After(now) {
			return errNotDue
		}

		pc, err := tx.GetPendingChange(ctx, sub.ID)
		if err != nil && !errors.Is(err, ErrPendingChangeNotFound) {
			return err
		}

		switch {
		case sub.CancelAtPeriodEnd:
			if _, err := transition(ctx, sub, EventPeriodEndCancel, nil); err != nil {
				return err
			}
			reason := sub.CancellationReason
			if reason == "" {
				reason = reasonPeriodEnd
			}
			return s.finalizeCancellation(ctx, tx, fx, sub, reason, false)

		case pc != nil && sub.Status == StatusPastDue:
			if _, err := transition(ctx, sub, EventPeriodEndCancel, nil); err != nil {
				return err
			}
			return s.finalizeCancellation(ctx, tx, fx, sub, reasonPastDueAtEnd, false)

		case pc != nil && s.isFreePlan(pc.NewPlanID):
			if _, err := transition(ctx, sub, EventPeriodEndCancel, nil); err != nil {
				return err
			}
			return s.finalizeCancellation(ctx, tx, fx, sub, reasonDowngradedToFree, false)

		case pc != nil:
			if _, err := transition(ctx, sub, EventApplyPendingChange, nil); err != nil {
				return err
			}
			return s.applyPendingChange(ctx, tx, fx, sub, pc, now)

		default:
			for !sub.CurrentPeriodEnd.After(now) {
				sub.CurrentPeriodStart = sub.CurrentPeriodEnd
				sub.CurrentPeriodEnd = sub.BillingCycle.AddTo(sub.CurrentPeriodStart)
			}
			sub.UpdatedAt = now
			return tx.UpdateSubscription(ctx, sub)
		}
	})
}

func (s *Service) isFreePlan(planID string) bool {
	p, err := s.catalog.Get(planID)
	return err == nil && p.Free()
}

func (s *Service) applyPendingChange(ctx context.Context, tx Tx, fx *effects, sub *Subscription, pc *PendingPlanChange, now time.Time) error {
	sub.PlanID = pc.NewPlanID
	sub.BillingCycle = pc.NewBillingCycle
	sub.Amount = pc.NewAmount
	sub.CurrentPeriodStart = sub.CurrentPeriodEnd
	sub.CurrentPeriodEnd = sub.BillingCycle.AddTo(sub.CurrentPeriodStart)
	sub.UpdatedAt = now

	if err := tx.DeletePendingChange(ctx, sub.ID); err != nil {
		return err
	}
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return err
	}

	if sub.AuthorizationID != "" {
		auth, err := tx.GetAuthorization(ctx, sub.AuthorizationID)
		if err != nil {
			return err
		}
		end := sub.CurrentPeriodEnd
		auth.SetRecurringAmount(sub.Amount, now)
		auth.NextPayDate = &end
		if err := tx.UpdateAuthorization(ctx, auth); err != nil {
			return err
		}
		fx.syncAmount = append(fx.syncAmount, auth.ID)
	}

	fx.notify(Notification{
		Kind: NotifyPlanChanged, UserID: sub.UserID, Email: sub.ContactEmail,
		SubscriptionID: sub.ID, PlanID: sub.PlanID, Amount: sub.Amount, Currency: sub.Currency,
		EffectiveDate: sub.CurrentPeriodStart,
	})
	return nil
}

// RetryPayments charges past_due subscriptions whose retry time has come.
func (s *Service) RetryPayments(ctx context.Context) (SweepReport, error) {
	now := s.clock()
	ids, err := s.candidates(ctx, func(ctx context.Context, tx Tx) ([]string, error) {
		return tx.DueRetries(ctx, now, s.policy.SweepBatchSize)
	})
	if err != nil {
		return SweepReport{}, fmt.Errorf("failed to list due retries: %w", err)
	}
	report := s.sweep(ctx, sweepRetry, ids, s.retryPayment)
	s.logger.InfoContext(ctx, "payment retry sweep finished", slog.Any("report", report))
	return report, nil
}

func (s *Service) retryPayment(ctx context.Context, id string) error {
	return s.commit(ctx, func(ctx context.Context, tx Tx, fx *effects) error {
		sub, err := tx.LockSubscription(ctx, id)
		if err != nil {
			return err
		}
		now := s.clock()
		if sub.Status != StatusPastDue || sub.NextRetryAt == nil || sub.NextRetryAt.After(now) {
			return errNotDue
		}
		auth, err := tx.GetAuthorization(ctx, sub.AuthorizationID)
		if err != nil {
			return err
		}

		// Keys are scoped to the delinquency episode so a later episode
		// starts its attempts afresh.
		episode := fmt.Sprint(sub.CurrentPeriodStart.Unix())
		if g, err := tx.ActiveGracePeriod(ctx, sub.ID); err == nil {
			episode = g.ID
		} else if !errors.Is(err, ErrGracePeriodNotFound) {
			return err
		}
		attempt := max(sub.RetryCount-s.policy.FailureThreshold+1, 1)
		key := fmt.Sprintf("retry:%s:%s:%d", sub.ID, episode, attempt)

		payment, err := tx.PaymentByIdempotencyKey(ctx, key)
		switch {
		case errors.Is(err, ErrPaymentNotFound):
			payment = nil
		case err != nil:
			return err
		case payment.Status.Terminal():
			return fmt.Errorf("%w: retry %s already recorded as %s", ErrConcurrentModification, key, payment.Status)
		}

		var res ChargeResult
		chargeErr := s.callGateway(ctx, "charge", func(ctx context.Context) error {
			var err error
			res, err = s.gateway.Charge(ctx, ChargeRequest{
				ExternalMemberReference: auth.ExternalMemberReference,
				Amount:                  sub.Amount,
				Currency:                sub.Currency,
				Description:             fmt.Sprintf("Payment retry %d", attempt),
				IdempotencyKey:          key,
			})
			return err
		})

		insert := payment == nil
		if insert {
			payment = &Payment{
				ID:             s.newID(),
				SubscriptionID: sub.ID,
				IdempotencyKey: key,
				Kind:           PaymentRetry,
				Amount:         sub.Amount,
				Currency:       sub.Currency,
				PeriodStart:    sub.CurrentPeriodStart,
				PeriodEnd:      sub.CurrentPeriodEnd,
			}
		}
		payment.RetryCount = attempt
		payment.ProcessedAt = now

		switch {
		case chargeErr != nil:
			payment.Status = PaymentPending
			payment.FailureReason = chargeErr.Error()
			next := now.Add(s.policy.TransientRetryDelay)
			sub.NextRetryAt = &next

		case res.Outcome == ChargeSucceeded:
			if _, err := transition(ctx, sub, EventPaymentRecovered, nil); err != nil {
				return err
			}
			payment.Status = PaymentSuccess
			payment.FailureReason = ""
			payment.ExternalTransactionID = res.TransactionID
			sub.Status = StatusActive
			sub.RetryCount = 0
			sub.NextRetryAt = nil
			if err := s.closeGracePeriod(ctx, tx, sub.ID, GraceResolved); err != nil {
				return err
			}
			fx.notify(Notification{
				Kind: NotifyPaymentRecovered, UserID: sub.UserID, Email: sub.ContactEmail,
				SubscriptionID: sub.ID, PlanID: sub.PlanID, Amount: sub.Amount, Currency: sub.Currency,
				EffectiveDate: now,
			})

		default:
			payment.Status = PaymentFailed
			payment.FailureReason = res.DeclineReason
			payment.ExternalTransactionID = res.TransactionID
			sub.RetryCount++
			sub.NextRetryAt = s.nextRetryAt(sub.RetryCount, now)
			fx.notify(Notification{
				Kind: NotifyPaymentFailed, UserID: sub.UserID, Email: sub.ContactEmail,
				SubscriptionID: sub.ID, PlanID: sub.PlanID, Amount: sub.Amount, Currency: sub.Currency,
				Reason: res.DeclineReason, EffectiveDate: now,
			})
		}

		if insert {
			err = tx.InsertPayment(ctx, payment)
		} else {
			err = tx.UpdatePayment(ctx, payment)
		}
		if err != nil {
			return err
		}

		sub.UpdatedAt = now
		s.logger.InfoContext(ctx, "payment retry attempted",
			logger.SubscriptionID(sub.ID),
			logger.RetryCount(attempt),
			slog.String("result", string(payment.Status)))
		return tx.UpdateSubscription(ctx, sub)
	})
}

// nextRetryAt returns when the scheduler should retry after failures
// consecutive failures, or nil when retries are exhausted.
func (s *Service) nextRetryAt(failures int, now time.Time) *time.Time {
	done := failures - s.policy.FailureThreshold
	if done < 0 || done >= s.policy.MaxRetries {
		return nil
	}
	next := now.Add(s.policy.Backoff().NextInterval(done + 1))
	return &next
}

// ExpireGracePeriods cancels subscriptions whose grace period ended without
// a successful payment. Running it again is a no-op.
func (s *Service) ExpireGracePeriods(ctx context.Context) (SweepReport, error) {
	now := s.clock()
	var ids []string
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		gs, err := tx.ExpiredGracePeriods(ctx, now, s.policy.SweepBatchSize)
		for _, g := range gs {
			ids = append(ids, g.SubscriptionID)
		}
		return err
	})
	if err != nil {
		return SweepReport{}, fmt.Errorf("failed to list expired grace periods: %w", err)
	}
	report := s.sweep(ctx, sweepGrace, ids, s.expireGracePeriod)
	s.logger.InfoContext(ctx, "grace period sweep finished", slog.Any("report", report))
	return report, nil
}

func (s *Service) expireGracePeriod(ctx context.Context, subscriptionID string) error {
	return s.commit(ctx, func(ctx context.Context, tx Tx, fx *effects) error {
		sub, err := tx.LockSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		g, err := tx.ActiveGracePeriod(ctx, sub.ID)
		if errors.Is(err, ErrGracePeriodNotFound) {
			return errNotDue
		}
		if err != nil {
			return err
		}
		now := s.clock()
		if g.EndDate.After(now) {
			return errNotDue
		}

		if sub.Status != StatusPastDue {
			g.Status = GraceResolved
			g.ResolvedAt = &now
			return tx.UpdateGracePeriod(ctx, g)
		}
		if _, err := transition(ctx, sub, EventGraceExpired, nil); err != nil {
			return err
		}
		return s.finalizeCancellation(ctx, tx, fx, sub, reasonPaymentFailed, false)
	})
}

// ExpirePendingAuthorizations cancels subscriptions still awaiting gateway
// confirmation after the authorization timeout, releasing the authorization.
func (s *Service) ExpirePendingAuthorizations(ctx context.Context) (SweepReport, error) {
	cutoff := s.clock().Add(-s.policy.AuthorizationTimeout)
	ids, err := s.candidates(ctx, func(ctx context.Context, tx Tx) ([]string, error) {
		return tx.StalePendingAuthorizations(ctx, cutoff, s.policy.SweepBatchSize)
	})
	if err != nil {
		return SweepReport{}, fmt.Errorf("failed to list stale authorizations: %w", err)
	}
	report := s.sweep(ctx, sweepAuthExpiry, ids, func(ctx context.Context, id string) error {
		return s.commit(ctx, func(ctx context.Context, tx Tx, fx *effects) error {
			sub, err := tx.LockSubscription(ctx, id)
			if err != nil {
				return err
			}
			if sub.Status != StatusPendingAuthorization || sub.CreatedAt.After(s.clock().Add(-s.policy.AuthorizationTimeout)) {
				return errNotDue
			}
			if _, err := transition(ctx, sub, EventAuthorizationExpired, nil); err != nil {
				return err
			}
			return s.finalizeCancellation(ctx, tx, fx, sub, reasonAuthExpired, false)
		})
	})
	s.logger.InfoContext(ctx, "pending authorization sweep finished", slog.Any("report", report))
	return report, nil
}

// SyncAuthorizations retries gateway follow-ups that failed after commit:
// recurring amount updates and cancellations of authorizations whose
// subscription is already cancelled.
func (s *Service) SyncAuthorizations(ctx context.Context) (SweepReport, error) {
	var auths []Authorization
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		auths, err = tx.AuthorizationsToSync(ctx, s.policy.SweepBatchSize)
		return err
	})
	if err != nil {
		return SweepReport{}, fmt.Errorf("failed to list authorizations to sync: %w", err)
	}

	ids := make([]string, 0, len(auths))
	for _, a := range auths {
		ids = append(ids, a.ID)
	}
	report := s.sweep(ctx, sweepSync, ids, func(ctx context.Context, id string) error {
		var release bool
		err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			auth, err := tx.GetAuthorization(ctx, id)
			if err != nil {
				return err
			}
			sub, err := tx.GetSubscription(ctx, auth.SubscriptionID)
			if err != nil {
				return err
			}
			release = sub.Status == StatusCancelled
			return nil
		})
		if err != nil {
			return err
		}
		if release {
			return s.releaseAuthorization(ctx, id)
		}
		return s.pushRecurringAmount(ctx, id)
	})
	s.logger.InfoContext(ctx, "authorization sync finished", slog.Any("report", report))
	return report, nil
}

// RunMaintenance is the general maintenance job.
func (s *Service) RunMaintenance(ctx context.Context) error {
	periodEnd, err := s.ApplyPeriodEndSweep(ctx)
	if err != nil {
		return err
	}
	expired, err := s.ExpirePendingAuthorizations(ctx)
	if err != nil {
		return err
	}
	sync, err := s.SyncAuthorizations(ctx)
	if err != nil {
		return err
	}
	return failedItems(periodEnd, expired, sync)
}

// RunRetries is the payment recovery job.
func (s *Service) RunRetries(ctx context.Context) error {
	retries, err := s.RetryPayments(ctx)
	if err != nil {
		return err
	}
	grace, err := s.ExpireGracePeriods(ctx)
	if err != nil {
		return err
	}
	return failedItems(retries, grace)
}

var ErrSweepIncomplete = errors.New("billing: some sweep items failed")

func failedItems(reports ...SweepReport) error {
	var total SweepReport
	for _, r := range reports {
		total.add(r)
	}
	if total.Failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrSweepIncomplete, total.Failed, total.Scanned)
	}
	return nil
}
