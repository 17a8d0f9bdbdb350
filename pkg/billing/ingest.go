package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/logger"
)

// Gateway webhook event types.
const (
	EventTypePaymentSuccess         = "payment_success"
	EventTypePaymentFailure         = "payment_failure"
	EventTypeAuthorizationCancelled = "authorization_cancelled"
	EventTypeAuthorizationConfirmed = "authorization_confirmed"
)

// InboundWebhook is a raw webhook delivery.
type InboundWebhook struct {
	Payload     []byte
	ContentType string
	Header      http.Header
}

// GatewayEvent is a decoded webhook event.
type GatewayEvent struct {
	ID        string
	Type      string
	Amount    int64
	Currency  string
	Timestamp time.Time
	// SubscriptionID or ExternalMemberReference identifies the subscription.
	SubscriptionID          string
	ExternalMemberReference string
	TransactionID           string
	FailureReason           string
	// PeriodStart is the start of the period a payment covers, when known.
	PeriodStart *time.Time
	// IdempotencyKey echoes the key of the charge request that produced the
	// event, when the gateway reports it.
	IdempotencyKey string
}

// Verifier authenticates a delivery.
type Verifier interface {
	Verify(ctx context.Context, in InboundWebhook) error
}

// Decoder parses a verified delivery.
type Decoder interface {
	Decode(in InboundWebhook) (GatewayEvent, error)
}

// IngestResult reports what happened to a delivery.
type IngestResult struct {
	EventID   string
	EventType string
	Duplicate bool
	Ignored   bool
}

// Ingestor verifies, deduplicates and applies gateway webhooks.
type Ingestor struct {
	svc      *Service
	verifier Verifier
	decoder  Decoder
	recent   *cache.Cache
}

func NewIngestor(svc *Service, verifier Verifier, decoder Decoder) (*Ingestor, error) {
	if svc == nil || verifier == nil || decoder == nil {
		return nil, fmt.Errorf("%w: service, verifier and decoder are required", ErrInvalidPolicy)
	}
	ttl := svc.policy.DedupCacheTTL
	return &Ingestor{
		svc:      svc,
		verifier: verifier,
		decoder:  decoder,
		recent:   cache.New(ttl, 2*ttl),
	}, nil
}

// Ingest applies a delivery exactly once. Redelivery of a processed event is
// a successful no-op. The returned error is ErrSignatureVerification or
// ErrInvalidEvent for bad deliveries, anything else is worth a redelivery.
func (i *Ingestor) Ingest(ctx context.Context, in InboundWebhook) (_ IngestResult, err error) {
	s := i.svc
	ctx, span := s.startSpan(ctx, "ingest_webhook")
	var res IngestResult
	defer func() {
		s.finish(ctx, span, "ingest_webhook", err, logger.EventID(res.EventID), logger.EventType(res.EventType))
		s.metrics.webhook(res.EventType, webhookResult(res, err))
	}()

	if err := i.verifier.Verify(ctx, in); err != nil {
		return res, errors.Join(ErrSignatureVerification, err)
	}
	evt, err := i.decoder.Decode(in)
	if err != nil {
		return res, errors.Join(ErrInvalidEvent, err)
	}
	if evt.Type == "" {
		return res, fmt.Errorf("%w: missing event type", ErrInvalidEvent)
	}
	if evt.ID == "" {
		evt.ID = DeriveEventID(evt)
	}
	res.EventID, res.EventType = evt.ID, evt.Type
	span.SetAttributes(attribute.String("event_id", evt.ID), attribute.String("event_type", evt.Type))

	if _, seen := i.recent.Get(evt.ID); seen {
		res.Duplicate = true
		s.logger.DebugContext(ctx, "duplicate webhook skipped", logger.EventID(evt.ID))
		return res, nil
	}

	hash := payloadHash(in.Payload)
	err = s.commit(ctx, func(ctx context.Context, tx Tx, fx *effects) error {
		res.Duplicate, res.Ignored = false, false
		now := s.clock()
		existing, inserted, err := tx.InsertWebhookEvent(ctx, &WebhookEvent{
			ExternalEventID: evt.ID,
			EventType:       evt.Type,
			PayloadHash:     hash,
			ReceivedAt:      now,
		})
		if err != nil {
			return err
		}
		if !inserted && existing.Processed {
			res.Duplicate = true
			if existing.PayloadHash != hash {
				s.logger.WarnContext(ctx, "redelivered webhook payload differs",
					logger.EventID(evt.ID), logger.EventType(evt.Type))
			}
			return nil
		}

		ignored, err := i.route(ctx, tx, fx, evt, now)
		if err != nil {
			return err
		}
		res.Ignored = ignored
		return tx.MarkWebhookProcessed(ctx, evt.ID, now)
	})
	if err != nil {
		return res, err
	}
	i.recent.SetDefault(evt.ID, struct{}{})
	return res, nil
}

func webhookResult(res IngestResult, err error) string {
	switch {
	case err != nil:
		return string(KindOf(err))
	case res.Duplicate:
		return "duplicate"
	case res.Ignored:
		return "ignored"
	default:
		return "applied"
	}
}

// DeriveEventID builds a stable id for gateways that do not send one.
func DeriveEventID(evt GatewayEvent) string {
	h := sha256.New()
	for _, part := range []string{
		evt.Type, evt.SubscriptionID, evt.ExternalMemberReference, evt.TransactionID,
		strconv.FormatInt(evt.Amount, 10), strconv.FormatInt(evt.Timestamp.Unix(), 10),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "derived_" + hex.EncodeToString(h.Sum(nil))[:32]
}

func payloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// route applies evt and reports whether it was ignored.
func (i *Ingestor) route(ctx context.Context, tx Tx, fx *effects, evt GatewayEvent, now time.Time) (bool, error) {
	s := i.svc
	sub, err := i.resolveSubscription(ctx, tx, evt)
	if errors.Is(err, ErrSubscriptionNotFound) || errors.Is(err, ErrAuthorizationNotFound) {
		s.logger.WarnContext(ctx, "webhook for unknown subscription ignored",
			logger.EventID(evt.ID), logger.EventType(evt.Type),
			logger.SubscriptionID(evt.SubscriptionID),
			slog.String("external_member_reference", evt.ExternalMemberReference))
		// An authorization nobody recorded, such as one whose Authorize call
		// timed out, must not keep charging.
		if evt.ExternalMemberReference == "" || evt.Type == EventTypeAuthorizationCancelled {
			return true, nil
		}
		switch _, err := tx.GetAuthorizationByReference(ctx, evt.ExternalMemberReference); {
		case errors.Is(err, ErrAuthorizationNotFound):
			fx.releaseRefs = append(fx.releaseRefs, evt.ExternalMemberReference)
		case err != nil:
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	switch evt.Type {
	case EventTypePaymentSuccess:
		return false, i.paymentSucceeded(ctx, tx, fx, sub, evt, now)
	case EventTypePaymentFailure:
		return false, i.paymentFailed(ctx, tx, fx, sub, evt, now)
	case EventTypeAuthorizationCancelled:
		return i.authorizationCancelled(ctx, tx, fx, sub, evt)
	case EventTypeAuthorizationConfirmed:
		return i.authorizationConfirmed(ctx, tx, fx, sub, evt, now)
	default:
		s.logger.InfoContext(ctx, "unhandled webhook type ignored", logger.EventID(evt.ID), logger.EventType(evt.Type))
		return true, nil
	}
}

func (i *Ingestor) resolveSubscription(ctx context.Context, tx Tx, evt GatewayEvent) (*Subscription, error) {
	id := evt.SubscriptionID
	if id == "" {
		if evt.ExternalMemberReference == "" {
			return nil, ErrSubscriptionNotFound
		}
		auth, err := tx.GetAuthorizationByReference(ctx, evt.ExternalMemberReference)
		if err != nil {
			return nil, err
		}
		id = auth.SubscriptionID
	}
	return tx.LockSubscription(ctx, id)
}

func (i *Ingestor) eventPayment(sub *Subscription, evt GatewayEvent, status PaymentStatus, kind PaymentKind, now time.Time) *Payment {
	amount, currency := evt.Amount, evt.Currency
	if amount == 0 {
		amount = sub.Amount
	}
	if currency == "" {
		currency = sub.Currency
	}
	return &Payment{
		ID:                    i.svc.newID(),
		SubscriptionID:        sub.ID,
		ExternalTransactionID: evt.TransactionID,
		IdempotencyKey:        "webhook:" + evt.ID,
		Kind:                  kind,
		Amount:                amount,
		Currency:              currency,
		Status:                status,
		PeriodStart:           sub.CurrentPeriodStart,
		PeriodEnd:             sub.CurrentPeriodEnd,
		FailureReason:         evt.FailureReason,
		ProcessedAt:           now,
	}
}

func (i *Ingestor) paymentSucceeded(ctx context.Context, tx Tx, fx *effects, sub *Subscription, evt GatewayEvent, now time.Time) error {
	s := i.svc
	if settled, err := i.settleUpgradeCharge(ctx, tx, sub, evt, PaymentSuccess, now); settled || err != nil {
		return err
	}
	if sub.Status == StatusCancelled || sub.Status == StatusPendingAuthorization {
		s.logger.WarnContext(ctx, "payment for inactive subscription recorded without state change",
			logger.SubscriptionID(sub.ID), slog.String("status", string(sub.Status)))
		return ignoreDuplicate(tx.InsertPayment(ctx, i.eventPayment(sub, evt, PaymentSuccess, PaymentRecurring, now)))
	}

	anchor := sub.CurrentPeriodStart
	switch {
	case evt.PeriodStart != nil:
		anchor = evt.PeriodStart.UTC()
	case !evt.Timestamp.IsZero() && !evt.Timestamp.Before(sub.CurrentPeriodEnd):
		anchor = sub.CurrentPeriodEnd
	}
	if end := sub.BillingCycle.AddTo(anchor); end.After(sub.CurrentPeriodEnd) {
		sub.CurrentPeriodStart = anchor
		sub.CurrentPeriodEnd = end
	}

	p := i.eventPayment(sub, evt, PaymentSuccess, PaymentRecurring, now)
	if err := tx.InsertPayment(ctx, p); err != nil {
		// Already booked under another event id for the same transaction.
		return ignoreDuplicate(err)
	}

	if sub.Status == StatusPastDue {
		if _, err := transition(ctx, sub, EventPaymentRecovered, nil); err != nil {
			return err
		}
		fx.notify(Notification{
			Kind: NotifyPaymentRecovered, UserID: sub.UserID, Email: sub.ContactEmail,
			SubscriptionID: sub.ID, PlanID: sub.PlanID, Amount: p.Amount, Currency: p.Currency,
			EffectiveDate: now,
		})
	}
	sub.Status = StatusActive
	sub.RetryCount = 0
	sub.NextRetryAt = nil
	sub.UpdatedAt = now
	if err := s.closeGracePeriod(ctx, tx, sub.ID, GraceResolved); err != nil {
		return err
	}
	if err := i.touchAuthorization(ctx, tx, sub, now); err != nil {
		return err
	}
	return tx.UpdateSubscription(ctx, sub)
}

// settleUpgradeCharge resolves the outcome of a proration charge from its
// webhook. A success for an upgrade that was never applied is kept as
// refund_due. It reports false for events that are not proration charges.
func (i *Ingestor) settleUpgradeCharge(ctx context.Context, tx Tx, sub *Subscription, evt GatewayEvent, outcome PaymentStatus, now time.Time) (bool, error) {
	if !strings.HasPrefix(evt.IdempotencyKey, upgradeKeyPrefix) {
		return false, nil
	}
	p, err := tx.PaymentByIdempotencyKey(ctx, evt.IdempotencyKey)
	insert := errors.Is(err, ErrPaymentNotFound)
	switch {
	case insert:
		p = i.eventPayment(sub, evt, PaymentPending, PaymentProration, now)
		p.IdempotencyKey = evt.IdempotencyKey
	case err != nil:
		return true, err
	case p.Status.Terminal():
		return true, nil
	}

	if evt.TransactionID != "" {
		p.ExternalTransactionID = evt.TransactionID
	}
	p.ProcessedAt = now
	if outcome == PaymentFailed {
		p.Status = PaymentFailed
		p.FailureReason = evt.FailureReason
	} else {
		p.Status = PaymentRefundDue
		i.svc.logger.WarnContext(ctx, "charge for an upgrade that was not applied flagged for refund",
			logger.SubscriptionID(sub.ID), logger.EventID(evt.ID),
			slog.String("idempotency_key", p.IdempotencyKey), slog.Int64("amount", p.Amount))
	}
	if insert {
		return true, ignoreDuplicate(tx.InsertPayment(ctx, p))
	}
	return true, tx.UpdatePayment(ctx, p)
}

func (i *Ingestor) touchAuthorization(ctx context.Context, tx Tx, sub *Subscription, now time.Time) error {
	if sub.AuthorizationID == "" {
		return nil
	}
	auth, err := tx.GetAuthorization(ctx, sub.AuthorizationID)
	if err != nil {
		return err
	}
	end := sub.CurrentPeriodEnd
	auth.ExecutionCount++
	auth.NextPayDate = &end
	auth.UpdatedAt = now
	return tx.UpdateAuthorization(ctx, auth)
}

func (i *Ingestor) paymentFailed(ctx context.Context, tx Tx, fx *effects, sub *Subscription, evt GatewayEvent, now time.Time) error {
	s := i.svc
	if settled, err := i.settleUpgradeCharge(ctx, tx, sub, evt, PaymentFailed, now); settled || err != nil {
		return err
	}
	p := i.eventPayment(sub, evt, PaymentFailed, PaymentRecurring, now)
	p.RetryCount = sub.RetryCount + 1
	if err := tx.InsertPayment(ctx, p); err != nil {
		if errors.Is(err, ErrDuplicatePayment) {
			return nil
		}
		return err
	}
	if sub.Status != StatusActive && sub.Status != StatusPastDue {
		return nil
	}

	if _, err := transition(ctx, sub, EventPaymentFailed, nil); err != nil {
		return err
	}
	sub.RetryCount++
	sub.UpdatedAt = now

	if sub.RetryCount >= s.policy.FailureThreshold && sub.Status == StatusActive {
		sub.Status = StatusPastDue
		sub.NextRetryAt = s.nextRetryAt(sub.RetryCount, now)

		g := &GracePeriod{
			ID:             s.newID(),
			SubscriptionID: sub.ID,
			StartDate:      now,
			EndDate:        now.Add(s.policy.GracePeriod),
			Reason:         reasonPaymentFailed,
			Status:         GraceActive,
		}
		switch err := tx.InsertGracePeriod(ctx, g); {
		case err == nil:
			fx.notify(Notification{
				Kind: NotifyGracePeriodStarted, UserID: sub.UserID, Email: sub.ContactEmail,
				SubscriptionID: sub.ID, PlanID: sub.PlanID, Amount: sub.Amount, Currency: sub.Currency,
				Reason: evt.FailureReason, EffectiveDate: g.EndDate,
			})
		case !errors.Is(err, ErrGracePeriodExists):
			return err
		}
	}

	fx.notify(Notification{
		Kind: NotifyPaymentFailed, UserID: sub.UserID, Email: sub.ContactEmail,
		SubscriptionID: sub.ID, PlanID: sub.PlanID, Amount: p.Amount, Currency: p.Currency,
		Reason: evt.FailureReason, EffectiveDate: now,
	})
	s.logger.InfoContext(ctx, "payment failure recorded",
		logger.SubscriptionID(sub.ID), logger.RetryCount(sub.RetryCount),
		slog.String("status", string(sub.Status)))
	return tx.UpdateSubscription(ctx, sub)
}

func (i *Ingestor) authorizationCancelled(ctx context.Context, tx Tx, fx *effects, sub *Subscription, evt GatewayEvent) (bool, error) {
	if sub.Status == StatusCancelled {
		return true, i.svc.markAuthorizationCancelled(ctx, tx, sub.AuthorizationID)
	}
	if _, err := transition(ctx, sub, EventAuthorizationRevoked, nil); err != nil {
		return false, err
	}
	return false, i.svc.finalizeCancellation(ctx, tx, fx, sub, EventTypeAuthorizationCancelled, true)
}

func (i *Ingestor) authorizationConfirmed(ctx context.Context, tx Tx, fx *effects, sub *Subscription, evt GatewayEvent, now time.Time) (bool, error) {
	if sub.Status != StatusPendingAuthorization {
		return true, nil
	}
	if _, err := transition(ctx, sub, EventAuthorizationConfirmed, nil); err != nil {
		return false, err
	}
	auth, err := tx.GetAuthorization(ctx, sub.AuthorizationID)
	if err != nil {
		return false, err
	}
	start := now
	if !evt.Timestamp.IsZero() {
		start = evt.Timestamp.UTC()
	}
	activate(sub, auth, start)
	sub.UpdatedAt = now
	auth.UpdatedAt = now

	if evt.TransactionID != "" {
		p := i.eventPayment(sub, evt, PaymentSuccess, PaymentInitial, now)
		switch err := tx.InsertPayment(ctx, p); {
		case err == nil:
			auth.ExecutionCount++
		case !errors.Is(err, ErrDuplicatePayment):
			return false, err
		}
	}
	if err := tx.UpdateAuthorization(ctx, auth); err != nil {
		return false, err
	}
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return false, err
	}
	fx.notify(Notification{
		Kind: NotifySubscriptionActivated, UserID: sub.UserID, Email: sub.ContactEmail,
		SubscriptionID: sub.ID, PlanID: sub.PlanID, Amount: sub.Amount, Currency: sub.Currency,
		EffectiveDate: start,
	})
	return false, nil
}
