package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/logger"
)

const tracerName = "github.com/howie/coaching-transcript-tool-sub005/pkg/billing"

// Service owns every subscription state transition.
type Service struct {
	store    Store
	gateway  Gateway
	catalog  *Catalog
	policy   Policy
	notifier Notifier
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithCatalog sets the plan catalog. Defaults to DefaultCatalog.
func WithCatalog(c *Catalog) ServiceOption {
	return func(s *Service) {
		if c != nil {
			s.catalog = c
		}
	}
}

// WithPolicy sets the retry, grace and proration policy. NewService rejects
// an invalid policy.
func WithPolicy(p Policy) ServiceOption {
	return func(s *Service) { s.policy = p }
}

// WithNotifier sets where post-commit notifications go. Defaults to a no-op.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithLogger sets the base logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics. A nil Metrics disables them.
func WithMetrics(m *Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithTracer sets the OpenTelemetry tracer. Defaults to the global provider.
func WithTracer(t trace.Tracer) ServiceOption {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock replaces time.Now. Times are stored in UTC.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator replaces uuid.NewString for new record IDs.
func WithIDGenerator(f func() string) ServiceOption {
	return func(s *Service) {
		if f != nil {
			s.newID = f
		}
	}
}

// NewService builds a Service over store and gateway. Both are required.
func NewService(store Store, gateway Gateway, opts ...ServiceOption) (*Service, error) {
	if store == nil || gateway == nil {
		return nil, fmt.Errorf("%w: store and gateway are required", ErrInvalidPolicy)
	}
	s := &Service{
		store:    store,
		gateway:  gateway,
		catalog:  DefaultCatalog(),
		policy:   DefaultPolicy(),
		notifier: noopNotifier{},
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.policy.Validate(); err != nil {
		return nil, err
	}
	s.logger = s.logger.With(logger.Component("billing"))
	return s, nil
}

// Catalog returns the plans the service sells.
func (s *Service) Catalog() *Catalog { return s.catalog }

// Policy returns the active policy.
func (s *Service) Policy() Policy { return s.policy }

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// effects are side effects that run only after a transaction commits.
type effects struct {
	notifications []Notification
	releaseAuth   []string
	// releaseRefs are gateway authorizations with no local record.
	releaseRefs []string
	syncAmount  []string
}

func (fx *effects) notify(n Notification) {
	fx.notifications = append(fx.notifications, n)
}

// commit runs fn in a transaction and, once it commits, the collected
// gateway follow-ups and notifications.
func (s *Service) commit(ctx context.Context, fn func(ctx context.Context, tx Tx, fx *effects) error) error {
	fx := &effects{}
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		*fx = effects{}
		return fn(ctx, tx, fx)
	})
	if err != nil {
		return err
	}
	s.runEffects(ctx, fx)
	return nil
}

func (s *Service) runEffects(ctx context.Context, fx *effects) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range fx.releaseAuth {
		if err := s.releaseAuthorization(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "authorization cancel deferred to reconciliation",
				slog.String("authorization_id", id), logger.Error(err))
		}
	}
	for _, ref := range fx.releaseRefs {
		if err := s.callGateway(ctx, "cancel_authorization", func(ctx context.Context) error {
			return s.gateway.CancelAuthorization(ctx, ref)
		}); err != nil {
			s.logger.WarnContext(ctx, "failed to cancel unrecorded authorization",
				slog.String("external_member_reference", ref), logger.Error(err))
		}
	}
	for _, id := range fx.syncAmount {
		if err := s.pushRecurringAmount(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "recurring amount update deferred to reconciliation",
				slog.String("authorization_id", id), logger.Error(err))
		}
	}
	for _, n := range fx.notifications {
		if n.OccurredAt.IsZero() {
			n.OccurredAt = s.clock()
		}
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.logger.WarnContext(ctx, "notification failed",
				slog.String("kind", string(n.Kind)),
				logger.SubscriptionID(n.SubscriptionID),
				logger.Error(err))
		}
	}
}

// callGateway times a gateway call under the charge timeout. Any error is
// reported as ErrGatewayUnavailable.
func (s *Service) callGateway(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.policy.ChargeTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "gateway."+op)
	defer span.End()

	started := time.Now()
	err := fn(ctx)
	s.metrics.gatewayCall(op, time.Since(started), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
		if !errors.Is(err, ErrGatewayUnavailable) {
			err = errors.Join(ErrGatewayUnavailable, err)
		}
	}
	return err
}

func (s *Service) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "billing."+op, trace.WithAttributes(attrs...))
}

// finish ends the span, records the operation metric and logs failures.
func (s *Service) finish(ctx context.Context, span trace.Span, op string, err error, attrs ...slog.Attr) {
	defer span.End()
	s.metrics.transition(op, err)
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, string(KindOf(err)))

	level := slog.LevelWarn
	if k := KindOf(err); k == KindInternal || k == KindTransient {
		level = slog.LevelError
	}
	attrs = append(attrs, logger.Operation(op), slog.String("kind", string(KindOf(err))), logger.Error(err))
	s.logger.LogAttrs(ctx, level, "billing operation failed", attrs...)
}

func (s *Service) lockOwned(ctx context.Context, tx Tx, userID, subscriptionID string) (*Subscription, error) {
	sub, err := tx.LockSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.UserID != userID {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) summary(ctx context.Context, tx Tx, sub *Subscription) (*Summary, error) {
	plan, err := s.catalog.Get(sub.PlanID)
	if err != nil {
		plan = Plan{ID: sub.PlanID, Name: sub.PlanID}
	}
	out := &Summary{Subscription: sub.Clone(), Plan: plan, State: StateOf(sub)}

	pc, err := tx.GetPendingChange(ctx, sub.ID)
	switch {
	case err == nil:
		out.PendingChange = pc
	case !errors.Is(err, ErrPendingChangeNotFound):
		return nil, err
	}

	g, err := tx.ActiveGracePeriod(ctx, sub.ID)
	switch {
	case err == nil:
		out.GracePeriod = g
	case !errors.Is(err, ErrGracePeriodNotFound):
		return nil, err
	}
	return out, nil
}

func (s *Service) resolveCycle(requested BillingCycle, fallback BillingCycle) (BillingCycle, error) {
	if requested == "" {
		return fallback, nil
	}
	if !requested.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidBillingCycle, requested)
	}
	return requested, nil
}

// finalizeCancellation moves sub to cancelled, clears the pending change,
// closes the grace period and, unless the gateway already revoked it,
// schedules cancelling the authorization after commit.
func (s *Service) finalizeCancellation(ctx context.Context, tx Tx, fx *effects, sub *Subscription, reason string, gatewayRevoked bool) error {
	now := s.clock()

	sub.Status = StatusCancelled
	sub.CancelledAt = &now
	sub.CancelAtPeriodEnd = false
	sub.NextRetryAt = nil
	if reason != "" {
		sub.CancellationReason = reason
	}
	sub.UpdatedAt = now

	if err := tx.DeletePendingChange(ctx, sub.ID); err != nil && !errors.Is(err, ErrPendingChangeNotFound) {
		return err
	}
	if err := s.closeGracePeriod(ctx, tx, sub.ID, GraceExpired); err != nil {
		return err
	}
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return err
	}

	if sub.AuthorizationID != "" {
		if gatewayRevoked {
			if err := s.markAuthorizationCancelled(ctx, tx, sub.AuthorizationID); err != nil {
				return err
			}
		} else {
			fx.releaseAuth = append(fx.releaseAuth, sub.AuthorizationID)
		}
	}

	fx.notify(Notification{
		Kind:           NotifySubscriptionCancelled,
		UserID:         sub.UserID,
		Email:          sub.ContactEmail,
		SubscriptionID: sub.ID,
		PlanID:         s.catalog.Free().ID,
		Reason:         sub.CancellationReason,
		EffectiveDate:  now,
	})
	return nil
}

func (s *Service) closeGracePeriod(ctx context.Context, tx Tx, subscriptionID string, status GraceStatus) error {
	g, err := tx.ActiveGracePeriod(ctx, subscriptionID)
	if errors.Is(err, ErrGracePeriodNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	now := s.clock()
	g.Status = status
	g.ResolvedAt = &now
	return tx.UpdateGracePeriod(ctx, g)
}

func (s *Service) markAuthorizationCancelled(ctx context.Context, tx Tx, authorizationID string) error {
	auth, err := tx.GetAuthorization(ctx, authorizationID)
	if err != nil {
		return err
	}
	if auth.Status == AuthorizationCancelled {
		return nil
	}
	auth.Status = AuthorizationCancelled
	auth.UpdatedAt = s.clock()
	return tx.UpdateAuthorization(ctx, auth)
}

// releaseAuthorization cancels the authorization at the gateway and records it.
func (s *Service) releaseAuthorization(ctx context.Context, authorizationID string) error {
	var ref string
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		auth, err := tx.GetAuthorization(ctx, authorizationID)
		if err != nil {
			return err
		}
		if auth.Status != AuthorizationCancelled {
			ref = auth.ExternalMemberReference
		}
		return nil
	})
	if err != nil || ref == "" {
		return err
	}

	if err := s.callGateway(ctx, "cancel_authorization", func(ctx context.Context) error {
		return s.gateway.CancelAuthorization(ctx, ref)
	}); err != nil {
		return err
	}

	return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return s.markAuthorizationCancelled(ctx, tx, authorizationID)
	})
}

// pushRecurringAmount sends the authorization's recurring amount to the
// gateway and marks it synced if it did not change in the meantime.
func (s *Service) pushRecurringAmount(ctx context.Context, authorizationID string) error {
	var snapshot *Authorization
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		auth, err := tx.GetAuthorization(ctx, authorizationID)
		if err != nil {
			return err
		}
		if !auth.AmountSynced && auth.Status == AuthorizationActive {
			snapshot = auth
		}
		return nil
	})
	if err != nil || snapshot == nil {
		return err
	}

	if err := s.callGateway(ctx, "update_recurring_amount", func(ctx context.Context) error {
		return s.gateway.UpdateRecurringAmount(ctx, RecurringAmountRequest{
			ExternalMemberReference: snapshot.ExternalMemberReference,
			Amount:                  snapshot.RecurringAmount,
			Currency:                snapshot.Currency,
			IdempotencyKey:          snapshot.AmountIdempotencyKey(),
		})
	}); err != nil {
		return err
	}

	return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		auth, err := tx.GetAuthorization(ctx, authorizationID)
		if err != nil {
			return err
		}
		if auth.AmountSynced || auth.AmountRevision != snapshot.AmountRevision {
			return nil
		}
		auth.AmountSynced = true
		auth.UpdatedAt = s.clock()
		return tx.UpdateAuthorization(ctx, auth)
	})
}

func ignoreDuplicate(err error) error {
	if errors.Is(err, ErrDuplicatePayment) {
		return nil
	}
	return err
}
