package billing_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing/memstore"
)

type fakeGateway struct {
	mu sync.Mutex

	authorizeOutcome billing.AuthorizationOutcome
	chargeOutcome    billing.ChargeOutcome
	chargeErr        error

	charges       []billing.ChargeRequest
	cancelled     []string
	amountUpdates map[string]int64
	amountKeys    []string
	seq           int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		authorizeOutcome: billing.AuthorizationApproved,
		chargeOutcome:    billing.ChargeSucceeded,
		amountUpdates:    map[string]int64{},
	}
}

func (g *fakeGateway) Authorize(_ context.Context, req billing.AuthorizeRequest) (billing.AuthorizationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	res := billing.AuthorizationResult{
		Outcome:                 g.authorizeOutcome,
		ExternalMemberReference: "member_" + req.SubscriptionID,
	}
	switch g.authorizeOutcome {
	case billing.AuthorizationApproved:
		res.TransactionID = fmt.Sprintf("txn_auth_%d", g.seq)
	case billing.AuthorizationDenied:
		res.DeclineReason = "card_declined"
	}
	return res, nil
}

func (g *fakeGateway) Charge(_ context.Context, req billing.ChargeRequest) (billing.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges = append(g.charges, req)
	if g.chargeErr != nil {
		return billing.ChargeResult{}, g.chargeErr
	}
	g.seq++
	res := billing.ChargeResult{Outcome: g.chargeOutcome, TransactionID: fmt.Sprintf("txn_%d", g.seq)}
	if g.chargeOutcome == billing.ChargeDeclined {
		res.DeclineReason = "insufficient_funds"
	}
	return res, nil
}

func (g *fakeGateway) CancelAuthorization(_ context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, ref)
	return nil
}

func (g *fakeGateway) UpdateRecurringAmount(_ context.Context, req billing.RecurringAmountRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.amountUpdates[req.ExternalMemberReference] = req.Amount
	g.amountKeys = append(g.amountKeys, req.IdempotencyKey)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recorder struct {
	mu    sync.Mutex
	kinds []billing.NotificationKind
}

func (r *recorder) Notify(_ context.Context, n billing.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, n.Kind)
	return nil
}

func (r *recorder) Kinds() []billing.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]billing.NotificationKind(nil), r.kinds...)
}

type harness struct {
	svc      *billing.Service
	store    *memstore.Store
	gateway  *fakeGateway
	clock    *clock
	notified *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    memstore.New(),
		gateway:  newFakeGateway(),
		clock:    &clock{now: date(2026, 4, 1).Add(9 * time.Hour)},
		notified: &recorder{},
	}
	svc, err := billing.NewService(h.store, h.gateway,
		billing.WithClock(h.clock.Now),
		billing.WithNotifier(h.notified),
	)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) subscribe(t *testing.T, userID, planID string) *billing.Summary {
	t.Helper()
	sum, err := h.svc.Create(context.Background(), billing.CreateRequest{
		UserID: userID, PlanID: planID, Cycle: billing.CycleMonthly, Email: userID + "@example.com",
	})
	require.NoError(t, err)
	return sum
}

func (h *harness) inspect(t *testing.T, fn func(ctx context.Context, tx billing.Tx)) {
	t.Helper()
	require.NoError(t, h.store.WithinTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		fn(ctx, tx)
		return nil
	}))
}

func (h *harness) payment(t *testing.T, key string) *billing.Payment {
	t.Helper()
	var p *billing.Payment
	h.inspect(t, func(ctx context.Context, tx billing.Tx) {
		var err error
		p, err = tx.PaymentByIdempotencyKey(ctx, key)
		require.NoError(t, err)
	})
	return p
}

func upgradeKey(sub *billing.Subscription, from, to string) string {
	return fmt.Sprintf("upgrade:%s:%s:%s:%d", sub.ID, from, to, sub.CurrentPeriodStart.Unix())
}

func (h *harness) liveCount(t *testing.T, userID string) int {
	t.Helper()
	var n int
	h.inspect(t, func(ctx context.Context, tx billing.Tx) {
		if _, err := tx.LiveSubscriptionForUser(ctx, userID); err == nil {
			n = 1
		}
	})
	return n
}

func TestCreate(t *testing.T) {
	t.Parallel()

	t.Run("approved authorization activates", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		sum := h.subscribe(t, "u1", "pro")

		sub := sum.Subscription
		assert.Equal(t, billing.StatusActive, sub.Status)
		assert.Equal(t, billing.StateActive, sum.State)
		assert.Equal(t, int64(2000), sub.Amount)
		assert.Equal(t, date(2026, 5, 1).Add(9*time.Hour), sub.CurrentPeriodEnd)
		assert.Equal(t, []billing.NotificationKind{billing.NotifySubscriptionActivated}, h.notified.Kinds())

		page, err := h.svc.BillingHistory(context.Background(), "u1", sub.ID, billing.Page{})
		require.NoError(t, err)
		require.Equal(t, 1, page.Total)
		assert.Equal(t, billing.PaymentInitial, page.Items[0].Kind)
	})

	t.Run("second live subscription is rejected", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.subscribe(t, "u1", "pro")

		_, err := h.svc.Create(context.Background(), billing.CreateRequest{UserID: "u1", PlanID: "enterprise", Cycle: billing.CycleMonthly})
		require.ErrorIs(t, err, billing.ErrSubscriptionExists)
		assert.Equal(t, billing.KindConflict, billing.KindOf(err))
		assert.Equal(t, 1, h.liveCount(t, "u1"))
	})

	t.Run("pending authorization blocks another create", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.gateway.authorizeOutcome = billing.AuthorizationAwaiting

		sum := h.subscribe(t, "u1", "pro")
		assert.Equal(t, billing.StatusPendingAuthorization, sum.Subscription.Status)
		assert.Empty(t, h.notified.Kinds())

		_, err := h.svc.Create(context.Background(), billing.CreateRequest{UserID: "u1", PlanID: "pro", Cycle: billing.CycleMonthly})
		require.ErrorIs(t, err, billing.ErrSubscriptionExists)
	})

	t.Run("denied authorization persists nothing", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.gateway.authorizeOutcome = billing.AuthorizationDenied

		_, err := h.svc.Create(context.Background(), billing.CreateRequest{UserID: "u1", PlanID: "pro", Cycle: billing.CycleMonthly})
		require.ErrorIs(t, err, billing.ErrAuthorizationDenied)
		assert.Equal(t, billing.KindPayment, billing.KindOf(err))

		_, err = h.svc.Current(context.Background(), "u1")
		require.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	})

	t.Run("validation", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := context.Background()

		_, err := h.svc.Create(ctx, billing.CreateRequest{UserID: "u1", PlanID: "free", Cycle: billing.CycleMonthly})
		require.ErrorIs(t, err, billing.ErrInvalidPlanTransition)
		_, err = h.svc.Create(ctx, billing.CreateRequest{UserID: "u1", PlanID: "gold", Cycle: billing.CycleMonthly})
		require.ErrorIs(t, err, billing.ErrPlanNotFound)
		_, err = h.svc.Create(ctx, billing.CreateRequest{UserID: "u1", PlanID: "pro", Cycle: "weekly"})
		require.ErrorIs(t, err, billing.ErrInvalidBillingCycle)
	})
}

func TestCreateConcurrentKeepsOneLiveSubscription(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.svc.Create(context.Background(), billing.CreateRequest{UserID: "u1", PlanID: "pro", Cycle: billing.CycleMonthly})
		}()
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, billing.ErrSubscriptionExists)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, h.liveCount(t, "u1"))
}

func TestUpgrade(t *testing.T) {
	t.Parallel()

	t.Run("pro to enterprise on day 15 charges the prorated difference", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		sub := h.subscribe(t, "u1", "pro").Subscription
		h.clock.Set(date(2026, 4, 16).Add(12 * time.Hour))

		res, err := h.svc.Upgrade(context.Background(), billing.PlanChangeRequest{UserID: "u1", SubscriptionID: sub.ID, PlanID: "enterprise"})
		require.NoError(t, err)

		assert.Equal(t, int64(1500), res.ProratedCharge)
		require.NotNil(t, res.Payment)
		assert.Equal(t, billing.PaymentProration, res.Payment.Kind)
		assert.Equal(t, "enterprise", res.Summary.Subscription.PlanID)
		assert.Equal(t, int64(5000), res.Summary.Subscription.Amount)
		assert.Equal(t, sub.CurrentPeriodEnd, res.Summary.Subscription.CurrentPeriodEnd)

		require.Len(t, h.gateway.charges, 1)
		assert.Equal(t, int64(1500), h.gateway.charges[0].Amount)
		assert.Equal(t, int64(5000), h.gateway.amountUpdates["member_"+sub.ID])
	})

	t.Run("failed charge leaves the subscription unchanged", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		sub := h.subscribe(t, "u1", "pro").Subscription
		h.clock.Set(date(2026, 4, 16))
		h.gateway.chargeOutcome = billing.ChargeDeclined

		_, err := h.svc.Upgrade(context.Background(), billing.PlanChangeRequest{UserID: "u1", SubscriptionID: sub.ID, PlanID: "enterprise"})
		require.ErrorIs(t, err, billing.ErrPaymentFailed)

		got, err := h.svc.Get(context.Background(), "u1", sub.ID)
		require.NoError(t, err)
		assert.Equal(t, "pro", got.Subscription.PlanID)
		assert.Equal(t, int64(2000), got.Subscription.Amount)
	})

	t.Run("gateway timeout aborts", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		sub := h.subscribe(t, "u1", "pro").Subscription
		h.clock.Set(date(2026, 4, 16))
		h.gateway.chargeErr = context.DeadlineExceeded

		_, err := h.svc.Upgrade(context.Background(), billing.PlanChangeRequest{UserID: "u1", SubscriptionID: sub.ID, PlanID: "enterprise"})
		require.ErrorIs(t, err, billing.ErrPaymentFailed)
		assert.Equal(t, billing.KindPayment, billing.KindOf(err))

		got, err := h.svc.Get(context.Background(), "u1", sub.ID)
		require.NoError(t, err)
		assert.Equal(t, "pro", got.Subscription.PlanID)

		pending := h.payment(t, upgradeKey(sub, "pro", "enterprise"))
		assert.Equal(t, billing.PaymentPending, pending.Status)
		assert.Equal(t, billing.PaymentProration, pending.Kind)
		assert.Positive(t, pending.Amount)
	})

	t.Run("repeating a timed-out upgrade settles the pending charge", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := context.Background()
		sub := h.subscribe(t, "u1", "pro").Subscription
		h.clock.Set(date(2026, 4, 16))
		req := billing.PlanChangeRequest{UserID: "u1", SubscriptionID: sub.ID, PlanID: "enterprise"}

		h.gateway.chargeErr = context.DeadlineExceeded
		_, err := h.svc.Upgrade(ctx, req)
		require.Error(t, err)
		pending := h.payment(t, upgradeKey(sub, "pro", "enterprise"))

		h.gateway.chargeErr = nil
		res, err := h.svc.Upgrade(ctx, req)
		require.NoError(t, err)
		require.NotNil(t, res.Payment)
		assert.Equal(t, pending.ID, res.Payment.ID)

		settled := h.payment(t, upgradeKey(sub, "pro", "enterprise"))
		assert.Equal(t, billing.PaymentSuccess, settled.Status)
		assert.NotEmpty(t, settled.ExternalTransactionID)
		require.Len(t, h.gateway.charges, 2)
		assert.Equal(t, h.gateway.charges[0].IdempotencyKey, h.gateway.charges[1].IdempotencyKey)
	})

	t.Run("lower or equal plan is rejected", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		sub := h.subscribe(t, "u1", "enterprise").Subscription

		_, err := h.svc.Upgrade(context.Background(), billing.PlanChangeRequest{UserID: "u1", SubscriptionID: sub.ID, PlanID: "pro"})
		require.ErrorIs(t, err, billing.ErrInvalidPlanTransition)
		_, err = h.svc.Upgrade(context.Background(), billing.PlanChangeRequest{UserID: "u1", SubscriptionID: sub.ID, PlanID: "enterprise"})
		require.ErrorIs(t, err, billing.ErrInvalidPlanTransition)
	})

	t.Run("other users cannot see the subscription", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		sub := h.subscribe(t, "u1", "pro").Subscription

		_, err := h.svc.Upgrade(context.Background(), billing.PlanChangeRequest{UserID: "u2", SubscriptionID: sub.ID, PlanID: "enterprise"})
		require.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	})

	t.Run("upgrade supersedes a pending downgrade", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		sub := h.subscribe(t, "u1", "pro").Subscription
		ctx := context.Background()

		down, err := h.svc.Downgrade(ctx, billing.PlanChangeRequest{UserID: "u1", SubscriptionID: sub.ID, PlanID: "free"})
		require.NoError(t, err)
		require.NotNil(t, down.Summary.PendingChange)

		up, err := h.svc.Upgrade(ctx, billing.PlanChangeRequest{UserID: "u1", SubscriptionID: sub.ID, PlanID: "enterprise"})
		require.NoError(t, err)
		assert.Nil(t, up.Summary.PendingChange)
	})
}

func TestRecurringAmountKeysChangeWithEveryRevision(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "u1", "pro").Subscription
	ref := "member_" + sub.ID

	h.clock.Set(date(2026, 4, 16))
	_, err := h.svc.Upgrade(ctx, billing.PlanChangeRequest{UserID: "u1", SubscriptionID: sub.ID, PlanID: "enterprise"})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), h.gateway.amountUpdates[ref])

	_, err = h.svc.Downgrade(ctx, billing.PlanChangeRequest{UserID: "u1", SubscriptionID: sub.ID, PlanID: "pro"})
	require.NoError(t, err)
	h.clock.Set(sub.CurrentPeriodEnd.Add(time.Hour))
	_, err = h.svc.ApplyPeriodEndSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), h.gateway.amountUpdates[ref])

	h.clock.Set(sub.CurrentPeriodEnd.AddDate(0, 0, 15))
	_, err = h.svc.Upgrade(ctx, billing.PlanChangeRequest{UserID: "u1", SubscriptionID: sub.ID, PlanID: "enterprise"})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), h.gateway.amountUpdates[ref])

	require.Len(t, h.gateway.amountKeys, 3)
	seen := map[string]bool{}
	for _, key := range h.gateway.amountKeys {
		assert.False(t, seen[key], "key %s reused", key)
		seen[key] = true
	}

	h.inspect(t, func(ctx context.Context, tx billing.Tx) {
		auth, err := tx.GetAuthorization(ctx, sub.AuthorizationID)
		require.NoError(t, err)
		assert.True(t, auth.AmountSynced)
		assert.Equal(t, 3, auth.AmountRevision)
		assert.Equal(t, auth.AmountIdempotencyKey(), h.gateway.amountKeys[2])
	})
}

func TestDowngrade(t *testing.T) {
	t.Parallel()

	t.Run("second request replaces the first", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := context.Background()
		sub := h.subscribe(t, "u1", "enterprise").Subscription

		_, err := h.svc.Downgrade(ctx, billing.PlanChangeRequest{UserID: "u1", SubscriptionID: sub.ID, PlanID: "pro"})
		require.NoError(t, err)
		res, err := h.svc.Downgrade(ctx, billing.PlanChangeRequest{UserID: "u1", SubscriptionID: sub.ID, PlanID: "pro", Cycle: billing.CycleAnnual})
		require.NoError(t, err)

		assert.Equal(t, sub.CurrentPeriodEnd, res.EffectiveDate)
		require.NotNil(t, res.Summary.PendingChange)
		assert.Equal(t, billing.CycleAnnual, res.Summary.PendingChange.NewBillingCycle)
		assert.Equal(t, int64(20000), res.Summary.PendingChange.NewAmount)
		assert.Equal(t, "enterprise", res.Summary.Subscription.PlanID)
		assert.Empty(t, h.gateway.charges)
	})

	t.Run("enterprise to pro applies at period end", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := context.Background()
		sub := h.subscribe(t, "u1", "enterprise").Subscription

		_, err := h.svc.Downgrade(ctx, billing.PlanChangeRequest{UserID: "u1", SubscriptionID: sub.ID, PlanID: "pro"})
		require.NoError(t, err)

		report, err := h.svc.ApplyPeriodEndSweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.Scanned)

		h.clock.Set(sub.CurrentPeriodEnd.Add(time.Minute))
		report, err = h.svc.ApplyPeriodEndSweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Processed)

		got, err := h.svc.Get(ctx, "u1", sub.ID)
		require.NoError(t, err)
		assert.Equal(t, "pro", got.Subscription.PlanID)
		assert.Equal(t, int64(2000), got.Subscription.Amount)
		assert.Equal(t, sub.CurrentPeriodEnd, got.Subscription.CurrentPeriodStart)
		assert.Equal(t, sub.CurrentPeriodEnd.AddDate(0, 1, 0), got.Subscription.CurrentPeriodEnd)
		assert.Nil(t, got.PendingChange)
		assert.Empty(t, h.gateway.charges)
		assert.Equal(t, int64(2000), h.gateway.amountUpdates["member_"+sub.ID])

		report, err = h.svc.ApplyPeriodEndSweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.Processed)
	})

	t.Run("to free cancels at period end", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := context.Background()
		sub := h.subscribe(t, "u1", "pro").Subscription

		_, err := h.svc.Downgrade(ctx, billing.PlanChangeRequest{UserID: "u1", SubscriptionID: sub.ID, PlanID: "free"})
		require.NoError(t, err)
		h.clock.Set(sub.CurrentPeriodEnd)
		_, err = h.svc.ApplyPeriodEndSweep(ctx)
		require.NoError(t, err)

		got, err := h.svc.Get(ctx, "u1", sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCancelled, got.Subscription.Status)
		assert.Equal(t, "downgraded_to_free", got.Subscription.CancellationReason)
		assert.Equal(t, []string{"member_" + sub.ID}, h.gateway.cancelled)
	})
}

func TestCancelAndReactivate(t *testing.T) {
	t.Parallel()

	t.Run("period end cancellation can be withdrawn", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := context.Background()
		sub := h.subscribe(t, "u1", "pro").Subscription

		res, err := h.svc.Cancel(ctx, billing.CancelRequest{UserID: "u1", SubscriptionID: sub.ID, Reason: "too_expensive"})
		require.NoError(t, err)
		assert.Equal(t, billing.StateCancelling, res.Summary.State)
		assert.Equal(t, billing.StatusActive, res.Summary.Subscription.Status)
		assert.Equal(t, sub.CurrentPeriodEnd, res.EffectiveDate)
		assert.Nil(t, res.CancelledAt)

		re, err := h.svc.Reactivate(ctx, "u1", sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StateActive, re.Summary.State)
		assert.Empty(t, re.Summary.Subscription.CancellationReason)
		assert.Equal(t, sub.CurrentPeriodEnd, re.NextPaymentDate)

		_, err = h.svc.Reactivate(ctx, "u1", sub.ID)
		require.ErrorIs(t, err, billing.ErrNothingToReactivate)
	})

	t.Run("scheduled cancellation finalizes at period end", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := context.Background()
		sub := h.subscribe(t, "u1", "pro").Subscription

		_, err := h.svc.Cancel(ctx, billing.CancelRequest{UserID: "u1", SubscriptionID: sub.ID})
		require.NoError(t, err)
		h.clock.Set(sub.CurrentPeriodEnd.Add(time.Hour))

		_, err = h.svc.Reactivate(ctx, "u1", sub.ID)
		require.ErrorIs(t, err, billing.ErrNothingToReactivate)

		_, err = h.svc.ApplyPeriodEndSweep(ctx)
		require.NoError(t, err)
		got, err := h.svc.Get(ctx, "u1", sub.ID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCancelled, got.Subscription.Status)
		assert.Equal(t, "user_requested", got.Subscription.CancellationReason)
		assert.Equal(t, []string{"member_" + sub.ID}, h.gateway.cancelled)
		assert.Contains(t, h.notified.Kinds(), billing.NotifySubscriptionCancelled)
		assert.Zero(t, h.liveCount(t, "u1"))
	})

	t.Run("immediate cancellation refunds the unused period", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ctx := context.Background()
		sub := h.subscribe(t, "u1", "pro").Subscription
		h.clock.Set(date(2026, 4, 16))

		res, err := h.svc.Cancel(ctx, billing.CancelRequest{UserID: "u1", SubscriptionID: sub.ID, Immediate: true})
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCancelled, res.Summary.Subscription.Status)
		require.NotNil(t, res.CancelledAt)
		require.NotNil(t, res.RefundAmount)
		assert.Equal(t, int64(1000), *res.RefundAmount)
		assert.Equal(t, []string{"member_" + sub.ID}, h.gateway.cancelled)

		_, err = h.svc.Cancel(ctx, billing.CancelRequest{UserID: "u1", SubscriptionID: sub.ID, Immediate: true})
		require.ErrorIs(t, err, billing.ErrInvalidState)

		// A new subscription is allowed once the old one is cancelled.
		h.subscribe(t, "u1", "enterprise")
	})
}

func TestActiveSubscriptionRollsOverAtPeriodEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "u1", "pro").Subscription

	h.clock.Set(sub.CurrentPeriodEnd.AddDate(0, 1, 1))
	_, err := h.svc.ApplyPeriodEndSweep(ctx)
	require.NoError(t, err)

	got, err := h.svc.Get(ctx, "u1", sub.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, got.Subscription.Status)
	assert.True(t, got.Subscription.CurrentPeriodEnd.After(h.clock.Now()))
	assert.Equal(t, sub.CurrentPeriodEnd.AddDate(0, 1, 0), got.Subscription.CurrentPeriodStart)
}

func TestBillingHistoryPagination(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "u1", "pro").Subscription
	for i := range 4 {
		h.clock.Set(date(2026, 4, 2+i))
		require.NoError(t, h.store.WithinTx(ctx, func(ctx context.Context, tx billing.Tx) error {
			return tx.InsertPayment(ctx, &billing.Payment{
				ID: fmt.Sprintf("p%d", i), SubscriptionID: sub.ID, IdempotencyKey: fmt.Sprintf("k%d", i),
				Status: billing.PaymentSuccess, ProcessedAt: h.clock.Now(),
			})
		}))
	}

	page, err := h.svc.BillingHistory(ctx, "u1", sub.ID, billing.Page{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "p2", page.Items[0].ID)
	assert.Equal(t, "p1", page.Items[1].ID)

	_, err = h.svc.BillingHistory(ctx, "u2", sub.ID, billing.Page{})
	require.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
}

var errBoom = errors.New("boom")

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, billing.Notification) error { return errBoom }

func TestNotificationFailureDoesNotRollBack(t *testing.T) {
	t.Parallel()
	store := memstore.New()
	svc, err := billing.NewService(store, newFakeGateway(), billing.WithNotifier(failingNotifier{}))
	require.NoError(t, err)

	sum, err := svc.Create(context.Background(), billing.CreateRequest{UserID: "u1", PlanID: "pro", Cycle: billing.CycleMonthly})
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, sum.Subscription.Status)
}
