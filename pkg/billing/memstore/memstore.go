// Package memstore is an in-memory billing.Store for development and tests.
//
// Transactions are serialized: each one works on a copy of the data that
// replaces the committed state only when fn returns nil.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing"
)

type Store struct {
	mu sync.Mutex
	st *state
}

var _ billing.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: newState()}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

type state struct {
	subs     map[string]*billing.Subscription
	auths    map[string]*billing.Authorization
	payments []*billing.Payment
	pending  map[string]*billing.PendingPlanChange
	grace    []*billing.GracePeriod
	webhooks map[string]*billing.WebhookEvent
}

func newState() *state {
	return &state{
		subs:     map[string]*billing.Subscription{},
		auths:    map[string]*billing.Authorization{},
		pending:  map[string]*billing.PendingPlanChange{},
		webhooks: map[string]*billing.WebhookEvent{},
	}
}

func (st *state) clone() *state {
	out := newState()
	for k, v := range st.subs {
		out.subs[k] = v.Clone()
	}
	for k, v := range st.auths {
		out.auths[k] = v.Clone()
	}
	for _, p := range st.payments {
		c := *p
		out.payments = append(out.payments, &c)
	}
	for k, v := range st.pending {
		c := *v
		out.pending[k] = &c
	}
	for _, g := range st.grace {
		out.grace = append(out.grace, g.Clone())
	}
	for k, v := range st.webhooks {
		c := *v
		if v.ProcessedAt != nil {
			at := *v.ProcessedAt
			c.ProcessedAt = &at
		}
		out.webhooks[k] = &c
	}
	return out
}

type tx struct {
	st *state
}

// LockUser is a no-op: transactions are already serialized.
func (t *tx) LockUser(context.Context, string) error { return nil }

func (t *tx) LockSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	return t.GetSubscription(ctx, id)
}

func (t *tx) GetSubscription(_ context.Context, id string) (*billing.Subscription, error) {
	sub, ok := t.st.subs[id]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

func (t *tx) LiveSubscriptionForUser(_ context.Context, userID string) (*billing.Subscription, error) {
	for _, sub := range t.st.subs {
		if sub.UserID == userID && sub.Status.Live() {
			return sub.Clone(), nil
		}
	}
	return nil, billing.ErrSubscriptionNotFound
}

func (t *tx) LatestSubscriptionForUser(_ context.Context, userID string) (*billing.Subscription, error) {
	var latest *billing.Subscription
	for _, sub := range t.st.subs {
		if sub.UserID != userID {
			continue
		}
		if latest == nil || sub.CreatedAt.After(latest.CreatedAt) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, billing.ErrSubscriptionNotFound
	}
	return latest.Clone(), nil
}

func (t *tx) InsertSubscription(ctx context.Context, sub *billing.Subscription) error {
	if _, ok := t.st.subs[sub.ID]; ok {
		return billing.ErrSubscriptionExists
	}
	if sub.Status.Live() {
		if _, err := t.LiveSubscriptionForUser(ctx, sub.UserID); err == nil {
			return billing.ErrSubscriptionExists
		}
	}
	t.st.subs[sub.ID] = sub.Clone()
	return nil
}

func (t *tx) UpdateSubscription(_ context.Context, sub *billing.Subscription) error {
	if _, ok := t.st.subs[sub.ID]; !ok {
		return billing.ErrSubscriptionNotFound
	}
	if sub.Status.Live() {
		for _, other := range t.st.subs {
			if other.ID != sub.ID && other.UserID == sub.UserID && other.Status.Live() {
				return billing.ErrSubscriptionExists
			}
		}
	}
	t.st.subs[sub.ID] = sub.Clone()
	return nil
}

func (t *tx) GetAuthorization(_ context.Context, id string) (*billing.Authorization, error) {
	auth, ok := t.st.auths[id]
	if !ok {
		return nil, billing.ErrAuthorizationNotFound
	}
	return auth.Clone(), nil
}

func (t *tx) GetAuthorizationByReference(_ context.Context, ref string) (*billing.Authorization, error) {
	for _, auth := range t.st.auths {
		if auth.ExternalMemberReference == ref {
			return auth.Clone(), nil
		}
	}
	return nil, billing.ErrAuthorizationNotFound
}

func (t *tx) InsertAuthorization(_ context.Context, auth *billing.Authorization) error {
	t.st.auths[auth.ID] = auth.Clone()
	return nil
}

func (t *tx) UpdateAuthorization(_ context.Context, auth *billing.Authorization) error {
	if _, ok := t.st.auths[auth.ID]; !ok {
		return billing.ErrAuthorizationNotFound
	}
	t.st.auths[auth.ID] = auth.Clone()
	return nil
}

func (t *tx) InsertPayment(_ context.Context, p *billing.Payment) error {
	for _, existing := range t.st.payments {
		if p.ExternalTransactionID != "" && existing.ExternalTransactionID == p.ExternalTransactionID {
			return billing.ErrDuplicatePayment
		}
		if p.IdempotencyKey != "" && existing.IdempotencyKey == p.IdempotencyKey {
			return billing.ErrDuplicatePayment
		}
	}
	c := *p
	t.st.payments = append(t.st.payments, &c)
	return nil
}

func (t *tx) UpdatePayment(_ context.Context, p *billing.Payment) error {
	for i, existing := range t.st.payments {
		if existing.ID == p.ID {
			c := *p
			t.st.payments[i] = &c
			return nil
		}
	}
	return billing.ErrPaymentNotFound
}

func (t *tx) PaymentByIdempotencyKey(_ context.Context, key string) (*billing.Payment, error) {
	for _, p := range t.st.payments {
		if p.IdempotencyKey == key {
			c := *p
			return &c, nil
		}
	}
	return nil, billing.ErrPaymentNotFound
}

// ListPayments returns payments newest first.
func (t *tx) ListPayments(_ context.Context, subscriptionID string, page billing.Page) ([]billing.Payment, int, error) {
	var all []billing.Payment
	for _, p := range t.st.payments {
		if p.SubscriptionID == subscriptionID {
			all = append(all, *p)
		}
	}
	slices.SortStableFunc(all, func(a, b billing.Payment) int {
		return b.ProcessedAt.Compare(a.ProcessedAt)
	})
	total := len(all)
	if page.Offset >= total {
		return []billing.Payment{}, total, nil
	}
	end := min(page.Offset+page.Limit, total)
	return all[page.Offset:end], total, nil
}

func (t *tx) GetPendingChange(_ context.Context, subscriptionID string) (*billing.PendingPlanChange, error) {
	pc, ok := t.st.pending[subscriptionID]
	if !ok {
		return nil, billing.ErrPendingChangeNotFound
	}
	c := *pc
	return &c, nil
}

func (t *tx) UpsertPendingChange(_ context.Context, pc *billing.PendingPlanChange) error {
	c := *pc
	t.st.pending[pc.SubscriptionID] = &c
	return nil
}

func (t *tx) DeletePendingChange(_ context.Context, subscriptionID string) error {
	if _, ok := t.st.pending[subscriptionID]; !ok {
		return billing.ErrPendingChangeNotFound
	}
	delete(t.st.pending, subscriptionID)
	return nil
}

func (t *tx) ActiveGracePeriod(_ context.Context, subscriptionID string) (*billing.GracePeriod, error) {
	for _, g := range t.st.grace {
		if g.SubscriptionID == subscriptionID && g.Status == billing.GraceActive {
			return g.Clone(), nil
		}
	}
	return nil, billing.ErrGracePeriodNotFound
}

func (t *tx) InsertGracePeriod(ctx context.Context, g *billing.GracePeriod) error {
	if _, err := t.ActiveGracePeriod(ctx, g.SubscriptionID); err == nil {
		return billing.ErrGracePeriodExists
	}
	t.st.grace = append(t.st.grace, g.Clone())
	return nil
}

func (t *tx) UpdateGracePeriod(_ context.Context, g *billing.GracePeriod) error {
	for i, existing := range t.st.grace {
		if existing.ID == g.ID {
			t.st.grace[i] = g.Clone()
			return nil
		}
	}
	return billing.ErrGracePeriodNotFound
}

func (t *tx) InsertWebhookEvent(_ context.Context, e *billing.WebhookEvent) (*billing.WebhookEvent, bool, error) {
	if existing, ok := t.st.webhooks[e.ExternalEventID]; ok {
		c := *existing
		return &c, false, nil
	}
	c := *e
	t.st.webhooks[e.ExternalEventID] = &c
	return nil, true, nil
}

func (t *tx) MarkWebhookProcessed(_ context.Context, id string, at time.Time) error {
	e, ok := t.st.webhooks[id]
	if !ok {
		return billing.ErrInvalidEvent
	}
	e.Processed = true
	e.ProcessedAt = &at
	return nil
}

func (t *tx) DuePeriodEnds(_ context.Context, now time.Time, limit int) ([]string, error) {
	var due []*billing.Subscription
	for _, sub := range t.st.subs {
		if (sub.Status == billing.StatusActive || sub.Status == billing.StatusPastDue) && !sub.CurrentPeriodEnd.After(now) {
			due = append(due, sub)
		}
	}
	slices.SortFunc(due, func(a, b *billing.Subscription) int {
		return a.CurrentPeriodEnd.Compare(b.CurrentPeriodEnd)
	})
	return subIDs(due, limit), nil
}

func (t *tx) DueRetries(_ context.Context, now time.Time, limit int) ([]string, error) {
	var due []*billing.Subscription
	for _, sub := range t.st.subs {
		if sub.Status == billing.StatusPastDue && sub.NextRetryAt != nil && !sub.NextRetryAt.After(now) {
			due = append(due, sub)
		}
	}
	slices.SortFunc(due, func(a, b *billing.Subscription) int {
		return a.NextRetryAt.Compare(*b.NextRetryAt)
	})
	return subIDs(due, limit), nil
}

func (t *tx) StalePendingAuthorizations(_ context.Context, createdBefore time.Time, limit int) ([]string, error) {
	var stale []*billing.Subscription
	for _, sub := range t.st.subs {
		if sub.Status == billing.StatusPendingAuthorization && !sub.CreatedAt.After(createdBefore) {
			stale = append(stale, sub)
		}
	}
	slices.SortFunc(stale, func(a, b *billing.Subscription) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return subIDs(stale, limit), nil
}

func subIDs(subs []*billing.Subscription, limit int) []string {
	ids := make([]string, 0, min(len(subs), limit))
	for _, sub := range subs {
		if len(ids) == limit {
			break
		}
		ids = append(ids, sub.ID)
	}
	return ids
}

func (t *tx) ExpiredGracePeriods(_ context.Context, now time.Time, limit int) ([]billing.GracePeriod, error) {
	var out []billing.GracePeriod
	for _, g := range t.st.grace {
		if g.Status == billing.GraceActive && !g.EndDate.After(now) {
			out = append(out, *g.Clone())
		}
	}
	slices.SortFunc(out, func(a, b billing.GracePeriod) int {
		return a.EndDate.Compare(b.EndDate)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) AuthorizationsToSync(_ context.Context, limit int) ([]billing.Authorization, error) {
	var out []billing.Authorization
	for _, id := range slices.Sorted(maps.Keys(t.st.auths)) {
		if len(out) == limit {
			break
		}
		auth := t.st.auths[id]
		if auth.Status == billing.AuthorizationCancelled {
			continue
		}
		sub, ok := t.st.subs[auth.SubscriptionID]
		cancelled := ok && sub.Status == billing.StatusCancelled
		if cancelled || (auth.Status == billing.AuthorizationActive && !auth.AmountSynced) {
			out = append(out, *auth.Clone())
		}
	}
	return out, nil
}
