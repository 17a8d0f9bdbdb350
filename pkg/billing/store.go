package billing

import (
	"context"
	"time"
)

// Store runs fn in a transaction. Returning an error rolls back every write.
// Implementations map lock contention to ErrConcurrentModification.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the persistence contract used inside a transaction. Lookups return
// the matching Err*NotFound sentinel when nothing exists.
type Tx interface {
	// LockUser serializes subscription creation per user.
	LockUser(ctx context.Context, userID string) error
	// LockSubscription loads and exclusively locks a subscription row.
	LockSubscription(ctx context.Context, id string) (*Subscription, error)
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	// LiveSubscriptionForUser returns the pending, active or past_due subscription.
	LiveSubscriptionForUser(ctx context.Context, userID string) (*Subscription, error)
	LatestSubscriptionForUser(ctx context.Context, userID string) (*Subscription, error)
	InsertSubscription(ctx context.Context, sub *Subscription) error
	UpdateSubscription(ctx context.Context, sub *Subscription) error

	GetAuthorization(ctx context.Context, id string) (*Authorization, error)
	GetAuthorizationByReference(ctx context.Context, externalMemberReference string) (*Authorization, error)
	InsertAuthorization(ctx context.Context, auth *Authorization) error
	UpdateAuthorization(ctx context.Context, auth *Authorization) error

	// InsertPayment returns ErrDuplicatePayment when the external transaction
	// id or the idempotency key is already recorded.
	InsertPayment(ctx context.Context, p *Payment) error
	UpdatePayment(ctx context.Context, p *Payment) error
	PaymentByIdempotencyKey(ctx context.Context, key string) (*Payment, error)
	ListPayments(ctx context.Context, subscriptionID string, page Page) ([]Payment, int, error)

	GetPendingChange(ctx context.Context, subscriptionID string) (*PendingPlanChange, error)
	UpsertPendingChange(ctx context.Context, pc *PendingPlanChange) error
	DeletePendingChange(ctx context.Context, subscriptionID string) error

	ActiveGracePeriod(ctx context.Context, subscriptionID string) (*GracePeriod, error)
	// InsertGracePeriod returns ErrGracePeriodExists if one is already active.
	InsertGracePeriod(ctx context.Context, g *GracePeriod) error
	UpdateGracePeriod(ctx context.Context, g *GracePeriod) error

	// InsertWebhookEvent records the event or, when the id already exists,
	// returns the existing row with inserted=false. The existing row is
	// locked until the transaction ends.
	InsertWebhookEvent(ctx context.Context, e *WebhookEvent) (existing *WebhookEvent, inserted bool, err error)
	MarkWebhookProcessed(ctx context.Context, externalEventID string, at time.Time) error

	// Sweep queries return ids ordered by due time, at most limit.
	DuePeriodEnds(ctx context.Context, now time.Time, limit int) ([]string, error)
	DueRetries(ctx context.Context, now time.Time, limit int) ([]string, error)
	// StalePendingAuthorizations returns pending_authorization subscriptions
	// created at or before createdBefore.
	StalePendingAuthorizations(ctx context.Context, createdBefore time.Time, limit int) ([]string, error)
	ExpiredGracePeriods(ctx context.Context, now time.Time, limit int) ([]GracePeriod, error)
	// AuthorizationsToSync returns active authorizations with AmountSynced
	// false, and active or pending ones whose subscription is cancelled.
	AuthorizationsToSync(ctx context.Context, limit int) ([]Authorization, error)
}
