package billing

import (
	"context"
	"time"
)

type NotificationKind string

const (
	NotifySubscriptionActivated NotificationKind = "subscription_activated"
	NotifySubscriptionUpgraded  NotificationKind = "subscription_upgraded"
	NotifyDowngradeScheduled    NotificationKind = "downgrade_scheduled"
	NotifyPlanChanged           NotificationKind = "plan_changed"
	NotifyCancellationScheduled NotificationKind = "cancellation_scheduled"
	NotifySubscriptionCancelled NotificationKind = "subscription_cancelled"
	NotifyPaymentFailed         NotificationKind = "payment_failed"
	NotifyPaymentRecovered      NotificationKind = "payment_recovered"
	NotifyGracePeriodStarted    NotificationKind = "grace_period_started"
)

type Notification struct {
	Kind           NotificationKind
	UserID         string
	Email          string
	SubscriptionID string
	PlanID         string
	Amount         int64
	Currency       string
	Reason         string
	EffectiveDate  time.Time
	OccurredAt     time.Time
}

// Notifier delivers notifications. Delivery is best effort and happens after
// the state change commits.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, Notification) error { return nil }
