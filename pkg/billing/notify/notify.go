// Package notify delivers billing notifications to users.
package notify

import (
	"context"
	"log/slog"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/logger"
)

// Multi fans a notification out to several notifiers. Delivery is best
// effort: failures are logged and do not stop the remaining notifiers.
type Multi struct {
	notifiers []billing.Notifier
	logger    *slog.Logger
}

type MultiOption func(*Multi)

func WithMultiLogger(l *slog.Logger) MultiOption {
	return func(m *Multi) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewMulti(notifiers []billing.Notifier, opts ...MultiOption) *Multi {
	m := &Multi{notifiers: notifiers, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Multi) Notify(ctx context.Context, n billing.Notification) error {
	for i, nt := range m.notifiers {
		if err := nt.Notify(ctx, n); err != nil {
			m.logger.LogAttrs(ctx, slog.LevelError, "failed to deliver notification",
				slog.String("kind", string(n.Kind)),
				logger.UserID(n.UserID),
				logger.SubscriptionID(n.SubscriptionID),
				slog.Int("notifier_index", i),
				logger.Error(err),
			)
		}
	}
	return nil
}

// Log writes notifications to the log.
type Log struct {
	logger *slog.Logger
}

func NewLog(l *slog.Logger) *Log {
	if l == nil {
		l = slog.Default()
	}
	return &Log{logger: l.With(logger.Component("notify"))}
}

func (l *Log) Notify(ctx context.Context, n billing.Notification) error {
	l.logger.InfoContext(ctx, "billing notification",
		slog.String("kind", string(n.Kind)),
		logger.UserID(n.UserID),
		logger.SubscriptionID(n.SubscriptionID),
		slog.String("plan_id", n.PlanID),
		slog.Int64("amount", n.Amount),
		slog.String("currency", n.Currency),
		slog.String("reason", n.Reason),
		slog.Time("effective_date", n.EffectiveDate),
	)
	return nil
}
