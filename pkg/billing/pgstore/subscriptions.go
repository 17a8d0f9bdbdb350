package pgstore

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/pg"
)

var subscriptionColumns = []string{
	"id", "user_id", "plan_id", "billing_cycle", "amount", "currency", "status",
	"current_period_start", "current_period_end", "cancel_at_period_end", "cancellation_reason",
	"cancelled_at", "authorization_id", "retry_count", "next_retry_at", "contact_email",
	"created_at", "updated_at",
}

var liveStatuses = []string{
	string(billing.StatusPendingAuthorization),
	string(billing.StatusActive),
	string(billing.StatusPastDue),
}

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var (
		sub                billing.Subscription
		cycle, status      string
		periodStart, end   *time.Time
		cancelledAt, retry *time.Time
	)
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &cycle, &sub.Amount, &sub.Currency, &status,
		&periodStart, &end, &sub.CancelAtPeriodEnd, &sub.CancellationReason,
		&cancelledAt, &sub.AuthorizationID, &sub.RetryCount, &retry, &sub.ContactEmail,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if pg.IsNotFoundError(err) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	sub.BillingCycle = billing.BillingCycle(cycle)
	sub.Status = billing.Status(status)
	sub.CurrentPeriodStart = derefTime(periodStart)
	sub.CurrentPeriodEnd = derefTime(end)
	sub.CancelledAt = utcPtr(cancelledAt)
	sub.NextRetryAt = utcPtr(retry)
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

func (t *txStore) selectSubscription(ctx context.Context, where sq.Sqlizer, suffix string) (*billing.Subscription, error) {
	b := psql.Select(subscriptionColumns...).From("subscriptions").Where(where)
	if suffix != "" {
		b = b.Suffix(suffix)
	}
	row, err := t.queryRow(ctx, b)
	if err != nil {
		return nil, err
	}
	return scanSubscription(row)
}

// LockUser takes a transaction-scoped advisory lock on the user.
func (t *txStore) LockUser(ctx context.Context, userID string) error {
	_, err := t.tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", userID)
	return err
}

func (t *txStore) LockSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	return t.selectSubscription(ctx, sq.Eq{"id": id}, "FOR UPDATE")
}

func (t *txStore) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	return t.selectSubscription(ctx, sq.Eq{"id": id}, "")
}

func (t *txStore) LiveSubscriptionForUser(ctx context.Context, userID string) (*billing.Subscription, error) {
	return t.selectSubscription(ctx, sq.Eq{"user_id": userID, "status": liveStatuses}, "")
}

func (t *txStore) LatestSubscriptionForUser(ctx context.Context, userID string) (*billing.Subscription, error) {
	b := psql.Select(subscriptionColumns...).From("subscriptions").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC").
		Limit(1)
	row, err := t.queryRow(ctx, b)
	if err != nil {
		return nil, err
	}
	return scanSubscription(row)
}

func subscriptionValues(sub *billing.Subscription) []any {
	return []any{
		sub.ID, sub.UserID, sub.PlanID, string(sub.BillingCycle), sub.Amount, sub.Currency, string(sub.Status),
		nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd), sub.CancelAtPeriodEnd, sub.CancellationReason,
		sub.CancelledAt, sub.AuthorizationID, sub.RetryCount, sub.NextRetryAt, sub.ContactEmail,
		sub.CreatedAt, sub.UpdatedAt,
	}
}

func (t *txStore) InsertSubscription(ctx context.Context, sub *billing.Subscription) error {
	_, err := t.exec(ctx, psql.Insert("subscriptions").
		Columns(subscriptionColumns...).
		Values(subscriptionValues(sub)...))
	if pg.IsDuplicateKeyError(err) {
		return billing.ErrSubscriptionExists
	}
	return err
}

func (t *txStore) UpdateSubscription(ctx context.Context, sub *billing.Subscription) error {
	values := subscriptionValues(sub)
	b := psql.Update("subscriptions").Where(sq.Eq{"id": sub.ID})
	for i, col := range subscriptionColumns {
		if col == "id" || col == "user_id" || col == "created_at" {
			continue
		}
		b = b.Set(col, values[i])
	}
	tag, err := t.exec(ctx, b)
	err = mustAffect(tag, err, billing.ErrSubscriptionNotFound)
	if pg.IsDuplicateKeyError(err) {
		return billing.ErrSubscriptionExists
	}
	return err
}

func (t *txStore) DuePeriodEnds(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return t.ids(ctx, psql.Select("id").From("subscriptions").
		Where(sq.Eq{"status": []string{string(billing.StatusActive), string(billing.StatusPastDue)}}).
		Where(sq.LtOrEq{"current_period_end": now}).
		OrderBy("current_period_end").
		Limit(uint64(limit)))
}

func (t *txStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return t.ids(ctx, psql.Select("id").From("subscriptions").
		Where(sq.Eq{"status": string(billing.StatusPastDue)}).
		Where(sq.LtOrEq{"next_retry_at": now}).
		OrderBy("next_retry_at").
		Limit(uint64(limit)))
}

func (t *txStore) StalePendingAuthorizations(ctx context.Context, createdBefore time.Time, limit int) ([]string, error) {
	return t.ids(ctx, psql.Select("id").From("subscriptions").
		Where(sq.Eq{"status": string(billing.StatusPendingAuthorization)}).
		Where(sq.LtOrEq{"created_at": createdBefore}).
		OrderBy("created_at").
		Limit(uint64(limit)))
}

func (t *txStore) ids(ctx context.Context, b sq.Sqlizer) ([]string, error) {
	rows, err := t.query(ctx, b)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
