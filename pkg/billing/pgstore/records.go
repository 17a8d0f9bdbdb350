package pgstore

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/pg"
)

var authorizationColumns = []string{
	"id", "user_id", "subscription_id", "external_member_reference", "status", "next_pay_date",
	"execution_count", "recurring_amount", "currency", "amount_revision", "amount_synced", "created_at", "updated_at",
}

func scanAuthorization(row pgx.Row) (*billing.Authorization, error) {
	var (
		a       billing.Authorization
		status  string
		nextPay *time.Time
	)
	err := row.Scan(&a.ID, &a.UserID, &a.SubscriptionID, &a.ExternalMemberReference, &status, &nextPay,
		&a.ExecutionCount, &a.RecurringAmount, &a.Currency, &a.AmountRevision, &a.AmountSynced, &a.CreatedAt, &a.UpdatedAt)
	if pg.IsNotFoundError(err) {
		return nil, billing.ErrAuthorizationNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = billing.AuthorizationStatus(status)
	a.NextPayDate = utcPtr(nextPay)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func (t *txStore) getAuthorization(ctx context.Context, where sq.Sqlizer) (*billing.Authorization, error) {
	row, err := t.queryRow(ctx, psql.Select(authorizationColumns...).From("authorizations").Where(where))
	if err != nil {
		return nil, err
	}
	return scanAuthorization(row)
}

func (t *txStore) GetAuthorization(ctx context.Context, id string) (*billing.Authorization, error) {
	return t.getAuthorization(ctx, sq.Eq{"id": id})
}

func (t *txStore) GetAuthorizationByReference(ctx context.Context, ref string) (*billing.Authorization, error) {
	return t.getAuthorization(ctx, sq.Eq{"external_member_reference": ref})
}

func (t *txStore) InsertAuthorization(ctx context.Context, a *billing.Authorization) error {
	_, err := t.exec(ctx, psql.Insert("authorizations").
		Columns(authorizationColumns...).
		Values(a.ID, a.UserID, a.SubscriptionID, a.ExternalMemberReference, string(a.Status), a.NextPayDate,
			a.ExecutionCount, a.RecurringAmount, a.Currency, a.AmountRevision, a.AmountSynced, a.CreatedAt, a.UpdatedAt))
	return err
}

func (t *txStore) UpdateAuthorization(ctx context.Context, a *billing.Authorization) error {
	tag, err := t.exec(ctx, psql.Update("authorizations").
		Set("status", string(a.Status)).
		Set("next_pay_date", a.NextPayDate).
		Set("execution_count", a.ExecutionCount).
		Set("recurring_amount", a.RecurringAmount).
		Set("currency", a.Currency).
		Set("amount_revision", a.AmountRevision).
		Set("amount_synced", a.AmountSynced).
		Set("updated_at", a.UpdatedAt).
		Where(sq.Eq{"id": a.ID}))
	return mustAffect(tag, err, billing.ErrAuthorizationNotFound)
}

func (t *txStore) AuthorizationsToSync(ctx context.Context, limit int) ([]billing.Authorization, error) {
	cols := make([]string, len(authorizationColumns))
	for i, c := range authorizationColumns {
		cols[i] = "a." + c
	}
	rows, err := t.query(ctx, psql.Select(cols...).
		From("authorizations a").
		Join("subscriptions s ON s.id = a.subscription_id").
		Where(sq.NotEq{"a.status": string(billing.AuthorizationCancelled)}).
		Where(sq.Or{
			sq.And{sq.Eq{"a.status": string(billing.AuthorizationActive)}, sq.Eq{"a.amount_synced": false}},
			sq.Eq{"s.status": string(billing.StatusCancelled)},
		}).
		OrderBy("a.id").
		Limit(uint64(limit)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Authorization
	for rows.Next() {
		a, err := scanAuthorization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

var paymentColumns = []string{
	"id", "subscription_id", "external_transaction_id", "idempotency_key", "kind", "amount", "currency",
	"status", "period_start", "period_end", "failure_reason", "retry_count", "processed_at",
}

func scanPayment(row pgx.Row) (*billing.Payment, error) {
	var (
		p                billing.Payment
		txnID, key       *string
		kind, status     string
		periodStart, end *time.Time
	)
	err := row.Scan(&p.ID, &p.SubscriptionID, &txnID, &key, &kind, &p.Amount, &p.Currency,
		&status, &periodStart, &end, &p.FailureReason, &p.RetryCount, &p.ProcessedAt)
	if pg.IsNotFoundError(err) {
		return nil, billing.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	if txnID != nil {
		p.ExternalTransactionID = *txnID
	}
	if key != nil {
		p.IdempotencyKey = *key
	}
	p.Kind = billing.PaymentKind(kind)
	p.Status = billing.PaymentStatus(status)
	p.PeriodStart = derefTime(periodStart)
	p.PeriodEnd = derefTime(end)
	p.ProcessedAt = p.ProcessedAt.UTC()
	return &p, nil
}

// InsertPayment uses ON CONFLICT DO NOTHING so a duplicate leaves the
// transaction usable.
func (t *txStore) InsertPayment(ctx context.Context, p *billing.Payment) error {
	tag, err := t.exec(ctx, psql.Insert("payments").
		Columns(paymentColumns...).
		Values(p.ID, p.SubscriptionID, nullString(p.ExternalTransactionID), nullString(p.IdempotencyKey),
			string(p.Kind), p.Amount, p.Currency, string(p.Status), nullTime(p.PeriodStart), nullTime(p.PeriodEnd),
			p.FailureReason, p.RetryCount, p.ProcessedAt).
		Suffix("ON CONFLICT DO NOTHING"))
	return mustAffect(tag, err, billing.ErrDuplicatePayment)
}

func (t *txStore) UpdatePayment(ctx context.Context, p *billing.Payment) error {
	tag, err := t.exec(ctx, psql.Update("payments").
		Set("external_transaction_id", nullString(p.ExternalTransactionID)).
		Set("status", string(p.Status)).
		Set("failure_reason", p.FailureReason).
		Set("retry_count", p.RetryCount).
		Set("processed_at", p.ProcessedAt).
		Where(sq.Eq{"id": p.ID}))
	if pg.IsDuplicateKeyError(err) {
		return billing.ErrDuplicatePayment
	}
	return mustAffect(tag, err, billing.ErrPaymentNotFound)
}

func (t *txStore) PaymentByIdempotencyKey(ctx context.Context, key string) (*billing.Payment, error) {
	row, err := t.queryRow(ctx, psql.Select(paymentColumns...).From("payments").Where(sq.Eq{"idempotency_key": key}))
	if err != nil {
		return nil, err
	}
	return scanPayment(row)
}

func (t *txStore) ListPayments(ctx context.Context, subscriptionID string, page billing.Page) ([]billing.Payment, int, error) {
	var total int
	row, err := t.queryRow(ctx, psql.Select("count(*)").From("payments").Where(sq.Eq{"subscription_id": subscriptionID}))
	if err != nil {
		return nil, 0, err
	}
	if err := row.Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := t.query(ctx, psql.Select(paymentColumns...).From("payments").
		Where(sq.Eq{"subscription_id": subscriptionID}).
		OrderBy("processed_at DESC", "id DESC").
		Limit(uint64(page.Limit)).
		Offset(uint64(page.Offset)))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []billing.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *p)
	}
	return out, total, rows.Err()
}

var pendingChangeColumns = []string{
	"subscription_id", "new_plan_id", "new_billing_cycle", "new_amount", "effective_date", "created_at",
}

func (t *txStore) GetPendingChange(ctx context.Context, subscriptionID string) (*billing.PendingPlanChange, error) {
	row, err := t.queryRow(ctx, psql.Select(pendingChangeColumns...).From("pending_plan_changes").
		Where(sq.Eq{"subscription_id": subscriptionID}))
	if err != nil {
		return nil, err
	}
	var (
		pc    billing.PendingPlanChange
		cycle string
	)
	err = row.Scan(&pc.SubscriptionID, &pc.NewPlanID, &cycle, &pc.NewAmount, &pc.EffectiveDate, &pc.CreatedAt)
	if pg.IsNotFoundError(err) {
		return nil, billing.ErrPendingChangeNotFound
	}
	if err != nil {
		return nil, err
	}
	pc.NewBillingCycle = billing.BillingCycle(cycle)
	pc.EffectiveDate = pc.EffectiveDate.UTC()
	pc.CreatedAt = pc.CreatedAt.UTC()
	return &pc, nil
}

// UpsertPendingChange replaces any earlier change for the subscription.
func (t *txStore) UpsertPendingChange(ctx context.Context, pc *billing.PendingPlanChange) error {
	_, err := t.exec(ctx, psql.Insert("pending_plan_changes").
		Columns(pendingChangeColumns...).
		Values(pc.SubscriptionID, pc.NewPlanID, string(pc.NewBillingCycle), pc.NewAmount, pc.EffectiveDate, pc.CreatedAt).
		Suffix(`ON CONFLICT (subscription_id) DO UPDATE SET
			new_plan_id = EXCLUDED.new_plan_id,
			new_billing_cycle = EXCLUDED.new_billing_cycle,
			new_amount = EXCLUDED.new_amount,
			effective_date = EXCLUDED.effective_date,
			created_at = EXCLUDED.created_at`))
	return err
}

func (t *txStore) DeletePendingChange(ctx context.Context, subscriptionID string) error {
	tag, err := t.exec(ctx, psql.Delete("pending_plan_changes").Where(sq.Eq{"subscription_id": subscriptionID}))
	return mustAffect(tag, err, billing.ErrPendingChangeNotFound)
}

var graceColumns = []string{"id", "subscription_id", "start_date", "end_date", "reason", "status", "resolved_at"}

func scanGracePeriod(row pgx.Row) (*billing.GracePeriod, error) {
	var (
		g        billing.GracePeriod
		status   string
		resolved *time.Time
	)
	err := row.Scan(&g.ID, &g.SubscriptionID, &g.StartDate, &g.EndDate, &g.Reason, &status, &resolved)
	if pg.IsNotFoundError(err) {
		return nil, billing.ErrGracePeriodNotFound
	}
	if err != nil {
		return nil, err
	}
	g.Status = billing.GraceStatus(status)
	g.StartDate = g.StartDate.UTC()
	g.EndDate = g.EndDate.UTC()
	g.ResolvedAt = utcPtr(resolved)
	return &g, nil
}

func (t *txStore) ActiveGracePeriod(ctx context.Context, subscriptionID string) (*billing.GracePeriod, error) {
	row, err := t.queryRow(ctx, psql.Select(graceColumns...).From("grace_periods").
		Where(sq.Eq{"subscription_id": subscriptionID, "status": string(billing.GraceActive)}))
	if err != nil {
		return nil, err
	}
	return scanGracePeriod(row)
}

func (t *txStore) InsertGracePeriod(ctx context.Context, g *billing.GracePeriod) error {
	tag, err := t.exec(ctx, psql.Insert("grace_periods").
		Columns(graceColumns...).
		Values(g.ID, g.SubscriptionID, g.StartDate, g.EndDate, g.Reason, string(g.Status), g.ResolvedAt).
		Suffix("ON CONFLICT DO NOTHING"))
	return mustAffect(tag, err, billing.ErrGracePeriodExists)
}

func (t *txStore) UpdateGracePeriod(ctx context.Context, g *billing.GracePeriod) error {
	tag, err := t.exec(ctx, psql.Update("grace_periods").
		Set("end_date", g.EndDate).
		Set("status", string(g.Status)).
		Set("resolved_at", g.ResolvedAt).
		Where(sq.Eq{"id": g.ID}))
	return mustAffect(tag, err, billing.ErrGracePeriodNotFound)
}

func (t *txStore) ExpiredGracePeriods(ctx context.Context, now time.Time, limit int) ([]billing.GracePeriod, error) {
	rows, err := t.query(ctx, psql.Select(graceColumns...).From("grace_periods").
		Where(sq.Eq{"status": string(billing.GraceActive)}).
		Where(sq.LtOrEq{"end_date": now}).
		OrderBy("end_date").
		Limit(uint64(limit)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.GracePeriod
	for rows.Next() {
		g, err := scanGracePeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// InsertWebhookEvent relies on the primary key on external_event_id. A
// concurrent delivery of the same id waits here until the first transaction
// ends, then sees its row.
func (t *txStore) InsertWebhookEvent(ctx context.Context, e *billing.WebhookEvent) (*billing.WebhookEvent, bool, error) {
	tag, err := t.exec(ctx, psql.Insert("webhook_events").
		Columns("external_event_id", "event_type", "payload_hash", "received_at", "processed").
		Values(e.ExternalEventID, e.EventType, e.PayloadHash, e.ReceivedAt, false).
		Suffix("ON CONFLICT (external_event_id) DO NOTHING"))
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 1 {
		return nil, true, nil
	}

	row, err := t.queryRow(ctx, psql.
		Select("external_event_id", "event_type", "payload_hash", "received_at", "processed", "processed_at").
		From("webhook_events").
		Where(sq.Eq{"external_event_id": e.ExternalEventID}).
		Suffix("FOR UPDATE"))
	if err != nil {
		return nil, false, err
	}
	var existing billing.WebhookEvent
	if err := row.Scan(&existing.ExternalEventID, &existing.EventType, &existing.PayloadHash,
		&existing.ReceivedAt, &existing.Processed, &existing.ProcessedAt); err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

func (t *txStore) MarkWebhookProcessed(ctx context.Context, id string, at time.Time) error {
	tag, err := t.exec(ctx, psql.Update("webhook_events").
		Set("processed", true).
		Set("processed_at", at).
		Where(sq.Eq{"external_event_id": id}))
	return mustAffect(tag, err, billing.ErrInvalidEvent)
}
