package pgstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing/pgstore"
)

var subscriptionCols = []string{
	"id", "user_id", "plan_id", "billing_cycle", "amount", "currency", "status",
	"current_period_start", "current_period_end", "cancel_at_period_end", "cancellation_reason",
	"cancelled_at", "authorization_id", "retry_count", "next_retry_at", "contact_email",
	"created_at", "updated_at",
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

// anyArgs matches n positional arguments followed by the exact values in tail.
func anyArgs(n int, tail ...any) []any {
	args := make([]any, 0, n+len(tail))
	for range n {
		args = append(args, pgxmock.AnyArg())
	}
	return append(args, tail...)
}

func subscriptionRow(mock pgxmock.PgxPoolIface, start, end time.Time) *pgxmock.Rows {
	return mock.NewRows(subscriptionCols).AddRow(
		"s1", "u1", "pro", "monthly", int64(2000), "USD", "active",
		&start, &end, false, "",
		(*time.Time)(nil), "a1", 0, (*time.Time)(nil), "u1@example.com",
		start, start,
	)
}

func TestLockAndUpdateSubscription(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM subscriptions WHERE id = \$1 FOR UPDATE`).
		WithArgs("s1").
		WillReturnRows(subscriptionRow(mock, start, end))
	mock.ExpectExec(`UPDATE subscriptions SET .+ WHERE id = \$16`).
		WithArgs(anyArgs(15, "s1")...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	store := pgstore.New(mock)
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		sub, err := tx.LockSubscription(ctx, "s1")
		if err != nil {
			return err
		}
		assert.Equal(t, billing.CycleMonthly, sub.BillingCycle)
		assert.Equal(t, billing.StatusActive, sub.Status)
		assert.Equal(t, end, sub.CurrentPeriodEnd)
		assert.Nil(t, sub.CancelledAt)

		sub.CancelAtPeriodEnd = true
		return tx.UpdateSubscription(ctx, sub)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMissingSubscriptionRollsBack(t *testing.T) {
	t.Parallel()
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM subscriptions WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := pgstore.New(mock).WithinTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		_, err := tx.GetSubscription(ctx, "missing")
		return err
	})
	require.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockTimeoutIsConcurrentModification(t *testing.T) {
	t.Parallel()
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs("u1").
		WillReturnError(&pgconn.PgError{Code: "55P03", Message: "canceling statement due to lock timeout"})
	mock.ExpectRollback()

	err := pgstore.New(mock).WithinTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		return tx.LockUser(ctx, "u1")
	})
	require.ErrorIs(t, err, billing.ErrConcurrentModification)
	assert.Equal(t, billing.KindTransient, billing.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPaymentDuplicate(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO payments .+ ON CONFLICT DO NOTHING`).
		WithArgs(append([]any{"p1", "s1", "t1"}, anyArgs(10)...)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec(`INSERT INTO payments .+ ON CONFLICT DO NOTHING`).
		WithArgs(append([]any{"p2", "s1", "t2"}, anyArgs(10)...)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := pgstore.New(mock).WithinTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		err := tx.InsertPayment(ctx, &billing.Payment{ID: "p1", SubscriptionID: "s1", ExternalTransactionID: "t1", ProcessedAt: now})
		require.ErrorIs(t, err, billing.ErrDuplicatePayment)
		return tx.InsertPayment(ctx, &billing.Payment{ID: "p2", SubscriptionID: "s1", ExternalTransactionID: "t2", ProcessedAt: now})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertWebhookEvent(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	evt := &billing.WebhookEvent{ExternalEventID: "e1", EventType: "payment_success", PayloadHash: "h", ReceivedAt: now}

	t.Run("new event", func(t *testing.T) {
		t.Parallel()
		mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO webhook_events .+ ON CONFLICT \(external_event_id\) DO NOTHING`).
			WithArgs("e1", "payment_success", "h", now, false).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		err := pgstore.New(mock).WithinTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
			existing, inserted, err := tx.InsertWebhookEvent(ctx, evt)
			require.NoError(t, err)
			assert.True(t, inserted)
			assert.Nil(t, existing)
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redelivery returns the stored row", func(t *testing.T) {
		t.Parallel()
		mock := newMock(t)
		processedAt := now.Add(time.Second)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO webhook_events`).
			WithArgs("e1", "payment_success", "h", now, false).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))
		mock.ExpectQuery(`SELECT .+ FROM webhook_events WHERE external_event_id = \$1 FOR UPDATE`).
			WithArgs("e1").
			WillReturnRows(mock.NewRows([]string{"external_event_id", "event_type", "payload_hash", "received_at", "processed", "processed_at"}).
				AddRow("e1", "payment_success", "h", now, true, &processedAt))
		mock.ExpectCommit()

		err := pgstore.New(mock).WithinTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
			existing, inserted, err := tx.InsertWebhookEvent(ctx, evt)
			require.NoError(t, err)
			assert.False(t, inserted)
			require.NotNil(t, existing)
			assert.True(t, existing.Processed)
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDuePeriodEnds(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM subscriptions WHERE status IN \(\$1,\$2\) AND current_period_end <= \$3 ORDER BY current_period_end LIMIT 50`).
		WithArgs("active", "past_due", now).
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow("s1").AddRow("s2"))
	mock.ExpectCommit()

	var ids []string
	err := pgstore.New(mock).WithinTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		var err error
		ids, err = tx.DuePeriodEnds(ctx, now, 50)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationsEmbedded(t *testing.T) {
	t.Parallel()
	entries, err := fsReadDir(pgstore.Migrations())
	require.NoError(t, err)
	assert.Contains(t, entries, "00001_billing.sql")
}
