// Package pgstore is the Postgres billing.Store.
//
// Subscriptions are locked with SELECT ... FOR UPDATE and creation is
// serialized per user with a transaction-scoped advisory lock. Lock waits are
// bounded by the connection's lock_timeout; a timeout surfaces as
// billing.ErrConcurrentModification.
package pgstore

import (
	"context"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/pg"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Store struct {
	db pg.TxBeginner
}

var _ billing.Store = (*Store)(nil)

// New accepts a *pgxpool.Pool or any other transaction starter.
func New(db pg.TxBeginner) *Store {
	return &Store{db: db}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	err := pg.WithTx(ctx, s.db, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txStore{tx: tx})
	})
	if pg.IsLockTimeoutError(err) || pg.IsRetryableTxError(err) {
		return errors.Join(billing.ErrConcurrentModification, err)
	}
	return err
}

type txStore struct {
	tx pgx.Tx
}

func (t *txStore) exec(ctx context.Context, b sq.Sqlizer) (pgconn.CommandTag, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return t.tx.Exec(ctx, query, args...)
}

func (t *txStore) queryRow(ctx context.Context, b sq.Sqlizer) (pgx.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return t.tx.QueryRow(ctx, query, args...), nil
}

func (t *txStore) query(ctx context.Context, b sq.Sqlizer) (pgx.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return t.tx.Query(ctx, query, args...)
}

// mustAffect maps an update that matched no row to notFound.
func mustAffect(tag pgconn.CommandTag, err error, notFound error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime stores the zero time as NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func derefTime(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return p.UTC()
}

func utcPtr(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	t := p.UTC()
	return &t
}
