//go:build integration

package pgstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing/gateway"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing/pgstore"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/pg"
)

func setupStore(t *testing.T) *pgstore.Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("billing_test"),
		postgres.WithUsername("billing"),
		postgres.WithPassword("billing"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := pg.Config{
		ConnectionString:  dsn,
		MaxOpenConns:      10,
		MaxIdleConns:      2,
		HealthCheckPeriod: time.Minute,
		MaxConnIdleTime:   time.Minute,
		MaxConnLifetime:   time.Hour,
		LockTimeout:       5 * time.Second,
		RetryAttempts:     3,
		RetryInterval:     time.Second,
		MigrationsTable:   "billing_schema_migrations",
	}
	pool, err := pg.Connect(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, pg.Migrate(ctx, pool, pgstore.Migrations(), cfg, nil))
	return pgstore.New(pool)
}

func TestPostgresLifecycle(t *testing.T) {
	store := setupStore(t)
	svc, err := billing.NewService(store, gateway.NewSandbox())
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("concurrent creates leave one live subscription", func(t *testing.T) {
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			created   int
			conflicts int
		)
		for range 5 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Create(ctx, billing.CreateRequest{UserID: "u-race", PlanID: "pro", Cycle: billing.CycleMonthly})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					created++
				case errors.Is(err, billing.ErrSubscriptionExists):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, created)
		assert.Equal(t, 4, conflicts)
	})

	t.Run("upgrade records a proration payment", func(t *testing.T) {
		sum, err := svc.Create(ctx, billing.CreateRequest{UserID: "u-up", PlanID: "pro", Cycle: billing.CycleMonthly})
		require.NoError(t, err)

		res, err := svc.Upgrade(ctx, billing.PlanChangeRequest{UserID: "u-up", SubscriptionID: sum.Subscription.ID, PlanID: "enterprise"})
		require.NoError(t, err)
		assert.Equal(t, "enterprise", res.Summary.Subscription.PlanID)

		history, err := svc.BillingHistory(ctx, "u-up", sum.Subscription.ID, billing.Page{Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, 2, history.Total)
	})

	t.Run("cancel then create again", func(t *testing.T) {
		sum, err := svc.Create(ctx, billing.CreateRequest{UserID: "u-again", PlanID: "pro", Cycle: billing.CycleMonthly})
		require.NoError(t, err)
		_, err = svc.Cancel(ctx, billing.CancelRequest{UserID: "u-again", SubscriptionID: sum.Subscription.ID, Immediate: true})
		require.NoError(t, err)

		_, err = svc.Create(ctx, billing.CreateRequest{UserID: "u-again", PlanID: "enterprise", Cycle: billing.CycleAnnual})
		require.NoError(t, err)
	})
}
