//go:build integration

package sqlstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/voicescribe/pkg/accounts"
	"github.com/platinummonkey/voicescribe/pkg/billing"
	"github.com/platinummonkey/voicescribe/pkg/storage"
)

func setupPostgresStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("voicescribe_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := storage.DefaultConfig()
	cfg.Driver = string(DialectPostgres)
	cfg.DSN = dsn
	store, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestPostgres_ConcurrentDeductions(t *testing.T) {
	ctx := context.Background()
	store := setupPostgresStore(t)

	account := &accounts.Account{Phone: "+15550900"}
	require.NoError(t, store.CreateAccount(ctx, account))

	sub := &billing.Subscription{
		AccountID:              account.ID,
		ProviderSubscriptionID: "sub_pg",
		Plan:                   "pro",
		Interval:               billing.IntervalMonthly,
		Status:                 billing.SubscriptionStatusActive,
		SubscriptionMinutes:    50,
	}
	created, err := store.UpsertSubscription(ctx, sub)
	require.NoError(t, err)
	require.True(t, created)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.IncrementSubscriptionUsage(ctx, sub.ID, 5); err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), succeeded.Load())
	subs, err := store.ListSubscriptions(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, 50.0, subs[0].UsedMinutes)

	reset, err := store.ResetSubscriptionUsage(ctx, "sub_pg", billing.Period{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, reset.UsedMinutes)
}

func TestPostgres_UnknownProviderIDs(t *testing.T) {
	ctx := context.Background()
	store := setupPostgresStore(t)

	_, err := store.UpdateSubscriptionStatus(ctx, "sub_nope", billing.SubscriptionStatusCanceled, billing.Period{})
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)

	_, err = store.IncrementAccountUsage(ctx, 12345, 1, 30)
	assert.ErrorIs(t, err, storage.ErrConditionFailed)
}
