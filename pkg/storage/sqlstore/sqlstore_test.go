package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/voicescribe/pkg/accounts"
	"github.com/platinummonkey/voicescribe/pkg/billing"
	"github.com/platinummonkey/voicescribe/pkg/jobs"
	"github.com/platinummonkey/voicescribe/pkg/quota"
	"github.com/platinummonkey/voicescribe/pkg/storage"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, DialectPostgres), mock
}

func TestDialect_Rebind(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		query   string
		want    string
	}{
		{"postgres untouched", DialectPostgres, "SELECT 1 WHERE a = $1 AND b = $2", "SELECT 1 WHERE a = $1 AND b = $2"},
		{"sqlite numbered", DialectSQLite, "SELECT 1 WHERE a = $1 AND b = $12", "SELECT 1 WHERE a = ?1 AND b = ?12"},
		{"sqlite repeated", DialectSQLite, "x + $1 <= $1", "x + ?1 <= ?1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.dialect.rebind(tt.query))
		})
	}
}

func TestWrapErr_Classification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"connection failure", &pq.Error{Code: "08006"}, true},
		{"too many connections", &pq.Error{Code: "53300"}, true},
		{"admin shutdown", &pq.Error{Code: "57P01"}, true},
		{"check violation", &pq.Error{Code: "23514"}, false},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"sqlite constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrapErr("op", tt.err)
			assert.Equal(t, tt.transient, errors.Is(err, storage.ErrUnavailable))
			assert.Equal(t, tt.transient, storage.IsTransient(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
	assert.NoError(t, wrapErr("op", nil))
}

func TestIncrementAccountUsage_Mock(t *testing.T) {
	t.Run("applies increment", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE accounts SET used_minutes = used_minutes").
			WithArgs(6.5, sqlmock.AnyArg(), int64(1), 30.0, floatSlack).
			WillReturnRows(sqlmock.NewRows([]string{"used_minutes"}).AddRow(16.5))

		used, err := store.IncrementAccountUsage(context.Background(), 1, 6.5, 30)
		require.NoError(t, err)
		assert.Equal(t, 16.5, used)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("condition failed", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE accounts SET used_minutes").
			WillReturnRows(sqlmock.NewRows([]string{"used_minutes"}))

		_, err := store.IncrementAccountUsage(context.Background(), 1, 50, 30)
		assert.ErrorIs(t, err, storage.ErrConditionFailed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("backend unavailable", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE accounts SET used_minutes").
			WillReturnError(&pq.Error{Code: "08006"})

		_, err := store.IncrementAccountUsage(context.Background(), 1, 1, 30)
		assert.ErrorIs(t, err, storage.ErrUnavailable)
		assert.NotErrorIs(t, err, storage.ErrConditionFailed)
	})
}

func TestIncrementSubscriptionUsage_Mock(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`UPDATE subscriptions SET used_minutes = used_minutes(.+)status IN \('active', 'canceling'\)`).
		WithArgs(2.0, sqlmock.AnyArg(), int64(7), floatSlack).
		WillReturnRows(sqlmock.NewRows([]string{"used_minutes"}))

	_, err := store.IncrementSubscriptionUsage(context.Background(), 7, 2)
	assert.ErrorIs(t, err, storage.ErrConditionFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetAccountSubscribed_Mock(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE accounts SET is_subscribed").
		WithArgs(true, sqlmock.AnyArg(), int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SetAccountSubscribed(context.Background(), 99, true)
	assert.ErrorIs(t, err, accounts.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAccount_Mock(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT (.+) FROM accounts WHERE id").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "phone", "email", "total_minutes", "used_minutes", "is_subscribed", "created_at", "updated_at",
		}).AddRow(int64(5), "+15550001", nil, nil, 12.25, false, now, now))

	account, err := store.GetAccount(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "+15550001", account.Phone)
	assert.Nil(t, account.TotalMinutes)
	assert.Equal(t, 30.0, account.FreeQuota(quota.DefaultFreeMinutes))
	assert.Equal(t, 12.25, account.UsedMinutes)

	mock.ExpectQuery("SELECT (.+) FROM accounts WHERE id").
		WithArgs(int64(6)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = store.GetAccount(context.Background(), 6)
	assert.ErrorIs(t, err, accounts.ErrNotFound)
}

func TestUpsertSubscription_Mock(t *testing.T) {
	sub := &billing.Subscription{
		AccountID:              1,
		ProviderSubscriptionID: "sub_1",
		Plan:                   "pro",
		Interval:               billing.IntervalMonthly,
		Status:                 billing.SubscriptionStatusActive,
		SubscriptionMinutes:    3000,
	}

	t.Run("created", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`INSERT INTO subscriptions (.+) ON CONFLICT \(provider_subscription_id\) DO NOTHING`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

		created, err := store.UpsertSubscription(context.Background(), sub)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, int64(11), sub.ID)
	})

	t.Run("already exists", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("INSERT INTO subscriptions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		created, err := store.UpsertSubscription(context.Background(), sub)
		require.NoError(t, err)
		assert.False(t, created)
	})
}

func TestUpdateSubscriptionStatus_NotFound_Mock(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE subscriptions SET status").
		WithArgs("past_due", nil, nil, sqlmock.AnyArg(), "sub_missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.UpdateSubscriptionStatus(context.Background(), "sub_missing", billing.SubscriptionStatusPastDue, billing.Period{})
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJob_Duplicate_Mock(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO jobs").
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.CreateJob(context.Background(), &jobs.Job{
		ID:          "job-1",
		AccountID:   1,
		Source:      jobs.SourceMessaging,
		ExternalRef: "wamid.1",
		MediaRef:    "https://media/1",
	})
	assert.ErrorIs(t, err, jobs.ErrDuplicate)
}

func TestTimestamp_Scan(t *testing.T) {
	var ts timestamp
	require.NoError(t, ts.Scan("2026-03-01 10:00:00+00:00"))
	assert.True(t, ts.Valid)
	assert.Equal(t, 2026, ts.Time.Year())

	require.NoError(t, ts.Scan([]byte("2026-03-01T10:00:00.5Z")))
	assert.Equal(t, 500*time.Millisecond, time.Duration(ts.Time.Nanosecond()))

	require.NoError(t, ts.Scan(nil))
	assert.False(t, ts.Valid)
	assert.Nil(t, ts.ptr())

	assert.Error(t, ts.Scan(42))
	assert.Error(t, ts.Scan("yesterday"))
}
