package storage

import (
	"context"
	"time"

	"github.com/platinummonkey/voicescribe/pkg/accounts"
	"github.com/platinummonkey/voicescribe/pkg/billing"
	"github.com/platinummonkey/voicescribe/pkg/jobs"
)

// AccountStore persists accounts and their free-tier usage.
type AccountStore interface {
	CreateAccount(ctx context.Context, account *accounts.Account) error
	GetAccount(ctx context.Context, id int64) (*accounts.Account, error)
	GetAccountByPhone(ctx context.Context, phone string) (*accounts.Account, error)
	SetAccountSubscribed(ctx context.Context, accountID int64, subscribed bool) error

	// IncrementAccountUsage adds minutes to used_minutes only if the result
	// stays within the account's allowance (defaultTotal when unset). It
	// returns the new used value or ErrConditionFailed.
	IncrementAccountUsage(ctx context.Context, accountID int64, minutes, defaultTotal float64) (float64, error)
	ResetAccountUsage(ctx context.Context, accountID int64) error
}

// SubscriptionStore persists subscription rows.
type SubscriptionStore interface {
	ListSubscriptions(ctx context.Context, accountID int64) ([]*billing.Subscription, error)
	UpsertSubscription(ctx context.Context, sub *billing.Subscription) (bool, error)
	UpdateSubscriptionStatus(ctx context.Context, providerSubscriptionID string, status billing.SubscriptionStatus, period billing.Period) (*billing.Subscription, error)
	ResetSubscriptionUsage(ctx context.Context, providerSubscriptionID string, period billing.Period) (*billing.Subscription, error)

	// IncrementSubscriptionUsage adds minutes only while the row is current
	// and the result stays within subscription_minutes.
	IncrementSubscriptionUsage(ctx context.Context, subscriptionID int64, minutes float64) (float64, error)
	CountSubscriptionsByStatus(ctx context.Context) (map[string]int64, error)
}

// JobStore persists transcription jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job *jobs.Job) error
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
	MarkJobProcessing(ctx context.Context, id, providerRequestID string) error
	CompleteJob(ctx context.Context, id string, result jobs.Result) error
	FailJob(ctx context.Context, id, reason string) error
	FailStaleJobs(ctx context.Context, olderThan time.Time) (int64, error)
}

// Store is the full persistence surface.
type Store interface {
	AccountStore
	SubscriptionStore
	JobStore

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
