package metering

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/voicescribe/pkg/accounts"
	"github.com/platinummonkey/voicescribe/pkg/billing"
	"github.com/platinummonkey/voicescribe/pkg/observability"
	"github.com/platinummonkey/voicescribe/pkg/quota"
	"github.com/platinummonkey/voicescribe/pkg/storage"
)

var tracer = otel.Tracer("github.com/platinummonkey/voicescribe/pkg/metering")

// ErrAccountNotFound is returned when metering an unknown account. It is not
// retryable.
var ErrAccountNotFound = accounts.ErrNotFound

// maxCommitAttempts bounds re-evaluation after a lost conditional update.
const maxCommitAttempts = 3

// Store is the persistence metering reads and conditionally writes.
type Store interface {
	GetAccount(ctx context.Context, id int64) (*accounts.Account, error)
	ListSubscriptions(ctx context.Context, accountID int64) ([]*billing.Subscription, error)
	IncrementAccountUsage(ctx context.Context, accountID int64, minutes, defaultTotal float64) (float64, error)
	IncrementSubscriptionUsage(ctx context.Context, subscriptionID int64, minutes float64) (float64, error)
}

// Admission is the read-only answer to "may this audio be processed".
type Admission struct {
	AccountID        int64        `json:"account_id"`
	Admissible       bool         `json:"admissible"`
	Source           quota.Source `json:"source"`
	RemainingMinutes float64      `json:"remaining_minutes"`
	RequiredMinutes  float64      `json:"required_minutes"`
}

// Err returns a *quota.ExceededError when the admission was refused.
func (a *Admission) Err() error {
	if a.Admissible {
		return nil
	}
	return &quota.ExceededError{Remaining: a.RemainingMinutes, Required: a.RequiredMinutes}
}

// Deduction reports a committed usage write.
type Deduction struct {
	AccountID        int64        `json:"account_id"`
	Source           quota.Source `json:"source"`
	RecordID         int64        `json:"record_id"`
	DeductedMinutes  float64      `json:"deducted_minutes"`
	RemainingMinutes float64      `json:"remaining_minutes"`
}

// Service meters audio against account and subscription quotas.
type Service struct {
	store       Store
	logger      logrus.FieldLogger
	metrics     *observability.Metrics
	freeMinutes float64
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records admission and deduction metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithFreeMinutes overrides the default free-tier allowance for accounts
// without an explicit total. Zero disables the free tier; negative values
// are ignored.
func WithFreeMinutes(minutes float64) Option {
	return func(s *Service) {
		if minutes >= 0 {
			s.freeMinutes = minutes
		}
	}
}

// NewService creates a metering service.
func NewService(store Store, logger logrus.FieldLogger, opts ...Option) *Service {
	s := &Service{
		store:       store,
		logger:      logger,
		freeMinutes: quota.DefaultFreeMinutes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot loads the quota sources of an account.
func (s *Service) Snapshot(ctx context.Context, accountID int64) (quota.Snapshot, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return quota.Snapshot{}, fmt.Errorf("account %d: %w", accountID, ErrAccountNotFound)
		}
		return quota.Snapshot{}, fmt.Errorf("failed to load account: %w", err)
	}

	subs, err := s.store.ListSubscriptions(ctx, accountID)
	if err != nil {
		return quota.Snapshot{}, fmt.Errorf("failed to load subscriptions: %w", err)
	}

	total := s.freeMinutes
	if account.TotalMinutes != nil {
		total = *account.TotalMinutes
	}
	snap := quota.Snapshot{
		AccountID: account.ID,
		FreeTotal: &total,
		FreeUsed:  account.UsedMinutes,
	}
	for _, sub := range subs {
		snap.Subscriptions = append(snap.Subscriptions, sub.Usage())
	}
	return snap, nil
}

// CheckAdmission evaluates durationSeconds against the account's current
// quota without mutating anything.
func (s *Service) CheckAdmission(ctx context.Context, accountID int64, durationSeconds float64) (*Admission, error) {
	ctx, span := tracer.Start(ctx, "metering.CheckAdmission")
	defer span.End()
	span.SetAttributes(attribute.Int64("account.id", accountID), attribute.Float64("media.seconds", durationSeconds))

	snap, err := s.Snapshot(ctx, accountID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot failed")
		return nil, err
	}

	decision := quota.Evaluate(snap, quota.MinutesFromSeconds(durationSeconds))
	result := "admitted"
	if !decision.Admissible {
		result = "rejected"
	}
	s.metrics.ObserveAdmission(string(decision.Source), result)

	return &Admission{
		AccountID:        accountID,
		Admissible:       decision.Admissible,
		Source:           decision.Source,
		RemainingMinutes: decision.Remaining,
		RequiredMinutes:  decision.Required,
	}, nil
}

// CommitDeduction re-evaluates against fresh state and persists the usage.
// When the quota no longer covers the media it returns *quota.ExceededError
// with the current remaining minutes.
func (s *Service) CommitDeduction(ctx context.Context, accountID int64, durationSeconds float64) (deduction *Deduction, err error) {
	ctx, span := tracer.Start(ctx, "metering.CommitDeduction")
	defer func() {
		if err != nil && !quota.IsExceeded(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "commit failed")
		}
		span.End()
	}()

	minutes := quota.MinutesFromSeconds(durationSeconds)
	log := s.logger.WithFields(logrus.Fields{
		"account_id": accountID,
		"minutes":    minutes,
	})

	for attempt := 1; ; attempt++ {
		snap, err := s.Snapshot(ctx, accountID)
		if err != nil {
			return nil, err
		}

		decision := quota.Evaluate(snap, minutes)
		if !decision.Admissible {
			if attempt > 1 {
				log.WithField("remaining", decision.Remaining).Warn("Lost deduction race, quota consumed concurrently")
			}
			s.metrics.ObserveDeduction(string(decision.Source), "exceeded", 0)
			return nil, decision.Err()
		}

		if minutes == 0 {
			return &Deduction{
				AccountID:        accountID,
				Source:           decision.Source,
				RecordID:         decision.RecordID,
				RemainingMinutes: decision.Remaining,
			}, nil
		}

		used, err := s.increment(ctx, snap, decision, minutes)
		if errors.Is(err, storage.ErrConditionFailed) && attempt < maxCommitAttempts {
			log.WithField("attempt", attempt).Debug("Conditional usage update lost, re-evaluating")
			continue
		}
		if errors.Is(err, storage.ErrConditionFailed) {
			log.Warn("Giving up deduction after repeated conflicts")
			s.metrics.ObserveDeduction(string(decision.Source), "conflict", 0)
			return nil, &quota.ExceededError{Remaining: decision.Remaining, Required: minutes}
		}
		if err != nil {
			s.metrics.ObserveDeduction(string(decision.Source), "error", 0)
			return nil, fmt.Errorf("failed to persist usage: %w", err)
		}

		s.metrics.ObserveDeduction(string(decision.Source), "committed", minutes)
		span.SetAttributes(attribute.String("quota.source", string(decision.Source)))
		return &Deduction{
			AccountID:        accountID,
			Source:           decision.Source,
			RecordID:         decision.RecordID,
			DeductedMinutes:  minutes,
			RemainingMinutes: quota.Remaining(decision.Quota, used),
		}, nil
	}
}

func (s *Service) increment(ctx context.Context, snap quota.Snapshot, d quota.Decision, minutes float64) (float64, error) {
	if d.Source == quota.SourceSubscription {
		return s.store.IncrementSubscriptionUsage(ctx, d.RecordID, minutes)
	}
	return s.store.IncrementAccountUsage(ctx, snap.AccountID, minutes, s.freeMinutes)
}

// IsRetryable reports whether a metering error came from a transient storage
// failure.
func IsRetryable(err error) bool {
	return storage.IsTransient(err) && !errors.Is(err, ErrAccountNotFound)
}
