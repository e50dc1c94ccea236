package billing

import (
	"errors"
	"time"

	"github.com/platinummonkey/voicescribe/pkg/quota"
)

var (
	// ErrSubscriptionNotFound is returned when no row matches a provider id.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrNoActiveSubscription is returned by commands on accounts without a
	// paid current subscription.
	ErrNoActiveSubscription = errors.New("no active subscription")
	// ErrNotCanceling is returned when reactivating a subscription that has no
	// pending cancellation.
	ErrNotCanceling = errors.New("subscription is not pending cancellation")
)

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusCanceling SubscriptionStatus = "canceling"
	SubscriptionStatusCanceled  SubscriptionStatus = "canceled"
	SubscriptionStatusInactive  SubscriptionStatus = "inactive"
	SubscriptionStatusUnpaid    SubscriptionStatus = "unpaid"
)

// Valid reports whether s is a known status.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusCanceling,
		SubscriptionStatusCanceled, SubscriptionStatusInactive, SubscriptionStatusUnpaid:
		return true
	}
	return false
}

// Interval is the billing cadence.
type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

// Period is a billing period; either bound may be unknown.
type Period struct {
	Start *time.Time
	End   *time.Time
}

// Subscription represents a billing subscription
type Subscription struct {
	ID        int64 `json:"id"`
	AccountID int64 `json:"account_id"`

	// ProviderSubscriptionID is empty until the provider confirms creation.
	ProviderSubscriptionID string             `json:"provider_subscription_id,omitempty"`
	Plan                   string             `json:"plan"`
	Interval               Interval           `json:"interval"`
	Status                 SubscriptionStatus `json:"status"`

	SubscriptionMinutes float64 `json:"subscription_minutes"`
	UsedMinutes         float64 `json:"used_minutes"`

	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Usage projects the row onto the ledger's view.
func (s *Subscription) Usage() quota.SubscriptionUsage {
	return quota.SubscriptionUsage{
		ID:        s.ID,
		Plan:      s.Plan,
		Status:    string(s.Status),
		Quota:     s.SubscriptionMinutes,
		Used:      s.UsedMinutes,
		CreatedAt: s.CreatedAt,
	}
}

// CurrentSubscription applies the ledger precedence rule to a set of rows.
func CurrentSubscription(subs []*Subscription) (*Subscription, bool) {
	usage := make([]quota.SubscriptionUsage, 0, len(subs))
	for _, s := range subs {
		usage = append(usage, s.Usage())
	}
	picked, ok := quota.SelectCurrent(usage)
	if !ok {
		return nil, false
	}
	for _, s := range subs {
		if s.ID == picked.ID {
			return s, true
		}
	}
	return nil, false
}

// SubscriptionView is the read model returned to presentation layers.
type SubscriptionView struct {
	AccountID    int64              `json:"account_id"`
	Source       quota.Source       `json:"source"`
	Plan         string             `json:"plan"`
	Interval     Interval           `json:"interval,omitempty"`
	Status       SubscriptionStatus `json:"status"`
	IsSubscribed bool               `json:"is_subscribed"`

	QuotaMinutes float64 `json:"quota_minutes"`
	UsedMinutes  float64 `json:"used_minutes"`
	LeftMinutes  float64 `json:"left_minutes"`

	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
}

// Outcome describes what happened to a webhook delivery.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeIgnored   Outcome = "ignored"
)
