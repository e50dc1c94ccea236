package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/voicescribe/pkg/quota"
)

// ErrProviderNotConfigured is returned by commands when no provider client
// is wired.
var ErrProviderNotConfigured = errors.New("billing provider not configured")

// GetSubscriptionView returns the account's current entitlement: the
// current subscription when there is one, the free tier otherwise.
func (m *Machine) GetSubscriptionView(ctx context.Context, accountID int64) (*SubscriptionView, error) {
	account, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	subs, err := m.store.ListSubscriptions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	view := &SubscriptionView{
		AccountID:    accountID,
		IsSubscribed: account.IsSubscribed,
	}

	if sub, ok := CurrentSubscription(subs); ok {
		view.Source = quota.SourceSubscription
		view.Plan = sub.Plan
		view.Interval = sub.Interval
		view.Status = sub.Status
		view.QuotaMinutes = sub.SubscriptionMinutes
		view.UsedMinutes = sub.UsedMinutes
		view.CurrentPeriodStart = sub.CurrentPeriodStart
		view.CurrentPeriodEnd = sub.CurrentPeriodEnd
		view.CancelAtPeriodEnd = sub.Status == SubscriptionStatusCanceling
	} else {
		view.Source = quota.SourceAccount
		view.Plan = quota.FreePlan
		view.Status = SubscriptionStatusInactive
		view.QuotaMinutes = account.FreeQuota(m.freeMinutes)
		view.UsedMinutes = account.UsedMinutes
	}
	view.LeftMinutes = quota.Remaining(view.QuotaMinutes, view.UsedMinutes)

	return view, nil
}

// RequestCancellation schedules the current paid subscription to end at the
// close of its period. The provider is updated first; the local status is
// set to canceling only once the provider accepted the change. Requests on a
// subscription that is already canceling are no-ops.
func (m *Machine) RequestCancellation(ctx context.Context, accountID int64) (*SubscriptionView, error) {
	sub, err := m.currentPaidSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if sub.Status == SubscriptionStatusCanceling {
		return m.GetSubscriptionView(ctx, accountID)
	}

	if err := m.callProvider(ctx, sub.ProviderSubscriptionID, true); err != nil {
		return nil, err
	}

	if _, err := m.store.UpdateSubscriptionStatus(ctx, sub.ProviderSubscriptionID, SubscriptionStatusCanceling, Period{}); err != nil {
		return nil, fmt.Errorf("failed to mark subscription canceling: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"account_id":      accountID,
		"subscription_id": sub.ProviderSubscriptionID,
	}).Info("Subscription cancellation requested")

	return m.GetSubscriptionView(ctx, accountID)
}

// RequestReactivation reverses a pending cancellation.
func (m *Machine) RequestReactivation(ctx context.Context, accountID int64) (*SubscriptionView, error) {
	sub, err := m.currentPaidSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if sub.Status != SubscriptionStatusCanceling {
		return nil, ErrNotCanceling
	}

	if err := m.callProvider(ctx, sub.ProviderSubscriptionID, false); err != nil {
		return nil, err
	}

	if _, err := m.store.UpdateSubscriptionStatus(ctx, sub.ProviderSubscriptionID, SubscriptionStatusActive, Period{}); err != nil {
		return nil, fmt.Errorf("failed to mark subscription active: %w", err)
	}
	if _, err := m.projectSubscribed(ctx, m.logger, accountID, true); err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"account_id":      accountID,
		"subscription_id": sub.ProviderSubscriptionID,
	}).Info("Subscription reactivated")

	return m.GetSubscriptionView(ctx, accountID)
}

func (m *Machine) currentPaidSubscription(ctx context.Context, accountID int64) (*Subscription, error) {
	if _, err := m.store.GetAccount(ctx, accountID); err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	subs, err := m.store.ListSubscriptions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	sub, ok := CurrentSubscription(subs)
	if !ok || sub.Plan == quota.FreePlan || sub.ProviderSubscriptionID == "" {
		return nil, ErrNoActiveSubscription
	}
	return sub, nil
}

func (m *Machine) callProvider(ctx context.Context, providerSubscriptionID string, cancel bool) error {
	if m.provider == nil {
		return ErrProviderNotConfigured
	}
	if err := m.provider.SetCancelAtPeriodEnd(ctx, providerSubscriptionID, cancel); err != nil {
		return fmt.Errorf("billing provider rejected change: %w", err)
	}
	return nil
}
