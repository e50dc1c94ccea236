package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/voicescribe/pkg/accounts"
	"github.com/platinummonkey/voicescribe/pkg/quota"
)

type fakeProvider struct {
	calls []bool
	err   error
}

func (p *fakeProvider) SetCancelAtPeriodEnd(ctx context.Context, providerSubscriptionID string, cancel bool) error {
	p.calls = append(p.calls, cancel)
	return p.err
}

func subscribedStore(t *testing.T, status SubscriptionStatus) *memoryStore {
	t.Helper()
	store := newMemoryStore(42)
	_, err := store.UpsertSubscription(context.Background(), &Subscription{
		AccountID:              42,
		ProviderSubscriptionID: "sub_1",
		Plan:                   "pro",
		Interval:               IntervalMonthly,
		Status:                 status,
		SubscriptionMinutes:    3000,
		UsedMinutes:            120.5,
	})
	require.NoError(t, err)
	return store
}

func TestGetSubscriptionView_FreeTier(t *testing.T) {
	store := newMemoryStore(42)
	total := 45.0
	store.accounts[42].TotalMinutes = &total
	store.accounts[42].UsedMinutes = 50

	view, err := newTestMachine(store).GetSubscriptionView(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, quota.SourceAccount, view.Source)
	assert.Equal(t, quota.FreePlan, view.Plan)
	assert.Equal(t, SubscriptionStatusInactive, view.Status)
	assert.Equal(t, 45.0, view.QuotaMinutes)
	assert.Equal(t, 0.0, view.LeftMinutes, "overdrawn accounts show zero left")
}

func TestGetSubscriptionView_ConfiguredFreeMinutes(t *testing.T) {
	tests := []struct {
		name    string
		minutes float64
		used    float64
		want    float64
		left    float64
	}{
		{"raised allowance", 60, 10, 60, 50},
		{"free tier disabled", 0, 0, 0, 0},
		{"negative ignored", -5, 0, quota.DefaultFreeMinutes, quota.DefaultFreeMinutes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryStore(42)
			store.accounts[42].UsedMinutes = tt.used

			view, err := newTestMachine(store, WithFreeMinutes(tt.minutes)).GetSubscriptionView(context.Background(), 42)
			require.NoError(t, err)
			assert.Equal(t, tt.want, view.QuotaMinutes)
			assert.Equal(t, tt.left, view.LeftMinutes)
		})
	}
}

func TestGetSubscriptionView_Paid(t *testing.T) {
	store := subscribedStore(t, SubscriptionStatusCanceling)

	view, err := newTestMachine(store).GetSubscriptionView(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, quota.SourceSubscription, view.Source)
	assert.Equal(t, "pro", view.Plan)
	assert.Equal(t, 2879.5, view.LeftMinutes)
	assert.True(t, view.CancelAtPeriodEnd)
}

func TestGetSubscriptionView_UnknownAccount(t *testing.T) {
	_, err := newTestMachine(newMemoryStore()).GetSubscriptionView(context.Background(), 1)
	assert.ErrorIs(t, err, accounts.ErrNotFound)
}

func TestRequestCancellation(t *testing.T) {
	store := subscribedStore(t, SubscriptionStatusActive)
	provider := &fakeProvider{}
	m := newTestMachine(store, WithProvider(provider))

	view, err := m.RequestCancellation(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, SubscriptionStatusCanceling, view.Status)
	assert.Equal(t, []bool{true}, provider.calls)

	// Already canceling: no second provider call.
	view, err = m.RequestCancellation(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, SubscriptionStatusCanceling, view.Status)
	assert.Len(t, provider.calls, 1)
}

func TestRequestCancellation_ProviderRejects(t *testing.T) {
	store := subscribedStore(t, SubscriptionStatusActive)
	m := newTestMachine(store, WithProvider(&fakeProvider{err: &ProviderError{StatusCode: 402, Body: "card declined"}}))

	_, err := m.RequestCancellation(context.Background(), 42)
	var providerErr *ProviderError
	require.True(t, errors.As(err, &providerErr))
	assert.Equal(t, SubscriptionStatusActive, store.subscription("sub_1").Status, "local state follows the provider")
}

func TestRequestCancellation_Errors(t *testing.T) {
	_, err := newTestMachine(newMemoryStore(42), WithProvider(&fakeProvider{})).RequestCancellation(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNoActiveSubscription)

	_, err = newTestMachine(subscribedStore(t, SubscriptionStatusCanceled), WithProvider(&fakeProvider{})).RequestCancellation(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNoActiveSubscription)

	_, err = newTestMachine(subscribedStore(t, SubscriptionStatusActive)).RequestCancellation(context.Background(), 42)
	assert.ErrorIs(t, err, ErrProviderNotConfigured)

	_, err = newTestMachine(newMemoryStore(), WithProvider(&fakeProvider{})).RequestCancellation(context.Background(), 42)
	assert.ErrorIs(t, err, accounts.ErrNotFound)
}

func TestRequestReactivation(t *testing.T) {
	store := subscribedStore(t, SubscriptionStatusCanceling)
	provider := &fakeProvider{}
	m := newTestMachine(store, WithProvider(provider))

	view, err := m.RequestReactivation(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, SubscriptionStatusActive, view.Status)
	assert.True(t, view.IsSubscribed)
	assert.Equal(t, []bool{false}, provider.calls)

	_, err = m.RequestReactivation(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotCanceling)
	assert.Len(t, provider.calls, 1)
}
