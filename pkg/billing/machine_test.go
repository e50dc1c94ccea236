package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/voicescribe/pkg/accounts"
	"github.com/platinummonkey/voicescribe/pkg/observability"
)

const testSecret = "whsec_test"

type memoryStore struct {
	mu       sync.Mutex
	accounts map[int64]*accounts.Account
	subs     []*Subscription
	nextID   int64
	failWith error
}

func newMemoryStore(accountIDs ...int64) *memoryStore {
	s := &memoryStore{accounts: map[int64]*accounts.Account{}}
	for _, id := range accountIDs {
		s.accounts[id] = &accounts.Account{ID: id}
	}
	return s
}

func (s *memoryStore) GetAccount(ctx context.Context, id int64) (*accounts.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	a, ok := s.accounts[id]
	if !ok {
		return nil, accounts.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memoryStore) SetAccountSubscribed(ctx context.Context, accountID int64, subscribed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	a, ok := s.accounts[accountID]
	if !ok {
		return accounts.ErrNotFound
	}
	a.IsSubscribed = subscribed
	return nil
}

func (s *memoryStore) ListSubscriptions(ctx context.Context, accountID int64) ([]*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Subscription
	for _, sub := range s.subs {
		if sub.AccountID == accountID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memoryStore) UpsertSubscription(ctx context.Context, sub *Subscription) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return false, s.failWith
	}
	for _, existing := range s.subs {
		if existing.ProviderSubscriptionID == sub.ProviderSubscriptionID {
			return false, nil
		}
	}
	s.nextID++
	cp := *sub
	cp.ID = s.nextID
	cp.CreatedAt = time.Unix(1700000000+s.nextID, 0)
	s.subs = append(s.subs, &cp)
	return true, nil
}

func (s *memoryStore) find(providerID string) (*Subscription, error) {
	for _, sub := range s.subs {
		if sub.ProviderSubscriptionID == providerID {
			return sub, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (s *memoryStore) UpdateSubscriptionStatus(ctx context.Context, providerID string, status SubscriptionStatus, period Period) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	sub, err := s.find(providerID)
	if err != nil {
		return nil, err
	}
	sub.Status = status
	if period.Start != nil {
		sub.CurrentPeriodStart = period.Start
	}
	if period.End != nil {
		sub.CurrentPeriodEnd = period.End
	}
	cp := *sub
	return &cp, nil
}

func (s *memoryStore) ResetSubscriptionUsage(ctx context.Context, providerID string, period Period) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	sub, err := s.find(providerID)
	if err != nil {
		return nil, err
	}
	sub.UsedMinutes = 0
	if period.Start != nil {
		sub.CurrentPeriodStart = period.Start
	}
	if period.End != nil {
		sub.CurrentPeriodEnd = period.End
	}
	cp := *sub
	return &cp, nil
}

func (s *memoryStore) subscription(providerID string) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, _ := s.find(providerID)
	return sub
}

func (s *memoryStore) subscribed(accountID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[accountID].IsSubscribed
}

type seenLog struct {
	mu   sync.Mutex
	ids  map[string]bool
	fail error
}

func (l *seenLog) Seen(ctx context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return false, l.fail
	}
	return l.ids[eventID], nil
}

func (l *seenLog) MarkProcessed(ctx context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids[eventID] = true
	return nil
}

func newTestMachine(store Store, opts ...Option) *Machine {
	logger, _ := test.NewNullLogger()
	return NewMachine(store, NewSignatureVerifier(testSecret, 5*time.Minute), logger, opts...)
}

func deliver(t *testing.T, m *Machine, payload string) (Outcome, error) {
	t.Helper()
	return m.HandleWebhook(context.Background(), []byte(payload), Sign(testSecret, []byte(payload), time.Now()))
}

func subEvent(eventID, eventType, status string, cancel bool, accountID int64, plan string) string {
	return fmt.Sprintf(`{"id":%q,"type":%q,"data":{"object":{"id":"sub_1","status":%q,"cancel_at_period_end":%t,"current_period_start":1700000000,"current_period_end":1702592000,"metadata":{"userId":"%d","plan":%q}}}}`,
		eventID, eventType, status, cancel, accountID, plan)
}

func TestHandleWebhook_SubscriptionLifecycle(t *testing.T) {
	store := newMemoryStore(42)
	m := newTestMachine(store)

	outcome, err := deliver(t, m, `{"id":"evt_0","type":"checkout.session.completed","data":{"object":{"client_reference_id":"42","subscription":"sub_1"}}}`)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.True(t, store.subscribed(42))

	outcome, err = deliver(t, m, subEvent("evt_1", "customer.subscription.created", "active", false, 42, "pro"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	sub := store.subscription("sub_1")
	require.NotNil(t, sub)
	assert.Equal(t, int64(42), sub.AccountID)
	assert.Equal(t, 3000.0, sub.SubscriptionMinutes)
	assert.Equal(t, SubscriptionStatusActive, sub.Status)
	assert.Equal(t, IntervalMonthly, sub.Interval)

	// Scheduled cancellation from the provider dashboard.
	_, err = deliver(t, m, subEvent("evt_2", "customer.subscription.updated", "active", true, 42, ""))
	require.NoError(t, err)
	assert.Equal(t, SubscriptionStatusCanceling, store.subscription("sub_1").Status)
	assert.True(t, store.subscribed(42))

	// Payment failure then renewal.
	store.subs[0].UsedMinutes = 1234
	_, err = deliver(t, m, `{"id":"evt_3","type":"invoice.payment_failed","data":{"object":{"subscription":"sub_1"}}}`)
	require.NoError(t, err)
	assert.Equal(t, SubscriptionStatusPastDue, store.subscription("sub_1").Status)

	_, err = deliver(t, m, `{"id":"evt_4","type":"invoice.payment_succeeded","data":{"object":{"subscription":"sub_1","lines":{"data":[{"period":{"start":1702592000,"end":1705270400}}]}}}}`)
	require.NoError(t, err)
	sub = store.subscription("sub_1")
	assert.Zero(t, sub.UsedMinutes)
	assert.Equal(t, SubscriptionStatusPastDue, sub.Status, "invoice paid resets usage only")
	assert.Equal(t, int64(1702592000), sub.CurrentPeriodStart.Unix())
	assert.Equal(t, int64(1705270400), sub.CurrentPeriodEnd.Unix())

	_, err = deliver(t, m, subEvent("evt_5", "customer.subscription.updated", "active", false, 42, ""))
	require.NoError(t, err)
	assert.Equal(t, SubscriptionStatusActive, store.subscription("sub_1").Status)

	_, err = deliver(t, m, subEvent("evt_6", "customer.subscription.deleted", "canceled", false, 42, ""))
	require.NoError(t, err)
	assert.Equal(t, SubscriptionStatusCanceled, store.subscription("sub_1").Status)
	assert.False(t, store.subscribed(42))
}

func TestHandleWebhook_UpdatedToUnpaidClearsFlag(t *testing.T) {
	store := newMemoryStore(42)
	m := newTestMachine(store)

	_, err := deliver(t, m, subEvent("evt_1", "customer.subscription.created", "active", false, 42, "business"))
	require.NoError(t, err)
	require.NoError(t, store.SetAccountSubscribed(context.Background(), 42, true))

	_, err = deliver(t, m, subEvent("evt_2", "customer.subscription.updated", "unpaid", false, 42, ""))
	require.NoError(t, err)
	assert.Equal(t, SubscriptionStatusUnpaid, store.subscription("sub_1").Status)
	assert.False(t, store.subscribed(42))
	assert.Equal(t, 10000.0, store.subscription("sub_1").SubscriptionMinutes)
}

func TestHandleWebhook_CreatedTwiceKeepsFirstRow(t *testing.T) {
	store := newMemoryStore(42)
	m := newTestMachine(store)

	_, err := deliver(t, m, subEvent("evt_1", "customer.subscription.created", "active", false, 42, "pro"))
	require.NoError(t, err)
	store.subs[0].UsedMinutes = 10

	// Same subscription, different event id: the row is not reset.
	outcome, err := deliver(t, m, subEvent("evt_1b", "customer.subscription.created", "active", false, 42, "pro"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Len(t, store.subs, 1)
	assert.Equal(t, 10.0, store.subscription("sub_1").UsedMinutes)
}

func TestHandleWebhook_UnknownPlanUsesCatalogDefault(t *testing.T) {
	catalog, err := ParsePlanCatalog([]byte("default_plan: pro\nplans:\n  pro:\n    minutes: 500\n"))
	require.NoError(t, err)

	store := newMemoryStore(42)
	m := newTestMachine(store, WithCatalog(catalog))

	_, err = deliver(t, m, subEvent("evt_1", "customer.subscription.created", "active", false, 42, "platinum"))
	require.NoError(t, err)
	sub := store.subscription("sub_1")
	assert.Equal(t, "platinum", sub.Plan)
	assert.Equal(t, 500.0, sub.SubscriptionMinutes)
}

func TestHandleWebhook_MissingPlanUsesCatalogDefaultPlan(t *testing.T) {
	catalog, err := ParsePlanCatalog([]byte("default_plan: starter\nplans:\n  starter:\n    minutes: 120\n  pro:\n    minutes: 3000\n"))
	require.NoError(t, err)

	store := newMemoryStore(42)
	m := newTestMachine(store, WithCatalog(catalog))

	_, err = deliver(t, m, subEvent("evt_1", "customer.subscription.created", "active", false, 42, ""))
	require.NoError(t, err)
	sub := store.subscription("sub_1")
	require.NotNil(t, sub)
	assert.Equal(t, "starter", sub.Plan)
	assert.Equal(t, 120.0, sub.SubscriptionMinutes)
}

func TestHandleWebhook_Unmatched(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"checkout without account", `{"id":"e1","type":"checkout.session.completed","data":{"object":{"id":"cs"}}}`},
		{"checkout for unknown account", `{"id":"e2","type":"checkout.session.completed","data":{"object":{"client_reference_id":"99"}}}`},
		{"created without account", subEvent("e3", "customer.subscription.created", "active", false, 0, "pro")},
		{"created for unknown account", subEvent("e4", "customer.subscription.created", "active", false, 99, "pro")},
		{"updated for unknown subscription", subEvent("e5", "customer.subscription.updated", "active", false, 42, "")},
		{"deleted for unknown subscription", subEvent("e6", "customer.subscription.deleted", "canceled", false, 42, "")},
		{"invoice without subscription", `{"id":"e7","type":"invoice.payment_succeeded","data":{"object":{"id":"in"}}}`},
		{"invoice for unknown subscription", `{"id":"e8","type":"invoice.payment_succeeded","data":{"object":{"subscription":"sub_x"}}}`},
		{"failed invoice for unknown subscription", `{"id":"e9","type":"invoice.payment_failed","data":{"object":{"subscription":"sub_x"}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryStore(42)
			m := newTestMachine(store)

			outcome, err := deliver(t, m, tt.payload)
			require.NoError(t, err)
			assert.Equal(t, OutcomeUnmatched, outcome)
			assert.Empty(t, store.subs)
			assert.False(t, store.subscribed(42))
		})
	}
}

func TestApply_UpdatedToActiveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(42)
	m := newTestMachine(store)

	_, err := deliver(t, m, subEvent("evt_1", "customer.subscription.created", "past_due", false, 42, "pro"))
	require.NoError(t, err)
	require.False(t, store.subscribed(42))

	event, err := ParseEvent([]byte(subEvent("evt_2", "customer.subscription.updated", "active", false, 42, "")))
	require.NoError(t, err)

	outcome, err := m.Apply(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	first := *store.subscription("sub_1")
	firstSubscribed := store.subscribed(42)

	outcome, err = m.Apply(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	second := *store.subscription("sub_1")

	assert.Equal(t, SubscriptionStatusActive, second.Status)
	assert.True(t, firstSubscribed)
	assert.Equal(t, firstSubscribed, store.subscribed(42))
	assert.Equal(t, first, second)
	assert.Len(t, store.subs, 1)
}

func TestHandleWebhook_Rejections(t *testing.T) {
	store := newMemoryStore(42)
	m := newTestMachine(store)
	payload := subEvent("evt_1", "customer.subscription.created", "active", false, 42, "pro")

	_, err := m.HandleWebhook(context.Background(), []byte(payload), "t=1,v1=00")
	assert.ErrorIs(t, err, ErrInvalidSignature)
	_, err = m.HandleWebhook(context.Background(), []byte(payload), Sign("other-secret", []byte(payload), time.Now()))
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Empty(t, store.subs, "rejected deliveries must not write")
	assert.False(t, store.subscribed(42))

	_, err = deliver(t, m, `{"id":"evt_2","type":"customer.subscription.updated","data":{"object":{"id":"sub_1","status":"bogus"}}}`)
	assert.ErrorIs(t, err, ErrMalformedEvent)

	outcome, err := deliver(t, m, `{"id":"evt_3","type":"charge.refunded","data":{"object":{}}}`)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestHandleWebhook_Deduplicates(t *testing.T) {
	store := newMemoryStore(42)
	events := &seenLog{ids: map[string]bool{}}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	m := newTestMachine(store, WithEventLog(events), WithMetrics(metrics))

	payload := subEvent("evt_1", "customer.subscription.created", "active", false, 42, "pro")
	outcome, err := deliver(t, m, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.True(t, events.ids["evt_1"])

	outcome, err = deliver(t, m, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BillingEventsTotal.WithLabelValues(string(EventSubscriptionCreated), string(OutcomeApplied))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BillingEventsTotal.WithLabelValues(string(EventSubscriptionCreated), string(OutcomeDuplicate))))
}

func TestHandleWebhook_EventLogFailureStillApplies(t *testing.T) {
	store := newMemoryStore(42)
	m := newTestMachine(store, WithEventLog(&seenLog{ids: map[string]bool{}, fail: errors.New("redis down")}))

	outcome, err := deliver(t, m, subEvent("evt_1", "customer.subscription.created", "active", false, 42, "pro"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.NotNil(t, store.subscription("sub_1"))
}

func TestHandleWebhook_StoreFailureIsNotRecorded(t *testing.T) {
	store := newMemoryStore(42)
	events := &seenLog{ids: map[string]bool{}}
	m := newTestMachine(store, WithEventLog(events))

	store.failWith = errors.New("connection refused")
	_, err := deliver(t, m, subEvent("evt_1", "customer.subscription.created", "active", false, 42, "pro"))
	require.Error(t, err)
	assert.False(t, events.ids["evt_1"], "a failed event must be redelivered")

	store.failWith = nil
	outcome, err := deliver(t, m, subEvent("evt_1", "customer.subscription.created", "active", false, 42, "pro"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
}
