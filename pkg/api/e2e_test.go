package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/voicescribe/pkg/accounts"
	"github.com/platinummonkey/voicescribe/pkg/billing"
	"github.com/platinummonkey/voicescribe/pkg/httputil"
	"github.com/platinummonkey/voicescribe/pkg/ingest"
	"github.com/platinummonkey/voicescribe/pkg/jobs"
	"github.com/platinummonkey/voicescribe/pkg/metering"
	"github.com/platinummonkey/voicescribe/pkg/observability"
	"github.com/platinummonkey/voicescribe/pkg/quota"
	"github.com/platinummonkey/voicescribe/pkg/storage/eventlog"
	"github.com/platinummonkey/voicescribe/pkg/storage/sqlstore"
	"github.com/platinummonkey/voicescribe/pkg/transcription"
)

const (
	e2eBillingSecret  = "whsec_test"
	e2eCallbackSecret = "cb-secret"
)

type memoryMedia struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memoryMedia) Put(ctx context.Context, key string, content io.Reader, contentType string) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memoryMedia) PresignURL(ctx context.Context, key string) (string, error) {
	return "https://media.test/" + key, nil
}

func (m *memoryMedia) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

type recordingTranscriber struct {
	mu       sync.Mutex
	requests []transcription.Request
}

func (r *recordingTranscriber) Submit(ctx context.Context, req transcription.Request) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return fmt.Sprintf("tr_%d", len(r.requests)), nil
}

type recordingProvider struct {
	calls map[string]bool
}

func (p *recordingProvider) SetCancelAtPeriodEnd(ctx context.Context, providerSubscriptionID string, cancel bool) error {
	p.calls[providerSubscriptionID] = cancel
	return nil
}

type stack struct {
	store       *sqlstore.SQLStore
	transcriber *recordingTranscriber
	provider    *recordingProvider
	server      *Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	store, err := sqlstore.OpenSQLite(filepath.Join(t.TempDir(), "api.db") + "?_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	logger, _ := test.NewNullLogger()
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	st := &stack{
		store:       store,
		transcriber: &recordingTranscriber{},
		provider:    &recordingProvider{calls: map[string]bool{}},
	}

	machine := billing.NewMachine(store, billing.NewSignatureVerifier(e2eBillingSecret, 5*time.Minute), logger,
		billing.WithCatalog(billing.DefaultPlanCatalog()),
		billing.WithEventLog(eventlog.NewMemoryLog(128, time.Hour)),
		billing.WithProvider(st.provider),
		billing.WithMetrics(metrics),
	)
	meter := metering.NewService(store, logger)
	coord := ingest.NewCoordinator(meter, store, store, logger,
		ingest.WithMediaStore(&memoryMedia{objects: map[string][]byte{}}),
		ingest.WithTranscriber(st.transcriber, "https://voicescribe.test"),
		ingest.WithCallbackSecret(e2eCallbackSecret),
		ingest.WithMetrics(metrics),
	)

	st.server = NewServer(Config{
		APIToken:        testToken,
		MessagingSecret: testGatewayKey,
		MaxUploadBytes:  1 << 20,
	}, machine, meter, coord, logger, WithMetrics(metrics))
	return st
}

func (s *stack) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.server.ServeHTTP(rec, req)
	return rec
}

func (s *stack) sendBillingEvent(t *testing.T, payload string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/billing", bytes.NewBufferString(payload))
	req.Header.Set(billing.SignatureHeader, billing.Sign(e2eBillingSecret, []byte(payload), time.Now()))
	return s.do(t, req)
}

func (s *stack) subscription(t *testing.T, accountID int64) billing.SubscriptionView {
	t.Helper()
	rec := s.do(t, authed(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/accounts/%d/subscription", accountID), nil)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view billing.SubscriptionView
	decode(t, rec, &view)
	return view
}

func subscriptionEvent(eventID, eventType string, accountID int64, status string, start, end time.Time) string {
	return fmt.Sprintf(`{"id":%q,"type":%q,"created":%d,"data":{"object":{"id":"sub_1","status":%q,"cancel_at_period_end":false,"current_period_start":%d,"current_period_end":%d,"metadata":{"userId":"%d","plan":"pro","planType":"monthly"}}}}`,
		eventID, eventType, time.Now().Unix(), status, start.Unix(), end.Unix(), accountID)
}

func invoicePaidEvent(eventID string, start, end time.Time) string {
	return fmt.Sprintf(`{"id":%q,"type":"invoice.payment_succeeded","created":%d,"data":{"object":{"id":"in_1","subscription":"sub_1","lines":{"data":[{"period":{"start":%d,"end":%d}}]}}}}`,
		eventID, time.Now().Unix(), start.Unix(), end.Unix())
}

func TestEndToEnd_FreeTierThenSubscription(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	account := &accounts.Account{Phone: "+15550100"}
	require.NoError(t, st.store.CreateAccount(ctx, account))

	// Free tier: exactly the allowance is admissible, one second more is not.
	rec := st.do(t, authed(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/accounts/%d/quota?seconds=1800", account.ID), nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	var probe QuotaResponse
	decode(t, rec, &probe)
	assert.True(t, probe.Admissible)
	assert.Equal(t, quota.SourceAccount, probe.Source)

	rec = st.do(t, authed(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/accounts/%d/quota?seconds=1860", account.ID), nil)))
	decode(t, rec, &probe)
	assert.False(t, probe.Admissible)
	assert.NotEmpty(t, probe.Message)

	// Subscribe to pro.
	start := time.Now().Add(-time.Hour).Truncate(time.Second)
	end := start.Add(30 * 24 * time.Hour)
	created := subscriptionEvent("evt_1", "customer.subscription.created", account.ID, "active", start, end)

	rec = st.sendBillingEvent(t, created)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ack WebhookResponse
	decode(t, rec, &ack)
	assert.Equal(t, string(billing.OutcomeApplied), ack.Status)

	rec = st.sendBillingEvent(t, created)
	decode(t, rec, &ack)
	assert.Equal(t, string(billing.OutcomeDuplicate), ack.Status)

	view := st.subscription(t, account.ID)
	assert.Equal(t, quota.SourceSubscription, view.Source)
	assert.Equal(t, "pro", view.Plan)
	assert.Equal(t, 3000.0, view.QuotaMinutes)

	// Upload 90 seconds, charged against the subscription.
	rec = st.do(t, multipartUpload(t, account.ID, "90", "audio/ogg", []byte("OggS-voice")))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var receipt ingest.Receipt
	decode(t, rec, &receipt)
	require.NotNil(t, receipt.Deduction)
	assert.Equal(t, quota.SourceSubscription, receipt.Deduction.Source)
	assert.Equal(t, 1.5, receipt.Deduction.DeductedMinutes)

	view = st.subscription(t, account.ID)
	assert.Equal(t, 1.5, view.UsedMinutes)

	require.Len(t, st.transcriber.requests, 1)
	submitted := st.transcriber.requests[0]
	assert.Equal(t, receipt.Job.ID, submitted.JobID)
	assert.Equal(t, "https://voicescribe.test/v1/callbacks/transcriptions/"+receipt.Job.ID, submitted.CallbackURL)

	// Provider posts the transcript back.
	body := fmt.Sprintf(`{"id":"tr_1","reference":%q,"status":"completed","text":"call me back"}`, receipt.Job.ID)
	req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/transcriptions/"+receipt.Job.ID, bytes.NewBufferString(body))
	req.Header.Set(transcription.SignatureHeader, httputil.SignHex([]byte(e2eCallbackSecret), []byte(body)))
	rec = st.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = st.do(t, authed(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/accounts/%d/jobs/%s", account.ID, receipt.Job.ID), nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	var job jobs.Job
	decode(t, rec, &job)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, "call me back", job.Transcript)

	// Renewal resets usage but keeps the status.
	rec = st.sendBillingEvent(t, invoicePaidEvent("evt_2", end, end.Add(30*24*time.Hour)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view = st.subscription(t, account.ID)
	assert.Equal(t, 0.0, view.UsedMinutes)
	assert.Equal(t, billing.SubscriptionStatusActive, view.Status)
}

func TestEndToEnd_CancelAndReactivate(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	account := &accounts.Account{Email: "owner@example.com"}
	require.NoError(t, st.store.CreateAccount(ctx, account))

	path := func(action string) string {
		return fmt.Sprintf("/v1/accounts/%d/subscription/%s", account.ID, action)
	}

	rec := st.do(t, authed(httptest.NewRequest(http.MethodPost, path("cancel"), nil)))
	assert.Equal(t, http.StatusNotFound, rec.Code, "no paid subscription yet")

	start := time.Now().Add(-time.Hour).Truncate(time.Second)
	rec = st.sendBillingEvent(t, subscriptionEvent("evt_1", "customer.subscription.created", account.ID, "active", start, start.Add(720*time.Hour)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = st.do(t, authed(httptest.NewRequest(http.MethodPost, path("reactivate"), nil)))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = st.do(t, authed(httptest.NewRequest(http.MethodPost, path("cancel"), nil)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view billing.SubscriptionView
	decode(t, rec, &view)
	assert.Equal(t, billing.SubscriptionStatusCanceling, view.Status)
	assert.True(t, view.CancelAtPeriodEnd)
	assert.True(t, st.provider.calls["sub_1"])

	rec = st.do(t, authed(httptest.NewRequest(http.MethodPost, path("reactivate"), nil)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &view)
	assert.Equal(t, billing.SubscriptionStatusActive, view.Status)
	assert.False(t, st.provider.calls["sub_1"])
}

func TestEndToEnd_VoiceMessage(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	account := &accounts.Account{Phone: "+15550100"}
	require.NoError(t, st.store.CreateAccount(ctx, account))

	const body = `{"messageId":"wamid.42","from":"whatsapp:+1 555 0100","type":"ptt","media":{"url":"https://gateway.test/media/42","contentType":"audio/ogg; codecs=opus","durationSeconds":30}}`

	rec := st.do(t, signedMessage(t, body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ack WebhookResponse
	decode(t, rec, &ack)
	assert.Equal(t, "accepted", ack.Status)
	require.NotEmpty(t, ack.JobID)

	rec = st.do(t, signedMessage(t, body))
	decode(t, rec, &ack)
	assert.Equal(t, "duplicate", ack.Status)

	view := st.subscription(t, account.ID)
	assert.Equal(t, quota.SourceAccount, view.Source)
	assert.Equal(t, 0.5, view.UsedMinutes, "redelivery is charged once")

	require.Len(t, st.transcriber.requests, 1)
	assert.Equal(t, "https://gateway.test/media/42", st.transcriber.requests[0].AudioURL)

	stranger := `{"messageId":"wamid.43","from":"+15559999","type":"audio","media":{"url":"https://gateway.test/media/43","contentType":"audio/ogg","durationSeconds":5}}`
	rec = st.do(t, signedMessage(t, stranger))
	decode(t, rec, &ack)
	assert.Equal(t, "ignored", ack.Status)
}
