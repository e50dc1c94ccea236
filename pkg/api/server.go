package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/voicescribe/pkg/billing"
	"github.com/platinummonkey/voicescribe/pkg/httputil"
	"github.com/platinummonkey/voicescribe/pkg/ingest"
	"github.com/platinummonkey/voicescribe/pkg/jobs"
	"github.com/platinummonkey/voicescribe/pkg/metering"
	"github.com/platinummonkey/voicescribe/pkg/observability"
)

const defaultMaxWebhookBytes = 1 << 20

// Billing is the billing state machine as seen by the handlers.
type Billing interface {
	HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (billing.Outcome, error)
	GetSubscriptionView(ctx context.Context, accountID int64) (*billing.SubscriptionView, error)
	RequestCancellation(ctx context.Context, accountID int64) (*billing.SubscriptionView, error)
	RequestReactivation(ctx context.Context, accountID int64) (*billing.SubscriptionView, error)
}

// Metering answers quota probes.
type Metering interface {
	CheckAdmission(ctx context.Context, accountID int64, durationSeconds float64) (*metering.Admission, error)
}

// Ingest accepts inbound audio and provider callbacks.
type Ingest interface {
	AcceptUpload(ctx context.Context, req ingest.UploadRequest) (*ingest.Receipt, error)
	AcceptMessage(ctx context.Context, msg ingest.InboundMessage) (*ingest.Receipt, error)
	CompleteTranscription(ctx context.Context, jobID string, body []byte, signature string) (*jobs.Job, error)
	Job(ctx context.Context, accountID int64, jobID string) (*jobs.Job, error)
}

// Config holds HTTP-level settings.
type Config struct {
	APIToken        string
	MessagingSecret string
	MaxUploadBytes  int64
	MaxWebhookBytes int64
	CORSOrigins     []string
}

// Server represents the API server
type Server struct {
	cfg      Config
	router   *mux.Router
	handler  http.Handler
	billing  Billing
	metering Metering
	ingest   Ingest
	logger   logrus.FieldLogger
	metrics  *observability.Metrics
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics instruments routes with Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new API server
func NewServer(cfg Config, b Billing, m Metering, in Ingest, logger logrus.FieldLogger, opts ...Option) *Server {
	if cfg.MaxWebhookBytes <= 0 {
		cfg.MaxWebhookBytes = defaultMaxWebhookBytes
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	s := &Server{
		cfg:      cfg,
		router:   mux.NewRouter(),
		billing:  b,
		metering: m,
		ingest:   in,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()

	chain := []func(http.Handler) http.Handler{
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
	}
	if len(cfg.CORSOrigins) > 0 {
		chain = append(chain, httputil.CORSMiddleware(cfg.CORSOrigins))
	}
	s.handler = otelhttp.NewHandler(httputil.Chain(chain...)(s.router), "voicescribe.api")
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFoundError(w, "route not found")
	})

	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Signed provider deliveries
	v1.HandleFunc("/webhooks/billing", s.billingWebhook).Methods(http.MethodPost)
	v1.HandleFunc("/webhooks/messaging", s.messagingWebhook).Methods(http.MethodPost)
	v1.HandleFunc("/callbacks/transcriptions/{jobID}", s.transcriptionCallback).Methods(http.MethodPost)

	accounts := v1.PathPrefix("/accounts/{id:[0-9]+}").Subrouter()
	accounts.Use(httputil.BearerTokenMiddleware(s.cfg.APIToken))
	accounts.HandleFunc("/quota", s.getQuota).Methods(http.MethodGet)
	accounts.HandleFunc("/subscription", s.getSubscription).Methods(http.MethodGet)
	accounts.HandleFunc("/subscription/cancel", s.cancelSubscription).Methods(http.MethodPost)
	accounts.HandleFunc("/subscription/reactivate", s.reactivateSubscription).Methods(http.MethodPost)
	accounts.HandleFunc("/uploads", s.upload).Methods(http.MethodPost)
	accounts.HandleFunc("/jobs/{jobID}", s.getJob).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
