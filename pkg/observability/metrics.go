package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Metering metrics
	AdmissionsTotal      *prometheus.CounterVec
	DeductionsTotal      *prometheus.CounterVec
	DeductedMinutesTotal *prometheus.CounterVec

	// Billing metrics
	BillingEventsTotal    *prometheus.CounterVec
	SubscriptionsByStatus *prometheus.GaugeVec

	// Job metrics
	JobsTotal        *prometheus.CounterVec
	StaleJobsFailed  prometheus.Counter
	DispatchFailures prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicescribe_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voicescribe_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		AdmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicescribe_admissions_total",
				Help: "Admission checks by quota source and result",
			},
			[]string{"source", "result"},
		),
		DeductionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicescribe_deductions_total",
				Help: "Minute deductions by quota source and result",
			},
			[]string{"source", "result"},
		),
		DeductedMinutesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicescribe_deducted_minutes_total",
				Help: "Minutes deducted by quota source",
			},
			[]string{"source"},
		),

		BillingEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicescribe_billing_events_total",
				Help: "Billing webhook deliveries by event type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
		SubscriptionsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voicescribe_subscriptions",
				Help: "Subscriptions by status",
			},
			[]string{"status"},
		),

		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicescribe_jobs_total",
				Help: "Transcription jobs by source and status",
			},
			[]string{"source", "status"},
		),
		StaleJobsFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicescribe_stale_jobs_failed_total",
				Help: "Jobs failed by the stale job sweeper",
			},
		),
		DispatchFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voicescribe_transcription_dispatch_failures_total",
				Help: "Jobs that could not be submitted to the transcription provider",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AdmissionsTotal,
		m.DeductionsTotal,
		m.DeductedMinutesTotal,
		m.BillingEventsTotal,
		m.SubscriptionsByStatus,
		m.JobsTotal,
		m.StaleJobsFailed,
		m.DispatchFailures,
	)

	return m
}

// ObserveAdmission counts an admission check.
func (m *Metrics) ObserveAdmission(source, result string) {
	if m == nil {
		return
	}
	m.AdmissionsTotal.WithLabelValues(source, result).Inc()
}

// ObserveDeduction counts a deduction attempt and the minutes it committed.
func (m *Metrics) ObserveDeduction(source, result string, minutes float64) {
	if m == nil {
		return
	}
	m.DeductionsTotal.WithLabelValues(source, result).Inc()
	if minutes > 0 {
		m.DeductedMinutesTotal.WithLabelValues(source).Add(minutes)
	}
}

// ObserveBillingEvent counts a billing webhook delivery.
func (m *Metrics) ObserveBillingEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.BillingEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// ObserveJob counts a job status transition.
func (m *Metrics) ObserveJob(source, status string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(source, status).Inc()
}

// ObserveDispatchFailure counts a job that could not be submitted.
func (m *Metrics) ObserveDispatchFailure() {
	if m == nil {
		return
	}
	m.DispatchFailures.Inc()
}

// ObserveStaleJobs counts jobs failed by the sweeper.
func (m *Metrics) ObserveStaleJobs(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.StaleJobsFailed.Add(float64(n))
}

// SetSubscriptionCounts replaces the per-status subscription gauge.
func (m *Metrics) SetSubscriptionCounts(counts map[string]int64) {
	if m == nil {
		return
	}
	m.SubscriptionsByStatus.Reset()
	for status, n := range counts {
		m.SubscriptionsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests. Requests are labelled by
// their mux route template to keep cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(serveMux *http.ServeMux, gatherer prometheus.Gatherer) {
	serveMux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
