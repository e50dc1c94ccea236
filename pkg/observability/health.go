package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthChecker reports process health. The database is required; Redis
// is optional and only degrades the status.
type HealthChecker struct {
	db      *sql.DB
	redis   *redis.Client
	version string
}

// NewHealthChecker creates a new health checker. redis may be nil.
func NewHealthChecker(db *sql.DB, redis *redis.Client, version string) *HealthChecker {
	return &HealthChecker{db: db, redis: redis, version: version}
}

// Liveness always returns 200 while the process is serving.
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Version:   h.version,
	})
}

// Readiness returns 503 when a required dependency is down.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, status)
}

// Check probes every configured dependency.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus),
	}

	if h.db != nil {
		dep := probe(func() error { return h.db.PingContext(ctx) })
		if dep.Status == StatusHealthy {
			stats := h.db.Stats()
			if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
				dep.Status = StatusDegraded
				dep.Message = "connection pool exhausted"
			}
		}
		status.Dependencies["database"] = dep
		status.Status = worst(status.Status, dep.Status)
	}

	if h.redis != nil {
		dep := probe(func() error { return h.redis.Ping(ctx).Err() })
		status.Dependencies["redis"] = dep
		if dep.Status != StatusHealthy {
			status.Status = worst(status.Status, StatusDegraded)
		}
	}

	return status
}

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(serveMux *http.ServeMux, checker *HealthChecker) {
	serveMux.HandleFunc("/health", checker.Readiness)
	serveMux.HandleFunc("/health/live", checker.Liveness)
	serveMux.HandleFunc("/health/ready", checker.Readiness)
}

func probe(ping func() error) DependencyStatus {
	start := time.Now()
	dep := DependencyStatus{Status: StatusHealthy, Timestamp: start}
	if err := ping(); err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
	}
	dep.Latency = time.Since(start)
	return dep
}

func worst(a, b string) string {
	rank := map[string]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func writeHealth(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
