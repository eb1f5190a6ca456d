package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthCheck probes one dependency. It must respect ctx cancellation.
type HealthCheck func(ctx context.Context) error

// HealthChecker aggregates dependency probes for liveness/readiness
// endpoints.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]HealthCheck
	timeout time.Duration
}

// NewHealthChecker creates a health checker with a per-probe timeout.
func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HealthChecker{
		checks:  make(map[string]HealthCheck),
		timeout: timeout,
	}
}

// Register adds a named dependency probe.
func (h *HealthChecker) Register(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

type healthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LiveHandler reports process liveness. It never touches dependencies.
func (h *HealthChecker) LiveHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthStatus{Status: "ok"})
	})
}

// ReadyHandler runs every registered probe and reports 503 when any fails.
func (h *HealthChecker) ReadyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		checks := make(map[string]HealthCheck, len(h.checks))
		for name, check := range h.checks {
			checks[name] = check
		}
		h.mu.RUnlock()

		status := healthStatus{Status: "ok", Checks: make(map[string]string, len(checks))}
		code := http.StatusOK
		for name, check := range checks {
			ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
			err := check(ctx)
			cancel()
			if err != nil {
				status.Status = "degraded"
				status.Checks[name] = err.Error()
				code = http.StatusServiceUnavailable
			} else {
				status.Checks[name] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	})
}
