// Package health provides health check endpoints for the mkeyconform
// server.
//
//   - /health: overall status (for load balancers)
//   - /health/live: liveness probe (is the process running?)
//   - /health/ready: readiness probe (can the device under test be opened?)
//   - /health/detailed: per-check status
//
// Checks are registered by name. Each returns a Check; critical checks make
// the overall status unhealthy when they fail, others only degrade it.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates a non-critical check failed.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates a critical check failed.
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result.
type Check struct {
	Status  Status        `json:"status"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency_ns"`
}

// checkTimeout bounds a single probe.
const checkTimeout = 5 * time.Second

// HealthStatus represents the complete health status of the system.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// CheckFunc probes one component.
type CheckFunc func(ctx context.Context) error

type registered struct {
	fn       CheckFunc
	critical bool
}

// Checker performs health checks on the system.
type Checker struct {
	cacheExpiry  time.Time
	checks       map[string]registered
	cachedStatus *HealthStatus
	cacheTTL     time.Duration
	mu           sync.RWMutex
}

// NewChecker creates a checker that caches results for cacheTTL.
func NewChecker(cacheTTL time.Duration) *Checker {
	return &Checker{
		checks:   make(map[string]registered),
		cacheTTL: cacheTTL,
	}
}

// Register adds a named check. A failing critical check makes the system
// unhealthy and not ready.
func (c *Checker) Register(name string, fn CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = registered{fn: fn, critical: critical}
	c.cachedStatus = nil
}

// Check performs all health checks and returns the overall status.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	c.mu.RLock()
	if c.cachedStatus != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()
		return status
	}
	checks := make(map[string]registered, len(c.checks))
	for name, r := range c.checks {
		checks[name] = r
	}
	c.mu.RUnlock()

	results := make(map[string]Check, len(checks))
	var (
		wg        sync.WaitGroup
		resultsMu sync.Mutex
	)
	for name, r := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := r.fn(cctx)
			check := Check{Status: StatusHealthy, Latency: time.Since(start)}
			if err != nil {
				check.Status = StatusDegraded
				check.Message = err.Error()
				if r.critical {
					check.Status = StatusUnhealthy
				}
			}
			resultsMu.Lock()
			results[name] = check
			resultsMu.Unlock()
		}()
	}
	wg.Wait()

	healthStatus := &HealthStatus{
		Status:    determineOverallStatus(results),
		Checks:    results,
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	c.cachedStatus = healthStatus
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return healthStatus
}

// IsReady reports whether every critical check passes.
func (c *Checker) IsReady(ctx context.Context) bool {
	return c.Check(ctx).Status != StatusUnhealthy
}

func determineOverallStatus(checks map[string]Check) Status {
	hasDegraded := false
	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			hasDegraded = true
		}
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// HealthHandler handles basic health check requests.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(status.Status)})
}

// LivenessHandler handles liveness probe requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadinessHandler handles readiness probe requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsReady(r.Context()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}

// DetailedHandler handles detailed health check requests. Degraded returns
// 200 with the status in the body.
func (h *Handler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
