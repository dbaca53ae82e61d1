package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthChecker tracks liveness and per-subsystem readiness.
// /healthz reports liveness, /readyz reports readiness.
type HealthChecker struct {
	mu        sync.RWMutex
	subsystem map[string]bool
	startTime time.Time
}

// NewHealthChecker creates a checker with the named subsystems, all
// initially not ready.
func NewHealthChecker(subsystems ...string) *HealthChecker {
	m := make(map[string]bool, len(subsystems))
	for _, s := range subsystems {
		m[s] = false
	}
	return &HealthChecker{
		subsystem: m,
		startTime: time.Now(),
	}
}

// SetReady marks one subsystem as ready or not ready.
func (h *HealthChecker) SetReady(name string, ready bool) {
	h.mu.Lock()
	h.subsystem[name] = ready
	h.mu.Unlock()
}

// IsReady reports whether every registered subsystem is ready.
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ok := range h.subsystem {
		if !ok {
			return false
		}
	}
	return true
}

func (h *HealthChecker) notReady() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var pending []string
	for name, ok := range h.subsystem {
		if !ok {
			pending = append(pending, name)
		}
	}
	sort.Strings(pending)
	return pending
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 once every subsystem has reported
// ready, 503 with the pending subsystem names otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if pending := h.notReady(); len(pending) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "not_ready",
			"pending": pending,
		})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ready",
	})
}
