package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker tracks process liveness and traffic readiness. Readiness
// is flipped on only once recovery, migrations and bus subscriptions have
// all completed, and can carry named dependency probes (e.g. a DB ping)
// that are re-evaluated on every readiness request.
type HealthChecker struct {
	ready   atomic.Bool
	started time.Time

	mu     sync.RWMutex
	probes map[string]func() error
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		started: time.Now(),
		probes:  make(map[string]func() error),
	}
}

func (h *HealthChecker) SetReady(ready bool) { h.ready.Store(ready) }

func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

// AddProbe registers a named dependency check that gates readiness.
func (h *HealthChecker) AddProbe(name string, probe func() error) {
	h.mu.Lock()
	h.probes[name] = probe
	h.mu.Unlock()
}

// LivenessHandler answers 200 whenever the process can serve requests.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(h.started).String(),
	})
}

// ReadinessHandler answers 200 once startup has completed and every
// registered probe passes, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeHealth(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}

	h.mu.RLock()
	failed := map[string]string{}
	for name, probe := range h.probes {
		if err := probe(); err != nil {
			failed[name] = err.Error()
		}
	}
	h.mu.RUnlock()

	if len(failed) > 0 {
		writeHealth(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"failed": failed,
		})
		return
	}
	writeHealth(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeHealth(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
