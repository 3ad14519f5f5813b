package admin

import (
	"net/http"
	"time"

	"go.uber.org/atomic"
)

// Health tracks liveness and readiness of the proxy for probe endpoints.
type Health struct {
	alive atomic.Bool
	ready atomic.Bool

	startTime time.Time
}

// HealthResponse is the JSON body returned by /healthz and /readyz.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func NewHealth() *Health {
	return &Health{startTime: time.Now()}
}

func (h *Health) SetAlive(alive bool) { h.alive.Store(alive) }

// SetReady marks whether the proxy listener is accepting connections.
func (h *Health) SetReady(ready bool) { h.ready.Store(ready) }

func (h *Health) IsAlive() bool { return h.alive.Load() }

func (h *Health) IsReady() bool { return h.ready.Load() }

// Uptime returns the time since the Health was created.
func (h *Health) Uptime() time.Duration {
	return time.Since(h.startTime)
}

func (h *Health) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Uptime: h.Uptime().Truncate(time.Second).String()}

	if !h.IsAlive() {
		resp.Status = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Status = "ok"
	writeJSON(w, http.StatusOK, resp)
}

func (h *Health) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Uptime: h.Uptime().Truncate(time.Second).String()}

	if !h.IsReady() {
		resp.Status = "not ready"
		resp.Reason = "proxy listener not accepting"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Status = "ok"
	writeJSON(w, http.StatusOK, resp)
}
