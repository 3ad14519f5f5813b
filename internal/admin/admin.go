// Package admin serves the optional operator endpoints: Prometheus metrics,
// health probes, a JSON status summary and pprof.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/die-net/warden/internal/filter"
	"github.com/die-net/warden/internal/metrics"
)

type Options struct {
	Health  *Health
	Policy  *filter.Policy
	Metrics *metrics.Metrics

	// Listen and Upstream are echoed in /status.
	Listen   string
	Upstream string
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Status            string `json:"status"`
	Uptime            string `json:"uptime"`
	Listen            string `json:"listen,omitempty"`
	Upstream          string `json:"upstream,omitempty"`
	ActiveConnections int64  `json:"active_connections"`
	ForbiddenHosts    int    `json:"forbidden_hosts"`
	BannedWords       int    `json:"banned_words"`
}

// NewRouter builds the admin router.
//
//	GET /healthz        liveness
//	GET /readyz         readiness
//	GET /status         StatusResponse
//	GET /metrics        Prometheus exposition
//	    /debug/pprof/*  runtime profiles
func NewRouter(o Options) http.Handler {
	if o.Health == nil {
		o.Health = NewHealth()
	}
	if o.Policy == nil {
		o.Policy = filter.Empty()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", o.Health.handleHealthz)
	r.Get("/readyz", o.Health.handleReadyz)
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		hosts, words := o.Policy.Counts()
		status := "ok"
		if !o.Health.IsReady() {
			status = "not ready"
		}
		writeJSON(w, http.StatusOK, StatusResponse{
			Status:            status,
			Uptime:            o.Health.Uptime().Truncate(time.Second).String(),
			Listen:            o.Listen,
			Upstream:          o.Upstream,
			ActiveConnections: o.Metrics.ActiveConns(),
			ForbiddenHosts:    hosts,
			BannedWords:       words,
		})
	})

	if o.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", o.Metrics.Handler())
	}

	r.Mount("/debug", middleware.Profiler())

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
