// Package metrics exposes Prometheus collectors for the proxy.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
)

const namespace = "warden"

// Metrics holds all collectors for one proxy instance. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	connsTotal      prometheus.Counter
	activeConns     prometheus.Gauge
	requestsTotal   *prometheus.CounterVec
	blockedTotal    *prometheus.CounterVec
	auditRecords    *prometheus.CounterVec
	malformedTotal  prometheus.Counter
	upstreamErrors  prometheus.Counter
	tunnelErrors    prometheus.Counter
	tunnelBytes     *prometheus.CounterVec
	relayBytes      prometheus.Counter
	filterRuleCount *prometheus.GaugeVec

	active atomic.Int64

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		connsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted client connections.",
		}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of client connections being handled.",
		}),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of classified requests.",
		}, []string{"kind"}),

		blockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_blocked_total",
			Help:      "Total number of requests blocked by policy.",
		}, []string{"reason"}),

		auditRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_records_total",
			Help:      "Total number of audit log records written.",
		}, []string{"outcome"}),

		malformedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_requests_total",
			Help:      "Total number of requests rejected as malformed.",
		}),

		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Number of origin dial or transfer errors.",
		}),

		tunnelErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_errors_total",
			Help:      "Number of CONNECT tunnels that ended with a transport error.",
		}),

		tunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_bytes_total",
			Help:      "Bytes relayed through CONNECT tunnels.",
		}, []string{"direction"}),

		relayBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_relay_bytes_total",
			Help:      "Response bytes forwarded to clients by the HTTP relay.",
		}),

		filterRuleCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "filter_rule_count",
			Help:      "Number of loaded blocklist entries.",
		}, []string{"list"}),

		registry: reg,
	}

	reg.MustRegister(
		m.connsTotal,
		m.activeConns,
		m.requestsTotal,
		m.blockedTotal,
		m.auditRecords,
		m.malformedTotal,
		m.upstreamErrors,
		m.tunnelErrors,
		m.tunnelBytes,
		m.relayBytes,
		m.filterRuleCount,
	)

	return m
}

// Handler returns an http.Handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connsTotal.Inc()
	m.activeConns.Inc()
	m.active.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.activeConns.Dec()
	m.active.Dec()
}

// ActiveConns returns the number of connections currently being handled.
func (m *Metrics) ActiveConns() int64 {
	if m == nil {
		return 0
	}
	return m.active.Load()
}

// RecordRequest counts a classified request; kind is "http" or "connect".
func (m *Metrics) RecordRequest(kind string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(kind).Inc()
}

// RecordBlocked counts a policy rejection; reason is "host" or "content".
func (m *Metrics) RecordBlocked(reason string) {
	if m == nil {
		return
	}
	m.blockedTotal.WithLabelValues(reason).Inc()
}

// RecordAudit counts an audit record by its outcome reason.
func (m *Metrics) RecordAudit(reason string) {
	if m == nil {
		return
	}
	m.auditRecords.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordMalformed() {
	if m == nil {
		return
	}
	m.malformedTotal.Inc()
}

func (m *Metrics) RecordUpstreamError() {
	if m == nil {
		return
	}
	m.upstreamErrors.Inc()
}

func (m *Metrics) RecordTunnelError() {
	if m == nil {
		return
	}
	m.tunnelErrors.Inc()
}

// RecordTunnelBytes adds relayed byte counts in both directions.
func (m *Metrics) RecordTunnelBytes(up, down int64) {
	if m == nil {
		return
	}
	m.tunnelBytes.WithLabelValues("upstream").Add(float64(up))
	m.tunnelBytes.WithLabelValues("downstream").Add(float64(down))
}

func (m *Metrics) RecordRelayBytes(n int64) {
	if m == nil {
		return
	}
	m.relayBytes.Add(float64(n))
}

// SetRuleCounts publishes the loaded blocklist sizes.
func (m *Metrics) SetRuleCounts(hosts, words int) {
	if m == nil {
		return
	}
	m.filterRuleCount.WithLabelValues("hosts").Set(float64(hosts))
	m.filterRuleCount.WithLabelValues("words").Set(float64(words))
}
