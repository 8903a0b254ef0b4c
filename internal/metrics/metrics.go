// Package metrics exposes the relay's runtime counters via
// github.com/prometheus/client_golang, replacing the teacher's hand-rolled
// text exporter (internal/runtime/metrics_exporter.go) with the ecosystem's
// standard registry, the way caddyserver-caddy wires admin-facing metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every counter/gauge the relay updates. One Registry is
// shared by a TCPRelay and its handlers; all mutation happens from the
// single reactor goroutine, so nothing here needs its own locking beyond
// what client_golang already provides internally.
type Registry struct {
	reg *prometheus.Registry

	HandlersActive prometheus.Gauge
	HandlersTotal  prometheus.Counter
	BytesUp        prometheus.Counter
	BytesDown      prometheus.Counter
	Timeouts       prometheus.Counter
	ForbiddenHits  prometheus.Counter
	AcceptErrors   prometheus.Counter
	DNSFailures    prometheus.Counter
}

// New builds a Registry with all collectors registered under the given
// namespace (e.g. "sockrelay").
func New(namespace string) *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		HandlersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "handlers_active",
			Help: "Number of TCPRelayHandler connections currently open.",
		}),
		HandlersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "handlers_total",
			Help: "Total TCPRelayHandler connections accepted.",
		}),
		BytesUp: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_uplink_total",
			Help: "Bytes relayed from local client to remote peer.",
		}),
		BytesDown: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_downlink_total",
			Help: "Bytes relayed from remote peer to local client.",
		}),
		Timeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "handler_timeouts_total",
			Help: "Handlers destroyed by the idle-timeout sweep.",
		}),
		ForbiddenHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "forbidden_ip_total",
			Help: "Connection attempts rejected by the forbidden-IP list.",
		}),
		AcceptErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "accept_errors_total",
			Help: "accept(2) failures other than EAGAIN/EWOULDBLOCK/ECONNABORTED.",
		}),
		DNSFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dns_failures_total",
			Help: "Resolve callbacks invoked with a non-nil error.",
		}),
	}
}

// Handler returns an http.Handler serving the registry in the Prometheus
// text exposition format, suitable for mounting at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
