// Package metrics exposes Prometheus collectors for the supervisor's
// /metrics HTTP surface.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every gauge/counter the supervisor updates.
type Collectors struct {
	Connections    prometheus.Gauge
	RequestsByVerb *prometheus.CounterVec
	FanoutFailures prometheus.Counter
}

// New registers and returns a fresh Collectors set against reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "messenger",
			Name:      "connections_active",
			Help:      "Number of currently open client connections.",
		}),
		RequestsByVerb: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messenger",
			Name:      "requests_total",
			Help:      "Requests handled, partitioned by action verb and response code.",
		}, []string{"action", "code"}),
		FanoutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "messenger",
			Name:      "fanout_failures_total",
			Help:      "Best-effort fan-out deliveries that failed to reach a peer sink.",
		}),
	}
	reg.MustRegister(c.Connections, c.RequestsByVerb, c.FanoutFailures)
	return c
}
