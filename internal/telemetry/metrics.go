package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency for every route.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "covert",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// LeasesPending tracks the number of leases currently held in the
// expiration manager's heap, awaiting revocation.
var LeasesPending = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "covert",
	Subsystem: "lease",
	Name:      "pending",
	Help:      "Number of leases currently tracked by the expiration manager.",
})

// LeaseRevocations counts revoke attempts by outcome ("ok", "retry", "abandoned").
var LeaseRevocations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "covert",
	Subsystem: "lease",
	Name:      "revocations_total",
	Help:      "Count of lease revocation attempts by outcome.",
}, []string{"outcome"})

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors
// and Covert's own metrics, plus any extra collectors a caller provides.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
		LeasesPending,
		LeaseRevocations,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
