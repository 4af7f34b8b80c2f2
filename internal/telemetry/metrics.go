package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency for every route.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "pincer",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// EgressRequestsTotal counts every egress proxy call attempt, labeled by
// outcome so dashboards can distinguish allowed calls from each denial
// reason without scraping logs.
var EgressRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pincer",
		Subsystem: "egress",
		Name:      "requests_total",
		Help:      "Total number of egress proxy call attempts.",
	},
	[]string{"adapter", "action", "outcome"},
)

// EgressRequestDuration tracks end-to-end egress call latency, including
// upstream round trip, for allowed calls.
var EgressRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "pincer",
		Subsystem: "egress",
		Name:      "request_duration_seconds",
		Help:      "Egress proxy call duration in seconds, including upstream round trip.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
	},
	[]string{"adapter", "action", "status_class"},
)

// VerifierFailuresTotal counts signed-request verification rejections by reason.
var VerifierFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pincer",
		Subsystem: "verifier",
		Name:      "failures_total",
		Help:      "Total number of signed-request verification failures by reason.",
	},
	[]string{"reason"},
)

// RegistryMutationsTotal counts adapter registry state transitions.
var RegistryMutationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pincer",
		Subsystem: "registry",
		Name:      "mutations_total",
		Help:      "Total number of adapter registry mutations by operation and result.",
	},
	[]string{"operation", "result"},
)

// SessionEventsTotal counts admin session lifecycle events.
var SessionEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pincer",
		Subsystem: "session",
		Name:      "events_total",
		Help:      "Total number of admin session lifecycle events.",
	},
	[]string{"event"},
)

// PairingEventsTotal counts worker pairing lifecycle events.
var PairingEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pincer",
		Subsystem: "pairing",
		Name:      "events_total",
		Help:      "Total number of pairing code lifecycle events.",
	},
	[]string{"event"},
)

// All returns the Pincer-specific collectors for registration, beyond the
// shared HTTPRequestDuration metric that NewMetricsRegistry always registers.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		EgressRequestsTotal,
		EgressRequestDuration,
		VerifierFailuresTotal,
		RegistryMutationsTotal,
		SessionEventsTotal,
		PairingEventsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional collectors passed
// as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
