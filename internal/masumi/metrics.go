package masumi

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	upstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskdesk",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Upstream requests by operation and outcome.",
	}, []string{"operation", "outcome"}) // "ok", "http_error", "network_error", "decode_error", "circuit_open"

	upstreamLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "riskdesk",
		Subsystem: "upstream",
		Name:      "request_duration_seconds",
		Help:      "Upstream request latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"operation"})
)

func init() {
	prometheus.MustRegister(upstreamRequests, upstreamLatency)
}
