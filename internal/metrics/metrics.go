// Package metrics provides Prometheus instrumentation for the relay.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// UnknownConverter labels requests whose converter name is not registered,
// keeping label cardinality bounded.
const UnknownConverter = "unknown"

var (
	// RequestsTotal counts inbound relay requests by converter and terminal outcome.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Inbound relay requests",
		},
		[]string{"converter", "outcome"},
	)

	// UpstreamDuration records outbound call latency in seconds.
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_upstream_duration_seconds",
			Help:    "Upstream call duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"converter"},
	)

	// UpstreamResponsesTotal counts upstream responses by status class.
	UpstreamResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_upstream_responses_total",
			Help: "Upstream responses",
		},
		[]string{"converter", "status"},
	)

	// ConfirmationsTotal counts subscription confirmation calls by result.
	ConfirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_confirmations_total",
			Help: "Subscription confirmation calls",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		UpstreamDuration,
		UpstreamResponsesTotal,
		ConfirmationsTotal,
	)
}

// StatusClass turns 204 into "2xx".
func StatusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
