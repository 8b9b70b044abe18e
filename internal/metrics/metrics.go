// Package metrics holds the Prometheus collectors for the fanout core.
//
// Collectors are registered once with the default registry and exposed by the
// HTTP layer under /metrics. Label sets are small and fixed:
//
//   - scope:    user | broadcast | multicast | connection
//   - op:       set_online | set_offline | update_last_seen | set_status | cleanup
//   - policy:   flat | authenticated | anonymous
//   - decision: allowed | denied
//   - mode:     redis | memory
//   - route:    registered gin route, never the raw path
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fanout_connections_active",
		Help: "Number of live connections held by this process.",
	})

	UsersOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fanout_users_online",
		Help: "Number of users with at least one live connection on this process.",
	})

	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_deliveries_total",
		Help: "Payloads handed to connections, by fanout scope.",
	}, []string{"scope"})

	SendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_send_failures_total",
		Help: "Sends that failed and caused the connection to be pruned.",
	})

	PresenceErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_presence_errors_total",
		Help: "Presence store calls that failed and were dropped.",
	}, []string{"op"})

	RateLimitDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_ratelimit_decisions_total",
		Help: "Rate limiter decisions by policy, outcome and backing mode.",
	}, []string{"policy", "decision", "mode"})

	RateLimitFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_ratelimit_fallback_total",
		Help: "Checks served by the in-process window because the store failed.",
	})

	FramesThrottled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_frames_throttled_total",
		Help: "Inbound frames rejected by the per-sender throttle.",
	})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fanout_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fanout_http_in_flight_requests",
		Help: "HTTP requests currently being served.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		UsersOnline,
		Deliveries,
		SendFailures,
		PresenceErrors,
		RateLimitDecisions,
		RateLimitFallbacks,
		FramesThrottled,
		HTTPRequests,
		HTTPDuration,
		HTTPInFlight,
	)
}

// Decision labels a limiter outcome.
func Decision(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
