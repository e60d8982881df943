package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// ---- Worker RPC server ----
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cdcgroup",
			Name:      "rpc_requests_total",
			Help:      "Total number of worker RPC requests served.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cdcgroup",
			Name:      "rpc_request_duration_seconds",
			Help:      "Latency of worker RPC requests served.",
			// 1ms .. ~4s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cdcgroup",
			Name:      "rpc_in_flight_requests",
			Help:      "Current number of in-flight worker RPC requests.",
		},
		[]string{"op"},
	)

	// ---- Broadcaster ----
	BroadcastCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cdcgroup",
			Name:      "broadcast_calls_total",
			Help:      "Outgoing per-endpoint RPC calls issued by the broadcaster.",
		},
		[]string{"op", "result"},
	)

	BroadcastDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cdcgroup",
			Name:      "broadcast_duration_seconds",
			Help:      "Wall time of a whole broadcast, all endpoints included.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	// ---- Leadership & membership ----
	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cdcgroup",
			Name:      "leader",
			Help:      "1 while this worker holds the leader lock.",
		},
	)

	RebalancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cdcgroup",
			Name:      "rebalances_total",
			Help:      "Rebalance passes run by the leader, by outcome.",
		},
		[]string{"outcome"},
	)

	LiveEndpoints = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cdcgroup",
			Name:      "live_endpoints",
			Help:      "Endpoints seen by the leader in its last snapshot.",
		},
	)

	BlockedEndpoints = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cdcgroup",
			Name:      "blocked_endpoints",
			Help:      "Endpoints that failed to release their membership in the leader's last pass; new memberships wait on them.",
		},
	)

	MembershipIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cdcgroup",
			Name:      "membership_index",
			Help:      "This worker's member index, 0 while unassigned.",
		},
	)

	MembershipTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cdcgroup",
			Name:      "membership_total",
			Help:      "Group size of this worker's membership, 0 while unassigned.",
		},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cdcgroup",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "cdcgroup",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		RequestsTotal, RequestDuration, InFlight,
		BroadcastCalls, BroadcastDuration,
		IsLeader, RebalancesTotal, LiveEndpoints, BlockedEndpoints, MembershipIndex, MembershipTotal,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with r.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// SetMembership records the worker's current assignment; index and total
// of zero mean unassigned.
func SetMembership(index, total int) {
	MembershipIndex.Set(float64(index))
	MembershipTotal.Set(float64(total))
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
// Example:
//
//	r.Get("/v1/status", telemetry.Instrument("status", http.HandlerFunc(s.status)).ServeHTTP)
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
