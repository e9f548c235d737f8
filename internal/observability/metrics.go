package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tow_dispatch"

var (
	RequestsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_created_total", Help: "Dispatch requests created"})
	Assignments     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "assignments_total", Help: "Driver assignments by trigger"},
		[]string{"trigger"},
	)
	NoCandidates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "no_candidates_total", Help: "Match attempts that found no eligible driver"},
		[]string{"trigger"},
	)
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Committed request transitions"},
		[]string{"event"},
	)
	TransitionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transition_errors_total", Help: "Refused transitions by kind"},
		[]string{"op", "kind"},
	)
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Match latency seconds", Buckets: []float64{.00005, .0001, .0005, .001, .005, .01, .05}})
	Candidates   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_candidates", Help: "Eligible drivers per match", Buckets: prometheus.LinearBuckets(0, 2, 10)})
	Drivers      = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "drivers", Help: "Drivers by status"},
		[]string{"status"},
	)
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "reaper_sweep_seconds", Help: "Reaper sweep duration", Buckets: prometheus.DefBuckets})
	Deliveries    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notification_deliveries_total", Help: "Notification push attempts by channel and result"},
		[]string{"channel", "result"},
	)
	NotificationsEvicted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_evicted_total", Help: "Notifications dropped by retention"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
