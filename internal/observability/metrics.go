package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_pairing"

var (
	ActiveSearches = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "active_searches", Help: "Searches in the in-memory active set"},
		[]string{"role"},
	)
	ProposalTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "proposal_transitions_total", Help: "Match proposal transitions by resulting status"},
		[]string{"status"},
	)
	ProposalConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "proposal_conflicts_total", Help: "Transitions rejected by the lifecycle guard"},
		[]string{"op"},
	)
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_cycle_duration_seconds", Help: "Match cycle duration seconds"})
	PairsScored   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "pairs_scored_total", Help: "Offeror/seeker pairs passed to the scorer"})
	StaleExpired  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "stale_searches_expired_total", Help: "Searches expired by the staleness sweep"})

	BatcherQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "batcher_queue_depth", Help: "Writes waiting for the next batch commit"})
	BatcherFlushes    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "batcher_flushes_total", Help: "Batch commits by result"},
		[]string{"result"},
	)
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cache_lookups_total", Help: "Read cache lookups by tier and result"},
		[]string{"tier", "result"},
	)
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notification attempts by channel and result"},
		[]string{"channel", "result"},
	)

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
