package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	PendingRequestsCount   prometheus.Gauge
	EscalationsTotal       *prometheus.CounterVec
	KnowledgeMatchesTotal  *prometheus.CounterVec
	RequestTransitions     *prometheus.CounterVec
	ExpiredRequestsTotal   prometheus.Counter
	PromotionFailures      prometheus.Counter
	SweepDuration          prometheus.Histogram
	StoreOperationDuration *prometheus.HistogramVec
	SweeperLeaderChanges   prometheus.Counter
	LeaderElectionDuration prometheus.Histogram
	NotificationEvents     *prometheus.CounterVec
}

// NewMetrics registers the service metrics with reg. Pass prometheus.DefaultRegisterer
// to expose them on /metrics, or a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PendingRequestsCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pending_help_requests_count",
			Help: "Number of help requests waiting for a supervisor answer",
		}),
		EscalationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escalations_total",
			Help: "Caller questions handled, by outcome (answered or escalated)",
		}, []string{"outcome"}),
		KnowledgeMatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "knowledge_matches_total",
			Help: "Knowledge base searches, by matching phase",
		}, []string{"phase"}),
		RequestTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "help_request_transitions_total",
			Help: "Help request transitions out of pending, by target status",
		}, []string{"status"}),
		ExpiredRequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "help_requests_expired_total",
			Help: "Pending help requests moved to unresolved by the timeout sweep",
		}),
		PromotionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "knowledge_promotion_failures_total",
			Help: "Resolved answers that could not be copied into the knowledge base",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "timeout_sweep_duration_seconds",
			Help:    "Time taken to sweep overdue help requests",
			Buckets: prometheus.DefBuckets,
		}),
		StoreOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "Time taken for record store operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		SweeperLeaderChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "sweeper_leader_changes_total",
			Help: "Total number of sweeper leadership acquisitions",
		}),
		LeaderElectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "leader_election_duration_seconds",
			Help:    "Time taken for leader election operations",
			Buckets: prometheus.DefBuckets,
		}),
		NotificationEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_events_total",
			Help: "Help request events appended to the notification stream, by event and result",
		}, []string{"event", "result"}),
	}
}
