package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Jobs
	JobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "adbot_jobs_active",
			Help: "Jobs currently holding a timer",
		},
	)

	JobMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adbot_job_mutations_total",
			Help: "Add/remove operations by outcome",
		},
		[]string{"op", "result"}, // op: add, remove; result: ok or an error kind
	)

	// Reconciliation
	SyncCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adbot_sync_cycles_total",
			Help: "Reconciliation cycles by scope and result",
		},
		[]string{"scope", "result"}, // scope: all, group; result: ok, error
	)

	SyncSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "adbot_sync_skipped_total",
			Help: "Sync requests dropped because a cycle was already running",
		},
	)

	SyncChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adbot_sync_changes_total",
			Help: "Records added, removed or retained during reconciliation",
		},
		[]string{"change"}, // added, removed, retained
	)

	SyncDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adbot_sync_duration_seconds",
			Help:    "Reconciliation cycle duration",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
	)

	// Delivery
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adbot_deliveries_total",
			Help: "Job deliveries by result",
		},
		[]string{"result"}, // sent, failed, not_ready
	)

	AcksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adbot_mark_sent_total",
			Help: "Mark-sent acknowledgements by result",
		},
		[]string{"result"}, // ok, failed
	)

	// Remote authority
	RemoteRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adbot_remote_request_duration_seconds",
			Help:    "Remote authority request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "outcome"}, // outcome: ok, rejected, unavailable
	)

	// Panel ingress
	PanelRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adbot_panel_requests_total",
			Help: "Panel HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)

	PanelConfirmAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adbot_panel_confirm_attempts_total",
			Help: "Group confirmation attempts against the remote authority",
		},
		[]string{"result"}, // ok, failed
	)
)
