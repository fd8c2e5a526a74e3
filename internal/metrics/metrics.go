package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_sessions_started_total",
			Help: "Total number of research sessions started",
		},
		[]string{"mode"},
	)

	SessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_sessions_completed_total",
			Help: "Total number of research sessions reaching a terminal state",
		},
		[]string{"mode", "outcome"},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deepresearch_sessions_active",
			Help: "Number of sessions currently running",
		},
	)

	SessionIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepresearch_session_iterations",
			Help:    "Grading passes per session",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// Search fan-out metrics
	SearchesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_searches_dispatched_total",
			Help: "Total (query, tool) pairs dispatched by the fan-out executor",
		},
		[]string{"tool"},
	)

	SearchesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_searches_failed_total",
			Help: "Total (query, tool) pairs that failed and were dropped",
		},
		[]string{"tool"},
	)

	SearchesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_searches_skipped_total",
			Help: "Total pairs skipped because the tool is not registered",
		},
	)

	// Task lifecycle metrics
	TasksSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_tasks_submitted_total",
			Help: "Total number of detached tasks submitted",
		},
	)

	TaskRecordWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_task_record_writes_total",
			Help: "Task record status writes by status",
		},
		[]string{"status"},
	)

	CancelRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_cancel_requests_total",
			Help: "Cancellation requests by result",
		},
		[]string{"result"},
	)

	// Streaming metrics
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deepresearch_stream_subscribers",
			Help: "Number of active stream subscribers",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_events_published_total",
			Help: "Streaming events published by type",
		},
		[]string{"type"},
	)

	// History store metrics
	HistoryWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_history_writes_total",
			Help: "Postgres run-history writes by result",
		},
		[]string{"result"},
	)
)
