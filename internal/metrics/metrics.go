package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Database
	// ============================================
	DBConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowtracker_db_connection_status",
		Help: "Database connection status (1=healthy, 0=unhealthy)",
	})

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowtracker_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query_type"},
	)

	// ============================================
	// Durable queue (NATS JetStream)
	// ============================================
	QueueConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowtracker_queue_connection_status",
		Help: "Queue broker connection status (1=connected, 0=disconnected)",
	})

	QueueJobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtracker_queue_jobs_enqueued_total",
			Help: "Total number of flow jobs enqueued",
		},
		[]string{"flow_type"},
	)

	QueueJobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtracker_queue_jobs_processed_total",
			Help: "Total number of flow jobs processed successfully",
		},
		[]string{"flow_type"},
	)

	QueueJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtracker_queue_jobs_failed_total",
			Help: "Total number of flow jobs that failed processing",
		},
		[]string{"flow_type", "error_type"},
	)

	QueueJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowtracker_queue_job_duration_seconds",
			Help:    "Flow job processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"flow_type"},
	)

	// ============================================
	// Chain adapters
	// ============================================
	ChainAdapterRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtracker_chain_adapter_requests_total",
			Help: "Total number of chain adapter RPC requests",
		},
		[]string{"chain", "method"},
	)

	ChainAdapterErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtracker_chain_adapter_errors_total",
			Help: "Total number of chain adapter RPC errors",
		},
		[]string{"chain", "method", "classification"},
	)

	ChainAdapterRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowtracker_chain_adapter_request_duration_seconds",
			Help:    "Chain adapter RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "method"},
	)

	// ============================================
	// Pollers
	// ============================================
	PollerBlocksScanned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtracker_poller_blocks_scanned_total",
			Help: "Total number of blocks scanned by a poller",
		},
		[]string{"poller", "chain"},
	)

	PollerMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtracker_poller_matches_total",
			Help: "Total number of matches found by a poller",
		},
		[]string{"poller", "chain"},
	)

	// ============================================
	// Tracker engine
	// ============================================
	EngineActiveFlows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowtracker_engine_active_flows",
		Help: "Number of flows currently being tracked by an engine run",
	})

	EngineFlowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtracker_engine_flows_completed_total",
			Help: "Total number of flows reaching a terminal status",
		},
		[]string{"flow_type", "status"},
	)

	EngineStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowtracker_engine_stage_duration_seconds",
			Help:    "Per-stage duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "stage"},
	)

	// ============================================
	// WebSocket fan-out
	// ============================================
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowtracker_ws_connections_active",
		Help: "Number of active WebSocket connections",
	})

	WSMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtracker_ws_messages_sent_total",
			Help: "Total number of WebSocket messages sent",
		},
		[]string{"message_type"},
	)
)
