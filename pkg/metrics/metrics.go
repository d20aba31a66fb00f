package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job pipeline metrics
	JobsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codepit_jobs_submitted_total",
			Help: "Total number of compile jobs admitted",
		},
	)

	JobsSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codepit_jobs_settled_total",
			Help: "Total number of compile jobs settled by terminal state",
		},
		[]string{"state"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "codepit_job_duration_seconds",
			Help:    "Wall time of sandbox runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "codepit_queue_depth",
			Help: "Queue depth by bucket",
		},
		[]string{"bucket"},
	)

	SandboxActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codepit_sandbox_active",
			Help: "Number of currently running sandbox containers",
		},
	)

	// Collaboration metrics
	RoomsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codepit_rooms_active",
			Help: "Number of rooms with a live CRDT session",
		},
	)

	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codepit_ws_connections",
			Help: "Number of open websocket connections",
		},
	)

	CRDTOpsApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codepit_crdt_ops_applied_total",
			Help: "Total number of CRDT operations integrated",
		},
	)

	SnapshotsTaken = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codepit_snapshots_total",
			Help: "Total number of room snapshots by kind",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codepit_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codepit_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsSettled)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(SandboxActive)
	prometheus.MustRegister(RoomsActive)
	prometheus.MustRegister(WSConnections)
	prometheus.MustRegister(CRDTOpsApplied)
	prometheus.MustRegister(SnapshotsTaken)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
