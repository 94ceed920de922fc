package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebSocket metrics
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "datalink_ws_active_connections",
			Help: "Number of currently open WebSocket connections",
		},
	)

	ConnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "datalink_ws_connections_total",
			Help: "Total number of accepted WebSocket connections",
		},
	)

	ConnectionsRefused = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "datalink_ws_connections_refused_total",
			Help: "Connections refused because the connection cap was reached",
		},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datalink_ws_messages_total",
			Help: "Total number of WebSocket messages by direction",
		},
		[]string{"direction"},
	)

	SendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "datalink_ws_send_failures_total",
			Help: "Outbound sends that failed and evicted their connection",
		},
	)

	// Broker metrics
	BrokerStatusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datalink_broker_status_transitions_total",
			Help: "Broker connection status transitions by new status",
		},
		[]string{"status"},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "datalink_broker_heartbeats_total",
			Help: "Heartbeat messages published to the broker",
		},
	)

	DedupSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "datalink_broker_dedup_suppressed_total",
			Help: "Inbound publishes suppressed by the duplicate window",
		},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datalink_rpc_requests_total",
			Help: "Total number of processed RPC requests by outcome",
		},
		[]string{"outcome"},
	)

	RPCTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "datalink_rpc_timeouts_total",
			Help: "Pending RPC calls expired by the reaper",
		},
	)

	RPCProcessingSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "datalink_rpc_processing_seconds",
			Help:    "Time spent executing dispatched RPC handlers",
			Buckets: prometheus.DefBuckets,
		},
	)

	RPCMethodSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datalink_rpc_method_seconds",
			Help:    "Handler execution time by registered method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Relay metrics
	RelayForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "datalink_relay_forwarded_total",
			Help: "Messages forwarded between relay brokers",
		},
	)

	RelayErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "datalink_relay_errors_total",
			Help: "Relay forwards skipped because the destination broker was down",
		},
	)

	// Worker pool metrics
	PoolWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "datalink_pool_workers",
			Help: "Number of live workers in the pool",
		},
	)

	PoolSpawnedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datalink_pool_spawned_total",
			Help: "Total number of workers spawned by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ActiveConnections)
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(ConnectionsRefused)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(SendFailures)
	prometheus.MustRegister(BrokerStatusTransitions)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(DedupSuppressed)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCTimeouts)
	prometheus.MustRegister(RPCProcessingSeconds)
	prometheus.MustRegister(RPCMethodSeconds)
	prometheus.MustRegister(RelayForwarded)
	prometheus.MustRegister(RelayErrors)
	prometheus.MustRegister(PoolWorkers)
	prometheus.MustRegister(PoolSpawnedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
