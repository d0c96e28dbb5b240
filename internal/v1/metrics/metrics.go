package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the signal coordinator.
//
// Naming convention: namespace_subsystem_name
// - namespace: signal (application-level grouping)
// - subsystem: socket, room, probe, transfer, relay, objectstore, circuit_breaker, rate_limit, redis
// - name: specific metric

var (
	ActiveSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signal",
		Subsystem: "socket",
		Name:      "connections_active",
		Help:      "Current number of active event-socket connections",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signal",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of non-empty rooms",
	})

	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signal",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room"})

	RoomEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signal",
		Subsystem: "room",
		Name:      "evictions_total",
		Help:      "Total clients evicted for exceeding room capacity",
	}, []string{"reason"})

	SignalEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signal",
		Subsystem: "socket",
		Name:      "events_total",
		Help:      "Total inbound signaling events processed",
	}, []string{"event_type", "status"})

	EventProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signal",
		Subsystem: "socket",
		Name:      "event_processing_seconds",
		Help:      "Time spent processing an inbound signaling event",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	PendingProbes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signal",
		Subsystem: "probe",
		Name:      "pending_count",
		Help:      "Current number of outstanding LAN probes",
	})

	ProbeOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signal",
		Subsystem: "probe",
		Name:      "outcomes_total",
		Help:      "Total LAN probe resolutions by outcome",
	}, []string{"status"})

	ProbeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signal",
		Subsystem: "probe",
		Name:      "latency_ms",
		Help:      "Reported LAN probe latency in milliseconds",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000},
	}, []string{"status"})

	ActiveTransfers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signal",
		Subsystem: "transfer",
		Name:      "active_count",
		Help:      "Current number of non-terminal transfer contexts",
	})

	TransferOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signal",
		Subsystem: "transfer",
		Name:      "outcomes_total",
		Help:      "Total transfer contexts reaching a terminal status",
	}, []string{"status", "reason"})

	TransferDecisionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signal",
		Subsystem: "transfer",
		Name:      "decision_seconds",
		Help:      "Time from transfer creation to terminal decision",
		Buckets:   prometheus.DefBuckets,
	}, []string{"status"})

	RelayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signal",
		Subsystem: "relay",
		Name:      "requests_total",
		Help:      "Total POST /api/relay requests by outcome",
	}, []string{"status"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signal",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signal",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signal",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signal",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total requests checked against the rate limiter",
	}, []string{"endpoint"})

	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signal",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signal",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	ObjectStoreOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signal",
		Subsystem: "objectstore",
		Name:      "operations_total",
		Help:      "Total object-store operations by backend and outcome",
	}, []string{"backend", "operation", "status"})

	HousekeeperPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signal",
		Subsystem: "objectstore",
		Name:      "housekeeper_purged_total",
		Help:      "Total local-disk objects purged by the housekeeper",
	})
)

func IncConnection() {
	ActiveSocketConnections.Inc()
}

func DecConnection() {
	ActiveSocketConnections.Dec()
}
