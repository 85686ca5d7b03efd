package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the collaboration server.
//
// Naming convention: namespace_subsystem_name
// - namespace: collabkit (application-level grouping)
// - subsystem: session, room, presence, rate_limit, auth, redis, function (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, presence entries)
// - Counter: Cumulative events (operations applied, lockouts, relay failures)
// - Histogram: Latency distributions (function call duration, redis op duration)

var (
	// ActiveConnections tracks the current number of live WebSocket sessions.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collabkit",
		Subsystem: "session",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket sessions",
	})

	// ActiveRooms tracks the current number of non-empty rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collabkit",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the number of members in each room.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collabkit",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room_id"})

	// MessagesTotal tracks inbound client messages processed, by type and outcome.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabkit",
		Subsystem: "session",
		Name:      "messages_total",
		Help:      "Total client messages processed",
	}, []string{"message_type", "status"})

	// MessageProcessingDuration tracks time spent handling a single message.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collabkit",
		Subsystem: "session",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing a client message",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"message_type"})

	// OperationsApplied tracks CRDT operations applied to rooms, by kind.
	OperationsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabkit",
		Subsystem: "room",
		Name:      "operations_applied_total",
		Help:      "Total CRDT operations applied",
	}, []string{"kind"})

	// FunctionCallDuration tracks the latency of registered room functions.
	FunctionCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collabkit",
		Subsystem: "function",
		Name:      "call_duration_seconds",
		Help:      "Duration of room function calls",
		Buckets:   prometheus.DefBuckets,
	}, []string{"function", "status"})

	// SignalingRelays tracks WebRTC/remote-control relay attempts between peers.
	SignalingRelays = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabkit",
		Subsystem: "signaling",
		Name:      "relays_total",
		Help:      "Total signaling messages relayed between peers",
	}, []string{"message_type", "status"})

	// PresenceEntries tracks the number of live presence entries per room.
	PresenceEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collabkit",
		Subsystem: "presence",
		Name:      "entries_active",
		Help:      "Number of active presence entries per room",
	}, []string{"room_id"})

	// PresenceStaleReaped counts presence entries removed by the reaper.
	PresenceStaleReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collabkit",
		Subsystem: "presence",
		Name:      "stale_reaped_total",
		Help:      "Total stale presence entries removed",
	})

	// CircuitBreakerState tracks the current state of a named circuit breaker.
	// 0: Closed (Healthy), 1: Half-Open (Recovering), 2: Open (Failure).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collabkit",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Half-Open, 2: Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks requests rejected or failed by a breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabkit",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks requests/frames rejected by a rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabkit",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total requests that exceeded the rate limit",
	}, []string{"scope", "reason"})

	// RateLimitRequests tracks requests admitted by the global HTTP limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabkit",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total requests allowed by the rate limiter",
	}, []string{"endpoint"})

	// AuthLockouts tracks authentication lockouts triggered by repeated failures.
	AuthLockouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collabkit",
		Subsystem: "auth",
		Name:      "lockouts_total",
		Help:      "Total authentication lockouts triggered",
	})

	// AuthFailures tracks failed authentication attempts.
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabkit",
		Subsystem: "auth",
		Name:      "failures_total",
		Help:      "Total failed authentication attempts",
	}, []string{"reason"})

	// RedisOperationsTotal tracks Redis-backed storage operations.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabkit",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis-backed operations.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collabkit",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
