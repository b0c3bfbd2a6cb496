package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the workspace collaboration backend.
//
// Naming convention: namespace_subsystem_name
// - namespace: blockshare (application-level grouping)
// - subsystem: websocket, room, lease, reaper (feature-level grouping)
//
// Metric Types:
// - Gauge: current state (connections, rooms, participants)
// - Counter: cumulative events (frames processed, evictions)

var (
	// ActiveWebSocketConnections tracks the current number of live sessions.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "blockshare",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket sessions",
	})

	// ActiveRooms tracks the current number of constructed rooms.
	// Rooms are process-long, so this only ever grows within one process.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "blockshare",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks the number of participants in each room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "blockshare",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	// FramesProcessed counts inbound frames by tag and outcome.
	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockshare",
		Subsystem: "websocket",
		Name:      "frames_total",
		Help:      "Total inbound protocol frames processed",
	}, []string{"frame_type", "status"})

	// LeaseAcquisitions counts lease acquire attempts by outcome.
	LeaseAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockshare",
		Subsystem: "lease",
		Name:      "acquisitions_total",
		Help:      "Total lease acquire attempts",
	}, []string{"status"})

	// LeasesReleased counts leases released for any reason.
	LeasesReleased = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blockshare",
		Subsystem: "lease",
		Name:      "released_total",
		Help:      "Total leases released",
	})

	// ReaperEvictions counts participants evicted for missed heartbeats.
	ReaperEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blockshare",
		Subsystem: "reaper",
		Name:      "evictions_total",
		Help:      "Total participants evicted by the reaper",
	})

	// SlowConsumersClosed counts sessions closed for writer-queue overflow.
	SlowConsumersClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blockshare",
		Subsystem: "websocket",
		Name:      "slow_consumers_closed_total",
		Help:      "Total sessions closed due to outbound queue overflow",
	})

	// RateLimitRequests counts requests that passed rate limiting.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockshare",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Total requests checked against rate limits",
	}, []string{"endpoint"})

	// RateLimitExceeded counts requests rejected by rate limiting.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockshare",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by rate limits",
	}, []string{"endpoint", "limit_type"})

	// CircuitBreakerState exposes the kv breaker state (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "blockshare",
		Subsystem: "store",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts operations dropped by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockshare",
		Subsystem: "store",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations rejected while the circuit breaker was open",
	}, []string{"backend"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
