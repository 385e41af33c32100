// Package metrics declares the gateway's Prometheus instrumentation.
//
// Naming convention: namespace_subsystem_name
//   - namespace: collab_gateway (application-level grouping)
//   - subsystem: connection, room, dispatcher, lock, rate_limit, sweeper, circuit_breaker, bus (feature-level grouping)
//   - name: specific metric (active, events_total, etc.)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab_gateway",
		Subsystem: "connection",
		Name:      "active",
		Help:      "Current number of active WebSocket connections",
	})

	ConnectionsPerUser = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab_gateway",
		Subsystem: "connection",
		Name:      "per_user",
		Help:      "Current number of connections held by a given user",
	}, []string{"user_id"})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "connection",
		Name:      "rejected_total",
		Help:      "Total connections rejected at admission",
	}, []string{"reason"})

	ConnectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "connection",
		Name:      "errors_total",
		Help:      "Total transport-level connection errors, by kind",
	}, []string{"kind"})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab_gateway",
		Subsystem: "room",
		Name:      "active",
		Help:      "Current number of non-empty rooms",
	})

	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab_gateway",
		Subsystem: "room",
		Name:      "members",
		Help:      "Current number of members in a room",
	}, []string{"room_id"})

	RoomJoinRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "room",
		Name:      "join_rejected_total",
		Help:      "Total room joins rejected",
	}, []string{"reason"})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "dispatcher",
		Name:      "events_total",
		Help:      "Total inbound events processed",
	}, []string{"event", "status"})

	EventProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collab_gateway",
		Subsystem: "dispatcher",
		Name:      "event_duration_seconds",
		Help:      "Time spent handling an inbound event",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	LocksHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab_gateway",
		Subsystem: "lock",
		Name:      "held",
		Help:      "Current number of held sub-resource locks",
	})

	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "lock",
		Name:      "acquisitions_total",
		Help:      "Total lock acquisitions attempted",
	}, []string{"result"})

	LockExpirations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "lock",
		Name:      "expirations_total",
		Help:      "Total locks released due to timeout, by source",
	}, []string{"source"})

	ForceRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "lock",
		Name:      "force_requests_total",
		Help:      "Total force-transfer requests, by terminal state",
	}, []string{"state"})

	RateLimitViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "rate_limit",
		Name:      "violations_total",
		Help:      "Total rate-limit violations observed",
	}, []string{"event"})

	RateLimitBans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "rate_limit",
		Name:      "bans_total",
		Help:      "Total connections banned for rate-limit abuse",
	}, []string{"reason"})

	SweeperRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "sweeper",
		Name:      "runs_total",
		Help:      "Total activity sweeper passes",
	}, []string{"result"})

	SweeperLocksReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "sweeper",
		Name:      "locks_released_total",
		Help:      "Total locks released by the periodic sweeper",
	}, []string{"reason"})

	SweeperWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "sweeper",
		Name:      "warnings_total",
		Help:      "Total INACTIVITY_WARNING classifications emitted by the sweeper",
	})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab_gateway",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current circuit breaker state (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total calls rejected or failed while the circuit breaker was open",
	}, []string{"service"})

	BusMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "bus",
		Name:      "published_total",
		Help:      "Total resource-update messages published to the bus",
	}, []string{"status"})

	BusMessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "bus",
		Name:      "received_total",
		Help:      "Total resource-update messages received from the bus",
	}, []string{"status"})
)

// IncConnection records a newly admitted connection.
func IncConnection() {
	ActiveConnections.Inc()
}

// DecConnection records a closed connection.
func DecConnection() {
	ActiveConnections.Dec()
}
