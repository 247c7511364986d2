package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// WebSocketConnectionsTotal is the gauge of total WebSocket connections.
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_websocket_connections_total",
		Help: "Total number of active WebSocket connections",
	})

	// WebSocketEventsTotal counts inbound WebSocket frames by type.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_websocket_events_total",
		Help: "Total WebSocket events by type",
	}, []string{"event_type"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// FanoutDeliveries counts envelopes handed to local sessions, by scope.
	FanoutDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_fanout_deliveries_total",
		Help: "Total number of event deliveries to local sessions",
	}, []string{"scope", "event_type"})

	// PresenceTransitions counts durable presence transitions.
	PresenceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_presence_transitions_total",
		Help: "Total number of presence transitions by resulting status",
	}, []string{"status"})

	// ModerationActions counts applied moderation actions.
	ModerationActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_moderation_actions_total",
		Help: "Total number of applied moderation actions",
	}, []string{"action"})

	// ReceiptsMarkedRead counts receipts moved to READ.
	ReceiptsMarkedRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "huddle_receipts_marked_read_total",
		Help: "Total number of receipts advanced to READ",
	})

	// QueueTasks counts background tasks by type and outcome.
	QueueTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_queue_tasks_total",
		Help: "Total number of background tasks processed",
	}, []string{"type", "outcome"})
)
