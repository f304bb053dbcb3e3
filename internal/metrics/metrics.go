package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport metrics
	FramesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "natachat_frames_sent_total",
			Help: "Text frames written to the chat socket",
		},
	)

	FramesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "natachat_frames_received_total",
			Help: "Text frames delivered from the chat socket",
		},
	)

	FramesDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "natachat_frames_discarded_total",
			Help: "Frames dropped because their connection was no longer bound",
		},
	)

	ConnectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "natachat_connection_transitions_total",
			Help: "Connection state transitions",
		},
		[]string{"state"},
	)

	// Room metrics
	RoomsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "natachat_rooms_created_total",
			Help: "Ephemeral rooms promoted to persisted rooms",
		},
	)

	HistoryLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "natachat_history_loads_total",
			Help: "History loads by result",
		},
		[]string{"result"}, // "ok", "error" or "stale"
	)

	Notices = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "natachat_notices_total",
			Help: "Recoverable errors surfaced to the user",
		},
		[]string{"kind"},
	)

	// Gateway metrics
	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "natachat_gateway_requests_total",
			Help: "Gateway HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
)
