package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Relay metrics
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskchat_connected_clients",
			Help: "Open websocket connections",
		},
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskchat_events_received_total",
			Help: "Inbound socket events by name",
		},
		[]string{"event"},
	)

	MessagesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskchat_messages_relayed_total",
			Help: "Messages broadcast to rooms",
		},
		[]string{"room_type", "message_type"},
	)

	ChunksReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskchat_file_chunks_received_total",
			Help: "Attachment slices received",
		},
	)

	TransfersDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskchat_file_transfers_dropped_total",
			Help: "Chunked transfers discarded before completion",
		},
		[]string{"reason"}, // "stale", "invalid", "too_large", "too_many"
	)

	SendBufferFull = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskchat_send_buffer_full_total",
			Help: "Frames dropped because a client's send buffer was full",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskchat_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	PushNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskchat_push_notifications_total",
			Help: "Web Push deliveries by outcome",
		},
		[]string{"outcome"}, // "sent", "expired", "failed"
	)
)
