package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Channel metrics
	ChannelConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_channel_connections",
			Help: "Open websocket connections",
		},
	)

	MessagesBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_broadcast_total",
			Help: "Messages fanned out to connections",
		},
		[]string{"delivery"}, // "clear" or "hidden"
	)

	MessagesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_messages_stored_total",
			Help: "Messages persisted to the room log",
		},
	)

	InboundDecryptFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_inbound_decrypt_failures_total",
			Help: "Inbound ciphertexts the server could not decrypt for classification",
		},
	)

	FilterToggles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_filter_toggles_total",
			Help: "Per-user filter setting changes",
		},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)
)
