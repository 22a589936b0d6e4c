package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Client: conversation sync
	ChatMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairline_chat_messages_total",
			Help: "Messages appended to the active conversation log",
		},
		[]string{"source"}, // "history", "local", "remote"
	)

	ChatEventsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pairline_chat_events_rejected_total",
			Help: "Pushed or fetched messages dropped by the conversation filter",
		},
	)

	ChatRemoteDedupe = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairline_chat_remote_dedupe_total",
			Help: "Pushed messages matched to an existing log entry",
		},
		[]string{"outcome"}, // "confirmed", "duplicate"
	)

	ChatSendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairline_chat_send_failures_total",
			Help: "Send attempts that did not fully succeed",
		},
		[]string{"kind"}, // "persist", "emit"
	)

	ChatConnectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairline_chat_connection_transitions_total",
			Help: "Realtime connection state transitions",
		},
		[]string{"state"},
	)

	// Relay: HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairline_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pairline_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Relay: realtime
	RelayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairline_relay_connections",
			Help: "Currently attached realtime clients",
		},
	)

	RelayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairline_relay_messages_total",
			Help: "Messages accepted by the relay",
		},
		[]string{"channel"}, // "ws", "rest"
	)

	RelayRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairline_relay_rate_limit_hits_total",
			Help: "Requests or frames rejected by a rate limiter",
		},
		[]string{"surface"}, // "ws", "login", "signup"
	)

	RelayDroppedBroadcasts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pairline_relay_dropped_broadcasts_total",
			Help: "Broadcasts skipped because a client outbound queue was full",
		},
	)
)
