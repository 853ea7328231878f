package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons for BroadcastDropped.
const (
	DropReasonDeliver = "deliver_failed" // per-connection queue full or closed
	DropReasonDecode  = "decode_failed"  // malformed record on the log
)

// Prometheus collectors for the messaging plane. Registered on the default
// registry via promauto and exposed on /metrics.
var (
	// Send pipeline / producer
	MessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatify_messages_published_total",
		Help: "Chat events successfully acknowledged by the log",
	})
	PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatify_publish_failures_total",
		Help: "Chat events the producer failed to publish",
	})
	SendRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatify_send_rejected_total",
		Help: "Send requests rejected before publish, by error kind",
	}, []string{"kind"})

	// Broadcast consumer
	BroadcastDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatify_broadcast_delivered_total",
		Help: "Per-connection deliveries pushed to local subscribers",
	})
	BroadcastDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatify_broadcast_dropped_total",
		Help: "Deliveries dropped by the broadcast path, by reason",
	}, []string{"reason"})

	// History writer
	HistoryWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatify_history_written_total",
		Help: "Chat events appended to the columnar store",
	})
	HistoryRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatify_history_retries_total",
		Help: "Transient append failures that were retried",
	})
	HistoryPoison = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatify_history_poison_total",
		Help: "Malformed log records skipped by the history writer",
	})

	// Rate limiter
	RateLimitAllowed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatify_rate_limit_allowed_total",
		Help: "Rate limit reservations granted",
	})
	RateLimitDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatify_rate_limit_denied_total",
		Help: "Rate limit reservations denied",
	})

	// Transport
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatify_connections_active",
		Help: "Current number of websocket connections on this pod",
	})
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatify_connections_total",
		Help: "Total websocket connections accepted by this pod",
	})
	SlowClientsDisconnected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatify_slow_clients_disconnected_total",
		Help: "Connections closed for repeatedly failing to drain their queue",
	})
)
