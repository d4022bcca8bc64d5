package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Client metrics for production monitoring of the realtime transport and the
// investigation orchestrator.
var (
	// Transport metrics
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_client_frames_received_total",
			Help: "Total inbound protocol frames by type",
		},
		[]string{"type"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_client_frames_dropped_total",
			Help: "Inbound frames dropped as unparseable or unknown",
		},
		[]string{"reason"},
	)

	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_client_frames_sent_total",
			Help: "Outbound frames by delivery path (immediate or queued)",
		},
		[]string{"path"},
	)

	OutboundQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "insight_client_outbound_queue_depth",
			Help: "Frames currently waiting in the outbound queue",
		},
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insight_client_reconnect_attempts_total",
			Help: "Reconnection attempts after non-intentional closes",
		},
	)

	ReconnectFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insight_client_reconnect_failed_total",
			Help: "Times the reconnect attempt budget was exhausted",
		},
	)

	StreamOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "insight_client_stream_open",
			Help: "1 while a streaming assistant message is being assembled",
		},
	)

	// Investigation metrics
	InvestigationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_client_investigations_total",
			Help: "Investigations by terminal status",
		},
		[]string{"status"},
	)

	PollIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "insight_client_investigation_poll_iterations",
			Help:    "Polling iterations consumed per investigation",
			Buckets: prometheus.LinearBuckets(5, 5, 12), // 5..60
		},
	)

	InvestigationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "insight_client_investigation_duration_seconds",
			Help:    "Wall-clock investigation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
		},
	)

	NotificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_client_notifications_total",
			Help: "Completion notifications by delivery channel",
		},
		[]string{"channel"},
	)
)
