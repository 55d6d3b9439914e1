// Package metrics declares the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "status_class"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method"},
	)

	// Realtime connection metrics
	ConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "classchat_ws_connections_open",
			Help: "Currently open websocket connections",
		},
	)

	SessionsIdentified = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_ws_sessions_identified_total",
			Help: "Total sessions that completed identify",
		},
	)

	RoomJoins = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_room_joins_total",
			Help: "Total room joins",
		},
	)

	// Message pipeline metrics
	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classchat_messages_persisted_total",
			Help: "Total messages durably stored",
		},
		[]string{"kind"}, // "text" or "attachment"
	)

	DuplicatesSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_duplicates_suppressed_total",
			Help: "Sends dropped by the dedup window",
		},
	)

	SendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classchat_send_errors_total",
			Help: "Rejected sends by reason",
		},
		[]string{"reason"},
	)

	StoreWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "classchat_store_write_duration_seconds",
			Help:    "Persistence gateway write latency including retries",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
	)

	StoreRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_store_write_retries_total",
			Help: "Storage write attempts that were retried",
		},
	)

	// Fanout metrics
	FanoutDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_fanout_deliveries_total",
			Help: "Messages enqueued to room members",
		},
	)

	FanoutDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_fanout_drops_total",
			Help: "Deliveries dropped under backpressure",
		},
	)

	Notifications = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_notifications_total",
			Help: "Out-of-room notifications enqueued",
		},
	)

	// Attachment metrics
	Uploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classchat_uploads_total",
			Help: "Upload lifecycle events by outcome",
		},
		[]string{"outcome"}, // "begun", "rejected", "stored", "failed", "finalized", "expired"
	)

	UploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_upload_bytes_total",
			Help: "Attachment bytes stored",
		},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
