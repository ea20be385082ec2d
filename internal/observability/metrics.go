package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce         sync.Once
	httpRequestsTotal    *prometheus.CounterVec
	httpLatencySeconds   *prometheus.HistogramVec
	httpErrorsTotal      *prometheus.CounterVec
	connectionsActive    prometheus.Gauge
	roomsActive          prometheus.Gauge
	chatMessagesTotal    *prometheus.CounterVec
	messagesReadTotal    prometheus.Counter
	notificationsTotal   *prometheus.CounterVec
	presenceUpdatesTotal *prometheus.CounterVec
	staleEventsDiscarded prometheus.Counter
	unreadResyncsTotal   prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used by the gateway.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of chat API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_http_latency_seconds",
			Help:    "Latency distribution for chat API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_http_errors_total",
			Help: "Total number of error responses returned by chat endpoints.",
		}, []string{"method", "route", "status"})

		connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Number of websocket connections currently served.",
		})

		roomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_rooms_active",
			Help: "Number of rooms with at least one member.",
		})

		chatMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Chat messages accepted, labelled by type and ingress path.",
		}, []string{"type", "path"})

		messagesReadTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_read_total",
			Help: "Messages transitioned from unread to read.",
		})

		notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_published_total",
			Help: "Feed notifications published, labelled by type.",
		}, []string{"type"})

		presenceUpdatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_updates_total",
			Help: "Presence transitions applied, labelled by direction.",
		}, []string{"status"})

		staleEventsDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_stale_events_discarded_total",
			Help: "Presence events dropped for carrying a superseded sequence.",
		})

		unreadResyncsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_unread_resyncs_total",
			Help: "Authoritative unread tally computations served.",
		})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			connectionsActive, roomsActive, chatMessagesTotal, messagesReadTotal,
			notificationsTotal, presenceUpdatesTotal, staleEventsDiscarded,
			unreadResyncsTotal,
		)
	})
}

// HTTPRequests exposes the counter for chat API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for chat API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for chat API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// ConnectionsActive exposes the live websocket connection gauge.
func ConnectionsActive() prometheus.Gauge {
	RegisterMetrics()
	return connectionsActive
}

// RoomsActive exposes the live room gauge.
func RoomsActive() prometheus.Gauge {
	RegisterMetrics()
	return roomsActive
}

// ChatMessages exposes the accepted-message counter.
func ChatMessages() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesTotal
}

// MessagesRead exposes the read-transition counter.
func MessagesRead() prometheus.Counter {
	RegisterMetrics()
	return messagesReadTotal
}

// NotificationsPublished exposes the feed notification counter.
func NotificationsPublished() *prometheus.CounterVec {
	RegisterMetrics()
	return notificationsTotal
}

// PresenceUpdates exposes the presence transition counter.
func PresenceUpdates() *prometheus.CounterVec {
	RegisterMetrics()
	return presenceUpdatesTotal
}

// StaleEventsDiscarded exposes the stale-sequence discard counter.
func StaleEventsDiscarded() prometheus.Counter {
	RegisterMetrics()
	return staleEventsDiscarded
}

// UnreadResyncs exposes the authoritative tally counter.
func UnreadResyncs() prometheus.Counter {
	RegisterMetrics()
	return unreadResyncsTotal
}
