package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bus metrics
	messagesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcomm_messages_published_total",
			Help: "Total number of messages published to the bus",
		},
		[]string{"type"},
	)

	queueEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcomm_queue_evictions_total",
			Help: "Messages evicted from full per-agent queues",
		},
		[]string{"agent"},
	)

	historyEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcomm_history_evictions_total",
			Help: "Messages evicted from the bounded bus history",
		},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentcomm_queue_depth",
			Help: "Current number of queued messages per agent",
		},
		[]string{"agent"},
	)

	requestRoundTripDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentcomm_request_round_trip_seconds",
			Help:    "Request/response round trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// Registry metrics
	registeredAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentcomm_registered_agents",
			Help: "Number of currently registered agents",
		},
	)

	capabilityIndexSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentcomm_capability_index_size",
			Help: "Number of distinct capabilities in the index",
		},
	)

	// Shared context metrics
	contextWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcomm_context_writes_total",
			Help: "Total number of shared context writes",
		},
		[]string{"namespace"},
	)

	watchNotificationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcomm_watch_notifications_total",
			Help: "Watch notifications emitted through the bus",
		},
	)

	// Audit sink metrics
	auditRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcomm_audit_records_total",
			Help: "History records drained to the audit sink",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers all collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			messagesPublishedTotal,
			queueEvictionsTotal,
			historyEvictionsTotal,
			queueDepth,
			requestRoundTripDuration,
			registeredAgents,
			capabilityIndexSize,
			contextWritesTotal,
			watchNotificationsTotal,
			auditRecordsTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordMessagePublished records a bus publish.
func RecordMessagePublished(msgType string) {
	messagesPublishedTotal.WithLabelValues(msgType).Inc()
}

// RecordQueueEviction records an overload eviction from an agent queue.
// Eviction is the bus's deliberate loss policy, so it surfaces only here.
func RecordQueueEviction(agent string) {
	queueEvictionsTotal.WithLabelValues(agent).Inc()
}

// RecordHistoryEviction records an eviction from the bounded bus history.
func RecordHistoryEviction() {
	historyEvictionsTotal.Inc()
}

// SetQueueDepth sets the queued message gauge for an agent.
func SetQueueDepth(agent string, depth int) {
	queueDepth.WithLabelValues(agent).Set(float64(depth))
}

// RecordRequestRoundTrip records the outcome and duration of a Request
// call. Status is one of "ok", "timeout", "cancelled".
func RecordRequestRoundTrip(status string, duration time.Duration) {
	requestRoundTripDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetRegisteredAgents sets the registered agent count gauge.
func SetRegisteredAgents(count int) {
	registeredAgents.Set(float64(count))
}

// SetCapabilityIndexSize sets the distinct capability count gauge.
func SetCapabilityIndexSize(count int) {
	capabilityIndexSize.Set(float64(count))
}

// RecordContextWrite records a shared context write.
func RecordContextWrite(namespace string) {
	contextWritesTotal.WithLabelValues(namespace).Inc()
}

// RecordWatchNotification records one watch notification publish.
func RecordWatchNotification() {
	watchNotificationsTotal.Inc()
}

// RecordAuditRecords records records drained to the audit sink.
func RecordAuditRecords(n int) {
	auditRecordsTotal.Add(float64(n))
}
