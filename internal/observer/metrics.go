package observer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsEnabled = true // Flag to control metric collection

	// Labels for classifier metrics
	eventTypeLabels = []string{"event_type"}

	// Event intake counters
	EventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telegram_notify_relay_events_received_total",
			Help: "Total number of audit events received for classification.",
		},
		eventTypeLabels,
	)
	EventsAcceptedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telegram_notify_relay_events_accepted_total",
			Help: "Total number of events the classifier accepted for delivery.",
		},
		eventTypeLabels,
	)
	EventsSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telegram_notify_relay_events_suppressed_total",
			Help: "Total number of events suppressed by the dedup/silence store.",
		},
		eventTypeLabels,
	)
)

// Metrics related to queue and drain processing
var (
	jobsEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telegram_notify_relay_jobs_enqueued_total",
		Help: "Total number of delivery jobs inserted into the queue.",
	})
	jobsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telegram_notify_relay_jobs_sent_total",
		Help: "Total number of delivery jobs finalized as sent.",
	})
	jobsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telegram_notify_relay_jobs_failed_total",
			Help: "Total number of failed send attempts, labeled by whether a retry was scheduled.",
		},
		[]string{"retryable"},
	)
	queueClaimedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telegram_notify_relay_queue_claimed",
		Help: "Number of jobs claimed by the most recent drain run.",
	})
	queuePendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telegram_notify_relay_queue_pending",
		Help: "Number of jobs currently pending in the delivery queue.",
	})
	drainDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "telegram_notify_relay_drain_duration_seconds",
		Help:    "Histogram of drain run durations.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
	})
	sendDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telegram_notify_relay_send_duration_seconds",
			Help:    "Histogram of Telegram API call durations, labeled by outcome.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
)

// InitMetrics initializes the Prometheus metrics if enabled.
// Call this function during application startup.
func InitMetrics(enabled bool) {
	metricsEnabled = enabled
}

// IncEventsReceived increments the events received counter.
func IncEventsReceived(eventType string) {
	if !metricsEnabled {
		return
	}
	EventsReceivedTotal.WithLabelValues(sanitizeEventType(eventType)).Inc()
}

// IncEventsAccepted increments the events accepted counter.
func IncEventsAccepted(eventType string) {
	if !metricsEnabled {
		return
	}
	EventsAcceptedTotal.WithLabelValues(sanitizeEventType(eventType)).Inc()
}

// IncEventsSuppressed increments the events suppressed counter.
func IncEventsSuppressed(eventType string) {
	if !metricsEnabled {
		return
	}
	EventsSuppressedTotal.WithLabelValues(sanitizeEventType(eventType)).Inc()
}

// sanitizeEventType ensures the event_type label is valid or returns a default value.
func sanitizeEventType(eventType string) string {
	if eventType == "" {
		return "unknown"
	}
	return eventType
}

// --- Queue Metric Helpers ---

// IncJobsEnqueued increments the enqueued jobs counter.
func IncJobsEnqueued() {
	if !metricsEnabled {
		return
	}
	jobsEnqueuedTotal.Inc()
}

// IncJobsSent increments the sent jobs counter.
func IncJobsSent() {
	if !metricsEnabled {
		return
	}
	jobsSentTotal.Inc()
}

// IncJobsFailed increments the failed attempts counter.
func IncJobsFailed(retryable bool) {
	if !metricsEnabled {
		return
	}
	label := "false"
	if retryable {
		label = "true"
	}
	jobsFailedTotal.WithLabelValues(label).Inc()
}

// SetQueueClaimed records how many jobs the latest drain run claimed.
func SetQueueClaimed(count int) {
	if !metricsEnabled {
		return
	}
	queueClaimedGauge.Set(float64(count))
}

// SetQueuePending records the current pending queue depth.
func SetQueuePending(count int64) {
	if !metricsEnabled {
		return
	}
	queuePendingGauge.Set(float64(count))
}

// ObserveDrainDuration records the duration of one drain run.
func ObserveDrainDuration(duration time.Duration) {
	if !metricsEnabled {
		return
	}
	drainDurationSeconds.Observe(duration.Seconds())
}

// ObserveSendDuration records the duration of one Telegram API call.
func ObserveSendDuration(duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	sendDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}
