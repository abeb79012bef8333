package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for evaluation and delivery paths.
// Params: pre-registered counters and gauges.
// Returns: shared metrics handle wired through the service.
type Metrics struct {
	HeartbeatsTotal     prometheus.Counter
	HeartbeatsRejected  prometheus.Counter
	EvaluationsTotal    *prometheus.CounterVec
	AlertsOpenedTotal   *prometheus.CounterVec
	AlertsResolvedTotal *prometheus.CounterVec
	RemindersTotal      prometheus.Counter
	OpenAlerts          prometheus.Gauge

	NotifyQueueDepth     prometheus.Gauge
	NotifyEnqueuedTotal  prometheus.Counter
	NotifyOverflowTotal  prometheus.Counter
	NotifySentTotal      *prometheus.CounterVec
	NotifyFailedTotal    *prometheus.CounterVec
	NotifyDroppedTotal   *prometheus.CounterVec
	NotifyRetriesTotal   prometheus.Counter
	NotifyRateLimitTotal prometheus.Counter
}

// New creates and registers all service collectors.
// Params: Prometheus registerer, typically the default registry.
// Returns: initialized metrics handle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HeartbeatsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetalert_heartbeats_total",
			Help: "Accepted heartbeat payloads.",
		}),
		HeartbeatsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetalert_heartbeats_rejected_total",
			Help: "Heartbeat payloads rejected by validation.",
		}),
		EvaluationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetalert_evaluations_total",
			Help: "Threshold evaluations by decision kind.",
		}, []string{"decision"}),
		AlertsOpenedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetalert_alerts_opened_total",
			Help: "Alerts opened by metric type and severity.",
		}, []string{"metric", "severity"}),
		AlertsResolvedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetalert_alerts_resolved_total",
			Help: "Alerts resolved by metric type and resolution source.",
		}, []string{"metric", "source"}),
		RemindersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetalert_reminders_total",
			Help: "Reminder notifications emitted after cooldown expiry.",
		}),
		OpenAlerts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleetalert_open_alerts",
			Help: "Currently open or acknowledged alerts.",
		}),
		NotifyQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleetalert_notify_queue_depth",
			Help: "Jobs waiting in the notification delivery queue.",
		}),
		NotifyEnqueuedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetalert_notify_enqueued_total",
			Help: "Notification jobs accepted into the delivery queue.",
		}),
		NotifyOverflowTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetalert_notify_overflow_total",
			Help: "Oldest jobs evicted because the delivery queue was full.",
		}),
		NotifySentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetalert_notify_sent_total",
			Help: "Successful notification deliveries by channel.",
		}, []string{"channel"}),
		NotifyFailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetalert_notify_failed_total",
			Help: "Failed delivery attempts by channel.",
		}, []string{"channel"}),
		NotifyDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetalert_notify_dropped_total",
			Help: "Jobs dropped without delivery by drop reason.",
		}, []string{"reason"}),
		NotifyRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetalert_notify_retries_total",
			Help: "Delivery attempts rescheduled after a retryable failure.",
		}),
		NotifyRateLimitTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetalert_notify_rate_limited_total",
			Help: "Delivery attempts deferred by an upstream Retry-After hint.",
		}),
	}
}
