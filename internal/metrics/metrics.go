package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_events_dispatched_total",
			Help: "Total number of events dispatched, by tenant.",
		},
		[]string{"tenant_id"},
	)

	SubscriptionsMatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_subscriptions_matched_total",
			Help: "Total number of subscriptions matched by dispatched events.",
		},
		[]string{"tenant_id"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_deliveries_total",
			Help: "Total number of delivery attempts by outcome and source.",
		},
		[]string{"outcome", "source"}, // outcome: delivered, failed, simulated; source: dispatch, reconcile
	)

	AttemptLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborrelay_attempt_latency_seconds",
			Help:    "Latency of outbound webhook attempts.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"status_class"},
	)

	AttemptFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_attempt_failures_total",
			Help: "Total number of failed attempts by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, connection_refused, other
	)

	ReconcilePassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_reconcile_passes_total",
			Help: "Total number of reconciler passes by result.",
		},
		[]string{"result"}, // ok, error, skipped
	)

	ReconcileDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_reconcile_deliveries_total",
			Help: "Deliveries handled by the reconciler, by outcome.",
		},
		[]string{"outcome"}, // retried, recovered, exhausted, expired, lease_lost
	)

	ReconcileDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harborrelay_reconcile_duration_seconds",
			Help:    "Wall time of a reconciler pass.",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborrelay_queue_depth",
			Help: "Messages waiting in an NSQ topic/channel.",
		},
		[]string{"topic", "channel"},
	)

	DispatcherBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborrelay_dispatcher_backlog",
			Help: "Messages waiting in the dispatch channel (depth plus in-flight).",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsDispatchedTotal,
		SubscriptionsMatchedTotal,
		DeliveriesTotal,
		AttemptLatencySeconds,
		AttemptFailuresTotal,
		ReconcilePassesTotal,
		ReconcileDeliveriesTotal,
		ReconcileDurationSeconds,
		QueueDepth,
		DispatcherBacklog,
	)
}

// RecordDispatch counts one dispatched event and the subscriptions it matched.
func RecordDispatch(tenantID string, matched int) {
	EventsDispatchedTotal.WithLabelValues(tenantID).Inc()
	SubscriptionsMatchedTotal.WithLabelValues(tenantID).Add(float64(matched))
}

// RecordAttempt counts one attempt. reason is empty for delivered attempts.
func RecordAttempt(source string, status int, delivered, simulated bool, reason string, latency time.Duration) {
	outcome := "failed"
	switch {
	case simulated:
		outcome = "simulated"
	case delivered:
		outcome = "delivered"
	}
	DeliveriesTotal.WithLabelValues(outcome, source).Inc()
	AttemptLatencySeconds.WithLabelValues(StatusClass(status)).Observe(latency.Seconds())
	if !delivered && reason != "" {
		AttemptFailuresTotal.WithLabelValues(reason).Inc()
	}
}

// RecordReconcilePass mirrors a pass summary into the reconciler metrics.
func RecordReconcilePass(result string, retried, recovered, exhausted int, d time.Duration) {
	ReconcilePassesTotal.WithLabelValues(result).Inc()
	ReconcileDeliveriesTotal.WithLabelValues("retried").Add(float64(retried))
	ReconcileDeliveriesTotal.WithLabelValues("recovered").Add(float64(recovered))
	ReconcileDeliveriesTotal.WithLabelValues("exhausted").Add(float64(exhausted))
	ReconcileDurationSeconds.Observe(d.Seconds())
}

// AddReconcileDeliveries counts n reconciler deliveries under outcome.
func AddReconcileDeliveries(outcome string, n int) {
	if n > 0 {
		ReconcileDeliveriesTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

func UpdateQueueDepth(topic, channel string, depth int64) {
	QueueDepth.WithLabelValues(topic, channel).Set(float64(depth))
}

func UpdateDispatcherBacklog(n int64) {
	DispatcherBacklog.Set(float64(n))
}

// StatusClass buckets an HTTP status for low-cardinality labels. Status 0 is
// a transport failure.
func StatusClass(status int) string {
	switch {
	case status == 0:
		return "none"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
