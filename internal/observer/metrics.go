package observer

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "booking_assistant"

var metricsEnabled = true

// Ingestion metrics, labelled like the JetStream consumers that produce them.
var (
	eventProcessingLabels = []string{"event_type", "business_id", "consumer_type"}
	eventActionLabels     = []string{"event_type", "business_id", "consumer_type", "action", "error_type"}

	EventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Total number of events received from NATS.",
		},
		eventProcessingLabels,
	)
	EventsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Total number of events routed successfully and acknowledged.",
		},
		eventProcessingLabels,
	)
	EventsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_failed_total",
			Help:      "Total number of events whose routing returned an error.",
		},
		eventProcessingLabels,
	)
	EventProcessingDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_duration_seconds",
			Help:      "Time from delivery to ack/nak decision.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		eventProcessingLabels,
	)
	EventProcessingActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_processing_actions_total",
			Help:      "Ack/Nak/DLQ decisions taken after routing, labelled by error category.",
		},
		eventActionLabels,
	)
)

var (
	DatabaseOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_operation_duration_seconds",
			Help:      "Histogram of database operation durations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"operation", "entity", "business_id", "status"},
	)
)

// Conversation metrics.
var (
	onboardingTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "onboarding_transitions_total",
			Help:      "Onboarding state transitions.",
		},
		[]string{"from", "to"},
	)
	intentsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_resolved_total",
			Help:      "Intents produced by the resolver, after fallback.",
		},
		[]string{"intent"},
	)
	resolverFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_fallbacks_total",
			Help:      "Resolver calls replaced by the chat fallback.",
		},
		[]string{"reason"},
	)
	resolverDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolver_duration_seconds",
			Help:      "Latency of intent resolution calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)
	bookingOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_outcomes_total",
			Help:      "Orchestrator outcomes per intent.",
		},
		[]string{"intent", "outcome"},
	)
	calendarCallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "calendar_call_duration_seconds",
			Help:      "Latency of calendar provider calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"operation", "status"},
	)
	messagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound replies handed to the channel.",
		},
		[]string{"driver", "status"},
	)
	webhookRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "WhatsApp webhook requests by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
)

// Message worker pool metrics.
var (
	messageTasksSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_tasks_submitted_total",
			Help:      "Inbound messages submitted to the worker pool.",
		},
		[]string{"business_id"},
	)
	messageTasksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_tasks_processed_total",
			Help:      "Inbound messages processed by the worker pool, labelled by final status.",
		},
		[]string{"business_id", "status"},
	)
	messageProcessingDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_processing_duration_seconds",
			Help:      "End-to-end handling time of one inbound message.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 13),
		},
		[]string{"business_id"},
	)
	messageQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "message_queue_length",
		Help:      "Tasks waiting for a free worker in the message pool.",
	})
)

// Reconciliation worker metrics.
var (
	reconcileFetchRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_fetch_requests_total",
		Help:      "Fetch requests made to the reconcile stream.",
	})
	reconcileFetchErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_fetch_errors_total",
		Help:      "Errors returned by reconcile stream fetches.",
	})
	reconcileWorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reconcile_workers_active",
		Help:      "Running goroutines in the reconcile pool.",
	})
	reconcileOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_outcomes_total",
			Help:      "Reconciliation results by inconsistency kind.",
		},
		[]string{"kind", "outcome"},
	)
	reconcileProcessingDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_processing_duration_seconds",
			Help:      "Handling time of one inconsistency event.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

// Load generator metrics.
var (
	loadgenLabels = []string{"subject", "business_id"}

	loadgenMessagesAttemptedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadgen_messages_attempted_total",
			Help: "Total number of messages the load generator attempted to publish.",
		},
		loadgenLabels,
	)
	loadgenMessagesPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadgen_messages_published_total",
			Help: "Total number of messages successfully published by the load generator.",
		},
		loadgenLabels,
	)
	loadgenPublishErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadgen_publish_errors_total",
			Help: "Total number of errors encountered by the load generator during publishing.",
		},
		loadgenLabels,
	)
)

// InitMetrics toggles collection. Collectors are registered by promauto at package init.
func InitMetrics(enabled bool) {
	metricsEnabled = enabled
}

func sanitizeTenant(tenant string) string {
	if tenant == "" {
		return "unknown"
	}
	return tenant
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func IncEventsReceived(eventType, tenant, consumerType string) {
	if !metricsEnabled {
		return
	}
	EventsReceivedTotal.WithLabelValues(eventType, sanitizeTenant(tenant), consumerType).Inc()
}

func IncEventsProcessed(eventType, tenant, consumerType string) {
	if !metricsEnabled {
		return
	}
	EventsProcessedTotal.WithLabelValues(eventType, sanitizeTenant(tenant), consumerType).Inc()
}

func IncEventsFailed(eventType, tenant, consumerType string) {
	if !metricsEnabled {
		return
	}
	EventsFailedTotal.WithLabelValues(eventType, sanitizeTenant(tenant), consumerType).Inc()
}

func ObserveEventProcessingDuration(eventType, tenant, consumerType string, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	EventProcessingDurationSeconds.WithLabelValues(eventType, sanitizeTenant(tenant), consumerType).Observe(duration.Seconds())
}

// IncEventProcessingAction counts an ack/nak/dlq decision.
func IncEventProcessingAction(eventType, tenant, consumerType, action, errorType string) {
	if !metricsEnabled {
		return
	}
	EventProcessingActionsTotal.WithLabelValues(eventType, sanitizeTenant(tenant), consumerType, action, SanitizeErrorType(errorType)).Inc()
}

// ObserveDbOperationDuration records the duration for a database operation.
func ObserveDbOperationDuration(operation, entity, businessID string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	DatabaseOperationDurationSeconds.WithLabelValues(operation, entity, sanitizeTenant(businessID), statusOf(err)).Observe(duration.Seconds())
}

func IncOnboardingTransition(from, to string) {
	if !metricsEnabled {
		return
	}
	onboardingTransitionsTotal.WithLabelValues(from, to).Inc()
}

func IncIntentResolved(intent string) {
	if !metricsEnabled {
		return
	}
	intentsResolvedTotal.WithLabelValues(intent).Inc()
}

func IncResolverFallback(reason string) {
	if !metricsEnabled {
		return
	}
	resolverFallbacksTotal.WithLabelValues(reason).Inc()
}

func ObserveResolverDuration(duration time.Duration) {
	if !metricsEnabled {
		return
	}
	resolverDurationSeconds.Observe(duration.Seconds())
}

func IncBookingOutcome(intent, outcome string) {
	if !metricsEnabled {
		return
	}
	bookingOutcomesTotal.WithLabelValues(intent, outcome).Inc()
}

func ObserveCalendarCall(operation string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	calendarCallDurationSeconds.WithLabelValues(operation, statusOf(err)).Observe(duration.Seconds())
}

func IncMessagesSent(driver string, err error) {
	if !metricsEnabled {
		return
	}
	messagesSentTotal.WithLabelValues(driver, statusOf(err)).Inc()
}

func IncWebhookRequest(method, outcome string) {
	if !metricsEnabled {
		return
	}
	webhookRequestsTotal.WithLabelValues(method, outcome).Inc()
}

func IncMessageTasksSubmitted(businessID string) {
	if !metricsEnabled {
		return
	}
	messageTasksSubmittedTotal.WithLabelValues(sanitizeTenant(businessID)).Inc()
}

func IncMessageTasksProcessed(businessID, status string) {
	if !metricsEnabled {
		return
	}
	messageTasksProcessedTotal.WithLabelValues(sanitizeTenant(businessID), status).Inc()
}

func ObserveMessageProcessingDuration(businessID string, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	messageProcessingDurationSeconds.WithLabelValues(sanitizeTenant(businessID)).Observe(duration.Seconds())
}

func SetMessageQueueLength(length int) {
	if !metricsEnabled {
		return
	}
	messageQueueLength.Set(float64(length))
}

func IncReconcileFetchRequest() {
	if !metricsEnabled {
		return
	}
	reconcileFetchRequestsTotal.Inc()
}

func IncReconcileFetchError() {
	if !metricsEnabled {
		return
	}
	reconcileFetchErrorsTotal.Inc()
}

func SetReconcileWorkersActive(count int) {
	if !metricsEnabled {
		return
	}
	reconcileWorkersActive.Set(float64(count))
}

func IncReconcileOutcome(kind, outcome string) {
	if !metricsEnabled {
		return
	}
	reconcileOutcomesTotal.WithLabelValues(kind, outcome).Inc()
}

func ObserveReconcileDuration(kind string, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	reconcileProcessingDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

func IncLoadgenMessagesAttempted(subject, businessID string) {
	if !metricsEnabled {
		return
	}
	loadgenMessagesAttemptedTotal.WithLabelValues(subject, sanitizeTenant(businessID)).Inc()
}

func IncLoadgenMessagesPublished(subject, businessID string) {
	if !metricsEnabled {
		return
	}
	loadgenMessagesPublishedTotal.WithLabelValues(subject, sanitizeTenant(businessID)).Inc()
}

func IncLoadgenPublishErrors(subject, businessID string) {
	if !metricsEnabled {
		return
	}
	loadgenPublishErrorsTotal.WithLabelValues(subject, sanitizeTenant(businessID)).Inc()
}

// SanitizeErrorType folds an error string into a small set of label values.
func SanitizeErrorType(errStr string) string {
	if errStr == "" || errStr == "none" {
		return "none"
	}

	switch {
	case strings.Contains(errStr, "database"), strings.Contains(errStr, "SQL"), strings.Contains(errStr, "duplicate key"), strings.Contains(errStr, "constraint"), strings.Contains(errStr, "connection"):
		return "database"
	case strings.Contains(errStr, "validation failed"), strings.Contains(errStr, "bad request"), strings.Contains(errStr, "invalid"), strings.Contains(errStr, "missing field"):
		return "validation"
	case strings.Contains(errStr, "not found"), strings.Contains(errStr, "no rows"):
		return "not_found"
	case strings.Contains(errStr, "rate limited"), strings.Contains(errStr, "pool overloaded"):
		return "overload"
	case strings.Contains(errStr, "nats"), strings.Contains(errStr, "jetstream"):
		return "nats"
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errStr, "unmarshal"), strings.Contains(errStr, "json"):
		return "unmarshal"
	case strings.Contains(errStr, "panic"):
		return "panic"
	default:
		return "unknown"
	}
}
