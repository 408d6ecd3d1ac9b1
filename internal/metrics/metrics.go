package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts webhook deliveries by event kind and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlesys",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total payment webhook requests by event kind and HTTP status.",
	}, []string{"event_type", "status"})

	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "entitlesys",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Payment webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// StaleEventsTotal counts subscription events discarded as older than stored state.
	StaleEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlesys",
		Subsystem: "webhook",
		Name:      "stale_events_total",
		Help:      "Subscription events discarded by event-time ordering.",
	}, []string{"event_type"})

	LimitDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlesys",
		Subsystem: "usage",
		Name:      "limit_decisions_total",
		Help:      "Check-and-reserve decisions by tier, resource and outcome.",
	}, []string{"tier", "resource", "outcome"})

	UsageIncrementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlesys",
		Subsystem: "usage",
		Name:      "increments_total",
		Help:      "Unconditional usage increments by resource.",
	}, []string{"resource"})

	TrialTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlesys",
		Subsystem: "trial",
		Name:      "transitions_total",
		Help:      "Trial status transitions written by the sweep.",
	}, []string{"from", "to"})

	RemindersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlesys",
		Subsystem: "trial",
		Name:      "reminders_total",
		Help:      "Trial reminder notifications by kind and outcome.",
	}, []string{"kind", "outcome"})

	NotifyQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "entitlesys",
		Subsystem: "notify",
		Name:      "queue_depth",
		Help:      "Notification jobs waiting for a worker.",
	})
)
