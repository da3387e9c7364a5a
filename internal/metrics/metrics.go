package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_scheduled_total",
			Help: "Total emails accepted for scheduling",
		},
	)

	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total emails terminally failed",
		},
	)

	EmailsDeferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_deferred_total",
			Help: "Total emails deferred for a later retry",
		},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Total attempts deferred by the per-owner rate limit",
		},
	)

	RateLimiterErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limiter_errors_total",
			Help: "Total rate limiter storage errors (limiter fails open)",
		},
	)

	AuditFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_failures_total",
			Help: "Total audit log writes that failed (best effort)",
		},
	)

	DeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "delivery_duration_seconds",
			Help:    "Time spent in the delivery collaborator per attempt",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Jobs per execution queue section",
		},
		[]string{"section"},
	)
)

func Init() {
	prometheus.MustRegister(
		EmailsScheduled,
		EmailsSent,
		EmailFailures,
		EmailsDeferred,
		RateLimited,
		RateLimiterErrors,
		AuditFailures,
		DeliveryDuration,
		QueueDepth,
	)
}
