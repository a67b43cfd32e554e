// README: Prometheus metrics shared across modules.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ampstop", Name: "sessions_created_total", Help: "Arrival sessions created",
	})
	SessionsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ampstop", Name: "sessions_terminal_total", Help: "Sessions reaching a terminal status",
	}, []string{"status"})
	GeofenceChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ampstop", Name: "geofence_checks_total", Help: "Arrival geofence evaluations",
	}, []string{"outcome"})
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ampstop", Name: "notifications_total", Help: "Merchant notification dispatch attempts",
	}, []string{"outcome"})
	InboundReplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ampstop", Name: "inbound_replies_total", Help: "Inbound SMS replies by action",
	}, []string{"action"})
	BilledAmount = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ampstop", Name: "billed_amount_cents", Help: "Billable amounts settled, in cents",
		Buckets: prometheus.ExponentialBuckets(25, 2, 8),
	})
	BillingBySource = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ampstop", Name: "billing_records_total", Help: "Billing records by total source",
	}, []string{"source"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ampstop", Name: "http_requests_total", Help: "Total HTTP requests handled",
	}, []string{"method", "path", "status"})
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ampstop", Name: "http_request_duration_seconds", Help: "HTTP request latency distribution",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)
