package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ivan", Name: "api_requests_total", Help: "Backend API calls by endpoint and status"},
		[]string{"endpoint", "status"},
	)
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ivan",
			Name:      "api_request_duration_seconds",
			Help:      "Backend API call latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
	SessionInvalidations = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ivan", Name: "session_invalidations_total", Help: "Forced logouts after an unauthorized response"})

	TicketActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ivan", Name: "ticket_actions_total", Help: "Ticket mutations by action and outcome"},
		[]string{"action", "outcome"},
	)
	OrderActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ivan", Name: "order_actions_total", Help: "Order mutations by action and outcome"},
		[]string{"action", "outcome"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ivan", Name: "notifications_total", Help: "Inbound push notifications by type, origin and outcome"},
		[]string{"type", "origin", "outcome"},
	)
	PromptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ivan", Name: "driver_prompts_total", Help: "Driver selection prompts by outcome"},
		[]string{"outcome"},
	)

	LocationEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ivan", Name: "location_events_total", Help: "Realtime location events by outcome"},
		[]string{"outcome"},
	)
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ivan", Name: "realtime_subscriptions", Help: "Open realtime channel subscriptions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ivan", Name: "http_requests_total", Help: "Total agent HTTP requests handled, by the ride action they carried"},
		[]string{"method", "path", "action", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ivan",
			Name:      "http_request_duration_seconds",
			Help:      "Agent HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "action", "status"},
	)
	UIClients = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ivan", Name: "ui_clients", Help: "Connected websocket UI clients"})
)
