package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersIngestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_ingested_total",
		Help: "Total number of orders created from webhook deliveries",
	})

	WebhookDuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_duplicates_total",
		Help: "Total number of duplicate webhook deliveries ignored",
	})

	WebhookRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_rejected_total",
		Help: "Total number of rejected webhook deliveries",
	}, []string{"reason"})

	ReservationsGrantedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservations_granted_total",
		Help: "Total number of inventory reservations granted",
	})

	ReservationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_failed_total",
		Help: "Total number of failed inventory reservations",
	}, []string{"reason"})

	ReservationsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservations_expired_total",
		Help: "Total number of reservations released by the expiry sweep",
	})

	ReservationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reservation_latency_seconds",
		Help:    "Latency of reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	StageTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_stage_transitions_total",
		Help: "Total number of pipeline stage transitions",
	}, []string{"stage"})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of orders that reached the failed stage, by the stage they failed in",
	}, []string{"stage"})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	SyncRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_sync_requests_total",
		Help: "Total number of external POS sync calls",
	}, []string{"operation", "outcome"})

	SyncLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pos_sync_latency_seconds",
		Help:    "Latency of external POS sync calls",
		Buckets: prometheus.DefBuckets,
	})

	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pos_sync_circuit_state",
		Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
	})

	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stage_events_dropped_total",
		Help: "Total number of stage events dropped by slow subscribers",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
