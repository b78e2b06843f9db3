package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_received_total",
		Help: "Total number of gateway webhooks received",
	}, []string{"event_type"})

	WebhooksRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_rejected_total",
		Help: "Total number of webhooks rejected before being stored",
	}, []string{"reason"})

	WebhooksDuplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhooks_duplicate_total",
		Help: "Total number of redelivered webhooks skipped by event id",
	})

	WebhookProcessingFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_processing_failed_total",
		Help: "Total number of stored webhooks whose processing failed",
	}, []string{"event_type"})

	PaymentTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_transitions_total",
		Help: "Total number of payment ledger transitions",
	}, []string{"from", "to"})

	PaymentTransitionsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_transitions_skipped_total",
		Help: "Total number of gateway facts that did not move the ledger",
	}, []string{"from", "to"})

	SettlementsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlements_created_total",
		Help: "Total number of settlements created",
	})

	CancellationRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cancellation_requests_total",
		Help: "Total number of cancellation requests",
	}, []string{"requester_type", "path"})

	CancellationDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cancellation_decisions_total",
		Help: "Total number of resolved cancellation requests",
	}, []string{"decision"})

	RefundsExecutedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refunds_executed_total",
		Help: "Total number of refunds executed through the gateway",
	})

	RefundFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refund_failures_total",
		Help: "Total number of refund attempts left unresolved",
	}, []string{"reason"})

	GatewayRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_latency_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	GatewayErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_errors_total",
		Help: "Total number of failed payment gateway calls",
	}, []string{"operation", "kind"})

	ReconcileRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_runs_total",
		Help: "Total number of payment reconciliations",
	}, []string{"result"})

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
