package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pact_gateway_requests_total",
		Help: "HTTP requests handled, by route and status class.",
	}, []string{"route", "status"})

	webhookDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pact_gateway_webhooks_dropped_total",
		Help: "Webhook tasks dropped before delivery, by reason.",
	}, []string{"reason"})

	webhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pact_gateway_webhook_deliveries_total",
		Help: "Webhook delivery attempts, by outcome.",
	}, []string{"outcome"})

	confirmationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pact_gateway_confirmations_total",
		Help: "Anchor confirmation outcomes recorded by the watcher.",
	}, []string{"status"})
)
