// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Trust Service
// =============================================================================

var (
	// BundleSealFailures counts RELEASE decisions whose evidence bundle or
	// ledger event could not be persisted after every retry.
	BundleSealFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trust_bundle_seal_failures_total",
		Help: "Released decisions whose evidence bundle could not be persisted",
	})

	// RecorderWrites counts persistence attempts.
	// Labels: kind (ledger event kind), result (ok, retry, failed)
	RecorderWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trust",
		Subsystem: "recorder",
		Name:      "writes_total",
		Help:      "Persistence attempts by event kind and result",
	}, []string{"kind", "result"})

	// RecorderDropped counts records refused because the queue was full or closed.
	RecorderDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trust",
		Subsystem: "recorder",
		Name:      "dropped_total",
		Help:      "Records dropped before persistence",
	}, []string{"kind", "reason"})

	// RecorderQueueDepth is the number of records waiting for persistence.
	RecorderQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trust",
		Subsystem: "recorder",
		Name:      "queue_depth",
		Help:      "Records waiting for persistence",
	})

	// ChainVerifications counts verifyChain runs.
	// Labels: result (valid, invalid, error)
	ChainVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trust",
		Subsystem: "ledger",
		Name:      "chain_verifications_total",
		Help:      "Chain verification runs by result",
	}, []string{"result"})

	// Seals counts daily seal attempts.
	// Labels: result (ok, error)
	Seals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trust",
		Subsystem: "merkle",
		Name:      "seals_total",
		Help:      "Daily seal attempts by result",
	}, []string{"result"})

	// HTTPRequests counts API requests.
	// Labels: route, code
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trust",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"route", "code"})

	// HTTPDuration measures API latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trust",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"route"})

	// RateLimited counts requests refused by the per-tenant limiter.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trust",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests refused by the per-tenant rate limiter",
	}, []string{"route"})

	// FeedSubscribers is the number of open ledger feed connections.
	FeedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trust",
		Subsystem: "ledger",
		Name:      "feed_subscribers",
		Help:      "Open WebSocket ledger feed connections",
	})
)
