// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gate

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("aleutian.trust.gate")
	meter  = otel.Meter("aleutian.trust.gate")
)

var (
	decisionTotal      metric.Int64Counter
	evaluationDuration metric.Float64Histogram
	admissibilityTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		decisionTotal, err = meter.Int64Counter(
			"gate_decisions_total",
			metric.WithDescription("Release gate decisions by outcome and code"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		evaluationDuration, err = meter.Float64Histogram(
			"gate_evaluation_duration_seconds",
			metric.WithDescription("Duration of release gate evaluations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		admissibilityTotal, err = meter.Int64Counter(
			"gate_admissibility_checks_total",
			metric.WithDescription("Admissibility cross-checks by result"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordDecision(ctx context.Context, outcome Outcome, code string, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("code", code),
	)
	decisionTotal.Add(ctx, 1, attrs)
	evaluationDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

func recordAdmissibility(ctx context.Context, result string) {
	if err := initMetrics(); err != nil {
		return
	}
	admissibilityTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
