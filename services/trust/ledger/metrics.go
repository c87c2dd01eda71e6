// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("aleutian.trust.ledger")
	meter  = otel.Meter("aleutian.trust.ledger")
)

var (
	appendLatency metric.Float64Histogram
	appendTotal   metric.Int64Counter
	verifyTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		appendLatency, err = meter.Float64Histogram(
			"ledger_append_duration_seconds",
			metric.WithDescription("Duration of ledger appends"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		appendTotal, err = meter.Int64Counter(
			"ledger_append_total",
			metric.WithDescription("Ledger appends by kind and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		verifyTotal, err = meter.Int64Counter(
			"ledger_verify_total",
			metric.WithDescription("Chain verifications by result"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordAppend(ctx context.Context, kind Kind, d time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.Bool("success", success),
	)
	appendLatency.Record(ctx, d.Seconds(), attrs)
	appendTotal.Add(ctx, 1, attrs)
}

func recordVerify(ctx context.Context, valid bool) {
	if err := initMetrics(); err != nil {
		return
	}
	verifyTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("valid", valid)))
}
