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
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/AleutianAI/AleutianTrust/pkg/logging"
)

// DecisionMeasurement is the Influx measurement name for decisions.
const DecisionMeasurement = "trust_decision"

// InfluxConfig configures the decision time series.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"-"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// DecisionPoint is one gate decision as a time series sample. It carries
// ids, codes and counts only.
type DecisionPoint struct {
	TenantID  string
	Outcome   string
	Code      string
	Claims    int
	Anchors   int
	Rejected  int
	Duration  time.Duration
	Timestamp time.Time
}

// DecisionSink receives decision samples. Implementations must not block.
type DecisionSink interface {
	RecordDecision(p DecisionPoint)
	Close()
}

// NopSink discards samples.
type NopSink struct{}

func (NopSink) RecordDecision(DecisionPoint) {}
func (NopSink) Close()                       {}

// InfluxSink writes decision samples through the non-blocking write API.
//
// # Thread Safety
//
// Safe for concurrent use.
type InfluxSink struct {
	client influxdb2.Client
	write  api.WriteAPI
	logger *logging.Logger
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewInfluxSink creates a sink. Write errors are logged at Warn; they
// never reach the caller.
func NewInfluxSink(cfg InfluxConfig, logger *logging.Logger) *InfluxSink {
	if logger == nil {
		logger = logging.Nop()
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(100).SetFlushInterval(1000))
	s := &InfluxSink{
		client: client,
		write:  client.WriteAPI(cfg.Org, cfg.Bucket),
		logger: logger,
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.drainErrors()
	return s
}

func (s *InfluxSink) drainErrors() {
	defer s.wg.Done()
	errs := s.write.Errors()
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			s.logger.Warn("influx.write_failed", "error", err)
		case <-s.done:
			return
		}
	}
}

// RecordDecision queues one sample.
func (s *InfluxSink) RecordDecision(p DecisionPoint) {
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	tags := map[string]string{
		"tenant_id": p.TenantID,
		"outcome":   p.Outcome,
	}
	if p.Code != "" {
		tags["code"] = p.Code
	}
	s.write.WritePoint(influxdb2.NewPoint(DecisionMeasurement, tags, map[string]interface{}{
		"claims":      p.Claims,
		"anchors":     p.Anchors,
		"rejected":    p.Rejected,
		"duration_ms": p.Duration.Milliseconds(),
	}, ts))
}

// Close flushes pending samples and releases the client.
func (s *InfluxSink) Close() {
	s.once.Do(func() {
		s.write.Flush()
		close(s.done)
		s.wg.Wait()
		s.client.Close()
	})
}

var (
	_ DecisionSink = NopSink{}
	_ DecisionSink = (*InfluxSink)(nil)
)
