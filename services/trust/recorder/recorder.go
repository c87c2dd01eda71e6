// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recorder persists decision events and evidence bundle manifests
// off the request path.
//
// Recording is fire-and-forget: Record never blocks and never reports a
// persistence error to the caller. Failures are logged at Warn and retried
// with exponential backoff. A record marked for escalation (a RELEASE and
// its evidence bundle) that still fails after the last attempt is logged at
// Error with escalation=true and counted in trust_bundle_seal_failures_total.
package recorder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianTrust/pkg/logging"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab"
	"github.com/AleutianAI/AleutianTrust/services/trust/ledger"
	"github.com/AleutianAI/AleutianTrust/services/trust/observability"
)

// ErrClosed is returned by Flush after Stop.
var ErrClosed = errors.New("recorder: closed")

// Appender is the ledger write the recorder needs.
type Appender interface {
	Append(ctx context.Context, tenantID, actorID string, payload ledger.Payload) (ledger.Event, error)
}

// Blob is an object written before the ledger event.
type Blob struct {
	Key  string
	Data []byte
}

// Record is one unit of persistence.
type Record struct {
	TenantID string
	ActorID  string
	Payload  ledger.Payload
	// Blobs are written first. Puts are idempotent, so a retry after a
	// failed append writes them again harmlessly.
	Blobs []Blob
	// Escalate marks records whose loss weakens auditability.
	Escalate bool
	// RequestID is logged with every attempt.
	RequestID string
}

// Config tunes the queue and retries.
type Config struct {
	QueueSize      int           `yaml:"queue_size" validate:"gte=0"`
	Workers        int           `yaml:"workers" validate:"gte=0"`
	MaxAttempts    int           `yaml:"max_attempts" validate:"gte=0"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	// AttemptTimeout bounds one blob+append attempt.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:      1024,
		Workers:        4,
		MaxAttempts:    5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		AttemptTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	return c
}

// Recorder is a bounded asynchronous persistence queue.
//
// # Description
//
// Records for one tenant are persisted in submission order by routing
// every tenant to a fixed worker, so ledger events keep the order in
// which decisions were made.
//
// # Thread Safety
//
// Safe for concurrent use. Stop must be called once.
type Recorder struct {
	ledger Appender
	blobs  collab.BlobStore
	cfg    Config
	logger *logging.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	queues  []chan Record
	pending atomic.Int64
	workers sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates and starts a Recorder. blobs may be nil when no record
// carries blobs.
func New(l Appender, blobs collab.BlobStore, cfg Config, logger *logging.Logger) *Recorder {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		ledger: l,
		blobs:  blobs,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepCtx,
		queues: make([]chan Record, cfg.Workers),
		ctx:    ctx,
		cancel: cancel,
	}
	per := cfg.QueueSize / cfg.Workers
	if per < 1 {
		per = 1
	}
	for i := range r.queues {
		r.queues[i] = make(chan Record, per)
		r.workers.Add(1)
		go r.run(r.queues[i])
	}
	return r
}

// Record queues rec. It returns false when the record was dropped because
// the queue is full or the recorder is stopped.
func (r *Recorder) Record(rec Record) bool {
	if rec.Payload == nil {
		r.logger.Warn("recorder.dropped", "tenant_id", rec.TenantID, "request_id", rec.RequestID, "reason", "nil_payload")
		return false
	}
	kind := string(rec.Payload.Kind())
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		observability.RecorderDropped.WithLabelValues(kind, "closed").Inc()
		r.dropped(rec, "closed")
		return false
	}
	r.pending.Add(1)
	select {
	case r.queueFor(rec.TenantID) <- rec:
		observability.RecorderQueueDepth.Inc()
		return true
	default:
		r.pending.Add(-1)
		observability.RecorderDropped.WithLabelValues(kind, "queue_full").Inc()
		r.dropped(rec, "queue_full")
		return false
	}
}

func (r *Recorder) dropped(rec Record, reason string) {
	if rec.Escalate {
		observability.BundleSealFailures.Inc()
		r.logger.Error("recorder.dropped",
			"tenant_id", rec.TenantID, "request_id", rec.RequestID,
			"kind", string(rec.Payload.Kind()), "reason", reason, "escalation", true)
		return
	}
	r.logger.Warn("recorder.dropped",
		"tenant_id", rec.TenantID, "request_id", rec.RequestID,
		"kind", string(rec.Payload.Kind()), "reason", reason)
}

func (r *Recorder) queueFor(tenantID string) chan Record {
	var h uint32 = 2166136261
	for i := 0; i < len(tenantID); i++ {
		h ^= uint32(tenantID[i])
		h *= 16777619
	}
	return r.queues[h%uint32(len(r.queues))]
}

// Flush waits until every queued record has been persisted or given up.
func (r *Recorder) Flush(ctx context.Context) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for r.pending.Load() > 0 {
		select {
		case <-tick.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Pending returns the number of records queued or in flight.
func (r *Recorder) Pending() int {
	return int(r.pending.Load())
}

// Stop refuses new records, waits for queued ones up to ctx's deadline,
// then abandons the rest. Abandoned escalated records are escalated.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	for _, q := range r.queues {
		close(q)
	}
	r.mu.Unlock()

	err := r.Flush(ctx)
	if err != nil {
		r.cancel()
	}
	r.workers.Wait()
	r.cancel()
	return err
}

func (r *Recorder) run(queue chan Record) {
	defer r.workers.Done()
	for rec := range queue {
		observability.RecorderQueueDepth.Dec()
		r.persist(rec)
		r.pending.Add(-1)
	}
}

func (r *Recorder) persist(rec Record) {
	kind := string(rec.Payload.Kind())
	blobsDone := false
	backoff := r.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if r.ctx.Err() != nil {
			lastErr = r.ctx.Err()
			break
		}
		var err error
		blobsDone, err = r.attempt(rec, blobsDone)
		if err == nil {
			observability.RecorderWrites.WithLabelValues(kind, "ok").Inc()
			if attempt > 1 {
				r.logger.Info("recorder.recovered",
					"tenant_id", rec.TenantID, "request_id", rec.RequestID,
					"kind", kind, "attempts", attempt)
			}
			return
		}
		lastErr = err
		if permanent(err) {
			break
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		observability.RecorderWrites.WithLabelValues(kind, "retry").Inc()
		r.logger.Warn("recorder.retry",
			"tenant_id", rec.TenantID, "request_id", rec.RequestID,
			"kind", kind, "attempt", attempt, "backoff", backoff.String(), "error", err)
		if r.sleep(r.ctx, backoff) != nil {
			lastErr = r.ctx.Err()
			break
		}
		backoff *= 2
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}

	observability.RecorderWrites.WithLabelValues(kind, "failed").Inc()
	if rec.Escalate {
		observability.BundleSealFailures.Inc()
		r.logger.Error("recorder.failed",
			"tenant_id", rec.TenantID, "request_id", rec.RequestID,
			"kind", kind, "escalation", true, "error", lastErr)
		return
	}
	r.logger.Warn("recorder.failed",
		"tenant_id", rec.TenantID, "request_id", rec.RequestID, "kind", kind, "error", lastErr)
}

func (r *Recorder) attempt(rec Record, blobsDone bool) (bool, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.AttemptTimeout)
	defer cancel()
	if !blobsDone {
		for _, b := range rec.Blobs {
			if r.blobs == nil {
				return false, errors.New("recorder: no blob store configured")
			}
			if err := r.blobs.Put(ctx, b.Key, b.Data); err != nil {
				return false, err
			}
		}
	}
	if _, err := r.ledger.Append(ctx, rec.TenantID, rec.ActorID, rec.Payload); err != nil {
		return true, err
	}
	return true, nil
}

// permanent reports errors that no retry can fix.
func permanent(err error) bool {
	return errors.Is(err, ledger.ErrInvalidPayload) ||
		errors.Is(err, ledger.ErrInvalidTenant) ||
		errors.Is(err, ledger.ErrUnknownKind) ||
		errors.Is(err, ledger.ErrClosed)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
