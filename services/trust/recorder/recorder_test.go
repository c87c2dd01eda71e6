// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianTrust/pkg/canonical"
	"github.com/AleutianAI/AleutianTrust/pkg/logging"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab"
	"github.com/AleutianAI/AleutianTrust/services/trust/ledger"
	"github.com/AleutianAI/AleutianTrust/services/trust/observability"
)

func withheld(requestID string) ledger.DecisionWithheld {
	return ledger.DecisionWithheld{
		RequestID:     requestID,
		ErrorCode:     "TRIANGULATION_REQUIRED",
		Reasons:       []ledger.ReasonRecord{{Code: "TRIANGULATION_REQUIRED", Message: "needs two exhibits"}},
		TotalClaims:   1,
		AnchoredCount: 1,
		FinalState:    "WITHHELD",
		PolicyVersion: "v1",
	}
}

func released(requestID string) ledger.DecisionReleased {
	return ledger.DecisionReleased{
		RequestID:          requestID,
		EvidenceBundleHash: canonical.HashString("bundle-" + requestID),
		CertificateHash:    canonical.HashString("cert-" + requestID),
		KeyFingerprint:     canonical.HashString("key"),
		ClaimCount:         1,
		AnchorCount:        1,
		PolicyVersion:      "v1",
	}
}

// flakyAppender fails the first failures calls, then delegates.
type flakyAppender struct {
	inner    *ledger.Ledger
	failures int32
	calls    atomic.Int32
}

func (f *flakyAppender) Append(ctx context.Context, tenantID, actorID string, p ledger.Payload) (ledger.Event, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return ledger.Event{}, errors.New("store unavailable")
	}
	return f.inner.Append(ctx, tenantID, actorID, p)
}

type countingBlobs struct {
	*collab.MemoryBlobStore
	puts atomic.Int32
}

func (c *countingBlobs) Put(ctx context.Context, key string, data []byte) error {
	c.puts.Add(1)
	return c.MemoryBlobStore.Put(ctx, key, data)
}

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(), ledger.Options{})
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func noSleep(context.Context, time.Duration) error { return nil }

func flush(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Flush(ctx))
}

func TestRecorder_Persists(t *testing.T) {
	l := newLedger(t)
	blobs := collab.NewMemoryBlobStore()
	r := New(l, blobs, Config{}, nil)
	defer r.Stop(context.Background())

	ok := r.Record(Record{
		TenantID: "acme", ActorID: "gate", Payload: released("req-1"), RequestID: "req-1",
		Blobs: []Blob{{Key: "bundles/acme/req-1.json", Data: []byte(`{}`)}},
	})
	require.True(t, ok)
	flush(t, r)

	events, err := l.Events(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.KindDecisionReleased, events[0].Kind)
	assert.Equal(t, []string{"bundles/acme/req-1.json"}, blobs.Keys())
	assert.Zero(t, r.Pending())
}

func TestRecorder_RetriesAppendWithoutRewritingBlobs(t *testing.T) {
	l := newLedger(t)
	app := &flakyAppender{inner: l, failures: 2}
	blobs := &countingBlobs{MemoryBlobStore: collab.NewMemoryBlobStore()}
	r := New(app, blobs, Config{MaxAttempts: 5}, nil)
	r.sleep = noSleep
	defer r.Stop(context.Background())

	r.Record(Record{
		TenantID: "acme", ActorID: "gate", Payload: released("req-1"),
		Blobs: []Blob{{Key: "k", Data: []byte("v")}},
	})
	flush(t, r)

	assert.EqualValues(t, 3, app.calls.Load())
	assert.EqualValues(t, 1, blobs.puts.Load())
	events, err := l.Events(context.Background(), "acme")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRecorder_EscalatesReleaseFailure(t *testing.T) {
	exporter := logging.NewBufferedExporter()
	logger := logging.New(logging.Config{Quiet: true, Exporter: exporter})
	app := &flakyAppender{inner: newLedger(t), failures: 1000}
	before := testutil.ToFloat64(observability.BundleSealFailures)

	r := New(app, nil, Config{MaxAttempts: 3}, logger)
	r.sleep = noSleep
	defer r.Stop(context.Background())

	r.Record(Record{TenantID: "acme", ActorID: "gate", Payload: released("req-9"), RequestID: "req-9", Escalate: true})
	flush(t, r)

	assert.EqualValues(t, 3, app.calls.Load())
	assert.Equal(t, before+1, testutil.ToFloat64(observability.BundleSealFailures))
	require.Eventually(t, func() bool {
		for _, e := range exporter.Entries() {
			if e.Message == "recorder.failed" && e.Level == logging.LevelError && e.Attrs["escalation"] == true {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestRecorder_NonEscalatedFailureIsWarn(t *testing.T) {
	exporter := logging.NewBufferedExporter()
	logger := logging.New(logging.Config{Quiet: true, Exporter: exporter})
	app := &flakyAppender{inner: newLedger(t), failures: 1000}
	before := testutil.ToFloat64(observability.BundleSealFailures)

	r := New(app, nil, Config{MaxAttempts: 2}, logger)
	r.sleep = noSleep
	defer r.Stop(context.Background())

	r.Record(Record{TenantID: "acme", ActorID: "gate", Payload: withheld("req-1")})
	flush(t, r)

	assert.Equal(t, before, testutil.ToFloat64(observability.BundleSealFailures))
	require.Eventually(t, func() bool {
		for _, e := range exporter.Entries() {
			if e.Message == "recorder.failed" {
				return e.Level == logging.LevelWarn
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestRecorder_InvalidPayloadNotRetried(t *testing.T) {
	app := &flakyAppender{inner: newLedger(t)}
	r := New(app, nil, Config{MaxAttempts: 5}, nil)
	r.sleep = noSleep
	defer r.Stop(context.Background())

	bad := withheld("req-1")
	bad.Reasons = nil
	r.Record(Record{TenantID: "acme", ActorID: "gate", Payload: bad})
	flush(t, r)

	assert.EqualValues(t, 1, app.calls.Load())
}

func TestRecorder_PreservesTenantOrder(t *testing.T) {
	l := newLedger(t)
	r := New(l, nil, Config{Workers: 4}, nil)
	defer r.Stop(context.Background())

	const n = 40
	for i := 0; i < n; i++ {
		require.True(t, r.Record(Record{TenantID: "acme", ActorID: "gate", Payload: withheld(fmt.Sprintf("req-%02d", i))}))
		require.True(t, r.Record(Record{TenantID: "globex", ActorID: "gate", Payload: withheld(fmt.Sprintf("req-%02d", i))}))
	}
	flush(t, r)

	for _, tenant := range []string{"acme", "globex"} {
		events, err := l.Events(context.Background(), tenant)
		require.NoError(t, err)
		require.Len(t, events, n)
		for i, ev := range events {
			p, err := ev.Decode()
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("req-%02d", i), p.(*ledger.DecisionWithheld).RequestID)
		}
		v, err := l.VerifyChain(context.Background(), tenant)
		require.NoError(t, err)
		assert.True(t, v.IsValid)
	}
}

type gatedAppender struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedAppender) Append(ctx context.Context, _, _ string, _ ledger.Payload) (ledger.Event, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
		return ledger.Event{}, nil
	case <-ctx.Done():
		return ledger.Event{}, ctx.Err()
	}
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	g := &gatedAppender{entered: make(chan struct{}), release: make(chan struct{})}
	r := New(g, nil, Config{Workers: 1, QueueSize: 1}, nil)

	require.True(t, r.Record(Record{TenantID: "acme", ActorID: "gate", Payload: withheld("req-1")}))
	<-g.entered
	require.True(t, r.Record(Record{TenantID: "acme", ActorID: "gate", Payload: withheld("req-2")}))
	assert.False(t, r.Record(Record{TenantID: "acme", ActorID: "gate", Payload: withheld("req-3")}))
	assert.Equal(t, 2, r.Pending())

	close(g.release)
	flush(t, r)
	require.NoError(t, r.Stop(context.Background()))
}

func TestRecorder_Stop(t *testing.T) {
	r := New(newLedger(t), nil, Config{}, nil)
	require.NoError(t, r.Stop(context.Background()))
	assert.ErrorIs(t, r.Stop(context.Background()), ErrClosed)
	assert.False(t, r.Record(Record{TenantID: "acme", ActorID: "gate", Payload: withheld("req-1")}))
	assert.False(t, r.Record(Record{TenantID: "acme", ActorID: "gate"}))
}
