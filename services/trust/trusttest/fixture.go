// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package trusttest builds a fully wired trust.Service over in-memory
// collaborators for tests.
package trusttest

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianTrust/pkg/canonical"
	"github.com/AleutianAI/AleutianTrust/pkg/logging"
	"github.com/AleutianAI/AleutianTrust/services/trust"
	"github.com/AleutianAI/AleutianTrust/services/trust/anchors"
	"github.com/AleutianAI/AleutianTrust/services/trust/attest"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab"
	"github.com/AleutianAI/AleutianTrust/services/trust/gate"
	"github.com/AleutianAI/AleutianTrust/services/trust/ledger"
	"github.com/AleutianAI/AleutianTrust/services/trust/merkle"
	"github.com/AleutianAI/AleutianTrust/services/trust/observability"
	"github.com/AleutianAI/AleutianTrust/services/trust/recorder"
)

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

// Now returns the current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Options customise a Fixture.
type Options struct {
	Checker   collab.AdmissibilityChecker
	Generator collab.ClaimGenerator
	Sink      observability.DecisionSink
	Logger    *logging.Logger
	Service   trust.Options
}

// Fixture is a wired service and its in-memory collaborators.
type Fixture struct {
	Service  *trust.Service
	Ledger   *ledger.Ledger
	Signer   *attest.Signer
	Gate     *gate.Gate
	Anchors  *collab.MemoryAnchorStore
	Exhibits *collab.MemoryExhibitStore
	Blobs    *collab.MemoryBlobStore
	Clock    *Clock
}

// Start is the fixture clock's initial time.
var Start = time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)

// New builds a Fixture. The admissibility checker defaults to
// collab.AllowAll. Cleanup stops the service and closes the ledger.
func New(t testing.TB, opts Options) *Fixture {
	t.Helper()
	if opts.Checker == nil {
		opts.Checker = collab.AllowAll
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	clock := NewClock(Start)

	signer, err := attest.NewSigner(bytes.Repeat([]byte{5}, 32))
	require.NoError(t, err)
	signer = signer.WithClock(clock.Now)

	l := ledger.New(ledger.NewMemoryStore(), ledger.Options{Now: clock.Now, Logger: logger})
	g, err := gate.New(signer, opts.Checker, nil, gate.DefaultPolicy(), gate.Options{Logger: logger})
	require.NoError(t, err)

	blobs := collab.NewMemoryBlobStore()
	sealer := merkle.NewSealer(l, signer, blobs, merkle.SealerOptions{Now: clock.Now, Logger: logger})
	rec := recorder.New(l, blobs, recorder.Config{}, logger)

	f := &Fixture{
		Ledger:   l,
		Signer:   signer,
		Gate:     g,
		Anchors:  collab.NewMemoryAnchorStore(),
		Exhibits: collab.NewMemoryExhibitStore(),
		Blobs:    blobs,
		Clock:    clock,
	}
	svcOpts := opts.Service
	if svcOpts.Logger == nil {
		svcOpts.Logger = logger
	}
	if svcOpts.Now == nil {
		svcOpts.Now = clock.Now
	}
	f.Service, err = trust.New(trust.Deps{
		Ledger:    l,
		Gate:      g,
		Signer:    signer,
		Sealer:    sealer,
		Recorder:  rec,
		Anchors:   f.Anchors,
		Exhibits:  f.Exhibits,
		Generator: opts.Generator,
		Sink:      opts.Sink,
	}, svcOpts)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.Service.Close(ctx)
		_ = l.Close()
	})
	return f
}

// Flush waits for the recorder to drain.
func (f *Fixture) Flush(t testing.TB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.Service.Flush(ctx))
}

// Anchor returns an ACTIVE anchor whose exhibit hash is derived from
// exhibitID.
func Anchor(id, exhibitID, text string) anchors.Anchor {
	return anchors.Anchor{
		ID:                   id,
		ExhibitID:            exhibitID,
		PageNumber:           1,
		LineNumber:           1,
		BBox:                 [4]float64{0, 0, 100, 20},
		Text:                 text,
		ExhibitIntegrityHash: ExhibitHash(exhibitID),
		ExhibitStatus:        anchors.StatusActive,
	}
}

// ExhibitHash is the integrity hash Anchor assigns to exhibitID.
func ExhibitHash(exhibitID string) string {
	return canonical.HashString("exhibit:" + exhibitID)
}
