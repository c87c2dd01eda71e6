// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger implements the per-tenant, append-only, hash-chained
// audit ledger.
//
// Every event carries hash = H(prevHash ‖ canonical(payload) ‖ kind ‖
// createdAt). The first event of a tenant chains from GenesisHash:
//
//	GENESIS ──► E1 ──► E2 ──► E3 ──► ... ──► tip
//	            │      │      │
//	            └prev  └prev  └prev
//
// Appends for one tenant are serialized by a per-tenant mutex; tenants
// append in parallel. VerifyChain is read-only and reports the first
// break it finds without repairing anything.
package ledger

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianTrust/pkg/canonical"
	"github.com/AleutianAI/AleutianTrust/pkg/logging"
)

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidTenantID reports whether id may be used as a tenant id. Tenant ids
// are embedded in storage keys, so separators are rejected.
func ValidTenantID(id string) bool {
	return tenantPattern.MatchString(id)
}

// Options configures a Ledger. Zero values select production defaults.
type Options struct {
	// Logger receives append and verification logs. Default: logging.Nop()
	Logger *logging.Logger

	// Now supplies event timestamps. Default: time.Now
	Now func() time.Time

	// NewID supplies event ids. Default: uuid.NewString
	NewID func() string

	// VerifyConcurrency bounds VerifyAll. Default: 4
	VerifyConcurrency int
}

// Ledger is the append-only audit ledger.
//
// # Thread Safety
//
// Safe for concurrent use. Appends to one tenant are linearized.
type Ledger struct {
	store Store
	opts  Options

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	verifyGroup singleflight.Group

	subsMu sync.Mutex
	subs   map[string]map[*subscription]struct{}

	closed atomic.Bool
}

// New creates a Ledger over store.
func New(store Store, opts Options) *Ledger {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.VerifyConcurrency <= 0 {
		opts.VerifyConcurrency = 4
	}
	return &Ledger{
		store: store,
		opts:  opts,
		locks: make(map[string]*sync.Mutex),
		subs:  make(map[string]map[*subscription]struct{}),
	}
}

func (l *Ledger) tenantLock(tenantID string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	mu, ok := l.locks[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[tenantID] = mu
	}
	return mu
}

// Append validates payload, links it to the tenant's tip and stores it.
//
// # Description
//
// The payload is checked against its kind's schema, encoded with the
// canonical encoding and hashed together with the previous tip hash, the
// kind and the creation time. The tenant lock is held from reading the tip
// until the new event is stored and published to subscribers.
//
// # Inputs
//
//   - ctx: Cancellation. A cancelled append stores nothing.
//   - tenantID: Chain owner. Must satisfy ValidTenantID.
//   - actorID: Who caused the event (user, service, operator).
//   - payload: One of the payload structs in this package.
//
// # Outputs
//
//   - Event: The stored event including chain fields.
//   - error: ErrInvalidTenant, ErrUnknownKind, ErrInvalidPayload,
//     ErrClosed or a store error.
//
// # Examples
//
//	ev, err := l.Append(ctx, "acme", "gate", ledger.DecisionWithheld{...})
//
// # Thread Safety
//
// Safe for concurrent use.
func (l *Ledger) Append(ctx context.Context, tenantID, actorID string, payload Payload) (Event, error) {
	if l.closed.Load() {
		return Event{}, ErrClosed
	}
	if !ValidTenantID(tenantID) {
		return Event{}, fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	if actorID == "" {
		return Event{}, fmt.Errorf("%w: actor id is required", ErrInvalidPayload)
	}
	if err := ValidatePayload(payload); err != nil {
		return Event{}, err
	}
	body, err := canonical.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	ctx, span := tracer.Start(ctx, "Ledger.Append", trace.WithAttributes(
		attribute.String("ledger.tenant_id", tenantID),
		attribute.String("ledger.kind", string(payload.Kind())),
	))
	defer span.End()
	start := time.Now()

	ev, err := l.appendLocked(ctx, tenantID, actorID, payload.Kind(), body)
	recordAppend(ctx, payload.Kind(), time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		l.opts.Logger.Warn("ledger.append.failed",
			"tenant_id", tenantID, "kind", string(payload.Kind()), "error", err.Error())
		return Event{}, err
	}
	span.SetAttributes(attribute.Int64("ledger.seq", int64(ev.Seq)))

	l.opts.Logger.Debug("ledger.append",
		"tenant_id", tenantID, "kind", string(ev.Kind), "seq", ev.Seq, "hash", ev.Hash)
	return ev, nil
}

func (l *Ledger) appendLocked(ctx context.Context, tenantID, actorID string, kind Kind, body []byte) (Event, error) {
	mu := l.tenantLock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Event{}, err
	}

	tip, found, err := l.store.Tip(ctx, tenantID)
	if err != nil {
		return Event{}, fmt.Errorf("read tip: %w", err)
	}
	prevHash := GenesisHash
	seq := uint64(1)
	if found {
		prevHash = tip.Hash
		seq = tip.Seq + 1
	}

	// Round(0) drops the monotonic reading so the stored value round-trips.
	createdAt := l.opts.Now().UTC().Round(0)
	ev := Event{
		ID:        l.opts.NewID(),
		TenantID:  tenantID,
		ActorID:   actorID,
		Seq:       seq,
		Kind:      kind,
		Payload:   body,
		CreatedAt: createdAt,
		PrevHash:  prevHash,
		Hash:      ComputeHash(prevHash, body, kind, createdAt),
	}
	if err := l.store.Put(ctx, ev); err != nil {
		return Event{}, fmt.Errorf("store event: %w", err)
	}
	// Subscribers see each tenant's events in seq order.
	l.publish(ev)
	return ev, nil
}

// =============================================================================
// Verification
// =============================================================================

// BreakDetail describes where and how a chain stopped verifying.
type BreakDetail struct {
	// Index is the 1-based ordinal of the offending event.
	Index    int       `json:"index"`
	EventID  string    `json:"eventId"`
	Kind     BreakKind `json:"kind"`
	Expected string    `json:"expected"`
	Actual   string    `json:"actual"`
}

// Verification is the result of walking one tenant chain.
type Verification struct {
	TenantID   string `json:"tenantId"`
	IsValid    bool   `json:"isValid"`
	EventCount int    `json:"eventCount"`
	// RootHash is the hash of the last event that verified, or GenesisHash.
	RootHash string        `json:"rootHash"`
	Details  []BreakDetail `json:"details"`
}

// Err returns a *ChainIntegrityError for an invalid chain, nil otherwise.
func (v Verification) Err() error {
	if v.IsValid || len(v.Details) == 0 {
		return nil
	}
	d := v.Details[0]
	return &ChainIntegrityError{TenantID: v.TenantID, Index: d.Index, EventID: d.EventID, Kind: d.Kind}
}

// Verify walks events in order and stops at the first failure.
//
// # Description
//
// For each event, linkage is checked before content: a prevHash that does
// not equal the previous stored hash is a chain break; a stored hash that
// does not equal the recomputed hash is a hash mismatch. Verify is pure
// and never modifies events.
func Verify(tenantID string, events []Event) Verification {
	v := Verification{
		TenantID:   tenantID,
		IsValid:    true,
		EventCount: len(events),
		RootHash:   GenesisHash,
		Details:    []BreakDetail{},
	}
	prev := GenesisHash
	for i, ev := range events {
		if ev.PrevHash != prev {
			v.IsValid = false
			v.Details = append(v.Details, BreakDetail{
				Index: i + 1, EventID: ev.ID, Kind: BreakChain, Expected: prev, Actual: ev.PrevHash,
			})
			return v
		}
		computed, ok := recompute(ev)
		if !ok || computed != ev.Hash {
			v.IsValid = false
			v.Details = append(v.Details, BreakDetail{
				Index: i + 1, EventID: ev.ID, Kind: BreakHashMismatch, Expected: computed, Actual: ev.Hash,
			})
			return v
		}
		prev = ev.Hash
		v.RootHash = ev.Hash
	}
	return v
}

// VerifyChain verifies one tenant's chain.
//
// # Description
//
// Concurrent calls for the same tenant share a single walk. The shared walk
// ignores any one caller's cancellation; each caller stops waiting when its
// own ctx is done. The result is
// reported only: an invalid chain is returned with IsValid=false and a
// nil error. The error return is reserved for storage failures.
func (l *Ledger) VerifyChain(ctx context.Context, tenantID string) (Verification, error) {
	if !ValidTenantID(tenantID) {
		return Verification{}, fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	walk := l.verifyGroup.DoChan(tenantID, func() (any, error) {
		ctx, span := tracer.Start(context.WithoutCancel(ctx), "Ledger.VerifyChain",
			trace.WithAttributes(attribute.String("ledger.tenant_id", tenantID)))
		defer span.End()

		events, err := l.store.Events(ctx, tenantID)
		if err != nil {
			span.RecordError(err)
			return Verification{}, fmt.Errorf("load events: %w", err)
		}
		v := Verify(tenantID, events)
		span.SetAttributes(
			attribute.Bool("ledger.valid", v.IsValid),
			attribute.Int("ledger.event_count", v.EventCount),
		)
		recordVerify(ctx, v.IsValid)
		if !v.IsValid {
			l.opts.Logger.Error("ledger.verify.broken",
				"tenant_id", tenantID,
				"index", v.Details[0].Index,
				"break_kind", string(v.Details[0].Kind),
				"event_id", v.Details[0].EventID)
		}
		return v, nil
	})
	select {
	case <-ctx.Done():
		return Verification{}, ctx.Err()
	case r := <-walk:
		if r.Err != nil {
			return Verification{}, r.Err
		}
		return r.Val.(Verification), nil
	}
}

// VerifyAll verifies every tenant concurrently. Results are in tenant order.
func (l *Ledger) VerifyAll(ctx context.Context) ([]Verification, error) {
	tenants, err := l.store.Tenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	results := make([]Verification, len(tenants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.VerifyConcurrency)
	for i, tenant := range tenants {
		g.Go(func() error {
			v, err := l.VerifyChain(gctx, tenant)
			if err != nil {
				return fmt.Errorf("verify %s: %w", tenant, err)
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// =============================================================================
// Reads
// =============================================================================

// Events returns every event for tenant in chain order.
func (l *Ledger) Events(ctx context.Context, tenantID string) ([]Event, error) {
	if !ValidTenantID(tenantID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	return l.store.Events(ctx, tenantID)
}

// EventsBetween returns the tenant's events with from <= createdAt < to.
func (l *Ledger) EventsBetween(ctx context.Context, tenantID string, from, to time.Time) ([]Event, error) {
	events, err := l.Events(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if !ev.CreatedAt.Before(from) && ev.CreatedAt.Before(to) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Tip returns the latest event for tenant.
func (l *Ledger) Tip(ctx context.Context, tenantID string) (Event, bool, error) {
	if !ValidTenantID(tenantID) {
		return Event{}, false, fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	return l.store.Tip(ctx, tenantID)
}

// Tenants lists every tenant with a non-empty chain.
func (l *Ledger) Tenants(ctx context.Context) ([]string, error) {
	return l.store.Tenants(ctx)
}

// Close closes subscriptions and the store.
func (l *Ledger) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.subsMu.Lock()
	for tenant, set := range l.subs {
		for sub := range set {
			sub.closeOnce.Do(func() { close(sub.ch) })
		}
		delete(l.subs, tenant)
	}
	l.subsMu.Unlock()
	return l.store.Close()
}
