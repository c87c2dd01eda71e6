// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gate implements the release gate: the policy state machine that
// decides whether candidate claims about evidence may be shown.
//
// The decision itself (Assess, ApplyAdmissibility, Release) is a pure
// function of the claims, the anchor universe and the policy snapshot. The
// Gate type adds the one external call, the admissibility cross-check,
// guarded by a per-tenant circuit breaker and a deadline.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianTrust/pkg/logging"
	"github.com/AleutianAI/AleutianTrust/services/trust/attest"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab"
)

// ErrNoChecker is the cause recorded when no admissibility checker is
// configured. The gate fails closed.
var ErrNoChecker = errors.New("gate: no admissibility checker configured")

// Options configures a Gate.
type Options struct {
	Logger *logging.Logger

	// AdmissibilityTimeout bounds each cross-check call. Default: 10s
	AdmissibilityTimeout time.Duration

	// Now is used only to measure durations. Default: time.Now
	Now func() time.Time
}

// Gate evaluates requests against the current policy.
//
// # Thread Safety
//
// Safe for concurrent use. SetPolicy swaps the policy atomically;
// evaluations already running keep the snapshot they started with.
type Gate struct {
	signer  *attest.Signer
	checker collab.AdmissibilityChecker
	states  *TenantStates
	policy  atomic.Pointer[compiledPolicy]
	opts    Options
}

// New creates a Gate.
//
// # Inputs
//
//   - signer: Required. A gate without a key must not issue releases.
//   - checker: Admissibility cross-check. Nil fails every release closed.
//   - states: Per-tenant runtime state. Nil creates a private registry.
//   - policy: Initial policy.
//
// # Outputs
//
//   - *Gate: Ready to evaluate.
//   - error: *attest.SigningError without a signer, or a policy error.
func New(signer *attest.Signer, checker collab.AdmissibilityChecker, states *TenantStates, policy Policy, opts Options) (*Gate, error) {
	if signer == nil {
		return nil, &attest.SigningError{Op: "create gate", Err: attest.ErrNoKey}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.AdmissibilityTimeout <= 0 {
		opts.AdmissibilityTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if states == nil {
		states = NewTenantStates(DefaultBreakerConfig(), nil)
	}
	g := &Gate{signer: signer, checker: checker, states: states, opts: opts}
	if err := g.SetPolicy(policy); err != nil {
		return nil, err
	}
	return g, nil
}

// SetPolicy validates and installs a new policy.
func (g *Gate) SetPolicy(p Policy) error {
	c, err := compilePolicy(p)
	if err != nil {
		return err
	}
	g.policy.Store(c)
	g.opts.Logger.Info("gate.policy.installed",
		"min_corroboration", p.MinCorroboration, "sensitive_terms", len(c.classifier.Terms()))
	return nil
}

// Policy returns the installed policy.
func (g *Gate) Policy() Policy {
	return g.policy.Load().policy
}

// States returns the tenant state registry.
func (g *Gate) States() *TenantStates {
	return g.states
}

// Snapshot returns the policy snapshot a request for tenantID would use.
func (g *Gate) Snapshot(tenantID string) (PolicySnapshot, error) {
	return g.policy.Load().snapshot(g.states.Get(tenantID).SensitiveTerms())
}

// Evaluate decides one request.
//
// # Description
//
// Runs Assess, then the admissibility cross-check, then Release. The
// returned Decision is never nil. Policy rejections are *Withheld;
// timeouts, cancellation and signing failures are *Failed.
//
// # Inputs
//
//   - ctx: Cancellation aborts the cross-check and yields *Failed.
//   - req: Claims and anchor universe.
//
// # Outputs
//
//   - Decision: *Released, *Withheld or *Failed.
//
// # Thread Safety
//
// Safe for concurrent use.
func (g *Gate) Evaluate(ctx context.Context, req Request) Decision {
	ctx, span := tracer.Start(ctx, "Gate.Evaluate", trace.WithAttributes(
		attribute.String("gate.tenant_id", req.TenantID),
	))
	defer span.End()
	start := g.opts.Now()

	dec := g.evaluate(ctx, req)
	elapsed := g.opts.Now().Sub(start)

	code := ""
	switch d := dec.(type) {
	case *Released:
		g.opts.Logger.Info("gate.decision",
			"tenant_id", req.TenantID, "request_id", d.RequestID, "outcome", string(OutcomeReleased),
			"claims", len(d.Claims), "anchors", len(d.AnchorsUsed), "bundle_hash", d.Bundle.Hash,
			"duration_ms", elapsed.Milliseconds())
	case *Withheld:
		code = string(d.ErrorCode)
		g.opts.Logger.Info("gate.decision",
			"tenant_id", req.TenantID, "request_id", d.RequestID, "outcome", string(OutcomeWithheld),
			"code", code, "final_state", string(d.FinalState), "total_claims", d.TotalClaims,
			"rejected", d.RejectedCount, "duration_ms", elapsed.Milliseconds())
	case *Failed:
		code = d.ErrorCode()
		span.RecordError(d.Err)
		span.SetStatus(codes.Error, "evaluation failed")
		g.opts.Logger.Warn("gate.decision",
			"tenant_id", req.TenantID, "request_id", d.RequestID, "outcome", string(OutcomeFailed),
			"code", code, "stage", d.Stage, "retryable", d.Retryable(), "error", d.Err.Error(),
			"duration_ms", elapsed.Milliseconds())
	}
	span.SetAttributes(
		attribute.String("gate.request_id", dec.Request()),
		attribute.String("gate.outcome", string(dec.Outcome())),
		attribute.String("gate.code", code),
	)
	recordDecision(ctx, dec.Outcome(), code, elapsed)
	return dec
}

func (g *Gate) evaluate(ctx context.Context, req Request) Decision {
	snap, err := g.Snapshot(req.TenantID)
	if err != nil {
		id := req.RequestID
		if id == "" {
			id = "req-unassessed"
		}
		return &Failed{TenantID: req.TenantID, RequestID: id, Stage: "policy", Err: err}
	}

	e := Assess(req, snap)
	if d := e.Decision(); d != nil {
		return d
	}
	if err := ctx.Err(); err != nil {
		e.Fail(string(e.State), err)
		return e.Decision()
	}

	g.checkAdmissibility(ctx, e)
	if d := e.Decision(); d != nil {
		return d
	}
	return e.Release(g.signer)
}

// checkAdmissibility runs rule 6. Every path leaves e terminal or in
// ADMISSIBILITY_CHECKED.
func (g *Gate) checkAdmissibility(ctx context.Context, e *Evaluation) {
	if g.checker == nil {
		recordAdmissibility(ctx, "unconfigured")
		e.FailAdmissibility(ErrNoChecker)
		return
	}
	breaker := g.states.Get(e.TenantID).Breaker
	if !breaker.Allow() {
		recordAdmissibility(ctx, "circuit_open")
		e.FailAdmissibility(ErrCircuitOpen)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, g.opts.AdmissibilityTimeout)
	defer cancel()
	verdict, err := g.checker.Check(callCtx, e.TenantID, e.AdmissibilityItems())

	switch {
	case ctx.Err() != nil:
		// The caller went away; the checker is not at fault.
		recordAdmissibility(ctx, "cancelled")
		e.Fail("admissibility", ctx.Err())
	case err == nil:
		breaker.RecordSuccess()
		if verdict.Admissible {
			recordAdmissibility(ctx, "admissible")
		} else {
			recordAdmissibility(ctx, "blocked")
		}
		e.ApplyAdmissibility(verdict)
	case errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil:
		breaker.RecordFailure()
		recordAdmissibility(ctx, "timeout")
		e.Fail("admissibility", &TimeoutError{Stage: "admissibility", Timeout: g.opts.AdmissibilityTimeout})
	default:
		breaker.RecordFailure()
		recordAdmissibility(ctx, "error")
		e.FailAdmissibility(fmt.Errorf("checker: %w", err))
	}
}
