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
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianTrust/pkg/canonical"
	"github.com/AleutianAI/AleutianTrust/services/trust/anchors"
	"github.com/AleutianAI/AleutianTrust/services/trust/attest"
	"github.com/AleutianAI/AleutianTrust/services/trust/bundle"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab"
	"github.com/AleutianAI/AleutianTrust/services/trust/ledger"
)

const (
	plainClaim = "The witness attended the meeting."
	riskyClaim = "Payment of $5,000 on 2023-04-01"
)

func anchor(id, exhibit, text string) anchors.Anchor {
	return anchors.Anchor{
		ID:                   id,
		ExhibitID:            exhibit,
		PageNumber:           1,
		LineNumber:           3,
		BBox:                 [4]float64{0, 0, 100, 20},
		Text:                 text,
		ExhibitIntegrityHash: canonical.HashString("exhibit:" + exhibit),
		ExhibitStatus:        anchors.StatusActive,
	}
}

func revoked(a anchors.Anchor) anchors.Anchor {
	a.ExhibitStatus = anchors.StatusRevoked
	return a
}

func newSigner(t *testing.T) *attest.Signer {
	t.Helper()
	s, err := attest.NewSigner(bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)
	return s
}

func newGate(t *testing.T, checker collab.AdmissibilityChecker) *Gate {
	t.Helper()
	g, err := New(newSigner(t), checker, nil, DefaultPolicy(), Options{})
	require.NoError(t, err)
	return g
}

func claim(text string, ids ...string) Claim {
	return Claim{Text: text, AnchorIDs: ids}
}

func requireWithheld(t *testing.T, d Decision, code ReasonCode) *Withheld {
	t.Helper()
	w, ok := d.(*Withheld)
	require.True(t, ok, "expected *Withheld, got %T", d)
	assert.Equal(t, code, w.ErrorCode)
	assert.NotEmpty(t, w.Reasons)
	require.NoError(t, ledger.ValidatePayload(w.LedgerPayload(time.Millisecond)))
	return w
}

func requireReleased(t *testing.T, d Decision) *Released {
	t.Helper()
	r, ok := d.(*Released)
	if !ok {
		if w, isW := d.(*Withheld); isW {
			t.Fatalf("expected *Released, got withheld %s: %+v", w.ErrorCode, w.Reasons)
		}
		t.Fatalf("expected *Released, got %T", d)
	}
	require.NoError(t, ledger.ValidatePayload(r.LedgerPayload(time.Millisecond)))
	return r
}

// =============================================================================
// Release
// =============================================================================

func TestEvaluate_Released(t *testing.T) {
	g := newGate(t, collab.AllowAll)
	req := Request{
		TenantID: "acme",
		Claims:   []Claim{claim(plainClaim, "a1")},
		Anchors:  []anchors.Anchor{anchor("a1", "ex1", "The witness attended."), anchor("a2", "ex2", "Unrelated.")},
	}

	r := requireReleased(t, g.Evaluate(context.Background(), req))

	assert.Equal(t, OutcomeReleased, r.Outcome())
	assert.Equal(t, []State{
		StateReceived, StateAnchorsResolved, StateAlgebraEvaluated,
		StateTriangulationChecked, StateAdmissibilityChecked, StateReleased,
	}, r.Trace)
	require.Len(t, r.Claims, 1)
	assert.Equal(t, []string{"a1"}, r.Claims[0].AnchorIDs)
	assert.False(t, r.Claims[0].HighRisk)

	assert.Equal(t, []string{"a1"}, r.Bundle.Payload.AnchorIDs, "only cited anchors are bound")
	assert.NoError(t, bundle.Verify(r.Bundle))
	certHash, err := r.Certificate.Hash()
	require.NoError(t, err)
	assert.Equal(t, certHash, *r.Bundle.Payload.ReleaseCertHash)
	assert.Equal(t, "allow-all", r.Certificate.Admissibility)

	assert.Equal(t, r.Bundle.Hash, r.Envelope.PayloadHash)
	assert.True(t, g.signer.VerifyEnvelope(r.Envelope))
	assert.Contains(t, r.RequestID, "req-")
}

func TestEvaluate_Idempotent(t *testing.T) {
	req := Request{
		TenantID: "acme",
		Claims:   []Claim{claim(riskyClaim, "a1", "a2"), claim(plainClaim, "a3")},
		Anchors: []anchors.Anchor{
			anchor("a1", "ex1", "Wire of $5,000 sent 2023-04-01."),
			anchor("a2", "ex2", "Ledger: $5,000 received 2023-04-01."),
			anchor("a3", "ex1", "Attendance list."),
		},
	}
	first := requireReleased(t, newGate(t, collab.AllowAll).Evaluate(context.Background(), req))

	shuffled := req
	shuffled.Anchors = []anchors.Anchor{req.Anchors[2], req.Anchors[0], req.Anchors[1]}
	for i := 0; i < 3; i++ {
		again := requireReleased(t, newGate(t, collab.AllowAll).Evaluate(context.Background(), shuffled))
		assert.Equal(t, first.RequestID, again.RequestID)
		assert.Equal(t, first.Bundle.Hash, again.Bundle.Hash)
		assert.Equal(t, first.Envelope, again.Envelope)
		assert.Equal(t, first.Certificate, again.Certificate)
	}
}

func TestEvaluate_ExplicitRequestID(t *testing.T) {
	g := newGate(t, collab.AllowAll)
	r := requireReleased(t, g.Evaluate(context.Background(), Request{
		TenantID:  "acme",
		RequestID: "client-42",
		Claims:    []Claim{claim(plainClaim, "a1")},
		Anchors:   []anchors.Anchor{anchor("a1", "ex1", "x")},
	}))
	assert.Equal(t, "client-42", r.RequestID)
	assert.Equal(t, "client-42", r.Bundle.Payload.RequestID)
}

// =============================================================================
// Rules
// =============================================================================

func TestRule1_NoAnchors(t *testing.T) {
	g := newGate(t, collab.AllowAll)
	// Also malformed: rule 1 runs first.
	w := requireWithheld(t, g.Evaluate(context.Background(), Request{
		TenantID: "acme",
		Claims:   []Claim{claim("")},
	}), CodeNoAnchor)

	assert.Equal(t, StateReceived, w.FinalState)
	var ge *GroundingError
	require.ErrorAs(t, w.Err, &ge)
	assert.False(t, ge.Retryable())
	assert.Equal(t, 1, w.TotalClaims)
	assert.Equal(t, 1, w.RejectedCount)
}

func TestRule2_InvalidSchema(t *testing.T) {
	good := anchor("a1", "ex1", "x")
	badAnchor := anchor("a2", "ex1", "y")
	badAnchor.ExhibitIntegrityHash = "not-a-hash"

	many := make([]Claim, 65)
	for i := range many {
		many[i] = claim(plainClaim, "a1")
	}

	tests := []struct {
		name string
		req  Request
	}{
		{"no claims", Request{Claims: []Claim{}}},
		{"blank text", Request{Claims: []Claim{claim("   ", "a1")}}},
		{"empty text", Request{Claims: []Claim{claim("", "a1")}}},
		{"empty anchor id", Request{Claims: []Claim{claim(plainClaim, "")}}},
		{"too many claims", Request{Claims: many}},
		{"claim too long", Request{Claims: []Claim{claim(string(bytes.Repeat([]byte("a"), 4001)), "a1")}}},
		{"invalid anchor", Request{Claims: []Claim{claim(plainClaim, "a1")}, Anchors: []anchors.Anchor{badAnchor}}},
		{"raw not json", Request{RawClaims: []byte("Sure! Here are the claims")}},
		{"raw unknown field", Request{RawClaims: []byte(`{"claims":[{"text":"x","anchorIds":["a1"],"confidence":0.9}]}`)}},
	}
	g := newGate(t, collab.AllowAll)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.TenantID = "acme"
			req.Anchors = append([]anchors.Anchor{good}, req.Anchors...)

			w := requireWithheld(t, g.Evaluate(context.Background(), req), CodeInvalidSchema)
			assert.Equal(t, StateReceived, w.FinalState)
			var se *SchemaError
			require.ErrorAs(t, w.Err, &se)
			assert.True(t, se.Retryable())
		})
	}
}

func TestRule2_RawClaimsParsed(t *testing.T) {
	g := newGate(t, collab.AllowAll)
	r := requireReleased(t, g.Evaluate(context.Background(), Request{
		TenantID:  "acme",
		RawClaims: []byte(`{"claims":[{"text":"The witness attended the meeting.","anchorIds":["a1"]}]}`),
		Anchors:   []anchors.Anchor{anchor("a1", "ex1", "x")},
	}))
	assert.Equal(t, plainClaim, r.Claims[0].Text)
}

func TestRule3_RevocationIsFatal(t *testing.T) {
	g := newGate(t, collab.AllowAll)
	w := requireWithheld(t, g.Evaluate(context.Background(), Request{
		TenantID: "acme",
		Claims: []Claim{
			claim(riskyClaim, "a1", "a2"),
			claim(plainClaim, "a3", "a4"),
		},
		Anchors: []anchors.Anchor{
			anchor("a1", "ex1", "$5,000 on 2023-04-01"),
			anchor("a2", "ex2", "$5,000 on 2023-04-01"),
			anchor("a3", "ex3", "attended"),
			revoked(anchor("a4", "ex4", "attended")),
		},
	}), CodeIntegrityRevoked)

	assert.Equal(t, StateAnchorsResolved, w.FinalState)
	assert.Equal(t, 1, w.RejectedCount)
	require.Len(t, w.Reasons, 1)
	assert.Equal(t, 1, *w.Reasons[0].ClaimIndex)
	assert.Contains(t, w.Reasons[0].Message, "ex4")
}

func TestRule3_BeatsTriangulation(t *testing.T) {
	g := newGate(t, collab.AllowAll)
	requireWithheld(t, g.Evaluate(context.Background(), Request{
		TenantID: "acme",
		Claims:   []Claim{claim(riskyClaim, "a1")},
		Anchors:  []anchors.Anchor{revoked(anchor("a1", "ex1", "$5,000"))},
	}), CodeIntegrityRevoked)
}

func TestRule4_Triangulation(t *testing.T) {
	ex1 := anchor("a1", "ex1", "Wire of $5,000 sent 2023-04-01.")
	ex2 := anchor("a2", "ex2", "Ledger shows $5,000 received 2023-04-01.")
	ex1b := anchor("a3", "ex1", "Same wire, page two: $5,000.")
	conflicting := anchor("a4", "ex2", "Ledger shows $6,000 received 2023-04-01.")

	tests := []struct {
		name    string
		ids     []string
		wantErr ReasonCode
	}{
		{"single exhibit", []string{"a1"}, CodeTriangulationRequired},
		{"two anchors, one exhibit", []string{"a1", "a3"}, CodeTriangulationRequired},
		{"two exhibits agree", []string{"a1", "a2"}, ""},
		{"two exhibits disagree", []string{"a1", "a4"}, CodeContradiction},
	}
	g := newGate(t, collab.AllowAll)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.Evaluate(context.Background(), Request{
				TenantID: "acme",
				Claims:   []Claim{claim(riskyClaim, tt.ids...)},
				Anchors:  []anchors.Anchor{ex1, ex2, ex1b, conflicting},
			})
			if tt.wantErr == "" {
				r := requireReleased(t, d)
				assert.True(t, r.Claims[0].HighRisk)
				assert.Equal(t, anchors.Corroborated, r.Claims[0].Algebra.DependencyClass)
				return
			}
			w := requireWithheld(t, d, tt.wantErr)
			assert.Equal(t, StateAlgebraEvaluated, w.FinalState)
			if tt.wantErr == CodeTriangulationRequired {
				require.Len(t, w.Reasons, 1)
				assert.Contains(t, w.Reasons[0].Message, "high risk (date: 2023-04-01)")
			}
		})
	}
}

func TestRule4_LowRiskSingleSourcePasses(t *testing.T) {
	g := newGate(t, collab.AllowAll)
	r := requireReleased(t, g.Evaluate(context.Background(), Request{
		TenantID: "acme",
		Claims:   []Claim{claim(plainClaim, "a1")},
		Anchors:  []anchors.Anchor{anchor("a1", "ex1", "attended")},
	}))
	assert.Equal(t, anchors.SingleSource, r.Claims[0].Algebra.DependencyClass)
}

func TestRule5_AllOrNothing(t *testing.T) {
	g := newGate(t, collab.AllowAll)
	tests := []struct {
		name  string
		ids   []string
		cited int
	}{
		{"no anchor ids", nil, 0},
		{"only unknown ids", []string{"ghost"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := requireWithheld(t, g.Evaluate(context.Background(), Request{
				TenantID: "acme",
				Claims: []Claim{
					claim(plainClaim, "a1"),
					claim("The contract was read aloud.", tt.ids...),
				},
				Anchors: []anchors.Anchor{anchor("a1", "ex1", "attended")},
			}), CodeUnanchoredClaim)

			assert.Equal(t, StateTriangulationChecked, w.FinalState)
			assert.Equal(t, 2, w.TotalClaims)
			assert.Equal(t, 1, w.AnchoredCount)
			assert.Equal(t, 1, w.UnanchoredCount)
			assert.Equal(t, 1, w.RejectedCount)
			require.Len(t, w.Reasons, 1)
			assert.Equal(t, 1, *w.Reasons[0].ClaimIndex)
		})
	}
}

// =============================================================================
// Admissibility
// =============================================================================

func grounded() Request {
	return Request{
		TenantID: "acme",
		Claims:   []Claim{claim(plainClaim, "a1")},
		Anchors:  []anchors.Anchor{anchor("a1", "ex1", "attended")},
	}
}

func TestRule6_Blocked(t *testing.T) {
	var seen []collab.AdmissibilityItem
	checker := collab.CheckerFunc(func(_ context.Context, _ string, items []collab.AdmissibilityItem) (collab.AdmissibilityVerdict, error) {
		seen = items
		return collab.AdmissibilityVerdict{Admissible: false, Reasons: []string{"claim 0 overstates the anchor"}, Checker: "second-opinion"}, nil
	})
	g := newGate(t, checker)

	w := requireWithheld(t, g.Evaluate(context.Background(), grounded()), CodeAuditBlocked)
	assert.Equal(t, StateTriangulationChecked, w.FinalState)
	var ae *AdmissibilityError
	require.ErrorAs(t, w.Err, &ae)
	assert.Equal(t, "second-opinion", ae.Checker)
	assert.False(t, ae.Retryable())

	require.Len(t, seen, 1)
	assert.Equal(t, []string{"a1"}, seen[0].AnchorIDs)
	assert.Equal(t, []string{"attended"}, seen[0].AnchorTexts)
	assert.Equal(t, CircuitClosed, g.States().Get("acme").Breaker.State())
}

func TestRule6_CheckerError(t *testing.T) {
	boom := errors.New("connection refused")
	g := newGate(t, collab.CheckerFunc(func(context.Context, string, []collab.AdmissibilityItem) (collab.AdmissibilityVerdict, error) {
		return collab.AdmissibilityVerdict{}, boom
	}))

	w := requireWithheld(t, g.Evaluate(context.Background(), grounded()), CodeAuditFailed)
	var ae *AdmissibilityError
	require.ErrorAs(t, w.Err, &ae)
	assert.True(t, ae.Retryable())
	assert.ErrorIs(t, w.Err, boom)
}

func TestRule6_NoChecker(t *testing.T) {
	g := newGate(t, nil)
	w := requireWithheld(t, g.Evaluate(context.Background(), grounded()), CodeAuditFailed)
	assert.ErrorIs(t, w.Err, ErrNoChecker)
}

func TestRule6_TimeoutIsFailure(t *testing.T) {
	slow := collab.CheckerFunc(func(ctx context.Context, _ string, _ []collab.AdmissibilityItem) (collab.AdmissibilityVerdict, error) {
		<-ctx.Done()
		return collab.AdmissibilityVerdict{}, ctx.Err()
	})
	g, err := New(newSigner(t), slow, nil, DefaultPolicy(), Options{AdmissibilityTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	d := g.Evaluate(context.Background(), grounded())
	f, ok := d.(*Failed)
	require.True(t, ok, "timeout must not be a policy withholding, got %T", d)
	var te *TimeoutError
	require.ErrorAs(t, f.Err, &te)
	assert.Equal(t, "admissibility", te.Stage)
	assert.Equal(t, "TIMEOUT", f.ErrorCode())
	assert.True(t, f.Retryable())
	assert.ErrorIs(t, f.Err, context.DeadlineExceeded)
	require.NoError(t, ledger.ValidatePayload(f.LedgerPayload(time.Second)))
}

func TestRule6_CircuitOpensAndFailsClosed(t *testing.T) {
	var calls atomic.Int32
	checker := collab.CheckerFunc(func(context.Context, string, []collab.AdmissibilityItem) (collab.AdmissibilityVerdict, error) {
		calls.Add(1)
		return collab.AdmissibilityVerdict{}, errors.New("unavailable")
	})
	states := NewTenantStates(BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}, nil)
	g, err := New(newSigner(t), checker, states, DefaultPolicy(), Options{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		requireWithheld(t, g.Evaluate(context.Background(), grounded()), CodeAuditFailed)
	}
	assert.Equal(t, CircuitOpen, states.Get("acme").Breaker.State())

	w := requireWithheld(t, g.Evaluate(context.Background(), grounded()), CodeAuditFailed)
	assert.ErrorIs(t, w.Err, ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load(), "open circuit must not call the checker")

	other := grounded()
	other.TenantID = "globex"
	requireWithheld(t, g.Evaluate(context.Background(), other), CodeAuditFailed)
	assert.Equal(t, int32(3), calls.Load(), "breakers are per tenant")
}

func TestEvaluate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := newGate(t, collab.AllowAll)

	f, ok := g.Evaluate(ctx, grounded()).(*Failed)
	require.True(t, ok)
	assert.ErrorIs(t, f.Err, context.Canceled)
	assert.Equal(t, "CANCELLED", f.ErrorCode())
	assert.Equal(t, CircuitClosed, g.States().Get("acme").Breaker.State())
}

// =============================================================================
// Policy
// =============================================================================

func TestTenantSensitiveTerms(t *testing.T) {
	g := newGate(t, collab.AllowAll)
	g.States().SetSensitiveTerms("acme", []string{"Escrow"})

	req := Request{
		TenantID: "acme",
		Claims:   []Claim{claim("Funds were held in escrow.", "a1")},
		Anchors:  []anchors.Anchor{anchor("a1", "ex1", "escrow account")},
	}
	requireWithheld(t, g.Evaluate(context.Background(), req), CodeTriangulationRequired)

	req.TenantID = "globex"
	requireReleased(t, g.Evaluate(context.Background(), req))

	acme, err := g.Snapshot("acme")
	require.NoError(t, err)
	globex, err := g.Snapshot("globex")
	require.NoError(t, err)
	assert.NotEqual(t, acme.Version, globex.Version)
}

func TestSetPolicy(t *testing.T) {
	g := newGate(t, collab.AllowAll)
	before, err := g.Snapshot("acme")
	require.NoError(t, err)

	bad := DefaultPolicy()
	bad.MinCorroboration = 0
	assert.Error(t, g.SetPolicy(bad))
	assert.Equal(t, DefaultPolicy(), g.Policy())

	strict := DefaultPolicy()
	strict.MinCorroboration = 3
	require.NoError(t, g.SetPolicy(strict))
	after, err := g.Snapshot("acme")
	require.NoError(t, err)
	assert.NotEqual(t, before.Version, after.Version)

	d := g.Evaluate(context.Background(), Request{
		TenantID: "acme",
		Claims:   []Claim{claim(riskyClaim, "a1", "a2")},
		Anchors: []anchors.Anchor{
			anchor("a1", "ex1", "$5,000 on 2023-04-01"),
			anchor("a2", "ex2", "$5,000 on 2023-04-01"),
		},
	})
	requireWithheld(t, d, CodeTriangulationRequired)
}

func TestNew_RequiresSigner(t *testing.T) {
	_, err := New(nil, collab.AllowAll, nil, DefaultPolicy(), Options{})
	var se *attest.SigningError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "SIGNING_ERROR", ErrorCode(err))
}

// =============================================================================
// Evaluation
// =============================================================================

func TestEvaluation_ManualFlow(t *testing.T) {
	snap, err := NewPolicySnapshot(DefaultPolicy())
	require.NoError(t, err)
	e := Assess(grounded(), snap)
	require.True(t, e.Pending())
	assert.Nil(t, e.Decision())

	e.ApplyAdmissibility(collab.AdmissibilityVerdict{Admissible: true, Checker: "manual"})
	assert.Equal(t, StateAdmissibilityChecked, e.State)
	assert.False(t, e.Pending())

	// A second verdict cannot undo the first.
	e.ApplyAdmissibility(collab.AdmissibilityVerdict{Admissible: false})
	assert.Equal(t, StateAdmissibilityChecked, e.State)

	r := requireReleased(t, e.Release(newSigner(t)))
	assert.Equal(t, "manual", r.Certificate.Admissibility)
}

func TestEvaluation_ReleaseBeforeAdmissibilityFails(t *testing.T) {
	snap, err := NewPolicySnapshot(DefaultPolicy())
	require.NoError(t, err)
	e := Assess(grounded(), snap)

	d := e.Release(newSigner(t))
	_, ok := d.(*Failed)
	assert.True(t, ok)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateReceived, StateAnchorsResolved))
	assert.True(t, CanTransition(StateAdmissibilityChecked, StateReleased))
	assert.False(t, CanTransition(StateReceived, StateReleased))
	assert.False(t, CanTransition(StateAdmissibilityChecked, StateWithheld))
	assert.False(t, CanTransition(StateReleased, StateWithheld))
	assert.True(t, StateWithheld.Terminal())
	assert.False(t, StateTriangulationChecked.Terminal())
}
