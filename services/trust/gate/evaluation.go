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
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianTrust/services/policy_engine"
	"github.com/AleutianAI/AleutianTrust/services/trust/anchors"
	"github.com/AleutianAI/AleutianTrust/services/trust/attest"
	"github.com/AleutianAI/AleutianTrust/services/trust/bundle"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab"
)

// ClaimResult is the per-claim state of an evaluation.
type ClaimResult struct {
	Index    int
	Claim    Claim
	Resolved []anchors.Anchor
	Missing  []string
	Algebra  anchors.Result
	Risk     policy_engine.RiskAssessment
}

// Evaluation carries one request through the gate's states.
//
// # Description
//
// Assess runs every rule that needs no external call. An evaluation that
// survives them waits in TRIANGULATION_CHECKED for ApplyAdmissibility or
// FailAdmissibility, after which Release produces the signed decision.
// Nothing here performs I/O or reads a clock.
//
// # Thread Safety
//
// Not safe for concurrent use. Each request owns its Evaluation.
type Evaluation struct {
	TenantID  string
	RequestID string
	Policy    PolicySnapshot
	State     State
	Trace     []State
	Claims    []ClaimResult

	// Admissibility is set once the cross-check admitted the claims.
	Admissibility *collab.AdmissibilityVerdict

	universe   anchors.Universe
	anchored   int
	unanchored int
	decision   Decision
}

// Assess runs rules 1 through 5 over req under policy p.
//
// # Description
//
// Rules run in strict order and the first failing rule ends the
// evaluation:
//
//  1. No anchors in the universe: NO_ANCHOR_NO_OUTPUT.
//  2. Malformed claims or anchors: INVALID_SCHEMA.
//  3. Any cited anchor from a revoked exhibit: INTEGRITY_REVOKED.
//  4. High-risk claim under-corroborated or contradicted:
//     TRIANGULATION_REQUIRED or CONTRADICTION_DETECTED.
//  5. Any claim with no resolved anchor: UNANCHORED_CLAIM_PRESENT.
//
// # Outputs
//
//   - *Evaluation: Terminal (Decision non-nil) or awaiting admissibility.
func Assess(req Request, p PolicySnapshot) *Evaluation {
	e := &Evaluation{
		TenantID: req.TenantID,
		Policy:   p,
		State:    StateReceived,
		Trace:    []State{StateReceived},
		universe: anchors.NewUniverse(req.Anchors),
	}

	claims := req.Claims
	var parseErr error
	if claims == nil && req.RawClaims != nil {
		claims, parseErr = ParseClaims(req.RawClaims)
	}
	e.Claims = make([]ClaimResult, len(claims))
	for i, c := range claims {
		resolved, missing := e.universe.Resolve(c.AnchorIDs)
		e.Claims[i] = ClaimResult{Index: i, Claim: c, Resolved: resolved, Missing: missing}
		if len(resolved) > 0 {
			e.anchored++
		} else {
			e.unanchored++
		}
	}

	e.RequestID = req.RequestID
	if e.RequestID == "" {
		id, err := DeriveRequestID(claims, req.Anchors, p.Version)
		if err != nil {
			e.RequestID = "req-unhashable"
			e.fail(string(StateReceived), err)
			return e
		}
		e.RequestID = id
	}

	// Rule 1
	if e.universe.Len() == 0 {
		r := requestReason(CodeNoAnchor, "no candidate anchors for the request")
		e.withhold(CodeNoAnchor, []Reason{r}, &GroundingError{ReasonCode: CodeNoAnchor, Reasons: []Reason{r}})
		return e
	}

	// Rule 2
	if parseErr != nil {
		var se *SchemaError
		if !errors.As(parseErr, &se) {
			se = &SchemaError{Err: parseErr}
		}
		r := requestReason(CodeInvalidSchema, "%v", se.Err)
		se.Reasons = []Reason{r}
		e.withhold(CodeInvalidSchema, se.Reasons, se)
		return e
	}
	if reasons := validateSchema(claims, req.Anchors, p); len(reasons) > 0 {
		e.withhold(CodeInvalidSchema, reasons, &SchemaError{Reasons: reasons})
		return e
	}
	e.advance(StateAnchorsResolved)

	// Rule 3
	if reasons := e.revoked(); len(reasons) > 0 {
		e.withhold(CodeIntegrityRevoked, reasons, &GroundingError{ReasonCode: CodeIntegrityRevoked, Reasons: reasons})
		return e
	}

	for i := range e.Claims {
		c := &e.Claims[i]
		c.Algebra = anchors.Evaluate(c.Claim.Text, c.Claim.AnchorIDs, e.universe)
		c.Risk = p.Classifier.ClassifyClaim(c.Claim.Text)
	}
	e.advance(StateAlgebraEvaluated)

	// Rule 4
	if code, reasons := e.triangulation(); len(reasons) > 0 {
		e.withhold(code, reasons, &GroundingError{ReasonCode: code, Reasons: reasons})
		return e
	}
	e.advance(StateTriangulationChecked)

	// Rule 5
	if reasons := e.unanchoredClaims(); len(reasons) > 0 {
		e.withhold(CodeUnanchoredClaim, reasons, &GroundingError{ReasonCode: CodeUnanchoredClaim, Reasons: reasons})
		return e
	}
	return e
}

func (e *Evaluation) revoked() []Reason {
	var reasons []Reason
	for _, c := range e.Claims {
		for _, a := range c.Resolved {
			if a.Revoked() {
				reasons = append(reasons, claimReason(CodeIntegrityRevoked, c.Index,
					"claim %d cites anchor %s from revoked exhibit %s", c.Index, a.ID, a.ExhibitID))
			}
		}
	}
	return reasons
}

// triangulation reports CONTRADICTION_DETECTED when any high-risk claim is
// contradicted, otherwise TRIANGULATION_REQUIRED for under-corroboration.
func (e *Evaluation) triangulation() (ReasonCode, []Reason) {
	var reasons []Reason
	code := CodeTriangulationRequired
	for _, c := range e.Claims {
		if !c.Risk.HighRisk {
			continue
		}
		switch {
		case c.Algebra.ContradictionDetected:
			code = CodeContradiction
			kinds := make([]string, len(c.Algebra.Contradictions))
			for i, k := range c.Algebra.Contradictions {
				kinds[i] = string(k.Kind)
			}
			reasons = append(reasons, claimReason(CodeContradiction, c.Index,
				"claim %d: cited exhibits disagree (%s)", c.Index, strings.Join(kinds, ", ")))
		case c.Algebra.CorroborationCount < e.Policy.MinCorroboration:
			reasons = append(reasons, claimReason(CodeTriangulationRequired, c.Index,
				"claim %d is high risk (%s) and cites %d of %d required exhibits",
				c.Index, riskSummary(c.Risk), c.Algebra.CorroborationCount, e.Policy.MinCorroboration))
		}
	}
	return code, reasons
}

// riskSummary names the classification and the matched text of each
// finding in it, e.g. "date: 2023-04-01".
func riskSummary(r policy_engine.RiskAssessment) string {
	var matched []string
	for _, f := range r.Findings {
		if f.ClassificationName == r.Classification && !slices.Contains(matched, f.MatchedContent) {
			matched = append(matched, f.MatchedContent)
		}
	}
	if len(matched) == 0 {
		return r.Classification
	}
	return r.Classification + ": " + strings.Join(matched, ", ")
}

func (e *Evaluation) unanchoredClaims() []Reason {
	var reasons []Reason
	for _, c := range e.Claims {
		if len(c.Resolved) == 0 {
			reasons = append(reasons, claimReason(CodeUnanchoredClaim, c.Index,
				"claim %d resolves to no valid anchor (%d cited)", c.Index, len(c.Claim.AnchorIDs)))
		}
	}
	return reasons
}

// Decision returns the terminal decision, or nil while admissibility is
// pending.
func (e *Evaluation) Decision() Decision {
	return e.decision
}

// Pending reports whether the evaluation awaits the admissibility check.
func (e *Evaluation) Pending() bool {
	return e.decision == nil && e.State == StateTriangulationChecked
}

// AdmissibilityItems returns the (claim, anchors) pairs for cross-check.
func (e *Evaluation) AdmissibilityItems() []collab.AdmissibilityItem {
	items := make([]collab.AdmissibilityItem, len(e.Claims))
	for i, c := range e.Claims {
		ids := make([]string, len(c.Resolved))
		texts := make([]string, len(c.Resolved))
		for j, a := range c.Resolved {
			ids[j] = a.ID
			texts[j] = a.Text
		}
		items[i] = collab.AdmissibilityItem{ClaimIndex: c.Index, Text: c.Claim.Text, AnchorIDs: ids, AnchorTexts: texts}
	}
	return items
}

// ApplyAdmissibility records the cross-check verdict. An inadmissible
// verdict withholds with AUDIT_BLOCKED. No-op unless Pending.
func (e *Evaluation) ApplyAdmissibility(v collab.AdmissibilityVerdict) {
	if !e.Pending() {
		return
	}
	if !v.Admissible {
		reasons := make([]Reason, 0, len(v.Reasons)+1)
		for _, msg := range v.Reasons {
			reasons = append(reasons, requestReason(CodeAuditBlocked, "%s", msg))
		}
		if len(reasons) == 0 {
			reasons = append(reasons, requestReason(CodeAuditBlocked, "cross-check %q marked the claims inadmissible", v.Checker))
		}
		e.withhold(CodeAuditBlocked, reasons, &AdmissibilityError{ReasonCode: CodeAuditBlocked, Checker: v.Checker})
		return
	}
	verdict := v
	e.Admissibility = &verdict
	e.advance(StateAdmissibilityChecked)
}

// FailAdmissibility withholds with AI_AUDIT_FAILED because the cross-check
// errored or was unavailable. No-op unless Pending.
func (e *Evaluation) FailAdmissibility(err error) {
	if !e.Pending() {
		return
	}
	r := requestReason(CodeAuditFailed, "admissibility cross-check unavailable: %v", err)
	e.withhold(CodeAuditFailed, []Reason{r}, &AdmissibilityError{ReasonCode: CodeAuditFailed, Err: err})
}

// Fail ends a non-terminal evaluation with an infrastructure failure.
func (e *Evaluation) Fail(stage string, err error) {
	if e.decision != nil {
		return
	}
	e.fail(stage, err)
}

// Release builds, certifies and signs the evidence bundle. It must follow
// a successful ApplyAdmissibility; otherwise it returns the existing
// decision or a Failed.
//
// # Outputs
//
//   - Decision: *Released, or *Failed when bundling or signing fails.
func (e *Evaluation) Release(signer *attest.Signer) Decision {
	if e.decision != nil {
		return e.decision
	}
	if e.State != StateAdmissibilityChecked {
		e.fail(string(e.State), fmt.Errorf("release requested in state %s", e.State))
		return e.decision
	}
	if signer == nil {
		e.fail("sign", &attest.SigningError{Op: "sign bundle", Err: attest.ErrNoKey})
		return e.decision
	}

	released := make([]ReleasedClaim, len(e.Claims))
	certified := make([]bundle.CertifiedClaim, len(e.Claims))
	var used []anchors.Anchor
	for i, c := range e.Claims {
		ids := make([]string, len(c.Resolved))
		for j, a := range c.Resolved {
			ids[j] = a.ID
		}
		released[i] = ReleasedClaim{Index: c.Index, Text: c.Claim.Text, AnchorIDs: ids, Algebra: c.Algebra, HighRisk: c.Risk.HighRisk}
		certified[i] = bundle.NewCertifiedClaim(c.Index, c.Claim.Text, ids, c.Algebra, c.Risk.HighRisk)
		used = append(used, c.Resolved...)
	}
	used = uniqueAnchors(used)

	cert := bundle.Certificate{
		TenantID:      e.TenantID,
		RequestID:     e.RequestID,
		PolicyVersion: e.Policy.Version,
		Claims:        certified,
		ClaimCount:    len(certified),
		AnchorCount:   len(used),
	}
	if e.Admissibility != nil {
		cert.Admissibility = e.Admissibility.Checker
	}

	b, err := bundle.Build(e.TenantID, e.RequestID, used, &cert)
	if err != nil {
		e.fail("bundle", err)
		return e.decision
	}
	env, err := signer.SignHash(b.Hash)
	if err != nil {
		e.fail("sign", err)
		return e.decision
	}

	e.advance(StateReleased)
	e.decision = &Released{
		TenantID:      e.TenantID,
		RequestID:     e.RequestID,
		PolicyVersion: e.Policy.Version,
		Claims:        released,
		AnchorsUsed:   used,
		Bundle:        b,
		Certificate:   cert,
		Envelope:      env,
		Trace:         e.trace(),
	}
	return e.decision
}

func uniqueAnchors(list []anchors.Anchor) []anchors.Anchor {
	seen := make(map[string]struct{}, len(list))
	out := make([]anchors.Anchor, 0, len(list))
	for _, a := range list {
		if _, dup := seen[a.ID]; dup {
			continue
		}
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Evaluation) advance(to State) {
	if !CanTransition(e.State, to) {
		// Unreachable from the rules above; recorded rather than panicking.
		e.fail(string(e.State), fmt.Errorf("illegal transition %s -> %s", e.State, to))
		return
	}
	e.State = to
	e.Trace = append(e.Trace, to)
}

func (e *Evaluation) trace() []State {
	return append([]State(nil), e.Trace...)
}

func (e *Evaluation) withhold(code ReasonCode, reasons []Reason, err error) {
	final := e.State
	e.State = StateWithheld
	e.Trace = append(e.Trace, StateWithheld)
	e.decision = &Withheld{
		TenantID:        e.TenantID,
		RequestID:       e.RequestID,
		PolicyVersion:   e.Policy.Version,
		ErrorCode:       code,
		Message:         code.Message(),
		Reasons:         reasons,
		TotalClaims:     len(e.Claims),
		AnchoredCount:   e.anchored,
		UnanchoredCount: e.unanchored,
		RejectedCount:   rejectedCount(reasons, len(e.Claims)),
		FinalState:      final,
		Err:             err,
		Trace:           e.trace(),
	}
}

func (e *Evaluation) fail(stage string, err error) {
	e.State = StateFailed
	e.Trace = append(e.Trace, StateFailed)
	e.decision = &Failed{
		TenantID:  e.TenantID,
		RequestID: e.RequestID,
		Stage:     stage,
		Err:       err,
		Trace:     e.trace(),
	}
}

func rejectedCount(reasons []Reason, total int) int {
	claims := make(map[int]struct{})
	for _, r := range reasons {
		if r.ClaimIndex == nil {
			return total
		}
		claims[*r.ClaimIndex] = struct{}{}
	}
	return len(claims)
}
