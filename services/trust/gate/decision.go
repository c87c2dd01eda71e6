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
	"time"

	"github.com/AleutianAI/AleutianTrust/services/trust/anchors"
	"github.com/AleutianAI/AleutianTrust/services/trust/attest"
	"github.com/AleutianAI/AleutianTrust/services/trust/bundle"
	"github.com/AleutianAI/AleutianTrust/services/trust/ledger"
)

// Outcome names the variant of a Decision.
type Outcome string

const (
	OutcomeReleased Outcome = "RELEASED"
	OutcomeWithheld Outcome = "WITHHELD"
	OutcomeFailed   Outcome = "FAILED"
)

// Decision is the gate's result: exactly one of *Released, *Withheld or
// *Failed. Callers branch with a type switch:
//
//	switch d := dec.(type) {
//	case *gate.Released:
//	case *gate.Withheld:
//	case *gate.Failed:
//	}
//
// Decisions are never mutated after they are returned.
type Decision interface {
	Outcome() Outcome
	Request() string
	// LedgerPayload is the audit event recording the decision.
	LedgerPayload(d time.Duration) ledger.Payload
	decision()
}

// ReleasedClaim is a claim that passed every rule.
type ReleasedClaim struct {
	Index     int            `json:"index"`
	Text      string         `json:"text"`
	AnchorIDs []string       `json:"anchorIds"`
	Algebra   anchors.Result `json:"algebra"`
	HighRisk  bool           `json:"highRisk"`
}

// Released is a decision to show every claim.
type Released struct {
	TenantID      string
	RequestID     string
	PolicyVersion string
	Claims        []ReleasedClaim
	// AnchorsUsed are the distinct anchors cited by the claims, sorted by id.
	AnchorsUsed []anchors.Anchor
	Bundle      bundle.Bundle
	Certificate bundle.Certificate
	// Envelope is the signature over Bundle.Hash.
	Envelope attest.Envelope
	Trace    []State
}

func (*Released) Outcome() Outcome  { return OutcomeReleased }
func (r *Released) Request() string { return r.RequestID }
func (*Released) decision()         {}

func (r *Released) LedgerPayload(d time.Duration) ledger.Payload {
	certHash := ""
	if r.Bundle.Payload.ReleaseCertHash != nil {
		certHash = *r.Bundle.Payload.ReleaseCertHash
	}
	return ledger.DecisionReleased{
		RequestID:          r.RequestID,
		EvidenceBundleHash: r.Bundle.Hash,
		CertificateHash:    certHash,
		KeyFingerprint:     r.Envelope.KeyFingerprint,
		ClaimCount:         len(r.Claims),
		AnchorCount:        len(r.AnchorsUsed),
		PolicyVersion:      r.PolicyVersion,
		DurationMs:         d.Milliseconds(),
	}
}

// Withheld is a deliberate refusal to show any claim.
type Withheld struct {
	TenantID      string
	RequestID     string
	PolicyVersion string
	ErrorCode     ReasonCode
	Message       string
	Reasons       []Reason
	// TotalClaims counts every candidate claim; AnchoredCount those with at
	// least one resolved anchor.
	TotalClaims     int
	AnchoredCount   int
	UnanchoredCount int
	// RejectedCount counts the claims named by reasons, or every claim when
	// the reason applies to the whole request.
	RejectedCount int
	// FinalState is the last state reached before withholding.
	FinalState State
	// Err is the taxonomy error: *SchemaError, *GroundingError or
	// *AdmissibilityError.
	Err   error
	Trace []State
}

func (*Withheld) Outcome() Outcome  { return OutcomeWithheld }
func (w *Withheld) Request() string { return w.RequestID }
func (*Withheld) decision()         {}

func (w *Withheld) LedgerPayload(d time.Duration) ledger.Payload {
	return ledger.DecisionWithheld{
		RequestID:       w.RequestID,
		ErrorCode:       string(w.ErrorCode),
		Reasons:         toRecords(w.Reasons),
		TotalClaims:     w.TotalClaims,
		AnchoredCount:   w.AnchoredCount,
		UnanchoredCount: w.UnanchoredCount,
		FinalState:      string(w.FinalState),
		PolicyVersion:   w.PolicyVersion,
		DurationMs:      d.Milliseconds(),
	}
}

// Failed is an infrastructure failure: nothing was decided. Typically a
// *TimeoutError, caller cancellation or a signing failure.
type Failed struct {
	TenantID  string
	RequestID string
	// Stage is the state or external call that failed.
	Stage string
	Err   error
	Trace []State
}

func (*Failed) Outcome() Outcome  { return OutcomeFailed }
func (f *Failed) Request() string { return f.RequestID }
func (*Failed) decision()         {}

// ErrorCode returns the taxonomy code of the cause.
func (f *Failed) ErrorCode() string { return ErrorCode(f.Err) }

// Retryable reports whether the caller should retry.
func (f *Failed) Retryable() bool { return IsRetryable(f.Err) }

func (f *Failed) LedgerPayload(d time.Duration) ledger.Payload {
	return ledger.DecisionFailed{
		RequestID:  f.RequestID,
		ErrorCode:  f.ErrorCode(),
		Stage:      f.Stage,
		Retryable:  f.Retryable(),
		DurationMs: d.Milliseconds(),
	}
}
