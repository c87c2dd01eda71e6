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
	"fmt"

	"github.com/AleutianAI/AleutianTrust/services/trust/ledger"
)

// ReasonCode identifies why a decision was withheld.
type ReasonCode string

const (
	CodeNoAnchor              ReasonCode = "NO_ANCHOR_NO_OUTPUT"
	CodeInvalidSchema         ReasonCode = "INVALID_SCHEMA"
	CodeIntegrityRevoked      ReasonCode = "INTEGRITY_REVOKED"
	CodeTriangulationRequired ReasonCode = "TRIANGULATION_REQUIRED"
	CodeContradiction         ReasonCode = "CONTRADICTION_DETECTED"
	CodeUnanchoredClaim       ReasonCode = "UNANCHORED_CLAIM_PRESENT"
	CodeAuditBlocked          ReasonCode = "AUDIT_BLOCKED"
	CodeAuditFailed           ReasonCode = "AI_AUDIT_FAILED"
)

var codeMessages = map[ReasonCode]string{
	CodeNoAnchor:              "No evidence anchors are available for this request.",
	CodeInvalidSchema:         "The candidate claims are malformed.",
	CodeIntegrityRevoked:      "A cited exhibit has been revoked.",
	CodeTriangulationRequired: "A high-risk claim must be corroborated by independent exhibits.",
	CodeContradiction:         "The cited evidence disagrees on a load-bearing fact.",
	CodeUnanchoredClaim:       "At least one claim cites no valid evidence.",
	CodeAuditBlocked:          "The admissibility cross-check rejected the claims.",
	CodeAuditFailed:           "The admissibility cross-check was unavailable.",
}

// Message returns the user-facing message for a code.
func (c ReasonCode) Message() string {
	if m, ok := codeMessages[c]; ok {
		return m
	}
	return string(c)
}

// Reason is one structured cause of a withholding. Messages reference ids
// and counts only, never claim or anchor text.
type Reason struct {
	Code       ReasonCode `json:"code"`
	ClaimIndex *int       `json:"claimIndex,omitempty"`
	Message    string     `json:"message"`
}

func requestReason(code ReasonCode, format string, args ...any) Reason {
	return Reason{Code: code, Message: fmt.Sprintf(format, args...)}
}

func claimReason(code ReasonCode, index int, format string, args ...any) Reason {
	i := index
	return Reason{Code: code, ClaimIndex: &i, Message: fmt.Sprintf(format, args...)}
}

func toRecords(reasons []Reason) []ledger.ReasonRecord {
	out := make([]ledger.ReasonRecord, len(reasons))
	for i, r := range reasons {
		out[i] = ledger.ReasonRecord{Code: string(r.Code), ClaimIndex: r.ClaimIndex, Message: r.Message}
	}
	return out
}
