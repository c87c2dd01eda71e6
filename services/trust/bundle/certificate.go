// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bundle

import (
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianTrust/pkg/canonical"
	"github.com/AleutianAI/AleutianTrust/services/trust/anchors"
)

// CertifiedClaim records how one released claim passed the gate. Claim
// text is committed to by hash only.
type CertifiedClaim struct {
	Index              int                     `json:"index"`
	TextHash           string                  `json:"textHash"`
	AnchorIDs          []string                `json:"anchorIds"`
	DependencyClass    anchors.DependencyClass `json:"dependencyClass"`
	CorroborationCount int                     `json:"corroborationCount"`
	HighRisk           bool                    `json:"highRisk"`
}

// Certificate is the release certificate: the gate's statement that every
// claim passed every rule under one policy version.
type Certificate struct {
	TenantID      string           `json:"tenantId"`
	RequestID     string           `json:"requestId"`
	PolicyVersion string           `json:"policyVersion"`
	Claims        []CertifiedClaim `json:"claims"`
	ClaimCount    int              `json:"claimCount"`
	AnchorCount   int              `json:"anchorCount"`
	// Admissibility names the cross-check that admitted the claims.
	Admissibility string `json:"admissibility,omitempty"`
}

// NewCertifiedClaim builds the certificate entry for one claim. Anchor ids
// are sorted and deduplicated.
func NewCertifiedClaim(index int, text string, anchorIDs []string, r anchors.Result, highRisk bool) CertifiedClaim {
	ids := append([]string(nil), anchorIDs...)
	sort.Strings(ids)
	ids = compact(ids)
	return CertifiedClaim{
		Index:              index,
		TextHash:           canonical.HashString(text),
		AnchorIDs:          ids,
		DependencyClass:    r.DependencyClass,
		CorroborationCount: r.CorroborationCount,
		HighRisk:           highRisk,
	}
}

// Hash returns the canonical SHA-256 of the certificate.
func (c Certificate) Hash() (string, error) {
	h, _, err := canonical.Hash(c)
	if err != nil {
		return "", fmt.Errorf("hash certificate: %w", err)
	}
	return h, nil
}

func compact(sorted []string) []string {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for _, s := range sorted[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
