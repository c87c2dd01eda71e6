// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bundle builds evidence bundles: canonical, content-addressed
// records binding a release decision to the exact anchors and exhibit
// hashes it relied on.
//
// Bundles and certificates carry no timestamps or random ids, so replaying
// the same decision input produces byte-identical payloads and hashes.
package bundle

import (
	"errors"
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianTrust/pkg/canonical"
	"github.com/AleutianAI/AleutianTrust/services/trust/anchors"
)

var (
	// ErrNoAnchors is returned when a bundle would bind no evidence.
	ErrNoAnchors = errors.New("bundle: no anchors")

	// ErrHashMismatch is returned by Verify when the payload does not hash
	// to the recorded bundle hash.
	ErrHashMismatch = errors.New("bundle: hash does not match payload")
)

// ExhibitHash pairs an exhibit with the integrity hash the decision saw.
type ExhibitHash struct {
	ExhibitID     string `json:"exhibitId"`
	IntegrityHash string `json:"integrityHash"`
}

// Payload is the canonical content of an evidence bundle.
type Payload struct {
	TenantID      string        `json:"tenantId"`
	RequestID     string        `json:"requestId"`
	AnchorIDs     []string      `json:"anchorIds"`
	ExhibitHashes []ExhibitHash `json:"exhibitHashes"`
	// ReleaseCertHash is the hash of the release Certificate, when one was issued.
	ReleaseCertHash *string `json:"releaseCertHash,omitempty"`
	// AnchorSnapshotHash commits to the full content of the anchors used.
	AnchorSnapshotHash *string `json:"anchorSnapshotHash,omitempty"`
}

// Bundle is a payload and its canonical SHA-256.
type Bundle struct {
	Hash    string  `json:"hash"`
	Payload Payload `json:"payload"`
}

// Build creates the bundle for anchors used by a decision.
//
// # Description
//
// Anchor ids are sorted and deduplicated. Exhibit hashes are sorted by
// exhibit id; an exhibit cited with several integrity hashes contributes
// one entry per distinct hash. The anchor snapshot hash is always set; the
// certificate hash is set when cert is non-nil.
//
// # Inputs
//
//   - tenantID, requestID: Decision identity.
//   - used: Anchors cited by the released claims. Order is irrelevant.
//   - cert: Release certificate, or nil.
//
// # Outputs
//
//   - Bundle: Payload and hash.
//   - error: ErrNoAnchors, or a canonical encoding failure.
func Build(tenantID, requestID string, used []anchors.Anchor, cert *Certificate) (Bundle, error) {
	if len(used) == 0 {
		return Bundle{}, ErrNoAnchors
	}
	snapshot := sortedUnique(used)

	ids := make([]string, len(snapshot))
	for i, a := range snapshot {
		ids[i] = a.ID
	}

	snapshotHash, _, err := canonical.Hash(snapshot)
	if err != nil {
		return Bundle{}, fmt.Errorf("hash anchor snapshot: %w", err)
	}

	p := Payload{
		TenantID:           tenantID,
		RequestID:          requestID,
		AnchorIDs:          ids,
		ExhibitHashes:      exhibitHashes(snapshot),
		AnchorSnapshotHash: &snapshotHash,
	}
	if cert != nil {
		certHash, err := cert.Hash()
		if err != nil {
			return Bundle{}, err
		}
		p.ReleaseCertHash = &certHash
	}

	h, _, err := canonical.Hash(p)
	if err != nil {
		return Bundle{}, fmt.Errorf("hash bundle: %w", err)
	}
	return Bundle{Hash: h, Payload: p}, nil
}

// Verify recomputes the bundle hash from its payload.
func Verify(b Bundle) error {
	h, _, err := canonical.Hash(b.Payload)
	if err != nil {
		return fmt.Errorf("hash bundle: %w", err)
	}
	if h != b.Hash {
		return ErrHashMismatch
	}
	return nil
}

// Canonical returns the canonical bytes of the bundle payload.
func (b Bundle) Canonical() ([]byte, error) {
	return canonical.Marshal(b.Payload)
}

// sortedUnique sorts anchors by id, keeping the first of repeated ids.
func sortedUnique(list []anchors.Anchor) []anchors.Anchor {
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

func exhibitHashes(snapshot []anchors.Anchor) []ExhibitHash {
	seen := make(map[ExhibitHash]struct{})
	out := make([]ExhibitHash, 0)
	for _, a := range snapshot {
		eh := ExhibitHash{ExhibitID: a.ExhibitID, IntegrityHash: a.ExhibitIntegrityHash}
		if _, dup := seen[eh]; dup {
			continue
		}
		seen[eh] = struct{}{}
		out = append(out, eh)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExhibitID != out[j].ExhibitID {
			return out[i].ExhibitID < out[j].ExhibitID
		}
		return out[i].IntegrityHash < out[j].IntegrityHash
	})
	return out
}
