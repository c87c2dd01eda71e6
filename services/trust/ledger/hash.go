// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/AleutianAI/AleutianTrust/pkg/canonical"
)

// GenesisHash is the prevHash of the first event in every tenant chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ComputeHash returns H(prevHash ‖ canonicalPayload ‖ kind ‖ createdAt).
//
// # Inputs
//
//   - prevHash: Hash of the previous event, or GenesisHash.
//   - canonicalPayload: Payload bytes already in canonical form.
//   - kind: Event kind.
//   - createdAt: Rendered with canonical.FormatTime.
//
// # Outputs
//
//   - string: Lowercase hex SHA-256.
func ComputeHash(prevHash string, canonicalPayload []byte, kind Kind, createdAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalPayload)
	h.Write([]byte(kind))
	h.Write([]byte(canonical.FormatTime(createdAt)))
	return hex.EncodeToString(h.Sum(nil))
}

// recompute derives the hash an event should carry from its own fields.
// A payload that is no longer valid JSON cannot match any stored hash.
func recompute(ev Event) (string, bool) {
	payload, err := canonical.Canonicalize(ev.Payload)
	if err != nil {
		return "", false
	}
	return ComputeHash(ev.PrevHash, payload, ev.Kind, ev.CreatedAt), true
}
