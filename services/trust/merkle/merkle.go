// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package merkle builds Merkle roots and inclusion proofs over sets of
// sealed decision hashes, and seals them daily.
//
// # Tree Construction
//
// Leaves are the input hashes, lower-cased, deduplicated and sorted. Each
// level pairs adjacent nodes; an odd level duplicates its last node:
//
//	level 2:            R = H(P ‖ Q)
//	                   /            \
//	level 1:     P = H(a ‖ b)    Q = H(c ‖ c)
//	              /     \          /
//	level 0:     a       b        c
//
// H(x ‖ y) is SHA-256 over the ASCII concatenation of the two hex digests.
// A single leaf is its own root and is never paired with itself.
//
// Sorting happens inside ComputeRoot and ComputeProof, so any permutation
// of the same set yields the same root and compatible proofs.
package merkle

import (
	"crypto/subtle"
	"errors"
	"sort"

	"github.com/AleutianAI/AleutianTrust/pkg/canonical"
)

// Position is the side a proof sibling occupies relative to the path node.
type Position string

const (
	// Left means the sibling is hashed before the running value.
	Left Position = "left"

	// Right means the sibling is hashed after the running value.
	Right Position = "right"
)

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Hash     string   `json:"hash"`
	Position Position `json:"position"`
}

// ErrInvalidLeaf is returned when an input is not a 64 character hex digest.
var ErrInvalidLeaf = errors.New("merkle: leaf must be a 64 character hex digest")

// hashPair returns H(left ‖ right).
func hashPair(left, right string) string {
	return canonical.HashString(left + right)
}

// normalize lower-cases, validates, dedupes and sorts leaves.
func normalize(hashes []string) ([]string, error) {
	seen := make(map[string]struct{}, len(hashes))
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		lower, err := canonical.ParseHash(h)
		if err != nil {
			return nil, ErrInvalidLeaf
		}
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		out = append(out, lower)
	}
	sort.Strings(out)
	return out, nil
}

// nextLevel pairs nodes, duplicating the last one on an odd count.
func nextLevel(level []string) []string {
	next := make([]string, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		right := level[i]
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, hashPair(level[i], right))
	}
	return next
}

// ComputeRoot returns the Merkle root of hashes.
//
// # Outputs
//
//   - *string: The root, or nil for an empty set.
//   - error: ErrInvalidLeaf when any input is not a hex digest.
//
// # Examples
//
//	root, err := merkle.ComputeRoot([]string{h1, h2, h3})
//	// root == H(H(h1'‖h2') ‖ H(h3'‖h3')) with h' sorted
func ComputeRoot(hashes []string) (*string, error) {
	level, err := normalize(hashes)
	if err != nil {
		return nil, err
	}
	if len(level) == 0 {
		return nil, nil
	}
	for len(level) > 1 {
		level = nextLevel(level)
	}
	root := level[0]
	return &root, nil
}

// ComputeProof returns the sibling path from target to the root.
//
// # Description
//
// Replays the same normalization and pairing as ComputeRoot. At each level
// the sibling of the path node is recorded with its side. When the path
// node is the duplicated last node of an odd level, its sibling is itself
// on the right.
//
// # Outputs
//
//   - []ProofStep: The proof. Empty (non-nil) for a single-leaf set.
//   - bool: False when target is not in the set.
//   - error: ErrInvalidLeaf for malformed input.
func ComputeProof(hashes []string, target string) ([]ProofStep, bool, error) {
	level, err := normalize(hashes)
	if err != nil {
		return nil, false, err
	}
	want, err := canonical.ParseHash(target)
	if err != nil {
		return nil, false, nil
	}
	idx := sort.SearchStrings(level, want)
	if idx >= len(level) || level[idx] != want {
		return nil, false, nil
	}

	proof := []ProofStep{}
	for len(level) > 1 {
		if idx%2 == 0 {
			sibling := level[idx]
			if idx+1 < len(level) {
				sibling = level[idx+1]
			}
			proof = append(proof, ProofStep{Hash: sibling, Position: Right})
		} else {
			proof = append(proof, ProofStep{Hash: level[idx-1], Position: Left})
		}
		level = nextLevel(level)
		idx /= 2
	}
	return proof, true, nil
}

// VerifyProof folds proof over target and compares the result to root.
// Comparison is constant time. Malformed input yields false.
func VerifyProof(target string, proof []ProofStep, root string) bool {
	current, err := canonical.ParseHash(target)
	if err != nil {
		return false
	}
	want, err := canonical.ParseHash(root)
	if err != nil {
		return false
	}
	for _, step := range proof {
		sibling, err := canonical.ParseHash(step.Hash)
		if err != nil {
			return false
		}
		switch step.Position {
		case Left:
			current = hashPair(sibling, current)
		case Right:
			current = hashPair(current, sibling)
		default:
			return false
		}
	}
	return subtle.ConstantTimeCompare([]byte(current), []byte(want)) == 1
}
