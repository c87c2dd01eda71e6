// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package merkle

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianTrust/pkg/canonical"
)

func leaves(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = canonical.HashString(fmt.Sprintf("decision-%d", i))
	}
	return out
}

func TestComputeRoot_Empty(t *testing.T) {
	root, err := ComputeRoot(nil)
	require.NoError(t, err)
	assert.Nil(t, root)

	root, err = ComputeRoot([]string{})
	require.NoError(t, err)
	assert.Nil(t, root)
}

// A lone leaf is its own root; it is not hashed against itself.
func TestComputeRoot_SingleLeafIsRoot(t *testing.T) {
	leaf := leaves(1)[0]
	root, err := ComputeRoot([]string{leaf})
	require.NoError(t, err)
	require.NotNil(t, root)
	assert.Equal(t, leaf, *root)
	assert.NotEqual(t, hashPair(leaf, leaf), *root)

	proof, found, err := ComputeProof([]string{leaf}, leaf)
	require.NoError(t, err)
	assert.True(t, found)
	assert.NotNil(t, proof)
	assert.Empty(t, proof)
	assert.True(t, VerifyProof(leaf, proof, *root))
}

func TestComputeRoot_KnownShapes(t *testing.T) {
	l := leaves(3)
	sorted := append([]string(nil), l...)
	sort.Strings(sorted)
	a, b, c := sorted[0], sorted[1], sorted[2]

	root2, err := ComputeRoot([]string{b, a})
	require.NoError(t, err)
	assert.Equal(t, hashPair(a, b), *root2)

	// Odd level duplicates the last node.
	root3, err := ComputeRoot([]string{c, a, b})
	require.NoError(t, err)
	assert.Equal(t, hashPair(hashPair(a, b), hashPair(c, c)), *root3)
}

func TestComputeRoot_DedupAndCase(t *testing.T) {
	l := leaves(2)
	withDup, err := ComputeRoot([]string{l[0], strings.ToUpper(l[0]), l[1]})
	require.NoError(t, err)
	plain, err := ComputeRoot(l)
	require.NoError(t, err)
	assert.Equal(t, *plain, *withDup)
}

func TestComputeRoot_InvalidLeaf(t *testing.T) {
	_, err := ComputeRoot([]string{"zz"})
	assert.ErrorIs(t, err, ErrInvalidLeaf)
	_, _, err = ComputeProof([]string{"zz"}, "zz")
	assert.ErrorIs(t, err, ErrInvalidLeaf)
}

func TestComputeRoot_PermutationInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, n := range []int{2, 3, 5, 8, 13} {
		l := leaves(n)
		want, err := ComputeRoot(l)
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			shuffled := append([]string(nil), l...)
			rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
			got, err := ComputeRoot(shuffled)
			require.NoError(t, err)
			assert.Equal(t, *want, *got, "n=%d", n)
		}
	}
}

func TestProof_RoundTripForEveryLeaf(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 9, 16, 33} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			l := leaves(n)
			root, err := ComputeRoot(l)
			require.NoError(t, err)
			for _, h := range l {
				proof, found, err := ComputeProof(l, h)
				require.NoError(t, err)
				require.True(t, found)
				assert.True(t, VerifyProof(h, proof, *root), "leaf %s", h)
			}
		})
	}
}

func TestProof_Positions(t *testing.T) {
	l := leaves(3)
	sorted := append([]string(nil), l...)
	sort.Strings(sorted)
	a, b, c := sorted[0], sorted[1], sorted[2]

	proofA, _, err := ComputeProof(l, a)
	require.NoError(t, err)
	assert.Equal(t, []ProofStep{
		{Hash: b, Position: Right},
		{Hash: hashPair(c, c), Position: Right},
	}, proofA)

	proofB, _, err := ComputeProof(l, b)
	require.NoError(t, err)
	assert.Equal(t, Left, proofB[0].Position)
	assert.Equal(t, a, proofB[0].Hash)

	// c is the odd node; its sibling is itself on the right.
	proofC, _, err := ComputeProof(l, c)
	require.NoError(t, err)
	assert.Equal(t, ProofStep{Hash: c, Position: Right}, proofC[0])
	assert.Equal(t, ProofStep{Hash: hashPair(a, b), Position: Left}, proofC[1])
}

func TestComputeProof_TargetNotFound(t *testing.T) {
	l := leaves(4)
	proof, found, err := ComputeProof(l, canonical.HashString("absent"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, proof)

	_, found, err = ComputeProof(l, "not-hex")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestVerifyProof_Rejects(t *testing.T) {
	l := leaves(5)
	sort.Strings(l)
	root, err := ComputeRoot(l)
	require.NoError(t, err)
	// l[1] sits at an odd index, so its first sibling is l[0], not itself.
	proof, _, err := ComputeProof(l, l[1])
	require.NoError(t, err)

	assert.False(t, VerifyProof(l[3], proof, *root), "wrong target")
	assert.False(t, VerifyProof(l[1], proof, canonical.HashString("other")), "wrong root")
	assert.False(t, VerifyProof(l[1], proof[:len(proof)-1], *root), "truncated")

	flipped := append([]ProofStep(nil), proof...)
	flipped[0].Position = Right
	assert.False(t, VerifyProof(l[1], flipped, *root), "flipped position")

	bad := append([]ProofStep(nil), proof...)
	bad[0].Position = "middle"
	assert.False(t, VerifyProof(l[1], bad, *root), "unknown position")
	assert.False(t, VerifyProof("zz", proof, *root), "malformed target")
}
