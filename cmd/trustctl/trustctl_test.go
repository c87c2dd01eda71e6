// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianTrust/pkg/canonical"
	"github.com/AleutianAI/AleutianTrust/services/trust"
	"github.com/AleutianAI/AleutianTrust/services/trust/config"
	"github.com/AleutianAI/AleutianTrust/services/trust/ledger"
	"github.com/AleutianAI/AleutianTrust/services/trust/merkle"
	trustbadger "github.com/AleutianAI/AleutianTrust/services/trust/storage/badger"
)

// runCLI executes trustctl with args and returns combined output.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

type workspace struct {
	dir    string
	ledger string
	key    string
	config string
}

// newWorkspace generates a key and writes a config pointing at an empty
// on-disk ledger.
func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	w := &workspace{
		dir:    dir,
		ledger: filepath.Join(dir, "ledger"),
		key:    filepath.Join(dir, "signing.key"),
		config: filepath.Join(dir, "trust.yaml"),
	}
	_, err := runCLI(t, "keys", "generate", "--out", w.key)
	require.NoError(t, err)

	body := fmt.Sprintf(`
ledger:
  path: %s
signing:
  key_file: %s
  grace_period: 1h
admissibility:
  checker: allow-all
`, w.ledger, w.key)
	require.NoError(t, os.WriteFile(w.config, []byte(body), 0o644))
	return w
}

// seed appends released decisions for tenant at the given times and closes
// the store so the CLI can open it.
func (w *workspace) seed(t *testing.T, tenant string, at ...time.Time) []ledger.Event {
	t.Helper()
	db, err := trustbadger.OpenDB(config.LedgerConfig{Path: w.ledger}.Badger())
	require.NoError(t, err)

	i := 0
	l := ledger.New(ledger.NewBadgerStore(db), ledger.Options{Now: func() time.Time { return at[i] }})
	defer func() { require.NoError(t, l.Close()) }()

	var out []ledger.Event
	for i = range at {
		ev, err := l.Append(context.Background(), tenant, "gate", ledger.DecisionReleased{
			RequestID:          fmt.Sprintf("req-%d", i),
			EvidenceBundleHash: canonical.HashString(fmt.Sprintf("bundle-%d", i)),
			CertificateHash:    canonical.HashString(fmt.Sprintf("cert-%d", i)),
			KeyFingerprint:     canonical.HashString("key"),
			ClaimCount:         1,
			AnchorCount:        1,
			PolicyVersion:      "v1",
		})
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func day(d, hour int) time.Time {
	return time.Date(2025, 1, d, hour, 0, 0, 0, time.UTC)
}

// =============================================================================
// Keys
// =============================================================================

func TestKeysGenerate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "k.b64")

	out, err := runCLI(t, "--json", "keys", "generate", "--out", path)
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Len(t, info["fingerprint"], 64)
	assert.Equal(t, path, info["path"])

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	_, err = runCLI(t, "keys", "generate", "--out", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	out, err = runCLI(t, "--json", "keys", "generate", "--out", path, "--force")
	require.NoError(t, err)
	var again map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &again))
	assert.NotEqual(t, info["fingerprint"], again["fingerprint"])
}

func TestKeysGenerate_RequiresOut(t *testing.T) {
	_, err := runCLI(t, "keys", "generate")
	assert.Error(t, err)
}

func TestKeysShow(t *testing.T) {
	w := newWorkspace(t)
	out, err := runCLI(t, "--config", w.config, "--json", "keys", "show")
	require.NoError(t, err)

	var keys []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &keys))
	require.Len(t, keys, 1)
	assert.Equal(t, "ACTIVE", keys[0]["status"])
}

// =============================================================================
// Ledger workflow
// =============================================================================

func TestVerify(t *testing.T) {
	w := newWorkspace(t)
	w.seed(t, "acme", day(14, 9), day(14, 10))

	out, err := runCLI(t, "--config", w.config, "verify", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "OK: acme: 2 events")
	assert.Contains(t, out, "SUMMARY: valid=1 invalid=0 total=1")

	out, err = runCLI(t, "--config", w.config, "--json", "verify")
	require.NoError(t, err)
	var results []ledger.Verification
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.True(t, results[0].IsValid)
	assert.Equal(t, 2, results[0].EventCount)
}

func TestVerify_Errors(t *testing.T) {
	w := newWorkspace(t)
	w.seed(t, "acme", day(14, 9))

	_, err := runCLI(t, "--config", w.config, "verify", "acme/evil")
	assert.ErrorContains(t, err, "invalid tenant")

	t.Setenv("TRUST_LEDGER_IN_MEMORY", "true")
	_, err = runCLI(t, "verify")
	assert.ErrorContains(t, err, "on-disk ledger")
}

func TestEvents(t *testing.T) {
	w := newWorkspace(t)
	w.seed(t, "acme", day(14, 9), day(15, 9), day(16, 9))

	out, err := runCLI(t, "--ledger", w.ledger, "--json", "events", "acme", "--since", "2025-01-15T00:00:00Z")
	require.NoError(t, err)
	var events []ledger.Event
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[0].Seq)

	out, err = runCLI(t, "--ledger", w.ledger, "events", "acme")
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(out, string(ledger.KindDecisionReleased)))

	_, err = runCLI(t, "--ledger", w.ledger, "events", "acme", "--since", "yesterday")
	assert.ErrorContains(t, err, "RFC 3339")
}

func TestSealProofAndVerifyProof(t *testing.T) {
	w := newWorkspace(t)
	seeded := w.seed(t, "acme", day(14, 9), day(14, 10), day(14, 11), day(15, 9))

	out, err := runCLI(t, "--config", w.config, "--json", "--yes", "seal", "acme", "2025-01-14")
	require.NoError(t, err)
	var seal merkle.Seal
	require.NoError(t, json.Unmarshal([]byte(out), &seal))
	assert.Equal(t, 3, seal.Payload.Count)
	require.NotNil(t, seal.Payload.RootHash)

	out, err = runCLI(t, "--config", w.config, "proof", "acme", "2025-01-14", seeded[1].Hash)
	require.NoError(t, err)
	var proof merkle.ProofResult
	require.NoError(t, json.Unmarshal([]byte(out), &proof))
	assert.Equal(t, *seal.Payload.RootHash, proof.RootHash)

	proofPath := filepath.Join(w.dir, "proof.json")
	require.NoError(t, os.WriteFile(proofPath, []byte(out), 0o644))
	out, err = runCLI(t, "verify-proof", proofPath)
	require.NoError(t, err)
	assert.Contains(t, out, "OK:")

	proof.RootHash = canonical.HashString("forged")
	forged, err := json.Marshal(proof)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(proofPath, forged, 0o644))
	_, err = runCLI(t, "verify-proof", proofPath)
	assert.ErrorIs(t, err, errProofInvalid)

	_, err = runCLI(t, "--config", w.config, "proof", "acme", "2025-01-14", seeded[3].Hash)
	assert.ErrorIs(t, err, merkle.ErrTargetNotFound)

	_, err = runCLI(t, "--config", w.config, "proof", "acme", "2025-01-15", seeded[3].Hash)
	assert.ErrorIs(t, err, merkle.ErrNotSealed)

	// The seal is itself on the chain, and the chain still verifies.
	out, err = runCLI(t, "--config", w.config, "--json", "events", "acme")
	require.NoError(t, err)
	var events []ledger.Event
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 5)
	assert.Equal(t, ledger.KindMerkleRootSealed, events[4].Kind)

	_, err = runCLI(t, "--config", w.config, "verify", "acme")
	assert.NoError(t, err)
}

func TestSeal_Rejections(t *testing.T) {
	w := newWorkspace(t)

	_, err := runCLI(t, "--config", w.config, "--yes", "seal", "acme", "14-01-2025")
	assert.ErrorIs(t, err, merkle.ErrInvalidDate)

	future := time.Now().UTC().Format("2006-01-02")
	_, err = runCLI(t, "--config", w.config, "--yes", "seal", "acme", future)
	assert.ErrorIs(t, err, merkle.ErrDayNotClosed)
}

func TestVerifyProof_Stdin(t *testing.T) {
	cmd := newRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetIn(strings.NewReader(`{"tenantId":"acme","unknown":1}`))
	cmd.SetArgs([]string{"verify-proof", "-"})
	err := cmd.Execute()
	assert.ErrorContains(t, err, "decode proof")
}

func TestKeysRotate(t *testing.T) {
	w := newWorkspace(t)
	w.seed(t, "acme", day(14, 9))
	next := filepath.Join(w.dir, "next.key")

	out, err := runCLI(t, "--config", w.config, "--yes", "--actor", "ops:test", "keys", "rotate", "--new-key", next)
	require.NoError(t, err)
	assert.Contains(t, out, "previous_key_file: "+w.key)
	_, err = os.Stat(next)
	require.NoError(t, err)

	out, err = runCLI(t, "--config", w.config, "--json", "events", trust.SystemTenant)
	require.NoError(t, err)
	var events []ledger.Event
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 1)
	assert.Equal(t, ledger.KindSigningKeyRotated, events[0].Kind)
	assert.Equal(t, "ops:test", events[0].ActorID)

	out, err = runCLI(t, "--config", w.config, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "SUMMARY: valid=2 invalid=0 total=2")
}
