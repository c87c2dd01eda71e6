// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianTrust/services/trust/attest"
	"github.com/AleutianAI/AleutianTrust/services/trust/gate"
)

const sampleYAML = `
server:
  port: 8088
  mode: debug
ledger:
  in_memory: true
signing:
  key_file: /etc/trust/key
  grace_period: 24h
policy:
  sensitive_terms: [escrow, "non-compete"]
  min_corroboration: 3
  max_claims: 10
  max_claim_length: 500
generator:
  enabled: true
  timeout: 5s
  llm:
    model: gpt-4o
admissibility:
  checker: allow-all
  timeout: 2s
stores:
  weaviate:
    url: http://weaviate:8080
recorder:
  max_attempts: 7
`

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "trust.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultConfig_NeedsKey(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 2, cfg.Policy.MinCorroboration)
	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrInvalid)

	cfg.Signing.KeyFile = "/etc/trust/key"
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	for _, k := range []string{"TRUST_PORT", "TRUST_SENSITIVE_TERMS", "TRUST_WEAVIATE_URL"} {
		t.Setenv(k, "")
	}
	path := writeFile(t, t.TempDir(), sampleYAML)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8088, cfg.Server.Port)
	assert.True(t, cfg.Ledger.InMemory)
	assert.Equal(t, 24*time.Hour, cfg.Signing.GracePeriod)
	assert.Equal(t, []string{"escrow", "non-compete"}, cfg.Policy.SensitiveTerms)
	assert.Equal(t, 3, cfg.Policy.MinCorroboration)
	assert.Equal(t, 5*time.Second, cfg.Generator.Timeout)
	assert.Equal(t, "gpt-4o", cfg.Generator.LLM.Model)
	assert.Equal(t, "allow-all", cfg.Admissibility.Checker)
	require.NotNil(t, cfg.Stores.Weaviate)
	assert.Equal(t, "http://weaviate:8080", cfg.Stores.Weaviate.URL)
	assert.Nil(t, cfg.Stores.Postgres)
	assert.Equal(t, 7, cfg.Recorder.MaxAttempts)
	// untouched sections keep defaults
	assert.Equal(t, 5, cfg.Admissibility.Breaker.FailureThreshold)
	assert.True(t, cfg.Ledger.Badger().InMemory)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	dir := t.TempDir()
	_, err = Load(writeFile(t, dir, "server: [unclosed"))
	assert.ErrorContains(t, err, "parse config")

	weak := `
signing:
  key_file: k
ledger:
  in_memory: true
policy:
  min_corroboration: 0
`
	_, err = Load(writeFile(t, dir, weak))
	assert.ErrorIs(t, err, ErrInvalid)

	bad := `
signing:
  key_file: k
ledger:
  in_memory: true
admissibility:
  checker: coin-flip
`
	_, err = Load(writeFile(t, dir, bad))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TRUST_PORT":                  "9000",
		"TRUST_SENSITIVE_TERMS":       " escrow , ,lien",
		"TRUST_LEDGER_IN_MEMORY":      "true",
		"TRUST_ADMISSIBILITY_TIMEOUT": "750ms",
		"TRUST_POSTGRES_DSN":          "postgres://trust@db/exhibits",
		"TRUST_GCS_BUCKET":            "seals",
		"TRUST_GCS_CREDENTIALS":       "/secrets/sa.json",
	}
	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"escrow", "lien"}, cfg.Policy.SensitiveTerms)
	assert.True(t, cfg.Ledger.InMemory)
	assert.Equal(t, 750*time.Millisecond, cfg.Admissibility.Timeout)
	require.NotNil(t, cfg.Stores.Postgres)
	assert.Equal(t, "postgres://trust@db/exhibits", cfg.Stores.Postgres.DSN)
	require.NotNil(t, cfg.Stores.GCS)
	assert.Equal(t, "/secrets/sa.json", cfg.Stores.GCS.CredentialsFile)

	err := cfg.ApplyEnv(func(k string) (string, bool) {
		if k == "TRUST_PORT" {
			return "eighty", true
		}
		if k == "TRUST_GENERATOR_TIMEOUT" {
			return "soon", true
		}
		return "", false
	})
	assert.ErrorContains(t, err, "TRUST_PORT")
	assert.ErrorContains(t, err, "TRUST_GENERATOR_TIMEOUT")
}

func TestApplyEnv_Empty(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(noEnv))
	assert.Equal(t, DefaultConfig().Server, cfg.Server)
}

func TestLoadPolicy(t *testing.T) {
	path := writeFile(t, t.TempDir(), "policy:\n  sensitive_terms: [escrow]\n")
	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"escrow"}, p.SensitiveTerms)
	assert.Equal(t, gate.DefaultPolicy().MinCorroboration, p.MinCorroboration)
}

func TestPolicyWatcher_Reloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "policy:\n  min_corroboration: 2\n")

	var (
		mu  sync.Mutex
		got []gate.Policy
	)
	w, err := NewPolicyWatcher(path, 20*time.Millisecond, func(p gate.Policy) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("policy:\n  min_corroboration: 0\n"), 0o644))
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, got, "invalid policy must not be applied")
	mu.Unlock()

	require.NoError(t, os.WriteFile(path, []byte("policy:\n  min_corroboration: 4\n  sensitive_terms: [lien]\n"), 0o644))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1].MinCorroboration == 4
	}, 2*time.Second, 10*time.Millisecond)

	// other files in the directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o644))
	w.Stop()
	w.Stop()
}

func TestSigningConfig_LoadSigner(t *testing.T) {
	dir := t.TempDir()
	writeKey := func(name string) string {
		seed, err := attest.GenerateSeed()
		require.NoError(t, err)
		path := filepath.Join(dir, name)
		require.NoError(t, attest.WriteKeyFile(path, seed))
		return path
	}
	active, previous := writeKey("active.key"), writeKey("previous.key")

	t.Run("active only", func(t *testing.T) {
		s, err := SigningConfig{KeyFile: active}.LoadSigner()
		require.NoError(t, err)
		require.Len(t, s.Keys(), 1)
		assert.Equal(t, attest.KeyActive, s.Keys()[0].Status)
	})

	t.Run("previous stays verifiable", func(t *testing.T) {
		old, err := SigningConfig{KeyFile: previous}.LoadSigner()
		require.NoError(t, err)
		env, err := old.SignPayload(map[string]string{"k": "v"})
		require.NoError(t, err)

		s, err := SigningConfig{KeyFile: active, PreviousKeyFile: previous, GracePeriod: time.Hour}.LoadSigner()
		require.NoError(t, err)
		keys := s.Keys()
		require.Len(t, keys, 2)
		assert.Equal(t, old.Fingerprint(), keys[1].Fingerprint)
		assert.NotEqual(t, old.Fingerprint(), s.Fingerprint())
		assert.True(t, s.VerifyEnvelope(env))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := SigningConfig{KeyFile: filepath.Join(dir, "nope.key")}.LoadSigner()
		var se *attest.SigningError
		assert.ErrorAs(t, err, &se)
	})
}
