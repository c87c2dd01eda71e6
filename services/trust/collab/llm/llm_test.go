// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianTrust/services/trust/anchors"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab"
)

type fakeAPI struct {
	mu       sync.Mutex
	content  string
	requests []map[string]any
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.requests = append(f.requests, body)
		content := f.content
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  body["model"],
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}
}

func newTestClient(t *testing.T, content string) (*Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{content: content}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL, Model: "gen-model", CheckerModel: "check-model"}, nil)
	require.NoError(t, err)
	return c, api
}

func TestGenerator_Generate(t *testing.T) {
	out := `{"claims":[{"text":"Paid $1,200.","anchorIds":["a1"]}]}`
	c, api := newTestClient(t, out)
	g := NewGenerator(c)

	raw, err := g.Generate(context.Background(), collab.GenerationRequest{
		TenantID: "acme",
		Question: "What was paid?",
		Anchors: []anchors.Anchor{
			{ID: "a2", ExhibitID: "ex1", Text: "Second excerpt."},
			{ID: "a1", ExhibitID: "ex1", PageNumber: 2, LineNumber: 7, Text: "Paid $1,200 on 2024-03-01."},
			{ID: "a3", ExhibitID: "ex9", Text: "Revoked text.", ExhibitStatus: anchors.StatusRevoked},
		},
	})
	require.NoError(t, err)
	assert.JSONEq(t, out, string(raw))

	require.Len(t, api.requests, 1)
	req := api.requests[0]
	assert.Equal(t, "gen-model", req["model"])
	format, ok := req["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_object", format["type"])

	msgs := req["messages"].([]any)
	user := msgs[1].(map[string]any)["content"].(string)
	assert.Contains(t, user, "Question: What was paid?")
	assert.Contains(t, user, "[a1] exhibit ex1, page 2, line 7: Paid $1,200 on 2024-03-01.")
	assert.Less(t, strings.Index(user, "[a1]"), strings.Index(user, "[a2]"))
	assert.NotContains(t, user, "Revoked text.")
}

func TestChecker_Check(t *testing.T) {
	c, api := newTestClient(t, `{"admissible":false,"reasons":["claim 0 adds a date"]}`)
	v, err := NewChecker(c).Check(context.Background(), "acme", []collab.AdmissibilityItem{
		{ClaimIndex: 0, Text: "Paid on 2024-03-02.", AnchorIDs: []string{"a1"}, AnchorTexts: []string{"Paid on 2024-03-01."}},
	})
	require.NoError(t, err)
	assert.False(t, v.Admissible)
	assert.Equal(t, []string{"claim 0 adds a date"}, v.Reasons)
	assert.Equal(t, "openai:check-model", v.Checker)
	assert.Equal(t, "check-model", api.requests[0]["model"])
}

func TestParseVerdict(t *testing.T) {
	v, err := ParseVerdict([]byte(`{"admissible":true}`), "x")
	require.NoError(t, err)
	assert.True(t, v.Admissible)

	_, err = ParseVerdict([]byte(`{"reasons":["looks fine"]}`), "x")
	assert.ErrorContains(t, err, "missing admissible")

	_, err = ParseVerdict([]byte(`not json`), "x")
	assert.ErrorContains(t, err, "decode verdict")
}

func TestEvidenceContext_TruncatesLongAnchors(t *testing.T) {
	long := strings.Repeat("word ", 200)
	out, err := EvidenceContext(newSplitter(100), []anchors.Anchor{{ID: "a1", ExhibitID: "ex1", Text: long}}, 2)
	require.NoError(t, err)
	assert.Less(t, len(out), 300)
	assert.True(t, strings.HasPrefix(out, "[a1] exhibit ex1"))
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient(Config{SecretPath: filepath.Join(t.TempDir(), "missing")}, nil)
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestNewClient_KeyOutlivesEnclave(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	api := &fakeAPI{content: `{"admissible":true}`}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	secret := filepath.Join(t.TempDir(), "openai_api_key")
	require.NoError(t, os.WriteFile(secret, []byte("test-key\n"), 0o600))
	c, err := NewClient(Config{SecretPath: secret, BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	checker := NewChecker(c)
	for i := 0; i < 3; i++ {
		v, err := checker.Check(context.Background(), "acme", []collab.AdmissibilityItem{
			{ClaimIndex: 0, Text: "Paid.", AnchorIDs: []string{"a1"}, AnchorTexts: []string{"Paid."}},
		})
		require.NoError(t, err)
		assert.True(t, v.Admissible)
	}
	assert.Len(t, api.requests, 3)
}
