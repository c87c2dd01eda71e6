// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// extractBearerToken
// =============================================================================

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid", "Bearer abc123", "abc123"},
		{"lowercase scheme", "bearer abc123", "abc123"},
		{"mixed case scheme", "BeArEr abc123", "abc123"},
		{"missing", "", ""},
		{"no scheme", "abc123", ""},
		{"basic auth", "Basic abc123", ""},
		{"empty bearer", "Bearer ", ""},
		{"only bearer", "Bearer", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, extractBearerToken(c))
		})
	}
}

// =============================================================================
// Principals and providers
// =============================================================================

func TestPrincipal(t *testing.T) {
	auditor := &Principal{ActorID: "a", Roles: []string{RoleAuditor}, Tenants: []string{"acme"}}
	assert.True(t, auditor.HasRole(RoleAuditor))
	assert.False(t, auditor.HasRole(RoleOperator))
	assert.True(t, auditor.CanAccess("acme"))
	assert.False(t, auditor.CanAccess("globex"))

	admin := &Principal{ActorID: "root", Roles: []string{RoleAdmin}}
	assert.True(t, admin.HasRole(RoleOperator))
	assert.True(t, admin.CanAccess("globex"))
}

func TestNopAuthProvider(t *testing.T) {
	p, err := NopAuthProvider{}.Validate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "local-operator", p.ActorID)
	assert.True(t, p.HasRole(RoleOperator))
}

func TestTokenProvider(t *testing.T) {
	provider, err := NewTokenProvider([]TokenEntry{
		{SHA256: digest("s3cret"), Principal: Principal{ActorID: "auditor-1", Roles: []string{RoleAuditor}}},
	})
	require.NoError(t, err)

	p, err := provider.Validate(context.Background(), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "auditor-1", p.ActorID)

	_, err = provider.Validate(context.Background(), "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = provider.Validate(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = NewTokenProvider([]TokenEntry{{SHA256: "nothex", Principal: Principal{ActorID: "x"}}})
	assert.Error(t, err)
	_, err = NewTokenProvider([]TokenEntry{{SHA256: digest("t")}})
	assert.ErrorContains(t, err, "actor is required")
}

func TestLoadTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.yaml")
	body := "tokens:\n  - sha256: " + digest("tok") + "\n    actor: ops-1\n    roles: [operator]\n    tenants: [acme]\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	provider, err := LoadTokenFile(path)
	require.NoError(t, err)
	p, err := provider.Validate(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "ops-1", p.ActorID)
	assert.Equal(t, []string{RoleOperator}, p.Roles)
	assert.Equal(t, []string{"acme"}, p.Tenants)

	_, err = LoadTokenFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// =============================================================================
// Middleware chains
// =============================================================================

func newRouter(provider AuthProvider, extra ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	handlers := append([]gin.HandlerFunc{Authenticate(provider)}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		c.String(http.StatusOK, ActorID(c))
	})
	r.GET("/t/:tenant", handlers...)
	return r
}

func do(r http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthenticateAndAuthorize(t *testing.T) {
	provider, err := NewTokenProvider([]TokenEntry{
		{SHA256: digest("aud"), Principal: Principal{ActorID: "auditor-1", Roles: []string{RoleAuditor}, Tenants: []string{"acme"}}},
		{SHA256: digest("ops"), Principal: Principal{ActorID: "ops-1", Roles: []string{RoleOperator}}},
	})
	require.NoError(t, err)
	r := newRouter(provider, RequireTenant(), RequireRole(RoleAuditor))

	tests := []struct {
		name  string
		path  string
		token string
		code  int
	}{
		{"no token", "/t/acme", "", http.StatusUnauthorized},
		{"unknown token", "/t/acme", "nope", http.StatusUnauthorized},
		{"auditor own tenant", "/t/acme", "aud", http.StatusOK},
		{"auditor other tenant", "/t/globex", "aud", http.StatusForbidden},
		{"operator lacks role", "/t/acme", "ops", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.path, tt.token)
			assert.Equal(t, tt.code, w.Code)
		})
	}
	assert.Equal(t, "auditor-1", do(r, "/t/acme", "aud").Body.String())
}

func TestTenantLimiter(t *testing.T) {
	l := NewTenantLimiter(1, 2)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("acme"))
	assert.True(t, l.Allow("acme"))
	assert.False(t, l.Allow("acme"), "burst exhausted")
	assert.True(t, l.Allow("globex"), "tenants have separate buckets")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("acme"), "one token refilled")

	now = now.Add(time.Hour)
	l.Allow("globex")
	l.mu.Lock()
	_, kept := l.buckets["acme"]
	l.mu.Unlock()
	assert.False(t, kept, "idle bucket swept")
}

func TestTenantLimiter_Disabled(t *testing.T) {
	l := NewTenantLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("acme"))
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewTenantLimiter(0.001, 1)
	r := newRouter(NopAuthProvider{}, RateLimit(limiter), Metrics())

	assert.Equal(t, http.StatusOK, do(r, "/t/acme", "").Code)
	w := do(r, "/t/acme", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, do(r, "/t/globex", "").Code)
}
