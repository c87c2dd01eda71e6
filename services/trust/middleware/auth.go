// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the trust service.
//
// # Authentication Flow
//
//	Request
//	   │
//	   ▼
//	Authenticate
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │
//	   └─► Store Principal in context
//	           │
//	           ▼
//	       RequireRole / RequireTenant ─► Handler
//
// # Local Behavior
//
// With NopAuthProvider every request runs as "local-operator" with the
// admin role, so a single-user deployment needs no token infrastructure.
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"
)

// ErrUnauthorized is returned when a token is missing or unknown.
var ErrUnauthorized = errors.New("unauthorized")

// Roles understood by RequireRole. RoleAdmin satisfies every check.
const (
	RoleAdmin     = "admin"
	RoleEvaluator = "evaluator"
	RoleAuditor   = "auditor"
	RoleOperator  = "operator"
)

// principalKey is the gin context key for the authenticated Principal.
const principalKey = "aleutian_trust_principal"

// Principal is the authenticated caller.
type Principal struct {
	// ActorID is recorded on ledger events the caller causes.
	ActorID string   `yaml:"actor"`
	Roles   []string `yaml:"roles"`
	// Tenants restricts access. Empty means every tenant.
	Tenants []string `yaml:"tenants"`
}

// HasRole reports whether p holds role or admin.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// CanAccess reports whether p may act on tenantID.
func (p *Principal) CanAccess(tenantID string) bool {
	if len(p.Tenants) == 0 {
		return true
	}
	for _, t := range p.Tenants {
		if t == tenantID {
			return true
		}
	}
	return false
}

// AuthProvider validates bearer tokens.
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*Principal, error)
}

// NopAuthProvider authenticates every request as the local operator.
type NopAuthProvider struct{}

// Validate ignores token and returns the local operator.
func (NopAuthProvider) Validate(context.Context, string) (*Principal, error) {
	return &Principal{ActorID: "local-operator", Roles: []string{RoleAdmin}}, nil
}

// TokenEntry is one line of a token file. Only the SHA-256 of the token is
// stored.
type TokenEntry struct {
	SHA256    string `yaml:"sha256"`
	Principal `yaml:",inline"`
}

// TokenProvider authenticates against a fixed set of token digests.
//
// # Thread Safety
//
// Immutable after construction.
type TokenProvider struct {
	entries []TokenEntry
}

// NewTokenProvider builds a provider. Digests are hex SHA-256 of the token.
func NewTokenProvider(entries []TokenEntry) (*TokenProvider, error) {
	out := make([]TokenEntry, 0, len(entries))
	for i, e := range entries {
		digest := strings.ToLower(strings.TrimSpace(e.SHA256))
		if b, err := hex.DecodeString(digest); err != nil || len(b) != sha256.Size {
			return nil, fmt.Errorf("token %d: sha256 must be 64 hex characters", i)
		}
		if e.ActorID == "" {
			return nil, fmt.Errorf("token %d: actor is required", i)
		}
		e.SHA256 = digest
		out = append(out, e)
	}
	return &TokenProvider{entries: out}, nil
}

// LoadTokenFile reads a YAML token file:
//
//	tokens:
//	  - sha256: 9f86d0...
//	    actor: auditor-1
//	    roles: [auditor]
//	    tenants: [acme]
func LoadTokenFile(path string) (*TokenProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var doc struct {
		Tokens []TokenEntry `yaml:"tokens"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return NewTokenProvider(doc.Tokens)
}

// Validate hashes token and compares it with every entry in constant time.
func (p *TokenProvider) Validate(_ context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	sum := sha256.Sum256([]byte(token))
	digest := hex.EncodeToString(sum[:])
	var found *Principal
	for i := range p.entries {
		if subtle.ConstantTimeCompare([]byte(digest), []byte(p.entries[i].SHA256)) == 1 {
			pr := p.entries[i].Principal
			found = &pr
		}
	}
	if found == nil {
		return nil, ErrUnauthorized
	}
	return found, nil
}

// GetPrincipal returns the authenticated caller, or nil.
func GetPrincipal(c *gin.Context) *Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(*Principal); ok {
			return p
		}
	}
	return nil
}

// ActorID returns the caller's actor id, or "anonymous".
func ActorID(c *gin.Context) string {
	if p := GetPrincipal(c); p != nil {
		return p.ActorID
	}
	return "anonymous"
}

// Authenticate validates the bearer token and stores the Principal.
func Authenticate(provider AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := provider.Validate(c.Request.Context(), extractBearerToken(c))
		if err != nil || principal == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

// RequireRole rejects callers without role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := GetPrincipal(c)
		if p == nil || !p.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "requiredRole": role})
			return
		}
		c.Next()
	}
}

// RequireTenant rejects callers that may not act on the :tenant path
// parameter.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := GetPrincipal(c)
		if p == nil || !p.CanAccess(c.Param("tenant")) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// extractBearerToken returns the token of "Authorization: Bearer <token>",
// or "". The scheme is case-insensitive.
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
