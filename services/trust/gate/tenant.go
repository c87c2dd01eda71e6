// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gate

import (
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianTrust/services/policy_engine"
)

// TenantState is the mutable runtime state the gate keeps for one tenant.
type TenantState struct {
	// Breaker guards the tenant's admissibility checks.
	Breaker *CircuitBreaker

	mu    sync.RWMutex
	terms []string
}

// SensitiveTerms returns the tenant's extra sensitive terms, normalized.
func (t *TenantState) SensitiveTerms() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.terms...)
}

func (t *TenantState) setTerms(terms []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.terms = policy_engine.NormalizeTerms(terms)
}

// TenantStates is the explicit registry of per-tenant gate state. It is
// passed to the gate rather than held in package variables, so separate
// gates (and tests) never share breakers or terms.
//
// # Thread Safety
//
// Safe for concurrent use.
type TenantStates struct {
	cfg BreakerConfig
	now func() time.Time

	mu      sync.Mutex
	tenants map[string]*TenantState
}

// NewTenantStates creates an empty registry. A nil clock uses time.Now.
func NewTenantStates(cfg BreakerConfig, now func() time.Time) *TenantStates {
	if now == nil {
		now = time.Now
	}
	return &TenantStates{
		cfg:     cfg,
		now:     now,
		tenants: make(map[string]*TenantState),
	}
}

// Get returns the tenant's state, creating it on first use.
func (s *TenantStates) Get(tenantID string) *TenantState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tenants[tenantID]
	if !ok {
		st = &TenantState{Breaker: NewCircuitBreaker(s.cfg, s.now)}
		s.tenants[tenantID] = st
	}
	return st
}

// SetSensitiveTerms replaces the tenant's extra sensitive terms.
func (s *TenantStates) SetSensitiveTerms(tenantID string, terms []string) {
	s.Get(tenantID).setTerms(terms)
}

// Tenants returns the ids with state, sorted.
func (s *TenantStates) Tenants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
