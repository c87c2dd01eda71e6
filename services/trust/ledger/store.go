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
	"context"
	"sort"
	"sync"
)

// Store persists ledger events. Implementations only need to be atomic
// per Put; ordering across concurrent appends is enforced by Ledger.
//
// # Implementation Requirements
//
//  1. Put must fail with ErrSequenceConflict unless ev.Seq == tip.Seq+1
//     (or 1 for an empty tenant).
//  2. Events returns the tenant's events in Seq order.
//  3. Stored events are returned exactly as written.
type Store interface {
	// Tip returns the latest event for tenant, or ok=false when empty.
	Tip(ctx context.Context, tenantID string) (ev Event, ok bool, err error)

	// Put appends ev as the new tip for ev.TenantID.
	Put(ctx context.Context, ev Event) error

	// Events returns every event for tenant in order.
	Events(ctx context.Context, tenantID string) ([]Event, error)

	// Tenants returns every tenant with at least one event, sorted.
	Tenants(ctx context.Context) ([]string, error)

	// Close releases resources.
	Close() error
}

// MemoryStore keeps events in process memory.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]Event)}
}

func (s *MemoryStore) Tip(_ context.Context, tenantID string) (Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[tenantID]
	if len(evs) == 0 {
		return Event{}, false, nil
	}
	return evs[len(evs)-1], true, nil
}

func (s *MemoryStore) Put(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[ev.TenantID]
	if ev.Seq != uint64(len(evs))+1 {
		return ErrSequenceConflict
	}
	s.events[ev.TenantID] = append(evs, ev)
	return nil
}

func (s *MemoryStore) Events(_ context.Context, tenantID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[tenantID]
	out := make([]Event, len(evs))
	copy(out, evs)
	return out, nil
}

func (s *MemoryStore) Tenants(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.events))
	for tenant := range s.events {
		out = append(out, tenant)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
