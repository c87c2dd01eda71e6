// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collab

import (
	"context"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianTrust/services/trust/anchors"
)

// =============================================================================
// Anchor Store
// =============================================================================

// MemoryAnchorStore keeps anchors per tenant in memory.
type MemoryAnchorStore struct {
	mu      sync.RWMutex
	anchors map[string]map[string]anchors.Anchor
}

// NewMemoryAnchorStore creates an empty store.
func NewMemoryAnchorStore() *MemoryAnchorStore {
	return &MemoryAnchorStore{anchors: make(map[string]map[string]anchors.Anchor)}
}

// Add stores anchors for tenantID, replacing anchors with the same id.
func (s *MemoryAnchorStore) Add(tenantID string, list ...anchors.Anchor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.anchors[tenantID]
	if !ok {
		byID = make(map[string]anchors.Anchor)
		s.anchors[tenantID] = byID
	}
	for _, a := range list {
		byID[a.ID] = a
	}
}

func (s *MemoryAnchorStore) GetAnchors(ctx context.Context, tenantID string, ids []string) ([]anchors.Anchor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]anchors.Anchor, 0, len(ids))
	for _, id := range ids {
		if a, ok := s.anchors[tenantID][id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryAnchorStore) AnchorsByExhibit(ctx context.Context, tenantID, exhibitID string) ([]anchors.Anchor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []anchors.Anchor
	for _, a := range s.anchors[tenantID] {
		if a.ExhibitID == exhibitID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// Exhibit Store
// =============================================================================

// MemoryExhibitStore keeps exhibit records in memory.
type MemoryExhibitStore struct {
	mu       sync.RWMutex
	exhibits map[string]map[string]Exhibit
}

// NewMemoryExhibitStore creates an empty store.
func NewMemoryExhibitStore() *MemoryExhibitStore {
	return &MemoryExhibitStore{exhibits: make(map[string]map[string]Exhibit)}
}

// Put stores or replaces an exhibit record.
func (s *MemoryExhibitStore) Put(ex Exhibit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.exhibits[ex.TenantID]
	if !ok {
		byID = make(map[string]Exhibit)
		s.exhibits[ex.TenantID] = byID
	}
	byID[ex.ID] = ex
}

func (s *MemoryExhibitStore) GetExhibits(ctx context.Context, tenantID string, ids []string) (map[string]Exhibit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Exhibit, len(ids))
	for _, id := range ids {
		if ex, ok := s.exhibits[tenantID][id]; ok {
			out[id] = ex
		}
	}
	return out, nil
}

// =============================================================================
// Blob Store
// =============================================================================

// MemoryBlobStore keeps blobs in memory.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Keys returns every stored key, sorted.
func (s *MemoryBlobStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.blobs))
	for k := range s.blobs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// Function Adapters
// =============================================================================

// GeneratorFunc adapts a function to ClaimGenerator.
type GeneratorFunc func(ctx context.Context, req GenerationRequest) ([]byte, error)

func (f GeneratorFunc) Generate(ctx context.Context, req GenerationRequest) ([]byte, error) {
	return f(ctx, req)
}

// CheckerFunc adapts a function to AdmissibilityChecker.
type CheckerFunc func(ctx context.Context, tenantID string, items []AdmissibilityItem) (AdmissibilityVerdict, error)

func (f CheckerFunc) Check(ctx context.Context, tenantID string, items []AdmissibilityItem) (AdmissibilityVerdict, error) {
	return f(ctx, tenantID, items)
}

// AllowAll is an AdmissibilityChecker that admits every item. Local runs only.
var AllowAll AdmissibilityChecker = CheckerFunc(func(ctx context.Context, _ string, _ []AdmissibilityItem) (AdmissibilityVerdict, error) {
	if err := ctx.Err(); err != nil {
		return AdmissibilityVerdict{}, err
	}
	return AdmissibilityVerdict{Admissible: true, Checker: "allow-all"}, nil
})

var (
	_ AnchorStore          = (*MemoryAnchorStore)(nil)
	_ ExhibitStore         = (*MemoryExhibitStore)(nil)
	_ BlobStore            = (*MemoryBlobStore)(nil)
	_ ClaimGenerator       = GeneratorFunc(nil)
	_ AdmissibilityChecker = CheckerFunc(nil)
)
