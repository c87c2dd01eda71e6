// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collab declares the external collaborators of the trust core
// and provides in-memory implementations for tests and local runs.
//
// Production implementations live in subpackages:
//
//	weaviatestore  AnchorStore over Weaviate
//	pgstore        ExhibitStore over PostgreSQL
//	gcsblob        BlobStore over Google Cloud Storage
//	llm            ClaimGenerator and AdmissibilityChecker over OpenAI
package collab

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/AleutianTrust/services/trust/anchors"
)

// ErrNotFound is returned by lookups for unknown keys.
var ErrNotFound = errors.New("collab: not found")

// AnchorStore looks up extracted anchors. Read-only.
type AnchorStore interface {
	// GetAnchors returns the anchors with the given ids. Unknown ids are
	// omitted rather than reported as errors.
	GetAnchors(ctx context.Context, tenantID string, ids []string) ([]anchors.Anchor, error)

	// AnchorsByExhibit returns every anchor extracted from one exhibit.
	AnchorsByExhibit(ctx context.Context, tenantID, exhibitID string) ([]anchors.Anchor, error)
}

// Exhibit is the current verification record of an uploaded artifact.
type Exhibit struct {
	ID            string                `json:"id"`
	TenantID      string                `json:"tenantId"`
	IntegrityHash string                `json:"integrityHash"`
	Status        anchors.ExhibitStatus `json:"status"`
	UpdatedAt     time.Time             `json:"updatedAt"`
}

// ExhibitStore reports exhibit status and integrity hashes. Read-only.
type ExhibitStore interface {
	// GetExhibits returns the known exhibits among ids, keyed by id.
	GetExhibits(ctx context.Context, tenantID string, ids []string) (map[string]Exhibit, error)
}

// GenerationRequest is the evidence context handed to a ClaimGenerator.
type GenerationRequest struct {
	TenantID  string
	RequestID string
	Anchors   []anchors.Anchor
	// Question is the user prompt the claims should answer. Optional.
	Question string
}

// ClaimGenerator drafts candidate claims. The result is the raw generator
// output; the caller parses and validates it.
type ClaimGenerator interface {
	Generate(ctx context.Context, req GenerationRequest) ([]byte, error)
}

// AdmissibilityItem is one (claim, anchors) pair submitted for cross-check.
type AdmissibilityItem struct {
	ClaimIndex  int      `json:"claimIndex"`
	Text        string   `json:"text"`
	AnchorIDs   []string `json:"anchorIds"`
	AnchorTexts []string `json:"anchorTexts"`
}

// AdmissibilityVerdict is the outcome of an independent cross-check.
type AdmissibilityVerdict struct {
	Admissible bool     `json:"admissible"`
	Reasons    []string `json:"reasons,omitempty"`
	// Checker names the classifier that produced the verdict.
	Checker string `json:"checker,omitempty"`
}

// AdmissibilityChecker is the second, independent classifier consulted
// before release. Errors and timeouts are treated as failures by callers.
type AdmissibilityChecker interface {
	Check(ctx context.Context, tenantID string, items []AdmissibilityItem) (AdmissibilityVerdict, error)
}

// BlobStore is an opaque key-value store for sealed manifests.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	// Get returns ErrNotFound for unknown keys.
	Get(ctx context.Context, key string) ([]byte, error)
}
