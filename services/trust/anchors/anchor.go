// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package anchors holds the evidence anchor model and the anchor algebra:
// pure functions that classify a claim's resolved anchors.
//
// Nothing in this package performs I/O, reads clocks or panics. Every
// function is deterministic in its inputs, which the release gate relies on
// for replayable decisions.
package anchors

import (
	"sort"
)

// ExhibitStatus is the verification status of the exhibit behind an anchor.
type ExhibitStatus string

const (
	StatusActive  ExhibitStatus = "ACTIVE"
	StatusRevoked ExhibitStatus = "REVOKED"
)

// Anchor is a located, hashed excerpt of a source exhibit. Anchors are
// produced by an external extractor; this package only reads them.
type Anchor struct {
	ID                   string        `json:"id" validate:"required,max=128"`
	ExhibitID            string        `json:"exhibitId" validate:"required,max=128"`
	PageNumber           int           `json:"pageNumber" validate:"gte=0"`
	LineNumber           int           `json:"lineNumber" validate:"gte=0"`
	BBox                 [4]float64    `json:"bbox"`
	Text                 string        `json:"text" validate:"max=20000"`
	ExhibitIntegrityHash string        `json:"exhibitIntegrityHash" validate:"required,len=64,hexadecimal"`
	ExhibitStatus        ExhibitStatus `json:"exhibitStatus" validate:"required,oneof=ACTIVE REVOKED"`
}

// Revoked reports whether the anchor's exhibit has been revoked.
func (a Anchor) Revoked() bool {
	return a.ExhibitStatus == StatusRevoked
}

// Universe indexes the anchors available to one request by id.
type Universe struct {
	byID map[string]Anchor
	ids  []string
}

// NewUniverse indexes anchors. When ids repeat, the first anchor wins so
// that the index does not depend on later duplicates.
func NewUniverse(list []Anchor) Universe {
	u := Universe{byID: make(map[string]Anchor, len(list))}
	for _, a := range list {
		if _, dup := u.byID[a.ID]; dup {
			continue
		}
		u.byID[a.ID] = a
		u.ids = append(u.ids, a.ID)
	}
	sort.Strings(u.ids)
	return u
}

// Len returns the number of distinct anchors.
func (u Universe) Len() int { return len(u.ids) }

// Get returns the anchor with id.
func (u Universe) Get(id string) (Anchor, bool) {
	a, ok := u.byID[id]
	return a, ok
}

// IDs returns the anchor ids in sorted order.
func (u Universe) IDs() []string {
	out := make([]string, len(u.ids))
	copy(out, u.ids)
	return out
}

// Anchors returns all anchors sorted by id.
func (u Universe) Anchors() []Anchor {
	out := make([]Anchor, 0, len(u.ids))
	for _, id := range u.ids {
		out = append(out, u.byID[id])
	}
	return out
}

// Resolve looks up ids. Resolved anchors are returned in the order of
// their first mention; unknown ids are returned separately. Repeated ids
// resolve once.
func (u Universe) Resolve(ids []string) (resolved []Anchor, missing []string) {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if a, ok := u.byID[id]; ok {
			resolved = append(resolved, a)
		} else {
			missing = append(missing, id)
		}
	}
	return resolved, missing
}
