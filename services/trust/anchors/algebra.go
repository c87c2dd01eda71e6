// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package anchors

import (
	"fmt"
	"sort"
)

// DependencyClass says whether a claim rests on one exhibit or several.
type DependencyClass string

const (
	SingleSource DependencyClass = "SINGLE_SOURCE"
	Corroborated DependencyClass = "CORROBORATED"
)

// ContradictionKind names the load-bearing fact the anchors disagree on.
type ContradictionKind string

const (
	// ContradictionStatus: anchors come from exhibits with differing status.
	ContradictionStatus ContradictionKind = "EXHIBIT_STATUS"

	// ContradictionIntegrity: one exhibit is cited with differing hashes.
	ContradictionIntegrity ContradictionKind = "EXHIBIT_INTEGRITY"

	// ContradictionAmount: exhibits state disjoint amounts for an amount claim.
	ContradictionAmount ContradictionKind = "AMOUNT_CONFLICT"

	// ContradictionDate: exhibits state disjoint dates for a dated claim.
	ContradictionDate ContradictionKind = "DATE_CONFLICT"

	// ContradictionInternal: evaluation failed; treated as a contradiction.
	ContradictionInternal ContradictionKind = "EVALUATION_FAULT"
)

// Contradiction is one detected disagreement.
type Contradiction struct {
	Kind       ContradictionKind `json:"kind"`
	ExhibitIDs []string          `json:"exhibitIds"`
	Detail     string            `json:"detail"`
}

// Result is the algebra outcome for one claim.
type Result struct {
	DependencyClass       DependencyClass `json:"dependencyClass"`
	CorroborationCount    int             `json:"corroborationCount"`
	ContradictionDetected bool            `json:"contradictionDetected"`
	Contradictions        []Contradiction `json:"contradictions,omitempty"`
	ResolvedCount         int             `json:"resolvedCount"`
	MissingAnchorIDs      []string        `json:"missingAnchorIds,omitempty"`
}

// ClassifyDependency returns SingleSource for at most one distinct exhibit.
func ClassifyDependency(resolved []Anchor) DependencyClass {
	if CorroborationCount(resolved) <= 1 {
		return SingleSource
	}
	return Corroborated
}

// CorroborationCount returns the number of distinct exhibits referenced.
func CorroborationCount(resolved []Anchor) int {
	return len(distinctExhibits(resolved))
}

func distinctExhibits(resolved []Anchor) []string {
	seen := make(map[string]struct{}, len(resolved))
	out := make([]string, 0, len(resolved))
	for _, a := range resolved {
		if _, ok := seen[a.ExhibitID]; ok {
			continue
		}
		seen[a.ExhibitID] = struct{}{}
		out = append(out, a.ExhibitID)
	}
	sort.Strings(out)
	return out
}

// DetectContradictions returns every load-bearing disagreement among the
// resolved anchors of a claim.
//
// # Description
//
// Three predicates are checked in a fixed order:
//
//  1. Status: resolved anchors reference exhibits with differing status.
//  2. Integrity: the same exhibit id appears with differing integrity hashes.
//  3. Values: when the claim states an amount (or a date), each exhibit's
//     anchors are scanned for normalized amounts (or dates). Two exhibits
//     that both state values of that category with no value in common
//     contradict each other.
//
// The function is total: a panic inside evaluation is converted into an
// EVALUATION_FAULT contradiction so the gate fails closed.
func DetectContradictions(claimText string, resolved []Anchor) (out []Contradiction) {
	defer func() {
		if r := recover(); r != nil {
			out = []Contradiction{{Kind: ContradictionInternal, Detail: fmt.Sprint(r)}}
		}
	}()

	out = append(out, statusConflicts(resolved)...)
	out = append(out, integrityConflicts(resolved)...)

	claimFacts := ExtractFacts(claimText)
	if len(claimFacts.Amounts) > 0 {
		out = append(out, valueConflicts(resolved, ContradictionAmount, func(f Facts) []string { return f.Amounts })...)
	}
	if len(claimFacts.Dates) > 0 {
		out = append(out, valueConflicts(resolved, ContradictionDate, func(f Facts) []string { return f.Dates })...)
	}
	return out
}

func statusConflicts(resolved []Anchor) []Contradiction {
	byStatus := make(map[ExhibitStatus]map[string]struct{})
	for _, a := range resolved {
		set, ok := byStatus[a.ExhibitStatus]
		if !ok {
			set = make(map[string]struct{})
			byStatus[a.ExhibitStatus] = set
		}
		set[a.ExhibitID] = struct{}{}
	}
	if len(byStatus) <= 1 {
		return nil
	}
	return []Contradiction{{
		Kind:       ContradictionStatus,
		ExhibitIDs: distinctExhibits(resolved),
		Detail:     fmt.Sprintf("%d distinct exhibit statuses", len(byStatus)),
	}}
}

func integrityConflicts(resolved []Anchor) []Contradiction {
	hashes := make(map[string]map[string]struct{})
	for _, a := range resolved {
		set, ok := hashes[a.ExhibitID]
		if !ok {
			set = make(map[string]struct{})
			hashes[a.ExhibitID] = set
		}
		set[a.ExhibitIntegrityHash] = struct{}{}
	}
	var conflicted []string
	for exhibit, set := range hashes {
		if len(set) > 1 {
			conflicted = append(conflicted, exhibit)
		}
	}
	sort.Strings(conflicted)
	out := make([]Contradiction, 0, len(conflicted))
	for _, exhibit := range conflicted {
		out = append(out, Contradiction{
			Kind:       ContradictionIntegrity,
			ExhibitIDs: []string{exhibit},
			Detail:     fmt.Sprintf("%d integrity hashes for one exhibit", len(hashes[exhibit])),
		})
	}
	return out
}

func valueConflicts(resolved []Anchor, kind ContradictionKind, pick func(Facts) []string) []Contradiction {
	perExhibit := make(map[string]map[string]struct{})
	for _, a := range resolved {
		values := pick(ExtractFacts(a.Text))
		if len(values) == 0 {
			continue
		}
		set, ok := perExhibit[a.ExhibitID]
		if !ok {
			set = make(map[string]struct{})
			perExhibit[a.ExhibitID] = set
		}
		for _, v := range values {
			set[v] = struct{}{}
		}
	}

	exhibits := make([]string, 0, len(perExhibit))
	for exhibit := range perExhibit {
		exhibits = append(exhibits, exhibit)
	}
	sort.Strings(exhibits)

	var out []Contradiction
	for i := 0; i < len(exhibits); i++ {
		for j := i + 1; j < len(exhibits); j++ {
			if disjoint(perExhibit[exhibits[i]], perExhibit[exhibits[j]]) {
				out = append(out, Contradiction{
					Kind:       kind,
					ExhibitIDs: []string{exhibits[i], exhibits[j]},
					Detail:     "exhibits state different values",
				})
			}
		}
	}
	return out
}

func disjoint(a, b map[string]struct{}) bool {
	for v := range a {
		if _, ok := b[v]; ok {
			return false
		}
	}
	return true
}

// Evaluate resolves ids against u and runs the full algebra for one claim.
func Evaluate(claimText string, ids []string, u Universe) Result {
	resolved, missing := u.Resolve(ids)
	contradictions := DetectContradictions(claimText, resolved)
	return Result{
		DependencyClass:       ClassifyDependency(resolved),
		CorroborationCount:    CorroborationCount(resolved),
		ContradictionDetected: len(contradictions) > 0,
		Contradictions:        contradictions,
		ResolvedCount:         len(resolved),
		MissingAnchorIDs:      missing,
	}
}
