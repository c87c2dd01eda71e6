// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy_engine classifies candidate claims as high risk.
//
// A claim is high risk when it states a numeric figure, a date, or a
// sensitive term. The release gate requires high-risk claims to be
// triangulated across independent exhibits before they are shown.
package policy_engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianTrust/pkg/canonical"
	"github.com/AleutianAI/AleutianTrust/services/policy_engine/enforcement"
)

// PolicyEngine holds the compiled high-risk classifications plus any
// configured sensitive terms.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type PolicyEngine struct {
	Classifiers []Classification

	terms       []string
	termPattern *regexp.Regexp
	version     string
}

// NewPolicyEngine loads the embedded high-risk patterns and compiles them
// together with the configured sensitive terms.
//
// # Description
//
// It performs the following operations:
//  1. Unmarshals the embedded YAML data.
//  2. Compiles all regex patterns.
//  3. Sorts classifications by priority.
//  4. Normalizes terms (trimmed, lowercased, deduplicated) into one
//     case-insensitive whole-word pattern.
//
// # Inputs
//
//   - terms: Configured sensitive terms. Blank entries are ignored.
//
// # Outputs
//
//   - *PolicyEngine: Ready to classify.
//   - error: Non-nil if the embedded YAML is malformed or contains an invalid regex.
func NewPolicyEngine(terms ...string) (*PolicyEngine, error) {
	var classificationFile HighRiskPatternFile
	if err := yaml.Unmarshal(enforcement.HighRiskPatterns, &classificationFile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded policy file: %w", err)
	}
	if err := classificationFile.CompileRegexes(); err != nil {
		return nil, fmt.Errorf("failed to compile a regex %w", err)
	}
	classificationFile.SortByPriority()

	engine := &PolicyEngine{Classifiers: classificationFile.ClassificationPatterns}
	engine.setTerms(terms)
	return engine, nil
}

// WithTerms returns a copy of the engine whose configured terms are the
// union of the current terms and extra. The receiver is unchanged.
func (e *PolicyEngine) WithTerms(extra ...string) *PolicyEngine {
	merged := append(append([]string(nil), e.terms...), extra...)
	out := &PolicyEngine{Classifiers: e.Classifiers}
	out.setTerms(merged)
	return out
}

func (e *PolicyEngine) setTerms(terms []string) {
	e.terms = NormalizeTerms(terms)
	e.termPattern = nil
	if len(e.terms) > 0 {
		quoted := make([]string, len(e.terms))
		for i, t := range e.terms {
			quoted[i] = regexp.QuoteMeta(t)
		}
		e.termPattern = regexp.MustCompile(`(?i)(?:^|\W)(` + strings.Join(quoted, "|") + `)(?:\W|$)`)
	}
	e.version = canonical.SHA256Hex(append(append([]byte(nil), enforcement.HighRiskPatterns...),
		[]byte("\n"+strings.Join(e.terms, "\n"))...))
}

// NormalizeTerms trims, lowercases, deduplicates and sorts terms.
func NormalizeTerms(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.Join(strings.Fields(t), " "))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Terms returns the normalized configured terms.
func (e *PolicyEngine) Terms() []string {
	return append([]string(nil), e.terms...)
}

// Version is a content hash of the embedded patterns and configured terms.
// Two engines with equal versions classify every input identically.
func (e *PolicyEngine) Version() string {
	return e.version
}

// ClassifyClaim returns the full assessment for one claim, including every
// finding in classification priority order. Deterministic for a given
// engine version.
func (e *PolicyEngine) ClassifyClaim(text string) RiskAssessment {
	findings := e.scan(text)
	if len(findings) == 0 {
		return RiskAssessment{Classification: ClassificationNone}
	}
	return RiskAssessment{
		HighRisk:       true,
		Classification: findings[0].ClassificationName,
		Findings:       findings,
	}
}

func (e *PolicyEngine) scan(text string) []ScanFinding {
	var findings []ScanFinding
	for _, classifier := range e.Classifiers {
		for _, pattern := range classifier.Patterns {
			match := pattern.compiledPattern.FindString(text)
			if match != "" {
				findings = append(findings, ScanFinding{
					MatchedContent:     strings.TrimSpace(match),
					ClassificationName: classifier.Name,
					PatternId:          pattern.Id,
					PatternDescription: pattern.Description,
					Confidence:         pattern.Confidence,
				})
			}
		}
	}
	if e.termPattern != nil {
		if m := e.termPattern.FindStringSubmatch(text); m != nil {
			findings = append(findings, ScanFinding{
				MatchedContent:     m[1],
				ClassificationName: ClassificationTerm,
				PatternId:          "CONFIGURED_TERM",
				PatternDescription: "Configured sensitive term.",
				Confidence:         High,
			})
		}
	}
	return findings
}
