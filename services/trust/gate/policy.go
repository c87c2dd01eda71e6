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
	"fmt"

	"github.com/AleutianAI/AleutianTrust/pkg/canonical"
	"github.com/AleutianAI/AleutianTrust/services/policy_engine"
)

// Policy is the configurable part of the release rules.
type Policy struct {
	// SensitiveTerms mark a claim as high risk in addition to the built-in
	// numeric, date and legal-term patterns.
	SensitiveTerms []string `yaml:"sensitive_terms" json:"sensitiveTerms"`

	// MinCorroboration is the number of distinct exhibits a high-risk claim
	// must cite. Default: 2
	MinCorroboration int `yaml:"min_corroboration" json:"minCorroboration" validate:"gte=1,lte=16"`

	// MaxClaims bounds the claims in one request. Default: 64
	MaxClaims int `yaml:"max_claims" json:"maxClaims" validate:"gte=1"`

	// MaxClaimLength bounds claim text in bytes. Default: 4000
	MaxClaimLength int `yaml:"max_claim_length" json:"maxClaimLength" validate:"gte=1"`
}

// DefaultPolicy returns the default release policy.
func DefaultPolicy() Policy {
	return Policy{
		MinCorroboration: 2,
		MaxClaims:        64,
		MaxClaimLength:   4000,
	}
}

// Validate checks the policy's bounds.
func (p Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	return nil
}

// compiledPolicy pairs a Policy with its base classifier.
type compiledPolicy struct {
	policy     Policy
	classifier *policy_engine.PolicyEngine
}

func compilePolicy(p Policy) (*compiledPolicy, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	engine, err := policy_engine.NewPolicyEngine(p.SensitiveTerms...)
	if err != nil {
		return nil, fmt.Errorf("build classifier: %w", err)
	}
	return &compiledPolicy{policy: p, classifier: engine}, nil
}

// PolicySnapshot is the immutable policy one evaluation runs under. Equal
// versions classify and decide identically, which is what makes decisions
// replayable.
type PolicySnapshot struct {
	Version          string
	MinCorroboration int
	MaxClaims        int
	MaxClaimLength   int
	Classifier       *policy_engine.PolicyEngine
}

// snapshot merges tenant terms into the base classifier.
func (c *compiledPolicy) snapshot(tenantTerms []string) (PolicySnapshot, error) {
	classifier := c.classifier
	if len(tenantTerms) > 0 {
		classifier = classifier.WithTerms(tenantTerms...)
	}
	version, _, err := canonical.Hash(map[string]any{
		"classifier":       classifier.Version(),
		"maxClaimLength":   c.policy.MaxClaimLength,
		"maxClaims":        c.policy.MaxClaims,
		"minCorroboration": c.policy.MinCorroboration,
	})
	if err != nil {
		return PolicySnapshot{}, fmt.Errorf("hash policy: %w", err)
	}
	return PolicySnapshot{
		Version:          version,
		MinCorroboration: c.policy.MinCorroboration,
		MaxClaims:        c.policy.MaxClaims,
		MaxClaimLength:   c.policy.MaxClaimLength,
		Classifier:       classifier,
	}, nil
}

// NewPolicySnapshot compiles p with extra tenant terms. Used by callers
// that evaluate without a Gate, such as replay tools.
func NewPolicySnapshot(p Policy, tenantTerms ...string) (PolicySnapshot, error) {
	c, err := compilePolicy(p)
	if err != nil {
		return PolicySnapshot{}, err
	}
	return c.snapshot(tenantTerms)
}
