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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianTrust/pkg/canonical"
	"github.com/AleutianAI/AleutianTrust/services/trust/anchors"
)

var validate = validator.New()

// Claim is one candidate factual statement and the anchors it cites.
type Claim struct {
	Text      string   `json:"text" validate:"required"`
	AnchorIDs []string `json:"anchorIds" validate:"omitempty,dive,required,max=128"`
}

// Request is the input to one gate evaluation.
type Request struct {
	TenantID string
	// RequestID identifies the decision. When empty it is derived from the
	// content of the request, so replays land on the same id.
	RequestID string
	Claims    []Claim
	// RawClaims is unparsed generator output. It is parsed during schema
	// validation when Claims is nil.
	RawClaims []byte
	// Anchors is the anchor universe for the request.
	Anchors []anchors.Anchor
}

type claimEnvelope struct {
	Claims []Claim `json:"claims"`
}

// ParseClaims strictly decodes generator output: either {"claims":[...]}
// or a bare array. Unknown fields and trailing data are rejected.
func ParseClaims(raw []byte) ([]Claim, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &SchemaError{Err: errors.New("empty claim payload")}
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()

	var claims []Claim
	if trimmed[0] == '[' {
		if err := dec.Decode(&claims); err != nil {
			return nil, &SchemaError{Err: fmt.Errorf("decode claims: %w", err)}
		}
	} else {
		var env claimEnvelope
		if err := dec.Decode(&env); err != nil {
			return nil, &SchemaError{Err: fmt.Errorf("decode claims: %w", err)}
		}
		claims = env.Claims
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &SchemaError{Err: errors.New("trailing data after claims")}
	}
	if claims == nil {
		claims = []Claim{}
	}
	return claims, nil
}

// validateSchema checks structure and policy bounds. It returns every
// problem found, not just the first.
func validateSchema(claims []Claim, list []anchors.Anchor, p PolicySnapshot) []Reason {
	var reasons []Reason
	if len(claims) == 0 {
		return []Reason{requestReason(CodeInvalidSchema, "request has no claims")}
	}
	if p.MaxClaims > 0 && len(claims) > p.MaxClaims {
		reasons = append(reasons, requestReason(CodeInvalidSchema,
			"request has %d claims, limit is %d", len(claims), p.MaxClaims))
	}
	for i, c := range claims {
		if err := validate.Struct(c); err != nil {
			reasons = append(reasons, claimReason(CodeInvalidSchema, i, "claim %d: %s", i, describe(err)))
			continue
		}
		if strings.TrimSpace(c.Text) == "" {
			reasons = append(reasons, claimReason(CodeInvalidSchema, i, "claim %d: text is blank", i))
		}
		if p.MaxClaimLength > 0 && len(c.Text) > p.MaxClaimLength {
			reasons = append(reasons, claimReason(CodeInvalidSchema, i,
				"claim %d: text is %d bytes, limit is %d", i, len(c.Text), p.MaxClaimLength))
		}
	}
	for i, a := range list {
		if err := validate.Struct(a); err != nil {
			reasons = append(reasons, requestReason(CodeInvalidSchema, "anchor %d (%s): %s", i, a.ID, describe(err)))
		}
	}
	return reasons
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, len(verrs))
	for i, fe := range verrs {
		parts[i] = fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
	return strings.Join(parts, "; ")
}

// DeriveRequestID returns a content-derived request id for claims
// evaluated against anchors under a policy version.
func DeriveRequestID(claims []Claim, list []anchors.Anchor, policyVersion string) (string, error) {
	h, _, err := canonical.Hash(map[string]any{
		"anchors":       anchors.NewUniverse(list).Anchors(),
		"claims":        claims,
		"policyVersion": policyVersion,
	})
	if err != nil {
		return "", fmt.Errorf("derive request id: %w", err)
	}
	return "req-" + h[:32], nil
}
