// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianTrust/services/trust"
	"github.com/AleutianAI/AleutianTrust/services/trust/anchors"
	"github.com/AleutianAI/AleutianTrust/services/trust/attest"
	"github.com/AleutianAI/AleutianTrust/services/trust/bundle"
	"github.com/AleutianAI/AleutianTrust/services/trust/gate"
	"github.com/AleutianAI/AleutianTrust/services/trust/middleware"
)

// EvaluateRequest is the body of POST /v1/tenants/:tenant/evaluate.
// Claims stay raw so that malformed claims are withheld by the gate
// instead of rejected before it.
type EvaluateRequest struct {
	RequestID string           `json:"requestId,omitempty"`
	Claims    json.RawMessage  `json:"claims"`
	Anchors   []anchors.Anchor `json:"anchors,omitempty"`
	AnchorIDs []string         `json:"anchorIds,omitempty"`
}

// GenerateRequest is the body of POST /v1/tenants/:tenant/generate.
type GenerateRequest struct {
	Question  string           `json:"question,omitempty"`
	Anchors   []anchors.Anchor `json:"anchors,omitempty"`
	AnchorIDs []string         `json:"anchorIds,omitempty"`
	ExhibitID string           `json:"exhibitId,omitempty"`
}

// DecisionResponse is the wire form of a gate decision. Fields are filled
// according to Decision.
type DecisionResponse struct {
	Decision      string `json:"decision"`
	RequestID     string `json:"requestId"`
	PolicyVersion string `json:"policyVersion,omitempty"`

	// RELEASED
	Claims             []gate.ReleasedClaim `json:"claims,omitempty"`
	EvidenceBundleHash string               `json:"evidenceBundleHash,omitempty"`
	Signature          string               `json:"signature,omitempty"`
	Envelope           *attest.Envelope     `json:"envelope,omitempty"`
	Certificate        *bundle.Certificate  `json:"certificate,omitempty"`
	Bundle             *bundle.Bundle       `json:"bundle,omitempty"`

	// WITHHELD and FAILED
	ErrorCode     string        `json:"errorCode,omitempty"`
	Message       string        `json:"message,omitempty"`
	Reasons       []gate.Reason `json:"reasons,omitempty"`
	RejectedCount *int          `json:"rejectedCount,omitempty"`
	TotalCount    *int          `json:"totalCount,omitempty"`

	// FAILED
	Stage     string `json:"stage,omitempty"`
	Retryable *bool  `json:"retryable,omitempty"`
}

// NewDecisionResponse renders dec and picks its HTTP status. RELEASED and
// WITHHELD are both answers and return 200; FAILED is an infrastructure
// error: 504 for timeouts, 503 when retryable, 500 otherwise.
func NewDecisionResponse(dec gate.Decision) (int, DecisionResponse) {
	switch d := dec.(type) {
	case *gate.Released:
		env := d.Envelope
		cert := d.Certificate
		b := d.Bundle
		return http.StatusOK, DecisionResponse{
			Decision:           string(gate.OutcomeReleased),
			RequestID:          d.RequestID,
			PolicyVersion:      d.PolicyVersion,
			Claims:             d.Claims,
			EvidenceBundleHash: d.Bundle.Hash,
			Signature:          d.Envelope.Signature,
			Envelope:           &env,
			Certificate:        &cert,
			Bundle:             &b,
		}
	case *gate.Withheld:
		rejected, total := d.RejectedCount, d.TotalClaims
		return http.StatusOK, DecisionResponse{
			Decision:      string(gate.OutcomeWithheld),
			RequestID:     d.RequestID,
			PolicyVersion: d.PolicyVersion,
			ErrorCode:     string(d.ErrorCode),
			Message:       d.Message,
			Reasons:       d.Reasons,
			RejectedCount: &rejected,
			TotalCount:    &total,
		}
	case *gate.Failed:
		retryable := d.Retryable()
		status := http.StatusInternalServerError
		var te *gate.TimeoutError
		switch {
		case errors.As(d.Err, &te):
			status = http.StatusGatewayTimeout
		case retryable:
			status = http.StatusServiceUnavailable
		}
		return status, DecisionResponse{
			Decision:  string(gate.OutcomeFailed),
			RequestID: d.RequestID,
			ErrorCode: d.ErrorCode(),
			Message:   d.Err.Error(),
			Stage:     d.Stage,
			Retryable: &retryable,
		}
	}
	return http.StatusInternalServerError, DecisionResponse{Decision: string(gate.OutcomeFailed), RequestID: dec.Request()}
}

// Evaluate handles POST /v1/tenants/:tenant/evaluate.
func Evaluate(svc *trust.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := validTenant(c)
		if !ok {
			return
		}
		var req EvaluateRequest
		if err := decodeStrict(c, &req); err != nil {
			badRequest(c, err)
			return
		}
		dec := svc.Evaluate(c.Request.Context(), trust.EvaluateInput{
			TenantID:  tenant,
			ActorID:   middleware.ActorID(c),
			RequestID: req.RequestID,
			RawClaims: req.Claims,
			Anchors:   req.Anchors,
			AnchorIDs: req.AnchorIDs,
		})
		c.JSON(NewDecisionResponse(dec))
	}
}

// Generate handles POST /v1/tenants/:tenant/generate.
func Generate(svc *trust.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := validTenant(c)
		if !ok {
			return
		}
		var req GenerateRequest
		if err := decodeStrict(c, &req); err != nil {
			badRequest(c, err)
			return
		}
		dec := svc.EvaluateGenerated(c.Request.Context(), trust.GenerateInput{
			TenantID:  tenant,
			ActorID:   middleware.ActorID(c),
			Question:  req.Question,
			Anchors:   req.Anchors,
			AnchorIDs: req.AnchorIDs,
			ExhibitID: req.ExhibitID,
		})
		c.JSON(NewDecisionResponse(dec))
	}
}
