// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP handlers of the trust service.
//
// Request bodies are decoded strictly: unknown fields, trailing data and
// bodies over MaxBodyBytes are rejected with 400 before any work is done.
package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianTrust/services/trust/ledger"
	"github.com/AleutianAI/AleutianTrust/services/trust/merkle"
)

// MaxBodyBytes bounds request bodies.
const MaxBodyBytes = 4 << 20

// ErrorResponse is the body of every non-decision error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// decodeStrict reads the request body into v.
func decodeStrict(c *gin.Context, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	if dec.More() {
		return errors.New("decode body: trailing data")
	}
	return nil
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
}

// validTenant aborts with 400 when the :tenant parameter is not a valid
// tenant id.
func validTenant(c *gin.Context) (string, bool) {
	tenant := c.Param("tenant")
	if !ledger.ValidTenantID(tenant) {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_tenant"})
		return "", false
	}
	return tenant, true
}

// storeError maps ledger and seal errors onto HTTP responses.
func storeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, ledger.ErrInvalidTenant):
		status, code = http.StatusBadRequest, "invalid_tenant"
	case errors.Is(err, merkle.ErrInvalidDate):
		status, code = http.StatusBadRequest, "invalid_date"
	case errors.Is(err, merkle.ErrDayNotClosed):
		status, code = http.StatusConflict, "day_not_closed"
	case errors.Is(err, merkle.ErrNotSealed):
		status, code = http.StatusNotFound, "not_sealed"
	case errors.Is(err, merkle.ErrTargetNotFound):
		status, code = http.StatusNotFound, "target_not_found"
	case errors.Is(err, merkle.ErrSealSignature):
		status, code = http.StatusUnprocessableEntity, "seal_signature_invalid"
	case errors.Is(err, ledger.ErrClosed):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: code, Message: err.Error()})
}
