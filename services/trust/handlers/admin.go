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
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianTrust/services/trust"
	"github.com/AleutianAI/AleutianTrust/services/trust/attest"
	"github.com/AleutianAI/AleutianTrust/services/trust/middleware"
)

var validate = validator.New()

// KeysResponse is the body of GET /v1/keys.
type KeysResponse struct {
	Keys []attest.SigningKey `json:"keys"`
}

// ListKeys handles GET /v1/keys. Only public material is returned.
func ListKeys(svc *trust.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, KeysResponse{Keys: svc.Keys()})
	}
}

// GetPolicy handles GET /v1/policy.
func GetPolicy(svc *trust.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.Policy())
	}
}

// SensitiveTermsRequest is the body of PUT /v1/tenants/:tenant/sensitive-terms.
type SensitiveTermsRequest struct {
	Terms []string `json:"terms" validate:"max=512,dive,required,max=128"`
}

// SetSensitiveTerms handles PUT /v1/tenants/:tenant/sensitive-terms. The
// list replaces the tenant's previous terms; an empty list clears them.
func SetSensitiveTerms(svc *trust.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := validTenant(c)
		if !ok {
			return
		}
		var req SensitiveTermsRequest
		if err := decodeStrict(c, &req); err != nil {
			badRequest(c, err)
			return
		}
		if err := validate.Struct(req); err != nil {
			badRequest(c, err)
			return
		}
		svc.SetTenantTerms(tenant, req.Terms)
		c.JSON(http.StatusOK, gin.H{
			"tenantId":  tenant,
			"count":     len(req.Terms),
			"updatedBy": middleware.ActorID(c),
		})
	}
}
