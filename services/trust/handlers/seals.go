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
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianTrust/services/trust"
)

// Seal handles POST /v1/seals/:tenant/:date. Sealing a day twice returns
// the stored seal.
func Seal(svc *trust.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := validTenant(c)
		if !ok {
			return
		}
		seal, err := svc.Seal(c.Request.Context(), tenant, c.Param("date"))
		if err != nil {
			storeError(c, err)
			return
		}
		c.JSON(http.StatusOK, seal)
	}
}

// GetSeal handles GET /v1/seals/:tenant/:date.
func GetSeal(svc *trust.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := validTenant(c)
		if !ok {
			return
		}
		seal, err := svc.GetSeal(c.Request.Context(), tenant, c.Param("date"))
		if err != nil {
			storeError(c, err)
			return
		}
		c.JSON(http.StatusOK, seal)
	}
}

// Proof handles GET /v1/seals/:tenant/:date/proof?target=<hash>.
func Proof(svc *trust.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := validTenant(c)
		if !ok {
			return
		}
		target := c.Query("target")
		if target == "" {
			badRequest(c, errors.New("target is required"))
			return
		}
		res, err := svc.Proof(c.Request.Context(), tenant, c.Param("date"), target)
		if err != nil {
			storeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}
