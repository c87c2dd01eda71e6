// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianTrust/pkg/logging"
	"github.com/AleutianAI/AleutianTrust/services/trust"
	"github.com/AleutianAI/AleutianTrust/services/trust/handlers"
	"github.com/AleutianAI/AleutianTrust/services/trust/middleware"
	"github.com/AleutianAI/AleutianTrust/services/trust/observability"
)

// Options configures SetupRoutes.
type Options struct {
	// ServiceName labels spans. Default: "trust-service"
	ServiceName string

	// AuthProvider validates bearer tokens. Default: NopAuthProvider
	AuthProvider middleware.AuthProvider

	// Limiter budgets the chain-walking routes per tenant. Default: disabled
	Limiter *middleware.TenantLimiter

	// Tracing installs the otelgin middleware.
	Tracing bool

	Logger *logging.Logger
}

// SetupRoutes registers every trust route on router.
//
// /health and /metrics are unauthenticated. Everything under /v1 requires
// a principal; tenant-scoped routes also check the principal's tenants.
func SetupRoutes(router *gin.Engine, svc *trust.Service, opts Options) {
	if opts.ServiceName == "" {
		opts.ServiceName = "trust-service"
	}
	if opts.AuthProvider == nil {
		opts.AuthProvider = middleware.NopAuthProvider{}
	}
	if opts.Limiter == nil {
		opts.Limiter = middleware.NewTenantLimiter(0, 0)
	}
	if opts.Tracing {
		router.Use(otelgin.Middleware(opts.ServiceName))
	}
	router.Use(middleware.Metrics())

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(observability.MetricsHandler()))

	limited := middleware.RateLimit(opts.Limiter)
	tenant := middleware.RequireTenant()
	role := middleware.RequireRole

	v1 := router.Group("/v1", middleware.Authenticate(opts.AuthProvider))
	{
		v1.GET("/policy", handlers.GetPolicy(svc))
		v1.GET("/keys", handlers.ListKeys(svc))

		tenants := v1.Group("/tenants/:tenant", tenant)
		{
			tenants.POST("/evaluate", role(middleware.RoleEvaluator), handlers.Evaluate(svc))
			tenants.POST("/generate", role(middleware.RoleEvaluator), limited, handlers.Generate(svc))
			tenants.PUT("/sensitive-terms", role(middleware.RoleOperator), handlers.SetSensitiveTerms(svc))
		}

		ledger := v1.Group("/ledger")
		{
			ledger.GET("/verify", role(middleware.RoleAdmin), limited, handlers.VerifyAll(svc))
			ledger.GET("/:tenant/events", tenant, role(middleware.RoleAuditor), handlers.ListEvents(svc))
			ledger.GET("/:tenant/verify", tenant, role(middleware.RoleAuditor), limited, handlers.VerifyChain(svc))
			ledger.GET("/:tenant/stream", tenant, role(middleware.RoleAuditor), handlers.Stream(svc, opts.Logger))
		}

		seals := v1.Group("/seals/:tenant/:date", tenant)
		{
			seals.POST("", role(middleware.RoleOperator), limited, handlers.Seal(svc))
			seals.GET("", role(middleware.RoleAuditor), handlers.GetSeal(svc))
			seals.GET("/proof", role(middleware.RoleAuditor), limited, handlers.Proof(svc))
		}
	}
}
