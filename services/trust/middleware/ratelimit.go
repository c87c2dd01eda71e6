// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianTrust/services/trust/observability"
)

// TenantLimiter keeps one token bucket per tenant.
//
// # Description
//
// Chain verification, sealing and proofs walk whole chains, so each tenant
// gets its own budget and one busy tenant cannot starve the rest. Buckets
// idle longer than the idle window are dropped on the next sweep.
//
// # Thread Safety
//
// Safe for concurrent use.
type TenantLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTenantLimiter allows perSecond requests per tenant with burst. A
// non-positive perSecond disables limiting.
func NewTenantLimiter(perSecond float64, burst int) *TenantLimiter {
	if burst <= 0 {
		burst = 1
	}
	l := rate.Inf
	if perSecond > 0 {
		l = rate.Limit(perSecond)
	}
	return &TenantLimiter{
		limit:   l,
		burst:   burst,
		idle:    10 * time.Minute,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow takes one token from tenantID's bucket.
func (t *TenantLimiter) Allow(tenantID string) bool {
	if t.limit == rate.Inf {
		return true
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Sub(t.lastSweep) > t.idle {
		for id, b := range t.buckets {
			if now.Sub(b.lastSeen) > t.idle {
				delete(t.buckets, id)
			}
		}
		t.lastSweep = now
	}
	b, ok := t.buckets[tenantID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[tenantID] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// RateLimit rejects requests over the :tenant budget with 429. Routes
// without a tenant parameter share the "*" bucket.
func RateLimit(limiter *TenantLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := c.Param("tenant")
		if tenant == "" {
			tenant = "*"
		}
		if !limiter.Allow(tenant) {
			observability.RateLimited.WithLabelValues(c.FullPath()).Inc()
			c.Header("Retry-After", strconv.Itoa(1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// Metrics records request counts and latency by route template.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		observability.HTTPRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		observability.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
