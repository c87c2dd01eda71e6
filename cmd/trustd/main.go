// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command trustd serves the trust layer over HTTP.
//
// Usage:
//
//	trustd -config /etc/aleutian/trust.yaml
//
// Example requests:
//
//	# Health check
//	curl http://localhost:12240/health
//
//	# Evaluate claims for a tenant
//	curl -X POST http://localhost:12240/v1/tenants/acme/evaluate \
//	  -H "Authorization: Bearer $TOKEN" \
//	  -d '{"claims":[{"text":"...","anchorIds":["a1"]}],"anchorIds":["a1"]}'
//
//	# Verify a tenant chain
//	curl http://localhost:12240/v1/ledger/acme/verify -H "Authorization: Bearer $TOKEN"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianTrust/pkg/logging"
	"github.com/AleutianAI/AleutianTrust/services/trust/config"
	"github.com/AleutianAI/AleutianTrust/services/trust/gate"
	"github.com/AleutianAI/AleutianTrust/services/trust/middleware"
	"github.com/AleutianAI/AleutianTrust/services/trust/observability"
	"github.com/AleutianAI/AleutianTrust/services/trust/routes"
)

func main() {
	configPath := flag.String("config", os.Getenv("TRUST_CONFIG"), "Path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trustd: %v\n", err)
		os.Exit(1)
	}

	level, ok := logging.ParseLevel(cfg.Logging.Level)
	if !ok {
		level = logging.LevelInfo
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "trustd",
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath, logger); err != nil {
		logger.Error("trustd.exit", "error", err)
		logger.Close()
		os.Exit(1)
	}
}

// run builds the service, serves until ctx is cancelled and shuts down in
// reverse order of construction.
func run(ctx context.Context, cfg config.Config, configPath string, logger *logging.Logger) error {
	shutdownTelemetry, err := observability.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("trustd.telemetry_shutdown_failed", "error", err)
		}
	}()

	app, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close(logger)

	if configPath != "" {
		watcher, err := config.NewPolicyWatcher(configPath, 0, func(p gate.Policy) {
			if err := app.service.SetPolicy(p); err != nil {
				logger.Warn("trustd.policy_rejected", "error", err)
			}
		}, logger)
		if err != nil {
			return fmt.Errorf("policy watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("policy watcher: %w", err)
		}
		defer watcher.Stop()
	}

	auth, err := authProvider(cfg, logger)
	if err != nil {
		return err
	}

	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Server.Mode == gin.DebugMode {
		router.Use(gin.Logger())
	}
	routes.SetupRoutes(router, app.service, routes.Options{
		ServiceName:  cfg.Telemetry.ServiceName,
		AuthProvider: auth,
		Limiter:      middleware.NewTenantLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst),
		Tracing:      cfg.Telemetry.TraceExporter != "none",
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("trustd.listening", "addr", srv.Addr, "signing_key", app.signer.Fingerprint())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("trustd.shutting_down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("trustd.http_shutdown_failed", "error", err)
	}
	return nil
}

func authProvider(cfg config.Config, logger *logging.Logger) (middleware.AuthProvider, error) {
	if cfg.Server.AuthTokensFile == "" {
		logger.Warn("trustd.auth_disabled", "actor", "local-operator")
		return middleware.NopAuthProvider{}, nil
	}
	provider, err := middleware.LoadTokenFile(cfg.Server.AuthTokensFile)
	if err != nil {
		return nil, fmt.Errorf("auth tokens: %w", err)
	}
	return provider, nil
}
