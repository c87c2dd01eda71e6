// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianTrust/pkg/logging"
	"github.com/AleutianAI/AleutianTrust/services/trust"
	"github.com/AleutianAI/AleutianTrust/services/trust/attest"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab/badgerblob"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab/gcsblob"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab/llm"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab/pgstore"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab/weaviatestore"
	"github.com/AleutianAI/AleutianTrust/services/trust/config"
	"github.com/AleutianAI/AleutianTrust/services/trust/gate"
	"github.com/AleutianAI/AleutianTrust/services/trust/ledger"
	"github.com/AleutianAI/AleutianTrust/services/trust/merkle"
	"github.com/AleutianAI/AleutianTrust/services/trust/observability"
	"github.com/AleutianAI/AleutianTrust/services/trust/recorder"
	trustbadger "github.com/AleutianAI/AleutianTrust/services/trust/storage/badger"
)

// app holds everything run must close.
type app struct {
	service *trust.Service
	signer  *attest.Signer
	ledger  *ledger.Ledger
	closers []func()
}

// close stops the service before the stores it writes to.
func (a *app) close(logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.service != nil {
		if err := a.service.Close(ctx); err != nil {
			logger.Warn("trustd.recorder_drain_failed", "error", err)
		}
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			logger.Warn("trustd.ledger_close_failed", "error", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// build wires the service from cfg. On error everything opened so far is
// closed.
func build(ctx context.Context, cfg config.Config, logger *logging.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close(logger)
		}
	}()

	a.signer, err = cfg.Signing.LoadSigner()
	if err != nil {
		return nil, err
	}
	for _, k := range a.signer.Keys() {
		logger.Info("trustd.signing_key", "fingerprint", k.Fingerprint, "status", k.Status)
	}

	storeCfg := cfg.Ledger.Badger()
	storeCfg.Logger = logger.Slog()
	db, err := trustbadger.OpenDB(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// The ledger store owns db; blobs share it until the ledger closes.
	a.ledger = ledger.New(ledger.NewBadgerStore(db), ledger.Options{Logger: logger})

	anchorSrc, err := anchorStore(cfg.Stores, logger)
	if err != nil {
		return nil, err
	}
	exhibits, closeExhibits, err := exhibitStore(ctx, cfg.Stores, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeExhibits)
	blobs, closeBlobs, err := blobStore(ctx, cfg.Stores, db, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeBlobs)

	var client *llm.Client
	if cfg.Generator.Enabled || cfg.Admissibility.Checker == "openai" {
		client, err = llm.NewClient(cfg.Generator.LLM, logger)
		if err != nil {
			return nil, fmt.Errorf("llm client: %w", err)
		}
	}
	var checker collab.AdmissibilityChecker = collab.AllowAll
	if cfg.Admissibility.Checker == "openai" {
		checker = llm.NewChecker(client)
	} else {
		logger.Warn("trustd.admissibility_allow_all")
	}
	var generator collab.ClaimGenerator
	if cfg.Generator.Enabled {
		generator = llm.NewGenerator(client)
	}

	states := gate.NewTenantStates(cfg.Admissibility.Breaker, nil)
	g, err := gate.New(a.signer, checker, states, cfg.Policy, gate.Options{
		Logger:               logger,
		AdmissibilityTimeout: cfg.Admissibility.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("gate: %w", err)
	}

	var sink observability.DecisionSink = observability.NopSink{}
	if cfg.Telemetry.Influx.URL != "" {
		sink = observability.NewInfluxSink(cfg.Telemetry.Influx, logger)
	}

	a.service, err = trust.New(trust.Deps{
		Ledger:    a.ledger,
		Gate:      g,
		Signer:    a.signer,
		Sealer:    merkle.NewSealer(a.ledger, a.signer, blobs, merkle.SealerOptions{Logger: logger}),
		Recorder:  recorder.New(a.ledger, blobs, cfg.Recorder, logger),
		Anchors:   anchorSrc,
		Exhibits:  exhibits,
		Generator: generator,
		Sink:      sink,
	}, trust.Options{
		Logger:              logger,
		GeneratorTimeout:    cfg.Generator.Timeout,
		KeyGracePeriod:      cfg.Signing.GracePeriod,
		RecordVerifications: true,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func anchorStore(cfg config.StoresConfig, logger *logging.Logger) (collab.AnchorStore, error) {
	if cfg.Weaviate == nil {
		logger.Warn("trustd.anchor_store_in_memory")
		return collab.NewMemoryAnchorStore(), nil
	}
	s, err := weaviatestore.New(*cfg.Weaviate)
	if err != nil {
		return nil, fmt.Errorf("weaviate anchor store: %w", err)
	}
	return s, nil
}

func exhibitStore(ctx context.Context, cfg config.StoresConfig, logger *logging.Logger) (collab.ExhibitStore, func(), error) {
	if cfg.Postgres == nil {
		logger.Warn("trustd.exhibit_store_in_memory")
		return collab.NewMemoryExhibitStore(), func() {}, nil
	}
	s, err := pgstore.New(ctx, *cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres exhibit store: %w", err)
	}
	return s, s.Close, nil
}

// blobStore prefers GCS and otherwise keeps blobs beside the ledger.
func blobStore(ctx context.Context, cfg config.StoresConfig, db *trustbadger.DB, logger *logging.Logger) (collab.BlobStore, func(), error) {
	if cfg.GCS == nil {
		return badgerblob.New(db), func() {}, nil
	}
	s, err := gcsblob.New(ctx, *cfg.GCS)
	if err != nil {
		return nil, nil, fmt.Errorf("gcs blob store: %w", err)
	}
	return s, func() {
		if err := s.Close(); err != nil {
			logger.Warn("trustd.gcs_close_failed", "error", err)
		}
	}, nil
}
