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
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianTrust/pkg/logging"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab/badgerblob"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab/gcsblob"
	"github.com/AleutianAI/AleutianTrust/services/trust/config"
	"github.com/AleutianAI/AleutianTrust/services/trust/ledger"
	trustbadger "github.com/AleutianAI/AleutianTrust/services/trust/storage/badger"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	ledgerPath string
	jsonOut    bool
	yes        bool
	actor      string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "trustctl",
		Short: "Inspect and maintain an Aleutian trust ledger",
		Long: `trustctl verifies hash chains, seals days into signed Merkle
manifests, produces and checks inclusion proofs, and manages signing keys.`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", os.Getenv("TRUST_CONFIG"), "Path to the trustd YAML configuration")
	pf.StringVar(&opts.ledgerPath, "ledger", "", "Ledger directory (overrides ledger.path)")
	pf.BoolVar(&opts.jsonOut, "json", false, "Print machine-readable JSON")
	pf.BoolVarP(&opts.yes, "yes", "y", false, "Skip confirmation prompts")
	pf.StringVar(&opts.actor, "actor", defaultActor(), "Actor id recorded on ledger events")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "Log at debug level")

	root.AddCommand(
		newVerifyCmd(opts),
		newEventsCmd(opts),
		newSealCmd(opts),
		newProofCmd(opts),
		newVerifyProofCmd(opts),
		newKeysCmd(opts),
	)
	return root
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "trustctl:" + u
	}
	return "trustctl"
}

func (o *globalOptions) logger() *logging.Logger {
	level := logging.LevelWarn
	if o.verbose {
		level = logging.LevelDebug
	}
	return logging.New(logging.Config{Level: level, Service: "trustctl"})
}

// loadConfig reads the configuration without requiring a key when no file
// is given, so read-only commands work from --ledger alone.
func (o *globalOptions) loadConfig() (config.Config, error) {
	var cfg config.Config
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return config.Config{}, err
		}
	} else {
		cfg = config.DefaultConfig()
		if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
			return config.Config{}, err
		}
	}
	if o.ledgerPath != "" {
		cfg.Ledger.Path = o.ledgerPath
		cfg.Ledger.InMemory = false
	}
	return cfg, nil
}

// stores is an opened ledger with its blob store.
type stores struct {
	cfg    config.Config
	ledger *ledger.Ledger
	blobs  collab.BlobStore
	closeB func() error
}

func (s *stores) Close() error {
	var errs []error
	if s.closeB != nil {
		errs = append(errs, s.closeB())
	}
	errs = append(errs, s.ledger.Close())
	return errors.Join(errs...)
}

// openStores opens the configured ledger. readOnly leaves the directory
// usable by a running trustd.
func (o *globalOptions) openStores(cmd *cobra.Command, readOnly bool) (*stores, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Ledger.InMemory {
		return nil, errors.New("trustctl needs an on-disk ledger; set ledger.path or --ledger")
	}
	logger := o.logger()
	storeCfg := cfg.Ledger.Badger()
	storeCfg.ReadOnly = readOnly
	storeCfg.GCInterval = 0
	storeCfg.Logger = logger.Slog()
	db, err := trustbadger.OpenDB(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", cfg.Ledger.Path, err)
	}
	s := &stores{
		cfg:    cfg,
		ledger: ledger.New(ledger.NewBadgerStore(db), ledger.Options{Logger: logger}),
		blobs:  badgerblob.New(db),
	}
	if cfg.Stores.GCS != nil {
		gcs, err := gcsblob.New(cmd.Context(), *cfg.Stores.GCS)
		if err != nil {
			_ = s.ledger.Close()
			return nil, fmt.Errorf("gcs blob store: %w", err)
		}
		s.blobs, s.closeB = gcs, gcs.Close
	}
	return s, nil
}
