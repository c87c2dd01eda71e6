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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianTrust/pkg/ux"
	"github.com/AleutianAI/AleutianTrust/services/trust"
	"github.com/AleutianAI/AleutianTrust/services/trust/attest"
)

func newKeysCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage Ed25519 signing keys",
	}
	cmd.AddCommand(newKeysGenerateCmd(opts), newKeysShowCmd(opts), newKeysRotateCmd(opts))
	return cmd
}

// generateKeyFile writes a new seed to path and returns its public
// description. An existing file is kept unless force is set.
func generateKeyFile(path string, force bool) (attest.SigningKey, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return attest.SigningKey{}, fmt.Errorf("%s exists; pass --force to overwrite", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return attest.SigningKey{}, err
	}
	encoded, err := attest.GenerateSeed()
	if err != nil {
		return attest.SigningKey{}, err
	}
	material, err := attest.DecodeKey(encoded)
	if err != nil {
		return attest.SigningKey{}, err
	}
	signer, err := attest.NewSigner(material)
	if err != nil {
		return attest.SigningKey{}, err
	}
	if err := attest.WriteKeyFile(path, encoded); err != nil {
		return attest.SigningKey{}, err
	}
	return signer.Keys()[0], nil
}

func newKeysGenerateCmd(opts *globalOptions) *cobra.Command {
	var out string
	var force bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a new base64 Ed25519 seed with owner-only permissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := generateKeyFile(out, force)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.jsonOut {
				return writeJSON(w, map[string]string{
					"path":        out,
					"fingerprint": key.Fingerprint,
					"publicKey":   key.PublicKey,
				})
			}
			p := opts.printer(w)
			p.Success("wrote " + out)
			p.Field("Fingerprint", key.Fingerprint)
			p.Field("Public key", key.PublicKey)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Key file to create")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing key file")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newKeysShowCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the configured signing keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			signer, err := cfg.Signing.LoadSigner()
			if err != nil {
				return err
			}
			keys := signer.Keys()
			w := cmd.OutOrStdout()
			if opts.jsonOut {
				return writeJSON(w, keys)
			}
			printKeys(opts.printer(w), keys)
			return nil
		},
	}
}

func printKeys(p *ux.Printer, keys []attest.SigningKey) {
	p.Title("Signing keys")
	for _, k := range keys {
		status := string(k.Status)
		if k.GraceUntil != nil {
			status += " until " + k.GraceUntil.UTC().Format(time.RFC3339)
		}
		p.Info(fmt.Sprintf("%s  %s", k.Fingerprint, status))
	}
}

func newKeysRotateCmd(opts *globalOptions) *cobra.Command {
	var newKey string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate to a new signing key and record the rotation",
		Long: `rotate makes --new-key the active key and appends SIGNING_KEY_ROTATED
to the system chain. A missing --new-key file is generated. Restart trustd
with signing.key_file set to the new key and signing.previous_key_file set
to the old one so existing attestations keep verifying during the grace
period.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(newKey); errors.Is(err, os.ErrNotExist) {
				if _, err := generateKeyFile(newKey, false); err != nil {
					return err
				}
			}
			material, err := attest.LoadKey(newKey)
			if err != nil {
				return err
			}

			s, err := opts.openStores(cmd, false)
			if err != nil {
				return err
			}
			defer s.Close()
			signer, err := s.cfg.Signing.LoadSigner()
			if err != nil {
				return err
			}

			ok, err := opts.confirm()(
				"Rotate the signing key?",
				"The current key "+ux.ShortHash(signer.Fingerprint())+" stays verifiable for "+s.cfg.Signing.GracePeriod.String()+".")
			if err != nil {
				return err
			}
			if !ok {
				opts.printer(cmd.ErrOrStderr()).Warning("aborted")
				return nil
			}

			res, err := signer.Rotate(material, s.cfg.Signing.GracePeriod)
			if err != nil {
				return err
			}
			if err := trust.RecordRotation(cmd.Context(), s.ledger, res, opts.actor); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if opts.jsonOut {
				return writeJSON(w, res)
			}
			p := opts.printer(w)
			p.Success("rotation recorded on the system chain")
			p.Field("Active", res.Active.Fingerprint)
			p.Field("Previous", res.Previous.Fingerprint)
			p.Field("Grace until", res.GraceUntil.Format(time.RFC3339))
			p.Box("Next steps", fmt.Sprintf("signing:\n  key_file: %s\n  previous_key_file: %s",
				newKey, s.cfg.Signing.KeyFile), false)
			return nil
		},
	}
	cmd.Flags().StringVar(&newKey, "new-key", "", "Key file for the new active key")
	_ = cmd.MarkFlagRequired("new-key")
	return cmd
}
