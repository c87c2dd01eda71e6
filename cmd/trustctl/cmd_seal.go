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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianTrust/pkg/ux"
	"github.com/AleutianAI/AleutianTrust/services/trust/ledger"
	"github.com/AleutianAI/AleutianTrust/services/trust/merkle"
)

// errProofInvalid is returned by verify-proof for a proof that does not
// reach its root.
var errProofInvalid = errors.New("proof does not verify against its root")

func newSealCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seal <tenant> <YYYY-MM-DD>",
		Short: "Seal a closed UTC day into a signed Merkle manifest",
		Long: `seal computes the Merkle root over the tenant's released decisions for
the day, signs the manifest with the configured key, stores it and appends
a MERKLE_ROOT_SEALED event. Re-sealing an unchanged day is a no-op.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, date := args[0], args[1]
			if !ledger.ValidTenantID(tenant) {
				return fmt.Errorf("invalid tenant id %q", tenant)
			}
			if _, _, err := merkle.ParseDay(date); err != nil {
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
				fmt.Sprintf("Seal %s for %s?", date, tenant),
				"The manifest is signed with key "+ux.ShortHash(signer.Fingerprint())+".")
			if err != nil {
				return err
			}
			if !ok {
				opts.printer(cmd.ErrOrStderr()).Warning("aborted")
				return nil
			}

			sealer := merkle.NewSealer(s.ledger, signer, s.blobs, merkle.SealerOptions{
				Logger:  opts.logger(),
				ActorID: opts.actor,
			})
			seal, err := sealer.Seal(cmd.Context(), tenant, date)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return writeJSON(out, seal)
			}
			p := opts.printer(out)
			p.Success(fmt.Sprintf("sealed %s %s", tenant, date))
			root := "(empty day)"
			if seal.Payload.RootHash != nil {
				root = *seal.Payload.RootHash
			}
			p.Field("Decisions", strconv.Itoa(seal.Payload.Count))
			p.Field("Root", root)
			p.Field("Key", seal.KeyFingerprint)
			p.Field("Manifest", merkle.ManifestKey(tenant, date))
			return nil
		},
	}
}

func newProofCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "proof <tenant> <YYYY-MM-DD> <event-hash>",
		Short: "Print an inclusion proof for a released decision as JSON",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !ledger.ValidTenantID(args[0]) {
				return fmt.Errorf("invalid tenant id %q", args[0])
			}
			s, err := opts.openStores(cmd, true)
			if err != nil {
				return err
			}
			defer s.Close()
			signer, err := s.cfg.Signing.LoadSigner()
			if err != nil {
				return err
			}

			sealer := merkle.NewSealer(s.ledger, signer, s.blobs, merkle.SealerOptions{Logger: opts.logger()})
			res, err := sealer.Proof(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newVerifyProofCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-proof <proof.json|->",
		Short: "Check an inclusion proof without access to the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			var res merkle.ProofResult
			dec := json.NewDecoder(r)
			dec.DisallowUnknownFields()
			if err := dec.Decode(&res); err != nil {
				return fmt.Errorf("decode proof: %w", err)
			}

			valid := merkle.VerifyProof(res.TargetHash, res.Proof, res.RootHash)
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				if err := writeJSON(out, map[string]any{
					"valid":      valid,
					"tenantId":   res.TenantID,
					"date":       res.Date,
					"targetHash": res.TargetHash,
					"rootHash":   res.RootHash,
				}); err != nil {
					return err
				}
			} else {
				p := opts.printer(out)
				if valid {
					p.Success(fmt.Sprintf("%s is included in %s %s", ux.ShortHash(res.TargetHash), res.TenantID, res.Date))
				} else {
					p.Error(fmt.Sprintf("%s is not proven by root %s", ux.ShortHash(res.TargetHash), ux.ShortHash(res.RootHash)))
				}
				p.Field("Root", res.RootHash)
				p.Field("Steps", strconv.Itoa(len(res.Proof)))
			}
			if !valid {
				return errProofInvalid
			}
			return nil
		},
	}
}

// confirm returns the prompt for destructive commands.
func (o *globalOptions) confirm() ux.Confirmer {
	if o.yes {
		return ux.AlwaysConfirm
	}
	return ux.Confirm
}
