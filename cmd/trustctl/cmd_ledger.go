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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianTrust/pkg/ux"
	"github.com/AleutianAI/AleutianTrust/services/trust/ledger"
)

// errVerificationFailed makes the process exit non-zero after the report
// has been printed.
var errVerificationFailed = errors.New("ledger verification failed")

func newVerifyCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [tenant]",
		Short: "Walk one tenant chain, or every chain, and report breaks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openStores(cmd, true)
			if err != nil {
				return err
			}
			defer s.Close()

			var results []ledger.Verification
			if len(args) == 1 {
				if !ledger.ValidTenantID(args[0]) {
					return fmt.Errorf("invalid tenant id %q", args[0])
				}
				v, err := s.ledger.VerifyChain(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				results = []ledger.Verification{v}
			} else {
				if results, err = s.ledger.VerifyAll(cmd.Context()); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if opts.jsonOut {
				if err := writeJSON(out, results); err != nil {
					return err
				}
			} else {
				printVerifications(opts.printer(out), results)
			}
			for _, v := range results {
				if !v.IsValid {
					return errVerificationFailed
				}
			}
			return nil
		},
	}
}

func printVerifications(p *ux.Printer, results []ledger.Verification) {
	p.Title("Ledger verification")
	if len(results) == 0 {
		p.Warning("no chains found")
		return
	}
	valid := 0
	for _, v := range results {
		body := fmt.Sprintf("%d events  root %s", v.EventCount, ux.ShortHash(v.RootHash))
		if v.IsValid {
			valid++
			p.Success(fmt.Sprintf("%s: %s", v.TenantID, body))
			continue
		}
		if len(v.Details) == 0 {
			p.Error(v.TenantID + ": invalid")
			continue
		}
		d := v.Details[0]
		p.Box(v.TenantID, fmt.Sprintf("%s at event %d (%s)\nexpected %s\nactual   %s",
			d.Kind, d.Index, d.EventID, d.Expected, d.Actual), true)
	}
	p.Summary(valid, len(results)-valid)
}

func newEventsCmd(opts *globalOptions) *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "events <tenant>",
		Short: "List a tenant's events in chain order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant := args[0]
			if !ledger.ValidTenantID(tenant) {
				return fmt.Errorf("invalid tenant id %q", tenant)
			}
			var from time.Time
			if since != "" {
				var err error
				if from, err = time.Parse(time.RFC3339, since); err != nil {
					return fmt.Errorf("--since must be RFC 3339: %w", err)
				}
			}

			s, err := opts.openStores(cmd, true)
			if err != nil {
				return err
			}
			defer s.Close()

			events, err := s.ledger.Events(cmd.Context(), tenant)
			if err != nil {
				return err
			}
			filtered := make([]ledger.Event, 0, len(events))
			for _, ev := range events {
				if !ev.CreatedAt.Before(from) {
					filtered = append(filtered, ev)
				}
			}

			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return writeJSON(out, filtered)
			}
			p := opts.printer(out)
			p.Title(fmt.Sprintf("%s: %d events", tenant, len(filtered)))
			for _, ev := range filtered {
				p.Info(fmt.Sprintf("%6d  %s  %-20s  %s  %s", ev.Seq,
					ev.CreatedAt.UTC().Format(time.RFC3339), ev.Kind, ux.ShortHash(ev.Hash), ev.ActorID))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "Only events created at or after this RFC 3339 time")
	return cmd
}

func (o *globalOptions) printer(w io.Writer) *ux.Printer {
	return ux.NewPrinter(w, ux.DetectMode(asFile(w)))
}

func asFile(w io.Writer) *os.File {
	f, _ := w.(*os.File)
	return f
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
