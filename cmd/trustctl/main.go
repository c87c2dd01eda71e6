// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command trustctl inspects and maintains a trust ledger offline.
//
// Usage:
//
//	trustctl verify [tenant]                 # walk one chain or all chains
//	trustctl events <tenant>                 # list a tenant's events
//	trustctl seal <tenant> <YYYY-MM-DD>      # seal a closed day
//	trustctl proof <tenant> <date> <hash>    # print an inclusion proof
//	trustctl verify-proof <proof.json|->     # check a proof without the ledger
//	trustctl keys generate --out key.b64     # new signing key
//	trustctl keys show                       # configured keys
//	trustctl keys rotate --new-key next.b64  # rotate and record the rotation
//
// Commands that write (seal, keys rotate) need trustd stopped: Badger
// allows one writer per directory.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
