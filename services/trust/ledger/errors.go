// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownKind is returned when an event kind is not in the closed set.
	ErrUnknownKind = errors.New("ledger: unknown event kind")

	// ErrInvalidPayload is returned when a payload fails its schema.
	ErrInvalidPayload = errors.New("ledger: invalid payload")

	// ErrInvalidTenant is returned for empty or malformed tenant ids.
	ErrInvalidTenant = errors.New("ledger: invalid tenant id")

	// ErrSequenceConflict is returned by a Store when a write does not
	// extend the current tip. It indicates a bypassed serialization point.
	ErrSequenceConflict = errors.New("ledger: sequence conflict")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ledger: closed")
)

// BreakKind classifies the first integrity failure found by VerifyChain.
type BreakKind string

const (
	// BreakHashMismatch means the stored hash differs from the recomputed one.
	BreakHashMismatch BreakKind = "hash mismatch"

	// BreakChain means prevHash does not equal the previous event's hash.
	BreakChain BreakKind = "chain break"
)

// ChainIntegrityError describes a verification failure. It is reported,
// never repaired: remediation belongs to an external policy.
type ChainIntegrityError struct {
	TenantID string
	Index    int
	EventID  string
	Kind     BreakKind
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("ledger: %s at index %d (tenant %s, event %s)", e.Kind, e.Index, e.TenantID, e.EventID)
}

// Code returns the stable error code used in API responses.
func (e *ChainIntegrityError) Code() string { return "CHAIN_INTEGRITY" }

// Retryable is false: re-verifying an altered chain gives the same answer.
func (e *ChainIntegrityError) Retryable() bool { return false }
