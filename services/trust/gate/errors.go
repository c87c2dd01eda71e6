// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Coded is implemented by every error in the gate's taxonomy.
type Coded interface {
	error
	Code() string
	Retryable() bool
}

// SchemaError reports malformed candidate claims. The caller may retry
// with regenerated claims.
type SchemaError struct {
	Reasons []Reason
	Err     error
}

func (e *SchemaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schema error: %v", e.Err)
	}
	if len(e.Reasons) > 0 {
		return "schema error: " + e.Reasons[0].Message
	}
	return "schema error"
}

func (e *SchemaError) Unwrap() error   { return e.Err }
func (e *SchemaError) Code() string    { return string(CodeInvalidSchema) }
func (e *SchemaError) Retryable() bool { return true }

// GroundingError reports insufficient, contradictory or revoked evidence.
// It is a deliberate rejection, not a defect.
type GroundingError struct {
	ReasonCode ReasonCode
	Reasons    []Reason
}

func (e *GroundingError) Error() string {
	return fmt.Sprintf("grounding error: %s (%d reasons)", e.ReasonCode, len(e.Reasons))
}

func (e *GroundingError) Code() string    { return string(e.ReasonCode) }
func (e *GroundingError) Retryable() bool { return false }

// AdmissibilityError reports a blocked or unavailable cross-check. Both
// fail closed.
type AdmissibilityError struct {
	ReasonCode ReasonCode
	Checker    string
	Err        error
}

func (e *AdmissibilityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("admissibility error: %s: %v", e.ReasonCode, e.Err)
	}
	return fmt.Sprintf("admissibility error: %s", e.ReasonCode)
}

func (e *AdmissibilityError) Unwrap() error { return e.Err }
func (e *AdmissibilityError) Code() string  { return string(e.ReasonCode) }

// Retryable is true only when the checker was unavailable.
func (e *AdmissibilityError) Retryable() bool { return e.ReasonCode == CodeAuditFailed }

// TimeoutError reports an external call that exceeded its deadline. It is
// an infrastructure failure, never a policy withholding.
type TimeoutError struct {
	Stage   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded its %s deadline", e.Stage, e.Timeout)
}

func (e *TimeoutError) Unwrap() error   { return context.DeadlineExceeded }
func (e *TimeoutError) Code() string    { return "TIMEOUT" }
func (e *TimeoutError) Retryable() bool { return true }

// ErrorCode returns the taxonomy code of err, "CANCELLED" for caller
// cancellation and "INTERNAL" otherwise.
func ErrorCode(err error) string {
	var coded Coded
	switch {
	case errors.As(err, &coded):
		return coded.Code()
	case errors.Is(err, context.Canceled):
		return "CANCELLED"
	default:
		return "INTERNAL"
	}
}

// IsRetryable reports whether err carries retry guidance.
func IsRetryable(err error) bool {
	var coded Coded
	if errors.As(err, &coded) {
		return coded.Retryable()
	}
	return errors.Is(err, context.Canceled)
}
