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
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Event Kinds
// =============================================================================

// Kind identifies the payload schema of a ledger event. The set is closed:
// Append rejects anything not listed here.
type Kind string

const (
	// KindDecisionReleased records a RELEASED gate decision and its bundle.
	KindDecisionReleased Kind = "DECISION_RELEASED"

	// KindDecisionWithheld records a WITHHELD gate decision and its reasons.
	KindDecisionWithheld Kind = "DECISION_WITHHELD"

	// KindDecisionFailed records an infrastructure failure (timeout, signer).
	KindDecisionFailed Kind = "DECISION_FAILED"

	// KindMerkleRootSealed records a daily Merkle seal.
	KindMerkleRootSealed Kind = "MERKLE_ROOT_SEALED"

	// KindSigningKeyRotated records an attestation key rotation.
	KindSigningKeyRotated Kind = "SIGNING_KEY_ROTATED"

	// KindChainVerified records the result of an operator chain verification.
	KindChainVerified Kind = "CHAIN_VERIFIED"
)

// Kinds returns every known kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindDecisionReleased,
		KindDecisionWithheld,
		KindDecisionFailed,
		KindMerkleRootSealed,
		KindSigningKeyRotated,
		KindChainVerified,
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := payloadFactories[k]
	return ok
}

// =============================================================================
// Payloads
// =============================================================================

// Payload is implemented by every event payload struct.
type Payload interface {
	Kind() Kind
}

// ReasonRecord is one withholding reason as persisted in the ledger.
type ReasonRecord struct {
	Code       string `json:"code" validate:"required"`
	ClaimIndex *int   `json:"claimIndex,omitempty" validate:"omitempty,gte=0"`
	Message    string `json:"message"`
}

// DecisionReleased is the payload for KindDecisionReleased.
type DecisionReleased struct {
	RequestID          string `json:"requestId" validate:"required,max=128"`
	EvidenceBundleHash string `json:"evidenceBundleHash" validate:"required,len=64,hexadecimal"`
	CertificateHash    string `json:"certificateHash" validate:"required,len=64,hexadecimal"`
	KeyFingerprint     string `json:"keyFingerprint" validate:"required,len=64,hexadecimal"`
	ClaimCount         int    `json:"claimCount" validate:"gte=1"`
	AnchorCount        int    `json:"anchorCount" validate:"gte=1"`
	PolicyVersion      string `json:"policyVersion" validate:"required"`
	DurationMs         int64  `json:"durationMs" validate:"gte=0"`
}

func (DecisionReleased) Kind() Kind { return KindDecisionReleased }

// DecisionWithheld is the payload for KindDecisionWithheld.
type DecisionWithheld struct {
	RequestID       string         `json:"requestId" validate:"required,max=128"`
	ErrorCode       string         `json:"errorCode" validate:"required"`
	Reasons         []ReasonRecord `json:"reasons" validate:"required,min=1,dive"`
	TotalClaims     int            `json:"totalClaims" validate:"gte=0"`
	AnchoredCount   int            `json:"anchoredCount" validate:"gte=0"`
	UnanchoredCount int            `json:"unanchoredCount" validate:"gte=0"`
	FinalState      string         `json:"finalState" validate:"required"`
	PolicyVersion   string         `json:"policyVersion" validate:"required"`
	DurationMs      int64          `json:"durationMs" validate:"gte=0"`
}

func (DecisionWithheld) Kind() Kind { return KindDecisionWithheld }

// DecisionFailed is the payload for KindDecisionFailed.
type DecisionFailed struct {
	RequestID  string `json:"requestId" validate:"required,max=128"`
	ErrorCode  string `json:"errorCode" validate:"required"`
	Stage      string `json:"stage" validate:"required"`
	Retryable  bool   `json:"retryable"`
	DurationMs int64  `json:"durationMs" validate:"gte=0"`
}

func (DecisionFailed) Kind() Kind { return KindDecisionFailed }

// MerkleRootSealed is the payload for KindMerkleRootSealed.
type MerkleRootSealed struct {
	Date           string `json:"date" validate:"required,datetime=2006-01-02"`
	Count          int    `json:"count" validate:"gte=0"`
	RootHash       string `json:"rootHash" validate:"omitempty,len=64,hexadecimal"`
	PayloadHash    string `json:"payloadHash" validate:"required,len=64,hexadecimal"`
	KeyFingerprint string `json:"keyFingerprint" validate:"required,len=64,hexadecimal"`
	ManifestKey    string `json:"manifestKey" validate:"required"`
}

func (MerkleRootSealed) Kind() Kind { return KindMerkleRootSealed }

// SigningKeyRotated is the payload for KindSigningKeyRotated.
type SigningKeyRotated struct {
	NewFingerprint      string    `json:"newFingerprint" validate:"required,len=64,hexadecimal"`
	PreviousFingerprint string    `json:"previousFingerprint" validate:"required,len=64,hexadecimal,nefield=NewFingerprint"`
	GraceUntil          time.Time `json:"graceUntil" validate:"required"`
}

func (SigningKeyRotated) Kind() Kind { return KindSigningKeyRotated }

// ChainVerified is the payload for KindChainVerified.
type ChainVerified struct {
	IsValid    bool   `json:"isValid"`
	EventCount int    `json:"eventCount" validate:"gte=0"`
	RootHash   string `json:"rootHash" validate:"required,len=64,hexadecimal"`
	BreakIndex int    `json:"breakIndex,omitempty" validate:"gte=0"`
	BreakKind  string `json:"breakKind,omitempty"`
}

func (ChainVerified) Kind() Kind { return KindChainVerified }

var payloadFactories = map[Kind]func() Payload{
	KindDecisionReleased:  func() Payload { return &DecisionReleased{} },
	KindDecisionWithheld:  func() Payload { return &DecisionWithheld{} },
	KindDecisionFailed:    func() Payload { return &DecisionFailed{} },
	KindMerkleRootSealed:  func() Payload { return &MerkleRootSealed{} },
	KindSigningKeyRotated: func() Payload { return &SigningKeyRotated{} },
	KindChainVerified:     func() Payload { return &ChainVerified{} },
}

var payloadValidate = validator.New()

// ValidatePayload checks p against its kind's schema.
func ValidatePayload(p Payload) error {
	if p == nil {
		return fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if !p.Kind().Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind())
	}
	if err := payloadValidate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, p.Kind(), err)
	}
	return nil
}

// DecodePayload strictly decodes raw JSON into the payload type for kind.
//
// # Description
//
// Unknown fields are rejected and the decoded struct is validated, so an
// externally supplied payload reaches the chain only if it matches the
// schema exactly.
//
// # Inputs
//
//   - kind: The declared event kind.
//   - raw: The JSON payload.
//
// # Outputs
//
//   - Payload: A pointer to the kind's payload struct.
//   - error: ErrUnknownKind or ErrInvalidPayload (wrapped).
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	factory, ok := payloadFactories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	p := factory()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, kind, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: %s: trailing data", ErrInvalidPayload, kind)
	}
	if err := ValidatePayload(p); err != nil {
		return nil, err
	}
	return p, nil
}

// =============================================================================
// Event
// =============================================================================

// Event is one immutable entry in a tenant's hash chain.
//
// Payload holds the canonical bytes that were hashed. CreatedAt is hashed
// in its canonical.FormatTime rendering.
type Event struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenantId"`
	ActorID   string          `json:"actorId"`
	Seq       uint64          `json:"seq"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	Hash      string          `json:"hash"`
	PrevHash  string          `json:"prevHash"`
}

// Decode decodes the event payload into its typed struct.
func (e Event) Decode() (Payload, error) {
	return DecodePayload(e.Kind, e.Payload)
}
