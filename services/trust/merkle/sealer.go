// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package merkle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianTrust/pkg/logging"
	"github.com/AleutianAI/AleutianTrust/services/trust/attest"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab"
	"github.com/AleutianAI/AleutianTrust/services/trust/ledger"
)

var tracer = otel.Tracer("aleutian.trust.merkle")

var (
	// ErrInvalidDate is returned for dates that are not YYYY-MM-DD.
	ErrInvalidDate = errors.New("merkle: date must be YYYY-MM-DD")

	// ErrDayNotClosed is returned when sealing the current or a future day.
	ErrDayNotClosed = errors.New("merkle: day is not closed yet")

	// ErrNotSealed is returned when no manifest exists for the day.
	ErrNotSealed = errors.New("merkle: day has not been sealed")

	// ErrTargetNotFound is returned when a proof target is not in the seal.
	ErrTargetNotFound = errors.New("merkle: target hash not in seal")

	// ErrSealSignature is returned when a stored manifest fails verification.
	ErrSealSignature = errors.New("merkle: seal manifest signature invalid")
)

// SealPayload is the signed content of a daily seal.
type SealPayload struct {
	TenantID string   `json:"tenantId"`
	Date     string   `json:"date"`
	Count    int      `json:"count"`
	RootHash *string  `json:"rootHash"`
	Hashes   []string `json:"hashes"`
}

// Seal is a signed daily manifest. The envelope fields sit beside the
// payload: {payload, payloadHash, signature, algorithm, keyFingerprint}.
type Seal struct {
	Payload SealPayload `json:"payload"`
	attest.Envelope
}

// ProofResult is an inclusion proof against a stored seal.
type ProofResult struct {
	TenantID   string      `json:"tenantId"`
	Date       string      `json:"date"`
	TargetHash string      `json:"targetHash"`
	RootHash   string      `json:"rootHash"`
	Proof      []ProofStep `json:"proof"`
}

// SealerOptions configures a Sealer.
type SealerOptions struct {
	Logger *logging.Logger
	// Now decides which days are closed. Default: time.Now
	Now func() time.Time
	// ActorID is recorded on MERKLE_ROOT_SEALED events. Default: "merkle-sealer"
	ActorID string
}

// Sealer seals a tenant's released decisions for one closed UTC day.
//
// # Description
//
// The sealed set is the hashes of DECISION_RELEASED events created within
// the day. Because the day is closed, the set is frozen and sealing runs
// safely beside live appends for the current day.
//
// # Thread Safety
//
// Safe for concurrent use.
type Sealer struct {
	ledger *ledger.Ledger
	signer *attest.Signer
	blobs  collab.BlobStore
	opts   SealerOptions

	// sealing collapses concurrent seals of one tenant day.
	sealing singleflight.Group
}

// NewSealer creates a Sealer.
func NewSealer(l *ledger.Ledger, signer *attest.Signer, blobs collab.BlobStore, opts SealerOptions) *Sealer {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ActorID == "" {
		opts.ActorID = "merkle-sealer"
	}
	return &Sealer{ledger: l, signer: signer, blobs: blobs, opts: opts}
}

// ManifestKey returns the BlobStore key of a seal manifest.
func ManifestKey(tenantID, date string) string {
	return fmt.Sprintf("seals/%s/%s.json", tenantID, date)
}

// ParseDay validates a YYYY-MM-DD date and returns its UTC bounds.
func ParseDay(date string) (from, to time.Time, err error) {
	// strfmt.Date accepts empty text as the zero date.
	var d strfmt.Date
	if date == "" || d.UnmarshalText([]byte(date)) != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	t := time.Time(d)
	from = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 0, 1), nil
}

// DayHashes returns the sorted, deduplicated hashes of the tenant's
// DECISION_RELEASED events for date.
func (s *Sealer) DayHashes(ctx context.Context, tenantID, date string) ([]string, error) {
	from, to, err := ParseDay(date)
	if err != nil {
		return nil, err
	}
	events, err := s.ledger.EventsBetween(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	hashes := make([]string, 0, len(events))
	for _, ev := range events {
		if ev.Kind == ledger.KindDecisionReleased {
			hashes = append(hashes, ev.Hash)
		}
	}
	return normalize(hashes)
}

// Seal builds, signs, stores and records the seal for one closed day.
//
// # Description
//
// Resealing a day whose manifest already exists with the same root returns
// the stored seal without appending another ledger event. Concurrent seals
// of the same tenant day share one call, which runs to completion even if
// the caller that started it goes away.
//
// # Outputs
//
//   - Seal: The signed manifest.
//   - error: ErrInvalidDate, ErrDayNotClosed, signing, blob or ledger errors.
func (s *Sealer) Seal(ctx context.Context, tenantID, date string) (Seal, error) {
	ctx, span := tracer.Start(ctx, "Sealer.Seal", trace.WithAttributes(
		attribute.String("merkle.tenant_id", tenantID),
		attribute.String("merkle.date", date),
	))
	defer span.End()

	_, to, err := ParseDay(date)
	if err != nil {
		return Seal{}, err
	}
	if s.opts.Now().UTC().Before(to) {
		return Seal{}, fmt.Errorf("%w: %s", ErrDayNotClosed, date)
	}

	v, err, _ := s.sealing.Do(tenantID+"/"+date, func() (any, error) {
		return s.seal(context.WithoutCancel(ctx), tenantID, date)
	})
	if err != nil {
		return Seal{}, err
	}
	return v.(Seal), nil
}

func (s *Sealer) seal(ctx context.Context, tenantID, date string) (Seal, error) {
	hashes, err := s.DayHashes(ctx, tenantID, date)
	if err != nil {
		return Seal{}, err
	}
	root, err := ComputeRoot(hashes)
	if err != nil {
		return Seal{}, err
	}
	payload := SealPayload{
		TenantID: tenantID,
		Date:     date,
		Count:    len(hashes),
		RootHash: root,
		Hashes:   hashes,
	}

	if existing, err := s.GetSeal(ctx, tenantID, date); err == nil && sameRoot(existing.Payload.RootHash, root) {
		return existing, nil
	}

	env, err := s.signer.SignPayload(payload)
	if err != nil {
		return Seal{}, fmt.Errorf("sign seal: %w", err)
	}
	seal := Seal{Payload: payload, Envelope: env}

	data, err := json.Marshal(seal)
	if err != nil {
		return Seal{}, fmt.Errorf("encode seal: %w", err)
	}
	key := ManifestKey(tenantID, date)
	if err := s.blobs.Put(ctx, key, data); err != nil {
		return Seal{}, fmt.Errorf("store seal manifest: %w", err)
	}

	rootHash := ""
	if root != nil {
		rootHash = *root
	}
	_, err = s.ledger.Append(ctx, tenantID, s.opts.ActorID, ledger.MerkleRootSealed{
		Date:           date,
		Count:          len(hashes),
		RootHash:       rootHash,
		PayloadHash:    env.PayloadHash,
		KeyFingerprint: env.KeyFingerprint,
		ManifestKey:    key,
	})
	if err != nil {
		return Seal{}, fmt.Errorf("record seal: %w", err)
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("merkle.count", len(hashes)))
	s.opts.Logger.Info("merkle.sealed",
		"tenant_id", tenantID, "date", date, "count", len(hashes), "root_hash", rootHash)
	return seal, nil
}

func sameRoot(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// GetSeal loads a stored manifest and verifies its signature.
func (s *Sealer) GetSeal(ctx context.Context, tenantID, date string) (Seal, error) {
	if _, _, err := ParseDay(date); err != nil {
		return Seal{}, err
	}
	data, err := s.blobs.Get(ctx, ManifestKey(tenantID, date))
	if errors.Is(err, collab.ErrNotFound) {
		return Seal{}, ErrNotSealed
	}
	if err != nil {
		return Seal{}, fmt.Errorf("load seal manifest: %w", err)
	}
	var seal Seal
	if err := json.Unmarshal(data, &seal); err != nil {
		return Seal{}, fmt.Errorf("decode seal manifest: %w", err)
	}
	if err := s.signer.VerifyPayload(seal.Payload, seal.Envelope); err != nil {
		return Seal{}, fmt.Errorf("%w: %v", ErrSealSignature, err)
	}
	return seal, nil
}

// Proof returns an inclusion proof for target against the stored seal.
func (s *Sealer) Proof(ctx context.Context, tenantID, date, target string) (ProofResult, error) {
	seal, err := s.GetSeal(ctx, tenantID, date)
	if err != nil {
		return ProofResult{}, err
	}
	proof, found, err := ComputeProof(seal.Payload.Hashes, target)
	if err != nil {
		return ProofResult{}, err
	}
	if !found || seal.Payload.RootHash == nil {
		return ProofResult{}, ErrTargetNotFound
	}
	return ProofResult{
		TenantID:   tenantID,
		Date:       date,
		TargetHash: strings.ToLower(target),
		RootHash:   *seal.Payload.RootHash,
		Proof:      proof,
	}, nil
}
