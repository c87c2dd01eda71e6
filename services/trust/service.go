// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package trust wires the release gate, the ledger, the sealer and the
// external collaborators into the operations served over HTTP and the CLI.
//
// # Request Flow
//
//	Evaluate / EvaluateGenerated
//	   │
//	   ├─► resolve anchors (AnchorStore) and overlay exhibit status (ExhibitStore)
//	   │
//	   ├─► [generated only] ClaimGenerator under the generator deadline
//	   │
//	   ├─► gate.Evaluate  (pure decision + admissibility cross-check)
//	   │
//	   └─► recorder.Record (async ledger event + bundle manifest)
//	          │
//	          ▼
//	      Decision returned to the caller
//
// The decision is returned before it is persisted. Persistence failures
// are retried and logged by the recorder; they never change the decision.
package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianTrust/pkg/logging"
	"github.com/AleutianAI/AleutianTrust/services/trust/anchors"
	"github.com/AleutianAI/AleutianTrust/services/trust/attest"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab"
	"github.com/AleutianAI/AleutianTrust/services/trust/gate"
	"github.com/AleutianAI/AleutianTrust/services/trust/ledger"
	"github.com/AleutianAI/AleutianTrust/services/trust/merkle"
	"github.com/AleutianAI/AleutianTrust/services/trust/observability"
	"github.com/AleutianAI/AleutianTrust/services/trust/recorder"
)

var tracer = otel.Tracer("aleutian.trust.service")

// SystemTenant is the ledger chain that records tenant-independent events
// such as key rotations.
const SystemTenant = "system"

var (
	// ErrNoGenerator is returned by EvaluateGenerated when no ClaimGenerator
	// is configured.
	ErrNoGenerator = errors.New("trust: claim generation is not configured")

	// ErrNoAnchorStore is returned when anchor ids are given but no
	// AnchorStore is configured.
	ErrNoAnchorStore = errors.New("trust: anchor store is not configured")
)

// Deps are the collaborators of a Service. Ledger, Gate, Signer, Sealer and
// Recorder are required.
type Deps struct {
	Ledger   *ledger.Ledger
	Gate     *gate.Gate
	Signer   *attest.Signer
	Sealer   *merkle.Sealer
	Recorder *recorder.Recorder

	// Anchors resolves anchor ids. Optional.
	Anchors collab.AnchorStore
	// Exhibits overlays current exhibit status onto anchors. Optional.
	Exhibits collab.ExhibitStore
	// Generator drafts claims for EvaluateGenerated. Optional.
	Generator collab.ClaimGenerator
	// Sink receives one sample per decision. Default: observability.NopSink
	Sink observability.DecisionSink
}

// Options tunes a Service.
type Options struct {
	Logger *logging.Logger

	// GeneratorTimeout bounds each ClaimGenerator call. Default: 30s
	GeneratorTimeout time.Duration

	// KeyGracePeriod keeps a rotated-out key verifiable. Default: 72h
	KeyGracePeriod time.Duration

	// RecordVerifications appends a CHAIN_VERIFIED event after each
	// VerifyChain call.
	RecordVerifications bool

	// Now is used for durations and sample timestamps. Default: time.Now
	Now func() time.Time
}

// Service is the trust layer's operation surface.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	ledger    *ledger.Ledger
	gate      *gate.Gate
	signer    *attest.Signer
	sealer    *merkle.Sealer
	recorder  *recorder.Recorder
	anchors   collab.AnchorStore
	exhibits  collab.ExhibitStore
	generator collab.ClaimGenerator
	sink      observability.DecisionSink
	opts      Options
}

// New creates a Service.
//
// # Outputs
//
//   - *Service: Ready to serve.
//   - error: A required dependency is missing.
func New(deps Deps, opts Options) (*Service, error) {
	switch {
	case deps.Ledger == nil:
		return nil, errors.New("trust: ledger is required")
	case deps.Gate == nil:
		return nil, errors.New("trust: gate is required")
	case deps.Signer == nil:
		return nil, &attest.SigningError{Op: "create service", Err: attest.ErrNoKey}
	case deps.Sealer == nil:
		return nil, errors.New("trust: sealer is required")
	case deps.Recorder == nil:
		return nil, errors.New("trust: recorder is required")
	}
	if deps.Sink == nil {
		deps.Sink = observability.NopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.GeneratorTimeout <= 0 {
		opts.GeneratorTimeout = 30 * time.Second
	}
	if opts.KeyGracePeriod <= 0 {
		opts.KeyGracePeriod = 72 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		ledger:    deps.Ledger,
		gate:      deps.Gate,
		signer:    deps.Signer,
		sealer:    deps.Sealer,
		recorder:  deps.Recorder,
		anchors:   deps.Anchors,
		exhibits:  deps.Exhibits,
		generator: deps.Generator,
		sink:      deps.Sink,
		opts:      opts,
	}, nil
}

// =============================================================================
// Evaluation
// =============================================================================

// EvaluateInput is one request to evaluate caller-supplied claims.
type EvaluateInput struct {
	TenantID  string
	ActorID   string
	RequestID string
	Claims    []gate.Claim
	// RawClaims is parsed by the gate when Claims is nil. A payload that
	// does not parse is WITHHELD(INVALID_SCHEMA).
	RawClaims []byte
	// Anchors are supplied inline. AnchorIDs are resolved through the
	// AnchorStore and merged with them.
	Anchors   []anchors.Anchor
	AnchorIDs []string
}

// Evaluate decides a set of caller-supplied claims.
//
// # Description
//
// Resolves the anchor universe, runs the gate and hands the decision to
// the recorder. The returned Decision is never nil. A failure to resolve
// anchors is a *gate.Failed at stage "anchors".
func (s *Service) Evaluate(ctx context.Context, in EvaluateInput) gate.Decision {
	ctx, span := tracer.Start(ctx, "Service.Evaluate", trace.WithAttributes(
		attribute.String("trust.tenant_id", in.TenantID),
		attribute.Int("trust.claims", len(in.Claims)),
	))
	defer span.End()
	start := s.opts.Now()

	universe, err := s.resolveAnchors(ctx, in.TenantID, in.Anchors, in.AnchorIDs, "")
	var dec gate.Decision
	if err != nil {
		dec = s.failed(in.TenantID, in.RequestID, "anchors", err)
	} else {
		dec = s.gate.Evaluate(ctx, gate.Request{
			TenantID:  in.TenantID,
			RequestID: in.RequestID,
			Claims:    in.Claims,
			RawClaims: in.RawClaims,
			Anchors:   universe,
		})
	}
	s.record(in.TenantID, in.ActorID, dec, s.opts.Now().Sub(start), len(in.Claims))
	span.SetAttributes(attribute.String("trust.outcome", string(dec.Outcome())))
	return dec
}

// GenerateInput is one request to draft claims and evaluate them.
type GenerateInput struct {
	TenantID string
	ActorID  string
	Question string
	// Anchors, AnchorIDs and ExhibitID together form the evidence context.
	Anchors   []anchors.Anchor
	AnchorIDs []string
	ExhibitID string
}

// EvaluateGenerated asks the ClaimGenerator for claims over the evidence
// context and runs them through the gate.
//
// # Description
//
// The generator call is bounded by GeneratorTimeout. A deadline is a
// *gate.Failed carrying a *gate.TimeoutError, never a WITHHELD. Output
// that does not parse as claims is WITHHELD(INVALID_SCHEMA). Each call is
// a new request with its own id; generated output is not replay-stable.
func (s *Service) EvaluateGenerated(ctx context.Context, in GenerateInput) gate.Decision {
	ctx, span := tracer.Start(ctx, "Service.EvaluateGenerated", trace.WithAttributes(
		attribute.String("trust.tenant_id", in.TenantID),
	))
	defer span.End()
	start := s.opts.Now()
	requestID := "gen-" + uuid.NewString()

	dec := s.generateAndEvaluate(ctx, in, requestID)
	s.record(in.TenantID, in.ActorID, dec, s.opts.Now().Sub(start), -1)
	span.SetAttributes(
		attribute.String("trust.request_id", requestID),
		attribute.String("trust.outcome", string(dec.Outcome())),
	)
	return dec
}

func (s *Service) generateAndEvaluate(ctx context.Context, in GenerateInput, requestID string) gate.Decision {
	if s.generator == nil {
		return s.failed(in.TenantID, requestID, "generator", ErrNoGenerator)
	}
	universe, err := s.resolveAnchors(ctx, in.TenantID, in.Anchors, in.AnchorIDs, in.ExhibitID)
	if err != nil {
		return s.failed(in.TenantID, requestID, "anchors", err)
	}

	genCtx, cancel := context.WithTimeout(ctx, s.opts.GeneratorTimeout)
	raw, err := s.generator.Generate(genCtx, collab.GenerationRequest{
		TenantID:  in.TenantID,
		RequestID: requestID,
		Anchors:   universe,
		Question:  in.Question,
	})
	genErr := genCtx.Err()
	cancel()

	switch {
	case err == nil:
	case ctx.Err() != nil:
		return s.failed(in.TenantID, requestID, "generator", ctx.Err())
	case errors.Is(err, context.DeadlineExceeded) || genErr != nil:
		return s.failed(in.TenantID, requestID, "generator",
			&gate.TimeoutError{Stage: "generator", Timeout: s.opts.GeneratorTimeout})
	default:
		return s.failed(in.TenantID, requestID, "generator", fmt.Errorf("generate claims: %w", err))
	}

	return s.gate.Evaluate(ctx, gate.Request{
		TenantID:  in.TenantID,
		RequestID: requestID,
		RawClaims: raw,
		Anchors:   universe,
	})
}

func (s *Service) failed(tenantID, requestID, stage string, err error) *gate.Failed {
	if requestID == "" {
		requestID = "req-" + uuid.NewString()
	}
	s.opts.Logger.Warn("trust.evaluation_failed",
		"tenant_id", tenantID, "request_id", requestID, "stage", stage,
		"code", gate.ErrorCode(err), "error", err.Error())
	return &gate.Failed{TenantID: tenantID, RequestID: requestID, Stage: stage, Err: err}
}

// resolveAnchors merges inline anchors with those looked up by id or by
// exhibit, then overlays current exhibit status. Inline anchors win on id
// collisions.
func (s *Service) resolveAnchors(ctx context.Context, tenantID string, inline []anchors.Anchor, ids []string, exhibitID string) ([]anchors.Anchor, error) {
	out := append([]anchors.Anchor(nil), inline...)
	if len(ids) > 0 || exhibitID != "" {
		if s.anchors == nil {
			return nil, ErrNoAnchorStore
		}
	}
	if len(ids) > 0 {
		found, err := s.anchors.GetAnchors(ctx, tenantID, ids)
		if err != nil {
			return nil, fmt.Errorf("get anchors: %w", err)
		}
		out = append(out, found...)
	}
	if exhibitID != "" {
		found, err := s.anchors.AnchorsByExhibit(ctx, tenantID, exhibitID)
		if err != nil {
			return nil, fmt.Errorf("anchors for exhibit %s: %w", exhibitID, err)
		}
		out = append(out, found...)
	}
	return s.overlayExhibits(ctx, tenantID, out)
}

// overlayExhibits applies the exhibit store's view of each exhibit. A
// revoked exhibit revokes its anchors. An exhibit whose integrity hash no
// longer matches the anchor's is treated as revoked.
func (s *Service) overlayExhibits(ctx context.Context, tenantID string, list []anchors.Anchor) ([]anchors.Anchor, error) {
	if s.exhibits == nil || len(list) == 0 {
		return list, nil
	}
	seen := make(map[string]struct{}, len(list))
	var ids []string
	for _, a := range list {
		if _, ok := seen[a.ExhibitID]; !ok {
			seen[a.ExhibitID] = struct{}{}
			ids = append(ids, a.ExhibitID)
		}
	}
	exhibits, err := s.exhibits.GetExhibits(ctx, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("get exhibits: %w", err)
	}
	for i, a := range list {
		ex, ok := exhibits[a.ExhibitID]
		if !ok {
			continue
		}
		if ex.Status == anchors.StatusRevoked || (ex.IntegrityHash != "" && ex.IntegrityHash != a.ExhibitIntegrityHash) {
			list[i].ExhibitStatus = anchors.StatusRevoked
		}
	}
	return list, nil
}

// record hands the decision to the recorder and the decision sink. claims
// is the caller-visible claim count, or -1 when only the decision knows it.
func (s *Service) record(tenantID, actorID string, dec gate.Decision, elapsed time.Duration, claims int) {
	if actorID == "" {
		actorID = "release-gate"
	}
	rec := recorder.Record{
		TenantID:  tenantID,
		ActorID:   actorID,
		Payload:   dec.LedgerPayload(elapsed),
		RequestID: dec.Request(),
	}
	point := observability.DecisionPoint{
		TenantID:  tenantID,
		Outcome:   string(dec.Outcome()),
		Duration:  elapsed,
		Timestamp: s.opts.Now(),
	}
	switch d := dec.(type) {
	case *gate.Released:
		rec.Escalate = true
		if data, err := d.Bundle.Canonical(); err != nil {
			observability.BundleSealFailures.Inc()
			s.opts.Logger.Error("trust.bundle_encode_failed",
				"tenant_id", tenantID, "request_id", d.RequestID, "escalation", true, "error", err)
		} else {
			rec.Blobs = []recorder.Blob{{Key: BundleKey(tenantID, d.Bundle.Hash), Data: data}}
		}
		point.Claims = len(d.Claims)
		point.Anchors = len(d.AnchorsUsed)
	case *gate.Withheld:
		point.Code = string(d.ErrorCode)
		point.Claims = d.TotalClaims
		point.Rejected = d.RejectedCount
	case *gate.Failed:
		point.Code = d.ErrorCode()
		if claims > 0 {
			point.Claims = claims
		}
	}
	if !ledger.ValidTenantID(tenantID) {
		s.opts.Logger.Warn("trust.decision_not_recorded",
			"request_id", dec.Request(), "reason", "invalid_tenant")
	} else {
		s.recorder.Record(rec)
	}
	s.sink.RecordDecision(point)
}

// BundleKey returns the BlobStore key of an evidence bundle.
func BundleKey(tenantID, bundleHash string) string {
	return fmt.Sprintf("bundles/%s/%s.json", tenantID, bundleHash)
}

// =============================================================================
// Ledger, seals and keys
// =============================================================================

// VerifyChain verifies one tenant chain. Breaks are reported in the
// result; the error is reserved for storage failures.
func (s *Service) VerifyChain(ctx context.Context, tenantID string) (ledger.Verification, error) {
	v, err := s.ledger.VerifyChain(ctx, tenantID)
	if err != nil {
		observability.ChainVerifications.WithLabelValues("error").Inc()
		return v, err
	}
	s.observeVerification(v)
	return v, nil
}

// VerifyAll verifies every tenant chain.
func (s *Service) VerifyAll(ctx context.Context) ([]ledger.Verification, error) {
	results, err := s.ledger.VerifyAll(ctx)
	if err != nil {
		observability.ChainVerifications.WithLabelValues("error").Inc()
		return nil, err
	}
	for _, v := range results {
		s.observeVerification(v)
	}
	return results, nil
}

func (s *Service) observeVerification(v ledger.Verification) {
	result := "valid"
	if !v.IsValid {
		result = "invalid"
		s.opts.Logger.Error("trust.chain_integrity",
			"tenant_id", v.TenantID, "event_count", v.EventCount, "error", v.Err())
	}
	observability.ChainVerifications.WithLabelValues(result).Inc()
	if !s.opts.RecordVerifications || v.EventCount == 0 {
		return
	}
	p := ledger.ChainVerified{IsValid: v.IsValid, EventCount: v.EventCount, RootHash: v.RootHash}
	if len(v.Details) > 0 {
		p.BreakIndex = v.Details[0].Index
		p.BreakKind = string(v.Details[0].Kind)
	}
	s.recorder.Record(recorder.Record{TenantID: v.TenantID, ActorID: "chain-verifier", Payload: p})
}

// Events returns a tenant's events in chain order.
func (s *Service) Events(ctx context.Context, tenantID string) ([]ledger.Event, error) {
	return s.ledger.Events(ctx, tenantID)
}

// EventsBetween returns a tenant's events with from <= createdAt < to.
func (s *Service) EventsBetween(ctx context.Context, tenantID string, from, to time.Time) ([]ledger.Event, error) {
	return s.ledger.EventsBetween(ctx, tenantID, from, to)
}

// Subscribe streams newly appended events for a tenant.
func (s *Service) Subscribe(tenantID string, buffer int) (<-chan ledger.Event, func()) {
	return s.ledger.Subscribe(tenantID, buffer)
}

// Seal seals a closed UTC day for a tenant.
func (s *Service) Seal(ctx context.Context, tenantID, date string) (merkle.Seal, error) {
	seal, err := s.sealer.Seal(ctx, tenantID, date)
	if err != nil {
		observability.Seals.WithLabelValues("error").Inc()
		return merkle.Seal{}, err
	}
	observability.Seals.WithLabelValues("ok").Inc()
	return seal, nil
}

// GetSeal loads and re-verifies a stored seal.
func (s *Service) GetSeal(ctx context.Context, tenantID, date string) (merkle.Seal, error) {
	return s.sealer.GetSeal(ctx, tenantID, date)
}

// Proof returns an inclusion proof for target in a stored seal.
func (s *Service) Proof(ctx context.Context, tenantID, date, target string) (merkle.ProofResult, error) {
	return s.sealer.Proof(ctx, tenantID, date, target)
}

// Keys describes the active and previous signing keys.
func (s *Service) Keys() []attest.SigningKey {
	return s.signer.Keys()
}

// RotateKey installs material as the active signing key and records the
// rotation on the system chain. The append is synchronous: a rotation
// without an audit record is reported as an error, though the new key
// stays active.
func (s *Service) RotateKey(ctx context.Context, material []byte, actorID string) (attest.RotationResult, error) {
	res, err := s.signer.Rotate(material, s.opts.KeyGracePeriod)
	if err != nil {
		return attest.RotationResult{}, err
	}
	if err := RecordRotation(ctx, s.ledger, res, actorID); err != nil {
		s.opts.Logger.Error("trust.rotation_not_recorded",
			"fingerprint", res.Active.Fingerprint, "escalation", true, "error", err)
		return res, err
	}
	s.opts.Logger.Info("trust.key_rotated",
		"fingerprint", res.Active.Fingerprint, "previous", res.Previous.Fingerprint,
		"grace_until", res.GraceUntil)
	return res, nil
}

// RecordRotation appends the SIGNING_KEY_ROTATED event for res to the
// system chain.
func RecordRotation(ctx context.Context, l *ledger.Ledger, res attest.RotationResult, actorID string) error {
	if actorID == "" {
		actorID = "key-admin"
	}
	_, err := l.Append(ctx, SystemTenant, actorID, ledger.SigningKeyRotated{
		NewFingerprint:      res.Active.Fingerprint,
		PreviousFingerprint: res.Previous.Fingerprint,
		GraceUntil:          res.GraceUntil,
	})
	if err != nil {
		return fmt.Errorf("record key rotation: %w", err)
	}
	return nil
}

// SetPolicy installs a new gate policy.
func (s *Service) SetPolicy(p gate.Policy) error {
	return s.gate.SetPolicy(p)
}

// Policy returns the installed gate policy.
func (s *Service) Policy() gate.Policy {
	return s.gate.Policy()
}

// SetTenantTerms replaces a tenant's extra sensitive terms.
func (s *Service) SetTenantTerms(tenantID string, terms []string) {
	s.gate.States().SetSensitiveTerms(tenantID, terms)
}

// Flush waits for queued persistence to finish.
func (s *Service) Flush(ctx context.Context) error {
	return s.recorder.Flush(ctx)
}

// Close drains the recorder and closes the decision sink. The ledger is
// owned by the caller.
func (s *Service) Close(ctx context.Context) error {
	err := s.recorder.Stop(ctx)
	s.sink.Close()
	if errors.Is(err, recorder.ErrClosed) {
		return nil
	}
	return err
}
