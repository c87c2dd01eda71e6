// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package attest signs and verifies trust artifacts with Ed25519.
//
// Every signature travels in an Envelope together with the payload hash it
// covers, the algorithm and the signing key fingerprint. The signature is
// computed over the 32 raw bytes of the payload hash, never over the hex.
//
// # Key Custody
//
// Private key seeds are held in a memguard Enclave (encrypted at rest in
// memory) and only decrypted for the duration of a single Sign call.
//
// # Rotation
//
//	            Rotate(new, 24h)
//	ACTIVE k1 ───────────────────► ACTIVE k2, PREVIOUS k1 (until grace ends)
//
// Verify tries the active key first, then the previous key while the grace
// window is open.
package attest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/AleutianAI/AleutianTrust/pkg/canonical"
)

// Algorithm is the only supported signature scheme.
const Algorithm = "ed25519"

// KeyEnvVar holds a base64 seed when no key file is configured.
const KeyEnvVar = "TRUST_SIGNING_KEY"

// KeyStatus is the lifecycle state of a signing key.
type KeyStatus string

const (
	KeyActive   KeyStatus = "ACTIVE"
	KeyInactive KeyStatus = "INACTIVE"
)

// SigningKey is the public description of a key.
type SigningKey struct {
	Fingerprint string    `json:"fingerprint"`
	Algorithm   string    `json:"algorithm"`
	PublicKey   string    `json:"publicKey"`
	Status      KeyStatus `json:"status"`
	// GraceUntil is set for the previous key during rotation.
	GraceUntil *time.Time `json:"graceUntil,omitempty"`
}

// Envelope is the unit in which signatures are stored and transmitted.
type Envelope struct {
	PayloadHash    string `json:"payloadHash"`
	Signature      string `json:"signature"`
	Algorithm      string `json:"algorithm"`
	KeyFingerprint string `json:"keyFingerprint"`
}

// SigningError reports missing or unusable key material. The service
// refuses to start while one is outstanding.
type SigningError struct {
	Op  string
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("attest: %s: %v", e.Op, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// Code returns the stable API error code.
func (e *SigningError) Code() string { return "SIGNING_ERROR" }

// Retryable is false: key material does not fix itself.
func (e *SigningError) Retryable() bool { return false }

var (
	// ErrNoKey is wrapped in a SigningError when no key is configured.
	ErrNoKey = errors.New("no signing key configured")

	// ErrBadKey is wrapped in a SigningError for malformed key material.
	ErrBadKey = errors.New("signing key must be a 32 byte seed or 64 byte private key")

	// ErrHashMismatch is returned by VerifyPayload when the envelope does
	// not cover the given payload.
	ErrHashMismatch = errors.New("attest: payload hash mismatch")

	// ErrBadSignature is returned when no trusted key verifies the envelope.
	ErrBadSignature = errors.New("attest: invalid signature")
)

// Fingerprint returns the lowercase hex SHA-256 of a raw public key.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

type keyPair struct {
	seed        *memguard.Enclave
	public      ed25519.PublicKey
	fingerprint string
}

func newKeyPair(material []byte) (*keyPair, error) {
	var seed []byte
	switch len(material) {
	case ed25519.SeedSize:
		seed = material
	case ed25519.PrivateKeySize:
		seed = material[:ed25519.SeedSize]
	default:
		memguard.WipeBytes(material)
		return nil, &SigningError{Op: "load key", Err: ErrBadKey}
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := append(ed25519.PublicKey(nil), priv.Public().(ed25519.PublicKey)...)
	memguard.WipeBytes(priv)

	// NewEnclave copies the seed and wipes the source.
	enclave := memguard.NewEnclave(seed)
	memguard.WipeBytes(material)
	return &keyPair{seed: enclave, public: pub, fingerprint: Fingerprint(pub)}, nil
}

func (k *keyPair) sign(msg []byte) ([]byte, error) {
	buf, err := k.seed.Open()
	if err != nil {
		return nil, &SigningError{Op: "open key enclave", Err: err}
	}
	defer buf.Destroy()
	priv := ed25519.NewKeyFromSeed(buf.Bytes())
	defer memguard.WipeBytes(priv)
	return ed25519.Sign(priv, msg), nil
}

// =============================================================================
// Signer
// =============================================================================

// Signer holds the active key and, during rotation, the previous key.
//
// # Thread Safety
//
// Safe for concurrent use. Rotate takes a write lock.
type Signer struct {
	mu         sync.RWMutex
	active     *keyPair
	previous   *keyPair
	graceUntil time.Time
	now        func() time.Time
}

// NewSigner creates a Signer from key material. The material slice is
// wiped before return.
//
// # Inputs
//
//   - material: A 32 byte Ed25519 seed or 64 byte private key.
//
// # Outputs
//
//   - *Signer: Ready to sign.
//   - error: *SigningError for empty or malformed material.
func NewSigner(material []byte) (*Signer, error) {
	if len(material) == 0 {
		return nil, &SigningError{Op: "load key", Err: ErrNoKey}
	}
	kp, err := newKeyPair(material)
	if err != nil {
		return nil, err
	}
	return &Signer{active: kp, now: time.Now}, nil
}

// WithClock replaces the clock used for the grace window. Tests only.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// Fingerprint returns the active key fingerprint.
func (s *Signer) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.fingerprint
}

// PublicKey returns the active public key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(ed25519.PublicKey(nil), s.active.public...)
}

// Keys describes the active key and, when in grace, the previous key.
func (s *Signer) Keys() []SigningKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := []SigningKey{describe(s.active, KeyActive, nil)}
	if s.previous != nil {
		grace := s.graceUntil
		status := KeyInactive
		keys = append(keys, describe(s.previous, status, &grace))
	}
	return keys
}

func describe(k *keyPair, status KeyStatus, grace *time.Time) SigningKey {
	return SigningKey{
		Fingerprint: k.fingerprint,
		Algorithm:   Algorithm,
		PublicKey:   base64.StdEncoding.EncodeToString(k.public),
		Status:      status,
		GraceUntil:  grace,
	}
}

// Sign signs data with the active key.
func (s *Signer) Sign(data []byte) ([]byte, error) {
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	return active.sign(data)
}

// Verify reports whether sig is a valid signature over data by the active
// key or, while the grace window is open, the previous key.
func (s *Signer) Verify(data, sig []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ed25519.Verify(s.active.public, data, sig) {
		return true
	}
	if s.previous != nil && s.now().Before(s.graceUntil) {
		return ed25519.Verify(s.previous.public, data, sig)
	}
	return false
}

// SignHash produces an Envelope over a hex payload hash.
func (s *Signer) SignHash(payloadHash string) (Envelope, error) {
	lower, err := canonical.ParseHash(payloadHash)
	if err != nil {
		return Envelope{}, fmt.Errorf("attest: %w", err)
	}
	raw, _ := hex.DecodeString(lower)

	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()

	sig, err := active.sign(raw)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		PayloadHash:    lower,
		Signature:      base64.StdEncoding.EncodeToString(sig),
		Algorithm:      Algorithm,
		KeyFingerprint: active.fingerprint,
	}, nil
}

// SignPayload hashes v with the canonical encoding and signs the hash.
func (s *Signer) SignPayload(v any) (Envelope, error) {
	hash, _, err := canonical.Hash(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("attest: hash payload: %w", err)
	}
	return s.SignHash(hash)
}

// VerifyEnvelope checks the envelope signature against the trusted keys.
func (s *Signer) VerifyEnvelope(env Envelope) bool {
	if !strings.EqualFold(env.Algorithm, Algorithm) {
		return false
	}
	msg, sig, ok := decodeEnvelope(env)
	if !ok {
		return false
	}
	return s.Verify(msg, sig)
}

// VerifyPayload checks that env covers v and carries a trusted signature.
func (s *Signer) VerifyPayload(v any, env Envelope) error {
	hash, _, err := canonical.Hash(v)
	if err != nil {
		return fmt.Errorf("attest: hash payload: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(strings.ToLower(env.PayloadHash))) != 1 {
		return ErrHashMismatch
	}
	if !s.VerifyEnvelope(env) {
		return ErrBadSignature
	}
	return nil
}

// RotationResult describes a completed rotation.
type RotationResult struct {
	Previous   SigningKey `json:"previous"`
	Active     SigningKey `json:"active"`
	GraceUntil time.Time  `json:"graceUntil"`
}

// Rotate makes material the active key. The old active key stays
// verifiable until now+grace. A previous key still in grace is dropped.
func (s *Signer) Rotate(material []byte, grace time.Duration) (RotationResult, error) {
	if len(material) == 0 {
		return RotationResult{}, &SigningError{Op: "rotate", Err: ErrNoKey}
	}
	if grace < 0 {
		grace = 0
	}
	kp, err := newKeyPair(material)
	if err != nil {
		return RotationResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if kp.fingerprint == s.active.fingerprint {
		return RotationResult{}, &SigningError{Op: "rotate", Err: errors.New("new key equals active key")}
	}
	s.previous = s.active
	s.active = kp
	s.graceUntil = s.now().Add(grace).UTC()

	until := s.graceUntil
	return RotationResult{
		Previous:   describe(s.previous, KeyInactive, &until),
		Active:     describe(s.active, KeyActive, nil),
		GraceUntil: until,
	}, nil
}

// VerifyWithPublicKey verifies an envelope against a single known public
// key. Used by offline tooling that has no private key.
func VerifyWithPublicKey(pub ed25519.PublicKey, env Envelope) bool {
	if len(pub) != ed25519.PublicKeySize || !strings.EqualFold(env.Algorithm, Algorithm) {
		return false
	}
	msg, sig, ok := decodeEnvelope(env)
	if !ok {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

func decodeEnvelope(env Envelope) (msg, sig []byte, ok bool) {
	lower, err := canonical.ParseHash(env.PayloadHash)
	if err != nil {
		return nil, nil, false
	}
	msg, _ = hex.DecodeString(lower)
	sig, err = base64.StdEncoding.DecodeString(env.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, nil, false
	}
	return msg, sig, true
}

// =============================================================================
// Key Material
// =============================================================================

// GenerateSeed returns a new random seed, base64 encoded.
func GenerateSeed() (string, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return "", fmt.Errorf("attest: generate seed: %w", err)
	}
	defer memguard.WipeBytes(seed)
	return base64.StdEncoding.EncodeToString(seed), nil
}

// DecodeKey decodes base64 key material, tolerating surrounding whitespace.
func DecodeKey(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, &SigningError{Op: "decode key", Err: err}
	}
	if len(raw) != ed25519.SeedSize && len(raw) != ed25519.PrivateKeySize {
		return nil, &SigningError{Op: "decode key", Err: ErrBadKey}
	}
	return raw, nil
}

// LoadKey resolves key material from path, or from KeyEnvVar when path is
// empty. A missing key is a *SigningError wrapping ErrNoKey.
func LoadKey(path string) ([]byte, error) {
	if path == "" {
		encoded := os.Getenv(KeyEnvVar)
		if encoded == "" {
			return nil, &SigningError{Op: "load key", Err: ErrNoKey}
		}
		return DecodeKey(encoded)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &SigningError{Op: "read key file", Err: err}
	}
	defer memguard.WipeBytes(data)
	return DecodeKey(string(data))
}

// WriteKeyFile writes a base64 seed with owner-only permissions.
func WriteKeyFile(path, encoded string) error {
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0600); err != nil {
		return fmt.Errorf("attest: write key file: %w", err)
	}
	return nil
}
