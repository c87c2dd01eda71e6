// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package canonical defines the one byte encoding used for every hash in
// Aleutian Trust.
//
// # Encoding Rules
//
//   - Objects: keys sorted by byte order, no insignificant whitespace.
//   - Strings: JSON string escaping with HTML escaping disabled.
//   - Integers: decimal digits, no exponent, no fraction, no leading "+".
//   - Other numbers: shortest round-trip form; exponent notation outside
//     [1e-6, 1e21).
//   - Timestamps: callers render them with FormatTime before hashing.
//
// Two values that are equal after a JSON round trip produce identical
// bytes, so `{"b":1,"a":2.0}` and `{"a":2,"b":1}` hash the same.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidHash is returned by ParseHash for values that are not 64 hex digits.
var ErrInvalidHash = errors.New("canonical: hash must be 64 hex characters")

// Marshal returns the canonical encoding of v.
//
// # Description
//
// v is first encoded with encoding/json (so struct tags apply), then
// decoded into a generic tree with UseNumber and re-emitted under the
// canonical rules above.
//
// # Inputs
//
//   - v: Any JSON-encodable value.
//
// # Outputs
//
//   - []byte: Canonical bytes.
//   - error: Non-nil when v cannot be JSON-encoded or contains a
//     non-finite number.
func Marshal(v any) ([]byte, error) {
	raw, err := encodePlain(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}
	return Canonicalize(raw)
}

// Canonicalize re-encodes arbitrary JSON bytes in canonical form.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	if dec.More() {
		return nil, errors.New("canonical: trailing data after JSON value")
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashString returns SHA256Hex of the UTF-8 bytes of s.
func HashString(s string) string {
	return SHA256Hex([]byte(s))
}

// Hash returns the SHA-256 of the canonical encoding of v along with the
// bytes that were hashed.
func Hash(v any) (string, []byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return SHA256Hex(b), b, nil
}

// FormatTime renders t the way every hashed timestamp is rendered:
// RFC3339 with nanoseconds, in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseHash validates a hex digest and returns it lower-cased.
func ParseHash(s string) (string, error) {
	if len(s) != 64 {
		return "", ErrInvalidHash
	}
	lower := strings.ToLower(s)
	if _, err := hex.DecodeString(lower); err != nil {
		return "", ErrInvalidHash
	}
	return lower, nil
}

// IsHash reports whether s is a 64 character hex digest (either case).
func IsHash(s string) bool {
	_, err := ParseHash(s)
	return err == nil
}

// =============================================================================
// Encoding
// =============================================================================

func encodePlain(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		s, err := formatNumber(val)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case string:
		b, err := encodePlain(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := encodePlain(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
	return nil
}

// formatNumber normalises a JSON number. Integral literals keep arbitrary
// precision; everything else goes through float64.
func formatNumber(n json.Number) (string, error) {
	s := string(n)
	if !strings.ContainsAny(s, ".eE") {
		i, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return "", fmt.Errorf("canonical: invalid integer %q", s)
		}
		return i.String(), nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", fmt.Errorf("canonical: invalid number %q: %w", s, err)
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return "", fmt.Errorf("canonical: non-finite number %q", s)
	}
	if f == 0 {
		return "0", nil
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		// 2.0 and 2 must encode identically.
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	abs := math.Abs(f)
	if abs < 1e-6 || abs >= 1e21 {
		return strconv.FormatFloat(f, 'e', -1, 64), nil
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}
