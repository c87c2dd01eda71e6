// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pgstore

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianTrust/services/trust/anchors"
)

type failingQuerier struct{ calls int }

func (f *failingQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	f.calls++
	return nil, errors.New("connection refused")
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want anchors.ExhibitStatus
	}{
		{"ACTIVE", anchors.StatusActive},
		{" active ", anchors.StatusActive},
		{"REVOKED", anchors.StatusRevoked},
		{"quarantined", anchors.StatusRevoked},
		{"", anchors.StatusRevoked},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseStatus(tt.in), tt.in)
	}
}

func TestPoolConfig(t *testing.T) {
	_, err := PoolConfig(Config{})
	assert.ErrorContains(t, err, "dsn is required")

	pc, err := PoolConfig(Config{DSN: "postgres://trust@localhost:5432/exhibits", MaxConns: 4})
	require.NoError(t, err)
	assert.EqualValues(t, 4, pc.MaxConns)
	assert.NotNil(t, pc.AfterConnect)
}

func TestGetExhibits(t *testing.T) {
	q := &failingQuerier{}
	s := NewWithQuerier(q)

	got, err := s.GetExhibits(context.Background(), "acme", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, q.calls)

	_, err = s.GetExhibits(context.Background(), "acme", []string{"ex1"})
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, 1, q.calls)
}
