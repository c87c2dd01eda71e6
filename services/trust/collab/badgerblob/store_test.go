// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badgerblob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianTrust/services/trust/collab"
	trustbadger "github.com/AleutianAI/AleutianTrust/services/trust/storage/badger"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := trustbadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestStore_PutGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "seals/acme/2025-01-15.json", []byte(`{"a":1}`)))
	got, err := s.Get(ctx, "seals/acme/2025-01-15.json")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), got)

	require.NoError(t, s.Put(ctx, "seals/acme/2025-01-15.json", []byte(`{"a":2}`)))
	got, err = s.Get(ctx, "/seals/acme/2025-01-15.json")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":2}`), got, "leading slash names the same key")

	_, err = s.Get(ctx, "seals/acme/missing.json")
	assert.ErrorIs(t, err, collab.ErrNotFound)

	assert.Error(t, s.Put(ctx, "", []byte("x")))
}

func TestStore_Keys(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, k := range []string{"seals/acme/2025-01-16.json", "seals/acme/2025-01-15.json", "bundles/acme/h.json", "seals/globex/2025-01-15.json"} {
		require.NoError(t, s.Put(ctx, k, []byte("{}")))
	}
	keys, err := s.Keys(ctx, "seals/acme/")
	require.NoError(t, err)
	assert.Equal(t, []string{"seals/acme/2025-01-15.json", "seals/acme/2025-01-16.json"}, keys)
}
