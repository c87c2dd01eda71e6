// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDB_PathRequired(t *testing.T) {
	_, err := OpenDB(Config{})
	assert.ErrorIs(t, err, ErrPathRequired)
}

func TestOpenDB_InMemoryRoundTrip(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	assert.True(t, db.InMemory())

	ctx := context.Background()
	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("ledger/acme/1"), []byte("e1"))
	}))

	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("ledger/acme/1"))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		assert.Equal(t, []byte("e1"), val)
		return err
	}))
}

func TestOpenDB_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	require.NoError(t, db.WithTxn(context.Background(), func(txn *badger.Txn) error {
		return txn.Set([]byte("tip/acme"), []byte("abc"))
	}))
	require.NoError(t, db.Close())
	// Close is idempotent.
	require.NoError(t, db.Close())

	reopened, err := OpenDB(cfg)
	require.NoError(t, err)
	defer reopened.Close()
	assert.False(t, reopened.InMemory())

	require.NoError(t, reopened.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("tip/acme"))
		return err
	}))
}

func TestWithTxn_DiscardsOnError(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	boom := errors.New("boom")
	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set([]byte("k"), []byte("v")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("k"))
		return err
	})
	assert.ErrorIs(t, err, badger.ErrKeyNotFound)
}

func TestWithTxn_CancelledContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err = db.WithTxn(ctx, func(*badger.Txn) error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)

	err = db.WithReadTxn(ctx, func(*badger.Txn) error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestScanPrefix_OrderAndIsolation(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, k := range []string{"ledger/b/2", "ledger/a/2", "ledger/a/1", "ledger/ab/1"} {
			if err := txn.Set([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	}))

	var keys []string
	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return ScanPrefix(ctx, txn, []byte("ledger/a/"), func(key, value []byte) error {
			assert.Equal(t, key, value)
			keys = append(keys, string(key))
			return nil
		})
	}))
	assert.Equal(t, []string{"ledger/a/1", "ledger/a/2"}, keys)
}

func TestOpenDB_GCRunnerStops(t *testing.T) {
	cfg := Config{Path: t.TempDir(), GCInterval: 10 * time.Millisecond, GCDiscardRatio: 0.5}
	db, err := OpenDB(cfg)
	require.NoError(t, err)
	require.NotNil(t, db.gc)

	time.Sleep(30 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		_ = db.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not stop the GC runner")
	}
}
