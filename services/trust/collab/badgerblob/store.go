// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerblob stores bundles and seal manifests in the ledger's
// Badger database when no object store is configured.
package badgerblob

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianTrust/services/trust/collab"
	trustbadger "github.com/AleutianAI/AleutianTrust/services/trust/storage/badger"
)

// keyPrefix keeps blobs apart from the ledger's ledger/ and tip/ keys.
const keyPrefix = "blob/"

// Store implements collab.BlobStore. It does not own db.
type Store struct {
	db *trustbadger.DB
}

// New wraps an open database.
func New(db *trustbadger.DB) *Store {
	return &Store{db: db}
}

func blobKey(key string) []byte {
	return []byte(keyPrefix + strings.TrimLeft(key, "/"))
}

// Put writes data to key, replacing any previous value.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return errors.New("badgerblob: empty key")
	}
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(blobKey(key), append([]byte(nil), data...))
	})
	if err != nil {
		return fmt.Errorf("badgerblob: put %s: %w", key, err)
	}
	return nil
}

// Get reads key. Missing keys return collab.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, collab.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badgerblob: get %s: %w", key, err)
	}
	return out, nil
}

// Keys lists stored keys under prefix, in byte order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	full := blobKey(prefix)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return trustbadger.ScanPrefix(ctx, txn, full, func(key, _ []byte) error {
			out = append(out, strings.TrimPrefix(string(key), keyPrefix))
			return nil
		})
	})
	return out, err
}

var _ collab.BlobStore = (*Store)(nil)
