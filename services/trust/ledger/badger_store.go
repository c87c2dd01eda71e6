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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	trustbadger "github.com/AleutianAI/AleutianTrust/services/trust/storage/badger"
)

// Key layout:
//
//	ledger/<tenant>/<seq:%020d>  -> Event JSON
//	tip/<tenant>                 -> Event JSON of the latest event
//
// Zero-padded sequence numbers keep Badger's byte order equal to chain order.
const (
	eventPrefix = "ledger/"
	tipPrefix   = "tip/"
)

func eventKey(tenantID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", eventPrefix, tenantID, seq))
}

func tipKey(tenantID string) []byte {
	return []byte(tipPrefix + tenantID)
}

// BadgerStore persists the ledger in BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use. Each Put is one Badger transaction that writes
// the event and moves the tip together.
type BadgerStore struct {
	db *trustbadger.DB
}

// NewBadgerStore wraps an open database. The store owns db and closes it.
func NewBadgerStore(db *trustbadger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// OpenBadgerStore opens the database described by cfg.
func OpenBadgerStore(cfg trustbadger.Config) (*BadgerStore, error) {
	db, err := trustbadger.OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	return NewBadgerStore(db), nil
}

func (s *BadgerStore) Tip(ctx context.Context, tenantID string) (Event, bool, error) {
	var ev Event
	found := false
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		ev, found, err = readTip(txn, tenantID)
		return err
	})
	return ev, found, err
}

func (s *BadgerStore) Put(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		tip, found, err := readTip(txn, ev.TenantID)
		if err != nil {
			return err
		}
		want := uint64(1)
		if found {
			want = tip.Seq + 1
		}
		if ev.Seq != want {
			return ErrSequenceConflict
		}
		if err := txn.Set(eventKey(ev.TenantID, ev.Seq), data); err != nil {
			return err
		}
		return txn.Set(tipKey(ev.TenantID), data)
	})
	if errors.Is(err, badger.ErrConflict) {
		return ErrSequenceConflict
	}
	return err
}

func (s *BadgerStore) Events(ctx context.Context, tenantID string) ([]Event, error) {
	var out []Event
	prefix := []byte(eventPrefix + tenantID + "/")
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return trustbadger.ScanPrefix(ctx, txn, prefix, func(key, value []byte) error {
			var ev Event
			if err := json.Unmarshal(value, &ev); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			out = append(out, ev)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Tenants(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return trustbadger.ScanPrefix(ctx, txn, []byte(tipPrefix), func(key, _ []byte) error {
			out = append(out, strings.TrimPrefix(string(key), tipPrefix))
			return nil
		})
	})
	return out, err
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// overwrite replaces a stored event without any chain checks. Only tests
// use it to simulate tampering with the underlying storage.
func (s *BadgerStore) overwrite(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(eventKey(ev.TenantID, ev.Seq), data)
	})
}

func readTip(txn *badger.Txn, tenantID string) (Event, bool, error) {
	item, err := txn.Get(tipKey(tenantID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, fmt.Errorf("read tip: %w", err)
	}
	var ev Event
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &ev)
	})
	if err != nil {
		return Event{}, false, fmt.Errorf("decode tip: %w", err)
	}
	return ev, true, nil
}

var _ Store = (*BadgerStore)(nil)
