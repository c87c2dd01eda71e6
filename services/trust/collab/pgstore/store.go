// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pgstore reads exhibit verification records from PostgreSQL.
//
// The exhibits table is owned by the ingestion service:
//
//	CREATE TABLE exhibits (
//	    tenant_id      TEXT NOT NULL,
//	    exhibit_id     TEXT NOT NULL,
//	    integrity_hash TEXT NOT NULL,
//	    status         TEXT NOT NULL,
//	    updated_at     TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (tenant_id, exhibit_id)
//	);
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AleutianAI/AleutianTrust/services/trust/anchors"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab"
)

const selectExhibits = `SELECT exhibit_id, integrity_hash, status, updated_at
FROM exhibits WHERE tenant_id = $1 AND exhibit_id = ANY($2)`

// Config configures the connection pool.
type Config struct {
	DSN      string `yaml:"dsn" validate:"required"`
	MaxConns int32  `yaml:"max_conns" validate:"gte=0"`
}

// Querier is the subset of pgxpool.Pool the store needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store implements collab.ExhibitStore.
type Store struct {
	db   Querier
	pool *pgxpool.Pool
}

// PoolConfig parses cfg into a pgxpool configuration.
func PoolConfig(cfg Config) (*pgxpool.Config, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("pgstore: dsn is required")
	}
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	pc.MaxConns = 10
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.MinConns = 1
	pc.MaxConnLifetime = 30 * time.Minute
	pc.HealthCheckPeriod = 30 * time.Second
	// Exhibit records are read-only from this service.
	pc.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET SESSION CHARACTERISTICS AS TRANSACTION READ ONLY")
		return err
	}
	return pc, nil
}

// New opens a pool and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pc, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return &Store{db: pool, pool: pool}, nil
}

// NewWithQuerier wraps an existing connection or pool.
func NewWithQuerier(db Querier) *Store {
	return &Store{db: db}
}

// GetExhibits returns the known exhibits among ids, keyed by id.
func (s *Store) GetExhibits(ctx context.Context, tenantID string, ids []string) (map[string]collab.Exhibit, error) {
	out := make(map[string]collab.Exhibit, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, selectExhibits, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("query exhibits: %w", describe(err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ex     collab.Exhibit
			status string
		)
		if err := rows.Scan(&ex.ID, &ex.IntegrityHash, &status, &ex.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan exhibit: %w", err)
		}
		ex.TenantID = tenantID
		ex.IntegrityHash = strings.ToLower(ex.IntegrityHash)
		ex.Status = ParseStatus(status)
		out[ex.ID] = ex
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read exhibits: %w", describe(err))
	}
	return out, nil
}

// ParseStatus maps a stored status onto ExhibitStatus. Anything other than
// an active record is treated as revoked.
func ParseStatus(s string) anchors.ExhibitStatus {
	if strings.EqualFold(strings.TrimSpace(s), string(anchors.StatusActive)) {
		return anchors.StatusActive
	}
	return anchors.StatusRevoked
}

func describe(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s (sqlstate %s): %w", pgErr.Message, pgErr.Code, err)
	}
	return err
}

// Close releases the pool if the store owns one.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

var _ collab.ExhibitStore = (*Store)(nil)
