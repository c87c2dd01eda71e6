// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package weaviatestore reads extracted evidence anchors from Weaviate.
//
// Anchors are written by the extraction pipeline into the EvidenceAnchor
// class. This package never writes.
package weaviatestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianTrust/services/trust/anchors"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab"
)

// ClassName is the Weaviate class holding anchors.
const ClassName = "EvidenceAnchor"

var tracer = otel.Tracer("aleutian.trust.weaviatestore")

// ErrNotConnected is returned when the store was built without a client.
var ErrNotConnected = errors.New("weaviatestore: client not configured")

// Config configures the store.
type Config struct {
	// URL is the Weaviate endpoint, with or without scheme.
	URL string `yaml:"url" validate:"required"`

	// MaxAnchors caps one lookup. Default: 256
	MaxAnchors int `yaml:"max_anchors" validate:"gte=0"`

	// Timeout bounds one query. Default: 5s
	Timeout time.Duration `yaml:"timeout"`
}

func (c *Config) applyDefaults() {
	if c.MaxAnchors == 0 {
		c.MaxAnchors = 256
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
}

// Store implements collab.AnchorStore against Weaviate.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	client *weaviate.Client
	cfg    Config
}

// New connects to Weaviate.
//
// # Inputs
//
//   - cfg: Connection settings. URL may carry an http:// or https:// prefix.
//
// # Outputs
//
//   - *Store: Ready store.
//   - error: Non-nil if the client cannot be created.
func New(cfg Config) (*Store, error) {
	cfg.applyDefaults()
	if cfg.URL == "" {
		return nil, fmt.Errorf("weaviatestore: url is required")
	}
	wc := weaviate.Config{Host: cfg.URL, Scheme: "http"}
	switch {
	case strings.HasPrefix(cfg.URL, "https://"):
		wc.Scheme = "https"
		wc.Host = strings.TrimPrefix(cfg.URL, "https://")
	case strings.HasPrefix(cfg.URL, "http://"):
		wc.Host = strings.TrimPrefix(cfg.URL, "http://")
	}
	client, err := weaviate.NewClient(wc)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &Store{client: client, cfg: cfg}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *weaviate.Client, cfg Config) *Store {
	cfg.applyDefaults()
	return &Store{client: client, cfg: cfg}
}

var fields = []graphql.Field{
	{Name: "anchorId"},
	{Name: "exhibitId"},
	{Name: "pageNumber"},
	{Name: "lineNumber"},
	{Name: "bbox"},
	{Name: "text"},
	{Name: "exhibitIntegrityHash"},
	{Name: "exhibitStatus"},
}

// GetAnchors returns the anchors with the given ids in the order requested.
func (s *Store) GetAnchors(ctx context.Context, tenantID string, ids []string) ([]anchors.Anchor, error) {
	if len(ids) == 0 {
		return []anchors.Anchor{}, nil
	}
	ctx, span := tracer.Start(ctx, "weaviatestore.GetAnchors", trace.WithAttributes(
		attribute.String("trust.tenant_id", tenantID),
		attribute.Int("trust.anchor_ids", len(ids)),
	))
	defer span.End()

	if len(ids) > s.cfg.MaxAnchors {
		return nil, fmt.Errorf("weaviatestore: %d anchor ids exceeds limit %d", len(ids), s.cfg.MaxAnchors)
	}

	idOperands := make([]*filters.WhereBuilder, 0, len(ids))
	for _, id := range ids {
		idOperands = append(idOperands, filters.Where().
			WithPath([]string{"anchorId"}).
			WithOperator(filters.Equal).
			WithValueString(id))
	}
	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			tenantFilter(tenantID),
			filters.Where().WithOperator(filters.Or).WithOperands(idOperands),
		})

	found, err := s.query(ctx, where)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	byID := make(map[string]anchors.Anchor, len(found))
	for _, a := range found {
		if _, ok := byID[a.ID]; !ok {
			byID[a.ID] = a
		}
	}
	out := make([]anchors.Anchor, 0, len(ids))
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// AnchorsByExhibit returns every anchor of one exhibit, sorted by id.
func (s *Store) AnchorsByExhibit(ctx context.Context, tenantID, exhibitID string) ([]anchors.Anchor, error) {
	ctx, span := tracer.Start(ctx, "weaviatestore.AnchorsByExhibit", trace.WithAttributes(
		attribute.String("trust.tenant_id", tenantID),
		attribute.String("trust.exhibit_id", exhibitID),
	))
	defer span.End()

	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			tenantFilter(tenantID),
			filters.Where().
				WithPath([]string{"exhibitId"}).
				WithOperator(filters.Equal).
				WithValueString(exhibitID),
		})

	out, err := s.query(ctx, where)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func tenantFilter(tenantID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"tenantId"}).
		WithOperator(filters.Equal).
		WithValueString(tenantID)
}

func (s *Store) query(ctx context.Context, where *filters.WhereBuilder) ([]anchors.Anchor, error) {
	if s.client == nil {
		return nil, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	result, err := s.client.GraphQL().Get().
		WithClassName(ClassName).
		WithFields(fields...).
		WithWhere(where).
		WithLimit(s.cfg.MaxAnchors).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("query anchors: %w", err)
	}
	return ParseResponse(result)
}

// ParseResponse converts a GraphQL Get response into anchors. Objects
// that cannot be read are skipped.
func ParseResponse(result *models.GraphQLResponse) ([]anchors.Anchor, error) {
	if result == nil {
		return []anchors.Anchor{}, nil
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("query anchors: %s", result.Errors[0].Message)
	}
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return []anchors.Anchor{}, nil
	}
	objects, ok := data[ClassName].([]interface{})
	if !ok {
		return []anchors.Anchor{}, nil
	}

	out := make([]anchors.Anchor, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		a := anchors.Anchor{
			ID:                   getString(m, "anchorId"),
			ExhibitID:            getString(m, "exhibitId"),
			PageNumber:           getInt(m, "pageNumber"),
			LineNumber:           getInt(m, "lineNumber"),
			Text:                 getString(m, "text"),
			ExhibitIntegrityHash: strings.ToLower(getString(m, "exhibitIntegrityHash")),
			ExhibitStatus:        anchors.ExhibitStatus(getString(m, "exhibitStatus")),
		}
		if a.ID == "" {
			continue
		}
		if box, ok := m["bbox"].([]interface{}); ok {
			for i := 0; i < len(box) && i < len(a.BBox); i++ {
				if f, ok := box[i].(float64); ok {
					a.BBox[i] = f
				}
			}
		}
		out = append(out, a)
	}
	return out, nil
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getInt(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

var _ collab.AnchorStore = (*Store)(nil)
