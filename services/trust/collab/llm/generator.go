// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/AleutianAI/AleutianTrust/services/trust/anchors"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab"
)

const generatorPrompt = `You draft factual claims for a legal filing.
Use ONLY the evidence excerpts provided. Every claim must cite the ids of the
excerpts that support it in "anchorIds". Do not state anything the excerpts
do not support. Copy dates, amounts and names exactly as they appear.
Respond with a JSON object: {"claims":[{"text":"...","anchorIds":["..."]}]}`

var evidenceSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Generator implements collab.ClaimGenerator.
type Generator struct {
	client   *Client
	splitter textsplitter.TextSplitter
}

// NewGenerator creates a generator on client.
func NewGenerator(client *Client) *Generator {
	return &Generator{client: client, splitter: newSplitter(client.cfg.ChunkSize)}
}

func newSplitter(size int) textsplitter.TextSplitter {
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(size),
		textsplitter.WithChunkOverlap(size/10),
		textsplitter.WithSeparators(evidenceSeparators),
	)
}

// Generate drafts claims from the request's anchors and returns the raw
// model output. The caller validates it.
func (g *Generator) Generate(ctx context.Context, req collab.GenerationRequest) ([]byte, error) {
	evidence, err := EvidenceContext(g.splitter, req.Anchors, g.client.cfg.MaxChunksPerAnchor)
	if err != nil {
		return nil, err
	}
	var user strings.Builder
	if req.Question != "" {
		fmt.Fprintf(&user, "Question: %s\n\n", req.Question)
	}
	user.WriteString("Evidence:\n")
	user.WriteString(evidence)

	out, err := g.client.complete(ctx, g.client.cfg.Model, generatorPrompt, user.String())
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// EvidenceContext renders anchors as cited excerpts, sorted by id. Long
// anchor texts are cut to their first maxChunks chunks.
func EvidenceContext(splitter textsplitter.TextSplitter, list []anchors.Anchor, maxChunks int) (string, error) {
	sorted := append([]anchors.Anchor(nil), list...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var b strings.Builder
	for _, a := range sorted {
		if a.Revoked() {
			continue
		}
		chunks, err := splitter.SplitText(a.Text)
		if err != nil {
			return "", fmt.Errorf("split anchor %s: %w", a.ID, err)
		}
		if maxChunks > 0 && len(chunks) > maxChunks {
			chunks = chunks[:maxChunks]
		}
		fmt.Fprintf(&b, "[%s] exhibit %s, page %d, line %d: %s\n",
			a.ID, a.ExhibitID, a.PageNumber, a.LineNumber, strings.Join(chunks, " "))
	}
	return b.String(), nil
}

var _ collab.ClaimGenerator = (*Generator)(nil)
