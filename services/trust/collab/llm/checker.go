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
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/AleutianTrust/services/trust/collab"
)

const checkerPrompt = `You audit claims before they are filed with a court.
For each item, decide whether the claim is fully supported by its own
anchorTexts and by nothing else. Any unsupported detail makes the whole
set inadmissible.
Respond with a JSON object: {"admissible":true|false,"reasons":["..."]}`

// Checker implements collab.AdmissibilityChecker.
type Checker struct {
	client *Client
}

// NewChecker creates a checker on client.
func NewChecker(client *Client) *Checker {
	return &Checker{client: client}
}

type verdictBody struct {
	Admissible *bool    `json:"admissible"`
	Reasons    []string `json:"reasons"`
}

// Check asks the checker model for a verdict. A response without an
// explicit admissible field is an error, never an admission.
func (c *Checker) Check(ctx context.Context, tenantID string, items []collab.AdmissibilityItem) (collab.AdmissibilityVerdict, error) {
	payload, err := json.Marshal(struct {
		TenantID string                     `json:"tenantId"`
		Items    []collab.AdmissibilityItem `json:"items"`
	}{tenantID, items})
	if err != nil {
		return collab.AdmissibilityVerdict{}, fmt.Errorf("llm: encode items: %w", err)
	}
	out, err := c.client.complete(ctx, c.client.cfg.CheckerModel, checkerPrompt, string(payload))
	if err != nil {
		return collab.AdmissibilityVerdict{}, err
	}
	return ParseVerdict([]byte(out), "openai:"+c.client.cfg.CheckerModel)
}

// ParseVerdict decodes a checker response.
func ParseVerdict(raw []byte, checker string) (collab.AdmissibilityVerdict, error) {
	var body verdictBody
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&body); err != nil {
		return collab.AdmissibilityVerdict{}, fmt.Errorf("llm: decode verdict: %w", err)
	}
	if body.Admissible == nil {
		return collab.AdmissibilityVerdict{}, fmt.Errorf("llm: verdict missing admissible field")
	}
	return collab.AdmissibilityVerdict{
		Admissible: *body.Admissible,
		Reasons:    body.Reasons,
		Checker:    checker,
	}, nil
}

var _ collab.AdmissibilityChecker = (*Checker)(nil)
