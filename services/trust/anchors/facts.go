// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package anchors

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

var (
	amountPattern   = regexp.MustCompile(`\$\s?(\d{1,3}(?:,\d{3})+|\d+)(?:\.(\d{1,2}))?`)
	isoDatePattern  = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	usDatePattern   = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	wordDatePattern = regexp.MustCompile(`(?i)\b(January|February|March|April|May|June|July|August|September|October|November|December)\s+(\d{1,2}),?\s+(\d{4})\b`)
	commaStripper   = strings.NewReplacer(",", "")
)

const (
	isoLayout  = "2006-01-02"
	usLayout   = "1/2/2006"
	wordLayout = "January 2 2006"
)

// Facts are the normalized load-bearing values found in a text.
type Facts struct {
	// Amounts are dollar amounts, e.g. "5000" or "12.50".
	Amounts []string
	// Dates are ISO calendar dates, e.g. "2023-04-01".
	Dates []string
}

// ExtractFacts finds dollar amounts and calendar dates in text. Output is
// sorted and deduplicated; invalid calendar dates are ignored.
func ExtractFacts(text string) Facts {
	return Facts{
		Amounts: uniqueSorted(extractAmounts(text)),
		Dates:   uniqueSorted(extractDates(text)),
	}
}

func extractAmounts(text string) []string {
	var out []string
	for _, m := range amountPattern.FindAllStringSubmatch(text, -1) {
		whole := strings.TrimLeft(commaStripper.Replace(m[1]), "0")
		if whole == "" {
			whole = "0"
		}
		cents := strings.TrimRight(m[2], "0")
		if cents == "" {
			out = append(out, whole)
			continue
		}
		if len(m[2]) == 1 {
			cents = m[2] + "0"
		} else {
			cents = m[2]
		}
		out = append(out, whole+"."+cents)
	}
	return out
}

func extractDates(text string) []string {
	var out []string
	for _, m := range isoDatePattern.FindAllString(text, -1) {
		if t, err := time.Parse(isoLayout, m); err == nil {
			out = append(out, t.Format(isoLayout))
		}
	}
	for _, m := range usDatePattern.FindAllString(text, -1) {
		if t, err := time.Parse(usLayout, m); err == nil {
			out = append(out, t.Format(isoLayout))
		}
	}
	for _, m := range wordDatePattern.FindAllStringSubmatch(text, -1) {
		month := strings.ToUpper(m[1][:1]) + strings.ToLower(m[1][1:])
		if t, err := time.Parse(wordLayout, month+" "+m[2]+" "+m[3]); err == nil {
			out = append(out, t.Format(isoLayout))
		}
	}
	return out
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:1]
	for _, v := range in[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
