// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package encoder maps raw log lines to their rhythm representation:
// a deterministic structural skeleton, a 64-bit rhythm hash, a cheap dense
// vector for Tier-1, and a BM25 sparse vector for Tier-2.
package encoder

import (
	"regexp"
	"strings"
)

// Placeholder tokens. The set is fixed: two events share a rhythm class iff
// their messages collapse to the same placeholder sequence, and that
// equality must survive restarts.
const (
	phNum  = "<num>"
	phHex  = "<hex>"
	phUUID = "<uuid>"
	phIP   = "<ip>"
	phPath = "<path>"
	phURL  = "<url>"
	phStr  = "<str>"
	phTS   = "<ts>"
)

var (
	reNum  = regexp.MustCompile(`^[+-]?\d+(?:\.\d+)?$`)
	reHex  = regexp.MustCompile(`^(?:0[xX])?[0-9a-fA-F]{4,}$`)
	reUUID = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	reIPv4 = regexp.MustCompile(`^\d{1,3}(?:\.\d{1,3}){3}$`)
	reIPv6 = regexp.MustCompile(`^(?:[0-9a-fA-F]{0,4}:){2,7}[0-9a-fA-F]{0,4}$`)
	rePath = regexp.MustCompile(`^/(?:[\w.@+-]+/)*[\w.@+-]+/?$`)
	reURL  = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://\S+$`)
	reISO  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[Tt_ ]?\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:[Zz]|[+-]\d{2}:?\d{2})?$`)

	reQuoted = regexp.MustCompile(`^(?:"[^"]*"|'[^']*'|` + "`[^`]*`" + `)$`)
	reDigit  = regexp.MustCompile(`\d`)

	// Separators that survive inside a whitespace token: "10.0.0.1:8080"
	// keeps its colon and becomes "<ip>:<num>".
	reSep = regexp.MustCompile(`[:,;=()\[\]{}]`)
)

// Skeletonize reduces a message to its token-class skeleton: variable
// lexemes replaced by placeholders, the rest lowercased, joined by single
// spaces. Deterministic and restart-stable by construction.
func Skeletonize(message string) string {
	fields := strings.Fields(message)
	out := make([]string, 0, len(fields))
	for _, tok := range fields {
		out = append(out, classifyToken(tok))
	}
	return strings.Join(out, " ")
}

// classifyToken handles one whitespace-delimited token. Classes that embed
// separators (timestamps, URLs, quoted strings, UUIDs) are matched on the
// whole token first; everything else is split on punctuation so compound
// tokens like "/src/io.c:42" degrade to "<path>:<num>".
func classifyToken(tok string) string {
	if ph, ok := classifyWhole(tok); ok {
		return ph
	}

	var b strings.Builder
	last := 0
	for _, loc := range reSep.FindAllStringIndex(tok, -1) {
		b.WriteString(classifyPart(tok[last:loc[0]]))
		b.WriteString(tok[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(classifyPart(tok[last:]))
	return b.String()
}

func classifyWhole(tok string) (string, bool) {
	switch {
	case reQuoted.MatchString(tok):
		return phStr, true
	case reISO.MatchString(tok):
		return phTS, true
	case reURL.MatchString(tok):
		return phURL, true
	case reUUID.MatchString(tok):
		return phUUID, true
	case reIPv6.MatchString(tok) && strings.Count(tok, ":") >= 2:
		return phIP, true
	}
	return "", false
}

func classifyPart(part string) string {
	if part == "" {
		return part
	}
	// Trailing sentence punctuation is stripped before classing so "42."
	// and "42" land in the same class.
	trimmed := strings.TrimRight(part, ".!?")
	suffix := part[len(trimmed):]
	if trimmed == "" {
		return part
	}

	switch {
	case reNum.MatchString(trimmed):
		return phNum + suffix
	case reUUID.MatchString(trimmed):
		return phUUID + suffix
	case reIPv4.MatchString(trimmed):
		return phIP + suffix
	case reISO.MatchString(trimmed):
		return phTS + suffix
	case rePath.MatchString(trimmed) && strings.Contains(trimmed, "/"):
		return phPath + suffix
	case reHex.MatchString(trimmed) && reDigit.MatchString(trimmed):
		return phHex + suffix
	case reQuoted.MatchString(trimmed):
		return phStr + suffix
	}
	return strings.ToLower(part)
}
