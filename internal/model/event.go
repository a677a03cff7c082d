// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model defines the core data types shared across VIA: log events
// on the wire, Tier-1 points, and Tier-2 incident records.
package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrBadEvent marks an event the encoder refuses to process. Bad events are
// dropped and counted, never fatal.
var ErrBadEvent = errors.New("bad event")

// MaxAttributes bounds the per-event attribute map.
const MaxAttributes = 32

// tier1Namespace seeds content-addressed Tier-1 point ids. Changing it
// invalidates every dedup cache, so it never changes.
var tier1Namespace = uuid.MustParse("b3a4f0d2-5c1e-4a6b-9f2d-7e8c0a1b4d36")

// Level is a log severity level.
type Level string

const (
	LevelTrace Level = "TRACE"
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

// ParseLevel normalizes a wire-format level string. The second return is
// false for values outside the enum.
func ParseLevel(s string) (Level, bool) {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelTrace:
		return LevelTrace, true
	case LevelDebug:
		return LevelDebug, true
	case LevelInfo, "INFORMATION":
		return LevelInfo, true
	case LevelWarn, "WARNING":
		return LevelWarn, true
	case LevelError:
		return LevelError, true
	case LevelFatal:
		return LevelFatal, true
	}
	return "", false
}

// LogEvent is a single ingested log record.
//
// Wire shape (seconds-resolution timestamps):
//
//	{"ts": 1712000000, "service": "api", "level": "ERROR",
//	 "message": "...", "attributes": {"k": "v"}}
type LogEvent struct {
	TS         int64             `json:"ts"`
	Service    string            `json:"service"`
	Level      Level             `json:"level"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Validate checks the event against the ingestion contract. A non-nil
// result always wraps ErrBadEvent.
func (e *LogEvent) Validate() error {
	if e.TS <= 0 {
		return fmt.Errorf("%w: ts must be a positive epoch second", ErrBadEvent)
	}
	if strings.TrimSpace(e.Message) == "" {
		return fmt.Errorf("%w: empty message", ErrBadEvent)
	}
	if e.Service == "" {
		return fmt.Errorf("%w: empty service", ErrBadEvent)
	}
	if _, ok := ParseLevel(string(e.Level)); !ok {
		return fmt.Errorf("%w: unknown level %q", ErrBadEvent, e.Level)
	}
	if len(e.Attributes) > MaxAttributes {
		return fmt.Errorf("%w: more than %d attributes", ErrBadEvent, MaxAttributes)
	}
	return nil
}

// Normalize canonicalizes fields after a successful Validate.
func (e *LogEvent) Normalize() {
	if lvl, ok := ParseLevel(string(e.Level)); ok {
		e.Level = lvl
	}
}

// PointID derives the content-addressed 128-bit Tier-1 id. Identical
// (ts, service, message) triples always map to the same id, which is what
// makes re-ingests of replayed tails idempotent.
func (e *LogEvent) PointID() string {
	key := fmt.Sprintf("%d|%s|%s", e.TS, e.Service, e.Message)
	return uuid.NewSHA1(tier1Namespace, []byte(key)).String()
}
