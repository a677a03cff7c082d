// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// tier2Namespace seeds incident point ids. One id per (rhythm_hash, UTC day)
// makes promotion idempotent within a day.
var tier2Namespace = uuid.MustParse("4f6d2c8a-91b0-4e3d-8a57-c2e9f1d06b84")

// Incident is one promoted rhythm class in the Tier-2 forensic index.
type Incident struct {
	ID                    string  `json:"id"`
	RhythmHash            string  `json:"rhythm_hash"`
	Service               string  `json:"service"`
	Level                 Level   `json:"level"`
	RepresentativeMessage string  `json:"representative_message"`
	FirstSeenTS           int64   `json:"first_seen_ts"`
	LastSeenTS            int64   `json:"last_seen_ts"`
	Count                 int64   `json:"count"`
	PromotedAt            int64   `json:"promoted_at"`
	PromotedScore         float64 `json:"promoted_score"`

	// Collection names the daily partition the record came from; Score is
	// the query-time relevance, both set on read paths only.
	Collection string  `json:"collection,omitempty"`
	Score      float64 `json:"score,omitempty"`
}

// IncidentID derives the stable Tier-2 point id for a rhythm class on the
// UTC day of promotedAt.
func IncidentID(rhythmHash string, promotedAt int64) string {
	day := time.Unix(promotedAt, 0).UTC().Format("2006_01_02")
	return uuid.NewSHA1(tier2Namespace, []byte(fmt.Sprintf("%s|%s", rhythmHash, day))).String()
}
