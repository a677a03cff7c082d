// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package encoder

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/AleutianAI/via/internal/model"
)

// Encoded is the rhythm representation of one log event.
type Encoded struct {
	// RhythmHash fingerprints (level, service, skeleton). 64 bits,
	// non-cryptographic, stable across restarts.
	RhythmHash uint64

	// Skeleton is the structural message template.
	Skeleton string

	// Dense is the cheap Tier-1 embedding of the skeleton.
	Dense []float32
}

// HashHex renders a rhythm hash the way it travels on the wire and in
// payloads: 16 lowercase hex digits.
func HashHex(h uint64) string {
	return fmt.Sprintf("%016x", h)
}

// DenseEmbedder produces the Tier-1 skeleton embedding.
type DenseEmbedder interface {
	Embed(text string) []float32
	Dim() int
}

// Encoder is the pure (event → rhythm) function. It never panics; malformed
// events come back as model.ErrBadEvent.
type Encoder struct {
	dense DenseEmbedder
}

// New creates an Encoder over the given Tier-1 embedder.
func New(dense DenseEmbedder) *Encoder {
	return &Encoder{dense: dense}
}

// Encode validates the event and derives its skeleton, rhythm hash, and
// Tier-1 dense vector.
func (e *Encoder) Encode(ev *model.LogEvent) (*Encoded, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	ev.Normalize()

	skeleton := Skeletonize(ev.Message)
	return &Encoded{
		RhythmHash: RhythmHash(ev.Level, ev.Service, skeleton),
		Skeleton:   skeleton,
		Dense:      e.dense.Embed(skeleton),
	}, nil
}

// RhythmHash hashes the structural identity of a rhythm class.
func RhythmHash(level model.Level, service, skeleton string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(string(level))
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(service)
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(skeleton)
	return d.Sum64()
}
