// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embed

import (
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Tier1Dim is the dimensionality of the cheap skeleton embedding.
const Tier1Dim = 64

// HashingEmbedder is a deterministic feature-hashing embedder for message
// skeletons. Tokens and adjacent-token bigrams are hashed into a signed
// 64-D space and the result is L2-normalized, so skeletons sharing tokens
// land close under dot product while the whole thing stays restart-stable
// with no model files.
//
// Thread Safety: stateless; safe for concurrent use.
type HashingEmbedder struct{}

// NewHashingEmbedder returns the Tier-1 skeleton embedder.
func NewHashingEmbedder() *HashingEmbedder {
	return &HashingEmbedder{}
}

// Dim returns Tier1Dim.
func (e *HashingEmbedder) Dim() int { return Tier1Dim }

// Embed maps a skeleton to its 64-D vector. Unigrams carry unit weight,
// bigrams half weight so token order contributes without dominating.
func (e *HashingEmbedder) Embed(skeleton string) []float32 {
	vec := make([]float32, Tier1Dim)
	tokens := strings.Fields(skeleton)
	if len(tokens) == 0 {
		return vec
	}

	for i, tok := range tokens {
		addFeature(vec, tok, 1.0)
		if i > 0 {
			addFeature(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

// addFeature hashes a feature into a dimension with a hash-derived sign.
// The sign bit keeps colliding features from only ever reinforcing.
func addFeature(vec []float32, feature string, weight float32) {
	h := xxhash.Sum64String(feature)
	dim := h % Tier1Dim
	if (h>>7)&1 == 1 {
		weight = -weight
	}
	vec[dim] += weight
}
