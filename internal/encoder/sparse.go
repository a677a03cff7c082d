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
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// BM25 parameters. Standard values; only promoted representatives are
// scored with these, so tuning pressure is low.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

var reWord = regexp.MustCompile(`[a-z0-9_]+`)

// SparseVector is a BM25 term vector in the backend's sparse format.
type SparseVector struct {
	Indices []uint32
	Values  []float32
}

// idfSnapshot is an immutable document-frequency view. Readers get the
// current snapshot via an atomic pointer; the refresher swaps in a new one.
type idfSnapshot struct {
	docCount float64
	avgLen   float64
	df       map[uint32]float64
}

func (s *idfSnapshot) idf(term uint32) float64 {
	if s == nil || s.docCount == 0 {
		return 1.0
	}
	df := s.df[term]
	return math.Log(1 + (s.docCount-df+0.5)/(df+0.5))
}

// SparseEncoder builds BM25 sparse vectors over original message tokens,
// variables kept. Term statistics accumulate continuously and are folded
// into the read snapshot by Refresh (daily, per the store's IDF policy).
//
// Thread Safety: safe for concurrent use.
type SparseEncoder struct {
	snapshot atomic.Pointer[idfSnapshot]

	mu       sync.Mutex
	docCount float64
	totalLen float64
	df       map[uint32]float64
}

// NewSparseEncoder returns an encoder with an empty IDF snapshot. Until the
// first Refresh, IDF degenerates to 1 for every term.
func NewSparseEncoder() *SparseEncoder {
	e := &SparseEncoder{df: make(map[uint32]float64)}
	e.snapshot.Store(&idfSnapshot{})
	return e
}

// Observe folds a message into the pending term statistics.
func (e *SparseEncoder) Observe(message string) {
	terms := tokenizeTerms(message)
	if len(terms) == 0 {
		return
	}
	seen := make(map[uint32]struct{}, len(terms))
	e.mu.Lock()
	e.docCount++
	e.totalLen += float64(len(terms))
	for _, t := range terms {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		e.df[t]++
	}
	e.mu.Unlock()
}

// Refresh publishes the accumulated statistics as the new read snapshot.
// Copy-on-write: in-flight Encode calls keep the old snapshot.
func (e *SparseEncoder) Refresh() {
	e.mu.Lock()
	snap := &idfSnapshot{
		docCount: e.docCount,
		df:       make(map[uint32]float64, len(e.df)),
	}
	if e.docCount > 0 {
		snap.avgLen = e.totalLen / e.docCount
	}
	for k, v := range e.df {
		snap.df[k] = v
	}
	e.mu.Unlock()
	e.snapshot.Store(snap)
}

// Encode produces the BM25 sparse vector for a message using the current
// IDF snapshot.
func (e *SparseEncoder) Encode(message string) SparseVector {
	terms := tokenizeTerms(message)
	if len(terms) == 0 {
		return SparseVector{}
	}

	tf := make(map[uint32]float64, len(terms))
	for _, t := range terms {
		tf[t]++
	}

	snap := e.snapshot.Load()
	docLen := float64(len(terms))
	avg := snap.avgLen
	if avg == 0 {
		avg = docLen
	}

	idx := make([]uint32, 0, len(tf))
	for t := range tf {
		idx = append(idx, t)
	}
	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })

	vec := SparseVector{
		Indices: idx,
		Values:  make([]float32, len(idx)),
	}
	for i, t := range idx {
		f := tf[t]
		score := snap.idf(t) * f * (bm25K1 + 1) / (f + bm25K1*(1-bm25B+bm25B*docLen/avg))
		vec.Values[i] = float32(score)
	}
	return vec
}

// tokenizeTerms lowercases and extracts word tokens, hashing each into the
// sparse index space.
func tokenizeTerms(message string) []uint32 {
	words := reWord.FindAllString(strings.ToLower(message), -1)
	out := make([]uint32, len(words))
	for i, w := range words {
		out[i] = uint32(xxhash.Sum64String(w) & 0xffffffff)
	}
	return out
}
