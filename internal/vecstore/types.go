// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vecstore provides a resilient client for the vector backend with
// circuit breaker, retry with backoff, health checking, and graceful
// degradation.
//
// Consumers see neutral point/filter types, never backend protobufs, so
// the analysis and federation layers can be tested against in-memory
// fakes.
package vecstore

import "errors"

var (
	// ErrUnavailable is returned when the vector backend is not reachable.
	ErrUnavailable = errors.New("vector backend is not available")

	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open, backend requests blocked")

	// ErrClientClosed is returned for operations on a closed client.
	ErrClientClosed = errors.New("vector client is closed")
)

// Point is a stored vector point: a UUID id, named dense and sparse
// vectors, and a payload.
type Point struct {
	ID      string
	Dense   map[string][]float32
	Sparse  map[string]Sparse
	Payload map[string]any
}

// Sparse is a sparse vector in index/value form.
type Sparse struct {
	Indices []uint32
	Values  []float32
}

// ScoredPoint is a query hit.
type ScoredPoint struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Group is one grouped-search bucket.
type Group struct {
	Key  string
	Hits []ScoredPoint
}

// Filter is a conjunctive payload filter: every Match and Range condition
// must hold.
type Filter struct {
	Match map[string]any
	Range map[string]RangeCond
}

// RangeCond bounds a numeric payload field.
type RangeCond struct {
	Gte *float64
	Lte *float64
	Gt  *float64
	Lt  *float64
}

// F returns an empty filter ready for chaining.
func F() *Filter {
	return &Filter{Match: map[string]any{}, Range: map[string]RangeCond{}}
}

// Eq adds an equality condition.
func (f *Filter) Eq(field string, value any) *Filter {
	f.Match[field] = value
	return f
}

// Between adds an inclusive range condition.
func (f *Filter) Between(field string, gte, lte int64) *Filter {
	g, l := float64(gte), float64(lte)
	f.Range[field] = RangeCond{Gte: &g, Lte: &l}
	return f
}

// Before adds an exclusive upper bound.
func (f *Filter) Before(field string, lt int64) *Filter {
	v := float64(lt)
	f.Range[field] = RangeCond{Lt: &v}
	return f
}

// Empty reports whether the filter has no conditions.
func (f *Filter) Empty() bool {
	return f == nil || (len(f.Match) == 0 && len(f.Range) == 0)
}

// Distance selects the similarity metric for a dense vector space.
type Distance int

const (
	DistanceCosine Distance = iota
	DistanceDot
)

// VectorSpec describes one named dense vector space of a collection.
type VectorSpec struct {
	Name         string
	Dim          uint64
	Distance     Distance
	OnDisk       bool
	QuantizeInt8 bool
}

// SparseSpec describes one named sparse vector space. IDF weighting is
// applied backend-side.
type SparseSpec struct {
	Name string
}

// IndexKind is the payload index type for a field.
type IndexKind int

const (
	IndexKeyword IndexKind = iota
	IndexInteger
)

// PayloadIndex declares a payload field index.
type PayloadIndex struct {
	Field string
	Kind  IndexKind
}

// CollectionSpec is everything needed to create a collection.
type CollectionSpec struct {
	Name           string
	Vectors        []VectorSpec
	SparseVectors  []SparseSpec
	PayloadIndexes []PayloadIndex
}
