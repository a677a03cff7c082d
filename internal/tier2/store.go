// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tier2 owns the durable forensic index: one vector collection per
// UTC day, holding promoted incidents with a semantic dense vector and a
// lexical sparse vector. Partitions are dropped whole once they age out.
package tier2

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/via/internal/embed"
	"github.com/AleutianAI/via/internal/model"
	"github.com/AleutianAI/via/internal/vecstore"
)

const (
	// collectionPrefix namespaces forensic partitions in the backend.
	collectionPrefix = "forensic_"
	// dayLayout is the UTC day suffix, e.g. forensic_2026_08_26.
	dayLayout = "2006_01_02"

	// DenseVector and SparseVector are the named vector spaces of every
	// forensic partition.
	DenseVector  = "dense"
	SparseVector = "sparse"
)

// CollectionName returns the partition name for the UTC day of t.
func CollectionName(t time.Time) string {
	return collectionPrefix + t.UTC().Format(dayLayout)
}

// ParseCollectionDay extracts the UTC day from a partition name. The
// second return is false for names outside the forensic namespace.
func ParseCollectionDay(name string) (time.Time, bool) {
	suffix, ok := strings.CutPrefix(name, collectionPrefix)
	if !ok {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation(dayLayout, suffix, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// CollectionsForRange returns the partition names whose UTC day overlaps
// [from, to], oldest first. Seconds-resolution inputs; an inverted range
// yields nil.
func CollectionsForRange(from, to int64) []string {
	if to < from {
		return nil
	}
	start := time.Unix(from, 0).UTC().Truncate(24 * time.Hour)
	end := time.Unix(to, 0).UTC()
	var out []string
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		out = append(out, CollectionName(day))
	}
	return out
}

// vectorClient is the slice of the vecstore client Tier-2 uses.
type vectorClient interface {
	EnsureCollection(ctx context.Context, spec vecstore.CollectionSpec) error
	DeleteCollection(ctx context.Context, name string) error
	ListCollections(ctx context.Context) ([]string, error)
	Upsert(ctx context.Context, collection string, points []vecstore.Point, wait bool) error
	GetPoints(ctx context.Context, collection string, ids []string) ([]vecstore.Point, error)
}

// Store manages forensic partitions.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	vc     vectorClient
	logger *slog.Logger
}

// NewStore builds a Tier-2 store on the given vector client.
func NewStore(vc vectorClient, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{vc: vc, logger: logger.With(slog.String("component", "tier2"))}
}

// partitionSpec is the collection shape of every forensic partition. The
// dense space lives on disk with int8 scalar quantization since forensic
// reads are rare and partitions accumulate for a month.
func partitionSpec(name string) vecstore.CollectionSpec {
	return vecstore.CollectionSpec{
		Name: name,
		Vectors: []vecstore.VectorSpec{{
			Name:         DenseVector,
			Dim:          uint64(embed.Tier2Dim),
			Distance:     vecstore.DistanceCosine,
			OnDisk:       true,
			QuantizeInt8: true,
		}},
		SparseVectors: []vecstore.SparseSpec{{Name: SparseVector}},
		PayloadIndexes: []vecstore.PayloadIndex{
			{Field: "service", Kind: vecstore.IndexKeyword},
			{Field: "rhythm_hash", Kind: vecstore.IndexKeyword},
			{Field: "promoted_at", Kind: vecstore.IndexInteger},
			{Field: "first_seen_ts", Kind: vecstore.IndexInteger},
			{Field: "last_seen_ts", Kind: vecstore.IndexInteger},
		},
	}
}

// EnsureDaily makes sure the partition for the UTC day of t exists.
func (s *Store) EnsureDaily(ctx context.Context, t time.Time) (string, error) {
	name := CollectionName(t)
	if err := s.vc.EnsureCollection(ctx, partitionSpec(name)); err != nil {
		return "", fmt.Errorf("ensure partition %s: %w", name, err)
	}
	return name, nil
}

// UpsertIncidents writes incidents into the partition. Points carry
// deterministic ids, so re-promoting the same class on the same day is an
// overwrite, not a duplicate. Writes wait for durability.
func (s *Store) UpsertIncidents(ctx context.Context, collection string, incidents []model.Incident, dense [][]float32, sparse []vecstore.Sparse) error {
	if len(incidents) != len(dense) || len(incidents) != len(sparse) {
		return fmt.Errorf("incident/vector count mismatch: %d/%d/%d",
			len(incidents), len(dense), len(sparse))
	}
	points := make([]vecstore.Point, len(incidents))
	for i, inc := range incidents {
		points[i] = vecstore.Point{
			ID:     inc.ID,
			Dense:  map[string][]float32{DenseVector: dense[i]},
			Sparse: map[string]vecstore.Sparse{SparseVector: sparse[i]},
			Payload: map[string]any{
				"rhythm_hash":            inc.RhythmHash,
				"service":                inc.Service,
				"level":                  string(inc.Level),
				"representative_message": inc.RepresentativeMessage,
				"first_seen_ts":          inc.FirstSeenTS,
				"last_seen_ts":           inc.LastSeenTS,
				"count":                  inc.Count,
				"promoted_at":            inc.PromotedAt,
				"promoted_score":         inc.PromotedScore,
			},
		}
	}
	if err := s.vc.Upsert(ctx, collection, points, true); err != nil {
		return fmt.Errorf("upsert incidents into %s: %w", collection, err)
	}
	return nil
}

// Existing returns which of the given incident ids are already present in
// the partition. Used by promotion to merge counts across flushes.
func (s *Store) Existing(ctx context.Context, collection string, ids []string) (map[string]model.Incident, error) {
	points, err := s.vc.GetPoints(ctx, collection, ids)
	if err != nil {
		return nil, fmt.Errorf("read existing incidents: %w", err)
	}
	out := make(map[string]model.Incident, len(points))
	for _, p := range points {
		inc := IncidentFromPayload(p.ID, collection, p.Payload)
		out[p.ID] = inc
	}
	return out, nil
}

// Partitions lists existing forensic partitions, oldest first.
func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	names, err := s.vc.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	var out []string
	for _, name := range names {
		if _, ok := ParseCollectionDay(name); ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// RetentionSweep drops partitions older than retentionDays whole. Returns
// the dropped partition names.
func (s *Store) RetentionSweep(ctx context.Context, now time.Time, retentionDays int) ([]string, error) {
	cutoff := now.UTC().Truncate(24 * time.Hour).AddDate(0, 0, -retentionDays)
	names, err := s.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	var dropped []string
	for _, name := range names {
		day, _ := ParseCollectionDay(name)
		if !day.Before(cutoff) {
			continue
		}
		if err := s.vc.DeleteCollection(ctx, name); err != nil {
			return dropped, fmt.Errorf("drop partition %s: %w", name, err)
		}
		dropped = append(dropped, name)
		s.logger.Info("forensic partition dropped",
			slog.String("partition", name),
			slog.Int("retention_days", retentionDays))
	}
	return dropped, nil
}

// IncidentFromPayload rebuilds an Incident from a stored payload. Fields
// absent from the payload stay zero.
func IncidentFromPayload(id, collection string, payload map[string]any) model.Incident {
	inc := model.Incident{ID: id, Collection: collection}
	if v, ok := payload["rhythm_hash"].(string); ok {
		inc.RhythmHash = v
	}
	if v, ok := payload["service"].(string); ok {
		inc.Service = v
	}
	if v, ok := payload["level"].(string); ok {
		inc.Level = model.Level(v)
	}
	if v, ok := payload["representative_message"].(string); ok {
		inc.RepresentativeMessage = v
	}
	inc.FirstSeenTS = payloadInt(payload, "first_seen_ts")
	inc.LastSeenTS = payloadInt(payload, "last_seen_ts")
	inc.Count = payloadInt(payload, "count")
	inc.PromotedAt = payloadInt(payload, "promoted_at")
	if v, ok := payload["promoted_score"].(float64); ok {
		inc.PromotedScore = v
	}
	return inc
}

func payloadInt(payload map[string]any, key string) int64 {
	switch v := payload[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}
