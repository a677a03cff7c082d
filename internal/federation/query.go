// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package federation answers forensic queries that span daily partitions.
// Partitions are queried in parallel under a shared time budget; a slow or
// missing partition degrades the answer with a warning instead of failing
// the whole query.
package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/via/internal/model"
	"github.com/AleutianAI/via/internal/tier2"
	"github.com/AleutianAI/via/internal/vecstore"
)

// ErrBadQuery marks client-side query mistakes (inverted ranges, no
// examples for triage).
var ErrBadQuery = errors.New("bad query")

// DefaultLimit is the cluster result cap when the request does not set one.
const DefaultLimit = 100

// minPartitionBudget keeps per-partition deadlines sane when a wide range
// splits the budget thin.
const minPartitionBudget = 250 * time.Millisecond

// querier is the slice of the vecstore client federation reads.
type querier interface {
	ListCollections(ctx context.Context) ([]string, error)
	SearchGroups(ctx context.Context, collection, groupBy string, groupSize, limit uint64, f *vecstore.Filter) ([]vecstore.Group, error)
	Recommend(ctx context.Context, collection, using string, positive, negative []string, f *vecstore.Filter, limit uint64) ([]vecstore.ScoredPoint, error)
	GetPoints(ctx context.Context, collection string, ids []string) ([]vecstore.Point, error)
}

// ClustersRequest asks for the incident classes active in a time range.
type ClustersRequest struct {
	From    int64  `json:"from"`
	To      int64  `json:"to"`
	Service string `json:"service,omitempty"`
	Level   string `json:"level,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// ClustersResponse is one federated cluster answer. Warnings name
// partitions that did not answer in time.
type ClustersResponse struct {
	Incidents  []model.Incident `json:"incidents"`
	Partitions []string         `json:"partitions"`
	Warnings   []string         `json:"warnings,omitempty"`
}

// TriageRequest reranks stored incidents by similarity to operator-marked
// examples. Positives and negatives are incident ids.
type TriageRequest struct {
	Positives []string `json:"positives"`
	Negatives []string `json:"negatives,omitempty"`
	From      int64    `json:"from"`
	To        int64    `json:"to"`
	Service   string   `json:"service,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

// TriageResponse is a reranked incident list.
type TriageResponse struct {
	Incidents  []model.Incident `json:"incidents"`
	Partitions []string         `json:"partitions"`
	Warnings   []string         `json:"warnings,omitempty"`
}

// Engine runs federated queries.
//
// Thread Safety: safe for concurrent use.
type Engine struct {
	q       querier
	timeout time.Duration
	logger  *slog.Logger
}

// NewEngine builds an engine with the given total query budget.
func NewEngine(q querier, timeout time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		q:       q,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "federation")),
	}
}

// partitionsFor intersects the day range with the partitions that exist.
func (e *Engine) partitionsFor(ctx context.Context, from, to int64) ([]string, error) {
	if to < from {
		return nil, fmt.Errorf("%w: to before from", ErrBadQuery)
	}
	wanted := tier2.CollectionsForRange(from, to)
	existing, err := e.q.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	have := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		have[name] = struct{}{}
	}
	var out []string
	for _, name := range wanted {
		if _, ok := have[name]; ok {
			out = append(out, name)
		}
	}
	return out, nil
}

// budgetPer splits the total budget across partitions with a floor.
func (e *Engine) budgetPer(partitions int) time.Duration {
	if partitions == 0 {
		return e.timeout
	}
	per := e.timeout / time.Duration(partitions)
	if per < minPartitionBudget {
		per = minPartitionBudget
	}
	return per
}

// Clusters returns one representative per rhythm class across the range,
// newest promotion first. Duplicate classes across days keep the record
// with the larger count.
func (e *Engine) Clusters(ctx context.Context, req ClustersRequest) (*ClustersResponse, error) {
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	partitions, err := e.partitionsFor(ctx, req.From, req.To)
	if err != nil {
		return nil, err
	}
	resp := &ClustersResponse{Partitions: partitions, Incidents: []model.Incident{}}
	if len(partitions) == 0 {
		return resp, nil
	}

	filter := vecstore.F()
	if req.Service != "" {
		filter.Eq("service", req.Service)
	}
	if req.Level != "" {
		if lvl, ok := model.ParseLevel(req.Level); ok {
			filter.Eq("level", string(lvl))
		} else {
			return nil, fmt.Errorf("%w: unknown level %q", ErrBadQuery, req.Level)
		}
	}

	perLimit := uint64(req.Limit / len(partitions))
	if perLimit < 1 {
		perLimit = 1
	}
	perBudget := e.budgetPer(len(partitions))

	var mu sync.Mutex
	var warnings []string
	byHash := make(map[string]model.Incident)

	g, gctx := errgroup.WithContext(ctx)
	for _, partition := range partitions {
		g.Go(func() error {
			pctx, pcancel := context.WithTimeout(gctx, perBudget)
			defer pcancel()
			groups, err := e.q.SearchGroups(pctx, partition, "rhythm_hash", 1, perLimit, filter)
			if err != nil {
				mu.Lock()
				warnings = append(warnings, fmt.Sprintf("partition %s: %v", partition, trimErr(err)))
				mu.Unlock()
				return nil
			}
			mu.Lock()
			for _, grp := range groups {
				if len(grp.Hits) == 0 {
					continue
				}
				hit := grp.Hits[0]
				inc := tier2.IncidentFromPayload(hit.ID, partition, hit.Payload)
				if prev, ok := byHash[inc.RhythmHash]; !ok || inc.Count > prev.Count {
					byHash[inc.RhythmHash] = inc
				}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, inc := range byHash {
		resp.Incidents = append(resp.Incidents, inc)
	}
	sort.Slice(resp.Incidents, func(i, j int) bool {
		return resp.Incidents[i].PromotedAt > resp.Incidents[j].PromotedAt
	})
	if len(resp.Incidents) > req.Limit {
		resp.Incidents = resp.Incidents[:req.Limit]
	}
	resp.Warnings = warnings

	e.logger.Debug("clusters query",
		slog.Int("partitions", len(partitions)),
		slog.Int("incidents", len(resp.Incidents)),
		slog.Int("warnings", len(warnings)))
	return resp, nil
}

// Triage reranks incidents toward the positive examples and away from the
// negative ones. Per partition it runs one recommendation per example
// side using only the examples stored in that partition; an id missing
// from a partition simply contributes nothing there.
func (e *Engine) Triage(ctx context.Context, req TriageRequest) (*TriageResponse, error) {
	if len(req.Positives) == 0 {
		return nil, fmt.Errorf("%w: at least one positive example required", ErrBadQuery)
	}
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	partitions, err := e.partitionsFor(ctx, req.From, req.To)
	if err != nil {
		return nil, err
	}
	resp := &TriageResponse{Partitions: partitions, Incidents: []model.Incident{}}
	if len(partitions) == 0 {
		return resp, nil
	}

	filter := vecstore.F()
	if req.Service != "" {
		filter.Eq("service", req.Service)
	}
	perBudget := e.budgetPer(len(partitions))
	perLimit := uint64(req.Limit)

	var mu sync.Mutex
	var warnings []string
	ranked := make([][]model.Incident, len(partitions))

	g, gctx := errgroup.WithContext(ctx)
	for i, partition := range partitions {
		g.Go(func() error {
			pctx, pcancel := context.WithTimeout(gctx, perBudget)
			defer pcancel()
			incidents, err := e.triagePartition(pctx, partition, req, filter, perLimit)
			if err != nil {
				mu.Lock()
				warnings = append(warnings, fmt.Sprintf("partition %s: %v", partition, trimErr(err)))
				mu.Unlock()
				return nil
			}
			ranked[i] = incidents
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Select rank-wise: round-robin across the ranked per-partition lists,
	// deduping by id, so truncation takes every partition's best hits
	// before any partition's tail.
	seen := make(map[string]struct{})
	for row := 0; ; row++ {
		progressed := false
		for _, list := range ranked {
			if row >= len(list) {
				continue
			}
			progressed = true
			inc := list[row]
			if _, dup := seen[inc.ID]; dup {
				continue
			}
			seen[inc.ID] = struct{}{}
			resp.Incidents = append(resp.Incidents, inc)
		}
		if !progressed || len(resp.Incidents) >= req.Limit {
			break
		}
	}
	if len(resp.Incidents) > req.Limit {
		resp.Incidents = resp.Incidents[:req.Limit]
	}
	// The survivors then rank globally on their scores.
	sort.Slice(resp.Incidents, func(i, j int) bool {
		return resp.Incidents[i].Score > resp.Incidents[j].Score
	})
	resp.Warnings = warnings
	return resp, nil
}

// triagePartition scores one partition: positive-side similarity minus
// negative-side similarity, missing sides counting zero.
func (e *Engine) triagePartition(ctx context.Context, partition string, req TriageRequest, filter *vecstore.Filter, limit uint64) ([]model.Incident, error) {
	positives, err := e.presentIDs(ctx, partition, req.Positives)
	if err != nil {
		return nil, err
	}
	negatives, err := e.presentIDs(ctx, partition, req.Negatives)
	if err != nil {
		return nil, err
	}
	if len(positives) == 0 {
		// No anchor in this partition; nothing to rank against.
		return nil, nil
	}

	posHits, err := e.q.Recommend(ctx, partition, tier2.DenseVector, positives, nil, filter, limit)
	if err != nil {
		return nil, err
	}
	scores := make(map[string]float64, len(posHits))
	payloads := make(map[string]map[string]any, len(posHits))
	for _, hit := range posHits {
		scores[hit.ID] = float64(hit.Score)
		payloads[hit.ID] = hit.Payload
	}

	if len(negatives) > 0 {
		negHits, err := e.q.Recommend(ctx, partition, tier2.DenseVector, negatives, nil, filter, limit)
		if err != nil {
			return nil, err
		}
		for _, hit := range negHits {
			if _, ok := scores[hit.ID]; !ok {
				continue
			}
			scores[hit.ID] -= float64(hit.Score)
		}
	}

	out := make([]model.Incident, 0, len(scores))
	for id, score := range scores {
		inc := tier2.IncidentFromPayload(id, partition, payloads[id])
		inc.Score = score
		out = append(out, inc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// presentIDs filters example ids down to the ones stored in the partition.
func (e *Engine) presentIDs(ctx context.Context, partition string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	points, err := e.q.GetPoints(ctx, partition, ids)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(points))
	for _, p := range points {
		out = append(out, p.ID)
	}
	return out, nil
}

// trimErr keeps warning strings short; the full error already went to the
// log on the client side.
func trimErr(err error) string {
	s := err.Error()
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
