// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package federation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/via/internal/vecstore"
)

const (
	day24 = "forensic_2026_08_24"
	day25 = "forensic_2026_08_25"
	day26 = "forensic_2026_08_26"
)

var (
	from24 = time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC).Unix()
	to26   = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC).Unix()
)

type fakeQuerier struct {
	collections []string
	groups      map[string][]vecstore.Group
	recommend   map[string][]vecstore.ScoredPoint
	points      map[string][]vecstore.Point
	failing     map[string]error

	mu             sync.Mutex
	recommendCalls int
}

func (f *fakeQuerier) ListCollections(context.Context) ([]string, error) {
	return f.collections, nil
}

func (f *fakeQuerier) SearchGroups(_ context.Context, collection, _ string, _, _ uint64, _ *vecstore.Filter) ([]vecstore.Group, error) {
	if err := f.failing[collection]; err != nil {
		return nil, err
	}
	return f.groups[collection], nil
}

func (f *fakeQuerier) Recommend(_ context.Context, collection, _ string, positive, _ []string, _ *vecstore.Filter, _ uint64) ([]vecstore.ScoredPoint, error) {
	f.mu.Lock()
	f.recommendCalls++
	f.mu.Unlock()
	if err := f.failing[collection]; err != nil {
		return nil, err
	}
	// Keyed by collection plus the first example so positive and negative
	// passes can return different hit lists.
	return f.recommend[collection+"/"+positive[0]], nil
}

func (f *fakeQuerier) GetPoints(_ context.Context, collection string, ids []string) ([]vecstore.Point, error) {
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []vecstore.Point
	for _, p := range f.points[collection] {
		if want[p.ID] {
			out = append(out, p)
		}
	}
	return out, nil
}

func groupOf(id, hash string, count, promotedAt int64) vecstore.Group {
	return vecstore.Group{Key: hash, Hits: []vecstore.ScoredPoint{{
		ID: id,
		Payload: map[string]any{
			"rhythm_hash": hash,
			"count":       count,
			"promoted_at": promotedAt,
		},
	}}}
}

func TestClustersMergesAndSorts(t *testing.T) {
	q := &fakeQuerier{
		collections: []string{day24, day25, "via_rhythm_tier1"},
		groups: map[string][]vecstore.Group{
			day24: {groupOf("a24", "hashA", 10, 100)},
			day25: {
				groupOf("a25", "hashA", 50, 200),
				groupOf("b25", "hashB", 5, 300),
			},
		},
	}
	e := NewEngine(q, 2*time.Second, nil)

	resp, err := e.Clusters(context.Background(), ClustersRequest{From: from24, To: to26})
	require.NoError(t, err)
	assert.Equal(t, []string{day24, day25}, resp.Partitions)
	assert.Empty(t, resp.Warnings)
	require.Len(t, resp.Incidents, 2)

	// hashB promoted latest, so it leads; hashA kept the larger-count copy.
	assert.Equal(t, "b25", resp.Incidents[0].ID)
	assert.Equal(t, "a25", resp.Incidents[1].ID)
	assert.Equal(t, int64(50), resp.Incidents[1].Count)
}

func TestClustersPartitionFailureIsWarning(t *testing.T) {
	q := &fakeQuerier{
		collections: []string{day24, day25},
		groups: map[string][]vecstore.Group{
			day25: {groupOf("b25", "hashB", 5, 300)},
		},
		failing: map[string]error{day24: errors.New("deadline exceeded")},
	}
	e := NewEngine(q, 2*time.Second, nil)

	resp, err := e.Clusters(context.Background(), ClustersRequest{From: from24, To: to26})
	require.NoError(t, err)
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], day24)
	require.Len(t, resp.Incidents, 1)
}

func TestClustersNoPartitions(t *testing.T) {
	e := NewEngine(&fakeQuerier{}, 2*time.Second, nil)
	resp, err := e.Clusters(context.Background(), ClustersRequest{From: from24, To: to26})
	require.NoError(t, err)
	assert.Empty(t, resp.Partitions)
	assert.NotNil(t, resp.Incidents)
}

func TestClustersRejectsInvertedRange(t *testing.T) {
	e := NewEngine(&fakeQuerier{}, 2*time.Second, nil)
	_, err := e.Clusters(context.Background(), ClustersRequest{From: to26, To: from24})
	assert.ErrorIs(t, err, ErrBadQuery)
}

func TestClustersRejectsUnknownLevel(t *testing.T) {
	q := &fakeQuerier{collections: []string{day24}}
	e := NewEngine(q, 2*time.Second, nil)
	_, err := e.Clusters(context.Background(), ClustersRequest{From: from24, To: to26, Level: "loud"})
	assert.ErrorIs(t, err, ErrBadQuery)
}

func TestTriageRequiresPositives(t *testing.T) {
	e := NewEngine(&fakeQuerier{}, 2*time.Second, nil)
	_, err := e.Triage(context.Background(), TriageRequest{From: from24, To: to26})
	assert.ErrorIs(t, err, ErrBadQuery)
}

func TestTriageScoresPositiveMinusNegative(t *testing.T) {
	q := &fakeQuerier{
		collections: []string{day26},
		points: map[string][]vecstore.Point{
			day26: {{ID: "pos1"}, {ID: "neg1"}},
		},
		recommend: map[string][]vecstore.ScoredPoint{
			day26 + "/pos1": {
				{ID: "x", Score: 0.9, Payload: map[string]any{"rhythm_hash": "hx"}},
				{ID: "y", Score: 0.8, Payload: map[string]any{"rhythm_hash": "hy"}},
			},
			day26 + "/neg1": {
				{ID: "x", Score: 0.7},
				{ID: "z", Score: 0.95},
			},
		},
	}
	e := NewEngine(q, 2*time.Second, nil)

	resp, err := e.Triage(context.Background(), TriageRequest{
		Positives: []string{"pos1"},
		Negatives: []string{"neg1"},
		From:      from24, To: to26,
	})
	require.NoError(t, err)
	require.Len(t, resp.Incidents, 2)

	// y keeps its positive 0.8; x drops to 0.9-0.7=0.2; z never had a
	// positive hit and stays out entirely.
	assert.Equal(t, "y", resp.Incidents[0].ID)
	assert.InDelta(t, 0.8, resp.Incidents[0].Score, 1e-6)
	assert.Equal(t, "x", resp.Incidents[1].ID)
	assert.InDelta(t, 0.2, resp.Incidents[1].Score, 1e-6)
}

func TestTriageSkipsPartitionWithoutAnchor(t *testing.T) {
	q := &fakeQuerier{
		collections: []string{day24, day26},
		points: map[string][]vecstore.Point{
			day26: {{ID: "pos1"}},
		},
		recommend: map[string][]vecstore.ScoredPoint{
			day26 + "/pos1": {{ID: "x", Score: 0.5}},
		},
	}
	e := NewEngine(q, 2*time.Second, nil)

	resp, err := e.Triage(context.Background(), TriageRequest{
		Positives: []string{"pos1"},
		From:      from24, To: to26,
	})
	require.NoError(t, err)
	require.Len(t, resp.Incidents, 1)
	assert.Equal(t, "x", resp.Incidents[0].ID)
	// Only the anchored partition issued a recommendation.
	assert.Equal(t, 1, q.recommendCalls)
	assert.Empty(t, resp.Warnings)
}

func TestTriageMergesPartitionsByScore(t *testing.T) {
	q := &fakeQuerier{
		collections: []string{day24, day25},
		points: map[string][]vecstore.Point{
			day24: {{ID: "pos1"}},
			day25: {{ID: "pos1"}},
		},
		recommend: map[string][]vecstore.ScoredPoint{
			day24 + "/pos1": {
				{ID: "a1", Score: 0.9},
				{ID: "a2", Score: 0.5},
			},
			day25 + "/pos1": {
				{ID: "b1", Score: 0.99},
				{ID: "a1", Score: 0.4},
			},
		},
	}
	e := NewEngine(q, 2*time.Second, nil)

	resp, err := e.Triage(context.Background(), TriageRequest{
		Positives: []string{"pos1"},
		From:      from24, To: to26,
	})
	require.NoError(t, err)

	ids := make([]string, 0, len(resp.Incidents))
	for _, inc := range resp.Incidents {
		ids = append(ids, inc.ID)
	}
	// Globally score-ordered across partitions, with the duplicate a1 kept
	// only at its best score.
	assert.Equal(t, []string{"b1", "a1", "a2"}, ids)
	for i := 1; i < len(resp.Incidents); i++ {
		assert.GreaterOrEqual(t, resp.Incidents[i-1].Score, resp.Incidents[i].Score)
	}
}
