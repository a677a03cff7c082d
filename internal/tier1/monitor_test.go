// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tier1

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/via/internal/model"
	"github.com/AleutianAI/via/internal/vecstore"
)

// memVectorClient is an in-memory stand-in for the vector backend with
// just enough filter support for the monitor's access patterns.
type memVectorClient struct {
	mu     sync.Mutex
	points map[string]vecstore.Point
}

func newMemVectorClient() *memVectorClient {
	return &memVectorClient{points: map[string]vecstore.Point{}}
}

func (m *memVectorClient) RecreateCollection(context.Context, vecstore.CollectionSpec) error {
	m.mu.Lock()
	m.points = map[string]vecstore.Point{}
	m.mu.Unlock()
	return nil
}

func (m *memVectorClient) Upsert(_ context.Context, _ string, points []vecstore.Point, _ bool) error {
	m.mu.Lock()
	for _, p := range points {
		m.points[p.ID] = p
	}
	m.mu.Unlock()
	return nil
}

func (m *memVectorClient) matches(p vecstore.Point, f *vecstore.Filter) bool {
	if f.Empty() {
		return true
	}
	for field, want := range f.Match {
		if p.Payload[field] != want {
			return false
		}
	}
	for field, cond := range f.Range {
		v, ok := p.Payload[field].(int64)
		if !ok {
			return false
		}
		fv := float64(v)
		if cond.Gte != nil && fv < *cond.Gte {
			return false
		}
		if cond.Lte != nil && fv > *cond.Lte {
			return false
		}
		if cond.Lt != nil && fv >= *cond.Lt {
			return false
		}
		if cond.Gt != nil && fv <= *cond.Gt {
			return false
		}
	}
	return true
}

func (m *memVectorClient) scroll(f *vecstore.Filter, limit uint32, orderBy string, desc bool) []vecstore.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []vecstore.Point
	for _, p := range m.points {
		if m.matches(p, f) {
			out = append(out, p)
		}
	}
	if orderBy != "" {
		sort.Slice(out, func(i, j int) bool {
			a, _ := out[i].Payload[orderBy].(int64)
			b, _ := out[j].Payload[orderBy].(int64)
			if desc {
				return a > b
			}
			return a < b
		})
	}
	if uint32(len(out)) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memVectorClient) Scroll(_ context.Context, _ string, f *vecstore.Filter, limit uint32, orderDescBy string) ([]vecstore.Point, error) {
	return m.scroll(f, limit, orderDescBy, true), nil
}

func (m *memVectorClient) ScrollAsc(_ context.Context, _ string, f *vecstore.Filter, limit uint32, orderAscBy string) ([]vecstore.Point, error) {
	return m.scroll(f, limit, orderAscBy, false), nil
}

func (m *memVectorClient) GetPoints(_ context.Context, _ string, ids []string) ([]vecstore.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []vecstore.Point
	for _, id := range ids {
		if p, ok := m.points[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memVectorClient) Count(_ context.Context, _ string, f *vecstore.Filter, _ bool) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n uint64
	for _, p := range m.points {
		if m.matches(p, f) {
			n++
		}
	}
	return n, nil
}

func (m *memVectorClient) DeleteByFilter(_ context.Context, _ string, f *vecstore.Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.points {
		if m.matches(p, f) {
			delete(m.points, id)
		}
	}
	return nil
}

func (m *memVectorClient) DeletePoints(_ context.Context, _ string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

func tsPoint(id string, ts int64, hash string) vecstore.Point {
	return vecstore.Point{
		ID: id,
		Payload: map[string]any{
			"ts":          ts,
			"service":     "api",
			"level":       "error",
			"message":     "msg " + id,
			"rhythm_hash": hash,
		},
	}
}

func TestMonitorHashWindow(t *testing.T) {
	vc := newMemVectorClient()
	m := NewMonitor(vc, 10*time.Minute, 1000, nil)
	ctx := context.Background()

	require.NoError(t, m.UpsertPoints(ctx, []vecstore.Point{
		tsPoint("a", 100, "h1"),
		tsPoint("b", 150, "h1"),
		tsPoint("c", 150, "h2"),
		tsPoint("d", 900, "h1"),
	}))

	stamps, err := m.HashWindow(ctx, "h1", 50, 200)
	require.NoError(t, err)
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })
	assert.Equal(t, []int64{100, 150}, stamps)
}

func TestMonitorRecentForHashNewestFirst(t *testing.T) {
	vc := newMemVectorClient()
	m := NewMonitor(vc, 10*time.Minute, 1000, nil)
	ctx := context.Background()

	require.NoError(t, m.UpsertPoints(ctx, []vecstore.Point{
		tsPoint("a", 100, "h1"),
		tsPoint("b", 300, "h1"),
		tsPoint("c", 200, "h1"),
	}))

	events, err := m.RecentForHash(ctx, "h1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(300), events[0].TS)
	assert.Equal(t, int64(200), events[1].TS)
	assert.Equal(t, "msg c", events[1].Message)
	assert.Equal(t, model.LevelError, events[0].Level)
}

func TestMonitorEvictExpired(t *testing.T) {
	vc := newMemVectorClient()
	m := NewMonitor(vc, 5*time.Minute, 1000, nil)
	ctx := context.Background()

	now := time.Now()
	old := now.Add(-10 * time.Minute).Unix()
	fresh := now.Add(-1 * time.Minute).Unix()
	require.NoError(t, m.UpsertPoints(ctx, []vecstore.Point{
		tsPoint("old", old, "h1"),
		tsPoint("fresh", fresh, "h1"),
	}))

	require.NoError(t, m.Evict(ctx, now))
	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestMonitorEvictHardCapDropsOldest(t *testing.T) {
	vc := newMemVectorClient()
	m := NewMonitor(vc, time.Hour, 3, nil)
	ctx := context.Background()

	now := time.Now()
	base := now.Add(-10 * time.Minute).Unix()
	var points []vecstore.Point
	for i := 0; i < 6; i++ {
		points = append(points, tsPoint(string(rune('a'+i)), base+int64(i), "h1"))
	}
	require.NoError(t, m.UpsertPoints(ctx, points))

	require.NoError(t, m.Evict(ctx, now))
	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	// The survivors are the newest three.
	stamps, err := m.HashWindow(ctx, "h1", 0, now.Unix())
	require.NoError(t, err)
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })
	assert.Equal(t, []int64{base + 3, base + 4, base + 5}, stamps)
}
