// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tier1 is the ephemeral rhythm monitor: a single vector
// collection holding the last window of encoded log events, the ingestion
// coordinator that fills it, and the anomaly analyzer that reads it.
// Nothing in Tier-1 survives a restart on purpose.
package tier1

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/via/internal/embed"
	"github.com/AleutianAI/via/internal/encoder"
	"github.com/AleutianAI/via/internal/model"
	"github.com/AleutianAI/via/internal/vecstore"
)

// Collection is the Tier-1 working set collection. Recreated on every
// boot; its contents are by definition disposable.
const Collection = "via_rhythm_tier1"

// evictBatch bounds one eviction round so a hard-cap overshoot never
// turns into a single giant delete.
const evictBatch = 4096

// vectorClient is the slice of the vecstore client Tier-1 uses.
type vectorClient interface {
	RecreateCollection(ctx context.Context, spec vecstore.CollectionSpec) error
	Upsert(ctx context.Context, collection string, points []vecstore.Point, wait bool) error
	Scroll(ctx context.Context, collection string, f *vecstore.Filter, limit uint32, orderDescBy string) ([]vecstore.Point, error)
	ScrollAsc(ctx context.Context, collection string, f *vecstore.Filter, limit uint32, orderAscBy string) ([]vecstore.Point, error)
	Count(ctx context.Context, collection string, f *vecstore.Filter, exact bool) (uint64, error)
	GetPoints(ctx context.Context, collection string, ids []string) ([]vecstore.Point, error)
	DeleteByFilter(ctx context.Context, collection string, f *vecstore.Filter) error
	DeletePoints(ctx context.Context, collection string, ids []string) error
}

// Monitor owns the Tier-1 collection lifecycle: bootstrap, writes, window
// reads, and eviction.
//
// Thread Safety: safe for concurrent use.
type Monitor struct {
	vc     vectorClient
	logger *slog.Logger

	window    time.Duration
	maxPoints int

	sweepOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewMonitor builds a monitor over the given client. Bootstrap must be
// called before any write.
func NewMonitor(vc vectorClient, window time.Duration, maxPoints int, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		vc:        vc,
		logger:    logger.With(slog.String("component", "tier1")),
		window:    window,
		maxPoints: maxPoints,
		done:      make(chan struct{}),
	}
}

// Bootstrap recreates the Tier-1 collection from scratch and starts the
// eviction sweeper.
func (m *Monitor) Bootstrap(ctx context.Context) error {
	spec := vecstore.CollectionSpec{
		Name: Collection,
		Vectors: []vecstore.VectorSpec{{
			Name:     "rhythm",
			Dim:      uint64(embed.Tier1Dim),
			Distance: vecstore.DistanceDot,
		}},
		PayloadIndexes: []vecstore.PayloadIndex{
			{Field: "ts", Kind: vecstore.IndexInteger},
			{Field: "rhythm_hash", Kind: vecstore.IndexKeyword},
			{Field: "service", Kind: vecstore.IndexKeyword},
		},
	}
	if err := m.vc.RecreateCollection(ctx, spec); err != nil {
		return fmt.Errorf("bootstrap tier1 collection: %w", err)
	}
	m.logger.Info("tier1 collection recreated",
		slog.String("collection", Collection),
		slog.Duration("window", m.window),
		slog.Int("max_points", m.maxPoints))

	m.sweepOnce.Do(func() {
		m.wg.Add(1)
		go m.runSweeper()
	})
	return nil
}

// Close stops the eviction sweeper.
func (m *Monitor) Close() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	m.wg.Wait()
}

// PointFor builds the Tier-1 point for an encoded event.
func PointFor(ev *model.LogEvent, enc *encoder.Encoded) vecstore.Point {
	return vecstore.Point{
		ID:    ev.PointID(),
		Dense: map[string][]float32{"rhythm": enc.Dense},
		Payload: map[string]any{
			"ts":          ev.TS,
			"service":     ev.Service,
			"level":       string(ev.Level),
			"message":     ev.Message,
			"rhythm_hash": encoder.HashHex(enc.RhythmHash),
			"skeleton":    enc.Skeleton,
		},
	}
}

// ExistingIDs reports which of the given point ids are already stored.
// The ingest coordinator uses this to catch replayed tails that fell out
// of the dedup cache, e.g. after a collector restart.
func (m *Monitor) ExistingIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	points, err := m.vc.GetPoints(ctx, Collection, ids)
	if err != nil {
		return nil, fmt.Errorf("tier1 existence check: %w", err)
	}
	out := make(map[string]struct{}, len(points))
	for _, p := range points {
		out[p.ID] = struct{}{}
	}
	return out, nil
}

// UpsertPoints writes a batch without waiting for indexing.
func (m *Monitor) UpsertPoints(ctx context.Context, points []vecstore.Point) error {
	return m.vc.Upsert(ctx, Collection, points, false)
}

// HashWindow reads the timestamps of every point of one rhythm class
// inside [from, to]. The analyzer buckets these into per-minute counts.
func (m *Monitor) HashWindow(ctx context.Context, rhythmHash string, from, to int64) ([]int64, error) {
	f := vecstore.F().Eq("rhythm_hash", rhythmHash).Between("ts", from, to)
	points, err := m.vc.Scroll(ctx, Collection, f, uint32(m.maxPoints), "")
	if err != nil {
		return nil, fmt.Errorf("scroll hash window: %w", err)
	}
	out := make([]int64, 0, len(points))
	for _, p := range points {
		if ts, ok := p.Payload["ts"].(int64); ok {
			out = append(out, ts)
		}
	}
	return out, nil
}

// WindowAll reads every point inside [from, to], payload only. The
// on-demand analyzer aggregates these into per-class stats.
func (m *Monitor) WindowAll(ctx context.Context, from, to int64) ([]vecstore.Point, error) {
	f := vecstore.F().Between("ts", from, to)
	points, err := m.vc.Scroll(ctx, Collection, f, uint32(m.maxPoints), "")
	if err != nil {
		return nil, fmt.Errorf("scroll window: %w", err)
	}
	return points, nil
}

// RecentForHash returns the newest limit events of a rhythm class,
// newest first. Used by the regression recorder to capture a tail.
func (m *Monitor) RecentForHash(ctx context.Context, rhythmHash string, limit uint32) ([]model.LogEvent, error) {
	f := vecstore.F().Eq("rhythm_hash", rhythmHash)
	points, err := m.vc.Scroll(ctx, Collection, f, limit, "ts")
	if err != nil {
		return nil, fmt.Errorf("scroll recent for hash: %w", err)
	}
	out := make([]model.LogEvent, 0, len(points))
	for _, p := range points {
		ev := model.LogEvent{}
		if ts, ok := p.Payload["ts"].(int64); ok {
			ev.TS = ts
		}
		if s, ok := p.Payload["service"].(string); ok {
			ev.Service = s
		}
		if s, ok := p.Payload["level"].(string); ok {
			ev.Level = model.Level(s)
		}
		if s, ok := p.Payload["message"].(string); ok {
			ev.Message = s
		}
		ev.Normalize()
		out = append(out, ev)
	}
	return out, nil
}

// Count returns the live point count.
func (m *Monitor) Count(ctx context.Context) (uint64, error) {
	return m.vc.Count(ctx, Collection, nil, false)
}

// Evict drops points older than the window, then enforces the hard cap by
// deleting oldest-first until under maxPoints.
func (m *Monitor) Evict(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-m.window).Unix()
	if err := m.vc.DeleteByFilter(ctx, Collection, vecstore.F().Before("ts", cutoff)); err != nil {
		return fmt.Errorf("evict expired points: %w", err)
	}

	for {
		n, err := m.vc.Count(ctx, Collection, nil, false)
		if err != nil {
			return fmt.Errorf("count for cap eviction: %w", err)
		}
		if n <= uint64(m.maxPoints) {
			return nil
		}
		over := n - uint64(m.maxPoints)
		if over > evictBatch {
			over = evictBatch
		}
		victims, err := m.vc.ScrollAsc(ctx, Collection, nil, uint32(over), "ts")
		if err != nil {
			return fmt.Errorf("scroll eviction victims: %w", err)
		}
		if len(victims) == 0 {
			return nil
		}
		ids := make([]string, len(victims))
		for i, p := range victims {
			ids[i] = p.ID
		}
		if err := m.vc.DeletePoints(ctx, Collection, ids); err != nil {
			return fmt.Errorf("delete eviction victims: %w", err)
		}
		m.logger.Warn("tier1 hard cap eviction",
			slog.Int("dropped", len(ids)),
			slog.Uint64("live", n-uint64(len(ids))))
	}
}

// runSweeper evicts every 30s. Errors are logged and retried on the next
// tick; a degraded backend heals itself.
func (m *Monitor) runSweeper() {
	defer m.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := m.Evict(ctx, time.Now()); err != nil {
				m.logger.Warn("tier1 eviction failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}
