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
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/via/internal/control"
	"github.com/AleutianAI/via/internal/model"
	"github.com/AleutianAI/via/internal/vecstore"
)

type fakeWindows struct {
	stamps map[string][]int64
	points []vecstore.Point
}

func (f *fakeWindows) HashWindow(_ context.Context, hash string, from, to int64) ([]int64, error) {
	var out []int64
	for _, ts := range f.stamps[hash] {
		if ts >= from && ts <= to {
			out = append(out, ts)
		}
	}
	return out, nil
}

func (f *fakeWindows) WindowAll(_ context.Context, _, _ int64) ([]vecstore.Point, error) {
	return f.points, nil
}

type fakeControl struct {
	rules   map[string]control.Kind
	novelty map[string]float64
}

func (f *fakeControl) Active(hash string) (control.Kind, bool) {
	k, ok := f.rules[hash]
	return k, ok
}

func (f *fakeControl) Novelty(_ context.Context, hash string) (float64, error) {
	if v, ok := f.novelty[hash]; ok {
		return v, nil
	}
	return 1, nil
}

// steadyStamps returns one timestamp per minute across the window ending
// just before now, a perfectly flat baseline.
func steadyStamps(now time.Time, minutes int) []int64 {
	lastMinute := now.Unix() / 60
	out := make([]int64, 0, minutes)
	for i := 1; i < minutes; i++ {
		out = append(out, (lastMinute-int64(i))*60)
	}
	return out
}

func TestAnomalyCountWireField(t *testing.T) {
	body, err := json.Marshal(Anomaly{RhythmHash: "h", BatchCount: 30})
	require.NoError(t, err)
	assert.Contains(t, string(body), `"count":30`)
}

func TestAnalyzeNovelClassFlagged(t *testing.T) {
	now := time.Now()
	w := &fakeWindows{stamps: map[string][]int64{}}
	a := NewAnalyzer(w, &fakeControl{}, 0.6, 0.5, 10*time.Minute, nil)

	got, err := a.Analyze(context.Background(), []classStats{{
		RhythmHash: "new-class", Service: "api", Level: model.LevelError,
		RepresentativeMessage: "boom", Count: 3,
	}}, now)
	require.NoError(t, err)
	require.Len(t, got, 1)

	an := got[0]
	assert.Equal(t, "new-class", an.RhythmHash)
	assert.Equal(t, 1.0, an.Novelty)
	assert.Equal(t, zCeiling, an.FreqZ)
	assert.Equal(t, 1.0, an.Score)
	assert.Equal(t, 3, an.BatchCount)
}

func TestAnalyzeSteadyFamiliarClassQuiet(t *testing.T) {
	now := time.Now()
	w := &fakeWindows{stamps: map[string][]int64{
		"steady": steadyStamps(now, 10),
	}}
	ctrl := &fakeControl{novelty: map[string]float64{"steady": 0}}
	a := NewAnalyzer(w, ctrl, 0.6, 0.5, 10*time.Minute, nil)

	got, err := a.Analyze(context.Background(), []classStats{{
		RhythmHash: "steady", Count: 1,
	}}, now)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAnalyzeBurstOfFamiliarClass(t *testing.T) {
	now := time.Now()
	w := &fakeWindows{stamps: map[string][]int64{
		"steady": steadyStamps(now, 10),
	}}
	ctrl := &fakeControl{novelty: map[string]float64{"steady": 0}}
	// Weight frequency heavily so a pure rate burst clears the cutoff.
	a := NewAnalyzer(w, ctrl, 0.3, 0.5, 10*time.Minute, nil)

	got, err := a.Analyze(context.Background(), []classStats{{
		RhythmHash: "steady", Count: 50,
	}}, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, zCeiling, got[0].FreqZ)
	assert.InDelta(t, 0.7, got[0].Score, 1e-9)
	assert.Equal(t, 0.0, got[0].Novelty)
}

func TestAnalyzeSuppressedSkipped(t *testing.T) {
	now := time.Now()
	w := &fakeWindows{stamps: map[string][]int64{}}
	ctrl := &fakeControl{rules: map[string]control.Kind{"muted": control.KindSuppress}}
	a := NewAnalyzer(w, ctrl, 0.6, 0.5, 10*time.Minute, nil)

	got, err := a.Analyze(context.Background(), []classStats{
		{RhythmHash: "muted", Count: 100},
		{RhythmHash: "loud", Count: 1},
	}, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "loud", got[0].RhythmHash)
}

func TestAnalyzePatchedClassNeverFlagged(t *testing.T) {
	now := time.Now()
	// No window history and full novelty, a class that would otherwise
	// score 1.0. The patch rule must still keep it out of the output.
	w := &fakeWindows{stamps: map[string][]int64{}}
	ctrl := &fakeControl{rules: map[string]control.Kind{"patched": control.KindPatch}}
	a := NewAnalyzer(w, ctrl, 0.6, 0.5, 10*time.Minute, nil)

	got, err := a.Analyze(context.Background(), []classStats{{
		RhythmHash: "patched", Count: 100,
	}}, now)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAnalyzeSortsByScore(t *testing.T) {
	now := time.Now()
	w := &fakeWindows{stamps: map[string][]int64{
		"warm": steadyStamps(now, 10),
	}}
	ctrl := &fakeControl{novelty: map[string]float64{"warm": 0.4}}
	a := NewAnalyzer(w, ctrl, 0.6, 0.2, 10*time.Minute, nil)

	got, err := a.Analyze(context.Background(), []classStats{
		{RhythmHash: "warm", Count: 1},
		{RhythmHash: "cold", Count: 1},
	}, now)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "cold", got[0].RhythmHash)
	assert.Greater(t, got[0].Score, got[1].Score)
}

func TestWindowAggregatesClasses(t *testing.T) {
	now := time.Now()
	base := now.Unix() - 60
	points := []vecstore.Point{
		{Payload: map[string]any{
			"rhythm_hash": "h1", "service": "api", "level": "error",
			"skeleton": "timeout order=<num>", "message": "timeout order=1",
			"ts": base,
		}},
		{Payload: map[string]any{
			"rhythm_hash": "h1", "service": "api", "level": "error",
			"skeleton": "timeout order=<num>", "message": "timeout order=2",
			"ts": base + 30,
		}},
		{Payload: map[string]any{
			"rhythm_hash": "h2", "service": "cache", "level": "warn",
			"skeleton": "evicted key=<hex>", "message": "evicted key=ff",
			"ts": base + 10,
		}},
	}
	w := &fakeWindows{
		points: points,
		stamps: map[string][]int64{
			"h1": {base, base + 30},
			"h2": {base + 10},
		},
	}
	a := NewAnalyzer(w, &fakeControl{}, 0.6, 0.5, 10*time.Minute, nil)

	got, err := a.Window(context.Background(), 600, 0, -1, now)
	require.NoError(t, err)
	require.Len(t, got, 2)

	byHash := map[string]Anomaly{}
	for _, an := range got {
		byHash[an.RhythmHash] = an
	}
	h1 := byHash["h1"]
	assert.Equal(t, 2, h1.BatchCount)
	assert.Equal(t, "timeout order=2", h1.RepresentativeMessage)
	assert.Equal(t, base, h1.FirstSeenTS)
	assert.Equal(t, base+30, h1.LastSeenTS)
	assert.Equal(t, "api", h1.Service)

	topOne, err := a.Window(context.Background(), 600, 1, -1, now)
	require.NoError(t, err)
	assert.Len(t, topOne, 1)
}

func TestWindowNarrowWindowBaselinesNarrowly(t *testing.T) {
	now := time.Now()
	lastMinute := now.Unix() / 60

	// Ten events per minute up to three minutes ago, then two silent
	// minutes, then ten events in the current minute.
	var stamps []int64
	for i := 3; i <= 29; i++ {
		for k := 0; k < 10; k++ {
			stamps = append(stamps, (lastMinute-int64(i))*60+int64(k))
		}
	}
	var points []vecstore.Point
	for k := 0; k < 10; k++ {
		ts := lastMinute * 60
		stamps = append(stamps, ts)
		points = append(points, vecstore.Point{
			ID:      fmt.Sprintf("p%d", k),
			Payload: map[string]any{"rhythm_hash": "surge", "ts": ts},
		})
	}
	w := &fakeWindows{stamps: map[string][]int64{"surge": stamps}, points: points}
	ctrl := &fakeControl{novelty: map[string]float64{"surge": 0}}
	a := NewAnalyzer(w, ctrl, 0, 0.5, 30*time.Minute, nil)

	// Against the configured 30 min the current minute is ordinary; inside
	// the requested 3 minute window it follows only silence.
	got, err := a.Window(context.Background(), 180, 0, -1, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "surge", got[0].RhythmHash)
	assert.Equal(t, zCeiling, got[0].FreqZ)
}
