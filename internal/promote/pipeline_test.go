// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package promote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/via/internal/encoder"
	"github.com/AleutianAI/via/internal/model"
	"github.com/AleutianAI/via/internal/tier1"
	"github.com/AleutianAI/via/internal/vecstore"
)

type fakeForensicStore struct {
	mu        sync.Mutex
	existing  map[string]model.Incident
	upserted  []model.Incident
	ensureErr error
}

func (f *fakeForensicStore) EnsureDaily(_ context.Context, t time.Time) (string, error) {
	if f.ensureErr != nil {
		return "", f.ensureErr
	}
	return "forensic_" + t.UTC().Format("2006_01_02"), nil
}

func (f *fakeForensicStore) Existing(_ context.Context, _ string, ids []string) (map[string]model.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]model.Incident{}
	for _, id := range ids {
		if inc, ok := f.existing[id]; ok {
			out[id] = inc
		}
	}
	return out, nil
}

func (f *fakeForensicStore) UpsertIncidents(_ context.Context, _ string, incidents []model.Incident, dense [][]float32, sparse []vecstore.Sparse) error {
	if len(incidents) != len(dense) || len(incidents) != len(sparse) {
		return errors.New("count mismatch")
	}
	f.mu.Lock()
	f.upserted = append(f.upserted, incidents...)
	f.mu.Unlock()
	return nil
}

func (f *fakeForensicStore) snapshot() []model.Incident {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Incident(nil), f.upserted...)
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return make([]float32, 4), nil
}

func (fakeEmbedder) Dim() int { return 4 }

type fakeToucher struct {
	mu     sync.Mutex
	hashes []string
}

func (f *fakeToucher) TouchPromoted(_ context.Context, hash string) error {
	f.mu.Lock()
	f.hashes = append(f.hashes, hash)
	f.mu.Unlock()
	return nil
}

func waitPromoted(t *testing.T, p *Pipeline, want int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		promoted, _ := p.Stats()
		return promoted >= want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPromoteWritesIncident(t *testing.T) {
	store := &fakeForensicStore{}
	touch := &fakeToucher{}
	p := NewPipeline(store, fakeEmbedder{}, encoder.NewSparseEncoder(), touch, nil)
	defer p.Close()

	p.Enqueue([]tier1.Anomaly{{
		RhythmHash:            "hash1",
		Service:               "api",
		Level:                 model.LevelError,
		RepresentativeMessage: "gateway timeout",
		Score:                 0.8,
		BatchCount:            3,
		FirstSeenTS:           100,
		LastSeenTS:            200,
	}})
	waitPromoted(t, p, 1)

	got := store.snapshot()
	require.Len(t, got, 1)
	inc := got[0]
	assert.Equal(t, model.IncidentID("hash1", time.Now().Unix()), inc.ID)
	assert.Equal(t, int64(3), inc.Count)
	assert.Equal(t, 0.8, inc.PromotedScore)
	assert.False(t, p.Degraded())
	assert.Equal(t, []string{"hash1"}, touch.hashes)
}

func TestPromoteMergesSameDayRecord(t *testing.T) {
	id := model.IncidentID("hash1", time.Now().Unix())
	store := &fakeForensicStore{existing: map[string]model.Incident{
		id: {
			ID: id, RhythmHash: "hash1", Count: 10,
			FirstSeenTS: 50, LastSeenTS: 150,
			RepresentativeMessage: "earlier message",
			PromotedAt:            90, PromotedScore: 0.95,
		},
	}}
	p := NewPipeline(store, fakeEmbedder{}, encoder.NewSparseEncoder(), &fakeToucher{}, nil)
	defer p.Close()

	p.Enqueue([]tier1.Anomaly{{
		RhythmHash:            "hash1",
		RepresentativeMessage: "newer message",
		Score:                 0.6,
		BatchCount:            3,
		FirstSeenTS:           100,
		LastSeenTS:            200,
	}})
	waitPromoted(t, p, 1)

	got := store.snapshot()
	require.Len(t, got, 1)
	inc := got[0]
	assert.Equal(t, int64(13), inc.Count)
	assert.Equal(t, int64(50), inc.FirstSeenTS)
	assert.Equal(t, int64(200), inc.LastSeenTS)
	assert.Equal(t, "newer message", inc.RepresentativeMessage)
	assert.Equal(t, 0.95, inc.PromotedScore)
	assert.Equal(t, int64(90), inc.PromotedAt)
}

func TestPromoteFailureMarksDegraded(t *testing.T) {
	store := &fakeForensicStore{ensureErr: errors.New("schema rejected")}
	p := NewPipeline(store, fakeEmbedder{}, encoder.NewSparseEncoder(), &fakeToucher{}, nil)
	defer p.Close()

	var drops int
	var mu sync.Mutex
	p.OnResult(nil, func() {
		mu.Lock()
		drops++
		mu.Unlock()
	})

	p.Enqueue([]tier1.Anomaly{{RhythmHash: "hash1"}})
	require.Eventually(t, func() bool {
		_, dropped := p.Stats()
		return dropped >= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, p.Degraded())

	mu.Lock()
	assert.Equal(t, 1, drops)
	mu.Unlock()

	// The next success clears the flag.
	store.ensureErr = nil
	p.Enqueue([]tier1.Anomaly{{RhythmHash: "hash2", RepresentativeMessage: "ok now"}})
	waitPromoted(t, p, 1)
	assert.False(t, p.Degraded())
}
