// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package promote moves flagged rhythm classes from the ephemeral monitor
// into the durable forensic store. Promotion is asynchronous and lossy
// under sustained overload; the forensic record is idempotent per
// (rhythm class, UTC day), so retries and replays are safe.
package promote

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/via/internal/embed"
	"github.com/AleutianAI/via/internal/encoder"
	"github.com/AleutianAI/via/internal/model"
	"github.com/AleutianAI/via/internal/tier1"
	"github.com/AleutianAI/via/internal/vecstore"
)

// retryBudget bounds how long one promotion keeps retrying before the
// anomaly is dropped and the pipeline reports degraded.
const retryBudget = 60 * time.Second

// queueDepth bounds pending promotions. Ingest never blocks on this
// channel; overflow drops the oldest pending work.
const queueDepth = 256

// forensicStore is the slice of the Tier-2 store the pipeline writes.
type forensicStore interface {
	EnsureDaily(ctx context.Context, t time.Time) (string, error)
	Existing(ctx context.Context, collection string, ids []string) (map[string]model.Incident, error)
	UpsertIncidents(ctx context.Context, collection string, incidents []model.Incident, dense [][]float32, sparse []vecstore.Sparse) error
}

// prevalenceToucher keeps promoted classes from decaying back to novel
// mid-incident.
type prevalenceToucher interface {
	TouchPromoted(ctx context.Context, rhythmHash string) error
}

// Pipeline is the Tier-1 to Tier-2 promotion worker.
//
// Thread Safety: safe for concurrent use.
type Pipeline struct {
	store    forensicStore
	embedder embed.Embedder
	sparse   *encoder.SparseEncoder
	prev     prevalenceToucher
	logger   *slog.Logger

	queue     chan tier1.Anomaly
	degraded  atomic.Bool
	dropped   atomic.Int64
	promoted  atomic.Int64
	onOK      func()
	onDrop    func()
	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// NewPipeline builds and starts the promotion worker.
func NewPipeline(store forensicStore, embedder embed.Embedder, sparse *encoder.SparseEncoder,
	prev prevalenceToucher, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		store:    store,
		embedder: embedder,
		sparse:   sparse,
		prev:     prev,
		logger:   logger.With(slog.String("component", "promote")),
		queue:    make(chan tier1.Anomaly, queueDepth),
		done:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Close stops the worker after the queue drains.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		close(p.queue)
	})
	p.wg.Wait()
}

// OnResult installs optional counters fired per promotion outcome. Call
// before the first Enqueue.
func (p *Pipeline) OnResult(onOK, onDrop func()) {
	p.onOK = onOK
	p.onDrop = onDrop
}

// Degraded reports whether the last promotion attempt exhausted its retry
// budget. Clears itself on the next success.
func (p *Pipeline) Degraded() bool {
	return p.degraded.Load()
}

// Stats returns promoted and dropped totals since start.
func (p *Pipeline) Stats() (promoted, dropped int64) {
	return p.promoted.Load(), p.dropped.Load()
}

// Enqueue schedules anomalies for promotion without blocking. When the
// queue is full the newest work wins; a dropped promotion reappears on
// the next batch as long as the class keeps firing.
func (p *Pipeline) Enqueue(anomalies []tier1.Anomaly) {
	for _, a := range anomalies {
		select {
		case <-p.done:
			return
		default:
		}
		select {
		case p.queue <- a:
		default:
			select {
			case <-p.queue:
				p.dropped.Add(1)
			default:
			}
			select {
			case p.queue <- a:
			default:
				p.dropped.Add(1)
			}
		}
	}
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	for a := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), retryBudget)
		err := p.promoteWithRetry(ctx, a)
		cancel()
		if err != nil {
			p.degraded.Store(true)
			p.dropped.Add(1)
			if p.onDrop != nil {
				p.onDrop()
			}
			p.logger.Error("promotion dropped",
				slog.String("rhythm_hash", a.RhythmHash),
				slog.String("error", err.Error()))
			continue
		}
		p.degraded.Store(false)
		p.promoted.Add(1)
		if p.onOK != nil {
			p.onOK()
		}
	}
}

// promoteWithRetry retries transient failures with a flat backoff until
// the retry budget runs out.
func (p *Pipeline) promoteWithRetry(ctx context.Context, a tier1.Anomaly) error {
	var lastErr error
	for {
		lastErr = p.promoteOne(ctx, a)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, embed.ErrEmbedderBusy) && !errors.Is(lastErr, vecstore.ErrUnavailable) &&
			!errors.Is(lastErr, vecstore.ErrCircuitOpen) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(2 * time.Second):
		}
	}
}

// promoteOne writes a single incident record.
func (p *Pipeline) promoteOne(ctx context.Context, a tier1.Anomaly) error {
	now := time.Now()
	collection, err := p.store.EnsureDaily(ctx, now)
	if err != nil {
		return err
	}

	inc := model.Incident{
		ID:                    model.IncidentID(a.RhythmHash, now.Unix()),
		RhythmHash:            a.RhythmHash,
		Service:               a.Service,
		Level:                 a.Level,
		RepresentativeMessage: a.RepresentativeMessage,
		FirstSeenTS:           a.FirstSeenTS,
		LastSeenTS:            a.LastSeenTS,
		Count:                 int64(a.BatchCount),
		PromotedAt:            now.Unix(),
		PromotedScore:         a.Score,
	}

	// Same class, same day: merge instead of overwrite, so the record
	// accumulates across flushes.
	existing, err := p.store.Existing(ctx, collection, []string{inc.ID})
	if err != nil {
		return err
	}
	if prev, ok := existing[inc.ID]; ok {
		inc.Count += prev.Count
		if prev.FirstSeenTS > 0 && prev.FirstSeenTS < inc.FirstSeenTS {
			inc.FirstSeenTS = prev.FirstSeenTS
		}
		if prev.LastSeenTS > inc.LastSeenTS {
			inc.LastSeenTS = prev.LastSeenTS
			inc.RepresentativeMessage = prev.RepresentativeMessage
		}
		if prev.PromotedScore > inc.PromotedScore {
			inc.PromotedScore = prev.PromotedScore
		}
		if prev.PromotedAt > 0 {
			inc.PromotedAt = prev.PromotedAt
		}
	}

	dense, err := p.embedder.Embed(ctx, inc.RepresentativeMessage)
	if err != nil {
		return err
	}
	sv := p.sparse.Encode(inc.RepresentativeMessage)
	sparse := vecstore.Sparse{Indices: sv.Indices, Values: sv.Values}

	if err := p.store.UpsertIncidents(ctx, collection,
		[]model.Incident{inc}, [][]float32{dense}, []vecstore.Sparse{sparse}); err != nil {
		return err
	}

	if err := p.prev.TouchPromoted(ctx, inc.RhythmHash); err != nil {
		p.logger.Warn("prevalence touch failed",
			slog.String("rhythm_hash", inc.RhythmHash),
			slog.String("error", err.Error()))
	}

	p.logger.Info("rhythm promoted",
		slog.String("rhythm_hash", inc.RhythmHash),
		slog.String("partition", collection),
		slog.Float64("score", inc.PromotedScore),
		slog.Int64("count", inc.Count))
	return nil
}
