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
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/AleutianAI/via/internal/encoder"
	"github.com/AleutianAI/via/internal/model"
	"github.com/AleutianAI/via/internal/vecstore"
)

// ErrOverloaded is returned when the ingest queue is full. Handlers map it
// to 429 so senders back off instead of piling up.
var ErrOverloaded = errors.New("ingest queue full")

// ErrCoordinatorClosed is returned for submissions after Close.
var ErrCoordinatorClosed = errors.New("ingest coordinator closed")

// upsertSubBatch bounds one vector write.
const upsertSubBatch = 256

// Result summarizes one ingested batch.
type Result struct {
	Accepted      int       `json:"accepted"`
	Deduped       int       `json:"deduped"`
	ParseFailures int       `json:"parse_failed"`
	Warnings      []string  `json:"warnings,omitempty"`
	Anomalies     []Anomaly `json:"anomalies,omitempty"`
}

// prevalenceWriter folds per-class batch counts into the novelty baseline.
type prevalenceWriter interface {
	Observe(ctx context.Context, counts map[string]int) error
}

// promoter receives anomalies for Tier-2 promotion. Enqueue must not
// block; the pipeline owns its own buffering.
type promoter interface {
	Enqueue(anomalies []Anomaly)
}

// CoordinatorConfig configures the ingest worker pool.
type CoordinatorConfig struct {
	// Workers processing batches. Default: runtime.NumCPU().
	Workers int
	// QueueDepth of pending batches before ErrOverloaded.
	// Default: 4 x Workers.
	QueueDepth int
	// DedupCapacity of the recently-seen id cache.
	DedupCapacity int
}

// Coordinator runs the ingest pipeline: validate, encode, dedup, write,
// score, hand anomalies to promotion. One batch is processed by exactly
// one worker, so results are internally ordered.
//
// Thread Safety: safe for concurrent use.
type Coordinator struct {
	enc      *encoder.Encoder
	sparse   *encoder.SparseEncoder
	monitor  *Monitor
	analyzer *Analyzer
	prev     prevalenceWriter
	promote  promoter
	dedup    *dedupCache
	logger   *slog.Logger

	jobs      chan job
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

type job struct {
	ctx    context.Context
	events []model.LogEvent
	reply  chan jobReply
}

type jobReply struct {
	result Result
	err    error
}

// NewCoordinator builds and starts the worker pool.
func NewCoordinator(cfg CoordinatorConfig, enc *encoder.Encoder, sparse *encoder.SparseEncoder,
	monitor *Monitor, analyzer *Analyzer, prev prevalenceWriter, promote promoter, logger *slog.Logger) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 4 * cfg.Workers
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = 100_000
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		enc:      enc,
		sparse:   sparse,
		monitor:  monitor,
		analyzer: analyzer,
		prev:     prev,
		promote:  promote,
		dedup:    newDedupCache(cfg.DedupCapacity),
		logger:   logger.With(slog.String("component", "ingest")),
		jobs:     make(chan job, cfg.QueueDepth),
		closed:   make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		c.wg.Add(1)
		go c.runWorker()
	}
	return c
}

// Close drains the queue and stops the workers.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		close(c.jobs)
	})
	c.wg.Wait()
}

// Submit hands a batch to the pool and waits for its result. A full queue
// fails fast with ErrOverloaded.
func (c *Coordinator) Submit(ctx context.Context, events []model.LogEvent) (Result, error) {
	select {
	case <-c.closed:
		return Result{}, ErrCoordinatorClosed
	default:
	}

	j := job{ctx: ctx, events: events, reply: make(chan jobReply, 1)}
	select {
	case c.jobs <- j:
	default:
		return Result{}, ErrOverloaded
	}

	select {
	case r := <-j.reply:
		return r.result, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *Coordinator) runWorker() {
	defer c.wg.Done()
	for j := range c.jobs {
		result, err := c.process(j.ctx, j.events)
		j.reply <- jobReply{result: result, err: err}
	}
}

// process runs one batch end to end.
func (c *Coordinator) process(ctx context.Context, events []model.LogEvent) (Result, error) {
	var res Result

	type entry struct {
		ev  *model.LogEvent
		enc *encoder.Encoded
		id  string
	}
	var fresh []entry
	for i := range events {
		ev := &events[i]
		enc, err := c.enc.Encode(ev)
		if err != nil {
			res.ParseFailures++
			continue
		}
		id := ev.PointID()
		if c.dedup.Seen(id) {
			res.Deduped++
			continue
		}
		fresh = append(fresh, entry{ev: ev, enc: enc, id: id})
	}

	// Cache misses may still be replayed tails already sitting in Tier-1
	// (a restarted collector resends its buffer). The ids are content
	// addressed, so one point lookup settles all of them.
	existing := map[string]struct{}{}
	if len(fresh) > 0 {
		ids := make([]string, len(fresh))
		for i, e := range fresh {
			ids[i] = e.id
		}
		var err error
		existing, err = c.monitor.ExistingIDs(ctx, ids)
		if err != nil {
			c.logger.Warn("tier1 existence check failed", slog.String("error", err.Error()))
			existing = map[string]struct{}{}
		}
	}

	var points []vecstore.Point
	classes := make(map[string]*classStats)
	counts := make(map[string]int)
	for _, e := range fresh {
		if _, dup := existing[e.id]; dup {
			res.Deduped++
			continue
		}
		res.Accepted++

		c.sparse.Observe(e.ev.Message)
		points = append(points, PointFor(e.ev, e.enc))

		hash := encoder.HashHex(e.enc.RhythmHash)
		counts[hash]++
		cs, ok := classes[hash]
		if !ok {
			cs = &classStats{
				RhythmHash:            hash,
				Service:               e.ev.Service,
				Level:                 e.ev.Level,
				Skeleton:              e.enc.Skeleton,
				RepresentativeMessage: e.ev.Message,
				FirstSeenTS:           e.ev.TS,
				LastSeenTS:            e.ev.TS,
			}
			classes[hash] = cs
		}
		cs.Count++
		if e.ev.TS < cs.FirstSeenTS {
			cs.FirstSeenTS = e.ev.TS
		}
		if e.ev.TS > cs.LastSeenTS {
			cs.LastSeenTS = e.ev.TS
			cs.RepresentativeMessage = e.ev.Message
		}
	}

	// Score before writing. The window baseline must not include the
	// batch being scored; the analyzer folds the batch counts into the
	// current minute itself.
	ordered := make([]classStats, 0, len(classes))
	for _, cs := range classes {
		ordered = append(ordered, *cs)
	}
	anomalies, err := c.analyzer.Analyze(ctx, ordered, time.Now())
	if err != nil {
		return res, err
	}
	res.Anomalies = anomalies

	// A sub-batch that still fails after the client's retries moves its
	// events to parse_failed; the call itself stays a 200 so the sender
	// does not replay the whole batch.
	for start := 0; start < len(points); start += upsertSubBatch {
		end := start + upsertSubBatch
		if end > len(points) {
			end = len(points)
		}
		if err := c.monitor.UpsertPoints(ctx, points[start:end]); err != nil {
			n := end - start
			res.Accepted -= n
			res.ParseFailures += n
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("tier1 write failed for %d events: %v", n, err))
			c.logger.Error("tier1 upsert failed",
				slog.Int("events", n),
				slog.String("error", err.Error()))
		}
	}

	if err := c.prev.Observe(ctx, counts); err != nil {
		c.logger.Warn("prevalence update failed", slog.String("error", err.Error()))
	}
	if len(anomalies) > 0 && c.promote != nil {
		c.promote.Enqueue(anomalies)
	}

	c.logger.Debug("batch ingested",
		slog.Int("accepted", res.Accepted),
		slog.Int("deduped", res.Deduped),
		slog.Int("parse_failures", res.ParseFailures),
		slog.Int("anomalies", len(res.Anomalies)))
	return res, nil
}
