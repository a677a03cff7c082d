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
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/AleutianAI/via/internal/control"
	"github.com/AleutianAI/via/internal/model"
	"github.com/AleutianAI/via/internal/vecstore"
)

// zCeiling is the z-score at which the frequency term saturates at 1.
const zCeiling = 4.0

// Anomaly is one rhythm class the analyzer flagged in a batch.
type Anomaly struct {
	RhythmHash            string      `json:"rhythm_hash"`
	Service               string      `json:"service"`
	Level                 model.Level `json:"level"`
	Skeleton              string      `json:"skeleton"`
	RepresentativeMessage string      `json:"representative_message"`
	Score                 float64     `json:"score"`
	Novelty               float64     `json:"novelty"`
	FreqZ                 float64     `json:"freq_z"`
	BatchCount            int         `json:"count"`
	FirstSeenTS           int64       `json:"first_seen_ts"`
	LastSeenTS            int64       `json:"last_seen_ts"`
}

// classStats is the per-rhythm-class aggregation of one ingest batch.
type classStats struct {
	RhythmHash            string
	Service               string
	Level                 model.Level
	Skeleton              string
	RepresentativeMessage string
	Count                 int
	FirstSeenTS           int64
	LastSeenTS            int64
}

// controlPlane is the slice of the control registry the analyzer reads.
type controlPlane interface {
	Active(rhythmHash string) (control.Kind, bool)
	Novelty(ctx context.Context, rhythmHash string) (float64, error)
}

// windowReader supplies Tier-1 window contents.
type windowReader interface {
	HashWindow(ctx context.Context, rhythmHash string, from, to int64) ([]int64, error)
	WindowAll(ctx context.Context, from, to int64) ([]vecstore.Point, error)
}

// Analyzer scores rhythm classes per batch. The score blends novelty
// (how unfamiliar the class is) with a frequency z-score (how far the
// current minute deviates from the class's own window baseline).
//
// Thread Safety: safe for concurrent use.
type Analyzer struct {
	windows   windowReader
	ctrl      controlPlane
	alpha     float64
	threshold float64
	window    time.Duration
	logger    *slog.Logger
}

// NewAnalyzer builds an analyzer. alpha weights novelty against the
// frequency term; threshold is the anomaly cutoff.
func NewAnalyzer(windows windowReader, ctrl controlPlane, alpha, threshold float64, window time.Duration, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		windows:   windows,
		ctrl:      ctrl,
		alpha:     alpha,
		threshold: threshold,
		window:    window,
		logger:    logger.With(slog.String("component", "analyzer")),
	}
}

// Analyze scores every class of a batch and returns the ones over
// threshold, highest score first. Classes under an active suppress or
// patch rule are silently skipped; a patched class reappearing is caught
// by replaying its regression record, not by the live path.
func (a *Analyzer) Analyze(ctx context.Context, classes []classStats, now time.Time) ([]Anomaly, error) {
	return a.score(ctx, classes, now, a.window, a.threshold, true)
}

// Window runs the on-demand analysis over the live Tier-1 window: every
// class seen in the last windowSec seconds is rescored. topK bounds the
// result; threshold < 0 means use the configured cutoff.
func (a *Analyzer) Window(ctx context.Context, windowSec int, topK int, threshold float64, now time.Time) ([]Anomaly, error) {
	if windowSec <= 0 {
		windowSec = int(a.window.Seconds())
	}
	if threshold < 0 {
		threshold = a.threshold
	}
	window := time.Duration(windowSec) * time.Second
	from := now.Unix() - int64(windowSec)
	points, err := a.windows.WindowAll(ctx, from, now.Unix())
	if err != nil {
		return nil, err
	}

	classes := make(map[string]*classStats)
	for _, p := range points {
		hash, _ := p.Payload["rhythm_hash"].(string)
		if hash == "" {
			continue
		}
		ts, _ := p.Payload["ts"].(int64)
		cs, ok := classes[hash]
		if !ok {
			cs = &classStats{RhythmHash: hash, FirstSeenTS: ts, LastSeenTS: ts}
			if s, ok := p.Payload["service"].(string); ok {
				cs.Service = s
			}
			if s, ok := p.Payload["level"].(string); ok {
				cs.Level = model.Level(s)
			}
			if s, ok := p.Payload["skeleton"].(string); ok {
				cs.Skeleton = s
			}
			if s, ok := p.Payload["message"].(string); ok {
				cs.RepresentativeMessage = s
			}
			classes[hash] = cs
		}
		cs.Count++
		if ts < cs.FirstSeenTS {
			cs.FirstSeenTS = ts
		}
		if ts >= cs.LastSeenTS {
			cs.LastSeenTS = ts
			if s, ok := p.Payload["message"].(string); ok {
				cs.RepresentativeMessage = s
			}
		}
	}

	ordered := make([]classStats, 0, len(classes))
	for _, cs := range classes {
		ordered = append(ordered, *cs)
	}
	out, err := a.score(ctx, ordered, now, window, threshold, false)
	if err != nil {
		return nil, err
	}
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// score is the shared scoring loop over the effective window. foldBatch
// folds each class's count into the current minute, for classes not yet
// written to the window.
func (a *Analyzer) score(ctx context.Context, classes []classStats, now time.Time, window time.Duration, threshold float64, foldBatch bool) ([]Anomaly, error) {
	var out []Anomaly
	for _, cs := range classes {
		if _, ruled := a.ctrl.Active(cs.RhythmHash); ruled {
			continue
		}

		nov, err := a.ctrl.Novelty(ctx, cs.RhythmHash)
		if err != nil {
			return nil, err
		}
		z, freqTerm, err := a.frequencyTerm(ctx, cs, now, window, foldBatch)
		if err != nil {
			return nil, err
		}
		score := a.alpha*nov + (1-a.alpha)*freqTerm
		if score < threshold {
			continue
		}
		out = append(out, Anomaly{
			RhythmHash:            cs.RhythmHash,
			Service:               cs.Service,
			Level:                 cs.Level,
			Skeleton:              cs.Skeleton,
			RepresentativeMessage: cs.RepresentativeMessage,
			Score:                 score,
			Novelty:               nov,
			FreqZ:                 z,
			BatchCount:            cs.Count,
			FirstSeenTS:           cs.FirstSeenTS,
			LastSeenTS:            cs.LastSeenTS,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > 0 {
		a.logger.Info("anomalies flagged",
			slog.Int("count", len(out)),
			slog.String("top_hash", out[0].RhythmHash),
			slog.Float64("top_score", out[0].Score))
	}
	return out, nil
}

// frequencyTerm computes the z-score of the current minute bucket against
// the class's own per-minute baseline across the window, and the bounded
// [0, 1] scoring term derived from it. A class with no window history is
// maximally surprising.
func (a *Analyzer) frequencyTerm(ctx context.Context, cs classStats, now time.Time, window time.Duration, foldBatch bool) (z, term float64, err error) {
	from := now.Add(-window).Unix()
	stamps, err := a.windows.HashWindow(ctx, cs.RhythmHash, from, now.Unix())
	if err != nil {
		return 0, 0, err
	}

	minutes := int(window.Minutes())
	if minutes < 2 {
		minutes = 2
	}
	buckets := make([]float64, minutes)
	lastMinute := now.Unix() / 60
	firstMinute := lastMinute - int64(minutes) + 1
	for _, ts := range stamps {
		idx := ts/60 - firstMinute
		if idx >= 0 && idx < int64(minutes) {
			buckets[idx]++
		}
	}
	// On the ingest path the batch under analysis is not written yet;
	// fold its counts into the current minute so the burst is visible.
	if foldBatch {
		buckets[minutes-1] += float64(cs.Count)
	}

	baseline := buckets[:minutes-1]
	var sum, sumSq float64
	for _, v := range baseline {
		sum += v
		sumSq += v * v
	}
	n := float64(len(baseline))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	std := math.Sqrt(variance)

	last := buckets[minutes-1]
	if len(stamps) == 0 || sum == 0 {
		// First sighting inside the window. The reported z is clamped to
		// the ceiling; anomalies travel as JSON and infinities do not.
		return zCeiling, 1, nil
	}
	if std == 0 {
		if last > mean {
			return zCeiling, 1, nil
		}
		return 0, 0, nil
	}
	z = (last - mean) / std
	term = math.Min(1, math.Max(0, z)/zCeiling)
	z = math.Min(z, zCeiling)
	return z, term, nil
}
