// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package demo streams synthetic log traffic at a running instance: a
// steady hum of routine lines with an error burst partway through, enough
// to watch the detection and promotion path light up end to end.
package demo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/AleutianAI/via/internal/model"
)

// Config controls the synthetic stream.
type Config struct {
	// BaseURL of the target instance, e.g. http://localhost:8080.
	BaseURL string

	// Duration of the whole run.
	Duration time.Duration

	// BatchInterval between posts.
	BatchInterval time.Duration

	// SteadyRate is events per batch during calm traffic.
	SteadyRate int

	// BurstAt is the fraction of the run at which the error burst fires.
	BurstAt float64

	// BurstSize is the number of burst events.
	BurstSize int

	Logger *slog.Logger
}

// DefaultConfig returns a two-minute demo run.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:       baseURL,
		Duration:      2 * time.Minute,
		BatchInterval: 2 * time.Second,
		SteadyRate:    20,
		BurstAt:       0.5,
		BurstSize:     40,
		Logger:        slog.Default(),
	}
}

var steadyShapes = []struct {
	service string
	level   model.Level
	format  string
}{
	{"api", model.LevelInfo, "request completed path=/v1/orders/%d status=200 elapsed=%dms"},
	{"api", model.LevelInfo, "request completed path=/v1/users/%d status=200 elapsed=%dms"},
	{"checkout", model.LevelInfo, "payment authorized order=%d amount=%d.99"},
	{"worker", model.LevelDebug, "job %d dequeued after %dms"},
	{"api", model.LevelWarn, "slow query took %dms rows=%d"},
}

// Streamer posts synthetic batches.
type Streamer struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewStreamer builds a streamer.
func NewStreamer(cfg Config) *Streamer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With(slog.String("component", "demo")),
	}
}

// Run streams until the configured duration elapses or ctx is canceled.
func (s *Streamer) Run(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.Duration)
	burstTime := time.Now().Add(time.Duration(float64(s.cfg.Duration) * s.cfg.BurstAt))
	burstFired := false

	ticker := time.NewTicker(s.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if now.After(deadline) {
				s.logger.Info("demo run finished")
				return nil
			}
			batch := s.steadyBatch(now)
			if !burstFired && now.After(burstTime) {
				batch = append(batch, s.burstBatch(now)...)
				burstFired = true
				s.logger.Info("error burst injected", slog.Int("events", s.cfg.BurstSize))
			}
			if err := s.post(ctx, batch); err != nil {
				s.logger.Warn("batch post failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Streamer) steadyBatch(now time.Time) []model.LogEvent {
	out := make([]model.LogEvent, 0, s.cfg.SteadyRate)
	for i := 0; i < s.cfg.SteadyRate; i++ {
		shape := steadyShapes[rand.Intn(len(steadyShapes))]
		out = append(out, model.LogEvent{
			TS:      now.Unix(),
			Service: shape.service,
			Level:   shape.level,
			Message: fmt.Sprintf(shape.format, rand.Intn(100000), rand.Intn(900)+10),
		})
	}
	return out
}

func (s *Streamer) burstBatch(now time.Time) []model.LogEvent {
	out := make([]model.LogEvent, 0, s.cfg.BurstSize)
	for i := 0; i < s.cfg.BurstSize; i++ {
		out = append(out, model.LogEvent{
			TS:      now.Unix(),
			Service: "checkout",
			Level:   model.LevelError,
			Message: fmt.Sprintf("payment gateway timeout order=%d upstream=gw-%d.internal:8443",
				rand.Intn(100000), rand.Intn(4)),
		})
	}
	return out
}

func (s *Streamer) post(ctx context.Context, events []model.LogEvent) error {
	body, err := json.Marshal(map[string]any{"events": events})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.BaseURL+"/api/v1/ingest/stream", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, payload)
	}

	var result struct {
		Accepted  int `json:"accepted"`
		Anomalies []struct {
			RhythmHash string  `json:"rhythm_hash"`
			Score      float64 `json:"score"`
		} `json:"anomalies"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		for _, a := range result.Anomalies {
			s.logger.Info("anomaly flagged",
				slog.String("rhythm_hash", a.RhythmHash),
				slog.Float64("score", a.Score))
		}
	}
	return nil
}
