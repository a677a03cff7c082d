// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	openai "github.com/sashabaranov/go-openai"
)

// Tier2Dim is the dimensionality of the forensic embedding.
const Tier2Dim = 384

// RemoteConfig configures the Tier-2 remote embedder.
type RemoteConfig struct {
	// BaseURL of an OpenAI-compatible /v1 embeddings endpoint.
	BaseURL string

	// Model name passed through to the endpoint.
	Model string

	// APIKey for the endpoint. Local servers usually accept anything.
	APIKey string

	// MaxConcurrent requests in flight. Default: 2.
	MaxConcurrent int

	// MaxQueued callers waiting for a slot before overflow returns
	// ErrEmbedderBusy. Default: 16.
	MaxQueued int

	// Logger for embedder operations. Default: slog.Default().
	Logger *slog.Logger
}

// RemoteEmbedder calls an external embedding service. It is a process
// singleton in the daemon wiring; the bounded queue is what turns overload
// into ErrEmbedderBusy instead of unbounded goroutine pileup.
//
// Thread Safety: safe for concurrent use.
type RemoteEmbedder struct {
	client  *openai.Client
	model   string
	logger  *slog.Logger
	slots   chan struct{}
	waiters atomic.Int64
	maxWait int64

	lazyOnce sync.Once
}

// NewRemoteEmbedder creates the Tier-2 embedder. The underlying connection
// is lazy: nothing is dialed until the first Embed, so Tier-1 startup never
// blocks on the embedding service.
func NewRemoteEmbedder(cfg RemoteConfig) *RemoteEmbedder {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL

	return &RemoteEmbedder{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		logger:  cfg.Logger.With(slog.String("component", "embedder")),
		slots:   make(chan struct{}, cfg.MaxConcurrent),
		maxWait: int64(cfg.MaxQueued),
	}
}

// Dim returns Tier2Dim.
func (e *RemoteEmbedder) Dim() int { return Tier2Dim }

// Embed requests one embedding. Overflow beyond the bounded queue returns
// ErrEmbedderBusy without waiting.
func (e *RemoteEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.lazyOnce.Do(func() {
		e.logger.Info("remote embedder activated", slog.String("model", e.model))
	})

	if e.waiters.Add(1) > e.maxWait {
		e.waiters.Add(-1)
		return nil, ErrEmbedderBusy
	}
	defer e.waiters.Add(-1)

	select {
	case e.slots <- struct{}{}:
		defer func() { <-e.slots }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: Tier2Dim,
	})
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embed request: empty response")
	}

	vec := resp.Data[0].Embedding
	if len(vec) != Tier2Dim {
		return nil, fmt.Errorf("embed request: got %d dims, want %d", len(vec), Tier2Dim)
	}
	return vec, nil
}
