// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embed provides the two embedding capabilities VIA needs:
//
//   - Tier-1: a deterministic, allocation-cheap 64-D embedding of message
//     skeletons, computed in-process at ingest rate.
//   - Tier-2: a high-fidelity 384-D embedding of representative messages,
//     served by an external OpenAI-compatible endpoint and used only on
//     the promotion path.
package embed

import (
	"context"
	"errors"
)

// ErrEmbedderBusy is returned when the remote embedder's bounded request
// queue overflows. The promotion pipeline treats it as retryable; the
// ingest path treats it as fatal for the batch.
var ErrEmbedderBusy = errors.New("embedder busy")

// Embedder is the external embedding capability: embed(text, dim) → vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}
