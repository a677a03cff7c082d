// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package encoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/via/internal/model"
)

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(string) []float32 { return make([]float32, 4) }
func (fixedEmbedder) Dim() int               { return 4 }

func TestEncodeGroupsVariablesTogether(t *testing.T) {
	enc := New(fixedEmbedder{})

	a, err := enc.Encode(&model.LogEvent{
		TS: 1712000000, Service: "api", Level: model.LevelError,
		Message: "payment gateway timeout order=123",
	})
	require.NoError(t, err)
	b, err := enc.Encode(&model.LogEvent{
		TS: 1712000060, Service: "api", Level: model.LevelError,
		Message: "payment gateway timeout order=999",
	})
	require.NoError(t, err)

	assert.Equal(t, a.RhythmHash, b.RhythmHash)
	assert.Equal(t, a.Skeleton, b.Skeleton)
}

func TestEncodeSeparatesByLevelAndService(t *testing.T) {
	enc := New(fixedEmbedder{})
	base := model.LogEvent{
		TS: 1712000000, Service: "api", Level: model.LevelError,
		Message: "connection reset",
	}

	ref, err := enc.Encode(&base)
	require.NoError(t, err)

	otherLevel := base
	otherLevel.Level = model.LevelWarn
	gotLevel, err := enc.Encode(&otherLevel)
	require.NoError(t, err)
	assert.NotEqual(t, ref.RhythmHash, gotLevel.RhythmHash)

	otherService := base
	otherService.Service = "checkout"
	gotService, err := enc.Encode(&otherService)
	require.NoError(t, err)
	assert.NotEqual(t, ref.RhythmHash, gotService.RhythmHash)
}

func TestEncodeRejectsBadEvents(t *testing.T) {
	enc := New(fixedEmbedder{})
	tests := []struct {
		name string
		ev   model.LogEvent
	}{
		{"zero ts", model.LogEvent{Service: "api", Level: model.LevelInfo, Message: "x"}},
		{"empty message", model.LogEvent{TS: 1, Service: "api", Level: model.LevelInfo, Message: "  "}},
		{"empty service", model.LogEvent{TS: 1, Level: model.LevelInfo, Message: "x"}},
		{"bad level", model.LogEvent{TS: 1, Service: "api", Level: "LOUD", Message: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := enc.Encode(&tt.ev)
			assert.ErrorIs(t, err, model.ErrBadEvent)
		})
	}
}

func TestHashHex(t *testing.T) {
	assert.Equal(t, "00000000000000ff", HashHex(0xff))
	assert.Len(t, HashHex(RhythmHash(model.LevelInfo, "api", "hello")), 16)
}

func TestRhythmHashStable(t *testing.T) {
	h1 := RhythmHash(model.LevelError, "api", "payment gateway timeout order=<num>")
	h2 := RhythmHash(model.LevelError, "api", "payment gateway timeout order=<num>")
	assert.Equal(t, h1, h2)
}
