// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"info", LevelInfo, true},
		{"WARN", LevelWarn, true},
		{"Warning", LevelWarn, true},
		{"ERROR", LevelError, true},
		{" fatal ", LevelFatal, true},
		{"information", LevelInfo, true},
		{"loud", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseLevel(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate(t *testing.T) {
	good := LogEvent{TS: 1712000000, Service: "api", Level: LevelInfo, Message: "ok"}
	require.NoError(t, good.Validate())

	tooMany := good
	tooMany.Attributes = map[string]string{}
	for i := 0; i < MaxAttributes+1; i++ {
		tooMany.Attributes[string(rune('a'+i))] = "v"
	}
	assert.ErrorIs(t, tooMany.Validate(), ErrBadEvent)
}

func TestNormalizeCanonicalizesLevel(t *testing.T) {
	ev := LogEvent{TS: 1, Service: "api", Level: "warning", Message: "x"}
	require.NoError(t, ev.Validate())
	ev.Normalize()
	assert.Equal(t, LevelWarn, ev.Level)
}

func TestPointIDContentAddressed(t *testing.T) {
	a := LogEvent{TS: 1712000000, Service: "api", Level: LevelError, Message: "boom"}
	b := LogEvent{TS: 1712000000, Service: "api", Level: LevelError, Message: "boom"}
	c := LogEvent{TS: 1712000001, Service: "api", Level: LevelError, Message: "boom"}

	assert.Equal(t, a.PointID(), b.PointID())
	assert.NotEqual(t, a.PointID(), c.PointID())

	_, err := uuid.Parse(a.PointID())
	require.NoError(t, err)
}
