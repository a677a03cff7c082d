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
)

func TestSkeletonize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "numbers",
			in:   "connection from peer 42 dropped after 9000 ms",
			want: "connection from peer <num> dropped after <num> ms",
		},
		{
			name: "ipv4 with port",
			in:   "dial tcp 10.2.3.4:5012 refused",
			want: "dial tcp <ip>:<num> refused",
		},
		{
			name: "uuid",
			in:   "session 550e8400-e29b-41d4-a716-446655440000 expired",
			want: "session <uuid> expired",
		},
		{
			name: "path with line",
			in:   "panic at /src/io.c:42",
			want: "panic at <path>:<num>",
		},
		{
			name: "quoted string",
			in:   `unknown flag "verbose"`,
			want: "unknown flag <str>",
		},
		{
			name: "url",
			in:   "fetching https://example.com/v1/items failed",
			want: "fetching <url> failed",
		},
		{
			name: "iso timestamp",
			in:   "job started 2026-08-26T10:00:00Z late",
			want: "job started <ts> late",
		},
		{
			name: "case folded",
			in:   "Payment Gateway TIMEOUT",
			want: "payment gateway timeout",
		},
		{
			name: "hex id",
			in:   "txn deadbeef42 aborted",
			want: "txn <hex> aborted",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Skeletonize(tt.in))
		})
	}
}

func TestSkeletonizeStableAcrossVariables(t *testing.T) {
	a := Skeletonize("order 123 failed for user 456")
	b := Skeletonize("order 999 failed for user 1")
	assert.Equal(t, a, b)
}
