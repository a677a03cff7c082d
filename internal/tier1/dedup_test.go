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
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupSeen(t *testing.T) {
	c := newDedupCache(1024)
	assert.False(t, c.Seen("id-1"))
	assert.True(t, c.Seen("id-1"))
	assert.False(t, c.Seen("id-2"))
	assert.Equal(t, 2, c.Len())
}

func TestDedupCapacityBound(t *testing.T) {
	c := newDedupCache(16)
	for i := 0; i < 200; i++ {
		assert.False(t, c.Seen(fmt.Sprintf("id-%d", i)))
	}
	assert.LessOrEqual(t, c.Len(), 16)
}

func TestDedupConcurrentSameID(t *testing.T) {
	c := newDedupCache(1024)
	const workers = 8

	var accepted int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("contested") {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
}
