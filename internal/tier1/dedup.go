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
	"container/list"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const dedupShards = 16

// dedupCache is a sharded LRU of recently seen point ids. Seen reports and
// records in one step, so concurrent duplicates of the same id collapse to
// a single accept.
//
// Thread Safety: safe for concurrent use.
type dedupCache struct {
	shards [dedupShards]*dedupShard
}

type dedupShard struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[string]*list.Element
}

func newDedupCache(capacity int) *dedupCache {
	perShard := capacity / dedupShards
	if perShard < 1 {
		perShard = 1
	}
	c := &dedupCache{}
	for i := range c.shards {
		c.shards[i] = &dedupShard{
			cap:   perShard,
			order: list.New(),
			items: make(map[string]*list.Element, perShard),
		}
	}
	return c
}

// Seen returns true if id was already recorded, recording it otherwise.
func (c *dedupCache) Seen(id string) bool {
	shard := c.shards[xxhash.Sum64String(id)%dedupShards]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if el, ok := shard.items[id]; ok {
		shard.order.MoveToFront(el)
		return true
	}
	shard.items[id] = shard.order.PushFront(id)
	if shard.order.Len() > shard.cap {
		oldest := shard.order.Back()
		shard.order.Remove(oldest)
		delete(shard.items, oldest.Value.(string))
	}
	return false
}

// Len returns the total number of cached ids.
func (c *dedupCache) Len() int {
	var n int
	for _, shard := range c.shards {
		shard.mu.Lock()
		n += shard.order.Len()
		shard.mu.Unlock()
	}
	return n
}
