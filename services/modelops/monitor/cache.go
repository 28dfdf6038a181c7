// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"sync"
	"time"

	"github.com/AleutianAI/AleutianAdaptive/services/modelops/datatypes"
)

// metricsCache is the in-process TTL cache in front of aggregate
// computation. Entries live for the configured TTL and are invalidated
// eagerly whenever a write lands for the model, so readers only ever
// see an aggregate at most one write stale.
type metricsCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	metrics   datatypes.ModelMetrics
	expiresAt time.Time
}

func newMetricsCache(ttl time.Duration) *metricsCache {
	c := &metricsCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}
	go c.cleanupLoop()
	return c
}

func (c *metricsCache) get(key string) (datatypes.ModelMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return datatypes.ModelMetrics{}, false
	}
	return entry.metrics, true
}

func (c *metricsCache) set(key string, m datatypes.ModelMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{metrics: m, expiresAt: time.Now().Add(c.ttl)}
}

func (c *metricsCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *metricsCache) cleanupLoop() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		c.mu.Lock()
		for key, entry := range c.entries {
			if now.After(entry.expiresAt) {
				delete(c.entries, key)
			}
		}
		c.mu.Unlock()
	}
}
