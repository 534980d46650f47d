// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package registry

import (
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// cacheShards is the number of shards of the live-state cache. Sharding keeps
// unrelated devices from serializing on a single lock.
const cacheShards = 32

type cacheEntry struct {
	connectivity ConnectivityState
	lastSeen     time.Time
	telemetry    *Telemetry
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*cacheEntry
}

type cache struct {
	shards [cacheShards]*cacheShard
}

func newCache() *cache {
	c := new(cache)
	for i := range c.shards {
		c.shards[i] = &cacheShard{entries: make(map[uuid.UUID]*cacheEntry)}
	}
	return c
}

func (c *cache) shard(id uuid.UUID) *cacheShard {
	h := fnv.New32a()
	h.Write(id[:])
	return c.shards[h.Sum32()%cacheShards]
}

// ensure loads the entry for the given device, reading through to the store
// on a miss. The store read happens without holding the shard lock.
func (c *cache) ensure(r *Registry, id uuid.UUID) (*cacheShard, error) {
	shard := c.shard(id)
	shard.mu.RLock()
	_, ok := shard.entries[id]
	shard.mu.RUnlock()
	if ok {
		return shard, nil
	}
	device, err := r.store.GetDevice(id)
	if err != nil {
		return nil, err
	}
	shard.mu.Lock()
	if _, ok := shard.entries[id]; !ok {
		shard.entries[id] = &cacheEntry{
			connectivity: device.Connectivity,
			lastSeen:     device.LastSeen,
			telemetry:    device.Telemetry,
		}
	}
	shard.mu.Unlock()
	return shard, nil
}

// setConnectivity applies the state if the event is not older than the cached
// last-seen timestamp. Reports whether the update was applied.
func (c *cache) setConnectivity(r *Registry, id uuid.UUID, state ConnectivityState, seen time.Time) (bool, error) {
	shard, err := c.ensure(r, id)
	if err != nil {
		return false, err
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	entry := shard.entries[id]
	if seen.Before(entry.lastSeen) {
		return false, nil
	}
	entry.connectivity = state
	entry.lastSeen = seen
	return true, nil
}

// setTelemetry applies the snapshot under the same ordering rule
func (c *cache) setTelemetry(r *Registry, id uuid.UUID, payload json.RawMessage, seen time.Time) (bool, error) {
	shard, err := c.ensure(r, id)
	if err != nil {
		return false, err
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	entry := shard.entries[id]
	if seen.Before(entry.lastSeen) {
		return false, nil
	}
	entry.telemetry = &Telemetry{Payload: payload, Time: seen}
	entry.lastSeen = seen
	return true, nil
}

// overlay copies cached live fields onto a device read from the store, and
// fills the cache from the store values on a miss.
func (c *cache) overlay(device *Device) {
	shard := c.shard(device.ID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	entry, ok := shard.entries[device.ID]
	if !ok {
		shard.entries[device.ID] = &cacheEntry{
			connectivity: device.Connectivity,
			lastSeen:     device.LastSeen,
			telemetry:    device.Telemetry,
		}
		return
	}
	device.Connectivity = entry.connectivity
	device.LastSeen = entry.lastSeen
	device.Telemetry = entry.telemetry
}

func (c *cache) evict(id uuid.UUID) {
	shard := c.shard(id)
	shard.mu.Lock()
	delete(shard.entries, id)
	shard.mu.Unlock()
}
