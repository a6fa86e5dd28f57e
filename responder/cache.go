// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package responder

import (
	"sync"
	"time"

	"github.com/akariudp/akari/chunk"
	"github.com/akariudp/akari/wire"
)

type requestState int

const (
	stateNew requestState = iota
	stateFetching
	stateStreaming
	stateCached
	stateErrored
	stateDiscarded
)

// cacheEntry holds the exact emitted byte sequence for one identifier,
// retained for bit-identical re-emission on NACK/ACK. Bit-identical
// re-emission is safe only because the codec derives each datagram's
// nonce/tag deterministically from header fields that never change
// across a retransmit.
type cacheEntry struct {
	mu        sync.Mutex
	plan      *chunk.Plan
	version   wire.Version
	baseFlags wire.Flags
	state     requestState
	lastEmit  time.Time
	expiresAt time.Time
}

func (e *cacheEntry) setStreaming(plan *chunk.Plan, ttl time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.plan = plan
	e.state = stateStreaming
	e.lastEmit = time.Now()
	e.expiresAt = time.Now().Add(ttl)
}

func (e *cacheEntry) markCached() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = stateCached
}

func (e *cacheEntry) touch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastEmit = time.Now()
}

func (e *cacheEntry) snapshot() (plan *chunk.Plan, version wire.Version, baseFlags wire.Flags) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plan, e.version, e.baseFlags
}

func (e *cacheEntry) isExpired(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateCached && now.After(e.expiresAt)
}

// responderCache is the per-engine, TTL-bounded map of in-flight and
// completed requests. It owns no pointer back into the engine.
type responderCache struct {
	mu      sync.Mutex
	entries map[uint64]*cacheEntry
	ttl     time.Duration
}

func newResponderCache(ttl time.Duration) *responderCache {
	return &responderCache{
		entries: make(map[uint64]*cacheEntry),
		ttl:     ttl,
	}
}

func (c *responderCache) get(identifier uint64) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[identifier]
	return e, ok
}

func (c *responderCache) put(identifier uint64, e *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[identifier] = e
}

func (c *responderCache) discard(identifier uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, identifier)
}

func (c *responderCache) sweepExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	swept := 0
	for id, e := range c.entries {
		if e.isExpired(now) {
			delete(c.entries, id)
			swept++
		}
	}
	return swept
}

func (c *responderCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
