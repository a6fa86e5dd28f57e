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

// Package shortid allocates the 16-bit identifiers used by
// FlagShortIdentifier datagrams. Only the low half (0..32767) of the
// space is ever handed out; the high half (32768..65535) is unused.
// A released identifier is held in a cooldown map for the allocator's
// TTL, during which it is not reallocated. This keeps a short-identifier
// from being reused while a straggling datagram from its previous owner
// could still be in flight.
package shortid

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

const halfSpace = 1 << 15 // 32768, the size of each logical region

// ErrExhausted is returned by Allocate when every identifier in the
// active half is either in flight or still cooling down.
var ErrExhausted = errors.New("shortid: no identifier available")

// Allocator hands out and retires 16-bit short identifiers. It is safe
// for concurrent use.
type Allocator struct {
	mu            sync.Mutex
	inFlight      map[uint16]struct{}
	cooldownUntil map[uint16]time.Time
	cursor        uint16
	ttl           time.Duration

	// Now is overridable for deterministic tests.
	Now func() time.Time
}

// NewAllocator returns an Allocator whose cooldown window equals ttl,
// which should match the responder's request-cache TTL so that a
// recycled identifier never collides with a still-cached response.
func NewAllocator(ttl time.Duration) *Allocator {
	return &Allocator{
		inFlight:      make(map[uint16]struct{}),
		cooldownUntil: make(map[uint16]time.Time),
		ttl:           ttl,
		Now:           time.Now,
	}
}

// Allocate reserves and returns the next available identifier from the
// low half of the space, skipping anything in flight or still cooling
// down from a prior release.
func (a *Allocator) Allocate() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.Now()
	for i := 0; i < halfSpace; i++ {
		id := a.cursor
		a.cursor++
		if a.cursor >= halfSpace {
			a.cursor = 0
		}

		if _, busy := a.inFlight[id]; busy {
			continue
		}
		if until, cooling := a.cooldownUntil[id]; cooling {
			if now.Before(until) {
				continue
			}
			delete(a.cooldownUntil, id)
		}

		a.inFlight[id] = struct{}{}
		return id, nil
	}
	return 0, ErrExhausted
}

// Release retires id, recording a cooldown deadline of now plus the TTL
// instead of making it immediately reallocatable.
func (a *Allocator) Release(id uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.inFlight, id)
	a.cooldownUntil[id] = a.Now().Add(a.ttl)
}

// InFlightCount reports how many identifiers are currently assigned.
func (a *Allocator) InFlightCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inFlight)
}
