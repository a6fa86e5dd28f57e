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
	"time"

	"github.com/akariudp/akari/chunk"
)

// Policy configures one AkariServer. It is frozen at construction per
// the design notes' "no global mutable state" rule.
type Policy struct {
	// RequireEncryption rejects any Req whose FlagEncrypt bit is unset.
	RequireEncryption bool `config:"requireEncryption"`

	// RespCacheTTL bounds how long a completed response's chunks are
	// retained for NACK/ACK-driven re-emission.
	RespCacheTTL time.Duration `config:"respCacheTTL"`

	MTUBudget       int  `config:"mtuBudget"`
	ParityEnabled   bool `config:"parityEnabled"`
	HeadDuplication int  `config:"headDuplication"`
	BodyDuplication int  `config:"bodyDuplication"`

	// MaxAckReemit caps how many cached datagrams a single Ack(first_lost)
	// re-emits, bounding a malicious or buggy Ack's fan-out.
	MaxAckReemit int `config:"maxAckReemit"`

	// MaxBodyBytes is the upstream response body cap; a Fetcher result
	// larger than this is rejected with ErrorCodeBodyTooLarge before
	// chunking.
	MaxBodyBytes int `config:"maxBodyBytes"`
}

// DefaultPolicy matches spec.md's stated defaults.
func DefaultPolicy() Policy {
	return Policy{
		RequireEncryption: false,
		RespCacheTTL:      5 * time.Second,
		MTUBudget:         chunk.DefaultOptions().MTU,
		ParityEnabled:     false,
		HeadDuplication:   4,
		BodyDuplication:   1,
		MaxAckReemit:      256,
		MaxBodyBytes:      16 << 20,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.RespCacheTTL <= 0 {
		p.RespCacheTTL = d.RespCacheTTL
	}
	if p.MTUBudget <= 0 {
		p.MTUBudget = d.MTUBudget
	}
	if p.HeadDuplication <= 0 {
		p.HeadDuplication = d.HeadDuplication
	}
	if p.BodyDuplication <= 0 {
		p.BodyDuplication = d.BodyDuplication
	}
	if p.MaxAckReemit <= 0 {
		p.MaxAckReemit = d.MaxAckReemit
	}
	if p.MaxBodyBytes <= 0 {
		p.MaxBodyBytes = d.MaxBodyBytes
	}
	return p
}

func (p Policy) chunkOptions() chunk.Options {
	return chunk.Options{
		MTU:             p.MTUBudget,
		Parity:          p.ParityEnabled,
		HeadDuplication: p.HeadDuplication,
		BodyDuplication: p.BodyDuplication,
	}
}
