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

package initiator

import "time"

// PerRequestConfig overrides the client's defaults for a single fetch()
// call.
type PerRequestConfig struct {
	Timeout                time.Duration
	MaxNackRounds          int
	InitialRequestRetries  int
	InitialRequestInterval time.Duration
	SocketTimeout          time.Duration
	FirstGapTimeout        time.Duration
	HeartbeatInterval      time.Duration
	HeartbeatBackoff       float64
	MaxNackBits            int
	AggregateTag           bool
	ShortIdentifier        bool
}

// DefaultPerRequestConfig matches the operating point spec.md's Design
// Notes describe as typical.
func DefaultPerRequestConfig() PerRequestConfig {
	return PerRequestConfig{
		Timeout:                10 * time.Second,
		MaxNackRounds:          5,
		InitialRequestRetries:  3,
		InitialRequestInterval: 250 * time.Millisecond,
		SocketTimeout:          100 * time.Millisecond,
		FirstGapTimeout:        300 * time.Millisecond,
		HeartbeatInterval:      time.Second,
		HeartbeatBackoff:       1.5,
		MaxNackBits:            128,
	}
}

func (c PerRequestConfig) withDefaults() PerRequestConfig {
	d := DefaultPerRequestConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxNackRounds <= 0 {
		c.MaxNackRounds = d.MaxNackRounds
	}
	if c.InitialRequestRetries <= 0 {
		c.InitialRequestRetries = d.InitialRequestRetries
	}
	if c.InitialRequestInterval <= 0 {
		c.InitialRequestInterval = d.InitialRequestInterval
	}
	if c.SocketTimeout <= 0 {
		c.SocketTimeout = d.SocketTimeout
	}
	if c.FirstGapTimeout <= 0 {
		c.FirstGapTimeout = d.FirstGapTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatBackoff <= 1 {
		c.HeartbeatBackoff = d.HeartbeatBackoff
	}
	if c.MaxNackBits <= 0 {
		c.MaxNackBits = d.MaxNackBits
	}
	return c
}

// Stats are the per-fetch transfer counters returned alongside a
// successful response.
type Stats struct {
	BytesSent      uint64
	BytesReceived  uint64
	NacksSent      uint64
	RequestRetries uint64
}

// HttpResponse is the assembled result of a successful fetch().
type HttpResponse struct {
	StatusCode uint16
	Headers    []HeaderPair
	Body       []byte
	Stats      Stats
}

// HeaderPair is an ordered (name, value) response header.
type HeaderPair struct {
	Name  string
	Value string
}
