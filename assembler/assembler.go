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

// Package assembler reconstructs a chunked response from the datagrams
// the Initiator's receive loop feeds it: sparse head/body buffers,
// parity reconstruction, aggregate-tag verification, and the primitives
// the gap policy uses to decide when to NACK or ACK.
package assembler

import (
	"time"

	"github.com/akariudp/akari/headerblock"
	"github.com/akariudp/akari/wire"
)

// Result is the fully reconstructed response.
type Result struct {
	StatusCode uint16
	Headers    []headerblock.Header
	Body       []byte
}

// Assembler accumulates the datagrams belonging to one request
// identifier. It is not safe for concurrent use; callers serialize
// access the same way the Initiator engine serializes its receive loop.
type Assembler struct {
	codec      *wire.Codec
	identifier uint64

	headTotal  uint16
	headSet    bool
	headChunks map[uint16][]byte
	headFirst  *wire.RespHeadFirst

	bodyTotal     uint16
	bodySet       bool
	bodyChunks    map[uint16][]byte
	aggregateFlag bool
	aggregateTag  []byte

	baseFlagsSet bool
	baseFlags    wire.Flags

	LastProgress time.Time
}

// admitFlags enforces that every datagram accepted for this identifier
// carries the same flag set as the first one seen, per the flag-consistency
// invariant (a RespBody decrypted/authenticated under a different flag set
// than its RespHead, or mixing short- and long-identifier datagrams for the
// same identifier, is malformed rather than silently accepted). The
// final-marker bit is excluded from the comparison, since it is set only on
// the last datagram of a series.
func (a *Assembler) admitFlags(flags wire.Flags) error {
	flags &^= wire.FlagFinalMarker
	if !a.baseFlagsSet {
		a.baseFlags = flags
		a.baseFlagsSet = true
		return nil
	}
	if flags != a.baseFlags {
		return wire.ErrMalformed
	}
	return nil
}

// New returns an Assembler for identifier, ready to accept datagrams.
func New(codec *wire.Codec, identifier uint64) *Assembler {
	return &Assembler{
		codec:      codec,
		identifier: identifier,
		headChunks: make(map[uint16][]byte),
		bodyChunks: make(map[uint16][]byte),
	}
}

// IdentifierHint returns the request identifier this assembler was
// created for, for callers that need it to address a NACK or log line.
func (a *Assembler) IdentifierHint() uint64 {
	return a.identifier
}

// AcceptHead admits one RespHead or RespHeadCont datagram.
func (a *Assembler) AcceptHead(pkt *wire.Packet) error {
	h := pkt.Header
	if err := a.admitFlags(h.Flags); err != nil {
		return err
	}
	if !a.headSet {
		a.headTotal = h.SeqTotal
		a.headSet = true
	} else if h.SeqTotal != a.headTotal {
		return wire.ErrMalformed
	}
	if h.Sequence >= a.headTotal {
		return wire.ErrMalformed
	}

	if _, dup := a.headChunks[h.Sequence]; dup {
		if h.Sequence == 0 && a.headFirst != nil {
			// A late duplicate RespHead with a different declared body
			// length is a protocol violation, never a silent overwrite.
			first, err := wire.DecodeRespHeadFirst(pkt.Payload)
			if err != nil || !sameHeadFirst(*a.headFirst, first) {
				return wire.ErrMalformed
			}
		}
		return nil
	}

	if h.Sequence == 0 {
		first, err := wire.DecodeRespHeadFirst(pkt.Payload)
		if err != nil {
			return err
		}
		a.headFirst = &first
		a.aggregateFlag = h.Flags.Has(wire.FlagAggregateTag)
	}
	a.headChunks[h.Sequence] = pkt.Payload
	a.LastProgress = time.Now()
	return nil
}

func sameHeadFirst(a, b wire.RespHeadFirst) bool {
	return a.StatusCode == b.StatusCode && a.BodyLen == b.BodyLen &&
		a.ChunkLen == b.ChunkLen && a.BodyChunks == b.BodyChunks && a.Parity == b.Parity
}

// AcceptBody admits one RespBody datagram, including a parity chunk.
func (a *Assembler) AcceptBody(pkt *wire.Packet) error {
	h := pkt.Header
	if err := a.admitFlags(h.Flags); err != nil {
		return err
	}
	if !a.bodySet {
		a.bodyTotal = h.SeqTotal
		a.bodySet = true
	} else if h.SeqTotal != a.bodyTotal {
		return wire.ErrMalformed
	}
	if h.Sequence >= a.bodyTotal {
		return wire.ErrMalformed
	}

	if _, dup := a.bodyChunks[h.Sequence]; dup {
		return nil
	}
	a.bodyChunks[h.Sequence] = pkt.Payload
	a.LastProgress = time.Now()

	if pkt.AggregateTag != nil {
		a.aggregateTag = pkt.AggregateTag
	}
	return nil
}

// HeadComplete reports whether every head-series sequence has arrived.
func (a *Assembler) HeadComplete() bool {
	if !a.headSet || a.headFirst == nil {
		return false
	}
	for i := uint16(0); i < a.headTotal; i++ {
		if _, ok := a.headChunks[i]; !ok {
			return false
		}
	}
	return true
}

// BodyComplete reports whether the body is reconstructable: every real
// chunk present, or exactly one missing with the parity chunk present.
func (a *Assembler) BodyComplete() bool {
	if a.headFirst == nil {
		return false
	}
	n := int(a.headFirst.BodyChunks)
	if n == 0 {
		return true
	}
	missing := -1
	count := 0
	for i := 0; i < n; i++ {
		if _, ok := a.bodyChunks[uint16(i)]; !ok {
			count++
			missing = i
		}
	}
	if count == 0 {
		return true
	}
	if count == 1 && a.headFirst.Parity {
		_, parityOK := a.bodyChunks[uint16(n)]
		return parityOK
	}
	_ = missing
	return false
}

// Complete reports whether the full response is ready to finalize.
func (a *Assembler) Complete() bool {
	return a.HeadComplete() && a.BodyComplete()
}

// FirstMissingHead returns the lowest head-series sequence not yet
// accepted, and whether one exists.
func (a *Assembler) FirstMissingHead() (uint16, bool) {
	if !a.headSet {
		return 0, false
	}
	for i := uint16(0); i < a.headTotal; i++ {
		if _, ok := a.headChunks[i]; !ok {
			return i, true
		}
	}
	return 0, false
}

// FirstMissingBody returns the lowest real body sequence not yet
// accepted, and whether one exists. The parity slot is never reported as
// missing since its absence alone does not block completion.
func (a *Assembler) FirstMissingBody() (uint16, bool) {
	if a.headFirst == nil {
		return 0, false
	}
	n := a.headFirst.BodyChunks
	for i := uint16(0); i < n; i++ {
		if _, ok := a.bodyChunks[i]; !ok {
			return i, true
		}
	}
	return 0, false
}

// nackBitmap builds a NackPayload naming up to maxBits missing sequences
// starting at base, for either the head or body series depending on
// which presence check the caller supplies as has.
func nackBitmap(base, total uint16, maxBits int, has func(uint16) bool) wire.NackPayload {
	bits := int(total) - int(base)
	if bits > maxBits {
		bits = maxBits
	}
	if bits < 0 {
		bits = 0
	}
	bitmap := make([]byte, (bits+7)/8)
	for i := 0; i < bits; i++ {
		seq := base + uint16(i)
		if !has(seq) {
			bitmap[i/8] |= 1 << uint(i%8)
		}
	}
	return wire.NackPayload{Base: base, Bitmap: bitmap}
}

// HeadNack builds a NACK bitmap over the head series starting at base.
func (a *Assembler) HeadNack(base uint16, maxBits int) wire.NackPayload {
	return nackBitmap(base, a.headTotal, maxBits, func(seq uint16) bool {
		_, ok := a.headChunks[seq]
		return ok
	})
}

// BodyNack builds a NACK bitmap over the real body series starting at
// base.
func (a *Assembler) BodyNack(base uint16, maxBits int) wire.NackPayload {
	total := uint16(0)
	if a.headFirst != nil {
		total = a.headFirst.BodyChunks
	}
	return nackBitmap(base, total, maxBits, func(seq uint16) bool {
		_, ok := a.bodyChunks[seq]
		return ok
	})
}

// Finalize reconstructs and returns the full response. It must only be
// called once Complete reports true.
func (a *Assembler) Finalize() (*Result, error) {
	headers, err := headerblock.Decode(a.concatenatedHeaderBlock())
	if err != nil {
		return nil, err
	}

	body, err := a.reconstructBody()
	if err != nil {
		return nil, err
	}

	if a.aggregateFlag {
		if a.aggregateTag == nil || !a.codec.VerifyAggregateTag(body, a.aggregateTag) {
			return nil, wire.ErrAuthFailed
		}
	}

	return &Result{
		StatusCode: a.headFirst.StatusCode,
		Headers:    headers,
		Body:       body,
	}, nil
}

// concatenatedHeaderBlock rebuilds the full header-block byte sequence:
// chunk 0's fragment comes from the decoded RespHeadFirst, every
// continuation chunk contributes its raw payload as-is.
func (a *Assembler) concatenatedHeaderBlock() []byte {
	out := make([]byte, 0, 256)
	out = append(out, a.headFirst.HeaderBlock...)
	for i := uint16(1); i < a.headTotal; i++ {
		cont := wire.DecodeRespHeadCont(a.headChunks[i])
		out = append(out, cont.HeaderBlock...)
	}
	return out
}

func (a *Assembler) reconstructBody() ([]byte, error) {
	n := int(a.headFirst.BodyChunks)
	if n == 0 {
		return nil, nil
	}
	chunkLen := int(a.headFirst.ChunkLen)

	missing := -1
	for i := 0; i < n; i++ {
		if _, ok := a.bodyChunks[uint16(i)]; !ok {
			missing = i
			break
		}
	}

	chunks := make([][]byte, n)
	if missing >= 0 {
		parity, ok := a.bodyChunks[uint16(n)]
		if !ok {
			return nil, wire.ErrMalformed
		}
		recon := make([]byte, chunkLen)
		copy(recon, parity)
		for i := 0; i < n; i++ {
			if i == missing {
				continue
			}
			c := a.bodyChunks[uint16(i)]
			for j := 0; j < len(c); j++ {
				recon[j] ^= c[j]
			}
		}
		chunks[missing] = recon
		for i := 0; i < n; i++ {
			if i != missing {
				chunks[i] = a.bodyChunks[uint16(i)]
			}
		}
	} else {
		for i := 0; i < n; i++ {
			chunks[i] = a.bodyChunks[uint16(i)]
		}
	}

	body := make([]byte, 0, a.headFirst.BodyLen)
	for _, c := range chunks {
		body = append(body, c...)
	}
	if uint32(len(body)) > a.headFirst.BodyLen {
		body = body[:a.headFirst.BodyLen]
	}
	return body, nil
}
