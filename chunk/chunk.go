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

// Package chunk splits an HTTP response into the ordered
// sequence of AKARI-UDP datagrams the wire codec will carry, applying the
// configured MTU budget, optional XOR parity, and optional redundant
// duplication.
package chunk

import (
	"github.com/pkg/errors"

	"github.com/akariudp/akari/headerblock"
	"github.com/akariudp/akari/wire"
)

// ErrBudgetTooSmall is returned when the configured MTU cannot fit even
// an empty datagram of the requested flag combination.
var ErrBudgetTooSmall = errors.New("chunk: mtu budget too small for header and tag")

// Options controls how a response is split into datagrams.
type Options struct {
	MTU int

	// Parity appends one XOR-parity RespBody datagram covering every
	// real body chunk, allowing the assembler to reconstruct exactly one
	// missing chunk without a retransmit round trip.
	Parity bool

	// HeadDuplication and BodyDuplication emit each head/body datagram
	// this many times verbatim (identifier and sequence unchanged); the
	// assembler de-duplicates naturally. Values below 1 are treated as 1.
	HeadDuplication int
	BodyDuplication int
}

// DefaultOptions matches the values spec.md's chunker section calls a
// typical operating point.
func DefaultOptions() Options {
	return Options{
		MTU:             1280,
		Parity:          false,
		HeadDuplication: 4,
		BodyDuplication: 1,
	}
}

// Response is the logical payload to be chunked: a status line, ordered
// headers, and a body.
type Response struct {
	StatusCode uint16
	Headers    []headerblock.Header
	Body       []byte
}

// Plan is the ordered, ready-to-send byte sequence produced for one
// response, plus the bookkeeping the responder needs to retain for
// NACK/ACK-driven re-emission.
type Plan struct {
	// Datagrams is the full ordered wire-encoded sequence: all RespHead
	// datagrams (with HeadDuplication copies), then all RespBody
	// datagrams including parity if enabled (with BodyDuplication
	// copies).
	Datagrams [][]byte

	// HeadBySequence and BodyBySequence index the single canonical copy
	// of each datagram by its sequence number, for re-emission on
	// NACK/ACK without re-encoding.
	HeadBySequence map[uint16][]byte
	BodyBySequence map[uint16][]byte
}

// Build runs the full response through the wire codec and returns the
// datagram sequence described by opts.
func Build(codec *wire.Codec, version wire.Version, baseFlags wire.Flags, identifier uint64, resp Response, opts Options) (*Plan, error) {
	if opts.HeadDuplication < 1 {
		opts.HeadDuplication = 1
	}
	if opts.BodyDuplication < 1 {
		opts.BodyDuplication = 1
	}

	tagSize := 16
	headroom := wire.Header{Version: version, Kind: wire.KindRespHead, Flags: baseFlags}.Size()
	budget := opts.MTU - headroom - tagSize
	if budget <= 0 {
		return nil, ErrBudgetTooSmall
	}

	headerBlock := headerblock.Encode(resp.Headers)
	headDatagrams, err := buildHeadChunks(codec, version, baseFlags, identifier, resp, headerBlock, budget, opts)
	if err != nil {
		return nil, err
	}

	bodyDatagrams, err := buildBodyChunks(codec, version, baseFlags, identifier, resp.Body, budget, opts)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		HeadBySequence: make(map[uint16][]byte, len(headDatagrams)),
		BodyBySequence: make(map[uint16][]byte, len(bodyDatagrams)),
	}
	for i, d := range headDatagrams {
		plan.HeadBySequence[uint16(i)] = d
		for n := 0; n < opts.HeadDuplication; n++ {
			plan.Datagrams = append(plan.Datagrams, d)
		}
	}
	for i, d := range bodyDatagrams {
		plan.BodyBySequence[uint16(i)] = d
		for n := 0; n < opts.BodyDuplication; n++ {
			plan.Datagrams = append(plan.Datagrams, d)
		}
	}
	return plan, nil
}

func buildHeadChunks(codec *wire.Codec, version wire.Version, baseFlags wire.Flags, identifier uint64, resp Response, headerBlock []byte, budget int, opts Options) ([][]byte, error) {
	// RespHeadFirst's fixed prefix (status + body-len + chunk-len +
	// body-chunks + parity byte) eats into the first chunk's budget.
	const firstPrefix = 11
	chunkLen := bodyChunkLength(len(resp.Body), budget)
	bodyChunks := uint16(0)
	if len(resp.Body) > 0 {
		bodyChunks = uint16((len(resp.Body) + chunkLen - 1) / chunkLen)
	}

	var fragments [][]byte
	remaining := headerBlock
	first := true
	for {
		limit := budget
		if first {
			limit -= firstPrefix
		}
		if limit < 0 {
			limit = 0
		}
		if len(remaining) <= limit {
			fragments = append(fragments, remaining)
			break
		}
		fragments = append(fragments, remaining[:limit])
		remaining = remaining[limit:]
		first = false
	}

	out := make([][]byte, 0, len(fragments))
	for i, frag := range fragments {
		isLast := i == len(fragments)-1
		flags := baseFlags &^ wire.FlagAggregateTag
		if isLast && len(resp.Body) == 0 {
			flags |= wire.FlagFinalMarker
		}

		var payload []byte
		kind := wire.KindRespHeadCont
		if i == 0 {
			kind = wire.KindRespHead
			payload = wire.EncodeRespHeadFirst(wire.RespHeadFirst{
				StatusCode:  resp.StatusCode,
				BodyLen:     uint32(len(resp.Body)),
				ChunkLen:    uint16(chunkLen),
				BodyChunks:  bodyChunks,
				Parity:      opts.Parity && len(resp.Body) > 0,
				HeaderBlock: frag,
			})
		} else {
			payload = wire.EncodeRespHeadCont(wire.RespHeadCont{HeaderBlock: frag})
		}

		raw, err := codec.Encode(wire.EncodeInput{
			Version:    version,
			Kind:       kind,
			Flags:      flags,
			Identifier: identifier,
			Sequence:   uint16(i),
			SeqTotal:   uint16(len(fragments)),
			Payload:    payload,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func bodyChunkLength(bodyLen, budget int) int {
	if bodyLen == 0 {
		return budget
	}
	if bodyLen <= budget {
		return bodyLen
	}
	return budget
}

func buildBodyChunks(codec *wire.Codec, version wire.Version, baseFlags wire.Flags, identifier uint64, body []byte, budget int, opts Options) ([][]byte, error) {
	if len(body) == 0 {
		return nil, nil
	}

	chunkLen := bodyChunkLength(len(body), budget)
	n := (len(body) + chunkLen - 1) / chunkLen
	seqTotal := uint16(n)
	if opts.Parity {
		seqTotal++
	}

	chunks := make([][]byte, n)
	for i := 0; i < n; i++ {
		start := i * chunkLen
		end := start + chunkLen
		if end > len(body) {
			end = len(body)
		}
		chunks[i] = body[start:end]
	}

	aggregate := baseFlags.Has(wire.FlagAggregateTag)

	out := make([][]byte, 0, n+1)
	for i, c := range chunks {
		isFinal := i == n-1 && !opts.Parity
		flags := baseFlags
		if isFinal {
			flags |= wire.FlagFinalMarker
		}
		in := wire.EncodeInput{
			Version:        version,
			Kind:           wire.KindRespBody,
			Flags:          flags,
			Identifier:     identifier,
			Sequence:       uint16(i),
			SeqTotal:       seqTotal,
			Payload:        c,
			FinalBodyChunk: isFinal,
		}
		if aggregate && isFinal {
			in.AggregateConcat = body
		}
		raw, err := codec.Encode(in)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}

	if opts.Parity {
		parity := xorPadded(chunks, chunkLen)
		flags := baseFlags | wire.FlagFinalMarker
		in := wire.EncodeInput{
			Version:        version,
			Kind:           wire.KindRespBody,
			Flags:          flags,
			Identifier:     identifier,
			Sequence:       uint16(n),
			SeqTotal:       seqTotal,
			Payload:        parity,
			FinalBodyChunk: true,
		}
		if aggregate {
			in.AggregateConcat = body
		}
		raw, err := codec.Encode(in)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}

	return out, nil
}

// xorPadded XORs every chunk together after padding each to chunkLen with
// zero bytes, matching the padding rule the assembler uses to reconstruct
// a missing chunk from the parity chunk.
func xorPadded(chunks [][]byte, chunkLen int) []byte {
	out := make([]byte, chunkLen)
	for _, c := range chunks {
		for i := 0; i < len(c); i++ {
			out[i] ^= c[i]
		}
	}
	return out
}
