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

// Package wire implements the AKARI-UDP datagram framing and
// authentication layer: fixed-layout header encode/decode, HMAC-SHA-256
// authentication for the plaintext path, XChaCha20-Poly1305 AEAD for the
// encrypted path, and replay rejection. It is the only package that ever
// trusts raw bytes off the socket.
package wire

import "github.com/pkg/errors"

func newError(format string, args ...any) error {
	format = "wire: " + format
	return errors.Errorf(format, args...)
}

// Version is the wire protocol version carried in every header.
type Version uint8

const (
	// VersionLegacy1 and VersionLegacy2 are long-identifier, no-aggregate-tag
	// variants kept for interoperability with older deployments.
	VersionLegacy1 Version = 0x01
	VersionLegacy2 Version = 0x02

	// VersionCurrent supports the short-identifier and aggregate-tag flags.
	VersionCurrent Version = 0x03
)

func (v Version) supportsShortIdentifier() bool {
	return v == VersionCurrent
}

func (v Version) supportsAggregateTag() bool {
	return v == VersionCurrent
}

func (v Version) known() bool {
	switch v {
	case VersionLegacy1, VersionLegacy2, VersionCurrent:
		return true
	default:
		return false
	}
}

// Kind identifies the payload shape carried by a datagram.
type Kind uint8

const (
	KindReq Kind = iota + 1
	KindRespHead
	KindRespHeadCont
	KindRespBody
	KindNackHead
	KindNackBody
	KindAck
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindReq:
		return "Req"
	case KindRespHead:
		return "RespHead"
	case KindRespHeadCont:
		return "RespHeadCont"
	case KindRespBody:
		return "RespBody"
	case KindNackHead:
		return "NackHead"
	case KindNackBody:
		return "NackBody"
	case KindAck:
		return "Ack"
	case KindError:
		return "Error"
	default:
		return "Unknown"
	}
}

func (k Kind) valid() bool {
	return k >= KindReq && k <= KindError
}

// Flags is the one-byte per-datagram flag set. Apart from FlagFinalMarker,
// which marks only the last datagram of a series, it must be held constant
// across every datagram belonging to the same request identifier.
type Flags uint8

const (
	FlagEncrypt Flags = 1 << iota
	FlagAggregateTag
	FlagShortIdentifier
	FlagShortLength
	FlagFinalMarker
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Magic is the fixed two-byte prefix of every AKARI-UDP datagram.
var Magic = [2]byte{'A', 'K'}

const (
	// ReservedByte is always transmitted as zero.
	ReservedByte = 0x00

	// ReplayWindow is the default duration replay-cache entries are kept.
	ReplayWindow = 30 // seconds, see replay package for the live clock
)

// Header is the decoded form of the fixed-layout datagram header.
type Header struct {
	Version    Version
	Kind       Kind
	Flags      Flags
	Identifier uint64
	Sequence   uint16
	SeqTotal   uint16
	PayloadLen uint16
	Timestamp  uint32 // only meaningful when !Flags.Has(FlagShortIdentifier)
}

// HasTimestamp reports whether this header carries the 32-bit wall-clock
// timestamp field (long-identifier variant only).
func (h Header) HasTimestamp() bool {
	return !h.Flags.Has(FlagShortIdentifier)
}

// Size returns the encoded header size in bytes for this flag combination.
func (h Header) Size() int {
	return headerSize(h.Flags)
}

func headerSize(f Flags) int {
	n := 2 /*magic*/ + 1 /*version*/ + 1 /*kind*/ + 1 /*flags*/ + 1 /*reserved*/
	if f.Has(FlagShortIdentifier) {
		n += 2
	} else {
		n += 8
	}
	n += 2 /*sequence*/ + 2 /*seqtotal*/
	if f.Has(FlagShortLength) {
		n += 1
	} else {
		n += 2
	}
	if !f.Has(FlagShortIdentifier) {
		n += 4 /*timestamp*/
	}
	return n
}

// TagSize returns the authentication tag size for a datagram with these
// flags at this kind and final-chunk position. Aggregate-tag intermediate
// body datagrams carry no tag at all; everything else carries 16 bytes.
func TagSize(f Flags, kind Kind, isFinalBodyChunk bool) int {
	if f.Has(FlagAggregateTag) && kind == KindRespBody && !isFinalBodyChunk {
		return 0
	}
	return 16
}
