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

package wire

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/akariudp/akari/internal/bufpool"
)

// ReplayChecker records and rejects duplicate datagrams. The replay package
// provides the live, TTL-bounded implementation; tests may substitute a
// stub.
type ReplayChecker interface {
	Check(identifier uint64, timestamp uint32, sequence uint16, kind Kind) error
}

// Codec encodes and decodes AKARI-UDP datagrams against a single
// pre-shared key. A Codec is safe for concurrent use.
type Codec struct {
	key [32]byte

	// Replay is consulted once a datagram has passed authentication. A nil
	// Replay disables replay rejection entirely (used by the chunker's
	// unit tests, never by a live Initiator or Responder).
	Replay ReplayChecker

	// Now returns the receiver's wall-clock reference for staleness
	// checks. Defaults to time.Now; overridable for deterministic tests.
	Now func() uint32

	// StaleTolerance bounds the allowed skew, in seconds, between a
	// long-identifier datagram's timestamp and Now(). Zero disables the
	// check.
	StaleTolerance uint32
}

// NewCodec derives the AEAD/HMAC key from psk (SHA-256 of the supplied
// bytes when psk is not already 32 bytes long) and returns a ready Codec.
func NewCodec(psk []byte, replay ReplayChecker) *Codec {
	return &Codec{
		key:            derivePSKKey(psk),
		Replay:         replay,
		Now:            func() uint32 { return uint32(time.Now().Unix()) },
		StaleTolerance: ReplayWindow,
	}
}

func derivePSKKey(psk []byte) [32]byte {
	if len(psk) == 32 {
		var out [32]byte
		copy(out[:], psk)
		return out
	}
	return sha256.Sum256(psk)
}

// deriveNonce builds the 24-byte XChaCha20-Poly1305 nonce from the fields
// that are already guaranteed unique per datagram: the full (zero-extended)
// identifier, the sequence number, and the two low flag bits that select
// the encryption/aggregate-tag mode. The remainder is zero-padded.
func deriveNonce(identifier uint64, sequence uint16, flags Flags) [chacha20poly1305.NonceSizeX]byte {
	var nonce [chacha20poly1305.NonceSizeX]byte
	binary.BigEndian.PutUint64(nonce[0:8], identifier)
	binary.BigEndian.PutUint16(nonce[8:10], sequence)
	nonce[10] = byte(flags & 0x03)
	return nonce
}

// EncodeInput is the set of fields a caller supplies to produce one
// datagram. Payload is the plaintext application payload for this
// datagram only; AggregateConcat is the ordered concatenation of every
// RespBody payload belonging to the response and is required exactly when
// encoding the final body datagram of an aggregate-tag response.
type EncodeInput struct {
	Version         Version
	Kind            Kind
	Flags           Flags
	Identifier      uint64
	Sequence        uint16
	SeqTotal        uint16
	Timestamp       uint32 // zero means "fill with Codec.Now()" when the header carries one
	Payload         []byte
	FinalBodyChunk  bool
	AggregateConcat []byte
}

// Packet is the authenticated, decoded form of a received datagram.
type Packet struct {
	Header Header
	// Payload is the datagram's own plaintext bytes. Under aggregate-tag
	// mode these bytes are NOT individually authenticated; the caller must
	// withhold delivery until the aggregate tag verifies.
	Payload []byte
	// AggregateTag is set only on the final RespBody datagram of an
	// aggregate-tag response; it is the tag to check against the HMAC of
	// the full ordered body concatenation once all chunks have arrived.
	AggregateTag []byte
	// TagPending is true when Payload's authenticity has not yet been
	// established by this call alone (aggregate-tag mode).
	TagPending bool
}

// Encode renders in into a single datagram. It refuses illegal flag
// combinations with ErrProtocolViolation, and an unknown version or an
// oversized payload with a plain error, rather than producing a datagram
// no decoder could accept.
func (c *Codec) Encode(in EncodeInput) ([]byte, error) {
	if in.Flags.Has(FlagEncrypt) && in.Flags.Has(FlagAggregateTag) {
		return nil, ErrProtocolViolation
	}
	if !in.Version.known() {
		return nil, newError("unknown version %d", in.Version)
	}
	if in.Flags.Has(FlagShortIdentifier) && !in.Version.supportsShortIdentifier() {
		return nil, ErrProtocolViolation
	}
	if in.Flags.Has(FlagAggregateTag) {
		if !in.Version.supportsAggregateTag() {
			return nil, ErrProtocolViolation
		}
		if in.Kind != KindRespBody {
			return nil, ErrProtocolViolation
		}
	}
	if len(in.Payload) > 0xFFFF {
		return nil, newError("payload of %d bytes exceeds the 16-bit length field", len(in.Payload))
	}
	if in.Flags.Has(FlagShortLength) && len(in.Payload) > 0xFF {
		return nil, newError("payload of %d bytes exceeds the short-length field", len(in.Payload))
	}

	h := Header{
		Version:    in.Version,
		Kind:       in.Kind,
		Flags:      in.Flags,
		Identifier: in.Identifier,
		Sequence:   in.Sequence,
		SeqTotal:   in.SeqTotal,
		PayloadLen: uint16(len(in.Payload)),
		Timestamp:  in.Timestamp,
	}
	if h.HasTimestamp() && h.Timestamp == 0 {
		h.Timestamp = c.Now()
	}
	headerBytes := encodeHeaderBytes(h)
	tagLen := TagSize(in.Flags, in.Kind, in.FinalBodyChunk)

	buf := bufpool.Acquire()
	defer bufpool.Release(buf)
	buf.Write(headerBytes)

	switch {
	case tagLen == 0:
		// Aggregate-tag intermediate body chunk: unauthenticated on its
		// own, verified only once the full response is assembled.
		buf.Write(in.Payload)

	case in.Flags.Has(FlagAggregateTag):
		// Final body chunk: the trailing 16 bytes are the aggregate tag
		// over the whole response body, not a per-datagram tag.
		if in.AggregateConcat == nil {
			return nil, newError("final aggregate-tag chunk requires the full body concatenation")
		}
		tag := c.hmacTag(in.AggregateConcat)
		buf.Write(in.Payload)
		buf.Write(tag[:])

	case in.Flags.Has(FlagEncrypt):
		aead, err := c.aead()
		if err != nil {
			return nil, err
		}
		nonce := deriveNonce(h.Identifier, h.Sequence, h.Flags)
		sealed := aead.Seal(append([]byte(nil), headerBytes...), nonce[:], in.Payload, headerBytes)
		return sealed, nil

	default:
		tag := c.hmacTag(concat(headerBytes, in.Payload))
		buf.Write(in.Payload)
		buf.Write(tag[:])
	}

	return append([]byte(nil), buf.Bytes()...), nil
}

// Decode authenticates and parses raw into a Packet. Structural
// violations are reported before any key material is touched; replay and
// staleness are checked only after authentication succeeds.
func (c *Codec) Decode(raw []byte) (*Packet, error) {
	h, off, err := decodeHeaderBytes(raw)
	if err != nil {
		return nil, err
	}
	if !h.Kind.valid() {
		return nil, ErrMalformed
	}
	if h.Flags.Has(FlagEncrypt) && h.Flags.Has(FlagAggregateTag) {
		return nil, ErrMalformed
	}
	if h.Flags.Has(FlagShortIdentifier) && !h.Version.supportsShortIdentifier() {
		return nil, ErrMalformed
	}
	if h.Flags.Has(FlagAggregateTag) {
		if !h.Version.supportsAggregateTag() {
			return nil, ErrMalformed
		}
		if h.Kind != KindRespBody {
			return nil, ErrMalformed
		}
	}
	if (h.Kind == KindNackHead || h.Kind == KindNackBody) && h.PayloadLen == 0 {
		return nil, ErrMalformed
	}

	isFinalBodyChunk := h.Kind == KindRespBody && h.Flags.Has(FlagFinalMarker)
	tagLen := TagSize(h.Flags, h.Kind, isFinalBodyChunk)

	want := off + int(h.PayloadLen) + tagLen
	if len(raw) != want {
		return nil, ErrMalformed
	}

	headerBytes := raw[:off]
	body := raw[off : off+int(h.PayloadLen)]
	tagBytes := raw[off+int(h.PayloadLen) : want]

	pkt := &Packet{Header: h}

	switch {
	case h.Flags.Has(FlagAggregateTag) && h.Kind == KindRespBody:
		pkt.Payload = append([]byte(nil), body...)
		pkt.TagPending = true
		if isFinalBodyChunk {
			pkt.AggregateTag = append([]byte(nil), tagBytes...)
		}

	case h.Flags.Has(FlagEncrypt):
		aead, err := c.aead()
		if err != nil {
			return nil, err
		}
		nonce := deriveNonce(h.Identifier, h.Sequence, h.Flags)
		plain, err := aead.Open(nil, nonce[:], concat(body, tagBytes), headerBytes)
		if err != nil {
			return nil, ErrAuthFailed
		}
		pkt.Payload = plain

	default:
		want := c.hmacTag(concat(headerBytes, body))
		if !hmac.Equal(want[:], tagBytes) {
			return nil, ErrAuthFailed
		}
		pkt.Payload = append([]byte(nil), body...)
	}

	if h.HasTimestamp() && c.StaleTolerance > 0 {
		now := int64(c.Now())
		skew := now - int64(h.Timestamp)
		if skew > int64(c.StaleTolerance) || skew < -int64(c.StaleTolerance) {
			return nil, ErrStale
		}
	}

	if c.Replay != nil {
		if err := c.Replay.Check(h.Identifier, h.Timestamp, h.Sequence, h.Kind); err != nil {
			return nil, err
		}
	}

	return pkt, nil
}

// VerifyAggregateTag reports whether tag is the correct aggregate tag for
// the ordered body concatenation concat, using this Codec's key. It is
// exported for the assembler, which verifies the tag only once every
// body chunk has been collected.
func (c *Codec) VerifyAggregateTag(concat, tag []byte) bool {
	want := c.hmacTag(concat)
	return hmac.Equal(want[:], tag)
}

func (c *Codec) aead() (cipher.AEAD, error) {
	a, err := chacha20poly1305.NewX(c.key[:])
	if err != nil {
		return nil, newError("build aead cipher: %v", err)
	}
	return a, nil
}

func (c *Codec) hmacTag(data []byte) [16]byte {
	mac := hmac.New(sha256.New, c.key[:])
	mac.Write(data)
	sum := mac.Sum(nil)
	var out [16]byte
	copy(out[:], sum[:16])
	return out
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}
