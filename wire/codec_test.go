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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCodec() *Codec {
	c := NewCodec([]byte("a fixed test pre-shared key!!!!"), nil)
	c.Now = func() uint32 { return 1_700_000_000 }
	return c
}

func TestEncodeDecodeRoundTripHMAC(t *testing.T) {
	c := testCodec()
	in := EncodeInput{
		Version:    VersionCurrent,
		Kind:       KindReq,
		Identifier: 42,
		Sequence:   0,
		SeqTotal:   1,
		Payload:    []byte("GET /hello"),
	}
	raw, err := c.Encode(in)
	require.NoError(t, err)

	pkt, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, in.Payload, pkt.Payload)
	assert.False(t, pkt.TagPending)
	assert.Equal(t, in.Identifier, pkt.Header.Identifier)
}

func TestEncodeDecodeRoundTripAEAD(t *testing.T) {
	c := testCodec()
	in := EncodeInput{
		Version:    VersionCurrent,
		Kind:       KindRespHead,
		Flags:      FlagEncrypt,
		Identifier: 7,
		SeqTotal:   1,
		Payload:    []byte("status + headers"),
	}
	raw, err := c.Encode(in)
	require.NoError(t, err)

	pkt, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, in.Payload, pkt.Payload)
}

func TestEncodeDecodeShortIdentifier(t *testing.T) {
	c := testCodec()
	in := EncodeInput{
		Version:    VersionCurrent,
		Kind:       KindAck,
		Flags:      FlagShortIdentifier,
		Identifier: 0x1234,
		Payload:    nil,
	}
	raw, err := c.Encode(in)
	require.NoError(t, err)
	assert.Len(t, raw, headerSize(FlagShortIdentifier)+16)

	pkt, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), pkt.Header.Identifier)
	assert.False(t, pkt.Header.HasTimestamp())
}

func TestAggregateTagDeferredAuthentication(t *testing.T) {
	c := testCodec()
	body := []byte("chunk-one-chunk-two")
	chunk1 := body[:10]
	chunk2 := body[10:]

	raw1, err := c.Encode(EncodeInput{
		Version:    VersionCurrent,
		Kind:       KindRespBody,
		Flags:      FlagAggregateTag,
		Identifier: 5,
		Sequence:   0,
		SeqTotal:   2,
		Payload:    chunk1,
	})
	require.NoError(t, err)

	raw2, err := c.Encode(EncodeInput{
		Version:         VersionCurrent,
		Kind:            KindRespBody,
		Flags:           FlagAggregateTag | FlagFinalMarker,
		Identifier:      5,
		Sequence:        1,
		SeqTotal:        2,
		Payload:         chunk2,
		FinalBodyChunk:  true,
		AggregateConcat: body,
	})
	require.NoError(t, err)

	pkt1, err := c.Decode(raw1)
	require.NoError(t, err)
	assert.True(t, pkt1.TagPending)
	assert.Nil(t, pkt1.AggregateTag)
	assert.Equal(t, chunk1, pkt1.Payload)

	pkt2, err := c.Decode(raw2)
	require.NoError(t, err)
	assert.True(t, pkt2.TagPending)
	require.NotNil(t, pkt2.AggregateTag)
	assert.Equal(t, chunk2, pkt2.Payload)

	// The assembler verifies the aggregate tag itself; reproduce that
	// check here to confirm the codec produced a verifiable value.
	want := c.hmacTag(body)
	assert.Equal(t, want[:], pkt2.AggregateTag)
}

func TestEncodeRejectsEncryptPlusAggregateTag(t *testing.T) {
	c := testCodec()
	_, err := c.Encode(EncodeInput{
		Version:    VersionCurrent,
		Kind:       KindRespBody,
		Flags:      FlagEncrypt | FlagAggregateTag,
		Identifier: 1,
		Payload:    []byte("x"),
	})
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestDecodeRejectsEncryptPlusAggregateTag(t *testing.T) {
	c := testCodec()
	h := Header{
		Version:    VersionCurrent,
		Kind:       KindRespBody,
		Flags:      FlagEncrypt | FlagAggregateTag,
		Identifier: 1,
		SeqTotal:   1,
		PayloadLen: 1,
		Timestamp:  c.Now(),
	}
	raw := append(encodeHeaderBytes(h), make([]byte, 17)...)
	_, err := c.Decode(raw)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsShortIdentifierUnderLegacyVersion(t *testing.T) {
	c := testCodec()
	raw, err := c.Encode(EncodeInput{
		Version:    VersionCurrent,
		Kind:       KindAck,
		Flags:      FlagShortIdentifier,
		Identifier: 1,
	})
	require.NoError(t, err)
	// Flip the version byte to a legacy value after encoding so the tag
	// still authenticates a now-illegal combination.
	raw[2] = byte(VersionLegacy1)
	_, err = c.Decode(raw)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeDetectsTamperedPayload(t *testing.T) {
	c := testCodec()
	raw, err := c.Encode(EncodeInput{
		Version:    VersionCurrent,
		Kind:       KindReq,
		Identifier: 1,
		SeqTotal:   1,
		Payload:    []byte("GET /x"),
	})
	require.NoError(t, err)
	raw[len(raw)-20] ^= 0xFF

	_, err = c.Decode(raw)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestDecodeRejectsStaleTimestamp(t *testing.T) {
	c := testCodec()
	raw, err := c.Encode(EncodeInput{
		Version:    VersionCurrent,
		Kind:       KindReq,
		Identifier: 1,
		SeqTotal:   1,
		Payload:    []byte("GET /x"),
		Timestamp:  c.Now() - 100,
	})
	require.NoError(t, err)

	_, err = c.Decode(raw)
	assert.ErrorIs(t, err, ErrStale)
}

func TestDecodeConsultsReplayChecker(t *testing.T) {
	stub := &stubReplay{err: ErrReplay}
	c := NewCodec([]byte("another fixed test psk value!!!"), stub)
	c.Now = func() uint32 { return 1_700_000_000 }

	raw, err := c.Encode(EncodeInput{
		Version:    VersionCurrent,
		Kind:       KindAck,
		Identifier: 9,
		SeqTotal:   1,
	})
	require.NoError(t, err)

	_, err = c.Decode(raw)
	assert.ErrorIs(t, err, ErrReplay)
	assert.True(t, stub.called)
}

func TestDecodeRejectsEmptyNackBitmap(t *testing.T) {
	c := testCodec()
	raw, err := c.Encode(EncodeInput{
		Version:    VersionCurrent,
		Kind:       KindNackHead,
		Identifier: 1,
		SeqTotal:   1,
	})
	require.NoError(t, err)

	_, err = c.Decode(raw)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	c := testCodec()
	raw, err := c.Encode(EncodeInput{
		Version:    VersionCurrent,
		Kind:       KindAck,
		Identifier: 1,
	})
	require.NoError(t, err)
	raw[0] = 'X'

	_, err = c.Decode(raw)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsTruncatedBuffer(t *testing.T) {
	c := testCodec()
	raw, err := c.Encode(EncodeInput{
		Version:    VersionCurrent,
		Kind:       KindReq,
		Identifier: 1,
		SeqTotal:   1,
		Payload:    []byte("hello"),
	})
	require.NoError(t, err)

	_, err = c.Decode(raw[:len(raw)-1])
	assert.ErrorIs(t, err, ErrMalformed)
}

type stubReplay struct {
	called bool
	err    error
}

func (s *stubReplay) Check(identifier uint64, timestamp uint32, sequence uint16, kind Kind) error {
	s.called = true
	return s.err
}
