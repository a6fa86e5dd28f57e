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

import "encoding/binary"

// encodeHeaderBytes renders h in the exact on-wire byte order described by
// the header layout: magic, version, kind, flags, reserved, identifier,
// sequence, sequence-total, payload-length, and (long-identifier variant
// only) a 32-bit timestamp.
func encodeHeaderBytes(h Header) []byte {
	buf := make([]byte, 0, h.Size())
	buf = append(buf, Magic[0], Magic[1])
	buf = append(buf, byte(h.Version), byte(h.Kind), byte(h.Flags), ReservedByte)

	if h.Flags.Has(FlagShortIdentifier) {
		buf = append(buf, byte(h.Identifier>>8), byte(h.Identifier))
	} else {
		var idb [8]byte
		binary.BigEndian.PutUint64(idb[:], h.Identifier)
		buf = append(buf, idb[:]...)
	}

	var seqb, totb [2]byte
	binary.BigEndian.PutUint16(seqb[:], h.Sequence)
	binary.BigEndian.PutUint16(totb[:], h.SeqTotal)
	buf = append(buf, seqb[:]...)
	buf = append(buf, totb[:]...)

	if h.Flags.Has(FlagShortLength) {
		buf = append(buf, byte(h.PayloadLen))
	} else {
		var lb [2]byte
		binary.BigEndian.PutUint16(lb[:], h.PayloadLen)
		buf = append(buf, lb[:]...)
	}

	if h.HasTimestamp() {
		var tb [4]byte
		binary.BigEndian.PutUint32(tb[:], h.Timestamp)
		buf = append(buf, tb[:]...)
	}
	return buf
}

// decodeHeaderBytes parses the fixed-layout header prefix of raw, returning
// the decoded Header and the number of bytes consumed. It rejects bad
// magic, unknown version, and a nonzero reserved byte before trusting any
// other field, per the wire codec's invariant.
func decodeHeaderBytes(raw []byte) (Header, int, error) {
	if len(raw) < 6 {
		return Header{}, 0, ErrMalformed
	}
	if raw[0] != Magic[0] || raw[1] != Magic[1] {
		return Header{}, 0, ErrMalformed
	}

	version := Version(raw[2])
	if !version.known() {
		return Header{}, 0, ErrUnsupportedVersion
	}

	kind := Kind(raw[3])
	flags := Flags(raw[4])
	if raw[5] != ReservedByte {
		return Header{}, 0, ErrMalformed
	}

	off := 6
	idLen := 8
	if flags.Has(FlagShortIdentifier) {
		idLen = 2
	}
	if len(raw) < off+idLen {
		return Header{}, 0, ErrMalformed
	}

	var identifier uint64
	if idLen == 2 {
		identifier = uint64(binary.BigEndian.Uint16(raw[off : off+2]))
	} else {
		identifier = binary.BigEndian.Uint64(raw[off : off+8])
	}
	off += idLen

	if len(raw) < off+4 {
		return Header{}, 0, ErrMalformed
	}
	sequence := binary.BigEndian.Uint16(raw[off : off+2])
	off += 2
	seqTotal := binary.BigEndian.Uint16(raw[off : off+2])
	off += 2

	var payloadLen uint16
	if flags.Has(FlagShortLength) {
		if len(raw) < off+1 {
			return Header{}, 0, ErrMalformed
		}
		payloadLen = uint16(raw[off])
		off++
	} else {
		if len(raw) < off+2 {
			return Header{}, 0, ErrMalformed
		}
		payloadLen = binary.BigEndian.Uint16(raw[off : off+2])
		off += 2
	}

	var timestamp uint32
	if !flags.Has(FlagShortIdentifier) {
		if len(raw) < off+4 {
			return Header{}, 0, ErrMalformed
		}
		timestamp = binary.BigEndian.Uint32(raw[off : off+4])
		off += 4
	}

	h := Header{
		Version:    version,
		Kind:       kind,
		Flags:      flags,
		Identifier: identifier,
		Sequence:   sequence,
		SeqTotal:   seqTotal,
		PayloadLen: payloadLen,
		Timestamp:  timestamp,
	}
	return h, off, nil
}
