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

// This file defines the payload layout carried inside the already-decoded
// Packet.Payload for each Kind. The fixed header never encodes these
// fields; they live entirely inside the authenticated payload bytes.

// ReqPayload is carried by a KindReq datagram: the request line and
// header block, followed by any request body bytes.
type ReqPayload struct {
	Method      string
	Path        string
	HeaderBlock []byte
	Body        []byte
}

// EncodeReq renders a ReqPayload. Method and Path are encoded as
// varint16-length-prefixed strings ahead of the pre-built header-block and
// raw body bytes. The whole payload travels in one KindReq datagram;
// nothing in this module splits a request across several.
func EncodeReq(p ReqPayload) []byte {
	out := make([]byte, 0, 4+len(p.Method)+len(p.Path)+len(p.HeaderBlock)+len(p.Body))
	out = appendVarint16String(out, p.Method)
	out = appendVarint16String(out, p.Path)
	out = appendVarint16Bytes(out, p.HeaderBlock)
	out = append(out, p.Body...)
	return out
}

// DecodeReq parses the payload of a KindReq datagram. Any bytes following
// the header block are treated as request body bytes.
func DecodeReq(payload []byte) (ReqPayload, error) {
	method, rest, err := readVarint16String(payload)
	if err != nil {
		return ReqPayload{}, err
	}
	path, rest, err := readVarint16String(rest)
	if err != nil {
		return ReqPayload{}, err
	}
	hb, rest, err := readVarint16Bytes(rest)
	if err != nil {
		return ReqPayload{}, err
	}
	return ReqPayload{Method: method, Path: path, HeaderBlock: hb, Body: rest}, nil
}

// RespHeadFirst is the payload of the first datagram in the RespHead
// series (Sequence 0): it carries the status line and the body
// reconstruction parameters the assembler needs before any RespBody
// datagram arrives, plus as much of the header-block as fits this
// chunk's MTU budget.
type RespHeadFirst struct {
	StatusCode  uint16
	BodyLen     uint32 // total logical body length in bytes
	ChunkLen    uint16 // uniform per-chunk length used when emitting, for parity padding
	BodyChunks  uint16 // number of real RespBody datagrams, excluding any parity chunk
	Parity      bool
	HeaderBlock []byte
}

func EncodeRespHeadFirst(p RespHeadFirst) []byte {
	out := make([]byte, 0, 11+len(p.HeaderBlock))
	var sc, cl, bc [2]byte
	binary.BigEndian.PutUint16(sc[:], p.StatusCode)
	var bl [4]byte
	binary.BigEndian.PutUint32(bl[:], p.BodyLen)
	binary.BigEndian.PutUint16(cl[:], p.ChunkLen)
	binary.BigEndian.PutUint16(bc[:], p.BodyChunks)
	out = append(out, sc[:]...)
	out = append(out, bl[:]...)
	out = append(out, cl[:]...)
	out = append(out, bc[:]...)
	if p.Parity {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = append(out, p.HeaderBlock...)
	return out
}

func DecodeRespHeadFirst(payload []byte) (RespHeadFirst, error) {
	if len(payload) < 11 {
		return RespHeadFirst{}, ErrMalformed
	}
	return RespHeadFirst{
		StatusCode:  binary.BigEndian.Uint16(payload[0:2]),
		BodyLen:     binary.BigEndian.Uint32(payload[2:6]),
		ChunkLen:    binary.BigEndian.Uint16(payload[6:8]),
		BodyChunks:  binary.BigEndian.Uint16(payload[8:10]),
		Parity:      payload[10] != 0,
		HeaderBlock: payload[11:],
	}, nil
}

// RespHeadCont is the payload of every KindRespHeadCont continuation
// datagram: pure header-block overflow, no repeated status or body
// parameters.
type RespHeadCont struct {
	HeaderBlock []byte
}

func EncodeRespHeadCont(p RespHeadCont) []byte {
	return append([]byte(nil), p.HeaderBlock...)
}

func DecodeRespHeadCont(payload []byte) RespHeadCont {
	return RespHeadCont{HeaderBlock: payload}
}

// NackPayload is carried by KindNackHead and KindNackBody: a bitmap over
// the sequence range [Base, Base+len(Bitmap)*8) where a set bit requests
// retransmission of that sequence number.
type NackPayload struct {
	Base   uint16
	Bitmap []byte
}

func EncodeNack(p NackPayload) []byte {
	out := make([]byte, 0, 2+len(p.Bitmap))
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], p.Base)
	out = append(out, b[:]...)
	out = append(out, p.Bitmap...)
	return out
}

func DecodeNack(payload []byte) (NackPayload, error) {
	if len(payload) < 3 {
		return NackPayload{}, ErrMalformed
	}
	return NackPayload{
		Base:   binary.BigEndian.Uint16(payload[0:2]),
		Bitmap: payload[2:],
	}, nil
}

// AckPayload is carried by KindAck: a first-lost ACK naming the smallest
// sequence the sender has not yet seen, or FirstLostNone if it has
// everything so far.
type AckPayload struct {
	FirstLost uint16
}

// FirstLostNone is the FirstLost sentinel meaning "all received".
const FirstLostNone uint16 = 0xFFFF

func EncodeAck(p AckPayload) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], p.FirstLost)
	return b[:]
}

func DecodeAck(payload []byte) (AckPayload, error) {
	if len(payload) < 2 {
		return AckPayload{}, ErrMalformed
	}
	return AckPayload{FirstLost: binary.BigEndian.Uint16(payload[0:2])}, nil
}

// ErrorPayload is carried by KindError: a protocol-level status code (not
// an HTTP status) and a short human-readable reason.
type ErrorPayload struct {
	Code   uint16
	Reason string
}

func EncodeError(p ErrorPayload) []byte {
	out := make([]byte, 0, 2+len(p.Reason))
	var c [2]byte
	binary.BigEndian.PutUint16(c[:], p.Code)
	out = append(out, c[:]...)
	out = append(out, p.Reason...)
	return out
}

func DecodeError(payload []byte) (ErrorPayload, error) {
	if len(payload) < 2 {
		return ErrorPayload{}, ErrMalformed
	}
	return ErrorPayload{
		Code:   binary.BigEndian.Uint16(payload[0:2]),
		Reason: string(payload[2:]),
	}, nil
}

func appendVarint16String(out []byte, s string) []byte {
	return appendVarint16Bytes(out, []byte(s))
}

func appendVarint16Bytes(out []byte, b []byte) []byte {
	var lb [2]byte
	binary.BigEndian.PutUint16(lb[:], uint16(len(b)))
	out = append(out, lb[:]...)
	return append(out, b...)
}

func readVarint16String(b []byte) (string, []byte, error) {
	raw, rest, err := readVarint16Bytes(b)
	if err != nil {
		return "", nil, err
	}
	return string(raw), rest, nil
}

func readVarint16Bytes(b []byte) ([]byte, []byte, error) {
	if len(b) < 2 {
		return nil, nil, ErrMalformed
	}
	n := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b) < 2+n {
		return nil, nil, ErrMalformed
	}
	return b[2 : 2+n], b[2+n:], nil
}
