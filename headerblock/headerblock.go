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

// Package headerblock encodes and decodes HTTP header sets into the
// compact on-wire form AKARI-UDP tunnels inside request and response
// datagrams: a static name table for the common header names, plus a
// varint16-length-prefixed literal form for everything else.
package headerblock

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrMalformed is returned for any structurally invalid header-block
// buffer: a truncated length, a literal name referencing an ID outside
// the static table, or a buffer that ends mid-field.
var ErrMalformed = errors.New("headerblock: malformed buffer")

// staticNames is the fixed name table. IDs are assigned by position and
// must never be reordered or reused once shipped: encoders and decoders
// on different versions would silently disagree.
var staticNames = []string{
	"content-type",
	"content-length",
	"cache-control",
	"etag",
	"last-modified",
	"date",
	"server",
	"content-encoding",
	"accept-ranges",
	"set-cookie",
	"location",
}

// nameToID maps a static-table name to its wire ID. IDs are 1-based: 0 is
// reserved for the literal marker, so staticNames[i] carries wire ID i+1.
var nameToID = func() map[string]byte {
	m := make(map[string]byte, len(staticNames))
	for i, n := range staticNames {
		m[n] = byte(i + 1)
	}
	return m
}()

const literalMarker = 0

// Header is one name/value pair. Name comparisons against the static
// table are case-sensitive; callers are expected to lower-case header
// names before encoding, matching net/http's canonical form handling
// upstream of this package.
type Header struct {
	Name  string
	Value string
}

// Encode renders headers into the compact wire form: each entry is either
// `[id:1][len:varint16][value]` with id in the static table, or
// `[0][name_len:1][name][len:varint16][value]` for names outside it.
func Encode(headers []Header) []byte {
	out := make([]byte, 0, 16*len(headers))
	for _, h := range headers {
		if id, ok := nameToID[h.Name]; ok {
			out = append(out, id)
		} else {
			out = append(out, literalMarker)
			name := []byte(h.Name)
			out = append(out, byte(len(name)))
			out = append(out, name...)
		}
		out = appendVarint16(out, []byte(h.Value))
	}
	return out
}

// Decode parses a header-block buffer produced by Encode. It returns
// ErrMalformed on any truncated field or unknown static ID.
func Decode(buf []byte) ([]Header, error) {
	var out []Header
	for len(buf) > 0 {
		id := buf[0]
		buf = buf[1:]

		var name string
		if id == literalMarker {
			if len(buf) < 1 {
				return nil, ErrMalformed
			}
			nameLen := int(buf[0])
			buf = buf[1:]
			if len(buf) < nameLen {
				return nil, ErrMalformed
			}
			name = string(buf[:nameLen])
			buf = buf[nameLen:]
		} else {
			if int(id) > len(staticNames) {
				return nil, ErrMalformed
			}
			name = staticNames[id-1]
		}

		v, rest, err := readVarint16(buf)
		if err != nil {
			return nil, err
		}
		buf = rest

		out = append(out, Header{Name: name, Value: string(v)})
	}
	return out, nil
}

func appendVarint16(out []byte, b []byte) []byte {
	var lb [2]byte
	binary.BigEndian.PutUint16(lb[:], uint16(len(b)))
	out = append(out, lb[:]...)
	return append(out, b...)
}

func readVarint16(b []byte) ([]byte, []byte, error) {
	if len(b) < 2 {
		return nil, nil, ErrMalformed
	}
	n := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b) < 2+n {
		return nil, nil, ErrMalformed
	}
	return b[2 : 2+n], b[2+n:], nil
}
