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

package headerblock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		headers []Header
	}{
		{
			name:    "Empty",
			headers: nil,
		},
		{
			name: "AllStatic",
			headers: []Header{
				{Name: "content-type", Value: "application/json"},
				{Name: "content-length", Value: "42"},
				{Name: "etag", Value: `"abc123"`},
			},
		},
		{
			name: "LiteralOnly",
			headers: []Header{
				{Name: "x-request-id", Value: "9f1c"},
				{Name: "x-trace", Value: ""},
			},
		},
		{
			name: "MixedStaticAndLiteral",
			headers: []Header{
				{Name: "content-type", Value: "text/plain"},
				{Name: "x-custom", Value: "value"},
				{Name: "location", Value: "/redirected"},
			},
		},
		{
			name: "DuplicateNamesPreserved",
			headers: []Header{
				{Name: "set-cookie", Value: "a=1"},
				{Name: "set-cookie", Value: "b=2"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := Encode(tt.headers)
			got, err := Decode(encoded)
			require.NoError(t, err)
			if len(tt.headers) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.headers, got)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		// id=1 (content-type) with no varint16 length bytes following.
		{name: "TruncatedLength", buf: []byte{0x01}},
		// id=1, claimed value length 5, but only 2 bytes remain.
		{name: "LengthExceedsBuffer", buf: []byte{0x01, 0x00, 0x05, 'a', 'b'}},
		{name: "UnknownStaticID", buf: []byte{0xFE, 0x00, 0x01, 'a'}},
		// literal marker, claimed name length 5, but only 2 bytes remain.
		{name: "LiteralNameTruncated", buf: []byte{literalMarker, 0x05, 'a', 'b'}},
		// one valid static header, then a dangling id byte with nothing after it.
		{name: "DanglingTrailingHeader", buf: []byte{0x01, 0x00, 0x01, 'a', 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.buf)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestEncodeUsesStaticTableWhenAvailable(t *testing.T) {
	encoded := Encode([]Header{{Name: "content-type", Value: "x"}})
	require.NotEmpty(t, encoded)
	assert.NotEqual(t, byte(literalMarker), encoded[0], "known names must not fall back to the literal form")
}
