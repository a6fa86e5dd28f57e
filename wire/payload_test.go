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

func TestAckPayloadRoundTrip(t *testing.T) {
	tests := []AckPayload{
		{FirstLost: 0},
		{FirstLost: 42},
		{FirstLost: FirstLostNone},
	}
	for _, tt := range tests {
		encoded := EncodeAck(tt)
		assert.Len(t, encoded, 2)
		got, err := DecodeAck(encoded)
		require.NoError(t, err)
		assert.Equal(t, tt, got)
	}
}

func TestDecodeAckRejectsTruncatedPayload(t *testing.T) {
	_, err := DecodeAck([]byte{0x01})
	assert.ErrorIs(t, err, ErrMalformed)
}
