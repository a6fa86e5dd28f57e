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

package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akariudp/akari/wire"
)

func TestCacheRejectsExactDuplicate(t *testing.T) {
	c := NewCache(30 * time.Second)
	defer c.Close()

	require.NoError(t, c.Check(1, 100, 0, wire.KindReq))
	assert.ErrorIs(t, c.Check(1, 100, 0, wire.KindReq), wire.ErrReplay)
}

func TestCacheDistinguishesFields(t *testing.T) {
	c := NewCache(30 * time.Second)
	defer c.Close()

	require.NoError(t, c.Check(1, 100, 0, wire.KindReq))
	assert.NoError(t, c.Check(2, 100, 0, wire.KindReq), "different identifier")
	assert.NoError(t, c.Check(1, 101, 0, wire.KindReq), "different timestamp")
	assert.NoError(t, c.Check(1, 100, 1, wire.KindReq), "different sequence")
	assert.NoError(t, c.Check(1, 100, 0, wire.KindAck), "different kind")
}

func TestCacheExpiresEntries(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	defer c.Close()
	now := time.Now()
	c.Now = func() time.Time { return now }

	require.NoError(t, c.Check(1, 100, 0, wire.KindReq))
	assert.ErrorIs(t, c.Check(1, 100, 0, wire.KindReq), wire.ErrReplay)

	now = now.Add(20 * time.Millisecond)
	assert.NoError(t, c.Check(1, 100, 0, wire.KindReq), "entry should have expired")
}

func TestCacheCount(t *testing.T) {
	c := NewCache(30 * time.Second)
	defer c.Close()

	assert.Equal(t, 0, c.Count())
	require.NoError(t, c.Check(1, 100, 0, wire.KindReq))
	require.NoError(t, c.Check(2, 100, 0, wire.KindReq))
	assert.Equal(t, 2, c.Count())
}
