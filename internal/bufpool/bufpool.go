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

// Package bufpool pools the byte buffers used to encode and decode
// datagrams, avoiding an allocation on every wire-codec call.
package bufpool

import "github.com/valyala/bytebufferpool"

// Acquire returns a zero-length buffer from the pool.
func Acquire() *bytebufferpool.ByteBuffer {
	return bytebufferpool.Get()
}

// Release returns a buffer to the pool. The buffer must not be used again
// by the caller afterwards.
func Release(b *bytebufferpool.ByteBuffer) {
	bytebufferpool.Put(b)
}
