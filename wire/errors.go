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

import "errors"

// Packet-layer rejection causes. All of these are local and silent per the
// error-handling design: a caller sees them only through statistics, never
// as a delivered packet.
var (
	// ErrMalformed covers every structural rejection: bad magic, nonzero
	// reserved byte, length inconsistency, invalid header-block form, or an
	// inconsistent flag set for an identifier. An unknown version is
	// reported as ErrUnsupportedVersion instead.
	ErrMalformed = errors.New("wire: malformed datagram")

	// ErrAuthFailed covers HMAC/AEAD tag mismatch and aggregate-tag
	// verification failure.
	ErrAuthFailed = errors.New("wire: authentication failed")

	// ErrReplay is returned for a duplicate (identifier, timestamp,
	// sequence, kind) seen within the replay window.
	ErrReplay = errors.New("wire: replay detected")

	// ErrStale is returned when a long-identifier datagram's timestamp is
	// further than the allowed skew from the receiver's wall clock.
	ErrStale = errors.New("wire: timestamp skew exceeds tolerance")

	// ErrUnsupportedVersion is returned for a (magic-valid) datagram whose
	// version this codec does not implement.
	ErrUnsupportedVersion = errors.New("wire: unsupported version")

	// ErrProtocolViolation is returned when an illegal flag combination is
	// requested at encode time (e.g. encrypt + aggregate-tag).
	ErrProtocolViolation = errors.New("wire: protocol violation")
)
