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

package responder

import "github.com/akariudp/akari/wire"

// Wire error-code taxonomy, per the Error datagram's error_code field.
// Aliased from wire so both this package and initiator agree on the
// values without importing each other.
const (
	ErrorCodeInvalidURL         = wire.ErrorCodeInvalidURL
	ErrorCodeBodyTooLarge       = wire.ErrorCodeBodyTooLarge
	ErrorCodeUpstreamTimeout    = wire.ErrorCodeUpstreamTimeout
	ErrorCodeUpstreamFailure    = wire.ErrorCodeUpstreamFailure
	ErrorCodeUnencryptedRefused = wire.ErrorCodeUnencryptedRefused
	ErrorCodeUnsupportedVersion = wire.ErrorCodeUnsupportedVersion
	ErrorCodeInternal           = wire.ErrorCodeInternal
)

func fetcherErrorCode(kind FetcherErrorKind) uint16 {
	switch kind {
	case FetcherErrInvalidURL:
		return ErrorCodeInvalidURL
	case FetcherErrBodyTooLarge:
		return ErrorCodeBodyTooLarge
	case FetcherErrUpstreamTimeout:
		return ErrorCodeUpstreamTimeout
	default:
		return ErrorCodeUpstreamFailure
	}
}

func errorPayload(code uint16, reason string) []byte {
	return wire.EncodeError(wire.ErrorPayload{
		Code:   code,
		Reason: reason,
	})
}
