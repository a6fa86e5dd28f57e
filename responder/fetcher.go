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

// Package responder implements the HTTP-serving side of AKARI-UDP:
// AkariServer accepts Req datagrams, invokes a caller-supplied Fetcher,
// chunks the result back onto the wire, and serves retransmits from a
// per-identifier cache until it expires.
package responder

import "github.com/akariudp/akari/headerblock"

// FetcherErrorKind classifies why a Fetcher call failed, driving the
// wire error-code mapping in errors.go.
type FetcherErrorKind int

const (
	FetcherErrInvalidURL FetcherErrorKind = iota
	FetcherErrBodyTooLarge
	FetcherErrUpstreamTimeout
	FetcherErrUpstreamFailure
)

// FetcherError is the typed failure a Fetcher returns; Message is sent to
// the Initiator as the Error datagram's reason text.
type FetcherError struct {
	Kind    FetcherErrorKind
	Message string
}

func (e *FetcherError) Error() string {
	return e.Message
}

// FetchResult is the successful outcome of a Fetcher call.
type FetchResult struct {
	StatusCode uint16
	Headers    []headerblock.Header
	Body       []byte
}

// Fetcher is the single capability the Responder depends on: given a
// decoded request, produce the upstream response. Implementations
// typically wrap an *http.Client.
type Fetcher interface {
	Fetch(method, url string, headers []headerblock.Header) (*FetchResult, error)
}

// FetcherFunc adapts a plain function to the Fetcher interface.
type FetcherFunc func(method, url string, headers []headerblock.Header) (*FetchResult, error)

func (f FetcherFunc) Fetch(method, url string, headers []headerblock.Header) (*FetchResult, error) {
	return f(method, url, headers)
}
