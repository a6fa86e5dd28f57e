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

package initiator

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akariudp/akari/chunk"
	"github.com/akariudp/akari/headerblock"
	"github.com/akariudp/akari/wire"
)

const testPSK = "a fixed test pre-shared key!!!!"

// fakeResponder answers every KindReq datagram it receives on conn with a
// pre-built chunk.Plan for the given response, standing in for a full
// responder engine so the initiator's receive loop and gap policy can be
// exercised end to end over a real loopback socket.
func fakeResponder(t *testing.T, conn *net.UDPConn, resp chunk.Response, opts chunk.Options) {
	t.Helper()
	codec := wire.NewCodec([]byte(testPSK), nil)

	go func() {
		buf := make([]byte, 65535)
		for {
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			pkt, err := codec.Decode(buf[:n])
			if err != nil {
				continue
			}
			switch pkt.Header.Kind {
			case wire.KindReq:
				plan, err := chunk.Build(codec, pkt.Header.Version, pkt.Header.Flags, pkt.Header.Identifier, resp, opts)
				if err != nil {
					continue
				}
				for _, d := range plan.Datagrams {
					conn.WriteToUDP(d, raddr)
				}
			case wire.KindNackHead, wire.KindNackBody:
				// A real responder would re-emit from its cache; the happy
				// path tests below never trigger a NACK round.
			}
		}
	}()
}

// lossyResponder behaves like fakeResponder but drops every datagram whose
// sequence is in drop on the first emission of each identifier's plan, and
// honours NackHead/NackBody by re-emitting exactly the requested sequences
// from its retained plan — standing in for the Responder's cache-backed
// retransmit path (spec.md scenarios S2/S3) without pulling in the full
// responder package.
func lossyResponder(t *testing.T, conn *net.UDPConn, resp chunk.Response, opts chunk.Options, dropHead, dropBody map[uint16]bool) {
	t.Helper()
	codec := wire.NewCodec([]byte(testPSK), nil)

	go func() {
		plans := map[uint64]*chunk.Plan{}
		sentOnce := map[uint64]bool{}
		buf := make([]byte, 65535)
		for {
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			pkt, err := codec.Decode(buf[:n])
			if err != nil {
				continue
			}
			switch pkt.Header.Kind {
			case wire.KindReq:
				plan, ok := plans[pkt.Header.Identifier]
				if !ok {
					built, err := chunk.Build(codec, pkt.Header.Version, pkt.Header.Flags, pkt.Header.Identifier, resp, opts)
					if err != nil {
						continue
					}
					plan = built
					plans[pkt.Header.Identifier] = plan
				}
				first := !sentOnce[pkt.Header.Identifier]
				sentOnce[pkt.Header.Identifier] = true
				for _, d := range plan.Datagrams {
					hdr, derr := codec.Decode(d)
					if derr != nil {
						continue
					}
					if first {
						if hdr.Header.Kind == wire.KindRespHead && dropHead[hdr.Header.Sequence] {
							continue
						}
						if hdr.Header.Kind == wire.KindRespBody && dropBody[hdr.Header.Sequence] {
							continue
						}
					}
					conn.WriteToUDP(d, raddr)
				}
			case wire.KindNackHead, wire.KindNackBody:
				plan, ok := plans[pkt.Header.Identifier]
				if !ok {
					continue
				}
				nack, nerr := wire.DecodeNack(pkt.Payload)
				if nerr != nil {
					continue
				}
				wantKind := wire.KindRespHead
				if pkt.Header.Kind == wire.KindNackBody {
					wantKind = wire.KindRespBody
				}
				for _, d := range plan.Datagrams {
					hdr, derr := codec.Decode(d)
					if derr != nil || hdr.Header.Kind != wantKind {
						continue
					}
					if hdr.Header.Sequence < nack.Base {
						continue
					}
					bit := hdr.Header.Sequence - nack.Base
					if int(bit/8) >= len(nack.Bitmap) {
						continue
					}
					if nack.Bitmap[bit/8]&(1<<(bit%8)) == 0 {
						continue
					}
					conn.WriteToUDP(d, raddr)
				}
			}
		}
	}()
}

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	return conn
}

func TestFetchCompletesOverLoopback(t *testing.T) {
	server := listenLoopback(t)
	defer server.Close()

	resp := chunk.Response{
		StatusCode: 200,
		Headers:    []headerblock.Header{{Name: "content-type", Value: "text/plain"}},
		Body:       bytes.Repeat([]byte("x"), 3000),
	}
	fakeResponder(t, server, resp, chunk.DefaultOptions())

	addr := server.LocalAddr().(*net.UDPAddr)
	client, err := NewClient("127.0.0.1", addr.Port, []byte(testPSK), 0)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	got, err := client.Fetch(ctx, "GET", "/file", nil, DefaultPerRequestConfig())
	require.NoError(t, err)
	assert.Equal(t, uint16(200), got.StatusCode)
	assert.Equal(t, resp.Body, got.Body)
	assert.NotZero(t, got.Stats.BytesSent)
	assert.NotZero(t, got.Stats.BytesReceived)
}

func TestFetchWithAggregateTagOverLoopback(t *testing.T) {
	server := listenLoopback(t)
	defer server.Close()

	resp := chunk.Response{StatusCode: 201, Body: bytes.Repeat([]byte("y"), 500)}
	fakeResponder(t, server, resp, chunk.Options{MTU: 200, HeadDuplication: 1, BodyDuplication: 1})

	addr := server.LocalAddr().(*net.UDPAddr)
	client, err := NewClient("127.0.0.1", addr.Port, []byte(testPSK), 0)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	cfg := DefaultPerRequestConfig()
	cfg.AggregateTag = true
	got, err := client.Fetch(ctx, "GET", "/tagged", nil, cfg)
	require.NoError(t, err)
	assert.Equal(t, uint16(201), got.StatusCode)
	assert.Equal(t, resp.Body, got.Body)
}

// TestFetchRecoversFromDroppedBodyChunkViaNack is spec.md scenario S2: a
// two-chunk body loses its second chunk on first emission; the client must
// NackBody for it and complete with the original bytes intact.
func TestFetchRecoversFromDroppedBodyChunkViaNack(t *testing.T) {
	server := listenLoopback(t)
	defer server.Close()

	resp := chunk.Response{StatusCode: 200, Body: bytes.Repeat([]byte("A"), 2000)}
	opts := chunk.Options{MTU: 1040, HeadDuplication: 1, BodyDuplication: 1}
	lossyResponder(t, server, resp, opts, nil, map[uint16]bool{1: true})

	addr := server.LocalAddr().(*net.UDPAddr)
	client, err := NewClient("127.0.0.1", addr.Port, []byte(testPSK), 0)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	cfg := DefaultPerRequestConfig()
	got, err := client.Fetch(ctx, "GET", "/two-chunk", nil, cfg)
	require.NoError(t, err)
	assert.Equal(t, resp.Body, got.Body)
	assert.Equal(t, uint64(1), got.Stats.NacksSent)
}

// TestFetchRetriesRequestWhenHeadLost is spec.md scenario S3: the first
// RespHead never arrives, so the client must re-send Req once and complete
// on the retry.
func TestFetchRetriesRequestWhenHeadLost(t *testing.T) {
	server := listenLoopback(t)
	defer server.Close()

	resp := chunk.Response{StatusCode: 200, Body: []byte("recovered")}
	opts := chunk.Options{MTU: 512, HeadDuplication: 1, BodyDuplication: 1}
	lossyResponder(t, server, resp, opts, map[uint16]bool{0: true}, nil)

	addr := server.LocalAddr().(*net.UDPAddr)
	client, err := NewClient("127.0.0.1", addr.Port, []byte(testPSK), 0)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	cfg := DefaultPerRequestConfig()
	cfg.InitialRequestInterval = 100 * time.Millisecond
	cfg.SocketTimeout = 20 * time.Millisecond

	got, err := client.Fetch(ctx, "GET", "/head-lost", nil, cfg)
	require.NoError(t, err)
	assert.Equal(t, resp.Body, got.Body)
	assert.Equal(t, uint64(1), got.Stats.RequestRetries)
}

func TestFetchTimesOutWhenPeerSilent(t *testing.T) {
	server := listenLoopback(t)
	defer server.Close()
	// No responder goroutine: every Req is dropped.

	addr := server.LocalAddr().(*net.UDPAddr)
	client, err := NewClient("127.0.0.1", addr.Port, []byte(testPSK), 0)
	require.NoError(t, err)
	defer client.Close()

	cfg := DefaultPerRequestConfig()
	cfg.Timeout = 500 * time.Millisecond
	cfg.InitialRequestInterval = 50 * time.Millisecond
	cfg.SocketTimeout = 20 * time.Millisecond

	_, err = client.Fetch(context.Background(), "GET", "/missing", nil, cfg)
	require.Error(t, err)
	failure, ok := err.(*Failure)
	require.True(t, ok)
	assert.Equal(t, FailureTimeout, failure.Kind)
}

// TestFetchRejectsIllegalEncryptPlusAggregateTag is spec.md property S6:
// encrypt and aggregate-tag are mutually exclusive flags, and a client
// configured with both must fail fast with FailureProtocolViolation
// without ever writing a datagram to the wire.
func TestFetchRejectsIllegalEncryptPlusAggregateTag(t *testing.T) {
	server := listenLoopback(t)
	defer server.Close()
	// No responder goroutine: the call must fail before any datagram is sent.

	addr := server.LocalAddr().(*net.UDPAddr)
	client, err := NewClient("127.0.0.1", addr.Port, []byte(testPSK), wire.FlagEncrypt)
	require.NoError(t, err)
	defer client.Close()

	cfg := DefaultPerRequestConfig()
	cfg.AggregateTag = true

	_, err = client.Fetch(context.Background(), "GET", "/illegal", nil, cfg)
	require.Error(t, err)
	failure, ok := err.(*Failure)
	require.True(t, ok)
	assert.Equal(t, FailureProtocolViolation, failure.Kind)
}

// TestFetchWaitsForFirstGapTimeoutBeforeNacking is spec.md §4.4: the
// client must let the first-gap sequence dwell unchanged for
// FirstGapTimeout before emitting a NACK, rather than NACKing on the very
// first incomplete read.
func TestFetchWaitsForFirstGapTimeoutBeforeNacking(t *testing.T) {
	server := listenLoopback(t)
	defer server.Close()

	resp := chunk.Response{StatusCode: 200, Body: bytes.Repeat([]byte("A"), 2000)}
	opts := chunk.Options{MTU: 1000, HeadDuplication: 1, BodyDuplication: 1}
	lossyResponder(t, server, resp, opts, nil, map[uint16]bool{1: true})

	addr := server.LocalAddr().(*net.UDPAddr)
	client, err := NewClient("127.0.0.1", addr.Port, []byte(testPSK), 0)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	cfg := DefaultPerRequestConfig()
	cfg.FirstGapTimeout = 250 * time.Millisecond
	cfg.SocketTimeout = 20 * time.Millisecond

	start := time.Now()
	got, err := client.Fetch(ctx, "GET", "/dwell", nil, cfg)
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, resp.Body, got.Body)
	assert.Equal(t, uint64(1), got.Stats.NacksSent)
	assert.GreaterOrEqual(t, elapsed, cfg.FirstGapTimeout)
}

func TestClientPoolRoundRobinsAcrossClients(t *testing.T) {
	server := listenLoopback(t)
	defer server.Close()

	resp := chunk.Response{StatusCode: 200, Body: []byte("ok")}
	fakeResponder(t, server, resp, chunk.Options{MTU: 512, HeadDuplication: 1, BodyDuplication: 1})

	addr := server.LocalAddr().(*net.UDPAddr)
	pool, err := NewClientPool(3, "127.0.0.1", addr.Port, []byte(testPSK), 0)
	require.NoError(t, err)
	defer pool.Close()
	assert.Equal(t, 3, pool.Size())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for i := 0; i < 6; i++ {
		got, err := pool.Fetch(ctx, "GET", "/pooled", nil, DefaultPerRequestConfig())
		require.NoError(t, err)
		assert.Equal(t, resp.Body, got.Body)
	}
}
