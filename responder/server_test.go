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

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akariudp/akari/headerblock"
	"github.com/akariudp/akari/initiator"
	"github.com/akariudp/akari/wire"
)

const serverTestPSK = "a fixed test pre-shared key!!!!"

func startServer(t *testing.T, fetcher Fetcher, policy Policy) (*AkariServer, func()) {
	t.Helper()
	srv, err := NewServer("127.0.0.1", 0, []byte(serverTestPSK), fetcher, policy)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()

	return srv, func() {
		cancel()
		<-done
		srv.Close()
	}
}

func TestHappyPathSmallBody(t *testing.T) {
	fetcher := FetcherFunc(func(method, url string, headers []headerblock.Header) (*FetchResult, error) {
		return &FetchResult{StatusCode: 200, Body: []byte("hello")}, nil
	})
	srv, stop := startServer(t, fetcher, DefaultPolicy())
	defer stop()

	addr := srv.LocalAddr().(*net.UDPAddr)
	client, err := initiator.NewClient("127.0.0.1", addr.Port, []byte(serverTestPSK), 0)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	got, err := client.Fetch(ctx, "GET", "/hello", nil, initiator.DefaultPerRequestConfig())
	require.NoError(t, err)
	assert.Equal(t, uint16(200), got.StatusCode)
	assert.Equal(t, []byte("hello"), got.Body)
	assert.Zero(t, got.Stats.NacksSent)
	assert.Zero(t, got.Stats.RequestRetries)
}

func TestRequireEncryptionRejectsPlaintextReq(t *testing.T) {
	fetcher := FetcherFunc(func(method, url string, headers []headerblock.Header) (*FetchResult, error) {
		t.Fatal("fetcher should never be invoked for a rejected request")
		return nil, nil
	})
	policy := DefaultPolicy()
	policy.RequireEncryption = true
	srv, stop := startServer(t, fetcher, policy)
	defer stop()

	addr := srv.LocalAddr().(*net.UDPAddr)
	client, err := initiator.NewClient("127.0.0.1", addr.Port, []byte(serverTestPSK), 0)
	require.NoError(t, err)
	defer client.Close()

	cfg := initiator.DefaultPerRequestConfig()
	cfg.Timeout = time.Second

	_, err = client.Fetch(context.Background(), "GET", "/hello", nil, cfg)
	require.Error(t, err)
	failure, ok := err.(*initiator.Failure)
	require.True(t, ok)
	assert.Equal(t, initiator.FailurePeerError, failure.Kind)
	assert.Equal(t, ErrorCodeUnencryptedRefused, failure.PeerErrorCode)
}

func TestBodyTooLargeYieldsPeerError(t *testing.T) {
	fetcher := FetcherFunc(func(method, url string, headers []headerblock.Header) (*FetchResult, error) {
		return &FetchResult{StatusCode: 200, Body: make([]byte, 1024)}, nil
	})
	policy := DefaultPolicy()
	policy.MaxBodyBytes = 10
	srv, stop := startServer(t, fetcher, policy)
	defer stop()

	addr := srv.LocalAddr().(*net.UDPAddr)
	client, err := initiator.NewClient("127.0.0.1", addr.Port, []byte(serverTestPSK), 0)
	require.NoError(t, err)
	defer client.Close()

	cfg := initiator.DefaultPerRequestConfig()
	cfg.Timeout = time.Second

	_, err = client.Fetch(context.Background(), "GET", "/big", nil, cfg)
	require.Error(t, err)
	failure := err.(*initiator.Failure)
	assert.Equal(t, ErrorCodeBodyTooLarge, failure.PeerErrorCode)
}

func TestUpstreamFailureMapsToUpstreamFailureCode(t *testing.T) {
	fetcher := FetcherFunc(func(method, url string, headers []headerblock.Header) (*FetchResult, error) {
		return nil, &FetcherError{Kind: FetcherErrUpstreamFailure, Message: "connection refused"}
	})
	srv, stop := startServer(t, fetcher, DefaultPolicy())
	defer stop()

	addr := srv.LocalAddr().(*net.UDPAddr)
	client, err := initiator.NewClient("127.0.0.1", addr.Port, []byte(serverTestPSK), 0)
	require.NoError(t, err)
	defer client.Close()

	cfg := initiator.DefaultPerRequestConfig()
	cfg.Timeout = time.Second
	_, err = client.Fetch(context.Background(), "GET", "/down", nil, cfg)
	require.Error(t, err)
	failure := err.(*initiator.Failure)
	assert.Equal(t, ErrorCodeUpstreamFailure, failure.PeerErrorCode)
}

func TestDuplicateReqReemitsHeadWithoutRefetch(t *testing.T) {
	calls := 0
	fetcher := FetcherFunc(func(method, url string, headers []headerblock.Header) (*FetchResult, error) {
		calls++
		return &FetchResult{StatusCode: 200, Body: []byte("cached")}, nil
	})
	srv, stop := startServer(t, fetcher, DefaultPolicy())
	defer stop()

	codec := wire.NewCodec([]byte(serverTestPSK), nil)
	conn, err := net.DialUDP("udp", nil, srv.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()

	sendReq := func(identifier uint64) {
		raw, err := codec.Encode(wire.EncodeInput{
			Version: wire.VersionCurrent, Kind: wire.KindReq, Identifier: identifier, SeqTotal: 1,
			Payload: wire.EncodeReq(wire.ReqPayload{Method: "GET", Path: "/x"}),
		})
		require.NoError(t, err)
		_, err = conn.Write(raw)
		require.NoError(t, err)
	}

	sendReq(42)
	time.Sleep(200 * time.Millisecond)
	sendReq(42)
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 1, calls)
}

// TestHandleAckAcceptsTwoByteFirstLostPayload drives handleAck with the
// spec-conformant 2-byte Ack payload (a bare FirstLost field, not a NACK
// bitmap) and checks the named body chunk is re-emitted.
func TestHandleAckAcceptsTwoByteFirstLostPayload(t *testing.T) {
	fetcher := FetcherFunc(func(method, url string, headers []headerblock.Header) (*FetchResult, error) {
		return &FetchResult{StatusCode: 200, Body: []byte("chunk-zero|chunk-one")}, nil
	})
	policy := DefaultPolicy()
	policy.MTUBudget = 54
	srv, stop := startServer(t, fetcher, policy)
	defer stop()

	codec := wire.NewCodec([]byte(serverTestPSK), nil)
	conn, err := net.DialUDP("udp", nil, srv.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()

	const identifier = uint64(7)
	raw, err := codec.Encode(wire.EncodeInput{
		Version: wire.VersionCurrent, Kind: wire.KindReq, Identifier: identifier, SeqTotal: 1,
		Payload: wire.EncodeReq(wire.ReqPayload{Method: "GET", Path: "/ack"}),
	})
	require.NoError(t, err)
	_, err = conn.Write(raw)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return srv.cache.size() > 0
	}, time.Second, 10*time.Millisecond)

	entry, ok := srv.cache.get(identifier)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		plan, _, _ := entry.snapshot()
		return plan != nil && len(plan.BodyBySequence) >= 2
	}, time.Second, 10*time.Millisecond)

	drainInitial(t, conn)

	ackRaw, err := codec.Encode(wire.EncodeInput{
		Version: wire.VersionCurrent, Kind: wire.KindAck, Identifier: identifier, SeqTotal: 1,
		Payload: wire.EncodeAck(wire.AckPayload{FirstLost: 1}),
	})
	require.NoError(t, err)
	_, err = conn.Write(ackRaw)
	require.NoError(t, err)

	sawSeqOne := false
	for {
		conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		buf := make([]byte, 65535)
		n, err := conn.Read(buf)
		if err != nil {
			break
		}
		pkt, err := codec.Decode(buf[:n])
		require.NoError(t, err)
		assert.Equal(t, wire.KindRespBody, pkt.Header.Kind)
		assert.GreaterOrEqual(t, pkt.Header.Sequence, uint16(1))
		if pkt.Header.Sequence == 1 {
			sawSeqOne = true
		}
	}
	assert.True(t, sawSeqOne, "expected the body chunk named by FirstLost to be re-emitted")
}

// drainInitial consumes every datagram the server has already queued up so
// a later read only sees the retransmit driven by the test's own Ack.
func drainInitial(t *testing.T, conn *net.UDPConn) {
	t.Helper()
	for {
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		buf := make([]byte, 65535)
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}
