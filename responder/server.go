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
	"strconv"
	"time"

	"github.com/akariudp/akari/chunk"
	"github.com/akariudp/akari/headerblock"
	"github.com/akariudp/akari/logger"
	"github.com/akariudp/akari/metrics"
	"github.com/akariudp/akari/replay"
	"github.com/akariudp/akari/wire"
)

// AkariServer is the Responder engine: one UDP socket, one Fetcher
// capability, one per-identifier cache. Serve owns the socket's receive
// loop; fetches run in their own goroutine so a slow upstream never
// stalls datagram processing for unrelated identifiers.
type AkariServer struct {
	conn    *net.UDPConn
	codec   *wire.Codec
	replayC *replay.Cache
	fetcher Fetcher
	policy  Policy
	cache   *responderCache
	version wire.Version
}

// NewServer binds bindHost:bindPort and returns a ready AkariServer.
func NewServer(bindHost string, bindPort int, psk []byte, fetcher Fetcher, policy Policy) (*AkariServer, error) {
	policy = policy.withDefaults()

	laddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(bindHost, strconv.Itoa(bindPort)))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}

	replayC := replay.NewCache(time.Duration(wire.ReplayWindow) * time.Second)
	return &AkariServer{
		conn:    conn,
		codec:   wire.NewCodec(psk, replayC),
		replayC: replayC,
		fetcher: fetcher,
		policy:  policy,
		cache:   newResponderCache(policy.RespCacheTTL),
		version: wire.VersionCurrent,
	}, nil
}

// Close releases the server's socket and replay cache.
func (s *AkariServer) Close() error {
	s.replayC.Close()
	return s.conn.Close()
}

// LocalAddr returns the bound UDP address, mainly useful in tests that
// bind to port 0.
func (s *AkariServer) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Serve runs the receive loop until ctx is cancelled or the socket
// errors. It also drives a periodic TTL sweep of the response cache.
func (s *AkariServer) Serve(ctx context.Context) error {
	go s.sweepLoop(ctx)

	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			return err
		}
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return err
		}

		raw := append([]byte(nil), buf[:n]...)
		metrics.BytesReceived.Add(float64(n))
		s.handleDatagram(raw, raddr)
	}
}

func (s *AkariServer) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cache.sweepExpired(time.Now())
			metrics.ResponderCacheSize.Set(float64(s.cache.size()))
		}
	}
}

func (s *AkariServer) handleDatagram(raw []byte, raddr *net.UDPAddr) {
	pkt, err := s.codec.Decode(raw)
	if err != nil {
		if err == wire.ErrUnsupportedVersion {
			s.sendError(raddr, s.version, 0, 0, ErrorCodeUnsupportedVersion, "unsupported version")
		}
		logger.Debugf("responder: dropped datagram from %s: %v", raddr, err)
		return
	}

	switch pkt.Header.Kind {
	case wire.KindReq:
		s.handleReq(pkt, raddr)
	case wire.KindNackHead:
		s.handleNack(pkt, raddr, true)
	case wire.KindNackBody:
		s.handleNack(pkt, raddr, false)
	case wire.KindAck:
		s.handleAck(pkt, raddr)
	case wire.KindError:
		s.cache.discard(pkt.Header.Identifier)
	default:
		logger.Debugf("responder: unexpected kind %s from %s", pkt.Header.Kind, raddr)
	}
}

func (s *AkariServer) handleReq(pkt *wire.Packet, raddr *net.UDPAddr) {
	h := pkt.Header

	if s.policy.RequireEncryption && !h.Flags.Has(wire.FlagEncrypt) {
		s.sendError(raddr, h.Version, h.Identifier, h.Flags, ErrorCodeUnencryptedRefused, "encryption required")
		return
	}

	if entry, ok := s.cache.get(h.Identifier); ok {
		_, version, baseFlags := entry.snapshot()
		if baseFlags != h.Flags || version != h.Version {
			logger.Debugf("responder: duplicate Req %d with mismatched flags, dropped", h.Identifier)
			return
		}
		s.reemitHead(entry, raddr)
		return
	}

	req, err := wire.DecodeReq(pkt.Payload)
	if err != nil {
		logger.Debugf("responder: malformed Req payload from %s: %v", raddr, err)
		return
	}
	headers, err := headerblock.Decode(req.HeaderBlock)
	if err != nil {
		logger.Debugf("responder: malformed Req header-block from %s: %v", raddr, err)
		return
	}

	entry := &cacheEntry{state: stateFetching, version: h.Version, baseFlags: h.Flags}
	s.cache.put(h.Identifier, entry)

	go s.fetchAndStream(h, req, headers, raddr, entry)
}

func (s *AkariServer) fetchAndStream(h wire.Header, req wire.ReqPayload, headers []headerblock.Header, raddr *net.UDPAddr, entry *cacheEntry) {
	start := time.Now()
	result, err := s.fetcher.Fetch(req.Method, req.Path, headers)
	metrics.ResponderFetchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		s.cache.discard(h.Identifier)
		fe, ok := err.(*FetcherError)
		if !ok {
			s.sendError(raddr, h.Version, h.Identifier, h.Flags, ErrorCodeInternal, err.Error())
			return
		}
		s.sendError(raddr, h.Version, h.Identifier, h.Flags, fetcherErrorCode(fe.Kind), fe.Message)
		return
	}

	if len(result.Body) > s.policy.MaxBodyBytes {
		s.cache.discard(h.Identifier)
		s.sendError(raddr, h.Version, h.Identifier, h.Flags, ErrorCodeBodyTooLarge, "response body exceeds the configured cap")
		return
	}

	plan, err := chunk.Build(s.codec, h.Version, h.Flags, h.Identifier, chunk.Response{
		StatusCode: result.StatusCode,
		Headers:    result.Headers,
		Body:       result.Body,
	}, s.policy.chunkOptions())
	if err != nil {
		s.cache.discard(h.Identifier)
		s.sendError(raddr, h.Version, h.Identifier, h.Flags, ErrorCodeInternal, err.Error())
		return
	}

	entry.setStreaming(plan, s.policy.RespCacheTTL)

	for _, d := range plan.Datagrams {
		s.write(d, raddr)
	}
	entry.markCached()
}

func (s *AkariServer) reemitHead(entry *cacheEntry, raddr *net.UDPAddr) {
	plan, _, _ := entry.snapshot()
	if plan == nil {
		return
	}
	if d, ok := plan.HeadBySequence[0]; ok {
		s.write(d, raddr)
		entry.touch()
	}
}

func (s *AkariServer) handleNack(pkt *wire.Packet, raddr *net.UDPAddr, head bool) {
	h := pkt.Header
	entry, ok := s.cache.get(h.Identifier)
	if !ok {
		return
	}
	plan, _, _ := entry.snapshot()
	if plan == nil {
		return
	}

	nack, err := wire.DecodeNack(pkt.Payload)
	if err != nil {
		logger.Debugf("responder: malformed nack from %s: %v", raddr, err)
		return
	}

	table := plan.BodyBySequence
	if head {
		table = plan.HeadBySequence
	}

	for i, b := range nack.Bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) == 0 {
				continue
			}
			seq := nack.Base + uint16(i*8+bit)
			if d, ok := table[seq]; ok {
				s.write(d, raddr)
			}
		}
	}
	entry.touch()
	metrics.NacksSent.Inc()
}

func (s *AkariServer) handleAck(pkt *wire.Packet, raddr *net.UDPAddr) {
	h := pkt.Header
	entry, ok := s.cache.get(h.Identifier)
	if !ok {
		return
	}
	plan, _, _ := entry.snapshot()
	if plan == nil {
		return
	}
	ack, err := wire.DecodeAck(pkt.Payload)
	if err != nil {
		return
	}
	if ack.FirstLost == wire.FirstLostNone {
		return
	}

	sent := 0
	for seq, d := range plan.BodyBySequence {
		if seq >= ack.FirstLost && sent < s.policy.MaxAckReemit {
			s.write(d, raddr)
			sent++
		}
	}
	entry.touch()
	metrics.AcksSent.Inc()
}

func (s *AkariServer) sendError(raddr *net.UDPAddr, version wire.Version, identifier uint64, flags wire.Flags, code uint16, reason string) {
	// An Error datagram never carries the aggregate-tag bit: only the
	// identifier-width and encryption mode need to match the request
	// that provoked it.
	safeFlags := flags & (wire.FlagEncrypt | wire.FlagShortIdentifier)
	raw, err := s.codec.Encode(wire.EncodeInput{
		Version:    version,
		Kind:       wire.KindError,
		Flags:      safeFlags,
		Identifier: identifier,
		SeqTotal:   1,
		Payload:    errorPayload(code, reason),
	})
	if err != nil {
		logger.Errorf("responder: failed to encode Error datagram: %v", err)
		return
	}
	s.write(raw, raddr)
}

func (s *AkariServer) write(raw []byte, raddr *net.UDPAddr) {
	if _, err := s.conn.WriteToUDP(raw, raddr); err != nil {
		logger.Debugf("responder: write to %s failed: %v", raddr, err)
		return
	}
	metrics.BytesSent.Add(float64(len(raw)))
}
