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

// Package initiator implements the browser-facing side of AKARI-UDP:
// AkariClient drives one fetch() at a time over its own UDP socket,
// retransmitting the initial request, feeding inbound datagrams to a
// response assembler, and driving the NACK/ACK gap policy until the
// response completes or the deadline expires.
package initiator

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/akariudp/akari/assembler"
	"github.com/akariudp/akari/headerblock"
	"github.com/akariudp/akari/logger"
	"github.com/akariudp/akari/metrics"
	"github.com/akariudp/akari/replay"
	"github.com/akariudp/akari/shortid"
	"github.com/akariudp/akari/wire"
)

// AkariClient owns one UDP socket and drives fetch() calls against a
// single Responder. A client is single-threaded cooperative per the
// concurrency model: concurrent fetch() calls on the same client
// serialize on its internal lock. Run multiple clients behind an
// AkariClientPool for concurrency.
type AkariClient struct {
	conn       *net.UDPConn
	remoteAddr *net.UDPAddr
	codec      *wire.Codec
	replayC    *replay.Cache
	shortAlloc *shortid.Allocator
	version    wire.Version
	baseFlags  wire.Flags

	idCounter uint64

	mu     sync.Mutex
	tracer trace.Tracer
}

// NewClient dials remoteHost:remotePort over UDP and returns a ready
// AkariClient. psk is normalized by the wire codec; it need not be
// exactly 32 bytes.
func NewClient(remoteHost string, remotePort int, psk []byte, defaultFlags wire.Flags) (*AkariClient, error) {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(remoteHost, strconv.Itoa(remotePort)))
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}

	replayC := replay.NewCache(time.Duration(wire.ReplayWindow) * time.Second)
	codec := wire.NewCodec(psk, replayC)

	return &AkariClient{
		conn:       conn,
		remoteAddr: raddr,
		codec:      codec,
		replayC:    replayC,
		shortAlloc: shortid.NewAllocator(5 * time.Second),
		version:    wire.VersionCurrent,
		baseFlags:  defaultFlags,
		tracer:     trace.NewNoopTracerProvider().Tracer("akari/initiator"),
	}, nil
}

// Close releases the client's socket and replay cache.
func (c *AkariClient) Close() error {
	c.replayC.Close()
	return c.conn.Close()
}

// Fetch issues one HTTP request over AKARI-UDP and blocks until the
// response completes, the context is cancelled, or cfg.Timeout elapses.
func (c *AkariClient) Fetch(ctx context.Context, method, url string, headers []headerblock.Header, cfg PerRequestConfig) (*HttpResponse, error) {
	cfg = cfg.withDefaults()

	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "akari.fetch")
	defer span.End()

	deadline := time.Now().Add(cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	flags := c.baseFlags
	if cfg.AggregateTag {
		flags |= wire.FlagAggregateTag
	}
	if flags.Has(wire.FlagEncrypt) && flags.Has(wire.FlagAggregateTag) {
		metrics.FetchResults.WithLabelValues(metrics.ResultProtocolViolation).Inc()
		return nil, newFailure(FailureProtocolViolation, "encrypt and aggregate-tag flags are mutually exclusive")
	}

	var identifier uint64
	version := c.version
	if cfg.ShortIdentifier {
		id16, err := c.shortAlloc.Allocate()
		if err != nil {
			return nil, newFailure(FailureTransportFailure, "short-identifier space exhausted: %v", err)
		}
		defer c.shortAlloc.Release(id16)
		identifier = uint64(id16)
		flags |= wire.FlagShortIdentifier
	} else {
		identifier = atomic.AddUint64(&c.idCounter, 1)
	}

	stats := Stats{}
	reqPayload := wire.EncodeReq(wire.ReqPayload{
		Method:      method,
		Path:        url,
		HeaderBlock: headerblock.Encode(headers),
	})

	sendReq := func() error {
		raw, err := c.codec.Encode(wire.EncodeInput{
			Version:    version,
			Kind:       wire.KindReq,
			Flags:      flags,
			Identifier: identifier,
			Sequence:   0,
			SeqTotal:   1,
			Payload:    reqPayload,
		})
		if err != nil {
			return err
		}
		if _, err := c.conn.Write(raw); err != nil {
			return err
		}
		stats.BytesSent += uint64(len(raw))
		metrics.BytesSent.Add(float64(len(raw)))
		return nil
	}

	if err := sendReq(); err != nil {
		metrics.FetchResults.WithLabelValues(metrics.ResultTransportFailure).Inc()
		return nil, newFailure(FailureTransportFailure, "send Req: %v", err)
	}

	asm := assembler.New(c.codec, identifier)
	result, failure := c.receiveLoop(ctx, asm, &stats, sendReq, cfg, deadline)
	if failure != nil {
		metrics.FetchResults.WithLabelValues(string(failure.Kind)).Inc()
		return nil, failure
	}

	metrics.FetchResults.WithLabelValues(metrics.ResultOK).Inc()
	return &HttpResponse{
		StatusCode: result.StatusCode,
		Headers:    toHeaderPairs(result.Headers),
		Body:       result.Body,
		Stats:      stats,
	}, nil
}

func (c *AkariClient) receiveLoop(ctx context.Context, asm *assembler.Assembler, stats *Stats, resend func() error, cfg PerRequestConfig, deadline time.Time) (*assembler.Result, *Failure) {
	buf := make([]byte, 65535)
	retriesLeft := cfg.InitialRequestRetries
	receivedAny := false
	headSeen := false
	lastNackRound := 0
	heartbeatInterval := cfg.HeartbeatInterval
	lastHeartbeat := time.Now()
	nextRetry := time.Now().Add(cfg.InitialRequestInterval)
	gaps := &gapDwell{}

	for {
		if ctx.Err() != nil {
			return nil, newFailure(FailureTimeout, "fetch cancelled: %v", ctx.Err())
		}
		now := time.Now()
		if now.After(deadline) {
			return nil, newFailure(FailureTimeout, "deadline exceeded with incomplete response")
		}

		readDeadline := now.Add(cfg.SocketTimeout)
		if readDeadline.After(deadline) {
			readDeadline = deadline
		}
		if err := c.conn.SetReadDeadline(readDeadline); err != nil {
			return nil, newFailure(FailureTransportFailure, "set read deadline: %v", err)
		}

		n, err := c.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if !headSeen && retriesLeft > 0 && time.Now().After(nextRetry) {
					if rerr := resend(); rerr == nil {
						stats.RequestRetries++
						metrics.RequestRetries.Inc()
						retriesLeft--
						nextRetry = time.Now().Add(cfg.InitialRequestInterval)
					}
				}
				if receivedAny && time.Since(lastHeartbeat) > heartbeatInterval {
					c.sendHeartbeat(asm, cfg, &lastNackRound, stats)
					lastHeartbeat = time.Now()
					heartbeatInterval = time.Duration(float64(heartbeatInterval) * cfg.HeartbeatBackoff)
				}
				continue
			}
			return nil, newFailure(FailureTransportFailure, "socket read: %v", err)
		}

		metrics.BytesReceived.Add(float64(n))
		stats.BytesReceived += uint64(n)

		pkt, derr := c.codec.Decode(buf[:n])
		if derr != nil {
			logger.Debugf("akari: dropped datagram: %v", derr)
			continue
		}
		receivedAny = true
		lastHeartbeat = time.Now()
		heartbeatInterval = cfg.HeartbeatInterval

		switch pkt.Header.Kind {
		case wire.KindRespHead, wire.KindRespHeadCont:
			if aerr := asm.AcceptHead(pkt); aerr != nil {
				logger.Debugf("akari: malformed head datagram: %v", aerr)
				continue
			}
			if pkt.Header.Kind == wire.KindRespHead {
				headSeen = true
			}
		case wire.KindRespBody:
			if aerr := asm.AcceptBody(pkt); aerr != nil {
				logger.Debugf("akari: malformed body datagram: %v", aerr)
				continue
			}
		case wire.KindError:
			ep, eerr := wire.DecodeError(pkt.Payload)
			if eerr != nil {
				continue
			}
			return nil, &Failure{
				Kind:           FailurePeerError,
				PeerErrorCode:  ep.Code,
				PeerHTTPStatus: wire.HTTPStatusHint(ep.Code),
				Message:        ep.Reason,
			}
		default:
			continue
		}

		if asm.Complete() {
			result, ferr := asm.Finalize()
			if ferr != nil {
				logger.Warnf("akari: response assembly failed for identifier %d: %v", asm.IdentifierHint(), ferr)
				return nil, newFailure(FailureAuthFailed, "aggregate tag verification failed")
			}
			return result, nil
		}

		c.maybeNack(asm, cfg, &lastNackRound, stats, gaps)
	}
}

// gapDwell tracks how long the first-missing head/body sequence has sat
// unchanged, so the gap policy can wait out reordering instead of NACKing
// on every single incomplete datagram (§4.4: "when the first-gap sequence
// has been unchanged for first_seq_timeout").
type gapDwell struct {
	headSeq   uint16
	headSince time.Time
	headValid bool

	bodySeq   uint16
	bodySince time.Time
	bodyValid bool
}

// sinceHead returns how long seq has been the first missing head sequence,
// resetting the dwell clock whenever seq changes.
func (g *gapDwell) sinceHead(seq uint16) time.Duration {
	if !g.headValid || g.headSeq != seq {
		g.headSeq = seq
		g.headSince = time.Now()
		g.headValid = true
		return 0
	}
	return time.Since(g.headSince)
}

func (g *gapDwell) sinceBody(seq uint16) time.Duration {
	if !g.bodyValid || g.bodySeq != seq {
		g.bodySeq = seq
		g.bodySince = time.Now()
		g.bodyValid = true
		return 0
	}
	return time.Since(g.bodySince)
}

func (c *AkariClient) sendHeartbeat(asm *assembler.Assembler, cfg PerRequestConfig, round *int, stats *Stats) {
	if seq, ok := asm.FirstMissingBody(); ok {
		c.sendBodyNack(asm, seq, cfg, stats)
		return
	}
	if seq, ok := asm.FirstMissingHead(); ok {
		c.sendHeadNack(asm, seq, cfg, stats)
	}
}

func (c *AkariClient) maybeNack(asm *assembler.Assembler, cfg PerRequestConfig, round *int, stats *Stats, gaps *gapDwell) {
	if *round >= cfg.MaxNackRounds {
		return
	}
	if seq, ok := asm.FirstMissingHead(); ok {
		if gaps.sinceHead(seq) < cfg.FirstGapTimeout {
			return
		}
		c.sendHeadNack(asm, seq, cfg, stats)
		*round++
		return
	}
	if seq, ok := asm.FirstMissingBody(); ok {
		if gaps.sinceBody(seq) < cfg.FirstGapTimeout {
			return
		}
		c.sendBodyNack(asm, seq, cfg, stats)
		*round++
	}
}

func (c *AkariClient) sendHeadNack(asm *assembler.Assembler, base uint16, cfg PerRequestConfig, stats *Stats) {
	nack := asm.HeadNack(base, cfg.MaxNackBits)
	c.sendNack(wire.KindNackHead, asm, nack, stats)
}

func (c *AkariClient) sendBodyNack(asm *assembler.Assembler, base uint16, cfg PerRequestConfig, stats *Stats) {
	nack := asm.BodyNack(base, cfg.MaxNackBits)
	c.sendNack(wire.KindNackBody, asm, nack, stats)
}

func (c *AkariClient) sendNack(kind wire.Kind, asm *assembler.Assembler, nack wire.NackPayload, stats *Stats) {
	raw, err := c.codec.Encode(wire.EncodeInput{
		Version:    c.version,
		Kind:       kind,
		Identifier: asm.IdentifierHint(),
		SeqTotal:   1,
		Payload:    wire.EncodeNack(nack),
	})
	if err != nil {
		return
	}
	if _, err := c.conn.Write(raw); err == nil {
		stats.BytesSent += uint64(len(raw))
		stats.NacksSent++
		metrics.BytesSent.Add(float64(len(raw)))
		metrics.NacksSent.Inc()
	}
}

func toHeaderPairs(hs []headerblock.Header) []HeaderPair {
	out := make([]HeaderPair, len(hs))
	for i, h := range hs {
		out[i] = HeaderPair{Name: h.Name, Value: h.Value}
	}
	return out
}

