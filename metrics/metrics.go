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

// Package metrics exposes the Prometheus counters and gauges shared by
// the Initiator and Responder engines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/akariudp/akari/common"
)

var (
	BytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "bytes_sent_total",
			Help:      "Bytes sent on the AKARI-UDP wire",
		},
	)

	BytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "bytes_received_total",
			Help:      "Bytes received on the AKARI-UDP wire",
		},
	)

	NacksSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "nacks_sent_total",
			Help:      "NACK datagrams sent by the Initiator",
		},
	)

	AcksSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "acks_sent_total",
			Help:      "ACK datagrams sent by the Initiator",
		},
	)

	RequestRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "request_retries_total",
			Help:      "Initial Req retransmissions",
		},
	)

	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: common.App,
			Name:      "fetch_duration_seconds",
			Help:      "End-to-end fetch() latency",
			Buckets:   prometheus.DefBuckets,
		},
	)

	FetchResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "fetch_results_total",
			Help:      "fetch() outcomes by result kind",
		},
		[]string{"result"},
	)

	ReplayRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "replay_rejected_total",
			Help:      "Datagrams discarded as replays",
		},
	)

	AuthFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "auth_failed_total",
			Help:      "Datagrams discarded for authentication failure",
		},
	)

	ResponderCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "responder_cache_size",
			Help:      "Entries currently held in the responder's per-identifier cache",
		},
	)

	ResponderFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: common.App,
			Name:      "responder_fetch_duration_seconds",
			Help:      "Latency of the responder's fetcher callback",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Fetch result labels for FetchResults, matching the Failure taxonomy in
// the initiator package.
const (
	ResultOK                = "ok"
	ResultTimeout           = "timeout"
	ResultPeerError         = "peer_error"
	ResultAuthFailed        = "auth_failed"
	ResultProtocolViolation = "protocol_violation"
	ResultTransportFailure  = "transport_failure"
)
