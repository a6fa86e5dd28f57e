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
	"context"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/akariudp/akari/headerblock"
	"github.com/akariudp/akari/wire"
)

// AkariClientPool round-robins Fetch calls across a fixed set of
// independent AkariClient instances, each with its own UDP socket and
// replay cache, so concurrent requests do not serialize on a single
// client's lock.
type AkariClientPool struct {
	clients []*AkariClient
	next    uint64
}

// NewClientPool dials size independent clients against the same
// Responder address.
func NewClientPool(size int, remoteHost string, remotePort int, psk []byte, defaultFlags wire.Flags) (*AkariClientPool, error) {
	if size <= 0 {
		return nil, errors.New("initiator: pool size must be positive")
	}
	clients := make([]*AkariClient, 0, size)
	for i := 0; i < size; i++ {
		c, err := NewClient(remoteHost, remotePort, psk, defaultFlags)
		if err != nil {
			for _, opened := range clients {
				_ = opened.Close()
			}
			return nil, errors.Wrapf(err, "dial client %d/%d", i+1, size)
		}
		clients = append(clients, c)
	}
	return &AkariClientPool{clients: clients}, nil
}

// Fetch dispatches to the next client in round-robin order.
func (p *AkariClientPool) Fetch(ctx context.Context, method, url string, headers []headerblock.Header, cfg PerRequestConfig) (*HttpResponse, error) {
	idx := atomic.AddUint64(&p.next, 1) % uint64(len(p.clients))
	return p.clients[idx].Fetch(ctx, method, url, headers, cfg)
}

// Close closes every client in the pool, accumulating any per-client
// shutdown errors instead of stopping at the first one.
func (p *AkariClientPool) Close() error {
	var result *multierror.Error
	for _, c := range p.clients {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Size reports how many clients back the pool.
func (p *AkariClientPool) Size() int {
	return len(p.clients)
}
