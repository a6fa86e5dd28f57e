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

package cmd

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/akariudp/akari/adminserver"
	"github.com/akariudp/akari/common"
	"github.com/akariudp/akari/confengine"
	"github.com/akariudp/akari/headerblock"
	"github.com/akariudp/akari/initiator"
	"github.com/akariudp/akari/internal/sigs"
	"github.com/akariudp/akari/logger"
	"github.com/akariudp/akari/wire"
)

type clientConfig struct {
	ListenAddress string        `config:"listenAddress"`
	RemoteHost    string        `config:"remoteHost"`
	RemotePort    int           `config:"remotePort"`
	PSK           string        `config:"psk"`
	Encrypt       bool          `config:"encrypt"`
	PoolSize      int           `config:"poolSize"`
	Timeout       time.Duration `config:"timeout"`
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Run the Initiator-side HTTP-to-UDP proxy",
	Run: func(cmd *cobra.Command, args []string) {
		conf, err := confengine.LoadConfigPath(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}

		var clientCfg clientConfig
		if err := conf.UnpackChild("client", &clientCfg); err != nil {
			fmt.Fprintf(os.Stderr, "failed to parse client config: %v\n", err)
			os.Exit(1)
		}
		if clientCfg.PoolSize <= 0 {
			clientCfg.PoolSize = common.Concurrency()
		}

		var loggerOpts logger.Options
		if err := conf.UnpackChild("logger", &loggerOpts); err == nil {
			logger.SetOptions(loggerOpts)
		}

		var flags wire.Flags
		if clientCfg.Encrypt {
			flags |= wire.FlagEncrypt
		}

		pool, err := initiator.NewClientPool(clientCfg.PoolSize, clientCfg.RemoteHost, clientCfg.RemotePort, []byte(clientCfg.PSK), flags)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start client pool: %v\n", err)
			os.Exit(1)
		}
		defer pool.Close()

		admin, err := adminserver.New(conf)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start admin server: %v\n", err)
			os.Exit(1)
		}
		if admin != nil {
			go func() {
				if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Errorf("admin server stopped: %v", err)
				}
			}()
			defer admin.Close()
		}

		cfg := initiator.DefaultPerRequestConfig()
		if clientCfg.Timeout > 0 {
			cfg.Timeout = clientCfg.Timeout
		}

		proxy := &fetchProxy{pool: pool, cfg: cfg}
		logger.Infof("akari client listening on %s, tunnelling to %s:%d", clientCfg.ListenAddress, clientCfg.RemoteHost, clientCfg.RemotePort)

		srv := &http.Server{Addr: clientCfg.ListenAddress, Handler: proxy}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("client proxy stopped: %v", err)
			}
		}()

		<-sigs.Terminate()
		logger.Infof("shutting down")
	},
	Example: "# akari client --config akari.yaml",
}

func init() {
	rootCmd.AddCommand(clientCmd)
}

// fetchProxy is a thin net/http.Handler fronting an AkariClientPool: every
// inbound HTTP request is translated into one fetch() call and its result
// written back as the HTTP response.
type fetchProxy struct {
	pool *initiator.AkariClientPool
	cfg  initiator.PerRequestConfig
}

// perRequestOverrides lets a caller tune one fetch() call via headers that
// never reach the tunnel itself, loosely typed the way a config fragment
// would be (a timeout as "5s" or "5", a flag as "1" or "true").
func (p *fetchProxy) perRequestOverrides(r *http.Request) initiator.PerRequestConfig {
	cfg := p.cfg
	overrides := common.NewOptions()

	if v := r.Header.Get("X-Akari-Timeout"); v != "" {
		overrides.Merge("timeout", v)
		if d, err := overrides.GetDuration("timeout"); err == nil && d > 0 {
			cfg.Timeout = d
		}
	}
	if v := r.Header.Get("X-Akari-Aggregate-Tag"); v != "" {
		overrides.Merge("aggregateTag", v)
		if b, err := overrides.GetBool("aggregateTag"); err == nil {
			cfg.AggregateTag = b
		}
	}
	if v := r.Header.Get("X-Akari-Short-Identifier"); v != "" {
		overrides.Merge("shortIdentifier", v)
		if b, err := overrides.GetBool("shortIdentifier"); err == nil {
			cfg.ShortIdentifier = b
		}
	}
	return cfg
}

func (p *fetchProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	headers := make([]headerblock.Header, 0, len(r.Header))
	for name, values := range r.Header {
		if strings.HasPrefix(name, "X-Akari-") {
			continue
		}
		for _, v := range values {
			headers = append(headers, headerblock.Header{Name: strings.ToLower(name), Value: v})
		}
	}

	resp, err := p.pool.Fetch(r.Context(), r.Method, r.URL.RequestURI(), headers, p.perRequestOverrides(r))
	if err != nil {
		writeProxyError(w, err)
		return
	}

	for _, h := range resp.Headers {
		w.Header().Add(h.Name, h.Value)
	}
	w.WriteHeader(int(resp.StatusCode))
	_, _ = w.Write(resp.Body)
}

func writeProxyError(w http.ResponseWriter, err error) {
	failure, ok := err.(*initiator.Failure)
	if !ok {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusBadGateway
	if failure.PeerHTTPStatus != 0 {
		status = int(failure.PeerHTTPStatus)
	} else {
		switch failure.Kind {
		case initiator.FailureTimeout:
			status = http.StatusGatewayTimeout
		case initiator.FailureAuthFailed:
			status = http.StatusBadGateway
		case initiator.FailureProtocolViolation:
			status = http.StatusBadGateway
		case initiator.FailureTransportFailure:
			status = http.StatusBadGateway
		}
	}
	http.Error(w, failure.Error(), status)
}
