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
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/akariudp/akari/adminserver"
	"github.com/akariudp/akari/confengine"
	"github.com/akariudp/akari/headerblock"
	"github.com/akariudp/akari/internal/sigs"
	"github.com/akariudp/akari/logger"
	"github.com/akariudp/akari/responder"
)

type serverConfig struct {
	BindHost        string        `config:"bindHost"`
	BindPort        int           `config:"bindPort"`
	PSK             string        `config:"psk"`
	UpstreamBase    string        `config:"upstreamBase"`
	UpstreamTimeout time.Duration `config:"upstreamTimeout"`

	Policy responder.Policy `config:"policy"`
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Responder-side UDP-to-HTTP gateway",
	Run: func(cmd *cobra.Command, args []string) {
		conf, err := confengine.LoadConfigPath(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}

		var srvCfg serverConfig
		if err := conf.UnpackChild("server", &srvCfg); err != nil {
			fmt.Fprintf(os.Stderr, "failed to parse server config: %v\n", err)
			os.Exit(1)
		}
		if srvCfg.UpstreamTimeout <= 0 {
			srvCfg.UpstreamTimeout = 10 * time.Second
		}

		var loggerOpts logger.Options
		if err := conf.UnpackChild("logger", &loggerOpts); err == nil {
			logger.SetOptions(loggerOpts)
		}

		fetcher := &upstreamFetcher{
			base:   srvCfg.UpstreamBase,
			client: &http.Client{Timeout: srvCfg.UpstreamTimeout},
		}

		akari, err := responder.NewServer(srvCfg.BindHost, srvCfg.BindPort, []byte(srvCfg.PSK), fetcher, srvCfg.Policy)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start responder: %v\n", err)
			os.Exit(1)
		}
		defer akari.Close()

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

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			if err := akari.Serve(ctx); err != nil && err != context.Canceled {
				logger.Errorf("responder stopped: %v", err)
			}
		}()

		logger.Infof("akari server listening on %s, upstream %s", akari.LocalAddr(), srvCfg.UpstreamBase)
		<-sigs.Terminate()
		cancel()
		logger.Infof("shutting down")
	},
	Example: "# akari server --config akari.yaml",
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

// upstreamFetcher is the default responder.Fetcher: it resolves each
// request path against base and replays the result as a FetchResult.
type upstreamFetcher struct {
	base   string
	client *http.Client
}

func (f *upstreamFetcher) Fetch(method, path string, headers []headerblock.Header) (*responder.FetchResult, error) {
	target, err := url.Parse(f.base)
	if err != nil {
		return nil, &responder.FetcherError{Kind: responder.FetcherErrInvalidURL, Message: err.Error()}
	}
	rel, err := url.Parse(path)
	if err != nil {
		return nil, &responder.FetcherError{Kind: responder.FetcherErrInvalidURL, Message: err.Error()}
	}
	target = target.ResolveReference(rel)

	req, err := http.NewRequest(method, target.String(), nil)
	if err != nil {
		return nil, &responder.FetcherError{Kind: responder.FetcherErrInvalidURL, Message: err.Error()}
	}
	for _, h := range headers {
		req.Header.Add(h.Name, h.Value)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if strings.Contains(err.Error(), "deadline exceeded") || strings.Contains(err.Error(), "timeout") {
			return nil, &responder.FetcherError{Kind: responder.FetcherErrUpstreamTimeout, Message: err.Error()}
		}
		return nil, &responder.FetcherError{Kind: responder.FetcherErrUpstreamFailure, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &responder.FetcherError{Kind: responder.FetcherErrUpstreamFailure, Message: err.Error()}
	}

	var respHeaders []headerblock.Header
	for name, values := range resp.Header {
		for _, v := range values {
			respHeaders = append(respHeaders, headerblock.Header{Name: strings.ToLower(name), Value: v})
		}
	}

	return &responder.FetchResult{
		StatusCode: uint16(resp.StatusCode),
		Headers:    respHeaders,
		Body:       body,
	}, nil
}
