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

// Package adminserver exposes Prometheus metrics, a log-level admin route,
// and pprof profiling over a small HTTP server, for both the Initiator
// pool and the Responder.
package adminserver

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/akariudp/akari/common"
	"github.com/akariudp/akari/confengine"
	"github.com/akariudp/akari/internal/sigs"
	"github.com/akariudp/akari/logger"
)

type Config struct {
	Enabled  bool          `config:"enabled"`
	Address  string        `config:"address"`
	Pprof    bool          `config:"pprof"`
	Timeout  time.Duration `config:"timeout"`
	MaxConns int           `config:"maxConns"`
}

type Server struct {
	config Config
	router *mux.Router
	server *http.Server
}

// New creates and returns a Server instance.
//
// A nil *Server is returned when .Enabled is false; callers must check for
// this before use.
func New(conf *confengine.Config) (*Server, error) {
	var config Config
	if err := conf.UnpackChild("adminServer", &config); err != nil {
		return nil, err
	}
	if !config.Enabled {
		return nil, nil
	}

	router := mux.NewRouter()
	s := &Server{
		config: config,
		router: router,
		server: &http.Server{
			Handler:      router,
			ReadTimeout:  config.Timeout,
			WriteTimeout: config.Timeout,
		},
	}
	if config.Pprof {
		s.registerPprofRoutes()
	}
	s.registerDefaultRoutes()
	return s, nil
}

// registerDefaultRoutes wires the routes every deployment gets regardless
// of which engine (Initiator pool or Responder) owns this admin server:
// Prometheus scraping, runtime log-level changes, a self-directed reload
// signal, and a correlation/build-info status page.
func (s *Server) registerDefaultRoutes() {
	s.RegisterGetRoute("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})
	s.RegisterPostRoute("/-/logger", func(w http.ResponseWriter, r *http.Request) {
		logger.SetLoggerLevel(r.FormValue("level"))
		w.Write([]byte(`{"status": "success"}`))
	})
	s.RegisterPostRoute("/-/reload", func(w http.ResponseWriter, r *http.Request) {
		if err := sigs.SelfReload(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(err.Error()))
		}
	})
	s.RegisterGetRoute("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"run_id":    logger.RunID(),
			"uptime":    time.Now().Unix() - common.Started(),
			"buildInfo": common.GetBuildInfo(),
		})
	})
}

func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	if s.config.MaxConns > 0 {
		l = netutil.LimitListener(l, s.config.MaxConns)
	}
	logger.Infof("admin server listening on %s", s.config.Address)
	return s.server.Serve(l)
}

func (s *Server) Close() error {
	return s.server.Close()
}

func (s *Server) RegisterGetRoute(path string, f http.HandlerFunc) {
	s.router.Methods(http.MethodGet).Path(path).HandlerFunc(f)
}

func (s *Server) RegisterPostRoute(path string, f http.HandlerFunc) {
	s.router.Methods(http.MethodPost).Path(path).HandlerFunc(f)
}

func (s *Server) registerPprofRoutes() {
	s.RegisterGetRoute("/debug/pprof/cmdline", pprof.Cmdline)
	s.RegisterGetRoute("/debug/pprof/profile", pprof.Profile)
	s.RegisterGetRoute("/debug/pprof/symbol", pprof.Symbol)
	s.RegisterGetRoute("/debug/pprof/trace", pprof.Trace)
	s.RegisterGetRoute("/debug/pprof/{other}", pprof.Index)
}
