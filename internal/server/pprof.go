// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"log/slog"
	"net/http"
	"net/http/pprof"

	"github.com/sustainable-computing-io/power-advisor/internal/service"
)

// profiles served by name in addition to the index
var profiles = []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"}

type pp struct {
	api    APIService
	logger *slog.Logger
}

var (
	_ service.Service     = (*pp)(nil)
	_ service.Initializer = (*pp)(nil)
)

func NewPprof(api APIService, logger *slog.Logger) *pp {
	if logger == nil {
		logger = slog.Default()
	}
	return &pp{
		api:    api,
		logger: logger.With("service", "pprof"),
	}
}

func (p *pp) Name() string {
	return "pprof"
}

func (p *pp) Init() error {
	p.logger.Warn("Profiling endpoints enabled", "endpoint", "/debug/pprof/")
	return p.api.Register("/debug/pprof/", "pprof", "Profiling Data", handlers())
}

func handlers() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	for _, name := range profiles {
		mux.Handle("/debug/pprof/"+name, pprof.Handler(name))
	}

	return mux
}
