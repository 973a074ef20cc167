// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/exporter-toolkit/web"
	"github.com/sustainable-computing-io/power-advisor/config"
	"github.com/sustainable-computing-io/power-advisor/internal/service"
)

// APIService defines the interface for the HTTP server providing API endpoints
type APIService interface {
	service.Service
	Register(endpoint, summary, description string, handler http.Handler) error
}

// APIServer implements APIService
type APIServer struct {
	// input
	logger        *slog.Logger
	listenAddrs   []string
	webConfigFile string

	// http
	server              *http.Server
	mux                 *http.ServeMux
	endpointDescription string
	endpoints           map[string]bool
}

var (
	_ APIService          = (*APIServer)(nil)
	_ service.Initializer = (*APIServer)(nil)
	_ service.Runner      = (*APIServer)(nil)
	_ service.Shutdowner  = (*APIServer)(nil)
)

type Opts struct {
	logger        *slog.Logger
	listenAddrs   []string
	webConfigFile string
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the APIServer
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithListenAddress sets the listening addresses for the APIServer
func WithListenAddress(addr []string) OptionFn {
	return func(o *Opts) {
		o.listenAddrs = addr
	}
}

// WithWebConfig sets the exporter-toolkit web config file enabling TLS and
// basic auth
func WithWebConfig(path string) OptionFn {
	return func(o *Opts) {
		o.webConfigFile = path
	}
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:      slog.Default(),
		listenAddrs: []string{config.DefaultPort},
	}
}

// NewAPIServer creates a new HTTPAPIServer instance
func NewAPIServer(applyOpts ...OptionFn) *APIServer {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	mux := http.NewServeMux()
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return &APIServer{
		logger:        opts.logger.With("service", "api-server"),
		listenAddrs:   opts.listenAddrs,
		webConfigFile: opts.webConfigFile,
		mux:           mux,
		server:        server,
		endpoints:     map[string]bool{},
	}
}

func (s *APIServer) Name() string {
	return "api-server"
}

func (s *APIServer) Init() error {
	s.logger.Info("Initializing power advisor server")
	if len(s.listenAddrs) == 0 {
		return fmt.Errorf("no listening address provided")
	}

	// create landing page that shows all available endpoints
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Only respond to the root path
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, err := w.Write(fmt.Appendf([]byte{}, `<html>
<head><title>Power Advisor</title></head>
<body>
<h1>Power Advisor</h1>
<p>Available endpoints:</p>
<ul>
	%s
</ul>
</body>
</html>`,
			s.endpointDescription))
		if err != nil {
			s.logger.Error("failed to write landing page", "error", err)
		}
	})

	return nil
}

func (s *APIServer) Run(ctx context.Context) error {
	s.logger.Info("Running power advisor server", "addresses", s.listenAddrs)
	webConfig := &web.FlagConfig{
		WebListenAddresses: &s.listenAddrs,
		WebConfigFile:      &s.webConfigFile,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- web.ListenAndServe(s.server, webConfig, s.logger)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down power advisor server on context done")
		return nil

	case err := <-errCh:
		s.logger.Error("power advisor server returned an error", "error", err)
		return err
	}
}

func (s *APIServer) Shutdown() error {
	s.logger.Info("shutting down API server on request")

	// NOTE: ensure http server shuts down within 5 seconds
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Register serves handler at endpoint and lists it on the landing page. An
// endpoint can only be registered once.
func (s *APIServer) Register(endpoint, summary, description string, handler http.Handler) error {
	if s.endpoints[endpoint] {
		return fmt.Errorf("endpoint %s already registered", endpoint)
	}
	s.endpoints[endpoint] = true

	s.logger.Debug("Endpoint Registered", "endpoint", endpoint)
	s.mux.Handle(endpoint, handler)
	s.endpointDescription += fmt.Sprintf("<li> <a href=\"%s\"> %s </a> %s </li>\n", endpoint, summary, description)
	return nil
}
