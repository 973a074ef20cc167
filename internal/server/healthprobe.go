// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sustainable-computing-io/power-advisor/internal/service"
)

// HealthProbe serves liveness and readiness endpoints aggregated over the
// services that implement service.LiveChecker or service.ReadyChecker
type HealthProbe struct {
	logger    *slog.Logger
	apiServer APIService
	services  []service.Service
}

var (
	_ service.Initializer = (*HealthProbe)(nil)
	_ service.Runner      = (*HealthProbe)(nil)
)

// ServiceHealth represents the health status of a single service
type ServiceHealth struct {
	Name  string `json:"name"`
	Live  bool   `json:"live,omitempty"`
	Ready bool   `json:"ready,omitempty"`
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status   string          `json:"status"` // "ok" or "unhealthy"
	Services []ServiceHealth `json:"services,omitempty"`
}

// NewHealthProbe creates a new HealthProbe service
func NewHealthProbe(apiServer APIService, services []service.Service, logger *slog.Logger) *HealthProbe {
	return &HealthProbe{
		logger:    logger.With("service", "health-probe"),
		apiServer: apiServer,
		services:  services,
	}
}

func (h *HealthProbe) Name() string {
	return "health-probe"
}

func (h *HealthProbe) Init() error {
	probes := []struct {
		endpoint, summary, description string
		handler                        http.HandlerFunc
	}{
		{"/probe/livez", "Liveness Probe", "Returns 200 if all services are alive", h.handleLiveness},
		{"/probe/readyz", "Readiness Probe", "Returns 200 if all services are ready", h.handleReadiness},
	}
	for _, p := range probes {
		if err := h.apiServer.Register(p.endpoint, p.summary, p.description, p.handler); err != nil {
			return err
		}
	}

	h.logger.Info("Health probe endpoints registered")
	return nil
}

// Run blocks until ctx is done; probes are answered by the API server
func (h *HealthProbe) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (h *HealthProbe) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, func(svc service.Service) (ServiceHealth, bool) {
		c, ok := svc.(service.LiveChecker)
		if !ok {
			return ServiceHealth{}, false
		}
		return ServiceHealth{Name: svc.Name(), Live: c.IsLive()}, true
	}, func(s ServiceHealth) bool { return s.Live })
}

func (h *HealthProbe) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, func(svc service.Service) (ServiceHealth, bool) {
		c, ok := svc.(service.ReadyChecker)
		if !ok {
			return ServiceHealth{}, false
		}
		return ServiceHealth{Name: svc.Name(), Ready: c.IsReady()}, true
	}, func(s ServiceHealth) bool { return s.Ready })
}

// respond checks every service that check applies to and answers 503 unless
// all of them pass
func (h *HealthProbe) respond(w http.ResponseWriter,
	check func(service.Service) (ServiceHealth, bool),
	healthy func(ServiceHealth) bool,
) {
	status := HealthStatus{
		Status:   "ok",
		Services: make([]ServiceHealth, 0, len(h.services)),
	}

	code := http.StatusOK
	for _, svc := range h.services {
		sh, ok := check(svc)
		if !ok {
			continue
		}
		status.Services = append(status.Services, sh)
		if !healthy(sh) {
			status.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}
