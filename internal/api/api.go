// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package api exposes the power advisor to the renderer over HTTP
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sustainable-computing-io/power-advisor/internal/advisor"
	"github.com/sustainable-computing-io/power-advisor/internal/server"
	"github.com/sustainable-computing-io/power-advisor/internal/service"
	"github.com/sustainable-computing-io/power-advisor/internal/threads"
	"k8s.io/utils/clock"
)

// Advisor is the part of advisor.PowerAdvisor driven by the renderer
type Advisor interface {
	OnBootFinished()
	SetExpensiveRenderingExpected(display advisor.DisplayID, expected bool)
	NotifyDisplayUpdateImminent()
	SetUpdateImminentTimeout(d time.Duration) error
	EnablePowerHint(enabled bool)
	UsePowerHintSession() bool
	SupportsPowerHintSession() bool
	IsPowerHintSessionRunning() bool
	StartPowerHintSession(threadIDs []int32) bool
	SetTargetWorkDuration(target time.Duration)
	SendActualWorkDuration(actual time.Duration, timestamp time.Time)
	Stats() advisor.Stats
	ExpensiveDisplays() []advisor.DisplayID
}

const prefix = "/v1/"

// Opts for the renderer API
type Opts struct {
	logger   *slog.Logger
	clock    clock.PassiveClock
	resolver threads.Resolver
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		clock:  clock.RealClock{},
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock stamping actual durations sent without a timestamp
func WithClock(c clock.PassiveClock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithResolver allows hint sessions to be started for a pid
func WithResolver(r threads.Resolver) OptionFn {
	return func(o *Opts) {
		o.resolver = r
	}
}

// Service registers the renderer API on the API server
type Service struct {
	logger    *slog.Logger
	clock     clock.PassiveClock
	advisor   Advisor
	resolver  threads.Resolver
	apiServer server.APIService
	mux       *http.ServeMux
}

var (
	_ service.Service     = (*Service)(nil)
	_ service.Initializer = (*Service)(nil)
)

// NewService creates the renderer API for a
func NewService(apiServer server.APIService, a Advisor, applyOpts ...OptionFn) *Service {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	s := &Service{
		logger:    opts.logger.With("service", "renderer-api"),
		clock:     opts.clock,
		advisor:   a,
		resolver:  opts.resolver,
		apiServer: apiServer,
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /v1/boot-finished", s.bootFinished)
	s.mux.HandleFunc("PUT /v1/displays/{id}/expensive-rendering", s.expensiveRendering)
	s.mux.HandleFunc("POST /v1/display-update-imminent", s.displayUpdateImminent)
	s.mux.HandleFunc("PUT /v1/display-update-imminent/timeout", s.updateImminentTimeout)
	s.mux.HandleFunc("PUT /v1/power-hint", s.enablePowerHint)
	s.mux.HandleFunc("GET /v1/power-hint", s.powerHint)
	s.mux.HandleFunc("POST /v1/hint-session", s.startHintSession)
	s.mux.HandleFunc("PUT /v1/hint-session/target", s.targetWorkDuration)
	s.mux.HandleFunc("POST /v1/hint-session/actual", s.actualWorkDuration)
	s.mux.HandleFunc("GET /v1/status", s.status)
	return s
}

func (s *Service) Name() string {
	return "renderer-api"
}

func (s *Service) Init() error {
	return s.apiServer.Register(prefix, "Renderer API",
		"Power hints from the renderer, status at /v1/status", s)
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Service) bootFinished(w http.ResponseWriter, _ *http.Request) {
	s.advisor.OnBootFinished()
	w.WriteHeader(http.StatusNoContent)
}

type expensiveRenderingRequest struct {
	Expected bool `json:"expected"`
}

func (s *Service) expensiveRendering(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		s.badRequest(w, fmt.Errorf("invalid display id %q", r.PathValue("id")))
		return
	}
	var req expensiveRenderingRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.advisor.SetExpensiveRenderingExpected(advisor.DisplayID(id), req.Expected)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) displayUpdateImminent(w http.ResponseWriter, _ *http.Request) {
	s.advisor.NotifyDisplayUpdateImminent()
	w.WriteHeader(http.StatusNoContent)
}

type timeoutRequest struct {
	TimeoutNanos int64 `json:"timeoutNanos"`
}

func (s *Service) updateImminentTimeout(w http.ResponseWriter, r *http.Request) {
	var req timeoutRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.advisor.SetUpdateImminentTimeout(time.Duration(req.TimeoutNanos))
	switch {
	case errors.Is(err, advisor.ErrDebounceDisabled):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case err != nil:
		s.badRequest(w, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type powerHintRequest struct {
	Enabled bool `json:"enabled"`
}

// PowerHintStatus is returned by GET /v1/power-hint
type PowerHintStatus struct {
	Use       bool `json:"use"`
	Supported bool `json:"supported"`
	Running   bool `json:"running"`
}

func (s *Service) enablePowerHint(w http.ResponseWriter, r *http.Request) {
	var req powerHintRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.advisor.EnablePowerHint(req.Enabled)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) powerHint(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, PowerHintStatus{
		Use:       s.advisor.UsePowerHintSession(),
		Supported: s.advisor.SupportsPowerHintSession(),
		Running:   s.advisor.IsPowerHintSessionRunning(),
	})
}

type hintSessionRequest struct {
	ThreadIDs   []int32  `json:"threadIds"`
	PID         int      `json:"pid"`
	ThreadNames []string `json:"threadNames"`
}

// HintSessionStatus is returned when a hint session is started
type HintSessionStatus struct {
	Running   bool    `json:"running"`
	ThreadIDs []int32 `json:"threadIds"`
}

func (s *Service) startHintSession(w http.ResponseWriter, r *http.Request) {
	var req hintSessionRequest
	if !s.decode(w, r, &req) {
		return
	}

	threadIDs := req.ThreadIDs
	switch {
	case len(threadIDs) > 0:
	case req.PID == 0:
		s.badRequest(w, fmt.Errorf("threadIds or pid required: %w", advisor.ErrInvalidArgument))
		return
	case s.resolver == nil:
		s.badRequest(w, errors.New("thread resolution by pid is not available"))
		return
	default:
		ids, err := s.resolver.ThreadIDs(req.PID, req.ThreadNames...)
		if err != nil {
			s.badRequest(w, err)
			return
		}
		threadIDs = ids
	}

	running := s.advisor.StartPowerHintSession(threadIDs)
	s.writeJSON(w, http.StatusOK, HintSessionStatus{Running: running, ThreadIDs: threadIDs})
}

type targetRequest struct {
	TargetNanos int64 `json:"targetNanos"`
}

func (s *Service) targetWorkDuration(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.TargetNanos < 0 {
		s.badRequest(w, fmt.Errorf("negative target: %w", advisor.ErrInvalidArgument))
		return
	}
	s.advisor.SetTargetWorkDuration(time.Duration(req.TargetNanos))
	w.WriteHeader(http.StatusNoContent)
}

type actualRequest struct {
	ActualNanos    int64 `json:"actualNanos"`
	TimestampNanos int64 `json:"timestampNanos"`
}

func (s *Service) actualWorkDuration(w http.ResponseWriter, r *http.Request) {
	var req actualRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ActualNanos < 0 {
		s.badRequest(w, fmt.Errorf("negative actual duration: %w", advisor.ErrInvalidArgument))
		return
	}
	ts := s.clock.Now()
	if req.TimestampNanos != 0 {
		ts = time.Unix(0, req.TimestampNanos)
	}
	s.advisor.SendActualWorkDuration(time.Duration(req.ActualNanos), ts)
	w.WriteHeader(http.StatusNoContent)
}

// Status is returned by GET /v1/status
type Status struct {
	State              string              `json:"state"`
	Generation         string              `json:"generation"`
	BootFinished       bool                `json:"bootFinished"`
	PowerHintEnabled   *bool               `json:"powerHintEnabled"`
	SessionRunning     bool                `json:"sessionRunning"`
	ExpensiveRendering bool                `json:"expensiveRendering"`
	ExpensiveDisplays  []advisor.DisplayID `json:"expensiveDisplays"`

	ConnectAttempts uint64            `json:"connectAttempts"`
	Reconnects      uint64            `json:"reconnects"`
	Calls           map[string]uint64 `json:"calls"`
	CallFailures    map[string]uint64 `json:"callFailures"`

	TargetUpdates            uint64 `json:"targetUpdates"`
	ReportBatches            uint64 `json:"reportBatches"`
	ReportedDurations        uint64 `json:"reportedDurations"`
	DroppedDurations         uint64 `json:"droppedDurations"`
	UpdateImminentSuppressed uint64 `json:"updateImminentSuppressed"`
	LastTargetNanos          int64  `json:"lastTargetNanos"`
	LastReportedActualNanos  int64  `json:"lastReportedActualNanos"`
}

func (s *Service) status(w http.ResponseWriter, _ *http.Request) {
	st := s.advisor.Stats()
	s.writeJSON(w, http.StatusOK, Status{
		State:                    st.State.String(),
		Generation:               st.Generation.String(),
		BootFinished:             st.BootFinished,
		PowerHintEnabled:         st.PowerHintEnabled,
		SessionRunning:           st.SessionRunning,
		ExpensiveRendering:       st.ExpensiveRendering,
		ExpensiveDisplays:        s.advisor.ExpensiveDisplays(),
		ConnectAttempts:          st.ConnectAttempts,
		Reconnects:               st.Reconnects,
		Calls:                    st.Calls,
		CallFailures:             st.CallFailures,
		TargetUpdates:            st.TargetUpdates,
		ReportBatches:            st.ReportBatches,
		ReportedDurations:        st.ReportedDurations,
		DroppedDurations:         st.DroppedDurations,
		UpdateImminentSuppressed: st.UpdateImminentSuppressed,
		LastTargetNanos:          st.LastTargetSent.Nanoseconds(),
		LastReportedActualNanos:  st.LastReportedActual.Nanoseconds(),
	})
}

func (s *Service) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) badRequest(w http.ResponseWriter, err error) {
	s.logger.Debug("Rejected renderer request", "error", err)
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}
