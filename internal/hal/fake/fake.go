// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package fake provides an in-memory power service. It is used by tests and
// by the development mode of the daemon; it is not intended for production.
package fake

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/sustainable-computing-io/power-advisor/internal/hal"
)

// Names of the recorded calls
const (
	CallPowerHintAsync           = "PowerHintAsync"
	CallIsModeSupported          = "IsModeSupported"
	CallIsBoostSupported         = "IsBoostSupported"
	CallSetMode                  = "SetMode"
	CallSetBoost                 = "SetBoost"
	CallHintSessionPreferredRate = "HintSessionPreferredRate"
	CallCreateHintSession        = "CreateHintSession"
	CallUpdateTargetWorkDuration = "UpdateTargetWorkDuration"
	CallReportActualWorkDuration = "ReportActualWorkDuration"
	CallCloseHintSession         = "CloseHintSession"
)

// Call is a single recorded invocation
type Call struct {
	Name string
	Args []any
}

// Service implements both hal.LegacyPower and hal.ModernPower
type Service struct {
	mu sync.Mutex

	modes        map[hal.Mode]bool
	boosts       map[hal.Boost]bool
	hintSessions bool
	rateNanos    int64

	failures map[string]error
	calls    []Call
	sessions []*Session
	nextID   int
}

var (
	_ hal.LegacyPower = (*Service)(nil)
	_ hal.ModernPower = (*Service)(nil)
)

// OptFn configures a Service
type OptFn func(*Service)

// WithMode marks a mode as supported
func WithMode(m hal.Mode) OptFn {
	return func(s *Service) {
		s.modes[m] = true
	}
}

// WithBoost marks a boost as supported
func WithBoost(b hal.Boost) OptFn {
	return func(s *Service) {
		s.boosts[b] = true
	}
}

// WithHintSessions enables hint session support
func WithHintSessions(rateNanos int64) OptFn {
	return func(s *Service) {
		s.hintSessions = true
		s.rateNanos = rateNanos
	}
}

// NewService creates a fake power service with nothing supported unless
// enabled through options.
func NewService(opts ...OptFn) *Service {
	s := &Service{
		modes:    map[hal.Mode]bool{},
		boosts:   map[hal.Boost]bool{},
		failures: map[string]error{},
	}
	for _, apply := range opts {
		apply(s)
	}
	return s
}

// NewFullService creates a fake service supporting every mode, boost and hint sessions
func NewFullService() *Service {
	return NewService(
		WithMode(hal.ModeExpensiveRendering),
		WithBoost(hal.BoostDisplayUpdateImminent),
		WithHintSessions(16_666_666),
	)
}

// Fail makes every subsequent call with the given name return err
func (s *Service) Fail(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[name] = err
}

// Recover undoes Fail for the given call name
func (s *Service) Recover(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, name)
}

// Calls returns a copy of all recorded calls
func (s *Service) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallCount returns how many times the named call was made
func (s *Service) CallCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Name == name {
			n++
		}
	}
	return n
}

// CallsNamed returns the recorded calls with the given name
func (s *Service) CallsNamed(name string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ret []Call
	for _, c := range s.calls {
		if c.Name == name {
			ret = append(ret, c)
		}
	}
	return ret
}

// ResetCalls forgets all recorded calls
func (s *Service) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// Sessions returns every hint session ever created
func (s *Service) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sessions)
}

// OpenSessions returns the hint sessions that have not been closed
func (s *Service) OpenSessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ret []*Session
	for _, hs := range s.sessions {
		if !hs.closed {
			ret = append(ret, hs)
		}
	}
	return ret
}

// Session looks up a hint session by id
func (s *Service) Session(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, hs := range s.sessions {
		if hs.id == id {
			return hs, true
		}
	}
	return nil, false
}

// record stores the call and returns the configured failure, if any.
// Callers must hold s.mu.
func (s *Service) record(name string, args ...any) error {
	s.calls = append(s.calls, Call{Name: name, Args: args})
	return s.failures[name]
}

func (s *Service) PowerHintAsync(_ context.Context, hint hal.Hint, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record(CallPowerHintAsync, hint, enabled)
}

func (s *Service) IsModeSupported(_ context.Context, mode hal.Mode) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(CallIsModeSupported, mode); err != nil {
		return false, err
	}
	return s.modes[mode], nil
}

func (s *Service) IsBoostSupported(_ context.Context, boost hal.Boost) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(CallIsBoostSupported, boost); err != nil {
		return false, err
	}
	return s.boosts[boost], nil
}

func (s *Service) SetMode(_ context.Context, mode hal.Mode, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(CallSetMode, mode, enabled); err != nil {
		return err
	}
	if !s.modes[mode] {
		return hal.ErrUnsupported
	}
	return nil
}

func (s *Service) SetBoost(_ context.Context, boost hal.Boost, durationMs int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(CallSetBoost, boost, durationMs); err != nil {
		return err
	}
	if !s.boosts[boost] {
		return hal.ErrUnsupported
	}
	return nil
}

func (s *Service) HintSessionPreferredRate(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(CallHintSessionPreferredRate); err != nil {
		return 0, err
	}
	if !s.hintSessions {
		return 0, hal.ErrUnsupported
	}
	return s.rateNanos, nil
}

func (s *Service) CreateHintSession(_ context.Context, tgid, uid int32, threadIDs []int32, targetNanos int64) (hal.HintSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tids := slices.Clone(threadIDs)
	if err := s.record(CallCreateHintSession, tgid, uid, tids, targetNanos); err != nil {
		return nil, err
	}
	if !s.hintSessions {
		return nil, hal.ErrUnsupported
	}
	if len(tids) == 0 {
		return nil, fmt.Errorf("hint session requires thread ids")
	}

	s.nextID++
	hs := &Session{
		svc:       s,
		id:        fmt.Sprintf("session-%d", s.nextID),
		tgid:      tgid,
		uid:       uid,
		threadIDs: tids,
		targets:   []int64{targetNanos},
	}
	s.sessions = append(s.sessions, hs)
	return hs, nil
}

// Session is a hint session created on a fake Service
type Session struct {
	svc *Service

	id        string
	tgid      int32
	uid       int32
	threadIDs []int32
	targets   []int64
	reports   [][]hal.WorkDuration
	closed    bool
}

var _ hal.HintSession = (*Session)(nil)

func (hs *Session) UpdateTargetWorkDuration(_ context.Context, targetNanos int64) error {
	hs.svc.mu.Lock()
	defer hs.svc.mu.Unlock()
	if err := hs.svc.record(CallUpdateTargetWorkDuration, hs.id, targetNanos); err != nil {
		return err
	}
	if hs.closed {
		return fmt.Errorf("hint session %s is closed", hs.id)
	}
	hs.targets = append(hs.targets, targetNanos)
	return nil
}

func (hs *Session) ReportActualWorkDuration(_ context.Context, durations []hal.WorkDuration) error {
	hs.svc.mu.Lock()
	defer hs.svc.mu.Unlock()
	batch := slices.Clone(durations)
	if err := hs.svc.record(CallReportActualWorkDuration, hs.id, batch); err != nil {
		return err
	}
	if hs.closed {
		return fmt.Errorf("hint session %s is closed", hs.id)
	}
	hs.reports = append(hs.reports, batch)
	return nil
}

func (hs *Session) Close(_ context.Context) error {
	hs.svc.mu.Lock()
	defer hs.svc.mu.Unlock()
	if err := hs.svc.record(CallCloseHintSession, hs.id); err != nil {
		return err
	}
	hs.closed = true
	return nil
}

func (hs *Session) ID() string {
	return hs.id
}

func (hs *Session) ThreadIDs() []int32 {
	hs.svc.mu.Lock()
	defer hs.svc.mu.Unlock()
	return slices.Clone(hs.threadIDs)
}

// Targets returns the initial target followed by every target update
func (hs *Session) Targets() []int64 {
	hs.svc.mu.Lock()
	defer hs.svc.mu.Unlock()
	return slices.Clone(hs.targets)
}

// Reports returns every batch of actual durations received
func (hs *Session) Reports() [][]hal.WorkDuration {
	hs.svc.mu.Lock()
	defer hs.svc.mu.Unlock()
	return slices.Clone(hs.reports)
}

func (hs *Session) Closed() bool {
	hs.svc.mu.Lock()
	defer hs.svc.mu.Unlock()
	return hs.closed
}
