// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package advisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/sustainable-computing-io/power-advisor/internal/hal"
)

// Session is a live connection to one generation of the power service.
// Operations a generation lacks are no-ops that report success. A Session is
// never reused once it has been replaced by a reconnect.
type Session interface {
	Generation() hal.Generation

	// SetExpensiveRendering and NotifyDisplayUpdateImminent return false
	// only when the service call itself failed.
	SetExpensiveRendering(enabled bool) bool
	NotifyDisplayUpdateImminent() bool

	SupportsPowerHintSession() bool
	IsPowerHintSessionRunning() bool
	StartPowerHintSession() bool
	RestartPowerHintSession()
	SetPowerHintSessionThreadIDs(threadIDs []int32)
	PowerHintSessionThreadIDs() []int32

	SetTargetWorkDuration(target time.Duration)
	// TargetWorkDuration returns false if the generation has no notion of a target
	TargetWorkDuration() (time.Duration, bool)
	SendActualWorkDuration(actual time.Duration, timestamp time.Time)

	// ShouldReconnect reports whether a call has failed in a way that
	// requires a fresh connection.
	ShouldReconnect() bool

	// Close releases the session, closing any open hint session
	Close()
}

// legacySession talks to the first generation of the power service, which
// only understands the expensive rendering hint.
type legacySession struct {
	logger      *slog.Logger
	power       hal.LegacyPower
	callTimeout time.Duration
	counters    *counters
}

var _ Session = (*legacySession)(nil)

func newLegacySession(power hal.LegacyPower, opts Opts, c *counters) *legacySession {
	return &legacySession{
		logger:      opts.logger.With("generation", hal.GenerationLegacy.String()),
		power:       power,
		callTimeout: opts.callTimeout,
		counters:    c,
	}
}

func (s *legacySession) Generation() hal.Generation {
	return hal.GenerationLegacy
}

func (s *legacySession) SetExpensiveRendering(enabled bool) bool {
	s.logger.Debug("setExpensiveRendering", "enabled", enabled)
	ctx, cancel := context.WithTimeout(context.Background(), s.callTimeout)
	defer cancel()

	err := s.power.PowerHintAsync(ctx, hal.HintExpensiveRendering, enabled)
	s.counters.call(CallPowerHint, err)
	if err != nil {
		s.logger.Warn("Failed to send expensive rendering hint", "enabled", enabled, "error", err)
		return false
	}
	traceExpensiveRendering(s.logger, enabled)
	return true
}

func (s *legacySession) NotifyDisplayUpdateImminent() bool {
	// the legacy service has no such notification
	s.logger.Debug("notifyDisplayUpdateImminent received but can't send")
	return true
}

func (s *legacySession) SupportsPowerHintSession() bool { return false }
func (s *legacySession) IsPowerHintSessionRunning() bool { return false }
func (s *legacySession) StartPowerHintSession() bool { return false }
func (s *legacySession) RestartPowerHintSession() {}
func (s *legacySession) SetPowerHintSessionThreadIDs([]int32) {}
func (s *legacySession) PowerHintSessionThreadIDs() []int32 { return nil }
func (s *legacySession) SetTargetWorkDuration(time.Duration) {}
func (s *legacySession) TargetWorkDuration() (time.Duration, bool) { return 0, false }
func (s *legacySession) SendActualWorkDuration(time.Duration, time.Time) {}
func (s *legacySession) ShouldReconnect() bool { return false }
func (s *legacySession) Close() {}

// traceExpensiveRendering records a mode change accepted by the power service
func traceExpensiveRendering(logger *slog.Logger, enabled bool) {
	if enabled {
		logger.Info("Expensive rendering started")
	} else {
		logger.Info("Expensive rendering ended")
	}
}
