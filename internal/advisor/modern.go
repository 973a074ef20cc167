// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package advisor

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/sustainable-computing-io/power-advisor/internal/hal"
	"k8s.io/utils/clock"
)

// modernSession talks to the second generation of the power service. It owns
// at most one hint session and rate limits the target and actual durations
// reported to it.
//
// modernSession is not safe for concurrent use; the PowerAdvisor serializes
// all calls.
type modernSession struct {
	logger   *slog.Logger
	power    hal.ModernPower
	clock    clock.PassiveClock
	counters *counters

	callTimeout time.Duration
	tgid, uid   int32

	traceHintSessions bool
	normalizeTarget   bool
	targetDeviation   float64
	actualDeviation   float64
	staleTimeout      time.Duration
	defaultTarget     time.Duration

	// capabilities, fixed for the lifetime of the session
	hasExpensiveRendering    bool
	hasDisplayUpdateImminent bool
	supportsHintSession      bool

	hintSession     hal.HintSession
	threadIDs       []int32
	shouldReconnect bool

	targetDuration         time.Duration
	lastTargetDurationSent time.Duration

	// most recent reported (adjusted) actual duration
	actualDuration         *time.Duration
	lastActualDurationSent *time.Duration
	lastActualReportTime   time.Time
	pendingReports         []hal.WorkDuration
}

var _ Session = (*modernSession)(nil)

// newModernSession probes the capabilities of the service. Failing probes
// mark the capability as unsupported; they never fail the connection.
func newModernSession(power hal.ModernPower, opts Opts, c *counters) *modernSession {
	s := &modernSession{
		logger:                 opts.logger.With("generation", hal.GenerationModern.String()),
		power:                  power,
		clock:                  opts.clock,
		counters:               c,
		callTimeout:            opts.callTimeout,
		tgid:                   opts.tgid,
		uid:                    opts.uid,
		traceHintSessions:      opts.traceHintSessions,
		normalizeTarget:        opts.normalizeTarget,
		targetDeviation:        opts.targetDeviation,
		actualDeviation:        opts.actualDeviation,
		staleTimeout:           opts.staleTimeout,
		defaultTarget:          opts.defaultTarget,
		targetDuration:         opts.defaultTarget,
		lastTargetDurationSent: opts.defaultTarget,
	}

	// each probe gets its own deadline so a slow one cannot starve the others
	supported, err := probe(s, func(ctx context.Context) (bool, error) {
		return power.IsModeSupported(ctx, hal.ModeExpensiveRendering)
	})
	if err != nil {
		s.logger.Debug("Failed to query expensive rendering mode", "error", err)
	}
	s.hasExpensiveRendering = err == nil && supported

	supported, err = probe(s, func(ctx context.Context) (bool, error) {
		return power.IsBoostSupported(ctx, hal.BoostDisplayUpdateImminent)
	})
	if err != nil {
		s.logger.Debug("Failed to query display update imminent boost", "error", err)
	}
	s.hasDisplayUpdateImminent = err == nil && supported

	// any error, including an unsupported operation, means no hint sessions
	_, err = probe(s, power.HintSessionPreferredRate)
	s.counters.call(CallHintSessionSupport, err)
	s.supportsHintSession = err == nil

	s.logger.Info("Probed power service capabilities",
		"expensiveRendering", s.hasExpensiveRendering,
		"displayUpdateImminent", s.hasDisplayUpdateImminent,
		"hintSession", s.supportsHintSession)
	return s
}

func (s *modernSession) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.callTimeout)
}

func probe[T any](s *modernSession, call func(context.Context) (T, error)) (T, error) {
	ctx, cancel := s.callContext()
	defer cancel()
	return call(ctx)
}

func (s *modernSession) Generation() hal.Generation {
	return hal.GenerationModern
}

func (s *modernSession) SetExpensiveRendering(enabled bool) bool {
	s.logger.Debug("setExpensiveRendering", "enabled", enabled)
	if !s.hasExpensiveRendering {
		s.logger.Debug("Skipped sending expensive rendering mode; not supported by power service")
		return true
	}

	ctx, cancel := s.callContext()
	defer cancel()
	err := s.power.SetMode(ctx, hal.ModeExpensiveRendering, enabled)
	s.counters.call(CallSetMode, err)
	if err != nil {
		s.logger.Warn("Failed to set expensive rendering mode", "enabled", enabled, "error", err)
		return false
	}
	traceExpensiveRendering(s.logger, enabled)
	return true
}

func (s *modernSession) NotifyDisplayUpdateImminent() bool {
	s.logger.Debug("notifyDisplayUpdateImminent")
	if !s.hasDisplayUpdateImminent {
		s.logger.Debug("Skipped sending display update imminent boost; not supported by power service")
		return true
	}

	ctx, cancel := s.callContext()
	defer cancel()
	err := s.power.SetBoost(ctx, hal.BoostDisplayUpdateImminent, 0)
	s.counters.call(CallSetBoost, err)
	if err != nil {
		s.logger.Warn("Failed to send display update imminent boost", "error", err)
		return false
	}
	return true
}

func (s *modernSession) SupportsPowerHintSession() bool {
	return s.supportsHintSession
}

func (s *modernSession) IsPowerHintSessionRunning() bool {
	return s.hintSession != nil
}

func (s *modernSession) StartPowerHintSession() bool {
	if s.hintSession != nil || len(s.threadIDs) == 0 {
		s.logger.Debug("Cannot start power hint session, skipping",
			"running", s.hintSession != nil, "threads", len(s.threadIDs))
		return false
	}

	ctx, cancel := s.callContext()
	defer cancel()
	hs, err := s.power.CreateHintSession(ctx, s.tgid, s.uid, slices.Clone(s.threadIDs), s.targetDuration.Nanoseconds())
	s.counters.call(CallCreateHintSession, err)
	if err != nil {
		s.logger.Warn("Failed to start power hint session", "error", err)
		return false
	}

	s.hintSession = hs
	s.lastTargetDurationSent = s.targetDuration
	s.counters.update(func(c *counters) { c.lastTargetSent = s.targetDuration })
	s.logger.Info("Started power hint session", "threads", s.threadIDs, "target", s.targetDuration)
	return true
}

func (s *modernSession) closePowerHintSession() {
	if s.hintSession == nil {
		return
	}
	ctx, cancel := s.callContext()
	defer cancel()
	err := s.hintSession.Close(ctx)
	s.counters.call(CallCloseHintSession, err)
	if err != nil {
		s.logger.Warn("Failed to close power hint session", "error", err)
	}
	s.hintSession = nil
}

func (s *modernSession) RestartPowerHintSession() {
	s.closePowerHintSession()
	s.StartPowerHintSession()
}

// SetPowerHintSessionThreadIDs restarts a running hint session when the set
// changes since sessions cannot be updated in place.
func (s *modernSession) SetPowerHintSessionThreadIDs(threadIDs []int32) {
	if slices.Equal(threadIDs, s.threadIDs) {
		return
	}
	s.threadIDs = slices.Clone(threadIDs)
	if s.IsPowerHintSessionRunning() {
		s.RestartPowerHintSession()
	}
}

func (s *modernSession) PowerHintSessionThreadIDs() []int32 {
	return slices.Clone(s.threadIDs)
}

func (s *modernSession) TargetWorkDuration() (time.Duration, bool) {
	return s.targetDuration, true
}

// shouldSetTargetDuration reports whether target differs enough from the last
// target sent to be worth a call.
func (s *modernSession) shouldSetTargetDuration(target time.Duration) bool {
	if target <= 0 {
		return false
	}
	return math.Abs(1.0-float64(s.lastTargetDurationSent)/float64(target)) >= s.targetDeviation
}

func (s *modernSession) SetTargetWorkDuration(target time.Duration) {
	s.targetDuration = target
	if s.traceHintSessions {
		s.logger.Debug("hint session trace", "timeTarget", target)
	}
	if s.normalizeTarget || !s.IsPowerHintSessionRunning() || !s.shouldSetTargetDuration(target) {
		return
	}

	if s.traceHintSessions && s.lastActualDurationSent != nil {
		s.logger.Debug("hint session trace", "targetErrorTerm", target-*s.lastActualDurationSent)
	}
	s.logger.Debug("Sending target time", "target", target)
	s.lastTargetDurationSent = target

	ctx, cancel := s.callContext()
	defer cancel()
	err := s.hintSession.UpdateTargetWorkDuration(ctx, target.Nanoseconds())
	s.counters.call(CallUpdateTarget, err)
	if err != nil {
		s.logger.Warn("Failed to set power hint target work duration", "error", err)
		s.shouldReconnect = true
		return
	}
	s.counters.update(func(c *counters) {
		c.targetUpdates++
		c.lastTargetSent = target
	})
}

// reportedDuration adjusts a measured duration to the last target the service
// knows about. The result is never negative.
func (s *modernSession) reportedDuration(actual time.Duration) time.Duration {
	if s.normalizeTarget {
		return max(actual+s.lastTargetDurationSent-s.targetDuration, 0)
	}

	// a target change within the deviation threshold was never sent; scale the
	// sample so the service still sees the overshoot or undershoot
	if s.lastTargetDurationSent != s.defaultTarget && s.targetDuration > 0 {
		ratio := float64(s.lastTargetDurationSent) / float64(s.targetDuration)
		return max(time.Duration(ratio*float64(actual)), 0)
	}
	return actual
}

// shouldReportActualDurationsNow decides whether the pending batch is sent
func (s *modernSession) shouldReportActualDurationsNow() bool {
	// never reported, or about to let the session go stale
	if s.lastActualDurationSent == nil || s.clock.Since(s.lastActualReportTime) > s.staleTimeout {
		return true
	}
	if s.actualDuration == nil {
		return false
	}

	mostRecent := float64(*s.actualDuration)
	lastSent := float64(*s.lastActualDurationSent)
	if lastSent == 0 {
		return mostRecent != 0
	}
	return math.Abs(1.0-mostRecent/lastSent) >= s.actualDeviation
}

func (s *modernSession) SendActualWorkDuration(actual time.Duration, timestamp time.Time) {
	if actual < 0 || !s.IsPowerHintSessionRunning() {
		s.logger.Debug("Failed to send actual work duration, skipping",
			"actual", actual, "running", s.IsPowerHintSessionRunning())
		return
	}

	reported := s.reportedDuration(actual)
	s.actualDuration = &reported
	s.pendingReports = append(s.pendingReports, hal.NewWorkDuration(reported, timestamp))

	if s.traceHintSessions {
		s.logger.Debug("hint session trace",
			"measuredDuration", actual,
			"targetErrorTerm", s.targetDuration-actual,
			"reportedDuration", reported,
			"reportedTarget", s.lastTargetDurationSent,
			"reportedTargetErrorTerm", s.lastTargetDurationSent-reported)
	}

	if !s.shouldReportActualDurationsNow() {
		return
	}

	s.logger.Debug("Sending hint update batch", "size", len(s.pendingReports))
	s.lastActualReportTime = s.clock.Now()
	batch := s.pendingReports
	s.pendingReports = nil
	// relative changes are measured against the adjusted value
	s.lastActualDurationSent = &reported

	ctx, cancel := s.callContext()
	defer cancel()
	err := s.hintSession.ReportActualWorkDuration(ctx, batch)
	s.counters.call(CallReportActual, err)
	if err != nil {
		// the batch is dropped rather than requeued
		s.logger.Warn("Failed to report actual work durations", "error", err, "dropped", len(batch))
		s.shouldReconnect = true
		s.counters.update(func(c *counters) { c.droppedDurations += uint64(len(batch)) })
		return
	}
	s.counters.update(func(c *counters) {
		c.reportBatches++
		c.reportedDurations += uint64(len(batch))
		c.lastReportedActual = reported
	})
}

func (s *modernSession) ShouldReconnect() bool {
	return s.shouldReconnect
}

func (s *modernSession) Close() {
	s.closePowerHintSession()
}
