// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sustainable-computing-io/power-advisor/internal/hal"
	"github.com/sustainable-computing-io/power-advisor/internal/service"
	"github.com/sustainable-computing-io/power-advisor/internal/timer"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"
)

// ErrInvalidArgument marks arguments rejected before reaching the power service
var ErrInvalidArgument = errors.New("invalid argument")

// DisplayID identifies a display of the renderer
type DisplayID uint64

// Renderer is the collaborator told to stop expensive rendering once display
// updates have been idle for the update imminent timeout.
type Renderer interface {
	DisableExpensiveRendering()
}

// RendererFunc adapts a function to the Renderer interface
type RendererFunc func()

func (f RendererFunc) DisableExpensiveRendering() { f() }

// State of the connection to the power service
type State int

const (
	// StateNoBackend: no connection has been attempted yet
	StateNoBackend State = iota
	// StateProbing: a connection attempt is in progress
	StateProbing
	// StateConnected: a session is live
	StateConnected
	// StateStale: a call failed; the next operation reconnects
	StateStale
	// StateUnreachable: no generation was found; no further attempts are made
	StateUnreachable
	// StateClosed: the advisor has been shut down
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNoBackend:
		return "no-backend"
	case StateProbing:
		return "probing"
	case StateConnected:
		return "connected"
	case StateStale:
		return "stale"
	case StateUnreachable:
		return "unreachable"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PowerAdvisor forwards rendering power hints to the power service. It
// connects lazily, reconnects after failures and gives up for good once no
// generation of the service can be found.
type PowerAdvisor struct {
	logger    *slog.Logger
	clock     clock.Clock
	connector Connector
	renderer  Renderer
	counters  *counters

	targetSafetyMargin time.Duration

	bootFinished       atomic.Bool
	initialized        atomic.Bool
	sendUpdateImminent atomic.Bool
	lastScreenUpdate   atomic.Pointer[time.Time]
	updateTimeout      atomic.Int64
	screenUpdateTimer  *timer.OneShot

	// mu guards everything below and serializes every call on session
	mu                         sync.Mutex
	state                      State
	session                    Session
	supportsPowerHint          *bool
	powerHintEnabled           *bool
	expensiveDisplays          map[DisplayID]struct{}
	notifiedExpensiveRendering bool
}

var (
	_ service.Service      = (*PowerAdvisor)(nil)
	_ service.Initializer  = (*PowerAdvisor)(nil)
	_ service.Runner       = (*PowerAdvisor)(nil)
	_ service.Shutdowner   = (*PowerAdvisor)(nil)
	_ service.LiveChecker  = (*PowerAdvisor)(nil)
	_ service.ReadyChecker = (*PowerAdvisor)(nil)
)

// countingConnector is implemented by connectors whose sessions can report
// into the advisor's counters
type countingConnector interface {
	useCounters(*counters)
}

// NewPowerAdvisor creates a PowerAdvisor. No connection is made until the
// first operation that needs the power service.
func NewPowerAdvisor(connector Connector, renderer Renderer, applyOpts ...OptionFn) *PowerAdvisor {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	a := &PowerAdvisor{
		logger:             opts.logger.With("service", "power-advisor"),
		clock:              opts.clock,
		connector:          connector,
		renderer:           renderer,
		counters:           newCounters(),
		targetSafetyMargin: opts.targetSafetyMargin,
		powerHintEnabled:   opts.powerHintEnabled,
		expensiveDisplays:  map[DisplayID]struct{}{},
	}
	if cc, ok := connector.(countingConnector); ok {
		cc.useCounters(a.counters)
	}

	a.sendUpdateImminent.Store(true)
	a.lastScreenUpdate.Store(ptr.To(a.clock.Now()))
	a.updateTimeout.Store(int64(opts.updateImminentTimeout))

	if opts.updateImminentTimeout > 0 {
		a.screenUpdateTimer = timer.NewOneShot("update-imminent", opts.updateImminentTimeout,
			timer.WithLogger(a.logger),
			timer.WithClock(opts.clock),
			timer.OnReset(func() { a.sendUpdateImminent.Store(false) }),
			timer.OnTimeout(a.onUpdateImminentTimeout),
		)
	}
	return a
}

func (a *PowerAdvisor) Name() string {
	return "power-advisor"
}

// Init starts the update imminent timer
func (a *PowerAdvisor) Init() error {
	if a.screenUpdateTimer != nil {
		a.screenUpdateTimer.Start()
	}
	a.initialized.Store(true)
	a.logger.Info("Power advisor initialized", "updateImminentTimeout", a.UpdateImminentTimeout())
	return nil
}

// Run keeps the advisor in the run group so that it is shut down together
// with the services that drive it. All work happens on the callers' goroutines
// and the update imminent timer.
func (a *PowerAdvisor) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Shutdown stops the timer and releases the session. No connection is
// attempted afterwards.
func (a *PowerAdvisor) Shutdown() error {
	a.logger.Info("shutting down power advisor")
	if a.screenUpdateTimer != nil {
		a.screenUpdateTimer.Stop()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		a.session.Close()
		a.session = nil
	}
	a.state = StateClosed
	return nil
}

func (a *PowerAdvisor) IsLive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state != StateClosed
}

func (a *PowerAdvisor) IsReady() bool {
	return a.initialized.Load() && a.IsLive()
}

// OnBootFinished enables the hints that must not be sent during early boot
func (a *PowerAdvisor) OnBootFinished() {
	a.bootFinished.Store(true)
}

// UpdateImminentTimeout returns the current debounce window
func (a *PowerAdvisor) UpdateImminentTimeout() time.Duration {
	return time.Duration(a.updateTimeout.Load())
}

// ErrDebounceDisabled is returned when the update imminent timeout is changed
// on an advisor created without a debounce timer
var ErrDebounceDisabled = errors.New("update imminent debounce disabled")

// SetUpdateImminentTimeout changes the idle time required before the renderer
// is told to disable expensive rendering. It does not change the timer
// interval; a longer value delays the timeout callback.
func (a *PowerAdvisor) SetUpdateImminentTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("update imminent timeout %v: %w", d, ErrInvalidArgument)
	}
	if a.screenUpdateTimer == nil {
		return ErrDebounceDisabled
	}
	a.updateTimeout.Store(int64(d))
	a.logger.Info("Update imminent timeout changed", "timeout", d, "timerInterval", a.screenUpdateTimer.Interval())
	return nil
}

// onUpdateImminentTimeout runs on the timer goroutine
func (a *PowerAdvisor) onUpdateImminentTimeout() {
	// the timer may fire shortly after a display update raced with it; wait
	// until a full timeout has passed since the last update
	for {
		timeout := a.UpdateImminentTimeout()
		idle := a.clock.Since(*a.lastScreenUpdate.Load())
		if idle >= timeout {
			break
		}
		a.clock.Sleep(timeout - idle)
	}

	a.sendUpdateImminent.Store(true)
	a.counters.update(func(c *counters) { c.renderingTimeouts++ })
	if a.renderer != nil {
		a.renderer.DisableExpensiveRendering()
	}
}

// SetExpensiveRenderingExpected records whether a display expects expensive
// rendering. The power service is only told when the aggregate over all
// displays changes.
func (a *PowerAdvisor) SetExpensiveRenderingExpected(display DisplayID, expected bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if expected {
		a.expensiveDisplays[display] = struct{}{}
	} else {
		delete(a.expensiveDisplays, display)
	}

	expectsExpensiveRendering := len(a.expensiveDisplays) > 0
	if a.notifiedExpensiveRendering == expectsExpensiveRendering {
		return
	}

	s := a.sessionLocked()
	if s == nil {
		return
	}
	if !s.SetExpensiveRendering(expectsExpensiveRendering) {
		a.markStaleLocked()
		return
	}
	a.notifiedExpensiveRendering = expectsExpensiveRendering
}

// ExpensiveDisplays returns the displays currently expecting expensive rendering
func (a *PowerAdvisor) ExpensiveDisplays() []DisplayID {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]DisplayID, 0, len(a.expensiveDisplays))
	for id := range a.expensiveDisplays {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// NotifyDisplayUpdateImminent tells the power service a display update is
// coming. At most one notification is sent per update imminent timeout.
func (a *PowerAdvisor) NotifyDisplayUpdateImminent() {
	// avoid an early boot dependency on the power service
	if !a.bootFinished.Load() {
		return
	}

	if a.sendUpdateImminent.CompareAndSwap(true, false) {
		a.notifyDisplayUpdateImminent()
	} else {
		a.counters.update(func(c *counters) { c.suppressed++ })
	}

	if a.screenUpdateTimer != nil {
		a.lastScreenUpdate.Store(ptr.To(a.clock.Now()))
	}
}

func (a *PowerAdvisor) notifyDisplayUpdateImminent() {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.sessionLocked()
	if s == nil {
		a.sendUpdateImminent.Store(true)
		return
	}
	if !s.NotifyDisplayUpdateImminent() {
		a.markStaleLocked()
		// allow the next update to retry on a fresh connection
		a.sendUpdateImminent.Store(true)
		return
	}

	if a.screenUpdateTimer != nil {
		a.screenUpdateTimer.Reset()
	} else {
		// without a timer nothing is throttled
		a.sendUpdateImminent.Store(true)
	}
}

// EnablePowerHint sets the policy allowing hint sessions. It is expected to be
// called once the policy is known and before boot finishes.
func (a *PowerAdvisor) EnablePowerHint(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.powerHintEnabled = ptr.To(enabled)
}

// UsePowerHintSession reports whether hint sessions are both enabled and supported
func (a *PowerAdvisor) UsePowerHintSession() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usePowerHintSessionLocked()
}

// SupportsPowerHintSession reports whether the connected power service
// supports hint sessions. The answer is cached per connection.
func (a *PowerAdvisor) SupportsPowerHintSession() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.supportsPowerHintSessionLocked()
}

func (a *PowerAdvisor) IsPowerHintSessionRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session != nil && a.session.IsPowerHintSessionRunning()
}

// StartPowerHintSession opens a hint session for the given threads, or
// restarts the running one if the thread set changed. It returns whether a
// hint session is running afterwards.
func (a *PowerAdvisor) StartPowerHintSession(threadIDs []int32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(threadIDs) == 0 {
		a.logger.Debug("Power hint session cannot be started", "error", ErrInvalidArgument, "reason", "no thread ids")
		return a.session != nil && a.session.IsPowerHintSessionRunning()
	}
	if !a.usePowerHintSessionLocked() {
		a.logger.Info("Power hint session cannot be started, skipping")
		return false
	}

	s := a.sessionLocked()
	if s == nil {
		return false
	}
	s.SetPowerHintSessionThreadIDs(threadIDs)
	if !s.IsPowerHintSessionRunning() {
		s.StartPowerHintSession()
	}
	return s.IsPowerHintSessionRunning()
}

// SetTargetWorkDuration sets the expected duration of the upcoming work. The
// target safety margin is subtracted before it reaches the power service;
// targets that do not exceed the margin are rejected.
func (a *PowerAdvisor) SetTargetWorkDuration(target time.Duration) {
	adjusted := target - a.targetSafetyMargin
	if target < 0 || adjusted <= 0 {
		a.logger.Debug("Power hint session target duration rejected",
			"error", ErrInvalidArgument, "target", target, "margin", a.targetSafetyMargin)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.usePowerHintSessionLocked() {
		a.logger.Debug("Power hint session target duration cannot be set, skipping")
		return
	}
	if s := a.sessionLocked(); s != nil {
		s.SetTargetWorkDuration(adjusted)
	}
}

// SendActualWorkDuration reports the measured duration of completed work
func (a *PowerAdvisor) SendActualWorkDuration(actual time.Duration, timestamp time.Time) {
	if actual < 0 {
		a.logger.Debug("Actual work duration rejected", "error", ErrInvalidArgument, "actual", actual)
		return
	}
	if !a.bootFinished.Load() {
		a.logger.Debug("Actual work duration power hint cannot be sent before boot, skipping")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.usePowerHintSessionLocked() {
		a.logger.Debug("Actual work duration power hint cannot be sent, skipping")
		return
	}
	if s := a.sessionLocked(); s != nil {
		s.SendActualWorkDuration(actual, timestamp)
	}
}

// Stats returns a snapshot of the advisor state and counters
func (a *PowerAdvisor) Stats() Stats {
	a.mu.Lock()
	stats := Stats{
		State:              a.state,
		Generation:         hal.GenerationNone,
		BootFinished:       a.bootFinished.Load(),
		ExpensiveRendering: a.notifiedExpensiveRendering,
		ExpensiveDisplays:  len(a.expensiveDisplays),
	}
	if a.session != nil {
		stats.Generation = a.session.Generation()
		stats.SessionRunning = a.session.IsPowerHintSessionRunning()
	}
	if a.powerHintEnabled != nil {
		stats.PowerHintEnabled = ptr.To(*a.powerHintEnabled)
	}
	a.mu.Unlock()

	a.counters.fill(&stats)
	return stats
}

func (a *PowerAdvisor) usePowerHintSessionLocked() bool {
	return ptr.Deref(a.powerHintEnabled, false) && a.supportsPowerHintSessionLocked()
}

func (a *PowerAdvisor) supportsPowerHintSessionLocked() bool {
	if a.supportsPowerHint != nil {
		return *a.supportsPowerHint
	}
	s := a.sessionLocked()
	if s == nil {
		return false
	}
	a.supportsPowerHint = ptr.To(s.SupportsPowerHintSession())
	return *a.supportsPowerHint
}

func (a *PowerAdvisor) markStaleLocked() {
	if a.state == StateConnected {
		a.state = StateStale
	}
}

// sessionLocked returns a live session, connecting or reconnecting as needed.
// It returns nil once the power service is known to be unreachable.
func (a *PowerAdvisor) sessionLocked() Session {
	switch a.state {
	case StateUnreachable, StateClosed:
		return nil
	case StateConnected:
		if !a.session.ShouldReconnect() {
			return a.session
		}
		a.state = StateStale
	}

	// carry hint session parameters over to the new connection
	var threadIDs []int32
	var target time.Duration
	hasTarget := false
	if a.session != nil {
		a.logger.Info("Reconnecting power service", "generation", a.session.Generation())
		threadIDs = a.session.PowerHintSessionThreadIDs()
		target, hasTarget = a.session.TargetWorkDuration()
		a.session.Close()
		a.session = nil
		a.counters.update(func(c *counters) { c.reconnects++ })
	}
	a.supportsPowerHint = nil

	a.state = StateProbing
	a.counters.update(func(c *counters) { c.connectAttempts++ })
	s := a.connector.Connect()
	if s == nil {
		// a missing service is unlikely to appear later; stop trying
		a.logger.Warn("No power service available, disabling power advisor")
		a.state = StateUnreachable
		return nil
	}

	a.session = s
	a.state = StateConnected
	a.supportsPowerHint = ptr.To(s.SupportsPowerHintSession())
	a.logger.Info("Connected to power service", "generation", s.Generation(), "hintSession", *a.supportsPowerHint)

	s.SetPowerHintSessionThreadIDs(threadIDs)
	if hasTarget {
		s.SetTargetWorkDuration(target)
		if ptr.Deref(a.powerHintEnabled, false) && *a.supportsPowerHint && len(threadIDs) > 0 {
			s.StartPowerHintSession()
		}
	}
	return s
}
