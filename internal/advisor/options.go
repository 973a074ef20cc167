// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package advisor

import (
	"log/slog"
	"os"
	"time"

	"k8s.io/utils/clock"
)

// Opts holds the tunables shared by the PowerAdvisor, the Connector and the
// backend sessions the Connector produces.
type Opts struct {
	logger *slog.Logger
	clock  clock.Clock

	// power advisor
	updateImminentTimeout time.Duration
	targetSafetyMargin    time.Duration
	powerHintEnabled      *bool

	// backend calls
	callTimeout   time.Duration
	lookupTimeout time.Duration
	tgid          int32
	uid           int32

	// hint session reporting
	traceHintSessions bool
	normalizeTarget   bool
	targetDeviation   float64
	actualDeviation   float64
	staleTimeout      time.Duration
	defaultTarget     time.Duration
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:                slog.Default(),
		clock:                 clock.RealClock{},
		updateImminentTimeout: 80 * time.Millisecond,
		targetSafetyMargin:    1 * time.Millisecond,
		callTimeout:           time.Second,
		lookupTimeout:         5 * time.Second,
		tgid:                  int32(os.Getpid()),
		uid:                   int32(os.Getuid()),
		targetDeviation:       0.05,
		actualDeviation:       0.1,
		staleTimeout:          100 * time.Millisecond,
		defaultTarget:         50 * time.Millisecond,
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

// WithClock sets the clock used for debouncing and report staleness
func WithClock(c clock.Clock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithUpdateImminentTimeout sets the debounce window for display update
// imminent notifications; 0 disables debouncing.
func WithUpdateImminentTimeout(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.updateImminentTimeout = d
	}
}

// WithTargetSafetyMargin sets the margin subtracted from requested target durations
func WithTargetSafetyMargin(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.targetSafetyMargin = d
	}
}

// WithPowerHintEnabled sets the initial power hint policy
func WithPowerHintEnabled(enabled *bool) OptionFn {
	return func(o *Opts) {
		o.powerHintEnabled = enabled
	}
}

// WithCallTimeout bounds every call made on a connected power service
func WithCallTimeout(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.callTimeout = d
	}
}

// WithLookupTimeout bounds a single service lookup
func WithLookupTimeout(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.lookupTimeout = d
	}
}

// WithProcess sets the process and user ids hint sessions are created for
func WithProcess(tgid, uid int32) OptionFn {
	return func(o *Opts) {
		o.tgid = tgid
		o.uid = uid
	}
}

// WithTraceHintSessions enables per-sample hint session tracing
func WithTraceHintSessions(enabled bool) OptionFn {
	return func(o *Opts) {
		o.traceHintSessions = enabled
	}
}

// WithNormalizeTarget selects normalized reporting instead of proportional
// reporting; target updates are then never pushed to the service.
func WithNormalizeTarget(enabled bool) OptionFn {
	return func(o *Opts) {
		o.normalizeTarget = enabled
	}
}

// WithTargetDeviation sets the relative change required before a new target is pushed
func WithTargetDeviation(ratio float64) OptionFn {
	return func(o *Opts) {
		o.targetDeviation = ratio
	}
}

// WithActualDeviation sets the relative change in actual duration that
// forces queued reports to be sent
func WithActualDeviation(ratio float64) OptionFn {
	return func(o *Opts) {
		o.actualDeviation = ratio
	}
}

// WithStaleTimeout sets the maximum time queued reports are held back
func WithStaleTimeout(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.staleTimeout = d
	}
}

// WithDefaultTarget sets the target a hint session starts with before any
// target is set
func WithDefaultTarget(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.defaultTarget = d
	}
}
