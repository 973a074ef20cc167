// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package timer

import (
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// OneShot is a restartable countdown. Every Reset restarts the countdown and
// invokes the reset callback; when the countdown elapses without a Reset the
// timeout callback runs once and the timer stays idle until the next Reset.
//
// Callbacks run on the timer's own goroutine and must not block.
type OneShot struct {
	name      string
	interval  time.Duration
	clock     clock.Clock
	logger    *slog.Logger
	onReset   func()
	onTimeout func()

	resetCh chan struct{}
	stopCh  chan struct{}
	done    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

type Opts struct {
	logger    *slog.Logger
	clock     clock.Clock
	onReset   func()
	onTimeout func()
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:    slog.Default(),
		clock:     clock.RealClock{},
		onReset:   func() {},
		onTimeout: func() {},
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the timer
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock used to measure the countdown
func WithClock(c clock.Clock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// OnReset sets the callback invoked each time the countdown is restarted
func OnReset(fn func()) OptionFn {
	return func(o *Opts) {
		o.onReset = fn
	}
}

// OnTimeout sets the callback invoked when the countdown elapses
func OnTimeout(fn func()) OptionFn {
	return func(o *Opts) {
		o.onTimeout = fn
	}
}

// NewOneShot creates an idle timer; Start must be called before Reset has any effect.
func NewOneShot(name string, interval time.Duration, applyOpts ...OptionFn) *OneShot {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &OneShot{
		name:      name,
		interval:  interval,
		clock:     opts.clock,
		logger:    opts.logger.With("timer", name),
		onReset:   opts.onReset,
		onTimeout: opts.onTimeout,
		resetCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (t *OneShot) Name() string {
	return t.name
}

func (t *OneShot) Interval() time.Duration {
	return t.interval
}

// Start launches the timer goroutine. Calling Start more than once is a no-op.
func (t *OneShot) Start() {
	t.startOnce.Do(func() {
		go t.loop()
	})
}

// Reset restarts the countdown. It never blocks; resets that arrive while a
// previous one is still pending are coalesced.
func (t *OneShot) Reset() {
	select {
	case t.resetCh <- struct{}{}:
	default:
	}
}

// Stop terminates the timer goroutine and waits for it to exit. A pending
// timeout is discarded.
func (t *OneShot) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
	t.startOnce.Do(func() {
		// never started; nothing to wait for
		close(t.done)
	})
	<-t.done
}

func (t *OneShot) loop() {
	defer close(t.done)

	var countdown clock.Timer
	var expired <-chan time.Time
	for {
		select {
		case <-t.stopCh:
			if countdown != nil {
				countdown.Stop()
			}
			t.logger.Debug("timer stopped")
			return

		case <-t.resetCh:
			if countdown != nil {
				countdown.Stop()
			}
			t.onReset()
			countdown = t.clock.NewTimer(t.interval)
			expired = countdown.C()

		case <-expired:
			countdown = nil
			expired = nil
			t.onTimeout()
		}
	}
}
