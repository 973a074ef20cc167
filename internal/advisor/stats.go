// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package advisor

import (
	"maps"
	"sync"
	"time"

	"github.com/sustainable-computing-io/power-advisor/internal/hal"
)

// Names of the backend calls tracked in Stats
const (
	CallPowerHint          = "power_hint"
	CallSetMode            = "set_mode"
	CallSetBoost           = "set_boost"
	CallCreateHintSession  = "create_hint_session"
	CallUpdateTarget       = "update_target"
	CallReportActual       = "report_actual"
	CallCloseHintSession   = "close_hint_session"
	CallHintSessionSupport = "hint_session_support"
)

// Stats is a point in time view of the advisor
type Stats struct {
	State              State
	Generation         hal.Generation
	BootFinished       bool
	PowerHintEnabled   *bool
	SessionRunning     bool
	ExpensiveRendering bool
	ExpensiveDisplays  int

	ConnectAttempts uint64
	Reconnects      uint64
	Calls           map[string]uint64
	CallFailures    map[string]uint64

	TargetUpdates             uint64
	ReportBatches             uint64
	ReportedDurations         uint64
	DroppedDurations          uint64
	UpdateImminentSuppressed  uint64
	ExpensiveRenderingTimeout uint64

	LastTargetSent     time.Duration
	LastReportedActual time.Duration
}

// counters is shared between the advisor and the sessions it connects
type counters struct {
	mu sync.Mutex

	connectAttempts uint64
	reconnects      uint64
	calls           map[string]uint64
	failures        map[string]uint64

	targetUpdates     uint64
	reportBatches     uint64
	reportedDurations uint64
	droppedDurations  uint64
	suppressed        uint64
	renderingTimeouts uint64

	lastTargetSent     time.Duration
	lastReportedActual time.Duration
}

func newCounters() *counters {
	return &counters{
		calls:    map[string]uint64{},
		failures: map[string]uint64{},
	}
}

func (c *counters) call(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[name]++
	if err != nil {
		c.failures[name]++
	}
}

func (c *counters) update(fn func(c *counters)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

func (c *counters) fill(s *Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.ConnectAttempts = c.connectAttempts
	s.Reconnects = c.reconnects
	s.Calls = maps.Clone(c.calls)
	s.CallFailures = maps.Clone(c.failures)
	s.TargetUpdates = c.targetUpdates
	s.ReportBatches = c.reportBatches
	s.ReportedDurations = c.reportedDurations
	s.DroppedDurations = c.droppedDurations
	s.UpdateImminentSuppressed = c.suppressed
	s.ExpensiveRenderingTimeout = c.renderingTimeouts
	s.LastTargetSent = c.lastTargetSent
	s.LastReportedActual = c.lastReportedActual
}
