// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"log/slog"
	"maps"
	"slices"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/sustainable-computing-io/power-advisor/internal/advisor"
	"github.com/sustainable-computing-io/power-advisor/internal/hal"
)

// StatsProvider is the part of the advisor the collector reads from
type StatsProvider interface {
	Stats() advisor.Stats
}

// AdvisorCollector exposes the advisor's connection state and backend
// traffic. All values come from one Stats snapshot per scrape.
type AdvisorCollector struct {
	advisor StatsProvider
	logger  *slog.Logger

	mutex sync.Mutex

	callsDesc          *prom.Desc
	callFailuresDesc   *prom.Desc
	reconnectsDesc     *prom.Desc
	connectAttempts    *prom.Desc
	generationDesc     *prom.Desc
	reachableDesc      *prom.Desc
	sessionRunningDesc *prom.Desc
	expensiveDesc      *prom.Desc
	expensiveDispDesc  *prom.Desc
	batchesDesc        *prom.Desc
	durationsDesc      *prom.Desc
	droppedDesc        *prom.Desc
	targetUpdatesDesc  *prom.Desc
	suppressedDesc     *prom.Desc
	lastTargetDesc     *prom.Desc
	lastActualDesc     *prom.Desc
}

var _ prom.Collector = (*AdvisorCollector)(nil)

func advisorDesc(name, help string, labels ...string) *prom.Desc {
	return prom.NewDesc(prom.BuildFQName(advisorNS, "", name), help, labels, nil)
}

// NewAdvisorCollector creates a collector reading from the given advisor
func NewAdvisorCollector(a StatsProvider, logger *slog.Logger) *AdvisorCollector {
	return &AdvisorCollector{
		advisor: a,
		logger:  logger.With("collector", "advisor"),

		callsDesc:          advisorDesc("backend_calls_total", "Calls made to the power service", "call"),
		callFailuresDesc:   advisorDesc("backend_call_failures_total", "Calls to the power service that failed", "call"),
		reconnectsDesc:     advisorDesc("reconnects_total", "Connections made after a failed call"),
		connectAttempts:    advisorDesc("connect_attempts_total", "Attempts to connect to the power service"),
		generationDesc:     advisorDesc("backend_generation", "Generation of the power service, 1 for the connected one", "generation"),
		reachableDesc:      advisorDesc("backend_reachable", "0 once no generation of the power service could be found"),
		sessionRunningDesc: advisorDesc("hint_session_running", "1 while a hint session is open"),
		expensiveDesc:      advisorDesc("expensive_rendering", "1 while expensive rendering mode is on"),
		expensiveDispDesc:  advisorDesc("expensive_displays", "Displays currently expecting expensive rendering"),
		batchesDesc:        advisorDesc("actual_reports_batches_total", "Batches of actual work durations sent to the hint session"),
		durationsDesc:      advisorDesc("actual_reports_durations_total", "Actual work durations sent to the hint session"),
		droppedDesc:        advisorDesc("actual_reports_dropped_total", "Actual work durations dropped after a failed report"),
		targetUpdatesDesc:  advisorDesc("target_updates_total", "Target work durations sent to the hint session"),
		suppressedDesc:     advisorDesc("update_imminent_suppressed_total", "Display update imminent notifications not forwarded"),
		lastTargetDesc:     advisorDesc("last_target_nanos", "Last target work duration sent, in nanoseconds"),
		lastActualDesc:     advisorDesc("last_reported_actual_nanos", "Last actual work duration sent, in nanoseconds"),
	}
}

func (c *AdvisorCollector) Describe(ch chan<- *prom.Desc) {
	for _, d := range []*prom.Desc{
		c.callsDesc, c.callFailuresDesc, c.reconnectsDesc, c.connectAttempts,
		c.generationDesc, c.reachableDesc, c.sessionRunningDesc, c.expensiveDesc,
		c.expensiveDispDesc, c.batchesDesc, c.durationsDesc, c.droppedDesc,
		c.targetUpdatesDesc, c.suppressedDesc, c.lastTargetDesc, c.lastActualDesc,
	} {
		ch <- d
	}
}

func (c *AdvisorCollector) Collect(ch chan<- prom.Metric) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	s := c.advisor.Stats()
	c.logger.Debug("collecting advisor metrics", "state", s.State)

	for _, call := range slices.Sorted(maps.Keys(s.Calls)) {
		ch <- prom.MustNewConstMetric(c.callsDesc, prom.CounterValue, float64(s.Calls[call]), call)
		ch <- prom.MustNewConstMetric(c.callFailuresDesc, prom.CounterValue, float64(s.CallFailures[call]), call)
	}

	ch <- prom.MustNewConstMetric(c.reconnectsDesc, prom.CounterValue, float64(s.Reconnects))
	ch <- prom.MustNewConstMetric(c.connectAttempts, prom.CounterValue, float64(s.ConnectAttempts))

	for _, g := range []hal.Generation{hal.GenerationLegacy, hal.GenerationModern} {
		live := s.State == advisor.StateConnected && s.Generation == g
		ch <- prom.MustNewConstMetric(c.generationDesc, prom.GaugeValue, boolValue(live), g.String())
	}

	ch <- prom.MustNewConstMetric(c.reachableDesc, prom.GaugeValue, boolValue(s.State != advisor.StateUnreachable))
	ch <- prom.MustNewConstMetric(c.sessionRunningDesc, prom.GaugeValue, boolValue(s.SessionRunning))
	ch <- prom.MustNewConstMetric(c.expensiveDesc, prom.GaugeValue, boolValue(s.ExpensiveRendering))
	ch <- prom.MustNewConstMetric(c.expensiveDispDesc, prom.GaugeValue, float64(s.ExpensiveDisplays))

	ch <- prom.MustNewConstMetric(c.batchesDesc, prom.CounterValue, float64(s.ReportBatches))
	ch <- prom.MustNewConstMetric(c.durationsDesc, prom.CounterValue, float64(s.ReportedDurations))
	ch <- prom.MustNewConstMetric(c.droppedDesc, prom.CounterValue, float64(s.DroppedDurations))
	ch <- prom.MustNewConstMetric(c.targetUpdatesDesc, prom.CounterValue, float64(s.TargetUpdates))
	ch <- prom.MustNewConstMetric(c.suppressedDesc, prom.CounterValue, float64(s.UpdateImminentSuppressed))

	ch <- prom.MustNewConstMetric(c.lastTargetDesc, prom.GaugeValue, float64(s.LastTargetSent.Nanoseconds()))
	ch <- prom.MustNewConstMetric(c.lastActualDesc, prom.GaugeValue, float64(s.LastReportedActual.Nanoseconds()))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
