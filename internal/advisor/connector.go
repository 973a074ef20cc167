// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package advisor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sustainable-computing-io/power-advisor/internal/hal"
)

// Connector obtains a live Session to the power service
type Connector interface {
	// Connect returns nil when no generation of the power service is reachable
	Connect() Session
}

// HALConnector connects through a hal.ServiceManager. The modern generation
// is tried first since it supersedes the legacy one; the legacy generation is
// the fallback for older deployments.
type HALConnector struct {
	logger   *slog.Logger
	manager  hal.ServiceManager
	opts     Opts
	counters *counters
}

var _ Connector = (*HALConnector)(nil)

// NewConnector creates a HALConnector whose sessions use the given options
func NewConnector(manager hal.ServiceManager, applyOpts ...OptionFn) *HALConnector {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &HALConnector{
		logger:   opts.logger.With("service", "connector"),
		manager:  manager,
		opts:     opts,
		counters: newCounters(),
	}
}

func (c *HALConnector) Connect() Session {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.lookupTimeout)
	defer cancel()

	modern, err := c.manager.Modern(ctx)
	switch {
	case err == nil && modern != nil:
		c.logger.Info("Loaded modern power service")
		return newModernSession(modern, c.opts, c.counters)
	case err != nil && !errors.Is(err, hal.ErrUnavailable):
		c.logger.Warn("Failed to look up modern power service", "error", err)
	}

	legacy, err := c.manager.Legacy(ctx)
	switch {
	case err == nil && legacy != nil:
		c.logger.Info("Loaded legacy power service")
		return newLegacySession(legacy, c.opts, c.counters)
	case err != nil && !errors.Is(err, hal.ErrUnavailable):
		c.logger.Warn("Failed to look up legacy power service", "error", err)
	}

	c.logger.Warn("No power service found")
	return nil
}

// useCounters makes sessions created from now on report into c
func (c *HALConnector) useCounters(cs *counters) {
	c.counters = cs
}
