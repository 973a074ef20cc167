// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/sustainable-computing-io/power-advisor/internal/advisor"
	"github.com/sustainable-computing-io/power-advisor/internal/service"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"
)

type (
	Initializer = service.Initializer
	Runner      = service.Runner
	Shutdowner  = service.Shutdowner
)

// StatsProvider is the part of the advisor the exporter reads from
type StatsProvider interface {
	Stats() advisor.Stats
}

// Exporter periodically writes the advisor status to stdout
type Exporter struct {
	logger   *slog.Logger
	advisor  StatsProvider
	clock    clock.WithTicker
	out      io.WriteCloser
	ticker   clock.Ticker
	interval time.Duration
}

var (
	_ Initializer = (*Exporter)(nil)
	_ Runner      = (*Exporter)(nil)
	_ Shutdowner  = (*Exporter)(nil)
)

type Opts struct {
	logger   *slog.Logger
	clock    clock.WithTicker
	out      io.WriteCloser
	interval time.Duration
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default(),
		clock:    clock.RealClock{},
		out:      os.Stdout,
		interval: 2 * time.Second,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock driving the refresh ticker
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

func WithOutput(out io.WriteCloser) OptionFn {
	return func(o *Opts) {
		o.out = out
	}
}

func WithInterval(interval time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = interval
	}
}

func NewExporter(a StatsProvider, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	exporter := &Exporter{
		logger:   opts.logger.With("service", "stdout"),
		advisor:  a,
		clock:    opts.clock,
		out:      opts.out,
		interval: opts.interval,
	}

	return exporter
}

func (e *Exporter) Init() error {
	if e.interval <= 0 {
		return fmt.Errorf("invalid refresh interval %s", e.interval)
	}
	e.ticker = e.clock.NewTicker(e.interval)
	return nil
}

func (e *Exporter) Run(ctx context.Context) error {
	for {
		select {
		case now := <-e.ticker.C():
			write(e.out, now, e.advisor.Stats())
		case <-ctx.Done():
			e.logger.Info("Exiting ticker")
			return nil
		}
	}
}

func write(out io.Writer, now time.Time, s advisor.Stats) {
	_, _ = fmt.Fprintf(out, "power advisor status at %s\n", now.UTC().Format(time.RFC3339))
	writeState(out, s)
	if len(s.Calls) > 0 {
		writeCalls(out, s)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func writeState(out io.Writer, s advisor.Stats) {
	powerHint := "unset"
	if s.PowerHintEnabled != nil {
		powerHint = onOff(ptr.Deref(s.PowerHintEnabled, false))
	}

	rows := [][]string{
		{"state", s.State.String()},
		{"generation", s.Generation.String()},
		{"boot finished", fmt.Sprint(s.BootFinished)},
		{"power hint", powerHint},
		{"hint session", onOff(s.SessionRunning)},
		{"expensive rendering", fmt.Sprintf("%s (%d displays)", onOff(s.ExpensiveRendering), s.ExpensiveDisplays)},
		{"connect attempts", fmt.Sprint(s.ConnectAttempts)},
		{"reconnects", fmt.Sprint(s.Reconnects)},
		{"target updates", fmt.Sprint(s.TargetUpdates)},
		{"report batches", fmt.Sprint(s.ReportBatches)},
		{"reported durations", fmt.Sprint(s.ReportedDurations)},
		{"dropped durations", fmt.Sprint(s.DroppedDurations)},
		{"suppressed updates", fmt.Sprint(s.UpdateImminentSuppressed)},
		{"last target", s.LastTargetSent.String()},
		{"last actual", s.LastReportedActual.String()},
	}

	table := tablewriter.NewWriter(out)
	table.Header([]string{"Advisor", "Value"})
	_ = table.Bulk(rows)
	_ = table.Render()
}

func writeCalls(out io.Writer, s advisor.Stats) {
	rows := [][]string{}
	for _, call := range slices.Sorted(maps.Keys(s.Calls)) {
		rows = append(rows, []string{
			call,
			fmt.Sprint(s.Calls[call]),
			fmt.Sprint(s.CallFailures[call]),
		})
	}

	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	table.Header([]string{"Call", "Total", "Failed"})
	_ = table.Bulk(rows)
	_ = table.Render()
}

func (e *Exporter) Shutdown() error {
	if e.ticker != nil {
		e.ticker.Stop()
	}
	// stdout outlives the exporter
	if e.out == os.Stdout {
		return nil
	}
	return e.out.Close()
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "stdout"
}
