// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sustainable-computing-io/power-advisor/internal/hal"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// DefaultPort is the listen address of the API server when none is configured
const DefaultPort = ":28290"

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}
	Host struct {
		ProcFS string `yaml:"procfs"`
	}

	Web struct {
		Config          string   `yaml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses"`
	}

	// Backend locates the power service
	Backend struct {
		// URL of an HTTP power service; empty means no remote service
		URL           string        `yaml:"url"`
		Timeout       time.Duration `yaml:"timeout"`       // per call
		LookupTimeout time.Duration `yaml:"lookupTimeout"` // per service lookup
	}

	Advisor struct {
		// PowerHintEnabled is the hint session policy; unset means unknown
		PowerHintEnabled *bool `yaml:"powerHintEnabled"`

		// UpdateImminentTimeout is the debounce window of display update
		// notifications; 0 disables debouncing
		UpdateImminentTimeout time.Duration `yaml:"updateImminentTimeout"`

		TraceHintSessions             *bool `yaml:"traceHintSessions"`
		NormalizeHintSessionDurations *bool `yaml:"normalizeHintSessionDurations"`

		TargetDeviation    float64       `yaml:"targetDeviation"`
		ActualDeviation    float64       `yaml:"actualDeviation"`
		StaleTimeout       time.Duration `yaml:"staleTimeout"`
		TargetSafetyMargin time.Duration `yaml:"targetSafetyMargin"`
		DefaultTarget      time.Duration `yaml:"defaultTarget"`
	}

	// Development mode settings; disabled by default
	Dev struct {
		FakeBackend struct {
			Enabled    *bool  `yaml:"enabled"`
			Generation string `yaml:"generation"`
		} `yaml:"fakeBackend"`
	}

	// Exporter configuration
	StdoutExporter struct {
		Enabled  *bool         `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
	}

	PrometheusExporter struct {
		Enabled         *bool    `yaml:"enabled"`
		DebugCollectors []string `yaml:"debugCollectors"`
	}

	Exporter struct {
		Stdout     StdoutExporter     `yaml:"stdout"`
		Prometheus PrometheusExporter `yaml:"prometheus"`
	}

	// Debug configuration
	PprofDebug struct {
		Enabled *bool `yaml:"enabled"`
	}

	Debug struct {
		Pprof PprofDebug `yaml:"pprof"`
	}

	Config struct {
		Log      Log      `yaml:"log"`
		Host     Host     `yaml:"host"`
		Backend  Backend  `yaml:"backend"`
		Advisor  Advisor  `yaml:"advisor"`
		Exporter Exporter `yaml:"exporter"`
		Web      Web      `yaml:"web"`
		Debug    Debug    `yaml:"debug"`
		Dev      Dev      `yaml:"dev"` // WARN: do not expose dev settings as flags
	}
)

type SkipValidation int

const (
	SkipHostValidation SkipValidation = 1
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	HostProcFSFlag = "host.procfs"

	pprofEnabledFlag = "debug.pprof"

	WebConfigFlag        = "web.config-file"
	WebListenAddressFlag = "web.listen-address"

	BackendURLFlag           = "backend.url"
	BackendTimeoutFlag       = "backend.timeout"
	BackendLookupTimeoutFlag = "backend.lookup-timeout"

	AdvisorPowerHintFlag             = "advisor.power-hint"
	AdvisorUpdateImminentTimeoutFlag = "advisor.update-imminent-timeout"
	AdvisorTraceHintSessionsFlag     = "advisor.trace-hint-sessions"
	AdvisorNormalizeDurationsFlag    = "advisor.normalize-hint-session-durations"
	AdvisorTargetSafetyMarginFlag    = "advisor.target-safety-margin"
	// NOTE: not flags
	AdvisorTargetDeviation = "advisor.targetDeviation"
	AdvisorActualDeviation = "advisor.actualDeviation"
	AdvisorStaleTimeout    = "advisor.staleTimeout"
	AdvisorDefaultTarget   = "advisor.defaultTarget"

	// Exporters
	ExporterStdoutEnabledFlag  = "exporter.stdout"
	ExporterStdoutIntervalFlag = "exporter.stdout.interval"

	ExporterPrometheusEnabledFlag = "exporter.prometheus"
	// NOTE: not a flag
	ExporterPrometheusDebugCollectors = "exporter.prometheus.debug-collectors"

// WARN:  dev settings shouldn't be exposed as flags as flags are intended for end users
)

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	cfg := &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			ProcFS: "/proc",
		},
		Backend: Backend{
			Timeout:       time.Second,
			LookupTimeout: 5 * time.Second,
		},
		Advisor: Advisor{
			UpdateImminentTimeout:         80 * time.Millisecond,
			TraceHintSessions:             ptr.To(false),
			NormalizeHintSessionDurations: ptr.To(false),
			TargetDeviation:               0.05,
			ActualDeviation:               0.10,
			StaleTimeout:                  100 * time.Millisecond,
			TargetSafetyMargin:            time.Millisecond,
			DefaultTarget:                 50 * time.Millisecond,
		},
		Exporter: Exporter{
			Stdout: StdoutExporter{
				Enabled:  ptr.To(false),
				Interval: 5 * time.Second,
			},
			Prometheus: PrometheusExporter{
				Enabled:         ptr.To(true),
				DebugCollectors: []string{"go"},
			},
		},
		Debug: Debug{
			Pprof: PprofDebug{
				Enabled: ptr.To(false),
			},
		},
		Web: Web{
			ListenAddresses: []string{DefaultPort},
		},
	}

	cfg.Dev.FakeBackend.Enabled = ptr.To(false)
	cfg.Dev.FakeBackend.Generation = hal.GenerationModern.String()
	return cfg
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		// read only; ignored on purpose
		_ = file.Close()
	}()

	return Load(file)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with kingpin app
// and returns ConfigUpdaterFn that updates the config from parsed flags
// as command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		// Clear the map in case this function is called multiple times
		flagsSet = map[string]bool{}

		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	// Logging
	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")
	// host
	hostProcFS := app.Flag(HostProcFSFlag, "Host procfs path, used to resolve hint session threads").Default("/proc").ExistingDir()

	enablePprof := app.Flag(pprofEnabledFlag, "Enable pprof debug endpoints").Default("false").Bool()
	webConfig := app.Flag(WebConfigFlag, "Web config file path").Default("").String()
	webListenAddresses := app.Flag(WebListenAddressFlag, "Web server listen addresses").Default(DefaultPort).Strings()

	// backend
	backendURL := app.Flag(BackendURLFlag, "URL of the HTTP power service").Default("").String()
	backendTimeout := app.Flag(BackendTimeoutFlag, "Timeout of a single power service call").Default("1s").Duration()
	backendLookupTimeout := app.Flag(BackendLookupTimeoutFlag, "Timeout of a power service lookup").Default("5s").Duration()

	// advisor
	powerHint := app.Flag(AdvisorPowerHintFlag, "Allow power hint sessions").Bool()
	updateImminentTimeout := app.Flag(AdvisorUpdateImminentTimeoutFlag,
		"Debounce window of display update imminent notifications; 0 to disable").Default("80ms").Duration()
	traceHintSessions := app.Flag(AdvisorTraceHintSessionsFlag, "Log every hint session sample at debug level").Default("false").Bool()
	normalizeDurations := app.Flag(AdvisorNormalizeDurationsFlag,
		"Report durations normalized to the first target instead of updating the target").Default("false").Bool()
	targetSafetyMargin := app.Flag(AdvisorTargetSafetyMarginFlag, "Margin subtracted from target work durations").Default("1ms").Duration()

	// exporters
	stdoutExporterEnabled := app.Flag(ExporterStdoutEnabledFlag, "Enable stdout exporter").Default("false").Bool()
	stdoutExporterInterval := app.Flag(ExporterStdoutIntervalFlag, "Interval of the stdout exporter").Default("5s").Duration()

	prometheusExporterEnabled := app.Flag(ExporterPrometheusEnabledFlag, "Enable Prometheus exporter").Default("true").Bool()

	return func(cfg *Config) error {
		// Logging settings
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}

		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}

		if flagsSet[HostProcFSFlag] {
			cfg.Host.ProcFS = *hostProcFS
		}

		if flagsSet[pprofEnabledFlag] {
			cfg.Debug.Pprof.Enabled = enablePprof
		}

		if flagsSet[WebConfigFlag] {
			cfg.Web.Config = *webConfig
		}

		if flagsSet[WebListenAddressFlag] {
			cfg.Web.ListenAddresses = *webListenAddresses
		}

		// backend settings
		if flagsSet[BackendURLFlag] {
			cfg.Backend.URL = *backendURL
		}
		if flagsSet[BackendTimeoutFlag] {
			cfg.Backend.Timeout = *backendTimeout
		}
		if flagsSet[BackendLookupTimeoutFlag] {
			cfg.Backend.LookupTimeout = *backendLookupTimeout
		}

		// advisor settings
		if flagsSet[AdvisorPowerHintFlag] {
			cfg.Advisor.PowerHintEnabled = powerHint
		}
		if flagsSet[AdvisorUpdateImminentTimeoutFlag] {
			cfg.Advisor.UpdateImminentTimeout = *updateImminentTimeout
		}
		if flagsSet[AdvisorTraceHintSessionsFlag] {
			cfg.Advisor.TraceHintSessions = traceHintSessions
		}
		if flagsSet[AdvisorNormalizeDurationsFlag] {
			cfg.Advisor.NormalizeHintSessionDurations = normalizeDurations
		}
		if flagsSet[AdvisorTargetSafetyMarginFlag] {
			cfg.Advisor.TargetSafetyMargin = *targetSafetyMargin
		}

		if flagsSet[ExporterStdoutEnabledFlag] {
			cfg.Exporter.Stdout.Enabled = stdoutExporterEnabled
		}
		if flagsSet[ExporterStdoutIntervalFlag] {
			cfg.Exporter.Stdout.Interval = *stdoutExporterInterval
		}

		if flagsSet[ExporterPrometheusEnabledFlag] {
			cfg.Exporter.Prometheus.Enabled = prometheusExporterEnabled
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Host.ProcFS = strings.TrimSpace(c.Host.ProcFS)
	c.Web.Config = strings.TrimSpace(c.Web.Config)
	for i := range c.Web.ListenAddresses {
		c.Web.ListenAddresses[i] = strings.TrimSpace(c.Web.ListenAddresses[i])
	}
	c.Backend.URL = strings.TrimSpace(c.Backend.URL)

	for i := range c.Exporter.Prometheus.DebugCollectors {
		c.Exporter.Prometheus.DebugCollectors[i] = strings.TrimSpace(c.Exporter.Prometheus.DebugCollectors[i])
	}
	c.Dev.FakeBackend.Generation = strings.ToLower(strings.TrimSpace(c.Dev.FakeBackend.Generation))
}

// Validate checks for configuration errors
func (c *Config) Validate(skips ...SkipValidation) error {
	validationSkipped := make(map[SkipValidation]bool, len(skips))
	for _, v := range skips {
		validationSkipped[v] = true
	}
	var errs []string
	{ // log level

		validLogLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}

		// Validate logging settings
		if _, valid := validLogLevels[c.Log.Level]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
	}
	{ // log format
		validFormats := map[string]bool{
			"text": true,
			"json": true,
		}
		if _, valid := validFormats[c.Log.Format]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}

	{ // Validate host settings
		if _, skip := validationSkipped[SkipHostValidation]; !skip {
			if err := canReadDir(c.Host.ProcFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid procfs path: %s: %s ", c.Host.ProcFS, err.Error()))
			}
		}
	}
	{ // Web config file
		if c.Web.Config != "" {
			if err := canReadFile(c.Web.Config); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web config file. path: %q: %s", c.Web.Config, err.Error()))
			}
		}
	}
	{ // Web listen addresses
		if len(c.Web.ListenAddresses) == 0 {
			errs = append(errs, "at least one web listen address must be specified")
		}
		for _, addr := range c.Web.ListenAddresses {
			if addr == "" {
				errs = append(errs, "web listen address cannot be empty")
				continue
			}
			if err := validateListenAddress(addr); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web listen address %q: %s", addr, err.Error()))
			}
		}
	}
	{ // Backend
		if c.Backend.URL != "" {
			if err := validateBackendURL(c.Backend.URL); err != nil {
				errs = append(errs, fmt.Sprintf("invalid backend url %q: %s", c.Backend.URL, err.Error()))
			}
		}
		if c.Backend.Timeout <= 0 {
			errs = append(errs, fmt.Sprintf("invalid backend timeout: %s must be positive", c.Backend.Timeout))
		}
		if c.Backend.LookupTimeout <= 0 {
			errs = append(errs, fmt.Sprintf("invalid backend lookup timeout: %s must be positive", c.Backend.LookupTimeout))
		}
	}
	{ // Advisor
		durations := []struct {
			name  string
			value time.Duration
		}{
			{AdvisorUpdateImminentTimeoutFlag, c.Advisor.UpdateImminentTimeout},
			{AdvisorStaleTimeout, c.Advisor.StaleTimeout},
			{AdvisorTargetSafetyMarginFlag, c.Advisor.TargetSafetyMargin},
			{AdvisorDefaultTarget, c.Advisor.DefaultTarget},
		}
		for _, d := range durations {
			if d.value < 0 {
				errs = append(errs, fmt.Sprintf("invalid %s: %s can't be negative", d.name, d.value))
			}
		}

		deviations := []struct {
			name  string
			value float64
		}{
			{AdvisorTargetDeviation, c.Advisor.TargetDeviation},
			{AdvisorActualDeviation, c.Advisor.ActualDeviation},
		}
		for _, d := range deviations {
			if d.value < 0 || d.value >= 1 {
				errs = append(errs, fmt.Sprintf("invalid %s: %v must be in [0, 1)", d.name, d.value))
			}
		}
	}
	{ // Exporters
		if ptr.Deref(c.Exporter.Stdout.Enabled, false) && c.Exporter.Stdout.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("invalid stdout exporter interval: %s must be positive", c.Exporter.Stdout.Interval))
		}
	}
	{ // Dev
		if ptr.Deref(c.Dev.FakeBackend.Enabled, false) {
			if _, err := hal.ParseGeneration(c.Dev.FakeBackend.Generation); err != nil {
				errs = append(errs, fmt.Sprintf("invalid fake backend generation: %s", err.Error()))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}

	return nil
}

func canReadDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()

	_, err = f.ReadDir(1)
	if err != nil {
		return err
	}

	return nil
}

func canReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()
	buf := make([]byte, 8)
	_, err = f.Read(buf)
	if err != nil {
		return err
	}

	return nil
}

func validateListenAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	// host can be empty for listening on all interfaces
	return validatePort(port)
}

func validatePort(port string) error {
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric, got %s", port)
	}

	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", portNum)
	}
	return nil
}

func validateBackendURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err == nil {
		return string(bytes)
	}
	// NOTE:  this code path should not happen but if it does (i.e if yaml marshal) fails
	// for some reason, manually build the string
	return c.manualString()
}

func (c *Config) manualString() string {
	cfgs := []struct {
		Name  string
		Value string
	}{
		{LogLevelFlag, c.Log.Level},
		{LogFormatFlag, c.Log.Format},
		{HostProcFSFlag, c.Host.ProcFS},
		{BackendURLFlag, c.Backend.URL},
		{BackendTimeoutFlag, c.Backend.Timeout.String()},
		{BackendLookupTimeoutFlag, c.Backend.LookupTimeout.String()},
		{AdvisorPowerHintFlag, fmt.Sprintf("%v", ptr.Deref(c.Advisor.PowerHintEnabled, false))},
		{AdvisorUpdateImminentTimeoutFlag, c.Advisor.UpdateImminentTimeout.String()},
		{AdvisorTraceHintSessionsFlag, fmt.Sprintf("%v", ptr.Deref(c.Advisor.TraceHintSessions, false))},
		{AdvisorNormalizeDurationsFlag, fmt.Sprintf("%v", ptr.Deref(c.Advisor.NormalizeHintSessionDurations, false))},
		{AdvisorTargetDeviation, fmt.Sprintf("%v", c.Advisor.TargetDeviation)},
		{AdvisorActualDeviation, fmt.Sprintf("%v", c.Advisor.ActualDeviation)},
		{AdvisorStaleTimeout, c.Advisor.StaleTimeout.String()},
		{AdvisorTargetSafetyMarginFlag, c.Advisor.TargetSafetyMargin.String()},
		{AdvisorDefaultTarget, c.Advisor.DefaultTarget.String()},
		{ExporterStdoutEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Stdout.Enabled, false))},
		{ExporterStdoutIntervalFlag, c.Exporter.Stdout.Interval.String()},
		{ExporterPrometheusEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Prometheus.Enabled, false))},
		{ExporterPrometheusDebugCollectors, strings.Join(c.Exporter.Prometheus.DebugCollectors, ", ")},
		{pprofEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Debug.Pprof.Enabled, false))},
	}
	sb := strings.Builder{}

	for _, cfg := range cfgs {
		sb.WriteString(cfg.Name)
		sb.WriteString(": ")
		sb.WriteString(cfg.Value)
		sb.WriteString("\n")
	}

	return sb.String()
}
