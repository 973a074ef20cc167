// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "", cfg.Web.Config)
	assert.Equal(t, []string{DefaultPort}, cfg.Web.ListenAddresses)

	assert.Empty(t, cfg.Backend.URL)
	assert.Equal(t, time.Second, cfg.Backend.Timeout)

	assert.Nil(t, cfg.Advisor.PowerHintEnabled, "power hint policy is unknown until set")
	assert.Equal(t, 80*time.Millisecond, cfg.Advisor.UpdateImminentTimeout)
	assert.Equal(t, 0.05, cfg.Advisor.TargetDeviation)
	assert.Equal(t, 0.10, cfg.Advisor.ActualDeviation)
	assert.Equal(t, 100*time.Millisecond, cfg.Advisor.StaleTimeout)
	assert.Equal(t, time.Millisecond, cfg.Advisor.TargetSafetyMargin)
	assert.Equal(t, 50*time.Millisecond, cfg.Advisor.DefaultTarget)

	assert.False(t, *cfg.Dev.FakeBackend.Enabled)
	assert.Equal(t, "modern", cfg.Dev.FakeBackend.Generation)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	yamlData := `
log:
  level: debug
  format: json
backend:
  url: http://localhost:9000
  timeout: 250ms
advisor:
  powerHintEnabled: true
  updateImminentTimeout: 0s
  normalizeHintSessionDurations: true
  targetDeviation: 0.1
dev:
  fakeBackend:
    enabled: true
    generation: legacy
`
	cfg, err := Load(strings.NewReader(yamlData))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "http://localhost:9000", cfg.Backend.URL)
	assert.Equal(t, 250*time.Millisecond, cfg.Backend.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Backend.LookupTimeout, "unset values keep defaults")
	assert.Equal(t, ptr.To(true), cfg.Advisor.PowerHintEnabled)
	assert.Zero(t, cfg.Advisor.UpdateImminentTimeout)
	assert.True(t, *cfg.Advisor.NormalizeHintSessionDurations)
	assert.False(t, *cfg.Advisor.TraceHintSessions)
	assert.Equal(t, 0.1, cfg.Advisor.TargetDeviation)
	assert.Equal(t, 0.10, cfg.Advisor.ActualDeviation)
	assert.True(t, *cfg.Dev.FakeBackend.Enabled)
	assert.Equal(t, "legacy", cfg.Dev.FakeBackend.Generation)
}

func TestLoadEmptyFromYAML(t *testing.T) {
	cfg, err := Load(strings.NewReader(``))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestWhitespaceHandling(t *testing.T) {
	yamlData := `
log:
  level: "  debug  "
  format: "  json  "
backend:
  url: "  http://power:80  "
exporter:
  prometheus:
    debugCollectors: ["  go  ", "  process  "]
dev:
  fakeBackend:
    generation: " Modern "
`
	cfg, err := Load(strings.NewReader(yamlData))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "http://power:80", cfg.Backend.URL)
	assert.ElementsMatch(t, []string{"go", "process"}, cfg.Exporter.Prometheus.DebugCollectors)
	assert.Equal(t, "modern", cfg.Dev.FakeBackend.Generation)
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	cfg, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	_, err = FromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestInvalidYAML(t *testing.T) {
	yamlData := `
log:
  level: FATAL
invalid yaml
`
	_, err := Load(strings.NewReader(yamlData))
	assert.Error(t, err)
}

type errorReader struct{}

func (errorReader) Read([]byte) (int, error) {
	return 0, os.ErrInvalid
}

func TestReadError(t *testing.T) {
	_, err := Load(errorReader{})
	assert.ErrorIs(t, err, os.ErrInvalid)
}

func TestValidate(t *testing.T) {
	tt := []struct {
		name   string
		modify func(*Config)
		error  string
	}{
		{"default config", func(*Config) {}, ""},
		{"log level", func(c *Config) { c.Log.Level = "debg" }, "invalid log level"},
		{"log format", func(c *Config) { c.Log.Format = "jAson" }, "invalid log format"},
		{"procfs", func(c *Config) { c.Host.ProcFS = "/invalid/path" }, "invalid procfs path"},
		{"web config", func(c *Config) { c.Web.Config = "/from/unreadable/path/web.yaml" }, "invalid web config file"},
		{"no listen address", func(c *Config) { c.Web.ListenAddresses = nil }, "at least one web listen address"},
		{"listen port", func(c *Config) { c.Web.ListenAddresses = []string{":99999"} }, "port must be between"},
		{"backend scheme", func(c *Config) { c.Backend.URL = "ftp://power" }, "invalid backend url"},
		{"backend host", func(c *Config) { c.Backend.URL = "http://" }, "host cannot be empty"},
		{"backend timeout", func(c *Config) { c.Backend.Timeout = 0 }, "invalid backend timeout"},
		{"lookup timeout", func(c *Config) { c.Backend.LookupTimeout = -time.Second }, "invalid backend lookup timeout"},
		{"update imminent timeout", func(c *Config) { c.Advisor.UpdateImminentTimeout = -time.Millisecond }, "advisor.update-imminent-timeout"},
		{"disabled debounce", func(c *Config) { c.Advisor.UpdateImminentTimeout = 0 }, ""},
		{"stale timeout", func(c *Config) { c.Advisor.StaleTimeout = -1 }, "advisor.staleTimeout"},
		{"target deviation", func(c *Config) { c.Advisor.TargetDeviation = 1 }, "advisor.targetDeviation"},
		{"actual deviation", func(c *Config) { c.Advisor.ActualDeviation = -0.1 }, "advisor.actualDeviation"},
		{"stdout interval", func(c *Config) {
			c.Exporter.Stdout.Enabled = ptr.To(true)
			c.Exporter.Stdout.Interval = 0
		}, "invalid stdout exporter interval"},
		{"fake generation", func(c *Config) {
			c.Dev.FakeBackend.Enabled = ptr.To(true)
			c.Dev.FakeBackend.Generation = "aidl"
		}, "invalid fake backend generation"},
		{"fake generation ignored when disabled", func(c *Config) { c.Dev.FakeBackend.Generation = "aidl" }, ""},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(cfg)
			err := cfg.Validate()
			if tc.error == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid configuration")
			assert.Contains(t, err.Error(), tc.error)
		})
	}
}

func TestValidateSkipHost(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host.ProcFS = "/invalid/path"
	assert.Error(t, cfg.Validate())
	assert.NoError(t, cfg.Validate(SkipHostValidation))
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "loud"
	cfg.Advisor.TargetDeviation = 2
	cfg.Backend.Timeout = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
	assert.Contains(t, err.Error(), "advisor.targetDeviation")
	assert.Contains(t, err.Error(), "invalid backend timeout")
}

func TestCommandLinePrecedence(t *testing.T) {
	yamlData := `
backend:
  url: http://from-yaml:9000
advisor:
  powerHintEnabled: false
  targetSafetyMargin: 2ms
exporter:
  stdout:
    enabled: false
  prometheus:
    enabled: false
debug:
  pprof:
    enabled: false
`
	cfg, err := Load(strings.NewReader(yamlData))
	require.NoError(t, err)

	app := kingpin.New("test", "Test application")
	updateConfig := RegisterFlags(app)
	_, err = app.Parse([]string{
		"--exporter.stdout",
		"--debug.pprof",
		"--backend.url=http://from-flag:9000",
		"--advisor.power-hint",
		"--advisor.update-imminent-timeout=0",
	})
	require.NoError(t, err)
	require.NoError(t, updateConfig(cfg))

	assert.True(t, *cfg.Exporter.Stdout.Enabled, "stdout exporter should be enabled from flag")
	assert.False(t, *cfg.Exporter.Prometheus.Enabled, "prometheus exporter should remain disabled from yaml")
	assert.True(t, *cfg.Debug.Pprof.Enabled)
	assert.Equal(t, "http://from-flag:9000", cfg.Backend.URL)
	assert.Equal(t, ptr.To(true), cfg.Advisor.PowerHintEnabled)
	assert.Zero(t, cfg.Advisor.UpdateImminentTimeout)
	assert.Equal(t, 2*time.Millisecond, cfg.Advisor.TargetSafetyMargin, "unset flags keep yaml values")
}

func TestFlagValidation(t *testing.T) {
	app := kingpin.New("test", "Test application")
	updateConfig := RegisterFlags(app)
	_, err := app.Parse([]string{"--backend.url=ftp://power"})
	require.NoError(t, err)

	err = updateConfig(DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid backend url")
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend.URL = "http://power:9000"

	str := cfg.String()
	var parsed Config
	require.NoError(t, yaml.Unmarshal([]byte(str), &parsed))
	assert.Equal(t, cfg.Backend.URL, parsed.Backend.URL)
	assert.Equal(t, cfg.Advisor.StaleTimeout, parsed.Advisor.StaleTimeout)

	manual := cfg.manualString()
	assert.Contains(t, manual, "log.level: info")
	assert.Contains(t, manual, "backend.url: http://power:9000")
	assert.Contains(t, manual, "advisor.update-imminent-timeout: 80ms")
	assert.Contains(t, manual, "advisor.defaultTarget: 50ms")
}

func TestBuilder(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := (&Builder{}).Build()
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("layered yaml", func(t *testing.T) {
		cfg, err := (&Builder{}).
			Merge(`
advisor:
  powerHintEnabled: true
  staleTimeout: 200ms
dev:
  fakeBackend:
    enabled: true
`).
			Merge(`
advisor:
  powerHintEnabled: false
dev:
  fakeBackend:
    generation: " LEGACY "
`).
			Build()
		require.NoError(t, err)

		assert.Equal(t, ptr.To(false), cfg.Advisor.PowerHintEnabled, "explicit false overrides")
		assert.Equal(t, 200*time.Millisecond, cfg.Advisor.StaleTimeout)
		assert.True(t, *cfg.Dev.FakeBackend.Enabled)
		assert.Equal(t, "legacy", cfg.Dev.FakeBackend.Generation)
		assert.Equal(t, 80*time.Millisecond, cfg.Advisor.UpdateImminentTimeout)
	})

	t.Run("use", func(t *testing.T) {
		base := DefaultConfig()
		base.Log.Level = "warn"
		cfg, err := (&Builder{}).Use(base).Merge("log:\n  format: json\n").Build()
		require.NoError(t, err)
		assert.Equal(t, "warn", cfg.Log.Level)
		assert.Equal(t, "json", cfg.Log.Format)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := (&Builder{}).Merge("advisor: [").Build()
		assert.Error(t, err)
	})
}
