// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/power-advisor/config"
	"github.com/sustainable-computing-io/power-advisor/internal/advisor"
	"github.com/sustainable-computing-io/power-advisor/internal/hal"
	"github.com/sustainable-computing-io/power-advisor/internal/hal/fake"
	"github.com/sustainable-computing-io/power-advisor/internal/hal/httphal"
	"k8s.io/utils/ptr"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestServiceManager(t *testing.T) {
	t.Run("remote service", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Backend.URL = "http://127.0.0.1:9999"

		manager, err := serviceManager(discardLogger(), cfg)
		require.NoError(t, err)
		assert.IsType(t, &httphal.Client{}, manager)
	})

	t.Run("invalid remote url", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Backend.URL = "unix:///run/power.sock"

		_, err := serviceManager(discardLogger(), cfg)
		assert.Error(t, err)
	})

	t.Run("fake service", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Dev.FakeBackend.Enabled = ptr.To(true)
		cfg.Dev.FakeBackend.Generation = "legacy"

		manager, err := serviceManager(discardLogger(), cfg)
		require.NoError(t, err)
		require.IsType(t, &fake.Manager{}, manager)

		_, err = manager.Modern(context.Background())
		assert.ErrorIs(t, err, hal.ErrUnavailable)
		_, err = manager.Legacy(context.Background())
		assert.NoError(t, err)
	})

	t.Run("remote service wins over fake", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Backend.URL = "http://127.0.0.1:9999"
		cfg.Dev.FakeBackend.Enabled = ptr.To(true)

		manager, err := serviceManager(discardLogger(), cfg)
		require.NoError(t, err)
		assert.IsType(t, &httphal.Client{}, manager)
	})

	t.Run("nothing configured", func(t *testing.T) {
		manager, err := serviceManager(discardLogger(), config.DefaultConfig())
		require.NoError(t, err)
		assert.Equal(t, hal.NoServiceManager{}, manager)
	})
}

func serviceNames(t *testing.T, cfg *config.Config) []string {
	t.Helper()
	services, err := createServices(discardLogger(), cfg)
	require.NoError(t, err)

	names := make([]string, 0, len(services))
	for _, s := range services {
		names = append(names, s.Name())
	}
	return names
}

func TestCreateServices(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		names := serviceNames(t, config.DefaultConfig())
		assert.Equal(t, []string{
			"power-advisor", "api-server", "renderer-api", "prometheus", "health-probe", "signal-handler",
		}, names)
	})

	t.Run("all optional services", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Debug.Pprof.Enabled = ptr.To(true)
		cfg.Exporter.Stdout.Enabled = ptr.To(true)

		names := serviceNames(t, cfg)
		assert.Contains(t, names, "pprof")
		assert.Contains(t, names, "stdout")
	})

	t.Run("no prometheus", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Exporter.Prometheus.Enabled = ptr.To(false)

		assert.NotContains(t, serviceNames(t, cfg), "prometheus")
	})

	t.Run("missing procfs keeps the renderer api", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Host.ProcFS = filepath.Join(t.TempDir(), "missing")

		assert.Contains(t, serviceNames(t, cfg), "renderer-api")
	})
}

func TestRendererDropsExpensiveRendering(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Dev.FakeBackend.Enabled = ptr.To(true)
	cfg.Dev.FakeBackend.Generation = "modern"
	cfg.Advisor.UpdateImminentTimeout = 10 * time.Millisecond

	services, err := createServices(discardLogger(), cfg)
	require.NoError(t, err)

	pa, ok := services[0].(*advisor.PowerAdvisor)
	require.True(t, ok)
	require.NoError(t, pa.Init())
	t.Cleanup(func() { _ = pa.Shutdown() })

	pa.SetExpensiveRenderingExpected(1, true)
	pa.SetExpensiveRenderingExpected(2, true)
	require.Len(t, pa.ExpensiveDisplays(), 2)

	// arm the idle timer; with no further display updates it fires and the
	// renderer clears every display
	pa.OnBootFinished()
	pa.NotifyDisplayUpdateImminent()
	require.Eventually(t, func() bool {
		return len(pa.ExpensiveDisplays()) == 0
	}, time.Second, 5*time.Millisecond)
	assert.False(t, pa.Stats().ExpensiveRendering)
}

func TestParseArgsAndConfig(t *testing.T) {
	t.Run("flags override file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(file, []byte(`
log:
  level: debug
host:
  procfs: /
advisor:
  updateImminentTimeout: 100ms
`), 0o644))

		cfg, err := parseArgsAndConfig([]string{
			"--config.file", file,
			"--advisor.update-imminent-timeout", "40ms",
		})
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, 40*time.Millisecond, cfg.Advisor.UpdateImminentTimeout)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := parseArgsAndConfig([]string{"--config.file", filepath.Join(t.TempDir(), "nope.yaml")})
		assert.Error(t, err)
	})
}
