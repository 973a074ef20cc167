// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sustainable-computing-io/power-advisor/config"
	"github.com/sustainable-computing-io/power-advisor/internal/advisor"
	"github.com/sustainable-computing-io/power-advisor/internal/api"
	"github.com/sustainable-computing-io/power-advisor/internal/exporter/prometheus"
	"github.com/sustainable-computing-io/power-advisor/internal/exporter/stdout"
	"github.com/sustainable-computing-io/power-advisor/internal/hal"
	"github.com/sustainable-computing-io/power-advisor/internal/hal/fake"
	"github.com/sustainable-computing-io/power-advisor/internal/hal/httphal"
	"github.com/sustainable-computing-io/power-advisor/internal/logger"
	"github.com/sustainable-computing-io/power-advisor/internal/server"
	"github.com/sustainable-computing-io/power-advisor/internal/service"
	"github.com/sustainable-computing-io/power-advisor/internal/threads"
	"github.com/sustainable-computing-io/power-advisor/internal/version"
	"golang.org/x/sys/unix"
	"k8s.io/utils/ptr"
)

func main() {
	// parse args and config and exit with error if there is an error
	cfg, err := parseArgsAndConfig(os.Args[1:])
	if err != nil {
		os.Exit(1)
	}
	logger := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	logVersionInfo(logger)
	printConfigInfo(logger, cfg)

	services, err := createServices(logger, cfg)
	if err != nil {
		logger.Error("failed to create services", "error", err)
		os.Exit(1)
	}

	if err := service.Init(logger, services); err != nil {
		logger.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting power advisor")
	if err := service.Run(context.Background(), logger, services); err != nil {
		logger.Error("power advisor terminated with an error", "error", err)
		os.Exit(1)
	}
	logger.Info("Graceful shutdown completed")
}

func logVersionInfo(logger *slog.Logger) {
	v := version.Info()
	logger.Info("Power advisor version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}

func parseArgsAndConfig(args []string) (*config.Config, error) {
	const appName = "power-advisor"
	app := kingpin.New(appName, "Forwards rendering power hints to the platform power service.")
	app.Version(version.Info().String())

	configFile := app.Flag("config.file", "Path to YAML configuration file").String()
	updateConfig := config.RegisterFlags(app)
	kingpin.MustParse(app.Parse(args))

	logger := logger.New("info", "text", os.Stderr)
	cfg := config.DefaultConfig()
	if *configFile != "" {
		logger.Info("Loading configuration file", "path", *configFile)
		loadedCfg, err := config.FromFile(*configFile)
		if err != nil {
			logger.Error("Error loading config file", "error", err.Error())
			return nil, err
		}
		// Replace default config with loaded config
		cfg = loadedCfg
		logger.Info("Completed loading of configuration file", "path", *configFile)
	}

	// Apply command line flags (these override config file settings)
	if err := updateConfig(cfg); err != nil {
		logger.Error("Error applying command line flags", "error", err.Error())
		return nil, err
	}

	return cfg, nil
}

func printConfigInfo(logger *slog.Logger, cfg *config.Config) {
	if !logger.Enabled(context.Background(), slog.LevelInfo) || cfg.Log.Format == "json" {
		return
	}

	fmt.Printf(`
Configuration
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, cfg)
}

// serviceManager picks the power service: a remote one when a URL is
// configured, the in-memory fake in dev mode, nothing otherwise
func serviceManager(logger *slog.Logger, cfg *config.Config) (hal.ServiceManager, error) {
	if cfg.Backend.URL != "" {
		logger.Info("Using remote power service", "url", cfg.Backend.URL)
		return httphal.NewClient(cfg.Backend.URL,
			httphal.WithLogger(logger),
			httphal.WithHTTPClient(&http.Client{Timeout: cfg.Backend.Timeout}),
		)
	}

	if ptr.Deref(cfg.Dev.FakeBackend.Enabled, false) {
		gen, err := hal.ParseGeneration(cfg.Dev.FakeBackend.Generation)
		if err != nil {
			return nil, err
		}
		logger.Warn("Using fake power service", "generation", gen)
		manager, _ := fake.NewManagerFor(gen)
		return manager, nil
	}

	logger.Warn("No power service configured, power hints will be dropped")
	return hal.NoServiceManager{}, nil
}

func advisorOptions(logger *slog.Logger, cfg *config.Config) []advisor.OptionFn {
	ac := cfg.Advisor
	return []advisor.OptionFn{
		advisor.WithLogger(logger),
		advisor.WithPowerHintEnabled(ac.PowerHintEnabled),
		advisor.WithUpdateImminentTimeout(ac.UpdateImminentTimeout),
		advisor.WithTargetSafetyMargin(ac.TargetSafetyMargin),
		advisor.WithTraceHintSessions(ptr.Deref(ac.TraceHintSessions, false)),
		advisor.WithNormalizeTarget(ptr.Deref(ac.NormalizeHintSessionDurations, false)),
		advisor.WithTargetDeviation(ac.TargetDeviation),
		advisor.WithActualDeviation(ac.ActualDeviation),
		advisor.WithStaleTimeout(ac.StaleTimeout),
		advisor.WithDefaultTarget(ac.DefaultTarget),
		advisor.WithCallTimeout(cfg.Backend.Timeout),
		advisor.WithLookupTimeout(cfg.Backend.LookupTimeout),
	}
}

func createServices(logger *slog.Logger, cfg *config.Config) ([]service.Service, error) {
	logger.Debug("Creating all services")

	manager, err := serviceManager(logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create power service client: %w", err)
	}

	opts := advisorOptions(logger, cfg)

	// the daemon is its own renderer: once display updates go idle every
	// display drops its expensive rendering expectation
	var pa *advisor.PowerAdvisor
	renderer := advisor.RendererFunc(func() {
		for _, id := range pa.ExpensiveDisplays() {
			pa.SetExpensiveRenderingExpected(id, false)
		}
	})
	pa = advisor.NewPowerAdvisor(advisor.NewConnector(manager, opts...), renderer, opts...)

	apiServer := server.NewAPIServer(
		server.WithLogger(logger),
		server.WithListenAddress(cfg.Web.ListenAddresses),
		server.WithWebConfig(cfg.Web.Config),
	)

	apiOpts := []api.OptionFn{api.WithLogger(logger)}
	if resolver, err := threads.NewResolver(cfg.Host.ProcFS); err != nil {
		logger.Warn("Thread resolution by pid disabled", "procfs", cfg.Host.ProcFS, "error", err)
	} else {
		apiOpts = append(apiOpts, api.WithResolver(resolver))
	}
	rendererAPI := api.NewService(apiServer, pa, apiOpts...)

	services := []service.Service{
		pa,
		apiServer,
		rendererAPI,
	}

	if ptr.Deref(cfg.Debug.Pprof.Enabled, false) {
		services = append(services, server.NewPprof(apiServer, logger))
	}

	if ptr.Deref(cfg.Exporter.Prometheus.Enabled, false) {
		collectors := prometheus.CreateCollectors(pa, prometheus.WithLogger(logger))
		services = append(services, prometheus.NewExporter(apiServer,
			prometheus.WithLogger(logger),
			prometheus.WithDebugCollectors(cfg.Exporter.Prometheus.DebugCollectors),
			prometheus.WithCollectors(collectors),
		))
	}

	if ptr.Deref(cfg.Exporter.Stdout.Enabled, false) {
		services = append(services, stdout.NewExporter(pa,
			stdout.WithLogger(logger),
			stdout.WithInterval(cfg.Exporter.Stdout.Interval),
		))
	}

	healthProbe := server.NewHealthProbe(apiServer, services, logger)
	services = append(services,
		healthProbe,
		service.NewSignalHandler(logger, os.Interrupt, unix.SIGTERM),
	)
	return services, nil
}
