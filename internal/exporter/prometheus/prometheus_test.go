// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/power-advisor/internal/advisor"
	"github.com/sustainable-computing-io/power-advisor/internal/hal"
	"github.com/sustainable-computing-io/power-advisor/internal/hal/fake"
	"k8s.io/utils/ptr"
)

// MockAPIRegistry mocks the APIRegistry interface
type MockAPIRegistry struct {
	mock.Mock
}

func (m *MockAPIRegistry) Register(endpoint, summary, description string, handler http.Handler) error {
	args := m.Called(endpoint, summary, description, handler)
	return args.Error(0)
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		name          string
		opts          []OptionFn
		expectService string
	}{{
		name:          "default options",
		opts:          []OptionFn{},
		expectService: "prometheus",
	}, {
		name: "with custom logger",
		opts: []OptionFn{
			WithLogger(slog.Default().With("test", "custom")),
		},
		expectService: "prometheus",
	}, {
		name: "with debug collectors",
		opts: []OptionFn{
			WithDebugCollectors([]string{"go", "process"}),
		},
		expectService: "prometheus",
	}, {
		name: "with multiple options",
		opts: []OptionFn{
			WithLogger(slog.Default().With("test", "custom")),
			WithDebugCollectors([]string{"process"}),
		},
		expectService: "prometheus",
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockRegistry := new(MockAPIRegistry)

			exporter := NewExporter(mockRegistry, tt.opts...)

			assert.NotNil(t, exporter)
			assert.Equal(t, tt.expectService, exporter.Name())
			assert.NotNil(t, exporter.logger)
			assert.NotNil(t, exporter.registry)
			assert.Same(t, mockRegistry, exporter.server)
		})
	}
}

func TestExporter_Name(t *testing.T) {
	mockRegistry := &MockAPIRegistry{}

	exporter := NewExporter(mockRegistry)

	assert.Equal(t, "prometheus", exporter.Name())
}

func TestExporter_Init(t *testing.T) {
	t.Run("starts successfully", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}

		// Setup the mock expectations
		mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).Return(nil)

		exporter := NewExporter(mockRegistry)
		err := exporter.Init()
		assert.NoError(t, err)

		mockRegistry.AssertExpectations(t)
	})

	t.Run("registry returns error", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}

		// Setup the mock to return an error
		expectedErr := errors.New("register error")
		mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).Return(expectedErr)

		exporter := NewExporter(mockRegistry)

		// Init should return the error immediately
		err := exporter.Init()

		assert.Error(t, err)
		assert.Equal(t, expectedErr, err)
		mockRegistry.AssertExpectations(t)
	})

	t.Run("with invalid collector", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}

		// Create an exporter with an unknown collector
		exporter := NewExporter(
			mockRegistry,
			WithDebugCollectors([]string{"unknown_collector"}),
		)

		// Init should return an error
		err := exporter.Init()

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown collector: unknown_collector")
		mockRegistry.AssertNotCalled(t, "Register")
	})

	t.Run("with multiple valid collectors", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}

		mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).Return(nil)

		// Create an exporter with multiple valid collectors
		exporter := NewExporter(
			mockRegistry,
			WithDebugCollectors([]string{"go", "process"}),
		)

		err := exporter.Init()
		assert.NoError(t, err)
		mockRegistry.AssertExpectations(t)
	})
}

func TestCollectorForName(t *testing.T) {
	tests := []struct {
		name          string
		collectorName string
		expectError   bool
	}{{
		name:          "go collector",
		collectorName: "go",
		expectError:   false,
	}, {
		name:          "process collector",
		collectorName: "process",
		expectError:   false,
	}, {
		name:          "unknown collector",
		collectorName: "unknown",
		expectError:   true,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector, err := collectorForName(tt.collectorName)

			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, collector)
				assert.Contains(t, err.Error(), "unknown collector: "+tt.collectorName)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, collector)

				// Further verify the collector type
				switch tt.collectorName {
				case "go":
					// Check that it's registered correctly with a registry
					registry := prom.NewRegistry()
					err := registry.Register(collector)
					assert.NoError(t, err)
				case "process":
					// Check that it's registered correctly with a registry
					registry := prom.NewRegistry()
					err := registry.Register(collector)
					assert.NoError(t, err)
				}
			}
		})
	}
}

func TestWithOptions(t *testing.T) {
	t.Run("WithLogger", func(t *testing.T) {
		customLogger := slog.Default().With("custom", "logger")
		opts := DefaultOpts()

		WithLogger(customLogger)(&opts)

		assert.Equal(t, customLogger, opts.logger)
	})

	t.Run("WithDebugCollectors", func(t *testing.T) {
		opts := DefaultOpts()
		assert.True(t, opts.debugCollectors["go"]) // From default

		collectors := []string{"process", "custom"}
		WithDebugCollectors(collectors)(&opts)

		assert.False(t, opts.debugCollectors["go"]) // should override default
		assert.True(t, opts.debugCollectors["process"])
		assert.True(t, opts.debugCollectors["custom"])
	})
}

func TestDefaultOpts(t *testing.T) {
	opts := DefaultOpts()

	// Check defaults
	assert.NotNil(t, opts.logger)
	assert.NotNil(t, opts.debugCollectors)
	assert.True(t, opts.debugCollectors["go"])
}

func TestExporter_Integration(t *testing.T) {
	mockRegistry := &MockAPIRegistry{}

	mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).Return(nil)

	dummyCollector := prom.CollectorFunc(func(ch chan<- prom.Metric) {})
	// Create exporter with dummyCollector
	exporter := NewExporter(
		mockRegistry,
		WithDebugCollectors([]string{"go", "process"}),
		WithCollectors(map[string]prom.Collector{"dummy": dummyCollector}),
	)

	assert.NoError(t, exporter.Init(), "exporter init failed")

	mockRegistry.AssertExpectations(t)
}

func TestExporter_CreateCollectors(t *testing.T) {
	manager, _ := fake.NewManagerFor(hal.GenerationModern)
	a := advisor.NewPowerAdvisor(advisor.NewConnector(manager), nil)

	coll := CreateCollectors(a, WithLogger(slog.Default()))

	assert.Len(t, coll, 2)
	assert.Contains(t, coll, "build_info")
	assert.Contains(t, coll, "advisor")
}

func TestExporter_DuplicateCollector(t *testing.T) {
	mockRegistry := &MockAPIRegistry{}
	manager, _ := fake.NewManagerFor(hal.GenerationModern)
	a := advisor.NewPowerAdvisor(advisor.NewConnector(manager), nil)

	coll := CreateCollectors(a)
	coll["again"] = coll["advisor"]

	exporter := NewExporter(mockRegistry, WithDebugCollectors(nil), WithCollectors(coll))
	err := exporter.Init()

	assert.ErrorContains(t, err, "failed to register collector")
	mockRegistry.AssertNotCalled(t, "Register")
}

// apiMux serves registered handlers the way the API server does
type apiMux struct {
	*http.ServeMux
}

func (m apiMux) Register(endpoint, _, _ string, handler http.Handler) error {
	m.Handle(endpoint, handler)
	return nil
}

func TestExporter_ServesAdvisorMetrics(t *testing.T) {
	manager, svc := fake.NewManagerFor(hal.GenerationModern)
	a := advisor.NewPowerAdvisor(advisor.NewConnector(manager), nil,
		advisor.WithPowerHintEnabled(ptr.To(true)))
	require.NoError(t, a.Init())
	t.Cleanup(func() { _ = a.Shutdown() })

	a.OnBootFinished()
	a.SetExpensiveRenderingExpected(1, true)
	require.True(t, a.StartPowerHintSession([]int32{1, 2}))
	require.NotEmpty(t, svc.Calls())

	mux := apiMux{http.NewServeMux()}
	exporter := NewExporter(mux,
		WithDebugCollectors(nil),
		WithCollectors(CreateCollectors(a)),
	)
	require.NoError(t, exporter.Init())

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "power_advisor_build_info")
	assert.Contains(t, text, `power_advisor_backend_generation{generation="modern"} 1`)
	assert.Contains(t, text, "power_advisor_hint_session_running 1")
	assert.Contains(t, text, "power_advisor_expensive_rendering 1")
	assert.Contains(t, text, `power_advisor_backend_calls_total{call="set_mode"} 1`)
}
