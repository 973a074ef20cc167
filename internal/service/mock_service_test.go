// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"sync/atomic"
)

var (
	_ Initializer  = (*mockHealthService)(nil)
	_ Runner       = (*mockHealthService)(nil)
	_ Shutdowner   = (*mockHealthService)(nil)
	_ LiveChecker  = (*mockHealthService)(nil)
	_ ReadyChecker = (*mockHealthService)(nil)
)

// mockService implements Service interface
type mockService struct {
	name string
}

func (m *mockService) Name() string {
	return m.name
}

// mockInitializer implements Initializer interface
type mockInitializer struct {
	mockService
	initFn    func() error
	initCount int
}

func (m *mockInitializer) Init() error {
	m.initCount++
	if m.initFn != nil {
		return m.initFn()
	}
	return nil
}

// mockInitShutdownService implements both Initializer and Shutdowner
type mockInitShutdownService struct {
	mockService
	initFn        func() error
	shutdownFn    func() error
	initCount     int
	shutdownCount int
}

func (m *mockInitShutdownService) Init() error {
	m.initCount++
	if m.initFn != nil {
		return m.initFn()
	}
	return nil
}

func (m *mockInitShutdownService) Shutdown() error {
	m.shutdownCount++
	if m.shutdownFn != nil {
		return m.shutdownFn()
	}
	return nil
}

// mockRunner implements Runner interface
type mockRunner struct {
	mockService
	runFn    func(ctx context.Context) error
	runCount int
}

func (m *mockRunner) Run(ctx context.Context) error {
	m.runCount++
	if m.runFn != nil {
		return m.runFn(ctx)
	}
	return nil
}

// mockRunShutdownService implements both Runner and Shutdowner
type mockRunShutdownService struct {
	mockService
	runFn         func(ctx context.Context) error
	shutdownFn    func() error
	runCount      int
	shutdownCount int
}

func (m *mockRunShutdownService) Run(ctx context.Context) error {
	m.runCount++
	if m.runFn != nil {
		return m.runFn(ctx)
	}
	return nil
}

func (m *mockRunShutdownService) Shutdown() error {
	m.shutdownCount++
	if m.shutdownFn != nil {
		return m.shutdownFn()
	}
	return nil
}

// mockHealthService reports health the way the power advisor does: ready once
// initialized, live until shut down. Run blocks until the group stops.
type mockHealthService struct {
	mockService
	initialized atomic.Bool
	running     atomic.Bool
	stopped     atomic.Bool
}

func (m *mockHealthService) Init() error {
	m.initialized.Store(true)
	return nil
}

func (m *mockHealthService) Run(ctx context.Context) error {
	m.running.Store(true)
	defer m.running.Store(false)
	<-ctx.Done()
	return nil
}

func (m *mockHealthService) Shutdown() error {
	m.stopped.Store(true)
	return nil
}

func (m *mockHealthService) IsLive() bool {
	return !m.stopped.Load()
}

func (m *mockHealthService) IsReady() bool {
	return m.initialized.Load() && m.IsLive()
}
