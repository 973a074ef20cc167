// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package fake

import (
	"context"
	"sync"

	"github.com/sustainable-computing-io/power-advisor/internal/hal"
)

// Manager is a hal.ServiceManager over fake services. A nil service means that
// generation is not deployed.
type Manager struct {
	mu      sync.Mutex
	modern  *Service
	legacy  *Service
	lookups map[hal.Generation]int
}

var _ hal.ServiceManager = (*Manager)(nil)

// NewManager creates a Manager; either service may be nil
func NewManager(modern, legacy *Service) *Manager {
	return &Manager{
		modern:  modern,
		legacy:  legacy,
		lookups: map[hal.Generation]int{},
	}
}

// NewManagerFor creates a Manager deploying a fully featured service of the
// given generation, or nothing for hal.GenerationNone.
func NewManagerFor(g hal.Generation) (*Manager, *Service) {
	svc := NewFullService()
	switch g {
	case hal.GenerationModern:
		return NewManager(svc, svc), svc
	case hal.GenerationLegacy:
		return NewManager(nil, svc), svc
	default:
		return NewManager(nil, nil), nil
	}
}

// SetModern replaces the modern service; nil removes it
func (m *Manager) SetModern(s *Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modern = s
}

// SetLegacy replaces the legacy service; nil removes it
func (m *Manager) SetLegacy(s *Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.legacy = s
}

// Lookups returns how many times the given generation was looked up
func (m *Manager) Lookups(g hal.Generation) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups[g]
}

func (m *Manager) Modern(context.Context) (hal.ModernPower, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups[hal.GenerationModern]++
	if m.modern == nil {
		return nil, hal.ErrUnavailable
	}
	return m.modern, nil
}

func (m *Manager) Legacy(context.Context) (hal.LegacyPower, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups[hal.GenerationLegacy]++
	if m.legacy == nil {
		return nil, hal.ErrUnavailable
	}
	return m.legacy, nil
}
