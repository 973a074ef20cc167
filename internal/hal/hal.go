// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package hal describes the boundary to the hardware power service. Two
// generations of the service exist: the legacy one only understands power
// hints, the modern one adds modes, boosts and hint sessions. Every call is a
// remote call that may block and may fail.
package hal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnavailable is returned by a ServiceManager when the requested
	// generation of the power service is not deployed.
	ErrUnavailable = errors.New("power service unavailable")

	// ErrUnsupported is returned when the service is reachable but does not
	// implement the requested operation.
	ErrUnsupported = errors.New("operation not supported by power service")
)

// Generation identifies the interface generation of a connected power service
type Generation int

const (
	GenerationNone Generation = iota
	GenerationLegacy
	GenerationModern
)

func (g Generation) String() string {
	switch g {
	case GenerationLegacy:
		return "legacy"
	case GenerationModern:
		return "modern"
	default:
		return "none"
	}
}

// ParseGeneration parses the string form of a Generation
func ParseGeneration(s string) (Generation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return GenerationNone, nil
	case "legacy":
		return GenerationLegacy, nil
	case "modern":
		return GenerationModern, nil
	}
	return GenerationNone, fmt.Errorf("unknown generation %q", s)
}

type (
	Mode  string
	Boost string
	Hint  string
)

const (
	ModeExpensiveRendering     Mode  = "EXPENSIVE_RENDERING"
	BoostDisplayUpdateImminent Boost = "DISPLAY_UPDATE_IMMINENT"
	HintExpensiveRendering     Hint  = "EXPENSIVE_RENDERING"
)

// WorkDuration is a single actual-duration sample reported to a hint session
type WorkDuration struct {
	TimestampNanos int64 `json:"timestampNanos"`
	DurationNanos  int64 `json:"durationNanos"`
}

// NewWorkDuration builds a WorkDuration from Go time values
func NewWorkDuration(d time.Duration, ts time.Time) WorkDuration {
	return WorkDuration{
		TimestampNanos: ts.UnixNano(),
		DurationNanos:  d.Nanoseconds(),
	}
}

// LegacyPower is the first generation of the power service
type LegacyPower interface {
	PowerHintAsync(ctx context.Context, hint Hint, enabled bool) error
}

// ModernPower is the second generation of the power service
type ModernPower interface {
	IsModeSupported(ctx context.Context, mode Mode) (bool, error)
	IsBoostSupported(ctx context.Context, boost Boost) (bool, error)
	SetMode(ctx context.Context, mode Mode, enabled bool) error
	SetBoost(ctx context.Context, boost Boost, durationMs int32) error

	// HintSessionPreferredRate returns the update rate preferred by the
	// service. Services without hint session support return an error.
	HintSessionPreferredRate(ctx context.Context) (int64, error)
	CreateHintSession(ctx context.Context, tgid, uid int32, threadIDs []int32, targetNanos int64) (HintSession, error)
}

// HintSession is an open hint session on a ModernPower service
type HintSession interface {
	UpdateTargetWorkDuration(ctx context.Context, targetNanos int64) error
	ReportActualWorkDuration(ctx context.Context, durations []WorkDuration) error
	Close(ctx context.Context) error
}

// ServiceManager looks up the power service. Both lookups return
// ErrUnavailable when that generation is not deployed.
type ServiceManager interface {
	Modern(ctx context.Context) (ModernPower, error)
	Legacy(ctx context.Context) (LegacyPower, error)
}

// NoServiceManager is a ServiceManager that never finds a power service
type NoServiceManager struct{}

var _ ServiceManager = NoServiceManager{}

func (NoServiceManager) Modern(context.Context) (ModernPower, error) {
	return nil, ErrUnavailable
}

func (NoServiceManager) Legacy(context.Context) (LegacyPower, error) {
	return nil, ErrUnavailable
}
