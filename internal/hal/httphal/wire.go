// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package httphal carries the power service interfaces over HTTP with JSON
// bodies. Client reaches a remote service; Handler exposes a local one.
package httphal

import (
	"github.com/sustainable-computing-io/power-advisor/internal/hal"
)

const (
	pathModern         = "/modern"
	pathLegacy         = "/legacy"
	pathPreferredRate  = "/modern/hint-sessions/preferred-rate"
	pathHintSessions   = "/modern/hint-sessions"
	contentTypeJSON    = "application/json"
	headerContentType  = "Content-Type"
	maxErrorBodyLength = 4 << 10
)

type enabledBody struct {
	Enabled bool `json:"enabled"`
}

type supportedBody struct {
	Supported bool `json:"supported"`
}

type boostBody struct {
	DurationMs int32 `json:"durationMs"`
}

type rateBody struct {
	RateNanos int64 `json:"rateNanos"`
}

type createSessionBody struct {
	TGID        int32   `json:"tgid"`
	UID         int32   `json:"uid"`
	ThreadIDs   []int32 `json:"threadIds"`
	TargetNanos int64   `json:"targetNanos"`
}

type sessionBody struct {
	ID string `json:"id"`
}

type targetBody struct {
	TargetNanos int64 `json:"targetNanos"`
}

type actualBody struct {
	Durations []hal.WorkDuration `json:"durations"`
}

type errorBody struct {
	Error string `json:"error"`
}
