// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package hal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGeneration(t *testing.T) {
	tt := []struct {
		in   string
		want Generation
		err  bool
	}{
		{"modern", GenerationModern, false},
		{" Legacy ", GenerationLegacy, false},
		{"", GenerationNone, false},
		{"none", GenerationNone, false},
		{"aidl", GenerationNone, true},
	}
	for _, tc := range tt {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseGeneration(tc.in)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	for _, g := range []Generation{GenerationNone, GenerationLegacy, GenerationModern} {
		parsed, err := ParseGeneration(g.String())
		require.NoError(t, err)
		assert.Equal(t, g, parsed)
	}
}

func TestNewWorkDuration(t *testing.T) {
	ts := time.Unix(12, 345)
	wd := NewWorkDuration(16*time.Millisecond, ts)
	assert.Equal(t, int64(16_000_000), wd.DurationNanos)
	assert.Equal(t, int64(12_000_000_345), wd.TimestampNanos)
}

func TestNoServiceManager(t *testing.T) {
	m := NoServiceManager{}
	_, err := m.Modern(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = m.Legacy(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}
