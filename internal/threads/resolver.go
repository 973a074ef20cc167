// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package threads finds the threads a hint session should cover
package threads

import (
	"fmt"
	"slices"

	"github.com/prometheus/procfs"
)

// Resolver lists the thread ids of a process
type Resolver interface {
	// ThreadIDs returns the sorted thread ids of pid. When names are given
	// only threads whose command name matches one of them are returned.
	ThreadIDs(pid int, names ...string) ([]int32, error)
}

// procFSResolver reads threads from /proc/<pid>/task
type procFSResolver struct {
	fs procfs.FS
}

var _ Resolver = (*procFSResolver)(nil)

// NewResolver creates a Resolver reading from the procfs mounted at procfsPath
func NewResolver(procfsPath string) (*procFSResolver, error) {
	fs, err := procfs.NewFS(procfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", procfsPath, err)
	}
	return &procFSResolver{fs: fs}, nil
}

func (r *procFSResolver) ThreadIDs(pid int, names ...string) ([]int32, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d", pid)
	}

	tasks, err := r.fs.AllThreads(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads of %d: %w", pid, err)
	}

	ids := make([]int32, 0, len(tasks))
	for _, t := range tasks {
		if len(names) > 0 {
			comm, err := t.Comm()
			if err != nil {
				// the thread exited while listing
				continue
			}
			if !slices.Contains(names, comm) {
				continue
			}
		}
		ids = append(ids, int32(t.PID))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no matching threads for pid %d", pid)
	}
	slices.Sort(ids)
	return ids, nil
}
