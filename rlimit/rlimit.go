// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package rlimit raises the locked memory limit that kernel ring mappings
// are charged against once they exceed perf_event_mlock_kb.
package rlimit // import "go.opentelemetry.io/perf-ingest/rlimit"

import (
	"fmt"

	"golang.org/x/sys/unix"

	log "github.com/sirupsen/logrus"
)

// MaximizeMemlock raises the memlock resource limit to RLIM_INFINITY. Without
// the privilege to do so, the soft limit is raised to the hard limit.
// It returns a function to reset the resource limit to its original value or an error.
func MaximizeMemlock() (func(), error) {
	var oldLimit unix.Rlimit
	tmpLimit := unix.Rlimit{
		Cur: unix.RLIM_INFINITY,
		Max: unix.RLIM_INFINITY,
	}

	if err := unix.Prlimit(0, unix.RLIMIT_MEMLOCK, &tmpLimit, &oldLimit); err != nil {
		if err != unix.EPERM {
			return nil, fmt.Errorf("failed to set temporary rlimit: %w", err)
		}
		if err = unix.Getrlimit(unix.RLIMIT_MEMLOCK, &oldLimit); err != nil {
			return nil, fmt.Errorf("failed to get rlimit: %w", err)
		}
		tmpLimit = unix.Rlimit{Cur: oldLimit.Max, Max: oldLimit.Max}
		if err = unix.Setrlimit(unix.RLIMIT_MEMLOCK, &tmpLimit); err != nil {
			return nil, fmt.Errorf("failed to raise rlimit to %d: %w", oldLimit.Max, err)
		}
		log.Debugf("Raised memlock limit to the hard limit %d", oldLimit.Max)
	}

	return func() {
		if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &oldLimit); err != nil {
			log.Errorf("Failed to set old rlimit: %v", err)
		}
	}, nil
}
