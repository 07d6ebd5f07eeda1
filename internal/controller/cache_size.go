// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/perf-ingest/internal/controller"

import (
	"fmt"
	"math/bits"

	"github.com/tklauser/numcpus"
)

// SampleCacheSize returns the number of distinct chains the profile builder
// keeps for aggregation. Every cache miss adds one more sample to the
// profile that is only merged when the profile is built, so the cache is
// sized for the samples of a few seconds on all present cores, bounded below
// and above.
func SampleCacheSize(samplesPerSecond int) (uint32, error) {
	const (
		sampleCacheSeconds = 4
		sampleCacheMinSize = 4096
		sampleCacheMaxSize = 1 << 20
	)

	presentCores, err := numcpus.GetPresent()
	if err != nil {
		return 0, fmt.Errorf("failed to read CPU file: %w", err)
	}

	return sampleCacheSize(samplesPerSecond, presentCores, sampleCacheSeconds,
		sampleCacheMinSize, sampleCacheMaxSize), nil
}

func sampleCacheSize(samplesPerSecond, cores, seconds int, minSize, maxSize uint32) uint32 {
	size := uint64(max(samplesPerSecond, 0)) * uint64(max(cores, 1)) * uint64(seconds)
	size = min(max(size, uint64(minSize)), uint64(maxSize))
	return nextPowerOfTwo(uint32(size))
}

// nextPowerOfTwo returns v if it is a power of two, else the next larger one.
func nextPowerOfTwo(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	return 1 << bits.Len32(v-1)
}
