// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !amd64 && !arm64

package fpunwind // import "go.opentelemetry.io/perf-ingest/fpunwind"

// RegsMask returns 0: frame pointer unwinding is not supported on this
// architecture.
func RegsMask() uint64 {
	return 0
}

// FrameRegs always fails on this architecture.
func FrameRegs(_ []uint64) (ip, sp, fp uint64, ok bool) {
	return 0, 0, 0, false
}
