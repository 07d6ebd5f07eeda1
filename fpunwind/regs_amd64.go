// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package fpunwind // import "go.opentelemetry.io/perf-ingest/fpunwind"

// Indices of enum perf_event_x86_regs.
const (
	regBP = 6
	regSP = 7
	regIP = 8
)

// RegsMask returns the sample_regs_user mask selecting the registers
// FrameRegs needs.
func RegsMask() uint64 {
	return 1<<regBP | 1<<regSP | 1<<regIP
}

// FrameRegs extracts ip, sp and the frame pointer from the user registers of
// a sample recorded with RegsMask. The kernel stores them by ascending index.
func FrameRegs(regs []uint64) (ip, sp, fp uint64, ok bool) {
	if len(regs) != 3 {
		return 0, 0, 0, false
	}
	return regs[2], regs[1], regs[0], true
}
