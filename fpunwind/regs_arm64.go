// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package fpunwind // import "go.opentelemetry.io/perf-ingest/fpunwind"

// Indices of enum perf_event_arm64_regs.
const (
	regFP = 29
	regLR = 30
	regSP = 31
	regPC = 32
)

// RegsMask returns the sample_regs_user mask selecting the registers
// FrameRegs needs.
func RegsMask() uint64 {
	return 1<<regFP | 1<<regLR | 1<<regSP | 1<<regPC
}

// FrameRegs extracts ip, sp and the frame pointer from the user registers of
// a sample recorded with RegsMask. The kernel stores them by ascending index.
func FrameRegs(regs []uint64) (ip, sp, fp uint64, ok bool) {
	if len(regs) != 4 {
		return 0, 0, 0, false
	}
	return regs[3], regs[2], regs[0], true
}
