// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package fpunwind walks frame pointer chains inside the user stack copies
// that perf attaches to samples.
package fpunwind // import "go.opentelemetry.io/perf-ingest/fpunwind"

import (
	"encoding/binary"
)

// frameRecordSize is the size of a saved {frame pointer, return address} pair.
const frameRecordSize = 16

// Unwind follows frame records starting at fp through stack, a copy of the
// user stack taken at sp. It returns the instruction pointers and the stack
// pointers of the frames, innermost first. The first frame is (ip, sp), the
// stack pointer of a caller frame is the canonical frame address fp+16 of its
// callee. The walk stops at a frame record outside of the copy, on a frame
// pointer that does not grow towards the stack base or after maxFrames frames.
func Unwind(ip, sp, fp uint64, stack []byte, maxFrames int) (ips, sps []uint64) {
	if maxFrames <= 0 {
		return nil, nil
	}
	ips = append(ips, ip)
	sps = append(sps, sp)
	end := sp + uint64(len(stack))
	for len(ips) < maxFrames {
		if fp < sp || fp > end-frameRecordSize || end < frameRecordSize {
			break
		}
		off := fp - sp
		nextFP := binary.NativeEndian.Uint64(stack[off:])
		retAddr := binary.NativeEndian.Uint64(stack[off+8:])
		if retAddr == 0 {
			break
		}
		ips = append(ips, retAddr)
		sps = append(sps, fp+frameRecordSize)
		if nextFP <= fp {
			break
		}
		fp = nextFP
	}
	return ips, sps
}
