// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutils builds perf records and in-memory kernel rings for tests.
package testutils // import "go.opentelemetry.io/perf-ingest/testutils"

import (
	"encoding/binary"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"go.opentelemetry.io/perf-ingest/perfrecord"
)

// SampleType is the sample type of the records produced by EncodeSample.
const SampleType = unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME |
	unix.PERF_SAMPLE_PERIOD | unix.PERF_SAMPLE_CALLCHAIN | unix.PERF_SAMPLE_REGS_USER |
	unix.PERF_SAMPLE_STACK_USER

// RegsMask selects three user registers.
const RegsMask = 0x7

// PERF_SAMPLE_REGS_ABI_64
const regsABI64 = 2

// Layout returns the layout matching the records built by this package.
func Layout() *perfrecord.Layout {
	return perfrecord.NewLayout(SampleType, RegsMask, true)
}

// Sample describes a sample record to encode.
type Sample struct {
	IP        uint64
	Pid, Tid  uint32
	Time      uint64
	Period    uint64
	Callchain []uint64
	Regs      []uint64 // empty means abi == 0
	Stack     []byte
	DynSize   uint64
}

type encoder struct {
	b []byte
}

func (e *encoder) u64(v uint64) {
	e.b = binary.NativeEndian.AppendUint64(e.b, v)
}

func (e *encoder) u32(v uint32) {
	e.b = binary.NativeEndian.AppendUint32(e.b, v)
}

func (e *encoder) finish(typ uint32) []byte {
	perfrecord.Header{Type: typ, Size: uint16(len(e.b))}.Put(e.b)
	return e.b
}

// EncodeSample encodes s as a PERF_RECORD_SAMPLE of SampleType.
func EncodeSample(s Sample) []byte {
	e := encoder{b: make([]byte, perfrecord.HeaderSize)}
	e.u64(s.IP)
	e.u32(s.Pid)
	e.u32(s.Tid)
	e.u64(s.Time)
	e.u64(s.Period)
	e.u64(uint64(len(s.Callchain)))
	for _, ip := range s.Callchain {
		e.u64(ip)
	}
	if len(s.Regs) == 0 {
		e.u64(0)
	} else {
		e.u64(regsABI64)
		for i := range 3 {
			var v uint64
			if i < len(s.Regs) {
				v = s.Regs[i]
			}
			e.u64(v)
		}
	}
	e.u64(uint64(len(s.Stack)))
	e.b = append(e.b, s.Stack...)
	if len(s.Stack) > 0 {
		e.u64(s.DynSize)
	}
	return e.finish(perfrecord.RecordSample)
}

// EncodeComm encodes a PERF_RECORD_COMM followed by a sample_id trailer
// matching SampleType.
func EncodeComm(pid, tid uint32, comm string, time uint64) []byte {
	e := encoder{b: make([]byte, perfrecord.HeaderSize)}
	e.u32(pid)
	e.u32(tid)
	name := make([]byte, perfrecord.Align(uint64(len(comm))+1, 8))
	copy(name, comm)
	e.b = append(e.b, name...)
	e.u32(pid)
	e.u32(tid)
	e.u64(time)
	return e.finish(perfrecord.RecordComm)
}

// Ring is an in-memory kernel ring: a power of two sized data area with
// free-running head and tail counters.
type Ring struct {
	data []byte
	head atomic.Uint64
	tail atomic.Uint64
}

// NewRing returns a ring with size bytes of data, size must be a power of two.
func NewRing(size int) *Ring {
	if size&(size-1) != 0 {
		panic("ring size must be a power of two")
	}
	return &Ring{data: make([]byte, size)}
}

// Write appends rec to the ring, wrapping at the end of the data area. It
// returns false when the ring has no room for rec.
func (r *Ring) Write(rec []byte) bool {
	head := r.head.Load()
	if head-r.tail.Load()+uint64(len(rec)) > uint64(len(r.data)) {
		return false
	}
	mask := uint64(len(r.data) - 1)
	for i, c := range rec {
		r.data[(head+uint64(i))&mask] = c
	}
	r.head.Store(head + uint64(len(rec)))
	return true
}

// Available implements kernelring.Source.
func (r *Ring) Available() (offset, size uint64) {
	tail := r.tail.Load()
	return tail & uint64(len(r.data)-1), r.head.Load() - tail
}

// Discard implements kernelring.Source.
func (r *Ring) Discard(size uint64) {
	r.tail.Add(size)
}

// Data implements kernelring.Source.
func (r *Ring) Data() []byte {
	return r.data
}
