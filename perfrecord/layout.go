// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfrecord // import "go.opentelemetry.io/perf-ingest/perfrecord"

import (
	"encoding/binary"
	"math/bits"

	"github.com/elastic/go-perf"
	"golang.org/x/sys/unix"
)

// branchEntrySize is the size of struct perf_branch_entry.
const branchEntrySize = 24

// SampleType packs a go-perf SampleFormat into the PERF_SAMPLE_* bitmask the
// kernel reports in perf_event_attr.sample_type.
func SampleType(f perf.SampleFormat) uint64 {
	fields := []struct {
		set bool
		bit uint64
	}{
		{f.IP, unix.PERF_SAMPLE_IP},
		{f.Tid, unix.PERF_SAMPLE_TID},
		{f.Time, unix.PERF_SAMPLE_TIME},
		{f.Addr, unix.PERF_SAMPLE_ADDR},
		{f.Count, unix.PERF_SAMPLE_READ},
		{f.Callchain, unix.PERF_SAMPLE_CALLCHAIN},
		{f.ID, unix.PERF_SAMPLE_ID},
		{f.CPU, unix.PERF_SAMPLE_CPU},
		{f.Period, unix.PERF_SAMPLE_PERIOD},
		{f.StreamID, unix.PERF_SAMPLE_STREAM_ID},
		{f.Raw, unix.PERF_SAMPLE_RAW},
		{f.BranchStack, unix.PERF_SAMPLE_BRANCH_STACK},
		{f.UserRegisters, unix.PERF_SAMPLE_REGS_USER},
		{f.UserStack, unix.PERF_SAMPLE_STACK_USER},
		{f.Weight, unix.PERF_SAMPLE_WEIGHT},
		{f.DataSource, unix.PERF_SAMPLE_DATA_SRC},
		{f.Identifier, unix.PERF_SAMPLE_IDENTIFIER},
		{f.Transaction, unix.PERF_SAMPLE_TRANSACTION},
		{f.IntrRegisters, unix.PERF_SAMPLE_REGS_INTR},
		{f.PhysicalAddress, unix.PERF_SAMPLE_PHYS_ADDR},
	}
	var mask uint64
	for _, field := range fields {
		if field.set {
			mask |= field.bit
		}
	}
	return mask
}

// Layout holds the byte offsets of the fields the reader thread needs to look
// at, precomputed once per session from the sample type. PERF_SAMPLE_READ is
// not supported: its size depends on the read format.
type Layout struct {
	sampleType uint64
	regsCount  uint64

	// Offsets from the start of sample records. 0 means not present.
	timePos uint64
	pidPos  uint64
	// Start of the variable length part of sample records (callchain onwards).
	varPos uint64

	// Offset of the time field counted back from the end of non-sample
	// records. Only set with sample_id_all.
	timeRPos uint64
}

// NewLayout precomputes field offsets for records produced with the given
// sample type, user register mask and sample_id_all setting.
func NewLayout(sampleType, sampleRegsUser uint64, sampleIDAll bool) *Layout {
	l := &Layout{
		sampleType: sampleType,
		regsCount:  uint64(bits.OnesCount64(sampleRegsUser)),
	}

	pos := uint64(HeaderSize)
	pos += 8 * l.count(unix.PERF_SAMPLE_IDENTIFIER|unix.PERF_SAMPLE_IP)
	if sampleType&unix.PERF_SAMPLE_TID != 0 {
		l.pidPos = pos
		pos += 8
	}
	if sampleType&unix.PERF_SAMPLE_TIME != 0 {
		l.timePos = pos
		pos += 8
	}
	pos += 8 * l.count(unix.PERF_SAMPLE_ADDR|unix.PERF_SAMPLE_ID|
		unix.PERF_SAMPLE_STREAM_ID|unix.PERF_SAMPLE_CPU|unix.PERF_SAMPLE_PERIOD)
	l.varPos = pos

	if sampleType&unix.PERF_SAMPLE_TIME != 0 && sampleIDAll {
		// sample_id trailer: { pid, tid }, time, id, stream_id, cpu, identifier
		l.timeRPos = 8 * (l.count(unix.PERF_SAMPLE_IDENTIFIER|unix.PERF_SAMPLE_CPU|
			unix.PERF_SAMPLE_STREAM_ID|unix.PERF_SAMPLE_ID) + 1)
	}
	return l
}

// LayoutFromAttr builds the layout matching the records of an event opened
// with attr.
func LayoutFromAttr(attr *perf.Attr) *Layout {
	return NewLayout(SampleType(attr.SampleFormat), attr.SampleRegistersUser,
		attr.Options.SampleIDAll)
}

func (l *Layout) count(mask uint64) uint64 {
	return uint64(bits.OnesCount64(l.sampleType & mask))
}

// SampleTypeMask returns the PERF_SAMPLE_* bitmask the layout was built from.
func (l *Layout) SampleTypeMask() uint64 {
	return l.sampleType
}

// Has reports whether all bits of mask are part of the sample type.
func (l *Layout) Has(mask uint64) bool {
	return l.sampleType&mask == mask
}

// TimePos returns the offset of the timestamp in a record with header h, or 0
// if the record carries none.
func (l *Layout) TimePos(h Header) uint64 {
	if h.IsSample() {
		return l.timePos
	}
	if l.timeRPos != 0 && l.timeRPos < uint64(h.Size)-HeaderSize {
		return uint64(h.Size) - l.timeRPos
	}
	return 0
}

// PidPos returns the offset of the pid in sample records, or 0 without
// PERF_SAMPLE_TID.
func (l *Layout) PidPos() uint64 {
	return l.pidPos
}

// StackSizePos walks the variable length sections of a sample record through
// read and returns the offset of the user stack size field. It returns 0 if
// PERF_SAMPLE_STACK_USER is not enabled. read copies len(dst) bytes found at
// pos of the current record into dst.
func (l *Layout) StackSizePos(read func(pos uint64, dst []byte)) uint64 {
	var buf [8]byte
	pos := l.varPos
	if l.sampleType&unix.PERF_SAMPLE_CALLCHAIN != 0 {
		read(pos, buf[:8])
		nr := binary.NativeEndian.Uint64(buf[:8])
		pos += (nr + 1) * 8
	}
	if l.sampleType&unix.PERF_SAMPLE_RAW != 0 {
		read(pos, buf[:4])
		size := binary.NativeEndian.Uint32(buf[:4])
		pos += uint64(size) + 4
	}
	if l.sampleType&unix.PERF_SAMPLE_BRANCH_STACK != 0 {
		read(pos, buf[:8])
		nr := binary.NativeEndian.Uint64(buf[:8])
		pos += 8 + nr*branchEntrySize
	}
	if l.sampleType&unix.PERF_SAMPLE_REGS_USER != 0 {
		read(pos, buf[:8])
		abi := binary.NativeEndian.Uint64(buf[:8])
		pos += 8
		if abi != 0 {
			pos += l.regsCount * 8
		}
	}
	if l.sampleType&unix.PERF_SAMPLE_STACK_USER == 0 {
		return 0
	}
	return pos
}
