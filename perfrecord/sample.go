// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfrecord // import "go.opentelemetry.io/perf-ingest/perfrecord"

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrTruncatedRecord is returned when a field runs past the end of a record.
var ErrTruncatedRecord = errors.New("truncated perf record")

// Sample holds the fields of a PERF_RECORD_SAMPLE the consumer cares about.
// Stack aliases the record it was decoded from.
type Sample struct {
	Header   Header
	IP       uint64
	Pid, Tid uint32
	Time     uint64
	CPU      uint32
	Period   uint64

	Callchain []uint64

	RegsABI uint64
	Regs    []uint64

	Stack        []byte
	StackDynSize uint64
}

// fields is a cursor over the body of a record.
type fields struct {
	b   []byte
	pos int
	err error
}

func (f *fields) uint64() uint64 {
	if f.err != nil {
		return 0
	}
	if f.pos+8 > len(f.b) {
		f.err = fmt.Errorf("reading u64 at %d of %d: %w", f.pos, len(f.b), ErrTruncatedRecord)
		return 0
	}
	v := binary.NativeEndian.Uint64(f.b[f.pos:])
	f.pos += 8
	return v
}

func (f *fields) uint32() uint32 {
	if f.err != nil {
		return 0
	}
	if f.pos+4 > len(f.b) {
		f.err = fmt.Errorf("reading u32 at %d of %d: %w", f.pos, len(f.b), ErrTruncatedRecord)
		return 0
	}
	v := binary.NativeEndian.Uint32(f.b[f.pos:])
	f.pos += 4
	return v
}

func (f *fields) bytes(n uint64) []byte {
	if f.err != nil {
		return nil
	}
	if n > uint64(len(f.b)-f.pos) {
		f.err = fmt.Errorf("reading %d bytes at %d of %d: %w", n, f.pos, len(f.b),
			ErrTruncatedRecord)
		return nil
	}
	v := f.b[f.pos : f.pos+int(n)]
	f.pos += int(n)
	return v
}

func (f *fields) skip(n uint64) {
	f.bytes(n)
}

// DecodeSample decodes the sample record rec produced with layout l. Fields
// after the user stack are not decoded.
func DecodeSample(l *Layout, rec []byte) (Sample, error) {
	var s Sample
	if len(rec) < HeaderSize {
		return s, ErrTruncatedRecord
	}
	s.Header = ReadHeader(rec)
	if !s.Header.IsSample() {
		return s, fmt.Errorf("record type %d is not a sample", s.Header.Type)
	}
	if int(s.Header.Size) > len(rec) {
		return s, ErrTruncatedRecord
	}

	f := fields{b: rec[:s.Header.Size], pos: HeaderSize}
	st := l.sampleType
	if st&unix.PERF_SAMPLE_IDENTIFIER != 0 {
		f.uint64()
	}
	if st&unix.PERF_SAMPLE_IP != 0 {
		s.IP = f.uint64()
	}
	if st&unix.PERF_SAMPLE_TID != 0 {
		s.Pid = f.uint32()
		s.Tid = f.uint32()
	}
	if st&unix.PERF_SAMPLE_TIME != 0 {
		s.Time = f.uint64()
	}
	if st&unix.PERF_SAMPLE_ADDR != 0 {
		f.uint64()
	}
	if st&unix.PERF_SAMPLE_ID != 0 {
		f.uint64()
	}
	if st&unix.PERF_SAMPLE_STREAM_ID != 0 {
		f.uint64()
	}
	if st&unix.PERF_SAMPLE_CPU != 0 {
		s.CPU = f.uint32()
		f.uint32()
	}
	if st&unix.PERF_SAMPLE_PERIOD != 0 {
		s.Period = f.uint64()
	}
	if st&unix.PERF_SAMPLE_CALLCHAIN != 0 {
		nr := f.uint64()
		if f.err == nil && nr > uint64(len(f.b)-f.pos)/8 {
			return s, ErrTruncatedRecord
		}
		s.Callchain = make([]uint64, nr)
		for i := range s.Callchain {
			s.Callchain[i] = f.uint64()
		}
	}
	if st&unix.PERF_SAMPLE_RAW != 0 {
		f.skip(uint64(f.uint32()))
	}
	if st&unix.PERF_SAMPLE_BRANCH_STACK != 0 {
		nr := f.uint64()
		f.skip(nr * branchEntrySize)
	}
	if st&unix.PERF_SAMPLE_REGS_USER != 0 {
		s.RegsABI = f.uint64()
		if s.RegsABI != 0 {
			s.Regs = make([]uint64, l.regsCount)
			for i := range s.Regs {
				s.Regs[i] = f.uint64()
			}
		}
	}
	if st&unix.PERF_SAMPLE_STACK_USER != 0 {
		size := f.uint64()
		s.Stack = f.bytes(size)
		if size > 0 {
			s.StackDynSize = f.uint64()
		}
	}
	return s, f.err
}
