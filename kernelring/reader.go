// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package kernelring reads perf records out of a kernel owned, power of two
// sized ring without copying them first.
package kernelring // import "go.opentelemetry.io/perf-ingest/kernelring"

import (
	"go.opentelemetry.io/perf-ingest/perfrecord"
)

// Source is a ring the kernel writes records into.
type Source interface {
	// Available returns the offset of the first unread byte and the number of
	// unread bytes. The offset is already reduced modulo the ring size.
	Available() (offset, size uint64)
	// Discard hands size bytes back to the kernel.
	Discard(size uint64)
	// Data returns the ring data area. Its length is a power of two.
	Data() []byte
}

// Reader steps record by record through the data a Source made available
// with its last Refresh.
type Reader struct {
	src  Source
	data []byte
	mask uint64

	pos      uint64
	size     uint64
	initSize uint64

	header perfrecord.Header
	time   uint64
}

// NewReader returns a reader for src.
func NewReader(src Source) *Reader {
	data := src.Data()
	return &Reader{
		src:  src,
		data: data,
		mask: uint64(len(data) - 1),
	}
}

// Source returns the ring the reader works on.
func (r *Reader) Source() Source {
	return r.src
}

// Refresh picks up the data written since the last refresh. It returns false
// if there is nothing to read.
func (r *Reader) Refresh() bool {
	if r.size != 0 {
		return true
	}
	offset, size := r.src.Available()
	if size == 0 {
		return false
	}
	r.pos = offset
	r.size = size
	r.initSize = size
	r.header = perfrecord.Header{}
	return true
}

// Next moves to the following record and loads its header and timestamp. It
// returns false once all refreshed data is consumed, after handing that data
// back to the kernel.
func (r *Reader) Next(layout *perfrecord.Layout) bool {
	step := uint64(r.header.Size)
	r.pos = (r.pos + step) & r.mask
	r.size -= min(step, r.size)
	if r.size == 0 {
		return r.release()
	}
	var buf [perfrecord.HeaderSize]byte
	r.Read(0, buf[:])
	r.header = perfrecord.ReadHeader(buf[:])
	if r.header.Size < perfrecord.HeaderSize || uint64(r.header.Size) > r.size {
		// Corrupted ring contents, there is no way to resynchronize.
		return r.release()
	}
	r.time = 0
	if pos := layout.TimePos(r.header); pos != 0 {
		var tbuf [8]byte
		r.Read(pos, tbuf[:])
		r.time = perfrecord.Uint64At(tbuf[:], 0)
	}
	return true
}

func (r *Reader) release() bool {
	r.src.Discard(r.initSize)
	r.size = 0
	r.initSize = 0
	r.header = perfrecord.Header{}
	return false
}

// Read copies len(dst) bytes at pos of the current record into dst. The copy
// is split in two when it crosses the end of the ring.
func (r *Reader) Read(pos uint64, dst []byte) {
	start := (r.pos + pos) & r.mask
	n := copy(dst, r.data[start:])
	if n < len(dst) {
		copy(dst[n:], r.data)
	}
}

// Header returns the header of the current record.
func (r *Reader) Header() perfrecord.Header {
	return r.header
}

// Time returns the timestamp of the current record, 0 if it has none.
func (r *Reader) Time() uint64 {
	return r.time
}
