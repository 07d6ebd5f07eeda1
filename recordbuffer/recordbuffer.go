// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package recordbuffer implements a lock-free circular buffer of perf records,
// safe for concurrent use by one writer and one reader.
//
// Each cursor is only ever stored by its owner and loaded by the other side.
// The atomic store publishing a cursor orders all preceding writes to the
// record bytes before it, so the other side never observes a half written
// record or reuses space that is still being read.
//
// A record never spans the end of the buffer. When a record does not fit into
// the bytes left at the end, the writer puts a header with size 0 there (if a
// header fits) and continues at offset 0. The reader treats a zero size header,
// or tail space too short to hold a header, as a jump to offset 0.
package recordbuffer // import "go.opentelemetry.io/perf-ingest/recordbuffer"

import (
	"sync/atomic"

	"go.opentelemetry.io/perf-ingest/perfrecord"
)

// Buffer is a single producer, single consumer record buffer.
type Buffer struct {
	readHead  atomic.Uint64
	writeHead atomic.Uint64

	data []byte

	// owned by the writer
	curWriteSize uint64
	// owned by the reader
	curReadSize uint64
}

// New returns a buffer holding size bytes. One byte always stays unused so
// that equal cursors mean the buffer is empty.
func New(size int) *Buffer {
	if size <= perfrecord.HeaderSize {
		panic("record buffer too small")
	}
	return &Buffer{data: make([]byte, size)}
}

// Size returns the capacity of the buffer in bytes.
func (b *Buffer) Size() int {
	return len(b.data)
}

// FreeSize returns the number of bytes that can currently be written, ignoring
// fragmentation at the end of the buffer.
func (b *Buffer) FreeSize() int {
	w := b.writeHead.Load()
	r := b.readHead.Load()
	size := uint64(len(b.data))
	writeTail := size - 1
	if r > 0 {
		writeTail = r - 1
	}
	if w <= writeTail {
		return int(writeTail - w)
	}
	return int(size - w + writeTail)
}

// AllocWriteSpace returns n contiguous writable bytes, or nil if there is no
// room. The space becomes visible to the reader with FinishWrite. Only the
// writer may call it.
func (b *Buffer) AllocWriteSpace(n int) []byte {
	w := b.writeHead.Load()
	r := b.readHead.Load()
	size := uint64(len(b.data))
	need := uint64(n)

	if w < r {
		// Free space is [w, r-1).
		if w+need > r-1 {
			return nil
		}
		b.curWriteSize = need
		return b.data[w : w+need]
	}

	// Free space is [w, end) followed by [0, r-1).
	end := size
	if r == 0 {
		end = size - 1
	}
	if w+need <= end {
		b.curWriteSize = need
		return b.data[w : w+need]
	}
	if r == 0 || need > r-1 {
		return nil
	}
	if size-w >= perfrecord.HeaderSize {
		clear(b.data[w : w+perfrecord.HeaderSize])
	}
	b.curWriteSize = need + size - w
	return b.data[:need]
}

// FinishWrite publishes the space returned by the last AllocWriteSpace.
func (b *Buffer) FinishWrite() {
	w := b.writeHead.Load()
	b.writeHead.Store((w + b.curWriteSize) % uint64(len(b.data)))
	b.curWriteSize = 0
}

// CurrentRecord returns the oldest unread record, or nil if the buffer is
// empty. The slice stays valid until MoveToNextRecord. Only the reader may
// call it.
func (b *Buffer) CurrentRecord() []byte {
	w := b.writeHead.Load()
	r := b.readHead.Load()
	if r == w {
		return nil
	}
	size := uint64(len(b.data))
	skipped := uint64(0)
	if r > w {
		if size-r < perfrecord.HeaderSize || perfrecord.SizeOf(b.data[r:]) == 0 {
			skipped = size - r
			r = 0
		}
	}
	recSize := uint64(perfrecord.SizeOf(b.data[r:]))
	b.curReadSize = skipped + recSize
	return b.data[r : r+recSize]
}

// MoveToNextRecord releases the record returned by CurrentRecord back to the
// writer.
func (b *Buffer) MoveToNextRecord() {
	if b.curReadSize == 0 {
		return
	}
	r := b.readHead.Load()
	b.readHead.Store((r + b.curReadSize) % uint64(len(b.data)))
	b.curReadSize = 0
}
