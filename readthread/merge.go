// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package readthread // import "go.opentelemetry.io/perf-ingest/readthread"

import (
	"container/heap"
	"encoding/binary"

	"go.opentelemetry.io/perf-ingest/kernelring"
	"go.opentelemetry.io/perf-ingest/perfrecord"
)

// readerHeap orders readers by the timestamp of their current record.
type readerHeap []*kernelring.Reader

func (h readerHeap) Len() int           { return len(h) }
func (h readerHeap) Less(i, j int) bool { return h[i].Time() < h[j].Time() }
func (h readerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *readerHeap) Push(x any)        { *h = append(*h, x.(*kernelring.Reader)) }
func (h *readerHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return r
}

// readKernelBuffers drains the kernel rings into the record buffer, merging
// rings by record time. It keeps going while the kernel produces data and no
// command is waiting.
func (t *Thread) readKernelBuffers() bool {
	var ready []*kernelring.Reader
	for {
		ready = ready[:0]
		for _, r := range t.readers {
			if r.Refresh() {
				ready = append(ready, r)
			}
		}
		if len(ready) == 0 {
			break
		}

		if len(ready) == 1 {
			r := ready[0]
			for r.Next(t.layout) {
				t.push(r)
			}
		} else {
			h := make(readerHeap, 0, len(ready))
			for _, r := range ready {
				if r.Next(t.layout) {
					h = append(h, r)
				}
			}
			heap.Init(&h)
			for h.Len() > 0 {
				r := h[0]
				t.push(r)
				if r.Next(t.layout) {
					heap.Fix(&h, 0)
				} else {
					heap.Pop(&h)
				}
			}
		}
		t.notifyData()

		// Sources are polled edge-triggered: data written after the last
		// Refresh waits for the next kernel wakeup or sync.
		if t.hasCmd.Load() {
			break
		}
	}
	return true
}

// push copies the current record of r into the record buffer, applying the
// backpressure policy to samples.
func (t *Thread) push(r *kernelring.Reader) {
	header := r.Header()
	if header.IsSample() {
		if t.excludePID != 0 {
			if pos := t.layout.PidPos(); pos != 0 {
				var pid [4]byte
				r.Read(pos, pid[:])
				if binary.NativeEndian.Uint32(pid[:]) == t.excludePID {
					return
				}
			}
		}
		free := t.buf.FreeSize()
		if free < t.critical {
			t.lostSamples.Add(1)
			return
		}
		if t.stackSize > lowLevelStackSize && t.pushTrimmedSample(r, header, free) {
			return
		}
	}

	p := t.buf.AllocWriteSpace(int(header.Size))
	if p == nil {
		if header.IsSample() {
			t.lostSamples.Add(1)
		} else {
			t.lostNonSamples.Add(1)
		}
		return
	}
	r.Read(0, p)
	t.buf.FinishWrite()
}

// pushTrimmedSample writes the sample with its user stack reduced to the
// valid part, or to 1 KiB when the buffer is below the low level. It returns
// false if the stack needs no trimming and the record should be copied as is.
func (t *Thread) pushTrimmedSample(r *kernelring.Reader, header perfrecord.Header,
	free int) bool {
	limit := t.stackSize
	if free < t.lowLevel {
		limit = lowLevelStackSize
	}

	stackSizePos := t.layout.StackSizePos(r.Read)
	if stackSizePos == 0 {
		return false
	}
	var buf [8]byte
	r.Read(stackSizePos, buf[:])
	stackSize := binary.NativeEndian.Uint64(buf[:])
	if stackSize == 0 {
		return false
	}
	dynSizePos := stackSizePos + 8 + stackSize
	r.Read(dynSizePos, buf[:])
	dynSize := binary.NativeEndian.Uint64(buf[:])
	if dynSize == 0 {
		// Some kernels do not fill in the dynamic size, treat the whole
		// stack as valid then.
		dynSize = stackSize
	}

	newStackSize := perfrecord.Align(min(dynSize, limit), 8)
	if stackSize <= newStackSize {
		return false
	}

	newHeader := header
	newHeader.Size -= uint16(stackSize - newStackSize)
	p := t.buf.AllocWriteSpace(int(newHeader.Size))
	if p == nil {
		t.lostSamples.Add(1)
		return true
	}
	newHeader.Put(p)
	r.Read(perfrecord.HeaderSize, p[perfrecord.HeaderSize:stackSizePos])
	perfrecord.PutUint64At(p, stackSizePos, newStackSize)
	pos := stackSizePos + 8
	r.Read(pos, p[pos:pos+newStackSize])
	pos += newStackSize
	perfrecord.PutUint64At(p, pos, newStackSize)
	// Fields following the dynamic size keep their content.
	r.Read(dynSizePos+8, p[pos+8:])
	t.buf.FinishWrite()

	if newStackSize < dynSize {
		t.cutStacks.Add(1)
	}
	return true
}
