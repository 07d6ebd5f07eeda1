// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package kernelring // import "go.opentelemetry.io/perf-ingest/kernelring"

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapRing is the ring of a perf event file descriptor mapped into our
// address space: one metadata page followed by a power of two number of data
// pages.
type MmapRing struct {
	mem  []byte
	meta *unix.PerfEventMmapPage
	data []byte
}

var _ Source = (*MmapRing)(nil)

// Map maps the ring of the perf event fd with pages data pages.
func Map(fd, pages int) (*MmapRing, error) {
	if pages <= 0 || pages&(pages-1) != 0 {
		return nil, fmt.Errorf("ring page count %d is not a power of two", pages)
	}
	pageSize := os.Getpagesize()
	mem, err := unix.Mmap(fd, 0, (1+pages)*pageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %d pages of perf fd %d: %w", pages, fd, err)
	}
	return &MmapRing{
		mem:  mem,
		meta: (*unix.PerfEventMmapPage)(unsafe.Pointer(&mem[0])),
		data: mem[pageSize:],
	}, nil
}

// Available implements Source.
func (m *MmapRing) Available() (offset, size uint64) {
	head := atomic.LoadUint64(&m.meta.Data_head)
	tail := m.meta.Data_tail
	return tail & uint64(len(m.data)-1), head - tail
}

// Discard implements Source.
func (m *MmapRing) Discard(size uint64) {
	atomic.StoreUint64(&m.meta.Data_tail, m.meta.Data_tail+size)
}

// Data implements Source.
func (m *MmapRing) Data() []byte {
	return m.data
}

// Close unmaps the ring.
func (m *MmapRing) Close() error {
	if m.mem == nil {
		return errors.New("ring already unmapped")
	}
	mem := m.mem
	m.mem, m.meta, m.data = nil, nil, nil
	return unix.Munmap(mem)
}
