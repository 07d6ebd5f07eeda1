// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package perfevent opens sampling perf events and maps their kernel rings.
package perfevent // import "go.opentelemetry.io/perf-ingest/perfevent"

import (
	"errors"
	"fmt"

	"github.com/elastic/go-perf"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/perf-ingest/kernelring"
	"go.opentelemetry.io/perf-ingest/readthread"
)

var errNotMapped = errors.New("perf event has no mapped ring")

// Event is a perf event opened on one CPU.
type Event struct {
	event *perf.Event
	cpu   int
	fd    int
	ring  *kernelring.MmapRing
}

var _ readthread.EventSource = (*Event)(nil)

// Open opens an event for pid (perf.AllThreads for all) on cpu.
func Open(attr *perf.Attr, pid, cpu int) (*Event, error) {
	event, err := perf.Open(attr, pid, cpu, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open perf event on CPU %d: %w", cpu, err)
	}
	fd, err := event.FD()
	if err != nil {
		_ = event.Close()
		return nil, fmt.Errorf("failed to get fd of perf event on CPU %d: %w", cpu, err)
	}
	return &Event{event: event, cpu: cpu, fd: fd}, nil
}

// OpenPerCPU opens one event per CPU in cpus. Either all events are opened or
// none.
func OpenPerCPU(attr *perf.Attr, pid int, cpus []int) ([]*Event, error) {
	events := make([]*Event, 0, len(cpus))
	for _, cpu := range cpus {
		ev, err := Open(attr, pid, cpu)
		if err != nil {
			for _, opened := range events {
				if cerr := opened.Close(); cerr != nil {
					log.Warnf("Failed to close perf event on CPU %d: %v", opened.cpu, cerr)
				}
			}
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// CPU returns the CPU the event was opened on.
func (e *Event) CPU() int {
	return e.cpu
}

// FD returns the file descriptor of the event.
func (e *Event) FD() int {
	return e.fd
}

// CreateMappedBuffer maps a ring of pages data pages.
func (e *Event) CreateMappedBuffer(pages int) error {
	if e.ring != nil {
		return fmt.Errorf("perf event on CPU %d is already mapped", e.cpu)
	}
	ring, err := kernelring.Map(e.fd, pages)
	if err != nil {
		return err
	}
	e.ring = ring
	return nil
}

// ShareMappedBuffer sends the records of the event to the ring of leaderFD.
func (e *Event) ShareMappedBuffer(leaderFD int) error {
	if err := unix.IoctlSetInt(e.fd, unix.PERF_EVENT_IOC_SET_OUTPUT, leaderFD); err != nil {
		return fmt.Errorf("failed to redirect perf event on CPU %d: %w", e.cpu, err)
	}
	return nil
}

// DestroyMappedBuffer unmaps the ring of the event if it has one.
func (e *Event) DestroyMappedBuffer() {
	if e.ring == nil {
		return
	}
	if err := e.ring.Close(); err != nil {
		log.Warnf("Failed to unmap ring of perf event on CPU %d: %v", e.cpu, err)
	}
	e.ring = nil
}

// HasMappedBuffer reports whether the event owns a mapped ring.
func (e *Event) HasMappedBuffer() bool {
	return e.ring != nil
}

// Available implements kernelring.Source.
func (e *Event) Available() (offset, size uint64) {
	if e.ring == nil {
		return 0, 0
	}
	return e.ring.Available()
}

// Discard implements kernelring.Source.
func (e *Event) Discard(size uint64) {
	if e.ring == nil {
		log.Error(errNotMapped)
		return
	}
	e.ring.Discard(size)
}

// Data implements kernelring.Source.
func (e *Event) Data() []byte {
	if e.ring == nil {
		return nil
	}
	return e.ring.Data()
}

// Enable starts counting and sampling.
func (e *Event) Enable() error {
	return e.event.Enable()
}

// Disable stops counting and sampling.
func (e *Event) Disable() error {
	return e.event.Disable()
}

// Close unmaps the ring and closes the event.
func (e *Event) Close() error {
	e.DestroyMappedBuffer()
	return e.event.Close()
}
