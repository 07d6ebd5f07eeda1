// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package readthread moves records from per-CPU kernel rings into a
// user space record buffer on a dedicated OS thread.
//
// The thread merges the rings it polls by record timestamp, drops or trims
// samples when the record buffer runs low on space, and notifies a consumer
// event loop when new records are available. Control commands from other
// goroutines are synchronous: the caller blocks until the thread handled them.
package readthread // import "go.opentelemetry.io/perf-ingest/readthread"

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/perf-ingest/internal/eventloop"
	"go.opentelemetry.io/perf-ingest/kernelring"
	"go.opentelemetry.io/perf-ingest/perfrecord"
	"go.opentelemetry.io/perf-ingest/recordbuffer"
)

const (
	// Upper bounds of the default backpressure levels.
	maxLowLevel      = 10 * 1024 * 1024
	maxCriticalLevel = 5 * 1024 * 1024

	// Stacks of samples are cut to this size when the buffer runs low.
	lowLevelStackSize = 1024

	threadPriority = -20
)

// ErrStopped is returned by commands sent to a thread that is no longer
// running.
var ErrStopped = errors.New("read thread is not running")

// EventSource is a perf event whose kernel ring the thread polls.
type EventSource interface {
	// Source gives access to the mapped ring. Only used on sources that
	// created their own ring.
	kernelring.Source

	CPU() int
	FD() int

	// CreateMappedBuffer maps a ring of pages data pages for the event.
	CreateMappedBuffer(pages int) error
	// ShareMappedBuffer redirects the records of the event into the ring of
	// the event with fd leaderFD.
	ShareMappedBuffer(leaderFD int) error
	DestroyMappedBuffer()
	// HasMappedBuffer reports whether the event owns a mapped ring.
	HasMappedBuffer() bool
}

// Config configures a read thread.
type Config struct {
	// BufferSize is the size of the user space record buffer in bytes.
	BufferSize int
	// Layout describes the records of all polled events.
	Layout *perfrecord.Layout
	// StackUserSize is the user stack size requested from the kernel per
	// sample. Stacks are only trimmed when it exceeds 1 KiB.
	StackUserSize uint64
	// MinMmapPages and MaxMmapPages bound the data pages of each kernel
	// ring. Both must be powers of two.
	MinMmapPages int
	MaxMmapPages int
	// AllowCuttingSamples enables cutting stacks to 1 KiB below LowLevel.
	AllowCuttingSamples bool
	// ExcludePID drops samples of this process. 0 disables the filter.
	ExcludePID uint32
	// LowLevel and CriticalLevel are free space thresholds of the record
	// buffer in bytes. 0 selects min(BufferSize/4, 10 MiB) and
	// min(BufferSize/6, 5 MiB).
	LowLevel      int
	CriticalLevel int
}

func (cfg *Config) validate() error {
	if cfg.BufferSize <= perfrecord.HeaderSize {
		return fmt.Errorf("record buffer size %d is too small", cfg.BufferSize)
	}
	if cfg.Layout == nil {
		return errors.New("no record layout")
	}
	if cfg.MinMmapPages <= 0 || cfg.MinMmapPages&(cfg.MinMmapPages-1) != 0 {
		return fmt.Errorf("min mmap pages %d is not a power of two", cfg.MinMmapPages)
	}
	if cfg.MaxMmapPages < cfg.MinMmapPages || cfg.MaxMmapPages&(cfg.MaxMmapPages-1) != 0 {
		return fmt.Errorf("max mmap pages %d is not a power of two >= %d",
			cfg.MaxMmapPages, cfg.MinMmapPages)
	}
	if cfg.LowLevel < 0 || cfg.CriticalLevel < 0 {
		return errors.New("negative backpressure level")
	}
	return nil
}

// levels returns the effective low and critical levels.
func (cfg *Config) levels() (low, critical int) {
	low, critical = cfg.LowLevel, cfg.CriticalLevel
	if low == 0 {
		low = min(cfg.BufferSize/4, maxLowLevel)
	}
	if critical == 0 {
		critical = min(cfg.BufferSize/6, maxCriticalLevel)
	}
	if !cfg.AllowCuttingSamples {
		low = critical
	}
	return low, critical
}

type commandKind int

const (
	cmdNone commandKind = iota
	cmdAddSources
	cmdRemoveSources
	cmdSyncKernelBuffer
	cmdStop
)

func (k commandKind) String() string {
	switch k {
	case cmdAddSources:
		return "add sources"
	case cmdRemoveSources:
		return "remove sources"
	case cmdSyncKernelBuffer:
		return "sync kernel buffer"
	case cmdStop:
		return "stop"
	default:
		return "none"
	}
}

type command struct {
	kind    commandKind
	sources []EventSource
}

// Stats holds the counters of a read thread.
type Stats struct {
	LostSamples     uint64
	LostNonSamples  uint64
	CutStackSamples uint64
	// MmapPages is the number of data pages of each kernel ring.
	MmapPages int
}

// Thread owns the goroutine reading kernel rings.
type Thread struct {
	buf        *recordbuffer.Buffer
	layout     *perfrecord.Layout
	stackSize  uint64
	excludePID uint32
	lowLevel   int
	critical   int
	minPages   int
	maxPages   int

	loop     *eventloop.Loop
	cmdEvent *eventloop.Event
	done     chan struct{}

	// sendMu serializes callers, mu guards the command slot.
	sendMu  sync.Mutex
	stopped bool
	mu      sync.Mutex
	cond    *sync.Cond
	cmd     command
	cmdErr  error
	dead    bool
	// hasCmd is set while a command waits for the thread. The merge loop
	// polls it to yield.
	hasCmd atomic.Bool

	dataEvent    atomic.Pointer[eventloop.Event]
	dataNotified atomic.Bool

	// Owned by the thread goroutine.
	readers []*kernelring.Reader

	lostSamples    atomic.Uint64
	lostNonSamples atomic.Uint64
	cutStacks      atomic.Uint64
	mmapPages      atomic.Int64
}

// New starts a read thread.
func New(cfg Config) (*Thread, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	low, critical := cfg.levels()
	t := &Thread{
		buf:        recordbuffer.New(cfg.BufferSize),
		layout:     cfg.Layout,
		stackSize:  cfg.StackUserSize,
		excludePID: cfg.ExcludePID,
		lowLevel:   low,
		critical:   critical,
		minPages:   cfg.MinMmapPages,
		maxPages:   cfg.MaxMmapPages,
		done:       make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)

	var err error
	if t.loop, err = eventloop.New(); err != nil {
		return nil, err
	}
	if t.cmdEvent, err = t.loop.NewEvent(t.handleCommand); err != nil {
		_ = t.loop.Close()
		return nil, err
	}
	log.Debugf("Record buffer of %d bytes, low level %d, critical level %d",
		cfg.BufferSize, low, critical)

	go t.run()
	return t, nil
}

func (t *Thread) run() {
	// The goroutine exits with the thread still locked, so the OS thread with
	// the raised priority is not reused.
	runtime.LockOSThread()
	defer close(t.done)

	if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), threadPriority); err != nil {
		log.Debugf("Failed to raise priority of read thread: %v", err)
	}

	err := t.loop.Run()
	if err != nil {
		log.Errorf("Read thread event loop failed: %v", err)
	}
	t.mu.Lock()
	t.dead = true
	t.cond.Broadcast()
	t.mu.Unlock()
}

// send hands cmd to the thread and waits until it was handled.
func (t *Thread) send(cmd command) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return ErrStopped
	}
	t.cmd = cmd
	t.hasCmd.Store(true)
	t.cmdEvent.Signal()
	for t.hasCmd.Load() && !t.dead {
		t.cond.Wait()
	}
	if t.hasCmd.Load() {
		// The thread died before handling the command.
		t.hasCmd.Store(false)
		return ErrStopped
	}
	return t.cmdErr
}

func (t *Thread) handleCommand() bool {
	t.mu.Lock()
	cmd := t.cmd
	t.mu.Unlock()

	var err error
	switch cmd.kind {
	case cmdAddSources:
		err = t.addSources(cmd.sources)
	case cmdRemoveSources:
		t.removeSources(cmd.sources)
	case cmdSyncKernelBuffer:
		t.readKernelBuffers()
	case cmdStop:
		t.loop.Exit()
	case cmdNone:
		// Spurious wake up.
		return true
	}
	if err != nil {
		log.Errorf("Read thread failed to %v: %v", cmd.kind, err)
	}

	t.mu.Lock()
	t.cmd = command{}
	t.cmdErr = err
	t.hasCmd.Store(false)
	t.cond.Broadcast()
	t.mu.Unlock()
	return true
}

// RegisterDataCallback makes the thread signal cb on loop when records
// become available. cb is invoked at most once per batch of records until it
// returns.
func (t *Thread) RegisterDataCallback(loop *eventloop.Loop, cb func() bool) error {
	ev, err := loop.NewEvent(func() bool {
		t.dataNotified.Store(false)
		return cb()
	})
	if err != nil {
		return fmt.Errorf("failed to register data callback: %w", err)
	}
	if old := t.dataEvent.Swap(ev); old != nil {
		_ = old.Close()
	}
	return nil
}

func (t *Thread) notifyData() {
	ev := t.dataEvent.Load()
	if ev == nil {
		return
	}
	if t.dataNotified.CompareAndSwap(false, true) {
		ev.Signal()
	}
}

// AddSources maps kernel rings for sources and starts polling them.
func (t *Thread) AddSources(sources []EventSource) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return t.send(command{kind: cmdAddSources, sources: sources})
}

// RemoveSources stops polling sources and unmaps their rings.
func (t *Thread) RemoveSources(sources []EventSource) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return t.send(command{kind: cmdRemoveSources, sources: sources})
}

// SyncKernelBuffer moves all records currently in the kernel rings into the
// record buffer.
func (t *Thread) SyncKernelBuffer() error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return t.send(command{kind: cmdSyncKernelBuffer})
}

// Stop terminates the thread and waits for it. Records still in the record
// buffer can be taken afterwards.
func (t *Thread) Stop() error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if t.stopped {
		return ErrStopped
	}
	t.stopped = true

	err := t.send(command{kind: cmdStop})
	<-t.done
	if ev := t.dataEvent.Swap(nil); ev != nil {
		_ = ev.Close()
	}
	_ = t.cmdEvent.Close()
	if cerr := t.loop.Close(); err == nil {
		err = cerr
	}
	return err
}

// TakeRecord returns a copy of the oldest record in the record buffer. It
// must only be called by a single consumer.
func (t *Thread) TakeRecord() ([]byte, bool) {
	rec := t.buf.CurrentRecord()
	if rec == nil {
		return nil, false
	}
	out := make([]byte, len(rec))
	copy(out, rec)
	t.buf.MoveToNextRecord()
	return out, true
}

// LostCounters returns the number of dropped samples, dropped non-sample
// records and samples whose stack was cut.
func (t *Thread) LostCounters() (samples, nonSamples, cutStacks uint64) {
	return t.lostSamples.Load(), t.lostNonSamples.Load(), t.cutStacks.Load()
}

// Stats returns a snapshot of the thread counters.
func (t *Thread) Stats() Stats {
	samples, nonSamples, cut := t.LostCounters()
	return Stats{
		LostSamples:     samples,
		LostNonSamples:  nonSamples,
		CutStackSamples: cut,
		MmapPages:       int(t.mmapPages.Load()),
	}
}

func (t *Thread) addSources(sources []EventSource) error {
	var leaders []EventSource
	pages := t.maxPages
	for ; pages >= t.minPages; pages >>= 1 {
		var err error
		leaders, err = mapSources(sources, pages)
		if err == nil {
			break
		}
		log.Debugf("Failed to map kernel rings of %d pages: %v", pages, err)
	}
	if leaders == nil {
		return fmt.Errorf("failed to map kernel rings of %d to %d pages",
			t.minPages, t.maxPages)
	}
	t.mmapPages.Store(int64(pages))
	log.Debugf("Mapped %d kernel rings of %d pages", len(leaders), pages)

	for _, leader := range leaders {
		if err := t.loop.AddReadable(leader.FD(), t.readKernelBuffers); err != nil {
			return err
		}
		t.readers = append(t.readers, kernelring.NewReader(leader))
	}
	return nil
}

// mapSources maps one ring of pages per CPU and redirects the other sources
// of the CPU into it. On failure all rings mapped so far are destroyed.
func mapSources(sources []EventSource, pages int) ([]EventSource, error) {
	cpuLeaders := make(map[int]EventSource)
	var leaders []EventSource
	for _, src := range sources {
		leader, ok := cpuLeaders[src.CPU()]
		var err error
		if !ok {
			if err = src.CreateMappedBuffer(pages); err == nil {
				cpuLeaders[src.CPU()] = src
				leaders = append(leaders, src)
			}
		} else {
			err = src.ShareMappedBuffer(leader.FD())
		}
		if err != nil {
			for _, l := range leaders {
				l.DestroyMappedBuffer()
			}
			return nil, err
		}
	}
	if len(leaders) == 0 {
		return nil, errors.New("no event sources")
	}
	return leaders, nil
}

func (t *Thread) removeSources(sources []EventSource) {
	for _, src := range sources {
		if !src.HasMappedBuffer() {
			continue
		}
		for i, r := range t.readers {
			if r.Source() != kernelring.Source(src) {
				continue
			}
			t.readers = append(t.readers[:i], t.readers[i+1:]...)
			if err := t.loop.Remove(src.FD()); err != nil {
				log.Warnf("Failed to stop polling fd %d: %v", src.FD(), err)
			}
			src.DestroyMappedBuffer()
			break
		}
	}
}
