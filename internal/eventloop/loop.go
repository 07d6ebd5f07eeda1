// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventloop is a small single goroutine epoll dispatcher.
package eventloop // import "go.opentelemetry.io/perf-ingest/internal/eventloop"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrCallbackFailed is returned by Run when a callback reported failure.
var ErrCallbackFailed = errors.New("event loop callback failed")

// Callback is invoked by Run for a ready file descriptor. Returning false
// aborts the loop.
type Callback func() bool

// Loop dispatches readiness of file descriptors to callbacks. Run must only
// be called from one goroutine, which also runs all callbacks.
type Loop struct {
	epfd int
	exit *Event

	mu       sync.Mutex
	handlers map[int]Callback
	exiting  bool
}

// New creates a loop.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create epoll instance: %w", err)
	}
	l := &Loop{
		epfd:     epfd,
		handlers: make(map[int]Callback),
	}
	l.exit, err = l.NewEvent(func() bool {
		l.mu.Lock()
		l.exiting = true
		l.mu.Unlock()
		return true
	})
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	return l, nil
}

func (l *Loop) add(fd int, events uint32, cb Callback) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[fd]; ok {
		return fmt.Errorf("fd %d is already registered", fd)
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("failed to register fd %d: %w", fd, err)
	}
	l.handlers[fd] = cb
	return nil
}

// AddReadable calls cb whenever fd becomes readable. The registration is edge
// triggered: cb has to consume everything that is pending.
func (l *Loop) AddReadable(fd int, cb Callback) error {
	return l.add(fd, unix.EPOLLIN|unix.EPOLLET, cb)
}

// Remove stops watching fd.
func (l *Loop) Remove(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[fd]; !ok {
		return fmt.Errorf("fd %d is not registered", fd)
	}
	delete(l.handlers, fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("failed to unregister fd %d: %w", fd, err)
	}
	return nil
}

func (l *Loop) handler(fd int) Callback {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handlers[fd]
}

// Run dispatches events until Exit is called or a callback fails.
func (l *Loop) Run() error {
	events := make([]unix.EpollEvent, 32)
	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll wait failed: %w", err)
		}
		for i := range n {
			cb := l.handler(int(events[i].Fd))
			if cb == nil {
				// Removed by an earlier callback of this batch.
				continue
			}
			if !cb() {
				return ErrCallbackFailed
			}
		}

		l.mu.Lock()
		exiting := l.exiting
		l.exiting = false
		l.mu.Unlock()
		if exiting {
			return nil
		}
	}
}

// Exit makes Run return after the callbacks of the current iteration. It may
// be called from any goroutine.
func (l *Loop) Exit() {
	l.exit.Signal()
}

// Close releases the loop. Registered file descriptors are not closed.
func (l *Loop) Close() error {
	_ = l.exit.Close()
	return unix.Close(l.epfd)
}

// Event is a wake up source that can be triggered from any goroutine and runs
// its callback on the loop goroutine. Several signals before the loop gets to
// run collapse into one callback invocation.
type Event struct {
	loop *Loop
	fd   int
}

// NewEvent creates an event whose callback runs on l.
func (l *Loop) NewEvent(cb Callback) (*Event, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create eventfd: %w", err)
	}
	e := &Event{loop: l, fd: fd}
	err = l.add(fd, unix.EPOLLIN, func() bool {
		e.drain()
		return cb()
	})
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return e, nil
}

// Signal wakes the loop and schedules the callback.
func (e *Event) Signal() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(e.fd, buf[:])
		// EAGAIN means the counter is saturated and a wake up is pending anyway.
		if !errors.Is(err, unix.EINTR) {
			return
		}
	}
}

func (e *Event) drain() {
	var buf [8]byte
	for {
		_, err := unix.Read(e.fd, buf[:])
		if !errors.Is(err, unix.EINTR) {
			return
		}
	}
}

// Close unregisters the event from its loop and releases it.
func (e *Event) Close() error {
	err := e.loop.Remove(e.fd)
	if cerr := unix.Close(e.fd); err == nil {
		err = cerr
	}
	return err
}
