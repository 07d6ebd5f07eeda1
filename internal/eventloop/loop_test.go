// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package eventloop

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestExitFromOtherGoroutine(t *testing.T) {
	l := newLoop(t)
	done := make(chan error)
	go func() { done <- l.Run() }()
	l.Exit()
	assert.NoError(t, <-done)
}

func TestEventRunsOnLoop(t *testing.T) {
	l := newLoop(t)
	var calls atomic.Int32
	ev, err := l.NewEvent(func() bool {
		calls.Add(1)
		l.Exit()
		return true
	})
	require.NoError(t, err)

	ev.Signal()
	ev.Signal()
	require.NoError(t, l.Run())
	// Both signals were pending before the loop woke up.
	assert.Equal(t, int32(1), calls.Load())
	require.NoError(t, ev.Close())
}

func TestCallbackFailure(t *testing.T) {
	l := newLoop(t)
	ev, err := l.NewEvent(func() bool { return false })
	require.NoError(t, err)
	ev.Signal()
	assert.ErrorIs(t, l.Run(), ErrCallbackFailed)
}

func TestReadableFd(t *testing.T) {
	l := newLoop(t)
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})

	var got []byte
	require.NoError(t, l.AddReadable(p[0], func() bool {
		buf := make([]byte, 16)
		n, err := unix.Read(p[0], buf)
		if err != nil {
			return false
		}
		got = append(got, buf[:n]...)
		l.Exit()
		return true
	}))
	assert.Error(t, l.AddReadable(p[0], func() bool { return true }))

	_, err := unix.Write(p[1], []byte("ping"))
	require.NoError(t, err)
	require.NoError(t, l.Run())
	assert.Equal(t, []byte("ping"), got)

	require.NoError(t, l.Remove(p[0]))
	assert.Error(t, l.Remove(p[0]))
}
