// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package readthread_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/perf-ingest/readthread"
	"go.opentelemetry.io/perf-ingest/testutils"
)

// fakePageSize keeps the in-memory rings small.
const fakePageSize = 256

// fakeSource is an event source backed by an in-memory ring. Its fd is an
// eventfd that becomes readable whenever a record is written.
type fakeSource struct {
	cpu      int
	fd       int
	maxPages int

	mu        sync.Mutex
	ring      *testutils.Ring
	leaderFD  int
	destroyed int
}

var _ readthread.EventSource = (*fakeSource)(nil)

func newFakeSource(t *testing.T, cpu, maxPages int) *fakeSource {
	t.Helper()
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })
	return &fakeSource{cpu: cpu, fd: fd, maxPages: maxPages, leaderFD: -1}
}

func (f *fakeSource) CPU() int { return f.cpu }
func (f *fakeSource) FD() int  { return f.fd }

func (f *fakeSource) CreateMappedBuffer(pages int) error {
	if pages > f.maxPages {
		return errors.New("out of memory")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ring = testutils.NewRing(pages * fakePageSize)
	return nil
}

func (f *fakeSource) ShareMappedBuffer(leaderFD int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaderFD = leaderFD
	return nil
}

func (f *fakeSource) DestroyMappedBuffer() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ring = nil
	f.destroyed++
}

func (f *fakeSource) HasMappedBuffer() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ring != nil
}

func (f *fakeSource) getRing() *testutils.Ring {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ring
}

func (f *fakeSource) Available() (offset, size uint64) { return f.getRing().Available() }
func (f *fakeSource) Discard(size uint64)              { f.getRing().Discard(size) }
func (f *fakeSource) Data() []byte                     { return f.getRing().Data() }

// fill appends records to the ring without waking up the poller.
func (f *fakeSource) fill(t *testing.T, recs ...[]byte) {
	t.Helper()
	ring := f.getRing()
	require.NotNil(t, ring)
	for _, rec := range recs {
		require.True(t, ring.Write(rec))
	}
}

// write appends records to the ring and wakes up the poller.
func (f *fakeSource) write(t *testing.T, recs ...[]byte) {
	t.Helper()
	f.fill(t, recs...)
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(f.fd, one[:])
	require.NoError(t, err)
}
