// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package chainjoiner

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChains() []Chain {
	return []Chain{
		{Pid: 1, Tid: 2, Type: OriginalOffline, IPs: []uint64{10, 11}, SPs: []uint64{100, 110}},
		{Pid: 1, Tid: 3, Type: OriginalRemote, IPs: []uint64{12}, SPs: []uint64{120}},
		{Pid: 4, Tid: 4, Type: JoinedOffline, IPs: []uint64{13, 14, 15}, SPs: []uint64{1, 2, 3}},
	}
}

func writeSpool(t *testing.T, chains []Chain) *spool {
	t.Helper()
	s, err := newSpool(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.close() })
	for i := range chains {
		require.NoError(t, s.write(&chains[i]))
	}
	require.NoError(t, s.finishWrite())
	return s
}

func TestSpoolRecordLayout(t *testing.T) {
	c := testChains()[0]
	s := writeSpool(t, []Chain{c})
	require.Equal(t, int64(20+2*16), s.size)

	buf := make([]byte, s.size)
	_, err := s.f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(buf[0:]))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(buf[4:]))
	assert.Equal(t, uint32(OriginalOffline), binary.LittleEndian.Uint32(buf[8:]))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(buf[12:]))
	assert.Equal(t, uint64(10), binary.LittleEndian.Uint64(buf[16:]))
	assert.Equal(t, uint64(11), binary.LittleEndian.Uint64(buf[24:]))
	assert.Equal(t, uint64(100), binary.LittleEndian.Uint64(buf[32:]))
	assert.Equal(t, uint64(110), binary.LittleEndian.Uint64(buf[40:]))
	assert.Equal(t, uint32(52), binary.LittleEndian.Uint32(buf[48:]))
}

func TestSpoolBackward(t *testing.T) {
	chains := testChains()
	s := writeSpool(t, chains)
	for i := len(chains) - 1; i >= 0; i-- {
		c, err := s.readBackward()
		require.NoError(t, err)
		assert.Equal(t, chains[i], c)
	}
	_, err := s.readBackward()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSpoolForward(t *testing.T) {
	chains := testChains()
	s := writeSpool(t, chains)
	s.rewindForward()
	for i := range chains {
		c, err := s.readForward()
		require.NoError(t, err)
		assert.Equal(t, chains[i], c)
	}
	_, err := s.readForward()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSpoolCorruption(t *testing.T) {
	tests := map[string]struct {
		offset int64
		value  uint32
	}{
		"trailing size too large": {offset: -4, value: 1 << 20},
		"trailing size mismatch":  {offset: -4, value: 36},
		"trailing size unaligned": {offset: -4, value: 30},
		"frame count mismatch":    {offset: -68 + 12, value: 1},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			chains := testChains()
			s := writeSpool(t, chains)
			var v [4]byte
			binary.LittleEndian.PutUint32(v[:], tc.value)
			_, err := s.f.WriteAt(v[:], s.size+tc.offset)
			require.NoError(t, err)

			_, err = s.readBackward()
			assert.ErrorIs(t, err, ErrCorruptChain)
		})
	}
}

func TestSpoolTruncatedForward(t *testing.T) {
	s := writeSpool(t, testChains()[:1])
	// Claim more frames than the file holds.
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], 3)
	_, err := s.f.WriteAt(v[:], 12)
	require.NoError(t, err)

	s.rewindForward()
	_, err = s.readForward()
	assert.ErrorIs(t, err, ErrCorruptChain)
}
