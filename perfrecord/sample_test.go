// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfrecord_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/perf-ingest/perfrecord"
	"go.opentelemetry.io/perf-ingest/testutils"
)

func TestDecodeSample(t *testing.T) {
	stack := make([]byte, 32)
	for i := range stack {
		stack[i] = byte(i)
	}
	rec := testutils.EncodeSample(testutils.Sample{
		IP:        0x401000,
		Pid:       100,
		Tid:       101,
		Time:      99,
		Period:    250000,
		Callchain: []uint64{0x401000, 0x402000, 0x403000},
		Regs:      []uint64{7, 8, 9},
		Stack:     stack,
		DynSize:   24,
	})

	s, err := perfrecord.DecodeSample(testutils.Layout(), rec)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x401000), s.IP)
	assert.Equal(t, uint32(100), s.Pid)
	assert.Equal(t, uint32(101), s.Tid)
	assert.Equal(t, uint64(99), s.Time)
	assert.Equal(t, uint64(250000), s.Period)
	assert.Equal(t, []uint64{0x401000, 0x402000, 0x403000}, s.Callchain)
	assert.Equal(t, []uint64{7, 8, 9}, s.Regs)
	assert.Equal(t, stack, s.Stack)
	assert.Equal(t, uint64(24), s.StackDynSize)
}

func TestDecodeSampleErrors(t *testing.T) {
	rec := testutils.EncodeSample(testutils.Sample{
		Callchain: []uint64{1, 2},
		Stack:     make([]byte, 16),
	})

	t.Run("short buffer", func(t *testing.T) {
		_, err := perfrecord.DecodeSample(testutils.Layout(), rec[:len(rec)-8])
		assert.ErrorIs(t, err, perfrecord.ErrTruncatedRecord)
	})

	t.Run("stack size past end", func(t *testing.T) {
		bad := append([]byte(nil), rec...)
		// stack size field directly follows the zero regs abi
		pos := uint64(8 + 8 + 8 + 8 + 8 + 24 + 8)
		perfrecord.PutUint64At(bad, pos, 4096)
		_, err := perfrecord.DecodeSample(testutils.Layout(), bad)
		assert.ErrorIs(t, err, perfrecord.ErrTruncatedRecord)
	})

	t.Run("not a sample", func(t *testing.T) {
		_, err := perfrecord.DecodeSample(testutils.Layout(), testutils.EncodeComm(1, 1, "x", 5))
		assert.Error(t, err)
	})
}
