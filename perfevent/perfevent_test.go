// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/perf-ingest/fpunwind"
	"go.opentelemetry.io/perf-ingest/perfrecord"
)

func TestReadCPURange(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected []int
	}{
		"mixed": {
			input:    "0,3-6,8-11",
			expected: []int{0, 3, 4, 5, 6, 8, 9, 10, 11},
		},
		"all": {
			input:    "0-7\n",
			expected: []int{0, 1, 2, 3, 4, 5, 6, 7},
		},
		"single": {
			input:    "5",
			expected: []int{5},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := readCPURange(tc.input)
			require.NoError(t, err)
			require.Equal(t, tc.expected, got)
		})
	}
}

func TestReadCPURangeErrors(t *testing.T) {
	for _, input := range []string{"", "a", "1-b", "4-2"} {
		_, err := readCPURange(input)
		assert.Error(t, err, input)
	}
}

func TestNewSamplingAttr(t *testing.T) {
	attr, err := NewSamplingAttr(AttrConfig{
		Frequency:     99,
		StackUserSize: 8192,
	})
	require.NoError(t, err)
	assert.True(t, attr.Options.Disabled)
	assert.True(t, attr.Options.SampleIDAll)
	assert.True(t, attr.Options.ExcludeKernel)
	assert.True(t, attr.Options.ExcludeKernelCallchain)
	assert.Equal(t, uint32(8192), attr.SampleStackUser)
	assert.Equal(t, fpunwind.RegsMask(), attr.SampleRegistersUser)

	layout := perfrecord.LayoutFromAttr(attr)
	assert.True(t, layout.Has(unix.PERF_SAMPLE_TIME|unix.PERF_SAMPLE_TID|
		unix.PERF_SAMPLE_CALLCHAIN|unix.PERF_SAMPLE_STACK_USER))
	// ip, then pid/tid, then time
	assert.Equal(t, uint64(16), layout.PidPos())
	assert.Equal(t, uint64(24), layout.TimePos(perfrecord.Header{Type: perfrecord.RecordSample}))

	withKernel, err := NewSamplingAttr(AttrConfig{Frequency: 99, IncludeKernel: true})
	require.NoError(t, err)
	assert.False(t, withKernel.Options.ExcludeKernel)
	assert.False(t, withKernel.Options.ExcludeKernelCallchain)
	assert.False(t, withKernel.SampleFormat.UserStack)

	_, err = NewSamplingAttr(AttrConfig{Frequency: 99, StackUserSize: 7})
	assert.Error(t, err)
	_, err = NewSamplingAttr(AttrConfig{})
	assert.Error(t, err)
}
