// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"bytes"
	"encoding/binary"
	"runtime"
	"testing"
	"time"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/perf-ingest/chaincache"
	"go.opentelemetry.io/perf-ingest/chainjoiner"
	"go.opentelemetry.io/perf-ingest/metrics"
	"go.opentelemetry.io/perf-ingest/perfrecord"
	"go.opentelemetry.io/perf-ingest/readthread"
	"go.opentelemetry.io/perf-ingest/testutils"
)

func validConfig() *Config {
	return &Config{
		ChainCacheSize:           64 * MiB,
		MatchedNodeCountToExtend: 1,
		MaxFrames:                128,
		MaxMmapPages:             1024,
		MinMmapPages:             16,
		Output:                   "profile.pb.gz",
		Pid:                      -1,
		RecordBufferSize:         64 * MiB,
		SamplesPerSecond:         99,
		StackUserSize:            8192,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := map[string]struct {
		modify func(*Config)
		valid  bool
	}{
		"valid":              {modify: func(*Config) {}, valid: true},
		"zero frequency":     {modify: func(c *Config) { c.SamplesPerSecond = 0 }},
		"frequency too high": {modify: func(c *Config) { c.SamplesPerSecond = MaxSamplesPerSecond + 1 }},
		"unaligned stack":    {modify: func(c *Config) { c.StackUserSize = 100 }},
		"stack too large":    {modify: func(c *Config) { c.StackUserSize = MaxStackUserSize + 8 }},
		"no stack":           {modify: func(c *Config) { c.StackUserSize = 0 }, valid: true},
		"small buffer":       {modify: func(c *Config) { c.RecordBufferSize = 4096 }},
		"pages not pow2":     {modify: func(c *Config) { c.MinMmapPages = 12 }},
		"min above max": {modify: func(c *Config) {
			c.MinMmapPages = 2048
			c.MaxMmapPages = 1024
		}},
		"no matched nodes": {modify: func(c *Config) { c.MatchedNodeCountToExtend = 0 }},
		"no frames":        {modify: func(c *Config) { c.MaxFrames = 0 }},
		"negative duration": {modify: func(c *Config) {
			c.Duration = -time.Second
		}},
		"bad pid":   {modify: func(c *Config) { c.Pid = -2 }},
		"no output": {modify: func(c *Config) { c.Output = "" }},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			tc.modify(cfg)
			err := cfg.Validate()
			if tc.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestSampleCacheSize(t *testing.T) {
	assert.Equal(t, uint32(4096), sampleCacheSize(1, 1, 4, 4096, 1<<20))
	assert.Equal(t, uint32(8192), sampleCacheSize(100, 16, 4, 4096, 1<<20))
	assert.Equal(t, uint32(1<<20), sampleCacheSize(10000, 512, 4, 4096, 1<<20))
	assert.Equal(t, uint32(4096), sampleCacheSize(0, 0, 4, 4096, 1<<20))

	size, err := SampleCacheSize(99)
	require.NoError(t, err)
	assert.Equal(t, nextPowerOfTwo(size), size)
}

func TestNextPowerOfTwo(t *testing.T) {
	assert.Equal(t, uint32(1), nextPowerOfTwo(0))
	assert.Equal(t, uint32(1), nextPowerOfTwo(1))
	assert.Equal(t, uint32(4), nextPowerOfTwo(3))
	assert.Equal(t, uint32(4096), nextPowerOfTwo(4096))
	assert.Equal(t, uint32(8192), nextPowerOfTwo(4097))
}

type sliceSource struct {
	records [][]byte
}

func (s *sliceSource) TakeRecord() ([]byte, bool) {
	if len(s.records) == 0 {
		return nil, false
	}
	rec := s.records[0]
	s.records = s.records[1:]
	return rec, true
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	cfg := validConfig()
	c := New(cfg)
	c.layout = testutils.Layout()
	j, err := chainjoiner.New(chainjoiner.Config{
		CacheSize:                1024 * chaincache.NodeSize,
		MatchedNodeCountToExtend: 1,
		TempDir:                  t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	c.joiner = j
	return c
}

// frameSample returns a sample whose stack copy at sp 0x1000 holds two frame
// records, unwinding to 0xa, 0xb, 0xc.
func frameSample(tid uint32) []byte {
	stack := make([]byte, 64)
	binary.NativeEndian.PutUint64(stack[16:], 0x1020)
	binary.NativeEndian.PutUint64(stack[24:], 0xb)
	binary.NativeEndian.PutUint64(stack[32:], 0)
	binary.NativeEndian.PutUint64(stack[40:], 0xc)
	return testutils.EncodeSample(testutils.Sample{
		IP:        0xa,
		Pid:       tid,
		Tid:       tid,
		Time:      1,
		Callchain: []uint64{0xa},
		// bp, sp, ip
		Regs:    []uint64{0x1010, 0x1000, 0xa},
		Stack:   stack,
		DynSize: 64,
	})
}

func lostRecord(lost uint64) []byte {
	rec := make([]byte, perfrecord.HeaderSize+16)
	perfrecord.Header{Type: perfrecord.RecordLost, Size: uint16(len(rec))}.Put(rec)
	perfrecord.PutUint64At(rec, perfrecord.HeaderSize+8, lost)
	return rec
}

func TestConsumeAndWriteProfile(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("sample registers are laid out for amd64")
	}
	c := newTestController(t)

	src := &sliceSource{records: [][]byte{
		frameSample(7),
		testutils.EncodeComm(7, 7, "worker", 2),
		lostRecord(5),
		frameSample(7),
		// no registers
		testutils.EncodeSample(testutils.Sample{Pid: 7, Tid: 7, Callchain: []uint64{1}}),
	}}
	require.True(t, c.consumeRecords(src)())
	assert.Equal(t, uint64(5), c.consumed.Load())
	assert.Equal(t, uint64(2), c.submitted.Load())
	assert.Equal(t, uint64(5), c.kernelLost.Load())
	assert.Equal(t, uint64(1), c.noRegs.Load())

	var out bytes.Buffer
	require.NoError(t, c.writeProfile(&out))
	p, err := profile.Parse(&out)
	require.NoError(t, err)
	require.Len(t, p.Sample, 1)
	s := p.Sample[0]
	assert.Equal(t, int64(2), s.Value[0])
	addrs := make([]uint64, 0, len(s.Location))
	for _, loc := range s.Location {
		addrs = append(addrs, loc.Address)
	}
	assert.Equal(t, []uint64{0xa, 0xb, 0xc}, addrs)
	assert.Equal(t, []string{"joined_offline"}, s.Label["chain_type"])
}

func TestConsumeStopsOnSubmitError(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("sample registers are laid out for amd64")
	}
	c := newTestController(t)
	require.NoError(t, c.joiner.Run())

	src := &sliceSource{records: [][]byte{frameSample(1), frameSample(2)}}
	consume := c.consumeRecords(src)
	assert.False(t, consume())
	require.Error(t, c.consumeErr)
	assert.Len(t, src.records, 1)

	// Once failed, records are left alone.
	assert.False(t, consume())
	assert.Len(t, src.records, 1)
}

type capturingReporter struct {
	batches [][2][]int64
}

func (r *capturingReporter) ReportMetrics(_ uint32, ids []uint32, values []int64) {
	idv := make([]int64, len(ids))
	for i, id := range ids {
		idv[i] = int64(id)
	}
	r.batches = append(r.batches, [2][]int64{idv, values})
}

func TestPushMetricsReportsDeltas(t *testing.T) {
	rep := &capturingReporter{}
	metrics.SetReporter(rep)
	t.Cleanup(func() { metrics.SetReporter(nil) })

	c := New(validConfig())
	c.consumed.Store(10)
	c.pushMetrics(readthread.Stats{LostSamples: 3, MmapPages: 64})
	metrics.Flush()

	c.consumed.Store(15)
	c.pushMetrics(readthread.Stats{LostSamples: 3, MmapPages: 32})
	metrics.Flush()

	require.Len(t, rep.batches, 2)
	values := func(batch [2][]int64) map[int64]int64 {
		m := make(map[int64]int64)
		for i, id := range batch[0] {
			m[id] = batch[1][i]
		}
		return m
	}
	first := values(rep.batches[0])
	assert.Equal(t, int64(10), first[metrics.IDRecordsConsumed])
	assert.Equal(t, int64(3), first[metrics.IDReadLostSamples])
	assert.Equal(t, int64(64), first[metrics.IDKernelRingPages])

	second := values(rep.batches[1])
	assert.Equal(t, int64(5), second[metrics.IDRecordsConsumed])
	// unchanged counters are not reported
	assert.NotContains(t, second, int64(metrics.IDReadLostSamples))
	assert.Equal(t, int64(32), second[metrics.IDKernelRingPages])
}
