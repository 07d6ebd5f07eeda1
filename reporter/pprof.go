// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package reporter aggregates call chains into a pprof profile.
package reporter // import "go.opentelemetry.io/perf-ingest/reporter"

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"time"

	lru "github.com/elastic/go-freelru"
	"github.com/google/pprof/profile"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"go.opentelemetry.io/perf-ingest/chainjoiner"
)

const (
	// DefaultSampleCacheSize is used when Config.SampleCacheSize is zero.
	DefaultSampleCacheSize = 16384

	labelChainType = "chain_type"
	labelTid       = "tid"
	labelPid       = "pid"
)

// Config configures a PprofBuilder.
type Config struct {
	// SampleCacheSize is the number of distinct chains remembered for
	// aggregation. Chains falling out of the cache start a new sample, which
	// Build merges again.
	SampleCacheSize uint32
	// PeriodNanos is the sampling period. Each chain adds it to the cpu value.
	PeriodNanos int64
}

// PprofBuilder builds a CPU profile out of call chains. It is not safe for
// concurrent use.
type PprofBuilder struct {
	prof    *profile.Profile
	period  int64
	start   time.Time
	mapping *profile.Mapping

	// chain hash -> index into prof.Sample
	samples   *lru.LRU[uint64, int]
	locations map[uint64]*profile.Location

	scratch []byte
}

func hashUint64(h uint64) uint32 {
	return uint32(h)
}

// NewPprofBuilder returns an empty builder.
func NewPprofBuilder(cfg Config) (*PprofBuilder, error) {
	if cfg.PeriodNanos <= 0 {
		return nil, fmt.Errorf("invalid sampling period %d", cfg.PeriodNanos)
	}
	if cfg.SampleCacheSize == 0 {
		cfg.SampleCacheSize = DefaultSampleCacheSize
	}
	samples, err := lru.New[uint64, int](cfg.SampleCacheSize, hashUint64)
	if err != nil {
		return nil, err
	}

	mapping := &profile.Mapping{
		ID:    1,
		Limit: ^uint64(0),
		File:  "[unknown]",
	}
	start := time.Now()
	return &PprofBuilder{
		prof: &profile.Profile{
			SampleType: []*profile.ValueType{
				{Type: "samples", Unit: "count"},
				{Type: "cpu", Unit: "nanoseconds"},
			},
			PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
			Period:     cfg.PeriodNanos,
			TimeNanos:  start.UnixNano(),
			Mapping:    []*profile.Mapping{mapping},
		},
		period:    cfg.PeriodNanos,
		start:     start,
		mapping:   mapping,
		samples:   samples,
		locations: make(map[uint64]*profile.Location),
	}, nil
}

// chainHash hashes everything that distinguishes two samples.
func (b *PprofBuilder) chainHash(c *chainjoiner.Chain) uint64 {
	buf := b.scratch[:0]
	buf = binary.LittleEndian.AppendUint32(buf, c.Pid)
	buf = binary.LittleEndian.AppendUint32(buf, c.Tid)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(c.Type))
	for _, ip := range c.IPs {
		buf = binary.LittleEndian.AppendUint64(buf, ip)
	}
	b.scratch = buf
	return xxh3.Hash(buf)
}

func (b *PprofBuilder) location(ip uint64) *profile.Location {
	if loc, ok := b.locations[ip]; ok {
		return loc
	}
	loc := &profile.Location{
		ID:      uint64(len(b.prof.Location) + 1),
		Mapping: b.mapping,
		Address: ip,
	}
	b.locations[ip] = loc
	b.prof.Location = append(b.prof.Location, loc)
	return loc
}

// sameChain reports whether s was built from a chain equal to c.
func sameChain(s *profile.Sample, c *chainjoiner.Chain) bool {
	if len(s.Location) != len(c.IPs) ||
		s.NumLabel[labelTid][0] != int64(c.Tid) ||
		s.NumLabel[labelPid][0] != int64(c.Pid) ||
		s.Label[labelChainType][0] != c.Type.String() {
		return false
	}
	for i, loc := range s.Location {
		if loc.Address != c.IPs[i] {
			return false
		}
	}
	return true
}

// Add accounts one sample with the call chain c.
func (b *PprofBuilder) Add(c chainjoiner.Chain) {
	if len(c.IPs) == 0 {
		return
	}
	h := b.chainHash(&c)
	if idx, ok := b.samples.Get(h); ok {
		s := b.prof.Sample[idx]
		if sameChain(s, &c) {
			s.Value[0]++
			s.Value[1] += b.period
			return
		}
		log.Debugf("Hash collision for chain of tid %d", c.Tid)
	}

	locs := make([]*profile.Location, len(c.IPs))
	for i, ip := range c.IPs {
		locs[i] = b.location(ip)
	}
	b.prof.Sample = append(b.prof.Sample, &profile.Sample{
		Value:    []int64{1, b.period},
		Location: locs,
		Label:    map[string][]string{labelChainType: {c.Type.String()}},
		NumLabel: map[string][]int64{
			labelTid: {int64(c.Tid)},
			labelPid: {int64(c.Pid)},
		},
	})
	b.samples.Add(h, len(b.prof.Sample)-1)
}

// Build returns the profile with samples of identical chains merged. The
// builder must not be used afterwards.
func (b *PprofBuilder) Build() (*profile.Profile, error) {
	b.prof.DurationNanos = time.Since(b.start).Nanoseconds()
	if err := b.prof.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	p := b.prof.Compact()
	slices.SortStableFunc(p.Sample, func(x, y *profile.Sample) int {
		return cmp.Compare(y.Value[0], x.Value[0])
	})
	return p, nil
}

// Write builds the profile and writes it gzip compressed to w.
func (b *PprofBuilder) Write(w io.Writer) error {
	p, err := b.Build()
	if err != nil {
		return err
	}
	zw, err := gzip.NewWriterLevel(w, gzip.BestSpeed)
	if err != nil {
		return err
	}
	if err := p.WriteUncompressed(zw); err != nil {
		_ = zw.Close()
		return fmt.Errorf("failed to encode profile: %w", err)
	}
	return zw.Close()
}
