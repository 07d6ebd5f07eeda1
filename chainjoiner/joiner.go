// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package chainjoiner collects the call chains of a recording and extends
// them with callers found in other chains of the same thread.
//
// Chains are spooled to temporary files. Run feeds them twice through a
// chaincache.Cache, both times from the newest to the oldest chain, and then
// Next returns the results in submission order.
package chainjoiner // import "go.opentelemetry.io/perf-ingest/chainjoiner"

import (
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/perf-ingest/chaincache"
)

// ChainType tells where a chain comes from and whether it was joined.
type ChainType uint32

const (
	OriginalOffline ChainType = iota
	OriginalRemote
	JoinedOffline
	JoinedRemote
)

func (t ChainType) String() string {
	switch t {
	case OriginalOffline:
		return "original_offline"
	case OriginalRemote:
		return "original_remote"
	case JoinedOffline:
		return "joined_offline"
	case JoinedRemote:
		return "joined_remote"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// IsOriginal reports whether t is one of the original chain types.
func (t ChainType) IsOriginal() bool {
	return t == OriginalOffline || t == OriginalRemote
}

// Joined returns the joined counterpart of an original type.
func (t ChainType) Joined() ChainType {
	switch t {
	case OriginalOffline:
		return JoinedOffline
	case OriginalRemote:
		return JoinedRemote
	default:
		return t
	}
}

// Chain is a call chain of one sample, innermost frame first.
type Chain struct {
	Pid  uint32
	Tid  uint32
	Type ChainType
	IPs  []uint64
	SPs  []uint64
}

// Config configures a Joiner.
type Config struct {
	// CacheSize is the memory budget of the chain cache in bytes.
	CacheSize uint64
	// MatchedNodeCountToExtend is the number of frames a chain needs to share
	// with the cache before it is extended.
	MatchedNodeCountToExtend int
	// KeepOriginalChains makes Next return every original chain before its
	// joined version.
	KeepOriginalChains bool
	// TempDir holds the spool files. Empty means os.TempDir.
	TempDir string
}

// Stats holds joiner counters.
type Stats struct {
	ChainCount              uint64
	BeforeJoinNodeCount     uint64
	AfterJoinNodeCount      uint64
	AfterJoinMaxChainLength uint64
}

var (
	errAlreadyRun = errors.New("chains were already joined")
	errNotRun     = errors.New("chains were not joined yet")
)

// Joiner joins call chains. It is not safe for concurrent use.
type Joiner struct {
	cfg Config

	original *spool
	joined   *spool
	ran      bool

	stats      Stats
	cacheStats chaincache.Stats

	// Number of chains returned by Next.
	nextIndex uint64
}

// New returns a joiner.
func New(cfg Config) (*Joiner, error) {
	if cfg.CacheSize/chaincache.NodeSize < 2 {
		return nil, fmt.Errorf("chain cache size %d is too small", cfg.CacheSize)
	}
	if cfg.MatchedNodeCountToExtend < 1 {
		return nil, errors.New("matched node count to extend must be at least 1")
	}
	return &Joiner{cfg: cfg}, nil
}

// Submit stores the chain of a sample. The chain is cut at the first frame
// whose stack pointer is below that of its callee, or that repeats a frame
// with the same stack pointer. typ must be an original type, ips and sps must
// be non-empty and of equal length.
func (j *Joiner) Submit(pid, tid uint32, typ ChainType, ips, sps []uint64) error {
	if len(ips) == 0 || len(ips) != len(sps) {
		panic(fmt.Sprintf("invalid call chain with %d ips and %d sps", len(ips), len(sps)))
	}
	if !typ.IsOriginal() {
		panic(fmt.Sprintf("submitted chain of type %v", typ))
	}
	if j.ran {
		return errAlreadyRun
	}
	n := validFrames(ips, sps)
	if j.original == nil {
		var err error
		if j.original, err = newSpool(j.cfg.TempDir); err != nil {
			return err
		}
	}
	if err := j.original.write(&Chain{
		Pid:  pid,
		Tid:  tid,
		Type: typ,
		IPs:  ips[:n],
		SPs:  sps[:n],
	}); err != nil {
		return err
	}
	j.stats.ChainCount++
	j.stats.BeforeJoinNodeCount += uint64(n)
	return nil
}

// validFrames returns the length of the longest prefix with non-decreasing
// stack pointers and no repeated frame at the same stack pointer.
func validFrames(ips, sps []uint64) int {
	for i := 1; i < len(ips); i++ {
		if sps[i] < sps[i-1] {
			return i
		}
		for k := i - 1; k >= 0 && sps[k] == sps[i]; k-- {
			if ips[k] == ips[i] {
				return i
			}
		}
	}
	return len(ips)
}

// Run joins all submitted chains.
func (j *Joiner) Run() error {
	if j.ran {
		return errAlreadyRun
	}
	j.ran = true
	if j.stats.ChainCount == 0 {
		return nil
	}
	if err := j.original.finishWrite(); err != nil {
		return err
	}
	cache, err := chaincache.New(j.cfg.CacheSize, j.cfg.MatchedNodeCountToExtend)
	if err != nil {
		return err
	}

	tmp, err := newSpool(j.cfg.TempDir)
	if err != nil {
		return err
	}
	defer tmp.close()
	if err = j.joinPass(cache, j.original, tmp, false); err != nil {
		return fmt.Errorf("first join pass: %w", err)
	}

	if j.joined, err = newSpool(j.cfg.TempDir); err != nil {
		return err
	}
	if err = j.joinPass(cache, tmp, j.joined, true); err != nil {
		return fmt.Errorf("second join pass: %w", err)
	}

	j.cacheStats = cache.Stats()
	j.original.rewindForward()
	j.joined.rewindForward()
	return nil
}

// joinPass reads src from its newest to its oldest record, joins every chain
// and appends it to dst.
func (j *Joiner) joinPass(cache *chaincache.Cache, src, dst *spool, final bool) error {
	src.rewindBackward()
	for {
		c, err := src.readBackward()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		c.Type = c.Type.Joined()
		c.IPs, c.SPs = cache.JoinChain(c.Tid, c.IPs, c.SPs)
		if err = dst.write(&c); err != nil {
			return err
		}
		if final {
			n := uint64(len(c.IPs))
			j.stats.AfterJoinNodeCount += n
			j.stats.AfterJoinMaxChainLength = max(j.stats.AfterJoinMaxChainLength, n)
		}
	}
	return dst.finishWrite()
}

// Next returns the next chain in submission order, or io.EOF when all chains
// were returned. With KeepOriginalChains every original chain is followed by
// its joined version.
func (j *Joiner) Next() (Chain, error) {
	if !j.ran {
		return Chain{}, errNotRun
	}
	total := j.stats.ChainCount
	if j.cfg.KeepOriginalChains {
		total *= 2
	}
	if j.nextIndex == total {
		return Chain{}, io.EOF
	}

	src := j.joined
	if j.cfg.KeepOriginalChains && j.nextIndex%2 == 0 {
		src = j.original
	}
	c, err := src.readForward()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Chain{}, fmt.Errorf("%w: spool ended after %d chains",
				ErrCorruptChain, j.nextIndex)
		}
		return Chain{}, err
	}
	j.nextIndex++
	return c, nil
}

// Stats returns the joiner counters.
func (j *Joiner) Stats() Stats {
	return j.stats
}

// CacheStats returns the counters of the cache used by Run.
func (j *Joiner) CacheStats() chaincache.Stats {
	return j.cacheStats
}

// DumpStats logs the joiner and cache counters.
func (j *Joiner) DumpStats() {
	s, cs := j.stats, j.cacheStats
	log.Debugf("Call chain joiner: %d chains, %d nodes before join, %d nodes after join, "+
		"max chain length %d", s.ChainCount, s.BeforeJoinNodeCount, s.AfterJoinNodeCount,
		s.AfterJoinMaxChainLength)
	log.Debugf("Call chain cache: size %d, matched node count %d, max nodes %d, "+
		"used nodes %d, recycled nodes %d", cs.CacheSize, cs.MatchedNodeCountToExtend,
		cs.MaxNodeCount, cs.UsedNodeCount, cs.RecycledNodeCount)
	if s.AfterJoinNodeCount > 0 && s.BeforeJoinNodeCount > 0 {
		log.Debugf("Call chain joiner grew chains by %.2f%%",
			100*float64(s.AfterJoinNodeCount-s.BeforeJoinNodeCount)/
				float64(s.BeforeJoinNodeCount))
	}
}

// Close removes the spools.
func (j *Joiner) Close() error {
	var errs []error
	for _, s := range []*spool{j.original, j.joined} {
		if s != nil {
			errs = append(errs, s.close())
		}
	}
	j.original, j.joined = nil, nil
	return errors.Join(errs...)
}
