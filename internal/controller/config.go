// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/perf-ingest/internal/controller"

import (
	"errors"
	"flag"
	"fmt"
	"math/bits"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// MaxStackUserSize is the largest user stack copy the kernel accepts.
	MaxStackUserSize = 65528
	// MaxSamplesPerSecond limits the sampling frequency per CPU.
	MaxSamplesPerSecond = 10000
)

type Config struct {
	AllowCuttingSamples      bool
	ChainCacheSize           uint64
	Duration                 time.Duration
	IncludeKernel            bool
	KeepOriginalChains       bool
	MatchedNodeCountToExtend int
	MaxFrames                int
	MaxMmapPages             int
	MinMmapPages             int
	Output                   string
	Pid                      int
	PprofAddr                string
	RecordBufferSize         uint64
	SamplesPerSecond         int
	StackUserSize            uint
	TempDir                  string
	VerboseMode              bool
	Version                  bool
	WakeupWatermark          uint

	Fs *flag.FlagSet
}

// Dump visits all flag sets, and dumps them all to debug
// Used for verbose mode logging.
func (cfg *Config) Dump() {
	if cfg.Fs == nil {
		return
	}
	log.Debug("Config:")
	cfg.Fs.VisitAll(func(f *flag.Flag) {
		log.Debugf("%s: %v", f.Name, f.Value)
	})
}

func isPowerOfTwo(n int) bool {
	return n > 0 && bits.OnesCount(uint(n)) == 1
}

// Validate runs validations on the provided configuration, and returns errors
// if invalid values were provided.
func (cfg *Config) Validate() error {
	if cfg.SamplesPerSecond < 1 || cfg.SamplesPerSecond > MaxSamplesPerSecond {
		return fmt.Errorf("invalid sampling frequency %d: use a value between 1 and %d",
			cfg.SamplesPerSecond, MaxSamplesPerSecond)
	}
	if cfg.StackUserSize%8 != 0 || cfg.StackUserSize > MaxStackUserSize {
		return fmt.Errorf("invalid user stack size %d: use a multiple of 8 up to %d",
			cfg.StackUserSize, MaxStackUserSize)
	}
	if cfg.RecordBufferSize < 1<<20 {
		return fmt.Errorf("record buffer size %d is below 1 MiB", cfg.RecordBufferSize)
	}
	if !isPowerOfTwo(cfg.MinMmapPages) || !isPowerOfTwo(cfg.MaxMmapPages) {
		return fmt.Errorf("mmap page counts %d and %d must be powers of two",
			cfg.MinMmapPages, cfg.MaxMmapPages)
	}
	if cfg.MinMmapPages > cfg.MaxMmapPages {
		return fmt.Errorf("min mmap pages %d exceed max mmap pages %d",
			cfg.MinMmapPages, cfg.MaxMmapPages)
	}
	if cfg.MatchedNodeCountToExtend < 1 {
		return errors.New("matched node count to extend must be at least 1")
	}
	if cfg.MaxFrames < 1 {
		return errors.New("max frames must be at least 1")
	}
	if cfg.Duration < 0 {
		return fmt.Errorf("invalid duration %v", cfg.Duration)
	}
	if cfg.Pid < -1 {
		return fmt.Errorf("invalid pid %d", cfg.Pid)
	}
	if cfg.Output == "" {
		return errors.New("no output file given")
	}
	return nil
}
