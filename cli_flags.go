// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"

	"github.com/peterbourgon/ff/v3"

	"go.opentelemetry.io/perf-ingest/internal/controller"
)

const (
	// Default values for CLI flags
	defaultArgSamplesPerSecond         = 4000
	defaultArgStackUserSize            = 65528
	defaultArgRecordBufferSize         = 64 * controller.MiB
	defaultArgMinMmapPages             = 16
	defaultArgMaxMmapPages             = 1024
	defaultArgChainCacheSize           = 64 * controller.MiB
	defaultArgMatchedNodeCountToExtend = 1
	defaultArgMaxFrames                = 256
	defaultArgOutput                   = "perf-ingest.pb.gz"
)

// Help strings for command line arguments
var (
	allowCuttingSamplesHelp = "Cut the user stack of samples to 1 KiB when the record " +
		"buffer runs low instead of dropping them."
	configHelp         = "Plain text file with one 'flag value' pair per line."
	chainCacheSizeHelp = "Memory budget in bytes of the cache used to join call chains."
	durationHelp       = "Stop sampling after this duration. Zero samples until " +
		"SIGINT or SIGTERM is received."
	includeKernelHelp      = "Also sample while the CPU executes kernel code."
	keepOriginalChainsHelp = "Report every call chain before joining next to its joined version."
	matchedNodeCountHelp   = "Number of frames a call chain needs to share with the " +
		"chain cache before it is extended."
	maxFramesHelp    = "Maximum number of frames unwound per sample."
	maxMmapPagesHelp = "Number of data pages tried first for each kernel ring, " +
		"halved until mapping succeeds. Must be a power of two."
	minMmapPagesHelp = "Smallest number of data pages accepted for each kernel ring. " +
		"Must be a power of two."
	outputHelp           = "File the gzip compressed pprof profile is written to."
	pidHelp              = "Only sample this process. -1 samples all processes."
	pprofHelp            = "Listening address (e.g. localhost:6060) to serve pprof information."
	recordBufferSizeHelp = "Size in bytes of the buffer between the reader thread and " +
		"the consumer."
	samplesPerSecondHelp = "Set the frequency (in Hz) of stack trace sampling."
	stackUserSizeHelp    = fmt.Sprintf("Number of user stack bytes copied per sample. "+
		"Must be a multiple of 8, max is %d.", controller.MaxStackUserSize)
	tempDirHelp         = "Directory for the call chain spool files. Defaults to the system temp dir."
	verboseModeHelp     = "Enable verbose logging and debugging capabilities."
	versionHelp         = "Show version."
	wakeupWatermarkHelp = "Number of bytes in a kernel ring that wake up the reader thread. " +
		"Zero wakes up on every sample."
)

func parseArgs(args []string) (*controller.Config, error) {
	var cfg controller.Config

	fs := flag.NewFlagSet("perf-ingest", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.BoolVar(&cfg.AllowCuttingSamples, "allow-cutting-samples", false,
		allowCuttingSamplesHelp)

	fs.Uint64Var(&cfg.ChainCacheSize, "chain-cache-size", defaultArgChainCacheSize,
		chainCacheSizeHelp)

	var configFile string
	fs.StringVar(&configFile, "config", "", configHelp)

	fs.DurationVar(&cfg.Duration, "duration", 0, durationHelp)

	fs.BoolVar(&cfg.IncludeKernel, "include-kernel", false, includeKernelHelp)

	fs.BoolVar(&cfg.KeepOriginalChains, "keep-original-chains", false, keepOriginalChainsHelp)

	fs.IntVar(&cfg.MatchedNodeCountToExtend, "matched-node-count",
		defaultArgMatchedNodeCountToExtend, matchedNodeCountHelp)
	fs.IntVar(&cfg.MaxFrames, "max-frames", defaultArgMaxFrames, maxFramesHelp)
	fs.IntVar(&cfg.MaxMmapPages, "max-mmap-pages", defaultArgMaxMmapPages, maxMmapPagesHelp)
	fs.IntVar(&cfg.MinMmapPages, "min-mmap-pages", defaultArgMinMmapPages, minMmapPagesHelp)

	fs.StringVar(&cfg.Output, "o", defaultArgOutput, "Shorthand for -output.")
	fs.StringVar(&cfg.Output, "output", defaultArgOutput, outputHelp)

	fs.IntVar(&cfg.Pid, "pid", -1, pidHelp)
	fs.StringVar(&cfg.PprofAddr, "pprof", "", pprofHelp)

	fs.Uint64Var(&cfg.RecordBufferSize, "record-buffer-size", defaultArgRecordBufferSize,
		recordBufferSizeHelp)

	fs.IntVar(&cfg.SamplesPerSecond, "samples-per-second", defaultArgSamplesPerSecond,
		samplesPerSecondHelp)
	fs.UintVar(&cfg.StackUserSize, "stack-user-size", defaultArgStackUserSize,
		stackUserSizeHelp)

	fs.StringVar(&cfg.TempDir, "temp-dir", "", tempDirHelp)

	fs.BoolVar(&cfg.VerboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&cfg.VerboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&cfg.Version, "version", false, versionHelp)

	fs.UintVar(&cfg.WakeupWatermark, "wakeup-watermark", 0, wakeupWatermarkHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	cfg.Fs = fs

	return &cfg, ff.Parse(fs, args,
		ff.WithEnvVarPrefix("PERF_INGEST"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		// This will ignore configuration file (only) options that the current
		// version does not recognize.
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}
