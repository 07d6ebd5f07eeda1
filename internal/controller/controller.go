// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package controller runs one profiling session: it samples all online CPUs,
// moves the records through the reader thread, unwinds and joins the call
// chains and writes the resulting profile.
package controller // import "go.opentelemetry.io/perf-ingest/internal/controller"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/perf-ingest/chainjoiner"
	"go.opentelemetry.io/perf-ingest/fpunwind"
	"go.opentelemetry.io/perf-ingest/internal/eventloop"
	"go.opentelemetry.io/perf-ingest/metrics"
	"go.opentelemetry.io/perf-ingest/perfevent"
	"go.opentelemetry.io/perf-ingest/perfrecord"
	"go.opentelemetry.io/perf-ingest/periodiccaller"
	"go.opentelemetry.io/perf-ingest/readthread"
	"go.opentelemetry.io/perf-ingest/reporter"
	"go.opentelemetry.io/perf-ingest/rlimit"
)

const MiB = 1 << 20

// recordSource hands out buffered records, one at a time.
type recordSource interface {
	TakeRecord() ([]byte, bool)
}

// Controller is an instance that runs, manages and stops a profiling session.
type Controller struct {
	config          *Config
	metricsReporter metrics.MetricsReporter

	layout *perfrecord.Layout
	joiner *chainjoiner.Joiner

	// counters owned by the consumer
	consumed   atomic.Uint64
	submitted  atomic.Uint64
	kernelLost atomic.Uint64
	noRegs     atomic.Uint64
	consumeErr error

	// last values pushed to the metrics package
	pushed map[metrics.MetricID]uint64
}

// New creates a new controller.
func New(cfg *Config, opts ...Option) *Controller {
	c := &Controller{
		config: cfg,
		pushed: make(map[metrics.MetricID]uint64),
	}
	for _, opt := range opts {
		c = opt.applyOption(c)
	}
	return c
}

// Run samples until ctx is done, then joins the collected call chains and
// writes the profile to the configured output. The controller should only be
// run once.
func (c *Controller) Run(ctx context.Context) (err error) {
	if c.metricsReporter != nil {
		metrics.SetReporter(c.metricsReporter)
		defer metrics.SetReporter(nil)
	}

	attr, err := perfevent.NewSamplingAttr(perfevent.AttrConfig{
		Frequency:       uint64(c.config.SamplesPerSecond),
		StackUserSize:   uint32(c.config.StackUserSize),
		WakeupWatermark: uint32(c.config.WakeupWatermark),
		IncludeKernel:   c.config.IncludeKernel,
	})
	if err != nil {
		return err
	}
	c.layout = perfrecord.LayoutFromAttr(attr)

	cpus, err := perfevent.OnlineCPUs()
	if err != nil {
		return fmt.Errorf("failed to read online CPUs: %w", err)
	}
	events, err := perfevent.OpenPerCPU(attr, c.config.Pid, cpus)
	if err != nil {
		return err
	}
	defer func() {
		for _, ev := range events {
			if cerr := ev.Close(); cerr != nil {
				log.Warnf("Failed to close perf event on CPU %d: %v", ev.CPU(), cerr)
			}
		}
	}()
	sources := make([]readthread.EventSource, len(events))
	for i, ev := range events {
		sources[i] = ev
	}

	c.joiner, err = chainjoiner.New(chainjoiner.Config{
		CacheSize:                c.config.ChainCacheSize,
		MatchedNodeCountToExtend: c.config.MatchedNodeCountToExtend,
		KeepOriginalChains:       c.config.KeepOriginalChains,
		TempDir:                  c.config.TempDir,
	})
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, c.joiner.Close())
	}()

	if restoreMemlock, merr := rlimit.MaximizeMemlock(); merr != nil {
		log.Warnf("Kernel rings may be limited in size: %v", merr)
	} else {
		defer restoreMemlock()
	}

	if err = c.sample(ctx, sources, events); err != nil {
		return err
	}
	log.Infof("Consumed %d records, submitted %d call chains",
		c.consumed.Load(), c.submitted.Load())

	f, err := os.Create(c.config.Output)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err = c.writeProfile(f); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	log.Infof("Wrote profile to %s", c.config.Output)
	return nil
}

// sample runs the reader thread over sources until ctx is done and consumes
// every record it delivers.
func (c *Controller) sample(ctx context.Context, sources []readthread.EventSource,
	events []*perfevent.Event) error {
	thread, err := readthread.New(readthread.Config{
		BufferSize:          int(c.config.RecordBufferSize),
		Layout:              c.layout,
		StackUserSize:       uint64(c.config.StackUserSize),
		MinMmapPages:        c.config.MinMmapPages,
		MaxMmapPages:        c.config.MaxMmapPages,
		AllowCuttingSamples: c.config.AllowCuttingSamples,
		ExcludePID:          uint32(os.Getpid()),
	})
	if err != nil {
		return err
	}

	loop, err := eventloop.New()
	if err != nil {
		return errors.Join(err, thread.Stop())
	}
	defer func() {
		if cerr := loop.Close(); cerr != nil {
			log.Warnf("Failed to close event loop: %v", cerr)
		}
	}()

	consume := c.consumeRecords(thread)
	if err = thread.RegisterDataCallback(loop, consume); err != nil {
		return errors.Join(err, thread.Stop())
	}
	if err = thread.AddSources(sources); err != nil {
		return errors.Join(err, thread.Stop())
	}
	for _, ev := range events {
		if err = ev.Enable(); err != nil {
			err = fmt.Errorf("failed to enable perf event on CPU %d: %w", ev.CPU(), err)
			return errors.Join(err, thread.RemoveSources(sources), thread.Stop())
		}
	}
	log.Infof("Sampling %d CPUs at %d Hz", len(events), c.config.SamplesPerSecond)

	stopMetrics := periodiccaller.Start(ctx, time.Second, func() {
		c.pushMetrics(thread.Stats())
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(loop.Run)
	g.Go(func() error {
		<-gctx.Done()
		loop.Exit()
		return nil
	})
	err = g.Wait()
	if errors.Is(err, eventloop.ErrCallbackFailed) && c.consumeErr != nil {
		err = c.consumeErr
	}
	stopMetrics()

	log.Info("Stop sampling ...")
	for _, ev := range events {
		if derr := ev.Disable(); derr != nil {
			log.Warnf("Failed to disable perf event on CPU %d: %v", ev.CPU(), derr)
		}
	}
	err = errors.Join(err, thread.SyncKernelBuffer())
	consume()
	err = errors.Join(err, thread.RemoveSources(sources), thread.Stop())
	consume()
	if c.consumeErr != nil && !errors.Is(err, c.consumeErr) {
		err = errors.Join(err, c.consumeErr)
	}

	c.pushMetrics(thread.Stats())
	metrics.Flush()
	return err
}

// consumeRecords returns the data callback draining src. It returns false to
// stop the event loop once a record could not be handled.
func (c *Controller) consumeRecords(src recordSource) func() bool {
	return func() bool {
		if c.consumeErr != nil {
			return false
		}
		for {
			rec, ok := src.TakeRecord()
			if !ok {
				return true
			}
			if err := c.handleRecord(rec); err != nil {
				log.Errorf("Failed to handle record: %v", err)
				c.consumeErr = err
				return false
			}
		}
	}
}

func (c *Controller) handleRecord(rec []byte) error {
	c.consumed.Add(1)
	switch h := perfrecord.ReadHeader(rec); h.Type {
	case perfrecord.RecordSample:
		return c.handleSample(rec)
	case perfrecord.RecordLost:
		// u64 id, u64 lost
		if len(rec) >= perfrecord.HeaderSize+16 {
			c.kernelLost.Add(perfrecord.Uint64At(rec, perfrecord.HeaderSize+8))
		}
	}
	return nil
}

func (c *Controller) handleSample(rec []byte) error {
	s, err := perfrecord.DecodeSample(c.layout, rec)
	if err != nil {
		log.Debugf("Skipping sample: %v", err)
		return nil
	}
	ip, sp, fp, ok := fpunwind.FrameRegs(s.Regs)
	if !ok || len(s.Stack) == 0 {
		c.noRegs.Add(1)
		return nil
	}
	stack := s.Stack
	if s.StackDynSize < uint64(len(stack)) {
		stack = stack[:s.StackDynSize]
	}
	ips, sps := fpunwind.Unwind(ip, sp, fp, stack, c.config.MaxFrames)
	if err := c.joiner.Submit(s.Pid, s.Tid, chainjoiner.OriginalOffline, ips, sps); err != nil {
		return fmt.Errorf("failed to submit call chain: %w", err)
	}
	c.submitted.Add(1)
	return nil
}

// pushMetrics reports the change of all session counters since the last call.
func (c *Controller) pushMetrics(stats readthread.Stats) {
	cumulative := []struct {
		id    metrics.MetricID
		value uint64
	}{
		{metrics.IDReadLostSamples, stats.LostSamples},
		{metrics.IDReadLostNonSamples, stats.LostNonSamples},
		{metrics.IDReadCutStackSamples, stats.CutStackSamples},
		{metrics.IDKernelLostRecords, c.kernelLost.Load()},
		{metrics.IDRecordsConsumed, c.consumed.Load()},
		{metrics.IDChainsSubmitted, c.submitted.Load()},
		{metrics.IDUnwindErrNoRegs, c.noRegs.Load()},
	}

	batch := make([]metrics.Metric, 0, len(cumulative)+1)
	for _, m := range cumulative {
		batch = append(batch, metrics.Metric{
			ID:    m.id,
			Value: metrics.MetricValue(m.value - c.pushed[m.id]),
		})
		c.pushed[m.id] = m.value
	}
	batch = append(batch, metrics.Metric{
		ID:    metrics.IDKernelRingPages,
		Value: metrics.MetricValue(stats.MmapPages),
	})
	metrics.AddSlice(batch)
}

// writeProfile joins the submitted chains and writes them as pprof to w.
func (c *Controller) writeProfile(w io.Writer) error {
	if err := c.joiner.Run(); err != nil {
		return fmt.Errorf("failed to join call chains: %w", err)
	}
	c.joiner.DumpStats()

	stats := c.joiner.Stats()
	cacheStats := c.joiner.CacheStats()
	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDJoinBeforeNodeCount, Value: metrics.MetricValue(stats.BeforeJoinNodeCount)},
		{ID: metrics.IDJoinAfterNodeCount, Value: metrics.MetricValue(stats.AfterJoinNodeCount)},
		{ID: metrics.IDJoinMaxChainLength,
			Value: metrics.MetricValue(stats.AfterJoinMaxChainLength)},
		{ID: metrics.IDChainCacheUsedNodes, Value: metrics.MetricValue(cacheStats.UsedNodeCount)},
		{ID: metrics.IDChainCacheRecycledNodes,
			Value: metrics.MetricValue(cacheStats.RecycledNodeCount)},
	})
	metrics.Flush()

	cacheSize, err := SampleCacheSize(c.config.SamplesPerSecond)
	if err != nil {
		return err
	}
	builder, err := reporter.NewPprofBuilder(reporter.Config{
		SampleCacheSize: cacheSize,
		PeriodNanos:     int64(time.Second) / int64(c.config.SamplesPerSecond),
	})
	if err != nil {
		return err
	}
	for {
		chain, err := c.joiner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read joined call chain: %w", err)
		}
		builder.Add(chain)
	}
	return builder.Write(w)
}
