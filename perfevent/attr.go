// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfevent // import "go.opentelemetry.io/perf-ingest/perfevent"

import (
	"errors"
	"fmt"

	"github.com/elastic/go-perf"

	"go.opentelemetry.io/perf-ingest/fpunwind"
)

// AttrConfig selects how samples are taken.
type AttrConfig struct {
	// Frequency is the number of samples per second and CPU.
	Frequency uint64
	// StackUserSize is the number of user stack bytes copied per sample. It
	// must be a multiple of 8.
	StackUserSize uint32
	// WakeupWatermark is the number of ring bytes that make the event fd
	// readable. 0 wakes up on every sample.
	WakeupWatermark uint32
	// IncludeKernel also samples while the CPU runs kernel code.
	IncludeKernel bool
}

// NewSamplingAttr returns the attr of a cpu-clock event sampling user stacks
// and frame registers. The event starts disabled.
func NewSamplingAttr(cfg AttrConfig) (*perf.Attr, error) {
	if cfg.Frequency == 0 {
		return nil, errors.New("sampling frequency must not be 0")
	}
	if cfg.StackUserSize%8 != 0 {
		return nil, fmt.Errorf("user stack size %d is not a multiple of 8", cfg.StackUserSize)
	}

	attr := new(perf.Attr)
	if err := perf.CPUClock.Configure(attr); err != nil {
		return nil, fmt.Errorf("failed to configure software perf event: %w", err)
	}
	attr.SetSampleFreq(cfg.Frequency)
	attr.SampleFormat = perf.SampleFormat{
		IP:        true,
		Tid:       true,
		Time:      true,
		Period:    true,
		Callchain: true,
	}
	if mask := fpunwind.RegsMask(); mask != 0 {
		attr.SampleFormat.UserRegisters = true
		attr.SampleRegistersUser = mask
	}
	if cfg.StackUserSize > 0 {
		attr.SampleFormat.UserStack = true
		attr.SampleStackUser = cfg.StackUserSize
	}
	attr.Options.Disabled = true
	attr.Options.SampleIDAll = true
	attr.Options.Mmap = true
	attr.Options.Comm = true
	attr.Options.Task = true
	attr.Options.ExcludeKernel = !cfg.IncludeKernel
	attr.Options.ExcludeKernelCallchain = !cfg.IncludeKernel
	if cfg.WakeupWatermark > 0 {
		attr.SetWakeupWatermark(cfg.WakeupWatermark)
	}
	return attr, nil
}
