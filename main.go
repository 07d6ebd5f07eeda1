// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	//nolint:gosec
	_ "net/http/pprof"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/perf-ingest/internal/controller"
	"go.opentelemetry.io/perf-ingest/metrics"
	"go.opentelemetry.io/perf-ingest/vc"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	cfg, err := parseArgs(os.Args[1:])
	if err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}

	if cfg.Version {
		fmt.Printf("%s\n", vc.Version())
		return exitSuccess
	}

	if cfg.VerboseMode {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		cfg.Dump()
	}

	if err = cfg.Validate(); err != nil {
		return parseError("Invalid configuration: %v", err)
	}

	// Context to drive the sampling session.
	ctx, cancel := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer cancel()
	if cfg.Duration > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, cfg.Duration)
		defer cancelTimeout()
	}

	if cfg.PprofAddr != "" {
		go func() {
			//nolint:gosec
			if err := http.ListenAndServe(cfg.PprofAddr, nil); err != nil {
				log.Errorf("Serving pprof on %s failed: %s", cfg.PprofAddr, err)
			}
		}()
	}

	log.Infof("Starting perf-ingest %s (revision %s)", vc.Version(), vc.Revision())

	var opts []controller.Option
	if cfg.VerboseMode {
		opts = append(opts, controller.WithMetricsReporter(newMetricsLogger()))
	}
	ctlr := controller.New(cfg, opts...)
	if err = ctlr.Run(ctx); err != nil {
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
			log.Warnf("Opening perf events needs CAP_PERFMON or a lower " +
				"kernel.perf_event_paranoid setting")
		}
		return failure("Profiling session failed: %v", err)
	}

	log.Info("Exiting ...")
	return exitSuccess
}

// metricsLogger logs reported metrics by name.
type metricsLogger struct {
	names map[uint32]string
}

func newMetricsLogger() *metricsLogger {
	l := &metricsLogger{names: make(map[uint32]string)}
	for _, md := range metrics.GetDefinitions() {
		l.names[uint32(md.ID)] = md.Field
	}
	return l
}

func (l *metricsLogger) ReportMetrics(timestamp uint32, ids []uint32, values []int64) {
	at := time.Unix(int64(timestamp), 0).Format(time.TimeOnly)
	for i, id := range ids {
		name, ok := l.names[id]
		if !ok {
			name = fmt.Sprintf("metric %d", id)
		}
		log.Debugf("%s %s: %d", at, name, values[i])
	}
}

func parseError(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

func failure(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}
