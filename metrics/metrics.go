// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics buffers the internal counters of the ingestion pipeline and
// reports them once per second through OTel metric instruments.
//
// Metric IDs are generated out of metrics.json, see ids.go.
package metrics // import "go.opentelemetry.io/perf-ingest/metrics"

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"go.opentelemetry.io/perf-ingest/vc"
)

var (
	// prevTimestamp holds the timestamp of the buffered metrics
	prevTimestamp uint32

	// metricsBuffer buffers the metricsBuffer for the timestamp assigned to prevTimestamp
	metricsBuffer = make([]Metric, IDMax)

	// metricIDSet is a bitvector used for fast membership operations, to avoid reporting
	// the same metric ID multiple times in the same batch
	metricIDSet = make([]uint64, 1+(IDMax/64))

	// nMetrics is the number of the current entries in metricsBuffer
	nMetrics int

	// mutex serializes the concurrent calls to AddSlice()
	mutex sync.Mutex

	//go:embed metrics.json
	metricsJSON []byte

	// Used in fallback checks, e.g. to avoid sending "counters" with 0 values
	metricTypes map[MetricID]MetricType

	// OTel metric instrumentation
	meter = otel.Meter("go.opentelemetry.io/perf-ingest",
		metric.WithInstrumentationVersion(vc.Version()))
	counters = map[MetricID]metric.Int64Counter{}
	gauges   = map[MetricID]metric.Int64Gauge{}

	reporterImpl MetricsReporter
)

// SetReporter installs r to receive every reported batch in addition to the
// OTel instruments.
func SetReporter(r MetricsReporter) {
	mutex.Lock()
	defer mutex.Unlock()
	reporterImpl = r
}

func init() {
	defs := GetDefinitions()
	metricTypes = make(map[MetricID]MetricType, len(defs))
	for _, md := range defs {
		if md.Obsolete || md.ID == IDInvalid {
			continue
		}
		metricTypes[md.ID] = md.Type
		switch typ := md.Type; typ {
		case MetricTypeCounter:
			counter, err := meter.Int64Counter(md.Field,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Counter: %v", err)
				continue
			}
			counters[md.ID] = counter
		case MetricTypeGauge:
			gauge, err := meter.Int64Gauge(md.Field,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Gauge: %v", err)
				continue
			}
			gauges[md.ID] = gauge
		default:
			panic(fmt.Sprintf("Unknown metric type: %v", typ))
		}
	}
}

func nowSeconds() uint32 {
	return uint32(time.Now().Unix())
}

// report converts and reports collected metrics via OTel metrics.
// Allow for report to be overridden in the test.
var report = func() {
	ctx := context.Background()
	if reporterImpl != nil {
		ids := make([]uint32, nMetrics)
		values := make([]int64, nMetrics)

		for i := range nMetrics {
			ids[i] = uint32(metricsBuffer[i].ID)
			values[i] = int64(metricsBuffer[i].Value)
		}
		reporterImpl.ReportMetrics(prevTimestamp, ids, values)
	}
	for i := range nMetrics {
		metric := metricsBuffer[i]
		switch typ := metricTypes[metric.ID]; typ {
		case MetricTypeCounter:
			if counter, ok := counters[metric.ID]; ok {
				counter.Add(ctx, int64(metric.Value))
			}
		case MetricTypeGauge:
			if gauge, ok := gauges[metric.ID]; ok {
				gauge.Record(ctx, int64(metric.Value))
			}
		}
	}
	nMetrics = 0
	clear(metricIDSet)
}

// AddSlice takes a slice of metrics from a metric provider.
// The function buffers the metrics and returns immediately.
//
// All metrics are collected until the timestamp (second resolution) changes.
// The metrics of the previous timestamp are then reported before the new ones
// are buffered. A metric ID seen twice within one second keeps its first value.
func AddSlice(newMetrics []Metric) {
	now := nowSeconds()

	mutex.Lock()
	defer mutex.Unlock()

	if prevTimestamp != now && nMetrics > 0 {
		report()
	}
	prevTimestamp = now

	for _, metric := range newMetrics {
		if metric.ID <= IDInvalid || metric.ID >= IDMax {
			log.Errorf("Metric value %d out of range [%d,%d]- needs investigation",
				metric.ID, IDInvalid+1, IDMax-1)
			continue
		}

		if _, ok := metricTypes[metric.ID]; !ok {
			log.Warnf("Invalid metric id %d, skipping", metric.ID)
			continue
		}

		if metric.Value == 0 && metricTypes[metric.ID] == MetricTypeCounter {
			continue
		}

		idx := metric.ID / 64
		mask := uint64(1) << (metric.ID % 64)
		if metricIDSet[idx]&mask > 0 {
			log.Warnf("Metric ID %d:%v reported multiple times", metric.ID, metric.Value)
			continue
		}

		metricIDSet[idx] |= mask
		metricsBuffer[nMetrics].ID = metric.ID
		metricsBuffer[nMetrics].Value = metric.Value
		nMetrics++
	}
}

// Add takes a single metric (id and value) from a metric provider.
// The function buffers the metric and returns immediately.
func Add(id MetricID, value MetricValue) {
	AddSlice([]Metric{{id, value}})
}

// Flush reports the buffered metrics without waiting for the next second.
// It is called once when the session ends.
func Flush() {
	mutex.Lock()
	defer mutex.Unlock()

	if nMetrics > 0 {
		report()
	}
}

// GetDefinitions returns the metric definitions from the embedded metrics.json file.
func GetDefinitions() []MetricDefinition {
	var defs []MetricDefinition

	dec := json.NewDecoder(bytes.NewReader(metricsJSON))
	dec.DisallowUnknownFields()

	err := dec.Decode(&defs)
	if err != nil {
		panic(fmt.Sprintf("extracting definitions from metrics.json: %v", err))
	}
	return defs
}
