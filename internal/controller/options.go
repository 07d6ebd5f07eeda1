// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/perf-ingest/internal/controller"

import "go.opentelemetry.io/perf-ingest/metrics"

type Option interface {
	applyOption(*Controller) *Controller
}
type controllerOptionFunc func(*Controller) *Controller

func (f controllerOptionFunc) applyOption(c *Controller) *Controller {
	return f(c)
}

// WithMetricsReporter forwards every reported metrics batch to rep in addition
// to the OTel instruments.
func WithMetricsReporter(rep metrics.MetricsReporter) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.metricsReporter = rep
		return c
	})
}
