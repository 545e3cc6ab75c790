/*
 *
 * Copyright 2024 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package otelrecorder bridges the xDS client's estats.MetricsRecorder
// interface onto an OpenTelemetry metric.Meter, for binaries (like
// cmd/xds-watch) that want xDS client counters exported through an OTel
// pipeline instead of dropped.
package otelrecorder

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	estats "github.com/ajith-anz/grpc-go/experimental/stats"
)

// Recorder implements estats.MetricsRecorder on top of an OTel Meter,
// creating one underlying instrument per handle the first time it's used.
type Recorder struct {
	meter metric.Meter

	mu       sync.Mutex
	counters map[string]metric.Int64Counter
}

// New creates a Recorder that registers instruments against meter.
func New(meter metric.Meter) *Recorder {
	return &Recorder{meter: meter, counters: make(map[string]metric.Int64Counter)}
}

func (r *Recorder) counterFor(d estats.MetricDescriptor) (metric.Int64Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[d.Name]; ok {
		return c, nil
	}
	c, err := r.meter.Int64Counter(d.Name, metric.WithDescription(d.Description), metric.WithUnit(d.Unit))
	if err != nil {
		return nil, err
	}
	r.counters[d.Name] = c
	return c, nil
}

// RecordInt64Count implements estats.MetricsRecorder.
func (r *Recorder) RecordInt64Count(handle *estats.Int64CountHandle, incr int64, labels ...string) {
	c, err := r.counterFor(handle.Descriptor)
	if err != nil {
		return
	}
	c.Add(context.Background(), incr, metric.WithAttributes(attrsFor(handle.Descriptor.Labels, labels)...))
}

// RecordInt64Histo implements estats.MetricsRecorder as a no-op: xDS client
// metrics registered by this module are counters only.
func (r *Recorder) RecordInt64Histo(*estats.Int64HistoHandle, int64, ...string) {}

// RecordFloat64Histo implements estats.MetricsRecorder as a no-op.
func (r *Recorder) RecordFloat64Histo(*estats.Float64HistoHandle, float64, ...string) {}

// RecordInt64Gauge implements estats.MetricsRecorder as a no-op.
func (r *Recorder) RecordInt64Gauge(*estats.Int64GaugeHandle, int64, ...string) {}

func attrsFor(names, values []string) []attribute.KeyValue {
	n := len(names)
	if len(values) < n {
		n = len(values)
	}
	out := make([]attribute.KeyValue, n)
	for i := 0; i < n; i++ {
		out[i] = attribute.String(names[i], values[i])
	}
	return out
}
