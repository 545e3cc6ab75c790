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

// Package stats contains experimental metrics/stats API's.
package stats

import "sync"

// MetricDescriptor is the data for a registered metric.
type MetricDescriptor struct {
	// Name is the name of this metric. This name must be unique across the
	// whole binary (including any per-call metrics, if any). It is
	// recommended to use the naming convention of
	// "noun.unit.component.thing_measured", for example
	// "grpc.client.call.duration".
	Name string
	// Description is a short, human-readable description of the metric.
	Description string
	// Unit is the unit this metric represents, such as "By" for bytes or "s"
	// for seconds.
	Unit string
	// Labels are the required label keys for this metric, expected to be
	// provided at recording time, in the order the recorder is called with.
	Labels []string
	// OptionalLabels are labels recorders can opt-in to reporting, not
	// required to be provided at recording time.
	OptionalLabels []string
	// Default determines whether this metric is on by default.
	Default bool
	// Bounds are the recommended bucket boundaries, applicable only to
	// histogram metrics.
	Bounds []float64
}

// MetricsRecorder records on metrics derived from registered metric
// descriptors, scoped to a single gRPC entity (channel or server).
type MetricsRecorder interface {
	// RecordInt64Count records an int64 count value on the metric the
	// handle points to, scoped by the labels in order of the corresponding
	// metric descriptor.
	RecordInt64Count(handle *Int64CountHandle, incr int64, labels ...string)
	// RecordInt64Histo records an int64 histogram value.
	RecordInt64Histo(handle *Int64HistoHandle, incr int64, labels ...string)
	// RecordFloat64Histo records a float64 histogram value.
	RecordFloat64Histo(handle *Float64HistoHandle, incr float64, labels ...string)
	// RecordInt64Gauge records an int64 gauge value.
	RecordInt64Gauge(handle *Int64GaugeHandle, incr int64, labels ...string)
}

var registeredMetrics = struct {
	mu   sync.Mutex
	seen map[string]bool
}{seen: make(map[string]bool)}

func registerName(name string) {
	registeredMetrics.mu.Lock()
	defer registeredMetrics.mu.Unlock()
	if registeredMetrics.seen[name] {
		panic("stats: duplicate metric registered with name " + name)
	}
	registeredMetrics.seen[name] = true
}

// Int64CountHandle is the handle for an int count metric, returned from
// RegisterInt64Count. It carries the descriptor it was registered with and
// is used by call sites to record onto, bridging the gap between
// registration and recording without naming the metric twice.
type Int64CountHandle struct {
	Descriptor MetricDescriptor
}

// RegisterInt64Count registers the metric description onto the global
// registry, returning a handle which callers use to record values against
// this metric with a MetricsRecorder. Must be called at init time, and
// causes a panic on duplicate name registration.
func RegisterInt64Count(descriptor MetricDescriptor) *Int64CountHandle {
	registerName(descriptor.Name)
	return &Int64CountHandle{Descriptor: descriptor}
}

// Record records incr on the metric handle points to, against recorder. A
// nil recorder is a no-op, so callers need not special-case "no metrics
// configured".
func (h *Int64CountHandle) Record(recorder MetricsRecorder, incr int64, labels ...string) {
	if recorder == nil {
		return
	}
	recorder.RecordInt64Count(h, incr, labels...)
}

// Int64HistoHandle is the handle for an int64 histogram metric.
type Int64HistoHandle struct {
	Descriptor MetricDescriptor
}

// RegisterInt64Histo registers an int64 histogram metric.
func RegisterInt64Histo(descriptor MetricDescriptor) *Int64HistoHandle {
	registerName(descriptor.Name)
	return &Int64HistoHandle{Descriptor: descriptor}
}

// Record records incr on the metric handle points to, against recorder.
func (h *Int64HistoHandle) Record(recorder MetricsRecorder, incr int64, labels ...string) {
	if recorder == nil {
		return
	}
	recorder.RecordInt64Histo(h, incr, labels...)
}

// Float64HistoHandle is the handle for a float64 histogram metric.
type Float64HistoHandle struct {
	Descriptor MetricDescriptor
}

// RegisterFloat64Histo registers a float64 histogram metric.
func RegisterFloat64Histo(descriptor MetricDescriptor) *Float64HistoHandle {
	registerName(descriptor.Name)
	return &Float64HistoHandle{Descriptor: descriptor}
}

// Record records incr on the metric handle points to, against recorder.
func (h *Float64HistoHandle) Record(recorder MetricsRecorder, incr float64, labels ...string) {
	if recorder == nil {
		return
	}
	recorder.RecordFloat64Histo(h, incr, labels...)
}

// Int64GaugeHandle is the handle for an int64 gauge metric.
type Int64GaugeHandle struct {
	Descriptor MetricDescriptor
}

// RegisterInt64Gauge registers an int64 gauge metric.
func RegisterInt64Gauge(descriptor MetricDescriptor) *Int64GaugeHandle {
	registerName(descriptor.Name)
	return &Int64GaugeHandle{Descriptor: descriptor}
}

// Record records incr on the metric handle points to, against recorder.
func (h *Int64GaugeHandle) Record(recorder MetricsRecorder, incr int64, labels ...string) {
	if recorder == nil {
		return
	}
	recorder.RecordInt64Gauge(h, incr, labels...)
}
