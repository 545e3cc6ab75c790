/*
 *
 * Copyright 2020 gRPC authors.
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

// Package grpclog provides a prefix-aware logger shared across the xDS
// client's internal components.
package grpclog

import (
	"fmt"
	"log"
	"os"
)

// Level mirrors the verbosity levels used throughout the xDS client for
// gating chatty logs (e.g. per-request, per-response logging only at V(2)).
type Level int

// Logger is the interface implemented by loggers used across this module.
type Logger interface {
	Infof(format string, args ...any)
	Warningf(format string, args ...any)
	Errorf(format string, args ...any)
	V(l int) bool
}

var std = log.New(os.Stderr, "", log.LstdFlags)

// componentLogger is a Logger that tags every line with a component name
// (e.g. "xds").
type componentLogger struct {
	component string
	verbosity int
}

// Component returns a Logger tagged with the given component name. The
// verbosity level defaults to 0; call SetVerbosity to raise it.
func Component(component string) *componentLogger {
	return &componentLogger{component: component}
}

// SetVerbosity sets the verbosity level for logs gated by V().
func (c *componentLogger) SetVerbosity(v int) { c.verbosity = v }

func (c *componentLogger) Infof(format string, args ...any) {
	std.Output(2, fmt.Sprintf("[%s] INFO: %s", c.component, fmt.Sprintf(format, args...)))
}

func (c *componentLogger) Warningf(format string, args ...any) {
	std.Output(2, fmt.Sprintf("[%s] WARNING: %s", c.component, fmt.Sprintf(format, args...)))
}

func (c *componentLogger) Errorf(format string, args ...any) {
	std.Output(2, fmt.Sprintf("[%s] ERROR: %s", c.component, fmt.Sprintf(format, args...)))
}

func (c *componentLogger) V(l int) bool { return l <= c.verbosity }

// PrefixLogger does logging with a prefix attached to each line, e.g. the
// xDS client's instance id, so that logs from multiple clients sharing a
// process can be told apart.
type PrefixLogger struct {
	logger Logger
	prefix string
}

// NewPrefixLogger creates a prefix logger with the given prefix appended
// (as-is, including any desired separator) to the beginning of each log
// line.
func NewPrefixLogger(logger Logger, prefix string) *PrefixLogger {
	return &PrefixLogger{logger: logger, prefix: prefix}
}

// Infof does info logging.
func (pl *PrefixLogger) Infof(format string, args ...any) {
	if pl == nil {
		return
	}
	pl.logger.Infof(pl.prefix+format, args...)
}

// Warningf does warning logging.
func (pl *PrefixLogger) Warningf(format string, args ...any) {
	if pl == nil {
		return
	}
	pl.logger.Warningf(pl.prefix+format, args...)
}

// Errorf does error logging.
func (pl *PrefixLogger) Errorf(format string, args ...any) {
	if pl == nil {
		return
	}
	pl.logger.Errorf(pl.prefix+format, args...)
}

// V reports whether verbosity level l is enabled.
func (pl *PrefixLogger) V(l int) bool {
	if pl == nil {
		return false
	}
	return pl.logger.V(l)
}
