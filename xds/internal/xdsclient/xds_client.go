/*
 *
 * Copyright 2022 gRPC authors.
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

// Package xdsclient implements the Client interface of gRFC A27, the
// in-process state machine that talks ADS and LRS to one or more xDS
// management servers and fans updates out to registered watchers.
package xdsclient

import (
	"github.com/ajith-anz/grpc-go/internal/xds/bootstrap"
	"github.com/ajith-anz/grpc-go/xds/internal/xdsclient/load"
	"github.com/ajith-anz/grpc-go/xds/internal/xdsclient/xdsresource"
)

// XDSClient is a full-fidelity, process-wide view of the xDS protocol:
// registering resource watches, reporting load back to the management
// server, and exposing the bootstrap configuration that describes how to
// reach it.
type XDSClient interface {
	xdsresource.Producer

	// ReportLoad starts a load reporting stream to the given server. All
	// load reports to the same server share the LRS stream. It returns a
	// load.Store for the caller to report load into, and a function to
	// stop reporting (safe to call multiple times).
	ReportLoad(server *bootstrap.ServerConfig) (*load.Store, func())

	// ResetBackoff clears the reconnect backoff of every live ADS stream.
	ResetBackoff()

	// BootstrapConfig returns the configuration read from the bootstrap
	// file. Callers must treat the return value as read-only.
	BootstrapConfig() *bootstrap.Config
}
