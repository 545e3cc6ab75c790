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

// Package transport defines the interface between the xDS client core and
// the underlying bidirectional-streaming RPC machinery. The core never
// talks gRPC directly; it talks to a Transport.
package transport

import (
	"github.com/ajith-anz/grpc-go/internal/xds/bootstrap"
)

// BuildOptions configures a Builder.Build call.
type BuildOptions struct {
	ServerConfig *bootstrap.ServerConfig
}

// Builder creates Transports to a single xDS management server.
type Builder interface {
	Build(opts BuildOptions) (Transport, error)
}

// StreamErrorHandler is invoked when a StreamingCall ends.
type StreamErrorHandler func(error)

// StreamEventHandler bundles the three callbacks a StreamingCall drives, as
// described in spec.md §6: on_request_sent, on_recv_message, and
// on_status_received.
type StreamEventHandler interface {
	// OnRequestSent is invoked after a message scheduled via SendMessage
	// has actually gone out on the wire (or failed to).
	OnRequestSent(err error)
	// OnRecvMessage is invoked with the raw bytes of one inbound message.
	OnRecvMessage(msg []byte)
	// OnStatusReceived is invoked exactly once, when the stream ends (by
	// error or EOF).
	OnStatusReceived(err error)
}

// StreamingCall is a single bidirectional streaming RPC (ADS or LRS).
type StreamingCall interface {
	// SendMessage enqueues a message to be sent on the stream. Completion
	// (success or failure) is reported via the handler's OnRequestSent.
	SendMessage(msg []byte)
	// StartRecvMessage requests that the next inbound message be read off
	// the stream and delivered via OnRecvMessage. Reads are not automatic:
	// this is the mechanism by which ReadDelayHandle applies backpressure.
	StartRecvMessage()
	// Close tears down the stream.
	Close()
}

// ConnectivityFailureWatcher is notified of connectivity-level failures
// that are not specific to any one stream.
type ConnectivityFailureWatcher interface {
	OnConnectivityFailure(error)
}

// Transport is the connection to a single xDS management server.
type Transport interface {
	// CreateStreamingCall opens a new bidirectional stream to the given
	// method (the ADS or LRS fixed method path) and wires the given
	// handler to it.
	CreateStreamingCall(method string, handler StreamEventHandler) (StreamingCall, error)

	// StartConnectivityFailureWatch registers w to be notified of
	// transport-level connectivity failures.
	StartConnectivityFailureWatch(w ConnectivityFailureWatcher)
	// StopConnectivityFailureWatch unregisters a watcher previously passed
	// to StartConnectivityFailureWatch.
	StopConnectivityFailureWatch(w ConnectivityFailureWatcher)

	// ResetBackoff resets any connection backoff the transport itself may
	// be tracking (distinct from the ADS/LRS stream backoff the channel
	// manages), mirroring a ClientConn.ResetConnectBackoff call.
	ResetBackoff()

	// Close tears down the transport and any underlying connection.
	Close()
}

const (
	// ADSMethod is the fixed gRPC method path for the Aggregated Discovery
	// Service stream.
	ADSMethod = "/envoy.service.discovery.v3.AggregatedDiscoveryService/StreamAggregatedResources"
	// LRSMethod is the fixed gRPC method path for the Load Reporting
	// Service stream.
	LRSMethod = "/envoy.service.load_stats.v3.LoadReportingService/StreamLoadStats"
)
