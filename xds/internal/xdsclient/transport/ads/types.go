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

// Package ads implements the Aggregated Discovery Service streaming call
// state machine: subscription bookkeeping, nonce/version tracking, request
// send-gating, resource timers, and the ACK/NACK protocol, as consumed by a
// single xdsChannel.
package ads

import (
	"github.com/ajith-anz/grpc-go/xds/internal/xdsclient/xdsresource"
)

// DataAndErrTuple pairs a decoded resource with a decode error: exactly one
// of the two is meaningful at a time; Err != nil means decode failed and
// Resource should be ignored.
type DataAndErrTuple struct {
	Resource xdsresource.ResourceData
	Err      error
}

// ResourceWatchState is the exported, read-only snapshot of a single
// resource's ResourceTimer bookkeeping, exposed for tests via
// xdsclientinternal.ResourceWatchStateForTesting.
type ResourceWatchState struct {
	// SubscriptionSent is set once the resource's name has appeared in a
	// sent DiscoveryRequest.
	SubscriptionSent bool
	// ResourceSeen is set once a response has acknowledged the resource
	// (accepted, rejected, or otherwise observed as present).
	ResourceSeen bool
	// TimerPending reports whether a request-timeout timer is currently
	// armed for this resource.
	TimerPending bool
}

// EventHandler receives the outcomes of ADS stream activity. It is
// implemented by the owning xdsChannel (by way of channelState), which then
// fans updates out to every authority interested in this channel.
type EventHandler interface {
	// StreamFailure is invoked when the stream ends. The error is
	// pre-classified (xdsresource.ErrType) as connectivity-level or
	// stream-failed-after-recv.
	StreamFailure(err error)

	// ResourcesReceived is invoked once per resource type per response,
	// with the decode outcome for every resource named in the response.
	// onDone must be invoked once the handler has applied the update so
	// the stream can schedule its ACK/NACK.
	ResourcesReceived(rType xdsresource.Type, updates map[string]DataAndErrTuple, md xdsresource.UpdateMetadata, onDone func())

	// ResourceDoesNotExist is invoked for a subscribed resource that a
	// SOTW response implicitly removed, or whose request-timeout timer
	// elapsed with no response ever naming it.
	ResourceDoesNotExist(rType xdsresource.Type, resourceName string)
}
