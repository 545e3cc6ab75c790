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

package xdsresource

// Watcher is the untyped form of the per-resource-type watcher interfaces
// (ListenerWatcher, RouteConfigWatcher, ...), used by the client core which
// has no notion of the typed resource payload. Concrete resource types
// provide a delegatingWatcher that downcasts ResourceData and forwards to
// their typed interface.
//
// onDone must be invoked once the watcher has finished processing the
// callback; the client core uses it to release a ReadDelayHandle and permit
// the next transport read.
type Watcher interface {
	// ResourceChanged is invoked to report a new value for the watched
	// resource, or to replay the cached value to a newly registered
	// watcher.
	ResourceChanged(resource ResourceData, onDone func())
	// ResourceError is invoked when the resource itself is in error: a
	// NACK'd decode failure, or a request-timeout/SOTW-deletion decision
	// that the resource does not exist.
	ResourceError(err error, onDone func())
	// AmbientError is invoked when the xDS channel serving this resource
	// enters an error state for reasons unrelated to this resource
	// specifically (connectivity failure, stream failure with no prior
	// response).
	AmbientError(err error, onDone func())
}

// Producer is the subset of the client core's public surface that resource
// type helpers (WatchListener, WatchCluster, ...) need: the ability to
// start and stop a generic watch.
type Producer interface {
	WatchResource(rType Type, resourceName string, watcher Watcher) (cancel func())
}
