/*
 *
 * Copyright 2021 gRPC authors.
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

import "time"

// ClientStatus is the status of a resource from the client's point of view,
// reported via the dumpResources/channelz surface and used to drive watcher
// replay on add_watcher.
type ClientStatus int

const (
	// ResourceStatusUnknown is never used for a real cache entry; it's the
	// zero value.
	ResourceStatusUnknown ClientStatus = iota
	// ResourceStatusRequested means a subscription was sent but no
	// response has been received that mentions this resource.
	ResourceStatusRequested
	// ResourceStatusAcked means the last response accepted this resource.
	ResourceStatusAcked
	// ResourceStatusNacked means the last response failed validation for
	// this resource; a prior Acked value, if any, is still cached.
	ResourceStatusNacked
	// ResourceStatusDoesNotExist means the resource timed out or was
	// implicitly deleted by a SOTW response.
	ResourceStatusDoesNotExist
)

func (s ClientStatus) String() string {
	switch s {
	case ResourceStatusRequested:
		return "REQUESTED"
	case ResourceStatusAcked:
		return "ACKED"
	case ResourceStatusNacked:
		return "NACKED"
	case ResourceStatusDoesNotExist:
		return "DOES_NOT_EXIST"
	default:
		return "UNKNOWN"
	}
}

// Metadata is the per-cache-entry bookkeeping tracked alongside the last
// accepted ResourceData, mirroring spec.md §3's ResourceMetadata.
type Metadata struct {
	ClientStatus ClientStatus

	// Set when ClientStatus == Acked.
	Version    string
	UpdateTime time.Time

	// Set when ClientStatus == Nacked. The last-Acked Version/UpdateTime
	// above are left untouched: a NACK never evicts the previously good
	// value.
	FailedVersion    string
	FailedDetails    string
	FailedUpdateTime time.Time

	// IgnoredDeletion is set when a SOTW implicit deletion was suppressed
	// because the server config has ignore_resource_deletion set; cleared
	// the next time the resource reappears in a response.
	IgnoredDeletion bool
}
