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

// Package xdsresource defines the collaborator contract between the xDS
// client core and the resource-type-specific parsers (LDS/RDS/CDS/EDS):
// ResourceName parsing/formatting, the ResourceType registry, per-resource
// cache metadata, and the bundled decoders.
package xdsresource

import (
	"fmt"
	"sync"

	"google.golang.org/protobuf/types/known/anypb"
)

// ResourceData is the opaque, per-type parsed representation of a single
// decoded resource. Concrete resource types downcast it to their own
// struct; the client core never inspects it beyond Equal/Bytes.
type ResourceData interface {
	// Equal reports whether other represents the same configuration,
	// following the wire `resources_equal` semantics: ignore metadata like
	// ordering or bytes-for-bytes identity, compare logical content.
	Equal(other ResourceData) bool
	// Bytes returns the original wire-serialized Any, for diagnostics and
	// the channelz/dumpResources surface.
	Bytes() *anypb.Any
}

// DecodeOptions carries ambient context (e.g. the bootstrap config, for
// validating resources against server-provided security configuration) that
// a Type's Decode method may need.
type DecodeOptions struct {
	BootstrapConfig any // *bootstrap.Config; any to avoid an import cycle with the core.
}

// DecodeResult is returned by Type.Decode.
type DecodeResult struct {
	// Name is the resource's name as reported by the decoder. Empty only
	// when the wrapper/Any itself could not be unmarshaled (i.e. before a
	// name could even be extracted).
	Name string
	// Resource is the parsed representation, valid when the accompanying
	// error from Decode is nil, and best-effort-populated (zero value)
	// otherwise so callers can still record Name.
	Resource ResourceData
}

// Type is the per-resource-type collaborator the client core depends on:
// one singleton instance per xDS resource kind (LDS, RDS, CDS, EDS, ...).
type Type interface {
	// TypeURL is the xDS type URL uniquely identifying this resource kind,
	// e.g. "type.googleapis.com/envoy.config.listener.v3.Listener".
	TypeURL() string

	// TypeName is a short, human-readable name for logs ("ListenerResource").
	TypeName() string

	// AllResourcesRequiredInSotW reports whether, in SOTW mode, the absence
	// of a previously-subscribed name from a response implies deletion.
	AllResourcesRequiredInSotW() bool

	// Decode deserializes and validates the resource carried in the given
	// Any proto.
	Decode(opts *DecodeOptions, resource *anypb.Any) (*DecodeResult, error)
}

// registry is a process-wide, lazily populated map from type URL to the
// singleton Type implementation, guarded by a RWMutex since registration
// happens once (at package init of each concrete resource type) but lookups
// happen constantly from the ADS receive path.
type registry struct {
	mu    sync.RWMutex
	types map[string]Type
}

var globalRegistry = &registry{types: make(map[string]Type)}

// RegisterType registers t under its TypeURL. Calling RegisterType twice
// for the same URL with a different Type instance is a programmer error and
// panics immediately, matching the teacher's fail-fast registration of
// resource types at init time.
func RegisterType(t Type) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	if existing, ok := globalRegistry.types[t.TypeURL()]; ok && existing != t {
		panic(fmt.Sprintf("xdsresource: duplicate registration for type URL %q", t.TypeURL()))
	}
	globalRegistry.types[t.TypeURL()] = t
}

// TypeForURL looks up the registered Type for typeURL. The second return
// value is false for an unrecognized type URL; per spec §9 this is not
// itself treated as a NACK-worthy error, since no per-type nonce state
// exists yet to carry a rejection.
func TypeForURL(typeURL string) (Type, bool) {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	t, ok := globalRegistry.types[typeURL]
	return t, ok
}

// typesForTesting returns a copy of every registered Type keyed by type URL,
// for tests. It does not fill xds/internal's ResourceTypeMapForTesting.
func typesForTesting() map[string]Type {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	out := make(map[string]Type, len(globalRegistry.types))
	for k, v := range globalRegistry.types {
		out[k] = v
	}
	return out
}
