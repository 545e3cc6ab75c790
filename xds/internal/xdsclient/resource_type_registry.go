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

package xdsclient

import (
	"sync"

	"github.com/ajith-anz/grpc-go/xds/internal/xdsclient/xdsresource"
)

// resourceTypeRegistry records the xdsresource.Type instances this client has
// ever been asked to watch, keyed by wire type URL. It exists so that
// ads.Stream.OnRecvMessage can resolve an inbound DiscoveryResponse's
// type_url back to a decoder without relying solely on whatever happens to
// have registered itself with the process-wide xdsresource registry at
// init() time: a client talking only to a federation authority for, say,
// cluster resources should still be able to decode a cluster response even
// if nothing in the binary imported the listener or route config packages.
type resourceTypeRegistry struct {
	mu    sync.Mutex
	types map[string]xdsresource.Type
}

func newResourceTypeRegistry() *resourceTypeRegistry {
	return &resourceTypeRegistry{types: make(map[string]xdsresource.Type)}
}

// get resolves typeURL to its Type, checking the per-client map first and
// falling back to the process-wide registry.
func (r *resourceTypeRegistry) get(typeURL string) (xdsresource.Type, bool) {
	r.mu.Lock()
	t, ok := r.types[typeURL]
	r.mu.Unlock()
	if ok {
		return t, true
	}
	return xdsresource.TypeForURL(typeURL)
}

// maybeRegister records t so future get(t.TypeURL()) calls resolve it, even
// before any DiscoveryResponse of that type has been seen.
func (r *resourceTypeRegistry) maybeRegister(t xdsresource.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[t.TypeURL()]; ok {
		return
	}
	r.types[t.TypeURL()] = t
}
