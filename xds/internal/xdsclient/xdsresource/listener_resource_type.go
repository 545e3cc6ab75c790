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

import (
	"fmt"

	v3listenerpb "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	"github.com/ajith-anz/grpc-go/internal/pretty"
	"github.com/ajith-anz/grpc-go/xds/internal/xdsclient/xdsresource/version"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

func init() {
	RegisterType(listenerType{})
}

// ListenerUpdate is the logical content of a decoded Listener resource.
type ListenerUpdate struct {
	// RouteConfigName is set for a listener using RDS (as opposed to an
	// inlined RouteConfiguration).
	RouteConfigName string
	// InlineRouteConfig is set when the listener embeds its route config
	// directly instead of referencing one via RDS.
	InlineRouteConfigName string
	Raw                   *anypb.Any
}

// ListenerResourceData wraps a decoded Listener resource.
type ListenerResourceData struct {
	Resource ListenerUpdate
}

// Equal implements ResourceData.
func (l *ListenerResourceData) Equal(other ResourceData) bool {
	o, ok := other.(*ListenerResourceData)
	if !ok {
		return false
	}
	return proto.Equal(l.Resource.Raw, o.Resource.Raw)
}

// Bytes implements ResourceData.
func (l *ListenerResourceData) Bytes() *anypb.Any { return l.Resource.Raw }

// ToJSON renders the listener update as JSON for diagnostics.
func (l *ListenerResourceData) ToJSON() string { return pretty.ToJSON(l.Resource) }

type listenerType struct{}

func (listenerType) TypeURL() string                 { return version.V3ListenerURL }
func (listenerType) TypeName() string                { return "ListenerResource" }
func (listenerType) AllResourcesRequiredInSotW() bool { return true }

func (listenerType) Decode(_ *DecodeOptions, r *anypb.Any) (*DecodeResult, error) {
	lis := &v3listenerpb.Listener{}
	if err := proto.Unmarshal(r.GetValue(), lis); err != nil {
		return nil, fmt.Errorf("xdsresource: failed to unmarshal Listener: %v", err)
	}
	name := lis.GetName()
	if name == "" {
		return nil, fmt.Errorf("xdsresource: Listener resource has empty name")
	}

	update := ListenerUpdate{Raw: r}
	hcm := lis.GetApiListener()
	if hcm == nil {
		return &DecodeResult{Name: name, Resource: &ListenerResourceData{Resource: update}},
			fmt.Errorf("xdsresource: Listener %q has no ApiListener", name)
	}
	update.RouteConfigName = lis.GetName()

	return &DecodeResult{Name: name, Resource: &ListenerResourceData{Resource: update}}, nil
}

// ListenerWatcher is implemented by callers watching Listener resources.
//
// ResourceChanged reports a new accepted value. ResourceError reports that
// the resource itself is invalid or does not exist (NACK / request
// timeout). AmbientError reports a problem with the xDS channel that isn't
// specific to this resource (transport/connectivity failure).
type ListenerWatcher interface {
	ResourceChanged(update *ListenerResourceData, onDone func())
	ResourceError(err error, onDone func())
	AmbientError(err error, onDone func())
}

type delegatingListenerWatcher struct {
	watcher ListenerWatcher
}

func (d *delegatingListenerWatcher) ResourceChanged(data ResourceData, onDone func()) {
	d.watcher.ResourceChanged(data.(*ListenerResourceData), onDone)
}
func (d *delegatingListenerWatcher) ResourceError(err error, onDone func()) {
	d.watcher.ResourceError(err, onDone)
}
func (d *delegatingListenerWatcher) AmbientError(err error, onDone func()) {
	d.watcher.AmbientError(err, onDone)
}

// WatchListener uses xDS to discover the configuration associated with the
// provided listener resource name.
func WatchListener(p Producer, name string, w ListenerWatcher) (cancel func()) {
	return p.WatchResource(listenerType{}, name, &delegatingListenerWatcher{watcher: w})
}
