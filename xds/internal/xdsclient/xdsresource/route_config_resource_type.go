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

	v3routepb "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	"github.com/ajith-anz/grpc-go/internal/pretty"
	"github.com/ajith-anz/grpc-go/xds/internal/xdsclient/xdsresource/version"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

func init() {
	RegisterType(routeConfigType{})
}

// VirtualHostUpdate is a single decoded virtual host entry.
type VirtualHostUpdate struct {
	Domains []string
	Routes  int // count of configured routes, enough to exercise cache equality.
}

// RouteConfigUpdate is the logical content of a decoded RouteConfiguration.
type RouteConfigUpdate struct {
	VirtualHosts []VirtualHostUpdate
	Raw          *anypb.Any
}

// RouteConfigResourceData wraps a decoded RouteConfiguration resource.
type RouteConfigResourceData struct {
	Resource RouteConfigUpdate
}

// Equal implements ResourceData.
func (r *RouteConfigResourceData) Equal(other ResourceData) bool {
	o, ok := other.(*RouteConfigResourceData)
	if !ok {
		return false
	}
	return proto.Equal(r.Resource.Raw, o.Resource.Raw)
}

// Bytes implements ResourceData.
func (r *RouteConfigResourceData) Bytes() *anypb.Any { return r.Resource.Raw }

// ToJSON renders the route config update as JSON for diagnostics.
func (r *RouteConfigResourceData) ToJSON() string { return pretty.ToJSON(r.Resource) }

type routeConfigType struct{}

func (routeConfigType) TypeURL() string                 { return version.V3RouteConfigURL }
func (routeConfigType) TypeName() string                { return "RouteConfigResource" }
func (routeConfigType) AllResourcesRequiredInSotW() bool { return false }

func (routeConfigType) Decode(_ *DecodeOptions, r *anypb.Any) (*DecodeResult, error) {
	rc := &v3routepb.RouteConfiguration{}
	if err := proto.Unmarshal(r.GetValue(), rc); err != nil {
		return nil, fmt.Errorf("xdsresource: failed to unmarshal RouteConfiguration: %v", err)
	}
	name := rc.GetName()
	if name == "" {
		return nil, fmt.Errorf("xdsresource: RouteConfiguration resource has empty name")
	}

	update := RouteConfigUpdate{Raw: r}
	for _, vh := range rc.GetVirtualHosts() {
		if len(vh.GetDomains()) == 0 {
			return &DecodeResult{Name: name, Resource: &RouteConfigResourceData{Resource: update}},
				fmt.Errorf("xdsresource: RouteConfiguration %q has a virtual host with no domains", name)
		}
		update.VirtualHosts = append(update.VirtualHosts, VirtualHostUpdate{
			Domains: vh.GetDomains(),
			Routes:  len(vh.GetRoutes()),
		})
	}

	return &DecodeResult{Name: name, Resource: &RouteConfigResourceData{Resource: update}}, nil
}

// RouteConfigWatcher is implemented by callers watching RouteConfiguration
// resources.
type RouteConfigWatcher interface {
	ResourceChanged(update *RouteConfigResourceData, onDone func())
	ResourceError(err error, onDone func())
	AmbientError(err error, onDone func())
}

type delegatingRouteConfigWatcher struct {
	watcher RouteConfigWatcher
}

func (d *delegatingRouteConfigWatcher) ResourceChanged(data ResourceData, onDone func()) {
	d.watcher.ResourceChanged(data.(*RouteConfigResourceData), onDone)
}
func (d *delegatingRouteConfigWatcher) ResourceError(err error, onDone func()) {
	d.watcher.ResourceError(err, onDone)
}
func (d *delegatingRouteConfigWatcher) AmbientError(err error, onDone func()) {
	d.watcher.AmbientError(err, onDone)
}

// WatchRouteConfig uses xDS to discover the configuration associated with
// the provided route configuration resource name.
func WatchRouteConfig(p Producer, name string, w RouteConfigWatcher) (cancel func()) {
	return p.WatchResource(routeConfigType{}, name, &delegatingRouteConfigWatcher{watcher: w})
}
