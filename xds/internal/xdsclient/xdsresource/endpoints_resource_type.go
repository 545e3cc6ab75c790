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

	v3endpointpb "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	"github.com/ajith-anz/grpc-go/internal/pretty"
	"github.com/ajith-anz/grpc-go/xds/internal/xdsclient/xdsresource/version"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

func init() {
	RegisterType(endpointsType{})
}

// LocalityEndpoints is the decoded form of a single locality's endpoint set.
type LocalityEndpoints struct {
	Region        string
	Zone          string
	SubZone       string
	Weight        uint32
	NumEndpoints  int
}

// EndpointsUpdate is the logical content of a decoded
// ClusterLoadAssignment.
type EndpointsUpdate struct {
	Localities []LocalityEndpoints
	Raw        *anypb.Any
}

// EndpointsResourceData wraps a decoded ClusterLoadAssignment resource.
type EndpointsResourceData struct {
	Resource EndpointsUpdate
}

// Equal implements ResourceData.
func (e *EndpointsResourceData) Equal(other ResourceData) bool {
	o, ok := other.(*EndpointsResourceData)
	if !ok {
		return false
	}
	return proto.Equal(e.Resource.Raw, o.Resource.Raw)
}

// Bytes implements ResourceData.
func (e *EndpointsResourceData) Bytes() *anypb.Any { return e.Resource.Raw }

// ToJSON renders the endpoints update as JSON for diagnostics.
func (e *EndpointsResourceData) ToJSON() string { return pretty.ToJSON(e.Resource) }

type endpointsType struct{}

func (endpointsType) TypeURL() string                 { return version.V3EndpointsURL }
func (endpointsType) TypeName() string                { return "EndpointsResource" }
func (endpointsType) AllResourcesRequiredInSotW() bool { return false }

func (endpointsType) Decode(_ *DecodeOptions, r *anypb.Any) (*DecodeResult, error) {
	cla := &v3endpointpb.ClusterLoadAssignment{}
	if err := proto.Unmarshal(r.GetValue(), cla); err != nil {
		return nil, fmt.Errorf("xdsresource: failed to unmarshal ClusterLoadAssignment: %v", err)
	}
	name := cla.GetClusterName()
	if name == "" {
		return nil, fmt.Errorf("xdsresource: ClusterLoadAssignment resource has empty cluster_name")
	}

	update := EndpointsUpdate{Raw: r}
	for _, le := range cla.GetEndpoints() {
		loc := le.GetLocality()
		update.Localities = append(update.Localities, LocalityEndpoints{
			Region:       loc.GetRegion(),
			Zone:         loc.GetZone(),
			SubZone:      loc.GetSubZone(),
			Weight:       le.GetLoadBalancingWeight().GetValue(),
			NumEndpoints: len(le.GetLbEndpoints()),
		})
	}

	return &DecodeResult{Name: name, Resource: &EndpointsResourceData{Resource: update}}, nil
}

// EndpointsWatcher is implemented by callers watching ClusterLoadAssignment
// resources.
type EndpointsWatcher interface {
	ResourceChanged(update *EndpointsResourceData, onDone func())
	ResourceError(err error, onDone func())
	AmbientError(err error, onDone func())
}

type delegatingEndpointsWatcher struct {
	watcher EndpointsWatcher
}

func (d *delegatingEndpointsWatcher) ResourceChanged(data ResourceData, onDone func()) {
	d.watcher.ResourceChanged(data.(*EndpointsResourceData), onDone)
}
func (d *delegatingEndpointsWatcher) ResourceError(err error, onDone func()) {
	d.watcher.ResourceError(err, onDone)
}
func (d *delegatingEndpointsWatcher) AmbientError(err error, onDone func()) {
	d.watcher.AmbientError(err, onDone)
}

// WatchEndpoints uses xDS to discover the endpoints associated with the
// provided ClusterLoadAssignment resource name.
func WatchEndpoints(p Producer, name string, w EndpointsWatcher) (cancel func()) {
	return p.WatchResource(endpointsType{}, name, &delegatingEndpointsWatcher{watcher: w})
}
