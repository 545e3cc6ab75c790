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

	v3clusterpb "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	"github.com/ajith-anz/grpc-go/internal/pretty"
	"github.com/ajith-anz/grpc-go/xds/internal/xdsclient/xdsresource/version"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

func init() {
	RegisterType(clusterType{})
}

// ClusterUpdate is the logical content of a decoded Cluster resource.
type ClusterUpdate struct {
	ClusterName string
	EDSServiceName string
	Raw         *anypb.Any
}

// ClusterResourceData wraps a decoded Cluster resource.
type ClusterResourceData struct {
	Resource ClusterUpdate
}

// Equal implements ResourceData.
func (c *ClusterResourceData) Equal(other ResourceData) bool {
	o, ok := other.(*ClusterResourceData)
	if !ok {
		return false
	}
	return proto.Equal(c.Resource.Raw, o.Resource.Raw)
}

// Bytes implements ResourceData.
func (c *ClusterResourceData) Bytes() *anypb.Any { return c.Resource.Raw }

// ToJSON renders the cluster update as JSON for diagnostics.
func (c *ClusterResourceData) ToJSON() string { return pretty.ToJSON(c.Resource) }

type clusterType struct{}

func (clusterType) TypeURL() string                 { return version.V3ClusterURL }
func (clusterType) TypeName() string                { return "ClusterResource" }
func (clusterType) AllResourcesRequiredInSotW() bool { return true }

func (clusterType) Decode(_ *DecodeOptions, r *anypb.Any) (*DecodeResult, error) {
	cluster := &v3clusterpb.Cluster{}
	if err := proto.Unmarshal(r.GetValue(), cluster); err != nil {
		return nil, fmt.Errorf("xdsresource: failed to unmarshal Cluster: %v", err)
	}
	name := cluster.GetName()
	if name == "" {
		return nil, fmt.Errorf("xdsresource: Cluster resource has empty name")
	}

	update := ClusterUpdate{ClusterName: name, Raw: r}
	if eds := cluster.GetEdsClusterConfig(); eds != nil {
		update.EDSServiceName = eds.GetServiceName()
	}

	return &DecodeResult{Name: name, Resource: &ClusterResourceData{Resource: update}}, nil
}

// ClusterWatcher is implemented by callers watching Cluster resources.
type ClusterWatcher interface {
	ResourceChanged(update *ClusterResourceData, onDone func())
	ResourceError(err error, onDone func())
	AmbientError(err error, onDone func())
}

type delegatingClusterWatcher struct {
	watcher ClusterWatcher
}

func (d *delegatingClusterWatcher) ResourceChanged(data ResourceData, onDone func()) {
	d.watcher.ResourceChanged(data.(*ClusterResourceData), onDone)
}
func (d *delegatingClusterWatcher) ResourceError(err error, onDone func()) {
	d.watcher.ResourceError(err, onDone)
}
func (d *delegatingClusterWatcher) AmbientError(err error, onDone func()) {
	d.watcher.AmbientError(err, onDone)
}

// WatchCluster uses xDS to discover the configuration associated with the
// provided cluster resource name.
func WatchCluster(p Producer, name string, w ClusterWatcher) (cancel func()) {
	return p.WatchResource(clusterType{}, name, &delegatingClusterWatcher{watcher: w})
}
