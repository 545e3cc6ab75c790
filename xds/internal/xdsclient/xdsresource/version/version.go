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

// Package version defines the type URL constants for the v3 xDS resources
// this client understands.
package version

const (
	googleapisPrefix = "type.googleapis.com/"

	// V3ListenerURL is the v3 type URL for Listener resources.
	V3ListenerURL = googleapisPrefix + "envoy.config.listener.v3.Listener"
	// V3RouteConfigURL is the v3 type URL for RouteConfiguration resources.
	V3RouteConfigURL = googleapisPrefix + "envoy.config.route.v3.RouteConfiguration"
	// V3ClusterURL is the v3 type URL for Cluster resources.
	V3ClusterURL = googleapisPrefix + "envoy.config.cluster.v3.Cluster"
	// V3EndpointsURL is the v3 type URL for ClusterLoadAssignment resources.
	V3EndpointsURL = googleapisPrefix + "envoy.config.endpoint.v3.ClusterLoadAssignment"

	// V3ResourceWrapperURL is the type URL of the envoy.service.discovery.v3.Resource
	// wrapper message, used to carry a per-resource name and TTL alongside
	// the inner Any.
	V3ResourceWrapperURL = googleapisPrefix + "envoy.service.discovery.v3.Resource"
)
