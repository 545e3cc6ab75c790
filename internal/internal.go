/*
 *
 * Copyright 2019 gRPC authors.
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

// Package internal contains functions that are shared between core gRPC and
// its subpackages, but are not meant to be exported outside of gRPC.
package internal

// TriggerXDSResourceNotFoundForTesting causes the provided xDS Client to
// invoke the resource-does-not-exist codepath for the given resource type
// and name, as if the associated resource timer had expired. It is
// overwritten to a real implementation by the xdsclient package's init, and
// exists here only so packages with no visibility into xdsclient internals
// (e.g. resolver/balancer tests) can reach it.
var TriggerXDSResourceNotFoundForTesting any // func(xdsclient.XDSClient, xdsresource.Type, string) error
