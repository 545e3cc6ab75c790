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

// Package internal contains code internal to the xdsclient package that
// needs to be exposed to xdsclient's own tests, which live in a separate
// package to get an external view of the API surface.
package internal

// ResourceWatchStateForTesting is overwritten by the xdsclient package's
// init to expose the ResourceTimer bookkeeping for a single watched
// resource, for tests that assert on ads.ResourceWatchState directly.
var ResourceWatchStateForTesting any // func(xdsclient.XDSClient, xdsresource.Type, string) (ads.ResourceWatchState, error)
