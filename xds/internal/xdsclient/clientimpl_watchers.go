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
	"context"
	"fmt"

	"github.com/ajith-anz/grpc-go/xds/internal/xdsclient/transport/ads"
	"github.com/ajith-anz/grpc-go/xds/internal/xdsclient/xdsresource"
)

// WatchResource uses xDS to discover the resource associated with
// resourceName. The resource type implementation determines how xDS
// responses are deserialized and validated, as received from the
// xDS management server. Upon receiving a response from the management
// server, an appropriate callback on the watcher is invoked.
func (c *clientImpl) WatchResource(rType xdsresource.Type, resourceName string, watcher xdsresource.Watcher) (cancel func()) {
	if c.done.HasFired() {
		c.serializer.TrySchedule(func(context.Context) { watcher.AmbientError(ErrClientClosed, func() {}) })
		return func() {}
	}

	n, err := xdsresource.ParseName(resourceName, rType.TypeURL())
	if err != nil {
		c.logger.Warningf("Failed to parse resource name %q for type %q: %v", resourceName, rType.TypeName(), err)
		c.serializer.TrySchedule(func(context.Context) { watcher.AmbientError(err, func() {}) })
		return func() {}
	}
	c.resourceTypes.maybeRegister(rType)

	a := c.topLevelAuthority
	if !n.IsOldStyleName() {
		aa, ok := c.authorities[n.Authority]
		if !ok {
			err := fmt.Errorf("xds: authority %q is not found in the bootstrap file", n.Authority)
			c.serializer.TrySchedule(func(context.Context) { watcher.AmbientError(err, func() {}) })
			return func() {}
		}
		a = aa
	}
	return a.watchResource(rType, n.Format(rType.TypeURL()), watcher)
}

// ResetBackoff clears the exponential backoff timer for every live ADS
// stream, causing any channel currently waiting to retry to do so
// immediately.
func (c *clientImpl) ResetBackoff() {
	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()
	for _, cs := range c.xdsActiveChannels {
		cs.channel.resetBackoff()
	}
}

// triggerResourceNotFoundForTesting forces the resource-does-not-exist
// codepath for typ/name, as if its request-timeout timer had just elapsed.
func (c *clientImpl) triggerResourceNotFoundForTesting(typ xdsresource.Type, name string) error {
	n, err := xdsresource.ParseName(name, typ.TypeURL())
	if err != nil {
		return err
	}
	a := c.topLevelAuthority
	if !n.IsOldStyleName() {
		aa, ok := c.authorities[n.Authority]
		if !ok {
			return fmt.Errorf("xds: authority %q is not found in the bootstrap file", n.Authority)
		}
		a = aa
	}
	return a.triggerResourceNotFoundForTesting(typ, n.Format(typ.TypeURL()))
}

// resourceWatchStateForTesting returns a snapshot of typ/name's ResourceTimer
// bookkeeping on the channel currently serving it.
func (c *clientImpl) resourceWatchStateForTesting(typ xdsresource.Type, name string) (ads.ResourceWatchState, error) {
	n, err := xdsresource.ParseName(name, typ.TypeURL())
	if err != nil {
		return ads.ResourceWatchState{}, err
	}
	a := c.topLevelAuthority
	if !n.IsOldStyleName() {
		aa, ok := c.authorities[n.Authority]
		if !ok {
			return ads.ResourceWatchState{}, fmt.Errorf("xds: authority %q is not found in the bootstrap file", n.Authority)
		}
		a = aa
	}
	return a.resourceWatchStateForTesting(typ, n.Format(typ.TypeURL()))
}
