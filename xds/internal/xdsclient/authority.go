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
	"sort"
	"sync"

	v3adminpb "github.com/envoyproxy/go-control-plane/envoy/admin/v3"
	v3statuspb "github.com/envoyproxy/go-control-plane/envoy/service/status/v3"

	estats "github.com/ajith-anz/grpc-go/experimental/stats"
	"github.com/ajith-anz/grpc-go/internal/grpclog"
	"github.com/ajith-anz/grpc-go/internal/grpcsync"
	"github.com/ajith-anz/grpc-go/internal/xds/bootstrap"
	"github.com/ajith-anz/grpc-go/xds/internal/xdsclient/transport/ads"
	"github.com/ajith-anz/grpc-go/xds/internal/xdsclient/xdsresource"
)

// cacheEntry is a CacheEntry from spec.md §3/§4.4: the last-accepted value
// (if any) for one (authority, type, key), its metadata, and the set of
// watchers currently registered for it.
type cacheEntry struct {
	resource xdsresource.ResourceData
	md       xdsresource.Metadata
	watchers map[xdsresource.Watcher]bool
}

// typeCache holds every cacheEntry for one resource type within an
// authority, alongside the Type singleton itself so that fallback and
// timer-driven code paths can re-subscribe without a second registry
// lookup.
type typeCache struct {
	rType   xdsresource.Type
	entries map[string]*cacheEntry
}

// channelRef is one entry in an authority's ordered channel list (spec.md
// §3's AuthorityState.channels): primary first, fallback successors
// appended as maybe_fallback walks the server list.
type channelRef struct {
	serverConfig *bootstrap.ServerConfig
	channel      *xdsChannel
	release      func()
	err          error // latched channel status; nil means healthy.
}

// authorityBuildOptions configures a new authority.
type authorityBuildOptions struct {
	serverConfigs    []*bootstrap.ServerConfig
	name             string
	serializer       *grpcsync.CallbackSerializer
	getChannelForADS func(*bootstrap.ServerConfig, *authority) (*xdsChannel, func(), error)
	logPrefix        string
	target           string
	metricsRecorder  estats.MetricsRecorder
}

// authority implements spec.md §3's AuthorityState and §4.4's ResourceCache
// operations: per-(type, name) cache entries, the ordered channel list used
// for fallback, and the glue between ads.EventHandler callbacks (routed
// through channelState) and watcher notifications.
type authority struct {
	serverConfigs    []*bootstrap.ServerConfig
	name             string
	serializer       *grpcsync.CallbackSerializer
	getChannelForADS func(*bootstrap.ServerConfig, *authority) (*xdsChannel, func(), error)
	logger           *grpclog.PrefixLogger
	target           string
	metricsRecorder  estats.MetricsRecorder

	mu       sync.Mutex
	channels []*channelRef
	// resources is keyed by resource type URL; each typeCache is keyed by
	// the resource's canonical wire-formatted name.
	resources map[string]*typeCache
	closed    bool
}

func newAuthority(opts authorityBuildOptions) *authority {
	return &authority{
		serverConfigs:    opts.serverConfigs,
		name:             opts.name,
		serializer:       opts.serializer,
		getChannelForADS: opts.getChannelForADS,
		logger:           grpclog.NewPrefixLogger(grpclog.Component("xds"), opts.logPrefix+fmt.Sprintf("[authority %q] ", opts.name)),
		target:           opts.target,
		metricsRecorder:  opts.metricsRecorder,
		resources:        make(map[string]*typeCache),
	}
}

// close tears down every channel this authority is still holding a
// reference to. Called only from clientImpl.close.
func (a *authority) close() {
	a.mu.Lock()
	a.closed = true
	refs := a.channels
	a.channels = nil
	a.mu.Unlock()
	for _, cr := range refs {
		cr.release()
	}
}

// watchResource implements xdsresource.Producer: add_watcher from spec.md
// §4.4, folded together with the channel-list bring-up logic of §4.7's
// WatchResource step 4.
func (a *authority) watchResource(rType xdsresource.Type, resourceName string, watcher xdsresource.Watcher) func() {
	a.mu.Lock()

	tc, ok := a.resources[rType.TypeURL()]
	if !ok {
		tc = &typeCache{rType: rType, entries: make(map[string]*cacheEntry)}
		a.resources[rType.TypeURL()] = tc
	}
	entry, ok := tc.entries[resourceName]
	firstWatcherForResource := !ok
	if !ok {
		entry = &cacheEntry{
			md:       xdsresource.Metadata{ClientStatus: xdsresource.ResourceStatusRequested},
			watchers: make(map[xdsresource.Watcher]bool),
		}
		tc.entries[resourceName] = entry
	}
	entry.watchers[watcher] = true

	if err := a.ensureChannelsLocked(); err != nil {
		a.mu.Unlock()
		a.scheduleNotify(func() { watcher.AmbientError(err, func() {}) })
		return a.cancelFunc(rType, resourceName, watcher)
	}

	if firstWatcherForResource {
		for _, cr := range a.channels {
			cr.channel.subscribe(rType, resourceName)
		}
	} else {
		a.replayCachedLocked(entry, watcher)
	}

	// Step 5: replay any latched error of the channel currently responsible
	// for this authority (the last one in the list) to this watcher too.
	if n := len(a.channels); n > 0 {
		if err := a.channels[n-1].err; err != nil {
			a.scheduleNotify(func() { watcher.AmbientError(err, func() {}) })
		}
	}

	a.mu.Unlock()
	return a.cancelFunc(rType, resourceName, watcher)
}

func (a *authority) replayCachedLocked(entry *cacheEntry, watcher xdsresource.Watcher) {
	switch entry.md.ClientStatus {
	case xdsresource.ResourceStatusAcked:
		res := entry.resource
		a.scheduleNotify(func() { watcher.ResourceChanged(res, func() {}) })
	case xdsresource.ResourceStatusNacked:
		detail := entry.md.FailedDetails
		a.scheduleNotify(func() { watcher.ResourceError(fmt.Errorf("invalid resource: %s", detail), func() {}) })
	case xdsresource.ResourceStatusDoesNotExist:
		a.scheduleNotify(func() { watcher.ResourceError(fmt.Errorf("xds: resource does not exist"), func() {}) })
	}
}

func (a *authority) cancelFunc(rType xdsresource.Type, resourceName string, watcher xdsresource.Watcher) func() {
	var once sync.Once
	return func() {
		once.Do(func() { a.cancelWatch(rType, resourceName, watcher) })
	}
}

// cancelWatch implements spec.md §4.4's remove_watcher and §4.7's
// CancelResourceWatch.
func (a *authority) cancelWatch(rType xdsresource.Type, resourceName string, watcher xdsresource.Watcher) {
	a.mu.Lock()
	tc, ok := a.resources[rType.TypeURL()]
	if !ok {
		a.mu.Unlock()
		return
	}
	entry, ok := tc.entries[resourceName]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(entry.watchers, watcher)
	if len(entry.watchers) > 0 {
		a.mu.Unlock()
		return
	}

	delete(tc.entries, resourceName)
	if len(tc.entries) == 0 {
		delete(a.resources, rType.TypeURL())
	}
	for _, cr := range a.channels {
		cr.channel.unsubscribe(rType, resourceName)
	}

	var toRelease []*channelRef
	if len(a.resources) == 0 {
		toRelease = a.channels
		a.channels = nil
	}
	a.mu.Unlock()
	for _, cr := range toRelease {
		cr.release()
	}
}

// ensureChannelsLocked creates the authority's primary channel on first use.
func (a *authority) ensureChannelsLocked() error {
	if len(a.channels) > 0 {
		return nil
	}
	if len(a.serverConfigs) == 0 {
		return fmt.Errorf("xds: no servers configured for authority %q", a.name)
	}
	return a.appendChannelLocked(a.serverConfigs[0])
}

func (a *authority) appendChannelLocked(sc *bootstrap.ServerConfig) error {
	channel, release, err := a.getChannelForADS(sc, a)
	if err != nil {
		return err
	}
	a.channels = append(a.channels, &channelRef{serverConfig: sc, channel: channel, release: release})
	return nil
}

// triggerResourceNotFoundForTesting forces name's does-not-exist callback on
// the channel currently responsible for this authority.
func (a *authority) triggerResourceNotFoundForTesting(rType xdsresource.Type, name string) error {
	a.mu.Lock()
	n := len(a.channels)
	if n == 0 {
		a.mu.Unlock()
		return fmt.Errorf("xds: authority %q has no active channel", a.name)
	}
	ch := a.channels[n-1].channel
	a.mu.Unlock()
	ch.triggerResourceNotFoundForTesting(rType, name)
	return nil
}

// resourceWatchStateForTesting returns name's timer bookkeeping on the
// channel currently responsible for this authority.
func (a *authority) resourceWatchStateForTesting(rType xdsresource.Type, name string) (ads.ResourceWatchState, error) {
	a.mu.Lock()
	n := len(a.channels)
	if n == 0 {
		a.mu.Unlock()
		return ads.ResourceWatchState{}, fmt.Errorf("xds: authority %q has no active channel", a.name)
	}
	ch := a.channels[n-1].channel
	a.mu.Unlock()
	st, ok := ch.resourceWatchStateForTesting(rType, name)
	if !ok {
		return ads.ResourceWatchState{}, fmt.Errorf("xds: no watch state for resource %q", name)
	}
	return st, nil
}

func (a *authority) indexOfChannelLocked(sc *bootstrap.ServerConfig) int {
	for i, cr := range a.channels {
		if cr.serverConfig == sc || cr.serverConfig.String() == sc.String() {
			return i
		}
	}
	return -1
}

// adsStreamFailure is the authority's half of channelState.adsStreamFailure:
// latch the error, notify every watcher if this was the currently
// responsible (last) channel, and attempt fallback.
func (a *authority) adsStreamFailure(serverConfig *bootstrap.ServerConfig, err error) {
	a.mu.Lock()
	idx := a.indexOfChannelLocked(serverConfig)
	if idx < 0 {
		a.mu.Unlock()
		return
	}
	a.channels[idx].err = err
	isCurrent := idx == len(a.channels)-1

	var watchers []xdsresource.Watcher
	if isCurrent {
		for _, tc := range a.resources {
			for _, entry := range tc.entries {
				for w := range entry.watchers {
					watchers = append(watchers, w)
				}
			}
		}
	}
	a.mu.Unlock()

	if !isCurrent {
		return
	}
	a.scheduleNotify(func() {
		for _, w := range watchers {
			w.AmbientError(err, func() {})
		}
	})
	a.maybeFallback(serverConfig)
}

// maybeFallback implements spec.md §4.6's maybe_fallback: attach the next
// server in line if the currently responsible channel failed and this
// authority still has resources with no determined outcome.
func (a *authority) maybeFallback(failedServerConfig *bootstrap.ServerConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.indexOfChannelLocked(failedServerConfig)
	if idx < 0 || idx != len(a.channels)-1 {
		return
	}
	if a.allResourcesDeterminedLocked() {
		return
	}

	for i := idx + 1; i < len(a.serverConfigs); i++ {
		sc := a.serverConfigs[i]
		if err := a.appendChannelLocked(sc); err != nil {
			if a.logger.V(2) {
				a.logger.Infof("Fallback to server %q failed: %v", sc, err)
			}
			continue
		}
		newRef := a.channels[len(a.channels)-1]
		for _, tc := range a.resources {
			for name := range tc.entries {
				newRef.channel.subscribe(tc.rType, name)
			}
		}
		return
	}
}

func (a *authority) allResourcesDeterminedLocked() bool {
	for _, tc := range a.resources {
		for _, entry := range tc.entries {
			if entry.md.ClientStatus == xdsresource.ResourceStatusUnknown || entry.md.ClientStatus == xdsresource.ResourceStatusRequested {
				return false
			}
		}
	}
	return true
}

// setHealthyLocked implements spec.md §4.6's set_healthy: once a channel
// has produced a response, any lower-priority fallback successors attached
// behind it are no longer needed ("fall forward").
func (a *authority) setHealthyLocked(serverConfig *bootstrap.ServerConfig) {
	idx := a.indexOfChannelLocked(serverConfig)
	if idx < 0 {
		return
	}
	a.channels[idx].err = nil
	if idx == len(a.channels)-1 {
		return
	}
	var toRelease []*channelRef
	toRelease, a.channels = a.channels[idx+1:], a.channels[:idx+1]
	go func() {
		for _, cr := range toRelease {
			cr.release()
		}
	}()
}

// adsResourceUpdate implements ads.EventHandler's update path, fanned out
// per-authority by channelState.adsResourceUpdate.
func (a *authority) adsResourceUpdate(serverConfig *bootstrap.ServerConfig, typ xdsresource.Type, updates map[string]ads.DataAndErrTuple, md xdsresource.UpdateMetadata, done func()) {
	a.mu.Lock()
	a.setHealthyLocked(serverConfig)

	tc, ok := a.resources[typ.TypeURL()]
	if !ok {
		a.mu.Unlock()
		done()
		return
	}

	var notifications []func()
	for name, tuple := range updates {
		entry, ok := tc.entries[name]
		if !ok {
			// Unsolicited resource: not an error, just nothing to update.
			continue
		}
		if tuple.Err != nil {
			entry.md = xdsresource.Metadata{
				ClientStatus: xdsresource.ResourceStatusNacked,
				// A NACK never evicts a previously Acked value.
				Version:          entry.md.Version,
				UpdateTime:       entry.md.UpdateTime,
				FailedVersion:    md.Version,
				FailedDetails:    tuple.Err.Error(),
				FailedUpdateTime: md.ReceivedAt,
			}
			watchers := snapshotWatchers(entry)
			detail := tuple.Err.Error()
			notifications = append(notifications, func() {
				for _, w := range watchers {
					w.ResourceError(fmt.Errorf("invalid resource: %s", detail), func() {})
				}
			})
			continue
		}

		if entry.resource != nil && entry.resource.Equal(tuple.Resource) {
			// Idempotence (spec.md §8): identical reposts are suppressed,
			// but the entry is still considered seen/Acked for bookkeeping.
			entry.md.ClientStatus = xdsresource.ResourceStatusAcked
			entry.md.Version = md.Version
			entry.md.UpdateTime = md.ReceivedAt
			continue
		}

		entry.resource = tuple.Resource
		entry.md = xdsresource.Metadata{ClientStatus: xdsresource.ResourceStatusAcked, Version: md.Version, UpdateTime: md.ReceivedAt}
		res := tuple.Resource
		watchers := snapshotWatchers(entry)
		notifications = append(notifications, func() {
			for _, w := range watchers {
				w.ResourceChanged(res, func() {})
			}
		})
	}
	a.mu.Unlock()

	for _, n := range notifications {
		a.scheduleNotify(n)
	}
	done()
}

// adsResourceDoesNotExist implements ads.EventHandler's delete/timeout path
// (spec.md §4.5's resource timer fire and §4.5 step 5's SOTW deletion).
func (a *authority) adsResourceDoesNotExist(typ xdsresource.Type, resourceName string) {
	a.mu.Lock()
	tc, ok := a.resources[typ.TypeURL()]
	if !ok {
		a.mu.Unlock()
		return
	}
	entry, ok := tc.entries[resourceName]
	if !ok {
		a.mu.Unlock()
		return
	}
	if entry.resource == nil && entry.md.ClientStatus == xdsresource.ResourceStatusDoesNotExist {
		// Already marked does-not-exist; avoid a duplicate notification.
		a.mu.Unlock()
		return
	}
	entry.resource = nil
	entry.md = xdsresource.Metadata{ClientStatus: xdsresource.ResourceStatusDoesNotExist}
	watchers := snapshotWatchers(entry)
	a.mu.Unlock()

	a.scheduleNotify(func() {
		for _, w := range watchers {
			w.ResourceError(fmt.Errorf("xds: resource %q does not exist", resourceName), func() {})
		}
	})
}

func (a *authority) scheduleNotify(f func()) {
	a.serializer.TrySchedule(func(context.Context) { f() })
}

func snapshotWatchers(entry *cacheEntry) []xdsresource.Watcher {
	out := make([]xdsresource.Watcher, 0, len(entry.watchers))
	for w := range entry.watchers {
		out = append(out, w)
	}
	return out
}

// dumpResources returns one GenericXdsConfig per cache entry, across every
// resource type this authority currently has watchers for.
func (a *authority) dumpResources() []*v3statuspb.ClientConfig_GenericXdsConfig {
	a.mu.Lock()
	defer a.mu.Unlock()

	var typeURLs []string
	for url := range a.resources {
		typeURLs = append(typeURLs, url)
	}
	sort.Strings(typeURLs)

	var out []*v3statuspb.ClientConfig_GenericXdsConfig
	for _, url := range typeURLs {
		tc := a.resources[url]
		var names []string
		for name := range tc.entries {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			entry := tc.entries[name]
			cfg := &v3statuspb.ClientConfig_GenericXdsConfig{
				TypeUrl:      url,
				Name:         name,
				ClientStatus: clientStatusToProto(entry.md.ClientStatus),
			}
			if entry.resource != nil {
				cfg.XdsConfig = entry.resource.Bytes()
			}
			out = append(out, cfg)
		}
	}
	return out
}

func clientStatusToProto(s xdsresource.ClientStatus) v3adminpb.ClientResourceStatus {
	switch s {
	case xdsresource.ResourceStatusRequested:
		return v3adminpb.ClientResourceStatus_REQUESTED
	case xdsresource.ResourceStatusAcked:
		return v3adminpb.ClientResourceStatus_ACKED
	case xdsresource.ResourceStatusNacked:
		return v3adminpb.ClientResourceStatus_NACKED
	case xdsresource.ResourceStatusDoesNotExist:
		return v3adminpb.ClientResourceStatus_DOES_NOT_EXIST
	default:
		return v3adminpb.ClientResourceStatus_UNKNOWN
	}
}
