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
	"fmt"
	"sync"
	"time"

	"github.com/ajith-anz/grpc-go/internal/grpclog"
	"github.com/ajith-anz/grpc-go/internal/xds/bootstrap"
	"github.com/ajith-anz/grpc-go/xds/internal/xdsclient/load"
	"github.com/ajith-anz/grpc-go/xds/internal/xdsclient/transport"
	"github.com/ajith-anz/grpc-go/xds/internal/xdsclient/transport/ads"
	"github.com/ajith-anz/grpc-go/xds/internal/xdsclient/transport/lrs"
	"github.com/ajith-anz/grpc-go/xds/internal/xdsclient/xdsresource"
)

// adsEventHandler is the subset of channelState's callbacks an xdsChannel
// drives. Both adsEventHandler and channelState live in this package, so
// the interface is free to name its methods after channelState's unexported
// ones directly.
type adsEventHandler interface {
	adsStreamFailure(err error)
	adsResourceUpdate(typ xdsresource.Type, updates map[string]ads.DataAndErrTuple, md xdsresource.UpdateMetadata, onDone func())
	adsResourceDoesNotExist(typ xdsresource.Type, resourceName string)
}

// xdsChannelOpts configures a new xdsChannel.
type xdsChannelOpts struct {
	transport          transport.Transport
	serverConfig       *bootstrap.ServerConfig
	bootstrapConfig    *bootstrap.Config
	resourceTypeGetter ads.TypeRegistry
	eventHandler       adsEventHandler
	backoff            func(int) time.Duration
	watchExpiryTimeout time.Duration
	logPrefix          string
}

// retryableCall is spec.md §3's `RetryableCall<AdsCall>`: the currently live
// stream (nil while in backoff) plus the state needed to schedule the next
// attempt.
type retryableCall struct {
	stream  *ads.Stream
	retries int
	timer   *time.Timer
}

// xdsChannel is spec.md §3/§4.6's XdsChannel: one connection to one xDS
// management server, multiplexing the single live ADS call for every
// authority that references it.
type xdsChannel struct {
	transport          transport.Transport
	serverConfig       *bootstrap.ServerConfig
	bootstrapConfig    *bootstrap.Config
	typeForURL         ads.TypeRegistry
	handler            adsEventHandler
	backoff            func(int) time.Duration
	watchExpiryTimeout time.Duration
	logger             *grpclog.PrefixLogger

	mu sync.Mutex
	// subscriptions is the union, across every authority using this
	// channel, of every (type, name) with at least one watcher. It is the
	// source of truth replayed into a freshly (re)created ads.Stream.
	subscriptions    map[string]map[string]bool
	acceptedVersions map[string]string
	retry            *retryableCall
	closed           bool

	lrsMu       sync.Mutex
	lrsStream   *lrs.Stream
	lrsStore    *load.Store
	lrsCallRefs int
}

func newXDSChannel(opts xdsChannelOpts) (*xdsChannel, error) {
	ch := &xdsChannel{
		transport:          opts.transport,
		serverConfig:       opts.serverConfig,
		bootstrapConfig:    opts.bootstrapConfig,
		typeForURL:         opts.resourceTypeGetter,
		handler:            opts.eventHandler,
		backoff:            opts.backoff,
		watchExpiryTimeout: opts.watchExpiryTimeout,
		logger:             grpclog.NewPrefixLogger(grpclog.Component("xds"), opts.logPrefix+fmt.Sprintf("[xds-channel %s] ", opts.serverConfig.ServerURI())),
		subscriptions:      make(map[string]map[string]bool),
		acceptedVersions:   make(map[string]string),
	}
	ch.transport.StartConnectivityFailureWatch(ch)
	return ch, nil
}

// subscribe implements spec.md §4.6's XdsChannel.subscribe.
func (ch *xdsChannel) subscribe(rType xdsresource.Type, name string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	typeURL := rType.TypeURL()
	m, ok := ch.subscriptions[typeURL]
	if !ok {
		m = make(map[string]bool)
		ch.subscriptions[typeURL] = m
	}
	m[name] = true

	if ch.retry == nil {
		ch.retry = &retryableCall{}
		ch.startStreamLocked()
		return
	}
	if ch.retry.stream != nil {
		ch.retry.stream.Subscribe(rType, name, false)
	}
	// Else: a reconnect is already pending in backoff. The new stream will
	// pick up this name from ch.subscriptions when it is (re)created.
}

// unsubscribe implements spec.md §4.6's XdsChannel.unsubscribe.
func (ch *xdsChannel) unsubscribe(rType xdsresource.Type, name string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	typeURL := rType.TypeURL()
	if m, ok := ch.subscriptions[typeURL]; ok {
		delete(m, name)
		if len(m) == 0 {
			delete(ch.subscriptions, typeURL)
		}
	}
	if ch.retry != nil && ch.retry.stream != nil {
		ch.retry.stream.Unsubscribe(rType, name, false)
	}
	if len(ch.subscriptions) == 0 {
		ch.teardownCallLocked()
	}
}

// resetBackoff implements spec.md §4.6's XdsChannel.reset_backoff.
func (ch *xdsChannel) resetBackoff() {
	ch.transport.ResetBackoff()
	ch.mu.Lock()
	if ch.retry != nil {
		ch.retry.retries = 0
		// A reconnect waiting in backoff is started right away.
		if ch.retry.stream == nil && ch.retry.timer != nil && ch.retry.timer.Stop() {
			ch.startStreamLocked()
		}
	}
	ch.mu.Unlock()
}

// triggerResourceNotFoundForTesting forces rType/name's does-not-exist
// callback on the currently live stream, if any.
func (ch *xdsChannel) triggerResourceNotFoundForTesting(rType xdsresource.Type, name string) {
	ch.mu.Lock()
	var stream *ads.Stream
	if ch.retry != nil {
		stream = ch.retry.stream
	}
	ch.mu.Unlock()
	if stream != nil {
		stream.TriggerResourceNotFoundForTesting(rType, name)
	}
}

// resourceWatchStateForTesting returns a snapshot of rType/name's timer
// bookkeeping on the currently live stream, if any.
func (ch *xdsChannel) resourceWatchStateForTesting(rType xdsresource.Type, name string) (ads.ResourceWatchState, bool) {
	ch.mu.Lock()
	var stream *ads.Stream
	if ch.retry != nil {
		stream = ch.retry.stream
	}
	ch.mu.Unlock()
	if stream == nil {
		return ads.ResourceWatchState{}, false
	}
	return stream.ResourceWatchStateForTesting(rType.TypeURL(), name)
}

// close tears down the ADS call and the underlying transport.
func (ch *xdsChannel) close() {
	ch.mu.Lock()
	ch.closed = true
	ch.teardownCallLocked()
	ch.mu.Unlock()
	ch.transport.StopConnectivityFailureWatch(ch)
	ch.transport.Close()
}

func (ch *xdsChannel) teardownCallLocked() {
	if ch.retry == nil {
		return
	}
	if ch.retry.timer != nil {
		ch.retry.timer.Stop()
	}
	if ch.retry.stream != nil {
		ch.acceptedVersions = ch.retry.stream.AcceptedVersions()
		ch.retry.stream.Close()
	}
	ch.retry = nil
}

// startStreamLocked creates a new ads.Stream and replays every subscription
// this channel currently knows about, per spec.md §4.6: "internally replays
// all known subscriptions from the cache on stream start."
func (ch *xdsChannel) startStreamLocked() {
	opts := ads.Options{
		Transport:          ch.transport,
		TypeForURL:         ch.typeForURL,
		EventHandler:       ch,
		Node:               ch.bootstrapConfig.Node(),
		WatchExpiryTimeout: ch.watchExpiryTimeout,
		Logger:             ch.logger,
		DecodeOptions:      &xdsresource.DecodeOptions{BootstrapConfig: ch.bootstrapConfig},
		AcceptedVersions:   ch.acceptedVersions,
	}
	stream, err := ads.NewStream(opts)
	if err != nil {
		ch.scheduleRetryLocked()
		return
	}
	ch.retry.stream = stream

	for typeURL, names := range ch.subscriptions {
		rType, ok := ch.typeForURL(typeURL)
		if !ok {
			continue
		}
		for name := range names {
			stream.Subscribe(rType, name, true)
		}
		stream.FlushType(rType)
	}
}

func (ch *xdsChannel) scheduleRetryLocked() {
	retries := ch.retry.retries
	ch.retry.retries++
	delay := ch.backoff(retries)
	ch.retry.timer = time.AfterFunc(delay, func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		if ch.closed || ch.retry == nil {
			return
		}
		ch.startStreamLocked()
	})
}

// onStreamHealthy resets the reconnect backoff once a call has produced at
// least one response, per spec.md §4.3.
func (ch *xdsChannel) onStreamHealthy() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.retry != nil {
		ch.retry.retries = 0
	}
}

// onStreamDone schedules a reconnect after the configured backoff, stashing
// the per-type accepted versions so the next stream can seed its ACK state.
func (ch *xdsChannel) onStreamDone() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed || ch.retry == nil {
		return
	}
	if ch.retry.stream != nil {
		ch.acceptedVersions = ch.retry.stream.AcceptedVersions()
		ch.retry.stream = nil
	}
	ch.scheduleRetryLocked()
}

// StreamFailure implements ads.EventHandler.
func (ch *xdsChannel) StreamFailure(err error) {
	ch.onStreamDone()
	ch.handler.adsStreamFailure(err)
}

// ResourcesReceived implements ads.EventHandler.
func (ch *xdsChannel) ResourcesReceived(rType xdsresource.Type, updates map[string]ads.DataAndErrTuple, md xdsresource.UpdateMetadata, onDone func()) {
	ch.onStreamHealthy()
	ch.handler.adsResourceUpdate(rType, updates, md, onDone)
}

// ResourceDoesNotExist implements ads.EventHandler.
func (ch *xdsChannel) ResourceDoesNotExist(rType xdsresource.Type, resourceName string) {
	ch.handler.adsResourceDoesNotExist(rType, resourceName)
}

// reportLoad starts (or joins) this channel's LRS stream and returns the
// load.Store to report into plus a function to stop reporting, per
// clientimpl_loadreport.go's ReportLoad.
func (ch *xdsChannel) reportLoad() (*load.Store, func()) {
	ch.lrsMu.Lock()
	defer ch.lrsMu.Unlock()

	if ch.lrsStream == nil {
		ch.lrsStore = load.NewStore()
		stream, err := lrs.NewStream(lrs.Options{
			Transport: ch.transport,
			Node:      ch.bootstrapConfig.Node(),
			Store:     ch.lrsStore,
			Logger:    ch.logger,
		})
		if err != nil {
			ch.logger.Warningf("xds: failed to start LRS stream to %s: %v", ch.serverConfig.ServerURI(), err)
			return nil, func() {}
		}
		ch.lrsStream = stream
	}
	ch.lrsCallRefs++
	store := ch.lrsStore
	stopped := false
	return store, func() {
		ch.lrsMu.Lock()
		defer ch.lrsMu.Unlock()
		if stopped {
			return
		}
		stopped = true
		ch.lrsCallRefs--
		if ch.lrsCallRefs > 0 || ch.lrsStream == nil {
			return
		}
		ch.lrsStream.Close()
		ch.lrsStream = nil
		ch.lrsStore = nil
	}
}

// OnConnectivityFailure implements transport.ConnectivityFailureWatcher: a
// transport-level failure is reported the same way as a stream failure with
// no response seen (spec.md §4.6's set_channel_status).
func (ch *xdsChannel) OnConnectivityFailure(err error) {
	ch.handler.adsStreamFailure(xdsresource.NewErrorf(xdsresource.ErrTypeConnectivity, "xds: channel to %s: %v", ch.serverConfig.ServerURI(), err))
}
