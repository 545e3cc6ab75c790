/*
 *
 * Copyright 2024 gRPC authors.
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

	v3statuspb "github.com/envoyproxy/go-control-plane/envoy/service/status/v3"

	estats "github.com/ajith-anz/grpc-go/experimental/stats"
	"github.com/ajith-anz/grpc-go/internal/xds/bootstrap"
)

// DefaultPool is the default pool for xDS clients, populated at init time
// from bootstrap configuration read from the environment.
var DefaultPool *Pool

// Pool represents a pool of xDS clients that share the same bootstrap
// configuration, keyed by a caller-chosen name (typically the gRPC target
// the client was created for).
type Pool struct {
	// mu guards clients and config. config needs the same lock since
	// SetFallbackBootstrapConfig writes to it.
	mu      sync.Mutex
	clients map[string]*clientRefCounted
	config  *bootstrap.Config
}

// NewPool creates a new xDS client pool with the given bootstrap config.
//
// If a nil bootstrap config is passed and SetFallbackBootstrapConfig is not
// called before a call to NewClient, client creation fails.
func NewPool(config *bootstrap.Config) *Pool {
	return &Pool{
		clients: make(map[string]*clientRefCounted),
		config:  config,
	}
}

// OptionsForTesting contains options to configure xDS client creation for
// testing purposes only.
type OptionsForTesting struct {
	// Name is a unique name for this xDS client.
	Name string
	// WatchExpiryTimeout is the timeout for xDS resource watch expiry. If
	// unspecified, uses the default value used in non-test code.
	WatchExpiryTimeout time.Duration
	// StreamBackoffAfterFailure is the backoff function used to determine
	// the backoff duration after stream failures. If unspecified, uses the
	// default value used in non-test code.
	StreamBackoffAfterFailure func(int) time.Duration
	// MetricsRecorder is the metrics recorder the created client records
	// onto. If unspecified, metrics are dropped.
	MetricsRecorder estats.MetricsRecorder
}

// NewClient returns an xDS client with the given name from the pool,
// creating and adding one to the pool if it doesn't already exist.
//
// The second return value is a close function the caller must invoke once
// done with the client; it is safe to call multiple times.
func (p *Pool) NewClient(name string, mr estats.MetricsRecorder) (XDSClient, func(), error) {
	return p.newRefCounted(name, defaultWatchExpiryTimeout, defaultExponentialBackoff, mr)
}

// NewClientForTesting returns an xDS client configured with the provided
// options from the pool, creating and adding one to the pool if it doesn't
// already exist.
//
// # Testing Only
//
// This function should ONLY be used for testing purposes.
func (p *Pool) NewClientForTesting(opts OptionsForTesting) (XDSClient, func(), error) {
	if opts.Name == "" {
		return nil, nil, fmt.Errorf("xds: opts.Name field must be non-empty")
	}
	if opts.WatchExpiryTimeout == 0 {
		opts.WatchExpiryTimeout = defaultWatchExpiryTimeout
	}
	if opts.StreamBackoffAfterFailure == nil {
		opts.StreamBackoffAfterFailure = defaultExponentialBackoff
	}
	return p.newRefCounted(opts.Name, opts.WatchExpiryTimeout, opts.StreamBackoffAfterFailure, opts.MetricsRecorder)
}

// GetClientForTesting returns an xDS client created earlier using the given
// name from the pool. It returns an error if no client with that name
// exists.
//
// # Testing Only
//
// This function should ONLY be used for testing purposes.
func (p *Pool) GetClientForTesting(name string) (XDSClient, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.clients[name]
	if !ok {
		return nil, nil, fmt.Errorf("xds: xDS client with name %q not found", name)
	}
	c.incrRef()
	return c, sync.OnceFunc(func() { p.clientRefCountedClose(name) }), nil
}

// SetFallbackBootstrapConfig specifies a bootstrap configuration to use as a
// fallback when the bootstrap environment variables are not defined.
func (p *Pool) SetFallbackBootstrapConfig(config *bootstrap.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.config != nil {
		logger.Errorf("Ignoring fallback bootstrap configuration: the pool already has one")
		return
	}
	p.config = config
}

// DumpResources returns the status and contents of all xDS resources, across
// every client currently held by the pool.
func (p *Pool) DumpResources() *v3statuspb.ClientStatusResponse {
	p.mu.Lock()
	defer p.mu.Unlock()

	resp := &v3statuspb.ClientStatusResponse{}
	for key, client := range p.clients {
		cfg := client.dumpResources()
		cfg.ClientScope = key
		resp.Config = append(resp.Config, cfg)
	}
	return resp
}

func (p *Pool) clientRefCountedClose(name string) {
	p.mu.Lock()
	client, ok := p.clients[name]
	if !ok {
		logger.Errorf("Attempt to close a non-existent xDS client with name %s", name)
		p.mu.Unlock()
		return
	}
	if client.decrRef() != 0 {
		p.mu.Unlock()
		return
	}
	delete(p.clients, name)
	p.mu.Unlock()

	// Closing the transport to the management server could theoretically
	// call back into this package and deadlock, so this must run without
	// the lock held.
	client.clientImpl.close()
	xdsClientImplCloseHook(name)
}

// newRefCounted creates a new reference-counted xDS client implementation
// for name, if one does not exist already. If one exists, it acquires and
// returns a reference to it.
func (p *Pool) newRefCounted(name string, watchExpiryTimeout time.Duration, streamBackoff func(int) time.Duration, mr estats.MetricsRecorder) (XDSClient, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config == nil {
		return nil, nil, fmt.Errorf("xds: bootstrap configuration not set in the pool")
	}

	if c := p.clients[name]; c != nil {
		c.incrRef()
		return c, sync.OnceFunc(func() { p.clientRefCountedClose(name) }), nil
	}

	c, err := newClientImpl(p.config, watchExpiryTimeout, streamBackoff, mr, name)
	if err != nil {
		return nil, nil, err
	}
	if logger.V(2) {
		c.logger.Infof("Created client with name %q and bootstrap configuration:\n %s", name, p.config)
	}
	client := &clientRefCounted{clientImpl: c, refCount: 1}
	p.clients[name] = client
	xdsClientImplCreateHook(name)

	logger.Infof("xDS node ID: %s", p.config.Node().GetId())
	return client, sync.OnceFunc(func() { p.clientRefCountedClose(name) }), nil
}
