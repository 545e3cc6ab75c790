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

// Package grpctransport provides a gRPC-based implementation of the
// transport.Transport interface: one HTTP/2 connection to a single xDS
// management server, multiplexing both the ADS and LRS streaming RPCs.
package grpctransport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ajith-anz/grpc-go"
	"github.com/ajith-anz/grpc-go/connectivity"
	"github.com/ajith-anz/grpc-go/internal/grpclog"
	"github.com/ajith-anz/grpc-go/xds/internal/xdsclient/transport"
)

// Builder constructs gRPC-based Transports.
type Builder struct{}

// Build dials the server named in opts.ServerConfig and returns a Transport
// wrapping the resulting connection.
func (b *Builder) Build(opts transport.BuildOptions) (transport.Transport, error) {
	sc := opts.ServerConfig
	cc, err := grpc.NewClient(sc.ServerURI(), grpc.WithDefaultCallOptions(), dialOptsForTesting...)
	if err != nil {
		return nil, fmt.Errorf("grpctransport: failed to create ClientConn to %q: %v", sc.ServerURI(), err)
	}
	t := &grpcTransport{
		cc:        cc,
		serverURI: sc.ServerURI(),
		logger:    grpclog.NewPrefixLogger(grpclog.Component("xds"), "[xds-transport "+sc.ServerURI()+"] "),
	}
	return t, nil
}

// dialOptsForTesting lets tests stub out real dials with a bufconn/passthrough
// resolver without touching production call sites.
var dialOptsForTesting []grpc.DialOption

type grpcTransport struct {
	cc        *grpc.ClientConn
	serverURI string
	logger    *grpclog.PrefixLogger

	mu       sync.Mutex
	watchers map[transport.ConnectivityFailureWatcher]bool
	cancelWatch context.CancelFunc
}

// CreateStreamingCall opens a new client stream for method, invoking
// handler's callbacks for every lifecycle event. The returned StreamingCall
// does all of its I/O on a dedicated goroutine so that SendMessage never
// blocks the caller beyond enqueueing.
func (t *grpcTransport) CreateStreamingCall(method string, handler transport.StreamEventHandler) (transport.StreamingCall, error) {
	ctx, cancel := context.WithCancel(context.Background())
	desc := &grpc.StreamDesc{StreamName: method, ClientStreams: true, ServerStreams: true}
	stream, err := t.cc.NewStream(ctx, desc, method, grpc.ForceCodec(rawCodec{}))
	if err != nil {
		cancel()
		return nil, err
	}

	sc := &streamingCall{
		stream:  stream,
		handler: handler,
		cancel:  cancel,
		sendCh:  make(chan []byte, 1),
		recvCh:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go sc.sendLoop()
	go sc.recvLoop()
	return sc, nil
}

// StartConnectivityFailureWatch registers w for connectivity transitions
// into TransientFailure, polled via the ClientConn's state-change API.
func (t *grpcTransport) StartConnectivityFailureWatch(w transport.ConnectivityFailureWatcher) {
	t.mu.Lock()
	if t.watchers == nil {
		t.watchers = make(map[transport.ConnectivityFailureWatcher]bool)
	}
	first := len(t.watchers) == 0
	t.watchers[w] = true
	t.mu.Unlock()

	if !first {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancelWatch = cancel
	t.mu.Unlock()
	go t.watchConnectivity(ctx)
}

// StopConnectivityFailureWatch unregisters w.
func (t *grpcTransport) StopConnectivityFailureWatch(w transport.ConnectivityFailureWatcher) {
	t.mu.Lock()
	delete(t.watchers, w)
	empty := len(t.watchers) == 0
	cancel := t.cancelWatch
	t.mu.Unlock()
	if empty && cancel != nil {
		cancel()
	}
}

func (t *grpcTransport) watchConnectivity(ctx context.Context) {
	state := t.cc.GetState()
	for t.cc.WaitForStateChange(ctx, state) {
		state = t.cc.GetState()
		if state != connectivity.TransientFailure {
			continue
		}
		t.mu.Lock()
		watchers := make([]transport.ConnectivityFailureWatcher, 0, len(t.watchers))
		for w := range t.watchers {
			watchers = append(watchers, w)
		}
		t.mu.Unlock()
		err := fmt.Errorf("xds: connection to %q in TRANSIENT_FAILURE", t.serverURI)
		for _, w := range watchers {
			w.OnConnectivityFailure(err)
		}
	}
}

// ResetBackoff resets the ClientConn's own connect backoff.
func (t *grpcTransport) ResetBackoff() { t.cc.ResetConnectBackoff() }

// Close tears down the underlying ClientConn.
func (t *grpcTransport) Close() {
	t.mu.Lock()
	if t.cancelWatch != nil {
		t.cancelWatch()
	}
	t.mu.Unlock()
	t.cc.Close()
}

// streamingCall adapts a *grpc.ClientStream (raw bytes in, raw bytes out, no
// codec involvement since the xDS client marshals protos itself) to the
// transport.StreamingCall interface.
type streamingCall struct {
	stream  grpc.ClientStream
	handler transport.StreamEventHandler
	cancel  context.CancelFunc

	sendCh chan []byte
	recvCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (sc *streamingCall) SendMessage(msg []byte) {
	select {
	case sc.sendCh <- msg:
	case <-sc.done:
	}
}

func (sc *streamingCall) StartRecvMessage() {
	select {
	case sc.recvCh <- struct{}{}:
	case <-sc.done:
	}
}

func (sc *streamingCall) Close() {
	sc.once.Do(func() { close(sc.done) })
	sc.cancel()
}

func (sc *streamingCall) sendLoop() {
	for {
		select {
		case <-sc.done:
			return
		case msg := <-sc.sendCh:
			b := rawBytes(msg)
			err := sc.stream.SendMsg(&b)
			sc.handler.OnRequestSent(err)
			if err != nil {
				sc.reportStatus(err)
				return
			}
		}
	}
}

func (sc *streamingCall) recvLoop() {
	for {
		select {
		case <-sc.done:
			return
		case <-sc.recvCh:
			var out rawBytes
			err := sc.stream.RecvMsg(&out)
			if err != nil {
				sc.reportStatus(err)
				return
			}
			sc.handler.OnRecvMessage(out)
		}
	}
}

func (sc *streamingCall) reportStatus(err error) {
	if err == io.EOF {
		err = fmt.Errorf("xds: ADS/LRS stream closed by server")
	}
	sc.handler.OnStatusReceived(err)
}

// rawBytes is a codec-agnostic payload: the xDS client marshals/unmarshals
// DiscoveryRequest/Response itself, so the gRPC codec layer (rawCodec,
// below) just needs to pass bytes through untouched.
type rawBytes []byte

// rawCodec implements encoding.Codec over *rawBytes, letting the transport
// hand grpc.ClientStream pre-serialized protobuf bytes instead of routing
// them through the default proto codec (which only knows proto.Message).
type rawCodec struct{}

func (rawCodec) Name() string { return "raw" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*rawBytes)
	if !ok {
		return nil, fmt.Errorf("grpctransport: rawCodec cannot marshal %T", v)
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*rawBytes)
	if !ok {
		return fmt.Errorf("grpctransport: rawCodec cannot unmarshal into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}
