/*
 *
 * Copyright 2020 gRPC authors.
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

// Package lrs implements the Load Reporting Service companion protocol:
// the initial LoadStatsRequest, the server's cluster list/interval reply,
// and the periodic push thereafter. Per spec.md §1, report content
// assembly lives in the load package; this package is lifecycle only.
package lrs

import (
	"fmt"
	"sync"
	"time"

	v3corepb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	v3endpointpb "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	v3lrspb "github.com/envoyproxy/go-control-plane/envoy/service/load_stats/v3"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/ajith-anz/grpc-go/internal/grpclog"
	"github.com/ajith-anz/grpc-go/xds/internal/xdsclient/load"
	"github.com/ajith-anz/grpc-go/xds/internal/xdsclient/transport"
)

// Stream is a single live LRS bidirectional streaming call.
type Stream struct {
	call   transport.StreamingCall
	node   *v3corepb.Node
	store  *load.Store
	logger *grpclog.PrefixLogger

	mu               sync.Mutex
	closed           bool
	gotFirstResponse bool
	sendAllClusters  bool
	clusterNames     []string
	interval         time.Duration
	stopTicker       chan struct{}
}

// Options configures a new Stream.
type Options struct {
	Transport transport.Transport
	Node      *v3corepb.Node
	Store     *load.Store
	Logger    *grpclog.PrefixLogger
}

// NewStream opens the LRS stream and sends the initial LoadStatsRequest
// (node, no cluster_stats).
func NewStream(opts Options) (*Stream, error) {
	s := &Stream{
		node:       opts.Node,
		store:      opts.Store,
		logger:     opts.Logger,
		stopTicker: make(chan struct{}),
	}

	call, err := opts.Transport.CreateStreamingCall(transport.LRSMethod, s)
	if err != nil {
		return nil, err
	}
	s.call = call
	s.call.StartRecvMessage()

	req := &v3lrspb.LoadStatsRequest{Node: s.node}
	b, err := proto.Marshal(req)
	if err != nil {
		call.Close()
		return nil, fmt.Errorf("lrs: failed to marshal initial LoadStatsRequest: %v", err)
	}
	s.call.SendMessage(b)
	return s, nil
}

// Close tears down the stream and stops the reporting ticker.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stopTicker)
	s.mu.Unlock()
	s.call.Close()
}

// OnRequestSent implements transport.StreamEventHandler.
func (s *Stream) OnRequestSent(error) {}

// OnRecvMessage implements transport.StreamEventHandler: the first (and
// only, per the protocol) LoadStatsResponse names the clusters to report on
// and the push interval; the stream then ignores further inbound messages
// while starting its send ticker.
func (s *Stream) OnRecvMessage(msg []byte) {
	resp := &v3lrspb.LoadStatsResponse{}
	if err := proto.Unmarshal(msg, resp); err != nil {
		s.logger.Warningf("lrs: failed to unmarshal LoadStatsResponse: %v", err)
		s.call.StartRecvMessage()
		return
	}

	s.mu.Lock()
	if s.gotFirstResponse {
		s.mu.Unlock()
		s.call.StartRecvMessage()
		return
	}
	s.gotFirstResponse = true
	s.sendAllClusters = resp.GetSendAllClusters()
	s.clusterNames = resp.GetClusters()
	s.interval = resp.GetLoadReportingInterval().AsDuration()
	s.mu.Unlock()

	go s.sendLoop()
	s.call.StartRecvMessage()
}

// OnStatusReceived implements transport.StreamEventHandler.
func (s *Stream) OnStatusReceived(err error) {
	if s.logger.V(2) {
		s.logger.Infof("lrs: stream closed: %v", err)
	}
}

func (s *Stream) sendLoop() {
	s.mu.Lock()
	interval := s.interval
	s.mu.Unlock()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopTicker:
			return
		case <-ticker.C:
			s.sendReport()
		}
	}
}

func (s *Stream) sendReport() {
	s.mu.Lock()
	names := s.clusterNames
	sendAll := s.sendAllClusters
	s.mu.Unlock()

	var want []string
	if !sendAll {
		want = names
	}
	data := s.store.Stats(want)
	if len(data) == 0 {
		return
	}

	req := &v3lrspb.LoadStatsRequest{ClusterStats: toProtoClusterStats(data)}
	b, err := proto.Marshal(req)
	if err != nil {
		s.logger.Warningf("lrs: failed to marshal LoadStatsRequest: %v", err)
		return
	}
	s.call.SendMessage(b)
}

func toProtoClusterStats(data []load.Data) []*v3endpointpb.ClusterStats {
	out := make([]*v3endpointpb.ClusterStats, 0, len(data))
	for _, d := range data {
		cs := &v3endpointpb.ClusterStats{
			ClusterName:        d.Cluster,
			ClusterServiceName: d.Service,
			LoadReportInterval: durationpb.New(d.ReportInterval),
		}
		for _, l := range d.Localities {
			// Only the locality's region is populated from our simplified
			// load.LocalityData; zone/sub_zone content assembly is out of
			// scope (spec.md §1).
			cs.UpstreamLocalityStats = append(cs.UpstreamLocalityStats, &v3endpointpb.UpstreamLocalityStats{
				Locality:                &v3corepb.Locality{Region: l.Locality},
				TotalSuccessfulRequests: uint64(l.RequestsSucceeded),
				TotalRequestsInProgress: uint64(l.RequestsInProgress),
				TotalErrorRequests:      uint64(l.RequestsFailed),
				TotalIssuedRequests:     uint64(l.RequestsIssued),
			})
		}
		out = append(out, cs)
	}
	return out
}
