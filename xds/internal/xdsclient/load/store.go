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

// Package load holds per-cluster, per-locality load data, reported to the
// management server over the LRS stream. Spec.md §1 treats report *content*
// assembly as an external collaborator's concern; this package implements
// just enough of it (call counters, not backend metrics) for the LrsCall
// lifecycle to have something real to drain.
package load

import (
	"sync"
	"sync/atomic"
	"time"
)

// Store tracks load data for multiple clusters, keyed by
// (cluster, eds_service_name). It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	clusters map[clusterKey]*PerClusterReporter
}

type clusterKey struct {
	cluster, service string
}

// NewStore creates a Store.
func NewStore() *Store {
	return &Store{clusters: make(map[clusterKey]*PerClusterReporter)}
}

// PerCluster returns the reporter for the given cluster/service name pair,
// creating it if this is the first call for that pair.
func (s *Store) PerCluster(clusterName, serviceName string) *PerClusterReporter {
	if s == nil {
		return nil
	}
	k := clusterKey{cluster: clusterName, service: serviceName}

	s.mu.RLock()
	p, ok := s.clusters[k]
	s.mu.RUnlock()
	if ok {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.clusters[k]; ok {
		return p
	}
	p = &PerClusterReporter{
		cluster:    clusterName,
		service:    serviceName,
		localities: make(map[string]*localityData),
	}
	s.clusters[k] = p
	return p
}

// Stats returns a point-in-time snapshot of every cluster with activity
// since the last call, clearing the interval counters it reads.
func (s *Store) Stats(clusterNames []string) []Data {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[string]bool, len(clusterNames))
	for _, n := range clusterNames {
		want[n] = true
	}
	sendAll := len(clusterNames) == 0

	var out []Data
	for k, p := range s.clusters {
		if !sendAll && !want[k.cluster] {
			continue
		}
		if d, ok := p.snapshot(); ok {
			out = append(out, d)
		}
	}
	return out
}

// PerClusterReporter accumulates call outcomes for one (cluster, service)
// pair, broken down by locality.
type PerClusterReporter struct {
	cluster, service string

	mu         sync.Mutex
	localities map[string]*localityData

	lastSnapshot time.Time
}

type localityData struct {
	requestsInProgress atomic.Int64
	requestsSucceeded  atomic.Int64
	requestsFailed     atomic.Int64
	requestsIssued     atomic.Int64
}

// CallStarted records the start of an RPC routed to locality.
func (p *PerClusterReporter) CallStarted(locality string) {
	if p == nil {
		return
	}
	p.localityLocked(locality).requestsIssued.Add(1)
	p.localityLocked(locality).requestsInProgress.Add(1)
}

// CallFinished records the end of an RPC routed to locality.
func (p *PerClusterReporter) CallFinished(locality string, err error) {
	if p == nil {
		return
	}
	l := p.localityLocked(locality)
	l.requestsInProgress.Add(-1)
	if err == nil {
		l.requestsSucceeded.Add(1)
	} else {
		l.requestsFailed.Add(1)
	}
}

func (p *PerClusterReporter) localityLocked(locality string) *localityData {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.localities[locality]
	if !ok {
		l = &localityData{}
		p.localities[locality] = l
	}
	return l
}

func (p *PerClusterReporter) snapshot() (Data, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	interval := now.Sub(p.lastSnapshot)
	p.lastSnapshot = now

	var localities []LocalityData
	var any bool
	for name, l := range p.localities {
		issued := l.requestsIssued.Swap(0)
		succeeded := l.requestsSucceeded.Swap(0)
		failed := l.requestsFailed.Swap(0)
		inProgress := l.requestsInProgress.Load()
		if issued != 0 || succeeded != 0 || failed != 0 || inProgress != 0 {
			any = true
		}
		localities = append(localities, LocalityData{
			Locality:           name,
			RequestsIssued:     issued,
			RequestsSucceeded:  succeeded,
			RequestsFailed:     failed,
			RequestsInProgress: inProgress,
		})
	}
	if !any {
		return Data{}, false
	}
	return Data{
		Cluster:        p.cluster,
		Service:        p.service,
		Localities:     localities,
		ReportInterval: interval,
	}, true
}

// Data is one cluster's reporting interval worth of load, ready to be
// marshaled into a LoadStatsRequest.ClusterStats entry.
type Data struct {
	Cluster, Service string
	Localities       []LocalityData
	ReportInterval   time.Duration
}

// LocalityData is one locality's slice of a Data snapshot.
type LocalityData struct {
	Locality           string
	RequestsIssued     int64
	RequestsSucceeded  int64
	RequestsFailed     int64
	RequestsInProgress int64
}
