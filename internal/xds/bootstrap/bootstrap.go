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

// Package bootstrap provides the functionality to read and parse the xDS
// bootstrap configuration that tells an XdsClient which management servers
// to talk to, how to authenticate to them, and how authorities are mapped
// to server lists.
package bootstrap

import (
	"encoding/json"
	"fmt"
	"os"

	v3corepb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// FileEnv points at a bootstrap file on disk.
	FileEnv = "GRPC_XDS_BOOTSTRAP"
	// ConfigEnv holds the bootstrap contents inline.
	ConfigEnv = "GRPC_XDS_BOOTSTRAP_CONFIG"
)

// ServerConfig carries the configuration for a single xDS management
// server: its URI, channel credentials, and per-server feature flags.
type ServerConfig struct {
	serverURI             string
	ignoreResourceDeletion bool
	channelCreds          []ChannelCreds

	cleanups []func()
}

// ChannelCreds describes one channel credential entry as it appears in the
// bootstrap file's "channel_creds" list.
type ChannelCreds struct {
	Type   string
	Config json.RawMessage
}

// ServerURI returns the management server's target URI.
func (sc *ServerConfig) ServerURI() string { return sc.serverURI }

// IgnoreResourceDeletion reports whether this server's SOTW responses that
// implicitly delete a previously-cached resource should be ignored (the
// last known value is retained instead, per gRFC A53).
func (sc *ServerConfig) IgnoreResourceDeletion() bool { return sc.ignoreResourceDeletion }

// Key returns a stable identity string for this server config, suitable for
// use as a map key when deduplicating channels to the same server.
func (sc *ServerConfig) Key() string { return sc.String() }

// String returns a deterministic representation of the server config.
func (sc *ServerConfig) String() string {
	return fmt.Sprintf("%s|ignore_resource_deletion:%v", sc.serverURI, sc.ignoreResourceDeletion)
}

// Equal reports whether sc and other refer to the same logical server
// config.
func (sc *ServerConfig) Equal(other *ServerConfig) bool {
	if sc == nil || other == nil {
		return sc == other
	}
	return sc.String() == other.String()
}

// Cleanups returns functions to be run when the last reference to this
// server config's channel is released (e.g. closing credential file
// watchers).
func (sc *ServerConfig) Cleanups() []func() { return sc.cleanups }

// AddCleanup registers a cleanup function for this ServerConfig.
func (sc *ServerConfig) AddCleanup(f func()) { sc.cleanups = append(sc.cleanups, f) }

// NewServerConfigForTesting constructs a ServerConfig for use in tests.
func NewServerConfigForTesting(uri string, ignoreResourceDeletion bool) *ServerConfig {
	return &ServerConfig{serverURI: uri, ignoreResourceDeletion: ignoreResourceDeletion}
}

// Authority holds the bootstrap configuration for a single xDS authority:
// the server list used to resolve resources named under it, falling back
// to the top-level server list when unset.
type Authority struct {
	XDSServers []*ServerConfig
}

// rawBootstrap mirrors the on-disk JSON schema.
type rawBootstrap struct {
	XDSServers []rawServer            `json:"xds_servers"`
	Node       *rawNode               `json:"node"`
	Authorities map[string]rawAuthority `json:"authorities"`
}

type rawServer struct {
	ServerURI              string         `json:"server_uri"`
	ChannelCreds           []ChannelCreds `json:"channel_creds"`
	ServerFeatures         []string       `json:"server_features"`
	IgnoreResourceDeletion bool           `json:"-"`
}

type rawAuthority struct {
	XDSServers []rawServer `json:"xds_servers"`
}

type rawNode struct {
	ID            string          `json:"id"`
	Cluster       string          `json:"cluster"`
	Metadata      json.RawMessage `json:"metadata"`
	Locality      *rawLocality    `json:"locality"`
	UserAgentName string          `json:"user_agent_name"`
}

type rawLocality struct {
	Region  string `json:"region"`
	Zone    string `json:"zone"`
	SubZone string `json:"sub_zone"`
}

// Config is the parsed, immutable bootstrap configuration for an XdsClient.
type Config struct {
	servers     []*ServerConfig
	authorities map[string]*Authority
	node        *v3corepb.Node
}

// XDSServers returns the top-level (default) list of management servers,
// in priority order.
func (c *Config) XDSServers() []*ServerConfig { return c.servers }

// Authorities returns the authority-name to Authority mapping.
func (c *Config) Authorities() map[string]*Authority { return c.authorities }

// Node returns the node proto to be sent on every ADS/LRS stream.
func (c *Config) Node() *v3corepb.Node { return c.node }

// NewConfigFromContents parses bootstrap JSON contents into a Config.
func NewConfigFromContents(data []byte) (*Config, error) {
	var raw rawBootstrap
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("xds: failed to parse bootstrap config: %v", err)
	}
	if len(raw.XDSServers) == 0 {
		return nil, fmt.Errorf("xds: bootstrap contents have no xds_servers")
	}

	cfg := &Config{authorities: make(map[string]*Authority)}
	for _, rs := range raw.XDSServers {
		cfg.servers = append(cfg.servers, serverConfigFromRaw(rs))
	}
	for name, ra := range raw.Authorities {
		a := &Authority{}
		for _, rs := range ra.XDSServers {
			a.XDSServers = append(a.XDSServers, serverConfigFromRaw(rs))
		}
		cfg.authorities[name] = a
	}
	cfg.node = nodeFromRaw(raw.Node)
	return cfg, nil
}

// NewConfigFromEnv loads bootstrap configuration per the two well-known
// environment variables, preferring GRPC_XDS_BOOTSTRAP_CONFIG (inline
// contents) over GRPC_XDS_BOOTSTRAP (a file path).
func NewConfigFromEnv() (*Config, error) {
	if contents := os.Getenv(ConfigEnv); contents != "" {
		return NewConfigFromContents([]byte(contents))
	}
	if path := os.Getenv(FileEnv); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("xds: failed to read bootstrap file %q: %v", path, err)
		}
		return NewConfigFromContents(data)
	}
	return nil, fmt.Errorf("xds: neither %s nor %s is set", ConfigEnv, FileEnv)
}

func serverConfigFromRaw(rs rawServer) *ServerConfig {
	ignore := false
	for _, f := range rs.ServerFeatures {
		if f == "ignore_resource_deletion" {
			ignore = true
		}
	}
	return &ServerConfig{
		serverURI:              rs.ServerURI,
		ignoreResourceDeletion: ignore,
		channelCreds:           rs.ChannelCreds,
	}
}

func nodeFromRaw(rn *rawNode) *v3corepb.Node {
	n := &v3corepb.Node{
		UserAgentName: "grpc-go-xds-client",
		ClientFeatures: []string{
			"envoy.lb.does_not_support_overprovisioning",
			"xds.config.resource-in-sotw",
		},
	}
	if rn == nil {
		return n
	}
	n.Id = rn.ID
	n.Cluster = rn.Cluster
	if rn.UserAgentName != "" {
		n.UserAgentName = rn.UserAgentName
	}
	if rn.Locality != nil {
		n.Locality = &v3corepb.Locality{
			Region:  rn.Locality.Region,
			Zone:    rn.Locality.Zone,
			SubZone: rn.Locality.SubZone,
		}
	}
	if len(rn.Metadata) > 0 {
		st := &structpb.Struct{}
		if err := st.UnmarshalJSON(rn.Metadata); err == nil {
			n.Metadata = st
		}
	}
	return n
}
