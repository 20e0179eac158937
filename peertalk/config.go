/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package peertalk

import (
	"time"

	"github.com/peertalk/peertalk/conn"
	"github.com/peertalk/peertalk/pipeline"
	"github.com/peertalk/peertalk/protocol"
	"github.com/peertalk/peertalk/queue"
)

// Config carries every tunable a Context needs. The config package
// loads this from an INI file; callers constructing one directly may
// leave any field zero to take the reference default.
type Config struct {
	Name       string
	MaxPeers   int
	Transports protocol.Transports

	// DiscoveryAddr is the UDP broadcast target for ANNOUNCE/QUERY.
	// UDPListenAddr is the local bind address receiving discovery
	// traffic (typically a wildcard address on the same port).
	DiscoveryAddr string
	UDPListenAddr string
	TCPListenAddr string

	AnnounceInterval time.Duration
	PeerTimeout      time.Duration
	ConnectTimeout   time.Duration
	CloseTimeout     time.Duration

	QueueCapacity int
	PipelineDepth int
	MaxPayload    int
}

func (c Config) withDefaults() Config {
	if c.MaxPeers == 0 {
		c.MaxPeers = 32
	}
	if c.Transports == 0 {
		c.Transports = protocol.TransportTCP
	}
	if c.DiscoveryAddr == "" {
		c.DiscoveryAddr = "255.255.255.255:7331"
	}
	if c.UDPListenAddr == "" {
		c.UDPListenAddr = "0.0.0.0:7331"
	}
	if c.TCPListenAddr == "" {
		c.TCPListenAddr = "0.0.0.0:7332"
	}
	if c.AnnounceInterval == 0 {
		c.AnnounceInterval = 2 * time.Second
	}
	if c.PeerTimeout == 0 {
		c.PeerTimeout = 10 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = time.Duration(conn.DefaultConnectTimeoutMs) * time.Millisecond
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = conn.LANCloseTimeout
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = 16
	}
	if c.PipelineDepth == 0 {
		c.PipelineDepth = pipeline.StandardDepth
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = queue.SlotSize
	}
	return c
}
