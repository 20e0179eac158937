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

// Package config loads a peertalk.Config from an INI file, the same
// file format and library (github.com/go-ini/ini) the rest of the
// corpus's daemons use for their on-disk configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-ini/ini"

	"github.com/peertalk/peertalk"
	"github.com/peertalk/peertalk/protocol"
)

// File is the top-level result of Load: the peertalk.Config plus the
// ambient settings (log level, monitoring port) that live alongside it
// in the same [peertalk] section but aren't part of the library's own
// Config type.
type File struct {
	Peertalk       peertalk.Config
	LogLevel       string
	MonitoringPort int
}

// Load reads path and parses its [peertalk] section into a File.
// Every key is optional; a missing key leaves the corresponding
// peertalk.Config field zero, which withDefaults later resolves the
// reference default for.
func Load(path string) (*File, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	sec := f.Section("peertalk")
	out := &File{
		LogLevel:       sec.Key("log_level").MustString("info"),
		MonitoringPort: sec.Key("monitoring_port").MustInt(8732),
		Peertalk: peertalk.Config{
			Name:          sec.Key("name").String(),
			MaxPeers:      sec.Key("max_peers").MustInt(0),
			DiscoveryAddr: sec.Key("discovery_addr").String(),
			TCPListenAddr: sec.Key("listen_addr").String(),
		},
	}

	if raw := sec.Key("transports").String(); raw != "" {
		transports, err := parseTransports(raw)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
		out.Peertalk.Transports = transports
	}

	if err := setDuration(&out.Peertalk.AnnounceInterval, sec.Key("announce_interval").String()); err != nil {
		return nil, fmt.Errorf("config: announce_interval: %w", err)
	}
	if err := setDuration(&out.Peertalk.PeerTimeout, sec.Key("peer_timeout").String()); err != nil {
		return nil, fmt.Errorf("config: peer_timeout: %w", err)
	}
	if err := setDuration(&out.Peertalk.ConnectTimeout, sec.Key("connect_timeout").String()); err != nil {
		return nil, fmt.Errorf("config: connect_timeout: %w", err)
	}

	return out, nil
}

func setDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// parseTransports parses a comma-separated list such as "tcp,udp"
// into the corresponding protocol.Transports bitmask.
func parseTransports(raw string) (protocol.Transports, error) {
	var out protocol.Transports
	for _, tok := range strings.Split(raw, ",") {
		switch strings.ToLower(strings.TrimSpace(tok)) {
		case "tcp":
			out |= protocol.TransportTCP
		case "udp":
			out |= protocol.TransportUDP
		case "":
			// allow trailing commas without failing the whole file
		default:
			return 0, fmt.Errorf("unknown transport %q", tok)
		}
	}
	return out, nil
}
