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

// Package discovery is the discovery engine: periodic ANNOUNCE
// emission, ingest of ANNOUNCE/QUERY/GOODBYE packets into the peer
// registry, and periodic stale-peer expiry.
package discovery

import (
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/peertalk/peertalk/compat"
	"github.com/peertalk/peertalk/protocol"
	"github.com/peertalk/peertalk/registry"
)

// Broadcaster is the subset of transport.Platform discovery drives.
type Broadcaster interface {
	BroadcastUDP(payload []byte, addr string) error
	SendUDP(payload []byte, addr string) error
	RecvUDP() (payload []byte, from string, ok bool)
}

// Config carries the discovery engine's tunables, sourced from
// peertalk.Config.
type Config struct {
	Name               string
	BroadcastAddr      string
	LocalPort          uint16
	Transports         protocol.Transports
	AnnounceIntervalMs uint32
	PeerTimeoutMs      uint32
}

// Events accumulates callbacks fired during one Run call, for the poll
// loop to dispatch to the application after the step completes.
type Events struct {
	Discovered []registry.PeerInfo
	Lost       []registry.PeerInfo
}

// Engine drives periodic ANNOUNCE and ingests inbound discovery packets.
type Engine struct {
	cfg  Config
	plat Broadcaster
	reg  *registry.Registry
	buf  [protocol.MaxDiscoveryLen]byte

	lastAnnounce uint32
	announceNow  bool
	running      bool
}

// New constructs a discovery engine bound to reg and plat.
func New(cfg Config, reg *registry.Registry, plat Broadcaster) *Engine {
	return &Engine{cfg: cfg, plat: plat, reg: reg}
}

// Start begins periodic discovery; the next Run call emits an
// immediate ANNOUNCE.
func (e *Engine) Start() {
	e.running = true
	e.announceNow = true
}

// Stop suspends periodic discovery; Run becomes a no-op ingest-only pass.
func (e *Engine) Stop() {
	e.running = false
}

// Running reports whether discovery is active.
func (e *Engine) Running() bool { return e.running }

// Run performs one discovery maintenance pass: drains buffered inbound
// datagrams, then emits ANNOUNCE if due, then scans for stale peers.
// It never blocks.
func (e *Engine) Run(now uint32) Events {
	var ev Events

	for {
		payload, from, ok := e.plat.RecvUDP()
		if !ok {
			break
		}
		e.ingest(payload, from, now, &ev)
	}

	if e.running {
		if e.announceNow || compat.Elapsed(now, e.lastAnnounce) >= e.cfg.AnnounceIntervalMs {
			e.announce()
			e.lastAnnounce = now
			e.announceNow = false
		}
		e.expire(now, &ev)
	}

	return ev
}

// RequestAnnounce schedules an immediate broadcast ANNOUNCE on the
// next Run call, for callers that want to rebroadcast presence
// without waiting out the normal announce interval.
func (e *Engine) RequestAnnounce() {
	e.announceNow = true
}

func (e *Engine) ingest(payload []byte, from string, now uint32, ev *Events) {
	pkt, err := protocol.DecodeDiscovery(payload)
	if err != nil {
		log.WithFields(log.Fields{"from": from, "err": err}).Warn("discovery: dropping malformed packet")
		return
	}

	addr, ok := parseAddr(from)
	if !ok {
		log.WithField("from", from).Warn("discovery: unparseable sender address")
		return
	}

	switch pkt.Type {
	case protocol.Announce:
		e.handleAnnounce(pkt, addr, now, ev)
	case protocol.Query:
		e.announceTo(from)
	case protocol.Goodbye:
		e.handleGoodbye(pkt, addr, ev)
	}
}

func (e *Engine) handleAnnounce(pkt *protocol.DiscoveryPacket, addr [4]byte, now uint32, ev *Events) {
	_, existed := e.reg.FindByAddr(addr, pkt.SenderPort)
	created, ok := e.reg.Create(pkt.Name, addr, pkt.SenderPort, now)
	if !ok {
		return
	}
	e.reg.SetTransportsAvailable(created.ID, pkt.Transports)
	e.reg.Touch(created.ID, now)

	if !existed {
		refreshed, _ := e.reg.FindByID(created.ID)
		ev.Discovered = append(ev.Discovered, refreshed)
	}
}

func (e *Engine) handleGoodbye(pkt *protocol.DiscoveryPacket, addr [4]byte, ev *Events) {
	info, ok := e.reg.FindByAddr(addr, pkt.SenderPort)
	if !ok {
		return
	}
	var to registry.State
	if info.State == registry.Connected || info.State == registry.Connecting {
		to = registry.Failed
	} else {
		to = registry.Unused
	}
	if err := e.reg.SetState(info.ID, to); err != nil {
		log.WithFields(log.Fields{"id": info.ID, "err": err}).Debug("discovery: goodbye transition rejected")
		return
	}
	if to == registry.Unused {
		e.reg.Destroy(info.ID)
	}
	ev.Lost = append(ev.Lost, info)
}

func (e *Engine) announce() {
	n, ok := e.encodeAnnounce()
	if !ok {
		return
	}
	if err := e.plat.BroadcastUDP(e.buf[:n], e.cfg.BroadcastAddr); err != nil {
		log.WithError(err).Warn("discovery: failed to broadcast announce")
	}
}

// announceTo replies to a QUERY with a unicast ANNOUNCE sent directly
// to the querying peer, instead of waiting for the next periodic
// broadcast to reach it.
func (e *Engine) announceTo(addr string) {
	n, ok := e.encodeAnnounce()
	if !ok {
		return
	}
	if err := e.plat.SendUDP(e.buf[:n], addr); err != nil {
		log.WithFields(log.Fields{"addr": addr, "err": err}).Warn("discovery: failed to send unicast announce")
	}
}

func (e *Engine) encodeAnnounce() (int, bool) {
	pkt := &protocol.DiscoveryPacket{
		Type:       protocol.Announce,
		SenderPort: e.cfg.LocalPort,
		Transports: e.cfg.Transports,
		Name:       e.cfg.Name,
	}
	n, err := protocol.EncodeDiscovery(pkt, e.buf[:])
	if err != nil {
		log.WithError(err).Warn("discovery: failed to encode announce")
		return 0, false
	}
	return n, true
}

// expire scans the registry for peers whose last_seen predates now by
// more than PeerTimeoutMs, marking them FAILED (or UNUSED if never
// connected) and recording a Lost event.
func (e *Engine) expire(now uint32, ev *Events) {
	for _, p := range e.reg.All() {
		if !e.reg.IsTimedOut(p.ID, now, e.cfg.PeerTimeoutMs) {
			continue
		}
		var to registry.State
		if p.State == registry.Connected || p.State == registry.Connecting {
			to = registry.Failed
		} else {
			to = registry.Unused
		}
		if err := e.reg.SetState(p.ID, to); err != nil {
			continue
		}
		if to == registry.Unused {
			e.reg.Destroy(p.ID)
		}
		log.WithFields(log.Fields{"id": p.ID, "name": p.Name}).Info("peer lost to discovery timeout")
		ev.Lost = append(ev.Lost, p)
	}
}

func parseAddr(hostport string) ([4]byte, bool) {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return [4]byte{}, false
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return [4]byte{}, false
	}
	var out [4]byte
	copy(out[:], ip4)
	return out, true
}

