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

// Package peertalk is PeerTalk's public API surface: Context wires
// the registry, message queues, send pipelines, discovery engine and
// connection engine behind a single-threaded Poll loop.
//
// A Context is not safe for concurrent use. Exactly one goroutine may
// call Poll, and it must not be called re-entrantly from within an
// application callback; this is documented, not mutex-enforced, the
// same way the reference core treats its single-threaded scheduling
// model.
package peertalk

import (
	"fmt"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/peertalk/peertalk/compat"
	"github.com/peertalk/peertalk/conn"
	"github.com/peertalk/peertalk/discovery"
	"github.com/peertalk/peertalk/protocol"
	"github.com/peertalk/peertalk/queue"
	"github.com/peertalk/peertalk/registry"
	"github.com/peertalk/peertalk/transport"
)

// Callbacks are invoked synchronously from within Poll for every
// event accumulated during that call.
type Callbacks struct {
	OnPeerDiscovered   func(registry.PeerInfo)
	OnPeerLost         func(registry.PeerInfo)
	OnPeerConnected    func(registry.PeerInfo)
	OnPeerDisconnected func(registry.PeerInfo)
	OnMessageReceived  func(id registry.PeerID, msgType protocol.MessageType, data []byte)
}

// Context is the top-level handle returned by New: it owns the peer
// registry, per-peer send queues, the discovery and connection
// engines, and the platform driver.
type Context struct {
	cfg  Config
	reg  *registry.Registry
	plat transport.Platform
	disc *discovery.Engine
	conn *conn.Engine

	queues map[registry.PeerID]*queue.Queue

	callbacks Callbacks
}

// New constructs a Context backed by the reference POSIX transport
// (transport.NewPOSIX), binding cfg.UDPListenAddr and cfg.TCPListenAddr.
func New(cfg Config) (*Context, error) {
	cfg = cfg.withDefaults()
	plat, err := transport.NewPOSIX(cfg.UDPListenAddr, cfg.TCPListenAddr)
	if err != nil {
		return nil, fmt.Errorf("peertalk: open transport: %w", err)
	}
	return newContext(cfg, plat)
}

// NewWithPlatform constructs a Context over a caller-supplied
// transport.Platform, the seam integration tests and alternative
// transports (AppleTalk NBP/ADSP, an in-memory fake) use instead of
// the reference POSIX driver.
func NewWithPlatform(cfg Config, plat transport.Platform) (*Context, error) {
	return newContext(cfg.withDefaults(), plat)
}

func newContext(cfg Config, plat transport.Platform) (*Context, error) {
	tcpPort, err := portOf(cfg.TCPListenAddr)
	if err != nil {
		return nil, fmt.Errorf("peertalk: %w", err)
	}

	reg := registry.New(cfg.MaxPeers)

	disc := discovery.New(discovery.Config{
		Name:               cfg.Name,
		BroadcastAddr:      cfg.DiscoveryAddr,
		LocalPort:          tcpPort,
		Transports:         cfg.Transports,
		AnnounceIntervalMs: durationMs(cfg.AnnounceInterval),
		PeerTimeoutMs:      durationMs(cfg.PeerTimeout),
	}, reg, plat)

	ce := conn.New(conn.Config{
		ConnectTimeoutMs: durationMs(cfg.ConnectTimeout),
		CloseTimeout:     cfg.CloseTimeout,
		PipelineDepth:    cfg.PipelineDepth,
		MaxPayload:       cfg.MaxPayload,
	}, reg, plat)

	return &Context{
		cfg:    cfg,
		reg:    reg,
		plat:   plat,
		disc:   disc,
		conn:   ce,
		queues: make(map[registry.PeerID]*queue.Queue),
	}, nil
}

func durationMs(d time.Duration) uint32 {
	return uint32(d / time.Millisecond)
}

func portOf(addr string) (uint16, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid listen port in %q: %w", addr, err)
	}
	return uint16(port), nil
}

// SetCallbacks installs the application's event handlers, replacing
// any previously installed set.
func (c *Context) SetCallbacks(cb Callbacks) {
	c.callbacks = cb
}

// StartDiscovery begins periodic ANNOUNCE emission and discovery ingest.
func (c *Context) StartDiscovery() {
	c.disc.Start()
}

// StopDiscovery suspends periodic ANNOUNCE and stale-peer expiry.
// Inbound discovery packets are still ingested on each Poll call, and
// a QUERY is still answered with a unicast ANNOUNCE.
func (c *Context) StopDiscovery() {
	c.disc.Stop()
}

// Connect validates id is DISCOVERED or FAILED and begins an outbound
// TCP connect attempt (see conn.Engine.Connect).
func (c *Context) Connect(id registry.PeerID) error {
	return c.conn.Connect(id, compat.Ticks())
}

// Disconnect begins an orderly close of a CONNECTED peer's connection.
func (c *Context) Disconnect(id registry.PeerID) error {
	return c.conn.Disconnect(id)
}

// Send queues data for delivery to id at NORMAL priority with no
// coalescing, equivalent to SendEx(id, data, 0, queue.Normal, 0).
func (c *Context) Send(id registry.PeerID, data []byte) error {
	return c.SendEx(id, data, 0, queue.Normal, 0)
}

// maxSendPayload is one byte short of queue.SlotSize: SendEx packs
// the wire-level MessageFlags ahead of the payload so a multiplexed
// priority queue entry carries everything the dispatch step in Poll
// needs to reconstruct a message frame.
const maxSendPayload = queue.SlotSize - 1

// SendEx queues data for delivery to a CONNECTED peer with the given
// wire flags, queue priority, and coalesce key (0 disables
// coalescing). The message is actually handed to the peer's send
// pipeline on a later Poll call's dispatch step.
func (c *Context) SendEx(id registry.PeerID, data []byte, flags protocol.MessageFlags, priority queue.Priority, coalesceKey uint16) error {
	info, ok := c.reg.FindByID(id)
	if !ok {
		return wrap(ErrPeerNotFound, "peer %d", id)
	}
	if info.State != registry.Connected {
		return wrap(ErrNotConnected, "peer %d is %s", id, info.State)
	}
	if len(data) > maxSendPayload {
		return wrap(ErrPayloadTooLarge, "payload %d exceeds %d", len(data), maxSendPayload)
	}

	q := c.ensureQueue(id)
	queued := make([]byte, len(data)+1)
	queued[0] = byte(flags)
	copy(queued[1:], data)

	pressure, err := q.TryPush(queued, priority, coalesceKey, compat.Ticks())
	if err != nil {
		return fmt.Errorf("peertalk: send to peer %d dropped under %s backpressure: %w", id, pressure, err)
	}
	return nil
}

func (c *Context) ensureQueue(id registry.PeerID) *queue.Queue {
	if q, ok := c.queues[id]; ok {
		return q
	}
	q, err := queue.New(c.cfg.QueueCapacity)
	if err != nil {
		// cfg.QueueCapacity is validated indirectly by every call site
		// using the same config; a failure here means a caller built a
		// Config by hand with a non-power-of-two capacity.
		panic(fmt.Sprintf("peertalk: invalid queue capacity %d: %v", c.cfg.QueueCapacity, err))
	}
	c.queues[id] = q
	return q
}

func decodeQueued(buf []byte) (protocol.MessageFlags, []byte) {
	if len(buf) == 0 {
		return 0, nil
	}
	return protocol.MessageFlags(buf[0]), buf[1:]
}

// Peers returns a snapshot of every non-UNUSED peer.
func (c *Context) Peers() []registry.PeerInfo {
	return c.reg.All()
}

// PeerByID looks up a single peer by id.
func (c *Context) PeerByID(id registry.PeerID) (registry.PeerInfo, bool) {
	return c.reg.FindByID(id)
}

// PeerName resolves a peer's cold-storage name by index, for callers
// that kept only the hot fields from an earlier lookup.
func (c *Context) PeerName(idx registry.NameIndex) (string, bool) {
	return c.reg.Name(idx)
}

// PeersVersion returns the registry's change counter, letting
// applications detect peer-set changes without diffing Peers().
func (c *Context) PeersVersion() uint64 {
	return c.reg.Version()
}

// pollEvents accumulates every callback-worthy event observed during
// one Poll call, fired only after every step has run.
type pollEvents struct {
	discovered   []registry.PeerInfo
	lost         []registry.PeerInfo
	connected    []registry.PeerInfo
	disconnected []registry.PeerInfo
	messages     []conn.Message
}

// Poll performs one iteration of the cooperative scheduling
// sequence: ISR flag drain, accept, disconnect draining and connect
// timeouts, receive, pipeline completions, dispatch sends, discovery,
// and callback dispatch. It never blocks;
// the application is expected to call it at a steady rate (reference:
// every 20-50ms).
func (c *Context) Poll() {
	now := compat.Ticks()
	var ev pollEvents

	// Step 1: drain ISR flags from every per-peer send queue.
	for _, q := range c.queues {
		q.CheckISRFlags()
	}

	// Reactive half of the connection engine: accept any inbound
	// connection and observe CONNECTING/DISCONNECTING completions. This
	// runs before receive/dispatch so a peer that just connected is
	// immediately eligible for both within the same Poll call.
	for {
		id, ok := c.conn.PollAccept(now)
		if !ok {
			break
		}
		if info, ok := c.reg.FindByID(id); ok {
			ev.connected = append(ev.connected, info)
		}
	}

	// Step 2: DISCONNECTING completion -> UNUSED.
	for _, info := range c.conn.PollDisconnecting() {
		delete(c.queues, info.ID)
		ev.disconnected = append(ev.disconnected, info)
	}

	for _, id := range c.conn.PollConnectTimeouts(now) {
		info, _ := c.reg.FindByID(id)
		delete(c.queues, id)
		ev.disconnected = append(ev.disconnected, info)
	}

	// Step 3: receive and reassemble complete frames from every
	// CONNECTED peer's TCP stream.
	ev.messages = append(ev.messages, c.conn.PollRecv()...)
	for _, msg := range ev.messages {
		c.reg.AddBytesRecv(msg.PeerID, uint64(len(msg.Payload)))
	}

	// Step 4: poll send-pipeline completions for every CONNECTED peer.
	for _, info := range c.reg.All() {
		if info.State != registry.Connected {
			continue
		}
		if p, ok := c.conn.Pipeline(info.ID); ok {
			p.PollCompletions()
		}
	}

	// Step 5: dispatch outbound messages from each peer's send queue
	// into its send pipeline while slots remain available.
	for id, q := range c.queues {
		info, ok := c.reg.FindByID(id)
		if !ok || info.State != registry.Connected {
			continue
		}
		p, ok := c.conn.Pipeline(id)
		if !ok {
			continue
		}
		for p.SlotsAvailable() > 0 {
			data, _, ok := q.PopPriorityDirect()
			if !ok {
				break
			}
			flags, payload := decodeQueued(data)
			h := &protocol.MessageHeader{Type: protocol.Data, Flags: flags, Sequence: c.reg.NextSendSeq(id)}
			err := p.SendAsync(h, payload)
			q.PopPriorityCommit()
			if err != nil {
				log.WithFields(log.Fields{"id": id, "err": err}).Warn("peertalk: dispatch to send pipeline failed")
				break
			}
			c.reg.AddBytesSent(id, uint64(len(payload)))
		}
	}

	// Step 6: discovery maintenance, ANNOUNCE emission and stale-peer expiry.
	de := c.disc.Run(now)
	ev.discovered = append(ev.discovered, de.Discovered...)
	ev.lost = append(ev.lost, de.Lost...)

	// Step 7: invoke application callbacks for everything accumulated above.
	c.dispatch(ev)
}

func (c *Context) dispatch(ev pollEvents) {
	if cb := c.callbacks.OnPeerDiscovered; cb != nil {
		for _, p := range ev.discovered {
			cb(p)
		}
	}
	if cb := c.callbacks.OnPeerConnected; cb != nil {
		for _, p := range ev.connected {
			cb(p)
		}
	}
	if cb := c.callbacks.OnMessageReceived; cb != nil {
		for _, m := range ev.messages {
			cb(m.PeerID, m.Header.Type, m.Payload)
		}
	}
	if cb := c.callbacks.OnPeerLost; cb != nil {
		for _, p := range ev.lost {
			cb(p)
		}
	}
	if cb := c.callbacks.OnPeerDisconnected; cb != nil {
		for _, p := range ev.disconnected {
			cb(p)
		}
	}
}

// Shutdown initiates an orderly close of every CONNECTED peer, waits a
// bounded time for those closes to complete, then tears down the
// transport. Unlike Poll, Shutdown is expected to run once and may
// block briefly.
func (c *Context) Shutdown() error {
	c.disc.Stop()

	for _, info := range c.reg.All() {
		if info.State == registry.Connected {
			if err := c.conn.Disconnect(info.ID); err != nil {
				log.WithFields(log.Fields{"id": info.ID, "err": err}).Debug("peertalk: shutdown disconnect rejected")
			}
		}
	}

	deadline := time.Now().Add(c.cfg.CloseTimeout + time.Second)
	for time.Now().Before(deadline) {
		c.conn.PollDisconnecting()
		if !c.hasDisconnecting() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	return c.plat.Close()
}

func (c *Context) hasDisconnecting() bool {
	for _, info := range c.reg.All() {
		if info.State == registry.Disconnecting {
			return true
		}
	}
	return false
}
