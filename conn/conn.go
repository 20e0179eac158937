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

// Package conn is the connection engine: it drives the registry's
// CONNECTING/CONNECTED/DISCONNECTING transitions, owns the per-peer
// transport.Conn and send pipeline, and reassembles inbound byte
// streams into complete message frames.
//
// A peer's connect attempt and its orderly or abortive teardown are
// both observed, never forced: the poll loop calls PollConnecting and
// PollDisconnecting once per iteration to notice what the platform has
// already completed, rather than blocking on either.
package conn

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/peertalk/peertalk/compat"
	"github.com/peertalk/peertalk/pipeline"
	"github.com/peertalk/peertalk/protocol"
	"github.com/peertalk/peertalk/registry"
	"github.com/peertalk/peertalk/transport"
)

// LANCloseTimeout and WANCloseTimeout are the reference graceful-close
// timeouts: most PeerTalk deployments are single-segment LANs, but the
// longer figure is kept available for a deployment that configures
// routed peers.
const (
	LANCloseTimeout = 3 * time.Second
	WANCloseTimeout = 30 * time.Second
)

// DefaultConnectTimeoutMs is the reference CONNECTING deadline.
const DefaultConnectTimeoutMs uint32 = 30000

// Dialer is the subset of transport.Platform the connection engine drives.
type Dialer interface {
	AcceptTCP() (transport.Conn, bool)
	DialTCP(addr string) (transport.Conn, error)
}

// Config carries the connection engine's tunables, sourced from
// peertalk.Config.
type Config struct {
	ConnectTimeoutMs uint32
	CloseTimeout     time.Duration
	PipelineDepth    int
	MaxPayload       int
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeoutMs == 0 {
		c.ConnectTimeoutMs = DefaultConnectTimeoutMs
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = LANCloseTimeout
	}
	if c.PipelineDepth == 0 {
		c.PipelineDepth = pipeline.StandardDepth
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = protocol.MaxPayloadLen
	}
	return c
}

type peerConn struct {
	conn     transport.Conn
	pipeline *pipeline.Pipeline
	rxlen    int
}

// Engine owns every live transport.Conn and its send pipeline, keyed by
// peer id, and drives the registry transitions that depend on
// observing platform-reported connect/close completion.
type Engine struct {
	reg  *registry.Registry
	plat Dialer
	cfg  Config

	peers map[registry.PeerID]*peerConn
}

// New constructs a connection engine bound to reg and plat.
func New(cfg Config, reg *registry.Registry, plat Dialer) *Engine {
	return &Engine{
		reg:   reg,
		plat:  plat,
		cfg:   cfg.withDefaults(),
		peers: make(map[registry.PeerID]*peerConn),
	}
}

// Message is one fully reassembled and CRC-validated frame delivered
// from a peer's TCP stream.
type Message struct {
	PeerID  registry.PeerID
	Header  protocol.MessageHeader
	Payload []byte
}

// Connect validates peer is DISCOVERED or FAILED, transitions it to
// CONNECTING, and issues an outbound TCP dial. The reference POSIX
// driver's Dial blocks until the handshake completes or fails, so on
// success this also performs the CONNECTING->CONNECTED transition
// immediately; a platform whose DialTCP returns before the connection
// is actually usable would instead need a later readiness signal,
// which the Conn contract does not currently expose.
func (e *Engine) Connect(id registry.PeerID, now uint32) error {
	info, ok := e.reg.FindByID(id)
	if !ok {
		return fmt.Errorf("conn: peer %d not found", id)
	}
	if info.State != registry.Discovered && info.State != registry.Failed {
		return fmt.Errorf("conn: peer %d in state %s cannot connect", id, info.State)
	}
	if info.State == registry.Failed {
		// The registry's transition table only allows FAILED to recover
		// to DISCOVERED (re-announcement), not straight to CONNECTING; a
		// manual reconnect attempt takes that same recovery step first.
		if err := e.reg.SetState(id, registry.Discovered); err != nil {
			return err
		}
	}
	if err := e.reg.SetState(id, registry.Connecting); err != nil {
		return err
	}
	e.reg.SetConnectStart(id, now)

	addr := fmt.Sprintf("%d.%d.%d.%d:%d", info.Addr[0], info.Addr[1], info.Addr[2], info.Addr[3], info.Port)
	c, err := e.plat.DialTCP(addr)
	if err != nil {
		log.WithFields(log.Fields{"id": id, "addr": addr, "err": err}).Warn("conn: dial failed")
		_ = e.reg.SetState(id, registry.Failed)
		return err
	}

	if err := e.reg.SetState(id, registry.Connected); err != nil {
		// Registry rejected the transition (peer torn down concurrently
		// with the dial); abandon the new connection rather than leak it.
		_ = c.Abort()
		return err
	}
	e.reg.SetTransportConnected(id, protocol.TransportTCP)
	e.attach(id, c)
	return nil
}

// PollAccept checks for one newly accepted inbound connection and, if
// present, finds or creates the corresponding peer and transitions it
// to CONNECTED. It returns the peer id and true if a connection was
// accepted. The listener is re-armed inside Dialer.AcceptTCP before
// any payload is processed.
func (e *Engine) PollAccept(now uint32) (registry.PeerID, bool) {
	c, ok := e.plat.AcceptTCP()
	if !ok {
		return 0, false
	}

	addr, port, ok := splitHostPort(c.RemoteAddr())
	if !ok {
		log.WithField("remote", c.RemoteAddr()).Warn("conn: inbound connection with unparseable address")
		_ = c.Abort()
		return 0, false
	}

	info, existed := e.reg.FindByAddr(addr, port)
	if !existed {
		name := compat.BoundedSprintf(protocol.MaxNameLen, func() string { return c.RemoteAddr() })
		created, ok := e.reg.Create(name, addr, port, now)
		if !ok {
			_ = c.Abort()
			return 0, false
		}
		info = created
	}

	if info.State != registry.Discovered && info.State != registry.Connecting {
		log.WithFields(log.Fields{"id": info.ID, "state": info.State}).Warn("conn: inbound connection for peer in unexpected state")
		_ = c.Abort()
		return 0, false
	}
	if err := e.reg.SetState(info.ID, registry.Connected); err != nil {
		_ = c.Abort()
		return 0, false
	}
	e.reg.SetTransportConnected(info.ID, protocol.TransportTCP)
	e.attach(info.ID, c)
	return info.ID, true
}

func (e *Engine) attach(id registry.PeerID, c transport.Conn) {
	if existing, ok := e.peers[id]; ok {
		_ = existing.conn.Abort()
	}
	e.peers[id] = &peerConn{
		conn:     c,
		pipeline: pipeline.New(c, e.cfg.PipelineDepth, e.cfg.MaxPayload),
	}
}

// Disconnect validates peer is CONNECTED, transitions it to
// DISCONNECTING, and starts a bounded graceful close. The terminal
// transition to UNUSED happens later, observed by PollDisconnecting.
func (e *Engine) Disconnect(id registry.PeerID) error {
	info, ok := e.reg.FindByID(id)
	if !ok {
		return fmt.Errorf("conn: peer %d not found", id)
	}
	pc, tracked := e.peers[id]
	if !tracked {
		return fmt.Errorf("conn: peer %d has no connection to close", id)
	}
	if info.State != registry.Connected {
		return fmt.Errorf("conn: peer %d in state %s cannot disconnect", id, info.State)
	}
	if err := e.reg.SetState(id, registry.Disconnecting); err != nil {
		return err
	}
	pc.conn.CloseAsync(e.cfg.CloseTimeout)
	return nil
}

// PollDisconnecting checks every DISCONNECTING peer's close completion
// and, for any that have finished, performs the terminal transition to
// UNUSED and destroys the peer. It returns a snapshot of each
// completed peer taken just before destruction, since the registry
// clears name/address on destroy and a caller dispatching an
// on_peer_disconnected callback still needs them.
func (e *Engine) PollDisconnecting() []registry.PeerInfo {
	var done []registry.PeerInfo
	for _, info := range e.reg.All() {
		if info.State != registry.Disconnecting {
			continue
		}
		pc, ok := e.peers[info.ID]
		if !ok || pc.conn.Closed() {
			e.forget(info.ID)
			if err := e.reg.SetState(info.ID, registry.Unused); err == nil {
				e.reg.Destroy(info.ID)
			}
			done = append(done, info)
		}
	}
	return done
}

// PollConnectTimeouts fails every CONNECTING peer whose connect attempt
// has exceeded the configured timeout.
func (e *Engine) PollConnectTimeouts(now uint32) []registry.PeerID {
	var timedOut []registry.PeerID
	for _, info := range e.reg.All() {
		if info.State != registry.Connecting {
			continue
		}
		if compat.Elapsed(now, info.ConnectStart) < e.cfg.ConnectTimeoutMs {
			continue
		}
		e.Fail(info.ID, errConnectTimeout)
		timedOut = append(timedOut, info.ID)
	}
	return timedOut
}

var errConnectTimeout = errors.New("conn: connect attempt timed out")

// Fail transitions a peer to FAILED on an unrecoverable I/O error,
// aborting its connection immediately. Any pipeline slots still in
// flight are abandoned rather than cancelled: the platform owns their
// buffers until it reports completion, and nothing here polls for it
// again.
func (e *Engine) Fail(id registry.PeerID, cause error) {
	if pc, ok := e.peers[id]; ok {
		_ = pc.conn.Abort()
		delete(e.peers, id)
	}
	if err := e.reg.SetState(id, registry.Failed); err != nil {
		log.WithFields(log.Fields{"id": id, "err": err}).Debug("conn: failure transition rejected")
		return
	}
	log.WithFields(log.Fields{"id": id, "cause": cause}).Warn("peer connection failed")
}

func (e *Engine) forget(id registry.PeerID) {
	delete(e.peers, id)
}

// Pipeline returns the send pipeline for a connected peer, if any.
func (e *Engine) Pipeline(id registry.PeerID) (*pipeline.Pipeline, bool) {
	pc, ok := e.peers[id]
	if !ok {
		return nil, false
	}
	return pc.pipeline, true
}

// Connected reports whether the engine currently tracks a live
// connection for id.
func (e *Engine) Connected(id registry.PeerID) bool {
	_, ok := e.peers[id]
	return ok
}

// PollRecv drains buffered inbound bytes for every connected peer and
// reassembles as many complete, CRC-validated frames as are available.
// Reassembly happens directly in the peer's fixed-size, canary-
// bracketed registry buffer rather than an unbounded slice: a frame
// that would overflow it, like one that fails CRC or magic validation,
// is treated as stream corruption and fails the peer. A truncated
// frame simply waits for more bytes on the next call.
func (e *Engine) PollRecv() []Message {
	var out []Message
	for id, pc := range e.peers {
		out = append(out, e.pollRecvPeer(id, pc)...)
	}
	return out
}

// pollRecvPeer drains and reassembles one peer's inbound stream using
// its registry-owned ibuf as reassembly scratch space, shifting
// leftover bytes to the front after each decoded frame instead of
// growing a new buffer.
func (e *Engine) pollRecvPeer(id registry.PeerID, pc *peerConn) []Message {
	ibuf := e.reg.IBuf(id)
	if ibuf == nil {
		return nil
	}

	for {
		chunk, ok := pc.conn.Recv()
		if !ok {
			break
		}
		if pc.rxlen+len(chunk) > len(ibuf) {
			log.WithFields(log.Fields{"id": id, "need": pc.rxlen + len(chunk), "cap": len(ibuf)}).
				Warn("conn: inbound frame exceeds reassembly buffer, failing connection")
			e.Fail(id, errFrameTooLarge)
			return nil
		}
		pc.rxlen += copy(ibuf[pc.rxlen:], chunk)
	}

	var out []Message
	for {
		h, payload, n, err := tryDecode(ibuf[:pc.rxlen])
		if err == errNeedMore {
			break
		}
		if err != nil {
			log.WithFields(log.Fields{"id": id, "err": err}).Warn("conn: corrupt frame, failing connection")
			e.Fail(id, err)
			return nil
		}
		out = append(out, Message{PeerID: id, Header: *h, Payload: append([]byte(nil), payload...)})
		pc.rxlen = copy(ibuf, ibuf[n:pc.rxlen])
	}

	if !e.reg.CheckCanaries(id) {
		log.WithField("id", id).Error("conn: reassembly buffer canary corrupted")
		e.Fail(id, errCanaryCorrupt)
		return nil
	}
	return out
}

var errNeedMore = errors.New("conn: incomplete frame, need more bytes")
var errFrameTooLarge = errors.New("conn: inbound frame exceeds reassembly buffer capacity")
var errCanaryCorrupt = errors.New("conn: reassembly buffer canary corrupted")

// tryDecode attempts to decode one message frame from the front of
// buf. It returns errNeedMore if buf does not yet hold a complete
// frame (as opposed to holding a structurally invalid one).
func tryDecode(buf []byte) (*protocol.MessageHeader, []byte, int, error) {
	if len(buf) < protocol.MessageHeaderLen {
		return nil, nil, 0, errNeedMore
	}
	h, err := protocol.DecodeMessageHeader(buf)
	if err != nil {
		return nil, nil, 0, err
	}
	total := protocol.FrameLen(int(h.PayloadLength))
	if len(buf) < total {
		return nil, nil, 0, errNeedMore
	}
	hdr, payload, err := protocol.DecodeMessage(buf[:total])
	if err != nil {
		return nil, nil, 0, err
	}
	return hdr, payload, total, nil
}

func splitHostPort(hostport string) ([4]byte, uint16, bool) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return [4]byte{}, 0, false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return [4]byte{}, 0, false
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return [4]byte{}, 0, false
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return [4]byte{}, 0, false
	}
	var out [4]byte
	copy(out[:], ip4)
	return out, uint16(port), true
}
