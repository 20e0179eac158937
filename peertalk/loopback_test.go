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
	"fmt"
	"sync"
	"time"

	"github.com/peertalk/peertalk/transport"
)

// loopbackNetwork is an in-memory fabric two or more loopbackPlatforms
// register on, satisfying the transport.Platform contract without
// touching a real socket. Two in-process Contexts wired through a
// shared loopbackNetwork exercise a full discovery/connect/send cycle
// deterministically in this package's end-to-end tests.
type loopbackNetwork struct {
	mu        sync.Mutex
	udpInbox  map[string][]udpDatagram
	listeners map[string]*loopbackListener
}

type udpDatagram struct {
	payload []byte
	from    string
}

func newLoopbackNetwork() *loopbackNetwork {
	return &loopbackNetwork{
		udpInbox:  make(map[string][]udpDatagram),
		listeners: make(map[string]*loopbackListener),
	}
}

func (n *loopbackNetwork) broadcast(from, payload []byte, fromAddr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for addr := range n.udpInbox {
		if addr == fromAddr {
			continue
		}
		n.udpInbox[addr] = append(n.udpInbox[addr], udpDatagram{payload: append([]byte(nil), payload...), from: fromAddr})
	}
}

func (n *loopbackNetwork) unicast(to string, payload []byte, fromAddr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.udpInbox[to]; !ok {
		return
	}
	n.udpInbox[to] = append(n.udpInbox[to], udpDatagram{payload: append([]byte(nil), payload...), from: fromAddr})
}

func (n *loopbackNetwork) registerUDP(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.udpInbox[addr]; !ok {
		n.udpInbox[addr] = nil
	}
}

func (n *loopbackNetwork) recvUDP(addr string) ([]byte, string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	q := n.udpInbox[addr]
	if len(q) == 0 {
		return nil, "", false
	}
	d := q[0]
	n.udpInbox[addr] = q[1:]
	return d.payload, d.from, true
}

type loopbackListener struct {
	mu      sync.Mutex
	pending []transport.Conn
}

func (n *loopbackNetwork) listen(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners[addr] = &loopbackListener{}
}

func (n *loopbackNetwork) dial(from, to string) (transport.Conn, error) {
	n.mu.Lock()
	ln, ok := n.listeners[to]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("loopback: no listener at %s", to)
	}

	client := newLoopbackConn(from, to)
	server := newLoopbackConn(to, from)
	client.peer = server
	server.peer = client

	ln.mu.Lock()
	ln.pending = append(ln.pending, server)
	ln.mu.Unlock()

	return client, nil
}

func (n *loopbackNetwork) accept(addr string) (transport.Conn, bool) {
	n.mu.Lock()
	ln, ok := n.listeners[addr]
	n.mu.Unlock()
	if !ok {
		return nil, false
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if len(ln.pending) == 0 {
		return nil, false
	}
	c := ln.pending[0]
	ln.pending = ln.pending[1:]
	return c, true
}

// loopbackConn is an in-memory transport.Conn: sends are delivered
// directly into the peer's inbox, and PollStatus always reports
// immediate completion since there is no real I/O latency to model.
type loopbackConn struct {
	local, remote string
	peer          *loopbackConn

	mu     sync.Mutex
	inbox  [][]byte
	closed bool
}

func newLoopbackConn(local, remote string) *loopbackConn {
	return &loopbackConn{local: local, remote: remote}
}

func (c *loopbackConn) SendAsync(frame []byte) (uint32, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, fmt.Errorf("loopback: send on closed connection")
	}
	if c.peer != nil {
		c.peer.deliver(frame)
	}
	return 1, nil
}

func (c *loopbackConn) deliver(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.inbox = append(c.inbox, append([]byte(nil), frame...))
}

func (c *loopbackConn) PollStatus(token uint32) (int, bool) { return 0, true }

func (c *loopbackConn) Recv() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbox) == 0 {
		return nil, false
	}
	d := c.inbox[0]
	c.inbox = c.inbox[1:]
	return d, true
}

func (c *loopbackConn) RemoteAddr() string { return c.remote }

func (c *loopbackConn) CloseAsync(timeout time.Duration) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *loopbackConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *loopbackConn) Abort() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// loopbackPlatform is one node's view of a shared loopbackNetwork,
// implementing transport.Platform.
type loopbackPlatform struct {
	net     *loopbackNetwork
	udpAddr string
	tcpAddr string
}

func newLoopbackPlatform(net *loopbackNetwork, udpAddr, tcpAddr string) *loopbackPlatform {
	net.registerUDP(udpAddr)
	net.listen(tcpAddr)
	return &loopbackPlatform{net: net, udpAddr: udpAddr, tcpAddr: tcpAddr}
}

func (p *loopbackPlatform) BroadcastUDP(payload []byte, addr string) error {
	p.net.broadcast(nil, payload, p.udpAddr)
	return nil
}

func (p *loopbackPlatform) SendUDP(payload []byte, addr string) error {
	p.net.unicast(addr, payload, p.udpAddr)
	return nil
}

func (p *loopbackPlatform) RecvUDP() ([]byte, string, bool) {
	return p.net.recvUDP(p.udpAddr)
}

func (p *loopbackPlatform) ListenTCP(addr string) error {
	p.tcpAddr = addr
	p.net.listen(addr)
	return nil
}

func (p *loopbackPlatform) AcceptTCP() (transport.Conn, bool) {
	return p.net.accept(p.tcpAddr)
}

func (p *loopbackPlatform) DialTCP(addr string) (transport.Conn, error) {
	return p.net.dial(p.tcpAddr, addr)
}

func (p *loopbackPlatform) Now() time.Time { return time.Now() }

func (p *loopbackPlatform) Close() error { return nil }
