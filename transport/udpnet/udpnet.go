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

// Package udpnet is the reference POSIX UDP driver used for discovery
// broadcast and unicast datagrams. A single dedicated receiver
// goroutine stands in for interrupt context: it calls nothing but
// net.UDPConn.ReadFrom and a send on its bounded inbox channel, never
// the registry or the logger; it reads the clock only to set the
// socket read deadline.
package udpnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

const inboxDepth = 256

type datagram struct {
	payload []byte
	from    string
}

// Socket is a UDP endpoint broadcast-capable on one interface, backed
// by a dedicated receiver goroutine and a bounded inbox. Once Close
// returns, the receiver goroutine has exited.
type Socket struct {
	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	inbox  chan datagram
	done   chan struct{}
	closed chan struct{}
}

// Listen opens a UDP socket on addr (host:port, host may be empty for
// all interfaces) with SO_REUSEADDR and SO_BROADCAST set, matching the
// reference server's pattern of binding before spawning receive
// workers (see facebook-time's ptp4u server.startGeneralListener).
func Listen(addr string) (*Socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("udpnet: resolve %q: %w", addr, err)
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			})
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", udpAddr.String())
	if err != nil {
		return nil, fmt.Errorf("udpnet: listen %q: %w", addr, err)
	}
	conn := pc.(*net.UDPConn)

	s := &Socket{
		conn:   conn,
		pconn:  ipv4.NewPacketConn(conn),
		inbox:  make(chan datagram, inboxDepth),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	// LAN discovery never needs to cross a router; keep the broadcast
	// TTL at 1 so a misconfigured multi-homed host doesn't leak
	// announces onto a routed segment.
	_ = s.pconn.SetTTL(1)

	go s.receiveLoop()
	return s, nil
}

// SetTTL overrides the outgoing IP TTL used for datagrams sent on this
// socket. Discovery defaults to 1; callers needing to reach a peer
// across a router hop (unicast QUERY replies, for example) can raise it.
func (s *Socket) SetTTL(ttl int) error {
	return s.pconn.SetTTL(ttl)
}

// receiveLoop is the interrupt-context stand-in: it never logs,
// allocates on a hot steady-state path beyond the per-datagram buffer,
// or touches anything but the socket and the inbox channel.
func (s *Socket) receiveLoop() {
	defer close(s.closed)
	buf := make([]byte, 65535)
	for {
		select {
		case <-s.done:
			return
		default:
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue // timeout or transient read error; re-poll done
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case s.inbox <- datagram{payload: payload, from: from.String()}:
		default:
			// inbox full: drop, matching ISR discipline of never blocking.
		}
	}
}

// RecvUDP returns the next buffered datagram without blocking.
func (s *Socket) RecvUDP() (payload []byte, from string, ok bool) {
	select {
	case d := <-s.inbox:
		return d.payload, d.from, true
	default:
		return nil, "", false
	}
}

// BroadcastUDP sends payload to addr with the broadcast flag set.
func (s *Socket) BroadcastUDP(payload []byte, addr string) error {
	return s.SendUDP(payload, addr)
}

// SendUDP sends payload as a single unicast (or broadcast, if addr is
// a broadcast address) datagram.
func (s *Socket) SendUDP(payload []byte, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("udpnet: resolve %q: %w", addr, err)
	}
	_, err = s.conn.WriteToUDP(payload, udpAddr)
	return err
}

// Close stops the receiver goroutine and closes the socket.
func (s *Socket) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	err := s.conn.Close()
	<-s.closed
	return err
}
