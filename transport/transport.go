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

// Package transport names the platform ops contract: the vtable
// a concrete transport driver fills in so the platform-independent
// core (protocol, registry, queue, pipeline, discovery, conn) never
// touches a socket, a MacTCP driver, or an Open Transport endpoint
// directly. This package specifies the contract precisely; the
// udpnet/tcpnet subpackages ship one reference POSIX implementation.
package transport

import "time"

// Platform is the set of non-blocking (or short-timeout) primitives
// the core depends on. No method may block for longer than a small,
// bounded duration: the poll loop calls these every iteration and
// must never stall.
type Platform interface {
	// BroadcastUDP sends payload as a UDP broadcast to addr (host:port).
	BroadcastUDP(payload []byte, addr string) error
	// SendUDP sends payload as a unicast UDP datagram to addr.
	SendUDP(payload []byte, addr string) error
	// RecvUDP returns the next buffered inbound UDP datagram, if any,
	// without blocking.
	RecvUDP() (payload []byte, from string, ok bool)

	// ListenTCP starts accepting inbound TCP connections on addr.
	ListenTCP(addr string) error
	// AcceptTCP returns a newly accepted connection, if one is ready,
	// without blocking. The listener is re-armed before this returns
	// so accept latency stays bounded.
	AcceptTCP() (Conn, bool)
	// DialTCP opens an outbound TCP connection. The reference driver
	// returns once the connection is established or has failed, and
	// the connection engine treats a successful return as connected.
	DialTCP(addr string) (Conn, error)

	// Now returns the platform's notion of current time. The core
	// packages do not call it; the reference receiver goroutines read
	// time.Now directly to set socket read deadlines.
	Now() time.Time

	// Close tears down the platform's UDP socket and TCP listener and
	// waits for its UDP receiver goroutine to exit. Connections handed
	// out by DialTCP/AcceptTCP are not closed by it.
	Close() error
}

// Conn is a single TCP (or ADSP) connection: non-blocking receive,
// async send with polled completion, and a short-timeout close.
type Conn interface {
	// SendAsync hands frame to the platform's async-send primitive and
	// returns a token to later poll with PollStatus. The buffer backing
	// frame must remain valid until completion is observed.
	SendAsync(frame []byte) (token uint32, err error)
	// PollStatus reports a previously issued send's status. done
	// reports completion; once done, a status of 0 means success and
	// any other value means the send failed.
	PollStatus(token uint32) (status int, done bool)

	// Recv returns the next buffered inbound chunk, if any, without
	// blocking. Frame reassembly from a byte stream is the caller's
	// responsibility (see the conn package's ibuf-based framing).
	Recv() (data []byte, ok bool)

	// RemoteAddr identifies the peer this connection reaches.
	RemoteAddr() string

	// CloseAsync starts a graceful close with the given timeout and
	// returns immediately; completion is observed via Closed.
	CloseAsync(timeout time.Duration)
	// Closed reports whether a close (graceful or abortive) has completed.
	Closed() bool
	// Abort closes the connection immediately without waiting for a
	// graceful handshake, used on unrecoverable I/O error.
	Abort() error
}
