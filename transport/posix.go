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

package transport

import (
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/peertalk/peertalk/transport/tcpnet"
	"github.com/peertalk/peertalk/transport/udpnet"
)

// posixPlatform wires the udpnet/tcpnet reference drivers together
// into the Platform contract.
type posixPlatform struct {
	udp *udpnet.Socket
	tcp *tcpnet.Listener
}

// NewPOSIX opens a UDP socket on udpAddr and a TCP listener on
// tcpAddr, returning a Platform backed by net.UDPConn/net.TCPConn.
func NewPOSIX(udpAddr, tcpAddr string) (Platform, error) {
	udp, err := udpnet.Listen(udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: udp listen: %w", err)
	}
	tcp, err := tcpnet.Listen(tcpAddr)
	if err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("transport: tcp listen: %w", err)
	}
	return &posixPlatform{udp: udp, tcp: tcp}, nil
}

func (p *posixPlatform) BroadcastUDP(payload []byte, addr string) error {
	return p.udp.BroadcastUDP(payload, addr)
}

func (p *posixPlatform) SendUDP(payload []byte, addr string) error {
	return p.udp.SendUDP(payload, addr)
}

func (p *posixPlatform) RecvUDP() ([]byte, string, bool) {
	return p.udp.RecvUDP()
}

func (p *posixPlatform) ListenTCP(addr string) error {
	ln, err := tcpnet.Listen(addr)
	if err != nil {
		return err
	}
	if p.tcp != nil {
		_ = p.tcp.Close()
	}
	p.tcp = ln
	return nil
}

func (p *posixPlatform) AcceptTCP() (Conn, bool) {
	c, ok := p.tcp.Accept()
	if !ok {
		return nil, false
	}
	return c, true
}

func (p *posixPlatform) DialTCP(addr string) (Conn, error) {
	return tcpnet.Dial(addr)
}

func (p *posixPlatform) Now() time.Time {
	return time.Now()
}

// Close tears down the UDP socket and TCP listener concurrently via
// errgroup, returning the first error either reports.
func (p *posixPlatform) Close() error {
	var g errgroup.Group
	g.Go(p.udp.Close)
	g.Go(p.tcp.Close)
	return g.Wait()
}
