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

// Package registry is the peer registry: a fixed-capacity table of
// peer slots split into hot data (touched on every inbound packet)
// and cold data (names, RTT estimate, counters, touched only for
// reporting), with index-based lookup and a validated state machine.
package registry

import (
	"github.com/eclesh/welford"

	"github.com/peertalk/peertalk/protocol"
)

// PeerID is a small integer in [1, capacity]. Zero is reserved for "invalid".
type PeerID uint16

// NameIndex indexes into the registry's cold name table.
type NameIndex int

// State is a peer's position in the connection lifecycle.
type State uint8

// Peer states, see the transition table in validTransition.
const (
	Unused State = iota
	Discovered
	Connecting
	Connected
	Disconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Unused:
		return "UNUSED"
	case Discovered:
		return "DISCOVERED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnecting:
		return "DISCONNECTING"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

const magicValid uint32 = 0x50545250 // "PTRP"

// ibufSize matches the reference implementation's inbound framing
// buffer. Outbound framing has its own per-slot buffers in the send
// pipeline (one per in-flight async send), so there is no analogous
// single obuf here.
const ibufSize = 512

const canarySentinel uint32 = 0xC0FFEE11

// hotPeer holds the fields touched during per-packet iteration
// (find_by_addr, discovery refresh, poll dispatch), apart from the
// cold name and statistics. With this field order and an int-sized
// nameIdx it occupies 48 bytes on a 64-bit target, so it does not fit
// in 32 bytes.
type hotPeer struct {
	id                  PeerID
	state               State
	addr                [4]byte
	port                uint16
	transportsAvailable Transports
	transportConnected  Transports
	nameIdx             NameIndex
	lastSeen            uint32
	connectStart        uint32
	sendSeq             uint8
	recvSeq             uint8
	magic               uint32
	canaryCorrupt       bool
}

// Transports re-exports the protocol package's transport bitmask so
// registry consumers don't need to import protocol just to read a
// peer's transport state.
type Transports = protocol.Transports

// coldPeer holds fields touched only for reporting: name, RTT
// estimate, and cumulative statistics.
type coldPeer struct {
	name        string
	rtt         *welford.Stats
	rttSamples  uint64
	bytesSent   uint64
	bytesRecv   uint64
	messagesIn  uint64
	messagesOut uint64

	canaryFront uint32
	ibuf        [ibufSize]byte
	canaryBack  uint32
}

func newColdPeer() *coldPeer {
	c := &coldPeer{rtt: welford.New()}
	c.canaryFront = canarySentinel
	c.canaryBack = canarySentinel
	return c
}

// PeerInfo is a read-only snapshot of a peer, returned by the
// registry's public lookup methods so callers never hold a live
// pointer into hot/cold storage across a poll iteration.
type PeerInfo struct {
	ID                  PeerID
	State               State
	Addr                [4]byte
	Port                uint16
	Name                string
	NameIdx             NameIndex
	TransportsAvailable Transports
	TransportConnected  Transports
	LastSeen            uint32
	ConnectStart        uint32
	RTTMean             float64
	RTTStddev           float64
}
