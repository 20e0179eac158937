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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/peertalk/peertalk/conn"
	"github.com/peertalk/peertalk/pipeline"
	"github.com/peertalk/peertalk/protocol"
	"github.com/peertalk/peertalk/queue"
	"github.com/peertalk/peertalk/registry"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	require.Equal(t, 32, cfg.MaxPeers)
	require.Equal(t, protocol.TransportTCP, cfg.Transports)
	require.Equal(t, "255.255.255.255:7331", cfg.DiscoveryAddr)
	require.Equal(t, "0.0.0.0:7331", cfg.UDPListenAddr)
	require.Equal(t, "0.0.0.0:7332", cfg.TCPListenAddr)
	require.Equal(t, 2*time.Second, cfg.AnnounceInterval)
	require.Equal(t, 10*time.Second, cfg.PeerTimeout)
	require.Equal(t, time.Duration(conn.DefaultConnectTimeoutMs)*time.Millisecond, cfg.ConnectTimeout)
	require.Equal(t, conn.LANCloseTimeout, cfg.CloseTimeout)
	require.Equal(t, 16, cfg.QueueCapacity)
	require.Equal(t, pipeline.StandardDepth, cfg.PipelineDepth)
	require.Equal(t, queue.SlotSize, cfg.MaxPayload)
}

func TestConfigDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := Config{MaxPeers: 4, Name: "custom"}.withDefaults()
	require.Equal(t, 4, cfg.MaxPeers)
	require.Equal(t, "custom", cfg.Name)
}

func newTestContext(t *testing.T, net *loopbackNetwork, ip string) *Context {
	t.Helper()
	plat := newLoopbackPlatform(net, ip+":7331", ip+":7332")
	ctx, err := NewWithPlatform(Config{
		Name:          "node-" + ip,
		DiscoveryAddr: "255.255.255.255:7331",
		UDPListenAddr: ip + ":7331",
		TCPListenAddr: ip + ":7332",
		QueueCapacity: 16,
	}, plat)
	require.NoError(t, err)
	return ctx
}

func TestSendRejectsUnknownPeer(t *testing.T) {
	net := newLoopbackNetwork()
	ctx := newTestContext(t, net, "10.0.0.1")

	err := ctx.Send(registry.PeerID(999), []byte("hi"))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrPeerNotFound)
}

func TestSendRejectsDisconnectedPeer(t *testing.T) {
	net := newLoopbackNetwork()
	ctx := newTestContext(t, net, "10.0.0.1")

	p, ok := ctx.reg.Create("Bob", [4]byte{10, 0, 0, 2}, 7332, 1)
	require.True(t, ok)

	err := ctx.Send(p.ID, []byte("hi"))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSendRejectsOversizePayload(t *testing.T) {
	net := newLoopbackNetwork()
	ctx := newTestContext(t, net, "10.0.0.1")
	newLoopbackPlatform(net, "10.0.0.2:7331", "10.0.0.2:7332") // give Bob somewhere to dial

	p, _ := ctx.reg.Create("Bob", [4]byte{10, 0, 0, 2}, 7332, 1)
	require.NoError(t, ctx.Connect(p.ID))

	big := make([]byte, maxSendPayload+1)
	err := ctx.Send(p.ID, big)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestPeerAccessors(t *testing.T) {
	net := newLoopbackNetwork()
	ctx := newTestContext(t, net, "10.0.0.1")

	p, ok := ctx.reg.Create("Bob", [4]byte{10, 0, 0, 2}, 7332, 1)
	require.True(t, ok)

	got, ok := ctx.PeerByID(p.ID)
	require.True(t, ok)
	require.Equal(t, p.ID, got.ID)

	name, ok := ctx.PeerName(got.NameIdx)
	require.True(t, ok)
	require.Equal(t, "Bob", name)

	require.Len(t, ctx.Peers(), 1)
	require.Equal(t, ctx.reg.Version(), ctx.PeersVersion())
}

// waitFor runs Poll on every context up to maxIters times, stopping as
// soon as cond reports true.
func waitFor(maxIters int, cond func() bool, poll ...func()) bool {
	for i := 0; i < maxIters; i++ {
		if cond() {
			return true
		}
		for _, p := range poll {
			p()
		}
	}
	return cond()
}

// TestDiscoveryRoundTrip covers two nodes broadcasting ANNOUNCE over a
// shared medium discovering each other.
func TestDiscoveryRoundTrip(t *testing.T) {
	net := newLoopbackNetwork()
	a := newTestContext(t, net, "10.0.0.1")
	b := newTestContext(t, net, "10.0.0.2")

	var aDiscovered, bDiscovered []registry.PeerInfo
	a.SetCallbacks(Callbacks{OnPeerDiscovered: func(p registry.PeerInfo) { aDiscovered = append(aDiscovered, p) }})
	b.SetCallbacks(Callbacks{OnPeerDiscovered: func(p registry.PeerInfo) { bDiscovered = append(bDiscovered, p) }})

	a.StartDiscovery()
	b.StartDiscovery()

	ok := waitFor(20, func() bool { return len(aDiscovered) > 0 && len(bDiscovered) > 0 }, a.Poll, b.Poll)
	require.True(t, ok)

	require.Len(t, aDiscovered, 1)
	require.Equal(t, "node-10.0.0.2", aDiscovered[0].Name)
	require.Len(t, bDiscovered, 1)
	require.Equal(t, "node-10.0.0.1", bDiscovered[0].Name)
}

// TestConnectSendReceive covers S2: an outbound Connect completes and
// a queued message is delivered and reassembled on the other side.
func TestConnectSendReceive(t *testing.T) {
	net := newLoopbackNetwork()
	a := newTestContext(t, net, "10.0.0.1")
	b := newTestContext(t, net, "10.0.0.2")

	a.StartDiscovery()
	b.StartDiscovery()
	ok := waitFor(20, func() bool { return len(a.Peers()) > 0 && len(b.Peers()) > 0 }, a.Poll, b.Poll)
	require.True(t, ok)

	bPeer := a.Peers()[0]
	require.NoError(t, a.Connect(bPeer.ID))

	ok = waitFor(20, func() bool {
		for _, p := range a.Peers() {
			if p.State == registry.Connected {
				return true
			}
		}
		return false
	}, a.Poll, b.Poll)
	require.True(t, ok)

	var received [][]byte
	b.SetCallbacks(Callbacks{OnMessageReceived: func(id registry.PeerID, msgType protocol.MessageType, data []byte) {
		received = append(received, append([]byte(nil), data...))
	}})

	require.NoError(t, a.Send(bPeer.ID, []byte("hello from a")))

	ok = waitFor(20, func() bool { return len(received) > 0 }, a.Poll, b.Poll)
	require.True(t, ok)
	require.Equal(t, []byte("hello from a"), received[0])
}

// TestGracefulDisconnect covers S6: an explicit Disconnect drives the
// initiating side to its terminal state and fires its disconnect
// callback; the remote side is not checked.
func TestGracefulDisconnect(t *testing.T) {
	net := newLoopbackNetwork()
	a := newTestContext(t, net, "10.0.0.1")
	b := newTestContext(t, net, "10.0.0.2")

	a.StartDiscovery()
	b.StartDiscovery()
	ok := waitFor(20, func() bool { return len(a.Peers()) > 0 && len(b.Peers()) > 0 }, a.Poll, b.Poll)
	require.True(t, ok)

	bPeer := a.Peers()[0]
	require.NoError(t, a.Connect(bPeer.ID))
	ok = waitFor(20, func() bool { return a.conn.Connected(bPeer.ID) }, a.Poll, b.Poll)
	require.True(t, ok)

	var disconnected []registry.PeerInfo
	a.SetCallbacks(Callbacks{OnPeerDisconnected: func(p registry.PeerInfo) { disconnected = append(disconnected, p) }})

	require.NoError(t, a.Disconnect(bPeer.ID))

	ok = waitFor(20, func() bool { return len(disconnected) > 0 }, a.Poll, b.Poll)
	require.True(t, ok)
	require.False(t, a.conn.Connected(bPeer.ID))
}

// TestSendCoalescesRepeatedKey covers S3: successive sends that share
// a non-zero coalesce key collapse into a single queued entry.
func TestSendCoalescesRepeatedKey(t *testing.T) {
	net := newLoopbackNetwork()
	a := newTestContext(t, net, "10.0.0.1")
	b := newTestContext(t, net, "10.0.0.2")

	a.StartDiscovery()
	b.StartDiscovery()
	ok := waitFor(20, func() bool { return len(a.Peers()) > 0 }, a.Poll, b.Poll)
	require.True(t, ok)

	bPeer := a.Peers()[0]
	require.NoError(t, a.Connect(bPeer.ID))
	ok = waitFor(20, func() bool { return a.conn.Connected(bPeer.ID) }, a.Poll, b.Poll)
	require.True(t, ok)

	require.NoError(t, a.SendEx(bPeer.ID, []byte("v1"), 0, queue.Normal, 42))
	require.NoError(t, a.SendEx(bPeer.ID, []byte("v2"), 0, queue.Normal, 42))
	require.NoError(t, a.SendEx(bPeer.ID, []byte("v3"), 0, queue.Normal, 42))

	var received [][]byte
	b.SetCallbacks(Callbacks{OnMessageReceived: func(id registry.PeerID, msgType protocol.MessageType, data []byte) {
		received = append(received, append([]byte(nil), data...))
	}})

	ok = waitFor(20, func() bool { return len(received) > 0 }, a.Poll, b.Poll)
	require.True(t, ok)
	require.Len(t, received, 1)
	require.Equal(t, []byte("v3"), received[0])
}

func TestShutdownClosesConnectedPeers(t *testing.T) {
	net := newLoopbackNetwork()
	a := newTestContext(t, net, "10.0.0.1")
	b := newTestContext(t, net, "10.0.0.2")

	a.StartDiscovery()
	b.StartDiscovery()
	ok := waitFor(20, func() bool { return len(a.Peers()) > 0 }, a.Poll, b.Poll)
	require.True(t, ok)

	bPeer := a.Peers()[0]
	require.NoError(t, a.Connect(bPeer.ID))
	ok = waitFor(20, func() bool { return a.conn.Connected(bPeer.ID) }, a.Poll, b.Poll)
	require.True(t, ok)

	require.NoError(t, a.Shutdown())
	require.False(t, a.disc.Running())
}

func TestEnsureQueuePanicsOnInvalidCapacity(t *testing.T) {
	net := newLoopbackNetwork()
	ctx := newTestContext(t, net, "10.0.0.1")
	ctx.cfg.QueueCapacity = 3 // not a power of two

	require.Panics(t, func() { ctx.ensureQueue(registry.PeerID(1)) })
}
