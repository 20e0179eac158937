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

package registry

import (
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Registry is mutated only from the main loop (see peertalk.Context.Poll);
// it is not safe for concurrent use.
type Registry struct {
	hot  []hotPeer  // index i holds the peer with id i+1
	cold []*coldPeer

	free []int // free-list of hot/cold indices

	version uint64
}

// New allocates a registry with room for capacity peers. All slots
// start UNUSED.
func New(capacity int) *Registry {
	r := &Registry{
		hot:  make([]hotPeer, capacity),
		cold: make([]*coldPeer, capacity),
		free: make([]int, capacity),
	}
	for i := range r.hot {
		r.hot[i].id = PeerID(i + 1)
		r.cold[i] = newColdPeer()
		r.free[capacity-1-i] = i // fill so index 0 pops first
	}
	return r
}

// Capacity returns the fixed number of peer slots.
func (r *Registry) Capacity() int { return len(r.hot) }

// Version returns the monotonically increasing counter bumped on every
// add, remove, or rename, letting applications detect peer-set changes
// in O(1) without diffing the whole table.
func (r *Registry) Version() uint64 { return atomic.LoadUint64(&r.version) }

func (r *Registry) bumpVersion() { atomic.AddUint64(&r.version, 1) }

func (r *Registry) valid(idx int) bool {
	return idx >= 0 && idx < len(r.hot) && r.hot[idx].state != Unused && r.hot[idx].magic == magicValid
}

func (r *Registry) info(idx int) PeerInfo {
	h := &r.hot[idx]
	c := r.cold[idx]
	mean, stddev := 0.0, 0.0
	if c.rttSamples > 0 {
		mean = c.rtt.Mean()
		stddev = c.rtt.Stddev()
	}
	return PeerInfo{
		ID:                  h.id,
		State:               h.state,
		Addr:                h.addr,
		Port:                h.port,
		Name:                c.name,
		NameIdx:             h.nameIdx,
		TransportsAvailable: h.transportsAvailable,
		TransportConnected:  h.transportConnected,
		LastSeen:            h.lastSeen,
		ConnectStart:        h.connectStart,
		RTTMean:             mean,
		RTTStddev:           stddev,
	}
}

// FindByID is O(1); it rejects id == 0, an out-of-range id, an UNUSED
// slot, or a slot whose magic does not match (stale handle from a
// destroyed peer).
func (r *Registry) FindByID(id PeerID) (PeerInfo, bool) {
	if id == 0 {
		return PeerInfo{}, false
	}
	idx := int(id) - 1
	if !r.valid(idx) {
		return PeerInfo{}, false
	}
	return r.info(idx), true
}

// FindByAddr scans only hot data: this is called once per inbound
// packet and must not touch cold fields (names, stats) to keep the
// working set small.
func (r *Registry) FindByAddr(addr [4]byte, port uint16) (PeerInfo, bool) {
	for i := range r.hot {
		h := &r.hot[i]
		if h.state == Unused || h.magic != magicValid {
			continue
		}
		if h.addr == addr && h.port == port {
			return r.info(i), true
		}
	}
	return PeerInfo{}, false
}

// FindByName scans hot data's nameIdx into cold storage; used for
// cross-transport peer deduplication (a peer discovered over UDP and
// later seen again on another transport advertising the same name).
func (r *Registry) FindByName(name string) (PeerInfo, bool) {
	for i := range r.hot {
		h := &r.hot[i]
		if h.state == Unused || h.magic != magicValid {
			continue
		}
		if r.cold[i].name == name {
			return r.info(i), true
		}
	}
	return PeerInfo{}, false
}

// Create returns the existing peer if one already matches (addr, port),
// refreshing its last-seen tick and name. Otherwise it claims a free
// slot, initializes it, and returns the new peer. It returns false if
// no slots are free.
func (r *Registry) Create(name string, addr [4]byte, port uint16, now uint32) (PeerInfo, bool) {
	if existing, ok := r.FindByAddr(addr, port); ok {
		idx := int(existing.ID) - 1
		r.hot[idx].lastSeen = now
		if r.cold[idx].name != name {
			r.cold[idx].name = name
			r.bumpVersion()
		}
		return r.info(idx), true
	}

	if len(r.free) == 0 {
		log.WithFields(log.Fields{"addr": addr, "port": port}).Warn("peer registry full, rejecting new peer")
		return PeerInfo{}, false
	}

	idx := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]

	h := &r.hot[idx]
	h.state = Discovered
	h.addr = addr
	h.port = port
	h.transportsAvailable = 0
	h.transportConnected = 0
	h.lastSeen = now
	h.connectStart = 0
	h.sendSeq = 0
	h.recvSeq = 0
	h.magic = magicValid
	h.canaryCorrupt = false
	h.nameIdx = NameIndex(idx)

	c := newColdPeer()
	c.name = name
	r.cold[idx] = c

	r.bumpVersion()
	log.WithFields(log.Fields{"id": h.id, "name": name, "addr": addr, "port": port}).Info("peer discovered")

	return r.info(idx), true
}

// validTransition implements the state machine in the peer lifecycle
// invariants: UNUSED only advances to DISCOVERED; CONNECTED is
// reachable from DISCOVERED or CONNECTING; DISCONNECTING only leads to
// UNUSED; FAILED may reset to UNUSED or recover back to DISCOVERED.
func validTransition(from, to State) bool {
	switch from {
	case Unused:
		return to == Discovered
	case Discovered:
		return to == Connecting || to == Connected || to == Failed || to == Unused
	case Connecting:
		return to == Connected || to == Failed || to == Unused
	case Connected:
		return to == Disconnecting || to == Failed
	case Disconnecting:
		return to == Unused
	case Failed:
		return to == Unused || to == Discovered
	default:
		return false
	}
}

// SetState validates the transition against the peer lifecycle table.
// An invalid transition leaves state unchanged and returns an error.
func (r *Registry) SetState(id PeerID, to State) error {
	if id == 0 {
		return fmt.Errorf("invalid peer id 0")
	}
	idx := int(id) - 1
	if !r.valid(idx) {
		return fmt.Errorf("peer %d not found", id)
	}
	h := &r.hot[idx]
	if !validTransition(h.state, to) {
		return fmt.Errorf("invalid transition %s -> %s for peer %d", h.state, to, id)
	}

	from := h.state
	h.state = to

	fields := log.Fields{"id": id, "from": from, "to": to}
	if to == Connected {
		log.WithFields(fields).Info("peer state transition")
	} else {
		log.WithFields(fields).Debug("peer state transition")
	}
	return nil
}

// SetConnectStart records the tick at which a CONNECTING attempt began.
func (r *Registry) SetConnectStart(id PeerID, now uint32) {
	idx := int(id) - 1
	if r.valid(idx) {
		r.hot[idx].connectStart = now
	}
}

// Touch refreshes last_seen for an existing peer (e.g. on receipt of
// any datagram, not just ANNOUNCE).
func (r *Registry) Touch(id PeerID, now uint32) {
	idx := int(id) - 1
	if r.valid(idx) {
		r.hot[idx].lastSeen = now
	}
}

// SetTransportsAvailable ORs in newly observed transport bits.
func (r *Registry) SetTransportsAvailable(id PeerID, t Transports) {
	idx := int(id) - 1
	if r.valid(idx) {
		r.hot[idx].transportsAvailable |= t
	}
}

// SetTransportConnected records which transport a peer is actually
// connected over.
func (r *Registry) SetTransportConnected(id PeerID, t Transports) {
	idx := int(id) - 1
	if r.valid(idx) {
		r.hot[idx].transportConnected = t
	}
}

// ObserveRTT folds a round-trip-time sample (in milliseconds) into the
// peer's online mean/variance estimator.
func (r *Registry) ObserveRTT(id PeerID, rttMillis float64) {
	idx := int(id) - 1
	if r.valid(idx) {
		r.cold[idx].rtt.Add(rttMillis)
		r.cold[idx].rttSamples++
	}
}

// AddBytesSent/AddBytesRecv accumulate cold-storage traffic counters.
func (r *Registry) AddBytesSent(id PeerID, n uint64) {
	idx := int(id) - 1
	if r.valid(idx) {
		r.cold[idx].bytesSent += n
		r.cold[idx].messagesOut++
	}
}

func (r *Registry) AddBytesRecv(id PeerID, n uint64) {
	idx := int(id) - 1
	if r.valid(idx) {
		r.cold[idx].bytesRecv += n
		r.cold[idx].messagesIn++
	}
}

// NextSendSeq returns and increments the peer's 8-bit send sequence
// counter, wrapping naturally at 256.
func (r *Registry) NextSendSeq(id PeerID) uint8 {
	idx := int(id) - 1
	if !r.valid(idx) {
		return 0
	}
	seq := r.hot[idx].sendSeq
	r.hot[idx].sendSeq++
	return seq
}

// IsTimedOut reports whether a peer's last_seen predates now by more
// than timeout ticks. A peer that has never been seen (last_seen == 0)
// never times out via this check.
func (r *Registry) IsTimedOut(id PeerID, now, timeout uint32) bool {
	idx := int(id) - 1
	if !r.valid(idx) {
		return false
	}
	lastSeen := r.hot[idx].lastSeen
	return lastSeen != 0 && now-lastSeen > timeout
}

// CheckCanaries verifies the debug canary words bracketing a peer's
// framing buffers. On mismatch it sets a volatile flag on the peer so
// interrupt-context callers can cheaply detect prior corruption without
// calling the logger themselves; the main loop is responsible for
// observing and logging it.
func (r *Registry) CheckCanaries(id PeerID) bool {
	idx := int(id) - 1
	if !r.valid(idx) {
		return true
	}
	c := r.cold[idx]
	ok := c.canaryFront == canarySentinel && c.canaryBack == canarySentinel
	if !ok {
		r.hot[idx].canaryCorrupt = true
	}
	return ok
}

// CanaryCorrupt reports whether a prior CheckCanaries call observed corruption.
func (r *Registry) CanaryCorrupt(id PeerID) bool {
	idx := int(id) - 1
	if !r.valid(idx) {
		return false
	}
	return r.hot[idx].canaryCorrupt
}

// IBuf gives the connection engine access to a peer's pre-allocated,
// canary-bracketed inbound buffer for incremental frame reassembly.
func (r *Registry) IBuf(id PeerID) []byte {
	idx := int(id) - 1
	if !r.valid(idx) {
		return nil
	}
	return r.cold[idx].ibuf[:]
}

// Destroy clears magic, state, name, and address, reclaims the slot
// onto the free list, and bumps the registry version.
func (r *Registry) Destroy(id PeerID) {
	idx := int(id) - 1
	if idx < 0 || idx >= len(r.hot) || r.hot[idx].state == Unused {
		return
	}
	h := &r.hot[idx]
	log.WithFields(log.Fields{"id": id, "name": r.cold[idx].name}).Debug("destroying peer")

	h.state = Unused
	h.magic = 0
	h.addr = [4]byte{}
	h.port = 0
	h.nameIdx = 0
	r.cold[idx] = newColdPeer()

	r.free = append(r.free, idx)
	r.bumpVersion()
}

// Name resolves a peer's NameIndex (as returned in PeerInfo via
// FindByID et al., or carried separately by a caller that only kept
// the hot fields) into its cold-storage name. Callbacks that only need
// a name should go through this indexed lookup rather than holding a
// full PeerInfo, keeping the hot/cold separation meaningful even on a
// target with abundant cache.
func (r *Registry) Name(idx NameIndex) (string, bool) {
	i := int(idx)
	if i < 0 || i >= len(r.cold) || r.hot[i].state == Unused || r.hot[i].magic != magicValid {
		return "", false
	}
	return r.cold[i].name, true
}

// All returns a snapshot of every non-UNUSED peer, for periodic scans
// (discovery expiry, poll-loop dispatch). The caller must not assume
// the slice stays current across the next mutation.
func (r *Registry) All() []PeerInfo {
	out := make([]PeerInfo, 0, len(r.hot))
	for i := range r.hot {
		if r.hot[i].state == Unused || r.hot[i].magic != magicValid {
			continue
		}
		out = append(out, r.info(i))
	}
	return out
}
