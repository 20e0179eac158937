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

// Package pipeline is the per-peer send pipeline: a bounded set
// of in-flight async send slots, each owning a pre-allocated buffer,
// enabling pipelined transmission with completion detected by polling
// a platform-reported status word once per main-loop iteration.
//
// The pipeline never cancels an issued send: some target platforms
// have no cancel primitive, so a slot's buffer stays reserved until
// the platform reports completion, regardless of what happens to the
// peer in the meantime.
package pipeline

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/peertalk/peertalk/protocol"
)

// StandardDepth and ConstrainedDepth mirror the reference's standard
// and memory-constrained builds.
const (
	StandardDepth    = 4
	ConstrainedDepth = 2
)

const frameOverhead = protocol.MessageHeaderLen + 2 // header + trailing CRC-16

// ErrWouldBlock is returned by SendAsync when every slot is busy.
var ErrWouldBlock = errors.New("pipeline: would block, all slots busy")

// AsyncSender is the platform contract a pipeline drives: issue an
// async send of a framed buffer, and later poll its completion status.
// done reports completion; once done, a status of 0 means success and
// any other value means the send failed.
type AsyncSender interface {
	SendAsync(frame []byte) (token uint32, err error)
	PollStatus(token uint32) (status int, done bool)
}

type slot struct {
	buf       []byte
	token     uint32
	inUse     bool
	completed bool
}

// Pipeline is a fixed-size array of send slots for one peer. Buffers
// are allocated once, on construction (intended to run on peer
// CONNECTED entry), and never allocated again in the send hot path.
type Pipeline struct {
	platform     AsyncSender
	slots        []slot
	pendingCount int
	nextSlot     int
}

// New allocates depth buffers sized for maxPayload plus framing
// overhead, and binds them to platform's async-send primitive.
func New(platform AsyncSender, depth, maxPayload int) *Pipeline {
	p := &Pipeline{
		platform: platform,
		slots:    make([]slot, depth),
	}
	for i := range p.slots {
		p.slots[i].buf = make([]byte, maxPayload+frameOverhead)
	}
	return p
}

// Depth returns the fixed number of in-flight slots.
func (p *Pipeline) Depth() int { return len(p.slots) }

// PendingCount returns the number of slots currently in flight
// (issued but not yet observed complete).
func (p *Pipeline) PendingCount() int { return p.pendingCount }

// SlotsAvailable returns Depth() - PendingCount().
func (p *Pipeline) SlotsAvailable() int { return len(p.slots) - p.pendingCount }

// SendAsync frames header+payload+CRC into a free slot's buffer, hands
// it to the platform's async-send primitive, and returns immediately.
// It returns ErrWouldBlock when every slot is busy.
func (p *Pipeline) SendAsync(h *protocol.MessageHeader, payload []byte) error {
	idx := -1
	for i := 0; i < len(p.slots); i++ {
		j := (p.nextSlot + i) % len(p.slots)
		if !p.slots[j].inUse {
			idx = j
			break
		}
	}
	if idx == -1 {
		return ErrWouldBlock
	}
	p.nextSlot = (idx + 1) % len(p.slots)

	s := &p.slots[idx]
	n, err := protocol.EncodeMessage(h, payload, s.buf)
	if err != nil {
		return err
	}

	token, err := p.platform.SendAsync(s.buf[:n])
	if err != nil {
		return err
	}

	s.token = token
	s.inUse = true
	s.completed = false
	p.pendingCount++
	return nil
}

// PollCompletions inspects every busy slot's platform-reported status
// once, freeing any that have completed, and returns how many
// completed this call. A non-zero completion status is logged at WARN.
func (p *Pipeline) PollCompletions() int {
	completed := 0
	for i := range p.slots {
		s := &p.slots[i]
		if !s.inUse || s.completed {
			continue
		}
		status, done := p.platform.PollStatus(s.token)
		if !done {
			continue
		}
		s.completed = true
		s.inUse = false
		p.pendingCount--
		completed++
		if status != 0 {
			log.WithFields(log.Fields{"slot": i, "status": status}).Warn("pipeline: send completed with non-zero status")
		}
	}
	return completed
}

// Cleanup polls for all in-flight slots to complete, up to timeout,
// then returns. It is meant to run outside the per-iteration Poll
// path, on peer teardown, where a bounded wait is acceptable.
func (p *Pipeline) Cleanup(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for p.pendingCount > 0 && time.Now().Before(deadline) {
		p.PollCompletions()
		if p.pendingCount > 0 {
			time.Sleep(time.Millisecond)
		}
	}
	if p.pendingCount > 0 {
		log.WithField("pending", p.pendingCount).Warn("pipeline: cleanup timed out with sends still in flight")
	}
}
