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

package queue

import (
	"errors"

	log "github.com/sirupsen/logrus"
)

// ErrEmpty is returned when every priority list is empty.
var ErrEmpty = errors.New("queue empty")

// PopPriority dequeues the head of the highest non-empty priority list
// (CRITICAL, then HIGH, NORMAL, LOW; FIFO within a level), copies its
// payload into dst, and frees the slot.
func (q *Queue) PopPriority(dst []byte) (n int, priority Priority, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx, p, ok := q.popHeadLocked()
	if !ok {
		return 0, 0, ErrEmpty
	}

	n = copy(dst, q.slots[idx].data[:q.slots[idx].length])
	q.freeSlotLocked(idx)
	return n, p, nil
}

// PopPriorityDirect returns a slice pointing directly at the head
// slot's buffer, avoiding a copy. The caller must finish using the
// slice before calling PopPriorityCommit, which invalidates it by
// performing the actual unlink; without a matching commit the count
// is left unchanged and the slot is not freed.
func (q *Queue) PopPriorityDirect() (data []byte, priority Priority, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.hasPending {
		return nil, 0, false
	}

	idx, p, found := q.peekHeadLocked()
	if !found {
		return nil, 0, false
	}
	q.pendingSlot = idx
	q.pendingPriority = p
	q.hasPending = true

	return q.slots[idx].data[:q.slots[idx].length], p, true
}

// PopPriorityCommit performs the unlink stashed by PopPriorityDirect.
// Calling it without a prior PopPriorityDirect is a no-op.
func (q *Queue) PopPriorityCommit() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.hasPending {
		return
	}
	q.unlinkHead(q.pendingPriority)
	q.freeSlotLocked(q.pendingSlot)
	q.hasPending = false
}

// peekHeadLocked returns the index of the head of the highest
// non-empty priority list without removing it. Caller holds mu.
func (q *Queue) peekHeadLocked() (int, Priority, bool) {
	for p := Critical; p < numPriorities; p++ {
		if q.pri[p].count > 0 {
			return q.pri[p].head, p, true
		}
	}
	return 0, 0, false
}

// popHeadLocked unlinks and returns the head of the highest non-empty
// priority list. Caller holds mu.
func (q *Queue) popHeadLocked() (int, Priority, bool) {
	for p := Critical; p < numPriorities; p++ {
		if q.pri[p].count > 0 {
			return q.unlinkHead(p), p, true
		}
	}
	return 0, 0, false
}

// freeSlotLocked removes idx from the coalesce hash (if still tracked
// there), clears its flags, and returns it to the free list. Caller
// holds mu. It also refreshes prevFillPercent to the post-drain level,
// so a WARN threshold crossed on a later push re-fires even after a
// drain brought the queue back below it.
func (q *Queue) freeSlotLocked(idx int) {
	q.removeFromCoalesceHash(idx)
	s := &q.slots[idx]
	s.flags = 0
	s.coalesceKey = 0
	s.length = 0
	q.free = append(q.free, idx)
	q.count--
	q.readIdx = (q.readIdx + 1) & uint32(q.mask)
	q.prevFillPercent = q.fillPercent()
}

// Backpressure reports the current drop-policy tier for the queue's
// fill level: 25/50/75% thresholds cross NONE->LIGHT->HEAVY->BLOCKING.
func (q *Queue) Backpressure() Backpressure {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backpressureLocked()
}

func (q *Queue) backpressureLocked() Backpressure {
	pct := q.fillPercent()
	switch {
	case pct >= 75:
		return Blocking
	case pct >= 50:
		return Heavy
	case pct >= 25:
		return Light
	default:
		return None
	}
}

// TryPush applies the queue's drop policy before pushing: under
// BLOCKING only CRITICAL is accepted; under HEAVY only HIGH or higher;
// under LIGHT everything is accepted but the returned pressure informs
// the caller it should slow down; under NONE everything is accepted.
// Dropped messages are logged at WARN with the cause.
func (q *Queue) TryPush(data []byte, priority Priority, key uint16, now uint32) (pressure Backpressure, err error) {
	q.mu.Lock()
	pressure = q.backpressureLocked()
	q.mu.Unlock()

	dropped := false
	switch pressure {
	case Blocking:
		dropped = priority != Critical
	case Heavy:
		dropped = priority != Critical && priority != High
	}

	if dropped {
		log.WithFields(log.Fields{"priority": priority, "pressure": pressure}).Warn("queue: message dropped by backpressure policy")
		return pressure, ErrBackpressure
	}

	if err := q.PushCoalesce(data, priority, key, now); err != nil {
		log.WithFields(log.Fields{"priority": priority, "pressure": pressure, "err": err}).Warn("queue: push failed")
		return pressure, err
	}
	return pressure, nil
}

// ErrBackpressure is returned by TryPush when a message is dropped by
// the backpressure policy rather than a full queue.
var ErrBackpressure = errors.New("message dropped by backpressure policy")
