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

	"github.com/peertalk/peertalk/compat"
)

// ErrFull is returned when a queue has no free slot.
var ErrFull = errors.New("queue full")

// ErrTooLarge is returned when a payload exceeds SlotSize.
var ErrTooLarge = errors.New("payload exceeds slot size")

// Push is the main-loop producer path. It copies data into the next
// free slot, appends it to the tail of its priority's FIFO list, and
// sets the has-data signal. Crossing 80/90/95% fill for the first time
// emits a WARN backpressure log; the crossing is detected by comparing
// the fill percentage before and after this push so each threshold
// fires only once per crossing.
func (q *Queue) Push(data []byte, priority Priority, flags Flags, now uint32) error {
	if len(data) > SlotSize {
		return ErrTooLarge
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	idx, err := q.allocLocked()
	if err != nil {
		return err
	}

	s := &q.slots[idx]
	s.timestamp = now
	s.length = compat.Copy(s.data[:], data)
	s.coalesceKey = 0
	s.priority = priority
	s.flags = flags | FlagUsed | FlagReady

	q.linkTail(priority, idx)
	q.count++
	q.writeIdx = (q.writeIdx + 1) & uint32(q.mask)
	q.hasData.Set()

	q.maybeWarnBackpressure()
	return nil
}

// PushCoalesce behaves like Push, except that when key is non-zero and
// the coalesce hash already holds a live slot for that exact key, the
// existing slot's payload is overwritten in place: the timestamp is
// refreshed, count is unchanged, and the slot keeps its position in
// its priority's FIFO list. A bucket collision with a different key is
// not a match and falls through to a normal push.
func (q *Queue) PushCoalesce(data []byte, priority Priority, key uint16, now uint32) error {
	if len(data) > SlotSize {
		return ErrTooLarge
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if key != 0 {
		if idx, ok := q.findCoalesceLocked(key); ok {
			s := &q.slots[idx]
			s.timestamp = now
			s.length = compat.Copy(s.data[:], data)
			return nil
		}
	}

	idx, err := q.allocLocked()
	if err != nil {
		return err
	}

	s := &q.slots[idx]
	s.timestamp = now
	s.length = compat.Copy(s.data[:], data)
	s.coalesceKey = key
	s.priority = priority
	s.flags = FlagUsed | FlagReady
	if key != 0 {
		s.flags |= FlagCoalescable
		q.coalesceHash[coalesceBucket(key)] = idx
	}

	q.linkTail(priority, idx)
	q.count++
	q.writeIdx = (q.writeIdx + 1) & uint32(q.mask)
	q.hasData.Set()

	q.maybeWarnBackpressure()
	return nil
}

// PushCoalesceISR is the interrupt-context producer: the only queue
// operation valid from that context. It must use compat.CopyISR, must
// not read the tick source (timestamp is left 0 so latency statistics
// can filter ISR-enqueued entries out), and must not log; instead it
// raises a volatile flag the main loop drains and logs via
// CheckISRFlags.
func (q *Queue) PushCoalesceISR(data []byte, priority Priority, key uint16) error {
	if len(data) > SlotSize {
		return ErrTooLarge
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if key != 0 {
		if idx, ok := q.findCoalesceLockedISR(key); ok {
			s := &q.slots[idx]
			s.timestamp = 0
			s.length = compat.CopyISR(s.data[:], data)
			q.isrCoalesceHit.Set()
			return nil
		}
	}

	if len(q.free) == 0 {
		q.isrQueueFull.Set()
		return ErrFull
	}

	idx := q.free[len(q.free)-1]
	q.free = q.free[:len(q.free)-1]

	s := &q.slots[idx]
	s.timestamp = 0
	s.length = compat.CopyISR(s.data[:], data)
	s.coalesceKey = key
	s.priority = priority
	s.flags = FlagUsed | FlagReady
	if key != 0 {
		s.flags |= FlagCoalescable
		b := coalesceBucket(key)
		if q.coalesceHash[b] != slotNone {
			q.isrHashCollision.Set()
		}
		q.coalesceHash[b] = idx
	}

	q.linkTail(priority, idx)
	q.count++
	q.writeIdx = (q.writeIdx + 1) & uint32(q.mask)
	q.hasData.Set()
	return nil
}

// allocLocked pops a free slot index, returning ErrFull if none remain.
// Caller holds mu.
func (q *Queue) allocLocked() (int, error) {
	if len(q.free) == 0 {
		return 0, ErrFull
	}
	idx := q.free[len(q.free)-1]
	q.free = q.free[:len(q.free)-1]
	return idx, nil
}

// findCoalesceLocked returns the slot index matching key only if it is
// an exact key match; a bucket collision with a different key returns
// false, falling through to a normal push. Caller holds mu.
func (q *Queue) findCoalesceLocked(key uint16) (int, bool) {
	b := coalesceBucket(key)
	idx := q.coalesceHash[b]
	if idx == slotNone || q.slots[idx].coalesceKey != key {
		return 0, false
	}
	return idx, true
}

func (q *Queue) findCoalesceLockedISR(key uint16) (int, bool) {
	return q.findCoalesceLocked(key)
}

func (q *Queue) maybeWarnBackpressure() {
	pct := q.fillPercent()
	for _, threshold := range [...]int{80, 90, 95} {
		if pct >= threshold && q.prevFillPercent < threshold {
			log.WithFields(log.Fields{"fill_percent": pct, "threshold": threshold}).Warn("queue backpressure threshold crossed")
		}
	}
	q.prevFillPercent = pct
}

// CheckISRFlags drains and logs the volatile flags set by
// PushCoalesceISR. It must be called once per main-loop iteration;
// this is the only place those events are logged, since logging from
// interrupt context is forbidden.
func (q *Queue) CheckISRFlags() {
	if q.isrQueueFull.TestAndClear() {
		log.Warn("queue: ISR push observed a full queue")
	}
	if q.isrCoalesceHit.TestAndClear() {
		log.Debug("queue: ISR push coalesced into an existing slot")
	}
	if q.isrHashCollision.TestAndClear() {
		log.Debug("queue: ISR push observed a coalesce hash bucket collision")
	}
}
