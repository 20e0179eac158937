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

// Package queue is the message queue subsystem: a pre-allocated
// ring of fixed-size slots with priority dequeue, coalescing by key,
// backpressure signaling, and a push path safe to call from the
// goroutine standing in for interrupt context.
//
// Dequeue order within a priority level is FIFO; across priorities,
// higher priority always preempts lower at each pop. A slot's
// coalesce_key, if non-zero, is tracked in a 32-bucket direct-mapped
// hash so a later push with the same key overwrites the existing
// slot in place instead of growing the queue.
//
// peek/consume shortcuts from earlier designs are intentionally
// absent: they would bypass the priority lists and the coalesce hash
// and leave both structures inconsistent.
package queue

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/peertalk/peertalk/compat"
)

// SlotSize is the maximum payload a single slot can carry.
const SlotSize = 256

// MaxSlots is the hard upper bound on queue capacity. New refuses a
// capacity above it.
const MaxSlots = 32

// hashBuckets is the width of the direct-mapped coalesce hash.
const hashBuckets = 32

const slotNone = -1

// Priority is a dequeue priority level. Lower numeric value dequeues first.
type Priority uint8

// Priority levels, highest first.
const (
	Critical Priority = iota
	High
	Normal
	Low
	numPriorities
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "CRITICAL"
	case High:
		return "HIGH"
	case Normal:
		return "NORMAL"
	case Low:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// Flags are per-slot state bits.
type Flags uint8

// Slot flags.
const (
	FlagUsed Flags = 1 << iota
	FlagCoalescable
	FlagReady
)

// Backpressure is the queue's fill-based drop policy tier.
type Backpressure uint8

// Backpressure tiers by fill percentage: NONE<25, LIGHT>=25, HEAVY>=50, BLOCKING>=75.
const (
	None Backpressure = iota
	Light
	Heavy
	Blocking
)

func (b Backpressure) String() string {
	switch b {
	case None:
		return "NONE"
	case Light:
		return "LIGHT"
	case Heavy:
		return "HEAVY"
	case Blocking:
		return "BLOCKING"
	default:
		return "UNKNOWN"
	}
}

// slot is laid out metadata-first so that traversal of flags/priority
// during a priority-list walk never has to pull the 256-byte payload
// through cache just to check whether a slot matches.
type slot struct {
	timestamp   uint32
	length      int
	coalesceKey uint16
	nextSlot    int
	priority    Priority
	flags       Flags
	data        [SlotSize]byte
}

type priList struct {
	head, tail, count int
}

// Queue is a per-peer (or per-discovery-context) ring of fixed-size
// slots with priority FIFO dequeue and key-based coalescing.
//
// All mutation funnels through mu: the main loop calls Push/PushCoalesce/Pop*,
// and the goroutine standing in for interrupt context calls only
// PushCoalesceISR. A real embedded target would keep the ISR path
// lock-free via single-writer ring indices; on a goroutine-based host
// a short mutex critical section gives the same correctness with far
// less risk, while PushCoalesceISR still never logs, allocates, or
// reads the tick source, preserving the spirit of the discipline.
type Queue struct {
	mu sync.Mutex

	capacity int
	mask     int
	slots    []slot
	free     []int

	pri [numPriorities]priList

	coalesceHash [hashBuckets]int // slot index, or slotNone

	writeIdx, readIdx, count uint32

	hasData compat.Flag

	isrQueueFull     compat.Flag
	isrCoalesceHit   compat.Flag
	isrHashCollision compat.Flag

	prevFillPercent int

	// stashed by PopPriorityDirect until PopPriorityCommit runs.
	pendingSlot     int
	pendingPriority Priority
	hasPending      bool
}

// New allocates a queue. capacity must be a power of two no larger
// than MaxSlots; modulo is avoided everywhere in favor of a bitwise
// mask both because it's faster on processors where integer division
// is slow, and because a construction-time rejection is preferable to
// a silently mis-indexed ring.
func New(capacity int) (*Queue, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("queue capacity %d is not a power of two", capacity)
	}
	if capacity > MaxSlots {
		return nil, fmt.Errorf("queue capacity %d exceeds MaxSlots %d", capacity, MaxSlots)
	}

	q := &Queue{
		capacity: capacity,
		mask:     capacity - 1,
		slots:    make([]slot, capacity),
		free:     make([]int, capacity),
	}
	for i := range q.slots {
		q.slots[i].nextSlot = slotNone
		q.free[capacity-1-i] = i
	}
	for i := range q.pri {
		q.pri[i] = priList{head: slotNone, tail: slotNone}
	}
	for i := range q.coalesceHash {
		q.coalesceHash[i] = slotNone
	}
	return q, nil
}

// Capacity returns the queue's fixed slot count.
func (q *Queue) Capacity() int { return q.capacity }

// Count returns the number of occupied slots.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.count)
}

// HasData reports and clears the cheap ISR-to-main-loop signal set by
// every producer path. It is safe to poll every main-loop iteration.
func (q *Queue) HasData() bool {
	return q.hasData.TestAndClear()
}

func coalesceBucket(key uint16) int {
	return int(xxhash.Sum64([]byte{byte(key >> 8), byte(key)}) % hashBuckets)
}

func (q *Queue) fillPercent() int {
	return int(q.count) * 100 / q.capacity
}

// linkTail appends idx to the tail of priority p's FIFO list. Caller holds mu.
func (q *Queue) linkTail(p Priority, idx int) {
	l := &q.pri[p]
	q.slots[idx].nextSlot = slotNone
	if l.tail == slotNone {
		l.head = idx
		l.tail = idx
	} else {
		q.slots[l.tail].nextSlot = idx
		l.tail = idx
	}
	l.count++
}

// unlinkHead removes and returns the head slot index of priority p's
// list, or slotNone if empty. Caller holds mu.
func (q *Queue) unlinkHead(p Priority) int {
	l := &q.pri[p]
	if l.head == slotNone {
		return slotNone
	}
	idx := l.head
	l.head = q.slots[idx].nextSlot
	if l.head == slotNone {
		l.tail = slotNone
	}
	l.count--
	q.slots[idx].nextSlot = slotNone
	return idx
}

// removeFromCoalesceHash clears the hash bucket if it still points at idx.
func (q *Queue) removeFromCoalesceHash(idx int) {
	key := q.slots[idx].coalesceKey
	if key == 0 {
		return
	}
	b := coalesceBucket(key)
	if q.coalesceHash[b] == idx {
		q.coalesceHash[b] = slotNone
	}
}
