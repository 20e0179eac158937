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

// Package compat provides the small set of primitives the rest of
// PeerTalk is written against instead of calling time.Now or copy
// directly: a monotonic tick source, byte copies (including a variant
// documented safe to call from the goroutine standing in for
// interrupt context), and bounded string handling. On the reference
// embedded targets these differ in implementation; on a modern POSIX
// Go target most of them coincide, but the distinct names are kept so
// call sites still document which concurrency context they run in.
package compat

import (
	"sync/atomic"
	"time"
)

var epoch = time.Now()

// Ticks returns a monotonically increasing millisecond counter. It
// wraps silently at 2^32 milliseconds (~49.7 days); callers must
// compute elapsed time with unsigned subtraction (now - then), never
// with now < then comparisons, so wraparound is transparent.
func Ticks() uint32 {
	return uint32(time.Since(epoch).Milliseconds())
}

// Elapsed returns now - then under unsigned wraparound semantics.
func Elapsed(now, then uint32) uint32 {
	return now - then
}

// Copy copies n bytes from src to dst. It must not be called from the
// goroutine standing in for interrupt context (the transport's
// receiver loop); use CopyISR there instead. On this target the two
// happen to share an implementation, but the distinction is part of
// the API so future platform ports can diverge.
func Copy(dst, src []byte) int {
	return copy(dst, src)
}

// CopyISR copies n bytes from src to dst and is documented safe to
// call from the goroutine standing in for interrupt context: it never
// allocates and never calls anything that could block or use a lock.
func CopyISR(dst, src []byte) int {
	return copy(dst, src)
}

// SafeStrncpy copies src into dst, truncating if necessary, and always
// null-terminates when len(dst) >= 1.
func SafeStrncpy(dst []byte, src string) int {
	if len(dst) == 0 {
		return 0
	}
	n := copy(dst[:len(dst)-1], src)
	dst[n] = 0
	return n
}

// BoundedSprintf is a thin indirection over fmt-free bounded
// formatting for the handful of call sites (log line prefixes,
// default peer names) that need to build a short fixed-capacity
// string without risking an allocation-heavy format verb. It simply
// truncates the rendered string to cap bytes.
func BoundedSprintf(cap int, render func() string) string {
	s := render()
	if len(s) > cap {
		return s[:cap]
	}
	return s
}

// Flag is a single volatile bit set from the goroutine standing in for
// interrupt context and drained from the main loop. It wraps
// atomic.Bool so call sites read in terms of a volatile flag rather
// than generic atomics.
type Flag struct {
	v atomic.Bool
}

// Set raises the flag. Safe to call from the ISR-equivalent goroutine.
func (f *Flag) Set() { f.v.Store(true) }

// TestAndClear atomically reads the flag and clears it, returning the
// value observed. Intended to be called once per main-loop iteration.
func (f *Flag) TestAndClear() bool { return f.v.Swap(false) }
