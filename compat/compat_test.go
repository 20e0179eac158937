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

package compat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTicksMonotonic(t *testing.T) {
	a := Ticks()
	b := Ticks()
	require.GreaterOrEqual(t, Elapsed(b, a), uint32(0))
}

func TestElapsedWraparound(t *testing.T) {
	var now, then uint32 = 5, 0xFFFFFFF0
	require.Equal(t, uint32(0x15), Elapsed(now, then))
}

func TestSafeStrncpyTruncatesAndTerminates(t *testing.T) {
	dst := make([]byte, 4)
	n := SafeStrncpy(dst, "hello")
	require.Equal(t, 3, n)
	require.Equal(t, byte(0), dst[3])
}

func TestSafeStrncpyShortSource(t *testing.T) {
	dst := make([]byte, 8)
	n := SafeStrncpy(dst, "hi")
	require.Equal(t, 2, n)
	require.Equal(t, byte(0), dst[2])
}

func TestSafeStrncpyZeroLenDst(t *testing.T) {
	require.Equal(t, 0, SafeStrncpy(nil, "hi"))
}

func TestFlagSetAndTestAndClear(t *testing.T) {
	var f Flag
	require.False(t, f.TestAndClear())
	f.Set()
	require.True(t, f.TestAndClear())
	require.False(t, f.TestAndClear())
}
