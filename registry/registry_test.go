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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateThenFindByAllKeys(t *testing.T) {
	r := New(8)
	addr := [4]byte{10, 0, 0, 1}
	q, ok := r.Create("Bob", addr, 9000, 100)
	require.True(t, ok)

	byID, ok := r.FindByID(q.ID)
	require.True(t, ok)
	require.Equal(t, q.ID, byID.ID)

	byAddr, ok := r.FindByAddr(addr, 9000)
	require.True(t, ok)
	require.Equal(t, q.ID, byAddr.ID)

	byName, ok := r.FindByName("Bob")
	require.True(t, ok)
	require.Equal(t, q.ID, byName.ID)
}

func TestCreateRefreshesExisting(t *testing.T) {
	r := New(4)
	addr := [4]byte{1, 1, 1, 1}
	first, _ := r.Create("Bob", addr, 1, 10)
	second, ok := r.Create("Bob", addr, 1, 20)
	require.True(t, ok)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, uint32(20), second.LastSeen)
}

func TestCreateFailsWhenFull(t *testing.T) {
	r := New(1)
	_, ok := r.Create("A", [4]byte{1}, 1, 1)
	require.True(t, ok)
	_, ok = r.Create("B", [4]byte{2}, 2, 1)
	require.False(t, ok)
}

func TestFindByIDRejectsInvalid(t *testing.T) {
	r := New(2)
	_, ok := r.FindByID(0)
	require.False(t, ok)
	_, ok = r.FindByID(99)
	require.False(t, ok)
	_, ok = r.FindByID(1) // slot allocated but still UNUSED
	require.False(t, ok)
}

func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	r := New(2)
	q, _ := r.Create("Bob", [4]byte{1}, 1, 1)
	err := r.SetState(q.ID, Disconnecting)
	require.Error(t, err)

	after, _ := r.FindByID(q.ID)
	require.Equal(t, Discovered, after.State)
}

func TestValidTransitionSequence(t *testing.T) {
	r := New(2)
	q, _ := r.Create("Bob", [4]byte{1}, 1, 1)
	require.NoError(t, r.SetState(q.ID, Connecting))
	require.NoError(t, r.SetState(q.ID, Connected))
	require.NoError(t, r.SetState(q.ID, Disconnecting))
	require.NoError(t, r.SetState(q.ID, Unused))
}

func TestFailedRecoversToDiscovered(t *testing.T) {
	r := New(2)
	q, _ := r.Create("Bob", [4]byte{1}, 1, 1)
	require.NoError(t, r.SetState(q.ID, Connecting))
	require.NoError(t, r.SetState(q.ID, Failed))
	require.NoError(t, r.SetState(q.ID, Discovered))
}

func TestDestroyFreesSlotAndBumpsVersion(t *testing.T) {
	r := New(2)
	q, _ := r.Create("Bob", [4]byte{1}, 1, 1)
	v1 := r.Version()
	r.Destroy(q.ID)
	require.Greater(t, r.Version(), v1)

	_, ok := r.FindByID(q.ID)
	require.False(t, ok)

	// slot should be reusable
	q2, ok := r.Create("Carol", [4]byte{2}, 2, 5)
	require.True(t, ok)
	require.Equal(t, q.ID, q2.ID)
}

func TestIsTimedOut(t *testing.T) {
	r := New(2)
	q, _ := r.Create("Bob", [4]byte{1}, 1, 100)
	require.False(t, r.IsTimedOut(q.ID, 150, 100))
	require.True(t, r.IsTimedOut(q.ID, 250, 100))
}

func TestCheckCanariesCleanByDefault(t *testing.T) {
	r := New(1)
	q, _ := r.Create("Bob", [4]byte{1}, 1, 1)
	require.True(t, r.CheckCanaries(q.ID))
	require.False(t, r.CanaryCorrupt(q.ID))
}

func TestNameLookupByIndex(t *testing.T) {
	r := New(2)
	q, _ := r.Create("Dana", [4]byte{3}, 3, 1)
	name, ok := r.Name(q.NameIdx)
	require.True(t, ok)
	require.Equal(t, "Dana", name)
}

func TestRTTEstimate(t *testing.T) {
	r := New(1)
	q, _ := r.Create("Bob", [4]byte{1}, 1, 1)
	r.ObserveRTT(q.ID, 10)
	r.ObserveRTT(q.ID, 20)
	info, _ := r.FindByID(q.ID)
	require.InDelta(t, 15, info.RTTMean, 0.001)
}
