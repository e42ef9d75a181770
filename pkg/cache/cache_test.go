// Copyright 2023-2025 Stallguard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/stallguard/stallguard/internal/types"
)

func TestTaskCache_InsertLookup(t *testing.T) {
	tc := NewTaskCache(128, time.Second)
	task := types.TaskInfo{Tid: 10, Tgid: 10}

	r := tc.Lookup(task)
	assert.Assert(t, !r.Present)
	assert.Equal(t, uint64(1), tc.Misses())

	tc.Insert(task, types.VerdictDeny)
	r = tc.Lookup(task)
	assert.Assert(t, r.Present)
	assert.Equal(t, types.VerdictDeny, r.Verdict)
	assert.Assert(t, r.Age >= 0)
	assert.Equal(t, uint64(1), tc.Hits())
}

func TestTaskCache_TTLExpiry(t *testing.T) {
	tc := NewTaskCache(128, 10*time.Millisecond)
	task := types.TaskInfo{Tid: 11, Tgid: 11}

	tc.Insert(task, types.VerdictAllow)
	time.Sleep(25 * time.Millisecond)

	r := tc.Lookup(task)
	assert.Assert(t, !r.Present)
}

func TestTaskCache_CapacityBound(t *testing.T) {
	tc := NewTaskCache(64, time.Minute)
	for i := 0; i < 1000; i++ {
		tc.Insert(types.TaskInfo{Tid: uint32(i), Tgid: uint32(i)}, types.VerdictAllow)
	}
	assert.Assert(t, tc.Len() <= 64)
}

func TestTaskCache_EvictionKeepsLookupsConsistent(t *testing.T) {
	tc := NewTaskCache(64, time.Minute)
	for i := 0; i < 500; i++ {
		tc.Insert(types.TaskInfo{Tid: uint32(i), Tgid: uint32(i)}, types.VerdictAllow)
	}

	// Whatever the clock hand evicted, surviving records answer with
	// their own verdict and evicted ones miss cleanly.
	present := 0
	for i := 0; i < 500; i++ {
		r := tc.Lookup(types.TaskInfo{Tid: uint32(i), Tgid: uint32(i)})
		if r.Present {
			present++
			assert.Equal(t, types.VerdictAllow, r.Verdict)
		}
	}
	assert.Equal(t, present, tc.Len())
	assert.Assert(t, present > 0 && present <= 64)
}

func TestTaskCache_Flush(t *testing.T) {
	tc := NewTaskCache(128, time.Minute)
	tc.Insert(types.TaskInfo{Tid: 1, Tgid: 1}, types.VerdictAllow)
	tc.Insert(types.TaskInfo{Tid: 2, Tgid: 2}, types.VerdictDeny)
	assert.Equal(t, 2, tc.Len())

	tc.Flush()
	assert.Equal(t, 0, tc.Len())
	assert.Assert(t, !tc.Lookup(types.TaskInfo{Tid: 1, Tgid: 1}).Present)
}

func TestTaskCache_Remove(t *testing.T) {
	tc := NewTaskCache(128, time.Minute)
	task := types.TaskInfo{Tid: 3, Tgid: 3}
	tc.Insert(task, types.VerdictAllow)
	tc.Remove(task)
	assert.Assert(t, !tc.Lookup(task).Present)
}

func TestInodeCache_KeyIncludesTask(t *testing.T) {
	ic := NewInodeCache(128, time.Minute)
	task1 := types.TaskInfo{Tid: 1, Tgid: 1}
	task2 := types.TaskInfo{Tid: 2, Tgid: 2}

	ic.Insert(8, 100, task1, types.VerdictDeny)

	// Same inode, different task: no hit.
	assert.Assert(t, !ic.Lookup(8, 100, task2).Present)
	// Different inode, same task: no hit.
	assert.Assert(t, !ic.Lookup(8, 101, task1).Present)

	r := ic.Lookup(8, 100, task1)
	assert.Assert(t, r.Present)
	assert.Equal(t, types.VerdictDeny, r.Verdict)
}

func TestInodeCache_UpdateInPlace(t *testing.T) {
	ic := NewInodeCache(128, time.Minute)
	task := types.TaskInfo{Tid: 1, Tgid: 1}

	ic.Insert(8, 100, task, types.VerdictAllow)
	ic.Insert(8, 100, task, types.VerdictDeny)
	assert.Equal(t, 1, ic.Len())
	assert.Equal(t, types.VerdictDeny, ic.Lookup(8, 100, task).Verdict)
}
