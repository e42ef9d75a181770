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

// Package cache remembers recent user-space verdicts so hooks can
// short-circuit repeated identical operations without another
// round trip. Both caches are capacity-bounded with a clock hand and
// flush completely on stall-mode transitions.
package cache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stallguard/stallguard/internal/types"
)

const defaultShardCount = 16

// Result is what a lookup hands back to a hook.
type Result struct {
	Present bool
	Verdict types.Verdict
	Age     time.Duration
}

type slot struct {
	key        uint64
	verdict    types.Verdict
	insertedAt time.Time
	hits       atomic.Uint32
	ref        atomic.Bool
	used       bool
}

// reset clears a slot in place; slots hold atomics and must not be
// copied.
func (sl *slot) reset() {
	sl.key = 0
	sl.verdict = types.VerdictAllow
	sl.insertedAt = time.Time{}
	sl.hits.Store(0)
	sl.ref.Store(false)
	sl.used = false
}

type clockShard struct {
	mu    sync.RWMutex
	slots []slot
	index map[uint64]int
	hand  int
}

// clockCache is the shared sharded clock implementation under the task
// and inode caches.
type clockCache struct {
	shards []*clockShard
	mask   uint64
	ttl    time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
}

func newClockCache(capacity int, ttl time.Duration) *clockCache {
	n := defaultShardCount
	perShard := capacity / n
	if perShard < 1 {
		perShard = 1
	}
	c := &clockCache{
		shards: make([]*clockShard, n),
		mask:   uint64(n - 1),
		ttl:    ttl,
	}
	for i := range c.shards {
		c.shards[i] = &clockShard{
			slots: make([]slot, perShard),
			index: make(map[uint64]int, perShard),
		}
	}
	return c
}

func (c *clockCache) shard(key uint64) *clockShard {
	// Spread the low bits so sequential ids do not pile into one shard.
	h := key * 0x9e3779b97f4a7c15
	return c.shards[(h>>32)&c.mask]
}

// lookup is the hot path: shared lock, reference bit set atomically.
func (c *clockCache) lookup(key uint64) Result {
	s := c.shard(key)
	s.mu.RLock()
	idx, ok := s.index[key]
	if !ok {
		s.mu.RUnlock()
		c.misses.Add(1)
		return Result{}
	}
	sl := &s.slots[idx]
	age := time.Since(sl.insertedAt)
	if age > c.ttl {
		s.mu.RUnlock()
		c.misses.Add(1)
		return Result{}
	}
	verdict := sl.verdict
	sl.ref.Store(true)
	sl.hits.Add(1)
	s.mu.RUnlock()

	c.hits.Add(1)
	return Result{Present: true, Verdict: verdict, Age: age}
}

// insert records a verdict, evicting with the clock hand when the shard
// is full.
func (c *clockCache) insert(key uint64, verdict types.Verdict) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.index[key]; ok {
		sl := &s.slots[idx]
		sl.verdict = verdict
		sl.insertedAt = time.Now()
		sl.ref.Store(true)
		return
	}

	idx := -1
	for i := range s.slots {
		if !s.slots[i].used {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Clock sweep: clear reference bits until a cold slot turns up.
		for {
			sl := &s.slots[s.hand]
			if sl.ref.Swap(false) {
				s.hand = (s.hand + 1) % len(s.slots)
				continue
			}
			idx = s.hand
			s.hand = (s.hand + 1) % len(s.slots)
			delete(s.index, sl.key)
			break
		}
	}

	sl := &s.slots[idx]
	sl.key = key
	sl.verdict = verdict
	sl.insertedAt = time.Now()
	sl.hits.Store(0)
	sl.ref.Store(true)
	sl.used = true
	s.index[key] = idx
}

func (c *clockCache) flush() {
	for _, s := range c.shards {
		s.mu.Lock()
		for i := range s.slots {
			s.slots[i].reset()
		}
		s.index = make(map[uint64]int, len(s.slots))
		s.hand = 0
		s.mu.Unlock()
	}
}

func (c *clockCache) len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.index)
		s.mu.RUnlock()
	}
	return n
}

// TaskCache remembers verdicts per task identity.
type TaskCache struct {
	c *clockCache
}

// NewTaskCache creates a task cache holding up to capacity verdicts for
// ttl each.
func NewTaskCache(capacity int, ttl time.Duration) *TaskCache {
	return &TaskCache{c: newClockCache(capacity, ttl)}
}

// Lookup returns the remembered verdict for a task, if fresh.
func (tc *TaskCache) Lookup(task types.TaskInfo) Result {
	return tc.c.lookup(uint64(task.Tgid))
}

// Insert remembers an observed user-space verdict for a task.
func (tc *TaskCache) Insert(task types.TaskInfo, verdict types.Verdict) {
	tc.c.insert(uint64(task.Tgid), verdict)
}

// Remove forgets a task, e.g. when it exits.
func (tc *TaskCache) Remove(task types.TaskInfo) {
	s := tc.c.shard(uint64(task.Tgid))
	s.mu.Lock()
	if idx, ok := s.index[uint64(task.Tgid)]; ok {
		s.slots[idx].reset()
		delete(s.index, uint64(task.Tgid))
	}
	s.mu.Unlock()
}

// Flush drops everything. Wired to config stall-mode transitions.
func (tc *TaskCache) Flush() { tc.c.flush() }

// Len returns the number of live records.
func (tc *TaskCache) Len() int { return tc.c.len() }

// Hits returns the cumulative hit count.
func (tc *TaskCache) Hits() uint64 { return tc.c.hits.Load() }

// Misses returns the cumulative miss count.
func (tc *TaskCache) Misses() uint64 { return tc.c.misses.Load() }

// InodeCache remembers verdicts per inode and task pair.
type InodeCache struct {
	c *clockCache
}

// NewInodeCache creates an inode cache holding up to capacity verdicts
// for ttl each.
func NewInodeCache(capacity int, ttl time.Duration) *InodeCache {
	return &InodeCache{c: newClockCache(capacity, ttl)}
}

func inodeKey(dev, ino uint64, tgid uint32) uint64 {
	h := fnv.New64a()
	var buf [20]byte
	hostPut64(buf[0:], dev)
	hostPut64(buf[8:], ino)
	hostPut32(buf[16:], tgid)
	h.Write(buf[:])
	return h.Sum64()
}

// Lookup returns the remembered verdict for an inode+task pair.
func (ic *InodeCache) Lookup(dev, ino uint64, task types.TaskInfo) Result {
	return ic.c.lookup(inodeKey(dev, ino, task.Tgid))
}

// Insert remembers an observed user-space verdict for an inode+task pair.
func (ic *InodeCache) Insert(dev, ino uint64, task types.TaskInfo, verdict types.Verdict) {
	ic.c.insert(inodeKey(dev, ino, task.Tgid), verdict)
}

// Flush drops everything.
func (ic *InodeCache) Flush() { ic.c.flush() }

// Len returns the number of live records.
func (ic *InodeCache) Len() int { return ic.c.len() }

// Hits returns the cumulative hit count.
func (ic *InodeCache) Hits() uint64 { return ic.c.hits.Load() }

// Misses returns the cumulative miss count.
func (ic *InodeCache) Misses() uint64 { return ic.c.misses.Load() }

func hostPut64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func hostPut32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
