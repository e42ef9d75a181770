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

package stall

import (
	"sync"
	"sync/atomic"

	"github.com/stallguard/stallguard/internal/types"
	"github.com/stallguard/stallguard/pkg/event"
)

const (
	// DefaultShardCount partitions the table. Must be a power of two.
	DefaultShardCount = 32
	// DefaultMaxEntriesPerShard bounds in-flight stalls per shard.
	DefaultMaxEntriesPerShard = 1024
	// DefaultHighWaterBytes bounds queued audit bytes per shard.
	DefaultHighWaterBytes = 256 << 10
)

// queued is one serialized event awaiting delivery.
type queued struct {
	data []byte
}

// fifo is a byte-accounted delivery queue.
type fifo struct {
	items []queued
	bytes int
}

func (q *fifo) push(data []byte) {
	q.items = append(q.items, queued{data: data})
	q.bytes += len(data)
}

func (q *fifo) pop() ([]byte, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items[0] = queued{}
	q.items = q.items[1:]
	q.bytes -= len(item.data)
	return item.data, true
}

// shard is one partition: a hash chain of entries keyed by request id
// plus the two delivery FIFOs. Entries hash by request id; queues hash
// by originating thread so one task's events stay in submission order
// within a single FIFO.
type shard struct {
	mu      sync.Mutex
	entries map[uint64]*Entry
	normal  fifo
	low     fifo
}

// Cursor tracks the round-robin position of a delivery consumer.
type Cursor struct {
	next int
}

// Stats is a point-in-time view of the table counters.
type Stats struct {
	Entries     int64
	QueuedBytes int64
	Drops       uint64
}

// Table is the sharded stall table. It is the only shared mutable
// structure on the hot path; contention is reduced by sharding.
type Table struct {
	shards         []*shard
	mask           uint64
	maxEntries     int
	highWaterBytes int

	nextID  atomic.Uint64
	enabled atomic.Bool

	entryCount  atomic.Int64
	queuedBytes atomic.Int64
	drops       atomic.Uint64

	// notify is signalled whenever delivery work appears.
	notify chan struct{}
}

// NewTable creates a stall table with shardCount partitions (rounded up
// to a power of two). The table starts disabled; the delivery surface
// enables it when a consumer attaches.
func NewTable(shardCount, maxEntriesPerShard, highWaterBytes int) *Table {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	n := 1
	for n < shardCount {
		n <<= 1
	}
	if maxEntriesPerShard <= 0 {
		maxEntriesPerShard = DefaultMaxEntriesPerShard
	}
	if highWaterBytes <= 0 {
		highWaterBytes = DefaultHighWaterBytes
	}
	t := &Table{
		shards:         make([]*shard, n),
		mask:           uint64(n - 1),
		maxEntries:     maxEntriesPerShard,
		highWaterBytes: highWaterBytes,
		notify:         make(chan struct{}, 1),
	}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[uint64]*Entry)}
	}
	return t
}

// Enabled is the cheap check every operation short-circuits on.
func (t *Table) Enabled() bool {
	return t.enabled.Load()
}

// Enable opens the table for inserts and enqueues.
func (t *Table) Enable() {
	t.enabled.Store(true)
}

// Disable closes the table, wakes every in-flight stall with an allow
// and discards queued audit events. Used when the delivery consumer
// detaches; a stall-mode change in the config does not call it.
func (t *Table) Disable() {
	t.enabled.Store(false)
	for _, s := range t.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			e.release(types.ResponseAllow, 0, true)
		}
		t.queuedBytes.Add(-int64(s.normal.bytes + s.low.bytes))
		s.normal = fifo{}
		s.low = fifo{}
		s.mu.Unlock()
	}
}

// Notify returns the channel signalled when delivery work appears.
func (t *Table) Notify() <-chan struct{} {
	return t.notify
}

func (t *Table) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *Table) entryShard(requestID uint64) *shard {
	return t.shards[requestID&t.mask]
}

func (t *Table) queueShard(tid uint32) *shard {
	return t.shards[uint64(tid)&t.mask]
}

// assignID stamps a fresh request id unless the event already carries
// one. IDs are process-wide unique and strictly monotonic.
func (t *Table) assignID(ev *event.Event) {
	if ev.RequestID == 0 {
		ev.RequestID = t.nextID.Add(1)
	}
}

// Insert publishes a stalling event and returns its fresh entry with
// the configured default response already armed. The serialized event
// goes on the normal delivery queue unconditionally: an event that made
// it to a stall entry is never dropped by the delivery surface.
func (t *Table) Insert(ev *event.Event, defaultResponse types.ResponseCode) (*Entry, error) {
	if !t.Enabled() {
		return nil, types.ErrDisabled
	}
	t.assignID(ev)

	es := t.entryShard(ev.RequestID)
	entry := newEntry(ev, defaultResponse)
	data := event.Encode(ev)

	es.mu.Lock()
	if _, ok := es.entries[ev.RequestID]; ok {
		es.mu.Unlock()
		return nil, types.ErrDuplicate
	}
	if len(es.entries) >= t.maxEntries {
		es.mu.Unlock()
		return nil, types.ErrNoSpace
	}
	es.entries[ev.RequestID] = entry
	es.mu.Unlock()
	t.entryCount.Add(1)

	qs := t.queueShard(ev.Tid)
	qs.mu.Lock()
	qs.normal.push(data)
	qs.mu.Unlock()
	t.queuedBytes.Add(int64(len(data)))

	t.signal()
	return entry, nil
}

// Resolve matches a user-space response to its entry and wakes the
// waiter. O(1) expected.
func (t *Table) Resolve(requestID uint64, resp types.ResponseCode, continueTimeoutMs uint32) error {
	s := t.entryShard(requestID)
	s.mu.Lock()
	entry, ok := s.entries[requestID]
	s.mu.Unlock()
	if !ok {
		return types.ErrNotFound
	}
	entry.release(resp, continueTimeoutMs, false)
	return nil
}

// Remove unlinks an entry. Idempotent: the waiter calls it on every
// exit path.
func (t *Table) Remove(entry *Entry) {
	s := t.entryShard(entry.RequestID)
	s.mu.Lock()
	_, ok := s.entries[entry.RequestID]
	if ok {
		delete(s.entries, entry.RequestID)
	}
	s.mu.Unlock()
	if ok {
		t.entryCount.Add(-1)
	}
}

// EnqueueNonstall appends an audit event to the originating task's
// delivery queue. Returns the accepted byte count, or 0 when the shard
// is over its high-water mark (the caller owns and frees the event).
func (t *Table) EnqueueNonstall(ev *event.Event, lowPriority bool) int {
	if !t.Enabled() {
		return 0
	}
	t.assignID(ev)
	data := event.Encode(ev)

	s := t.queueShard(ev.Tid)
	s.mu.Lock()
	if s.normal.bytes+s.low.bytes+len(data) > t.highWaterBytes {
		s.mu.Unlock()
		t.drops.Add(1)
		return 0
	}
	if lowPriority {
		s.low.push(data)
	} else {
		s.normal.push(data)
	}
	s.mu.Unlock()
	t.queuedBytes.Add(int64(len(data)))

	t.signal()
	return len(data)
}

// DequeueBatch drains up to maxBytes of serialized events. Within a
// shard all normal events go before any low-priority events; across
// shards the cursor round-robins so no shard starves another. At least
// one event is returned whenever any is queued, regardless of maxBytes.
func (t *Table) DequeueBatch(cur *Cursor, maxBytes int) [][]byte {
	var batch [][]byte
	total := 0
	n := len(t.shards)

	for i := 0; i < n; i++ {
		s := t.shards[(cur.next+i)%n]
		s.mu.Lock()
		for {
			data, ok := s.normal.pop()
			if !ok {
				data, ok = s.low.pop()
			}
			if !ok {
				break
			}
			batch = append(batch, data)
			total += len(data)
			t.queuedBytes.Add(-int64(len(data)))
			if total >= maxBytes {
				s.mu.Unlock()
				cur.next = (cur.next + i + 1) % n
				return batch
			}
		}
		s.mu.Unlock()
	}
	cur.next = (cur.next + 1) % n
	return batch
}

// Stats returns the current counters.
func (t *Table) Stats() Stats {
	return Stats{
		Entries:     t.entryCount.Load(),
		QueuedBytes: t.queuedBytes.Load(),
		Drops:       t.drops.Load(),
	}
}
