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

// Package stall implements the rendezvous between stalled in-kernel
// callers and asynchronous user-space responses: the per-event stall
// entry, the sharded stall table with its delivery queues, and the
// engine that blocks a task until a verdict or timeout.
package stall

import (
	"sync"

	"github.com/stallguard/stallguard/internal/types"
	"github.com/stallguard/stallguard/pkg/event"
)

// Mode is the rendezvous state of an entry.
type Mode int

const (
	// ModeStall means the waiter is (or will be) blocked on the entry.
	ModeStall Mode = iota
	// ModeReleased means a response arrived and the waiter must wake.
	ModeReleased
)

// Entry is the rendezvous object for one in-flight stalling event. It is
// shared by the blocked originator and the response path; the waiter
// frees it after Remove on any exit path.
type Entry struct {
	RequestID uint64
	Tid       uint32
	Event     *event.Event

	mu                sync.Mutex
	mode              Mode
	response          types.ResponseCode
	continueTimeoutMs uint32
	aborted           bool

	// wake is a single-waiter wait condition. Buffered so a release
	// never blocks the response path.
	wake chan struct{}
}

func newEntry(ev *event.Event, defaultResponse types.ResponseCode) *Entry {
	return &Entry{
		RequestID: ev.RequestID,
		Tid:       ev.Tid,
		Event:     ev,
		mode:      ModeStall,
		response:  defaultResponse,
		wake:      make(chan struct{}, 1),
	}
}

// release records a response and wakes the waiter. Called by the table
// on the response path and on global aborts.
func (e *Entry) release(resp types.ResponseCode, continueTimeoutMs uint32, aborted bool) {
	e.mu.Lock()
	e.response = resp
	e.continueTimeoutMs = continueTimeoutMs
	e.aborted = aborted
	e.mode = ModeReleased
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// consume copies the released state and re-arms the entry so user space
// can legitimately hold the task for another round without polling.
func (e *Entry) consume() (resp types.ResponseCode, continueTimeoutMs uint32, aborted bool) {
	e.mu.Lock()
	resp = e.response
	continueTimeoutMs = e.continueTimeoutMs
	aborted = e.aborted
	e.mode = ModeStall
	e.mu.Unlock()
	return resp, continueTimeoutMs, aborted
}

// released reports whether a response is pending consumption.
func (e *Entry) released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode == ModeReleased
}
