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

// Package types defines the types shared between the mediation core,
// the hook adapters and the delivery surface.
package types

import (
	"github.com/pkg/errors"
)

// Verdict is the decision a hook returns to the operating system.
type Verdict int

const (
	// VerdictAllow lets the intercepted operation proceed.
	VerdictAllow Verdict = iota
	// VerdictDeny fails the intercepted operation with permission denied.
	VerdictDeny
)

func (v Verdict) String() string {
	if v == VerdictDeny {
		return "deny"
	}
	return "allow"
}

// ResponseCode is the decision carried by a user-space response.
type ResponseCode uint32

const (
	ResponseAllow ResponseCode = 0
	ResponseDeny  ResponseCode = 1
	// ResponseContinue asks the stall engine to keep the task stalled
	// for another round before finalizing.
	ResponseContinue ResponseCode = 2
)

// Verdict maps a response to the verdict a hook hands back to the OS.
// Anything that is not an explicit deny allows the operation.
func (r ResponseCode) Verdict() Verdict {
	if r == ResponseDeny {
		return VerdictDeny
	}
	return VerdictAllow
}

// EventKind tags the payload shape of an event.
type EventKind uint16

const (
	KindExec EventKind = iota + 1
	KindUnlink
	KindRmdir
	KindRename
	KindSetattr
	KindMkdir
	KindCreate
	KindLink
	KindSymlink
	KindOpen
	KindClose
	KindMmap
	KindPtrace
	KindSignal
	KindClone
	KindExit
	KindTaskFree
)

var kindNames = map[EventKind]string{
	KindExec:     "exec",
	KindUnlink:   "unlink",
	KindRmdir:    "rmdir",
	KindRename:   "rename",
	KindSetattr:  "setattr",
	KindMkdir:    "mkdir",
	KindCreate:   "create",
	KindLink:     "link",
	KindSymlink:  "symlink",
	KindOpen:     "open",
	KindClose:    "close",
	KindMmap:     "mmap",
	KindPtrace:   "ptrace",
	KindSignal:   "signal",
	KindClone:    "clone",
	KindExit:     "exit",
	KindTaskFree: "task_free",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// HookType identifies the hook that produced an event. It doubles as the
// bit used in the enabled-hooks mask, so e.g. UNLINK and RMDIR can reuse
// one payload shape while staying independently switchable.
type HookType uint32

const (
	HookExec HookType = 1 << iota
	HookUnlink
	HookRmdir
	HookRename
	HookSetattr
	HookMkdir
	HookCreate
	HookLink
	HookSymlink
	HookOpen
	HookClose
	HookMmap
	HookPtrace
	HookTraceMe
	HookSignal
	HookClone
	HookCloneKprobe
	HookExit
	HookTaskFree
)

// HookMask is a bitset over HookType used for the enabled-hooks setting.
type HookMask uint32

// HookMaskAll enables every hook the mediator knows about.
const HookMaskAll HookMask = 1<<19 - 1

// Enabled reports whether the hook's bit is set in the mask.
func (m HookMask) Enabled(h HookType) bool {
	return m&HookMask(h) != 0
}

// ReportFlags describes how an event must be handled.
type ReportFlags uint16

const (
	// FlagAudit marks the event for asynchronous delivery.
	FlagAudit ReportFlags = 1 << iota
	// FlagStall requires the originating task to block until a verdict.
	FlagStall
	// FlagSelf marks events originating from the decision agent itself.
	// Such events never stall and never consult the caches.
	FlagSelf
	// FlagIgnore lets the engine discard the event when ignore mode is on.
	FlagIgnore
	// FlagLowPriority routes the event to the low-priority delivery queue.
	FlagLowPriority
)

// TaskInfo identifies the task executing a hook.
type TaskInfo struct {
	Tid  uint32
	Tgid uint32
}

// IsThread reports whether the task is a thread of a multi-threaded
// process rather than the thread-group leader.
func (t TaskInfo) IsThread() bool {
	return t.Tid != t.Tgid
}

// Sentinel errors produced by the core. Hooks always fail open: every
// error below maps to an ALLOW verdict at the adapter boundary.
var (
	// ErrDisabled signals that the stall table or stall mode is off.
	// Callers skip post-processing (cache insertion) when they see it.
	ErrDisabled = errors.New("stalling disabled")
	// ErrNoSpace signals that the stall table is at capacity.
	ErrNoSpace = errors.New("stall table full")
	// ErrNotFound signals a response for an unknown request id.
	ErrNotFound = errors.New("no stall entry for request id")
	// ErrQueueFull signals a rejected non-stall enqueue.
	ErrQueueFull = errors.New("delivery queue full")
	// ErrDuplicate signals a request id collision. Request ids are
	// assigned monotonically, so this is a bug if it ever fires.
	ErrDuplicate = errors.New("duplicate request id")
)
