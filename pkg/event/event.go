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

// Package event defines the immutable descriptors produced at hook time,
// the factory that shapes them and the wire codec that serializes them
// for the delivery surface.
package event

import (
	"github.com/stallguard/stallguard/internal/types"
)

// Event is the descriptor created at hook time. It has a single owner at
// any time: it moves from the factory to the stall table, then to either
// the blocked waiter or a delivery queue. RequestID is zero until the
// stall table publishes the event.
type Event struct {
	RequestID uint64
	Tid       uint32
	Kind      types.EventKind
	Hook      types.HookType
	Flags     types.ReportFlags
	Payload   Payload
}

// Stalls reports whether this event requires the originating task to
// block until a verdict.
func (e *Event) Stalls() bool {
	return e.Flags&types.FlagStall != 0
}

// LowPriority reports whether the event belongs on the low-priority
// delivery queue.
func (e *Event) LowPriority() bool {
	return e.Flags&types.FlagLowPriority != 0
}

// Payload is the kind-specific part of an event.
type Payload interface {
	Kind() types.EventKind
}

// FileIdent describes the file a hook is operating on, including the
// current attribute values the setattr filter compares against.
type FileIdent struct {
	Path  string
	Mode  uint16
	Ino   uint64
	Dev   uint64
	Size  uint64
	Uid   uint32
	Gid   uint32
	Nlink uint32
}

// Attribute mask bits for setattr events.
const (
	AttrMode uint32 = 1 << iota
	AttrUid
	AttrGid
	AttrSize
)

// AttrChange carries the requested attribute values of a setattr.
type AttrChange struct {
	Mask uint32
	Mode uint16
	Uid  uint32
	Gid  uint32
	Size uint64
}

// ExecPayload carries the path of the binary being executed.
type ExecPayload struct {
	Path string
}

func (p *ExecPayload) Kind() types.EventKind { return types.KindExec }

// UnlinkPayload is shared by the unlink and rmdir hooks, distinguished
// by the event's hook id.
type UnlinkPayload struct {
	Path string
	Mode uint16
	kind types.EventKind
}

func (p *UnlinkPayload) Kind() types.EventKind { return p.kind }

// RenamePayload carries both ends of a rename.
type RenamePayload struct {
	OldPath string
	NewPath string
	Mode    uint16
}

func (p *RenamePayload) Kind() types.EventKind { return types.KindRename }

// SetattrPayload carries the changed attribute values after redundant
// fields have been masked out.
type SetattrPayload struct {
	Path string
	Mask uint32
	Mode uint16
	Uid  uint32
	Gid  uint32
	Size uint64
}

func (p *SetattrPayload) Kind() types.EventKind { return types.KindSetattr }

// CreatePayload is shared by the mkdir and create hooks.
type CreatePayload struct {
	Path string
	Mode uint16
	kind types.EventKind
}

func (p *CreatePayload) Kind() types.EventKind { return p.kind }

// LinkPayload carries the existing path and the new link path.
type LinkPayload struct {
	OldPath string
	NewPath string
}

func (p *LinkPayload) Kind() types.EventKind { return types.KindLink }

// SymlinkPayload carries the new symlink path and its target string.
type SymlinkPayload struct {
	Path   string
	Target string
}

func (p *SymlinkPayload) Kind() types.EventKind { return types.KindSymlink }

// OpenPayload carries the opened file and the open flags.
type OpenPayload struct {
	Path      string
	Mode      uint16
	OpenFlags uint32
}

func (p *OpenPayload) Kind() types.EventKind { return types.KindOpen }

// ClosePayload carries the closed file.
type ClosePayload struct {
	Path string
	Mode uint16
}

func (p *ClosePayload) Kind() types.EventKind { return types.KindClose }

// MmapPayload carries the mapped file and the mapping protection.
type MmapPayload struct {
	Path      string
	Prot      uint32
	MmapFlags uint32
	Mode      uint16
}

func (p *MmapPayload) Kind() types.EventKind { return types.KindMmap }

// PtracePayload carries the attaching and target tasks.
type PtracePayload struct {
	SourceTid uint32
	TargetTid uint32
	Mode      uint32
}

func (p *PtracePayload) Kind() types.EventKind { return types.KindPtrace }

// SignalPayload carries the signalled task and the signal number.
type SignalPayload struct {
	TargetTid uint32
	Signal    uint32
}

func (p *SignalPayload) Kind() types.EventKind { return types.KindSignal }

// ClonePayload carries the parent/child pair of a fork. Comm is only
// populated by the kprobe source, which enriches events from its own
// task-name cache.
type ClonePayload struct {
	ParentTid uint32
	ChildTid  uint32
	Comm      string
}

func (p *ClonePayload) Kind() types.EventKind { return types.KindClone }

// ExitPayload carries the exit code of a terminating process.
type ExitPayload struct {
	Code uint32
}

func (p *ExitPayload) Kind() types.EventKind { return types.KindExit }

// TaskFreePayload marks the final teardown of a task.
type TaskFreePayload struct {
	Tid uint32
}

func (p *TaskFreePayload) Kind() types.EventKind { return types.KindTaskFree }
