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

package event

import (
	"github.com/stallguard/stallguard/internal/types"
)

// Factory allocates correctly shaped events for the hook adapters. Each
// filler is infallible in its output shape; fillers that can detect a
// redundant operation return false to instruct the adapter to discard.
type Factory struct{}

// NewFactory returns an event factory.
func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) newEvent(task types.TaskInfo, kind types.EventKind, hook types.HookType, flags types.ReportFlags, payload Payload) *Event {
	return &Event{
		Tid:     task.Tid,
		Kind:    kind,
		Hook:    hook,
		Flags:   flags,
		Payload: payload,
	}
}

// Exec shapes an exec event for the given binary path.
func (f *Factory) Exec(task types.TaskInfo, flags types.ReportFlags, path string) *Event {
	return f.newEvent(task, types.KindExec, types.HookExec, flags, &ExecPayload{Path: path})
}

// Unlink shapes an unlink event. The rmdir hook reuses the same payload
// with its own kind and hook id.
func (f *Factory) Unlink(task types.TaskInfo, flags types.ReportFlags, target FileIdent) *Event {
	p := &UnlinkPayload{Path: target.Path, Mode: target.Mode, kind: types.KindUnlink}
	return f.newEvent(task, types.KindUnlink, types.HookUnlink, flags, p)
}

// Rmdir shapes an rmdir event.
func (f *Factory) Rmdir(task types.TaskInfo, flags types.ReportFlags, target FileIdent) *Event {
	p := &UnlinkPayload{Path: target.Path, Mode: target.Mode, kind: types.KindRmdir}
	return f.newEvent(task, types.KindRmdir, types.HookRmdir, flags, p)
}

// Rename shapes a rename event.
func (f *Factory) Rename(task types.TaskInfo, flags types.ReportFlags, old, new FileIdent) *Event {
	p := &RenamePayload{OldPath: old.Path, NewPath: new.Path, Mode: old.Mode}
	return f.newEvent(task, types.KindRename, types.HookRename, flags, p)
}

// Setattr shapes a setattr event carrying only the fields that actually
// change. Returns false when every masked field is redundant: the
// adapter discards the event and the operation proceeds unreported.
func (f *Factory) Setattr(task types.TaskInfo, flags types.ReportFlags, target FileIdent, change AttrChange) (*Event, bool) {
	mask := change.Mask
	if mask&AttrMode != 0 && change.Mode == target.Mode {
		mask &^= AttrMode
	}
	if mask&AttrUid != 0 && change.Uid == target.Uid {
		mask &^= AttrUid
	}
	if mask&AttrGid != 0 && change.Gid == target.Gid {
		mask &^= AttrGid
	}
	if mask&AttrSize != 0 {
		// A truncation to zero is only interesting when the file holds
		// data; other size changes only when the size actually moves.
		if change.Size == target.Size || (change.Size == 0 && target.Size == 0) {
			mask &^= AttrSize
		}
	}
	if mask == 0 {
		return nil, false
	}
	p := &SetattrPayload{
		Path: target.Path,
		Mask: mask,
		Mode: change.Mode,
		Uid:  change.Uid,
		Gid:  change.Gid,
		Size: change.Size,
	}
	return f.newEvent(task, types.KindSetattr, types.HookSetattr, flags, p), true
}

// Mkdir shapes a mkdir event.
func (f *Factory) Mkdir(task types.TaskInfo, flags types.ReportFlags, path string, mode uint16) *Event {
	p := &CreatePayload{Path: path, Mode: mode, kind: types.KindMkdir}
	return f.newEvent(task, types.KindMkdir, types.HookMkdir, flags, p)
}

// Create shapes a file-creation event.
func (f *Factory) Create(task types.TaskInfo, flags types.ReportFlags, path string, mode uint16) *Event {
	p := &CreatePayload{Path: path, Mode: mode, kind: types.KindCreate}
	return f.newEvent(task, types.KindCreate, types.HookCreate, flags, p)
}

// Link shapes a hard-link event.
func (f *Factory) Link(task types.TaskInfo, flags types.ReportFlags, oldPath, newPath string) *Event {
	p := &LinkPayload{OldPath: oldPath, NewPath: newPath}
	return f.newEvent(task, types.KindLink, types.HookLink, flags, p)
}

// Symlink shapes a symlink event.
func (f *Factory) Symlink(task types.TaskInfo, flags types.ReportFlags, path, target string) *Event {
	p := &SymlinkPayload{Path: path, Target: target}
	return f.newEvent(task, types.KindSymlink, types.HookSymlink, flags, p)
}

// Open shapes a file-open event.
func (f *Factory) Open(task types.TaskInfo, flags types.ReportFlags, target FileIdent, openFlags uint32) *Event {
	p := &OpenPayload{Path: target.Path, Mode: target.Mode, OpenFlags: openFlags}
	return f.newEvent(task, types.KindOpen, types.HookOpen, flags, p)
}

// Close shapes a file-close event.
func (f *Factory) Close(task types.TaskInfo, flags types.ReportFlags, target FileIdent) *Event {
	p := &ClosePayload{Path: target.Path, Mode: target.Mode}
	return f.newEvent(task, types.KindClose, types.HookClose, flags, p)
}

// Mmap shapes a memory-mapping event.
func (f *Factory) Mmap(task types.TaskInfo, flags types.ReportFlags, target FileIdent, prot, mmapFlags uint32) *Event {
	p := &MmapPayload{Path: target.Path, Prot: prot, MmapFlags: mmapFlags, Mode: target.Mode}
	return f.newEvent(task, types.KindMmap, types.HookMmap, flags, p)
}

// Ptrace shapes a ptrace-attach event.
func (f *Factory) Ptrace(task types.TaskInfo, flags types.ReportFlags, hook types.HookType, source, target types.TaskInfo, mode uint32) *Event {
	p := &PtracePayload{SourceTid: source.Tid, TargetTid: target.Tid, Mode: mode}
	return f.newEvent(task, types.KindPtrace, hook, flags, p)
}

// Signal shapes a signal event.
func (f *Factory) Signal(task types.TaskInfo, flags types.ReportFlags, target types.TaskInfo, sig uint32) *Event {
	p := &SignalPayload{TargetTid: target.Tid, Signal: sig}
	return f.newEvent(task, types.KindSignal, types.HookSignal, flags, p)
}

// Clone shapes a fork notification. The kprobe source passes its own
// hook id and an enriched comm.
func (f *Factory) Clone(task types.TaskInfo, flags types.ReportFlags, hook types.HookType, child types.TaskInfo, comm string) *Event {
	p := &ClonePayload{ParentTid: task.Tid, ChildTid: child.Tid, Comm: comm}
	return f.newEvent(task, types.KindClone, hook, flags, p)
}

// Exit shapes a process exit event.
func (f *Factory) Exit(task types.TaskInfo, flags types.ReportFlags, code uint32) *Event {
	return f.newEvent(task, types.KindExit, types.HookExit, flags, &ExitPayload{Code: code})
}

// TaskFree shapes the final task teardown event.
func (f *Factory) TaskFree(task types.TaskInfo, flags types.ReportFlags) *Event {
	return f.newEvent(task, types.KindTaskFree, types.HookTaskFree, flags, &TaskFreePayload{Tid: task.Tid})
}
