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

// Package hooks contains the per-operation entry points from the OS
// into the mediation core. Every adapter follows the same skeleton:
// enabled check, kind-specific filters, report flags, cache consult,
// event build, then stall or enqueue. Adapters always fail open.
package hooks

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sys/unix"

	"github.com/stallguard/stallguard/internal/config"
	"github.com/stallguard/stallguard/internal/types"
	"github.com/stallguard/stallguard/pkg/cache"
	"github.com/stallguard/stallguard/pkg/event"
	"github.com/stallguard/stallguard/pkg/metrics"
	"github.com/stallguard/stallguard/pkg/stall"
)

const (
	// ptrace access modes, from the kernel's ptrace.h. Only attaches
	// are mediated.
	ptraceModeRead   uint32 = 0x1
	ptraceModeAttach uint32 = 0x2

	// FMODE_NONOTIFY: the file was opened by a notification consumer;
	// reporting such opens would loop.
	openNoNotify uint32 = 0x4000000
)

// Mediator routes intercepted operations through the stall engine and
// the delivery queues.
type Mediator struct {
	cfg        *config.Config
	table      *stall.Table
	engine     *stall.Engine
	factory    *event.Factory
	taskCache  *cache.TaskCache
	inodeCache *cache.InodeCache
	self       *SelfSet
	log        logr.Logger

	eventCount     metric.Float64Counter
	dropCount      metric.Float64Counter
	cacheHitCount  metric.Float64Counter
	cacheMissCount metric.Float64Counter
}

// NewMediator wires the hook adapters to the core. The caches register
// their flush on the config so stall-mode transitions never leave stale
// verdicts behind.
func NewMediator(
	cfg *config.Config,
	table *stall.Table,
	engine *stall.Engine,
	factory *event.Factory,
	taskCache *cache.TaskCache,
	inodeCache *cache.InodeCache,
	self *SelfSet,
	metricsModule *metrics.MetricsModule,
	log logr.Logger) *Mediator {

	m := &Mediator{
		cfg:        cfg,
		table:      table,
		engine:     engine,
		factory:    factory,
		taskCache:  taskCache,
		inodeCache: inodeCache,
		self:       self,
		log:        log,
	}
	cfg.OnFlush(taskCache.Flush)
	cfg.OnFlush(inodeCache.Flush)

	if metricsModule.Enabled {
		m.eventCount = metricsModule.RegisterFloat64Counter("stallguard_events_total", "Number of events produced by the hook adapters")
		m.dropCount = metricsModule.RegisterFloat64Counter("stallguard_queue_drops_total", "Number of audit events dropped on a full queue")
		m.cacheHitCount = metricsModule.RegisterFloat64Counter("stallguard_cache_hits_total", "Number of hook decisions served from the verdict caches")
		m.cacheMissCount = metricsModule.RegisterFloat64Counter("stallguard_cache_misses_total", "Number of cache consultations that fell through to the engine")
	}
	return m
}

func (m *Mediator) count(c metric.Float64Counter) {
	if c != nil {
		c.Add(context.Background(), 1)
	}
}

// ready performs the checks shared by every adapter.
func (m *Mediator) ready(h types.HookType) (config.Snapshot, bool) {
	snap := m.cfg.Snapshot()
	if !snap.EnabledHooks.Enabled(h) {
		return snap, false
	}
	if !m.table.Enabled() {
		return snap, false
	}
	return snap, true
}

// reportFlags computes the flag set for an event. SELF originators are
// audited but never stalled.
func (m *Mediator) reportFlags(task types.TaskInfo, stallable bool) types.ReportFlags {
	flags := types.FlagAudit
	if m.self.Contains(task.Tgid) {
		return flags | types.FlagSelf
	}
	if stallable {
		flags |= types.FlagStall
	}
	return flags
}

// dispatch runs the built event through the engine or the queues. The
// post callback receives the verdict only when user space actually
// responded, so caches remember real decisions and nothing else.
func (m *Mediator) dispatch(ctx context.Context, ev *event.Event, post func(types.Verdict)) types.Verdict {
	m.count(m.eventCount)
	if ev.Stalls() {
		verdict, outcome, err := m.engine.Stall(ctx, ev)
		if err != nil {
			return types.VerdictAllow
		}
		if outcome == stall.OutcomeResponded && post != nil {
			post(verdict)
		}
		return verdict
	}
	if size := m.table.EnqueueNonstall(ev, ev.LowPriority()); size == 0 {
		m.count(m.dropCount)
	}
	return types.VerdictAllow
}

func isRegDirOrLink(mode uint16) bool {
	switch uint32(mode) & unix.S_IFMT {
	case unix.S_IFREG, unix.S_IFDIR, unix.S_IFLNK:
		return true
	}
	return false
}

func isReg(mode uint16) bool {
	return uint32(mode)&unix.S_IFMT == unix.S_IFREG
}

func writable(openFlags uint32) bool {
	return openFlags&(unix.O_WRONLY|unix.O_RDWR|unix.O_APPEND|unix.O_TRUNC) != 0
}

// Exec mediates process execution.
func (m *Mediator) Exec(ctx context.Context, task types.TaskInfo, target event.FileIdent) types.Verdict {
	_, ok := m.ready(types.HookExec)
	if !ok {
		return types.VerdictAllow
	}
	flags := m.reportFlags(task, true)
	ev := m.factory.Exec(task, flags, target.Path)
	return m.dispatch(ctx, ev, func(v types.Verdict) {
		m.taskCache.Insert(task, v)
	})
}

// Unlink mediates file removal.
func (m *Mediator) Unlink(ctx context.Context, task types.TaskInfo, target event.FileIdent) types.Verdict {
	_, ok := m.ready(types.HookUnlink)
	if !ok {
		return types.VerdictAllow
	}
	if !isRegDirOrLink(target.Mode) {
		return types.VerdictAllow
	}
	flags := m.reportFlags(task, true)
	ev := m.factory.Unlink(task, flags, target)
	return m.dispatch(ctx, ev, nil)
}

// Rmdir mediates directory removal.
func (m *Mediator) Rmdir(ctx context.Context, task types.TaskInfo, target event.FileIdent) types.Verdict {
	_, ok := m.ready(types.HookRmdir)
	if !ok {
		return types.VerdictAllow
	}
	if !isRegDirOrLink(target.Mode) {
		return types.VerdictAllow
	}
	flags := m.reportFlags(task, true)
	ev := m.factory.Rmdir(task, flags, target)
	return m.dispatch(ctx, ev, nil)
}

// Rename mediates renames.
func (m *Mediator) Rename(ctx context.Context, task types.TaskInfo, old, new event.FileIdent) types.Verdict {
	_, ok := m.ready(types.HookRename)
	if !ok {
		return types.VerdictAllow
	}
	if !isRegDirOrLink(old.Mode) {
		return types.VerdictAllow
	}
	flags := m.reportFlags(task, true)
	ev := m.factory.Rename(task, flags, old, new)
	return m.dispatch(ctx, ev, nil)
}

// Setattr mediates attribute changes. Requests whose masked fields all
// match the current inode state produce no event at all.
func (m *Mediator) Setattr(ctx context.Context, task types.TaskInfo, target event.FileIdent, change event.AttrChange) types.Verdict {
	_, ok := m.ready(types.HookSetattr)
	if !ok {
		return types.VerdictAllow
	}
	flags := m.reportFlags(task, true)
	ev, applicable := m.factory.Setattr(task, flags, target, change)
	if !applicable {
		return types.VerdictAllow
	}
	return m.dispatch(ctx, ev, nil)
}

// Mkdir mediates directory creation.
func (m *Mediator) Mkdir(ctx context.Context, task types.TaskInfo, path string, mode uint16) types.Verdict {
	_, ok := m.ready(types.HookMkdir)
	if !ok {
		return types.VerdictAllow
	}
	flags := m.reportFlags(task, true)
	ev := m.factory.Mkdir(task, flags, path, mode)
	return m.dispatch(ctx, ev, nil)
}

// Create mediates file creation.
func (m *Mediator) Create(ctx context.Context, task types.TaskInfo, path string, mode uint16) types.Verdict {
	_, ok := m.ready(types.HookCreate)
	if !ok {
		return types.VerdictAllow
	}
	flags := m.reportFlags(task, true)
	ev := m.factory.Create(task, flags, path, mode)
	return m.dispatch(ctx, ev, nil)
}

// Link mediates hard links.
func (m *Mediator) Link(ctx context.Context, task types.TaskInfo, oldPath, newPath string) types.Verdict {
	_, ok := m.ready(types.HookLink)
	if !ok {
		return types.VerdictAllow
	}
	flags := m.reportFlags(task, true)
	ev := m.factory.Link(task, flags, oldPath, newPath)
	return m.dispatch(ctx, ev, nil)
}

// Symlink mediates symlink creation.
func (m *Mediator) Symlink(ctx context.Context, task types.TaskInfo, path, linkTarget string) types.Verdict {
	_, ok := m.ready(types.HookSymlink)
	if !ok {
		return types.VerdictAllow
	}
	flags := m.reportFlags(task, true)
	ev := m.factory.Symlink(task, flags, path, linkTarget)
	return m.dispatch(ctx, ev, nil)
}

// Open mediates file opens. This is the highest-rate hook, so it is the
// one place both verdict caches sit in front of the engine.
func (m *Mediator) Open(ctx context.Context, task types.TaskInfo, target event.FileIdent, openFlags uint32) types.Verdict {
	_, ok := m.ready(types.HookOpen)
	if !ok {
		return types.VerdictAllow
	}
	if !isReg(target.Mode) {
		return types.VerdictAllow
	}
	if openFlags&openNoNotify != 0 && !writable(openFlags) {
		return types.VerdictAllow
	}

	flags := m.reportFlags(task, true)
	if flags&types.FlagSelf == 0 {
		if r := m.taskCache.Lookup(task); r.Present {
			m.count(m.cacheHitCount)
			return r.Verdict
		}
		if r := m.inodeCache.Lookup(target.Dev, target.Ino, task); r.Present {
			m.count(m.cacheHitCount)
			return r.Verdict
		}
		m.count(m.cacheMissCount)
	}

	ev := m.factory.Open(task, flags, target, openFlags)
	return m.dispatch(ctx, ev, func(v types.Verdict) {
		m.inodeCache.Insert(target.Dev, target.Ino, task, v)
	})
}

// Close audits file closes. Runs in atomic context: never stalls.
func (m *Mediator) Close(task types.TaskInfo, target event.FileIdent) types.Verdict {
	_, ok := m.ready(types.HookClose)
	if !ok {
		return types.VerdictAllow
	}
	if !isReg(target.Mode) {
		return types.VerdictAllow
	}
	flags := m.reportFlags(task, false)
	ev := m.factory.Close(task, flags, target)
	return m.dispatch(context.Background(), ev, nil)
}

// Mmap mediates memory mappings of executables. Non-executable
// mappings are either reported at low priority or dropped, per policy.
func (m *Mediator) Mmap(ctx context.Context, task types.TaskInfo, target event.FileIdent, prot, mmapFlags uint32) types.Verdict {
	snap, ok := m.ready(types.HookMmap)
	if !ok {
		return types.VerdictAllow
	}

	if prot&unix.PROT_EXEC == 0 {
		if !snap.MmapReportMisc {
			return types.VerdictAllow
		}
		flags := m.reportFlags(task, false) | types.FlagLowPriority | types.FlagIgnore
		ev := m.factory.Mmap(task, flags, target, prot, mmapFlags)
		return m.dispatch(ctx, ev, nil)
	}

	stallable := snap.MmapStallOnExec
	if isLoaderMapping(target.Path) {
		stallable = snap.MmapStallOnLdso
	}
	if !stallable && snap.MmapStallMisc {
		stallable = true
	}

	flags := m.reportFlags(task, stallable)
	if flags&types.FlagSelf == 0 && flags&types.FlagStall != 0 {
		if r := m.inodeCache.Lookup(target.Dev, target.Ino, task); r.Present {
			m.count(m.cacheHitCount)
			return r.Verdict
		}
		m.count(m.cacheMissCount)
	}
	ev := m.factory.Mmap(task, flags, target, prot, mmapFlags)
	return m.dispatch(ctx, ev, func(v types.Verdict) {
		m.inodeCache.Insert(target.Dev, target.Ino, task, v)
	})
}

// isLoaderMapping recognizes the dynamic loader so its mappings can be
// stalled independently of ordinary executable mappings.
func isLoaderMapping(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, "ld-") || strings.HasPrefix(base, "ld.so")
}

// Ptrace audits ptrace attaches. Attaches never stall.
func (m *Mediator) Ptrace(task types.TaskInfo, target types.TaskInfo, mode uint32) types.Verdict {
	_, ok := m.ready(types.HookPtrace)
	if !ok {
		return types.VerdictAllow
	}
	if mode&ptraceModeAttach == 0 {
		return types.VerdictAllow
	}
	// Loop guard: the agent inspecting its own workers is not an event.
	if m.self.Contains(task.Tgid) && m.self.Contains(target.Tgid) {
		return types.VerdictAllow
	}
	flags := m.reportFlags(task, false)
	ev := m.factory.Ptrace(task, flags, types.HookPtrace, task, target, mode)
	return m.dispatch(context.Background(), ev, nil)
}

// TraceMe audits PTRACE_TRACEME requests from the child side.
func (m *Mediator) TraceMe(task types.TaskInfo, parent types.TaskInfo) types.Verdict {
	_, ok := m.ready(types.HookTraceMe)
	if !ok {
		return types.VerdictAllow
	}
	flags := m.reportFlags(task, false)
	ev := m.factory.Ptrace(task, flags, types.HookTraceMe, parent, task, ptraceModeAttach)
	return m.dispatch(context.Background(), ev, nil)
}

// Signal audits signal delivery. Runs in atomic context: never stalls.
func (m *Mediator) Signal(task types.TaskInfo, target types.TaskInfo, sig uint32) types.Verdict {
	_, ok := m.ready(types.HookSignal)
	if !ok {
		return types.VerdictAllow
	}
	flags := m.reportFlags(task, false)
	ev := m.factory.Signal(task, flags, target, sig)
	return m.dispatch(context.Background(), ev, nil)
}

// Clone audits process creation from the tracepoint source. Thread
// creation is not reported.
func (m *Mediator) Clone(task types.TaskInfo, child types.TaskInfo) types.Verdict {
	_, ok := m.ready(types.HookClone)
	if !ok {
		return types.VerdictAllow
	}
	if task.IsThread() || child.IsThread() {
		return types.VerdictAllow
	}
	flags := m.reportFlags(task, false)
	ev := m.factory.Clone(task, flags, types.HookClone, child, "")
	return m.dispatch(context.Background(), ev, nil)
}

// CloneKprobe audits process creation observed through the kprobe
// source. These duplicate tracepoint coverage on some kernels, so they
// ride the low-priority queue. They carry the ignore flag, but as
// non-stalling events they are queued whatever the ignore mode.
func (m *Mediator) CloneKprobe(task types.TaskInfo, child types.TaskInfo, comm string) types.Verdict {
	_, ok := m.ready(types.HookCloneKprobe)
	if !ok {
		return types.VerdictAllow
	}
	if task.IsThread() || child.IsThread() {
		return types.VerdictAllow
	}
	flags := m.reportFlags(task, false) | types.FlagLowPriority | types.FlagIgnore
	ev := m.factory.Clone(task, flags, types.HookCloneKprobe, child, comm)
	return m.dispatch(context.Background(), ev, nil)
}

// Exit audits process exit. Threads are not reported; the record rides
// the low-priority queue.
func (m *Mediator) Exit(task types.TaskInfo, code uint32) types.Verdict {
	_, ok := m.ready(types.HookExit)
	if !ok {
		return types.VerdictAllow
	}
	if task.IsThread() {
		return types.VerdictAllow
	}
	m.taskCache.Remove(task)
	flags := m.reportFlags(task, false) | types.FlagLowPriority
	ev := m.factory.Exit(task, flags, code)
	return m.dispatch(context.Background(), ev, nil)
}

// TaskFree audits the final teardown of a task.
func (m *Mediator) TaskFree(task types.TaskInfo) types.Verdict {
	_, ok := m.ready(types.HookTaskFree)
	if !ok {
		return types.VerdictAllow
	}
	m.taskCache.Remove(task)
	flags := m.reportFlags(task, false) | types.FlagLowPriority
	ev := m.factory.TaskFree(task, flags)
	return m.dispatch(context.Background(), ev, nil)
}
