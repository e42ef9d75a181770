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

package hooks

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
	"gotest.tools/assert"

	"github.com/stallguard/stallguard/internal/config"
	"github.com/stallguard/stallguard/internal/types"
	"github.com/stallguard/stallguard/pkg/cache"
	"github.com/stallguard/stallguard/pkg/event"
	"github.com/stallguard/stallguard/pkg/metrics"
	"github.com/stallguard/stallguard/pkg/stall"
)

type fixture struct {
	cfg        *config.Config
	table      *stall.Table
	mediator   *Mediator
	taskCache  *cache.TaskCache
	inodeCache *cache.InodeCache
	self       *SelfSet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.New()
	// Keep waits short: every stalling test either responds or expects
	// the timeout default.
	err := cfg.Apply(config.ControlRequest{Flags: config.DefaultTimeoutSet, StallTimeoutMs: config.MinWaitTimeoutMs})
	assert.NilError(t, err)

	table := stall.NewTable(4, 0, 0)
	table.Enable()
	m := metrics.NewMetricsModule(logr.Discard(), false, 10)
	engine := stall.NewEngine(table, cfg, m, logr.Discard())
	taskCache := cache.NewTaskCache(128, time.Minute)
	inodeCache := cache.NewInodeCache(128, time.Minute)
	self := NewSelfSet()
	mediator := NewMediator(cfg, table, engine, event.NewFactory(), taskCache, inodeCache, self, m, logr.Discard())
	return &fixture{
		cfg:        cfg,
		table:      table,
		mediator:   mediator,
		taskCache:  taskCache,
		inodeCache: inodeCache,
		self:       self,
	}
}

func (fx *fixture) drain(t *testing.T) []*event.Event {
	t.Helper()
	var cur stall.Cursor
	var out []*event.Event
	for _, data := range fx.table.DequeueBatch(&cur, 1<<20) {
		ev, err := event.Decode(data)
		assert.NilError(t, err)
		out = append(out, ev)
	}
	return out
}

func regFile(path string) event.FileIdent {
	return event.FileIdent{Path: path, Mode: 0o100644 | uint16(unix.S_IFREG&0xffff), Ino: 100, Dev: 8}
}

var agentTask = types.TaskInfo{Tid: 900, Tgid: 900}

func TestSelfOriginBypass(t *testing.T) {
	fx := newFixture(t)
	fx.self.Add(agentTask.Tgid)

	start := time.Now()
	verdict := fx.mediator.Exec(context.Background(), agentTask, event.FileIdent{Path: "/usr/bin/agent-helper"})
	assert.Equal(t, types.VerdictAllow, verdict)
	// No stall happened: the adapter returned immediately.
	assert.Assert(t, time.Since(start) < time.Duration(config.MinWaitTimeoutMs)*time.Millisecond)

	events := fx.drain(t)
	assert.Equal(t, 1, len(events))
	assert.Assert(t, events[0].Flags&types.FlagSelf != 0)
	assert.Assert(t, events[0].Flags&types.FlagStall == 0)
	assert.Equal(t, int64(0), fx.table.Stats().Entries)
}

func TestExec_StallRoundTrip(t *testing.T) {
	fx := newFixture(t)
	task := types.TaskInfo{Tid: 42, Tgid: 42}

	go func() {
		for fx.table.Resolve(1, types.ResponseDeny, 0) != nil {
			time.Sleep(time.Millisecond)
		}
	}()

	verdict := fx.mediator.Exec(context.Background(), task, event.FileIdent{Path: "/bin/true"})
	assert.Equal(t, types.VerdictDeny, verdict)

	// The responded verdict was remembered for the task.
	r := fx.taskCache.Lookup(task)
	assert.Assert(t, r.Present)
	assert.Equal(t, types.VerdictDeny, r.Verdict)
}

func TestExec_TimeoutNotCached(t *testing.T) {
	fx := newFixture(t)
	task := types.TaskInfo{Tid: 43, Tgid: 43}

	verdict := fx.mediator.Exec(context.Background(), task, event.FileIdent{Path: "/bin/true"})
	assert.Equal(t, types.VerdictAllow, verdict)

	// Defaults are not user-space decisions; nothing is cached.
	assert.Assert(t, !fx.taskCache.Lookup(task).Present)
}

func TestSetattr_RedundantProducesNoEvent(t *testing.T) {
	fx := newFixture(t)
	task := types.TaskInfo{Tid: 44, Tgid: 44}
	target := regFile("/etc/hosts")

	verdict := fx.mediator.Setattr(context.Background(), task, target, event.AttrChange{
		Mask: event.AttrMode,
		Mode: target.Mode,
	})
	assert.Equal(t, types.VerdictAllow, verdict)
	assert.Equal(t, 0, len(fx.drain(t)))
	assert.Equal(t, int64(0), fx.table.Stats().Entries)
}

func TestHookDisabled(t *testing.T) {
	fx := newFixture(t)
	fx.cfg.SetEnabledHooks(0)
	task := types.TaskInfo{Tid: 45, Tgid: 45}

	verdict := fx.mediator.Open(context.Background(), task, regFile("/etc/passwd"), uint32(unix.O_RDWR))
	assert.Equal(t, types.VerdictAllow, verdict)
	assert.Equal(t, 0, len(fx.drain(t)))
}

func TestOpen_Filters(t *testing.T) {
	fx := newFixture(t)
	task := types.TaskInfo{Tid: 46, Tgid: 46}

	// Not a regular file.
	dir := event.FileIdent{Path: "/tmp", Mode: uint16(unix.S_IFDIR & 0xffff)}
	assert.Equal(t, types.VerdictAllow, fx.mediator.Open(context.Background(), task, dir, uint32(unix.O_RDONLY)))

	// No-notify open without write intent.
	assert.Equal(t, types.VerdictAllow, fx.mediator.Open(context.Background(), task, regFile("/var/log/x"), openNoNotify))

	assert.Equal(t, 0, len(fx.drain(t)))
}

func TestOpen_CachedVerdictShortCircuits(t *testing.T) {
	fx := newFixture(t)
	task := types.TaskInfo{Tid: 47, Tgid: 47}
	target := regFile("/srv/data")

	fx.inodeCache.Insert(target.Dev, target.Ino, task, types.VerdictDeny)

	start := time.Now()
	verdict := fx.mediator.Open(context.Background(), task, target, uint32(unix.O_RDWR))
	assert.Equal(t, types.VerdictDeny, verdict)
	assert.Assert(t, time.Since(start) < time.Duration(config.MinWaitTimeoutMs)*time.Millisecond)

	// The cache answered; no event was produced.
	assert.Equal(t, 0, len(fx.drain(t)))
}

func TestClose_NeverStalls(t *testing.T) {
	fx := newFixture(t)
	task := types.TaskInfo{Tid: 48, Tgid: 48}

	start := time.Now()
	verdict := fx.mediator.Close(task, regFile("/srv/data"))
	assert.Equal(t, types.VerdictAllow, verdict)
	assert.Assert(t, time.Since(start) < time.Duration(config.MinWaitTimeoutMs)*time.Millisecond)

	events := fx.drain(t)
	assert.Equal(t, 1, len(events))
	assert.Assert(t, events[0].Flags&types.FlagStall == 0)
	assert.Equal(t, types.KindClose, events[0].Kind)
}

func TestMmap_NonExecIsLowPriorityAudit(t *testing.T) {
	fx := newFixture(t)
	task := types.TaskInfo{Tid: 49, Tgid: 49}

	verdict := fx.mediator.Mmap(context.Background(), task, regFile("/usr/lib/data.bin"), uint32(unix.PROT_READ), uint32(unix.MAP_SHARED))
	assert.Equal(t, types.VerdictAllow, verdict)

	events := fx.drain(t)
	assert.Equal(t, 1, len(events))
	assert.Assert(t, events[0].Flags&types.FlagLowPriority != 0)
	assert.Assert(t, events[0].Flags&types.FlagStall == 0)
}

func TestMmap_NonExecDroppedWhenReportOff(t *testing.T) {
	fx := newFixture(t)
	fx.cfg.SetModes(false, false, config.MmapPolicy{StallOnExec: true, ReportMisc: false})
	task := types.TaskInfo{Tid: 50, Tgid: 50}

	verdict := fx.mediator.Mmap(context.Background(), task, regFile("/usr/lib/data.bin"), uint32(unix.PROT_READ), 0)
	assert.Equal(t, types.VerdictAllow, verdict)
	assert.Equal(t, 0, len(fx.drain(t)))
}

func TestPtrace_OnlyAttachReported(t *testing.T) {
	fx := newFixture(t)
	task := types.TaskInfo{Tid: 51, Tgid: 51}
	target := types.TaskInfo{Tid: 52, Tgid: 52}

	assert.Equal(t, types.VerdictAllow, fx.mediator.Ptrace(task, target, ptraceModeRead))
	assert.Equal(t, 0, len(fx.drain(t)))

	assert.Equal(t, types.VerdictAllow, fx.mediator.Ptrace(task, target, ptraceModeAttach))
	events := fx.drain(t)
	assert.Equal(t, 1, len(events))
	assert.Equal(t, types.KindPtrace, events[0].Kind)
}

func TestPtrace_AgentLoopGuard(t *testing.T) {
	fx := newFixture(t)
	fx.self.Add(agentTask.Tgid)
	worker := types.TaskInfo{Tid: 901, Tgid: 901}
	fx.self.Add(worker.Tgid)

	assert.Equal(t, types.VerdictAllow, fx.mediator.Ptrace(agentTask, worker, ptraceModeAttach))
	assert.Equal(t, 0, len(fx.drain(t)))
}

func TestClone_ThreadsFiltered(t *testing.T) {
	fx := newFixture(t)
	thread := types.TaskInfo{Tid: 61, Tgid: 60}

	assert.Equal(t, types.VerdictAllow, fx.mediator.Clone(thread, types.TaskInfo{Tid: 62, Tgid: 62}))
	assert.Equal(t, 0, len(fx.drain(t)))

	proc := types.TaskInfo{Tid: 60, Tgid: 60}
	assert.Equal(t, types.VerdictAllow, fx.mediator.Clone(proc, types.TaskInfo{Tid: 63, Tgid: 63}))
	assert.Equal(t, 1, len(fx.drain(t)))
}

func TestCloneKprobe_LowPriority(t *testing.T) {
	fx := newFixture(t)
	parent := types.TaskInfo{Tid: 70, Tgid: 70}
	child := types.TaskInfo{Tid: 71, Tgid: 71}

	assert.Equal(t, types.VerdictAllow, fx.mediator.CloneKprobe(parent, child, "sh"))
	events := fx.drain(t)
	assert.Equal(t, 1, len(events))
	assert.Assert(t, events[0].Flags&types.FlagLowPriority != 0)
	assert.Equal(t, types.HookCloneKprobe, events[0].Hook)
	assert.Equal(t, "sh", events[0].Payload.(*event.ClonePayload).Comm)
}

func TestExit_RemovesTaskCacheRecord(t *testing.T) {
	fx := newFixture(t)
	task := types.TaskInfo{Tid: 80, Tgid: 80}
	fx.taskCache.Insert(task, types.VerdictAllow)

	assert.Equal(t, types.VerdictAllow, fx.mediator.Exit(task, 0))
	assert.Assert(t, !fx.taskCache.Lookup(task).Present)
}

func TestStallModeTransitionFlushesCaches(t *testing.T) {
	fx := newFixture(t)
	task := types.TaskInfo{Tid: 81, Tgid: 81}
	fx.taskCache.Insert(task, types.VerdictDeny)
	fx.inodeCache.Insert(8, 100, task, types.VerdictDeny)

	err := fx.cfg.Apply(config.ControlRequest{Flags: config.StallModeSet, StallMode: false})
	assert.NilError(t, err)

	assert.Equal(t, 0, fx.taskCache.Len())
	assert.Equal(t, 0, fx.inodeCache.Len())
}

func TestParseKernelRelease(t *testing.T) {
	v, err := parseKernelRelease("5.15.0-86-generic")
	assert.NilError(t, err)
	assert.Equal(t, "5.15.0", v.String())

	v, err = parseKernelRelease("4.12.3")
	assert.NilError(t, err)
	floor, _ := parseKernelRelease("4.14")
	assert.Assert(t, v.LessThan(floor))
}
