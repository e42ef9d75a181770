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

package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"gotest.tools/assert"

	"github.com/stallguard/stallguard/internal/config"
	"github.com/stallguard/stallguard/internal/types"
	"github.com/stallguard/stallguard/pkg/event"
	"github.com/stallguard/stallguard/pkg/stall"
)

func newTestDevice() (*Device, *stall.Table, *config.Config) {
	cfg := config.New()
	table := stall.NewTable(4, 0, 0)
	table.Enable()
	return NewDevice(table, cfg, logr.Discard()), table, cfg
}

func auditEvent(tid uint32) *event.Event {
	f := event.NewFactory()
	return f.Exit(types.TaskInfo{Tid: tid, Tgid: tid}, types.FlagAudit, 0)
}

func stallEvent(tid uint32) *event.Event {
	f := event.NewFactory()
	return f.Exec(types.TaskInfo{Tid: tid, Tgid: tid}, types.FlagAudit|types.FlagStall, "/bin/true")
}

func TestReadBatch_ReturnsQueued(t *testing.T) {
	device, table, _ := newTestDevice()

	ev := auditEvent(1)
	size := table.EnqueueNonstall(ev, false)
	assert.Assert(t, size > 0)

	batch, err := device.ReadBatch(context.Background(), 0)
	assert.NilError(t, err)
	assert.Equal(t, 1, len(batch))
	assert.DeepEqual(t, event.Encode(ev), batch[0])
}

func TestReadBatch_BlocksUntilEvent(t *testing.T) {
	device, table, _ := newTestDevice()

	go func() {
		time.Sleep(20 * time.Millisecond)
		table.EnqueueNonstall(auditEvent(2), false)
	}()

	start := time.Now()
	batch, err := device.ReadBatch(context.Background(), 0)
	assert.NilError(t, err)
	assert.Equal(t, 1, len(batch))
	assert.Assert(t, time.Since(start) >= 10*time.Millisecond)
}

func TestReadBatch_ContextCancel(t *testing.T) {
	device, _, _ := newTestDevice()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := device.ReadBatch(ctx, 0)
	assert.Assert(t, err != nil)
}

func TestReadBatch_StalledEventDelivered(t *testing.T) {
	device, table, _ := newTestDevice()

	ev := stallEvent(3)
	entry, err := table.Insert(ev, types.ResponseAllow)
	assert.NilError(t, err)

	batch, err := device.ReadBatch(context.Background(), 0)
	assert.NilError(t, err)
	assert.Equal(t, 1, len(batch))

	decoded, err := event.Decode(batch[0])
	assert.NilError(t, err)
	assert.Equal(t, entry.RequestID, decoded.RequestID)
	assert.Assert(t, decoded.Flags&types.FlagStall != 0)
}

func TestWriteResponse_ResolvesEntry(t *testing.T) {
	device, table, _ := newTestDevice()

	entry, err := table.Insert(stallEvent(4), types.ResponseAllow)
	assert.NilError(t, err)

	err = device.WriteResponse(event.Response{RequestID: entry.RequestID, Response: types.ResponseDeny})
	assert.NilError(t, err)

	// Removal is the waiter's job; the entry stays resolvable until
	// the stall engine exits.
	assert.Equal(t, int64(1), table.Stats().Entries)
	err = device.WriteResponse(event.Response{RequestID: entry.RequestID, Response: types.ResponseDeny})
	assert.NilError(t, err)
}

func TestWriteResponse_UnknownIDSilent(t *testing.T) {
	device, _, _ := newTestDevice()
	err := device.WriteResponse(event.Response{RequestID: 999, Response: types.ResponseAllow})
	assert.NilError(t, err)
}

func TestConfigure_RequiresPrivilege(t *testing.T) {
	device, _, cfg := newTestDevice()

	req := config.ControlRequest{Flags: config.DefaultDenySet, DefaultDeny: true}
	err := device.Configure(req, false)
	assert.Assert(t, err != nil)
	assert.Equal(t, false, cfg.Snapshot().DenyOnTimeout)

	err = device.Configure(req, true)
	assert.NilError(t, err)
	assert.Equal(t, true, cfg.Snapshot().DenyOnTimeout)
}

func TestConfigure_OutOfRangeAcceptedNearest(t *testing.T) {
	device, _, cfg := newTestDevice()

	// Out-of-range values are accepted with the nearest valid value.
	err := device.Configure(config.ControlRequest{Flags: config.DefaultTimeoutSet, StallTimeoutMs: 1}, true)
	assert.NilError(t, err)
	assert.Equal(t, config.MinWaitTimeoutMs, cfg.Snapshot().StallTimeoutMs)
}

func TestReadBatch_PriorityAcrossQueues(t *testing.T) {
	device, table, _ := newTestDevice()

	f := event.NewFactory()
	task := types.TaskInfo{Tid: 9, Tgid: 9}
	low := f.Exit(task, types.FlagAudit|types.FlagLowPriority, 0)
	normal := f.Exit(task, types.FlagAudit, 0)

	table.EnqueueNonstall(low, true)
	table.EnqueueNonstall(normal, false)

	batch, err := device.ReadBatch(context.Background(), 0)
	assert.NilError(t, err)
	assert.Equal(t, 2, len(batch))

	first, err := event.Decode(batch[0])
	assert.NilError(t, err)
	assert.Equal(t, normal.RequestID, first.RequestID)
}
