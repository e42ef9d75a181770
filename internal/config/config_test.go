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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/assert"
)

func TestApply_TimeoutClamps(t *testing.T) {
	c := New()

	err := c.Apply(ControlRequest{Flags: DefaultTimeoutSet, StallTimeoutMs: 5})
	assert.NilError(t, err)
	assert.Equal(t, MinWaitTimeoutMs, c.Snapshot().StallTimeoutMs)

	err = c.Apply(ControlRequest{Flags: DefaultTimeoutSet, StallTimeoutMs: 10 * MaxWaitTimeoutMs})
	assert.NilError(t, err)
	assert.Equal(t, MaxWaitTimeoutMs, c.Snapshot().StallTimeoutMs)

	// The continuation timeout is dragged up to at least the stall
	// timeout.
	assert.Assert(t, c.Snapshot().ContinueTimeoutMs >= c.Snapshot().StallTimeoutMs)
}

func TestApply_ContinueTimeoutClamps(t *testing.T) {
	c := New()

	err := c.Apply(ControlRequest{Flags: DefaultTimeoutSet, StallTimeoutMs: 2000})
	assert.NilError(t, err)

	// Below the stall timeout: clamped up.
	err = c.Apply(ControlRequest{Flags: ContinueTimeoutSet, ContinueTimeoutMs: 100})
	assert.NilError(t, err)
	assert.Equal(t, uint32(2000), c.Snapshot().ContinueTimeoutMs)

	// Above the extended cap: clamped down.
	err = c.Apply(ControlRequest{Flags: ContinueTimeoutSet, ContinueTimeoutMs: MaxExtendedTimeoutMs + 1})
	assert.NilError(t, err)
	assert.Equal(t, MaxExtendedTimeoutMs, c.Snapshot().ContinueTimeoutMs)
}

func TestApply_NoFlags(t *testing.T) {
	c := New()
	err := c.Apply(ControlRequest{})
	assert.Assert(t, err != nil)
}

func TestApply_FlushOnlyOnTransition(t *testing.T) {
	c := New()
	flushes := 0
	c.OnFlush(func() { flushes++ })

	// Enabling an already-enabled stall mode is a no-op.
	err := c.Apply(ControlRequest{Flags: StallModeSet, StallMode: true})
	assert.NilError(t, err)
	assert.Equal(t, 0, flushes)

	err = c.Apply(ControlRequest{Flags: StallModeSet, StallMode: false})
	assert.NilError(t, err)
	assert.Equal(t, 1, flushes)

	err = c.Apply(ControlRequest{Flags: StallModeSet, StallMode: true})
	assert.NilError(t, err)
	assert.Equal(t, 2, flushes)
}

func TestApply_DefaultDeny(t *testing.T) {
	c := New()
	assert.Equal(t, false, c.Snapshot().DenyOnTimeout)

	err := c.Apply(ControlRequest{Flags: DefaultDenySet, DefaultDeny: true})
	assert.NilError(t, err)
	assert.Equal(t, true, c.Snapshot().DenyOnTimeout)
	assert.Equal(t, uint32(1), uint32(c.Snapshot().DefaultResponse()))
}

func TestSnapshot_Isolated(t *testing.T) {
	c := New()
	snap := c.Snapshot()

	err := c.Apply(ControlRequest{Flags: DefaultTimeoutSet, StallTimeoutMs: 7000})
	assert.NilError(t, err)

	// The earlier snapshot is untouched by the mutation.
	assert.Equal(t, DefaultStallTimeoutMs, snap.StallTimeoutMs)
	assert.Equal(t, uint32(7000), c.Snapshot().StallTimeoutMs)
}

func TestLoadFile(t *testing.T) {
	content := []byte(`
stallMode: true
denyOnTimeout: true
stallTimeoutMs: 500
continueTimeoutMs: 3000
mmap:
  stallOnExec: true
  reportMisc: false
`)
	path := filepath.Join(t.TempDir(), "stallguard.yaml")
	err := os.WriteFile(path, content, 0o644)
	assert.NilError(t, err)

	c := New()
	err = c.LoadFile(path)
	assert.NilError(t, err)

	snap := c.Snapshot()
	assert.Equal(t, true, snap.StallMode)
	assert.Equal(t, true, snap.DenyOnTimeout)
	assert.Equal(t, uint32(500), snap.StallTimeoutMs)
	assert.Equal(t, uint32(3000), snap.ContinueTimeoutMs)
	assert.Equal(t, true, snap.MmapStallOnExec)
	assert.Equal(t, false, snap.MmapReportMisc)
}
