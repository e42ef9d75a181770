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

// Package config holds the globally readable mediation settings.
// Readers take immutable snapshots without locking; every mutation goes
// through Apply under the config lock.
package config

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/stallguard/stallguard/internal/types"
)

const (
	// MinWaitTimeoutMs is the floor for the stall timeout. It protects
	// stalled tasks from a misconfigured zero wait.
	MinWaitTimeoutMs uint32 = 50
	// MaxWaitTimeoutMs caps the initial stall timeout.
	MaxWaitTimeoutMs uint32 = 30000
	// MaxExtendedTimeoutMs caps a single continuation round.
	MaxExtendedTimeoutMs uint32 = 300000
	// DefaultStallTimeoutMs is used until an administrative request
	// overrides it.
	DefaultStallTimeoutMs uint32 = 1000
	// MaxContinueResponses bounds how often user space may extend one
	// stall before the engine finalizes with a deny.
	MaxContinueResponses = 256
)

// Control request flags. A request only touches the sub-settings whose
// flag is set; everything else keeps its current value.
const (
	StallModeSet uint32 = 1 << iota
	DefaultTimeoutSet
	ContinueTimeoutSet
	DefaultDenySet
)

// ControlRequest mutates a selection of config fields. Values are
// clamped into their valid ranges rather than rejected.
type ControlRequest struct {
	Flags             uint32
	StallMode         bool
	StallTimeoutMs    uint32
	ContinueTimeoutMs uint32
	DefaultDeny       bool
}

// Snapshot is an immutable copy of the current settings.
type Snapshot struct {
	StallMode         bool
	BypassMode        bool
	IgnoreMode        bool
	DenyOnTimeout     bool
	StallTimeoutMs    uint32
	ContinueTimeoutMs uint32
	EnabledHooks      types.HookMask

	// Mmap stall policy. Executable mappings and loader mappings have
	// their own switches; everything else is report-only by default.
	MmapStallOnExec bool
	MmapStallOnLdso bool
	MmapStallMisc   bool
	MmapReportMisc  bool
}

// DefaultResponse is the response applied when a stall times out or is
// interrupted.
func (s Snapshot) DefaultResponse() types.ResponseCode {
	if s.DenyOnTimeout {
		return types.ResponseDeny
	}
	return types.ResponseAllow
}

// Config is the single mutable settings record. The zero value is not
// usable; construct with New.
type Config struct {
	mu       sync.Mutex
	snap     atomic.Pointer[Snapshot]
	flushFns []func()
}

// New returns a Config with stalling enabled, the default timeouts and
// all hooks switched on.
func New() *Config {
	c := &Config{}
	c.snap.Store(&Snapshot{
		StallMode:         true,
		StallTimeoutMs:    DefaultStallTimeoutMs,
		ContinueTimeoutMs: DefaultStallTimeoutMs,
		EnabledHooks:      types.HookMaskAll,
		MmapStallOnExec:   true,
		MmapReportMisc:    true,
	})
	return c
}

// Snapshot returns the current settings without taking the config lock.
func (c *Config) Snapshot() Snapshot {
	return *c.snap.Load()
}

// OnFlush registers a callback invoked whenever a stall-mode transition
// invalidates remembered verdicts. The caches register here.
func (c *Config) OnFlush(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushFns = append(c.flushFns, fn)
}

// Apply mutates the selected sub-settings under the config lock,
// clamping values into their valid ranges. A stall-mode transition
// flushes the registered caches before the lock is released so no hook
// acts on a stale verdict.
func (c *Config) Apply(req ControlRequest) error {
	valid := StallModeSet | DefaultTimeoutSet | ContinueTimeoutSet | DefaultDenySet
	if req.Flags&valid == 0 {
		return errors.New("control request selects no settings")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := *c.snap.Load()
	flush := false

	if req.Flags&StallModeSet != 0 && next.StallMode != req.StallMode {
		next.StallMode = req.StallMode
		flush = true
	}
	if req.Flags&DefaultTimeoutSet != 0 {
		next.StallTimeoutMs = clamp(req.StallTimeoutMs, MinWaitTimeoutMs, MaxWaitTimeoutMs)
		if next.ContinueTimeoutMs < next.StallTimeoutMs {
			next.ContinueTimeoutMs = next.StallTimeoutMs
		}
	}
	if req.Flags&ContinueTimeoutSet != 0 {
		// The continuation timeout is at least as long as the regular
		// timeout and never exceeds the extended cap.
		next.ContinueTimeoutMs = clamp(req.ContinueTimeoutMs, next.StallTimeoutMs, MaxExtendedTimeoutMs)
	}
	if req.Flags&DefaultDenySet != 0 {
		next.DenyOnTimeout = req.DefaultDeny
	}

	c.snap.Store(&next)
	if flush {
		for _, fn := range c.flushFns {
			fn()
		}
	}
	return nil
}

// SetEnabledHooks replaces the enabled-hooks mask. Used at startup after
// the kernel compatibility probe.
func (c *Config) SetEnabledHooks(mask types.HookMask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := *c.snap.Load()
	next.EnabledHooks = mask
	c.snap.Store(&next)
}

// SetModes updates the bypass/ignore switches and the mmap policy.
// These are daemon-level settings, not part of the response protocol.
func (c *Config) SetModes(bypass, ignore bool, mmap MmapPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := *c.snap.Load()
	next.BypassMode = bypass
	next.IgnoreMode = ignore
	next.MmapStallOnExec = mmap.StallOnExec
	next.MmapStallOnLdso = mmap.StallOnLdso
	next.MmapStallMisc = mmap.StallMisc
	next.MmapReportMisc = mmap.ReportMisc
	c.snap.Store(&next)
}

// MmapPolicy groups the mmap stall switches for SetModes.
type MmapPolicy struct {
	StallOnExec bool `yaml:"stallOnExec"`
	StallOnLdso bool `yaml:"stallOnLdso"`
	StallMisc   bool `yaml:"stallMisc"`
	ReportMisc  bool `yaml:"reportMisc"`
}

// FileConfig is the YAML shape of the optional daemon config file.
type FileConfig struct {
	StallMode         *bool      `yaml:"stallMode"`
	BypassMode        bool       `yaml:"bypassMode"`
	IgnoreMode        bool       `yaml:"ignoreMode"`
	DenyOnTimeout     bool       `yaml:"denyOnTimeout"`
	StallTimeoutMs    uint32     `yaml:"stallTimeoutMs"`
	ContinueTimeoutMs uint32     `yaml:"continueTimeoutMs"`
	Mmap              MmapPolicy `yaml:"mmap"`
}

// LoadFile reads a FileConfig and folds it into the Config. Timeouts go
// through the same clamps as administrative requests.
func (c *Config) LoadFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("os.ReadFile() failed: %v", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(content, &fc); err != nil {
		return fmt.Errorf("yaml.Unmarshal() failed: %v", err)
	}

	req := ControlRequest{Flags: DefaultDenySet, DefaultDeny: fc.DenyOnTimeout}
	if fc.StallMode != nil {
		req.Flags |= StallModeSet
		req.StallMode = *fc.StallMode
	}
	if fc.StallTimeoutMs != 0 {
		req.Flags |= DefaultTimeoutSet
		req.StallTimeoutMs = fc.StallTimeoutMs
	}
	if fc.ContinueTimeoutMs != 0 {
		req.Flags |= ContinueTimeoutSet
		req.ContinueTimeoutMs = fc.ContinueTimeoutMs
	}
	if err := c.Apply(req); err != nil {
		return err
	}
	c.SetModes(fc.BypassMode, fc.IgnoreMode, fc.Mmap)
	return nil
}

func clamp(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
