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

package probes

const (
	// kprobeSymbol is where fork notifications are sampled on kernels
	// whose scheduler tracepoint is unavailable.
	kprobeSymbol = "wake_up_new_task"

	// perfMapName is the BPF map the probe writes records into.
	perfMapName = "clone_events"

	// programName is the kprobe program inside the object file.
	programName = "kprobe_wake_up_new_task"
)

// BpfCloneEvent mirrors the C struct emitted by the clone probe.
type BpfCloneEvent struct {
	ParentPid  uint32
	ParentTgid uint32
	ChildPid   uint32
	ChildTgid  uint32
	Comm       [16]byte
}
