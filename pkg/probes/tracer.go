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

// Package probes feeds kprobe-sourced fork notifications into the
// mediator. These events duplicate tracepoint coverage on some kernels
// and are audit-only, low priority by contract.
package probes

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru"

	"github.com/stallguard/stallguard/internal/types"
	"github.com/stallguard/stallguard/pkg/hooks"
)

const commCacheSize = 4096

// CloneTracer attaches the fork kprobe and pumps its perf records into
// the mediator.
type CloneTracer struct {
	objPath    string
	coll       *ebpf.Collection
	kprobeLink link.Link
	reader     *perf.Reader
	mediator   *hooks.Mediator
	comms      *lru.Cache
	log        logr.Logger
}

// NewCloneTracer loads the compiled probe object from disk.
func NewCloneTracer(objPath string, mediator *hooks.Mediator, log logr.Logger) (*CloneTracer, error) {
	comms, err := lru.New(commCacheSize)
	if err != nil {
		return nil, err
	}
	tracer := CloneTracer{
		objPath:  objPath,
		mediator: mediator,
		comms:    comms,
		log:      log,
	}

	// Allow the current process to lock memory for eBPF resources.
	tracer.log.Info("remove memory lock")
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("RemoveMemlock() failed: %v", err)
	}

	tracer.log.Info("load bpf program and maps into the kernel", "object", objPath)
	coll, err := ebpf.LoadCollection(objPath)
	if err != nil {
		return nil, fmt.Errorf("ebpf.LoadCollection() failed: %v", err)
	}
	tracer.coll = coll

	return &tracer, nil
}

// Run attaches the probe and handles events until the stop channel
// closes.
func (tracer *CloneTracer) Run(stopCh <-chan struct{}) error {
	prog, ok := tracer.coll.Programs[programName]
	if !ok {
		return fmt.Errorf("program %q not found in %s", programName, tracer.objPath)
	}
	kprobeLink, err := link.Kprobe(kprobeSymbol, prog, nil)
	if err != nil {
		return fmt.Errorf("link.Kprobe() failed: %v", err)
	}
	tracer.kprobeLink = kprobeLink

	events, ok := tracer.coll.Maps[perfMapName]
	if !ok {
		return fmt.Errorf("map %q not found in %s", perfMapName, tracer.objPath)
	}
	reader, err := perf.NewReader(events, 64*os.Getpagesize())
	if err != nil {
		return fmt.Errorf("perf.NewReader() failed: %v", err)
	}
	tracer.reader = reader

	go tracer.handleEvents()
	tracer.log.Info("clone tracer started")

	<-stopCh
	tracer.Close()
	return nil
}

// Close detaches the probe and releases the BPF resources.
func (tracer *CloneTracer) Close() {
	tracer.log.Info("unload the bpf resources of tracer")
	if tracer.reader != nil {
		tracer.reader.Close()
	}
	if tracer.kprobeLink != nil {
		tracer.kprobeLink.Close()
	}
	if tracer.coll != nil {
		tracer.coll.Close()
	}
}

func (tracer *CloneTracer) handleEvents() {
	var ev BpfCloneEvent
	for {
		record, err := tracer.reader.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				tracer.log.V(3).Info("perf buffer reader is closed")
				return
			}
			tracer.log.Error(err, "reading from perf buffer failed")
			continue
		}

		if record.LostSamples != 0 {
			tracer.log.Error(fmt.Errorf("perf buffer is full, some events were dropped"), "dropped count", record.LostSamples)
			continue
		}

		if err := binary.Read(bytes.NewBuffer(record.RawSample), binary.LittleEndian, &ev); err != nil {
			tracer.log.Error(err, "parsing perf event failed")
			continue
		}
		tracer.inject(&ev)
	}
}

// inject hands one fork record to the mediator, enriching it with the
// remembered task name when the record itself carries none.
func (tracer *CloneTracer) inject(ev *BpfCloneEvent) {
	comm := commString(ev.Comm[:])
	if comm != "" {
		tracer.comms.Add(ev.ChildPid, comm)
	} else if cached, ok := tracer.comms.Get(ev.ParentPid); ok {
		comm = cached.(string)
	}

	parent := types.TaskInfo{Tid: ev.ParentPid, Tgid: ev.ParentTgid}
	child := types.TaskInfo{Tid: ev.ChildPid, Tgid: ev.ChildTgid}
	tracer.mediator.CloneKprobe(parent, child, comm)
}

func commString(raw []byte) string {
	return string(bytes.TrimRight(raw, "\x00"))
}
