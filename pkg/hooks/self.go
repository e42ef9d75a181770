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
	"sync"
)

// SelfSet tracks the process groups of the connected decision agent.
// Events originating from these never stall and never touch the caches,
// which prevents an agent → stall → agent deadlock. Lookup sits on the
// hot path of every hook.
type SelfSet struct {
	mu    sync.RWMutex
	tgids map[uint32]struct{}
}

// NewSelfSet returns an empty agent set.
func NewSelfSet() *SelfSet {
	return &SelfSet{tgids: make(map[uint32]struct{})}
}

// Add registers an agent process group.
func (s *SelfSet) Add(tgid uint32) {
	s.mu.Lock()
	s.tgids[tgid] = struct{}{}
	s.mu.Unlock()
}

// Remove deregisters an agent process group.
func (s *SelfSet) Remove(tgid uint32) {
	s.mu.Lock()
	delete(s.tgids, tgid)
	s.mu.Unlock()
}

// Contains reports whether the process group belongs to the agent.
func (s *SelfSet) Contains(tgid uint32) bool {
	s.mu.RLock()
	_, ok := s.tgids[tgid]
	s.mu.RUnlock()
	return ok
}

// Len returns the number of registered process groups.
func (s *SelfSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tgids)
}
