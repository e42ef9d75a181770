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

// Package signal installs the daemon's termination handler.
package signal

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	onlyOneSignalHandler = make(chan struct{})
	stopCh               chan struct{}
	stopOnce             sync.Once
)

// SetupSignalHandler returns a channel closed on SIGINT or SIGTERM.
// A second signal terminates the process directly. Call at most once.
func SetupSignalHandler() <-chan struct{} {
	close(onlyOneSignalHandler) // panics on a second call

	stopCh = make(chan struct{})
	c := make(chan os.Signal, 2)
	signal.Notify(c, unix.SIGINT, unix.SIGTERM)
	go func() {
		<-c
		RequestShutdown()
		<-c
		os.Exit(1)
	}()
	return stopCh
}

// RequestShutdown closes the stop channel, letting components wind down
// as if a termination signal had arrived.
func RequestShutdown() {
	stopOnce.Do(func() {
		if stopCh != nil {
			close(stopCh)
		}
	})
}
