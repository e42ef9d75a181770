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
	"encoding/binary"
	"io"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/stallguard/stallguard/pkg/event"
	"github.com/stallguard/stallguard/pkg/hooks"
	"github.com/stallguard/stallguard/pkg/stall"
)

// Server carries the device protocol over a unix-domain socket. A
// single agent is served at a time: its process group is registered as
// SELF for the duration of the connection, the stall table is enabled
// on attach and disabled (aborting in-flight stalls with allow) on
// detach.
type Server struct {
	device     *Device
	table      *stall.Table
	self       *hooks.SelfSet
	socketPath string
	listener   *net.UnixListener
	log        logr.Logger
}

// NewServer binds the agent socket.
func NewServer(device *Device, table *stall.Table, self *hooks.SelfSet, socketPath string, log logr.Logger) (*Server, error) {
	// A stale socket from a previous run would fail the bind.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, err
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		device:     device,
		table:      table,
		self:       self,
		socketPath: socketPath,
		listener:   listener,
		log:        log,
	}, nil
}

// Run accepts agent connections until the stop channel closes.
func (s *Server) Run(stopCh <-chan struct{}) {
	s.log.Info("agent socket listening", "path", s.socketPath)

	go func() {
		<-stopCh
		s.listener.Close()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			select {
			case <-stopCh:
				return
			default:
			}
			s.log.Error(err, "AcceptUnix() failed")
			time.Sleep(bo.NextBackOff())
			continue
		}
		bo.Reset()
		s.serve(conn, stopCh)
	}
}

// CleanUp closes the socket.
func (s *Server) CleanUp() {
	s.log.Info("cleaning up")
	s.listener.Close()
	os.Remove(s.socketPath)
}

// serve pumps events to and responses from one agent connection.
func (s *Server) serve(conn *net.UnixConn, stopCh <-chan struct{}) {
	defer conn.Close()

	tgid, err := peerPid(conn)
	if err != nil {
		s.log.Error(err, "failed to read peer credentials, rejecting agent")
		return
	}
	s.log.Info("agent attached", "tgid", tgid)

	s.self.Add(tgid)
	s.table.Enable()
	defer func() {
		s.table.Disable()
		s.self.Remove(tgid)
		s.log.Info("agent detached", "tgid", tgid)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
		case <-ctx.Done():
		}
		cancel()
		conn.Close()
	}()

	// Event writer. Each serialized event goes out behind a host-endian
	// length prefix so the agent can split the stream.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		defer cancel()
		var lenBuf [4]byte
		for {
			batch, err := s.device.ReadBatch(ctx, DefaultBatchBytes)
			if err != nil {
				return
			}
			for _, data := range batch {
				binary.NativeEndian.PutUint32(lenBuf[:], uint32(len(data)))
				if _, err := conn.Write(lenBuf[:]); err != nil {
					return
				}
				if _, err := conn.Write(data); err != nil {
					return
				}
			}
		}
	}()

	// Response reader.
	buf := make([]byte, event.ResponseSize)
	for {
		if _, err := io.ReadFull(conn, buf); err != nil {
			if err != io.EOF {
				s.log.V(1).Info("agent connection closed", "reason", err.Error())
			}
			break
		}
		resp, err := event.DecodeResponse(buf)
		if err != nil {
			s.log.Error(err, "malformed response record")
			continue
		}
		if err := s.device.WriteResponse(resp); err != nil {
			s.log.Error(err, "WriteResponse() failed", "requestID", resp.RequestID)
		}
	}
	cancel()
	<-writeDone
}

// peerPid extracts the connecting process id from SO_PEERCRED.
func peerPid(conn *net.UnixConn) (uint32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, err
	}
	if credErr != nil {
		return 0, credErr
	}
	return uint32(cred.Pid), nil
}
