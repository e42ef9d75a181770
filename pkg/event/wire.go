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

package event

import (
	"encoding/binary"
	"math/bits"

	"github.com/pkg/errors"

	"github.com/stallguard/stallguard/internal/types"
)

// The wire format is a packed header followed by a kind-specific fixed
// region and inline NUL-terminated strings. All integers are host-endian;
// string offsets are relative to the start of the payload.
const (
	// HeaderSize is the size of the event header on the wire.
	HeaderSize = 20

	// ResponseSize is the size of a response record on the wire.
	ResponseSize = 16
)

var hostEndian = binary.NativeEndian

// Response is the wire record user space writes back.
type Response struct {
	RequestID         uint64
	Response          types.ResponseCode
	ContinueTimeoutMs uint32
}

// EncodeResponse serializes a response record.
func EncodeResponse(r Response) []byte {
	buf := make([]byte, ResponseSize)
	hostEndian.PutUint64(buf[0:], r.RequestID)
	hostEndian.PutUint32(buf[8:], uint32(r.Response))
	hostEndian.PutUint32(buf[12:], r.ContinueTimeoutMs)
	return buf
}

// DecodeResponse parses a response record.
func DecodeResponse(buf []byte) (Response, error) {
	if len(buf) < ResponseSize {
		return Response{}, errors.Errorf("short response: %d bytes", len(buf))
	}
	return Response{
		RequestID:         hostEndian.Uint64(buf[0:]),
		Response:          types.ResponseCode(hostEndian.Uint32(buf[8:])),
		ContinueTimeoutMs: hostEndian.Uint32(buf[12:]),
	}, nil
}

// HookID returns the numeric wire tag of a hook.
func HookID(h types.HookType) uint16 {
	return uint16(bits.TrailingZeros32(uint32(h)))
}

// hookFromID is the inverse of HookID.
func hookFromID(id uint16) types.HookType {
	return types.HookType(1) << id
}

// payloadWriter lays out a payload: fixed region first, strings appended
// behind it with their payload-relative offsets recorded in the fixed
// region.
type payloadWriter struct {
	buf []byte
	str int // next free byte in the string region
}

func newPayloadWriter(fixed int, strs ...string) *payloadWriter {
	total := fixed
	for _, s := range strs {
		total += len(s) + 1 // NUL terminator
	}
	return &payloadWriter{buf: make([]byte, total), str: fixed}
}

func (w *payloadWriter) putU16(off int, v uint16) { hostEndian.PutUint16(w.buf[off:], v) }
func (w *payloadWriter) putU32(off int, v uint32) { hostEndian.PutUint32(w.buf[off:], v) }
func (w *payloadWriter) putU64(off int, v uint64) { hostEndian.PutUint64(w.buf[off:], v) }

// putStr appends s to the string region and records {offset, length}
// at the two u16 slots starting at off. Length excludes the NUL.
func (w *payloadWriter) putStr(off int, s string) {
	w.putU16(off, uint16(w.str))
	w.putU16(off+2, uint16(len(s)))
	copy(w.buf[w.str:], s)
	w.buf[w.str+len(s)] = 0
	w.str += len(s) + 1
}

// Encode serializes an event for the delivery surface.
func Encode(e *Event) []byte {
	payload := encodePayload(e.Payload)
	buf := make([]byte, HeaderSize+len(payload))
	hostEndian.PutUint64(buf[0:], e.RequestID)
	hostEndian.PutUint32(buf[8:], e.Tid)
	hostEndian.PutUint16(buf[12:], uint16(e.Kind))
	hostEndian.PutUint16(buf[14:], HookID(e.Hook))
	hostEndian.PutUint16(buf[16:], uint16(e.Flags))
	hostEndian.PutUint16(buf[18:], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

func encodePayload(p Payload) []byte {
	switch v := p.(type) {
	case *ExecPayload:
		w := newPayloadWriter(4, v.Path)
		w.putStr(0, v.Path)
		return w.buf
	case *UnlinkPayload:
		w := newPayloadWriter(6, v.Path)
		w.putU16(0, v.Mode)
		w.putStr(2, v.Path)
		return w.buf
	case *RenamePayload:
		w := newPayloadWriter(10, v.OldPath, v.NewPath)
		w.putU16(0, v.Mode)
		w.putStr(2, v.OldPath)
		w.putStr(6, v.NewPath)
		return w.buf
	case *SetattrPayload:
		w := newPayloadWriter(26, v.Path)
		w.putU32(0, v.Mask)
		w.putU16(4, v.Mode)
		w.putU32(6, v.Uid)
		w.putU32(10, v.Gid)
		w.putU64(14, v.Size)
		w.putStr(22, v.Path)
		return w.buf
	case *CreatePayload:
		w := newPayloadWriter(6, v.Path)
		w.putU16(0, v.Mode)
		w.putStr(2, v.Path)
		return w.buf
	case *LinkPayload:
		w := newPayloadWriter(8, v.OldPath, v.NewPath)
		w.putStr(0, v.OldPath)
		w.putStr(4, v.NewPath)
		return w.buf
	case *SymlinkPayload:
		w := newPayloadWriter(8, v.Path, v.Target)
		w.putStr(0, v.Path)
		w.putStr(4, v.Target)
		return w.buf
	case *OpenPayload:
		w := newPayloadWriter(10, v.Path)
		w.putU16(0, v.Mode)
		w.putU32(2, v.OpenFlags)
		w.putStr(6, v.Path)
		return w.buf
	case *ClosePayload:
		w := newPayloadWriter(6, v.Path)
		w.putU16(0, v.Mode)
		w.putStr(2, v.Path)
		return w.buf
	case *MmapPayload:
		w := newPayloadWriter(14, v.Path)
		w.putU32(0, v.Prot)
		w.putU32(4, v.MmapFlags)
		w.putU16(8, v.Mode)
		w.putStr(10, v.Path)
		return w.buf
	case *PtracePayload:
		w := newPayloadWriter(12)
		w.putU32(0, v.SourceTid)
		w.putU32(4, v.TargetTid)
		w.putU32(8, v.Mode)
		return w.buf
	case *SignalPayload:
		w := newPayloadWriter(8)
		w.putU32(0, v.TargetTid)
		w.putU32(4, v.Signal)
		return w.buf
	case *ClonePayload:
		w := newPayloadWriter(12, v.Comm)
		w.putU32(0, v.ParentTid)
		w.putU32(4, v.ChildTid)
		w.putStr(8, v.Comm)
		return w.buf
	case *ExitPayload:
		w := newPayloadWriter(4)
		w.putU32(0, v.Code)
		return w.buf
	case *TaskFreePayload:
		w := newPayloadWriter(4)
		w.putU32(0, v.Tid)
		return w.buf
	}
	return nil
}

// payloadReader mirrors payloadWriter for the decode path.
type payloadReader struct {
	buf []byte
}

func (r *payloadReader) u16(off int) uint16 { return hostEndian.Uint16(r.buf[off:]) }
func (r *payloadReader) u32(off int) uint32 { return hostEndian.Uint32(r.buf[off:]) }
func (r *payloadReader) u64(off int) uint64 { return hostEndian.Uint64(r.buf[off:]) }

func (r *payloadReader) str(off int) (string, error) {
	so := int(r.u16(off))
	sl := int(r.u16(off + 2))
	if so+sl+1 > len(r.buf) {
		return "", errors.Errorf("string at offset %d length %d exceeds payload", so, sl)
	}
	return string(r.buf[so : so+sl]), nil
}

// Decode parses a serialized event. It is the inverse of Encode and is
// used by the delivery tests and by in-process consumers.
func Decode(buf []byte) (*Event, error) {
	if len(buf) < HeaderSize {
		return nil, errors.Errorf("short event: %d bytes", len(buf))
	}
	e := &Event{
		RequestID: hostEndian.Uint64(buf[0:]),
		Tid:       hostEndian.Uint32(buf[8:]),
		Kind:      types.EventKind(hostEndian.Uint16(buf[12:])),
		Hook:      hookFromID(hostEndian.Uint16(buf[14:])),
		Flags:     types.ReportFlags(hostEndian.Uint16(buf[16:])),
	}
	plen := int(hostEndian.Uint16(buf[18:]))
	if HeaderSize+plen > len(buf) {
		return nil, errors.Errorf("payload length %d exceeds buffer", plen)
	}
	r := &payloadReader{buf: buf[HeaderSize : HeaderSize+plen]}

	var err error
	switch e.Kind {
	case types.KindExec:
		p := &ExecPayload{}
		p.Path, err = r.str(0)
		e.Payload = p
	case types.KindUnlink, types.KindRmdir:
		p := &UnlinkPayload{Mode: r.u16(0), kind: e.Kind}
		p.Path, err = r.str(2)
		e.Payload = p
	case types.KindRename:
		p := &RenamePayload{Mode: r.u16(0)}
		if p.OldPath, err = r.str(2); err == nil {
			p.NewPath, err = r.str(6)
		}
		e.Payload = p
	case types.KindSetattr:
		p := &SetattrPayload{
			Mask: r.u32(0),
			Mode: r.u16(4),
			Uid:  r.u32(6),
			Gid:  r.u32(10),
			Size: r.u64(14),
		}
		p.Path, err = r.str(22)
		e.Payload = p
	case types.KindMkdir, types.KindCreate:
		p := &CreatePayload{Mode: r.u16(0), kind: e.Kind}
		p.Path, err = r.str(2)
		e.Payload = p
	case types.KindLink:
		p := &LinkPayload{}
		if p.OldPath, err = r.str(0); err == nil {
			p.NewPath, err = r.str(4)
		}
		e.Payload = p
	case types.KindSymlink:
		p := &SymlinkPayload{}
		if p.Path, err = r.str(0); err == nil {
			p.Target, err = r.str(4)
		}
		e.Payload = p
	case types.KindOpen:
		p := &OpenPayload{Mode: r.u16(0), OpenFlags: r.u32(2)}
		p.Path, err = r.str(6)
		e.Payload = p
	case types.KindClose:
		p := &ClosePayload{Mode: r.u16(0)}
		p.Path, err = r.str(2)
		e.Payload = p
	case types.KindMmap:
		p := &MmapPayload{Prot: r.u32(0), MmapFlags: r.u32(4), Mode: r.u16(8)}
		p.Path, err = r.str(10)
		e.Payload = p
	case types.KindPtrace:
		e.Payload = &PtracePayload{SourceTid: r.u32(0), TargetTid: r.u32(4), Mode: r.u32(8)}
	case types.KindSignal:
		e.Payload = &SignalPayload{TargetTid: r.u32(0), Signal: r.u32(4)}
	case types.KindClone:
		p := &ClonePayload{ParentTid: r.u32(0), ChildTid: r.u32(4)}
		p.Comm, err = r.str(8)
		e.Payload = p
	case types.KindExit:
		e.Payload = &ExitPayload{Code: r.u32(0)}
	case types.KindTaskFree:
		e.Payload = &TaskFreePayload{Tid: r.u32(0)}
	default:
		return nil, errors.Errorf("unknown event kind %d", e.Kind)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}
