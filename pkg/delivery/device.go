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

// Package delivery is the surface between the mediation core and the
// user-space decision agent: a blocking batched read of serialized
// events, a response write-back, and the privileged control requests.
package delivery

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/stallguard/stallguard/internal/config"
	"github.com/stallguard/stallguard/internal/types"
	"github.com/stallguard/stallguard/pkg/event"
	"github.com/stallguard/stallguard/pkg/stall"
)

// DefaultBatchBytes bounds one read batch.
const DefaultBatchBytes = 64 << 10

// Device implements the request/response contract of the character
// device. One consumer cursor per device.
type Device struct {
	table  *stall.Table
	cfg    *config.Config
	cursor stall.Cursor
	log    logr.Logger
}

// NewDevice creates a delivery device over the stall table.
func NewDevice(table *stall.Table, cfg *config.Config, log logr.Logger) *Device {
	return &Device{table: table, cfg: cfg, log: log}
}

// ReadBatch blocks until at least one serialized event is available,
// then drains up to maxBytes in priority order. Queued audit events may
// have been dropped before they reached the queue; events with a stall
// entry are never dropped here.
func (d *Device) ReadBatch(ctx context.Context, maxBytes int) ([][]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultBatchBytes
	}
	for {
		if batch := d.table.DequeueBatch(&d.cursor, maxBytes); len(batch) > 0 {
			return batch, nil
		}
		select {
		case <-d.table.Notify():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WriteResponse routes a verdict back to its stall entry. A response
// for an unknown request id is accepted silently: the waiter may have
// already timed out.
func (d *Device) WriteResponse(r event.Response) error {
	err := d.table.Resolve(r.RequestID, r.Response, r.ContinueTimeoutMs)
	if err == types.ErrNotFound {
		d.log.V(3).Info("response for unknown request", "requestID", r.RequestID)
		return nil
	}
	return err
}

// Configure applies an administrative request. Only privileged callers
// may mutate config; clamping and cache flushing happen inside Apply.
func (d *Device) Configure(req config.ControlRequest, privileged bool) error {
	if !privileged {
		return errors.New("configure requires a privileged caller")
	}
	return d.cfg.Apply(req)
}

// Stats exposes the table counters for the status surface.
func (d *Device) Stats() stall.Stats {
	return d.table.Stats()
}
