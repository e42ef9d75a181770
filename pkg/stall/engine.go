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

package stall

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/metric"

	"github.com/stallguard/stallguard/internal/config"
	"github.com/stallguard/stallguard/internal/types"
	"github.com/stallguard/stallguard/pkg/event"
	"github.com/stallguard/stallguard/pkg/metrics"
)

// Outcome records how a stall ended. Hooks use it to decide whether a
// verdict is worth remembering in the caches.
type Outcome int

const (
	// OutcomeResponded means a user-space verdict arrived.
	OutcomeResponded Outcome = iota
	// OutcomeTimedOut means the wait elapsed; the default applied.
	OutcomeTimedOut
	// OutcomeInterrupted means a pending task signal aborted the wait;
	// treated like a timeout because the task is going away.
	OutcomeInterrupted
	// OutcomeDisabled means the table or stall mode went off; the hook
	// skips post-processing.
	OutcomeDisabled
	// OutcomeIgnored means the event carried the ignore flag while
	// ignore mode was on.
	OutcomeIgnored
	// OutcomeCapped means user space exhausted its continuation budget.
	OutcomeCapped
	// OutcomeError means the event could not be published.
	OutcomeError
)

// Engine blocks originating tasks on their stall entries until a
// response, timeout, interrupt or global disable.
type Engine struct {
	table *Table
	cfg   *config.Config
	log   logr.Logger

	stallCount     metric.Float64Counter
	respondCount   metric.Float64Counter
	timeoutCount   metric.Float64Counter
	interruptCount metric.Float64Counter
	continueCount  metric.Float64Counter
	denyCount      metric.Float64Counter
	inflightGauge  metric.Float64Gauge
}

// NewEngine creates a stall engine bound to its table and config.
func NewEngine(table *Table, cfg *config.Config, metricsModule *metrics.MetricsModule, log logr.Logger) *Engine {
	e := &Engine{
		table: table,
		cfg:   cfg,
		log:   log,
	}
	if metricsModule.Enabled {
		e.stallCount = metricsModule.RegisterFloat64Counter("stallguard_stalls_total", "Number of tasks stalled")
		e.respondCount = metricsModule.RegisterFloat64Counter("stallguard_responses_total", "Number of stalls finished by a user-space response")
		e.timeoutCount = metricsModule.RegisterFloat64Counter("stallguard_timeouts_total", "Number of stalls finished by timeout")
		e.interruptCount = metricsModule.RegisterFloat64Counter("stallguard_interrupts_total", "Number of stalls aborted by a pending task signal")
		e.continueCount = metricsModule.RegisterFloat64Counter("stallguard_continuations_total", "Number of continuation rounds granted")
		e.denyCount = metricsModule.RegisterFloat64Counter("stallguard_denies_total", "Number of deny verdicts returned to the kernel")
		e.inflightGauge = metricsModule.RegisterFloat64Gauge("stallguard_inflight_stalls", "Number of tasks currently stalled on an entry")
	}
	return e
}

func (e *Engine) count(c metric.Float64Counter) {
	if c != nil {
		c.Add(context.Background(), 1)
	}
}

// recordInflight samples the table's live entry count onto the gauge.
func (e *Engine) recordInflight() {
	if e.inflightGauge != nil {
		e.inflightGauge.Record(context.Background(), float64(e.table.Stats().Entries))
	}
}

// Stall publishes the event and blocks until one of: a user-space
// response, the configured timeout, a pending task signal (ctx), or a
// global disable. The returned verdict is safe to hand to the kernel on
// every path; the ErrDisabled sentinel tells the hook to skip
// post-processing. Table.Disable wakes a waiting task at once; stall
// mode or bypass mode switched in the config is only seen before the
// first round and between continuation rounds, so a task already
// waiting stays stalled until its response or timeout.
func (e *Engine) Stall(ctx context.Context, ev *event.Event) (types.Verdict, Outcome, error) {
	snap := e.cfg.Snapshot()

	if ev.Flags&types.FlagIgnore != 0 && snap.IgnoreMode {
		return types.VerdictAllow, OutcomeIgnored, types.ErrDisabled
	}
	if !snap.StallMode || snap.BypassMode || !e.table.Enabled() {
		return types.VerdictAllow, OutcomeDisabled, types.ErrDisabled
	}

	def := snap.DefaultResponse()
	entry, err := e.table.Insert(ev, def)
	if err != nil {
		if err == types.ErrDisabled {
			return types.VerdictAllow, OutcomeDisabled, err
		}
		if err == types.ErrDuplicate {
			// Impossible with monotonic assignment; a collision is a bug.
			e.log.Error(err, "request id collision", "requestID", ev.RequestID)
		}
		return types.VerdictAllow, OutcomeError, err
	}
	e.count(e.stallCount)
	e.recordInflight()

	resp, outcome := e.wait(ctx, entry, snap, def)

	// Always remove, whatever path got us here. Remove is idempotent.
	e.table.Remove(entry)
	e.recordInflight()

	if outcome == OutcomeDisabled {
		return types.VerdictAllow, outcome, types.ErrDisabled
	}
	verdict := resp.Verdict()
	if verdict == types.VerdictDeny {
		e.count(e.denyCount)
	}
	return verdict, outcome, nil
}

func (e *Engine) wait(ctx context.Context, entry *Entry, snap config.Snapshot, def types.ResponseCode) (types.ResponseCode, Outcome) {
	timeoutMs := snap.StallTimeoutMs
	continues := 0

	for {
		cur := e.cfg.Snapshot()
		if !cur.StallMode || cur.BypassMode || !e.table.Enabled() {
			return types.ResponseAllow, OutcomeDisabled
		}

		timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
		select {
		case <-entry.wake:
			timer.Stop()
			resp, contMs, aborted := entry.consume()
			if aborted {
				return types.ResponseAllow, OutcomeDisabled
			}
			if resp == types.ResponseContinue {
				// User space wants to hold the task longer. Bound the
				// ping-pong with the continuation budget.
				continues++
				e.count(e.continueCount)
				if continues >= config.MaxContinueResponses {
					e.log.V(1).Info("continuation budget exhausted", "requestID", entry.RequestID, "tid", entry.Tid)
					return types.ResponseDeny, OutcomeCapped
				}
				if contMs != 0 {
					if contMs > config.MaxExtendedTimeoutMs {
						contMs = config.MaxExtendedTimeoutMs
					}
					timeoutMs = contMs
				} else {
					timeoutMs = cur.ContinueTimeoutMs
				}
				e.log.V(2).Info("extending stall", "requestID", entry.RequestID, "round", continues, "timeoutMs", timeoutMs)
				continue
			}
			e.count(e.respondCount)
			return resp, OutcomeResponded

		case <-timer.C:
			e.log.V(2).Info("stall timed out", "requestID", entry.RequestID, "tid", entry.Tid, "response", uint32(def))
			e.count(e.timeoutCount)
			return def, OutcomeTimedOut

		case <-ctx.Done():
			timer.Stop()
			e.log.V(2).Info("stall interrupted", "requestID", entry.RequestID, "tid", entry.Tid)
			e.count(e.interruptCount)
			return def, OutcomeInterrupted
		}
	}
}
