/*
Maildeck - Multi-tenant mail delivery core.
Copyright © 2024-2026 Maildeck contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package task reports the state of long-running jobs in a fixed envelope
// that external task frameworks can consume.
package task

import (
	"sync"

	"github.com/maildeck/maildeck/framework/log"
)

type State string

const (
	StateProgress State = "PROGRESS"
	StateSuccess  State = "SUCCESS"
	StateFailure  State = "FAILURE"
)

// Reporter tracks per-item progress of one job and emits state envelopes
// through the logger. Safe for concurrent use.
type Reporter struct {
	typ string
	log log.Logger

	mu      sync.Mutex
	total   int
	success int
	failure int
	lastErr string
}

func NewReporter(typ string, l log.Logger) *Reporter {
	return &Reporter{typ: typ, log: l}
}

func (r *Reporter) SetTotal(n int) {
	r.mu.Lock()
	r.total = n
	r.mu.Unlock()
}

// Step records the outcome of one item and emits a PROGRESS envelope.
// current identifies the item, status is a free-form per-item state.
func (r *Reporter) Step(current, status string, err error) {
	r.mu.Lock()
	if err != nil {
		r.failure++
		r.lastErr = err.Error()
	} else {
		r.success++
	}
	r.mu.Unlock()
	r.emit(StateProgress, current, status)
}

// Done emits the terminal envelope: FAILURE when any item failed, SUCCESS
// otherwise.
func (r *Reporter) Done() {
	r.mu.Lock()
	failed := r.failure > 0
	r.mu.Unlock()
	if failed {
		r.emit(StateFailure, "", "")
		return
	}
	r.emit(StateSuccess, "", "")
}

func (r *Reporter) emit(state State, current, status string) {
	r.mu.Lock()
	total, success, failure, lastErr := r.total, r.success, r.failure, r.lastErr
	r.mu.Unlock()

	fields := []interface{}{
		"state", string(state),
		"type", r.typ,
		"message_status", status,
		"total_messages", total,
		"success_count", success,
		"failure_count", failure,
		"current_message", current,
	}
	if state == StateFailure {
		fields = append(fields, "error", lastErr)
	}
	r.log.Msg("task state", fields...)
}

// Counts returns the running totals, mainly for tests and summaries.
func (r *Reporter) Counts() (total, success, failure int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total, r.success, r.failure
}
