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

// Package index emits message events to the external search collaborator.
// The search engine itself lives outside this codebase; the pipelines only
// publish upsert events through the Emitter interface.
package index

import (
	"context"
	"sync"

	"github.com/maildeck/maildeck/framework/log"
	"github.com/maildeck/maildeck/internal/db"
)

// Emitter publishes search-index events. Emission failures must not fail
// the calling pipeline; implementations log and drop.
type Emitter interface {
	MessageUpserted(ctx context.Context, msg *db.Message)
}

// LogEmitter is the default Emitter used when no indexer transport is
// configured.
type LogEmitter struct {
	Log log.Logger
}

func (e LogEmitter) MessageUpserted(_ context.Context, msg *db.Message) {
	e.Log.DebugMsg("index upsert", "message", msg.ID, "thread", msg.ThreadID, "mailbox", msg.MailboxID)
}

// Recorder collects emitted events. Used by tests.
type Recorder struct {
	mu       sync.Mutex
	Upserted []string
}

func (r *Recorder) MessageUpserted(_ context.Context, msg *db.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Upserted = append(r.Upserted, msg.ID)
}

// UpsertedIDs returns a copy of the recorded message ids.
func (r *Recorder) UpsertedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Upserted...)
}
