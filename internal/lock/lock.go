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

// Package lock provides advisory locks with a TTL.
//
// The locks are a best-effort mutex bounding double-work, not a
// transactional guarantee: holders must still re-check authoritative state
// after acquiring. The TTL bounds how long a crashed holder blocks others.
package lock

import (
	"sync"
	"time"
)

// SendMessageKey returns the lock key guarding the send of one message.
func SendMessageKey(messageID string) string {
	return "send_message_lock:" + messageID
}

// ThreadStatsKey returns the lock key serializing stat updates of a thread.
func ThreadStatsKey(threadID string) string {
	return "thread_stats_lock:" + threadID
}

// Locker is a process- or cluster-wide advisory lock provider.
type Locker interface {
	// TryAcquire attempts to take the lock. On success it returns a release
	// function and true. When the lock is held elsewhere it returns false.
	TryAcquire(key string, ttl time.Duration) (release func(), ok bool)

	// Acquire blocks until the lock is taken.
	Acquire(key string, ttl time.Duration) (release func())
}

type entry struct {
	expires time.Time
	token   uint64
}

// Memory is the in-process Locker. Multi-worker deployments substitute a
// shared-cache implementation with the same semantics.
type Memory struct {
	mu    sync.Mutex
	held  map[string]entry
	token uint64
}

func NewMemory() *Memory {
	return &Memory{held: map[string]entry{}}
}

func (m *Memory) TryAcquire(key string, ttl time.Duration) (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if e, ok := m.held[key]; ok && now.Before(e.expires) {
		return nil, false
	}

	m.token++
	token := m.token
	m.held[key] = entry{expires: now.Add(ttl), token: token}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if e, ok := m.held[key]; ok && e.token == token {
			delete(m.held, key)
		}
	}, true
}

func (m *Memory) Acquire(key string, ttl time.Duration) func() {
	for {
		if release, ok := m.TryAcquire(key, ttl); ok {
			return release
		}
		time.Sleep(10 * time.Millisecond)
	}
}
