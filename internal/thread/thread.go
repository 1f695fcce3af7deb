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

// Package thread places messages into conversations and maintains the
// denormalized thread statistics all list queries read.
package thread

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/maildeck/maildeck/framework/log"
	"github.com/maildeck/maildeck/internal/db"
	"github.com/maildeck/maildeck/internal/lock"
)

const statsLockTTL = 30 * time.Second

type Assembler struct {
	db    *gorm.DB
	locks lock.Locker
	log   log.Logger
}

func NewAssembler(gdb *gorm.DB, locks lock.Locker, l log.Logger) *Assembler {
	return &Assembler{db: gdb, locks: locks, log: l}
}

// Placement is the resolved thread membership for a new message.
type Placement struct {
	ThreadID  string
	ParentID  *string
	NewThread bool
}

// Place resolves the thread for a message with the given threading headers,
// as seen from mailboxID. In-Reply-To wins over References; References are
// tried most recent first. When nothing resolves a new Thread is created
// with the subject stored verbatim.
func (a *Assembler) Place(ctx context.Context, mailboxID, subject, inReplyTo string, references []string) (*Placement, error) {
	if inReplyTo != "" {
		if parent, err := a.resolveMessage(ctx, mailboxID, inReplyTo); err != nil {
			return nil, err
		} else if parent != nil {
			return &Placement{ThreadID: parent.ThreadID, ParentID: &parent.ID}, nil
		}
	}

	for i := len(references) - 1; i >= 0; i-- {
		ref, err := a.resolveMessage(ctx, mailboxID, references[i])
		if err != nil {
			return nil, err
		}
		if ref != nil {
			return &Placement{ThreadID: ref.ThreadID, ParentID: &ref.ID}, nil
		}
	}

	t := db.Thread{Subject: subject}
	if err := a.db.WithContext(ctx).Create(&t).Error; err != nil {
		return nil, err
	}
	return &Placement{ThreadID: t.ID, NewThread: true}, nil
}

// resolveMessage finds the newest message with the given mime id that is
// accessible to the mailbox: either owned by it or in a thread it has
// access to.
func (a *Assembler) resolveMessage(ctx context.Context, mailboxID, mimeID string) (*db.Message, error) {
	var m db.Message
	err := a.db.WithContext(ctx).
		Where("mime_id = ?", mimeID).
		Where("mailbox_id = ? OR thread_id IN (?)", mailboxID,
			a.db.Model(&db.ThreadAccess{}).Select("thread_id").Where("mailbox_id = ?", mailboxID)).
		Order("created_at DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// EnsureAccess grants the mailbox access to the thread unless an access row
// already exists. Existing grants are never downgraded.
func (a *Assembler) EnsureAccess(ctx context.Context, threadID, mailboxID string, role db.ThreadRole, origin string) error {
	var existing db.ThreadAccess
	err := a.db.WithContext(ctx).
		Where("thread_id = ? AND mailbox_id = ?", threadID, mailboxID).
		First(&existing).Error
	if err == nil {
		if existing.Role == db.ThreadRoleViewer && role == db.ThreadRoleEditor {
			existing.Role = db.ThreadRoleEditor
			return a.db.WithContext(ctx).Save(&existing).Error
		}
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return a.db.WithContext(ctx).Create(&db.ThreadAccess{
		ThreadID:  threadID,
		MailboxID: mailboxID,
		Role:      role,
		Origin:    origin,
	}).Error
}

// UpdateStats recomputes the thread's denormalized flags from its messages.
// The recompute is serialized per thread and always runs from scratch, so a
// lost race converges on the next update.
func (a *Assembler) UpdateStats(ctx context.Context, threadID string) error {
	release := a.locks.Acquire(lock.ThreadStatsKey(threadID), statsLockTTL)
	defer release()

	var t db.Thread
	if err := a.db.WithContext(ctx).First(&t, "id = ?", threadID).Error; err != nil {
		return err
	}

	var msgs []db.Message
	err := a.db.WithContext(ctx).
		Preload("Sender").
		Where("thread_id = ?", threadID).
		Order("created_at ASC").
		Find(&msgs).Error
	if err != nil {
		return err
	}

	stats := computeStats(msgs)
	t.HasUnread = stats.hasUnread
	t.HasTrashed = stats.hasTrashed
	t.HasDraft = stats.hasDraft
	t.HasStarred = stats.hasStarred
	t.HasSender = stats.hasSender
	t.HasAttachments = stats.hasAttachments
	t.HasActive = stats.hasActive
	t.HasMessages = stats.hasMessages
	t.IsSpam = stats.isSpam
	t.MessagedAt = stats.messagedAt
	t.SenderNames = stats.senderNames

	return a.db.WithContext(ctx).Save(&t).Error
}

type stats struct {
	hasUnread      bool
	hasTrashed     bool
	hasDraft       bool
	hasStarred     bool
	hasSender      bool
	hasAttachments bool
	hasActive      bool
	hasMessages    bool
	isSpam         bool
	messagedAt     *time.Time
	senderNames    db.StringList
}

func computeStats(msgs []db.Message) stats {
	var s stats
	if len(msgs) == 0 {
		return s
	}

	s.isSpam = msgs[0].IsSpam

	var maxAll, maxLive *time.Time
	for i := range msgs {
		m := &msgs[i]

		s.hasUnread = s.hasUnread || (m.IsUnread && !m.IsTrashed)
		s.hasTrashed = s.hasTrashed || m.IsTrashed
		s.hasDraft = s.hasDraft || (m.IsDraft && !m.IsTrashed)
		s.hasStarred = s.hasStarred || (m.IsStarred && !m.IsTrashed)
		s.hasSender = s.hasSender || (m.IsSender && !m.IsTrashed && !m.IsDraft)
		s.hasAttachments = s.hasAttachments || m.HasAttachments
		s.hasMessages = s.hasMessages || (!m.IsTrashed && !m.IsSpam)
		s.hasActive = s.hasActive ||
			(!m.IsSender && !m.IsSpam && !m.IsArchived && !m.IsTrashed && !m.IsDraft)

		created := m.CreatedAt
		maxAll = maxTime(maxAll, created)
		if !m.IsTrashed {
			maxLive = maxTime(maxLive, created)
		}
	}

	s.messagedAt = maxLive
	if s.messagedAt == nil {
		s.messagedAt = maxAll
	}

	s.senderNames = senderNames(msgs)
	return s
}

func maxTime(cur *time.Time, t time.Time) *time.Time {
	if cur == nil || t.After(*cur) {
		return &t
	}
	return cur
}

// senderNames picks the first and last distinct sender display names of the
// live messages, preserving chronological order. Falls back to all messages
// when every one is trashed or a draft.
func senderNames(msgs []db.Message) db.StringList {
	names := distinctSenders(msgs, true)
	if len(names) == 0 {
		names = distinctSenders(msgs, false)
	}
	if len(names) > 2 {
		names = []string{names[0], names[len(names)-1]}
	}
	return names
}

func distinctSenders(msgs []db.Message, liveOnly bool) []string {
	var names []string
	seen := map[string]bool{}
	for i := range msgs {
		m := &msgs[i]
		if liveOnly && (m.IsTrashed || m.IsDraft) {
			continue
		}
		name := senderDisplayName(&m.Sender)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

func senderDisplayName(c *db.Contact) string {
	if c == nil {
		return ""
	}
	if strings.TrimSpace(c.Name) != "" {
		return c.Name
	}
	return c.Email
}
