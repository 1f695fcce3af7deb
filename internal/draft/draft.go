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

// Package draft creates and edits unsent messages. Every mutation runs in
// one transaction so a failed validation leaves no partial blobs or
// recipient rows behind.
package draft

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/maildeck/maildeck/framework/exterrors"
	"github.com/maildeck/maildeck/framework/log"
	"github.com/maildeck/maildeck/internal/blob"
	"github.com/maildeck/maildeck/internal/db"
	"github.com/maildeck/maildeck/internal/email"
	"github.com/maildeck/maildeck/internal/thread"
)

// AttachmentRef identifies content to attach: either an uploaded Blob by
// UUID, or "msg_<messageId>_<index>" referencing a parsed attachment of an
// accessible past message.
type AttachmentRef struct {
	BlobID string
	Name   string
	CID    string
}

// Params carry the editable fields of a draft.
type Params struct {
	Subject     string
	Body        []byte // stored verbatim as the draft blob
	ParentID    *string
	To          []email.Address
	Cc          []email.Address
	Bcc         []email.Address
	Attachments []AttachmentRef
	SignatureID *string
}

type Engine struct {
	db      *gorm.DB
	threads *thread.Assembler
	maxSize int64
	log     log.Logger
}

func NewEngine(gdb *gorm.DB, threads *thread.Assembler, maxAttachmentSize int64, l log.Logger) *Engine {
	return &Engine{db: gdb, threads: threads, maxSize: maxAttachmentSize, log: l}
}

// Create makes a new draft in the mailbox. The sender is always the
// mailbox's self contact.
func (e *Engine) Create(ctx context.Context, mailboxID string, p Params) (*db.Message, error) {
	var msg *db.Message
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mbox db.Mailbox
		if err := tx.Preload("Domain").First(&mbox, "id = ?", mailboxID).Error; err != nil {
			return err
		}
		if mbox.ContactID == nil {
			return fmt.Errorf("draft: mailbox %s has no self contact", mailboxID)
		}

		threadID, parentID, err := e.resolveParent(tx, &mbox, p.ParentID, p.Subject)
		if err != nil {
			return err
		}

		draftBlob, err := blob.NewStore(tx).Put(ctx, mbox.ID, "application/json", p.Body)
		if err != nil {
			return err
		}

		msg = &db.Message{
			ThreadID:    threadID,
			Subject:     p.Subject,
			SenderID:    *mbox.ContactID,
			ParentID:    parentID,
			MailboxID:   mbox.ID,
			MimeID:      uuid.NewString() + "@" + mbox.Domain.Name,
			DraftBlobID: &draftBlob.ID,
			SignatureID: p.SignatureID,
			IsDraft:     true,
			IsSender:    true,
		}
		if err := tx.Create(msg).Error; err != nil {
			return err
		}

		if err := e.applyAttachments(ctx, tx, &mbox, msg, p.Attachments); err != nil {
			return err
		}
		if err := e.applyRecipients(tx, msg, p); err != nil {
			return err
		}
		return ensureEditorAccess(tx, threadID, mbox.ID)
	})
	if err != nil {
		return nil, err
	}

	if err := e.threads.UpdateStats(ctx, msg.ThreadID); err != nil {
		return nil, err
	}
	return msg, nil
}

// Update edits an existing draft. The sender and thread are immutable;
// recipients and attachments are replaced wholesale.
func (e *Engine) Update(ctx context.Context, mailboxID, messageID string, p Params) (*db.Message, error) {
	var msg db.Message
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&msg, "id = ?", messageID).Error; err != nil {
			return err
		}
		if msg.MailboxID != mailboxID {
			return &exterrors.PermissionDenied{Resource: "message " + messageID}
		}
		if !msg.IsDraft {
			return &exterrors.ValidationError{Field: "message", Message: "not a draft"}
		}
		if p.ParentID != nil && (msg.ParentID == nil || *p.ParentID != *msg.ParentID) {
			return &exterrors.ValidationError{Field: "parent", Message: "draft thread cannot change"}
		}

		var mbox db.Mailbox
		if err := tx.Preload("Domain").First(&mbox, "id = ?", mailboxID).Error; err != nil {
			return err
		}

		draftBlob, err := blob.NewStore(tx).Put(ctx, mbox.ID, "application/json", p.Body)
		if err != nil {
			return err
		}
		msg.Subject = p.Subject
		msg.DraftBlobID = &draftBlob.ID
		msg.SignatureID = p.SignatureID
		if err := tx.Save(&msg).Error; err != nil {
			return err
		}

		if err := tx.Model(&msg).Association("Attachments").Clear(); err != nil {
			return err
		}
		msg.HasAttachments = false
		if err := e.applyAttachments(ctx, tx, &mbox, &msg, p.Attachments); err != nil {
			return err
		}

		if err := tx.Where("message_id = ?", msg.ID).Delete(&db.MessageRecipient{}).Error; err != nil {
			return err
		}
		return e.applyRecipients(tx, &msg, p)
	})
	if err != nil {
		return nil, err
	}

	if err := e.threads.UpdateStats(ctx, msg.ThreadID); err != nil {
		return nil, err
	}
	return &msg, nil
}

// resolveParent maps an optional parent message to (threadID, parentID).
// Without a parent, a new thread is created.
func (e *Engine) resolveParent(tx *gorm.DB, mbox *db.Mailbox, parentID *string, subject string) (string, *string, error) {
	if parentID == nil {
		t := db.Thread{Subject: subject}
		if err := tx.Create(&t).Error; err != nil {
			return "", nil, err
		}
		return t.ID, nil, nil
	}

	var parent db.Message
	err := tx.Where("id = ?", *parentID).
		Where("mailbox_id = ? OR thread_id IN (?)", mbox.ID,
			tx.Session(&gorm.Session{NewDB: true}).Model(&db.ThreadAccess{}).
				Select("thread_id").Where("mailbox_id = ?", mbox.ID)).
		First(&parent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil, &exterrors.NotFound{Resource: "parent message " + *parentID}
	}
	if err != nil {
		return "", nil, err
	}
	return parent.ThreadID, &parent.ID, nil
}

func (e *Engine) applyRecipients(tx *gorm.DB, msg *db.Message, p Params) error {
	add := func(addrs []email.Address, typ db.RecipientType) error {
		for _, a := range addrs {
			contact, err := resolveContact(tx, msg.MailboxID, a)
			if err != nil {
				return err
			}
			// Draft recipients have no delivery status until sent.
			r := db.MessageRecipient{MessageID: msg.ID, ContactID: contact.ID, Type: typ}
			if err := tx.Create(&r).Error; err != nil {
				return err
			}
		}
		return nil
	}
	if err := add(p.To, db.RecipientTo); err != nil {
		return err
	}
	if err := add(p.Cc, db.RecipientCc); err != nil {
		return err
	}
	return add(p.Bcc, db.RecipientBcc)
}

// applyAttachments resolves every reference, enforces the total size
// policy, and links the resulting Attachment rows to the draft.
func (e *Engine) applyAttachments(ctx context.Context, tx *gorm.DB, mbox *db.Mailbox, msg *db.Message, refs []AttachmentRef) error {
	var total int64
	var rows []*db.Attachment

	for _, ref := range refs {
		att, err := e.resolveAttachment(ctx, tx, mbox, ref)
		if err != nil {
			return err
		}
		if att == nil {
			// Inaccessible reference, skipped.
			continue
		}
		total += att.Blob.Size
		rows = append(rows, att)
	}

	if total > e.maxSize {
		return &exterrors.ValidationError{
			Field:   "attachments",
			Message: fmt.Sprintf("attachments total %d bytes, limit is %d", total, e.maxSize),
		}
	}

	for _, att := range rows {
		if err := tx.Model(msg).Association("Attachments").Append(att); err != nil {
			return err
		}
	}
	if len(rows) > 0 {
		msg.HasAttachments = true
		if err := tx.Model(msg).Update("has_attachments", true).Error; err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) resolveAttachment(ctx context.Context, tx *gorm.DB, mbox *db.Mailbox, ref AttachmentRef) (*db.Attachment, error) {
	if msgID, idx, ok := parseForwardRef(ref.BlobID); ok {
		return e.forwardAttachment(ctx, tx, mbox, ref, msgID, idx)
	}

	var b db.Blob
	err := tx.Where("id = ? AND mailbox_id = ?", ref.BlobID, mbox.ID).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		e.log.DebugMsg("skipping foreign blob reference", "blob", ref.BlobID, "mailbox", mbox.ID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	att := &db.Attachment{MailboxID: mbox.ID, Name: ref.Name, BlobID: b.ID, Blob: b, CID: ref.CID}
	if att.Name == "" {
		att.Name = "unnamed"
	}
	if err := tx.Create(att).Error; err != nil {
		return nil, err
	}
	return att, nil
}

// forwardAttachment extracts attachment <idx> from an accessible past
// message and content-addresses it into the drafting mailbox.
func (e *Engine) forwardAttachment(ctx context.Context, tx *gorm.DB, mbox *db.Mailbox, ref AttachmentRef, msgID string, idx int) (*db.Attachment, error) {
	var src db.Message
	err := tx.Where("id = ?", msgID).
		Where("mailbox_id = ? OR thread_id IN (?)", mbox.ID,
			tx.Session(&gorm.Session{NewDB: true}).Model(&db.ThreadAccess{}).
				Select("thread_id").Where("mailbox_id = ?", mbox.ID)).
		First(&src).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		e.log.DebugMsg("skipping inaccessible forward reference", "message", msgID, "mailbox", mbox.ID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if src.BlobID == nil {
		return nil, nil
	}

	store := blob.NewStore(tx)
	raw, err := store.Open(ctx, *src.BlobID)
	if err != nil {
		return nil, err
	}
	parsed, err := email.Parse(raw)
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(parsed.Attachments) {
		e.log.DebugMsg("forward reference index out of range", "message", msgID, "index", idx)
		return nil, nil
	}
	part := parsed.Attachments[idx]

	b, err := store.Put(ctx, mbox.ID, part.Type, part.Content)
	if err != nil {
		return nil, err
	}

	name := ref.Name
	if name == "" {
		name = part.Name
	}
	cid := ref.CID
	if cid == "" {
		cid = part.CID
	}
	att := &db.Attachment{MailboxID: mbox.ID, Name: name, BlobID: b.ID, Blob: *b, CID: cid}
	if err := tx.Create(att).Error; err != nil {
		return nil, err
	}
	return att, nil
}

// parseForwardRef recognizes "msg_<messageId>_<index>".
func parseForwardRef(s string) (msgID string, idx int, ok bool) {
	rest, found := strings.CutPrefix(s, "msg_")
	if !found {
		return "", 0, false
	}
	cut := strings.LastIndex(rest, "_")
	if cut <= 0 {
		return "", 0, false
	}
	idx, err := strconv.Atoi(rest[cut+1:])
	if err != nil {
		return "", 0, false
	}
	return rest[:cut], idx, true
}

// ensureEditorAccess mirrors thread.EnsureAccess but runs on the draft's
// transaction so a rollback also discards the grant.
func ensureEditorAccess(tx *gorm.DB, threadID, mailboxID string) error {
	var existing db.ThreadAccess
	err := tx.Where("thread_id = ? AND mailbox_id = ?", threadID, mailboxID).
		First(&existing).Error
	if err == nil {
		if existing.Role != db.ThreadRoleEditor {
			existing.Role = db.ThreadRoleEditor
			return tx.Save(&existing).Error
		}
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return tx.Create(&db.ThreadAccess{
		ThreadID:  threadID,
		MailboxID: mailboxID,
		Role:      db.ThreadRoleEditor,
		Origin:    "draft",
	}).Error
}

func resolveContact(tx *gorm.DB, mailboxID string, a email.Address) (*db.Contact, error) {
	addr := strings.ToLower(strings.TrimSpace(a.Email))
	var c db.Contact
	err := tx.Where("mailbox_id = ? AND email = ?", mailboxID, addr).First(&c).Error
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	c = db.Contact{MailboxID: mailboxID, Email: addr, Name: a.Name}
	if err := tx.Create(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}
