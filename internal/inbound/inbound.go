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

// Package inbound ingests raw wire messages into the canonical schema.
//
// Delivery is two-phase: a synchronous enqueue that only persists the raw
// bytes, and an asynchronous processing step that classifies, stores and
// threads the message. A failed processing step leaves the queue row in
// place for the stale-row scanner.
package inbound

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"

	"github.com/maildeck/maildeck/framework/address"
	"github.com/maildeck/maildeck/framework/exterrors"
	"github.com/maildeck/maildeck/framework/log"
	"github.com/maildeck/maildeck/internal/blob"
	"github.com/maildeck/maildeck/internal/db"
	"github.com/maildeck/maildeck/internal/email"
	"github.com/maildeck/maildeck/internal/index"
	"github.com/maildeck/maildeck/internal/spam"
	"github.com/maildeck/maildeck/internal/task"
	"github.com/maildeck/maildeck/internal/thread"
)

var processedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "maildeck_inbound_processed_total",
	Help: "Number of inbound queue rows processed, by result.",
}, []string{"result"})

// retryAge is how old a failed queue row must be before the scanner
// reprocesses it.
const retryAge = 5 * time.Minute

const snippetLen = 200

// AutoLabeler applies auto-created labels to a thread. Implemented by the
// label engine.
type AutoLabeler interface {
	ApplyAuto(ctx context.Context, mailboxID, threadID string, names []string) error
}

// Options carry the import-time context of a delivery.
type Options struct {
	// IsImport marks messages replayed from an external mailbox rather than
	// received live.
	IsImport bool

	// IsImportSender marks an imported message as authored by the mailbox
	// owner even when the From address does not match, as with sent mail
	// imported from an alias.
	IsImportSender bool

	// ImapLabels and ImapFlags are carried over from the source mailbox on
	// import.
	ImapLabels []string
	ImapFlags  []string
}

type Pipeline struct {
	db      *gorm.DB
	blobs   blob.Store
	spamCfg *spam.Config
	threads *thread.Assembler
	index   index.Emitter
	labels  AutoLabeler
	log     log.Logger

	// schedule hands a queue row id to the async worker. Tests replace it
	// to process synchronously.
	schedule func(rowID string)
}

func NewPipeline(gdb *gorm.DB, blobs blob.Store, spamCfg *spam.Config, threads *thread.Assembler, idx index.Emitter, labels AutoLabeler, l log.Logger) *Pipeline {
	p := &Pipeline{
		db:      gdb,
		blobs:   blobs,
		spamCfg: spamCfg,
		threads: threads,
		index:   idx,
		labels:  labels,
		log:     l,
	}
	p.schedule = func(rowID string) {
		go func() {
			if err := p.Process(context.Background(), rowID); err != nil {
				p.log.Error("inbound processing", err, "row", rowID)
			}
		}()
	}
	return p
}

// SetScheduler replaces the async scheduling hook.
func (p *Pipeline) SetScheduler(fn func(rowID string)) { p.schedule = fn }

// Deliver enqueues a raw message for the recipient. Duplicate deliveries of
// an already ingested message succeed without any state change.
func (p *Pipeline) Deliver(ctx context.Context, recipientEmail string, raw []byte, opts Options) (bool, error) {
	mbox, err := p.resolveMailbox(ctx, recipientEmail)
	if err != nil {
		return false, err
	}

	parsed, err := email.Parse(raw)
	if err != nil {
		return false, err
	}
	mimeID := effectiveMimeID(parsed, raw)

	dup, err := p.messageExists(ctx, mbox.ID, mimeID)
	if err != nil {
		return false, err
	}
	if dup {
		p.log.DebugMsg("duplicate delivery ignored", "mailbox", mbox.ID, "mime_id", mimeID)
		return true, nil
	}

	row := &db.InboundMessage{
		MailboxID:      mbox.ID,
		RawData:        raw,
		IsImport:       opts.IsImport,
		IsImportSender: opts.IsImportSender,
		ImapLabels:     opts.ImapLabels,
		ImapFlags:      opts.ImapFlags,
	}
	if err := p.db.WithContext(ctx).Create(row).Error; err != nil {
		return false, err
	}

	p.schedule(row.ID)
	return true, nil
}

// Process runs phase two for one queue row. On success the row is deleted;
// on failure its error_message is updated and the error returned.
func (p *Pipeline) Process(ctx context.Context, rowID string) error {
	var row db.InboundMessage
	if err := p.db.WithContext(ctx).First(&row, "id = ?", rowID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Another worker finished it.
			return nil
		}
		return err
	}

	opts := Options{
		IsImport:       row.IsImport,
		IsImportSender: row.IsImportSender,
		ImapLabels:     row.ImapLabels,
		ImapFlags:      row.ImapFlags,
	}
	if err := p.process(ctx, &row, opts); err != nil {
		processedCounter.WithLabelValues("error").Inc()
		saveErr := p.db.WithContext(ctx).Model(&row).
			Update("error_message", err.Error()).Error
		if saveErr != nil {
			p.log.Error("recording inbound failure", saveErr, "row", rowID)
		}
		return err
	}
	processedCounter.WithLabelValues("ok").Inc()
	return p.db.WithContext(ctx).Delete(&row).Error
}

func (p *Pipeline) process(ctx context.Context, row *db.InboundMessage, opts Options) error {
	var mbox db.Mailbox
	err := p.db.WithContext(ctx).Preload("Domain").Preload("Contact").
		First(&mbox, "id = ?", row.MailboxID).Error
	if err != nil {
		return err
	}

	parsed, err := email.Parse(row.RawData)
	if err != nil {
		return err
	}
	mimeID := effectiveMimeID(parsed, row.RawData)

	// Re-check under the worker: the enqueue-time check can race with a
	// parallel delivery of the same message.
	if dup, err := p.messageExists(ctx, mbox.ID, mimeID); err != nil {
		return err
	} else if dup {
		return nil
	}

	cfg, err := spam.ForDomain(p.spamCfg, &mbox.Domain)
	if err != nil {
		p.log.Error("domain spam config", err, "domain", mbox.Domain.Name)
		cfg = p.spamCfg
	}
	verdict := spam.NewClassifier(cfg, p.log).Classify(ctx, parsed, row.RawData)

	rawBlob, err := p.blobs.Put(ctx, mbox.ID, "message/rfc822", row.RawData)
	if err != nil {
		return err
	}

	sender, err := p.resolveContact(ctx, mbox.ID, parsed.From)
	if err != nil {
		return err
	}

	isDraft := hasFlag(opts.ImapFlags, "Draft")
	isSender := opts.IsImportSender || address.Equal(parsed.From.Email, mbox.Address())

	placement, err := p.threads.Place(ctx, mbox.ID, parsed.Subject, parsed.InReplyTo, parsed.ReferencesList())
	if err != nil {
		return err
	}

	sentAt := parsed.Date
	msg := &db.Message{
		ThreadID:       placement.ThreadID,
		Subject:        parsed.Subject,
		SenderID:       sender.ID,
		ParentID:       placement.ParentID,
		MailboxID:      mbox.ID,
		MimeID:         mimeID,
		BlobID:         &rawBlob.ID,
		IsDraft:        isDraft,
		IsSender:       isSender,
		IsUnread:       !isSender && !isDraft,
		IsSpam:         verdict.IsSpam(),
		HasAttachments: len(parsed.Attachments) > 0,
		SentAt:         &sentAt,
	}
	if err := p.db.WithContext(ctx).Create(msg).Error; err != nil {
		return err
	}

	if err := p.createRecipients(ctx, msg, parsed, isDraft); err != nil {
		return err
	}

	// A mailbox that was only CC'd watches the thread; direct recipients and
	// the sender get to edit it.
	role := db.ThreadRoleEditor
	if !isSender && !addressIn(parsed.To, mbox.Address()) && addressIn(parsed.Cc, mbox.Address()) {
		role = db.ThreadRoleViewer
	}
	if err := p.threads.EnsureAccess(ctx, placement.ThreadID, mbox.ID, role, "delivery"); err != nil {
		return err
	}
	if err := p.updateSnippet(ctx, placement.ThreadID, parsed); err != nil {
		return err
	}
	if err := p.threads.UpdateStats(ctx, placement.ThreadID); err != nil {
		return err
	}

	if names := labelNames(parsed, opts); len(names) > 0 && p.labels != nil {
		if err := p.labels.ApplyAuto(ctx, mbox.ID, placement.ThreadID, names); err != nil {
			p.log.Error("auto labels", err, "thread", placement.ThreadID)
		}
	}

	p.index.MessageUpserted(ctx, msg)
	return nil
}

// ProcessStale reprocesses queue rows older than the retry age. Returns the
// number of rows attempted.
func (p *Pipeline) ProcessStale(ctx context.Context) (int, error) {
	var rows []db.InboundMessage
	cutoff := time.Now().Add(-retryAge)
	err := p.db.WithContext(ctx).
		Select("id").
		Where("created_at < ?", cutoff).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}

	rep := task.NewReporter("inbound_retry", p.log)
	rep.SetTotal(len(rows))
	for _, row := range rows {
		err := p.Process(ctx, row.ID)
		if err != nil {
			p.log.Error("stale inbound retry", err, "row", row.ID)
		}
		rep.Step(row.ID, "reprocess", err)
	}
	if len(rows) > 0 {
		rep.Done()
	}
	return len(rows), nil
}

// Run scans the queue until the context is canceled.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := p.ProcessStale(ctx); err != nil {
				p.log.Error("inbound queue scan", err)
			}
		}
	}
}

func (p *Pipeline) resolveMailbox(ctx context.Context, addr string) (*db.Mailbox, error) {
	local, domain, err := address.Split(addr)
	if err != nil {
		return nil, err
	}
	var mbox db.Mailbox
	err = p.db.WithContext(ctx).
		Joins("JOIN mail_domains ON mail_domains.id = mailboxes.domain_id").
		Where("mailboxes.local_part = ? AND mail_domains.name = ?",
			strings.ToLower(local), strings.ToLower(domain)).
		First(&mbox).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &exterrors.NotFound{Resource: "mailbox " + addr}
	}
	if err != nil {
		return nil, err
	}
	return &mbox, nil
}

func (p *Pipeline) messageExists(ctx context.Context, mailboxID, mimeID string) (bool, error) {
	var n int64
	err := p.db.WithContext(ctx).Model(&db.Message{}).
		Where("mailbox_id = ? AND mime_id = ?", mailboxID, mimeID).
		Count(&n).Error
	return n > 0, err
}

// resolveContact finds or creates the per-mailbox contact for an address.
func (p *Pipeline) resolveContact(ctx context.Context, mailboxID string, a email.Address) (*db.Contact, error) {
	addr := strings.ToLower(strings.TrimSpace(a.Email))
	if addr == "" {
		addr = "unknown@invalid"
	}

	var c db.Contact
	err := p.db.WithContext(ctx).
		Where("mailbox_id = ? AND email = ?", mailboxID, addr).
		First(&c).Error
	if err == nil {
		if c.Name == "" && a.Name != "" {
			c.Name = a.Name
			if err := p.db.WithContext(ctx).Save(&c).Error; err != nil {
				return nil, err
			}
		}
		return &c, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	c = db.Contact{MailboxID: mailboxID, Email: addr, Name: a.Name}
	if err := p.db.WithContext(ctx).Create(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Pipeline) createRecipients(ctx context.Context, msg *db.Message, parsed *email.ParsedEmail, isDraft bool) error {
	var status *db.DeliveryStatus
	if !isDraft {
		s := db.StatusSent
		status = &s
	}

	now := time.Now()
	add := func(addrs []email.Address, typ db.RecipientType) error {
		for _, a := range addrs {
			contact, err := p.resolveContact(ctx, msg.MailboxID, a)
			if err != nil {
				return err
			}
			r := db.MessageRecipient{
				MessageID:      msg.ID,
				ContactID:      contact.ID,
				Type:           typ,
				DeliveryStatus: status,
			}
			if status != nil {
				r.DeliveredAt = &now
			}
			if err := p.db.WithContext(ctx).Create(&r).Error; err != nil {
				return err
			}
		}
		return nil
	}

	if err := add(parsed.To, db.RecipientTo); err != nil {
		return err
	}
	if err := add(parsed.Cc, db.RecipientCc); err != nil {
		return err
	}
	return add(parsed.Bcc, db.RecipientBcc)
}

func (p *Pipeline) updateSnippet(ctx context.Context, threadID string, parsed *email.ParsedEmail) error {
	s := snippet(parsed)
	if s == "" {
		return nil
	}
	return p.db.WithContext(ctx).Model(&db.Thread{}).
		Where("id = ?", threadID).
		Update("snippet", s).Error
}

// effectiveMimeID returns the parsed Message-ID, or a deterministic
// substitute derived from the raw bytes so that redelivery still dedups.
func effectiveMimeID(parsed *email.ParsedEmail, raw []byte) string {
	if parsed.MessageID != "" {
		return parsed.MessageID
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]) + "@local"
}

func addressIn(list []email.Address, addr string) bool {
	for _, a := range list {
		if address.Equal(a.Email, addr) {
			return true
		}
	}
	return false
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(strings.TrimPrefix(f, "\\"), want) {
			return true
		}
	}
	return false
}

func labelNames(parsed *email.ParsedEmail, opts Options) []string {
	var names []string
	seen := map[string]bool{}
	for _, n := range append(append([]string{}, parsed.GmailLabels...), opts.ImapLabels...) {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}
	return names
}

func snippet(parsed *email.ParsedEmail) string {
	for _, part := range parsed.TextBody {
		if part.Type != "text/plain" {
			continue
		}
		s := strings.Join(strings.Fields(part.Content), " ")
		if len(s) > snippetLen {
			s = s[:snippetLen]
		}
		return s
	}
	return ""
}

