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

// Package outbound finalizes drafts into signed wire messages and drives
// their delivery, internal and external.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/maildeck/maildeck/framework/address"
	"github.com/maildeck/maildeck/framework/dns"
	"github.com/maildeck/maildeck/framework/exterrors"
	"github.com/maildeck/maildeck/framework/log"
	"github.com/maildeck/maildeck/internal/blob"
	"github.com/maildeck/maildeck/internal/config"
	"github.com/maildeck/maildeck/internal/db"
	"github.com/maildeck/maildeck/internal/dkim"
	"github.com/maildeck/maildeck/internal/email"
	"github.com/maildeck/maildeck/internal/inbound"
	"github.com/maildeck/maildeck/internal/index"
	"github.com/maildeck/maildeck/internal/lock"
	"github.com/maildeck/maildeck/internal/target"
	"github.com/maildeck/maildeck/internal/task"
	"github.com/maildeck/maildeck/internal/thread"
)

const (
	sendLockTTL = 60 * time.Second

	retryBase = 5 * time.Minute
	retryCap  = 6 * time.Hour
)

// SendOptions tune one send call.
type SendOptions struct {
	// ForceMTAOut routes recipients on local domains through the external
	// transport instead of the internal short circuit.
	ForceMTAOut bool

	// UserID identifies the sending user for signature templating.
	UserID string
}

type Dispatcher struct {
	db        *gorm.DB
	blobs     blob.Store
	signer    *dkim.Signer
	resolver  dns.Resolver
	inbound   *inbound.Pipeline
	threads   *thread.Assembler
	deliverer target.Deliverer
	locks     lock.Locker
	index     index.Emitter
	cfg       *config.Settings
	log       log.Logger
}

func NewDispatcher(gdb *gorm.DB, blobs blob.Store, signer *dkim.Signer, resolver dns.Resolver, inb *inbound.Pipeline, threads *thread.Assembler, deliverer target.Deliverer, locks lock.Locker, idx index.Emitter, cfg *config.Settings, l log.Logger) *Dispatcher {
	return &Dispatcher{
		db:        gdb,
		blobs:     blobs,
		signer:    signer,
		resolver:  resolver,
		inbound:   inb,
		threads:   threads,
		deliverer: deliverer,
		locks:     locks,
		index:     idx,
		cfg:       cfg,
		log:       l,
	}
}

// Send finalizes and delivers one message. Concurrent sends of the same
// message are excluded by an advisory lock: losing the lock means another
// worker owns the send and is not an error.
func (d *Dispatcher) Send(ctx context.Context, messageID string, opts SendOptions) error {
	release, ok := d.locks.TryAcquire(lock.SendMessageKey(messageID), sendLockTTL)
	if !ok {
		d.log.DebugMsg("send lock busy", "message", messageID)
		return nil
	}
	defer release()

	var msg db.Message
	err := d.db.WithContext(ctx).
		Preload("Sender").
		Preload("Recipients").
		Preload("Recipients.Contact").
		Preload("Attachments").
		Preload("Attachments.Blob").
		First(&msg, "id = ?", messageID).Error
	if err != nil {
		return err
	}

	var mbox db.Mailbox
	err = d.db.WithContext(ctx).Preload("Domain").Preload("Contact").
		First(&mbox, "id = ?", msg.MailboxID).Error
	if err != nil {
		return err
	}

	var raw []byte
	if msg.IsDraft {
		// The lock holder is authoritative: the row is re-read above, so a
		// message sent by a previous holder is no longer a draft here.
		raw, err = d.prepare(ctx, &mbox, &msg, opts.UserID)
		if err != nil {
			return err
		}
	} else {
		if msg.BlobID == nil {
			return fmt.Errorf("outbound: message %s has no wire blob", msg.ID)
		}
		raw, err = d.blobs.Open(ctx, *msg.BlobID)
		if err != nil {
			return err
		}
	}

	if err := d.deliver(ctx, &mbox, &msg, raw, opts); err != nil {
		return err
	}

	if err := d.threads.UpdateStats(ctx, msg.ThreadID); err != nil {
		return err
	}
	d.index.MessageUpserted(ctx, &msg)
	return nil
}

// prepare composes, signs and persists the wire form of a draft.
func (d *Dispatcher) prepare(ctx context.Context, mbox *db.Mailbox, msg *db.Message, userID string) ([]byte, error) {
	body, err := d.draftBody(ctx, msg)
	if err != nil {
		return nil, err
	}

	sig, err := d.resolveSignature(ctx, mbox, msg)
	if err != nil {
		return nil, err
	}
	if sig != nil {
		user, err := d.loadUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		applySignature(body, sig, user)
	}

	parsed, err := d.buildParsed(ctx, mbox, msg, body)
	if err != nil {
		return nil, err
	}

	composed, err := email.Compose(parsed)
	if err != nil {
		return nil, err
	}

	signed, err := d.signer.Sign(ctx, mbox.Domain.Name, composed)
	if err != nil {
		return nil, err
	}

	if int64(len(signed)) > d.cfg.MaxOutgoingMessageSize {
		return nil, &exterrors.ValidationError{
			Field:   "message",
			Message: fmt.Sprintf("message is %d bytes, limit is %d", len(signed), d.cfg.MaxOutgoingMessageSize),
		}
	}

	wireBlob, err := d.blobs.Put(ctx, mbox.ID, "message/rfc822", signed)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	msg.BlobID = &wireBlob.ID
	msg.DraftBlobID = nil
	msg.IsDraft = false
	msg.SentAt = &now
	err = d.db.WithContext(ctx).Model(msg).Updates(map[string]interface{}{
		"blob_id":       wireBlob.ID,
		"draft_blob_id": nil,
		"is_draft":      false,
		"sent_at":       now,
	}).Error
	if err != nil {
		return nil, err
	}
	return signed, nil
}

type bodyContent struct {
	Text string `json:"text"`
	HTML string `json:"html"`
}

// draftBody decodes the draft blob. The canonical shape is a JSON object
// with text and html fields; anything else is taken as plain text.
func (d *Dispatcher) draftBody(ctx context.Context, msg *db.Message) (*bodyContent, error) {
	body := &bodyContent{}
	if msg.DraftBlobID == nil {
		return body, nil
	}
	rawBody, err := d.blobs.Open(ctx, *msg.DraftBlobID)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rawBody, body); err != nil {
		body.Text = string(rawBody)
	}
	return body, nil
}

func (d *Dispatcher) buildParsed(ctx context.Context, mbox *db.Mailbox, msg *db.Message, body *bodyContent) (*email.ParsedEmail, error) {
	fromName := ""
	if mbox.Contact != nil {
		fromName = mbox.Contact.Name
	}
	p := &email.ParsedEmail{
		Subject:   msg.Subject,
		From:      email.Address{Name: fromName, Email: mbox.Address()},
		Date:      time.Now(),
		MessageID: msg.MimeID,
	}

	for _, r := range msg.Recipients {
		addr := email.Address{Name: r.Contact.Name, Email: r.Contact.Email}
		switch r.Type {
		case db.RecipientTo:
			p.To = append(p.To, addr)
		case db.RecipientCc:
			p.Cc = append(p.Cc, addr)
		case db.RecipientBcc:
			p.Bcc = append(p.Bcc, addr)
		}
	}

	if msg.ParentID != nil {
		if err := d.applyThreading(ctx, p, *msg.ParentID); err != nil {
			return nil, err
		}
	}

	if body.Text != "" {
		p.TextBody = []email.BodyPart{{Type: "text/plain", Content: body.Text}}
	}
	if body.HTML != "" {
		p.HTMLBody = []email.BodyPart{{Type: "text/html", Content: body.HTML}}
	}

	for _, att := range msg.Attachments {
		content, err := blob.Decode(&att.Blob)
		if err != nil {
			return nil, err
		}
		p.Attachments = append(p.Attachments, email.AttachmentPart{
			Type:    att.Blob.ContentType,
			Name:    att.Name,
			Size:    att.Blob.Size,
			CID:     att.CID,
			Content: content,
		})
	}
	return p, nil
}

// applyThreading fills In-Reply-To and References from the parent message.
func (d *Dispatcher) applyThreading(ctx context.Context, p *email.ParsedEmail, parentID string) error {
	var parent db.Message
	err := d.db.WithContext(ctx).First(&parent, "id = ?", parentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	p.InReplyTo = parent.MimeID
	refs := "<" + parent.MimeID + ">"

	// Extend the parent's own chain when its wire form is available.
	if parent.BlobID != nil {
		raw, err := d.blobs.Open(ctx, *parent.BlobID)
		if err == nil {
			if parentParsed, err := email.Parse(raw); err == nil && parentParsed.References != "" {
				refs = parentParsed.References + " " + refs
			}
		}
	}
	p.References = refs
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, mbox *db.Mailbox, msg *db.Message, raw []byte, opts SendOptions) error {
	pending := pendingRecipients(msg)
	if len(pending) == 0 {
		return nil
	}

	var internal, external []*db.MessageRecipient
	for _, r := range pending {
		if !opts.ForceMTAOut && d.isInternal(ctx, r.Contact.Email) {
			internal = append(internal, r)
		} else {
			external = append(external, r)
		}
	}

	for _, r := range internal {
		if _, err := d.inbound.Deliver(ctx, r.Contact.Email, raw, inbound.Options{}); err != nil {
			d.log.Error("internal delivery", err, "recipient", r.Contact.Email)
			d.markRetry(ctx, r, "internal delivery failed: "+err.Error())
			continue
		}
		now := time.Now()
		status := db.StatusInternal
		d.updateRecipient(ctx, r, map[string]interface{}{
			"delivery_status": status,
			"delivered_at":    now,
			"retry_at":        nil,
		})
	}

	if len(external) == 0 {
		return nil
	}

	if d.cfg.DKIMVerifyOutgoing {
		if err := d.signer.Verify(ctx, raw, d.resolver); err != nil {
			reason := "DKIM verification failed: " + err.Error()
			d.log.Error("outgoing DKIM verification", err, "message", msg.ID)
			for _, r := range external {
				d.markRetry(ctx, r, reason)
			}
			return nil
		}
	}

	// One address may appear in several recipient rows (To and Cc), so the
	// SMTP envelope gets it once and the result fans out to every row.
	rcptEmails := make([]string, 0, len(external))
	byEmail := make(map[string][]*db.MessageRecipient, len(external))
	for _, r := range external {
		if _, seen := byEmail[r.Contact.Email]; !seen {
			rcptEmails = append(rcptEmails, r.Contact.Email)
		}
		byEmail[r.Contact.Email] = append(byEmail[r.Contact.Email], r)
	}

	results := d.deliverer.Deliver(ctx, mbox.Address(), rcptEmails, raw)
	for addr, res := range results {
		for _, r := range byEmail[addr] {
			switch {
			case res.Delivered:
				now := time.Now()
				d.updateRecipient(ctx, r, map[string]interface{}{
					"delivery_status":  db.StatusSent,
					"delivered_at":     now,
					"delivery_message": "",
					"retry_at":         nil,
				})
			case res.Retry:
				d.markRetry(ctx, r, res.Error)
			default:
				d.updateRecipient(ctx, r, map[string]interface{}{
					"delivery_status":  db.StatusFailed,
					"delivery_message": res.Error,
					"retry_at":         nil,
				})
			}
		}
	}
	return nil
}

// pendingRecipients selects recipients that still need a delivery attempt.
func pendingRecipients(msg *db.Message) []*db.MessageRecipient {
	var out []*db.MessageRecipient
	for i := range msg.Recipients {
		r := &msg.Recipients[i]
		if r.DeliveryStatus == nil || *r.DeliveryStatus == db.StatusRetry {
			out = append(out, r)
		}
	}
	return out
}

func (d *Dispatcher) isInternal(ctx context.Context, addr string) bool {
	_, domain, err := address.Split(addr)
	if err != nil {
		return false
	}
	var n int64
	err = d.db.WithContext(ctx).Model(&db.MailDomain{}).
		Where("name = ?", strings.ToLower(domain)).
		Count(&n).Error
	if err != nil {
		d.log.Error("internal domain check", err, "domain", domain)
		return false
	}
	return n > 0
}

// markRetry schedules another attempt with exponential backoff.
func (d *Dispatcher) markRetry(ctx context.Context, r *db.MessageRecipient, reason string) {
	backoff := retryBase << uint(r.RetryCount)
	if backoff > retryCap || backoff <= 0 {
		backoff = retryCap
	}
	retryAt := time.Now().Add(backoff)
	d.updateRecipient(ctx, r, map[string]interface{}{
		"delivery_status":  db.StatusRetry,
		"delivery_message": reason,
		"retry_at":         retryAt,
		"retry_count":      r.RetryCount + 1,
	})
}

func (d *Dispatcher) updateRecipient(ctx context.Context, r *db.MessageRecipient, fields map[string]interface{}) {
	if err := d.db.WithContext(ctx).Model(r).Updates(fields).Error; err != nil {
		d.log.Error("recipient status update", err, "recipient", r.ID)
	}
}

// ProcessRetries re-sends messages whose recipients are due for another
// attempt. Returns the number of messages attempted.
func (d *Dispatcher) ProcessRetries(ctx context.Context) (int, error) {
	var rcpts []db.MessageRecipient
	err := d.db.WithContext(ctx).
		Where("delivery_status = ? AND retry_at <= ?", db.StatusRetry, time.Now()).
		Find(&rcpts).Error
	if err != nil {
		return 0, err
	}

	msgIDs := map[string]bool{}
	for _, r := range rcpts {
		msgIDs[r.MessageID] = true
	}

	rep := task.NewReporter("outbound_retry", d.log)
	rep.SetTotal(len(msgIDs))
	for id := range msgIDs {
		err := d.Send(ctx, id, SendOptions{})
		if err != nil {
			d.log.Error("retry send", err, "message", id)
		}
		rep.Step(id, "resend", err)
	}
	if len(msgIDs) > 0 {
		rep.Done()
	}
	return len(msgIDs), nil
}

// Run scans for due retries until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := d.ProcessRetries(ctx); err != nil {
				d.log.Error("outbound retry scan", err)
			}
		}
	}
}
