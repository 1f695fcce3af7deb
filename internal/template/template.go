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

// Package template manages message and signature templates. A template is
// scoped to one mailbox or one mail domain, and within a scope at most one
// template per type may be forced. Forcing a template unforces every other
// one in the same scope, in the same transaction.
package template

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/maildeck/maildeck/framework/exterrors"
	"github.com/maildeck/maildeck/framework/log"
	"github.com/maildeck/maildeck/internal/blob"
	"github.com/maildeck/maildeck/internal/db"
)

type Engine struct {
	db    *gorm.DB
	blobs blob.Store
	log   log.Logger
}

func NewEngine(gdb *gorm.DB, blobs blob.Store, l log.Logger) *Engine {
	return &Engine{db: gdb, blobs: blobs, log: l}
}

// Params describe a template to create or update.
type Params struct {
	// Exactly one of MailboxID and MailDomainID must be set.
	MailboxID    *string
	MailDomainID *string

	Type     db.TemplateType
	HTMLBody string
	TextBody string

	// RawBody, when set, is stored as the template's blob, for uploaded
	// ready-made template files.
	RawBody []byte

	IsActive bool
	IsForced bool
}

func (p *Params) validate() error {
	if (p.MailboxID == nil) == (p.MailDomainID == nil) {
		return &exterrors.ValidationError{
			Field:   "scope",
			Message: "exactly one of mailbox and mail domain must be set",
		}
	}
	if p.Type != db.TemplateMessage && p.Type != db.TemplateSignature {
		return &exterrors.ValidationError{Field: "type", Message: "unknown template type"}
	}
	if p.IsForced && !p.IsActive {
		return &exterrors.ValidationError{Field: "is_forced", Message: "an inactive template cannot be forced"}
	}
	return nil
}

// ownerID is the blob owner of the template's scope.
func (p *Params) ownerID() string {
	if p.MailboxID != nil {
		return *p.MailboxID
	}
	return *p.MailDomainID
}

// Create stores a new template. When it is forced, every other template of
// the same type in the same scope loses the flag.
func (e *Engine) Create(ctx context.Context, p Params) (*db.MessageTemplate, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	tpl := &db.MessageTemplate{
		MailboxID:    p.MailboxID,
		MailDomainID: p.MailDomainID,
		Type:         p.Type,
		HTMLBody:     p.HTMLBody,
		TextBody:     p.TextBody,
		IsActive:     p.IsActive,
		IsForced:     p.IsForced,
	}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(p.RawBody) > 0 {
			b, err := e.blobs.Put(ctx, p.ownerID(), "text/html", p.RawBody)
			if err != nil {
				return err
			}
			tpl.BlobID = &b.ID
		}
		if err := tx.Create(tpl).Error; err != nil {
			return err
		}
		if tpl.IsForced {
			return clearOtherForced(tx, tpl)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tpl, nil
}

// Update rewrites the bodies and flags of an existing template. The scope
// and type are fixed at creation, the matching Params fields are ignored.
func (e *Engine) Update(ctx context.Context, id string, p Params) (*db.MessageTemplate, error) {
	var tpl db.MessageTemplate
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&tpl, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &exterrors.NotFound{Resource: "template " + id}
			}
			return err
		}
		if p.IsForced && !p.IsActive {
			return &exterrors.ValidationError{Field: "is_forced", Message: "an inactive template cannot be forced"}
		}

		tpl.HTMLBody = p.HTMLBody
		tpl.TextBody = p.TextBody
		tpl.IsActive = p.IsActive
		tpl.IsForced = p.IsForced

		if len(p.RawBody) > 0 {
			owner := ""
			if tpl.MailboxID != nil {
				owner = *tpl.MailboxID
			} else if tpl.MailDomainID != nil {
				owner = *tpl.MailDomainID
			}
			b, err := e.blobs.Put(ctx, owner, "text/html", p.RawBody)
			if err != nil {
				return err
			}
			tpl.BlobID = &b.ID
		}

		if err := tx.Save(&tpl).Error; err != nil {
			return err
		}
		if tpl.IsForced {
			return clearOtherForced(tx, &tpl)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &tpl, nil
}

// Deactivate retires a template. A deactivated template is never forced.
func (e *Engine) Deactivate(ctx context.Context, id string) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&db.MessageTemplate{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{"is_active": false, "is_forced": false})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &exterrors.NotFound{Resource: "template " + id}
		}
		return nil
	})
}

// clearOtherForced drops the forced flag from every other template of the
// same type in the template's scope.
func clearOtherForced(tx *gorm.DB, tpl *db.MessageTemplate) error {
	q := tx.Model(&db.MessageTemplate{}).
		Where("type = ? AND is_forced AND id <> ?", tpl.Type, tpl.ID)
	if tpl.MailboxID != nil {
		q = q.Where("mailbox_id = ?", *tpl.MailboxID)
	} else {
		q = q.Where("mail_domain_id = ?", *tpl.MailDomainID)
	}
	return q.Update("is_forced", false).Error
}
