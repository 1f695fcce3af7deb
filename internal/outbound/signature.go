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

package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/maildeck/maildeck/internal/db"
)

// resolveSignature picks the signature template for a message. The message's
// explicit choice wins when it is an active signature in scope for the
// mailbox; otherwise a forced active signature for the mailbox or its domain
// applies. Out-of-scope or inactive choices are dropped silently so a stale
// draft still sends.
func (d *Dispatcher) resolveSignature(ctx context.Context, mbox *db.Mailbox, msg *db.Message) (*db.MessageTemplate, error) {
	if msg.SignatureID != nil {
		var tpl db.MessageTemplate
		err := d.db.WithContext(ctx).
			Where("id = ? AND type = ? AND is_active = ?", *msg.SignatureID, db.TemplateSignature, true).
			Where("mailbox_id = ? OR mail_domain_id = ?", msg.MailboxID, mbox.DomainID).
			First(&tpl).Error
		if err == nil {
			return &tpl, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		d.log.DebugMsg("requested signature not usable", "signature", *msg.SignatureID, "message", msg.ID)
	}

	// Mailbox-scoped forced signatures shadow domain-scoped ones.
	for _, scope := range []struct {
		col string
		id  string
	}{
		{"mailbox_id", msg.MailboxID},
		{"mail_domain_id", mbox.DomainID},
	} {
		// The template engine keeps at most one forced signature per scope.
		var tpl db.MessageTemplate
		err := d.db.WithContext(ctx).
			Where("type = ? AND is_active = ? AND is_forced = ?", db.TemplateSignature, true, true).
			Where(scope.col+" = ?", scope.id).
			First(&tpl).Error
		if err == nil {
			return &tpl, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

func (d *Dispatcher) loadUser(ctx context.Context, userID string) (*db.User, error) {
	if userID == "" {
		return nil, nil
	}
	var user db.User
	err := d.db.WithContext(ctx).First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// applySignature appends the materialized signature to the body. A message
// with no body of its own becomes the signature alone.
func applySignature(body *bodyContent, tpl *db.MessageTemplate, user *db.User) {
	text := materialize(tpl.TextBody, user)
	html := materialize(tpl.HTMLBody, user)

	if text != "" {
		if body.Text != "" {
			body.Text += "\n\n"
		}
		body.Text += text
	}
	if html != "" {
		if body.HTML != "" {
			body.HTML += "<br><br>"
		}
		body.HTML += html
	}
}

// materialize substitutes {placeholder} tokens with user attributes. {name}
// comes from the user record, everything else from custom attributes.
// Unknown placeholders are replaced with an empty string.
func materialize(tpl string, user *db.User) string {
	if tpl == "" || !strings.Contains(tpl, "{") {
		return tpl
	}

	pairs := []string{}
	if user != nil {
		pairs = append(pairs, "{name}", user.Name)
		for key, val := range user.CustomAttributes {
			pairs = append(pairs, "{"+key+"}", attrString(val))
		}
	}
	out := strings.NewReplacer(pairs...).Replace(tpl)

	// Drop placeholders the user record does not define.
	for {
		open := strings.Index(out, "{")
		if open < 0 {
			break
		}
		end := strings.Index(out[open:], "}")
		if end < 0 {
			break
		}
		out = out[:open] + out[open+end+1:]
	}
	return out
}

func attrString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
