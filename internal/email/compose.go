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

package email

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/google/uuid"

	"github.com/maildeck/maildeck/framework/address"
)

// Header names the composer owns. Values under Headers with these keys are
// ignored on compose.
var reservedHeaders = map[string]bool{
	"from": true, "to": true, "cc": true, "bcc": true,
	"subject": true, "date": true, "message-id": true,
	"in-reply-to": true, "references": true,
	"mime-version": true, "content-type": true,
	"content-transfer-encoding": true, "content-disposition": true,
}

// Compose serializes the canonical object to RFC 5322 wire bytes.
//
// The Bcc list is used for envelope derivation only and is never written to
// the wire. A missing Message-ID is generated from the sender's domain and
// written back to p.MessageID. When p.InReplyTo is set, In-Reply-To and
// References headers are emitted, appending the new id to any existing
// References value.
func Compose(p *ParsedEmail) ([]byte, error) {
	header, err := buildHeader(p)
	if err != nil {
		return nil, err
	}

	var (
		text    = bodyContent(p.TextBody, "text/plain")
		html    = bodyContent(p.HTMLBody, "text/html")
		inline  []AttachmentPart
		regular []AttachmentPart
	)
	for _, a := range p.Attachments {
		if a.CID != "" {
			inline = append(inline, a)
		} else {
			regular = append(regular, a)
		}
	}

	var buf bytes.Buffer
	if len(regular) > 0 {
		header.SetContentType("multipart/mixed", nil)
		w, err := message.CreateWriter(&buf, header)
		if err != nil {
			return nil, err
		}
		if err := writeMain(w, text, html, inline); err != nil {
			return nil, err
		}
		for _, a := range regular {
			if err := writeAttachment(w, a); err != nil {
				return nil, err
			}
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	if err := writeMainTop(&buf, header, text, html, inline); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeMainTop writes the main part structure as the top-level entity.
func writeMainTop(buf *bytes.Buffer, header message.Header, text, html string, inline []AttachmentPart) error {
	setMainContentType(&header, text, html, inline)
	w, err := message.CreateWriter(buf, header)
	if err != nil {
		return err
	}
	if err := fillMain(w, text, html, inline); err != nil {
		return err
	}
	return w.Close()
}

// writeMain writes the main part structure as a child of w.
func writeMain(w *message.Writer, text, html string, inline []AttachmentPart) error {
	var header message.Header
	setMainContentType(&header, text, html, inline)
	part, err := w.CreatePart(header)
	if err != nil {
		return err
	}
	if err := fillMain(part, text, html, inline); err != nil {
		return err
	}
	return part.Close()
}

// setMainContentType applies the structure-selection table for the part
// holding the displayable content.
func setMainContentType(header *message.Header, text, html string, inline []AttachmentPart) {
	switch {
	case len(inline) > 0:
		header.SetContentType("multipart/related", nil)
	case text != "" && html != "":
		header.SetContentType("multipart/alternative", nil)
	case html != "":
		header.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		header.Set("Content-Transfer-Encoding", "quoted-printable")
	default:
		header.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		header.Set("Content-Transfer-Encoding", "quoted-printable")
	}
}

// fillMain writes the content of a part whose header was prepared by
// setMainContentType.
func fillMain(w *message.Writer, text, html string, inline []AttachmentPart) error {
	switch {
	case len(inline) > 0:
		// Root of the related part carries the text/html structure,
		// followed by the inline parts.
		if err := writeMain(w, text, html, nil); err != nil {
			return err
		}
		for _, a := range inline {
			if err := writeAttachment(w, a); err != nil {
				return err
			}
		}
		return nil
	case text != "" && html != "":
		if err := writeTextPart(w, "text/plain", text); err != nil {
			return err
		}
		return writeTextPart(w, "text/html", html)
	case html != "":
		_, err := w.Write([]byte(html))
		return err
	default:
		_, err := w.Write([]byte(text))
		return err
	}
}

func writeTextPart(w *message.Writer, contentType, content string) error {
	var h message.Header
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := part.Write([]byte(content)); err != nil {
		return err
	}
	return part.Close()
}

func writeAttachment(w *message.Writer, a AttachmentPart) error {
	var h message.Header
	contentType := a.Type
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.SetContentType(contentType, map[string]string{"name": a.Name})
	h.Set("Content-Transfer-Encoding", "base64")
	if a.CID != "" {
		h.Set("Content-Id", "<"+a.CID+">")
		h.SetContentDisposition("inline", map[string]string{"filename": a.Name})
	} else {
		h.SetContentDisposition("attachment", map[string]string{"filename": a.Name})
	}
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := part.Write(a.Content); err != nil {
		return err
	}
	return part.Close()
}

func buildHeader(p *ParsedEmail) (message.Header, error) {
	var h message.Header

	if p.From.Email == "" {
		return h, fmt.Errorf("email: compose: missing From address")
	}

	// Add prepends, so walk bottom-to-top: custom headers keep their
	// relative order and the owned headers set below end up above them.
	for i := len(p.HeadersList) - 1; i >= 0; i-- {
		f := p.HeadersList[i]
		if !reservedHeaders[f.Key] {
			h.Add(f.Key, f.Value)
		}
	}

	if p.InReplyTo != "" {
		refs := strings.TrimSpace(p.References)
		newRef := "<" + p.InReplyTo + ">"
		if refs == "" {
			refs = newRef
		} else if !strings.Contains(refs, newRef) {
			refs += " " + newRef
		}
		h.Set("References", refs)
		h.Set("In-Reply-To", newRef)
	} else if p.References != "" {
		h.Set("References", strings.TrimSpace(p.References))
	}

	if p.MessageID == "" {
		domain := address.Domain(p.From.Email)
		if domain == "" {
			domain = "localhost"
		}
		p.MessageID = uuid.NewString() + "@" + domain
	}
	h.Set("Message-Id", "<"+p.MessageID+">")

	date := p.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}
	h.Set("Date", formatDate(date))

	if len(p.Cc) > 0 {
		h.Set("Cc", formatAddressList(p.Cc))
	}
	if len(p.To) > 0 {
		h.Set("To", formatAddressList(p.To))
	}
	h.Set("From", formatAddress(p.From))
	h.SetText("Subject", p.Subject)
	h.Set("Mime-Version", "1.0")

	return h, nil
}

// bodyContent joins the contents of parts with the given type.
func bodyContent(parts []BodyPart, contentType string) string {
	var sb strings.Builder
	for _, part := range parts {
		if part.Type != contentType {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(part.Content)
	}
	return sb.String()
}
