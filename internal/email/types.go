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

// Package email converts between RFC 5322 wire bytes and a JMAP-flavored
// canonical message object.
//
// Parse is lossy-tolerant: it accepts real-world malformed mail and fails
// only on structural impossibilities. Compose produces wire bytes from the
// canonical object, selecting the MIME structure from the present body kinds.
package email

import (
	"time"
)

// Address is a single mailbox with an optional display name.
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// BodyPart is one displayable part of a message body.
//
// For text parts Content holds the decoded text. For inline images placed in
// body lists, Content holds base64 of the decoded bytes and CID carries the
// Content-ID referenced from the HTML.
type BodyPart struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	PartID  string `json:"partId,omitempty"`
	CID     string `json:"cid,omitempty"`
}

// AttachmentPart is a non-displayable part. Content and SHA256 reflect the
// decoded bytes, never the transfer encoding.
type AttachmentPart struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Disposition string `json:"disposition"`
	CID         string `json:"cid,omitempty"`
	Content     []byte `json:"-"`
	SHA256      string `json:"sha256"`
}

// HeaderField is one header line with its key lowercased. Value is the raw
// unfolded value, encoded words not decoded.
type HeaderField struct {
	Key   string
	Value string
}

// HeaderBlock groups the headers added by one relay hop. Repeated keys keep
// their order of appearance.
type HeaderBlock map[string][]string

// ParsedEmail is the canonical message object.
type ParsedEmail struct {
	Subject string    `json:"subject"`
	From    Address   `json:"from"`
	To      []Address `json:"to"`
	Cc      []Address `json:"cc"`
	Bcc     []Address `json:"bcc"`
	Date    time.Time `json:"date"`

	// MessageID and InReplyTo have angle brackets stripped. References is
	// the original whitespace-separated list, passed through verbatim.
	MessageID  string `json:"message_id"`
	InReplyTo  string `json:"in_reply_to"`
	References string `json:"references"`

	GmailLabels []string `json:"gmail_labels,omitempty"`

	// Headers maps each lowercased header name to its values in order of
	// appearance. HeadersList preserves the full original order,
	// top-to-bottom. HeadersBlocks segments HeadersList by Received headers
	// (most recent relay first).
	Headers       map[string][]string `json:"headers"`
	HeadersList   []HeaderField       `json:"headers_list"`
	HeadersBlocks []HeaderBlock       `json:"headers_blocks"`

	TextBody    []BodyPart       `json:"textBody"`
	HTMLBody    []BodyPart       `json:"htmlBody"`
	Attachments []AttachmentPart `json:"attachments"`
}

// Header returns the first value of the named header, or "".
func (p *ParsedEmail) Header(key string) string {
	vs := p.Headers[key]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// AllRecipients returns To, Cc and Bcc concatenated, in that order.
func (p *ParsedEmail) AllRecipients() []Address {
	out := make([]Address, 0, len(p.To)+len(p.Cc)+len(p.Bcc))
	out = append(out, p.To...)
	out = append(out, p.Cc...)
	out = append(out, p.Bcc...)
	return out
}

// ReferencesList splits the References value on whitespace and strips angle
// brackets from each id.
func (p *ParsedEmail) ReferencesList() []string {
	if p.References == "" {
		return nil
	}
	var out []string
	for _, ref := range splitWS(p.References) {
		out = append(out, stripAngles(ref))
	}
	return out
}
