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
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"

	"github.com/maildeck/maildeck/framework/exterrors"
)

// Parse converts raw RFC 5322 bytes into the canonical message object.
//
// It fails with exterrors.ParseError only on structural impossibilities
// (empty input, malformed multipart boundaries). Missing or malformed
// headers degrade gracefully per the robustness rules documented on the
// field parsers.
func Parse(raw []byte) (*ParsedEmail, error) {
	if len(raw) == 0 {
		return nil, &exterrors.ParseError{Underlying: errors.New("empty message")}
	}

	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, &exterrors.ParseError{Underlying: err}
	}

	p := &ParsedEmail{}

	var fields []HeaderField
	for f := ent.Header.Fields(); f.Next(); {
		fields = append(fields, HeaderField{
			Key:   strings.ToLower(f.Key()),
			Value: f.Value(),
		})
	}
	p.Headers, p.HeadersList = collectHeaders(fields)
	p.HeadersBlocks = splitBlocks(fields)

	p.Subject = decodeHeader(p.Header("subject"))
	p.From = parseAddress(p.Header("from"))
	for _, v := range p.Headers["to"] {
		p.To = append(p.To, parseAddressList(v)...)
	}
	for _, v := range p.Headers["cc"] {
		p.Cc = append(p.Cc, parseAddressList(v)...)
	}
	for _, v := range p.Headers["bcc"] {
		p.Bcc = append(p.Bcc, parseAddressList(v)...)
	}

	p.Date = parseDate(p.Header("date"))
	if p.Date.IsZero() {
		p.Date = time.Now().UTC()
	}

	p.MessageID = stripAngles(p.Header("message-id"))
	if irt := splitWS(p.Header("in-reply-to")); len(irt) > 0 {
		p.InReplyTo = stripAngles(irt[0])
	}
	p.References = strings.TrimSpace(p.Header("references"))
	p.GmailLabels = parseGmailLabels(p.Header("x-gmail-labels"))

	if err := walkBody(ent, walkCtx{}, "", p); err != nil {
		return nil, &exterrors.ParseError{Underlying: err}
	}
	return p, nil
}

type walkCtx struct {
	inAlternative bool
	inRelated     bool
	relatedRoot   bool
}

func walkBody(ent *message.Entity, ctx walkCtx, partID string, p *ParsedEmail) error {
	contentType, ctParams, err := ent.Header.ContentType()
	if err != nil {
		contentType = "text/plain"
		ctParams = nil
	}
	contentType = strings.ToLower(contentType)

	if mr := ent.MultipartReader(); mr != nil {
		childCtx := ctx
		switch contentType {
		case "multipart/alternative":
			childCtx.inAlternative = true
		case "multipart/related":
			childCtx.inRelated = true
		}
		for i := 0; ; i++ {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil && !message.IsUnknownCharset(err) {
				return fmt.Errorf("part %s.%d: %w", partID, i+1, err)
			}
			pc := childCtx
			if contentType == "multipart/related" {
				pc.relatedRoot = ctx.relatedRoot || i == 0
			}
			childID := strconv.Itoa(i + 1)
			if partID != "" {
				childID = partID + "." + childID
			}
			if err := walkBody(part, pc, childID, p); err != nil {
				return err
			}
		}
	}

	return classifyLeaf(ent, contentType, ctParams, ctx, partID, p)
}

func classifyLeaf(ent *message.Entity, contentType string, ctParams map[string]string, ctx walkCtx, partID string, p *ParsedEmail) error {
	disp, dispParams, err := ent.Header.ContentDisposition()
	if err != nil {
		disp = ""
		dispParams = nil
	}
	disp = strings.ToLower(disp)

	cid := stripAngles(ent.Header.Get("Content-Id"))

	content, err := io.ReadAll(ent.Body)
	if err != nil {
		// Decoded body that cannot be read to the end means a broken
		// transfer encoding or truncated multipart.
		return fmt.Errorf("part %s: %w", partID, err)
	}

	isText := contentType == "text/plain"
	isHTML := contentType == "text/html"

	switch {
	case disp == "attachment":
		p.Attachments = append(p.Attachments, makeAttachment(contentType, ctParams, dispParams, "attachment", cid, content))

	case isText || isHTML:
		bp := BodyPart{
			Type:    contentType,
			Content: strings.ReplaceAll(string(content), "\x00", ""),
			PartID:  partID,
			CID:     cid,
		}
		switch {
		case ctx.inAlternative && isText:
			p.TextBody = append(p.TextBody, bp)
		case ctx.inAlternative && isHTML:
			p.HTMLBody = append(p.HTMLBody, bp)
		default:
			// Singleton copy rule: outside multipart/alternative a text
			// part represents the whole body for both renderings.
			p.TextBody = append(p.TextBody, bp)
			p.HTMLBody = append(p.HTMLBody, bp)
		}

	case disp == "inline" || (ctx.inRelated && !ctx.relatedRoot && cid != ""):
		// Inline content referenced from the HTML rendering. Kept out of
		// the attachment list.
		p.HTMLBody = append(p.HTMLBody, BodyPart{
			Type:    contentType,
			Content: base64.StdEncoding.EncodeToString(content),
			PartID:  partID,
			CID:     cid,
		})

	default:
		p.Attachments = append(p.Attachments, makeAttachment(contentType, ctParams, dispParams, disp, cid, content))
	}
	return nil
}

func makeAttachment(contentType string, ctParams, dispParams map[string]string, disp, cid string, content []byte) AttachmentPart {
	name := ""
	if dispParams != nil {
		name = dispParams["filename"]
	}
	if name == "" && ctParams != nil {
		name = ctParams["name"]
	}
	sum := sha256.Sum256(content)
	return AttachmentPart{
		Type:        contentType,
		Name:        sanitizeFilename(name, contentType),
		Size:        int64(len(content)),
		Disposition: disp,
		CID:         cid,
		Content:     content,
		SHA256:      hex.EncodeToString(sum[:]),
	}
}
