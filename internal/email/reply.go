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
	"fmt"
	"html"
	"strings"
)

// CreateReply builds the canonical object for a reply to original.
//
// Recipients default to the original sender (To) with the original Cc
// preserved. Threading fields are set so Compose emits In-Reply-To and an
// extended References chain. With includeQuote the original content is
// appended as an attribution line plus line-quoted text and an HTML
// blockquote.
func CreateReply(original *ParsedEmail, replyText, replyHTML string, includeQuote bool) *ParsedEmail {
	reply := &ParsedEmail{
		Subject:    replyPrefix(original.Subject),
		To:         []Address{original.From},
		Cc:         append([]Address(nil), original.Cc...),
		InReplyTo:  original.MessageID,
		References: original.References,
	}
	if reply.References == "" && original.InReplyTo != "" {
		reply.References = "<" + original.InReplyTo + ">"
	}

	text := replyText
	html := replyHTML

	if includeQuote {
		attribution := quoteAttribution(original)
		origText := bodyContent(original.TextBody, "text/plain")
		if origText != "" {
			text = text + "\n\n" + attribution + "\n" + quoteLines(origText)
		}
		origHTML := bodyContent(original.HTMLBody, "text/html")
		if origHTML == "" && origText != "" {
			origHTML = textToHTML(origText)
		}
		if origHTML != "" {
			if html == "" && replyText != "" {
				html = textToHTML(replyText)
			}
			html = html + "<br><div>" + htmlEscape(attribution) + "</div>" +
				"<blockquote style=\"margin:0 0 0 .8ex;border-left:1px solid #ccc;padding-left:1ex\">" +
				origHTML + "</blockquote>"
		}
	}

	if text != "" {
		reply.TextBody = []BodyPart{{Type: "text/plain", Content: text}}
	}
	if html != "" {
		reply.HTMLBody = []BodyPart{{Type: "text/html", Content: html}}
	}
	return reply
}

// CreateForward builds the canonical object for forwarding original. The
// recipient lists start empty and no threading headers are set; a forwarded
// message starts its own thread at the destination.
func CreateForward(original *ParsedEmail, forwardText, forwardHTML string, includeOriginal bool) *ParsedEmail {
	fwd := &ParsedEmail{
		Subject: forwardPrefix(original.Subject),
	}

	text := forwardText
	html := forwardHTML

	if includeOriginal {
		preamble := forwardPreamble(original)
		origText := bodyContent(original.TextBody, "text/plain")
		text = text + "\n\n" + preamble + "\n" + origText

		origHTML := bodyContent(original.HTMLBody, "text/html")
		if origHTML == "" && origText != "" {
			origHTML = textToHTML(origText)
		}
		if origHTML != "" {
			if html == "" && forwardText != "" {
				html = textToHTML(forwardText)
			}
			html = html + "<br><div>" + textToHTML(preamble) + "</div>" + origHTML
		}

		fwd.Attachments = append([]AttachmentPart(nil), original.Attachments...)
	}

	if text != "" {
		fwd.TextBody = []BodyPart{{Type: "text/plain", Content: text}}
	}
	if html != "" {
		fwd.HTMLBody = []BodyPart{{Type: "text/html", Content: html}}
	}
	return fwd
}

func replyPrefix(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "Re: " + subject
}

func forwardPrefix(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "fwd:") {
		return subject
	}
	return "Fwd: " + subject
}

func quoteAttribution(original *ParsedEmail) string {
	name := original.From.Name
	if name == "" {
		name = original.From.Email
	}
	return fmt.Sprintf("On %s, %s <%s> wrote:",
		original.Date.Format("Mon, 2 Jan 2006 at 15:04"), name, original.From.Email)
}

func quoteLines(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}

func forwardPreamble(original *ParsedEmail) string {
	var sb strings.Builder
	sb.WriteString("---------- Forwarded message ----------\n")
	fmt.Fprintf(&sb, "From: %s <%s>\n", original.From.Name, original.From.Email)
	fmt.Fprintf(&sb, "Date: %s\n", formatDate(original.Date))
	fmt.Fprintf(&sb, "Subject: %s\n", original.Subject)
	fmt.Fprintf(&sb, "To: %s\n", plainAddressList(original.To))
	if len(original.Cc) > 0 {
		fmt.Fprintf(&sb, "Cc: %s\n", plainAddressList(original.Cc))
	}
	return sb.String()
}

func plainAddressList(list []Address) string {
	strs := make([]string, 0, len(list))
	for _, a := range list {
		if a.Name != "" {
			strs = append(strs, a.Name+" <"+a.Email+">")
		} else {
			strs = append(strs, a.Email)
		}
	}
	return strings.Join(strs, ", ")
}

func htmlEscape(s string) string {
	return html.EscapeString(s)
}

func textToHTML(text string) string {
	return strings.ReplaceAll(htmlEscape(text), "\n", "<br>")
}
