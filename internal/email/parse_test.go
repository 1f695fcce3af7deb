package email

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/maildeck/maildeck/framework/exterrors"
)

func msg(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func TestParse_SimpleText(t *testing.T) {
	raw := msg(
		"From: Alice <alice@example.com>",
		"To: Bob <bob@external.com>",
		"Subject: Hi",
		"Date: Mon, 2 Jan 2023 10:00:00 +0000",
		"Message-ID: <abc@example.com>",
		"",
		"Hello",
	)
	p, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if p.Subject != "Hi" {
		t.Errorf("subject = %q", p.Subject)
	}
	if p.From.Email != "alice@example.com" || p.From.Name != "Alice" {
		t.Errorf("from = %+v", p.From)
	}
	if len(p.To) != 1 || p.To[0].Email != "bob@external.com" {
		t.Errorf("to = %+v", p.To)
	}
	if p.MessageID != "abc@example.com" {
		t.Errorf("message_id = %q", p.MessageID)
	}

	// Singleton text/plain is copied into both body lists.
	if len(p.TextBody) != 1 || len(p.HTMLBody) != 1 {
		t.Fatalf("textBody=%d htmlBody=%d, want 1/1", len(p.TextBody), len(p.HTMLBody))
	}
	if strings.TrimSpace(p.TextBody[0].Content) != "Hello" {
		t.Errorf("textBody content = %q", p.TextBody[0].Content)
	}
	if p.HTMLBody[0].Content != p.TextBody[0].Content {
		t.Error("htmlBody copy differs from textBody")
	}
	if len(p.Attachments) != 0 {
		t.Errorf("attachments = %d", len(p.Attachments))
	}
}

func TestParse_EmptyInput(t *testing.T) {
	_, err := Parse(nil)
	if err == nil {
		t.Fatal("empty input did not fail")
	}
	var parseErr *exterrors.ParseError
	if !errors.As(err, &parseErr) {
		t.Errorf("err = %T, want *exterrors.ParseError", err)
	}
}

func TestParse_Alternative(t *testing.T) {
	raw := msg(
		"From: a@example.com",
		"Subject: alt",
		"Content-Type: multipart/alternative; boundary=BB",
		"",
		"--BB",
		"Content-Type: text/plain",
		"",
		"plain text",
		"--BB",
		"Content-Type: text/html",
		"",
		"<p>html text</p>",
		"--BB--",
	)
	p, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.TextBody) != 1 || p.TextBody[0].Type != "text/plain" {
		t.Errorf("textBody = %+v", p.TextBody)
	}
	if len(p.HTMLBody) != 1 || p.HTMLBody[0].Type != "text/html" {
		t.Errorf("htmlBody = %+v", p.HTMLBody)
	}
}

func TestParse_RelatedInlineImage(t *testing.T) {
	raw := msg(
		"From: a@example.com",
		"Subject: related",
		"Content-Type: multipart/related; boundary=BB",
		"",
		"--BB",
		"Content-Type: text/html",
		"",
		"<img src=\"cid:img1\">",
		"--BB",
		"Content-Type: image/png",
		"Content-Id: <img1>",
		"Content-Transfer-Encoding: base64",
		"",
		"iVBORw0KGgo=",
		"--BB--",
	)
	p, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Attachments) != 0 {
		t.Errorf("inline image landed in attachments: %+v", p.Attachments)
	}
	found := false
	for _, bp := range p.HTMLBody {
		if bp.Type == "image/png" && bp.CID == "img1" {
			found = true
		}
	}
	if !found {
		t.Errorf("image not in htmlBody: %+v", p.HTMLBody)
	}
}

func TestParse_MixedInlineAndAttachment(t *testing.T) {
	raw := msg(
		"From: a@example.com",
		"Subject: mixed",
		"Content-Type: multipart/mixed; boundary=BB",
		"",
		"--BB",
		"Content-Type: text/plain",
		"",
		"see image",
		"--BB",
		"Content-Type: image/gif",
		"Content-Disposition: inline",
		"Content-Transfer-Encoding: base64",
		"",
		"R0lGODlh",
		"--BB",
		"Content-Type: application/pdf; name=\"doc.pdf\"",
		"Content-Disposition: attachment; filename=\"doc.pdf\"",
		"Content-Transfer-Encoding: base64",
		"",
		"JVBERi0=",
		"--BB--",
	)
	p, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Attachments) != 1 || p.Attachments[0].Name != "doc.pdf" {
		t.Fatalf("attachments = %+v", p.Attachments)
	}
	inlineInBody := false
	for _, bp := range p.HTMLBody {
		if bp.Type == "image/gif" {
			inlineInBody = true
		}
	}
	if !inlineInBody {
		t.Error("inline image not in body arrays")
	}
}

func TestParse_AttachmentDecoded(t *testing.T) {
	raw := msg(
		"From: a@example.com",
		"Content-Type: multipart/mixed; boundary=BB",
		"",
		"--BB",
		"Content-Type: text/plain",
		"",
		"body",
		"--BB",
		"Content-Type: application/octet-stream",
		"Content-Disposition: attachment; filename=\"data.bin\"",
		"Content-Transfer-Encoding: base64",
		"",
		"aGVsbG8gd29ybGQ=",
		"--BB--",
	)
	p, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Attachments) != 1 {
		t.Fatalf("attachments = %d", len(p.Attachments))
	}
	a := p.Attachments[0]
	if string(a.Content) != "hello world" {
		t.Errorf("content = %q, want decoded bytes", a.Content)
	}
	if a.Size != 11 {
		t.Errorf("size = %d, want 11", a.Size)
	}
	sum := sha256.Sum256([]byte("hello world"))
	if a.SHA256 != hex.EncodeToString(sum[:]) {
		t.Errorf("sha256 = %s", a.SHA256)
	}
}

func TestParse_HeaderBlocks(t *testing.T) {
	raw := msg(
		"Received: from relay2 by us; Mon, 2 Jan 2023 10:00:02 +0000",
		"X-Spam: Ham",
		"Received: from relay1 by relay2; Mon, 2 Jan 2023 10:00:01 +0000",
		"X-Spam: Spam",
		"Received: from sender by relay1; Mon, 2 Jan 2023 10:00:00 +0000",
		"From: a@example.com",
		"X-Spam: SenderSpam",
		"Subject: blocks",
		"",
		"body",
	)
	p, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.HeadersBlocks) != 4 {
		t.Fatalf("blocks = %d, want 4", len(p.HeadersBlocks))
	}
	// Block 0 is our own MTA's hop, closed by the first Received.
	if got := p.HeadersBlocks[0]["received"]; len(got) != 1 || !strings.Contains(got[0], "relay2") {
		t.Errorf("block 0 received = %v", got)
	}
	if got := p.HeadersBlocks[1]["x-spam"]; len(got) != 1 || got[0] != "Ham" {
		t.Errorf("block 1 x-spam = %v", got)
	}
	if got := p.HeadersBlocks[2]["x-spam"]; len(got) != 1 || got[0] != "Spam" {
		t.Errorf("block 2 x-spam = %v", got)
	}
	// Trailing block: the original message's own headers.
	last := p.HeadersBlocks[3]
	if got := last["x-spam"]; len(got) != 1 || got[0] != "SenderSpam" {
		t.Errorf("last block x-spam = %v", got)
	}
	if len(last["received"]) != 0 {
		t.Errorf("last block has received headers: %v", last["received"])
	}
}

func TestParse_EncodedWords(t *testing.T) {
	raw := msg(
		"From: =?UTF-8?B?SsO8cmdlbg==?= <j@example.com>",
		"Subject: =?UTF-8?Q?Gr=C3=BC=C3=9Fe?= =?UTF-8?Q?_aus_Wien?=",
		"",
		"hi",
	)
	p, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if p.Subject != "Grüße aus Wien" {
		t.Errorf("subject = %q", p.Subject)
	}
	if p.From.Name != "Jürgen" {
		t.Errorf("from name = %q", p.From.Name)
	}
}

func TestParse_QuotedDisplayName(t *testing.T) {
	raw := msg(
		"From: \"Smith, John; Esq.\" <john@example.com>",
		"To: \"A: B\" <ab@example.com>, plain@example.com",
		"",
		"hi",
	)
	p, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if p.From.Name != "Smith, John; Esq." {
		t.Errorf("from name = %q", p.From.Name)
	}
	if len(p.To) != 2 || p.To[1].Email != "plain@example.com" {
		t.Errorf("to = %+v", p.To)
	}
}

func TestParse_UnparseableAddressKept(t *testing.T) {
	raw := msg(
		"From: totally broken <<nonsense",
		"",
		"hi",
	)
	p, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if p.From.Email == "" {
		t.Error("unparseable from was dropped instead of kept verbatim")
	}
}

func TestParse_MissingDateDefaultsToNow(t *testing.T) {
	raw := msg("From: a@example.com", "", "hi")
	before := time.Now().Add(-time.Minute)
	p, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if p.Date.Before(before) {
		t.Errorf("date = %v, want ~now", p.Date)
	}
}

func TestParse_GmailLabels(t *testing.T) {
	raw := msg(
		"From: a@example.com",
		"X-Gmail-Labels: Inbox,Work/Projects, Starred",
		"",
		"hi",
	)
	p, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Inbox", "Work/Projects", "Starred"}
	if len(p.GmailLabels) != 3 {
		t.Fatalf("labels = %v", p.GmailLabels)
	}
	for i, l := range want {
		if p.GmailLabels[i] != l {
			t.Errorf("label[%d] = %q, want %q", i, p.GmailLabels[i], l)
		}
	}
}

func TestParseDate_Variants(t *testing.T) {
	for _, raw := range []string{
		"Mon, 2 Jan 2023 10:00:00 +0000",
		"2 Jan 2023 10:00:00 +0000",
		"Mon, 2 Jan 2023 10:00 +0000",
		"Mon, 2 Jan 2023 10:00:00 GMT",
		"Mon, 2 Jan 2023 10:00:00 +0000 (UTC)",
	} {
		if parseDate(raw).IsZero() {
			t.Errorf("failed to parse %q", raw)
		}
	}
	if !parseDate("not a date").IsZero() {
		t.Error("garbage date parsed")
	}
}

func TestSanitizeFilename(t *testing.T) {
	for _, tc := range []struct {
		name, contentType, want string
	}{
		{"report.pdf", "application/pdf", "report.pdf"},
		{"/etc/passwd", "", "passwd"},
		{"..\\..\\evil.exe", "", "evil.exe"},
		{".hidden", "", "hidden"},
		{"...", "", "unnamed"},
		{"", "image/jpeg", "unnamed.jpg"},
		{"", "", "unnamed"},
		{strings.Repeat("a", 300), "", strings.Repeat("a", 255)},
	} {
		if got := sanitizeFilename(tc.name, tc.contentType); got != tc.want {
			t.Errorf("sanitizeFilename(%q, %q) = %q, want %q", tc.name, tc.contentType, got, tc.want)
		}
	}
}

func TestParse_HeadersLowercasedAndOrdered(t *testing.T) {
	raw := msg(
		"X-First: 1",
		"Subject: s",
		"X-First: 2",
		"",
		"hi",
	)
	p, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Headers["x-first"]; len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Errorf("x-first = %v", got)
	}
	if p.HeadersList[0].Key != "x-first" || p.HeadersList[1].Key != "subject" {
		t.Errorf("headers_list order = %+v", p.HeadersList[:2])
	}
}
