package email

import (
	"strings"
	"testing"
	"time"
)

func testEmail() *ParsedEmail {
	return &ParsedEmail{
		Subject:  "Hi",
		From:     Address{Name: "Alice", Email: "alice@example.com"},
		To:       []Address{{Email: "bob@external.com"}},
		Date:     time.Date(2023, 1, 2, 10, 0, 0, 0, time.UTC),
		TextBody: []BodyPart{{Type: "text/plain", Content: "Hello"}},
	}
}

func TestCompose_SimpleText(t *testing.T) {
	raw, err := Compose(testEmail())
	if err != nil {
		t.Fatal(err)
	}
	s := string(raw)
	if !strings.Contains(s, "From: \"Alice\" <alice@example.com>") &&
		!strings.Contains(s, "From: Alice <alice@example.com>") {
		t.Errorf("missing From header:\n%s", s)
	}
	if !strings.Contains(s, "To: <bob@external.com>") {
		t.Errorf("missing To header:\n%s", s)
	}
	if !strings.Contains(s, "Subject: Hi") {
		t.Errorf("missing Subject:\n%s", s)
	}
	p, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(p.TextBody[0].Content) != "Hello" {
		t.Errorf("body = %q", p.TextBody[0].Content)
	}
}

func TestCompose_GeneratesMessageID(t *testing.T) {
	e := testEmail()
	raw, err := Compose(e)
	if err != nil {
		t.Fatal(err)
	}
	if e.MessageID == "" {
		t.Fatal("MessageID not written back")
	}
	if !strings.HasSuffix(e.MessageID, "@example.com") {
		t.Errorf("MessageID domain = %q, want sender domain", e.MessageID)
	}
	if !strings.Contains(string(raw), "<"+e.MessageID+">") {
		t.Error("Message-ID not in wire bytes with angle brackets")
	}
}

func TestCompose_NoBccOnWire(t *testing.T) {
	e := testEmail()
	e.Cc = []Address{{Email: "carol@example.com"}}
	e.Bcc = []Address{{Email: "bcc@example.com"}}
	raw, err := Compose(e)
	if err != nil {
		t.Fatal(err)
	}
	s := strings.ToLower(string(raw))
	if strings.Contains(s, "bcc:") {
		t.Error("Bcc header present in wire bytes")
	}
	if !strings.Contains(s, "cc: <carol@example.com>") {
		t.Errorf("Cc missing:\n%s", s)
	}
	// The in-memory object keeps the list for envelope derivation.
	rcpts := e.AllRecipients()
	if len(rcpts) != 3 || rcpts[2].Email != "bcc@example.com" {
		t.Errorf("recipients = %+v", rcpts)
	}
}

func TestCompose_Threading(t *testing.T) {
	e := testEmail()
	e.InReplyTo = "parent@example.com"
	e.References = "<root@example.com> <parent@example.com>"
	raw, err := Compose(e)
	if err != nil {
		t.Fatal(err)
	}
	p, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if p.InReplyTo != "parent@example.com" {
		t.Errorf("in_reply_to = %q", p.InReplyTo)
	}
	refs := p.ReferencesList()
	if len(refs) != 2 || refs[0] != "root@example.com" {
		t.Errorf("references = %v", refs)
	}
}

func TestCompose_StructureSelection(t *testing.T) {
	text := BodyPart{Type: "text/plain", Content: "t"}
	html := BodyPart{Type: "text/html", Content: "<p>h</p>"}
	inline := AttachmentPart{Type: "image/png", Name: "i.png", CID: "img1", Content: []byte{1}}
	regular := AttachmentPart{Type: "application/pdf", Name: "d.pdf", Content: []byte{2}}

	for _, tc := range []struct {
		name    string
		modify  func(*ParsedEmail)
		topType string
	}{
		{"text only", func(e *ParsedEmail) {
			e.TextBody = []BodyPart{text}
		}, "content-type: text/plain"},
		{"html only", func(e *ParsedEmail) {
			e.TextBody = nil
			e.HTMLBody = []BodyPart{html}
		}, "content-type: text/html"},
		{"text and html", func(e *ParsedEmail) {
			e.TextBody = []BodyPart{text}
			e.HTMLBody = []BodyPart{html}
		}, "content-type: multipart/alternative"},
		{"html with inline", func(e *ParsedEmail) {
			e.TextBody = nil
			e.HTMLBody = []BodyPart{html}
			e.Attachments = []AttachmentPart{inline}
		}, "content-type: multipart/related"},
		{"regular attachment", func(e *ParsedEmail) {
			e.TextBody = []BodyPart{text}
			e.Attachments = []AttachmentPart{regular}
		}, "content-type: multipart/mixed"},
	} {
		e := testEmail()
		tc.modify(e)
		raw, err := Compose(e)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !strings.Contains(strings.ToLower(string(raw)), tc.topType) {
			t.Errorf("%s: top content type not %q:\n%s", tc.name, tc.topType, raw)
		}
	}
}

func TestCompose_ParseRoundtrip(t *testing.T) {
	e := testEmail()
	e.HTMLBody = []BodyPart{{Type: "text/html", Content: "<p>Hello</p>"}}
	e.Attachments = []AttachmentPart{{
		Type:    "application/octet-stream",
		Name:    "data.bin",
		Content: []byte("binary\x00payload"),
	}}
	raw, err := Compose(e)
	if err != nil {
		t.Fatal(err)
	}
	p, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if p.Subject != e.Subject || p.From.Email != e.From.Email {
		t.Errorf("headers changed: %+v", p)
	}
	if strings.TrimSpace(bodyContent(p.TextBody, "text/plain")) != "Hello" {
		t.Errorf("text body = %q", bodyContent(p.TextBody, "text/plain"))
	}
	if strings.TrimSpace(bodyContent(p.HTMLBody, "text/html")) != "<p>Hello</p>" {
		t.Errorf("html body = %q", bodyContent(p.HTMLBody, "text/html"))
	}
	if len(p.Attachments) != 1 {
		t.Fatalf("attachments = %d", len(p.Attachments))
	}
	if string(p.Attachments[0].Content) != "binary\x00payload" {
		t.Error("attachment bytes changed in round trip")
	}
}

func TestCompose_CustomHeaderOrderPreserved(t *testing.T) {
	e := testEmail()
	e.HeadersList = []HeaderField{
		{Key: "x-custom", Value: "one"},
		{Key: "x-other", Value: "two"},
		{Key: "subject", Value: "must not override"},
	}
	raw, err := Compose(e)
	if err != nil {
		t.Fatal(err)
	}
	p, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if p.Header("x-custom") != "one" || p.Header("x-other") != "two" {
		t.Errorf("custom headers lost: %+v", p.Headers)
	}
	if p.Subject != "Hi" {
		t.Errorf("reserved header overridden: subject = %q", p.Subject)
	}
	var xc, xo int
	for i, f := range p.HeadersList {
		switch f.Key {
		case "x-custom":
			xc = i
		case "x-other":
			xo = i
		}
	}
	if xc > xo {
		t.Error("custom header relative order not preserved")
	}
}

func TestCreateReply(t *testing.T) {
	orig, err := Parse(msg(
		"From: Bob <bob@external.com>",
		"To: alice@example.com",
		"Cc: carol@example.com",
		"Subject: Question",
		"Date: Mon, 2 Jan 2023 10:00:00 +0000",
		"Message-ID: <q1@external.com>",
		"",
		"What time?",
	))
	if err != nil {
		t.Fatal(err)
	}

	reply := CreateReply(orig, "At noon.", "", true)
	if reply.Subject != "Re: Question" {
		t.Errorf("subject = %q", reply.Subject)
	}
	if len(reply.To) != 1 || reply.To[0].Email != "bob@external.com" {
		t.Errorf("to = %+v", reply.To)
	}
	if len(reply.Cc) != 1 || reply.Cc[0].Email != "carol@example.com" {
		t.Errorf("cc = %+v", reply.Cc)
	}
	if reply.InReplyTo != "q1@external.com" {
		t.Errorf("in_reply_to = %q", reply.InReplyTo)
	}
	text := bodyContent(reply.TextBody, "text/plain")
	if !strings.Contains(text, "At noon.") {
		t.Error("reply text missing")
	}
	if !strings.Contains(text, "bob@external.com> wrote:") {
		t.Errorf("attribution line missing:\n%s", text)
	}
	if !strings.Contains(text, "> What time?") {
		t.Errorf("quoted original missing:\n%s", text)
	}

	// Re: prefix is idempotent.
	again := CreateReply(&ParsedEmail{Subject: "Re: Question"}, "x", "", false)
	if again.Subject != "Re: Question" {
		t.Errorf("subject = %q", again.Subject)
	}
}

func TestCreateForward(t *testing.T) {
	orig, err := Parse(msg(
		"From: Bob <bob@external.com>",
		"To: alice@example.com",
		"Subject: FYI",
		"Date: Mon, 2 Jan 2023 10:00:00 +0000",
		"Message-ID: <f1@external.com>",
		"",
		"Original content",
	))
	if err != nil {
		t.Fatal(err)
	}

	fwd := CreateForward(orig, "See below.", "", true)
	if fwd.Subject != "Fwd: FYI" {
		t.Errorf("subject = %q", fwd.Subject)
	}
	if len(fwd.To) != 0 || fwd.InReplyTo != "" {
		t.Error("forward must start with empty recipients and no threading")
	}
	text := bodyContent(fwd.TextBody, "text/plain")
	if !strings.Contains(text, "---------- Forwarded message ----------") {
		t.Error("forward preamble missing")
	}
	if !strings.Contains(text, "Original content") {
		t.Error("original content missing")
	}

	again := CreateForward(&ParsedEmail{Subject: "Fwd: FYI"}, "x", "", false)
	if again.Subject != "Fwd: FYI" {
		t.Errorf("subject = %q", again.Subject)
	}
}
