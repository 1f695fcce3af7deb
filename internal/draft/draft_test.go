package draft

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"gorm.io/gorm"

	"github.com/maildeck/maildeck/framework/exterrors"
	"github.com/maildeck/maildeck/internal/blob"
	"github.com/maildeck/maildeck/internal/db"
	"github.com/maildeck/maildeck/internal/email"
	"github.com/maildeck/maildeck/internal/lock"
	"github.com/maildeck/maildeck/internal/testutils"
	"github.com/maildeck/maildeck/internal/thread"
)

const maxTestAttachmentSize = 1024

func testEngine(t *testing.T) (*Engine, *gorm.DB, *db.Mailbox) {
	t.Helper()
	gdb := testutils.DB(t)
	dom := testutils.Domain(t, gdb, "example.org")
	mbox := testutils.Mailbox(t, gdb, "alice", dom)
	l := testutils.Logger(t, "draft")
	threads := thread.NewAssembler(gdb, lock.NewMemory(), l)
	return NewEngine(gdb, threads, maxTestAttachmentSize, l), gdb, mbox
}

func baseParams() Params {
	return Params{
		Subject: "Quarterly report",
		Body:    []byte(`{"text":"draft body"}`),
		To:      []email.Address{{Name: "Bob", Email: "bob@external.com"}},
		Cc:      []email.Address{{Email: "carol@external.com"}},
	}
}

func TestCreate_Basic(t *testing.T) {
	e, gdb, mbox := testEngine(t)

	msg, err := e.Create(context.Background(), mbox.ID, baseParams())
	if err != nil {
		t.Fatal(err)
	}

	if !msg.IsDraft || !msg.IsSender {
		t.Errorf("flags = draft:%v sender:%v", msg.IsDraft, msg.IsSender)
	}
	if msg.SenderID != *mbox.ContactID {
		t.Error("sender is not the mailbox self contact")
	}
	if !strings.HasSuffix(msg.MimeID, "@example.org") {
		t.Errorf("mime_id = %q", msg.MimeID)
	}
	if msg.DraftBlobID == nil {
		t.Fatal("no draft blob")
	}
	if msg.BlobID != nil {
		t.Error("unsent draft has a wire blob")
	}

	content, err := blob.NewStore(gdb).Open(context.Background(), *msg.DraftBlobID)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(content, []byte(`{"text":"draft body"}`)) {
		t.Errorf("draft blob = %q", content)
	}

	var rcpts []db.MessageRecipient
	if err := gdb.Where("message_id = ?", msg.ID).Find(&rcpts).Error; err != nil {
		t.Fatal(err)
	}
	if len(rcpts) != 2 {
		t.Fatalf("recipients = %d", len(rcpts))
	}
	for _, r := range rcpts {
		if r.DeliveryStatus != nil {
			t.Errorf("draft recipient has status %v", *r.DeliveryStatus)
		}
	}

	var th db.Thread
	if err := gdb.First(&th, "id = ?", msg.ThreadID).Error; err != nil {
		t.Fatal(err)
	}
	if !th.HasDraft {
		t.Error("thread has_draft = false")
	}
}

func TestCreate_WithParentJoinsThread(t *testing.T) {
	e, gdb, mbox := testEngine(t)

	th := db.Thread{Subject: "existing"}
	if err := gdb.Create(&th).Error; err != nil {
		t.Fatal(err)
	}
	parent := db.Message{
		ThreadID:  th.ID,
		MailboxID: mbox.ID,
		SenderID:  *mbox.ContactID,
		MimeID:    "p1@example.org",
	}
	if err := gdb.Create(&parent).Error; err != nil {
		t.Fatal(err)
	}

	p := baseParams()
	p.ParentID = &parent.ID
	msg, err := e.Create(context.Background(), mbox.ID, p)
	if err != nil {
		t.Fatal(err)
	}
	if msg.ThreadID != th.ID {
		t.Error("draft did not join the parent thread")
	}
	if msg.ParentID == nil || *msg.ParentID != parent.ID {
		t.Errorf("parent = %v", msg.ParentID)
	}
}

func TestCreate_InaccessibleParent(t *testing.T) {
	e, gdb, mbox := testEngine(t)
	other := testutils.Mailbox(t, gdb, "eve", &mbox.Domain)

	th := db.Thread{Subject: "private"}
	if err := gdb.Create(&th).Error; err != nil {
		t.Fatal(err)
	}
	foreign := db.Message{
		ThreadID:  th.ID,
		MailboxID: other.ID,
		SenderID:  *other.ContactID,
		MimeID:    "f1@example.org",
	}
	if err := gdb.Create(&foreign).Error; err != nil {
		t.Fatal(err)
	}

	p := baseParams()
	p.ParentID = &foreign.ID
	if _, err := e.Create(context.Background(), mbox.ID, p); !exterrors.IsNotFound(err) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestCreate_UploadedAttachment(t *testing.T) {
	e, gdb, mbox := testEngine(t)
	ctx := context.Background()

	b, err := blob.NewStore(gdb).Put(ctx, mbox.ID, "application/pdf", []byte("%PDF-1.4 tiny"))
	if err != nil {
		t.Fatal(err)
	}

	p := baseParams()
	p.Attachments = []AttachmentRef{{BlobID: b.ID, Name: "report.pdf"}}
	msg, err := e.Create(ctx, mbox.ID, p)
	if err != nil {
		t.Fatal(err)
	}
	if !msg.HasAttachments {
		t.Error("has_attachments = false")
	}

	var got db.Message
	if err := gdb.Preload("Attachments").First(&got, "id = ?", msg.ID).Error; err != nil {
		t.Fatal(err)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Name != "report.pdf" {
		t.Errorf("attachments = %+v", got.Attachments)
	}
}

func TestCreate_ForeignBlobSkipped(t *testing.T) {
	e, gdb, mbox := testEngine(t)
	other := testutils.Mailbox(t, gdb, "eve", &mbox.Domain)
	ctx := context.Background()

	foreign, err := blob.NewStore(gdb).Put(ctx, other.ID, "application/pdf", []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	p := baseParams()
	p.Attachments = []AttachmentRef{{BlobID: foreign.ID, Name: "stolen.pdf"}}
	msg, err := e.Create(ctx, mbox.ID, p)
	if err != nil {
		t.Fatal(err)
	}
	if msg.HasAttachments {
		t.Error("foreign blob attached")
	}
}

func TestCreate_ForwardedAttachment(t *testing.T) {
	e, gdb, mbox := testEngine(t)
	ctx := context.Background()

	// A past message with one attachment, stored as raw MIME.
	raw := []byte(strings.Join([]string{
		"From: bob@external.com",
		"To: alice@example.org",
		"Subject: with attachment",
		"Message-Id: <orig@external.com>",
		"Content-Type: multipart/mixed; boundary=BB",
		"",
		"--BB",
		"Content-Type: text/plain",
		"",
		"see attached",
		"--BB",
		"Content-Type: application/pdf",
		"Content-Disposition: attachment; filename=\"contract.pdf\"",
		"Content-Transfer-Encoding: base64",
		"",
		"JVBERi0xLjQgdGlueQ==",
		"--BB--",
	}, "\r\n") + "\r\n")

	rawBlob, err := blob.NewStore(gdb).Put(ctx, mbox.ID, "message/rfc822", raw)
	if err != nil {
		t.Fatal(err)
	}
	th := db.Thread{Subject: "with attachment"}
	if err := gdb.Create(&th).Error; err != nil {
		t.Fatal(err)
	}
	orig := db.Message{
		ThreadID:       th.ID,
		MailboxID:      mbox.ID,
		SenderID:       *mbox.ContactID,
		MimeID:         "orig@external.com",
		BlobID:         &rawBlob.ID,
		HasAttachments: true,
	}
	if err := gdb.Create(&orig).Error; err != nil {
		t.Fatal(err)
	}

	p := baseParams()
	p.Attachments = []AttachmentRef{{BlobID: "msg_" + orig.ID + "_0"}}
	msg, err := e.Create(ctx, mbox.ID, p)
	if err != nil {
		t.Fatal(err)
	}

	var got db.Message
	if err := gdb.Preload("Attachments.Blob").First(&got, "id = ?", msg.ID).Error; err != nil {
		t.Fatal(err)
	}
	if len(got.Attachments) != 1 {
		t.Fatalf("attachments = %d", len(got.Attachments))
	}
	att := got.Attachments[0]
	if att.Name != "contract.pdf" {
		t.Errorf("name = %q", att.Name)
	}
	content, err := blob.Decode(&att.Blob)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "%PDF-1.4 tiny" {
		t.Errorf("content = %q", content)
	}
}

func TestCreate_ForwardedAttachment_Inaccessible(t *testing.T) {
	e, gdb, mbox := testEngine(t)
	other := testutils.Mailbox(t, gdb, "eve", &mbox.Domain)
	ctx := context.Background()

	th := db.Thread{Subject: "private"}
	if err := gdb.Create(&th).Error; err != nil {
		t.Fatal(err)
	}
	foreign := db.Message{
		ThreadID:  th.ID,
		MailboxID: other.ID,
		SenderID:  *other.ContactID,
		MimeID:    "f2@example.org",
	}
	if err := gdb.Create(&foreign).Error; err != nil {
		t.Fatal(err)
	}

	p := baseParams()
	p.Attachments = []AttachmentRef{{BlobID: "msg_" + foreign.ID + "_0"}}
	msg, err := e.Create(ctx, mbox.ID, p)
	if err != nil {
		t.Fatal(err)
	}
	if msg.HasAttachments {
		t.Error("inaccessible forward reference attached")
	}
}

func TestCreate_SizePolicyRollsBack(t *testing.T) {
	e, gdb, mbox := testEngine(t)
	ctx := context.Background()

	big, err := blob.NewStore(gdb).Put(ctx, mbox.ID, "application/octet-stream",
		bytes.Repeat([]byte{0xAB}, maxTestAttachmentSize+1))
	if err != nil {
		t.Fatal(err)
	}

	var before int64
	gdb.Model(&db.Message{}).Count(&before)

	p := baseParams()
	p.Attachments = []AttachmentRef{{BlobID: big.ID, Name: "huge.bin"}}
	_, err = e.Create(ctx, mbox.ID, p)
	if !exterrors.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}

	var after int64
	gdb.Model(&db.Message{}).Count(&after)
	if after != before {
		t.Error("rolled-back draft left a message row")
	}
	var rcpts int64
	gdb.Model(&db.MessageRecipient{}).Count(&rcpts)
	if rcpts != 0 {
		t.Error("rolled-back draft left recipient rows")
	}
}

func TestUpdate(t *testing.T) {
	e, gdb, mbox := testEngine(t)
	ctx := context.Background()

	msg, err := e.Create(ctx, mbox.ID, baseParams())
	if err != nil {
		t.Fatal(err)
	}

	p := baseParams()
	p.Subject = "Quarterly report v2"
	p.Body = []byte(`{"text":"updated"}`)
	p.To = []email.Address{{Email: "dave@external.com"}}
	p.Cc = nil
	updated, err := e.Update(ctx, mbox.ID, msg.ID, p)
	if err != nil {
		t.Fatal(err)
	}

	if updated.Subject != "Quarterly report v2" {
		t.Errorf("subject = %q", updated.Subject)
	}
	if updated.ThreadID != msg.ThreadID {
		t.Error("thread changed on update")
	}
	if updated.SenderID != msg.SenderID {
		t.Error("sender changed on update")
	}

	content, err := blob.NewStore(gdb).Open(ctx, *updated.DraftBlobID)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != `{"text":"updated"}` {
		t.Errorf("draft blob = %q", content)
	}

	var rcpts []db.MessageRecipient
	if err := gdb.Preload("Contact").Where("message_id = ?", msg.ID).Find(&rcpts).Error; err != nil {
		t.Fatal(err)
	}
	if len(rcpts) != 1 || rcpts[0].Contact.Email != "dave@external.com" {
		t.Errorf("recipients = %+v", rcpts)
	}
}

func TestUpdate_RefusesNonDraft(t *testing.T) {
	e, gdb, mbox := testEngine(t)
	ctx := context.Background()

	msg, err := e.Create(ctx, mbox.ID, baseParams())
	if err != nil {
		t.Fatal(err)
	}
	if err := gdb.Model(msg).Update("is_draft", false).Error; err != nil {
		t.Fatal(err)
	}

	if _, err := e.Update(ctx, mbox.ID, msg.ID, baseParams()); !exterrors.IsValidation(err) {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestUpdate_RefusesForeignMailbox(t *testing.T) {
	e, gdb, mbox := testEngine(t)
	other := testutils.Mailbox(t, gdb, "eve", &mbox.Domain)
	ctx := context.Background()

	msg, err := e.Create(ctx, mbox.ID, baseParams())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Update(ctx, other.ID, msg.ID, baseParams()); err == nil {
		t.Error("foreign mailbox updated the draft")
	}
}
