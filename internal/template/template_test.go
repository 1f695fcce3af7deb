package template

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"gorm.io/gorm"

	"github.com/maildeck/maildeck/framework/exterrors"
	"github.com/maildeck/maildeck/internal/blob"
	"github.com/maildeck/maildeck/internal/db"
	"github.com/maildeck/maildeck/internal/testutils"
)

func testEngine(t *testing.T) (*Engine, *gorm.DB, *db.Mailbox, *db.MailDomain) {
	t.Helper()
	gdb := testutils.DB(t)
	dom := testutils.Domain(t, gdb, "example.org")
	mbox := testutils.Mailbox(t, gdb, "alice", dom)
	e := NewEngine(gdb, blob.NewStore(gdb), testutils.Logger(t, "template"))
	return e, gdb, mbox, dom
}

func forcedIDs(t *testing.T, gdb *gorm.DB) []string {
	t.Helper()
	var ids []string
	err := gdb.Model(&db.MessageTemplate{}).
		Where("is_forced").Pluck("id", &ids).Error
	if err != nil {
		t.Fatal(err)
	}
	return ids
}

func TestCreate_ForcedIsExclusive(t *testing.T) {
	e, gdb, mbox, _ := testEngine(t)
	ctx := context.Background()

	first, err := e.Create(ctx, Params{
		MailboxID: &mbox.ID,
		Type:      db.TemplateSignature,
		TextBody:  "-- \nold",
		IsActive:  true,
		IsForced:  true,
	})
	if err != nil {
		t.Fatal(err)
	}

	second, err := e.Create(ctx, Params{
		MailboxID: &mbox.ID,
		Type:      db.TemplateSignature,
		TextBody:  "-- \nnew",
		IsActive:  true,
		IsForced:  true,
	})
	if err != nil {
		t.Fatal(err)
	}

	ids := forcedIDs(t, gdb)
	if len(ids) != 1 || ids[0] != second.ID {
		t.Errorf("forced templates = %v, want only %s", ids, second.ID)
	}

	var old db.MessageTemplate
	if err := gdb.First(&old, "id = ?", first.ID).Error; err != nil {
		t.Fatal(err)
	}
	if old.IsForced {
		t.Error("older template kept the forced flag")
	}
	if !old.IsActive {
		t.Error("unforcing deactivated the older template")
	}
}

func TestCreate_ForcedScopesAreIndependent(t *testing.T) {
	e, gdb, mbox, dom := testEngine(t)
	ctx := context.Background()

	mboxTpl, err := e.Create(ctx, Params{
		MailboxID: &mbox.ID,
		Type:      db.TemplateSignature,
		TextBody:  "mailbox sig",
		IsActive:  true,
		IsForced:  true,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Forcing in the domain scope, and for another type, leaves the
	// mailbox-scoped signature alone.
	if _, err := e.Create(ctx, Params{
		MailDomainID: &dom.ID,
		Type:         db.TemplateSignature,
		TextBody:     "domain sig",
		IsActive:     true,
		IsForced:     true,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Create(ctx, Params{
		MailboxID: &mbox.ID,
		Type:      db.TemplateMessage,
		HTMLBody:  "<p>hi</p>",
		IsActive:  true,
		IsForced:  true,
	}); err != nil {
		t.Fatal(err)
	}

	var got db.MessageTemplate
	if err := gdb.First(&got, "id = ?", mboxTpl.ID).Error; err != nil {
		t.Fatal(err)
	}
	if !got.IsForced {
		t.Error("mailbox signature lost the forced flag to another scope or type")
	}
}

func TestCreate_ScopeValidation(t *testing.T) {
	e, _, mbox, dom := testEngine(t)
	ctx := context.Background()

	cases := []Params{
		{Type: db.TemplateSignature, IsActive: true},
		{MailboxID: &mbox.ID, MailDomainID: &dom.ID, Type: db.TemplateSignature, IsActive: true},
		{MailboxID: &mbox.ID, Type: "nonsense", IsActive: true},
		{MailboxID: &mbox.ID, Type: db.TemplateSignature, IsForced: true},
	}
	for i, p := range cases {
		_, err := e.Create(ctx, p)
		var vErr *exterrors.ValidationError
		if !errors.As(err, &vErr) {
			t.Errorf("case %d: err = %v, want validation error", i, err)
		}
	}
}

func TestUpdate_ForcedMovesWithinScope(t *testing.T) {
	e, gdb, mbox, _ := testEngine(t)
	ctx := context.Background()

	if _, err := e.Create(ctx, Params{
		MailboxID: &mbox.ID,
		Type:      db.TemplateSignature,
		TextBody:  "a",
		IsActive:  true,
		IsForced:  true,
	}); err != nil {
		t.Fatal(err)
	}
	second, err := e.Create(ctx, Params{
		MailboxID: &mbox.ID,
		Type:      db.TemplateSignature,
		TextBody:  "b",
		IsActive:  true,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.Update(ctx, second.ID, Params{
		TextBody: "b2",
		IsActive: true,
		IsForced: true,
	}); err != nil {
		t.Fatal(err)
	}

	ids := forcedIDs(t, gdb)
	if len(ids) != 1 || ids[0] != second.ID {
		t.Errorf("forced templates = %v, want only %s", ids, second.ID)
	}
}

func TestUpdate_Missing(t *testing.T) {
	e, _, _, _ := testEngine(t)
	_, err := e.Update(context.Background(), "no-such-id", Params{IsActive: true})
	if !exterrors.IsNotFound(err) {
		t.Errorf("err = %v, want not-found", err)
	}
}

func TestDeactivate_ClearsForced(t *testing.T) {
	e, gdb, mbox, _ := testEngine(t)
	ctx := context.Background()

	tpl, err := e.Create(ctx, Params{
		MailboxID: &mbox.ID,
		Type:      db.TemplateSignature,
		TextBody:  "sig",
		IsActive:  true,
		IsForced:  true,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Deactivate(ctx, tpl.ID); err != nil {
		t.Fatal(err)
	}

	var got db.MessageTemplate
	if err := gdb.First(&got, "id = ?", tpl.ID).Error; err != nil {
		t.Fatal(err)
	}
	if got.IsActive || got.IsForced {
		t.Errorf("after deactivate: active=%v forced=%v", got.IsActive, got.IsForced)
	}

	if err := e.Deactivate(ctx, "no-such-id"); !exterrors.IsNotFound(err) {
		t.Errorf("err = %v, want not-found", err)
	}
}

func TestCreate_RawBodyStoredAsBlob(t *testing.T) {
	e, gdb, mbox, _ := testEngine(t)
	ctx := context.Background()

	raw := []byte("<html><body>{name}</body></html>")
	tpl, err := e.Create(ctx, Params{
		MailboxID: &mbox.ID,
		Type:      db.TemplateMessage,
		RawBody:   raw,
		IsActive:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if tpl.BlobID == nil {
		t.Fatal("raw body not persisted to a blob")
	}

	got, err := blob.NewStore(gdb).Open(ctx, *tpl.BlobID)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("blob content = %q", got)
	}
}
