package dkim

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/foxcpp/go-mockdns"

	"github.com/maildeck/maildeck/framework/exterrors"
	"github.com/maildeck/maildeck/internal/testutils"
)

func testRaw() []byte {
	return []byte(strings.Join([]string{
		"From: alice@example.org",
		"To: bob@external.com",
		"Subject: DKIM test",
		"Date: Mon, 2 Jan 2023 10:00:00 +0000",
		"Message-Id: <m1@example.org>",
		"",
		"Hello",
	}, "\r\n") + "\r\n")
}

func TestSignVerify(t *testing.T) {
	gdb := testutils.DB(t)
	testutils.Domain(t, gdb, "example.org")
	s := NewSigner(gdb, testutils.Logger(t, "dkim"))

	signed, err := s.Sign(context.Background(), "example.org", testRaw())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(signed), "DKIM-Signature:") {
		t.Fatal("no DKIM-Signature header in signed message")
	}
	if !strings.Contains(string(signed), "Hello") {
		t.Fatal("body lost during signing")
	}

	key, err := s.ActiveKey(context.Background(), "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if key.Selector != DefaultSelector || key.Algorithm != "rsa-sha256" {
		t.Errorf("key = %+v", key)
	}

	zones := map[string]mockdns.Zone{
		"maildeck._domainkey.example.org.": {
			TXT: []string{TXTRecord(key)},
		},
	}
	resolver := &mockdns.Resolver{Zones: zones}

	if err := s.Verify(context.Background(), signed, resolver); err != nil {
		t.Errorf("verification failed: %v", err)
	}
}

func TestVerify_TamperedBody(t *testing.T) {
	gdb := testutils.DB(t)
	testutils.Domain(t, gdb, "example.org")
	s := NewSigner(gdb, testutils.Logger(t, "dkim"))

	signed, err := s.Sign(context.Background(), "example.org", testRaw())
	if err != nil {
		t.Fatal(err)
	}
	key, err := s.ActiveKey(context.Background(), "example.org")
	if err != nil {
		t.Fatal(err)
	}

	tampered := []byte(strings.Replace(string(signed), "Hello", "Hacked", 1))
	resolver := &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"maildeck._domainkey.example.org.": {TXT: []string{TXTRecord(key)}},
	}}
	if err := s.Verify(context.Background(), tampered, resolver); err == nil {
		t.Error("tampered message verified")
	}
}

func TestVerify_NoSignature(t *testing.T) {
	gdb := testutils.DB(t)
	s := NewSigner(gdb, testutils.Logger(t, "dkim"))
	resolver := &mockdns.Resolver{Zones: map[string]mockdns.Zone{}}
	err := s.Verify(context.Background(), testRaw(), resolver)
	if err == nil {
		t.Fatal("unsigned message verified")
	}
	var dkimErr *exterrors.DKIMError
	if !errors.As(err, &dkimErr) {
		t.Fatalf("err = %T, want *exterrors.DKIMError", err)
	}
	if !dkimErr.Verify {
		t.Error("verification failure not marked as such")
	}
}

func TestRotate(t *testing.T) {
	gdb := testutils.DB(t)
	testutils.Domain(t, gdb, "example.org")
	s := NewSigner(gdb, testutils.Logger(t, "dkim"))

	first, err := s.Rotate(context.Background(), "example.org", "sel1", 2048)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Rotate(context.Background(), "example.org", "sel1", 2048)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Fatal("rotation returned the old key")
	}

	active, err := s.ActiveKey(context.Background(), "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if active.ID != second.ID {
		t.Errorf("active key = %s, want %s", active.ID, second.ID)
	}
}

func TestGenerateKey_SizeRestrictions(t *testing.T) {
	if _, _, err := GenerateKey(1024); err == nil {
		t.Error("1024-bit key accepted")
	}
	priv, pub, err := GenerateKey(2048)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(priv, "BEGIN PRIVATE KEY") {
		t.Error("private key not PEM encoded")
	}
	if pub == "" {
		t.Error("empty public key")
	}
}
