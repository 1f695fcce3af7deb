package relay

import (
	"context"
	"testing"

	"github.com/maildeck/maildeck/internal/config"
	"github.com/maildeck/maildeck/internal/testutils"
)

const testMsg = "From: alice@example.org\r\n" +
	"To: bob@external.com\r\n" +
	"Subject: hi\r\n" +
	"\r\n" +
	"hello\r\n"

func TestDeliver(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:41150")
	defer srv.Close()

	tgt, err := New(&config.Settings{
		RelayHost:      "127.0.0.1:41150",
		RelayUsername:  "relayuser",
		RelayPassword:  "relaypass",
		SenderHostname: "mx.example.org",
	}, testutils.Logger(t, "relay"))
	if err != nil {
		t.Fatal(err)
	}

	rcpts := []string{"bob@external.com", "carol@other.net"}
	results := tgt.Deliver(context.Background(), "alice@example.org", rcpts, []byte(testMsg))

	for _, rcpt := range rcpts {
		if !results[rcpt].Delivered {
			t.Errorf("%s = %+v", rcpt, results[rcpt])
		}
	}
	// All recipients go to the relay in one transaction, regardless of
	// domain.
	be.CheckMsg(t, 0, "alice@example.org", rcpts)
	if be.Messages[0].AuthUser != "relayuser" {
		t.Errorf("auth user = %q", be.Messages[0].AuthUser)
	}
}

func TestNew_BadHost(t *testing.T) {
	if _, err := New(&config.Settings{RelayHost: "no-port"}, testutils.Logger(t, "relay")); err == nil {
		t.Error("malformed relay host accepted")
	}
}
