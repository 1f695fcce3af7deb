package target

import (
	"context"
	"net"
	"testing"

	"github.com/emersion/go-smtp"

	"github.com/maildeck/maildeck/internal/smtpconn"
	"github.com/maildeck/maildeck/internal/testutils"
)

const testMsg = "From: alice@example.org\r\n" +
	"To: bob@external.com\r\n" +
	"Subject: hi\r\n" +
	"\r\n" +
	"hello\r\n"

func hostParams(addr string, rcpts ...string) HostParams {
	host, port, _ := net.SplitHostPort(addr)
	return HostParams{
		Endpoint:       smtpconn.Endpoint{Host: host, Port: port},
		EnvelopeFrom:   "alice@example.org",
		Recipients:     rcpts,
		Raw:            []byte(testMsg),
		SenderHostname: "mx.example.org",
	}
}

func TestSendToHost_Success(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:41125")
	defer srv.Close()

	p := hostParams("127.0.0.1:41125", "bob@external.com", "carol@external.com")
	p.Log = testutils.Logger(t, "target")
	results := SendToHost(context.Background(), p)

	for _, rcpt := range p.Recipients {
		if !results[rcpt].Delivered {
			t.Errorf("%s = %+v", rcpt, results[rcpt])
		}
	}
	be.CheckMsg(t, 0, "alice@example.org", []string{"bob@external.com", "carol@external.com"})
	if string(be.Messages[0].Data) != testMsg {
		t.Errorf("data = %q", be.Messages[0].Data)
	}
}

func TestSendToHost_Auth(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:41126")
	defer srv.Close()

	p := hostParams("127.0.0.1:41126", "bob@external.com")
	p.Username = "alice"
	p.Password = "secret"
	p.Log = testutils.Logger(t, "target")
	results := SendToHost(context.Background(), p)

	if !results["bob@external.com"].Delivered {
		t.Fatalf("result = %+v", results["bob@external.com"])
	}
	if be.Messages[0].AuthUser != "alice" || be.Messages[0].AuthPass != "secret" {
		t.Errorf("auth = %s/%s", be.Messages[0].AuthUser, be.Messages[0].AuthPass)
	}
}

func TestSendToHost_RcptPermanentFailure(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:41127")
	defer srv.Close()
	be.RcptErr = map[string]error{
		"bob@external.com": &smtp.SMTPError{Code: 550, Message: "no such user"},
	}

	p := hostParams("127.0.0.1:41127", "bob@external.com", "carol@external.com")
	p.Log = testutils.Logger(t, "target")
	results := SendToHost(context.Background(), p)

	bob := results["bob@external.com"]
	if bob.Delivered || bob.Retry {
		t.Errorf("bob = %+v, want permanent failure", bob)
	}
	if !results["carol@external.com"].Delivered {
		t.Errorf("carol = %+v", results["carol@external.com"])
	}
	be.CheckMsg(t, 0, "alice@example.org", []string{"carol@external.com"})
}

func TestSendToHost_RcptTemporaryFailure(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:41128")
	defer srv.Close()
	be.RcptErr = map[string]error{
		"bob@external.com": &smtp.SMTPError{Code: 451, Message: "greylisted"},
	}

	p := hostParams("127.0.0.1:41128", "bob@external.com")
	p.Log = testutils.Logger(t, "target")
	results := SendToHost(context.Background(), p)

	bob := results["bob@external.com"]
	if bob.Delivered || !bob.Retry {
		t.Errorf("bob = %+v, want retryable failure", bob)
	}
}

func TestSendToHost_ConnectFailure(t *testing.T) {
	p := hostParams("127.0.0.1:41129", "bob@external.com", "carol@external.com")
	p.Log = testutils.Logger(t, "target")
	results := SendToHost(context.Background(), p)

	for _, rcpt := range p.Recipients {
		res := results[rcpt]
		if res.Delivered || !res.Retry || res.Error == "" {
			t.Errorf("%s = %+v, want retryable network failure", rcpt, res)
		}
	}
}

func TestSendToHost_DataFailure(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:41130")
	defer srv.Close()
	be.DataErr = &smtp.SMTPError{Code: 554, Message: "content rejected"}

	p := hostParams("127.0.0.1:41130", "bob@external.com")
	p.Log = testutils.Logger(t, "target")
	results := SendToHost(context.Background(), p)

	bob := results["bob@external.com"]
	if bob.Delivered || bob.Retry {
		t.Errorf("bob = %+v, want permanent failure", bob)
	}
}

func TestSendToHost_STARTTLS(t *testing.T) {
	clientCfg, be, srv := testutils.SMTPServerSTARTTLS(t, "127.0.0.1:41131")
	defer srv.Close()

	p := hostParams("127.0.0.1:41131", "bob@external.com")
	p.TLSConfig = clientCfg
	p.Log = testutils.Logger(t, "target")
	results := SendToHost(context.Background(), p)

	if !results["bob@external.com"].Delivered {
		t.Fatalf("result = %+v", results["bob@external.com"])
	}
	if len(be.Messages) != 1 {
		t.Fatal("message not captured")
	}
}
