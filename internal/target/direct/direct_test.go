package direct

import (
	"context"
	"net"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/go-mockdns"

	"github.com/maildeck/maildeck/internal/testutils"
)

const testMsg = "From: alice@example.org\r\n" +
	"To: bob@external.com\r\n" +
	"Subject: hi\r\n" +
	"\r\n" +
	"hello\r\n"

func testTarget(t *testing.T, zones map[string]mockdns.Zone, port string) *Target {
	t.Helper()
	tgt := New(&mockdns.Resolver{Zones: zones}, "mx.example.org", nil, testutils.Logger(t, "direct"))
	tgt.Port = port
	return tgt
}

func TestDeliver_SingleMX(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:41140")
	defer srv.Close()

	tgt := testTarget(t, map[string]mockdns.Zone{
		"external.com.":    {MX: []net.MX{{Host: "mx.external.com.", Pref: 10}}},
		"mx.external.com.": {A: []string{"127.0.0.1"}},
	}, "41140")

	results := tgt.Deliver(context.Background(), "alice@example.org", []string{"bob@external.com"}, []byte(testMsg))
	if !results["bob@external.com"].Delivered {
		t.Fatalf("result = %+v", results["bob@external.com"])
	}
	be.CheckMsg(t, 0, "alice@example.org", []string{"bob@external.com"})
}

func TestDeliver_FallbackToSecondMX(t *testing.T) {
	// Nothing listens on 127.0.0.2, so the primary MX fails with a network
	// error and delivery moves to the secondary.
	be, srv := testutils.SMTPServer(t, "127.0.0.1:41141")
	defer srv.Close()

	tgt := testTarget(t, map[string]mockdns.Zone{
		"external.com.": {MX: []net.MX{
			{Host: "mx2.external.com.", Pref: 20},
			{Host: "mx1.external.com.", Pref: 10},
		}},
		"mx1.external.com.": {A: []string{"127.0.0.2"}},
		"mx2.external.com.": {A: []string{"127.0.0.1"}},
	}, "41141")

	results := tgt.Deliver(context.Background(), "alice@example.org", []string{"bob@external.com"}, []byte(testMsg))
	if !results["bob@external.com"].Delivered {
		t.Fatalf("result = %+v", results["bob@external.com"])
	}
	be.CheckMsg(t, 0, "alice@example.org", []string{"bob@external.com"})
}

func TestDeliver_TempRcptErrorRetriedOnNextMX(t *testing.T) {
	primaryBE, primary := testutils.SMTPServer(t, "127.0.0.2:41142")
	defer primary.Close()
	secondaryBE, secondary := testutils.SMTPServer(t, "127.0.0.1:41142")
	defer secondary.Close()

	primaryBE.RcptErr = map[string]error{
		"bob@external.com": &smtp.SMTPError{Code: 451, Message: "greylisted"},
	}

	tgt := testTarget(t, map[string]mockdns.Zone{
		"external.com.": {MX: []net.MX{
			{Host: "mx1.external.com.", Pref: 10},
			{Host: "mx2.external.com.", Pref: 20},
		}},
		"mx1.external.com.": {A: []string{"127.0.0.2"}},
		"mx2.external.com.": {A: []string{"127.0.0.1"}},
	}, "41142")

	results := tgt.Deliver(context.Background(), "alice@example.org",
		[]string{"bob@external.com", "carol@external.com"}, []byte(testMsg))

	if !results["bob@external.com"].Delivered {
		t.Errorf("bob = %+v, want delivered via fallback MX", results["bob@external.com"])
	}
	if !results["carol@external.com"].Delivered {
		t.Errorf("carol = %+v", results["carol@external.com"])
	}

	// Carol delivered on the primary, only bob moved on.
	primaryBE.CheckMsg(t, 0, "alice@example.org", []string{"carol@external.com"})
	secondaryBE.CheckMsg(t, 0, "alice@example.org", []string{"bob@external.com"})
}

func TestDeliver_PermanentRcptErrorNotRetried(t *testing.T) {
	primaryBE, primary := testutils.SMTPServer(t, "127.0.0.2:41143")
	defer primary.Close()
	secondaryBE, secondary := testutils.SMTPServer(t, "127.0.0.1:41143")
	defer secondary.Close()

	primaryBE.RcptErr = map[string]error{
		"bob@external.com": &smtp.SMTPError{Code: 550, Message: "no such user"},
	}

	tgt := testTarget(t, map[string]mockdns.Zone{
		"external.com.": {MX: []net.MX{
			{Host: "mx1.external.com.", Pref: 10},
			{Host: "mx2.external.com.", Pref: 20},
		}},
		"mx1.external.com.": {A: []string{"127.0.0.2"}},
		"mx2.external.com.": {A: []string{"127.0.0.1"}},
	}, "41143")

	results := tgt.Deliver(context.Background(), "alice@example.org",
		[]string{"bob@external.com"}, []byte(testMsg))

	bob := results["bob@external.com"]
	if bob.Delivered || bob.Retry {
		t.Errorf("bob = %+v, want final failure", bob)
	}
	if secondaryBE.SessionCounter != 0 {
		t.Error("permanent failure was retried on the next MX")
	}
}

func TestDeliver_NoMXFallsBackToA(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:41144")
	defer srv.Close()

	tgt := testTarget(t, map[string]mockdns.Zone{
		"external.com.": {A: []string{"127.0.0.1"}},
	}, "41144")

	results := tgt.Deliver(context.Background(), "alice@example.org", []string{"bob@external.com"}, []byte(testMsg))
	if !results["bob@external.com"].Delivered {
		t.Fatalf("result = %+v", results["bob@external.com"])
	}
	be.CheckMsg(t, 0, "alice@example.org", []string{"bob@external.com"})
}

func TestDeliver_NoMXNoA(t *testing.T) {
	tgt := testTarget(t, map[string]mockdns.Zone{}, "41145")

	results := tgt.Deliver(context.Background(), "alice@example.org", []string{"bob@external.com"}, []byte(testMsg))
	bob := results["bob@external.com"]
	if bob.Delivered || !bob.Retry {
		t.Errorf("bob = %+v, want retryable failure", bob)
	}
}

func TestDeliver_MXWithoutAddressSkipped(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:41146")
	defer srv.Close()

	tgt := testTarget(t, map[string]mockdns.Zone{
		"external.com.": {MX: []net.MX{
			{Host: "ghost.external.com.", Pref: 10},
			{Host: "mx.external.com.", Pref: 20},
		}},
		"mx.external.com.": {A: []string{"127.0.0.1"}},
	}, "41146")

	results := tgt.Deliver(context.Background(), "alice@example.org", []string{"bob@external.com"}, []byte(testMsg))
	if !results["bob@external.com"].Delivered {
		t.Fatalf("result = %+v", results["bob@external.com"])
	}
	be.CheckMsg(t, 0, "alice@example.org", []string{"bob@external.com"})
}

func TestDeliver_MalformedRecipient(t *testing.T) {
	tgt := testTarget(t, map[string]mockdns.Zone{}, "41147")
	results := tgt.Deliver(context.Background(), "alice@example.org", []string{"not-an-address"}, []byte(testMsg))
	res := results["not-an-address"]
	if res.Delivered || res.Retry {
		t.Errorf("result = %+v, want final failure", res)
	}
}

func TestPickProxy_RoundRobin(t *testing.T) {
	tgt := New(&mockdns.Resolver{}, "mx.example.org",
		[]string{"socks5://p1:1080", "socks5://p2:1080"}, testutils.Logger(t, "direct"))

	got := []string{tgt.pickProxy(), tgt.pickProxy(), tgt.pickProxy()}
	want := []string{"socks5://p1:1080", "socks5://p2:1080", "socks5://p1:1080"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pick %d = %s, want %s", i, got[i], want[i])
		}
	}
}
