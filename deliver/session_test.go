package deliver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/mxsend/dns"
	"github.com/mjl-/mxsend/echo"
	"github.com/mjl-/mxsend/mlog"
	"github.com/mjl-/mxsend/smtp"
	"github.com/mjl-/mxsend/smtpclient"
)

// refusingDialer refuses connections to 10.0.0.0/8, and dials others.
type refusingDialer struct {
	net.Dialer
}

func (d *refusingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if strings.HasPrefix(addr, "10.") {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}
	return d.Dialer.DialContext(ctx, network, addr)
}

// testResolver has mail exchangers on 127.0.0.1 for a.example and b.example.
// For c.example, only the second preference host is reachable.
func testResolver() dns.MockResolver {
	return dns.MockResolver{
		MX: map[string][]*net.MX{
			"a.example.":           {{Host: "mx.a.example.", Pref: 10}},
			"b.example.":           {{Host: "mx.b.example.", Pref: 10}},
			"c.example.":           {{Host: "mx2.c.example.", Pref: 20}, {Host: "mx1.c.example.", Pref: 10}},
			"unreachable.example.": {{Host: "mx.unreachable.example.", Pref: 10}},
			"noip.example.":        {{Host: "mx.noip.example.", Pref: 10}},
		},
		A: map[string][]string{
			"mx.a.example.":           {"127.0.0.1"},
			"mx.b.example.":           {"127.0.0.1"},
			"mx1.c.example.":          {"10.0.0.1", "10.0.0.2"},
			"mx2.c.example.":          {"127.0.0.1"},
			"mx.unreachable.example.": {"10.0.0.3"},
		},
	}
}

func testOptions(t *testing.T, addr net.Addr) Options {
	t.Helper()
	return Options{
		Resolver:    testResolver(),
		Dialer:      &refusingDialer{},
		Hostname:    domain("client.example"),
		Port:        addr.(*net.TCPAddr).Port,
		DialTimeout: 5 * time.Second,
		IOTimeout:   5 * time.Second,
	}
}

func startEcho(t *testing.T) *echo.Server {
	t.Helper()
	log := mlog.New("echo", nil)
	srv, err := echo.Listen(log.Logger, "127.0.0.1", 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(context.Background())
	return srv
}

func TestOpen(t *testing.T) {
	ctxbg := context.Background()
	log := mlog.New("deliver", nil)

	srv := startEcho(t)
	defer srv.Terminate()
	opts := testOptions(t, srv.Addr())

	rcpts := []string{"x@a.example", "y@b.example", "z@c.example", "w@a.example", "v@absent.example", "u@unreachable.example", "t@noip.example"}
	sess, err := Open(ctxbg, log.Logger, opts, rcpts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()

	expDomains := []dns.Domain{domain("a.example"), domain("b.example"), domain("c.example")}
	if got := sess.Domains(); !reflect.DeepEqual(got, expDomains) {
		t.Fatalf("connected domains: got %v, expected %v", got, expDomains)
	}
	for _, d := range expDomains {
		if _, ok := sess.Conn(d); !ok {
			t.Fatalf("no connection for %s", d)
		}
	}

	if len(sess.Failures) != 3 {
		t.Fatalf("failures: got %v, expected 3", sess.Failures)
	}
	if err := sess.Failures[domain("absent.example")]; !errors.Is(err, smtpclient.ErrDomainResolution) {
		t.Fatalf("absent domain: got %v, expected ErrDomainResolution", err)
	}
	if err := sess.Failures[domain("noip.example")]; !errors.Is(err, smtpclient.ErrDomainResolution) {
		t.Fatalf("domain without ips: got %v, expected ErrDomainResolution", err)
	}
	if err := sess.Failures[domain("unreachable.example")]; !errors.Is(err, smtpclient.ErrNoReachablePeer) {
		t.Fatalf("unreachable domain: got %v, expected ErrNoReachablePeer", err)
	}

	// Connections were greeted, the echo server sends our EHLO back.
	conn, _ := sess.Conn(domain("c.example"))
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil || string(buf[:n]) != "EHLO client.example\r\n" {
		t.Fatalf("reading echoed greeting: got %q, %v", buf[:n], err)
	}

	// After close, connections cannot be used anymore.
	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := conn.Write([]byte("MAIL FROM:<a@example.org>\r\n")); err == nil {
		t.Fatalf("write after close succeeded")
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestOpenSingle(t *testing.T) {
	ctxbg := context.Background()

	srv := startEcho(t)
	defer srv.Terminate()
	opts := testOptions(t, srv.Addr())

	sess, err := Open(ctxbg, nil, opts, []string{"x@a.example"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()
	if len(sess.Domains()) != 1 || len(sess.Failures) != 0 {
		t.Fatalf("got domains %v, failures %v", sess.Domains(), sess.Failures)
	}

	sess2, err := Open(ctxbg, nil, opts, []string{"x@absent.example"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess2.Close()
	if len(sess2.Domains()) != 0 || !errors.Is(sess2.Failures[domain("absent.example")], smtpclient.ErrDomainResolution) {
		t.Fatalf("got domains %v, failures %v", sess2.Domains(), sess2.Failures)
	}

	// Malformed address fails before anything is resolved.
	_, err = Open(ctxbg, nil, opts, []string{"x@a.example", "bogus"})
	if !errors.Is(err, smtp.ErrMalformedAddress) {
		t.Fatalf("open with malformed address: got %v, expected ErrMalformedAddress", err)
	}

	sess3, err := Open(ctxbg, nil, opts, nil)
	if err != nil || len(sess3.Domains()) != 0 {
		t.Fatalf("open without recipients: got %v %v", sess3, err)
	}
	sess3.Close()
}
