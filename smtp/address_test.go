package smtp

import (
	"errors"
	"testing"

	"github.com/mjl-/mxsend/dns"
)

func TestParseLocalpart(t *testing.T) {
	good := func(s string) {
		t.Helper()
		_, err := ParseLocalpart(s)
		if err != nil {
			t.Fatalf("unexpected error for localpart %q: %v", s, err)
		}
	}

	bad := func(s string) {
		t.Helper()
		_, err := ParseLocalpart(s)
		if err == nil {
			t.Fatalf("did not see expected error for localpart %q", s)
		}
		if !errors.Is(err, errBadLocalpart) {
			t.Fatalf("expected errBadLocalpart, got %v", err)
		}
	}

	good("user")
	good("a")
	good("a.b.c")
	good(`""`)
	good(`"ok"`)
	good(`"a.bc"`)
	good(`"a@b"`)
	bad("")
	bad(`"`)          // missing ending dquot
	bad("\x00")       // control not allowed
	bad("\"\\")       // ending with backslash
	bad("\"\x01")     // control not allowed in dquote
	bad(`""leftover`) // leftover data after close dquote
	bad("a..b")       // empty atom
}

func TestParseAddress(t *testing.T) {
	good := func(s string, lp Localpart, domain string) {
		t.Helper()
		a, err := ParseAddress(s)
		if err != nil {
			t.Fatalf("unexpected error for address %q: %v", s, err)
		}
		if a.Localpart != lp || a.Domain.ASCII != domain {
			t.Fatalf("address %q: got %q @ %q, expected %q @ %q", s, a.Localpart, a.Domain.ASCII, lp, domain)
		}
	}

	bad := func(s string) {
		t.Helper()
		_, err := ParseAddress(s)
		if err == nil {
			t.Fatalf("did not see expected error for address %q", s)
		}
		if !errors.Is(err, ErrMalformedAddress) {
			t.Fatalf("expected ErrMalformedAddress, got %v", err)
		}
	}

	good("user@example.com", "user", "example.com")
	good("User@Example.COM", "User", "example.com")
	good(`"a@b"@example.com`, "a@b", "example.com")
	bad("user@@example.com")
	bad("user")         // missing @domain
	bad("@example.com") // missing localpart
	bad("user@")        // missing domain
	bad("user@example.com.")
	bad(`"@example.com`)          // missing ending dquot
	bad("\x00@example.com")       // control not allowed
	bad("\"\x01@example.com")     // control not allowed in dquote
	bad(`""leftover@example.com`) // leftover data after close dquot
}

func TestAddressString(t *testing.T) {
	test := func(s, expect string) {
		t.Helper()
		a, err := ParseAddress(s)
		if err != nil {
			t.Fatalf("parse address %q: %v", s, err)
		}
		if got := a.String(); got != expect {
			t.Fatalf("address %q: got %q, expected %q", s, got, expect)
		}
	}

	test("user@Example.COM", "user@example.com")
	test(`"a@b"@example.com`, `"a@b"@example.com`)
	test(`"first.last"@example.com`, "first.last@example.com")
	test("user@☺.example", "user@xn--74h.example")
}

func TestDomainOf(t *testing.T) {
	d, err := DomainOf("bob@mail.example.org")
	if err != nil {
		t.Fatalf("domain of: %v", err)
	}
	if d != (dns.Domain{ASCII: "mail.example.org"}) {
		t.Fatalf("got domain %v, expected mail.example.org", d)
	}

	if _, err := DomainOf("no-at-sign"); !errors.Is(err, ErrMalformedAddress) {
		t.Fatalf("got err %v, expected ErrMalformedAddress", err)
	}

	// Same domain for different addresses compares equal, used for grouping.
	d1, _ := DomainOf("a@EXAMPLE.org")
	d2, _ := DomainOf("b@example.org")
	if d1 != d2 {
		t.Fatalf("domains %v and %v differ", d1, d2)
	}
}

func TestPackLocalpart(t *testing.T) {
	var l = []struct {
		input, expect string
	}{
		{``, `""`},     // No atom.
		{`a.`, `"a."`}, // Empty atom not allowed.
		{`a.b`, `a.b`}, // Fine.
		{"azAZ09!#$%&'*+-/=?^_`{|}~", "azAZ09!#$%&'*+-/=?^_`{|}~"}, // All ascii that are fine as atom.
		{` `, `" "`},
		{"<>", `"<>"`},
	}

	for _, e := range l {
		r := Localpart(e.input).String()
		if r != e.expect {
			t.Fatalf("pack localpart for %q, expect %q, got %q", e.input, e.expect, r)
		}
	}
}

func TestCommands(t *testing.T) {
	check := func(got, exp string) {
		t.Helper()
		if got != exp {
			t.Fatalf("got %q, expected %q", got, exp)
		}
	}
	check(Ehlo("mail.example.org"), "EHLO mail.example.org")
	check(MailFrom("a@example.org"), "MAIL FROM:<a@example.org>")
	check(RcptTo("b@example.com"), "RCPT TO:<b@example.com>")
	check(DataBody("hello"), "hello\r\n.")
	check(Line("DATA"), "DATA\r\n")
	check(Line("DATA\r\n"), "DATA\r\n")
}
