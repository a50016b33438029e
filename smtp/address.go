package smtp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mjl-/mxsend/dns"
)

// ErrMalformedAddress is returned for addresses without an "@", or with an
// invalid local part or domain.
var ErrMalformedAddress = errors.New("malformed email address")

// Localpart is a decoded local part of an email address, before the "@".
// For quoted strings, values do not hold the double quote or escaping backslashes.
type Localpart string

// String returns a packed representation of an address, with proper escaping/quoting, for use in SMTP.
func (lp Localpart) String() string {
	// First we try as dot-string. If not possible we make a quoted-string.
	dotstr := true
	t := strings.Split(string(lp), ".")
	for _, e := range t {
		for _, c := range e {
			if isatext(c) {
				continue
			}
			dotstr = false
			break
		}
		dotstr = dotstr && len(e) > 0
	}
	dotstr = dotstr && len(t) > 0
	if dotstr {
		return string(lp)
	}

	r := `"`
	for _, b := range lp {
		if b == '"' || b == '\\' {
			r += "\\" + string(b)
		} else {
			r += string(b)
		}
	}
	r += `"`
	return r
}

// Address is a parsed email address.
type Address struct {
	Localpart Localpart
	Domain    dns.Domain
}

// String returns the address packed for use in SMTP commands, with the local
// part quoted if needed and the ASCII form of the domain.
func (a Address) String() string {
	return a.Localpart.String() + "@" + a.Domain.ASCII
}

// ParseAddress parses an email address. UTF-8 is allowed.
// The domain is the part after the last "@", so a quoted local part can hold
// an "@". Returns ErrMalformedAddress for invalid addresses.
func ParseAddress(s string) (Address, error) {
	i := strings.LastIndex(s, "@")
	if i < 0 {
		return Address{}, fmt.Errorf("%w: missing @ in %q", ErrMalformedAddress, s)
	}
	lp, err := ParseLocalpart(s[:i])
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s", ErrMalformedAddress, err)
	}
	d, err := dns.ParseDomain(s[i+1:])
	if err != nil {
		return Address{}, fmt.Errorf("%w: domain: %s", ErrMalformedAddress, err)
	}
	return Address{lp, d}, nil
}

// DomainOf returns the domain of an email address. Only the part after the
// last "@" is interpreted as domain, but the local part must be valid too.
func DomainOf(address string) (dns.Domain, error) {
	a, err := ParseAddress(address)
	if err != nil {
		return dns.Domain{}, err
	}
	return a.Domain, nil
}

var errBadLocalpart = errors.New("invalid localpart")

// ParseLocalpart parses the local part, a dot-string or quoted-string.
// UTF-8 is allowed.
func ParseLocalpart(s string) (localpart Localpart, err error) {
	p := &parser{s, 0}

	defer func() {
		x := recover()
		if x == nil {
			return
		}
		e, ok := x.(error)
		if !ok {
			panic(x)
		}
		err = fmt.Errorf("%w: %s", errBadLocalpart, e)
	}()

	lp := p.xlocalpart()
	if !p.empty() {
		p.xerrorf("remaining after localpart: %q", p.remainder())
	}
	return lp, nil
}

type parser struct {
	s string
	o int
}

func (p *parser) xerrorf(format string, args ...any) {
	panic(fmt.Errorf(format, args...))
}

func (p *parser) hasPrefix(s string) bool {
	return strings.HasPrefix(p.s[p.o:], s)
}

func (p *parser) take(s string) bool {
	if p.hasPrefix(s) {
		p.o += len(s)
		return true
	}
	return false
}

func (p *parser) xtake(s string) {
	if !p.take(s) {
		p.xerrorf("expected %q", s)
	}
}

func (p *parser) empty() bool {
	return p.o == len(p.s)
}

func (p *parser) xtaken(n int) string {
	r := p.s[p.o : p.o+n]
	p.o += n
	return r
}

func (p *parser) remainder() string {
	r := p.s[p.o:]
	p.o = len(p.s)
	return r
}

func (p *parser) xlocalpart() Localpart {
	var s string
	if p.hasPrefix(`"`) {
		s = p.xquotedString()
	} else {
		s = p.xatom()
		for p.take(".") {
			s += "." + p.xatom()
		}
	}
	// In the wild, some services use large localparts for generated (bounce) addresses.
	if len(s) > 128 {
		p.xerrorf("localpart longer than 128 octets")
	}
	return Localpart(s)
}

func (p *parser) xquotedString() string {
	p.xtake(`"`)
	var s string
	var esc bool
	for {
		c := p.xchar()
		if esc {
			if c >= ' ' && c < 0x7f {
				s += string(c)
				esc = false
				continue
			}
			p.xerrorf("bad escaped char %c", c)
		}
		if c == '\\' {
			esc = true
			continue
		}
		if c == '"' {
			return s
		}
		if c >= ' ' && c < 0x7f || c > 0x7f {
			s += string(c)
			continue
		}
		p.xerrorf("invalid character %c", c)
	}
}

func (p *parser) xchar() rune {
	// We are careful to track invalid utf-8 properly.
	if p.empty() {
		p.xerrorf("need another character")
	}
	var r rune
	var o int
	for i, c := range p.s[p.o:] {
		if i > 0 {
			o = i
			break
		}
		r = c
	}
	if o == 0 {
		p.o = len(p.s)
	} else {
		p.o += o
	}
	return r
}

func (p *parser) xatom() string {
	if p.empty() {
		p.xerrorf("need at least one char for atom")
	}
	for i, c := range p.s[p.o:] {
		if !isatext(c) {
			if i == 0 {
				p.xerrorf("expected at least one char for atom, got char %c", c)
			}
			return p.xtaken(i)
		}
	}
	return p.remainder()
}

func isatext(c rune) bool {
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '/', '=', '?', '^', '_', '`', '{', '|', '}', '~':
		return true
	}
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c > 0x7f
}
