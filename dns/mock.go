package dns

import (
	"context"
	"net"
	"slices"

	"github.com/mjl-/adns"
)

// MockResolver is a Resolver used for testing.
// Set DNS records in the fields, which map FQDNs (with trailing dot) to values.
type MockResolver struct {
	A     map[string][]string
	AAAA  map[string][]string
	MX    map[string][]*net.MX
	CNAME map[string]string
	Fail  []string // Records of the form "type name", e.g. "mx example.com." or "ip mx.example.com.", that will return a servfail.
}

type mockReq struct {
	Type string // "mx" or "ip".
	Name string
}

func (mr mockReq) String() string {
	return mr.Type + " " + mr.Name
}

var _ Resolver = MockResolver{}

// result follows CNAMEs and returns the final name, or an error for failing or
// canceled requests.
func (r MockResolver) result(ctx context.Context, mr mockReq) (string, adns.Result, error) {
	if err := ctx.Err(); err != nil {
		return "", adns.Result{}, err
	}

	seen := map[string]bool{}
	for {
		if slices.Contains(r.Fail, mr.String()) {
			return mr.Name, adns.Result{}, r.servfail(mr.Name)
		}
		cname, ok := r.CNAME[mr.Name]
		if !ok || seen[mr.Name] {
			break
		}
		seen[mr.Name] = true
		mr.Name = cname
	}
	return mr.Name, adns.Result{}, nil
}

func (r MockResolver) nxdomain(s string) error {
	return &adns.DNSError{
		Err:        "no record",
		Name:       s,
		Server:     "mock",
		IsNotFound: true,
	}
}

func (r MockResolver) servfail(s string) error {
	return &adns.DNSError{
		Err:         "temp error",
		Name:        s,
		Server:      "mock",
		IsTemporary: true,
	}
}

func (r MockResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error) {
	mr := mockReq{"ip", host}
	name, result, err := r.result(ctx, mr)
	if err != nil {
		return nil, result, err
	}
	var ips []net.IP
	switch network {
	case "ip", "ip4":
		for _, ip := range r.A[name] {
			ips = append(ips, net.ParseIP(ip))
		}
	}
	switch network {
	case "ip", "ip6":
		for _, ip := range r.AAAA[name] {
			ips = append(ips, net.ParseIP(ip))
		}
	}
	if len(ips) == 0 {
		return nil, result, r.nxdomain(host)
	}
	return ips, result, nil
}

func (r MockResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error) {
	mr := mockReq{"mx", name}
	name, result, err := r.result(ctx, mr)
	if err != nil {
		return nil, result, err
	}
	l, ok := r.MX[name]
	if !ok {
		return nil, result, r.nxdomain(name)
	}
	return l, result, nil
}
