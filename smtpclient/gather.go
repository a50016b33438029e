package smtpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mjl-/mxsend/dns"
	"github.com/mjl-/mxsend/mlog"
)

var (
	// ErrDomainResolution is returned when the mail exchangers of a domain, or the
	// IPs of a mail exchanger, could not be found.
	ErrDomainResolution = errors.New("domain resolution failed")

	errNoMail = errors.New("domain does not accept email as indicated with single dot for mx record")
)

// HostPref is a mail exchanger for a domain, with preference from its MX record.
// Lower preference is tried first.
type HostPref struct {
	Host dns.Domain
	Pref int
}

func (hp HostPref) String() string {
	return fmt.Sprintf("%s (pref %d)", hp.Host, hp.Pref)
}

// HostIPs is a mail exchanger with the IPs it resolved to, one preference group
// when dialing.
type HostIPs struct {
	Host HostPref
	IPs  []net.IP
}

// ResolveDomain looks up the MX records for domain and returns the hosts sorted
// by preference, ascending. Hosts with the same preference keep the order of the
// DNS response.
//
// Lookup failures, domains without MX records, a null MX record (RFC 7505) and
// invalid host names all result in an error wrapping ErrDomainResolution. Domains
// without MX record are not delivered to directly.
func ResolveDomain(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, domain dns.Domain) (hosts []HostPref, rerr error) {
	log := mlog.New("smtpclient", elog)
	defer func() {
		log.Debugx("resolved domain", rerr, slog.Any("domain", domain), slog.Any("hosts", hosts))
	}()

	mxl, _, err := resolver.LookupMX(ctx, domain.Absolute())
	if dns.IsNotFound(err) {
		return nil, fmt.Errorf("%w: no mx records for %s", ErrDomainResolution, domain)
	} else if err != nil && len(mxl) == 0 {
		return nil, fmt.Errorf("%w: mx lookup for %s: %v", ErrDomainResolution, domain, err)
	} else if err != nil {
		// Invalid records are filtered out and an error returned. We keep the valid ones.
		log.Infox("mx record has some invalid records, keeping only the valid mx records", err, slog.Any("domain", domain))
	}
	if len(mxl) == 0 {
		return nil, fmt.Errorf("%w: no mx records for %s", ErrDomainResolution, domain)
	}
	if len(mxl) == 1 && mxl[0].Host == "." {
		return nil, fmt.Errorf("%w: %s: %w", ErrDomainResolution, domain, errNoMail)
	}

	for _, mx := range mxl {
		host, err := dns.ParseDomain(strings.TrimSuffix(mx.Host, "."))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid host name in mx record %q for %s: %v", ErrDomainResolution, mx.Host, domain, err)
		}
		hosts = append(hosts, HostPref{host, int(mx.Pref)})
	}
	sort.SliceStable(hosts, func(i, j int) bool {
		return hosts[i].Pref < hosts[j].Pref
	})
	return hosts, nil
}

// ResolveHost looks up the IPv4 and IPv6 addresses of host. No IPs is an error.
func ResolveHost(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, host dns.Domain) ([]net.IP, error) {
	ips, _, err := resolver.LookupIP(ctx, "ip", host.Absolute())
	if dns.IsNotFound(err) {
		return nil, fmt.Errorf("%w: no ips for %s", ErrDomainResolution, host)
	} else if err != nil {
		return nil, fmt.Errorf("%w: looking up ips for %s: %v", ErrDomainResolution, host, err)
	} else if len(ips) == 0 {
		return nil, fmt.Errorf("%w: no ips for %s", ErrDomainResolution, host)
	}
	mlog.New("smtpclient", elog).Debug("resolved host", slog.Any("host", host), slog.Any("ips", ips))
	return ips, nil
}

// GatherIPs resolves all hosts concurrently and returns their IPs in the order
// of hosts. If any lookup fails, the remaining lookups are canceled and the
// first error is returned: hosts are not isolated from each other.
func GatherIPs(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, hosts []HostPref) ([]HostIPs, error) {
	l := make([]HostIPs, len(hosts))
	g, gctx := errgroup.WithContext(ctx)
	for i, hp := range hosts {
		i, hp := i, hp
		g.Go(func() error {
			ips, err := ResolveHost(gctx, elog, resolver, hp.Host)
			if err != nil {
				return err
			}
			l[i] = HostIPs{hp, ips}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return l, nil
}
