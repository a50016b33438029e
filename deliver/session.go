package deliver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/mjl-/mxsend/dns"
	"github.com/mjl-/mxsend/mlog"
	"github.com/mjl-/mxsend/smtp"
	"github.com/mjl-/mxsend/smtpclient"
	"github.com/mjl-/mxsend/stub"
)

var (
	MetricConnect stub.CounterVec = stub.CounterVecIgnore{}
)

// Options configure resolving, connecting and running transactions.
type Options struct {
	// Resolver for MX and IP lookups. Required.
	Resolver dns.Resolver

	// For dialing mail exchangers. If nil, a net.Dialer is used.
	Dialer smtpclient.Dialer

	// Our host name, sent in EHLO.
	Hostname dns.Domain

	// Port to connect to on mail exchangers, 25 if zero.
	Port int

	// If > 0, timeout for each connection attempt.
	DialTimeout time.Duration

	// If > 0, deadline for each command and its response.
	IOTimeout time.Duration

	// Maximum size of a response read after each command. Defaults to
	// smtpclient.DefaultResponseBufferSize.
	ResponseBufferSize int
}

func (o Options) port() int {
	if o.Port == 0 {
		return 25
	}
	return o.Port
}

// Registry gives the connection for a domain.
type Registry interface {
	Conn(domain dns.Domain) (net.Conn, bool)
}

// Session holds one connection per recipient domain, for the lifetime of a
// batch of deliveries. Connections are set up once by Open, after which the
// session is only read, until Close.
type Session struct {
	log mlog.Log

	conns map[dns.Domain]net.Conn

	// Domains for which no connection could be made, with the reason. Either a
	// resolution error wrapping smtpclient.ErrDomainResolution, or a connection
	// error wrapping smtpclient.ErrNoReachablePeer.
	Failures map[dns.Domain]error

	closeOnce sync.Once
	closeErr  error
}

var _ Registry = (*Session)(nil)

// Open resolves the mail exchangers for the domains of recipients, and connects
// to one mail exchanger for each domain. Domains are handled concurrently, and
// a failing domain does not influence the others: its error is recorded in
// Failures. The only error returned is for a malformed recipient address, in
// which case nothing is resolved.
//
// The returned session must be closed by the caller, also when no domain could
// be connected to.
func Open(ctx context.Context, elog *slog.Logger, opts Options, recipients []string) (*Session, error) {
	log := mlog.New("deliver", elog).WithContext(ctx)

	var domains []dns.Domain
	for _, rcpt := range recipients {
		d, err := smtp.DomainOf(rcpt)
		if err != nil {
			return nil, fmt.Errorf("recipient %q: %w", rcpt, err)
		}
		domains = append(domains, d)
	}

	s := &Session{
		log:      log,
		conns:    map[dns.Domain]net.Conn{},
		Failures: map[dns.Domain]error{},
	}
	if len(domains) == 0 {
		return s, nil
	}

	target := smtpclient.NewTarget(domains...)
	resolved, err := target.Resolve(ctx, log.Logger, opts.Resolver)
	var derrs smtpclient.DomainErrors
	if errors.As(err, &derrs) {
		maps.Copy(s.Failures, derrs)
	} else if err != nil {
		for _, d := range target.Domains() {
			s.Failures[d] = err
		}
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for d, hosts := range resolved {
		wg.Add(1)
		go func(d dns.Domain, hosts []smtpclient.HostPref) {
			defer wg.Done()
			conn, err := connect(ctx, log, opts, d, hosts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.Failures[d] = err
			} else {
				s.conns[d] = conn
			}
		}(d, hosts)
	}
	wg.Wait()

	for d, err := range s.Failures {
		MetricConnect.IncLabels("failed")
		log.Errorx("no connection for domain", err, slog.Any("domain", d))
	}
	for d := range s.conns {
		MetricConnect.IncLabels("ok")
		log.Info("connected for domain", slog.Any("domain", d))
	}
	return s, nil
}

// connect looks up the IPs of all hosts of domain and dials them in order of
// preference.
func connect(ctx context.Context, log mlog.Log, opts Options, d dns.Domain, hosts []smtpclient.HostPref) (net.Conn, error) {
	groups, err := smtpclient.GatherIPs(ctx, log.Logger, opts.Resolver, hosts)
	if err != nil {
		return nil, err
	}
	conn, ip, err := smtpclient.Dial(ctx, log.Logger, opts.Dialer, d, groups, opts.port(), opts.DialTimeout, opts.Hostname)
	if err != nil {
		return nil, err
	}
	log.Debug("dialed mail exchanger", slog.Any("domain", d), slog.Any("ip", ip))
	return conn, nil
}

// Conn returns the connection for domain.
func (s *Session) Conn(domain dns.Domain) (net.Conn, bool) {
	conn, ok := s.conns[domain]
	return conn, ok
}

// Domains returns the domains with a connection, sorted by name.
func (s *Session) Domains() []dns.Domain {
	l := maps.Keys(s.conns)
	sort.Slice(l, func(i, j int) bool {
		return l[i].ASCII < l[j].ASCII
	})
	return l
}

// domainOf returns the domain conn was made for.
func (s *Session) domainOf(conn net.Conn) (dns.Domain, bool) {
	for d, c := range s.conns {
		if c == conn {
			return d, true
		}
	}
	return dns.Domain{}, false
}

// Close closes all connections. Only the first call closes, later calls return
// the same result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for d, conn := range s.conns {
			err := conn.Close()
			s.log.Check(err, "closing connection", slog.Any("domain", d))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", d, err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
