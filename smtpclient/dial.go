package smtpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/mjl-/mxsend/dns"
	"github.com/mjl-/mxsend/mlog"
	"github.com/mjl-/mxsend/moxio"
	"github.com/mjl-/mxsend/smtp"
	"github.com/mjl-/mxsend/stub"
)

var (
	MetricDial stub.HistogramVec = stub.HistogramVecIgnore{}
)

// ErrNoReachablePeer is returned when no IP of any mail exchanger of a domain
// could be connected to.
var ErrNoReachablePeer = errors.New("no reachable mail exchanger")

// Dialer is used to dial mail servers, an interface to facilitate testing.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (c net.Conn, err error)
}

func dial(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error) {
	// If this is a net.Dialer, use its settings and add the timeout.
	// This is the typical case, but tests and proxies can use a different dialer.
	if d, ok := dialer.(*net.Dialer); ok {
		nd := *d
		nd.Timeout = timeout
		return nd.DialContext(ctx, "tcp", addr)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// Dial connects to one of the mail exchangers of domain and sends the EHLO
// greeting for ehloHostname.
//
// Groups are tried in order, and the IPs of a group in order. A failure to
// connect to an IP, or to write the greeting, is logged and the next IP is
// tried. When all IPs of a group have failed, the next group is tried. If no IP
// of any group can be reached, an error wrapping ErrNoReachablePeer and the last
// connection error is returned.
//
// The response to EHLO is not read.
func Dial(ctx context.Context, elog *slog.Logger, dialer Dialer, domain dns.Domain, groups []HostIPs, port int, timeout time.Duration, ehloHostname dns.Domain) (conn net.Conn, ip net.IP, rerr error) {
	log := mlog.New("smtpclient", elog).With(slog.Any("domain", domain))
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	var lastErr error
	var attempts int
	for _, g := range groups {
		for _, ip := range g.IPs {
			attempts++
			addr := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))
			log.Debug("dialing host", slog.Any("host", g.Host), slog.String("addr", addr))
			start := time.Now()
			conn, err := dial(ctx, dialer, timeout, addr)
			if err == nil {
				err = greet(conn, ehloHostname)
				if err != nil {
					conn.Close()
				}
			}
			if err == nil {
				MetricDial.ObserveLabels(float64(time.Since(start))/float64(time.Second), "ok")
				log.Debug("connected to host", slog.Any("host", g.Host), slog.String("addr", addr))
				return conn, ip, nil
			}
			MetricDial.ObserveLabels(float64(time.Since(start))/float64(time.Second), "error")
			log.Debugx("connection attempt", err, slog.Any("host", g.Host), slog.String("addr", addr))
			lastErr = err
			if ctx.Err() != nil {
				return nil, nil, fmt.Errorf("%w: %s: %w", ErrNoReachablePeer, domain, ctx.Err())
			}
		}
		log.Debug("all ips for host failed, trying next host", slog.Any("host", g.Host))
	}
	if lastErr == nil {
		return nil, nil, fmt.Errorf("%w: %s: no ips to dial", ErrNoReachablePeer, domain)
	}
	return nil, nil, fmt.Errorf("%w: %s: %d attempts, last error: %w", ErrNoReachablePeer, domain, attempts, lastErr)
}

// greet writes the EHLO command, recorded in MetricCommands like the commands of
// Client. Its response is not read.
func greet(conn net.Conn, ehloHostname dns.Domain) (rerr error) {
	cmd := smtp.Ehlo(ehloHostname.ASCII)
	start := time.Now()
	defer func() {
		result := "ok"
		if rerr != nil {
			result = "error"
			if moxio.IsTimeout(rerr) {
				result = "timeout"
			}
		}
		MetricCommands.ObserveLabels(float64(time.Since(start))/float64(time.Second), commandName(cmd), result)
	}()

	if err := WritePayload(conn, cmd); err != nil {
		return fmt.Errorf("writing ehlo: %w", err)
	}
	return nil
}
