package smtpclient

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/mjl-/mxsend/dns"
)

// Target resolves the mail exchangers for one or more recipient domains.
type Target interface {
	// Resolve returns the hosts, sorted by preference, for each domain that
	// resolved. A non-nil error is returned if any domain failed.
	Resolve(ctx context.Context, elog *slog.Logger, resolver dns.Resolver) (map[dns.Domain][]HostPref, error)
	Domains() []dns.Domain
}

// NewTarget returns a SingleTarget for a single domain, and a MultiTarget for
// multiple. Duplicate domains are resolved once.
func NewTarget(domains ...dns.Domain) Target {
	if len(domains) == 1 {
		return SingleTarget{domains[0]}
	}
	m := map[dns.Domain]struct{}{}
	for _, d := range domains {
		m[d] = struct{}{}
	}
	return MultiTarget{m}
}

// SingleTarget resolves a single domain. Its error is returned as is.
type SingleTarget struct {
	Domain dns.Domain
}

func (t SingleTarget) Domains() []dns.Domain {
	return []dns.Domain{t.Domain}
}

func (t SingleTarget) Resolve(ctx context.Context, elog *slog.Logger, resolver dns.Resolver) (map[dns.Domain][]HostPref, error) {
	hosts, err := ResolveDomain(ctx, elog, resolver, t.Domain)
	if err != nil {
		return nil, err
	}
	return map[dns.Domain][]HostPref{t.Domain: hosts}, nil
}

// MultiTarget resolves a set of domains concurrently.
type MultiTarget struct {
	Set map[dns.Domain]struct{}
}

// Domains returns the domains sorted by name.
func (t MultiTarget) Domains() []dns.Domain {
	l := maps.Keys(t.Set)
	sort.Slice(l, func(i, j int) bool {
		return l[i].ASCII < l[j].ASCII
	})
	return l
}

// Resolve looks up all domains concurrently and waits for all of them. Failing
// domains don't influence others: the returned map holds the domains that
// resolved, and the error, of type DomainErrors, holds the others.
func (t MultiTarget) Resolve(ctx context.Context, elog *slog.Logger, resolver dns.Resolver) (map[dns.Domain][]HostPref, error) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	resolved := map[dns.Domain][]HostPref{}
	failed := DomainErrors{}
	for d := range t.Set {
		wg.Add(1)
		go func(d dns.Domain) {
			defer wg.Done()
			hosts, err := ResolveDomain(ctx, elog, resolver, d)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[d] = err
			} else {
				resolved[d] = hosts
			}
		}(d)
	}
	wg.Wait()
	if len(failed) > 0 {
		return resolved, failed
	}
	return resolved, nil
}

// DomainErrors holds an error per domain. errors.Is and errors.As match against
// each of the errors.
type DomainErrors map[dns.Domain]error

func (e DomainErrors) Error() string {
	domains := maps.Keys(e)
	sort.Slice(domains, func(i, j int) bool {
		return domains[i].ASCII < domains[j].ASCII
	})
	var l []string
	for _, d := range domains {
		l = append(l, fmt.Sprintf("%s: %v", d, e[d]))
	}
	return strings.Join(l, "; ")
}

func (e DomainErrors) Unwrap() []error {
	return maps.Values(e)
}
