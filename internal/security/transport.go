// Package security guards outbound HTTP against server-side request
// forgery.
//
// The subscription fetcher follows URLs that remote panels hand back. A
// Guard resolves every target before dialing and refuses loopback, private,
// link-local and other internal ranges, both for the first request and for
// each redirect.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// dnsTimeout bounds a single resolution.
const dnsTimeout = 500 * time.Millisecond

var (
	ErrBlocked          = errors.New("ssrf: request to blocked IP range")
	ErrDNSTimeout       = errors.New("ssrf: DNS resolution timeout")
	ErrDNSFailed        = errors.New("ssrf: DNS resolution failed")
	ErrTooManyRedirects = errors.New("ssrf: too many redirects")
)

// BlockedCIDRs are never dialed.
var BlockedCIDRs = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16", // cloud metadata
	"0.0.0.0/8",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"100.64.0.0/10",
	"198.18.0.0/15",
	"fc00::/7",
	"fe80::/10",
	"::1/128",
}

// Resolver abstracts DNS for tests. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard validates destinations against BlockedCIDRs.
type Guard struct {
	nets     []*net.IPNet
	resolver Resolver
	dialer   *net.Dialer
}

// NewGuard parses BlockedCIDRs. A nil resolver uses net.DefaultResolver.
func NewGuard(resolver Resolver) *Guard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	g := &Guard{resolver: resolver, dialer: &net.Dialer{Timeout: 10 * time.Second}}
	for _, cidr := range BlockedCIDRs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("security: bad CIDR %q: %v", cidr, err))
		}
		g.nets = append(g.nets, n)
	}
	return g
}

// Blocked reports whether ip is in a blocked range.
func (g *Guard) Blocked(ip net.IP) bool {
	for _, n := range g.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// resolve returns the addresses of host, failing if any of them is
// blocked. Checking all of them defeats rebinding with mixed answers.
func (g *Guard) resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if g.Blocked(ip) {
			return nil, fmt.Errorf("%w: %s", ErrBlocked, ip)
		}
		return []net.IP{ip}, nil
	}

	dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()
	addrs, err := g.resolver.LookupIPAddr(dnsCtx, host)
	if err != nil {
		if dnsCtx.Err() != nil {
			return nil, fmt.Errorf("%w: host %q", ErrDNSTimeout, host)
		}
		return nil, fmt.Errorf("%w: host %q: %v", ErrDNSFailed, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: host %q resolved to no addresses", ErrDNSFailed, host)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if g.Blocked(a.IP) {
			return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrBlocked, a.IP, host)
		}
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// DialContext dials the first resolved address once all of them pass.
func (g *Guard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("ssrf: invalid address %q: %w", addr, err)
	}
	ips, err := g.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	return g.dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
}

// CheckRedirect is an http.Client.CheckRedirect that applies the guard to
// every hop and caps the chain at maxRedirects.
func (g *Guard) CheckRedirect(maxRedirects int) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: limit is %d", ErrTooManyRedirects, maxRedirects)
		}
		host := req.URL.Hostname()
		if host == "" {
			return fmt.Errorf("%w: redirect URL has no host", ErrBlocked)
		}
		_, err := g.resolve(req.Context(), host)
		return err
	}
}

// Client builds an http.Client whose transport dials through the guard.
func (g *Guard) Client(timeout time.Duration, maxRedirects int) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = nil
	tr.DialContext = g.DialContext
	return &http.Client{
		Transport:     tr,
		Timeout:       timeout,
		CheckRedirect: g.CheckRedirect(maxRedirects),
	}
}
