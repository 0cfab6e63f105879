package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
)

// guard enforces the egress policy: scheme restrictions, explicit host
// allow/deny lists, and private-network blocking. Blocking happens both
// before a request leaves (cheap string checks) and inside the dialer
// (after DNS resolution), so a hostname that resolves to a private address
// is refused even when the name itself looks public.
type guard struct {
	allowedHosts map[string]struct{}
	blockedHosts map[string]struct{}
	blockPrivate bool
	resolver     *net.Resolver
	dialTimeout  time.Duration
	keepAlive    time.Duration

	mu     sync.RWMutex
	exempt map[string]struct{}
}

func newGuard(allowed, blocked []string, blockPrivate bool) *guard {
	g := &guard{
		allowedHosts: make(map[string]struct{}, len(allowed)),
		blockedHosts: make(map[string]struct{}, len(blocked)),
		blockPrivate: blockPrivate,
		resolver:     net.DefaultResolver,
		dialTimeout:  10 * time.Second,
		keepAlive:    30 * time.Second,
		exempt:       make(map[string]struct{}),
	}
	for _, h := range allowed {
		if h = normalizeHost(h); h != "" {
			g.allowedHosts[h] = struct{}{}
		}
	}
	for _, h := range blocked {
		if h = normalizeHost(h); h != "" {
			g.blockedHosts[h] = struct{}{}
		}
	}
	return g
}

func normalizeHost(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

// AllowHost exempts a single host from the private-network block. Used when
// the operator explicitly targets an internal staging host.
func (g *guard) AllowHost(host string) {
	g.mu.Lock()
	g.exempt[normalizeHost(host)] = struct{}{}
	g.mu.Unlock()
}

func (g *guard) isExempt(host string) bool {
	g.mu.RLock()
	_, ok := g.exempt[host]
	g.mu.RUnlock()
	return ok
}

// CheckURL validates scheme and hostname before any connection is made.
func (g *guard) CheckURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return &Error{Kind: KindEgressBlocked, Op: "guard", Message: fmt.Sprintf("scheme %q not allowed", u.Scheme)}
	}
	host := normalizeHost(u.Hostname())
	if host == "" {
		return &Error{Kind: KindEgressBlocked, Op: "guard", Message: "empty host"}
	}
	if _, deny := g.blockedHosts[host]; deny {
		return &Error{Kind: KindEgressBlocked, Op: "guard", Message: fmt.Sprintf("host %q is blocklisted", host)}
	}
	if len(g.allowedHosts) > 0 {
		if _, ok := g.allowedHosts[host]; !ok {
			return &Error{Kind: KindEgressBlocked, Op: "guard", Message: fmt.Sprintf("host %q not on allowlist", host)}
		}
	}
	if g.blockPrivate {
		if ip := net.ParseIP(host); ip != nil && !g.isExempt(host) && ipBlocked(ip) {
			return &Error{Kind: KindEgressBlocked, Op: "guard", Message: fmt.Sprintf("address %s is private", ip)}
		}
	}
	return nil
}

// DialContext resolves the hostname itself, validates every candidate
// address, and dials a pinned IP. Resolving once and dialing the validated
// address closes the rebinding gap between a lookup and the connect.
func (g *guard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, &Error{Kind: KindEgressBlocked, Op: "dial", Message: fmt.Sprintf("malformed address %q", addr)}
	}
	host = normalizeHost(host)
	exempt := g.isExempt(host)

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		resolved, err := g.resolver.LookupIP(ctx, "ip", host)
		if err != nil {
			return nil, err
		}
		ips = resolved
	}

	dialer := &net.Dialer{Timeout: g.dialTimeout, KeepAlive: g.keepAlive}
	var lastErr error
	for _, ip := range ips {
		if g.blockPrivate && !exempt && ipBlocked(ip) {
			lastErr = &Error{Kind: KindEgressBlocked, Op: "dial", Message: fmt.Sprintf("host %q resolves to private address %s", host, ip)}
			continue
		}
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = &Error{Kind: KindEgressBlocked, Op: "dial", Message: fmt.Sprintf("no usable address for %q", host)}
	}
	return nil, lastErr
}

// ipBlocked reports whether an address belongs to a range scans must not
// reach: loopback, RFC 1918, link-local, CGNAT, unique-local, or
// unspecified.
func ipBlocked(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		// 100.64.0.0/10 carrier-grade NAT.
		if v4[0] == 100 && v4[1]&0xc0 == 64 {
			return true
		}
		// 192.0.0.0/24 protocol assignments, 198.18.0.0/15 benchmarking.
		if v4[0] == 192 && v4[1] == 0 && v4[2] == 0 {
			return true
		}
		if v4[0] == 198 && (v4[1] == 18 || v4[1] == 19) {
			return true
		}
		return false
	}
	// fc00::/7 unique local.
	return len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc
}
