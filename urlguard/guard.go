// Package urlguard validates externally-supplied URLs before any outbound
// fetch, to prevent server-side request forgery. A URL passes only when its
// host appears on an explicit allow-list (exact match or proper subdomain)
// and every address it resolves to is publicly routable, unless a
// narrowly-scoped development exception applies.
package urlguard

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/reelpipe/reelpipe"
)

// Resolver looks up the IP addresses for a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// Options configures a Guard.
type Options struct {
	// AllowedHosts is the outbound allow-list. An entry matches the exact
	// host or any of its proper subdomains. "example.com" allows
	// "example.com" and "cdn.example.com" but never "evilexample.com".
	AllowedHosts []string

	// AllowPrivate permits URLs resolving to private, loopback, or
	// link-local addresses. Intended only for development and tests.
	AllowPrivate bool

	// Resolver overrides DNS resolution. Defaults to net.DefaultResolver.
	Resolver Resolver
}

// Option is a functional option for a Guard.
type Option func(*Options)

// WithAllowedHosts sets the outbound host allow-list.
func WithAllowedHosts(hosts ...string) Option {
	return func(o *Options) { o.AllowedHosts = append(o.AllowedHosts, hosts...) }
}

// WithAllowPrivate permits non-public addresses. Development/test only.
func WithAllowPrivate() Option {
	return func(o *Options) { o.AllowPrivate = true }
}

// WithResolver overrides DNS resolution (used by tests).
func WithResolver(r Resolver) Option {
	return func(o *Options) { o.Resolver = r }
}

// Guard checks outbound URLs against the allow-list and address policy.
type Guard struct {
	opts Options
}

// New creates a Guard.
func New(opts ...Option) *Guard {
	o := Options{Resolver: net.DefaultResolver}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Resolver == nil {
		o.Resolver = net.DefaultResolver
	}
	return &Guard{opts: o}
}

// Check validates rawURL and returns the parsed URL when it is safe to
// fetch. Every violation returns an error wrapping ErrHostBlocked with the
// precise reason.
func (g *Guard) Check(ctx context.Context, rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("urlguard: parse %q: %w", rawURL, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("urlguard: scheme %q not allowed: %w", u.Scheme, reelpipe.ErrHostBlocked)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("urlguard: empty host: %w", reelpipe.ErrHostBlocked)
	}

	if !g.hostAllowed(host) {
		return nil, fmt.Errorf("urlguard: host %q not on allow-list: %w", host, reelpipe.ErrHostBlocked)
	}

	// A literal IP skips DNS but still gets classified.
	if ip := net.ParseIP(host); ip != nil {
		if err := g.checkIP(host, ip); err != nil {
			return nil, err
		}
		return u, nil
	}

	ips, err := g.opts.Resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("urlguard: resolve %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("urlguard: host %q resolves to no addresses: %w", host, reelpipe.ErrHostBlocked)
	}

	// Every resolved address must pass; one private A record is enough to
	// reach internal networks.
	for _, ip := range ips {
		if err := g.checkIP(host, ip); err != nil {
			return nil, err
		}
	}

	return u, nil
}

// hostAllowed reports whether host matches the allow-list exactly or as a
// proper subdomain. Suffix lookalikes ("evilexample.com" vs "example.com")
// never match because subdomains require a dot boundary.
func (g *Guard) hostAllowed(host string) bool {
	if len(g.opts.AllowedHosts) == 0 {
		return g.opts.AllowPrivate // dev exception: no list configured
	}

	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, allowed := range g.opts.AllowedHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func (g *Guard) checkIP(host string, ip net.IP) error {
	if g.opts.AllowPrivate {
		return nil
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("urlguard: host %q resolves to non-public address %s: %w",
			host, ip, reelpipe.ErrHostBlocked)
	}
	return nil
}
