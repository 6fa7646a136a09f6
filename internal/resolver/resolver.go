// Package resolver turns a configured hostname, URL, or literal IP into a
// device address.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nanogrid-air/internal/meter"
)

// DefaultHost is the hostname the Nanogrid Air announces on the local network.
const DefaultHost = "ctek-ng-air.local"

// Kind classifies a resolution failure.
type Kind int

const (
	// NameNotFound means the name lookup produced no usable address.
	NameNotFound Kind = iota + 1
)

func (k Kind) String() string {
	switch k {
	case NameNotFound:
		return "name_not_found"
	default:
		return "unknown"
	}
}

// ErrNameNotFound matches any *Error of kind NameNotFound via errors.Is.
var ErrNameNotFound = &Error{Kind: NameNotFound}

// Error is returned when a hint cannot be resolved.
type Error struct {
	Kind Kind
	Name string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %q: %s: %v", e.Name, e.Kind, e.Err)
	}
	return fmt.Sprintf("resolve %q: %s", e.Name, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, ErrNameNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// LookupFunc resolves a hostname to IP strings. net.Resolver.LookupHost fits.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// Resolver resolves hints. The zero value uses net.DefaultResolver and DefaultHost.
type Resolver struct {
	Lookup      LookupFunc
	DefaultHost string
	Timeout     time.Duration
	now         func() time.Time
}

// New returns a Resolver using the system resolver.
func New(defaultHost string, timeout time.Duration) *Resolver {
	return &Resolver{
		Lookup:      net.DefaultResolver.LookupHost,
		DefaultHost: defaultHost,
		Timeout:     timeout,
	}
}

// Resolve turns hint into an address. A literal IP is accepted without a
// network lookup; an empty hint resolves the default hostname.
func (r *Resolver) Resolve(ctx context.Context, hint string) (meter.Address, error) {
	host, port, err := SplitHint(hint)
	if err != nil {
		return meter.Address{}, &Error{Kind: NameNotFound, Name: hint, Err: err}
	}
	if host == "" {
		host = r.defaultHost()
	}

	now := r.clock()
	if ip := net.ParseIP(host); ip != nil {
		return meter.Address{Host: ip.String(), Port: port, ResolvedAt: now}, nil
	}

	lookup := r.Lookup
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	addrs, err := lookup(ctx, host)
	if err != nil {
		return meter.Address{}, &Error{Kind: NameNotFound, Name: host, Err: err}
	}
	ip := pickAddr(addrs)
	if ip == "" {
		return meter.Address{}, &Error{Kind: NameNotFound, Name: host, Err: errors.New("no addresses")}
	}
	return meter.Address{Host: ip, Port: port, ResolvedAt: now}, nil
}

func (r *Resolver) defaultHost() string {
	if r.DefaultHost != "" {
		return r.DefaultHost
	}
	return DefaultHost
}

func (r *Resolver) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// pickAddr prefers IPv4, which is what the device serves on.
func pickAddr(addrs []string) string {
	var fallback string
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		if ip.To4() != nil {
			return ip.String()
		}
		if fallback == "" {
			fallback = ip.String()
		}
	}
	return fallback
}

// SplitHint extracts host and port from a bare host, host:port, or URL such
// as "http://192.168.1.50/meter/". Port is 0 when absent.
func SplitHint(hint string) (host string, port int, err error) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return "", 0, nil
	}
	if strings.Contains(hint, "://") {
		u, err := url.Parse(hint)
		if err != nil {
			return "", 0, fmt.Errorf("parse url: %w", err)
		}
		if u.Hostname() == "" {
			return "", 0, fmt.Errorf("url %q has no host", hint)
		}
		return u.Hostname(), parsePort(u.Port()), nil
	}
	if h, p, err := net.SplitHostPort(hint); err == nil {
		return strings.Trim(h, "[]"), parsePort(p), nil
	}
	hint = strings.TrimSuffix(hint, "/")
	return strings.Trim(hint, "[]"), 0, nil
}

func parsePort(s string) int {
	if s == "" {
		return 0
	}
	p, err := strconv.Atoi(s)
	if err != nil || p <= 0 || p > 65535 {
		return 0
	}
	return p
}
