// Package discovery finds Nanogrid Air meters through mDNS/DNS-SD.
//
// The meter announces itself as _nghome._tcp in the local domain. A
// Listener performs a single bounded browse and returns the first
// announcement that carries an IPv4 address. An Advertiser publishes the
// same service type, which the simulator uses to stand in for a real meter.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/enbility/zeroconf/v3"

	"nanogrid-air/internal/meter"
)

const (
	// ServiceType is the full DNS-SD service type announced by the meter.
	ServiceType = "_nghome._tcp.local."

	// DefaultTimeout bounds a pairing-time browse.
	DefaultTimeout = time.Second

	defaultDomain = "local"
)

// BrowseFunc browses service in domain, sending announcements to entries
// until ctx is done. Tests substitute a fake for zeroconf.Browse.
type BrowseFunc func(ctx context.Context, service, domain string, entries, removed chan *zeroconf.ServiceEntry, opts ...zeroconf.ClientOption) error

func zeroconfBrowse(ctx context.Context, service, domain string, entries, removed chan *zeroconf.ServiceEntry, opts ...zeroconf.ClientOption) error {
	return zeroconf.Browse(ctx, service, domain, entries, removed, opts...)
}

// Config configures a Listener.
type Config struct {
	// Interface restricts browsing to one network interface. Empty means all.
	Interface string
	Browse    BrowseFunc
}

// Listener performs single-shot service browses.
type Listener struct {
	browse BrowseFunc
	opts   []zeroconf.ClientOption
	logger *slog.Logger
}

// NewListener creates a Listener.
func NewListener(cfg Config, logger *slog.Logger) *Listener {
	browse := cfg.Browse
	if browse == nil {
		browse = zeroconfBrowse
	}
	var opts []zeroconf.ClientOption
	if cfg.Interface != "" {
		if iface, err := net.InterfaceByName(cfg.Interface); err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		} else {
			logger.Warn("discovery interface not found, using all", "iface", cfg.Interface, "err", err)
		}
	}
	return &Listener{
		browse: browse,
		opts:   opts,
		logger: logger.With("component", "discovery"),
	}
}

// Discover waits up to timeout for the first announcement of serviceType.
// ok is false when nothing was announced in time; that is not an error.
// The returned address carries the host only: the meter's HTTP API always
// listens on port 80, whatever port the announcement lists.
func (l *Listener) Discover(ctx context.Context, serviceType string, timeout time.Duration) (addr meter.Address, ok bool, err error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	service, domain := SplitServiceType(serviceType)

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.browse(browseCtx, service, domain, entries, removed, l.opts...)
	}()
	defer func() {
		cancel()
		if errCh != nil {
			go drain(entries, removed, errCh)
		}
	}()

	for {
		select {
		case entry, open := <-entries:
			if !open {
				entries = nil
				continue
			}
			if a, found := entryAddress(entry); found {
				l.logger.Debug("meter announced", "instance", entry.Instance, "host", a.Host, "port", entry.Port)
				return a, true, nil
			}
		case _, open := <-removed:
			if !open {
				removed = nil
			}
		case err := <-errCh:
			errCh = nil
			if err != nil && browseCtx.Err() == nil {
				return meter.Address{}, false, fmt.Errorf("browse %s: %w", serviceType, err)
			}
		case <-browseCtx.Done():
			if err := ctx.Err(); err != nil {
				return meter.Address{}, false, err
			}
			l.logger.Debug("no meter announced", "service", serviceType, "timeout", timeout)
			return meter.Address{}, false, nil
		}
	}
}

// drain consumes announcements until the browse returns. The browser sends
// without watching its context, so an unread channel would block it.
func drain(entries, removed <-chan *zeroconf.ServiceEntry, errCh <-chan error) {
	for {
		select {
		case _, open := <-entries:
			if !open {
				entries = nil
			}
		case _, open := <-removed:
			if !open {
				removed = nil
			}
		case <-errCh:
			return
		}
	}
}

func entryAddress(entry *zeroconf.ServiceEntry) (meter.Address, bool) {
	if entry == nil {
		return meter.Address{}, false
	}
	for _, ip := range entry.AddrIPv4 {
		if ip == nil || ip.To4() == nil {
			continue
		}
		return meter.Address{Host: ip.String(), ResolvedAt: time.Now()}, true
	}
	return meter.Address{}, false
}

// SplitServiceType splits "_nghome._tcp.local." into ("_nghome._tcp", "local").
func SplitServiceType(serviceType string) (service, domain string) {
	s := strings.TrimSuffix(strings.TrimSpace(serviceType), ".")
	parts := strings.Split(s, ".")
	if len(parts) <= 2 {
		return s, defaultDomain
	}
	return strings.Join(parts[:2], "."), strings.Join(parts[2:], ".")
}
