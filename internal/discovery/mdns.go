// Package discovery advertises the rendezvous server on the local network and lets
// peers find it without configuring an address.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_dropzone._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultScanTimeout bounds a single browse.
	DefaultScanTimeout = 3 * time.Second
)

var ErrNotFound = errors.New("no rendezvous server found on the local network")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertisement and browsing.
type Config struct {
	Instance    string
	Service     string
	Domain      string
	Port        int
	Version     string
	ScanTimeout time.Duration

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.browseFn == nil {
		out.browseFn = browse
	}
	return out
}

// Advertiser keeps the mDNS registration alive until shut down.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the rendezvous server under the configured service.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.Instance) == "" {
		return nil, errors.New("instance name is required")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("port must be > 0")
	}
	txt := []string{"version=" + cfg.Version}
	server, err := cfg.registerFn(cfg.Instance, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Lookup browses for an advertised rendezvous server and returns the address of
// the first one found, as host:port.
func Lookup(ctx context.Context, config Config) (string, error) {
	cfg := config.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	errC := make(chan error, 1)
	go func() {
		errC <- cfg.browseFn(ctx, cfg.Service, cfg.Domain, entries)
	}()

	var results <-chan *zeroconf.ServiceEntry = entries
	for {
		select {
		case entry, ok := <-results:
			if !ok {
				// The resolver closes the channel once it stops browsing.
				results = nil
				continue
			}
			if addr, ok := entryAddr(entry); ok {
				return addr, nil
			}
		case err := <-errC:
			if err != nil {
				return "", fmt.Errorf("browse mDNS service: %w", err)
			}
			// Browse returned without error, keep draining until the timeout.
			errC = nil
		case <-ctx.Done():
			return "", ErrNotFound
		}
	}
}

func entryAddr(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || entry.Port <= 0 {
		return "", false
	}
	for _, ip := range entry.AddrIPv4 {
		if ip != nil && !ip.IsUnspecified() {
			return net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)), true
		}
	}
	for _, ip := range entry.AddrIPv6 {
		if ip != nil && !ip.IsUnspecified() {
			return net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)), true
		}
	}
	return "", false
}

func browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	return resolver.Browse(ctx, service, domain, entries)
}
