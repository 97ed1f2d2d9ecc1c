// Package discovery finds paired devices on the local network over mDNS
// and advertises the devlink API the same way.
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

	"github.com/nerrad567/devlink-core/internal/infrastructure/config"
)

// ErrNotFound is returned when no service instance matches before the
// lookup times out.
var ErrNotFound = errors.New("discovery: device not found on local network")

// ErrDisabled is returned when discovery is turned off in configuration.
var ErrDisabled = errors.New("discovery: disabled")

// defaultTimeout is used when the configured timeout is not positive.
const defaultTimeout = 3 * time.Second

// Logger defines the logging interface used by the resolver.
type Logger interface {
	Debug(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}

// browseFunc streams service entries into entries until ctx is done, then
// closes entries.
type browseFunc func(ctx context.Context, service, domain string, entries chan *zeroconf.ServiceEntry) error

// Resolver looks devices up by host name.
type Resolver struct {
	cfg    config.DiscoveryConfig
	browse browseFunc
	logger Logger
}

// NewResolver creates a Resolver browsing cfg.Service in cfg.Domain.
func NewResolver(cfg config.DiscoveryConfig) *Resolver {
	return &Resolver{cfg: cfg, browse: zeroconfBrowse, logger: noopLogger{}}
}

// SetLogger sets the logger for the resolver.
func (r *Resolver) SetLogger(logger Logger) {
	r.logger = logger
}

func zeroconfBrowse(ctx context.Context, service, domain string, entries chan *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("creating mdns resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// Lookup browses for the device whose host or instance name matches
// hostname and returns a local channel URL "ws://<ipv4>:<port>/".
func (r *Resolver) Lookup(ctx context.Context, hostname string) (string, error) {
	if !r.cfg.Enabled {
		return "", ErrDisabled
	}
	want := normalizeHost(hostname)
	if want == "" {
		return "", fmt.Errorf("%w: empty hostname", ErrNotFound)
	}

	timeout := r.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := r.browse(ctx, r.cfg.Service, r.cfg.Domain, entries); err != nil {
		return "", fmt.Errorf("browsing %s: %w", r.cfg.Service, err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %s", ErrNotFound, hostname)
		case entry, ok := <-entries:
			if !ok {
				return "", fmt.Errorf("%w: %s", ErrNotFound, hostname)
			}
			if entry == nil || !matches(entry, want) {
				continue
			}
			if u, ok := localURL(entry); ok {
				r.logger.Debug("device found on local network", "hostname", hostname, "url", u)
				return u, nil
			}
		}
	}
}

func matches(entry *zeroconf.ServiceEntry, want string) bool {
	return normalizeHost(entry.HostName) == want || normalizeHost(entry.Instance) == want
}

func localURL(entry *zeroconf.ServiceEntry) (string, bool) {
	if len(entry.AddrIPv4) == 0 || entry.Port <= 0 {
		return "", false
	}
	host := net.JoinHostPort(entry.AddrIPv4[0].String(), strconv.Itoa(entry.Port))
	return "ws://" + host + "/", true
}

// normalizeHost lowercases and strips the trailing dot and ".local".
func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimSuffix(h, ".")
	return strings.TrimSuffix(h, ".local")
}

// Announce advertises the devlink API as name on port under service (e.g.
// "_devlink._tcp"). The returned function withdraws the announcement.
func Announce(name, service, domain string, port int, version string) (func(), error) {
	txt := []string{"path=/api/v1"}
	if version != "" {
		txt = append(txt, "version="+version)
	}
	server, err := zeroconf.Register(name, service, domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("registering mdns service: %w", err)
	}
	return server.Shutdown, nil
}
