package channel

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// NormalizeURL turns a channel address into an absolute ws:// or wss://
// URL.
//
//	"/ws/camera"             + origin "https://dash.local" -> "wss://dash.local/ws/camera"
//	"ws://10.0.0.5/ws/rssi"                               -> unchanged
//	"http://10.0.0.5/ws"                                  -> "ws://10.0.0.5/ws"
//	"espwifi.local/ws/control"                            -> "ws://espwifi.local/ws/control"
//
// Relative paths need an origin. Anything that still lacks a host, or
// uses another scheme, fails with ErrInvalidChannelURL.
func NormalizeURL(raw, origin string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidChannelURL)
	}

	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") {
		return resolveRelative(raw, origin)
	}

	if !strings.Contains(raw, "://") {
		raw = "ws://" + strings.TrimPrefix(raw, "//")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidChannelURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidChannelURL, u.Scheme)
	}
	if u.Host == "" || u.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidChannelURL, raw)
	}
	return u.String(), nil
}

func resolveRelative(path, origin string) (string, error) {
	if origin == "" {
		return "", fmt.Errorf("%w: relative path %q without origin", ErrInvalidChannelURL, path)
	}
	base, err := url.Parse(origin)
	if err != nil || base.Host == "" {
		return "", fmt.Errorf("%w: bad origin %q", ErrInvalidChannelURL, origin)
	}
	switch strings.ToLower(base.Scheme) {
	case "https", "wss":
		base.Scheme = "wss"
	default:
		base.Scheme = "ws"
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidChannelURL, err)
	}
	return base.ResolveReference(ref).String(), nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// DeriveID picks a stable channel id: the module name when given,
// otherwise the host and path of the URL, otherwise "channel-<index>".
func DeriveID(name, rawURL string, index int) string {
	if id := slug(name); id != "" {
		return id
	}
	if u, err := url.Parse(strings.TrimSpace(rawURL)); err == nil {
		if id := slug(u.Host + u.Path); id != "" {
			return id
		}
	}
	return "channel-" + strconv.Itoa(index)
}

func slug(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}
