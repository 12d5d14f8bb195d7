package upstream

import (
	"fmt"
	"net/url"
)

// parseProxyURL parses a proxy URI (socks5://host:port, http://host:port)
// for golang.org/x/net/proxy.FromURL. The scheme selects the tunneling
// handshake: SOCKS5 or HTTP CONNECT.
func parseProxyURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidProxyURI, raw, err)
	}

	switch u.Scheme {
	case "socks5", "http", "https":
		return u, nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidProxyURI, u.Scheme)
	}
}
