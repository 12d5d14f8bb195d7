package upstream

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// httpConnectDialer tunnels a TCP connection through an HTTP proxy using
// the CONNECT method, for proxy URIs with an http/https scheme.
// golang.org/x/net/proxy only registers a SOCKS5 dialer by default; this
// is the HTTP-CONNECT half of the spec's "SOCKS5, HTTP CONNECT" proxy
// semantics.
type httpConnectDialer struct {
	proxyAddr string
}

func newHTTPConnectDialer(u *url.URL) dialer {
	return &httpConnectDialer{proxyAddr: u.Host}
}

func (d *httpConnectDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := net.Dial("tcp", d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("upstream: dial http proxy %s: %w", d.proxyAddr, err)
	}

	req, err := http.NewRequest(http.MethodConnect, "http://"+addr, nil)
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("upstream: build connect request: %w", err)
	}

	req.Host = addr

	if err := req.Write(conn); err != nil {
		conn.Close()

		return nil, fmt.Errorf("upstream: write connect request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("upstream: read connect response: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()

		return nil, fmt.Errorf("%w: proxy connect status %s", ErrInvalidProxyURI, resp.Status)
	}

	return conn, nil
}
