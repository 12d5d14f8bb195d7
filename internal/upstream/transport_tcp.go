package upstream

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"
	"golang.org/x/net/proxy"
)

// dialer abstracts the dial step so TCP/TLS transports can share it
// whether or not a proxy is configured.
type dialer interface {
	Dial(network, address string) (net.Conn, error)
}

// newDialer returns proxy.Direct when proxyURI is empty, or a SOCKS5/HTTP
// CONNECT dialer built from it otherwise. Every outbound byte for this
// upstream then goes through the proxy: the returned net.Conn is what the
// DNS framing is written to and read from directly.
func newDialer(proxyURI string) (dialer, error) {
	if proxyURI == "" {
		return proxy.Direct, nil
	}

	u, err := parseProxyURL(proxyURI)
	if err != nil {
		return nil, err
	}

	if u.Scheme == "http" || u.Scheme == "https" {
		return newHTTPConnectDialer(u), nil
	}

	d, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidProxyURI, proxyURI, err)
	}

	return d, nil
}

// newTCPResolver builds the length-prefixed-over-TCP transport. When
// proxyURI is set, the TCP connection itself is established through the
// proxy tunnel.
func newTCPResolver(proxyURI string) (func(ctx context.Context, addr string, q *dns.Msg) (*dns.Msg, error), error) {
	d, err := newDialer(proxyURI)
	if err != nil {
		return nil, err
	}

	client := &dns.Client{Net: "tcp"}

	return func(ctx context.Context, addr string, q *dns.Msg) (*dns.Msg, error) {
		nc, err := dialContext(ctx, d, "tcp", addr)
		if err != nil {
			return nil, err
		}
		defer nc.Close()

		if dl, ok := ctx.Deadline(); ok {
			_ = nc.SetDeadline(dl)
		}

		conn := &dns.Conn{Conn: nc}

		out, _, err := client.ExchangeWithConn(q, conn)
		if err != nil {
			return nil, err
		}

		if out == nil {
			return nil, ErrEmptyResponse
		}

		return out, nil
	}, nil
}

// dialContext dials through d, respecting ctx cancellation even though
// the plain proxy.Dialer interface is not itself context-aware: the dial
// runs in a goroutine and is abandoned (its eventual result discarded) if
// ctx is done first.
func dialContext(ctx context.Context, d dialer, network, addr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}

	ch := make(chan result, 1)

	go func() {
		c, err := d.Dial(network, addr)
		ch <- result{c, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()

		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}
