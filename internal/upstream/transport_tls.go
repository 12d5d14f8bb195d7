package upstream

import (
	"context"
	"crypto/tls"

	"github.com/miekg/dns"
)

// newTLSResolver builds the DNS-over-TLS transport: length-prefixed TCP
// framing carried inside a TLS session, SNI and certificate verification
// pinned to tlsHost. When proxyURI is set the underlying TCP connection is
// dialed through the proxy before the TLS handshake, so the proxy never
// observes anything but opaque TLS bytes.
func newTLSResolver(tlsHost, proxyURI string) (func(ctx context.Context, addr string, q *dns.Msg) (*dns.Msg, error), error) {
	if tlsHost == "" {
		return nil, ErrNoTLSHost
	}

	d, err := newDialer(proxyURI)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{ServerName: tlsHost, MinVersion: tls.VersionTLS13}
	client := &dns.Client{Net: "tcp-tls", TLSConfig: cfg}

	return func(ctx context.Context, addr string, q *dns.Msg) (*dns.Msg, error) {
		nc, err := dialContext(ctx, d, "tcp", addr)
		if err != nil {
			return nil, err
		}

		tlsConn := tls.Client(nc, cfg)
		if dl, ok := ctx.Deadline(); ok {
			_ = tlsConn.SetDeadline(dl)
		}

		if err := tlsConn.HandshakeContext(ctx); err != nil {
			tlsConn.Close()

			return nil, err
		}

		defer tlsConn.Close()

		conn := &dns.Conn{Conn: tlsConn}

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
