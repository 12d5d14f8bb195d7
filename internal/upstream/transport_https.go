package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/miekg/dns"
	"golang.org/x/net/http2"
)

const dohContentType = "application/dns-message"

// newHTTPSResolver builds the DNS-over-HTTPS transport: an HTTP POST of
// the raw wire message to https://tlsHost/dns-query (RFC 8484). The
// *http.Client's transport explicitly negotiates HTTP/2 where available
// and, when proxyURI is set, dials every connection through the proxy —
// the same "every byte through the tunnel" guarantee as the stream
// transports.
func newHTTPSResolver(tlsHost, proxyURI string) (func(ctx context.Context, addr string, q *dns.Msg) (*dns.Msg, error), error) {
	if tlsHost == "" {
		return nil, ErrNoTLSHost
	}

	d, err := newDialer(proxyURI)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialContext(ctx, d, network, addr)
		},
		TLSClientConfig: &tls.Config{ServerName: tlsHost, MinVersion: tls.VersionTLS12},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("upstream: configure h2 transport: %w", err)
	}

	httpClient := &http.Client{Transport: transport}
	endpoint := "https://" + tlsHost + "/dns-query"

	return func(ctx context.Context, addr string, q *dns.Msg) (*dns.Msg, error) {
		wire, err := q.Pack()
		if err != nil {
			return nil, fmt.Errorf("upstream: pack doh query: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(wire))
		if err != nil {
			return nil, fmt.Errorf("upstream: build doh request: %w", err)
		}

		req.Header.Set("Content-Type", dohContentType)
		req.Header.Set("Accept", dohContentType)
		req.URL.Host = addr
		req.Host = tlsHost

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("upstream: doh request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("upstream: read doh response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("%w: %d", ErrDoHStatus, resp.StatusCode)
		}

		out := new(dns.Msg)
		if err := out.Unpack(body); err != nil {
			return nil, fmt.Errorf("upstream: unpack doh response: %w", err)
		}

		return out, nil
	}, nil
}
