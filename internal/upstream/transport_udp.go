package upstream

import (
	"context"

	"github.com/miekg/dns"
)

// newUDPResolver builds the plain UDP transport: a single datagram
// exchange per attempt, no proxy support (spec: proxy is stream-transport
// only). A truncated response is surfaced as an error, which the
// dispatcher treats as a negative marker; no retry over TCP is made, so
// only a sibling upstream selected alongside this one can still answer.
func newUDPResolver() func(ctx context.Context, addr string, q *dns.Msg) (*dns.Msg, error) {
	client := &dns.Client{Net: "udp"}

	return func(ctx context.Context, addr string, q *dns.Msg) (*dns.Msg, error) {
		out, _, err := client.ExchangeContext(ctx, q, addr)
		if err != nil {
			return nil, err
		}

		if out == nil {
			return nil, ErrEmptyResponse
		}

		if out.Truncated {
			return nil, ErrTruncated
		}

		return out, nil
	}
}
