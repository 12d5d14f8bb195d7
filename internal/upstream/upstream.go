// Package upstream implements a uniform resolve operation over UDP, TCP,
// DNS-over-TLS, and DNS-over-HTTPS transports, with optional SOCKS5/HTTP
// CONNECT proxying for the stream-based transports.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// Network names the upstream transport.
type Network string

const (
	Udp   Network = "udp"
	Tcp   Network = "tcp"
	Tls   Network = "tls"
	Https Network = "https"
)

var (
	ErrUnknownNetwork  = errors.New("upstream: unknown network")
	ErrNoAddresses     = errors.New("upstream: no addresses configured")
	ErrTruncated       = errors.New("upstream: truncated udp response")
	ErrEmptyResponse   = errors.New("upstream: empty response")
	ErrResolve         = errors.New("upstream: resolve failed")
	ErrDoHStatus       = errors.New("upstream: doh non-2xx response")
	ErrInvalidProxyURI = errors.New("upstream: invalid proxy uri")
	ErrNoTLSHost       = errors.New("upstream: tls-host is missing")
	ErrUpstreamRcode   = errors.New("upstream: servfail/refused response")
)

// Config is the fully-resolved, name-addressed shape of a single upstream
// as built from the configuration file. It is immutable once constructed.
type Config struct {
	Name      string
	Network   Network
	Addresses []netip.AddrPort
	TLSHost   string // required for Tls/Https
	ProxyURI  string // optional, Tcp/Tls/Https only
	Default   bool
}

// Client is a cheaply-cloneable handle to a single upstream's connection
// machinery. One Client is built per upstream name at startup and reused
// for the process lifetime.
type Client struct {
	name    string
	network Network
	resolve func(ctx context.Context, addr string, q *dns.Msg) (*dns.Msg, error)
	addrs   []string
}

// New builds a Client for cfg. The transport (and its proxy dialer, when
// configured) is constructed once here.
func New(cfg Config) (*Client, error) {
	if len(cfg.Addresses) == 0 {
		return nil, ErrNoAddresses
	}

	addrs := make([]string, len(cfg.Addresses))
	for i, a := range cfg.Addresses {
		addrs[i] = a.String()
	}

	c := &Client{name: cfg.Name, network: cfg.Network, addrs: addrs}

	switch cfg.Network {
	case Udp:
		c.resolve = newUDPResolver()
	case Tcp:
		r, err := newTCPResolver(cfg.ProxyURI)
		if err != nil {
			return nil, err
		}

		c.resolve = r
	case Tls:
		r, err := newTLSResolver(cfg.TLSHost, cfg.ProxyURI)
		if err != nil {
			return nil, err
		}

		c.resolve = r
	case Https:
		r, err := newHTTPSResolver(cfg.TLSHost, cfg.ProxyURI)
		if err != nil {
			return nil, err
		}

		c.resolve = r
	default:
		return nil, ErrUnknownNetwork
	}

	return c, nil
}

// Name returns the configured upstream name, used by the router, filter
// and dispatcher to refer to this client.
func (c *Client) Name() string { return c.name }

// Resolve issues a query for qname/qtype against this upstream's addresses
// in configured order, returning the first usable reply and stopping early
// once ctx is done. For A/AAAA queries the caller
// is expected to pass the question through unchanged; CNAME-following is
// left to the upstream server (recursive resolvers already do this).
func (c *Client) Resolve(ctx context.Context, qname string, qtype uint16) (*dns.Msg, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(qname), qtype)
	q.RecursionDesired = true

	var lastErr error

	for _, addr := range c.addrs {
		out, err := c.resolve(ctx, addr, q)
		if err == nil {
			// A SERVFAIL/REFUSED reply is a valid wire message but not a
			// usable answer; spec.md treats it as a negative marker, same
			// as a transport failure, rather than handing it to the filter.
			if out.Rcode == dns.RcodeServerFailure || out.Rcode == dns.RcodeRefused {
				err = fmt.Errorf("%w: %s", ErrUpstreamRcode, dns.RcodeToString[out.Rcode])
			} else {
				return out, nil
			}
		}

		lastErr = err

		zerolog.Ctx(ctx).Debug().
			Err(err).
			Str("upstream", c.name).
			Str("network", string(c.network)).
			Str("address", addr).
			Msg("upstream resolve attempt failed")

		if ctx.Err() != nil {
			break
		}
	}

	return nil, errJoin(ErrResolve, lastErr)
}

func errJoin(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}

	return errors.Join(sentinel, cause)
}
