// Package dispatcher implements the fan-out/race/filter core: given a
// query, contact every selected upstream concurrently, and return the
// first answer the response filter accepts.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/dnsrelay/dnsrelay/internal/filter"
	"github.com/dnsrelay/dnsrelay/internal/metrics"
	"github.com/dnsrelay/dnsrelay/internal/router"
)

// resolveTimeout bounds a single upstream's resolve attempt; it is what
// keeps dispatch returning within ~1s regardless of upstream pathology.
const resolveTimeout = time.Second

// errUpstreamRcode marks a well-formed SERVFAIL/REFUSED reply as a
// negative marker, same as a transport failure (spec.md's "Per-query
// protocol errors" — never handed to the filter).
var errUpstreamRcode = errors.New("dispatcher: upstream returned servfail/refused")

// Resolver is the subset of upstream.Client the dispatcher depends on, so
// tests can substitute fakes without standing up real sockets.
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, qname string, qtype uint16) (*dns.Msg, error)
}

// Dispatcher fans a query out to router-selected upstreams and picks the
// first answer the filter accepts. It holds no per-request state between
// calls: Dispatch is memoryless, exactly as spec'd.
type Dispatcher struct {
	upstreams map[string]Resolver
	router    *router.Router
	filter    *filter.Filter
}

// New builds a Dispatcher over a fixed, immutable upstream set.
func New(upstreams map[string]Resolver, rt *router.Router, f *filter.Filter) *Dispatcher {
	return &Dispatcher{upstreams: upstreams, router: rt, filter: f}
}

type result struct {
	name   string
	answer *dns.Msg
	ok     bool
}

// Dispatch runs the full select → fan-out → receive-and-decide → pick
// algorithm for q. It returns (answer, true) on the first accepted
// answer, or (nil, false) if no selected upstream produced one the
// filter accepted.
func (d *Dispatcher) Dispatch(ctx context.Context, q router.Query) (*dns.Msg, bool) {
	names := d.router.Select(q)
	n := len(names)

	if n == 0 {
		return nil, false
	}

	start := time.Now()

	queryCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan result, n) // capacity n: every producer's single send never blocks

	for _, name := range names {
		client, ok := d.upstreams[name]
		if !ok {
			// A rule referenced an upstream name absent from the config;
			// this is a config-build-time invariant the loader enforces,
			// so reaching here would be a programmer error. Treat it as
			// a negative marker rather than panicking a live query.
			results <- result{name: name, ok: false}

			continue
		}

		go d.resolveOne(queryCtx, client, q, results)
	}

	for range n {
		r := <-results
		if !r.ok {
			continue
		}

		if d.filter.Check(r.name, q.Name, r.answer) == filter.Accept {
			metrics.ResolvesTotal.WithLabelValues(r.name, "accept").Inc()
			zerolog.Ctx(ctx).Debug().Str("upstream", r.name).Str("query", q.Name).Msg("dispatch accepted")
			metrics.DispatchDuration.Observe(time.Since(start).Seconds())

			return r.answer, true
		}

		metrics.ResolvesTotal.WithLabelValues(r.name, "drop").Inc()
		zerolog.Ctx(ctx).Debug().Str("upstream", r.name).Str("query", q.Name).Msg("dispatch dropped")
	}

	metrics.DispatchDuration.Observe(time.Since(start).Seconds())

	return nil, false
}

func (d *Dispatcher) resolveOne(ctx context.Context, c Resolver, q router.Query, results chan<- result) {
	rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	resolveStart := time.Now()

	answer, err := c.Resolve(rctx, q.Name, q.Type)

	metrics.UpstreamRTT.WithLabelValues(c.Name()).Observe(time.Since(resolveStart).Seconds())

	if err == nil && (answer.Rcode == dns.RcodeServerFailure || answer.Rcode == dns.RcodeRefused) {
		// A SERVFAIL/REFUSED reply is a well-formed message, not a
		// transport error, but spec.md treats it as a negative marker
		// exactly like a failed resolve — it must never reach the filter.
		err = fmt.Errorf("%w: %s", errUpstreamRcode, dns.RcodeToString[answer.Rcode])
	}

	if err != nil {
		outcome := "error"
		if rctx.Err() != nil {
			outcome = "timeout"
		}

		metrics.ResolvesTotal.WithLabelValues(c.Name(), outcome).Inc()
		zerolog.Ctx(ctx).Debug().Err(err).Str("upstream", c.Name()).Msg("upstream resolve failed")
		results <- result{name: c.Name(), ok: false}

		return
	}

	results <- result{name: c.Name(), answer: answer, ok: true}
}
