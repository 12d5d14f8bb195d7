// Package relay translates the DNS server library's callback into a
// dispatcher call and builds the wire response.
package relay

import (
	"context"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/dnsrelay/dnsrelay/internal/router"
)

// Dispatcher is the subset of dispatcher.Dispatcher the handler depends
// on.
type Dispatcher interface {
	Dispatch(ctx context.Context, q router.Query) (*dns.Msg, bool)
}

// Handler implements dns.Handler, bridging miekg/dns's server loop to the
// dispatcher.
type Handler struct {
	ctx        context.Context //nolint:containedctx // one logger-bearing root ctx per process, fan-out per query derives from it
	dispatcher Dispatcher
}

// New builds a Handler. ctx carries the process-lifetime logger (see
// internal/logging) and is the parent of every per-query context.
func New(ctx context.Context, d Dispatcher) *Handler {
	return &Handler{ctx: ctx, dispatcher: d}
}

// ServeDNS implements dns.Handler.
func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	defer func() {
		if p := recover(); p != nil {
			zerolog.Ctx(h.ctx).Error().Interface("panic", p).Msg("panic in dns handler")
			_ = w.WriteMsg(servFail(r))
		}
	}()

	if r.Opcode != dns.OpcodeQuery || r.Response || len(r.Question) != 1 {
		_ = w.WriteMsg(refused(r))

		return
	}

	q := r.Question[0]

	answer, ok := h.dispatcher.Dispatch(h.ctx, router.Query{Name: q.Name, Type: q.Qtype})

	m := new(dns.Msg)
	m.SetReply(r)
	m.RecursionAvailable = true

	switch {
	case ok && answer != nil:
		m.Rcode = dns.RcodeSuccess
		m.Answer = answer.Answer
	default:
		m.Rcode = dns.RcodeNameError
	}

	_ = w.WriteMsg(m)
}

func refused(r *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(r)
	m.RecursionAvailable = true
	m.Rcode = dns.RcodeRefused

	return m
}

func servFail(r *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(r)
	m.RecursionAvailable = true
	m.Rcode = dns.RcodeServerFailure

	return m
}
