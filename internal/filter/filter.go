// Package filter implements response-side policy: deciding whether a
// given upstream's answer to a given query should be accepted or
// dropped.
package filter

import (
	"net/netip"

	"github.com/miekg/dns"

	"github.com/dnsrelay/dnsrelay/internal/domainset"
	"github.com/dnsrelay/dnsrelay/internal/iprange"
)

// Action is the two-state verdict a rule (or the default) produces.
type Action int

const (
	// Accept stops the dispatcher's search and returns this answer.
	Accept Action = iota
	// Drop discards this upstream's answer but lets siblings still in
	// flight be considered.
	Drop
)

// Rule is a single response rule: it matches an answer when every
// specified predicate matches (AND-combined); absent predicates are
// wildcards.
type Rule struct {
	Upstreams []string         // nil means "any upstream"
	Ranges    []*iprange.Range // nil means "any address"
	Domains   []*domainset.Set // nil means "any domain"
	Action    Action
}

func (r Rule) matches(upstreamName, qname string, answer *dns.Msg) bool {
	if r.Upstreams != nil && !contains(r.Upstreams, upstreamName) {
		return false
	}

	if r.Domains != nil {
		matched := false

		for _, d := range r.Domains {
			if d.Matches(qname) {
				matched = true

				break
			}
		}

		if !matched {
			return false
		}
	}

	if r.Ranges != nil && !anyAddressInRanges(answer, r.Ranges) {
		return false
	}

	return true
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}

	return false
}

// anyAddressInRanges reports whether answer contains at least one A/AAAA
// record whose address is covered by any of ranges. An answer with no
// A/AAAA records can never satisfy a ranges predicate.
func anyAddressInRanges(answer *dns.Msg, ranges []*iprange.Range) bool {
	if answer == nil {
		return false
	}

	for _, rr := range answer.Answer {
		addr, ok := recordAddr(rr)
		if !ok {
			continue
		}

		for _, rg := range ranges {
			if rg.Contains(addr) {
				return true
			}
		}
	}

	return false
}

func recordAddr(rr dns.RR) (netip.Addr, bool) {
	switch v := rr.(type) {
	case *dns.A:
		a, ok := netip.AddrFromSlice(v.A.To4())
		if !ok {
			return netip.Addr{}, false
		}

		return a, true
	case *dns.AAAA:
		a, ok := netip.AddrFromSlice(v.AAAA.To16())
		if !ok {
			return netip.Addr{}, false
		}

		return a, true
	default:
		return netip.Addr{}, false
	}
}

// Filter evaluates ordered response rules against an upstream's answer.
// Built once from Rules and never mutated afterward.
type Filter struct {
	rules []Rule
}

// New builds a Filter. rules are evaluated in the given order.
func New(rules []Rule) *Filter {
	return &Filter{rules: rules}
}

// Check scans rules in order and returns the first match's action, or
// Accept (the permissive default) if nothing matches.
func (f *Filter) Check(upstreamName, qname string, answer *dns.Msg) Action {
	for _, r := range f.rules {
		if r.matches(upstreamName, qname, answer) {
			return r.Action
		}
	}

	return Accept
}
