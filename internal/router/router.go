// Package router implements request-side policy: selecting the ordered
// set of upstream names a query should be fanned out to.
package router

import "github.com/dnsrelay/dnsrelay/internal/domainset"

// Query is the minimal shape the router needs from an inbound question.
type Query struct {
	Name string // FQDN, as received
	Type uint16 // dns.Type*
}

// Rule is a single request rule: it matches a query when domains (if set)
// contains the queried name in any listed set AND types (if set) contains
// the query's record type; absent predicates are wildcards.
type Rule struct {
	Domains   []*domainset.Set // nil means "any domain"
	Types     []uint16         // nil means "any type"
	Upstreams []string         // Select returns these deduplicated, order preserved
}

func (r Rule) matches(q Query) bool {
	if r.Domains != nil {
		matched := false

		for _, d := range r.Domains {
			if d.Matches(q.Name) {
				matched = true

				break
			}
		}

		if !matched {
			return false
		}
	}

	if r.Types != nil {
		matched := false

		for _, t := range r.Types {
			if t == q.Type {
				matched = true

				break
			}
		}

		if !matched {
			return false
		}
	}

	return true
}

// Router selects the ordered upstream names a query should be dispatched
// to. It is built once from Rules/Default and never mutated afterward.
type Router struct {
	rules   []Rule
	fallback []string
}

// New builds a Router. rules are evaluated in the given order; fallback,
// deduplicated with order preserved, is returned when no rule matches.
func New(rules []Rule, fallback []string) *Router {
	return &Router{rules: rules, fallback: dedup(fallback)}
}

// Select is a pure function of q for a fixed Router: it scans rules in
// order and returns the first match's (deduplicated, order-preserved)
// upstream list, or fallback if nothing matches.
func (rt *Router) Select(q Query) []string {
	for _, r := range rt.rules {
		if r.matches(q) {
			return dedup(r.Upstreams)
		}
	}

	return rt.fallback
}

func dedup(names []string) []string {
	if len(names) == 0 {
		return names
	}

	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))

	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}

		seen[n] = struct{}{}

		out = append(out, n)
	}

	return out
}
