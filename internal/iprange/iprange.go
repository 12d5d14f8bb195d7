// Package iprange implements a canonicalized set of CIDR blocks supporting
// sublinear containment queries.
package iprange

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strings"
)

// Range is a canonicalized, disjoint set of IP prefixes. The zero value is
// an empty range ready to use.
type Range struct {
	prefixes []netip.Prefix
	dirty    bool
}

// New returns an empty Range.
func New() *Range {
	return &Range{}
}

// Add inserts a prefix. The range is not canonical again until Simplify is
// called.
func (r *Range) Add(p netip.Prefix) {
	r.prefixes = append(r.prefixes, p.Masked())
	r.dirty = true
}

// AddString parses and inserts a CIDR or bare IP (treated as a host route).
func (r *Range) AddString(s string) error {
	s = strings.TrimSpace(s)

	p, err := netip.ParsePrefix(s)
	if err != nil {
		addr, addrErr := netip.ParseAddr(s)
		if addrErr != nil {
			return fmt.Errorf("iprange: invalid cidr %q: %w", s, err)
		}

		bits := 32
		if addr.Is6() {
			bits = 128
		}

		p = netip.PrefixFrom(addr, bits)
	}

	r.Add(p)

	return nil
}

// Len reports the number of canonical prefixes after Simplify.
func (r *Range) Len() int { return len(r.prefixes) }

// Simplify coalesces the inserted prefixes into their canonical disjoint
// sorted form: overlapping prefixes are merged into their widest covering
// prefix, and adjacent same-width prefixes that together form a single
// parent prefix are merged into it. The result is unique for a given set
// of covered addresses.
func (r *Range) Simplify() {
	if !r.dirty && isSorted(r.prefixes) {
		return
	}

	sort.Slice(r.prefixes, func(i, j int) bool {
		ai, aj := r.prefixes[i].Addr(), r.prefixes[j].Addr()
		if ai != aj {
			return less(ai, aj)
		}

		return r.prefixes[i].Bits() < r.prefixes[j].Bits()
	})

	merged := r.prefixes[:0:0]

	for _, p := range r.prefixes {
		if n := len(merged); n > 0 && covers(merged[n-1], p) {
			continue
		}

		merged = append(merged, p)
	}

	merged = mergeAdjacent(merged)

	r.prefixes = merged
	r.dirty = false
}

// Contains reports whether ip is covered by any prefix in the range. The
// caller must have called Simplify after the last Add for the canonical,
// sublinear-search form; Contains still works correctly (linearly) on a
// dirty range, but callers should not rely on that for performance.
func (r *Range) Contains(ip netip.Addr) bool {
	if r.dirty {
		// Fall back to a linear scan rather than silently returning a
		// stale answer; Simplify is cheap relative to a DNS round trip
		// and callers are expected to call it once after bulk loading.
		for _, p := range r.prefixes {
			if p.Contains(ip) {
				return true
			}
		}

		return false
	}

	n := len(r.prefixes)
	// Binary search for the first prefix whose network address is >= ip;
	// a covering prefix is either that one or one just before it.
	i := sort.Search(n, func(i int) bool {
		return less(ip, r.prefixes[i].Addr()) || ip == r.prefixes[i].Addr()
	})

	for j := i - 1; j >= 0 && j >= i-2; j-- {
		if r.prefixes[j].Contains(ip) {
			return true
		}
	}

	if i < n && r.prefixes[i].Contains(ip) {
		return true
	}

	return false
}

// LoadFile reads one CIDR (or bare IP) per line from path. Blank lines and
// lines beginning with "#" are ignored.
func (r *Range) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("iprange: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if err := r.AddString(line); err != nil {
			return err
		}
	}

	return scanner.Err()
}

func less(a, b netip.Addr) bool {
	return a.Less(b)
}

// covers reports whether parent fully covers child (parent is wider or
// equal and child's network falls within parent).
func covers(parent, child netip.Prefix) bool {
	return parent.Bits() <= child.Bits() && parent.Contains(child.Addr())
}

// mergeAdjacent repeatedly merges sibling prefixes (same bits, differing
// only in the last bit of the prefix, whose union forms the parent prefix)
// until no further merge is possible.
func mergeAdjacent(ps []netip.Prefix) []netip.Prefix {
	for {
		out, changed := mergePass(ps)
		ps = out

		if !changed {
			return ps
		}
	}
}

func mergePass(ps []netip.Prefix) ([]netip.Prefix, bool) {
	out := make([]netip.Prefix, 0, len(ps))
	changed := false

	i := 0
	for i < len(ps) {
		if i+1 < len(ps) {
			if parent, ok := sibling(ps[i], ps[i+1]); ok {
				out = append(out, parent)
				i += 2
				changed = true

				continue
			}
		}

		out = append(out, ps[i])
		i++
	}

	return out, changed
}

// sibling reports whether a and b are the two halves of a common parent
// prefix one bit wider, returning that parent if so.
func sibling(a, b netip.Prefix) (netip.Prefix, bool) {
	if a.Bits() != b.Bits() || a.Bits() == 0 {
		return netip.Prefix{}, false
	}

	parentBits := a.Bits() - 1

	pa, err := a.Addr().Prefix(parentBits)
	if err != nil {
		return netip.Prefix{}, false
	}

	pb, err := b.Addr().Prefix(parentBits)
	if err != nil {
		return netip.Prefix{}, false
	}

	if pa != pb {
		return netip.Prefix{}, false
	}

	if pa.Bits() == a.Bits() { // a already equals its own "parent" (shouldn't happen)
		return netip.Prefix{}, false
	}

	return pa, true
}

func isSorted(ps []netip.Prefix) bool {
	for i := 1; i < len(ps); i++ {
		if less(ps[i].Addr(), ps[i-1].Addr()) {
			return false
		}
	}

	return true
}
