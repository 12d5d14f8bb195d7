// Package config loads the external YAML configuration file into an
// immutable, fully-resolved Config: named upstream clients, domain sets,
// IP ranges, and ordered request/response rules. Once Load returns, the
// result is never mutated again for the process lifetime — there is no
// admin API, file watcher, or runtime rule editor anywhere in this
// module.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	yaml "github.com/goccy/go-yaml"
	"github.com/miekg/dns"

	"github.com/dnsrelay/dnsrelay/internal/domainset"
	"github.com/dnsrelay/dnsrelay/internal/filter"
	"github.com/dnsrelay/dnsrelay/internal/iprange"
	"github.com/dnsrelay/dnsrelay/internal/router"
	"github.com/dnsrelay/dnsrelay/internal/upstream"
)

// Config is the fully-built, immutable process configuration.
type Config struct {
	Bind             netip.AddrPort
	Upstreams        map[string]*upstream.Client
	DomainSets       map[string]*domainset.Set
	IPRanges         map[string]*iprange.Range
	RequestRules     []router.Rule
	ResponseRules    []filter.Rule
	DefaultUpstreams []string
}

// fileConfig is the raw YAML shape, matching the external interface
// documented in SPEC_FULL.md §6.
type fileConfig struct {
	Bind      string                        `yaml:"bind"`
	Upstreams map[string]upstreamFileConfig `yaml:"upstreams"`
	Domains   map[string]domainset.Source   `yaml:"domains"`
	Ranges    map[string]rangeFileConfig    `yaml:"ranges"`
	Requests  []requestRuleFileConfig       `yaml:"requests"`
	Responses []responseRuleFileConfig      `yaml:"responses"`
}

type upstreamFileConfig struct {
	Address string `yaml:"address"`
	Network string `yaml:"network"`
	Proxy   string `yaml:"proxy,omitempty"`
	TLSHost string `yaml:"tls-host,omitempty"`
	Default *bool  `yaml:"default,omitempty"`
}

// UnmarshalYAML applies the "default is true when omitted" rule, grounded
// on original_source/src/config.rs's UpstreamConfig::default_default.
func (u *upstreamFileConfig) UnmarshalYAML(unmarshal func(any) error) error {
	type in upstreamFileConfig

	var tmp in
	if err := unmarshal(&tmp); err != nil {
		return err //nolint:wrapcheck // goccy/go-yaml error is self-descriptive
	}

	*u = upstreamFileConfig(tmp)

	if u.Default == nil {
		t := true
		u.Default = &t
	}

	return nil
}

type rangeFileConfig struct {
	Files []string `yaml:"files,omitempty"`
	List  []string `yaml:"list,omitempty"`
}

type requestRuleFileConfig struct {
	Domains   []string `yaml:"domains,omitempty"`
	Types     []string `yaml:"types,omitempty"`
	Upstreams []string `yaml:"upstreams"`
}

type responseRuleFileConfig struct {
	Upstreams []string `yaml:"upstreams,omitempty"`
	Ranges    []string `yaml:"ranges,omitempty"`
	Domains   []string `yaml:"domains,omitempty"`
	Action    string   `yaml:"action"`
}

// Load reads path, parses it as YAML, and builds a Config. Any failure
// here is fatal at startup (see SPEC_FULL.md §7).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return build(fc)
}

func build(fc fileConfig) (*Config, error) {
	bind, err := netip.ParseAddrPort(fc.Bind)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBindAddress, fc.Bind, err)
	}

	upstreams, defaults, err := buildUpstreams(fc.Upstreams)
	if err != nil {
		return nil, err
	}

	if len(defaults) == 0 {
		return nil, ErrNoUpstream
	}

	domainSets, err := buildDomainSets(fc.Domains)
	if err != nil {
		return nil, err
	}

	ipRanges, err := buildIPRanges(fc.Ranges)
	if err != nil {
		return nil, err
	}

	requestRules, err := buildRequestRules(fc.Requests, domainSets, upstreams)
	if err != nil {
		return nil, err
	}

	responseRules, err := buildResponseRules(fc.Responses, domainSets, ipRanges, upstreams)
	if err != nil {
		return nil, err
	}

	return &Config{
		Bind:             bind,
		Upstreams:        upstreams,
		DomainSets:       domainSets,
		IPRanges:         ipRanges,
		RequestRules:     requestRules,
		ResponseRules:    responseRules,
		DefaultUpstreams: defaults,
	}, nil
}

func buildUpstreams(in map[string]upstreamFileConfig) (map[string]*upstream.Client, []string, error) {
	out := make(map[string]*upstream.Client, len(in))

	var defaults []string

	for name, uc := range in {
		network, err := parseNetwork(uc.Network)
		if err != nil {
			return nil, nil, err
		}

		addrs, err := parseAddresses(uc.Address, network)
		if err != nil {
			return nil, nil, err
		}

		if (network == upstream.Tls || network == upstream.Https) && uc.TLSHost == "" {
			return nil, nil, fmt.Errorf("%w: upstream %q", ErrNoTLSHost, name)
		}

		client, err := upstream.New(upstream.Config{
			Name:      name,
			Network:   network,
			Addresses: addrs,
			TLSHost:   uc.TLSHost,
			ProxyURI:  uc.Proxy,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("config: build upstream %q: %w", name, err)
		}

		out[name] = client

		if uc.Default == nil || *uc.Default {
			defaults = append(defaults, name)
		}
	}

	return out, defaults, nil
}

func parseNetwork(s string) (upstream.Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "udp", "":
		return upstream.Udp, nil
	case "tcp":
		return upstream.Tcp, nil
	case "tls":
		return upstream.Tls, nil
	case "https":
		return upstream.Https, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownNetwork, s)
	}
}

func defaultPort(n upstream.Network) uint16 {
	switch n {
	case upstream.Tls:
		return 853
	case upstream.Https:
		return 443
	case upstream.Tcp, upstream.Udp:
		return 53
	default:
		return 53
	}
}

// parseAddresses accepts either host:port or a bare IP (bare IP takes the
// transport's default port), matching original_source/src/config.rs's
// UpstreamConfig::build address-parsing fallback exactly.
func parseAddresses(address string, network upstream.Network) ([]netip.AddrPort, error) {
	address = strings.TrimSpace(address)

	if ap, err := netip.ParseAddrPort(address); err == nil {
		return []netip.AddrPort{ap}, nil
	}

	addr, err := netip.ParseAddr(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, address)
	}

	return []netip.AddrPort{netip.AddrPortFrom(addr, defaultPort(network))}, nil
}

func buildDomainSets(in map[string]domainset.Source) (map[string]*domainset.Set, error) {
	out := make(map[string]*domainset.Set, len(in))

	for name, src := range in {
		set, err := domainset.Build(src)
		if err != nil {
			return nil, fmt.Errorf("config: domain set %q: %w", name, err)
		}

		out[name] = set
	}

	return out, nil
}

func buildIPRanges(in map[string]rangeFileConfig) (map[string]*iprange.Range, error) {
	out := make(map[string]*iprange.Range, len(in))

	for name, rc := range in {
		r := iprange.New()

		for _, f := range rc.Files {
			if err := r.LoadFile(f); err != nil {
				return nil, fmt.Errorf("config: ip range %q: %w", name, err)
			}
		}

		for _, line := range rc.List {
			if err := r.AddString(line); err != nil {
				return nil, fmt.Errorf("config: ip range %q: %w", name, err)
			}
		}

		r.Simplify()
		out[name] = r
	}

	return out, nil
}

func buildRequestRules(
	in []requestRuleFileConfig,
	domainSets map[string]*domainset.Set,
	upstreams map[string]*upstream.Client,
) ([]router.Rule, error) {
	rules := make([]router.Rule, 0, len(in))

	for _, rc := range in {
		sets, err := resolveDomainSets(rc.Domains, domainSets)
		if err != nil {
			return nil, err
		}

		var types []uint16
		if rc.Types != nil {
			types = make([]uint16, 0, len(rc.Types))

			for _, t := range rc.Types {
				qt, ok := dns.StringToType[strings.ToUpper(t)]
				if !ok {
					return nil, fmt.Errorf("%w: %q", ErrUnknownRecordType, t)
				}

				types = append(types, qt)
			}
		}

		if err := checkUpstreamsExist(rc.Upstreams, upstreams); err != nil {
			return nil, err
		}

		rules = append(rules, router.Rule{Domains: sets, Types: types, Upstreams: rc.Upstreams})
	}

	return rules, nil
}

func buildResponseRules(
	in []responseRuleFileConfig,
	domainSets map[string]*domainset.Set,
	ipRanges map[string]*iprange.Range,
	upstreams map[string]*upstream.Client,
) ([]filter.Rule, error) {
	rules := make([]filter.Rule, 0, len(in))

	for _, rc := range in {
		sets, err := resolveDomainSets(rc.Domains, domainSets)
		if err != nil {
			return nil, err
		}

		ranges, err := resolveIPRanges(rc.Ranges, ipRanges)
		if err != nil {
			return nil, err
		}

		if err := checkUpstreamsExist(rc.Upstreams, upstreams); err != nil {
			return nil, err
		}

		var action filter.Action

		switch strings.ToLower(rc.Action) {
		case "accept":
			action = filter.Accept
		case "drop":
			action = filter.Drop
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownAction, rc.Action)
		}

		rules = append(rules, filter.Rule{
			Upstreams: rc.Upstreams,
			Ranges:    ranges,
			Domains:   sets,
			Action:    action,
		})
	}

	return rules, nil
}

func resolveDomainSets(names []string, sets map[string]*domainset.Set) ([]*domainset.Set, error) {
	if names == nil {
		return nil, nil
	}

	out := make([]*domainset.Set, 0, len(names))

	for _, n := range names {
		s, ok := sets[n]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownDomainSet, n)
		}

		out = append(out, s)
	}

	return out, nil
}

func resolveIPRanges(names []string, ranges map[string]*iprange.Range) ([]*iprange.Range, error) {
	if names == nil {
		return nil, nil
	}

	out := make([]*iprange.Range, 0, len(names))

	for _, n := range names {
		r, ok := ranges[n]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownIPRange, n)
		}

		out = append(out, r)
	}

	return out, nil
}

func checkUpstreamsExist(names []string, upstreams map[string]*upstream.Client) error {
	for _, n := range names {
		if _, ok := upstreams[n]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownUpstream, n)
		}
	}

	return nil
}

