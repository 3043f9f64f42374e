// Package blocklist matches URLs and IP addresses against capture exclusion rules.
//
// A rule is one of:
//   - a CIDR range such as "10.0.0.0/8" or "fc00::/7", matching IP addresses
//     and URLs whose host is an IP literal in the range;
//   - a regular expression written "/pattern/" (optionally "/pattern/i");
//   - any other string, matching candidates that start with it.
package blocklist

import (
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
)

type ruleKind int

const (
	ruleLiteral ruleKind = iota
	ruleCIDR
	ruleRegexp
)

type rule struct {
	raw    string
	kind   ruleKind
	prefix netip.Prefix
	re     *regexp.Regexp
}

// Matcher implements interfaces.Blocklist.
type Matcher struct {
	rules []rule
}

// DefaultRules excludes loopback, link-local and private networks.
func DefaultRules() []string {
	return []string{
		"/https?://localhost/",
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"172.16.0.0/12",
		"192.0.0.0/29",
		"192.168.0.0/16",
		"198.18.0.0/15",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	}
}

// New compiles entries. Invalid regular expressions are rejected.
func New(entries []string) (*Matcher, error) {
	m := &Matcher{rules: make([]rule, 0, len(entries))}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		r, err := compile(entry)
		if err != nil {
			return nil, err
		}
		m.rules = append(m.rules, r)
	}
	return m, nil
}

func compile(entry string) (rule, error) {
	if len(entry) > 2 && strings.HasPrefix(entry, "/") {
		if end := strings.LastIndex(entry, "/"); end > 0 {
			pattern, flags := entry[1:end], entry[end+1:]
			if flags == "" || flags == "i" {
				if flags == "i" {
					pattern = "(?i)" + pattern
				}
				re, err := regexp.Compile(pattern)
				if err != nil {
					return rule{}, fmt.Errorf("blocklist: invalid pattern %q: %w", entry, err)
				}
				return rule{raw: entry, kind: ruleRegexp, re: re}, nil
			}
		}
	}
	if p, err := netip.ParsePrefix(entry); err == nil {
		return rule{raw: entry, kind: ruleCIDR, prefix: p.Masked()}, nil
	}
	return rule{raw: entry, kind: ruleLiteral}, nil
}

// Len reports the number of compiled rules.
func (m *Matcher) Len() int { return len(m.rules) }

// Match returns the first rule matching candidate.
func (m *Matcher) Match(candidate string) (string, bool) {
	if m == nil || candidate == "" {
		return "", false
	}
	addr, hasAddr := candidateAddr(candidate)
	for _, r := range m.rules {
		switch r.kind {
		case ruleCIDR:
			if hasAddr && r.prefix.Contains(addr) {
				return r.raw, true
			}
		case ruleRegexp:
			if r.re.MatchString(candidate) {
				return r.raw, true
			}
		default:
			if strings.HasPrefix(candidate, r.raw) {
				return r.raw, true
			}
		}
	}
	return "", false
}

// candidateAddr extracts an IP from a bare address, host:port or URL.
func candidateAddr(candidate string) (netip.Addr, bool) {
	if a, err := netip.ParseAddr(candidate); err == nil {
		return a.Unmap(), true
	}
	if ap, err := netip.ParseAddrPort(candidate); err == nil {
		return ap.Addr().Unmap(), true
	}
	u, err := url.Parse(candidate)
	if err != nil || u.Host == "" {
		return netip.Addr{}, false
	}
	a, err := netip.ParseAddr(u.Hostname())
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}
