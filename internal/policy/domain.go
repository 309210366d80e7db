// Package policy decides which destinations the proxy may reach.
package policy

import (
	"errors"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

var (
	ErrInvalidTarget    = errors.New("invalid target URL")
	ErrDomainNotAllowed = errors.New("domain not allowed")
)

// One allow-list entry. Wildcard rules match the base domain and any subdomain of it.
type Rule struct {
	Domain   string
	Wildcard bool
}

func (r Rule) String() string {
	if r.Wildcard {
		return "*." + r.Domain
	}
	return r.Domain
}

// Immutable allow-list of destination hosts. An empty list allows everything.
type DomainPolicy struct {
	rules []Rule
}

// Builds a policy from entries like "example.com" or "*.example.com".
// Entries that don't normalise to a hostname are returned in invalid.
func New(entries []string) (policy *DomainPolicy, invalid []string) {
	rules := make([]Rule, 0, len(entries))
	for _, entry := range entries {
		r, ok := ParseRule(entry)
		if !ok {
			invalid = append(invalid, entry)
			continue
		}
		rules = append(rules, r)
	}
	return &DomainPolicy{rules: rules}, invalid
}

func ParseRule(entry string) (Rule, bool) {
	entry = strings.TrimSpace(entry)
	wildcard := false
	if strings.HasPrefix(entry, "*.") {
		wildcard = true
		entry = entry[2:]
	}

	host, ok := normalizeHost(entry)
	if !ok {
		return Rule{}, false
	}
	return Rule{Domain: host, Wildcard: wildcard}, true
}

func (p *DomainPolicy) Rules() []Rule {
	out := make([]Rule, len(p.rules))
	copy(out, p.rules)
	return out
}

// Permissive reports whether no rules are configured
func (p *DomainPolicy) Permissive() bool {
	return len(p.rules) == 0
}

// Parses and checks a destination URL. The URL must be absolute http(s) with a host.
func (p *DomainPolicy) Check(targetURL string) (*url.URL, error) {
	u, err := ParseTarget(targetURL)
	if err != nil {
		return nil, err
	}
	if !p.allowsHost(u.Hostname()) {
		return u, ErrDomainNotAllowed
	}
	return u, nil
}

// IsAllowed reports whether targetURL may be proxied. Unparsable URLs are never allowed.
func (p *DomainPolicy) IsAllowed(targetURL string) bool {
	_, err := p.Check(targetURL)
	return err == nil
}

func (p *DomainPolicy) allowsHost(hostname string) bool {
	if len(p.rules) == 0 {
		return true
	}

	host, ok := normalizeHost(hostname)
	if !ok {
		return false
	}

	for _, r := range p.rules {
		if host == r.Domain {
			return true
		}
		if r.Wildcard && strings.HasSuffix(host, "."+r.Domain) {
			return true
		}
	}
	return false
}

func ParseTarget(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrInvalidTarget
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, ErrInvalidTarget
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, ErrInvalidTarget
	}
	if u.Hostname() == "" {
		return nil, ErrInvalidTarget
	}
	return u, nil
}

// Only non-ASCII labels need conversion. STD3 and hyphen checks stay off so
// hosts like my_svc.example.com or r3---sn-x.googlevideo.com still match.
var hostProfile = idna.New(idna.MapForLookup(), idna.StrictDomainName(false), idna.Transitional(false))

// Lowercases, drops a trailing dot and converts IDNs to their ASCII form.
// IP literals pass through unchanged.
func normalizeHost(host string) (string, bool) {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" || strings.ContainsAny(host, "/*@ ") {
		return "", false
	}
	if isASCII(host) {
		return host, true
	}

	ascii, err := hostProfile.ToASCII(host)
	if err != nil {
		return "", false
	}
	return ascii, true
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
