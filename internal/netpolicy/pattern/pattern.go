// Package pattern implements the destination patterns used by per-extension
// network policies: exact and wildcard domains, domain globs, IP literals,
// wildcard-octet IPs, and named IP classes (private, localhost, metadata).
//
// Patterns are parsed once at policy write time; matching is pure and total,
// so an unparseable pattern can never reach the enforcement hot path.
package pattern

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
)

// ErrInvalidPattern is wrapped by every parse failure so the policy write
// path can reject malformed patterns before storage.
var ErrInvalidPattern = fmt.Errorf("invalid pattern")

// Kind identifies the shape of a parsed pattern.
type Kind int

const (
	// KindDomainExact is a full-hostname, case-insensitive match.
	KindDomainExact Kind = iota
	// KindDomainWildcard is a "*.suffix" pattern matching any hostname with
	// at least one additional label before the suffix (never the bare apex).
	KindDomainWildcard
	// KindDomainGlob is a general domain glob such as "api.*.com".
	KindDomainGlob
	// KindIPExact is a single IP address in canonical form.
	KindIPExact
	// KindIPWildcard is a dotted IPv4 pattern with "*" groups, e.g. "192.168.*.*".
	KindIPWildcard
	// KindIPClass is a named class resolved to fixed CIDR ranges at parse time.
	KindIPClass
	// KindMatchAll is the bare "*" pattern matching every hostname and address.
	KindMatchAll
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindDomainExact:
		return "domain"
	case KindDomainWildcard:
		return "domain-wildcard"
	case KindDomainGlob:
		return "domain-glob"
	case KindIPExact:
		return "ip"
	case KindIPWildcard:
		return "ip-wildcard"
	case KindIPClass:
		return "ip-class"
	case KindMatchAll:
		return "match-all"
	default:
		return "unknown"
	}
}

// Pattern is a compiled destination pattern. Matching is allocation-free.
type Pattern struct {
	raw  string
	kind Kind

	domain   string // exact hostname, or wildcard suffix, lowercase
	g        glob.Glob
	addr     netip.Addr
	groups   []string // IPv4 wildcard groups
	prefixes []netip.Prefix
	class    string
}

// Parse compiles a pattern string, inferring its kind. The empty string and
// syntactically malformed patterns are rejected with ErrInvalidPattern.
func Parse(s string) (*Pattern, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}

	if raw == "*" {
		return &Pattern{raw: raw, kind: KindMatchAll}, nil
	}

	if prefixes, ok := classPrefixes(raw); ok {
		return &Pattern{raw: raw, kind: KindIPClass, class: strings.ToLower(raw), prefixes: prefixes}, nil
	}

	if addr, err := netip.ParseAddr(raw); err == nil {
		return &Pattern{raw: raw, kind: KindIPExact, addr: addr.Unmap()}, nil
	}

	if looksLikeIPWildcard(raw) {
		groups, err := parseIPWildcard(raw)
		if err != nil {
			return nil, err
		}
		return &Pattern{raw: raw, kind: KindIPWildcard, groups: groups}, nil
	}

	host := normalizeHost(raw)
	if suffix, ok := strings.CutPrefix(host, "*."); ok && !strings.ContainsAny(suffix, "*?[") {
		if err := validateDomain(suffix); err != nil {
			return nil, err
		}
		return &Pattern{raw: raw, kind: KindDomainWildcard, domain: suffix}, nil
	}

	if strings.ContainsAny(host, "*?[") {
		g, err := glob.Compile(host, '.')
		if err != nil {
			return nil, fmt.Errorf("%w: compile glob %q: %v", ErrInvalidPattern, raw, err)
		}
		return &Pattern{raw: raw, kind: KindDomainGlob, domain: host, g: g}, nil
	}

	if err := validateDomain(host); err != nil {
		return nil, err
	}
	return &Pattern{raw: raw, kind: KindDomainExact, domain: host}, nil
}

// MustParse parses a pattern and panics on failure. For statically known
// patterns such as preset definitions.
func MustParse(s string) *Pattern {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Raw returns the original pattern string.
func (p *Pattern) Raw() string { return p.raw }

// Kind returns the inferred pattern kind.
func (p *Pattern) Kind() Kind { return p.kind }

// IsDomainKind reports whether the pattern can match a hostname.
func (p *Pattern) IsDomainKind() bool {
	switch p.kind {
	case KindDomainExact, KindDomainWildcard, KindDomainGlob, KindMatchAll:
		return true
	}
	return false
}

// IsIPKind reports whether the pattern can match an IP address.
func (p *Pattern) IsIPKind() bool {
	switch p.kind {
	case KindIPExact, KindIPWildcard, KindIPClass, KindMatchAll:
		return true
	}
	return false
}

// MatchesDomain reports whether hostname matches this pattern. IP-kind
// patterns never match a hostname; IP literals are matched via MatchesIP.
func (p *Pattern) MatchesDomain(hostname string) bool {
	host := normalizeHost(hostname)
	if host == "" {
		return false
	}

	switch p.kind {
	case KindMatchAll:
		return true
	case KindDomainExact:
		return host == p.domain
	case KindDomainWildcard:
		// "*.weather.com" requires at least one label before the suffix,
		// so the bare apex never matches.
		return strings.HasSuffix(host, "."+p.domain) && len(host) > len(p.domain)+1
	case KindDomainGlob:
		return p.g.Match(host)
	default:
		return false
	}
}

// MatchesIP reports whether addr matches this pattern. Domain-kind patterns
// never match an address. Named classes use address-in-prefix arithmetic,
// never string comparison.
func (p *Pattern) MatchesIP(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()

	switch p.kind {
	case KindMatchAll:
		return true
	case KindIPExact:
		return addr == p.addr
	case KindIPWildcard:
		return matchIPWildcard(p.groups, addr)
	case KindIPClass:
		for _, pfx := range p.prefixes {
			if pfx.Contains(addr) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func normalizeHost(s string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), ".")
}

// looksLikeIPWildcard reports whether every dot-separated group is either
// "*" or numeric, with at least one "*" present.
func looksLikeIPWildcard(s string) bool {
	groups := strings.Split(s, ".")
	if len(groups) != 4 {
		return false
	}
	sawStar := false
	for _, g := range groups {
		if g == "*" {
			sawStar = true
			continue
		}
		if g == "" {
			return false
		}
		for _, c := range g {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return sawStar
}

func parseIPWildcard(s string) ([]string, error) {
	groups := strings.Split(s, ".")
	for _, g := range groups {
		if g == "*" {
			continue
		}
		n, err := strconv.Atoi(g)
		if err != nil || n < 0 || n > 255 {
			return nil, fmt.Errorf("%w: bad octet %q in %q", ErrInvalidPattern, g, s)
		}
	}
	return groups, nil
}

// matchIPWildcard requires the address to have the same number of groups as
// the pattern; "*" matches any single group value.
func matchIPWildcard(groups []string, addr netip.Addr) bool {
	if !addr.Is4() {
		return false
	}
	octets := addr.As4()
	for i, g := range groups {
		if g == "*" {
			continue
		}
		if g != strconv.Itoa(int(octets[i])) {
			return false
		}
	}
	return true
}

func validateDomain(host string) error {
	if host == "" {
		return fmt.Errorf("%w: empty hostname", ErrInvalidPattern)
	}
	if len(host) > 253 {
		return fmt.Errorf("%w: hostname too long: %q", ErrInvalidPattern, host)
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" {
			return fmt.Errorf("%w: empty label in %q", ErrInvalidPattern, host)
		}
		if len(label) > 63 {
			return fmt.Errorf("%w: label too long in %q", ErrInvalidPattern, host)
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return fmt.Errorf("%w: bad label %q in %q", ErrInvalidPattern, label, host)
		}
		for _, c := range label {
			if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '_' {
				continue
			}
			return fmt.Errorf("%w: bad character %q in %q", ErrInvalidPattern, c, host)
		}
	}
	return nil
}
