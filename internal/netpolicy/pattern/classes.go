package pattern

import (
	"net/netip"
	"sort"
	"strings"
)

// Named IP classes are a closed enumeration resolved to fixed CIDR ranges at
// startup, so hot-path matching stays allocation-free.
var classRanges = map[string][]netip.Prefix{
	// RFC 1918 plus IPv6 unique-local.
	"private": {
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
		netip.MustParsePrefix("fc00::/7"),
	},
	"localhost": {
		netip.MustParsePrefix("127.0.0.0/8"),
		netip.MustParsePrefix("::1/128"),
	},
	// Cloud metadata endpoints: the IMDS IPv4 anycast address and the
	// IPv6 equivalent used by EC2.
	"metadata": {
		netip.MustParsePrefix("169.254.169.254/32"),
		netip.MustParsePrefix("fd00:ec2::254/128"),
	},
}

func classPrefixes(name string) ([]netip.Prefix, bool) {
	prefixes, ok := classRanges[strings.ToLower(strings.TrimSpace(name))]
	return prefixes, ok
}

// IsClass reports whether name is a recognized named IP class.
func IsClass(name string) bool {
	_, ok := classPrefixes(name)
	return ok
}

// Classes returns the recognized class names, sorted alphabetically.
func Classes() []string {
	names := make([]string, 0, len(classRanges))
	for name := range classRanges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
