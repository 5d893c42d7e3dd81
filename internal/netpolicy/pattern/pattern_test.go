package pattern

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantKind Kind
		wantErr  bool
	}{
		{name: "exact domain", in: "api.weather.com", wantKind: KindDomainExact},
		{name: "uppercase domain normalized", in: "API.Weather.COM", wantKind: KindDomainExact},
		{name: "wildcard domain", in: "*.weather.com", wantKind: KindDomainWildcard},
		{name: "domain glob", in: "api.*.com", wantKind: KindDomainGlob},
		{name: "match all", in: "*", wantKind: KindMatchAll},
		{name: "exact ipv4", in: "192.168.1.5", wantKind: KindIPExact},
		{name: "exact ipv6", in: "::1", wantKind: KindIPExact},
		{name: "ip wildcard", in: "192.168.*.*", wantKind: KindIPWildcard},
		{name: "class private", in: "private", wantKind: KindIPClass},
		{name: "class localhost", in: "localhost", wantKind: KindIPClass},
		{name: "class metadata", in: "metadata", wantKind: KindIPClass},
		{name: "class case-insensitive", in: "Private", wantKind: KindIPClass},
		{name: "empty", in: "", wantErr: true},
		{name: "whitespace only", in: "   ", wantErr: true},
		{name: "bad octet", in: "192.999.*.*", wantErr: true},
		{name: "bad domain char", in: "exa mple.com", wantErr: true},
		{name: "empty label", in: "a..com", wantErr: true},
		{name: "leading hyphen label", in: "-bad.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidPattern)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, p.Kind())
			assert.Equal(t, tt.in, p.Raw())
		})
	}
}

func TestMatchesDomain(t *testing.T) {
	tests := []struct {
		pattern string
		host    string
		want    bool
	}{
		{"api.weather.com", "api.weather.com", true},
		{"api.weather.com", "API.WEATHER.COM", true},
		{"api.weather.com", "api.weather.com.", true},
		{"api.weather.com", "www.weather.com", false},

		// Wildcard matches strict sub-labels only, never the apex.
		{"*.weather.com", "api.weather.com", true},
		{"*.weather.com", "a.b.weather.com", true},
		{"*.weather.com", "weather.com", false},
		{"*.weather.com", "notweather.com", false},

		{"api.*.com", "api.weather.com", true},
		{"api.*.com", "api.example.com", true},
		{"api.*.com", "www.weather.com", false},

		{"*", "anything.example", true},

		// IP-kind patterns never match hostnames.
		{"192.168.1.5", "192.168.1.5", false},
		{"private", "intranet.corp", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.host, func(t *testing.T) {
			p := MustParse(tt.pattern)
			assert.Equal(t, tt.want, p.MatchesDomain(tt.host))
		})
	}
}

func TestMatchesIP(t *testing.T) {
	tests := []struct {
		pattern string
		ip      string
		want    bool
	}{
		{"192.168.1.5", "192.168.1.5", true},
		{"192.168.1.5", "192.168.1.6", false},

		{"192.168.*.*", "192.168.0.1", true},
		{"192.168.*.*", "192.168.255.255", true},
		{"192.168.*.*", "10.0.0.1", false},
		{"192.168.*.*", "::1", false},

		{"private", "10.1.2.3", true},
		{"private", "172.20.0.1", true},
		{"private", "192.168.5.5", true},
		{"private", "8.8.8.8", false},
		// Range arithmetic, not string prefixes: 172.32.x is outside /12.
		{"private", "172.32.0.1", false},

		{"localhost", "127.0.0.1", true},
		{"localhost", "127.8.8.8", true},
		{"localhost", "::1", true},
		{"localhost", "128.0.0.1", false},

		{"metadata", "169.254.169.254", true},
		{"metadata", "169.254.169.253", false},

		{"*", "203.0.113.9", true},

		// Domain-kind patterns never match addresses.
		{"api.weather.com", "192.168.1.5", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.ip, func(t *testing.T) {
			p := MustParse(tt.pattern)
			addr := netip.MustParseAddr(tt.ip)
			assert.Equal(t, tt.want, p.MatchesIP(addr))
		})
	}
}

func TestMatchesIPMappedV4(t *testing.T) {
	p := MustParse("private")
	addr := netip.MustParseAddr("::ffff:192.168.1.1")
	assert.True(t, p.MatchesIP(addr), "IPv4-mapped address should unmap before range check")
}

func TestKindPredicates(t *testing.T) {
	assert.True(t, MustParse("*.weather.com").IsDomainKind())
	assert.False(t, MustParse("*.weather.com").IsIPKind())
	assert.True(t, MustParse("private").IsIPKind())
	assert.False(t, MustParse("private").IsDomainKind())
	assert.True(t, MustParse("*").IsDomainKind())
	assert.True(t, MustParse("*").IsIPKind())
}

func TestClasses(t *testing.T) {
	assert.Equal(t, []string{"localhost", "metadata", "private"}, Classes())
	assert.True(t, IsClass("metadata"))
	assert.False(t, IsClass("corp"))
}
