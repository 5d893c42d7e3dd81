package netpolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertAndGet(t *testing.T) {
	s := NewStore()
	err := s.Upsert(&NetworkPolicy{
		ExtensionID: "weather-skill",
		Mode:        ModeAllowlist,
		Allow:       []string{"api.weather.com", "*.weather.com"},
		Enabled:     true,
	})
	require.NoError(t, err)

	p, ok := s.Get("weather-skill")
	require.True(t, ok)
	assert.Equal(t, ModeAllowlist, p.Mode)
	assert.Equal(t, []string{"api.weather.com", "*.weather.com"}, p.Allow)

	// Mutating the returned copy must not affect the stored snapshot.
	p.Allow[0] = "evil.example"
	p2, _ := s.Get("weather-skill")
	assert.Equal(t, "api.weather.com", p2.Allow[0])
}

func TestUpsertRejectsInvalid(t *testing.T) {
	s := NewStore()

	tests := []struct {
		name   string
		policy *NetworkPolicy
	}{
		{"missing extension id", &NetworkPolicy{Mode: ModeAllowlist}},
		{"bad mode", &NetworkPolicy{ExtensionID: "x", Mode: "denylist"}},
		{"bad pattern", &NetworkPolicy{ExtensionID: "x", Mode: ModeAllowlist, Allow: []string{"bad host"}}},
		{"port out of range", &NetworkPolicy{ExtensionID: "x", Mode: ModeAllowlist, Ports: &PortRules{Allow: []int{70000}}}},
		{"port zero", &NetworkPolicy{ExtensionID: "x", Mode: ModeAllowlist, Ports: &PortRules{Block: []int{0}}}},
		{"self extends", &NetworkPolicy{ExtensionID: "x", Mode: ModeAllowlist, Extends: "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Upsert(tt.policy)
			require.Error(t, err)
			_, ok := s.Get("x")
			assert.False(t, ok, "failed upsert must leave the store unchanged")
		})
	}
}

func TestUpsertUnknownParent(t *testing.T) {
	s := NewStore()
	err := s.Upsert(&NetworkPolicy{ExtensionID: "child", Mode: ModeAllowlist, Extends: "ghost"})
	require.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestExtendsFlattening(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Upsert(&NetworkPolicy{
		ExtensionID: "base",
		Mode:        ModeBlocklist,
		Block:       []string{"metadata"},
		Ports:       &PortRules{Allow: []int{443}},
		Enabled:     true,
	}))
	require.NoError(t, s.Upsert(&NetworkPolicy{
		ExtensionID: "child",
		Mode:        ModeAllowlist,
		Allow:       []string{"api.weather.com"},
		Block:       []string{"private"},
		Extends:     "base",
		Enabled:     true,
	}))

	eff, err := s.ResolveEffective("child")
	require.NoError(t, err)
	// Child's own mode wins; parent rules come first in the unioned sets.
	assert.Equal(t, ModeAllowlist, eff.Mode)
	assert.Equal(t, []string{"metadata", "private"}, eff.Block)
	assert.Equal(t, []string{"api.weather.com"}, eff.Allow)
	// Ports inherited from parent since child sets none.
	require.NotNil(t, eff.Ports)
	assert.Equal(t, []int{443}, eff.Ports.Allow)
	assert.Empty(t, eff.Extends, "effective policy is flattened")
}

func TestExtendsCycleRejected(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Upsert(&NetworkPolicy{ExtensionID: "a", Mode: ModeAllowlist}))
	require.NoError(t, s.Upsert(&NetworkPolicy{ExtensionID: "b", Mode: ModeAllowlist, Extends: "a"}))

	// Completing the cycle a -> b -> a must be rejected at write time.
	err := s.Upsert(&NetworkPolicy{ExtensionID: "a", Mode: ModeAllowlist, Extends: "b"})
	require.ErrorIs(t, err, ErrPolicyCycle)

	// Previous snapshot intact.
	p, ok := s.Get("a")
	require.True(t, ok)
	assert.Empty(t, p.Extends)
}

func TestDeleteRejectsDanglingExtends(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Upsert(&NetworkPolicy{ExtensionID: "base", Mode: ModeAllowlist}))
	require.NoError(t, s.Upsert(&NetworkPolicy{ExtensionID: "child", Mode: ModeAllowlist, Extends: "base"}))

	err := s.Delete("base")
	require.Error(t, err)
	_, ok := s.Get("base")
	assert.True(t, ok)

	require.NoError(t, s.Delete("child"))
	require.NoError(t, s.Delete("base"))
	_, ok = s.Get("base")
	assert.False(t, ok)
}

func TestApplyPresetIdempotent(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.ApplyPreset("ext", "public-api"))
	first, err := s.ResolveEffective("ext")
	require.NoError(t, err)

	require.NoError(t, s.ApplyPreset("ext", "public-api"))
	second, err := s.ResolveEffective("ext")
	require.NoError(t, err)

	assert.Equal(t, first, second, "applying the same preset twice must yield identical snapshots")
	assert.Equal(t, "public-api", first.PresetName)
}

func TestApplyPresetByValue(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.ApplyPreset("ext", "internal-only"))

	// Editing the applied policy must not leak into later preset applications.
	require.NoError(t, s.AddAllow("ext", "api.corp.example"))

	require.NoError(t, s.ApplyPreset("other", "internal-only"))
	p, _ := s.Get("other")
	assert.Equal(t, []string{"private", "localhost"}, p.Allow)
}

func TestApplyUnknownPreset(t *testing.T) {
	s := NewStore()
	err := s.ApplyPreset("ext", "nope")
	require.ErrorIs(t, err, ErrUnknownPreset)
}

func TestConvenienceWrites(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.AddAllow("ext", "api.weather.com"))
	require.NoError(t, s.AddAllow("ext", "api.weather.com", "*.weather.com"))
	require.NoError(t, s.AddBlock("ext", "metadata"))
	require.NoError(t, s.SetMode("ext", ModeBlocklist))
	require.NoError(t, s.SetEnabled("ext", false))

	p, ok := s.Get("ext")
	require.True(t, ok)
	assert.Equal(t, []string{"api.weather.com", "*.weather.com"}, p.Allow, "duplicates collapse")
	assert.Equal(t, []string{"metadata"}, p.Block)
	assert.Equal(t, ModeBlocklist, p.Mode)
	assert.False(t, p.Enabled)

	assert.ErrorIs(t, s.SetEnabled("ghost", true), ErrUnknownPolicy)
}

func TestPresetNames(t *testing.T) {
	assert.Equal(t, []string{"internal-only", "no-network", "public-api", "unrestricted"}, PresetNames())
}

func TestPortAndProtocolRules(t *testing.T) {
	var nilPorts *PortRules
	assert.True(t, nilPorts.Permits(443))

	ports := &PortRules{Allow: []int{443, 8443}, Block: []int{8443}}
	assert.True(t, ports.Permits(443))
	assert.False(t, ports.Permits(8443), "block wins over allow")
	assert.False(t, ports.Permits(80))

	protos := &ProtocolRules{Allow: []string{"https", "WSS"}}
	assert.True(t, protos.Permits("https"))
	assert.True(t, protos.Permits("wss"))
	assert.False(t, protos.Permits("http"))

	var nilProtos *ProtocolRules
	assert.True(t, nilProtos.Permits("gopher"))
}
