package netpolicy

import "sort"

// Built-in presets. Presets are applied by value: the returned policy is a
// fresh copy each time, so later edits to an applied policy never feed back
// into the preset definition.
var presets = map[string]func() *NetworkPolicy{
	// Public HTTPS APIs only; private, loopback and cloud metadata ranges
	// are blocked even though allow is "*".
	"public-api": func() *NetworkPolicy {
		return &NetworkPolicy{
			Mode:      ModeAllowlist,
			Allow:     []string{"*"},
			Block:     []string{"private", "localhost", "metadata"},
			Protocols: &ProtocolRules{Allow: []string{"https"}},
			Enabled:   true,
		}
	},
	"internal-only": func() *NetworkPolicy {
		return &NetworkPolicy{
			Mode:    ModeAllowlist,
			Allow:   []string{"private", "localhost"},
			Enabled: true,
		}
	},
	"no-network": func() *NetworkPolicy {
		return &NetworkPolicy{
			Mode:    ModeAllowlist,
			Allow:   []string{},
			Enabled: true,
		}
	},
	// Everything allowed. Must be applied explicitly; never a default.
	"unrestricted": func() *NetworkPolicy {
		return &NetworkPolicy{
			Mode:    ModeBlocklist,
			Block:   []string{},
			Enabled: true,
		}
	},
}

// Preset returns a fresh copy of the named preset, or ErrUnknownPreset.
func Preset(name string) (*NetworkPolicy, error) {
	mk, ok := presets[name]
	if !ok {
		return nil, ErrUnknownPreset
	}
	p := mk()
	p.PresetName = name
	return p, nil
}

// PresetNames returns the built-in preset names, sorted alphabetically.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
