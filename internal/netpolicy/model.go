// Package netpolicy holds the per-extension network policy model and the
// policy store. Policies are immutable values: every write publishes a new
// snapshot atomically, so concurrent enforcement reads never observe a
// partially-updated policy.
package netpolicy

import (
	"errors"
	"strings"
)

// Mode determines the default decision when no rule matches: allowlist
// defaults to deny, blocklist defaults to allow.
type Mode string

const (
	ModeAllowlist Mode = "allowlist"
	ModeBlocklist Mode = "blocklist"
)

var (
	// ErrPolicyCycle is returned at write time when the extends graph
	// contains a cycle.
	ErrPolicyCycle = errors.New("policy extends cycle")
	// ErrUnknownPreset is returned when applying a preset name that does
	// not exist.
	ErrUnknownPreset = errors.New("unknown preset")
	// ErrUnknownPolicy is returned when extends references a policy that
	// does not exist.
	ErrUnknownPolicy = errors.New("unknown policy")
)

// NetworkPolicy is the declarative network policy for one extension.
// Allow and Block hold destination patterns (see the pattern package);
// every pattern is validated at write time, never at enforcement time.
type NetworkPolicy struct {
	ExtensionID string `yaml:"extension_id" json:"extension_id" validate:"required"`
	Mode        Mode   `yaml:"mode" json:"mode" validate:"required,oneof=allowlist blocklist"`

	Allow []string `yaml:"allow,omitempty" json:"allow,omitempty"`
	Block []string `yaml:"block,omitempty" json:"block,omitempty"`

	Ports     *PortRules     `yaml:"ports,omitempty" json:"ports,omitempty"`
	Protocols *ProtocolRules `yaml:"protocols,omitempty" json:"protocols,omitempty"`

	// Extends references a parent policy id. The chain is flattened at
	// write time: parent rules are evaluated first, child rules take
	// precedence on conflict.
	Extends string `yaml:"extends,omitempty" json:"extends,omitempty"`

	// PresetName records which built-in preset was last applied.
	// Informational only; never consulted during enforcement.
	PresetName string `yaml:"preset,omitempty" json:"preset,omitempty"`

	// Enabled false makes enforcement fail-open for this extension; the
	// bypass is still audited.
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// PortRules restricts destination ports. A configured block set wins; a
// configured allow set must contain the port; an absent set means no
// restriction at that level.
type PortRules struct {
	Allow []int `yaml:"allow,omitempty" json:"allow,omitempty" validate:"dive,min=1,max=65535"`
	Block []int `yaml:"block,omitempty" json:"block,omitempty" validate:"dive,min=1,max=65535"`
}

// Permits reports whether port passes this rule set.
func (r *PortRules) Permits(port int) bool {
	if r == nil {
		return true
	}
	for _, p := range r.Block {
		if p == port {
			return false
		}
	}
	if len(r.Allow) == 0 {
		return true
	}
	for _, p := range r.Allow {
		if p == port {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (r *PortRules) Clone() *PortRules {
	if r == nil {
		return nil
	}
	return &PortRules{
		Allow: append([]int(nil), r.Allow...),
		Block: append([]int(nil), r.Block...),
	}
}

// ProtocolRules restricts URL schemes (e.g. "http", "https", "ws") with the
// same allow/block semantics as PortRules. Schemes compare case-insensitively.
type ProtocolRules struct {
	Allow []string `yaml:"allow,omitempty" json:"allow,omitempty" validate:"dive,required"`
	Block []string `yaml:"block,omitempty" json:"block,omitempty" validate:"dive,required"`
}

// Permits reports whether scheme passes this rule set.
func (r *ProtocolRules) Permits(scheme string) bool {
	if r == nil {
		return true
	}
	scheme = strings.ToLower(scheme)
	for _, s := range r.Block {
		if strings.ToLower(s) == scheme {
			return false
		}
	}
	if len(r.Allow) == 0 {
		return true
	}
	for _, s := range r.Allow {
		if strings.ToLower(s) == scheme {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (r *ProtocolRules) Clone() *ProtocolRules {
	if r == nil {
		return nil
	}
	return &ProtocolRules{
		Allow: append([]string(nil), r.Allow...),
		Block: append([]string(nil), r.Block...),
	}
}

// Clone returns a deep copy of the policy.
func (p *NetworkPolicy) Clone() *NetworkPolicy {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Allow = append([]string(nil), p.Allow...)
	cp.Block = append([]string(nil), p.Block...)
	cp.Ports = p.Ports.Clone()
	cp.Protocols = p.Protocols.Clone()
	return &cp
}
