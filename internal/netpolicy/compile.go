package netpolicy

import (
	"fmt"
	"net/netip"

	"github.com/skillgate/skillgate/internal/netpolicy/pattern"
)

// CompiledPolicy is an effective (extends-flattened) policy with its
// allow/block patterns compiled. It is immutable once built and shared by
// concurrent enforcement calls.
type CompiledPolicy struct {
	Policy NetworkPolicy

	allow []*pattern.Pattern
	block []*pattern.Pattern
}

func compilePolicy(effective *NetworkPolicy) (*CompiledPolicy, error) {
	cp := &CompiledPolicy{Policy: *effective.Clone()}
	for _, s := range effective.Allow {
		p, err := pattern.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("compile policy %q: %w", effective.ExtensionID, err)
		}
		cp.allow = append(cp.allow, p)
	}
	for _, s := range effective.Block {
		p, err := pattern.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("compile policy %q: %w", effective.ExtensionID, err)
		}
		cp.block = append(cp.block, p)
	}
	return cp, nil
}

// AllowMatchDomain returns the first allow pattern matching host, if any.
func (c *CompiledPolicy) AllowMatchDomain(host string) (*pattern.Pattern, bool) {
	return matchDomain(c.allow, host)
}

// BlockMatchDomain returns the first block pattern matching host, if any.
func (c *CompiledPolicy) BlockMatchDomain(host string) (*pattern.Pattern, bool) {
	return matchDomain(c.block, host)
}

// AllowMatchIP returns the first allow pattern matching addr, if any.
func (c *CompiledPolicy) AllowMatchIP(addr netip.Addr) (*pattern.Pattern, bool) {
	return matchIP(c.allow, addr)
}

// BlockMatchIP returns the first block pattern matching addr, if any.
func (c *CompiledPolicy) BlockMatchIP(addr netip.Addr) (*pattern.Pattern, bool) {
	return matchIP(c.block, addr)
}

func matchDomain(pats []*pattern.Pattern, host string) (*pattern.Pattern, bool) {
	for _, p := range pats {
		if p.MatchesDomain(host) {
			return p, true
		}
	}
	return nil, false
}

func matchIP(pats []*pattern.Pattern, addr netip.Addr) (*pattern.Pattern, bool) {
	for _, p := range pats {
		if p.MatchesIP(addr) {
			return p, true
		}
	}
	return nil, false
}
