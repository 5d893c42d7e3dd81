package netpolicy

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/skillgate/skillgate/internal/netpolicy/pattern"
)

// Package-level singleton: constructing a validator per call is expensive.
var validate = validator.New()

// Validate performs full write-time validation: struct-level constraints,
// pattern syntax for every allow/block entry, and port bounds. Invalid
// policies are rejected before storage so enforcement only ever sees
// well-formed patterns.
func (p *NetworkPolicy) Validate() error {
	if p == nil {
		return fmt.Errorf("policy is nil")
	}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("validate policy %q: %w", p.ExtensionID, err)
	}
	if p.Extends == p.ExtensionID && p.Extends != "" {
		return fmt.Errorf("policy %q: %w: extends itself", p.ExtensionID, ErrPolicyCycle)
	}
	for _, s := range p.Allow {
		if _, err := pattern.Parse(s); err != nil {
			return fmt.Errorf("policy %q allow: %w", p.ExtensionID, err)
		}
	}
	for _, s := range p.Block {
		if _, err := pattern.Parse(s); err != nil {
			return fmt.Errorf("policy %q block: %w", p.ExtensionID, err)
		}
	}
	return nil
}
