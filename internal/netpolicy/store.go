package netpolicy

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Store holds one NetworkPolicy per extension id. Reads are lock-free
// against an immutable snapshot; writes rebuild and atomically publish a new
// snapshot (copy-on-write), so an in-flight enforcement call always sees a
// consistent, complete policy set.
type Store struct {
	mu  sync.Mutex // serializes writers
	cur atomic.Pointer[snapshot]
}

type snapshot struct {
	raw       map[string]*NetworkPolicy
	effective map[string]*CompiledPolicy
}

// NewStore returns an empty policy store.
func NewStore() *Store {
	s := &Store{}
	s.cur.Store(&snapshot{
		raw:       map[string]*NetworkPolicy{},
		effective: map[string]*CompiledPolicy{},
	})
	return s
}

// Get returns a copy of the stored (unflattened) policy for an extension.
func (s *Store) Get(extensionID string) (*NetworkPolicy, bool) {
	p, ok := s.cur.Load().raw[extensionID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Effective returns the compiled, extends-flattened policy for an extension.
func (s *Store) Effective(extensionID string) (*CompiledPolicy, bool) {
	cp, ok := s.cur.Load().effective[extensionID]
	return cp, ok
}

// ResolveEffective returns a copy of the flattened policy for an extension.
func (s *Store) ResolveEffective(extensionID string) (*NetworkPolicy, error) {
	cp, ok := s.Effective(extensionID)
	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", extensionID, ErrUnknownPolicy)
	}
	return cp.Policy.Clone(), nil
}

// List returns copies of all stored policies, sorted by extension id.
func (s *Store) List() []*NetworkPolicy {
	snap := s.cur.Load()
	out := make([]*NetworkPolicy, 0, len(snap.raw))
	for _, p := range snap.raw {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExtensionID < out[j].ExtensionID })
	return out
}

// Upsert validates and stores a policy, replacing any existing policy for
// the same extension id. On any validation error the previous snapshot is
// kept unchanged.
func (s *Store) Upsert(p *NetworkPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw := s.copyRawLocked()
	raw[p.ExtensionID] = p.Clone()

	next, err := buildSnapshot(raw)
	if err != nil {
		return err
	}
	s.cur.Store(next)
	return nil
}

// Delete removes a policy. Policies extending the deleted one are rejected:
// the delete fails if it would leave a dangling extends reference.
func (s *Store) Delete(extensionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw := s.copyRawLocked()
	if _, ok := raw[extensionID]; !ok {
		return fmt.Errorf("delete %q: %w", extensionID, ErrUnknownPolicy)
	}
	delete(raw, extensionID)

	next, err := buildSnapshot(raw)
	if err != nil {
		return fmt.Errorf("delete %q: %w", extensionID, err)
	}
	s.cur.Store(next)
	return nil
}

// ApplyPreset replaces the extension's policy with a by-value copy of the
// named preset. Applying the same preset twice yields identical snapshots.
func (s *Store) ApplyPreset(extensionID, presetName string) error {
	p, err := Preset(presetName)
	if err != nil {
		return fmt.Errorf("apply preset %q: %w", presetName, err)
	}
	p.ExtensionID = extensionID
	return s.Upsert(p)
}

// SetMode updates the mode of an existing policy, creating a default
// allowlist policy when none exists.
func (s *Store) SetMode(extensionID string, mode Mode) error {
	p := s.getOrNew(extensionID)
	p.Mode = mode
	return s.Upsert(p)
}

// AddAllow appends patterns to the policy's allow set, creating a default
// allowlist policy when none exists.
func (s *Store) AddAllow(extensionID string, patterns ...string) error {
	p := s.getOrNew(extensionID)
	p.Allow = appendUnique(p.Allow, patterns)
	return s.Upsert(p)
}

// AddBlock appends patterns to the policy's block set.
func (s *Store) AddBlock(extensionID string, patterns ...string) error {
	p := s.getOrNew(extensionID)
	p.Block = appendUnique(p.Block, patterns)
	return s.Upsert(p)
}

// SetEnabled toggles enforcement for an extension's policy.
func (s *Store) SetEnabled(extensionID string, enabled bool) error {
	p, ok := s.Get(extensionID)
	if !ok {
		return fmt.Errorf("set enabled %q: %w", extensionID, ErrUnknownPolicy)
	}
	p.Enabled = enabled
	return s.Upsert(p)
}

// Replace swaps the entire policy set in one atomic publish. Used by file
// load and hot reload; on error the previous snapshot is kept.
func (s *Store) Replace(policies []*NetworkPolicy) error {
	raw := make(map[string]*NetworkPolicy, len(policies))
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := raw[p.ExtensionID]; dup {
			return fmt.Errorf("duplicate policy for extension %q", p.ExtensionID)
		}
		raw[p.ExtensionID] = p.Clone()
	}

	next, err := buildSnapshot(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Store(next)
	return nil
}

func (s *Store) getOrNew(extensionID string) *NetworkPolicy {
	if p, ok := s.Get(extensionID); ok {
		return p
	}
	return &NetworkPolicy{ExtensionID: extensionID, Mode: ModeAllowlist, Enabled: true}
}

func (s *Store) copyRawLocked() map[string]*NetworkPolicy {
	old := s.cur.Load().raw
	raw := make(map[string]*NetworkPolicy, len(old)+1)
	for id, p := range old {
		raw[id] = p
	}
	return raw
}

// buildSnapshot flattens every extends chain and compiles every effective
// policy. A missing parent or a cycle fails the whole build.
func buildSnapshot(raw map[string]*NetworkPolicy) (*snapshot, error) {
	effective := make(map[string]*CompiledPolicy, len(raw))
	for id := range raw {
		flat, err := flatten(raw, id)
		if err != nil {
			return nil, err
		}
		cp, err := compilePolicy(flat)
		if err != nil {
			return nil, err
		}
		effective[id] = cp
	}
	return &snapshot{raw: raw, effective: effective}, nil
}

// flatten resolves the extends chain for one extension: parents contribute
// their allow/block sets first (child entries appended after, so child rules
// take precedence), while mode, enabled and any child-set port/protocol
// rules come from the child.
func flatten(raw map[string]*NetworkPolicy, extensionID string) (*NetworkPolicy, error) {
	var chain []*NetworkPolicy
	seen := map[string]bool{}
	for id := extensionID; id != ""; {
		if seen[id] {
			return nil, fmt.Errorf("policy %q: %w via %q", extensionID, ErrPolicyCycle, id)
		}
		seen[id] = true
		p, ok := raw[id]
		if !ok {
			return nil, fmt.Errorf("policy %q extends %q: %w", extensionID, id, ErrUnknownPolicy)
		}
		chain = append(chain, p)
		id = p.Extends
	}

	child := chain[0]
	flat := child.Clone()
	flat.Extends = ""
	flat.Allow = nil
	flat.Block = nil

	// Parent-first ordering.
	for i := len(chain) - 1; i >= 0; i-- {
		flat.Allow = appendUnique(flat.Allow, chain[i].Allow)
		flat.Block = appendUnique(flat.Block, chain[i].Block)
	}
	// Nearest ancestor wins for port/protocol rules the child leaves unset.
	for i := 1; i < len(chain); i++ {
		if flat.Ports == nil {
			flat.Ports = chain[i].Ports.Clone()
		}
		if flat.Protocols == nil {
			flat.Protocols = chain[i].Protocols.Clone()
		}
	}
	return flat, nil
}

func appendUnique(dst []string, add []string) []string {
	for _, s := range add {
		dup := false
		for _, have := range dst {
			if have == s {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, s)
		}
	}
	return dst
}
