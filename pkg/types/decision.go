package types

// Decision is the outcome of evaluating one outbound request against an
// extension's network policy. Enforcement never returns an error for a
// policy outcome; every evaluation terminates in a Decision.
type Decision struct {
	Allowed bool `json:"allowed"`

	// Reason is a human-readable explanation of the outcome.
	Reason string `json:"reason"`

	// MatchedRule describes the deciding pattern or mode default
	// (e.g. `block pattern "metadata"`, `allowlist default deny`).
	MatchedRule string `json:"matched_rule,omitempty"`

	// ResolvedIPs are the addresses the target host resolved to, when
	// resolution was reached before the decision.
	ResolvedIPs []string `json:"resolved_ips,omitempty"`

	// Violation is set on denied decisions for the invoking collaborator
	// to surface to the extension.
	Violation *Violation `json:"violation,omitempty"`
}

// Violation is the denial signal surfaced to the extension-invocation
// collaborator. It implements error.
type Violation struct {
	ExtensionID string `json:"extension_id"`
	URL         string `json:"url"`
	Reason      string `json:"reason"`
}

func (v *Violation) Error() string {
	return "network policy violation: extension " + v.ExtensionID + " denied " + v.URL + ": " + v.Reason
}
