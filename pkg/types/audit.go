package types

import "time"

// AuditRecord is the immutable, append-only record of one enforcement
// decision. Exactly one record is produced per Enforce call, including the
// fail-open (no policy, policy disabled) and fail-closed (DNS failure)
// paths.
type AuditRecord struct {
	ID          string   `json:"id"`
	ExtensionID string   `json:"extension_id"`
	URL         string   `json:"url"`
	Method      string   `json:"method"`
	Allowed     bool     `json:"allowed"`
	MatchedRule string   `json:"matched_rule,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	ResolvedIPs []string `json:"resolved_ips,omitempty"`
	TimestampMs int64    `json:"timestamp_ms"`
}

// Time returns the record timestamp as a time.Time.
func (r AuditRecord) Time() time.Time {
	return time.UnixMilli(r.TimestampMs).UTC()
}

// AuditQuery filters audit records. Zero values mean "no filter".
type AuditQuery struct {
	ExtensionID string
	Allowed     *bool
	Since       *time.Time
	Until       *time.Time

	// URLLike is a SQL LIKE pattern matched against the request URL.
	URLLike string

	Limit  int
	Offset int
	Asc    bool
}

// AuditStats are derived statistics recomputed on demand from the audit log,
// which stays the single source of truth.
type AuditStats struct {
	Total       int64                     `json:"total"`
	Allowed     int64                     `json:"allowed"`
	Denied      int64                     `json:"denied"`
	ByExtension map[string]ExtensionStats `json:"by_extension,omitempty"`
}

// ExtensionStats are per-extension decision counts.
type ExtensionStats struct {
	Total   int64 `json:"total"`
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}
