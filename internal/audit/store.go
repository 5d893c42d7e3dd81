// Package audit persists enforcement decisions. The audit log is the single
// source of truth: statistics are recomputed from it on demand and never kept
// as separate mutable counters.
package audit

import (
	"context"
	"strings"
	"sync"

	"github.com/skillgate/skillgate/pkg/types"
)

// Store is an append-only audit log with query and statistics support.
type Store interface {
	Append(ctx context.Context, rec types.AuditRecord) error
	Query(ctx context.Context, q types.AuditQuery) ([]types.AuditRecord, error)
	// Stats aggregates the whole log, or one extension when extensionID is
	// non-empty.
	Stats(ctx context.Context, extensionID string) (types.AuditStats, error)
	Close() error
}

const (
	defaultQueryLimit = 200
	maxQueryLimit     = 5000
)

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxQueryLimit {
		return defaultQueryLimit
	}
	return limit
}

// matches applies an AuditQuery filter to one record, shared by the scan-based
// stores.
func matches(rec types.AuditRecord, q types.AuditQuery) bool {
	if q.ExtensionID != "" && rec.ExtensionID != q.ExtensionID {
		return false
	}
	if q.Allowed != nil && rec.Allowed != *q.Allowed {
		return false
	}
	if q.Since != nil && rec.TimestampMs < q.Since.UnixMilli() {
		return false
	}
	if q.Until != nil && rec.TimestampMs > q.Until.UnixMilli() {
		return false
	}
	if q.URLLike != "" && !likeMatch(rec.URL, q.URLLike) {
		return false
	}
	return true
}

// likeMatch implements SQL LIKE's % wildcard so the scan-based stores accept
// the same URL filters the SQLite store does.
func likeMatch(s, pat string) bool {
	parts := strings.Split(pat, "%")
	if len(parts) == 1 {
		return s == pat
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		i := strings.Index(s, part)
		if i < 0 {
			return false
		}
		s = s[i+len(part):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

func accumulate(stats *types.AuditStats, rec types.AuditRecord) {
	stats.Total++
	if rec.Allowed {
		stats.Allowed++
	} else {
		stats.Denied++
	}
	es := stats.ByExtension[rec.ExtensionID]
	es.Total++
	if rec.Allowed {
		es.Allowed++
	} else {
		es.Denied++
	}
	stats.ByExtension[rec.ExtensionID] = es
}

// MemoryStore keeps the most recent records in a bounded ring. For tests and
// embedded use.
type MemoryStore struct {
	mu   sync.Mutex
	recs []types.AuditRecord
	max  int
}

// NewMemoryStore returns a ring-bounded in-memory store. maxRecords <= 0
// defaults to 10000.
func NewMemoryStore(maxRecords int) *MemoryStore {
	if maxRecords <= 0 {
		maxRecords = 10000
	}
	return &MemoryStore{max: maxRecords}
}

// Append stores a record, evicting the oldest when the ring is full.
func (m *MemoryStore) Append(_ context.Context, rec types.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	if len(m.recs) > m.max {
		m.recs = m.recs[len(m.recs)-m.max:]
	}
	return nil
}

// Query filters the retained records.
func (m *MemoryStore) Query(_ context.Context, q types.AuditQuery) ([]types.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var hits []types.AuditRecord
	for _, rec := range m.recs {
		if matches(rec, q) {
			hits = append(hits, rec)
		}
	}
	if !q.Asc {
		for i, j := 0, len(hits)-1; i < j; i, j = i+1, j-1 {
			hits[i], hits[j] = hits[j], hits[i]
		}
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(hits) {
		return nil, nil
	}
	hits = hits[offset:]
	if limit := clampLimit(q.Limit); len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Stats recomputes statistics from the retained records.
func (m *MemoryStore) Stats(_ context.Context, extensionID string) (types.AuditStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := types.AuditStats{ByExtension: map[string]types.ExtensionStats{}}
	for _, rec := range m.recs {
		if extensionID != "" && rec.ExtensionID != extensionID {
			continue
		}
		accumulate(&stats, rec)
	}
	return stats, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
