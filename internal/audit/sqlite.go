package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/skillgate/skillgate/pkg/types"
)

// SQLiteStore persists audit records in a single-file SQLite database. The
// full record lives in payload_json; the indexed columns exist only to serve
// filters and aggregates.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the audit database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS audit_records (
			id TEXT PRIMARY KEY,
			extension_id TEXT NOT NULL,
			url TEXT NOT NULL,
			allowed INTEGER NOT NULL,
			ts_ms INTEGER NOT NULL,
			payload_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ext_ts ON audit_records(extension_id, ts_ms);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_allowed_ts ON audit_records(allowed, ts_ms);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_records(ts_ms);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

// Append inserts one record.
func (s *SQLiteStore) Append(ctx context.Context, rec types.AuditRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("audit record missing id")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records(id, extension_id, url, allowed, ts_ms, payload_json)
		VALUES(?,?,?,?,?,?);`,
		rec.ID,
		rec.ExtensionID,
		rec.URL,
		boolToInt(rec.Allowed),
		rec.TimestampMs,
		string(b),
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Query returns records matching q, newest first unless q.Asc.
func (s *SQLiteStore) Query(ctx context.Context, q types.AuditQuery) ([]types.AuditRecord, error) {
	where := []string{"1=1"}
	var args []any

	if q.ExtensionID != "" {
		where = append(where, "extension_id = ?")
		args = append(args, q.ExtensionID)
	}
	if q.Allowed != nil {
		where = append(where, "allowed = ?")
		args = append(args, boolToInt(*q.Allowed))
	}
	if q.Since != nil {
		where = append(where, "ts_ms >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if q.Until != nil {
		where = append(where, "ts_ms <= ?")
		args = append(args, q.Until.UnixMilli())
	}
	if q.URLLike != "" {
		where = append(where, "url LIKE ?")
		args = append(args, q.URLLike)
	}

	order := "DESC"
	if q.Asc {
		order = "ASC"
	}
	limit := clampLimit(q.Limit)
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload_json FROM audit_records WHERE `+strings.Join(where, " AND ")+
			` ORDER BY ts_ms `+order+` LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []types.AuditRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		var rec types.AuditRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal audit record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query audit records rows: %w", err)
	}
	return out, nil
}

// Stats aggregates counts in SQL; the log itself stays the only state.
func (s *SQLiteStore) Stats(ctx context.Context, extensionID string) (types.AuditStats, error) {
	stats := types.AuditStats{ByExtension: map[string]types.ExtensionStats{}}

	where := ""
	var args []any
	if extensionID != "" {
		where = " WHERE extension_id = ?"
		args = append(args, extensionID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT extension_id,
		       COUNT(*),
		       SUM(allowed),
		       COUNT(*) - SUM(allowed)
		FROM audit_records`+where+`
		GROUP BY extension_id`, args...)
	if err != nil {
		return stats, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var es types.ExtensionStats
		if err := rows.Scan(&id, &es.Total, &es.Allowed, &es.Denied); err != nil {
			return stats, fmt.Errorf("scan audit stats: %w", err)
		}
		stats.ByExtension[id] = es
		stats.Total += es.Total
		stats.Allowed += es.Allowed
		stats.Denied += es.Denied
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("audit stats rows: %w", err)
	}
	return stats, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
