package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/skillgate/skillgate/pkg/types"
)

// JSONLStore appends one JSON record per line, rotating by size with
// numbered backups. Query and Stats scan the current file only; rotated
// backups are retained for offline inspection.
type JSONLStore struct {
	path       string
	maxBytes   int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
}

// NewJSONL opens (creating if needed) an append-only JSONL audit log.
// maxSizeMB <= 0 defaults to 100; maxBackups <= 0 defaults to 3.
func NewJSONL(path string, maxSizeMB, maxBackups int) (*JSONLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonl path is empty")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir log dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open jsonl: %w", err)
	}

	return &JSONLStore{
		path:       path,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		file:       f,
	}, nil
}

// Append writes one record line, rotating first when the file is full.
func (s *JSONLStore) Append(_ context.Context, rec types.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotateIfNeededLocked(); err != nil {
		return err
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if _, err := s.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write jsonl: %w", err)
	}
	return nil
}

// Query scans the current file and filters in memory.
func (s *JSONLStore) Query(_ context.Context, q types.AuditQuery) ([]types.AuditRecord, error) {
	var hits []types.AuditRecord
	err := s.scan(func(rec types.AuditRecord) {
		if matches(rec, q) {
			hits = append(hits, rec)
		}
	})
	if err != nil {
		return nil, err
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

// Stats scans the current file and recomputes counts.
func (s *JSONLStore) Stats(_ context.Context, extensionID string) (types.AuditStats, error) {
	stats := types.AuditStats{ByExtension: map[string]types.ExtensionStats{}}
	err := s.scan(func(rec types.AuditRecord) {
		if extensionID != "" && rec.ExtensionID != extensionID {
			return
		}
		accumulate(&stats, rec)
	})
	return stats, err
}

// Close closes the log file.
func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

func (s *JSONLStore) scan(fn func(types.AuditRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open jsonl for scan: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec types.AuditRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			// A torn last line after a crash is skipped, not fatal.
			continue
		}
		fn(rec)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan jsonl: %w", err)
	}
	return nil
}

func (s *JSONLStore) rotateIfNeededLocked() error {
	if s.file == nil {
		return fmt.Errorf("jsonl file not open")
	}
	st, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat jsonl: %w", err)
	}
	if st.Size() < s.maxBytes {
		return nil
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close for rotate: %w", err)
	}

	for i := s.maxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", s.path, i)
		to := fmt.Sprintf("%s.%d", s.path, i+1)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, to)
		}
	}
	_ = os.Rename(s.path, fmt.Sprintf("%s.1", s.path))

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reopen jsonl: %w", err)
	}
	s.file = f
	return nil
}
