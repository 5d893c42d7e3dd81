package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillgate/skillgate/pkg/types"
)

func rec(id, ext, url string, allowed bool, ts int64) types.AuditRecord {
	return types.AuditRecord{
		ID:          id,
		ExtensionID: ext,
		URL:         url,
		Method:      "GET",
		Allowed:     allowed,
		Reason:      "test",
		TimestampMs: ts,
	}
}

func seed(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, rec("r1", "weather", "https://api.weather.com/v1", true, 1000)))
	require.NoError(t, s.Append(ctx, rec("r2", "weather", "https://evil.example/", false, 2000)))
	require.NoError(t, s.Append(ctx, rec("r3", "notes", "https://api.notes.example/", true, 3000)))
	require.NoError(t, s.Append(ctx, rec("r4", "weather", "https://api.weather.com/v2", true, 4000)))
}

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	sqlite, err := OpenSQLite(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	jsonl, err := NewJSONL(filepath.Join(dir, "audit.jsonl"), 10, 2)
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(0),
		"sqlite": sqlite,
		"jsonl":  jsonl,
	}
}

func TestStoreQueryFilters(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			seed(t, s)
			ctx := context.Background()

			all, err := s.Query(ctx, types.AuditQuery{})
			require.NoError(t, err)
			require.Len(t, all, 4)
			assert.Equal(t, "r4", all[0].ID, "newest first by default")

			asc, err := s.Query(ctx, types.AuditQuery{Asc: true})
			require.NoError(t, err)
			assert.Equal(t, "r1", asc[0].ID)

			byExt, err := s.Query(ctx, types.AuditQuery{ExtensionID: "weather"})
			require.NoError(t, err)
			assert.Len(t, byExt, 3)

			denied := false
			byAllowed, err := s.Query(ctx, types.AuditQuery{Allowed: &denied})
			require.NoError(t, err)
			require.Len(t, byAllowed, 1)
			assert.Equal(t, "r2", byAllowed[0].ID)

			since := time.UnixMilli(2000)
			until := time.UnixMilli(3000)
			window, err := s.Query(ctx, types.AuditQuery{Since: &since, Until: &until})
			require.NoError(t, err)
			assert.Len(t, window, 2)

			byURL, err := s.Query(ctx, types.AuditQuery{URLLike: "https://api.weather.com/%"})
			require.NoError(t, err)
			assert.Len(t, byURL, 2)

			paged, err := s.Query(ctx, types.AuditQuery{Limit: 2, Offset: 1})
			require.NoError(t, err)
			require.Len(t, paged, 2)
			assert.Equal(t, "r3", paged[0].ID)
		})
	}
}

func TestStoreStats(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			seed(t, s)
			ctx := context.Background()

			stats, err := s.Stats(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, int64(4), stats.Total)
			assert.Equal(t, int64(3), stats.Allowed)
			assert.Equal(t, int64(1), stats.Denied)
			assert.Equal(t, types.ExtensionStats{Total: 3, Allowed: 2, Denied: 1}, stats.ByExtension["weather"])
			assert.Equal(t, types.ExtensionStats{Total: 1, Allowed: 1}, stats.ByExtension["notes"])

			one, err := s.Stats(ctx, "notes")
			require.NoError(t, err)
			assert.Equal(t, int64(1), one.Total)
			_, other := one.ByExtension["weather"]
			assert.False(t, other)
		})
	}
}

func TestStatsDerivedFromLog(t *testing.T) {
	// Re-opening the SQLite store must reproduce the same stats: nothing is
	// kept outside the log itself.
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	seed(t, s)
	before, err := s.Stats(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()
	after, err := reopened.Stats(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSQLiteDuplicateIDRejected(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Append(ctx, rec("dup", "x", "https://a.example/", true, 1)))
	require.Error(t, s.Append(ctx, rec("dup", "x", "https://a.example/", true, 2)))
}

func TestMemoryStoreRingBound(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, rec(fmt.Sprintf("r%d", i), "x", "https://a.example/", true, int64(i))))
	}
	got, err := s.Query(ctx, types.AuditQuery{Asc: true})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "r2", got[0].ID, "oldest records evicted")
}

func TestJSONLRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	s, err := NewJSONL(path, 1, 2)
	require.NoError(t, err)
	defer s.Close()
	// Force rotation past the 1 MB threshold.
	s.maxBytes = 256

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Append(ctx, rec(fmt.Sprintf("r%d", i), "x", "https://a.example/some/longish/path", true, int64(i))))
	}

	backups, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.NotEmpty(t, backups)
	assert.LessOrEqual(t, len(backups), 2)

	// Queries see the current file only.
	got, err := s.Query(ctx, types.AuditQuery{})
	require.NoError(t, err)
	assert.NotEmpty(t, got)
	assert.Less(t, len(got), 20)
}

func TestLikeMatch(t *testing.T) {
	assert.True(t, likeMatch("https://api.weather.com/v1", "https://api.weather.com/%"))
	assert.True(t, likeMatch("https://api.weather.com/v1", "%weather%"))
	assert.True(t, likeMatch("abc", "abc"))
	assert.False(t, likeMatch("abc", "abd"))
	assert.False(t, likeMatch("https://evil.example/", "https://api.%"))
	assert.True(t, likeMatch("anything", "%"))
}
