package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromBytesDefaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
policies:
  path: /etc/skillgate/policies.yml
  watch: true
`))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Audit.Backend)
	assert.Equal(t, "audit.db", cfg.Audit.Path)
	assert.Equal(t, "2s", cfg.DNS.Timeout)
	assert.Equal(t, "60s", cfg.DNS.MaxTTL)
	assert.Equal(t, "/etc/skillgate/policies.yml", cfg.Policies.Path)
	assert.True(t, cfg.Policies.Watch)
}

func TestLoadFromBytesOverrides(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
server:
  addr: 0.0.0.0:9000
audit:
  backend: jsonl
  max_size_mb: 10
  max_backups: 5
dns:
  timeout: 500ms
`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "jsonl", cfg.Audit.Backend)
	assert.Equal(t, "audit.jsonl", cfg.Audit.Path)
	assert.Equal(t, 10, cfg.Audit.MaxSizeMB)
	assert.Equal(t, "500ms", cfg.DNS.Timeout)
}

func TestLoadFromBytesRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad backend", "audit:\n  backend: postgres"},
		{"bad level", "logging:\n  level: loud"},
		{"bad format", "logging:\n  format: xml"},
		{"bad duration", "dns:\n  timeout: soon"},
		{"not yaml", ": ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.doc))
			require.Error(t, err)
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}
