package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
source:
  host: imap.example.edu
  port: 993
  login: src@example.edu
  password: ${TEST_SRC_PASSWORD}
relay:
  host: smtp.example.com
  port: 465
  login: dst@example.com
  password: hunter2
  to: me@example.com
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("TEST_SRC_PASSWORD", "s3cret")

	cfg, err := LoadConfig(writeConfig(t, validConfig), "nonexistent.env")
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Source.Password)
	assert.Equal(t, "INBOX", cfg.Source.Folder)
	assert.Equal(t, 120*time.Second, cfg.Source.Timeout)
	assert.Equal(t, time.Hour, cfg.PollInterval)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.RetryBackoff)
	assert.Equal(t, 3*time.Second, cfg.MessageDelay)
	assert.Equal(t, int64(512*1024), cfg.ChunkSizeBytes())
	assert.Equal(t, "state.json", cfg.StatePath)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), "nonexistent.env")
	assert.Error(t, err)
}

func TestLoadConfigMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, "source:\n  host: imap.example.edu\n")

	_, err := LoadConfig(path, "nonexistent.env")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source.login is required")
	assert.Contains(t, err.Error(), "relay.to is required")
}

func TestLoadConfigBadChunkSize(t *testing.T) {
	t.Setenv("TEST_SRC_PASSWORD", "x")
	path := writeConfig(t, validConfig+"fetch_chunk_size: giant\n")

	_, err := LoadConfig(path, "nonexistent.env")
	assert.Error(t, err)
}

func TestTLSInference(t *testing.T) {
	tests := []struct {
		name string
		src  SourceConfig
		want bool
	}{
		{"explicit flag", SourceConfig{Port: 143, TLS: true}, true},
		{"implicit port", SourceConfig{Port: 993}, true},
		{"plain port", SourceConfig{Port: 143}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.src.UseTLS())
		})
	}

	assert.True(t, RelayConfig{Port: 465}.UseTLS())
	assert.True(t, RelayConfig{Port: 587, TLS: true}.UseTLS())
	assert.False(t, RelayConfig{Port: 587}.UseTLS())
}
