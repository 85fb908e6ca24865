package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.SyncDir = "/data/sync"
	cfg.ChunkDir = "/data/chunks"
	cfg.DBPath = "/data/catalog.db"
	cfg.FilesServiceURL = "http://files.local:8000"

	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, int64(5*1024*1024), cfg.ChunkSize)
	assert.Equal(t, 8, cfg.TransferWorkers)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.Debounce())
	assert.True(t, cfg.UploadDedup)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadParsesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
sync_dir = "/app/my_dropbox"
chunk_dir = "/app/chunks"
db_path = "/app/catalog.db"
files_service_url = "http://files:8000"
chunk_size = 2097152
transfer_workers = 4
client_id = "laptop"
upload_dedup = false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/app/my_dropbox", cfg.SyncDir)
	assert.Equal(t, int64(2097152), cfg.ChunkSize)
	assert.Equal(t, 4, cfg.TransferWorkers)
	assert.Equal(t, "laptop", cfg.ClientID)
	assert.False(t, cfg.UploadDedup)
	// Unset keys keep defaults.
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	require.NoError(t, os.WriteFile(path, []byte(`sync_dirr = "/oops"`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key")
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SYNC_DIR", "/env/sync")
	t.Setenv("CHUNK_SIZE", "1048576")
	t.Setenv("MAX_RETRIES", "7")
	t.Setenv("REQUEST_TIMEOUT", "10")
	t.Setenv("CLIENT_ID", "dev-box")

	cfg := DefaultConfig()
	ApplyEnv(cfg)

	assert.Equal(t, "/env/sync", cfg.SyncDir)
	assert.Equal(t, int64(1048576), cfg.ChunkSize)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout())
	assert.Equal(t, "dev-box", cfg.ClientID)
}

func TestApplyEnvIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("CHUNK_SIZE", "not-a-number")
	t.Setenv("MAX_RETRIES", "-1")

	cfg := DefaultConfig()
	ApplyEnv(cfg)

	assert.Equal(t, int64(DefaultChunkSize), cfg.ChunkSize)
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	require.NoError(t, Validate(validTestConfig()))
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"missing sync dir", func(c *Config) { c.SyncDir = "" }, "sync_dir"},
		{"relative sync dir", func(c *Config) { c.SyncDir = "rel/path" }, "absolute"},
		{"missing chunk dir", func(c *Config) { c.ChunkDir = "" }, "chunk_dir"},
		{"missing db path", func(c *Config) { c.DBPath = "" }, "db_path"},
		{"missing service url", func(c *Config) { c.FilesServiceURL = "" }, "files_service_url"},
		{"bad service url", func(c *Config) { c.FilesServiceURL = "::bad::" }, "valid URL"},
		{"tiny chunk size", func(c *Config) { c.ChunkSize = 1024 }, "chunk_size"},
		{"zero workers", func(c *Config) { c.TransferWorkers = 0 }, "transfer_workers"},
		{"zero timeout", func(c *Config) { c.RequestTimeoutSecs = 0 }, "request_timeout"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantSub)
		})
	}
}

func TestResolveChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
sync_dir = "/file/sync"
chunk_dir = "/file/chunks"
db_path = "/file/catalog.db"
files_service_url = "http://files:8000"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	// Env wins over file.
	t.Setenv("SYNC_DIR", "/env/sync")

	cfg, err := Resolve(path)
	require.NoError(t, err)

	assert.Equal(t, "/env/sync", cfg.SyncDir)
	assert.Equal(t, "/file/chunks", cfg.ChunkDir)
}
