// Package config loads and validates driftsync configuration. Values are
// resolved through a three-layer override chain: built-in defaults, then
// the TOML config file, then process environment variables. The resolved
// Config is immutable after startup — components receive it by value or
// read individual fields at construction time.
package config

import "time"

// Default values applied before the config file and environment are read.
const (
	// DefaultChunkSize is 5 MiB, the fixed chunk size used by the chunker
	// and assumed by the multipart upload protocol.
	DefaultChunkSize = 5 * 1024 * 1024

	defaultTransferWorkers = 8
	defaultMaxRetries      = 3
	defaultRequestTimeout  = 30 * time.Second
	defaultDebounce        = 500 * time.Millisecond
	defaultAPIAddr         = "127.0.0.1:8410"
	defaultLogLevel        = "info"
)

// Config holds the process-wide configuration. All paths are absolute by
// the time validation passes. Timeout and debounce are stored as integer
// seconds/milliseconds so the TOML surface stays plain numbers.
type Config struct {
	// SyncDir is the sync root: the local directory mirrored to the remote.
	SyncDir string `toml:"sync_dir"`

	// ChunkDir is the staging directory for chunk payloads pending upload.
	ChunkDir string `toml:"chunk_dir"`

	// DBPath is the location of the embedded catalog database file.
	DBPath string `toml:"db_path"`

	// ChunkSize is the fixed chunk size in bytes. Changing it between runs
	// changes chunk boundaries, so already-synced files re-chunk differently.
	ChunkSize int64 `toml:"chunk_size"`

	// FilesServiceURL is the base URL of the remote files service.
	FilesServiceURL string `toml:"files_service_url"`

	// RequestTimeoutSecs bounds each files-service request. Presigned PUT
	// and GET transfers use the same budget per chunk.
	RequestTimeoutSecs int `toml:"request_timeout"`

	// MaxRetries is the retry budget for transient network failures.
	MaxRetries int `toml:"max_retries"`

	// TransferWorkers bounds parallel chunk PUTs/GETs across all files.
	TransferWorkers int `toml:"transfer_workers"`

	// DebounceMs is the watcher debounce window in milliseconds.
	DebounceMs int `toml:"debounce_ms"`

	// ClientID is an optional tag sent with every files-service request,
	// used for multi-device debugging. Never interpreted by the client.
	ClientID string `toml:"client_id"`

	// UploadDedup enables skipping the PUT for chunks whose fingerprint is
	// already recorded as synced. The chunk is still listed in Confirm.
	UploadDedup bool `toml:"upload_dedup"`

	// APIAddr is the listen address for the local HTTP API (run --api).
	APIAddr string `toml:"api_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`
}

// DefaultConfig returns a Config populated with all default values.
// SyncDir, ChunkDir, DBPath and FilesServiceURL have no sensible defaults
// and must come from the config file or environment.
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:          DefaultChunkSize,
		RequestTimeoutSecs: int(defaultRequestTimeout / time.Second),
		MaxRetries:         defaultMaxRetries,
		TransferWorkers:    defaultTransferWorkers,
		DebounceMs:         int(defaultDebounce / time.Millisecond),
		UploadDedup:        true,
		APIAddr:            defaultAPIAddr,
		LogLevel:           defaultLogLevel,
	}
}

// RequestTimeout returns the per-request timeout as a Duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

// Debounce returns the watcher debounce window as a Duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}
