package config

import (
	"fmt"
	"net/url"
	"path/filepath"
)

// Minimum chunk size accepted. Anything below this produces pathological
// chunk counts and the remote service rejects multipart parts under 1 MiB
// anyway (S3 minimum part size, last part excepted).
const minChunkSize = 1024 * 1024

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the resolved configuration for completeness and sanity.
// It is called once at startup after all override layers are applied.
func Validate(cfg *Config) error {
	if cfg.SyncDir == "" {
		return fmt.Errorf("config: sync_dir is required")
	}

	if !filepath.IsAbs(cfg.SyncDir) {
		return fmt.Errorf("config: sync_dir must be absolute, got %q", cfg.SyncDir)
	}

	if cfg.ChunkDir == "" {
		return fmt.Errorf("config: chunk_dir is required")
	}

	if !filepath.IsAbs(cfg.ChunkDir) {
		return fmt.Errorf("config: chunk_dir must be absolute, got %q", cfg.ChunkDir)
	}

	if cfg.DBPath == "" {
		return fmt.Errorf("config: db_path is required")
	}

	if cfg.FilesServiceURL == "" {
		return fmt.Errorf("config: files_service_url is required")
	}

	u, err := url.Parse(cfg.FilesServiceURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: files_service_url %q is not a valid URL", cfg.FilesServiceURL)
	}

	if cfg.ChunkSize < minChunkSize {
		return fmt.Errorf("config: chunk_size %d below minimum %d", cfg.ChunkSize, minChunkSize)
	}

	if cfg.TransferWorkers < 1 {
		return fmt.Errorf("config: transfer_workers must be at least 1, got %d", cfg.TransferWorkers)
	}

	if cfg.RequestTimeoutSecs < 1 {
		return fmt.Errorf("config: request_timeout must be at least 1 second, got %d", cfg.RequestTimeoutSecs)
	}

	if cfg.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must not be negative, got %d", cfg.MaxRetries)
	}

	if cfg.DebounceMs < 0 {
		return fmt.Errorf("config: debounce_ms must not be negative, got %d", cfg.DebounceMs)
	}

	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("config: log_level %q is not one of debug, info, warn, error", cfg.LogLevel)
	}

	return nil
}
