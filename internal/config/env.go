package config

import (
	"os"
	"strconv"
)

// Environment variable names. These match the container-facing contract:
// no prefix, one variable per config field that makes sense to override
// at deploy time.
const (
	envSyncDir         = "SYNC_DIR"
	envChunkDir        = "CHUNK_DIR"
	envDBPath          = "DB_PATH"
	envChunkSize       = "CHUNK_SIZE"
	envFilesServiceURL = "FILES_SERVICE_URL"
	envRequestTimeout  = "REQUEST_TIMEOUT"
	envMaxRetries      = "MAX_RETRIES"
	envClientID        = "CLIENT_ID"
	envLogLevel        = "LOG_LEVEL"
)

// ApplyEnv overlays environment variables onto cfg. Unset variables leave
// the existing value untouched. Malformed numeric values are ignored
// rather than fatal — validation catches out-of-range results afterward.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(envSyncDir); v != "" {
		cfg.SyncDir = v
	}

	if v := os.Getenv(envChunkDir); v != "" {
		cfg.ChunkDir = v
	}

	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}

	if v := os.Getenv(envFilesServiceURL); v != "" {
		cfg.FilesServiceURL = v
	}

	if v := os.Getenv(envClientID); v != "" {
		cfg.ClientID = v
	}

	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv(envChunkSize); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.ChunkSize = n
		}
	}

	if v := os.Getenv(envRequestTimeout); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RequestTimeoutSecs = n
		}
	}

	if v := os.Getenv(envMaxRetries); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxRetries = n
		}
	}
}
