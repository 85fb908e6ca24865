package engine

import "errors"

// Sentinel errors for sync outcomes.
var (
	// ErrIntegrity is returned when downloaded bytes fail fingerprint or
	// file-hash verification. Nothing is written to the destination.
	ErrIntegrity = errors.New("engine: downloaded content failed integrity check")

	// ErrSuppressed is returned when a path is skipped because it failed
	// repeatedly within the cooldown window.
	ErrSuppressed = errors.New("engine: path suppressed after repeated failures")
)
