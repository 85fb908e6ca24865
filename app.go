package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/driftsync/driftsync/internal/catalog"
	"github.com/driftsync/driftsync/internal/chunker"
	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/engine"
	"github.com/driftsync/driftsync/internal/remote"
	"github.com/driftsync/driftsync/internal/watcher"
)

// app bundles the wired-up components shared by the run, sync, and get
// commands. Built once per invocation by newApp and closed on exit.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	cat    *catalog.Catalog
	chunks *chunker.Chunker
	client *remote.Client
	eng    *engine.Engine
	ignore []string
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	root := filepath.ToSlash(cfg.SyncDir)

	cat, err := catalog.Open(cfg.DBPath, root, logger)
	if err != nil {
		return nil, err
	}

	chunks, err := chunker.New(cfg.ChunkDir, cfg.ChunkSize, logger)
	if err != nil {
		cat.Close()

		return nil, err
	}

	client := remote.NewClient(cfg.FilesServiceURL, serviceHTTPClient(), cfg.MaxRetries, cfg.ClientID, logger)

	ignore := ignorePrefixes(root, cfg)
	scanner := watcher.NewScanner(root, ignore, hashFile, logger)

	eng := engine.New(cat, chunks, client, scanner, engine.Options{
		Workers: cfg.TransferWorkers,
		Dedup:   cfg.UploadDedup,
	}, logger)

	return &app{
		cfg:    cfg,
		logger: logger,
		cat:    cat,
		chunks: chunks,
		client: client,
		eng:    eng,
		ignore: ignore,
	}, nil
}

func (a *app) Close() {
	if err := a.cat.Close(); err != nil {
		a.logger.Warn("closing catalog", slog.String("error", err.Error()))
	}
}

// ignorePrefixes returns the canonical prefixes the watcher and scanner
// must skip: the staging directory and the database when they live inside
// the sync root. Watching our own staging writes would loop forever.
func ignorePrefixes(root string, cfg *config.Config) []string {
	var prefixes []string

	for _, p := range []string{cfg.ChunkDir, cfg.DBPath} {
		canonical := filepath.ToSlash(p)
		if canonical == root || strings.HasPrefix(canonical, root+"/") {
			prefixes = append(prefixes, canonical)
		}
	}

	// SQLite side files land next to the database.
	if db := filepath.ToSlash(cfg.DBPath); strings.HasPrefix(db, root+"/") {
		prefixes = append(prefixes, db+"-wal", db+"-shm")
	}

	return prefixes
}

// hashFile computes the hex SHA-256 of a file, streaming. Used by the
// initial scan to settle size-matched files whose mtime changed.
func hashFile(ctx context.Context, fsPath string) (string, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", fsPath, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", fsPath, err)
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
