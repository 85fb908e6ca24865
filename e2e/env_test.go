//go:build e2e

// Package e2e runs the full sync pipeline in-process against the
// in-memory files service: scanner, catalog, chunker, transfer engine,
// and the local API, wired the same way the run command wires them.
package e2e

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/catalog"
	"github.com/driftsync/driftsync/internal/chunker"
	"github.com/driftsync/driftsync/internal/engine"
	"github.com/driftsync/driftsync/internal/remote"
	"github.com/driftsync/driftsync/internal/watcher"
	"github.com/driftsync/driftsync/testutil"
)

// env is a complete client stack over a temp sync root and a fake
// files service.
type env struct {
	root   string
	fake   *testutil.FakeService
	cat    *catalog.Catalog
	chunks *chunker.Chunker
	client *remote.Client
	eng    *engine.Engine
}

func newEnv(t *testing.T, chunkSize int64) *env {
	t.Helper()

	logger := discardLogger()
	root := filepath.ToSlash(t.TempDir())

	fake := testutil.NewFakeService()
	t.Cleanup(fake.Close)

	cat, err := catalog.Open(":memory:", root, logger)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	chunks, err := chunker.New(t.TempDir(), chunkSize, logger)
	require.NoError(t, err)

	client := remote.NewClient(fake.URL(), fake.Server.Client(), 2, "e2e-client", logger)
	scanner := watcher.NewScanner(root, nil, hashFile, logger)

	eng := engine.New(cat, chunks, client, scanner, engine.Options{Workers: 4, Dedup: true}, logger)

	return &env{root: root, fake: fake, cat: cat, chunks: chunks, client: client, eng: eng}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func hashFile(ctx context.Context, fsPath string) (string, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// write puts content at a path relative to the sync root and returns
// the canonical catalog path.
func (e *env) write(t *testing.T, rel string, content []byte) string {
	t.Helper()

	fsPath := filepath.Join(filepath.FromSlash(e.root), filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(fsPath), 0o755))
	require.NoError(t, os.WriteFile(fsPath, content, 0o644))

	return path.Join(e.root, rel)
}

func (e *env) sync(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, e.eng.RunOnce(ctx))
}

func (e *env) fileByPath(t *testing.T, canonical string) *catalog.File {
	t.Helper()

	f, err := e.cat.FileByPath(context.Background(), canonical)
	require.NoError(t, err)

	return f
}

// removeAll deletes a path relative to the sync root.
func removeAll(e *env, rel string) error {
	return os.RemoveAll(filepath.Join(filepath.FromSlash(e.root), filepath.FromSlash(rel)))
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)

	return hex.EncodeToString(sum[:])
}

// repeat builds deterministic content of the given length.
func repeat(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}

	return b
}
