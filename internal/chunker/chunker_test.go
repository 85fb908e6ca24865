package chunker

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChunker(t *testing.T, chunkSize int64) *Chunker {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c, err := New(t.TempDir(), chunkSize, logger)
	require.NoError(t, err)

	return c
}

func writeTestFile(t *testing.T, size int) (string, []byte) {
	t.Helper()

	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path, data
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestSplitSingleChunk(t *testing.T) {
	c := newTestChunker(t, 1024)
	path, data := writeTestFile(t, 100)

	m, err := c.Split(context.Background(), path, "file-1")
	require.NoError(t, err)

	assert.Equal(t, int64(100), m.Size)
	assert.Equal(t, sha256Hex(data), m.FileHash)
	require.Len(t, m.Chunks, 1)

	ch := m.Chunks[0]
	assert.Equal(t, 1, ch.PartNumber)
	assert.Equal(t, int64(0), ch.Offset)
	assert.Equal(t, int64(100), ch.Length)
	assert.Equal(t, sha256Hex(data), ch.Fingerprint)

	staged, err := os.ReadFile(ch.StagingPath)
	require.NoError(t, err)
	assert.Equal(t, data, staged)
}

func TestSplitEmptyFile(t *testing.T) {
	c := newTestChunker(t, 1024)
	path, _ := writeTestFile(t, 0)

	m, err := c.Split(context.Background(), path, "file-empty")
	require.NoError(t, err)

	require.Len(t, m.Chunks, 1)
	assert.Equal(t, int64(0), m.Chunks[0].Length)
	assert.Equal(t, sha256Hex(nil), m.Chunks[0].Fingerprint)
	assert.Equal(t, sha256Hex(nil), m.FileHash)
}

func TestSplitExactChunkSize(t *testing.T) {
	c := newTestChunker(t, 256)
	path, _ := writeTestFile(t, 256)

	m, err := c.Split(context.Background(), path, "file-exact")
	require.NoError(t, err)

	require.Len(t, m.Chunks, 1)
	assert.Equal(t, int64(256), m.Chunks[0].Length)
}

func TestSplitChunkSizePlusOne(t *testing.T) {
	c := newTestChunker(t, 256)
	path, data := writeTestFile(t, 257)

	m, err := c.Split(context.Background(), path, "file-plus1")
	require.NoError(t, err)

	require.Len(t, m.Chunks, 2)
	assert.Equal(t, int64(256), m.Chunks[0].Length)
	assert.Equal(t, int64(1), m.Chunks[1].Length)
	assert.Equal(t, int64(256), m.Chunks[1].Offset)
	assert.Equal(t, sha256Hex(data[:256]), m.Chunks[0].Fingerprint)
	assert.Equal(t, sha256Hex(data[256:]), m.Chunks[1].Fingerprint)
}

func TestSplitDeterministic(t *testing.T) {
	c := newTestChunker(t, 128)
	path, _ := writeTestFile(t, 1000)

	m1, err := c.Split(context.Background(), path, "det-1")
	require.NoError(t, err)

	m2, err := c.Split(context.Background(), path, "det-2")
	require.NoError(t, err)

	assert.Equal(t, m1.FileHash, m2.FileHash)
	require.Equal(t, len(m1.Chunks), len(m2.Chunks))

	for i := range m1.Chunks {
		assert.Equal(t, m1.Chunks[i].Fingerprint, m2.Chunks[i].Fingerprint)
		assert.Equal(t, m1.Chunks[i].Offset, m2.Chunks[i].Offset)
		assert.Equal(t, m1.Chunks[i].Length, m2.Chunks[i].Length)
	}
}

func TestSplitReassembleRoundTrip(t *testing.T) {
	c := newTestChunker(t, 100)
	path, data := writeTestFile(t, 950)

	m, err := c.Split(context.Background(), path, "round-trip")
	require.NoError(t, err)
	require.Len(t, m.Chunks, 10)

	var buf bytes.Buffer

	for _, ch := range m.Chunks {
		staged, err := os.ReadFile(ch.StagingPath)
		require.NoError(t, err)
		buf.Write(staged)
	}

	assert.Equal(t, data, buf.Bytes())
	assert.Equal(t, sha256Hex(buf.Bytes()), m.FileHash)
}

func TestSplitCanceled(t *testing.T) {
	c := newTestChunker(t, 64)
	path, _ := writeTestFile(t, 640)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Split(ctx, path, "canceled")
	require.ErrorIs(t, err, context.Canceled)
}

func TestSplitMissingFile(t *testing.T) {
	c := newTestChunker(t, 64)

	_, err := c.Split(context.Background(), filepath.Join(t.TempDir(), "nope"), "missing")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestAdoptRenamesStagingFiles(t *testing.T) {
	c := newTestChunker(t, 100)
	path, _ := writeTestFile(t, 250)

	m, err := c.Split(context.Background(), path, "provisional")
	require.NoError(t, err)

	require.NoError(t, c.Adopt(m, "service-issued"))

	assert.Equal(t, "service-issued", m.FileID)

	for _, ch := range m.Chunks {
		assert.Equal(t, c.StagingPath("service-issued", ch.PartNumber), ch.StagingPath)
		_, err := os.Stat(ch.StagingPath)
		assert.NoError(t, err)
	}

	// No provisional leftovers.
	leftovers, err := filepath.Glob(c.StagingPath("provisional", 1) + "*")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestAdoptSameIDNoop(t *testing.T) {
	c := newTestChunker(t, 100)
	path, _ := writeTestFile(t, 50)

	m, err := c.Split(context.Background(), path, "same-id")
	require.NoError(t, err)

	require.NoError(t, c.Adopt(m, "same-id"))
	assert.Equal(t, "same-id", m.FileID)
}

func TestCleanupFile(t *testing.T) {
	c := newTestChunker(t, 100)
	path, _ := writeTestFile(t, 350)

	m, err := c.Split(context.Background(), path, "cleanup-me")
	require.NoError(t, err)
	require.Len(t, m.Chunks, 4)

	c.CleanupFile("cleanup-me")

	for _, ch := range m.Chunks {
		_, err := os.Stat(ch.StagingPath)
		assert.ErrorIs(t, err, os.ErrNotExist)
	}

	// Idempotent.
	c.CleanupFile("cleanup-me")
}

func TestNewRejectsNonPositiveChunkSize(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := New(t.TempDir(), 0, logger)
	require.Error(t, err)
}

func TestDuplicateContentEqualFingerprints(t *testing.T) {
	c := newTestChunker(t, 128)
	path1, data := writeTestFile(t, 300)

	path2 := filepath.Join(t.TempDir(), "copy.bin")
	require.NoError(t, os.WriteFile(path2, data, 0o600))

	m1, err := c.Split(context.Background(), path1, "orig")
	require.NoError(t, err)

	m2, err := c.Split(context.Background(), path2, "copy")
	require.NoError(t, err)

	assert.Equal(t, m1.FileHash, m2.FileHash)

	for i := range m1.Chunks {
		assert.Equal(t, m1.Chunks[i].Fingerprint, m2.Chunks[i].Fingerprint)
	}
}

func TestVerifyUnchangedDetectsGrowth(t *testing.T) {
	c := newTestChunker(t, 1024)

	path := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(path, []byte("abcdef"), 0o600))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	// Consume what a 4-byte split would have read; the trailing bytes look
	// like content appended mid-read.
	_, err = io.ReadFull(f, make([]byte, 4))
	require.NoError(t, err)

	assert.ErrorIs(t, c.verifyUnchanged(f, 4), ErrSourceMutated)
}

func TestVerifyUnchangedDetectsTruncation(t *testing.T) {
	c := newTestChunker(t, 1024)

	path := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(path, []byte("abcd"), 0o600))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = io.ReadFull(f, make([]byte, 4))
	require.NoError(t, err)

	require.NoError(t, os.Truncate(path, 2))

	assert.ErrorIs(t, c.verifyUnchanged(f, 4), ErrSourceMutated)
}
