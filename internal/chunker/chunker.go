// Package chunker splits files into fixed-size chunks with SHA-256
// fingerprints. Splitting is deterministic: byte-identical inputs yield
// identical chunk boundaries, fingerprints and file hash. Chunk payloads
// are staged to disk, named <file_id>_<part_number>, ready for upload.
// Staged payloads are safe to delete once the upload is confirmed.
package chunker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// ErrSourceMutated is returned when the source file's size changes while
// it is being read. The caller retries after a short backoff.
var ErrSourceMutated = errors.New("chunker: source file mutated during read")

// Chunk describes one produced chunk. Offset and Length are derived from
// PartNumber and the fixed chunk size; they are carried explicitly so
// consumers never recompute them.
type Chunk struct {
	PartNumber  int
	Offset      int64
	Length      int64
	Fingerprint string // SHA-256 of the chunk bytes, lowercase hex
	StagingPath string
}

// Manifest is the result of splitting one file.
type Manifest struct {
	FileID   string // the id the staging files are keyed by
	FileHash string // SHA-256 of the full content, lowercase hex
	Size     int64
	Chunks   []Chunk // ascending PartNumber, 1-based contiguous
}

// Chunker splits files into the staging directory. Safe for concurrent
// use: per-file staging names never collide because file ids are unique.
type Chunker struct {
	stagingDir string
	chunkSize  int64
	logger     *slog.Logger
}

// New creates a Chunker writing staged chunks under stagingDir.
func New(stagingDir string, chunkSize int64, logger *slog.Logger) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunker: chunk size must be positive, got %d", chunkSize)
	}

	if err := os.MkdirAll(stagingDir, 0o700); err != nil {
		return nil, fmt.Errorf("chunker: creating staging dir %s: %w", stagingDir, err)
	}

	return &Chunker{stagingDir: stagingDir, chunkSize: chunkSize, logger: logger}, nil
}

// ChunkSize returns the fixed chunk size.
func (c *Chunker) ChunkSize() int64 {
	return c.chunkSize
}

// Split reads the file at srcPath and produces its manifest, staging each
// chunk's bytes under fileID. A zero-byte file produces exactly one
// zero-length chunk whose fingerprint is the SHA-256 of the empty string.
// If the source size changes during the read, all staged chunks are
// removed and ErrSourceMutated is returned.
func (c *Chunker) Split(ctx context.Context, srcPath, fileID string) (*Manifest, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("chunker: opening %s: %w", srcPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("chunker: stat %s: %w", srcPath, err)
	}

	size := info.Size()
	parts := int((size + c.chunkSize - 1) / c.chunkSize)

	if parts == 0 {
		parts = 1 // empty file still gets one chunk
	}

	manifest := &Manifest{
		FileID: fileID,
		Size:   size,
		Chunks: make([]Chunk, 0, parts),
	}

	fileHash := sha256.New()

	for part := 1; part <= parts; part++ {
		if ctx.Err() != nil {
			c.CleanupFile(fileID)
			return nil, fmt.Errorf("chunker: split canceled: %w", ctx.Err())
		}

		length := c.chunkSize
		if part == parts {
			length = size - int64(parts-1)*c.chunkSize
		}

		chunk, err := c.stageChunk(f, fileID, part, length, fileHash)
		if err != nil {
			c.CleanupFile(fileID)
			return nil, err
		}

		manifest.Chunks = append(manifest.Chunks, *chunk)
	}

	if err := c.verifyUnchanged(f, size); err != nil {
		c.CleanupFile(fileID)
		return nil, fmt.Errorf("chunker: %s: %w", srcPath, err)
	}

	manifest.FileHash = hex.EncodeToString(fileHash.Sum(nil))

	c.logger.Debug("file split",
		slog.String("path", srcPath),
		slog.String("file_id", fileID),
		slog.Int64("size", size),
		slog.Int("chunks", len(manifest.Chunks)),
	)

	return manifest, nil
}

// stageChunk copies exactly length bytes from f into a staging file while
// feeding both the chunk hasher and the whole-file hasher.
func (c *Chunker) stageChunk(
	f *os.File, fileID string, part int, length int64, fileHash io.Writer,
) (*Chunk, error) {
	stagingPath := c.stagingPath(fileID, part)

	out, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("chunker: creating staging file %s: %w", stagingPath, err)
	}

	chunkHash := sha256.New()
	w := io.MultiWriter(out, chunkHash, fileHash)

	copied, err := io.CopyN(w, f, length)

	if closeErr := out.Close(); closeErr != nil {
		return nil, fmt.Errorf("chunker: closing staging file %s: %w", stagingPath, closeErr)
	}

	if err != nil || copied != length {
		// A short read means the source shrank underneath us.
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || copied != length {
			return nil, ErrSourceMutated
		}

		return nil, fmt.Errorf("chunker: reading part %d: %w", part, err)
	}

	return &Chunk{
		PartNumber:  part,
		Offset:      int64(part-1) * c.chunkSize,
		Length:      length,
		Fingerprint: hex.EncodeToString(chunkHash.Sum(nil)),
		StagingPath: stagingPath,
	}, nil
}

// verifyUnchanged confirms the source neither grew nor shrank during the
// read: the next read must hit EOF and the stat size must match.
func (c *Chunker) verifyUnchanged(f *os.File, expectedSize int64) error {
	var probe [1]byte

	if _, err := f.Read(probe[:]); !errors.Is(err, io.EOF) {
		return ErrSourceMutated
	}

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("re-stat: %w", err)
	}

	if info.Size() != expectedSize {
		return ErrSourceMutated
	}

	return nil
}

// Adopt renames a manifest's staging files to a newly issued file id and
// rewrites the manifest in place. Called when the remote service issues
// the authoritative file_id at prepare time.
func (c *Chunker) Adopt(manifest *Manifest, newFileID string) error {
	if manifest.FileID == newFileID {
		return nil
	}

	for i := range manifest.Chunks {
		chunk := &manifest.Chunks[i]
		newPath := c.stagingPath(newFileID, chunk.PartNumber)

		if err := os.Rename(chunk.StagingPath, newPath); err != nil {
			return fmt.Errorf("chunker: adopting %s as %s: %w", manifest.FileID, newFileID, err)
		}

		chunk.StagingPath = newPath
	}

	manifest.FileID = newFileID

	return nil
}

// CleanupFile removes all staged chunks for a file id. Missing files are
// ignored — cleanup is idempotent.
func (c *Chunker) CleanupFile(fileID string) {
	pattern := filepath.Join(c.stagingDir, fileID+"_*")

	matches, err := filepath.Glob(pattern)
	if err != nil {
		c.logger.Warn("staging cleanup glob failed",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)

		return
	}

	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("staging cleanup failed",
				slog.String("path", m),
				slog.String("error", err.Error()),
			)
		}
	}
}

// StagingPath returns the staging path for one part of a file. Exposed so
// the download path can fill missing parts from local content.
func (c *Chunker) StagingPath(fileID string, part int) string {
	return c.stagingPath(fileID, part)
}

func (c *Chunker) stagingPath(fileID string, part int) string {
	return filepath.Join(c.stagingDir, fmt.Sprintf("%s_%d", fileID, part))
}
