package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/driftsync/driftsync/internal/catalog"
	"github.com/driftsync/driftsync/internal/remote"
)

// Download fetches a file's chunks, verifies each against its recorded
// fingerprint, reassembles them in part order, verifies the whole-file
// hash, and atomically places the result at destPath. Chunks whose bytes
// are still staged locally skip the network.
func (e *Engine) Download(ctx context.Context, fileID, destPath string) error {
	file, err := e.cat.FileByID(ctx, fileID)
	if err != nil {
		return err
	}

	rows, err := e.cat.ChunksForFile(ctx, fileID)
	if err != nil {
		return err
	}

	if len(rows) == 0 {
		return fmt.Errorf("engine: file %s has no chunks: %w", fileID, catalog.ErrConsistency)
	}

	if err := e.fetchParts(ctx, file, rows); err != nil {
		return err
	}

	if err := e.assemble(file, rows, destPath); err != nil {
		return err
	}

	e.logger.Info("file downloaded",
		slog.String("file_id", fileID),
		slog.String("dest", destPath),
		slog.Int64("size", file.Size),
	)

	return nil
}

// FetchChunks streams a subset of a file's chunks, in ascending part
// order, concatenated into w. Each chunk is fingerprint-verified before
// its bytes reach w. The whole-file hash is not checked — the output is a
// subrange, not the file.
func (e *Engine) FetchChunks(ctx context.Context, fileID string, parts []int, w io.Writer) error {
	file, err := e.cat.FileByID(ctx, fileID)
	if err != nil {
		return err
	}

	rows, err := e.cat.ChunksForFile(ctx, fileID)
	if err != nil {
		return err
	}

	byPart := make(map[int]*catalog.Chunk, len(rows))
	for i := range rows {
		byPart[rows[i].PartNumber] = &rows[i]
	}

	selected := make([]catalog.Chunk, 0, len(parts))

	for _, p := range parts {
		ch, ok := byPart[p]
		if !ok {
			return fmt.Errorf("engine: file %s has no part %d: %w", fileID, p, catalog.ErrNotFound)
		}

		selected = append(selected, *ch)
	}

	sort.Slice(selected, func(i, j int) bool {
		return selected[i].PartNumber < selected[j].PartNumber
	})

	if err := e.fetchParts(ctx, file, selected); err != nil {
		return err
	}

	for i := range selected {
		if err := e.copyVerified(&selected[i], file.FileID, w); err != nil {
			return err
		}
	}

	return nil
}

// fetchParts ensures each chunk's bytes sit in the staging area, pulling
// missing or corrupt parts from the service in parallel.
func (e *Engine) fetchParts(ctx context.Context, file *catalog.File, rows []catalog.Chunk) error {
	var missing []catalog.Chunk

	for i := range rows {
		if e.stagedValid(&rows[i], file.FileID) {
			e.logger.Debug("part already staged",
				slog.String("file_id", file.FileID),
				slog.Int("part", rows[i].PartNumber),
			)

			continue
		}

		missing = append(missing, rows[i])
	}

	if len(missing) == 0 {
		return nil
	}

	refs := make([]remote.DownloadChunkRef, len(missing))
	for i := range missing {
		refs[i] = remote.DownloadChunkRef{
			ChunkID:     missing[i].ChunkID,
			PartNumber:  missing[i].PartNumber,
			Fingerprint: missing[i].Fingerprint,
		}
	}

	resp, err := e.svc.RequestDownload(ctx, &remote.DownloadRequest{
		FileID: file.FileID,
		Chunks: refs,
	})
	if err != nil {
		return fmt.Errorf("engine: requesting download of %s: %w", file.FileID, err)
	}

	urls := make(map[int]*remote.DownloadURL, len(resp.DownloadURLs))
	for i := range resp.DownloadURLs {
		urls[resp.DownloadURLs[i].PartNumber] = &resp.DownloadURLs[i]
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	for i := range missing {
		ch := &missing[i]

		du, ok := urls[ch.PartNumber]
		if !ok {
			return fmt.Errorf("engine: no download URL for part %d of %s: %w",
				ch.PartNumber, file.FileID, remote.ErrRejected)
		}

		g.Go(func() error {
			return e.fetchPart(gctx, file, ch, du)
		})
	}

	return g.Wait()
}

// fetchPart GETs one chunk's byte range into staging and verifies the
// fingerprint before keeping it.
func (e *Engine) fetchPart(
	ctx context.Context, file *catalog.File, ch *catalog.Chunk, du *remote.DownloadURL,
) error {
	staging := e.chunks.StagingPath(file.FileID, ch.PartNumber)

	out, err := os.OpenFile(staging, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("engine: creating staging file for part %d: %w", ch.PartNumber, err)
	}

	hash := sha256.New()

	n, err := e.svc.GetRange(ctx, du.PresignedURL, e.rangeHeader(du, ch, file.Size), io.MultiWriter(out, hash))

	if closeErr := out.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	if err != nil {
		os.Remove(staging)

		return fmt.Errorf("engine: fetching part %d of %s: %w", ch.PartNumber, file.FileID, err)
	}

	if n != ch.Size || hex.EncodeToString(hash.Sum(nil)) != ch.Fingerprint {
		os.Remove(staging)

		return fmt.Errorf("engine: part %d of %s (%d bytes): %w",
			ch.PartNumber, file.FileID, n, ErrIntegrity)
	}

	e.logger.Debug("part fetched",
		slog.String("file_id", file.FileID),
		slog.Int("part", ch.PartNumber),
		slog.Int64("bytes", n),
	)

	return nil
}

// rangeHeader picks the Range header for one chunk: the service's header
// verbatim when present, else its byte bounds, else bounds derived from
// the part number and the fixed chunk size.
func (e *Engine) rangeHeader(du *remote.DownloadURL, ch *catalog.Chunk, fileSize int64) string {
	if du.RangeHeader != "" {
		return du.RangeHeader
	}

	if du.StartByte != nil && du.EndByte != nil {
		return fmt.Sprintf("bytes=%d-%d", *du.StartByte, *du.EndByte)
	}

	chunkSize := e.chunks.ChunkSize()
	start := int64(ch.PartNumber-1) * chunkSize

	end := start + chunkSize - 1
	if last := fileSize - 1; end > last {
		end = last
	}

	// A zero-byte file has one empty chunk; fetch the whole (empty) object.
	if fileSize == 0 {
		return ""
	}

	return fmt.Sprintf("bytes=%d-%d", start, end)
}

// stagedValid reports whether a staged copy of the chunk exists with the
// right fingerprint.
func (e *Engine) stagedValid(ch *catalog.Chunk, fileID string) bool {
	staging := e.chunks.StagingPath(fileID, ch.PartNumber)

	f, err := os.Open(staging)
	if err != nil {
		return false
	}
	defer f.Close()

	hash := sha256.New()

	n, err := io.Copy(hash, f)
	if err != nil || n != ch.Size {
		return false
	}

	return hex.EncodeToString(hash.Sum(nil)) == ch.Fingerprint
}

// assemble concatenates staged parts in order into a temp file, verifies
// the whole-file hash, and renames into place.
func (e *Engine) assemble(file *catalog.File, rows []catalog.Chunk, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("engine: creating destination dir: %w", err)
	}

	tmp := destPath + ".partial"

	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("engine: creating %s: %w", tmp, err)
	}

	hash := sha256.New()
	w := io.MultiWriter(out, hash)

	sorted := make([]catalog.Chunk, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	for i := range sorted {
		if err := e.copyVerified(&sorted[i], file.FileID, w); err != nil {
			out.Close()
			os.Remove(tmp)

			return err
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("engine: closing %s: %w", tmp, err)
	}

	if got := hex.EncodeToString(hash.Sum(nil)); got != file.FileHash {
		os.Remove(tmp)

		return fmt.Errorf("engine: file %s hash %s != %s: %w",
			file.FileID, got, file.FileHash, ErrIntegrity)
	}

	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("engine: placing %s: %w", destPath, err)
	}

	return nil
}

// copyVerified streams one staged chunk into w, re-verifying the
// fingerprint as the bytes flow.
func (e *Engine) copyVerified(ch *catalog.Chunk, fileID string, w io.Writer) error {
	staging := e.chunks.StagingPath(fileID, ch.PartNumber)

	f, err := os.Open(staging)
	if err != nil {
		return fmt.Errorf("engine: opening staged part %d of %s: %w", ch.PartNumber, fileID, err)
	}
	defer f.Close()

	hash := sha256.New()

	n, err := io.Copy(io.MultiWriter(w, hash), f)
	if err != nil {
		return fmt.Errorf("engine: copying part %d of %s: %w", ch.PartNumber, fileID, err)
	}

	if n != ch.Size || hex.EncodeToString(hash.Sum(nil)) != ch.Fingerprint {
		return fmt.Errorf("engine: staged part %d of %s: %w", ch.PartNumber, fileID, ErrIntegrity)
	}

	return nil
}

// CleanupDownload removes staged parts left from a download.
func (e *Engine) CleanupDownload(fileID string) {
	e.chunks.CleanupFile(fileID)
}
