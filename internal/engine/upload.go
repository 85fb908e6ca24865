package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/driftsync/driftsync/internal/catalog"
	"github.com/driftsync/driftsync/internal/chunker"
	"github.com/driftsync/driftsync/internal/remote"
)

// syncFile uploads the file at the canonical path through the three-phase
// flow: register with the service, PUT each chunk to its presigned URL,
// then confirm. The catalog record is written before the first PUT so an
// interrupted upload leaves pending chunk rows that a later pass retries.
func (e *Engine) syncFile(ctx context.Context, canonical string) error {
	manifest, err := e.split(ctx, canonical)
	if err != nil {
		return err
	}

	existing, err := e.cat.FileByPath(ctx, canonical)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		e.chunks.CleanupFile(manifest.FileID)

		return err
	}

	// Same content already fully synced: nothing to upload.
	if existing != nil && existing.FileHash == manifest.FileHash {
		synced, checkErr := e.fullySynced(ctx, existing.FileID)
		if checkErr != nil {
			e.chunks.CleanupFile(manifest.FileID)

			return checkErr
		}

		if synced {
			e.chunks.CleanupFile(manifest.FileID)
			e.logger.Debug("content unchanged", slog.String("path", canonical))

			return nil
		}
	}

	folderID, err := e.cat.UpsertFolder(ctx, parentPath(canonical))
	if err != nil {
		e.chunks.CleanupFile(manifest.FileID)

		return err
	}

	resp, err := e.registerUpload(ctx, canonical, folderID, manifest)
	if err != nil {
		e.chunks.CleanupFile(manifest.FileID)

		return err
	}

	if err := e.recordFile(ctx, canonical, folderID, existing, manifest, resp); err != nil {
		e.chunks.CleanupFile(manifest.FileID)

		return err
	}

	if err := e.uploadChunks(ctx, manifest, resp); err != nil {
		return err
	}

	chunkIDs := make([]string, len(resp.PresignedURLs))
	for _, pu := range resp.PresignedURLs {
		chunkIDs[pu.PartNumber-1] = pu.ChunkID
	}

	if err := e.svc.ConfirmFile(ctx, resp.FileID, chunkIDs); err != nil {
		return fmt.Errorf("engine: confirming %s: %w", canonical, err)
	}

	if err := e.cat.MarkChunksSynced(ctx, resp.FileID, chunkIDs); err != nil {
		return err
	}

	e.chunks.CleanupFile(resp.FileID)

	e.logger.Info("file synced",
		slog.String("path", canonical),
		slog.String("file_id", resp.FileID),
		slog.Int64("size", manifest.Size),
		slog.Int("chunks", len(manifest.Chunks)),
	)

	return nil
}

// split chunks the file under a provisional id, retrying once if the
// source mutates mid-read.
func (e *Engine) split(ctx context.Context, canonical string) (*chunker.Manifest, error) {
	osPath := filepath.FromSlash(canonical)

	manifest, err := e.splitFn(ctx, osPath, uuid.NewString())
	if !errors.Is(err, chunker.ErrSourceMutated) {
		return manifest, err
	}

	e.logger.Debug("source mutated during split, retrying",
		slog.String("path", canonical))

	if sleepErr := e.sleep(ctx, mutatedRetryDelay); sleepErr != nil {
		return nil, sleepErr
	}

	return e.splitFn(ctx, osPath, uuid.NewString())
}

// fullySynced reports whether every chunk of the file is confirmed.
func (e *Engine) fullySynced(ctx context.Context, fileID string) (bool, error) {
	rows, err := e.cat.ChunksForFile(ctx, fileID)
	if err != nil {
		return false, err
	}

	for i := range rows {
		if !rows[i].Synced() {
			return false, nil
		}
	}

	return true, nil
}

// registerUpload runs phase one and validates the presigned URL set: one
// URL per chunk, part numbers contiguous from 1.
func (e *Engine) registerUpload(
	ctx context.Context, canonical, folderID string, manifest *chunker.Manifest,
) (*remote.CreateFileResponse, error) {
	resp, err := e.svc.CreateFile(ctx, &remote.CreateFileRequest{
		FileName:   filepath.Base(canonical),
		FilePath:   canonical,
		FileType:   fileType(canonical),
		FolderID:   folderID,
		ChunkCount: len(manifest.Chunks),
		FileHash:   manifest.FileHash,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: registering %s: %w", canonical, err)
	}

	sort.Slice(resp.PresignedURLs, func(i, j int) bool {
		return resp.PresignedURLs[i].PartNumber < resp.PresignedURLs[j].PartNumber
	})

	for i, pu := range resp.PresignedURLs {
		if pu.PartNumber != i+1 {
			return nil, fmt.Errorf("engine: %s: presigned URLs not contiguous at part %d: %w",
				canonical, pu.PartNumber, remote.ErrRejected)
		}
	}

	// The staging files take the service-issued id before any bytes move.
	if err := e.chunks.Adopt(manifest, resp.FileID); err != nil {
		return nil, err
	}

	return resp, nil
}

// recordFile writes the file row and its chunk rows, keyed by the
// service-issued ids, in one transaction. A modified path retires its old
// record; the path keeps its identity only through file_path.
func (e *Engine) recordFile(
	ctx context.Context, canonical, folderID string, existing *catalog.File,
	manifest *chunker.Manifest, resp *remote.CreateFileResponse,
) error {
	file := &catalog.File{
		FileID:   resp.FileID,
		FileName: filepath.Base(canonical),
		FilePath: canonical,
		FolderID: folderID,
		FileType: fileType(canonical),
		FileHash: manifest.FileHash,
		Size:     manifest.Size,
	}

	rows := make([]catalog.Chunk, len(manifest.Chunks))
	for i := range manifest.Chunks {
		mc := &manifest.Chunks[i]
		rows[i] = catalog.Chunk{
			ChunkID:     resp.PresignedURLs[mc.PartNumber-1].ChunkID,
			FileID:      resp.FileID,
			PartNumber:  mc.PartNumber,
			Fingerprint: mc.Fingerprint,
			Size:        mc.Length,
		}
	}

	var err error
	if existing != nil {
		_, err = e.cat.ReplaceFileContent(ctx, canonical, file, rows)
	} else {
		_, err = e.cat.InsertFile(ctx, file, rows)
	}

	return err
}

// uploadChunks PUTs every chunk through a bounded worker pool. With dedup
// enabled, chunks whose fingerprint already has a confirmed upload skip
// the transfer; the store already holds those bytes.
func (e *Engine) uploadChunks(
	ctx context.Context, manifest *chunker.Manifest, resp *remote.CreateFileResponse,
) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	for i := range manifest.Chunks {
		mc := &manifest.Chunks[i]
		target := resp.PresignedURLs[mc.PartNumber-1]

		g.Go(func() error {
			if e.opts.Dedup {
				if _, err := e.cat.FindSyncedChunkByFingerprint(gctx, mc.Fingerprint); err == nil {
					e.logger.Debug("chunk deduplicated",
						slog.String("file_id", resp.FileID),
						slog.Int("part", mc.PartNumber),
					)

					return nil
				}
			}

			etag, err := e.svc.PutChunk(gctx, target.PresignedURL, mc.StagingPath)
			if err != nil {
				return fmt.Errorf("engine: uploading part %d of %s: %w", mc.PartNumber, resp.FileID, err)
			}

			e.logger.Debug("chunk uploaded",
				slog.String("file_id", resp.FileID),
				slog.Int("part", mc.PartNumber),
				slog.String("etag", etag),
			)

			return nil
		})
	}

	return g.Wait()
}
