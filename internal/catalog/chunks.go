package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const chunkColumns = `chunk_id, file_id, part_number, fingerprint, size, created_at, last_synced`

// ChunksForFile returns all chunk rows of a file in part_number order.
func (c *Catalog) ChunksForFile(ctx context.Context, fileID string) ([]Chunk, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE file_id = ? ORDER BY part_number`, fileID)
	if err != nil {
		return nil, fmt.Errorf("catalog: querying chunks for %s: %w", fileID, err)
	}
	defer rows.Close()

	var result []Chunk

	for rows.Next() {
		ch, scanErr := scanChunk(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		result = append(result, *ch)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating chunk rows: %w", err)
	}

	return result, nil
}

// MarkChunksSynced sets last_synced = now for the given chunks of a file.
// Called exactly once per file after the multipart upload is confirmed.
func (c *Catalog) MarkChunksSynced(ctx context.Context, fileID string, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	now := c.now().UnixNano()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunkIDs)), ",")
	args := make([]any, 0, len(chunkIDs)+2)
	args = append(args, now, fileID)

	for _, id := range chunkIDs {
		args = append(args, id)
	}

	result, err := c.db.ExecContext(ctx,
		`UPDATE chunks SET last_synced = ? WHERE file_id = ? AND chunk_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("catalog: marking chunks synced for %s: %w", fileID, err)
	}

	n, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("catalog: rows affected for %s: %w", fileID, rowsErr)
	}

	if int(n) != len(chunkIDs) {
		return fmt.Errorf("catalog: marked %d of %d chunks for %s: %w",
			n, len(chunkIDs), fileID, ErrConsistency)
	}

	c.logger.Debug("chunks marked synced",
		slog.String("file_id", fileID),
		slog.Int("count", len(chunkIDs)),
	)

	return nil
}

// FindSyncedChunkByFingerprint returns any chunk with the given
// fingerprint whose upload has been confirmed. Used for content-based
// deduplication: a hit means the server already holds an object with
// these exact bytes. ErrNotFound when no synced copy exists.
func (c *Catalog) FindSyncedChunkByFingerprint(ctx context.Context, fingerprint string) (*Chunk, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks
		 WHERE fingerprint = ? AND last_synced IS NOT NULL
		 ORDER BY last_synced DESC LIMIT 1`, fingerprint)

	var (
		ch     Chunk
		synced sql.NullInt64
	)

	err := row.Scan(&ch.ChunkID, &ch.FileID, &ch.PartNumber, &ch.Fingerprint,
		&ch.Size, &ch.CreatedAt, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog: fingerprint %s: %w", fingerprint, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("catalog: scanning chunk by fingerprint: %w", err)
	}

	ch.LastSynced = synced.Int64

	return &ch, nil
}

// CountPendingChunks returns the number of chunk rows whose upload has not
// been confirmed. Used by the status command and restart-safety checks.
func (c *Catalog) CountPendingChunks(ctx context.Context) (int, error) {
	var n int

	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE last_synced IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("catalog: counting pending chunks: %w", err)
	}

	return n, nil
}

// FilesWithPendingChunks returns the paths of files that have at least one
// unconfirmed chunk. These are retried on the next rescan.
func (c *Catalog) FilesWithPendingChunks(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT DISTINCT f.file_path FROM files f
		 JOIN chunks ch ON ch.file_id = f.file_id
		 WHERE ch.last_synced IS NULL ORDER BY f.file_path`)
	if err != nil {
		return nil, fmt.Errorf("catalog: querying pending files: %w", err)
	}
	defer rows.Close()

	var paths []string

	for rows.Next() {
		var p string

		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("catalog: scanning pending file path: %w", err)
		}

		paths = append(paths, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating pending files: %w", err)
	}

	return paths, nil
}

// scanChunk scans a chunk row from a multi-row result.
func scanChunk(rows *sql.Rows) (*Chunk, error) {
	var (
		ch     Chunk
		synced sql.NullInt64
	)

	err := rows.Scan(&ch.ChunkID, &ch.FileID, &ch.PartNumber, &ch.Fingerprint,
		&ch.Size, &ch.CreatedAt, &synced)
	if err != nil {
		return nil, fmt.Errorf("catalog: scanning chunk row: %w", err)
	}

	ch.LastSynced = synced.Int64

	return &ch, nil
}
