package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

const hashHexLen = 64

// fileColumns is the column list shared by all file row queries.
const fileColumns = `file_id, file_name, file_path, folder_id, file_type,
	file_hash, size, created_at, updated_at`

// InsertFile inserts a file row together with all of its chunk rows in a
// single transaction, so a committed file never lacks chunks. The FileID
// is taken from f if set (service-issued ids are adopted verbatim),
// otherwise generated. Returns the file id.
func (c *Catalog) InsertFile(ctx context.Context, f *File, chunks []Chunk) (string, error) {
	if err := validateFileAndChunks(f, chunks); err != nil {
		return "", err
	}

	fileID := f.FileID
	if fileID == "" {
		fileID = uuid.NewString()
	}

	err := c.inTx(ctx, func(tx *sql.Tx) error {
		if err := c.checkPathFree(ctx, tx, f.FilePath); err != nil {
			return err
		}

		if err := c.checkFolderExists(ctx, tx, f.FolderID); err != nil {
			return err
		}

		return c.insertFileTx(ctx, tx, fileID, f, chunks)
	})
	if err != nil {
		return "", err
	}

	c.logger.Info("file inserted",
		slog.String("path", f.FilePath),
		slog.String("file_id", fileID),
		slog.Int("chunks", len(chunks)),
	)

	return fileID, nil
}

// ReplaceFileContent atomically retires the file currently at path and
// inserts a replacement record with a new identity and fresh chunk rows.
// The old record's chunks are removed by cascade. Returns the new file id.
func (c *Catalog) ReplaceFileContent(ctx context.Context, path string, f *File, chunks []Chunk) (string, error) {
	if err := validateFileAndChunks(f, chunks); err != nil {
		return "", err
	}

	fileID := f.FileID
	if fileID == "" {
		fileID = uuid.NewString()
	}

	var oldID string

	err := c.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT file_id FROM files WHERE file_path = ?`, path).Scan(&oldID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("catalog: replace %s: %w", path, ErrNotFound)
		}

		if err != nil {
			return fmt.Errorf("catalog: looking up %s: %w", path, err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM files WHERE file_id = ?`, oldID); err != nil {
			return fmt.Errorf("catalog: retiring %s: %w", oldID, err)
		}

		if err := c.checkFolderExists(ctx, tx, f.FolderID); err != nil {
			return err
		}

		return c.insertFileTx(ctx, tx, fileID, f, chunks)
	})
	if err != nil {
		return "", err
	}

	c.logger.Info("file content replaced",
		slog.String("path", path),
		slog.String("old_file_id", oldID),
		slog.String("new_file_id", fileID),
		slog.Int("chunks", len(chunks)),
	)

	return fileID, nil
}

// insertFileTx writes the file row and its chunk rows.
func (c *Catalog) insertFileTx(ctx context.Context, tx *sql.Tx, fileID string, f *File, chunks []Chunk) error {
	now := c.now().UnixNano()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO files (file_id, file_name, file_path, folder_id, file_type, file_hash, size, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fileID, f.FileName, f.FilePath, f.FolderID, f.FileType, f.FileHash, f.Size, now, now); err != nil {
		return fmt.Errorf("catalog: inserting file %s: %w", f.FilePath, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (chunk_id, file_id, part_number, fingerprint, size, created_at, last_synced)
		 VALUES (?, ?, ?, ?, ?, ?, NULL)`)
	if err != nil {
		return fmt.Errorf("catalog: preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	for i := range chunks {
		ch := &chunks[i]

		chunkID := ch.ChunkID
		if chunkID == "" {
			chunkID = uuid.NewString()
		}

		if _, err := stmt.ExecContext(ctx,
			chunkID, fileID, ch.PartNumber, ch.Fingerprint, ch.Size, now); err != nil {
			return fmt.Errorf("catalog: inserting chunk %d of %s: %w", ch.PartNumber, f.FilePath, err)
		}
	}

	return nil
}

// checkPathFree fails with DuplicatePath if any file or folder already
// occupies path.
func (c *Catalog) checkPathFree(ctx context.Context, tx *sql.Tx, path string) error {
	var n int

	err := tx.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM files WHERE file_path = ?)
		      + (SELECT COUNT(*) FROM folders WHERE folder_path = ?)`, path, path).Scan(&n)
	if err != nil {
		return fmt.Errorf("catalog: checking path %s: %w", path, err)
	}

	if n > 0 {
		return fmt.Errorf("catalog: %s: %w", path, ErrDuplicatePath)
	}

	return nil
}

// checkFolderExists fails with ErrConsistency if the folder reference
// would dangle.
func (c *Catalog) checkFolderExists(ctx context.Context, tx *sql.Tx, folderID string) error {
	var n int

	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM folders WHERE folder_id = ?`, folderID).Scan(&n); err != nil {
		return fmt.Errorf("catalog: checking folder %s: %w", folderID, err)
	}

	if n == 0 {
		return fmt.Errorf("catalog: folder %s does not exist: %w", folderID, ErrConsistency)
	}

	return nil
}

// validateFileAndChunks enforces the commit-time invariants: hash shape,
// at least one chunk, contiguous 1-based part numbers, fingerprint shape.
func validateFileAndChunks(f *File, chunks []Chunk) error {
	if len(f.FileHash) != hashHexLen {
		return fmt.Errorf("catalog: file hash %q is not %d hex chars: %w", f.FileHash, hashHexLen, ErrConsistency)
	}

	if len(chunks) == 0 {
		return fmt.Errorf("catalog: file %s has no chunks: %w", f.FilePath, ErrConsistency)
	}

	seen := make(map[int]bool, len(chunks))

	for i := range chunks {
		ch := &chunks[i]

		if len(ch.Fingerprint) != hashHexLen {
			return fmt.Errorf("catalog: chunk %d fingerprint %q is not %d hex chars: %w",
				ch.PartNumber, ch.Fingerprint, hashHexLen, ErrConsistency)
		}

		if ch.PartNumber < 1 || ch.PartNumber > len(chunks) || seen[ch.PartNumber] {
			return fmt.Errorf("catalog: part numbers of %s are not contiguous 1..%d: %w",
				f.FilePath, len(chunks), ErrConsistency)
		}

		seen[ch.PartNumber] = true
	}

	return nil
}

// FileByPath returns the file at the given canonical path.
func (c *Catalog) FileByPath(ctx context.Context, path string) (*File, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE file_path = ?`, path)

	return scanFile(row, path)
}

// FileByID returns the file with the given id.
func (c *Catalog) FileByID(ctx context.Context, fileID string) (*File, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE file_id = ?`, fileID)

	return scanFile(row, fileID)
}

// ListFiles returns all files ordered by path.
func (c *Catalog) ListFiles(ctx context.Context) ([]File, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files ORDER BY file_path`)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing files: %w", err)
	}
	defer rows.Close()

	var result []File

	for rows.Next() {
		var f File

		if err := rows.Scan(&f.FileID, &f.FileName, &f.FilePath, &f.FolderID,
			&f.FileType, &f.FileHash, &f.Size, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("catalog: scanning file row: %w", err)
		}

		result = append(result, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating file rows: %w", err)
	}

	return result, nil
}

// scanFile scans a single file row, mapping ErrNoRows to ErrNotFound.
func scanFile(row *sql.Row, key string) (*File, error) {
	var f File

	err := row.Scan(&f.FileID, &f.FileName, &f.FilePath, &f.FolderID,
		&f.FileType, &f.FileHash, &f.Size, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog: file %s: %w", key, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("catalog: scanning file %s: %w", key, err)
	}

	return &f, nil
}
