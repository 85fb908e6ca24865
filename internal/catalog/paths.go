package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// DeleteByPath removes the file at path, or — when path names a folder —
// the entire folder subtree including contained files and their chunks.
// Chunk rows are removed by cascade.
func (c *Catalog) DeleteByPath(ctx context.Context, path string) error {
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM files WHERE file_path = ?`, path)
		if err != nil {
			return fmt.Errorf("catalog: deleting file %s: %w", path, err)
		}

		if n, _ := result.RowsAffected(); n > 0 {
			return nil
		}

		return c.deleteFolderSubtreeTx(ctx, tx, path)
	})
	if err != nil {
		return err
	}

	c.logger.Info("path deleted", slog.String("path", path))

	return nil
}

// deleteFolderSubtreeTx removes a folder row. Descendant folders, files
// and chunks go with it via ON DELETE CASCADE.
func (c *Catalog) deleteFolderSubtreeTx(ctx context.Context, tx *sql.Tx, path string) error {
	result, err := tx.ExecContext(ctx, `DELETE FROM folders WHERE folder_path = ?`, path)
	if err != nil {
		return fmt.Errorf("catalog: deleting folder %s: %w", path, err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("catalog: delete %s: %w", path, ErrNotFound)
	}

	return nil
}

// RenameOrMove rewrites the paths of the entity at oldPath to newPath in a
// single transaction. For folders the rewrite cascades to every descendant
// folder and file. Identities (file_id, folder_id, chunk rows) are
// preserved — a rename never re-uploads content. The parent folder of
// newPath must already exist; callers upsert it first.
func (c *Catalog) RenameOrMove(ctx context.Context, oldPath, newPath string) error {
	if oldPath == newPath {
		return nil
	}

	err := c.inTx(ctx, func(tx *sql.Tx) error {
		if err := c.checkPathFree(ctx, tx, newPath); err != nil {
			return err
		}

		moved, err := c.renameFileTx(ctx, tx, oldPath, newPath)
		if err != nil {
			return err
		}

		if moved {
			return nil
		}

		return c.renameFolderTx(ctx, tx, oldPath, newPath)
	})
	if err != nil {
		return err
	}

	c.logger.Info("path renamed",
		slog.String("old_path", oldPath),
		slog.String("new_path", newPath),
	)

	return nil
}

// renameFileTx moves a single file row. Returns false when no file exists
// at oldPath (the caller then tries a folder rename).
func (c *Catalog) renameFileTx(ctx context.Context, tx *sql.Tx, oldPath, newPath string) (bool, error) {
	var fileID string

	err := tx.QueryRowContext(ctx,
		`SELECT file_id FROM files WHERE file_path = ?`, oldPath).Scan(&fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("catalog: looking up file %s: %w", oldPath, err)
	}

	parentID, err := c.folderIDByPathTx(ctx, tx, parentPath(newPath))
	if err != nil {
		return false, fmt.Errorf("catalog: parent of %s: %w", newPath, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE files SET file_path = ?, file_name = ?, folder_id = ?, updated_at = ?
		 WHERE file_id = ?`,
		newPath, baseName(newPath), parentID, c.now().UnixNano(), fileID); err != nil {
		return false, fmt.Errorf("catalog: moving file %s: %w", oldPath, err)
	}

	return true, nil
}

// renameFolderTx moves a folder row and rewrites the path prefix of every
// descendant folder and file. Descendant folder ids and file folder links
// are untouched — only paths change.
func (c *Catalog) renameFolderTx(ctx context.Context, tx *sql.Tx, oldPath, newPath string) error {
	var folderID string

	err := tx.QueryRowContext(ctx,
		`SELECT folder_id FROM folders WHERE folder_path = ?`, oldPath).Scan(&folderID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("catalog: rename %s: %w", oldPath, ErrNotFound)
	}

	if err != nil {
		return fmt.Errorf("catalog: looking up folder %s: %w", oldPath, err)
	}

	parentID, err := c.folderIDByPathTx(ctx, tx, parentPath(newPath))
	if err != nil {
		return fmt.Errorf("catalog: parent of %s: %w", newPath, err)
	}

	now := c.now().UnixNano()

	if _, err := tx.ExecContext(ctx,
		`UPDATE folders SET folder_path = ?, folder_name = ?, parent_folder_id = ?, updated_at = ?
		 WHERE folder_id = ?`,
		newPath, baseName(newPath), nullString(parentID), now, folderID); err != nil {
		return fmt.Errorf("catalog: moving folder %s: %w", oldPath, err)
	}

	// Descendants: replace the oldPath prefix. substr() comparison instead
	// of LIKE so that % and _ in real path names cannot match spuriously.
	prefix := oldPath + "/"
	prefixLen := len(prefix)
	suffixStart := len(oldPath) + 1 // 1-based substr index of the "/"

	if _, err := tx.ExecContext(ctx,
		`UPDATE folders SET folder_path = ? || substr(folder_path, ?), updated_at = ?
		 WHERE substr(folder_path, 1, ?) = ?`,
		newPath, suffixStart, now, prefixLen, prefix); err != nil {
		return fmt.Errorf("catalog: moving descendant folders of %s: %w", oldPath, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE files SET file_path = ? || substr(file_path, ?), updated_at = ?
		 WHERE substr(file_path, 1, ?) = ?`,
		newPath, suffixStart, now, prefixLen, prefix); err != nil {
		return fmt.Errorf("catalog: moving descendant files of %s: %w", oldPath, err)
	}

	return nil
}

// folderIDByPathTx resolves a folder id inside a transaction, mapping a
// missing row to ErrConsistency (the caller should have upserted it).
func (c *Catalog) folderIDByPathTx(ctx context.Context, tx *sql.Tx, path string) (string, error) {
	var id string

	err := tx.QueryRowContext(ctx,
		`SELECT folder_id FROM folders WHERE folder_path = ?`, path).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("folder %s missing: %w", path, ErrConsistency)
	}

	if err != nil {
		return "", err
	}

	return id, nil
}
