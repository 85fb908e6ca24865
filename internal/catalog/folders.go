package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// UpsertFolder ensures a folder row exists for path, creating any missing
// parent folders recursively up from the sync root. Idempotent: an
// existing folder returns its id unchanged. A file already occupying the
// path is a DuplicatePath failure.
func (c *Catalog) UpsertFolder(ctx context.Context, path string) (string, error) {
	path = strings.TrimRight(path, "/")

	if path != c.root && !strings.HasPrefix(path, c.root+"/") {
		return "", fmt.Errorf("catalog: folder %s outside sync root %s: %w", path, c.root, ErrConsistency)
	}

	var folderID string

	err := c.inTx(ctx, func(tx *sql.Tx) error {
		var occupied int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM files WHERE file_path = ?`, path).Scan(&occupied); err != nil {
			return fmt.Errorf("catalog: checking path occupancy: %w", err)
		}

		if occupied > 0 {
			return fmt.Errorf("catalog: %s is a file: %w", path, ErrDuplicatePath)
		}

		id, err := c.upsertFolderTx(ctx, tx, path)
		if err != nil {
			return err
		}

		folderID = id

		return nil
	})
	if err != nil {
		return "", err
	}

	return folderID, nil
}

// upsertFolderTx walks the path components from the sync root down,
// creating missing folder rows. Returns the id of the leaf folder.
func (c *Catalog) upsertFolderTx(ctx context.Context, tx *sql.Tx, path string) (string, error) {
	// Component paths from root to leaf: root, root/a, root/a/b, ...
	steps := []string{c.root}

	if path != c.root {
		rel := strings.TrimPrefix(path, c.root+"/")
		cur := c.root

		for _, part := range strings.Split(rel, "/") {
			cur = cur + "/" + part
			steps = append(steps, cur)
		}
	}

	parentID := ""

	for _, step := range steps {
		var id string

		err := tx.QueryRowContext(ctx,
			`SELECT folder_id FROM folders WHERE folder_path = ?`, step).Scan(&id)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			id = uuid.NewString()
			now := c.now().UnixNano()

			if _, insErr := tx.ExecContext(ctx,
				`INSERT INTO folders (folder_id, folder_name, folder_path, parent_folder_id, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				id, baseName(step), step, nullString(parentID), now, now); insErr != nil {
				return "", fmt.Errorf("catalog: inserting folder %s: %w", step, insErr)
			}

			c.logger.Debug("folder created",
				slog.String("path", step),
				slog.String("folder_id", id),
			)

		case err != nil:
			return "", fmt.Errorf("catalog: looking up folder %s: %w", step, err)
		}

		parentID = id
	}

	return parentID, nil
}

// FolderByPath returns the folder at the given canonical path.
func (c *Catalog) FolderByPath(ctx context.Context, path string) (*Folder, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT folder_id, folder_name, folder_path, parent_folder_id, created_at, updated_at
		 FROM folders WHERE folder_path = ?`, strings.TrimRight(path, "/"))

	return scanFolder(row, path)
}

// ListFolders returns all folders ordered by path.
func (c *Catalog) ListFolders(ctx context.Context) ([]Folder, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT folder_id, folder_name, folder_path, parent_folder_id, created_at, updated_at
		 FROM folders ORDER BY folder_path`)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing folders: %w", err)
	}
	defer rows.Close()

	var result []Folder

	for rows.Next() {
		var (
			f      Folder
			parent sql.NullString
		)

		if err := rows.Scan(&f.FolderID, &f.FolderName, &f.FolderPath, &parent,
			&f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("catalog: scanning folder row: %w", err)
		}

		f.ParentFolderID = parent.String
		result = append(result, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating folder rows: %w", err)
	}

	return result, nil
}

// scanFolder scans a single folder row, mapping ErrNoRows to ErrNotFound.
func scanFolder(row *sql.Row, path string) (*Folder, error) {
	var (
		f      Folder
		parent sql.NullString
	)

	err := row.Scan(&f.FolderID, &f.FolderName, &f.FolderPath, &parent,
		&f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog: folder %s: %w", path, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("catalog: scanning folder %s: %w", path, err)
	}

	f.ParentFolderID = parent.String

	return &f, nil
}

// baseName returns the last component of a canonical path.
func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}

	return path
}

// parentPath returns the canonical path of the parent directory.
func parentPath(path string) string {
	if i := strings.LastIndexByte(path, '/'); i > 0 {
		return path[:i]
	}

	return "/"
}

// nullString maps "" to NULL for nullable TEXT columns.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}
