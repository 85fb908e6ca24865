// Package catalog is the client-local metadata store: folders, files and
// chunks with their sync status, persisted in a single embedded SQLite
// database. It is the only shared mutable resource in the process — it
// admits concurrent readers and serializes writers through a single
// connection. All mutating operations run inside transactions and keep the
// invariants of the data model:
//
//   - folder_path and file_path are unique
//   - the folder graph is a tree rooted at the sync root
//   - a committed file always owns a contiguous set of chunk rows
//
// Paths handed to the catalog are canonical: absolute, forward slashes,
// no trailing slash, rooted at the configured sync root.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// Catalog wraps the SQLite database. Safe for concurrent use; writes are
// serialized by limiting the pool to a single connection (sole-writer
// discipline, same as WAL readers tolerate).
type Catalog struct {
	db     *sql.DB
	root   string
	logger *slog.Logger

	// now is the timestamp source, injectable for tests.
	now func() time.Time
}

// Open opens (creating if necessary) the catalog database at dbPath and
// applies pending schema migrations. root is the canonical sync root path;
// it anchors recursive folder creation. Use ":memory:" for tests.
func Open(dbPath, root string, logger *slog.Logger) (*Catalog, error) {
	logger.Info("opening catalog database", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("catalog: open sqlite: %w", err)
	}

	// Single writer connection. SQLite serializes writers anyway; pinning
	// the pool to one connection avoids SQLITE_BUSY churn under load.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	root = strings.TrimRight(root, "/")

	logger.Info("catalog database ready", slog.String("path", dbPath))

	return &Catalog{db: db, root: root, logger: logger, now: time.Now}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Root returns the canonical sync root path the catalog was opened with.
func (c *Catalog) Root() string {
	return c.root
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("catalog: %s: %w", p, err)
		}
	}

	return nil
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("catalog: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("catalog: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("catalog: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// inTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise. The deferred Rollback after a successful Commit is a
// no-op.
func (c *Catalog) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: commit tx: %w", err)
	}

	return nil
}
