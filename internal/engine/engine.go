// Package engine drives synchronization: it consumes change events,
// chunks and uploads new content through the files service's presigned
// multipart flow, applies deletes and renames to the catalog, and
// reassembles files from ranged downloads.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/catalog"
	"github.com/driftsync/driftsync/internal/chunker"
	"github.com/driftsync/driftsync/internal/remote"
	"github.com/driftsync/driftsync/internal/watcher"
)

// mutatedRetryDelay is the pause before re-splitting a file whose size
// changed mid-read. One retry; after that the next change event or scan
// picks the file up again.
const mutatedRetryDelay = 250 * time.Millisecond

// Service is the remote surface the engine drives. *remote.Client
// implements it; tests substitute fakes.
type Service interface {
	CreateFile(ctx context.Context, req *remote.CreateFileRequest) (*remote.CreateFileResponse, error)
	ConfirmFile(ctx context.Context, fileID string, chunkIDs []string) error
	RequestDownload(ctx context.Context, req *remote.DownloadRequest) (*remote.DownloadResponse, error)
	PutChunk(ctx context.Context, presignedURL, stagingPath string) (string, error)
	GetRange(ctx context.Context, presignedURL, rangeHeader string, w io.Writer) (int64, error)
}

// Options configures an Engine.
type Options struct {
	// Workers bounds concurrent chunk transfers per file.
	Workers int

	// Dedup skips the PUT for chunks whose fingerprint already has a
	// confirmed upload. The chunk is still registered and confirmed.
	Dedup bool
}

// Engine coordinates the catalog, the chunker, and the files service.
type Engine struct {
	cat     *catalog.Catalog
	chunks  *chunker.Chunker
	svc     Service
	scanner *watcher.Scanner
	opts    Options
	logger  *slog.Logger

	locks    *pathLocker
	failures *failureTracker

	// sleep is overridable so the source-mutated retry is instant in tests.
	sleep func(ctx context.Context, d time.Duration) error

	// splitFn stages a file's chunks; overridable so tests can inject a
	// mutating source deterministically.
	splitFn func(ctx context.Context, osPath, fileID string) (*chunker.Manifest, error)
}

// New creates an Engine. scanner may be nil when rescans are driven
// externally.
func New(
	cat *catalog.Catalog, ch *chunker.Chunker, svc Service,
	scanner *watcher.Scanner, opts Options, logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.Workers < 1 {
		opts.Workers = 1
	}

	return &Engine{
		cat:      cat,
		chunks:   ch,
		svc:      svc,
		scanner:  scanner,
		opts:     opts,
		logger:   logger,
		locks:    newPathLocker(),
		failures: newFailureTracker(logger),
		sleep:    ctxSleep,
		splitFn:  ch.Split,
	}
}

// Run consumes watcher batches until ctx is canceled. Rescan signals
// trigger a full scan whose synthesized events run through the same
// pipeline.
func (e *Engine) Run(ctx context.Context, w *watcher.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case batch, ok := <-w.Events():
			if !ok {
				return nil
			}

			e.applyBatch(ctx, batch)

		case <-w.Rescan():
			if err := e.RunOnce(ctx); err != nil {
				e.logger.Error("rescan failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce scans the tree, applies every difference, and retries files
// whose uploads were interrupted. One-shot sync and overflow recovery.
func (e *Engine) RunOnce(ctx context.Context) error {
	if e.scanner == nil {
		return errors.New("engine: no scanner configured")
	}

	known, err := e.knownPaths(ctx)
	if err != nil {
		return err
	}

	events, err := e.scanner.Scan(ctx, known)
	if err != nil {
		return fmt.Errorf("engine: scan: %w", err)
	}

	e.applyBatch(ctx, events)

	// Files with unconfirmed chunks were interrupted mid-upload; their
	// content on disk may be unchanged, so the scan did not flag them.
	pending, err := e.cat.FilesWithPendingChunks(ctx)
	if err != nil {
		return err
	}

	for _, p := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		e.apply(ctx, watcher.Event{Op: watcher.OpModify, Path: p})
	}

	return ctx.Err()
}

// knownPaths builds the scanner's view of the catalog.
func (e *Engine) knownPaths(ctx context.Context) (map[string]watcher.KnownPath, error) {
	known := make(map[string]watcher.KnownPath)

	folders, err := e.cat.ListFolders(ctx)
	if err != nil {
		return nil, err
	}

	for _, f := range folders {
		if f.FolderPath == e.cat.Root() {
			continue
		}

		known[f.FolderPath] = watcher.KnownPath{IsDir: true}
	}

	files, err := e.cat.ListFiles(ctx)
	if err != nil {
		return nil, err
	}

	for _, f := range files {
		known[f.FilePath] = watcher.KnownPath{Hash: f.FileHash, Size: f.Size}
	}

	return known, nil
}

// applyBatch applies events sequentially. Batches arrive pre-sorted so
// parent folders precede their contents.
func (e *Engine) applyBatch(ctx context.Context, batch []watcher.Event) {
	for _, ev := range batch {
		if ctx.Err() != nil {
			return
		}

		e.apply(ctx, ev)
	}
}

// apply routes one event, recording the outcome in the failure tracker.
func (e *Engine) apply(ctx context.Context, ev watcher.Event) {
	if e.failures.shouldSkip(ev.Path) {
		e.logger.Debug("skipping suppressed path", slog.String("path", ev.Path))

		return
	}

	err := e.dispatch(ctx, ev)

	switch {
	case err == nil:
		e.failures.recordSuccess(ev.Path)

	case errors.Is(err, catalog.ErrNotFound):
		// Deleting or renaming something the catalog never saw is fine.
		e.failures.recordSuccess(ev.Path)

	case ctx.Err() != nil:
		// Shutdown, not a path failure.

	default:
		e.logger.Error("sync failed",
			slog.String("op", ev.Op.String()),
			slog.String("path", ev.Path),
			slog.String("error", err.Error()),
		)
		e.failures.recordFailure(ev.Path, err.Error())
	}
}

// dispatch performs the catalog/service work for one event.
func (e *Engine) dispatch(ctx context.Context, ev watcher.Event) error {
	unlock := e.lockEvent(ev)
	defer unlock()

	switch ev.Op {
	case watcher.OpCreate, watcher.OpModify:
		if ev.IsDir {
			_, err := e.cat.UpsertFolder(ctx, ev.Path)

			return err
		}

		return e.syncFile(ctx, ev.Path)

	case watcher.OpDelete:
		return e.cat.DeleteByPath(ctx, ev.Path)

	case watcher.OpRename:
		if _, err := e.cat.UpsertFolder(ctx, parentPath(ev.Path)); err != nil {
			return err
		}

		return e.cat.RenameOrMove(ctx, ev.OldPath, ev.Path)

	default:
		return fmt.Errorf("engine: unknown op %d for %s", ev.Op, ev.Path)
	}
}

// lockEvent acquires the path locks an event touches. A rename mutates
// both ends, so both locks are held, acquired in lexical order to avoid
// deadlocking against a concurrent rename in the opposite direction.
func (e *Engine) lockEvent(ev watcher.Event) func() {
	if ev.Op != watcher.OpRename || ev.OldPath == "" || ev.OldPath == ev.Path {
		return e.locks.lock(ev.Path)
	}

	first, second := ev.OldPath, ev.Path
	if second < first {
		first, second = second, first
	}

	unlockFirst := e.locks.lock(first)
	unlockSecond := e.locks.lock(second)

	return func() {
		unlockSecond()
		unlockFirst()
	}
}

// SyncPath uploads the file at the canonical path immediately, outside
// the watch pipeline. Used by the local API's sync trigger. Outcomes
// feed the same failure tracker as the watch pipeline, so a path that
// keeps failing is suppressed here too.
func (e *Engine) SyncPath(ctx context.Context, canonical string) error {
	if e.failures.shouldSkip(canonical) {
		return fmt.Errorf("engine: %s: %w", canonical, ErrSuppressed)
	}

	unlock := e.locks.lock(canonical)
	defer unlock()

	if err := e.syncFile(ctx, canonical); err != nil {
		if ctx.Err() == nil {
			e.failures.recordFailure(canonical, err.Error())
		}

		return err
	}

	e.failures.recordSuccess(canonical)

	return nil
}

// fileType guesses a MIME type from the file extension. The service
// stores it as opaque metadata.
func fileType(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}

	return "application/octet-stream"
}

// parentPath returns the canonical parent of a canonical path.
func parentPath(p string) string {
	return path.Dir(p)
}

// ctxSleep waits for d or until ctx is canceled.
func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// pathLocker serializes operations on the same path. Different paths
// proceed concurrently.
type pathLocker struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

func newPathLocker() *pathLocker {
	return &pathLocker{locks: make(map[string]*pathLock)}
}

// lock acquires the lock for p and returns the release func.
func (pl *pathLocker) lock(p string) func() {
	pl.mu.Lock()
	l, ok := pl.locks[p]
	if !ok {
		l = &pathLock{}
		pl.locks[p] = l
	}
	l.refs++
	pl.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		pl.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(pl.locks, p)
		}
		pl.mu.Unlock()
	}
}
