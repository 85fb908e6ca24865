// Package watcher turns raw fsnotify events on the sync root into
// debounced batches of high-level change events. It owns recursive watch
// registration, editor-noise filtering, and rename pairing; it never
// touches the catalog or the network.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"
)

// Error backoff for the fsnotify error channel. Prevents a tight loop
// under sustained kernel-side errors.
const (
	errInitBackoff = 100 * time.Millisecond
	errMaxBackoff  = 10 * time.Second
	errBackoffMult = 2
)

// Watcher observes a directory tree and emits debounced event batches.
type Watcher struct {
	root     string // canonical sync root
	debounce time.Duration
	ignore   []string // canonical path prefixes never reported
	logger   *slog.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending []rawEvent
	dirs    map[string]bool // canonical paths of watched directories
	notify  chan struct{}

	out    chan []Event
	rescan chan struct{}
}

// rawEvent is an un-debounced fsnotify observation in canonical form.
type rawEvent struct {
	op    fsnotify.Op
	path  string
	isDir bool
}

// New creates a Watcher for root. Paths under any of ignorePrefixes
// (canonical form) are never reported; the chunk staging directory goes
// here when it lives inside the sync root.
func New(root string, debounce time.Duration, ignorePrefixes []string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: creating fsnotify watcher: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		root:     root,
		debounce: debounce,
		ignore:   ignorePrefixes,
		logger:   logger,
		fsw:      fsw,
		dirs:     make(map[string]bool),
		notify:   make(chan struct{}, 1),
		out:      make(chan []Event, 1),
		rescan:   make(chan struct{}, 1),
	}, nil
}

// Events returns the channel of debounced batches. Closed when Run
// returns.
func (w *Watcher) Events() <-chan []Event {
	return w.out
}

// Rescan signals that kernel events were dropped and the caller should
// run a full scan to resynchronize. At most one signal is buffered.
func (w *Watcher) Rescan() <-chan struct{} {
	return w.rescan
}

// Run registers watches on the whole tree and processes events until ctx
// is canceled. Blocking; callers run it in a goroutine.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	defer close(w.out)

	if err := w.watchTree(w.root); err != nil {
		return err
	}

	w.logger.Info("watching for changes",
		slog.String("root", w.root),
		slog.Duration("debounce", w.debounce),
	)

	go w.debounceLoop(ctx)

	backoff := errInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}

			w.handleFsEvent(ev)

			backoff = errInitBackoff

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}

			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("event queue overflowed, requesting rescan")
				w.signalRescan()

				continue
			}

			w.logger.Warn("filesystem watcher error",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}

			backoff *= errBackoffMult
			if backoff > errMaxBackoff {
				backoff = errMaxBackoff
			}
		}
	}
}

// watchTree registers watches on dir and every subdirectory beneath it.
func (w *Watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(fsPath string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.logger.Warn("walk error during watch registration",
				slog.String("path", fsPath), slog.String("error", walkErr.Error()))

			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.IsDir() {
			return nil
		}

		canonical := w.canonical(fsPath)
		if w.ignored(canonical) {
			return filepath.SkipDir
		}

		if err := w.fsw.Add(fsPath); err != nil {
			return fmt.Errorf("watcher: adding watch on %s: %w", fsPath, err)
		}

		w.mu.Lock()
		w.dirs[canonical] = true
		w.mu.Unlock()

		return nil
	})
}

// handleFsEvent canonicalizes and records one fsnotify event.
func (w *Watcher) handleFsEvent(ev fsnotify.Event) {
	// Mode changes are not synced.
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	canonical := w.canonical(ev.Name)
	if canonical == w.root || w.ignored(canonical) {
		return
	}

	if isEditorNoise(path.Base(canonical)) {
		w.logger.Debug("skipping editor temp file", slog.String("path", canonical))

		return
	}

	raw := rawEvent{op: ev.Op, path: canonical}

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil {
			// Gone already; a paired rename will still find this record.
			w.logger.Debug("stat failed for created path",
				slog.String("path", canonical), slog.String("error", err.Error()))
		} else if info.IsDir() {
			raw.isDir = true
			w.trackNewDir(ev.Name, canonical)
		}

	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.mu.Lock()
		if w.dirs[canonical] {
			raw.isDir = true

			delete(w.dirs, canonical)
		}
		w.mu.Unlock()

	case ev.Has(fsnotify.Write):
		// Directory mtime churn is noise; only files matter.
		if info, err := os.Stat(ev.Name); err != nil || info.IsDir() {
			return
		}
	}

	w.mu.Lock()
	w.pending = append(w.pending, raw)
	w.mu.Unlock()

	w.signalNew()
}

// trackNewDir registers a watch on a newly created directory and records
// create events for entries that appeared before the watch was live.
func (w *Watcher) trackNewDir(fsPath, canonical string) {
	if err := w.fsw.Add(fsPath); err != nil {
		w.logger.Warn("failed to add watch on new directory",
			slog.String("path", canonical), slog.String("error", err.Error()))

		return
	}

	w.mu.Lock()
	w.dirs[canonical] = true
	w.mu.Unlock()

	entries, err := os.ReadDir(fsPath)
	if err != nil {
		return
	}

	for _, entry := range entries {
		entryCanonical := canonical + "/" + nfc(entry.Name())
		if w.ignored(entryCanonical) || isEditorNoise(entry.Name()) {
			continue
		}

		raw := rawEvent{op: fsnotify.Create, path: entryCanonical, isDir: entry.IsDir()}

		w.mu.Lock()
		w.pending = append(w.pending, raw)
		w.mu.Unlock()

		if entry.IsDir() {
			w.trackNewDir(filepath.Join(fsPath, entry.Name()), entryCanonical)
		}
	}

	w.signalNew()
}

// debounceLoop flushes the pending buffer after the debounce window
// elapses with no new events.
func (w *Watcher) debounceLoop(ctx context.Context) {
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	active := false

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.notify:
			if !timer.Stop() && active {
				<-timer.C
			}

			timer.Reset(w.debounce)
			active = true

		case <-timer.C:
			active = false

			if batch := w.flush(); len(batch) > 0 {
				select {
				case w.out <- batch:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// flush drains the pending buffer, coalesces per path, pairs renames, and
// returns the batch sorted by path.
func (w *Watcher) flush() []Event {
	w.mu.Lock()
	raw := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(raw) == 0 {
		return nil
	}

	events := coalesce(raw)

	w.logger.Debug("flushing change batch",
		slog.Int("raw", len(raw)),
		slog.Int("events", len(events)),
	)

	return events
}

// pathState accumulates the raw events seen for one path within a window.
type pathState struct {
	path    string
	oldPath string // set when a moved-from path was paired into this one
	isDir   bool
	created bool // Create seen
	written bool // Write seen
	removed bool // Remove seen (unambiguous delete)
	moved   bool // Rename seen (moved away; may pair with a Create elsewhere)
}

// coalesce reduces raw events to at most one Event per path and pairs
// moved-from paths with creates into renames.
func coalesce(raw []rawEvent) []Event {
	order := make([]string, 0, len(raw))
	states := make(map[string]*pathState, len(raw))

	for _, r := range raw {
		st, ok := states[r.path]
		if !ok {
			st = &pathState{path: r.path}
			states[r.path] = st
			order = append(order, r.path)
		}

		if r.isDir {
			st.isDir = true
		}

		switch {
		case r.op.Has(fsnotify.Create):
			st.created = true
			// A re-created path supersedes an earlier removal.
			st.removed = false
			st.moved = false
		case r.op.Has(fsnotify.Write):
			st.written = true
		case r.op.Has(fsnotify.Remove):
			st.removed = true
		case r.op.Has(fsnotify.Rename):
			st.moved = true
		}
	}

	pairRenames(order, states)

	events := make([]Event, 0, len(states))

	for _, p := range order {
		st := states[p]
		if st == nil {
			continue
		}

		if ev, ok := st.toEvent(); ok {
			events = append(events, ev)
		}
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })

	return events
}

// pairRenames matches moved-from paths against created paths within the
// same window. fsnotify exposes no rename cookie, so the match is a
// heuristic: same base name first, then the unambiguous single-pending
// case. A paired create becomes a rename; leftovers fall back to
// delete and create respectively.
func pairRenames(order []string, states map[string]*pathState) {
	var movedFrom, created []*pathState

	for _, p := range order {
		st := states[p]

		switch {
		case st.moved && !st.created:
			movedFrom = append(movedFrom, st)
		case st.created && !st.removed:
			created = append(created, st)
		}
	}

	match := func(from *pathState) *pathState {
		for _, to := range created {
			if to.oldPath != "" {
				continue // already consumed by another pairing
			}

			if path.Base(to.path) == path.Base(from.path) && to.isDir == from.isDir {
				return to
			}
		}

		if len(movedFrom) == 1 && len(created) == 1 &&
			created[0].oldPath == "" && created[0].isDir == from.isDir {
			return created[0]
		}

		return nil
	}

	for _, from := range movedFrom {
		to := match(from)
		if to == nil {
			continue
		}

		to.oldPath = from.path

		delete(states, from.path)
	}
}

// toEvent converts accumulated state into the final Event for the path.
func (st *pathState) toEvent() (Event, bool) {
	switch {
	case st.created && st.oldPath != "":
		return Event{Op: OpRename, Path: st.path, OldPath: st.oldPath, IsDir: st.isDir}, true

	case st.removed || st.moved:
		// Created then removed within one window cancels out.
		if st.created {
			return Event{}, false
		}

		return Event{Op: OpDelete, Path: st.path, IsDir: st.isDir}, true

	case st.created:
		return Event{Op: OpCreate, Path: st.path, IsDir: st.isDir}, true

	case st.written:
		return Event{Op: OpModify, Path: st.path, IsDir: st.isDir}, true
	}

	return Event{}, false
}

// signalNew wakes the debounce goroutine without blocking.
func (w *Watcher) signalNew() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// signalRescan requests a full scan without blocking.
func (w *Watcher) signalRescan() {
	select {
	case w.rescan <- struct{}{}:
	default:
	}
}

// canonical converts an OS path to canonical form: absolute, forward
// slashes, NFC, no trailing slash.
func (w *Watcher) canonical(fsPath string) string {
	rel, err := filepath.Rel(w.root, fsPath)
	if err != nil || rel == "." {
		return w.root
	}

	return w.root + "/" + nfc(filepath.ToSlash(rel))
}

// ignored reports whether a canonical path falls under an ignore prefix.
func (w *Watcher) ignored(canonical string) bool {
	for _, prefix := range w.ignore {
		if canonical == prefix || strings.HasPrefix(canonical, prefix+"/") {
			return true
		}
	}

	return false
}

// isEditorNoise filters temp and lock files that editors churn through
// during saves. Syncing them wastes uploads and races with the editor.
func isEditorNoise(name string) bool {
	lower := strings.ToLower(name)

	for _, ext := range []string{".swp", ".swx", ".tmp", ".partial", ".crdownload"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}

	return strings.HasPrefix(name, "~") || strings.HasPrefix(name, ".~")
}

// nfc applies Unicode NFC normalization. macOS reports NFD names; the
// catalog stores NFC so one file cannot appear under two spellings.
func nfc(s string) string {
	return norm.NFC.String(s)
}
