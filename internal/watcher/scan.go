package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// KnownPath describes one catalog entry for diffing purposes.
type KnownPath struct {
	IsDir bool
	Hash  string // file content hash; empty for folders
	Size  int64
	Mtime int64 // unix nanos
}

// Hasher computes the content hash of a file for modification detection
// during a scan.
type Hasher func(ctx context.Context, fsPath string) (string, error)

// Scanner diffs the filesystem under a root against a known-path view and
// synthesizes the events a live watcher would have produced. Used at
// startup and after an event-queue overflow.
type Scanner struct {
	root   string
	ignore []string
	hash   Hasher
	logger *slog.Logger
}

// NewScanner creates a Scanner. hash may be nil, in which case files
// present in both views are compared by size and mtime only.
func NewScanner(root string, ignorePrefixes []string, hash Hasher, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scanner{root: root, ignore: ignorePrefixes, hash: hash, logger: logger}
}

// Scan walks the root and returns creates, modifies, and deletes relative
// to known. Events are ordered parents-before-children for creates and
// children-before-parents for deletes so the consumer can apply them
// sequentially.
func (s *Scanner) Scan(ctx context.Context, known map[string]KnownPath) ([]Event, error) {
	start := time.Now()
	observed := make(map[string]bool, len(known))

	var events []Event

	err := filepath.WalkDir(s.root, func(fsPath string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			s.logger.Warn("scan walk error",
				slog.String("path", fsPath), slog.String("error", walkErr.Error()))

			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if fsPath == s.root {
			return nil
		}

		canonical := s.canonical(fsPath)
		if s.ignored(canonical) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		if isEditorNoise(d.Name()) {
			return nil
		}

		observed[canonical] = true

		ev, err := s.classify(ctx, fsPath, canonical, d, known)
		if err != nil {
			return err
		}

		if ev != nil {
			events = append(events, *ev)
		}

		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("watcher: scan canceled: %w", ctx.Err())
		}

		return nil, fmt.Errorf("watcher: scanning %s: %w", s.root, err)
	}

	events = append(events, deletions(known, observed)...)

	s.logger.Info("scan complete",
		slog.Int("events", len(events)),
		slog.Int("observed", len(observed)),
		slog.Duration("elapsed", time.Since(start)),
	)

	return events, nil
}

// classify compares one filesystem entry against the known view.
func (s *Scanner) classify(
	ctx context.Context, fsPath, canonical string, d fs.DirEntry, known map[string]KnownPath,
) (*Event, error) {
	entry, exists := known[canonical]

	if !exists {
		return &Event{Op: OpCreate, Path: canonical, IsDir: d.IsDir()}, nil
	}

	// Type flip: a file replaced by a folder (or vice versa) is a delete
	// followed by a create; report it as a create and let the consumer
	// replace the old record.
	if entry.IsDir != d.IsDir() {
		return &Event{Op: OpCreate, Path: canonical, IsDir: d.IsDir()}, nil
	}

	if d.IsDir() {
		return nil, nil
	}

	info, err := d.Info()
	if err != nil {
		// Disappeared between readdir and stat.
		s.logger.Debug("stat failed during scan",
			slog.String("path", canonical), slog.String("error", err.Error()))

		return nil, nil
	}

	if info.Size() == entry.Size && entry.Mtime != 0 && info.ModTime().UnixNano() == entry.Mtime {
		return nil, nil
	}

	if s.hash != nil && entry.Hash != "" {
		hash, err := s.hash(ctx, fsPath)
		if err != nil {
			s.logger.Warn("hash failed during scan",
				slog.String("path", canonical), slog.String("error", err.Error()))

			return nil, nil
		}

		if hash == entry.Hash {
			return nil, nil
		}
	}

	return &Event{Op: OpModify, Path: canonical, IsDir: false}, nil
}

// deletions returns delete events for known paths not seen on disk,
// deepest paths first so files precede their folders.
func deletions(known map[string]KnownPath, observed map[string]bool) []Event {
	var events []Event

	for p, entry := range known {
		if observed[p] {
			continue
		}

		events = append(events, Event{Op: OpDelete, Path: p, IsDir: entry.IsDir})
	}

	sort.Slice(events, func(i, j int) bool {
		di := strings.Count(events[i].Path, "/")
		dj := strings.Count(events[j].Path, "/")

		if di != dj {
			return di > dj
		}

		return events[i].Path < events[j].Path
	})

	return events
}

func (s *Scanner) canonical(fsPath string) string {
	rel, err := filepath.Rel(s.root, fsPath)
	if err != nil || rel == "." {
		return s.root
	}

	return s.root + "/" + nfc(filepath.ToSlash(rel))
}

func (s *Scanner) ignored(canonical string) bool {
	for _, prefix := range s.ignore {
		if canonical == prefix || strings.HasPrefix(canonical, prefix+"/") {
			return true
		}
	}

	return false
}
