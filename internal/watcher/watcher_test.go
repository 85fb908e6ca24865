package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCoalesceCreateThenWrite(t *testing.T) {
	events := coalesce([]rawEvent{
		{op: fsnotify.Create, path: "/sync/a.txt"},
		{op: fsnotify.Write, path: "/sync/a.txt"},
		{op: fsnotify.Write, path: "/sync/a.txt"},
	})

	require.Len(t, events, 1)
	assert.Equal(t, OpCreate, events[0].Op)
	assert.Equal(t, "/sync/a.txt", events[0].Path)
}

func TestCoalesceCreateThenRemoveCancels(t *testing.T) {
	events := coalesce([]rawEvent{
		{op: fsnotify.Create, path: "/sync/tmp.txt"},
		{op: fsnotify.Write, path: "/sync/tmp.txt"},
		{op: fsnotify.Remove, path: "/sync/tmp.txt"},
	})

	assert.Empty(t, events)
}

func TestCoalesceRemoveThenRecreate(t *testing.T) {
	events := coalesce([]rawEvent{
		{op: fsnotify.Remove, path: "/sync/a.txt"},
		{op: fsnotify.Create, path: "/sync/a.txt"},
	})

	require.Len(t, events, 1)
	assert.Equal(t, OpCreate, events[0].Op)
}

func TestCoalesceWriteOnly(t *testing.T) {
	events := coalesce([]rawEvent{
		{op: fsnotify.Write, path: "/sync/a.txt"},
	})

	require.Len(t, events, 1)
	assert.Equal(t, OpModify, events[0].Op)
}

func TestCoalescePairsRenameByBaseName(t *testing.T) {
	events := coalesce([]rawEvent{
		{op: fsnotify.Rename, path: "/sync/docs/a.txt"},
		{op: fsnotify.Create, path: "/sync/archive/a.txt"},
	})

	require.Len(t, events, 1)
	assert.Equal(t, OpRename, events[0].Op)
	assert.Equal(t, "/sync/archive/a.txt", events[0].Path)
	assert.Equal(t, "/sync/docs/a.txt", events[0].OldPath)
}

func TestCoalescePairsSinglePendingRename(t *testing.T) {
	// Renamed within the same directory: base names differ, but one
	// moved-from and one create is unambiguous.
	events := coalesce([]rawEvent{
		{op: fsnotify.Rename, path: "/sync/old.txt"},
		{op: fsnotify.Create, path: "/sync/new.txt"},
	})

	require.Len(t, events, 1)
	assert.Equal(t, OpRename, events[0].Op)
	assert.Equal(t, "/sync/new.txt", events[0].Path)
	assert.Equal(t, "/sync/old.txt", events[0].OldPath)
}

func TestCoalesceUnpairedRenameIsDelete(t *testing.T) {
	// Moved outside the sync root: only the moved-from side is visible.
	events := coalesce([]rawEvent{
		{op: fsnotify.Rename, path: "/sync/gone.txt"},
	})

	require.Len(t, events, 1)
	assert.Equal(t, OpDelete, events[0].Op)
	assert.Equal(t, "/sync/gone.txt", events[0].Path)
}

func TestCoalesceNoCrossTypeRenamePairing(t *testing.T) {
	// A moved-away folder must not pair with a created file.
	events := coalesce([]rawEvent{
		{op: fsnotify.Rename, path: "/sync/olddir", isDir: true},
		{op: fsnotify.Create, path: "/sync/newfile.txt"},
	})

	require.Len(t, events, 2)

	byPath := map[string]Event{}
	for _, ev := range events {
		byPath[ev.Path] = ev
	}

	assert.Equal(t, OpCreate, byPath["/sync/newfile.txt"].Op)
	assert.Equal(t, OpDelete, byPath["/sync/olddir"].Op)
	assert.True(t, byPath["/sync/olddir"].IsDir)
}

func TestCoalesceSortedByPath(t *testing.T) {
	events := coalesce([]rawEvent{
		{op: fsnotify.Create, path: "/sync/z.txt"},
		{op: fsnotify.Create, path: "/sync/a.txt"},
		{op: fsnotify.Create, path: "/sync/m.txt"},
	})

	require.Len(t, events, 3)
	assert.Equal(t, "/sync/a.txt", events[0].Path)
	assert.Equal(t, "/sync/m.txt", events[1].Path)
	assert.Equal(t, "/sync/z.txt", events[2].Path)
}

func TestIsEditorNoise(t *testing.T) {
	for _, name := range []string{"a.swp", "b.tmp", "c.partial", "~lock", ".~lock.doc#", "x.crdownload"} {
		assert.True(t, isEditorNoise(name), name)
	}

	for _, name := range []string{"report.pdf", "notes.txt", "swp.txt", "tmp"} {
		assert.False(t, isEditorNoise(name), name)
	}
}

func TestCanonicalAndIgnored(t *testing.T) {
	w := &Watcher{root: "/sync", ignore: []string{"/sync/.staging"}}

	assert.Equal(t, "/sync/docs/a.txt", w.canonical(filepath.Join("/sync", "docs", "a.txt")))
	assert.Equal(t, "/sync", w.canonical("/sync"))

	assert.True(t, w.ignored("/sync/.staging"))
	assert.True(t, w.ignored("/sync/.staging/f1_1"))
	assert.False(t, w.ignored("/sync/.staging2"))
	assert.False(t, w.ignored("/sync/docs"))
}

func TestWatcherEmitsDebouncedBatch(t *testing.T) {
	root := t.TempDir()

	w, err := New(root, 50*time.Millisecond, nil, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watch registration a moment before generating events.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(root, "docs"), 0o755))

	select {
	case batch := <-w.Events():
		require.NotEmpty(t, batch)

		byPath := map[string]Event{}
		for _, ev := range batch {
			byPath[ev.Path] = ev
		}

		canonicalRoot := w.root

		fileEv, ok := byPath[canonicalRoot+"/a.txt"]
		require.True(t, ok, "expected event for a.txt, got %v", batch)
		assert.Equal(t, OpCreate, fileEv.Op)
		assert.False(t, fileEv.IsDir)

		dirEv, ok := byPath[canonicalRoot+"/docs"]
		require.True(t, ok, "expected event for docs, got %v", batch)
		assert.Equal(t, OpCreate, dirEv.Op)
		assert.True(t, dirEv.IsDir)

	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for debounced batch")
	}

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherSeesNewSubdirectoryContents(t *testing.T) {
	root := t.TempDir()

	w, err := New(root, 50*time.Millisecond, nil, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx) //nolint:errcheck

	time.Sleep(100 * time.Millisecond)

	sub := filepath.Join(root, "nested")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "inner.txt"), []byte("x"), 0o600))

	deadline := time.After(5 * time.Second)
	seen := map[string]Op{}

	for {
		select {
		case batch := <-w.Events():
			for _, ev := range batch {
				seen[ev.Path] = ev.Op
			}

			if _, ok := seen[w.root+"/nested/inner.txt"]; ok {
				assert.Equal(t, OpCreate, seen[w.root+"/nested/inner.txt"])

				return
			}

		case <-deadline:
			t.Fatalf("never saw nested file, events: %v", seen)
		}
	}
}
