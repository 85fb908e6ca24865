//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/api"
)

func TestDownloadReassemblesMultiChunkFile(t *testing.T) {
	e := newEnv(t, chunkSize)
	content := repeat(3*chunkSize + 17)
	canonical := e.write(t, "big.bin", content)

	e.sync(t)
	file := e.fileByPath(t, canonical)

	// Clear staging so every part must come over the wire.
	e.chunks.CleanupFile(file.FileID)

	dest := filepath.Join(t.TempDir(), "restored.bin")
	require.NoError(t, e.eng.Download(context.Background(), file.FileID, dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestSubrangeFetchReturnsExactParts(t *testing.T) {
	e := newEnv(t, chunkSize)
	content := repeat(4 * chunkSize)
	canonical := e.write(t, "ranged.bin", content)

	e.sync(t)
	file := e.fileByPath(t, canonical)
	e.chunks.CleanupFile(file.FileID)

	var buf bytes.Buffer
	require.NoError(t, e.eng.FetchChunks(context.Background(), file.FileID, []int{1, 3}, &buf))

	want := append([]byte{}, content[:chunkSize]...)
	want = append(want, content[2*chunkSize:3*chunkSize]...)
	assert.Equal(t, want, buf.Bytes())
}

func TestAPIListsSyncedFiles(t *testing.T) {
	e := newEnv(t, chunkSize)
	canonical := e.write(t, "served.txt", []byte("over http"))
	e.sync(t)

	srv := api.NewServer(e.cat, e.eng, e.client, discardLogger())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/files")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var files []struct {
		FileID   string `json:"file_id"`
		FilePath string `json:"file_path"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&files))
	require.Len(t, files, 1)
	assert.Equal(t, canonical, files[0].FilePath)

	health, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
