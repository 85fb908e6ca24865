// Package testutil provides a self-contained in-memory files service for
// integration and E2E tests. It implements the service's JSON contract —
// file registration with presigned upload URLs, chunk PUTs, confirmation,
// and presigned ranged downloads — backed by maps instead of object
// storage.
package testutil

import (
	"bytes"
	"crypto/md5" //nolint:gosec // ETag mimicry, not security
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// fileMeta is the registration state of one file.
type fileMeta struct {
	path       string
	hash       string
	chunkCount int
	chunkIDs   []string // index = part_number - 1
	confirmed  bool
}

// FakeService is an httptest-backed files service.
type FakeService struct {
	Server *httptest.Server

	// FailPuts makes the next N chunk PUTs return 500. Decrements per
	// failure. For retry tests.
	FailPuts atomic.Int32

	// FailCreates makes the next N POST /files return 503.
	FailCreates atomic.Int32

	mu       sync.Mutex
	nextID   int
	files    map[string]*fileMeta // by file_id
	staged   map[string][]byte    // uploaded chunk bytes by "<file_id>_<part>"
	blobs    map[string][]byte    // content-addressed copies by SHA-256 fingerprint
	objects  map[string][]byte    // assembled bytes of confirmed files by file_id
	confirms map[string]int       // confirm call count by file_id
}

// NewFakeService starts the fake. Callers must Close it.
func NewFakeService() *FakeService {
	f := &FakeService{
		files:    make(map[string]*fileMeta),
		staged:   make(map[string][]byte),
		blobs:    make(map[string][]byte),
		objects:  make(map[string][]byte),
		confirms: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /files", f.handleCreate)
	mux.HandleFunc("POST /files/confirm", f.handleConfirm)
	mux.HandleFunc("POST /files/download", f.handleDownload)
	mux.HandleFunc("GET /health", f.handleHealth)
	mux.HandleFunc("PUT /store/upload/{key}", f.handlePut)
	mux.HandleFunc("GET /store/object/{fileID}", f.handleGetObject)
	mux.HandleFunc("GET /store/blob/{fingerprint}", f.handleGetBlob)

	f.Server = httptest.NewServer(mux)

	return f
}

// Close shuts the fake down.
func (f *FakeService) Close() {
	f.Server.Close()
}

// URL returns the service base URL.
func (f *FakeService) URL() string {
	return f.Server.URL
}

// Object returns the assembled bytes of a confirmed file, or nil.
func (f *FakeService) Object(fileID string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[fileID]
	if !ok {
		return nil
	}

	out := make([]byte, len(obj))
	copy(out, obj)

	return out
}

// Confirmed reports whether the file's upload was confirmed.
func (f *FakeService) Confirmed(fileID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	meta, ok := f.files[fileID]

	return ok && meta.confirmed
}

// ConfirmCalls returns how many times the file was confirmed.
func (f *FakeService) ConfirmCalls(fileID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.confirms[fileID]
}

// FileIDByPath returns the most recently registered file id for a path.
func (f *FakeService) FileIDByPath(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		best    string
		bestSeq int
	)

	for id, meta := range f.files {
		if meta.path != path {
			continue
		}

		seq, _ := strconv.Atoi(strings.TrimPrefix(id, "f-"))
		if best == "" || seq > bestSeq {
			best = id
			bestSeq = seq
		}
	}

	return best
}

// SetObject overwrites a stored object's bytes. Integrity tests use it
// to make the store serve corrupted content.
func (f *FakeService) SetObject(fileID string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.objects[fileID] = data
}

// StagedChunk returns the uploaded bytes for one part, or nil.
func (f *FakeService) StagedChunk(fileID string, part int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.staged[fmt.Sprintf("%s_%d", fileID, part)]
}

func (f *FakeService) handleCreate(w http.ResponseWriter, r *http.Request) {
	if f.FailCreates.Load() > 0 {
		f.FailCreates.Add(-1)
		http.Error(w, "synthetic outage", http.StatusServiceUnavailable)

		return
	}

	var req struct {
		FileName   string `json:"file_name"`
		FilePath   string `json:"file_path"`
		FileType   string `json:"file_type"`
		FolderID   string `json:"folder_id"`
		ChunkCount int    `json:"chunk_count"`
		FileHash   string `json:"file_hash"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	if req.ChunkCount < 1 || req.FilePath == "" || len(req.FileHash) != 64 {
		http.Error(w, "invalid registration", http.StatusBadRequest)

		return
	}

	f.mu.Lock()
	f.nextID++
	fileID := fmt.Sprintf("f-%d", f.nextID)

	meta := &fileMeta{
		path:       req.FilePath,
		hash:       req.FileHash,
		chunkCount: req.ChunkCount,
		chunkIDs:   make([]string, req.ChunkCount),
	}

	type presigned struct {
		ChunkID      string `json:"chunk_id"`
		PartNumber   int    `json:"part_number"`
		PresignedURL string `json:"presigned_url"`
	}

	urls := make([]presigned, req.ChunkCount)

	for part := 1; part <= req.ChunkCount; part++ {
		chunkID := fmt.Sprintf("c-%d-%d", f.nextID, part)
		meta.chunkIDs[part-1] = chunkID
		urls[part-1] = presigned{
			ChunkID:    chunkID,
			PartNumber: part,
			PresignedURL: fmt.Sprintf("%s/store/upload/%s_%d?sig=%d",
				f.Server.URL, fileID, part, time.Now().UnixNano()),
		}
	}

	f.files[fileID] = meta
	f.mu.Unlock()

	writeJSON(w, map[string]any{
		"file_id":        fileID,
		"presigned_urls": urls,
	})
}

func (f *FakeService) handlePut(w http.ResponseWriter, r *http.Request) {
	if f.FailPuts.Load() > 0 {
		f.FailPuts.Add(-1)
		http.Error(w, "synthetic store failure", http.StatusInternalServerError)

		return
	}

	key := r.PathValue("key")

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	fp := sha256.Sum256(buf.Bytes())

	f.mu.Lock()
	f.staged[key] = buf.Bytes()
	f.blobs[hex.EncodeToString(fp[:])] = buf.Bytes()
	f.mu.Unlock()

	sum := md5.Sum(buf.Bytes()) //nolint:gosec // ETag mimicry
	w.Header().Set("ETag", `"`+hex.EncodeToString(sum[:])+`"`)
	w.WriteHeader(http.StatusOK)
}

func (f *FakeService) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileID   string   `json:"file_id"`
		ChunkIDs []string `json:"chunk_ids"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.confirms[req.FileID]++

	meta, ok := f.files[req.FileID]
	if !ok {
		writeJSON(w, map[string]any{"success": false, "error_message": "unknown file " + req.FileID})

		return
	}

	// Confirming an already confirmed file is idempotent.
	if meta.confirmed {
		writeJSON(w, map[string]any{"success": true})

		return
	}

	if len(req.ChunkIDs) != meta.chunkCount {
		writeJSON(w, map[string]any{
			"success":       false,
			"error_message": fmt.Sprintf("expected %d chunk ids, got %d", meta.chunkCount, len(req.ChunkIDs)),
		})

		return
	}

	// Clients may skip PUTs for chunks whose bytes the store already
	// holds (content dedup), so missing parts are not rejected here —
	// downloads for those chunks resolve through the fingerprint index.
	var (
		assembled []byte
		complete  = true
	)

	for part := 1; part <= meta.chunkCount; part++ {
		data, ok := f.staged[fmt.Sprintf("%s_%d", req.FileID, part)]
		if !ok {
			complete = false

			break
		}

		assembled = append(assembled, data...)
	}

	meta.confirmed = true

	if complete {
		f.objects[req.FileID] = assembled
	}

	writeJSON(w, map[string]any{"success": true})
}

func (f *FakeService) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileID string `json:"file_id"`
		Chunks []struct {
			ChunkID     string `json:"chunk_id"`
			PartNumber  int    `json:"part_number"`
			Fingerprint string `json:"fingerprint"`
		} `json:"chunks"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	f.mu.Lock()
	meta, ok := f.files[req.FileID]
	confirmed := ok && meta.confirmed
	_, hasObject := f.objects[req.FileID]
	f.mu.Unlock()

	if !confirmed {
		writeJSON(w, map[string]any{
			"success":       false,
			"error_message": "file " + req.FileID + " is not available",
			"download_urls": []any{},
		})

		return
	}

	type downloadURL struct {
		ChunkID      string `json:"chunk_id"`
		PartNumber   int    `json:"part_number"`
		PresignedURL string `json:"presigned_url"`
		RangeHeader  string `json:"range_header,omitempty"`
	}

	urls := make([]downloadURL, 0, len(req.Chunks))

	for _, ch := range req.Chunks {
		du := downloadURL{ChunkID: ch.ChunkID, PartNumber: ch.PartNumber}

		if hasObject {
			// Whole-file object: the client derives the byte range from
			// the part number.
			du.PresignedURL = fmt.Sprintf("%s/store/object/%s?sig=%d",
				f.Server.URL, req.FileID, time.Now().UnixNano())
		} else {
			// Deduplicated upload: serve the content-addressed blob and
			// hand the client an explicit range.
			f.mu.Lock()
			blob, blobOK := f.blobs[ch.Fingerprint]
			f.mu.Unlock()

			if !blobOK {
				writeJSON(w, map[string]any{
					"success":       false,
					"error_message": fmt.Sprintf("no object for chunk %s", ch.ChunkID),
					"download_urls": []any{},
				})

				return
			}

			du.PresignedURL = fmt.Sprintf("%s/store/blob/%s?sig=%d",
				f.Server.URL, ch.Fingerprint, time.Now().UnixNano())

			if len(blob) > 0 {
				du.RangeHeader = fmt.Sprintf("bytes=0-%d", len(blob)-1)
			}
		}

		urls = append(urls, du)
	}

	sort.Slice(urls, func(i, j int) bool { return urls[i].PartNumber < urls[j].PartNumber })

	writeJSON(w, map[string]any{
		"success":       true,
		"download_urls": urls,
	})
}

// handleGetObject serves an assembled object, honoring Range requests the
// way object stores do.
func (f *FakeService) handleGetObject(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("fileID")

	f.mu.Lock()
	obj, ok := f.objects[fileID]
	f.mu.Unlock()

	if !ok {
		http.NotFound(w, r)

		return
	}

	http.ServeContent(w, r, fileID, time.Time{}, bytes.NewReader(obj))
}

// handleGetBlob serves a content-addressed chunk copy.
func (f *FakeService) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fingerprint")

	f.mu.Lock()
	blob, ok := f.blobs[fp]
	f.mu.Unlock()

	if !ok {
		http.NotFound(w, r)

		return
	}

	http.ServeContent(w, r, fp, time.Time{}, bytes.NewReader(blob))
}

func (f *FakeService) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
