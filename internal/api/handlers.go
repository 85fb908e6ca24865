package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/driftsync/driftsync/internal/catalog"
	"github.com/driftsync/driftsync/internal/remote"
)

// syncTimeout bounds a background rescan triggered over the API.
const syncTimeout = 10 * time.Minute

type fileSummary struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	FilePath string `json:"file_path"`
}

type chunkView struct {
	ChunkID     string `json:"chunk_id"`
	PartNumber  int    `json:"part_number"`
	Fingerprint string `json:"fingerprint"`
	Size        int64  `json:"size"`
	Synced      bool   `json:"synced"`
}

type fileDetails struct {
	FileID   string      `json:"file_id"`
	FileName string      `json:"file_name"`
	FilePath string      `json:"file_path"`
	FolderID string      `json:"folder_id"`
	FileType string      `json:"file_type"`
	FileHash string      `json:"file_hash"`
	Size     int64       `json:"size"`
	Chunks   []chunkView `json:"chunks"`
}

type folderView struct {
	FolderID       string `json:"folder_id"`
	FolderName     string `json:"folder_name"`
	FolderPath     string `json:"folder_path"`
	ParentFolderID string `json:"parent_folder_id,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pending, err := s.cat.CountPendingChunks(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"pending_chunks": pending,
	})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.cat.ListFiles(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)

		return
	}

	out := make([]fileSummary, 0, len(files))
	for _, f := range files {
		out = append(out, fileSummary{FileID: f.FileID, FileName: f.FileName, FilePath: f.FilePath})
	}

	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFileDetails(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileID")

	file, err := s.cat.FileByID(r.Context(), fileID)
	if errors.Is(err, catalog.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err)

		return
	}

	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)

		return
	}

	rows, err := s.cat.ChunksForFile(r.Context(), fileID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)

		return
	}

	details := fileDetails{
		FileID:   file.FileID,
		FileName: file.FileName,
		FilePath: file.FilePath,
		FolderID: file.FolderID,
		FileType: file.FileType,
		FileHash: file.FileHash,
		Size:     file.Size,
		Chunks:   make([]chunkView, 0, len(rows)),
	}

	for i := range rows {
		ch := &rows[i]
		details.Chunks = append(details.Chunks, chunkView{
			ChunkID:     ch.ChunkID,
			PartNumber:  ch.PartNumber,
			Fingerprint: ch.Fingerprint,
			Size:        ch.Size,
			Synced:      ch.Synced(),
		})
	}

	s.writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := s.cat.ListFolders(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)

		return
	}

	out := make([]folderView, 0, len(folders))
	for _, f := range folders {
		out = append(out, folderView{
			FolderID:       f.FolderID,
			FolderName:     f.FolderName,
			FolderPath:     f.FolderPath,
			ParentFolderID: f.ParentFolderID,
		})
	}

	s.writeJSON(w, http.StatusOK, out)
}

// handleSync enqueues a full rescan and returns immediately. A second
// trigger while one is running is fine — path locks serialize the work.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		defer cancel()

		if err := s.syncer.RunOnce(ctx); err != nil {
			s.logger.Error("api-triggered sync failed", slog.String("error", err.Error()))
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]any{"status": "sync started"})
}

// handleDownloadProxy forwards a download-URL request to the files
// service and relays the response unchanged.
func (s *Server) handleDownloadProxy(w http.ResponseWriter, r *http.Request) {
	var req remote.DownloadRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)

		return
	}

	resp, err := s.dl.RequestDownload(r.Context(), &req)
	if err != nil {
		if errors.Is(err, remote.ErrRejected) {
			s.writeError(w, http.StatusBadGateway, err)

			return
		}

		s.writeError(w, http.StatusServiceUnavailable, err)

		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
