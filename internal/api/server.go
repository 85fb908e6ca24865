// Package api serves the local HTTP surface: read-only projections of
// the catalog, a manual sync trigger, and a download proxy. It binds to
// loopback; there is no authentication layer.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/driftsync/driftsync/internal/catalog"
	"github.com/driftsync/driftsync/internal/remote"
)

const requestTimeout = 30 * time.Second

// Syncer triggers a full rescan-and-sync pass.
type Syncer interface {
	RunOnce(ctx context.Context) error
}

// Downloader forwards download-URL requests to the files service.
type Downloader interface {
	RequestDownload(ctx context.Context, req *remote.DownloadRequest) (*remote.DownloadResponse, error)
}

// Server is the local API server.
type Server struct {
	cat    *catalog.Catalog
	syncer Syncer
	dl     Downloader
	logger *slog.Logger
}

// NewServer creates a Server over the given catalog and engine surfaces.
func NewServer(cat *catalog.Catalog, syncer Syncer, dl Downloader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{cat: cat, syncer: syncer, dl: dl, logger: logger}
}

// Router builds the chi router with the middleware stack and all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/files", s.handleListFiles)
		r.Get("/files/{fileID}", s.handleFileDetails)
		r.Get("/folders", s.handleListFolders)
		r.Post("/sync", s.handleSync)
		r.Post("/files/download", s.handleDownloadProxy)
	})

	return r
}

// Serve runs the API until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("local API listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)

	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}

		return err
	}
}

// requestLogger logs each request at debug on entry and info on exit.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("api request",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
