// Package httpapi exposes the coordinator over a local REST surface for
// scripts and the CLI. Observers use the WebSocket route; this API is
// the management plane.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/watchmark/watchmark/internal/config"
	"github.com/watchmark/watchmark/internal/coordinator"
	"github.com/watchmark/watchmark/internal/events"
	"github.com/watchmark/watchmark/internal/models"
	"github.com/watchmark/watchmark/internal/retry"
)

// Server serves the management API and the observer WebSocket route.
type Server struct {
	coord  *coordinator.Coordinator
	logger *events.Logger
	http   *http.Server
}

// New builds the HTTP server with all routes mounted.
func New(cfg *config.ServerConfig, coord *coordinator.Coordinator, logger *events.Logger) *Server {
	s := &Server{
		coord:  coord,
		logger: logger.WithField("component", "httpapi"),
	}

	r := chi.NewRouter()
	r.Use(requestLogger(s.logger))
	r.Use(recoverer(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", coord.Metrics().Handler())
	r.Handle("/ws", coord.Hub())

	r.Route("/api", func(r chi.Router) {
		r.Use(rateLimiter(cfg.RateLimit, cfg.RateBurst))

		r.Get("/bookmarks", s.handleListBookmarks)
		r.Get("/bookmarks/{id}", s.handleGetBookmark)
		r.Delete("/bookmarks/{id}", s.handleDeleteBookmark)
		r.Post("/bookmarks/{id}/undo", s.handleUndoDelete)

		r.Get("/settings", s.handleGetSettings)
		r.Patch("/settings", s.handleUpdateSettings)

		r.Post("/backup", s.handleCreateBackup)
		r.Post("/restore", s.handleRestore)
		r.Post("/cleanup", s.handleCleanup)
	})

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.WithField("addr", s.http.Addr).Info("HTTP server listening")
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListBookmarks(w http.ResponseWriter, r *http.Request) {
	bookmarks, err := s.coord.Bookmarks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &models.BookmarkListResult{Bookmarks: bookmarks})
}

func (s *Server) handleGetBookmark(w http.ResponseWriter, r *http.Request) {
	rec, err := s.coord.Bookmark(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteBookmark(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.InitiateDelete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	// 202: deletion is pending until the undo window elapses.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending_deletion"})
}

func (s *Server) handleUndoDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.UndoDelete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.coord.Settings(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch models.SettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, &models.InvalidDataError{Field: "body", Reason: err.Error()})
		return
	}
	settings, err := s.coord.ApplySettings(r.Context(), patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.CreateBackup(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.RestoreFromBackup(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.coord.Cleanup(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := models.ErrorCode(err)

	var invalid *models.InvalidDataError
	var exhausted *retry.ExhaustedError
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrBackupMissing):
		status = http.StatusNotFound
	case errors.As(err, &invalid):
		status = http.StatusBadRequest
	case errors.As(err, &exhausted):
		status = http.StatusServiceUnavailable
		code = models.ErrCodeRetry
	}

	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
	}
	writeJSON(w, status, &models.ErrorData{Code: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
