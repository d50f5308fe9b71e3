package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/gocast/chunkcast/internal/config"
	"github.com/gocast/chunkcast/internal/source"
)

// MaxTrackUploadBytes caps PUT /admin/tracks/{id}
const MaxTrackUploadBytes = 256 << 20

// adminRoutes mounts the admin API under /admin
func (s *Server) adminRoutes(r chi.Router) {
	r.Use(noCache)

	r.Get("/sessions", s.handleListSessions)
	r.Delete("/sessions/{id}", s.handleCloseSession)
	r.Get("/logs", s.handleLogs)
	r.Get("/activity", s.handleActivity)

	r.Get("/config", s.handleGetConfig)
	r.Post("/config/reload", s.handleReloadConfig)

	r.Get("/tracks", s.handleListTracks)
	r.Put("/tracks/{id}", s.handlePutTrack)
	r.Delete("/tracks/{id}", s.handleDeleteTrack)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	jsonSuccess(w, s.handler.Sessions())
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.handler.CloseSession(id, websocket.StatusPolicyViolation, "closed by admin") {
		jsonError(w, "Session not found", http.StatusNotFound)
		return
	}
	s.activity.AdminAction("close_session", id)
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: fmt.Sprintf("Session %s closed", id),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	jsonSuccess(w, s.logBuffer.GetRecent(parseIntParam(r, "limit", 100)))
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	jsonSuccess(w, s.activity.GetRecent(parseIntParam(r, "limit", 50)))
}

// ConfigDTO is the admin view of the live configuration with secrets removed
type ConfigDTO struct {
	Path   string         `json:"path,omitempty"`
	Config *config.Config `json:"config"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.configManager.GetConfig().Clone()
	if cfg.Source.Minio.SecretKey != "" {
		cfg.Source.Minio.SecretKey = "********"
	}
	jsonSuccess(w, ConfigDTO{
		Path:   s.configManager.GetConfigPath(),
		Config: cfg,
	})
}

func (s *Server) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	if s.configManager.GetConfigPath() == "" {
		jsonError(w, "No configuration file to reload", http.StatusConflict)
		return
	}
	if err := s.configManager.Reload(); err != nil {
		jsonError(w, "Failed to reload configuration: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.activity.AdminAction("reload_config", s.configManager.GetConfigPath())
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Configuration reloaded",
	})
}

// store returns the source as a Store, writing an error if it is read-only
func (s *Server) store(w http.ResponseWriter) (source.Store, bool) {
	st, ok := s.source.(source.Store)
	if !ok {
		jsonError(w, "Track source is read-only", http.StatusNotImplemented)
	}
	return st, ok
}

func (s *Server) handleListTracks(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w)
	if !ok {
		return
	}
	tracks, err := st.List(r.Context())
	if err != nil {
		s.logger.Error("listing tracks failed", "error", err)
		jsonError(w, "Failed to list tracks", http.StatusInternalServerError)
		return
	}
	jsonSuccess(w, tracks)
}

func (s *Server) handlePutTrack(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := source.ValidateTrackID(id); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxTrackUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, "Track too large", http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		jsonError(w, "Empty track", http.StatusBadRequest)
		return
	}

	if err := st.Put(r.Context(), id, data); err != nil {
		s.logger.Error("storing track failed", "track", id, "error", err)
		jsonError(w, "Failed to store track", http.StatusInternalServerError)
		return
	}
	s.activity.TrackUploaded(id, len(data))
	s.logger.Info("track uploaded", "track", id, "bytes", len(data))
	writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Message: fmt.Sprintf("Track %s stored", id),
	})
}

func (s *Server) handleDeleteTrack(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	err := st.Delete(r.Context(), id)
	switch {
	case errors.Is(err, source.ErrInvalidTrackID):
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, source.ErrTrackNotFound):
		jsonError(w, "Track not found", http.StatusNotFound)
		return
	case err != nil:
		s.logger.Error("deleting track failed", "track", id, "error", err)
		jsonError(w, "Failed to delete track", http.StatusInternalServerError)
		return
	}
	s.activity.AdminAction("delete_track", id)
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: fmt.Sprintf("Track %s deleted", id),
	})
}

// parseIntParam parses an integer from a query parameter
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}
