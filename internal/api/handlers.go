package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/recbooth/recbooth/internal/booth"
	"github.com/recbooth/recbooth/internal/config"
	"github.com/recbooth/recbooth/internal/session"
	"github.com/recbooth/recbooth/pkg/logger"
)

// Handler contains the API handlers
type Handler struct {
	boothService *booth.Service
	config       *config.Config
	logger       *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(boothService *booth.Service, config *config.Config, logger *logger.Logger) *Handler {
	return &Handler{
		boothService: boothService,
		config:       config,
		logger:       logger.Named("api-handler"),
	}
}

// OpenRecording resolves a recording link to a session view. This is
// the entry point a respondent's browser hits; the token is parsed and
// validated here and the resulting state returned with its marker.
func (h *Handler) OpenRecording(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	b, err := h.boothService.Open(r.Context(), "/record/"+token)
	if err != nil {
		if errors.Is(err, session.ErrInvalidFormat) {
			h.logger.Warn("Rejected malformed recording link",
				logger.String("token", token))
			h.writeJSON(w, http.StatusNotFound, InvalidLinkView())
			return
		}
		h.logger.Error("Failed to open booth",
			logger.String("token", token),
			logger.Error(err))
		http.Error(w, "Failed to open recording session", http.StatusInternalServerError)
		return
	}

	h.writeView(w, b)
}

// GetRecordingState returns the current view for an already-open booth
func (h *Handler) GetRecordingState(w http.ResponseWriter, r *http.Request) {
	b, ok := h.booth(w, r)
	if !ok {
		return
	}
	h.writeView(w, b)
}

// StartRecording begins capture
func (h *Handler) StartRecording(w http.ResponseWriter, r *http.Request) {
	b, ok := h.booth(w, r)
	if !ok {
		return
	}

	if err := h.boothService.StartRecording(b.Token); err != nil {
		h.logger.Warn("Failed to start recording",
			logger.String("token", b.Token.String()),
			logger.Error(err))
		h.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	h.writeView(w, b)
}

// PauseRecording suspends capture while keeping the device acquired
func (h *Handler) PauseRecording(w http.ResponseWriter, r *http.Request) {
	b, ok := h.booth(w, r)
	if !ok {
		return
	}

	if err := h.boothService.PauseRecording(b.Token); err != nil {
		h.logger.Warn("Failed to pause recording",
			logger.String("token", b.Token.String()),
			logger.Error(err))
		h.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	h.writeView(w, b)
}

// ResumeRecording continues a paused capture
func (h *Handler) ResumeRecording(w http.ResponseWriter, r *http.Request) {
	b, ok := h.booth(w, r)
	if !ok {
		return
	}

	if err := h.boothService.ResumeRecording(b.Token); err != nil {
		h.logger.Warn("Failed to resume recording",
			logger.String("token", b.Token.String()),
			logger.Error(err))
		h.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	h.writeView(w, b)
}

// StopRecording ends capture and begins the upload phase
func (h *Handler) StopRecording(w http.ResponseWriter, r *http.Request) {
	b, ok := h.booth(w, r)
	if !ok {
		return
	}

	if err := h.boothService.StopRecording(b.Token); err != nil {
		h.logger.Warn("Failed to stop recording",
			logger.String("token", b.Token.String()),
			logger.Error(err))
		h.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	h.writeView(w, b)
}

// RetryUpload resumes a failed upload from the last confirmed chunk
func (h *Handler) RetryUpload(w http.ResponseWriter, r *http.Request) {
	b, ok := h.booth(w, r)
	if !ok {
		return
	}

	if err := h.boothService.RetryUpload(b.Token); err != nil {
		h.logger.Warn("Failed to retry upload",
			logger.String("token", b.Token.String()),
			logger.Error(err))
		h.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	h.writeView(w, b)
}

// Revalidate issues a fresh validation attempt after a network error
func (h *Handler) Revalidate(w http.ResponseWriter, r *http.Request) {
	b, ok := h.booth(w, r)
	if !ok {
		return
	}

	if err := h.boothService.Revalidate(r.Context(), b.Token); err != nil {
		h.logger.Error("Failed to revalidate session",
			logger.String("token", b.Token.String()),
			logger.Error(err))
		http.Error(w, "Failed to revalidate session", http.StatusInternalServerError)
		return
	}
	h.writeView(w, b)
}

// EndRecording closes the booth when the respondent navigates away,
// cancelling in-flight work and releasing the device
func (h *Handler) EndRecording(w http.ResponseWriter, r *http.Request) {
	b, ok := h.booth(w, r)
	if !ok {
		return
	}

	h.boothService.EndSession(b.Token)
	w.WriteHeader(http.StatusNoContent)
}

// booth parses the token parameter and looks up its live booth
func (h *Handler) booth(w http.ResponseWriter, r *http.Request) (*booth.Booth, bool) {
	raw := chi.URLParam(r, "token")

	token, err := session.ParseToken(raw)
	if err != nil {
		h.writeJSON(w, http.StatusNotFound, InvalidLinkView())
		return nil, false
	}

	b, ok := h.boothService.Get(token)
	if !ok {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no open session for this token"})
		return nil, false
	}
	return b, true
}

// writeView renders the booth's current presentation view
func (h *Handler) writeView(w http.ResponseWriter, b *booth.Booth) {
	confirmed, total := b.Controller.Progress()
	view := Present(b.Snapshot(), confirmed, total)
	view.Paused = b.Controller.Paused()
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", logger.Error(err))
	}
}
