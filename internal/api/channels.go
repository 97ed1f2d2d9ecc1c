package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/devlink-core/internal/audit"
	"github.com/nerrad567/devlink-core/internal/channel"
)

type openChannelRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	PayloadKind string `json:"payload_kind"`
	Enabled     *bool  `json:"enabled"`
}

// handleListChannels returns a snapshot of every registry entry.
func (s *Server) handleListChannels(w http.ResponseWriter, _ *http.Request) {
	channels := s.channels.List()
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels, "count": len(channels)})
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channels.Get(chi.URLParam(r, "id"))
	if !ok {
		writeNotFound(w, "channel not found")
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// handleOpenChannel stores the owning module and opens its channel.
//
// The id is taken from the request, else derived from name or URL. A
// module saved with enabled=false is stored but not connected.
func (s *Server) handleOpenChannel(w http.ResponseWriter, r *http.Request) {
	var req openChannelRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "url is required")
		return
	}
	kind, err := channel.ParsePayloadKind(req.PayloadKind)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = channel.DeriveID(req.Name, req.URL, len(s.channels.List()))
	}
	enabled := req.Enabled == nil || *req.Enabled

	if s.modules != nil {
		module := &channel.ModuleConfig{ID: id, URL: req.URL, PayloadKind: kind, Enabled: enabled}
		if err := s.modules.Upsert(r.Context(), module); err != nil {
			s.logger.Error("failed to store channel module", "channel", id, "error", err)
			writeInternalError(w, "failed to store channel module")
			return
		}
	}
	s.recordActivity(r, audit.ActionOpened, audit.EntityChannel, id,
		map[string]any{"url": req.URL, "payload_kind": string(kind), "enabled": enabled})
	if !enabled {
		s.channels.Close(id)
		writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "enabled": false})
		return
	}

	ch, err := s.channels.Open(r.Context(), id, req.URL, kind)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ch)
	case errors.Is(err, channel.ErrInvalidChannelURL):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, channel.ErrDialFailed):
		// The entry exists in the error state; the dashboard shows it.
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, err.Error())
	case errors.Is(err, channel.ErrSuperseded):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, channel.ErrRegistryClosed):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}

// handleCloseChannel closes the channel and removes its module.
func (s *Server) handleCloseChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.modules != nil {
		if err := s.modules.Delete(r.Context(), id); err != nil && !errors.Is(err, channel.ErrModuleNotFound) {
			s.logger.Error("failed to delete channel module", "channel", id, "error", err)
			writeInternalError(w, "failed to delete channel module")
			return
		}
	}
	s.channels.Close(id)
	s.recordActivity(r, audit.ActionClosed, audit.EntityChannel, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleSendChannel writes the raw request body to the channel.
func (s *Server) handleSendChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read body")
		return
	}
	if !s.channels.Send(id, data) {
		writeError(w, http.StatusConflict, ErrCodeConflict, "channel is not connected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": len(data)})
}

// handleGetFrame serves the bytes behind a live binary frame handle.
func (s *Server) handleGetFrame(w http.ResponseWriter, r *http.Request) {
	if s.frames == nil {
		writeNotFound(w, "frame not found")
		return
	}
	data, ok := s.frames.Lookup(chi.URLParam(r, "handle"))
	if !ok {
		writeNotFound(w, "frame not found")
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck // client may have gone away
}
