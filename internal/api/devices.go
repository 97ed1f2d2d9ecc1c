package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/devlink-core/internal/audit"
	"github.com/nerrad567/devlink-core/internal/device"
	"github.com/nerrad567/devlink-core/internal/deviceapi"
	"github.com/nerrad567/devlink-core/internal/discovery"
)

// handleListDevices returns all stored device records.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.devices.List()
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single record by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDeleteDevice forgets a device.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.devices.Delete(r.Context(), id); err != nil {
		if errors.Is(err, device.ErrRecordNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to delete device")
		return
	}
	s.recordActivity(r, audit.ActionDeleted, audit.EntityDevice, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleLocalLookup finds the device on the LAN and proposes a local
// channel URL.
func (s *Server) handleLocalLookup(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	channelURL, ok := s.resolveLocal(r.Context(), w, rec)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": rec.ID, "url": channelURL})
}

// lookupDevice loads the record named by the {id} URL parameter, writing
// the error response itself when it fails.
func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request) (*device.Record, bool) {
	rec, err := s.devices.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, device.ErrRecordNotFound) {
			writeNotFound(w, "device not found")
			return nil, false
		}
		writeInternalError(w, "failed to get device")
		return nil, false
	}
	return rec, true
}

func (s *Server) resolveLocal(ctx context.Context, w http.ResponseWriter, rec *device.Record) (string, bool) {
	if s.resolver == nil {
		writeNotImplemented(w, "local discovery is not available")
		return "", false
	}
	if rec.Hostname == nil || *rec.Hostname == "" {
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, "device has no hostname")
		return "", false
	}
	channelURL, err := s.resolver.Lookup(ctx, *rec.Hostname)
	switch {
	case err == nil:
		return channelURL, true
	case errors.Is(err, discovery.ErrDisabled):
		writeNotImplemented(w, "local discovery is disabled")
	case errors.Is(err, discovery.ErrNotFound):
		writeNotFound(w, "device not found on local network")
	default:
		s.logger.Warn("local lookup failed", "id", rec.ID, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, "local lookup failed")
	}
	return "", false
}

// deviceClient builds a client for the device's own HTTP API. The base
// address comes from the "base" query parameter, else from mDNS.
func (s *Server) deviceClient(w http.ResponseWriter, r *http.Request) (*deviceapi.Client, bool) {
	rec, ok := s.lookupDevice(w, r)
	if !ok {
		return nil, false
	}

	base := strings.TrimSpace(r.URL.Query().Get("base"))
	if base == "" {
		channelURL, ok := s.resolveLocal(r.Context(), w, rec)
		if !ok {
			return nil, false
		}
		base = httpBase(channelURL)
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "base must be an absolute http(s) URL")
		return nil, false
	}

	token := ""
	if rec.AuthToken != nil {
		token = *rec.AuthToken
	}
	return deviceapi.NewClient(u.Scheme+"://"+u.Host, token, s.deviceTimeout), true
}

// httpBase turns a local channel URL (ws://ip:port/) into the device's
// HTTP origin.
func httpBase(channelURL string) string {
	u, err := url.Parse(channelURL)
	if err != nil {
		return channelURL
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	return u.Scheme + "://" + u.Host
}

func (s *Server) handleFetchDeviceConfig(w http.ResponseWriter, r *http.Request) {
	client, ok := s.deviceClient(w, r)
	if !ok {
		return
	}
	cfg, err := client.FetchConfig(r.Context())
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleSaveDeviceConfig merges the body into the device configuration
// and returns what the device now holds.
func (s *Server) handleSaveDeviceConfig(w http.ResponseWriter, r *http.Request) {
	var patch deviceapi.Config
	if err := decodeJSON(r, &patch, false); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	client, ok := s.deviceClient(w, r)
	if !ok {
		return
	}
	merged, err := client.SaveConfigToDevice(r.Context(), patch)
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.recordActivity(r, audit.ActionConfigSaved, audit.EntityDevice, chi.URLParam(r, "id"), nil)
	writeJSON(w, http.StatusOK, merged)
}

func (s *Server) handleRestartDevice(w http.ResponseWriter, r *http.Request) {
	client, ok := s.deviceClient(w, r)
	if !ok {
		return
	}
	if err := client.RestartDevice(r.Context()); err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.recordActivity(r, audit.ActionRestarted, audit.EntityDevice, chi.URLParam(r, "id"), nil)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDeviceLogout(w http.ResponseWriter, r *http.Request) {
	client, ok := s.deviceClient(w, r)
	if !ok {
		return
	}
	if err := client.Logout(r.Context()); err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.recordActivity(r, audit.ActionLoggedOut, audit.EntityDevice, chi.URLParam(r, "id"), nil)
	w.WriteHeader(http.StatusNoContent)
}

// fsParam returns the filesystem query parameter, "lfs" by default.
func fsParam(r *http.Request) string {
	if fs := r.URL.Query().Get("fs"); fs != "" {
		return fs
	}
	return "lfs"
}

func (s *Server) handleListDeviceFiles(w http.ResponseWriter, r *http.Request) {
	client, ok := s.deviceClient(w, r)
	if !ok {
		return
	}
	dir := r.URL.Query().Get("path")
	if dir == "" {
		dir = "/"
	}
	files, err := client.ListFiles(r.Context(), fsParam(r), dir)
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files, "count": len(files)})
}

func (s *Server) handleDeviceMkdir(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("name") == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "name is required")
		return
	}
	client, ok := s.deviceClient(w, r)
	if !ok {
		return
	}
	if err := client.Mkdir(r.Context(), fsParam(r), q.Get("path"), q.Get("name")); err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.recordFileChange(r, "mkdir", q.Get("path")+"/"+q.Get("name"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenameDeviceFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("oldPath") == "" || q.Get("newName") == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "oldPath and newName are required")
		return
	}
	client, ok := s.deviceClient(w, r)
	if !ok {
		return
	}
	if err := client.Rename(r.Context(), fsParam(r), q.Get("oldPath"), q.Get("newName")); err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.recordFileChange(r, "rename", q.Get("oldPath"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteDeviceFile(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("path")
	if target == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "path is required")
		return
	}
	client, ok := s.deviceClient(w, r)
	if !ok {
		return
	}
	if err := client.Delete(r.Context(), fsParam(r), target); err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.recordFileChange(r, "delete", target)
	w.WriteHeader(http.StatusNoContent)
}

// handleUploadDeviceFile forwards the multipart "file" field to the device.
func (s *Server) handleUploadDeviceFile(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeBadRequest(w, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	client, ok := s.deviceClient(w, r)
	if !ok {
		return
	}
	dir := r.URL.Query().Get("path")
	if dir == "" {
		dir = "/"
	}
	if err := client.Upload(r.Context(), fsParam(r), dir, header.Filename, file); err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.recordFileChange(r, "upload", dir+"/"+header.Filename)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) recordFileChange(r *http.Request, op, target string) {
	s.recordActivity(r, audit.ActionFileChanged, audit.EntityDevice, chi.URLParam(r, "id"),
		map[string]any{"op": op, "fs": fsParam(r), "path": target})
}

// writeDeviceError passes the device's own status and message through
// for 4xx answers and reports everything else as a gateway error.
func (s *Server) writeDeviceError(w http.ResponseWriter, err error) {
	var statusErr *deviceapi.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 {
		code := ErrCodeDeviceRejected
		switch {
		case errors.Is(err, deviceapi.ErrUnauthorized):
			code = ErrCodeUnauthorized
		case errors.Is(err, deviceapi.ErrNotFound):
			code = ErrCodeNotFound
		}
		writeError(w, statusErr.StatusCode, code, statusErr.Message)
		return
	}
	s.logger.Warn("device request failed", "error", err)
	writeError(w, http.StatusBadGateway, ErrCodeUpstream, err.Error())
}
