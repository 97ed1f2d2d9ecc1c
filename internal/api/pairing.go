package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/nerrad567/devlink-core/internal/audit"
	"github.com/nerrad567/devlink-core/internal/device"
	"github.com/nerrad567/devlink-core/internal/pairing"
)

type startPairingRequest struct {
	InitialSetup bool `json:"initial_setup"`
}

type provisionWifiRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

type pairingResponse struct {
	Phase  pairing.Phase  `json:"phase"`
	Record *device.Record `json:"record,omitempty"`
}

// handleGetPairing returns the current session snapshot.
func (s *Server) handleGetPairing(w http.ResponseWriter, _ *http.Request) {
	if s.pairing == nil {
		writeNotImplemented(w, "pairing is not available")
		return
	}
	writeJSON(w, http.StatusOK, s.pairing.Snapshot())
}

// handleStartPairing runs a pairing session until it needs wifi
// credentials or completes.
func (s *Server) handleStartPairing(w http.ResponseWriter, r *http.Request) {
	if s.pairing == nil {
		writeNotImplemented(w, "pairing is not available")
		return
	}
	var req startPairingRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	result, err := s.pairing.Pair(r.Context(), pairing.Options{InitialSetup: req.InitialSetup})
	if err != nil {
		writePairingError(w, err)
		return
	}
	s.finishPairing(w, r, result)
}

// handleProvisionWifi sends credentials to the device of the session
// waiting in awaiting_wifi.
func (s *Server) handleProvisionWifi(w http.ResponseWriter, r *http.Request) {
	if s.pairing == nil {
		writeNotImplemented(w, "pairing is not available")
		return
	}
	var req provisionWifiRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	result, err := s.pairing.ProvisionWifi(r.Context(), req.SSID, req.Password)
	if err != nil {
		writePairingError(w, err)
		return
	}
	s.finishPairing(w, r, result)
}

// handleCancelPairing ends the session, as when the dialog is closed.
func (s *Server) handleCancelPairing(w http.ResponseWriter, _ *http.Request) {
	if s.pairing == nil {
		writeNotImplemented(w, "pairing is not available")
		return
	}
	s.pairing.Close()
	w.WriteHeader(http.StatusNoContent)
}

// finishPairing stores a completed record and writes the result.
func (s *Server) finishPairing(w http.ResponseWriter, r *http.Request, result *pairing.Result) {
	if result.Record != nil {
		if err := s.saveRecord(r.Context(), result.Record); err != nil {
			s.logger.Error("failed to store paired device", "id", result.Record.ID, "error", err)
			writeInternalError(w, "failed to store device record")
			return
		}
		s.recordActivity(r, audit.ActionPaired, audit.EntityDevice, result.Record.ID,
			map[string]any{"hostname": result.Record.Hostname})
	}
	writeJSON(w, http.StatusOK, pairingResponse{Phase: result.Phase, Record: result.Record})
}

// saveRecord persists rec and tells dashboards about it.
func (s *Server) saveRecord(ctx context.Context, rec *device.Record) error {
	if err := s.devices.Save(ctx, rec); err != nil {
		return err
	}
	s.hub.Broadcast(EventDeviceSaved, rec)
	return nil
}

// writePairingError maps pairing failures to HTTP responses. The message
// is the controller's own so the dashboard can show it unchanged.
func writePairingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pairing.ErrUnsupportedPlatform):
		writeNotImplemented(w, err.Error())
	case errors.Is(err, pairing.ErrInvalidSSID):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, pairing.ErrInvalidPhase), errors.Is(err, pairing.ErrSessionClosed),
		errors.Is(err, context.Canceled):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, pairing.ErrProvisioningRejected):
		writeError(w, http.StatusUnprocessableEntity, ErrCodeDeviceRejected, err.Error())
	case errors.Is(err, pairing.ErrWifiTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	case errors.Is(err, pairing.ErrTransportFailure), errors.Is(err, pairing.ErrNoDeviceIdentity):
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}
