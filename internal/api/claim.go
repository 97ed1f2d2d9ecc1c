package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/nerrad567/devlink-core/internal/audit"
	"github.com/nerrad567/devlink-core/internal/claim"
	"github.com/nerrad567/devlink-core/internal/device"
)

type claimRequest struct {
	Code    string `json:"code"`
	BaseURL string `json:"base_url"`
	Tunnel  string `json:"tunnel"`
}

type claimResponse struct {
	DeviceID    string         `json:"device_id"`
	Tunnel      string         `json:"tunnel"`
	UIWSURL     string         `json:"ui_ws_url"`
	UIAuthToken string         `json:"ui_auth_token"`
	Record      *device.Record `json:"record"`
}

// handleClaim redeems a claim code at the relay and stores the record.
// base_url and tunnel default to the configured relay and tunnel.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if s.claims == nil {
		writeNotImplemented(w, "claiming is not available")
		return
	}
	var req claimRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	baseURL := strings.TrimSpace(req.BaseURL)
	if baseURL == "" {
		baseURL = s.cloudCfg.BaseURL
	}
	tunnel := strings.TrimSpace(req.Tunnel)
	if tunnel == "" {
		tunnel = s.cloudCfg.DefaultTunnel
	}

	red, err := s.claims.Redeem(r.Context(), req.Code, baseURL, tunnel)
	if err != nil {
		writeClaimError(w, err)
		return
	}
	if err := s.saveRecord(r.Context(), red.Record); err != nil {
		s.logger.Error("failed to store claimed device", "id", red.DeviceID, "error", err)
		writeInternalError(w, "failed to store device record")
		return
	}
	s.recordActivity(r, audit.ActionClaimed, audit.EntityDevice, red.DeviceID,
		map[string]any{"base_url": baseURL, "tunnel": red.Tunnel})

	writeJSON(w, http.StatusOK, claimResponse{
		DeviceID:    red.DeviceID,
		Tunnel:      red.Tunnel,
		UIWSURL:     red.UIWSURL,
		UIAuthToken: red.UIAuthToken,
		Record:      red.Record,
	})
}

func writeClaimError(w http.ResponseWriter, err error) {
	var rejected *claim.RejectedError
	switch {
	case errors.Is(err, claim.ErrInvalidCodeFormat), errors.Is(err, claim.ErrInvalidBaseURL):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.As(err, &rejected):
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, rejected.Message)
	default:
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, err.Error())
	}
}
