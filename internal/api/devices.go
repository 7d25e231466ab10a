package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hearthgrid/hearth-core/internal/audit"
	"github.com/hearthgrid/hearth-core/internal/trust"
)

// handleListDevices returns the authenticated operator's device trust
// records, revoked ones included.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	devices, err := s.trust.ListForUser(r.Context(), claims.Subject)
	if err != nil {
		writeInternalError(w, "failed to list devices")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleRevokeDevice revokes trust for one of the operator's devices.
// The session version bump strands every token minted for it, including
// the caller's own if they revoke the device they are on.
func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	deviceID := chi.URLParam(r, "deviceID")

	if err := s.trust.Revoke(r.Context(), claims.Subject, deviceID); err != nil {
		if errors.Is(err, trust.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to revoke device")
		return
	}

	s.recordAudit(r.Context(), &audit.Event{
		EventType:  audit.EventDeviceRevoked,
		Actor:      claims.Subject,
		Subject:    deviceID,
		RemoteAddr: r.RemoteAddr,
	})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}
