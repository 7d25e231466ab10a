package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hearthgrid/hearth-core/internal/audit"
	"github.com/hearthgrid/hearth-core/internal/hub"
)

// handlePair runs the signed bootstrap handshake for a hub.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var req hub.PairingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	result, err := s.pairing.Pair(r.Context(), &req)
	if err != nil {
		s.recordAudit(r.Context(), &audit.Event{
			EventType:  audit.EventPairingRejected,
			Actor:      req.Serial,
			Outcome:    "failure",
			Detail:     map[string]any{"reason": pairingFailureReason(err)},
			RemoteAddr: r.RemoteAddr,
		})
		writePairingError(w, err)
		return
	}

	s.recordAudit(r.Context(), &audit.Event{
		EventType:  audit.EventPairingAccepted,
		Actor:      req.Serial,
		Detail:     map[string]any{"published_version": result.PublishedVersion, "latest_version": result.LatestVersion},
		RemoteAddr: r.RemoteAddr,
	})
	writeJSON(w, http.StatusOK, result)
}

// tokenAckRequest is a pairing-signed acknowledgement of a token version.
type tokenAckRequest struct {
	hub.PairingRequest
	Version int `json:"version"`
}

// handleTokenAck promotes a pending token version after the hub confirms
// durable receipt. The request is signed exactly like a pairing request.
func (s *Server) handleTokenAck(w http.ResponseWriter, r *http.Request) {
	var req tokenAckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Version <= 0 {
		writeBadRequest(w, "version is required")
		return
	}

	install, err := s.pairing.Verify(r.Context(), &req.PairingRequest)
	if err != nil {
		writePairingError(w, err)
		return
	}

	if err := s.ledger.Acknowledge(r.Context(), install.ID, req.Version); err != nil {
		if errors.Is(err, hub.ErrNoSuchVersion) {
			writeConflict(w, "no pending token with that version")
			return
		}
		s.logger.Error("token acknowledgement failed", "serial", install.Serial, "error", err)
		writeInternalError(w, "failed to acknowledge token")
		return
	}

	s.recordAudit(r.Context(), &audit.Event{
		EventType:  audit.EventTokenAcknowledged,
		Actor:      install.Serial,
		Detail:     map[string]any{"version": req.Version},
		RemoteAddr: r.RemoteAddr,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"acknowledged": true,
		"version":      req.Version,
	})
}

// verifyTokenRequest asks whether a presented hub token is currently accepted.
type verifyTokenRequest struct {
	Serial string `json:"serial"`
	Token  string `json:"token"`
}

// handleVerifyToken checks a raw hub token against the accepted set.
// Other planes (sync relay, remote access) call this to authenticate
// traffic claiming to come from a hub.
func (s *Server) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	var req verifyTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Serial == "" || req.Token == "" {
		writeBadRequest(w, "serial and token are required")
		return
	}

	install, err := s.hubs.GetBySerial(r.Context(), req.Serial)
	if err != nil {
		// Unknown serials and bad tokens are indistinguishable.
		writeUnauthorized(w, "token not accepted")
		return
	}

	version, err := s.ledger.VerifyPresentedToken(r.Context(), install, req.Token)
	if err != nil {
		if errors.Is(err, hub.ErrUnauthorized) {
			writeUnauthorized(w, "token not accepted")
			return
		}
		writeInternalError(w, "failed to verify token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":   true,
		"version": version,
	})
}

// registerHubRequest is the request body for POST /hubs.
type registerHubRequest struct {
	Serial             string `json:"serial"`
	BootstrapSecret    string `json:"bootstrap_secret"`
	RotateEveryMinutes int    `json:"rotate_every_minutes,omitempty"`
	GraceMinutes       int    `json:"grace_minutes,omitempty"`
}

// handleRegisterHub provisions a new hub install. The bootstrap secret is
// whatever was burned into the unit at manufacture; it is vault-encrypted
// at rest and never returned.
func (s *Server) handleRegisterHub(w http.ResponseWriter, r *http.Request) {
	var req registerHubRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if !hub.IsValidSerial(req.Serial) {
		writeBadRequest(w, "serial must be 4-64 uppercase alphanumeric characters or hyphens")
		return
	}
	if req.BootstrapSecret == "" {
		writeBadRequest(w, "bootstrap_secret is required")
		return
	}

	enc, err := s.vault.Encrypt(req.BootstrapSecret)
	if err != nil {
		writeInternalError(w, "failed to store bootstrap secret")
		return
	}

	install := &hub.Install{
		Serial:             req.Serial,
		BootstrapSecretEnc: enc,
		IsActive:           true,
		RotateEveryMinutes: req.RotateEveryMinutes,
		GraceMinutes:       req.GraceMinutes,
	}
	if install.RotateEveryMinutes <= 0 {
		install.RotateEveryMinutes = s.secCfg.Rotation.RotateEveryMinutes
	}
	if install.GraceMinutes <= 0 {
		install.GraceMinutes = s.secCfg.Rotation.GraceMinutes
	}

	if err := s.hubs.Create(r.Context(), install); err != nil {
		if errors.Is(err, hub.ErrSerialExists) {
			writeConflict(w, "hub serial already registered")
			return
		}
		s.logger.Error("hub registration failed", "serial", req.Serial, "error", err)
		writeInternalError(w, "failed to register hub")
		return
	}

	s.logger.Info("hub registered", "serial", install.Serial, "hub_id", install.ID)
	writeJSON(w, http.StatusCreated, install)
}

// handleListHubs returns all registered hub installs.
func (s *Server) handleListHubs(w http.ResponseWriter, r *http.Request) {
	installs, err := s.hubs.List(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list hubs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hubs":  installs,
		"count": len(installs),
	})
}

// handleGetHub returns one hub install by ID.
func (s *Server) handleGetHub(w http.ResponseWriter, r *http.Request) {
	install, err := s.hubs.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, hub.ErrHubNotFound) {
			writeNotFound(w, "hub not found")
			return
		}
		writeInternalError(w, "failed to get hub")
		return
	}
	writeJSON(w, http.StatusOK, install)
}

// handleRotateHub forces an immediate token rotation for a hub. The raw
// token is never returned here; the hub collects it over MQTT notice plus
// its authenticated pairing channel.
func (s *Server) handleRotateHub(w http.ResponseWriter, r *http.Request) {
	install, err := s.hubs.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, hub.ErrHubNotFound) {
			writeNotFound(w, "hub not found")
			return
		}
		writeInternalError(w, "failed to get hub")
		return
	}

	tok, _, err := s.ledger.Rotate(r.Context(), install.ID)
	if err != nil {
		s.logger.Error("manual rotation failed", "serial", install.Serial, "error", err)
		writeInternalError(w, "failed to rotate token")
		return
	}

	claims := claimsFrom(r.Context())
	s.recordAudit(r.Context(), &audit.Event{
		EventType:  audit.EventTokenRotated,
		Actor:      claims.Subject,
		Subject:    install.Serial,
		Detail:     map[string]any{"version": tok.Version, "trigger": "manual"},
		RemoteAddr: r.RemoteAddr,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"rotated": true,
		"version": tok.Version,
	})
}

// handleDeactivateHub disables a hub install. Deactivated hubs fail
// pairing and token verification immediately.
func (s *Server) handleDeactivateHub(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.hubs.Deactivate(r.Context(), id); err != nil {
		if errors.Is(err, hub.ErrHubNotFound) {
			writeNotFound(w, "hub not found")
			return
		}
		writeInternalError(w, "failed to deactivate hub")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deactivated": true})
}

// writePairingError maps handshake failures onto HTTP responses. All
// authentication failures share a 401 so a probing client learns nothing
// beyond the broad category.
func writePairingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, hub.ErrStaleTimestamp):
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "timestamp outside accepted window")
	case errors.Is(err, hub.ErrReplayDetected),
		errors.Is(err, hub.ErrInvalidSignature),
		errors.Is(err, hub.ErrHubNotFound),
		errors.Is(err, hub.ErrHubInactive):
		writeUnauthorized(w, "pairing rejected")
	default:
		writeInternalError(w, "pairing failed")
	}
}

// pairingFailureReason names the rejection for the audit trail, which
// unlike the HTTP response is allowed to be specific.
func pairingFailureReason(err error) string {
	switch {
	case errors.Is(err, hub.ErrStaleTimestamp):
		return "stale_timestamp"
	case errors.Is(err, hub.ErrReplayDetected):
		return "replay"
	case errors.Is(err, hub.ErrInvalidSignature):
		return "bad_signature"
	case errors.Is(err, hub.ErrHubNotFound):
		return "unknown_serial"
	case errors.Is(err, hub.ErrHubInactive):
		return "deactivated"
	default:
		return "internal"
	}
}
